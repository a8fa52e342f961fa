package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/models"
	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/repository"
)

type Outcome string

const (
	// OutcomeApplied: the event's transitions were written.
	OutcomeApplied Outcome = "applied"
	// OutcomeUnmatched: no entity can be linked; acknowledged without writes.
	OutcomeUnmatched Outcome = "unmatched"
	// OutcomeDeferred: the event names an order that does not exist yet;
	// the provider should redeliver later.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeIgnored: nothing to do for this event.
	OutcomeIgnored Outcome = "ignored"
)

// Notification is a post-reconciliation signal for the automation trigger.
type Notification struct {
	EntityType string
	EntityID   string
	EventType  string
	Recipient  string
}

type Result struct {
	Outcome       Outcome
	EntityType    string
	EntityID      string
	MatchedBy     string
	Reason        string
	Notifications []Notification
}

const orderPatchAttempts = 3

// Reconciler applies event-specific transitions to the record set. Each
// handler writes only the fields it owns.
type Reconciler struct {
	store       repository.DocumentStore
	resolver    *Resolver
	carts       cartWriter
	expiry      *expiryHandler
	logger      *zap.Logger
	deferWindow time.Duration
	now         func() time.Time
}

// NewReconciler wires the handlers onto store. deferWindow bounds how long
// an event naming a not-yet-created order is sent back for redelivery.
func NewReconciler(store repository.DocumentStore, logger *zap.Logger, deferWindow time.Duration) *Reconciler {
	carts := newCartWriter(store)
	return &Reconciler{
		store:       store,
		resolver:    NewResolver(store, logger),
		carts:       carts,
		expiry:      &expiryHandler{carts: carts, logger: logger},
		logger:      logger,
		deferWindow: deferWindow,
		now:         time.Now,
	}
}

// SetClock replaces the reconciler's time source.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

func (r *Reconciler) Apply(ctx context.Context, ev Event) (Result, error) {
	switch e := ev.(type) {
	case CheckoutCompleted:
		return r.checkoutCompleted(ctx, e)
	case CheckoutExpired:
		return r.expiry.handle(ctx, e)
	case ShipmentUpdate:
		return r.shipmentUpdate(ctx, e)
	case RefundUpdate:
		return r.refundUpdate(ctx, e)
	case DisputeUpdate:
		return r.disputeUpdate(ctx, e)
	case PaymentUpdate:
		return r.paymentUpdate(ctx, e)
	case InvoicePaid:
		return r.invoicePaid(ctx, e)
	case Ignored:
		return Result{Outcome: OutcomeIgnored, Reason: "unhandled event type"}, nil
	}
	return Result{}, fmt.Errorf("%w: unsupported event variant %T", ErrMalformedEvent, ev)
}

// unresolved decides between deferring and acknowledging an event whose
// order was not found.
func (r *Reconciler) unresolved(meta EventMeta, c Candidates) Result {
	if c.Deterministic() && r.now().Sub(meta.Created) < r.deferWindow {
		return Result{Outcome: OutcomeDeferred, EntityType: models.TypeOrder, Reason: "order not created yet"}
	}
	return Result{Outcome: OutcomeUnmatched, EntityType: models.TypeOrder, Reason: "no order matches the event"}
}

// updateOrder builds a patch against the order as last read and commits it
// only if the order is still at that revision, re-reading on conflict.
func (r *Reconciler) updateOrder(ctx context.Context, order repository.Document, build func(order repository.Document, p *repository.Patch)) (before, after repository.Document, err error) {
	id := order.ID()
	for attempt := 0; attempt < orderPatchAttempts; attempt++ {
		p := r.store.Patch(id).IfRevision(order.Rev())
		build(order, p)
		if p.Empty() {
			return order, order, nil
		}
		after, err = p.Commit(ctx, repository.CommitOptions{AutoGenerateArrayKeys: true})
		if err == nil {
			return order, after, nil
		}
		if !errors.Is(err, repository.ErrRevisionMismatch) {
			return nil, nil, fmt.Errorf("update order %s: %w", id, err)
		}
		if order, err = r.store.Get(ctx, id); err != nil {
			return nil, nil, fmt.Errorf("reload order %s: %w", id, err)
		}
	}
	return nil, nil, fmt.Errorf("update order %s: %w", id, repository.ErrContention)
}

var paymentStatusRank = map[string]int{
	"":                           0,
	models.PaymentStatusFailed:   1,
	models.PaymentStatusPaid:     2,
	models.PaymentStatusPartial:  3,
	models.PaymentStatusRefunded: 4,
}

// advancePaymentStatus only moves paymentStatus forward, so late or
// reordered payment events cannot undo a refund.
func advancePaymentStatus(order repository.Document, p *repository.Patch, next string) {
	if paymentStatusRank[next] > paymentStatusRank[order.String("paymentStatus")] {
		p.Set(map[string]any{"paymentStatus": next})
	}
}
