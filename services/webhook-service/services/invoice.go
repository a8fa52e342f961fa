package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/models"
	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/repository"
)

// invoicePaid records the invoice and, when its order can be found, links
// the two. An invoice whose order does not exist yet is linked later by the
// checkout completion.
func (r *Reconciler) invoicePaid(ctx context.Context, ev InvoicePaid) (Result, error) {
	id := models.InvoiceID(ev.InvoiceID)
	base := models.Invoice{
		ID:               id,
		Type:             models.TypeInvoice,
		StripeInvoiceID:  ev.InvoiceID,
		Number:           ev.Number,
		Status:           ev.Status,
		AmountPaid:       ev.AmountPaid,
		AmountDue:        ev.AmountDue,
		Currency:         ev.Currency,
		CustomerEmail:    ev.CustomerEmail,
		PaymentIntentID:  ev.PaymentIntentID,
		HostedInvoiceURL: ev.HostedInvoiceURL,
		InvoicePDF:       ev.InvoicePDF,
		PaidAt:           models.Timestamp(ev.PaidAt),
	}
	doc, err := repository.ToDocument(base)
	if err != nil {
		return Result{}, err
	}
	created, err := r.store.CreateIfNotExists(ctx, doc)
	if err != nil {
		return Result{}, fmt.Errorf("create invoice %s: %w", id, err)
	}

	fields := map[string]any{
		"status":     ev.Status,
		"amountPaid": ev.AmountPaid,
		"amountDue":  ev.AmountDue,
		"paidAt":     models.Timestamp(ev.PaidAt),
	}
	if ev.Number != "" {
		fields["number"] = ev.Number
	}
	if ev.HostedInvoiceURL != "" {
		fields["hostedInvoiceUrl"] = ev.HostedInvoiceURL
	}
	if ev.InvoicePDF != "" {
		fields["invoicePdf"] = ev.InvoicePDF
	}
	if ev.StripeCustomerID != "" || ev.CustomerEmail != "" {
		customerID := models.CustomerID(ev.StripeCustomerID, ev.CustomerEmail)
		_, err := r.store.Get(ctx, customerID)
		switch {
		case err == nil:
			fields["customer"] = models.Ref(customerID)
		case !errors.Is(err, repository.ErrNotFound):
			return Result{}, fmt.Errorf("load customer %s: %w", customerID, err)
		}
	}
	if _, err := r.store.Patch(id).Set(fields).Commit(ctx, repository.CommitOptions{}); err != nil {
		return Result{}, fmt.Errorf("update invoice %s: %w", id, err)
	}

	result := Result{Outcome: OutcomeApplied, EntityType: models.TypeInvoice, EntityID: id}
	if ev.Target.Deterministic() {
		res, err := r.resolver.ResolveOrder(ctx, ev.Target)
		if err != nil {
			return Result{}, err
		}
		if res.Found {
			if err := r.linkInvoice(ctx, id, res.OrderID, res.Order.String("customer._ref")); err != nil {
				return Result{}, err
			}
			result.MatchedBy = res.MatchedBy
		}
	}
	if created {
		result.Notifications = append(result.Notifications, Notification{
			EntityType: models.TypeInvoice, EntityID: id, EventType: "invoice.paid", Recipient: ev.CustomerEmail,
		})
	}
	return result, nil
}
