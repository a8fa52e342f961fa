package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v80"
	"go.uber.org/zap"

	awspkg "github.com/yashrajoria/commerce-webhooks/pkg/aws"
	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/models"
	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/repository"
)

// ErrDeferred is returned for an event whose order does not exist yet. The
// dedup record has been removed so the provider's redelivery is processed.
var ErrDeferred = errors.New("event deferred until its order exists")

// Status is the delivery-level outcome reported to the caller.
type Status string

const (
	StatusProcessed Status = "processed"
	StatusDuplicate Status = "duplicate"
	StatusUnmatched Status = "unmatched"
	StatusIgnored   Status = "ignored"
)

type Delivery struct {
	EventID   string
	EventType string
	Status    Status
	Result    Result
}

// Pipeline is the path of one delivery: verify, dedup, archive, reconcile,
// notify.
type Pipeline struct {
	stripe     *StripeVerifier
	shipping   *ShippingVerifier
	dedup      repository.DedupStore
	archive    PayloadArchive
	reconciler *Reconciler
	notifier   *Notifier
	metrics    *awspkg.MetricsClient
	logger     *zap.Logger
	now        func() time.Time
}

type PipelineDeps struct {
	Stripe     *StripeVerifier
	Shipping   *ShippingVerifier
	Dedup      repository.DedupStore
	Archive    PayloadArchive
	Reconciler *Reconciler
	Notifier   *Notifier
	Metrics    *awspkg.MetricsClient
	Logger     *zap.Logger
}

func NewPipeline(deps PipelineDeps) *Pipeline {
	archive := deps.Archive
	if archive == nil {
		archive = noArchive{}
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = NewNotifier(NewLogTrigger(deps.Logger), nil, 0, deps.Logger)
	}
	return &Pipeline{
		stripe:     deps.Stripe,
		shipping:   deps.Shipping,
		dedup:      deps.Dedup,
		archive:    archive,
		reconciler: deps.Reconciler,
		notifier:   notifier,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		now:        time.Now,
	}
}

// HandleStripe processes one delivery to the checkout endpoint.
func (p *Pipeline) HandleStripe(ctx context.Context, payload []byte, sigHeader string) (Delivery, error) {
	raw, err := p.stripe.Verify(payload, sigHeader)
	if err != nil {
		p.rejected("stripe", err)
		return Delivery{}, err
	}
	ev, err := FromStripe(raw)
	if err != nil {
		p.rejected(string(raw.Type), err)
		return Delivery{EventID: raw.ID, EventType: string(raw.Type)}, err
	}
	return p.process(ctx, ev, payload)
}

// HandleShipping processes one delivery to the shipping endpoint.
func (p *Pipeline) HandleShipping(ctx context.Context, payload []byte, signature, token string) (Delivery, error) {
	if err := p.shipping.Verify(payload, signature, token); err != nil {
		p.rejected("shipping", err)
		return Delivery{}, err
	}
	ev, err := FromShipping(payload, p.now())
	if err != nil {
		p.rejected("shipping", err)
		return Delivery{}, err
	}
	return p.process(ctx, ev, payload)
}

// Reprocess runs an event through the reconciler again, bypassing the dedup
// gate. With a nil payload the event is loaded from the archive.
func (p *Pipeline) Reprocess(ctx context.Context, eventID string, payload []byte) (Delivery, error) {
	if len(payload) == 0 {
		if eventID == "" {
			return Delivery{}, fmt.Errorf("%w: eventId or event is required", ErrMalformedEvent)
		}
		loaded, err := p.archive.Load(ctx, eventID)
		if err != nil {
			return Delivery{EventID: eventID}, err
		}
		payload = loaded
	}
	ev, err := p.parseArchived(payload)
	if err != nil {
		return Delivery{EventID: eventID}, err
	}
	meta := ev.Meta()
	logger := p.logger.With(zap.String("event_id", meta.ID), zap.String("event_type", meta.Type), zap.Bool("reprocess", true))

	res, err := p.reconciler.Apply(ctx, ev)
	if err != nil {
		logger.Error("Reprocessing failed", zap.Error(err))
		return Delivery{EventID: meta.ID, EventType: meta.Type}, err
	}
	d := p.delivery(meta, res)
	if res.Outcome == OutcomeDeferred {
		// a manual run has no redelivery to wait for
		d.Status = StatusUnmatched
	}
	p.notifier.Dispatch(res.Notifications)
	logger.Info("Event reprocessed", zap.String("outcome", string(res.Outcome)))
	return d, nil
}

// parseArchived accepts either a Stripe event or a shipping payload.
func (p *Pipeline) parseArchived(payload []byte) (Event, error) {
	var probe struct {
		ID     string `json:"id"`
		Object string `json:"object"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if probe.Object == "event" || strings.HasPrefix(probe.ID, "evt_") {
		var raw stripe.Event
		if err := json.Unmarshal(payload, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return FromStripe(raw)
	}
	return FromShipping(payload, p.now())
}

func (p *Pipeline) process(ctx context.Context, ev Event, payload []byte) (Delivery, error) {
	started := p.now()
	meta := ev.Meta()
	logger := p.logger.With(zap.String("event_id", meta.ID), zap.String("event_type", meta.Type))
	dims := map[string]string{"EventType": meta.Type}

	claim := uuid.NewString()
	dup, err := p.dedup.MarkProcessed(ctx, models.StripeEvent{
		EventID:    meta.ID,
		Type:       meta.Type,
		ReceivedAt: started,
		RawPayload: string(payload),
		Claim:      claim,
	})
	if err != nil {
		logger.Error("Dedup check failed", zap.Error(err))
		p.record(ctx, awspkg.MetricWebhookFailed, dims)
		return Delivery{EventID: meta.ID, EventType: meta.Type}, err
	}
	if dup {
		logger.Info("Duplicate event skipped", zap.String("outcome", string(StatusDuplicate)))
		p.record(ctx, awspkg.MetricWebhookDuplicate, dims)
		return Delivery{EventID: meta.ID, EventType: meta.Type, Status: StatusDuplicate}, nil
	}

	if err := p.archive.Save(ctx, meta.ID, payload); err != nil {
		logger.Warn("Failed to archive payload", zap.Error(err))
	}

	res, err := p.reconciler.Apply(ctx, ev)
	if err == nil && res.Outcome == OutcomeDeferred {
		err = ErrDeferred
	}
	if err != nil {
		if ferr := p.dedup.Forget(ctx, meta.ID, claim); ferr != nil {
			logger.Error("Failed to release dedup record", zap.Error(ferr))
		}
		if errors.Is(err, ErrDeferred) {
			logger.Warn("Event deferred; order not created yet",
				zap.String("outcome", string(OutcomeDeferred)),
				zap.String("reason", res.Reason),
			)
			p.record(ctx, awspkg.MetricWebhookDeferred, dims)
		} else {
			logger.Error("Reconciliation failed", zap.Error(err))
			p.record(ctx, awspkg.MetricWebhookFailed, dims)
		}
		return Delivery{EventID: meta.ID, EventType: meta.Type}, err
	}

	p.notifier.Dispatch(res.Notifications)

	d := p.delivery(meta, res)
	fields := []zap.Field{
		zap.String("outcome", string(res.Outcome)),
		zap.String("entity_type", res.EntityType),
		zap.String("entity_id", res.EntityID),
		zap.String("matched_by", res.MatchedBy),
	}
	metric := awspkg.MetricWebhookProcessed
	switch d.Status {
	case StatusUnmatched:
		logger.Warn("Event did not match any record", append(fields, zap.Bool("unmatched", true), zap.String("reason", res.Reason))...)
		metric = awspkg.MetricWebhookUnmatched
	default:
		logger.Info("Webhook processed", fields...)
	}
	if p.metrics.IsEnabled() {
		if err := p.metrics.RecordDelivery(ctx, metric, p.now().Sub(started), dims); err != nil {
			logger.Debug("Failed to record metric", zap.String("metric", metric), zap.Error(err))
		}
	}
	return d, nil
}

func (p *Pipeline) delivery(meta EventMeta, res Result) Delivery {
	d := Delivery{EventID: meta.ID, EventType: meta.Type, Result: res, Status: StatusProcessed}
	switch res.Outcome {
	case OutcomeUnmatched:
		d.Status = StatusUnmatched
	case OutcomeIgnored:
		d.Status = StatusIgnored
	}
	return d
}

func (p *Pipeline) rejected(eventType string, err error) {
	p.logger.Warn("Webhook rejected", zap.String("event_type", eventType), zap.Error(err))
	p.record(context.Background(), awspkg.MetricWebhookRejected, map[string]string{"EventType": eventType})
}

func (p *Pipeline) record(ctx context.Context, metric string, dims map[string]string) {
	if !p.metrics.IsEnabled() {
		return
	}
	if err := p.metrics.RecordCount(ctx, metric, dims); err != nil {
		p.logger.Debug("Failed to record metric", zap.String("metric", metric), zap.Error(err))
	}
}

// SetClock replaces the pipeline's time source.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// Wait blocks until background notifications have finished.
func (p *Pipeline) Wait() {
	p.notifier.Wait()
}
