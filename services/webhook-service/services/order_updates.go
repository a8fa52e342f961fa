package services

import (
	"context"
	"math"

	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/models"
	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/repository"
)

// resolveTarget resolves the order for an order-targeted event. A nil
// resolution with a non-empty Result means the caller should return that
// result as is.
func (r *Reconciler) resolveTarget(ctx context.Context, meta EventMeta, c Candidates) (*Resolution, Result, error) {
	res, err := r.resolver.ResolveOrder(ctx, c)
	if err != nil {
		return nil, Result{}, err
	}
	if !res.Found {
		return nil, r.unresolved(meta, c), nil
	}
	return &res, Result{}, nil
}

// shipmentUpdate records tracking data on the order. Status only moves to
// an update at least as recent as the stored one; shippedAt and
// deliveredAt keep the earliest time seen. An undated update only fills a
// status that no update has set yet.
func (r *Reconciler) shipmentUpdate(ctx context.Context, ev ShipmentUpdate) (Result, error) {
	res, result, err := r.resolveTarget(ctx, ev.Meta(), ev.Target)
	if res == nil {
		return result, err
	}
	dated := !ev.StatusDate.IsZero()
	statusDate := ""
	if dated {
		statusDate = models.Timestamp(ev.StatusDate)
	}

	before, after, err := r.updateOrder(ctx, res.Order, func(order repository.Document, p *repository.Patch) {
		p.SetIfMissing(map[string]any{"fulfillment": map[string]any{"status": models.FulfillmentUnfulfilled}})
		fields := map[string]any{}
		if ev.TrackingNumber != "" {
			fields["fulfillment.trackingNumber"] = ev.TrackingNumber
		}
		if ev.Carrier != "" {
			fields["fulfillment.carrier"] = ev.Carrier
		}
		if ev.TrackingURL != "" {
			fields["fulfillment.trackingUrl"] = ev.TrackingURL
		}
		if ev.LabelURL != "" {
			fields["fulfillment.labelUrl"] = ev.LabelURL
		}
		current := order.String("fulfillment.updatedAt")
		switch status := order.String("fulfillment.status"); {
		case dated && (current == "" || statusDate >= current):
			fields["fulfillment.status"] = ev.Status
			fields["fulfillment.updatedAt"] = statusDate
		case !dated && (status == "" || status == models.FulfillmentUnfulfilled):
			fields["fulfillment.status"] = ev.Status
		}
		earliest := func(field string) {
			if current := order.String(field); current == "" || statusDate < current {
				fields[field] = statusDate
			}
		}
		switch {
		case !dated:
		case ev.Status == models.FulfillmentInTransit:
			earliest("fulfillment.shippedAt")
		case ev.Status == models.FulfillmentDelivered:
			earliest("fulfillment.shippedAt")
			earliest("fulfillment.deliveredAt")
		}
		if len(fields) > 0 {
			p.Set(fields)
		}
	})
	if err != nil {
		return Result{}, err
	}

	result = Result{Outcome: OutcomeApplied, EntityType: models.TypeOrder, EntityID: res.OrderID, MatchedBy: res.MatchedBy}
	prev, next := before.String("fulfillment.status"), after.String("fulfillment.status")
	if prev != next && (next == models.FulfillmentInTransit || next == models.FulfillmentDelivered) {
		result.Notifications = append(result.Notifications, Notification{
			EntityType: models.TypeOrder,
			EntityID:   res.OrderID,
			EventType:  "fulfillment." + next,
			Recipient:  after.String("customerEmail"),
		})
	}
	return result, nil
}

// refundUpdate appends refunds not yet on the order and moves paymentStatus
// to partially_refunded or refunded from the total refunded so far.
func (r *Reconciler) refundUpdate(ctx context.Context, ev RefundUpdate) (Result, error) {
	if len(ev.Refunds) == 0 && ev.AmountRefunded <= 0 {
		return Result{Outcome: OutcomeIgnored, Reason: "no refund data"}, nil
	}
	res, result, err := r.resolveTarget(ctx, ev.Meta(), ev.Target)
	if res == nil {
		return result, err
	}

	_, after, err := r.updateOrder(ctx, res.Order, func(order repository.Document, p *repository.Patch) {
		items := make([]any, 0, len(ev.Refunds))
		for _, rf := range ev.Refunds {
			items = append(items, models.Refund{
				Key:       rf.RefundID,
				RefundID:  rf.RefundID,
				ChargeID:  ev.ChargeID,
				Amount:    rf.Amount,
				Currency:  rf.Currency,
				Status:    rf.Status,
				Reason:    rf.Reason,
				CreatedAt: models.Timestamp(rf.Created),
			})
		}
		if len(items) > 0 {
			p.AppendIfAbsent("refunds", "refundId", items...)
		}

		refunded := math.Max(refundedTotal(order, ev.Refunds), ev.AmountRefunded)
		if stored := number(order["amountRefunded"]); refunded > stored {
			p.Set(map[string]any{"amountRefunded": refunded})
		}
		total := number(order["totalAmount"])
		switch {
		case total > 0 && refunded >= total:
			advancePaymentStatus(order, p, models.PaymentStatusRefunded)
		case refunded > 0:
			advancePaymentStatus(order, p, models.PaymentStatusPartial)
		}
	})
	if err != nil {
		return Result{}, err
	}

	return Result{
		Outcome: OutcomeApplied, EntityType: models.TypeOrder, EntityID: res.OrderID, MatchedBy: res.MatchedBy,
		Notifications: []Notification{{
			EntityType: models.TypeOrder, EntityID: res.OrderID, EventType: "refund.recorded", Recipient: after.String("customerEmail"),
		}},
	}, nil
}

// refundedTotal sums the refunds already on the order together with the
// incoming ones, counting every refund ID once. Failed and canceled refunds
// do not count.
func refundedTotal(order repository.Document, incoming []RefundData) float64 {
	seen := map[string]bool{}
	total := 0.0
	add := func(id, status string, amount float64) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		if status == "failed" || status == "canceled" {
			return
		}
		total += amount
	}
	if existing, ok := order["refunds"].([]any); ok {
		for _, item := range existing {
			m, _ := item.(map[string]any)
			id, _ := m["refundId"].(string)
			status, _ := m["status"].(string)
			add(id, status, number(m["amount"]))
		}
	}
	for _, rf := range incoming {
		add(rf.RefundID, rf.Status, rf.Amount)
	}
	return math.Round(total*100) / 100
}

// disputeUpdate appends one entry per dispute status, so the order keeps
// the dispute's history.
func (r *Reconciler) disputeUpdate(ctx context.Context, ev DisputeUpdate) (Result, error) {
	res, result, err := r.resolveTarget(ctx, ev.Meta(), ev.Target)
	if res == nil {
		return result, err
	}
	created := ev.Created
	if created.IsZero() {
		created = ev.EventMeta.Created
	}
	entry := models.Dispute{
		Key:       ev.DisputeID + "-" + ev.Status,
		DisputeID: ev.DisputeID,
		ChargeID:  ev.ChargeID,
		Amount:    ev.Amount,
		Currency:  ev.Currency,
		Status:    ev.Status,
		Reason:    ev.Reason,
		CreatedAt: models.Timestamp(created),
	}
	_, after, err := r.updateOrder(ctx, res.Order, func(order repository.Document, p *repository.Patch) {
		p.AppendIfAbsent("disputes", repository.FieldKey, entry)
	})
	if err != nil {
		return Result{}, err
	}
	return Result{
		Outcome: OutcomeApplied, EntityType: models.TypeOrder, EntityID: res.OrderID, MatchedBy: res.MatchedBy,
		Notifications: []Notification{{
			EntityType: models.TypeOrder, EntityID: res.OrderID, EventType: "dispute." + ev.Status, Recipient: after.String("customerEmail"),
		}},
	}, nil
}

// paymentUpdate records the payment intent outcome on the order. It never
// creates an order.
func (r *Reconciler) paymentUpdate(ctx context.Context, ev PaymentUpdate) (Result, error) {
	res, result, err := r.resolveTarget(ctx, ev.Meta(), ev.Target)
	if res == nil {
		return result, err
	}
	before, after, err := r.updateOrder(ctx, res.Order, func(order repository.Document, p *repository.Patch) {
		if order.String("paymentIntentId") == "" {
			p.Set(map[string]any{"paymentIntentId": ev.PaymentIntentID})
		}
		advancePaymentStatus(order, p, ev.PaymentStatus)
	})
	if err != nil {
		return Result{}, err
	}
	result = Result{Outcome: OutcomeApplied, EntityType: models.TypeOrder, EntityID: res.OrderID, MatchedBy: res.MatchedBy}
	if ev.PaymentStatus == models.PaymentStatusFailed && before.String("paymentStatus") != after.String("paymentStatus") {
		result.Notifications = append(result.Notifications, Notification{
			EntityType: models.TypeOrder, EntityID: res.OrderID, EventType: "payment.failed", Recipient: after.String("customerEmail"),
		})
	}
	return result, nil
}

func number(v any) float64 {
	f, _ := v.(float64)
	return f
}
