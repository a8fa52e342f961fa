package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/models"
	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/repository"
)

func paid(s SessionData) bool {
	return s.PaymentStatus == "paid" || s.PaymentStatus == "no_payment_required"
}

// checkoutCompleted marks the session complete, creates the order for it
// if there is none yet, and links order, session, customer and invoice.
func (r *Reconciler) checkoutCompleted(ctx context.Context, ev CheckoutCompleted) (Result, error) {
	s := ev.Session
	if !paid(s) {
		r.logger.Info("Checkout completed without payment; waiting for async payment",
			zap.String("event_id", ev.ID), zap.String("session_id", s.SessionID), zap.String("payment_status", s.PaymentStatus))
		return Result{Outcome: OutcomeIgnored, EntityType: models.TypeCheckoutSession, Reason: "session not paid"}, nil
	}

	rec, err := r.carts.ensureSession(ctx, s, models.SessionOpen)
	if err != nil {
		return Result{}, err
	}
	completedAt := models.Timestamp(ev.Created)

	var (
		cart                      []models.CartItem
		cartID, email, customerID string
	)
	rec, completed, err := r.carts.updateSession(ctx, rec, func(rec *sessionRecord, p *repository.Patch) bool {
		if rec.Session.Status == models.SessionExpired {
			return false
		}
		cart = rec.Session.Cart
		if len(cart) == 0 {
			cart = s.Cart
		}
		cartID = firstNonEmpty(s.CartID, rec.Session.CartID, s.SessionID)
		email = firstNonEmpty(s.Email, rec.Session.CustomerEmail)
		customerID = customerKey(s, email)

		fields := map[string]any{
			"status":         models.SessionComplete,
			"completedAt":    completedAt,
			"totalAmount":    s.AmountTotal,
			"amountSubtotal": s.AmountSubtotal,
		}
		if s.PaymentIntentID != "" {
			fields["paymentIntentId"] = s.PaymentIntentID
		}
		if s.Currency != "" {
			fields["currency"] = s.Currency
		}
		if email != "" {
			fields["customerEmail"] = email
		}
		if len(rec.Session.Cart) == 0 && len(cart) > 0 {
			fields["cart"] = cart
		}
		if customerID != "" {
			fields["customer"] = models.Ref(customerID)
		}
		p.SetIfMissing(map[string]any{"recoveryEmailSent": false, "recovered": false}).Set(fields)
		return true
	})
	if err != nil {
		return Result{}, err
	}
	if !completed {
		r.logger.Warn("Ignoring completion of expired checkout session",
			zap.String("event_id", ev.ID), zap.String("session_id", s.SessionID))
		return Result{Outcome: OutcomeIgnored, EntityType: models.TypeCheckoutSession, EntityID: rec.DocID, Reason: "session already expired"}, nil
	}

	if err := r.ensureCustomer(ctx, customerID, s, email, completedAt); err != nil {
		return Result{}, err
	}

	orderID, created, err := r.ensureOrder(ctx, ev, rec, cart, cartID, email, customerID)
	if err != nil {
		return Result{}, err
	}

	if err := r.backfillInvoice(ctx, orderID, customerID, s.PaymentIntentID); err != nil {
		return Result{}, err
	}

	err = r.carts.recordCart(ctx, models.CartLedgerEntry{
		CartID:        cartID,
		SessionID:     s.SessionID,
		Status:        models.SessionComplete,
		ItemCount:     itemCount(cart),
		Summary:       summarizeCart(cart, s.AmountSubtotal, s.Currency),
		Subtotal:      s.AmountSubtotal,
		Currency:      s.Currency,
		CustomerEmail: email,
		RecordedAt:    completedAt,
	})
	if err != nil {
		return Result{}, err
	}

	if s.RecoveredFrom != "" && s.RecoveredFrom != s.SessionID {
		marked, err := r.carts.markRecovered(ctx, s.RecoveredFrom)
		if err != nil {
			return Result{}, err
		}
		if marked {
			r.logger.Info("Recovered abandoned checkout",
				zap.String("session_id", s.SessionID), zap.String("recovered_from", s.RecoveredFrom))
		}
	}

	result := Result{Outcome: OutcomeApplied, EntityType: models.TypeOrder, EntityID: orderID}
	result.Notifications = append(result.Notifications, Notification{
		EntityType: models.TypeCheckoutSession, EntityID: rec.DocID, EventType: "checkout.completed",
	})
	if created {
		result.Notifications = append(result.Notifications, Notification{
			EntityType: models.TypeOrder, EntityID: orderID, EventType: "order.created", Recipient: email,
		})
	}
	return result, nil
}

// customerKey is the customer document ID for a session: its Stripe
// customer ID, else its email. Empty when the session has neither.
func customerKey(s SessionData, email string) string {
	if s.StripeCustomerID == "" && email == "" {
		return ""
	}
	return models.CustomerID(s.StripeCustomerID, email)
}

// ensureCustomer creates the customer document once.
func (r *Reconciler) ensureCustomer(ctx context.Context, id string, s SessionData, email, seenAt string) error {
	if id == "" {
		return nil
	}
	c := models.Customer{
		ID:               id,
		Type:             models.TypeCustomer,
		StripeCustomerID: s.StripeCustomerID,
		Email:            email,
		Name:             s.Name,
		Phone:            s.Phone,
		FirstSeenAt:      seenAt,
	}
	doc, err := repository.ToDocument(c)
	if err != nil {
		return err
	}
	if _, err := r.store.CreateIfNotExists(ctx, doc); err != nil {
		return fmt.Errorf("create customer %s: %w", c.ID, err)
	}
	return nil
}

// ensureOrder returns the order for the session, creating it under the
// session-derived ID when none exists. An order named explicitly in the
// session metadata is reused.
func (r *Reconciler) ensureOrder(ctx context.Context, ev CheckoutCompleted, rec *sessionRecord, cart []models.CartItem, cartID, email, customerID string) (string, bool, error) {
	s := ev.Session
	res, err := r.resolver.ResolveOrder(ctx, Candidates{OrderID: s.OrderID, SessionID: s.SessionID})
	if err != nil {
		return "", false, err
	}

	links := map[string]any{"checkoutSession": models.Ref(rec.DocID)}
	if customerID != "" {
		links["customer"] = models.Ref(customerID)
	}

	if res.Found {
		_, _, err := r.updateOrder(ctx, res.Order, func(order repository.Document, p *repository.Patch) {
			p.SetIfMissing(map[string]any{
				"stripeSessionId": s.SessionID,
				"refunds":         []any{},
				"disputes":        []any{},
			})
			if s.PaymentIntentID != "" && order.String("paymentIntentId") == "" {
				p.Set(map[string]any{"paymentIntentId": s.PaymentIntentID})
			}
			p.Set(links)
			advancePaymentStatus(order, p, models.PaymentStatusPaid)
		})
		return res.OrderID, false, err
	}

	order := models.Order{
		ID:              models.OrderID(s.SessionID),
		Type:            models.TypeOrder,
		OrderNumber:     orderNumber(ev),
		Status:          models.OrderStatusPaid,
		PaymentIntentID: s.PaymentIntentID,
		PaymentStatus:   models.PaymentStatusPaid,
		StripeSessionID: s.SessionID,
		CartID:          cartID,
		CustomerEmail:   email,
		CustomerName:    firstNonEmpty(s.Name, rec.Session.CustomerName),
		CustomerPhone:   firstNonEmpty(s.Phone, rec.Session.CustomerPhone),
		ShippingAddress: s.ShippingAddress,
		Cart:            nonNilCart(cart),
		AmountSubtotal:  s.AmountSubtotal,
		AmountShipping:  s.AmountShipping,
		AmountTax:       s.AmountTax,
		AmountDiscount:  s.AmountDiscount,
		TotalAmount:     s.AmountTotal,
		Currency:        s.Currency,
		Fulfillment:     &models.Fulfillment{Status: models.FulfillmentUnfulfilled},
		Refunds:         []models.Refund{},
		Disputes:        []models.Dispute{},
		CheckoutSession: models.Ref(rec.DocID),
		CreatedAt:       models.Timestamp(ev.Created),
	}
	if customerID != "" {
		order.Customer = models.Ref(customerID)
	}
	doc, err := repository.ToDocument(order)
	if err != nil {
		return "", false, err
	}
	created, err := r.store.CreateIfNotExists(ctx, doc)
	if err != nil {
		return "", false, fmt.Errorf("create order %s: %w", order.ID, err)
	}
	if !created {
		// lost a race with another writer for the same session
		if _, err := r.store.Patch(order.ID).Set(links).Commit(ctx, repository.CommitOptions{}); err != nil {
			return "", false, fmt.Errorf("link order %s: %w", order.ID, err)
		}
	}
	return order.ID, created, nil
}

// backfillInvoice links an invoice that was recorded before its order.
func (r *Reconciler) backfillInvoice(ctx context.Context, orderID, customerID, paymentIntentID string) error {
	if paymentIntentID == "" {
		return nil
	}
	invoices, err := r.store.Fetch(ctx, repository.Query{Type: models.TypeInvoice, OrderBy: repository.FieldID, Limit: 1}.
		Where("paymentIntentId", paymentIntentID))
	if err != nil {
		return fmt.Errorf("find invoice for %s: %w", paymentIntentID, err)
	}
	if len(invoices) == 0 {
		return nil
	}
	return r.linkInvoice(ctx, invoices[0].ID(), orderID, customerID)
}

// linkInvoice references invoice and order from each other. The invoice
// takes the order's customer when it has none of its own, so the link is
// the same whichever of the two arrived first.
func (r *Reconciler) linkInvoice(ctx context.Context, invoiceID, orderID, customerID string) error {
	p := r.store.Patch(invoiceID).Set(map[string]any{"order": models.Ref(orderID)})
	if customerID != "" {
		p.SetIfMissing(map[string]any{"customer": models.Ref(customerID)})
	}
	if _, err := p.Commit(ctx, repository.CommitOptions{}); err != nil {
		return fmt.Errorf("link invoice %s to order: %w", invoiceID, err)
	}
	if _, err := r.store.Patch(orderID).Set(map[string]any{"invoice": models.Ref(invoiceID)}).
		Commit(ctx, repository.CommitOptions{}); err != nil {
		return fmt.Errorf("link order %s to invoice: %w", orderID, err)
	}
	return nil
}

// orderNumber is derived from the completion date and the session ID, so
// every replay of the event computes the same number.
func orderNumber(ev CheckoutCompleted) string {
	return fmt.Sprintf("ORD-%s-%s", ev.Created.Format("20060102"), strings.ToUpper(shortHash(ev.Session.SessionID, 6)))
}
