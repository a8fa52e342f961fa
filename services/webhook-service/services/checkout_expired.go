package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/models"
)

// expiryHandler applies checkout.session.expired. It reaches the store
// only through cartWriter, so it cannot create or touch orders, invoices
// or payment fields.
type expiryHandler struct {
	carts  cartWriter
	logger *zap.Logger
}

func (h *expiryHandler) handle(ctx context.Context, ev CheckoutExpired) (Result, error) {
	s := ev.Session
	rec, err := h.carts.ensureSession(ctx, s, models.SessionExpired)
	if err != nil {
		return Result{}, err
	}
	expiredAt := ev.Created
	if !s.ExpiresAt.IsZero() {
		expiredAt = s.ExpiresAt
	}

	rec, expired, err := h.carts.expireSession(ctx, rec, s, models.Timestamp(expiredAt))
	if err != nil {
		return Result{}, err
	}
	if !expired {
		h.logger.Info("Ignoring expiry of completed checkout session",
			zap.String("event_id", ev.ID), zap.String("session_id", s.SessionID))
		return Result{Outcome: OutcomeIgnored, EntityType: models.TypeCheckoutSession, EntityID: rec.DocID, Reason: "session already complete"}, nil
	}

	cart := rec.Session.Cart
	if len(cart) == 0 {
		cart = s.Cart
	}
	subtotal, total := s.AmountSubtotal, s.AmountTotal
	if subtotal == 0 {
		subtotal = rec.Session.AmountSubtotal
	}
	if total == 0 {
		total = rec.Session.TotalAmount
	}
	currency := firstNonEmpty(s.Currency, rec.Session.Currency)
	email := firstNonEmpty(s.Email, rec.Session.CustomerEmail)
	cartID := firstNonEmpty(s.CartID, rec.Session.CartID, s.SessionID)

	result := Result{Outcome: OutcomeApplied, EntityType: models.TypeCheckoutSession, EntityID: rec.DocID}
	if len(cart) > 0 || subtotal > 0 || total > 0 {
		attribution := s.Attribution
		if attribution == nil {
			attribution = rec.Session.Attribution
		}
		id, created, err := h.carts.createAbandoned(ctx, models.AbandonedCheckout{
			CheckoutID:       s.SessionID,
			SessionID:        s.SessionID,
			Status:           models.SessionExpired,
			CustomerEmail:    email,
			CustomerName:     firstNonEmpty(s.Name, rec.Session.CustomerName),
			CustomerPhone:    firstNonEmpty(s.Phone, rec.Session.CustomerPhone),
			CartID:           cartID,
			Cart:             cart,
			CartSummary:      summarizeCart(cart, subtotal, currency),
			ItemCount:        itemCount(cart),
			AmountSubtotal:   subtotal,
			TotalAmount:      total,
			Currency:         currency,
			Attribution:      attribution,
			CheckoutSession:  models.Ref(rec.DocID),
			SessionCreatedAt: rec.Session.SessionCreatedAt,
			ExpiredAt:        models.Timestamp(expiredAt),
		})
		if err != nil {
			return Result{}, err
		}
		result.EntityType, result.EntityID = models.TypeAbandonedCheckout, id
		if created {
			result.Notifications = append(result.Notifications, Notification{
				EntityType: models.TypeAbandonedCheckout,
				EntityID:   id,
				EventType:  "checkout.abandoned",
				Recipient:  email,
			})
		}
	}

	err = h.carts.recordCart(ctx, models.CartLedgerEntry{
		CartID:        cartID,
		SessionID:     s.SessionID,
		Status:        models.SessionExpired,
		ItemCount:     itemCount(cart),
		Summary:       summarizeCart(cart, subtotal, currency),
		Subtotal:      subtotal,
		Currency:      currency,
		CustomerEmail: email,
		RecordedAt:    models.Timestamp(expiredAt),
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// summarizeCart renders "2x Mug, 1x Tee".
func summarizeCart(cart []models.CartItem, subtotal float64, currency string) string {
	if len(cart) == 0 {
		return fmt.Sprintf("No items (%.2f %s)", subtotal, strings.ToUpper(currency))
	}
	parts := make([]string, 0, len(cart))
	for _, item := range cart {
		name := item.Name
		if name == "" {
			name = item.ProductID
		}
		parts = append(parts, fmt.Sprintf("%dx %s", item.Quantity, name))
	}
	return strings.Join(parts, ", ")
}

func itemCount(cart []models.CartItem) int {
	n := 0
	for _, item := range cart {
		n += item.Quantity
	}
	return n
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
