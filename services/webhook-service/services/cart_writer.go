package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/models"
	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/repository"
)

// cartWriter is a view of the document store restricted to cart and
// session state: checkout sessions, abandoned checkouts and the product
// table. It has no method that can reach an order or an invoice.
type cartWriter struct {
	store repository.DocumentStore
}

func newCartWriter(store repository.DocumentStore) cartWriter {
	return cartWriter{store: store}
}

type sessionRecord struct {
	DocID   string
	Rev     string
	Session models.CheckoutSession
}

const sessionPatchAttempts = 3

// findSession returns the session document for a provider session ID,
// whether it was created here or by the storefront, or nil.
func (w cartWriter) findSession(ctx context.Context, sessionID string) (*sessionRecord, error) {
	doc, err := w.store.Get(ctx, models.CheckoutSessionID(sessionID))
	switch {
	case err == nil && doc.Type() == models.TypeCheckoutSession:
		return decodeSession(doc)
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("load checkout session %s: %w", sessionID, err)
	}

	docs, err := w.store.Fetch(ctx, repository.Query{Type: models.TypeCheckoutSession, OrderBy: repository.FieldID, Limit: 1}.
		Where("sessionId", sessionID))
	if err != nil {
		return nil, fmt.Errorf("find checkout session %s: %w", sessionID, err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return decodeSession(docs[0])
}

func decodeSession(doc repository.Document) (*sessionRecord, error) {
	rec := &sessionRecord{DocID: doc.ID(), Rev: doc.Rev()}
	if err := repository.FromDocument(doc, &rec.Session); err != nil {
		return nil, err
	}
	return rec, nil
}

// ensureSession returns the session record, creating it from the event
// with the given status when it has never been seen.
func (w cartWriter) ensureSession(ctx context.Context, s SessionData, status string) (*sessionRecord, error) {
	rec, err := w.findSession(ctx, s.SessionID)
	if err != nil || rec != nil {
		return rec, err
	}
	base := models.CheckoutSession{
		ID:             models.CheckoutSessionID(s.SessionID),
		Type:           models.TypeCheckoutSession,
		SessionID:      s.SessionID,
		Status:         status,
		CustomerEmail:  s.Email,
		CustomerName:   s.Name,
		CustomerPhone:  s.Phone,
		CartID:         s.CartID,
		Cart:           nonNilCart(s.Cart),
		AmountSubtotal: s.AmountSubtotal,
		TotalAmount:    s.AmountTotal,
		Currency:       s.Currency,
		Attribution:    s.Attribution,
	}
	if !s.Created.IsZero() {
		base.SessionCreatedAt = models.Timestamp(s.Created)
	}
	doc, err := repository.ToDocument(base)
	if err != nil {
		return nil, err
	}
	if _, err := w.store.CreateIfNotExists(ctx, doc); err != nil {
		return nil, fmt.Errorf("create checkout session %s: %w", s.SessionID, err)
	}
	return w.findSession(ctx, s.SessionID)
}

// updateSession commits the patch that build produces for the session as
// last read, and only while the session is still at that revision. When
// another writer got there first the session is read again and build runs
// on the new state. build returns false to leave the session unchanged;
// the record build last saw is returned either way.
func (w cartWriter) updateSession(ctx context.Context, rec *sessionRecord, build func(rec *sessionRecord, p *repository.Patch) bool) (*sessionRecord, bool, error) {
	for attempt := 0; attempt < sessionPatchAttempts; attempt++ {
		p := w.store.Patch(rec.DocID).IfRevision(rec.Rev)
		if !build(rec, p) {
			return rec, false, nil
		}
		_, err := p.Commit(ctx, repository.CommitOptions{AutoGenerateArrayKeys: true})
		if err == nil {
			return rec, true, nil
		}
		if !errors.Is(err, repository.ErrRevisionMismatch) {
			return nil, false, fmt.Errorf("update checkout session %s: %w", rec.DocID, err)
		}
		doc, err := w.store.Get(ctx, rec.DocID)
		if err != nil {
			return nil, false, fmt.Errorf("reload checkout session %s: %w", rec.DocID, err)
		}
		if rec, err = decodeSession(doc); err != nil {
			return nil, false, err
		}
	}
	return nil, false, fmt.Errorf("update checkout session %s: %w", rec.DocID, repository.ErrContention)
}

// expireSession moves an open session to expired. Data already on the
// session is kept; the event only fills fields that are still empty. It
// reports false, with the session as found, when the session is already
// complete.
func (w cartWriter) expireSession(ctx context.Context, rec *sessionRecord, s SessionData, expiredAt string) (*sessionRecord, bool, error) {
	return w.updateSession(ctx, rec, func(rec *sessionRecord, p *repository.Patch) bool {
		if rec.Session.Status == models.SessionComplete {
			return false
		}
		fields := map[string]any{"status": models.SessionExpired, "expiredAt": expiredAt}
		if len(rec.Session.Cart) == 0 && len(s.Cart) > 0 {
			fields["cart"] = s.Cart
		}
		fill := func(field, current, incoming string) {
			if current == "" && incoming != "" {
				fields[field] = incoming
			}
		}
		fill("customerEmail", rec.Session.CustomerEmail, s.Email)
		fill("customerName", rec.Session.CustomerName, s.Name)
		fill("customerPhone", rec.Session.CustomerPhone, s.Phone)
		fill("cartId", rec.Session.CartID, s.CartID)
		fill("currency", rec.Session.Currency, s.Currency)
		if rec.Session.Attribution.Empty() && s.Attribution != nil {
			fields["attribution"] = s.Attribution
		}
		p.SetIfMissing(map[string]any{"recoveryEmailSent": false, "recovered": false}).Set(fields)
		return true
	})
}

// createAbandoned stores the expiry snapshot under its deterministic ID.
func (w cartWriter) createAbandoned(ctx context.Context, a models.AbandonedCheckout) (string, bool, error) {
	a.ID = models.AbandonedCheckoutID(a.CheckoutID)
	a.Type = models.TypeAbandonedCheckout
	a.Cart = nonNilCart(a.Cart)
	doc, err := repository.ToDocument(a)
	if err != nil {
		return "", false, err
	}
	created, err := w.store.CreateIfNotExists(ctx, doc)
	if err != nil {
		return "", false, fmt.Errorf("create abandoned checkout %s: %w", a.ID, err)
	}
	return a.ID, created, nil
}

// recordCart appends a cart summary to the product table unless an entry
// for the same cart and status is already there.
func (w cartWriter) recordCart(ctx context.Context, e models.CartLedgerEntry) error {
	e.Key = ledgerKey(e.CartID, e.Status)
	table := repository.Document{
		repository.FieldID:   models.ProductTableID,
		repository.FieldType: models.TypeProductTable,
		"carts":              []any{},
	}
	if _, err := w.store.CreateIfNotExists(ctx, table); err != nil {
		return fmt.Errorf("create product table: %w", err)
	}
	_, err := w.store.Patch(models.ProductTableID).
		AppendIfAbsent("carts", repository.FieldKey, e).
		Commit(ctx, repository.CommitOptions{AutoGenerateArrayKeys: true})
	if err != nil {
		return fmt.Errorf("record cart %s: %w", e.CartID, err)
	}
	return nil
}

// markRecovered flags a previously expired session whose cart was bought
// through a new session.
func (w cartWriter) markRecovered(ctx context.Context, sessionID string) (bool, error) {
	rec, err := w.findSession(ctx, sessionID)
	if err != nil || rec == nil {
		return false, err
	}
	if _, err := w.store.Patch(rec.DocID).Set(map[string]any{"recovered": true}).
		Commit(ctx, repository.CommitOptions{}); err != nil {
		return false, fmt.Errorf("mark session %s recovered: %w", sessionID, err)
	}
	return true, nil
}

func ledgerKey(cartID, status string) string {
	return shortHash(cartID, 16) + "-" + status
}

func nonNilCart(cart []models.CartItem) []models.CartItem {
	if cart == nil {
		return []models.CartItem{}
	}
	return cart
}
