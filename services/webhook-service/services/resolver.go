package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/models"
	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/repository"
)

// Candidates are the keys an event offers for locating its order.
type Candidates struct {
	OrderID         string
	PaymentIntentID string
	SessionID       string
	Email           string
}

// Deterministic reports whether the event names its order by a key that
// will match once the order exists. Email alone does not.
func (c Candidates) Deterministic() bool {
	return c.OrderID != "" || c.PaymentIntentID != "" || c.SessionID != ""
}

func (c Candidates) Empty() bool {
	return !c.Deterministic() && c.Email == ""
}

const (
	MatchedByExplicitID    = "explicit_id"
	MatchedByPaymentIntent = "payment_intent"
	MatchedBySession       = "session"
	MatchedByEmail         = "email"
)

// Resolution is the outcome of a lookup. Found=false is a normal result.
type Resolution struct {
	Found     bool
	OrderID   string
	Order     repository.Document
	MatchedBy string
}

// Resolver locates the order an event refers to, trying candidate keys in
// priority order.
type Resolver struct {
	store  repository.DocumentStore
	logger *zap.Logger
}

func NewResolver(store repository.DocumentStore, logger *zap.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// ResolveOrder tries the explicit ID, then the payment intent, then the
// checkout session, then the most recent order for the email. The first hit
// wins.
func (r *Resolver) ResolveOrder(ctx context.Context, c Candidates) (Resolution, error) {
	if id := models.PublishedID(c.OrderID); id != "" {
		doc, err := r.store.Get(ctx, id)
		switch {
		case err == nil && doc.Type() == models.TypeOrder:
			return found(doc, MatchedByExplicitID), nil
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			return Resolution{}, fmt.Errorf("resolve order by id %s: %w", id, err)
		}
	}

	if c.PaymentIntentID != "" {
		doc, err := r.first(ctx, repository.Query{Type: models.TypeOrder, OrderBy: repository.FieldID}.
			Where("paymentIntentId", c.PaymentIntentID))
		if err != nil {
			return Resolution{}, fmt.Errorf("resolve order by payment intent %s: %w", c.PaymentIntentID, err)
		}
		if doc != nil {
			return found(doc, MatchedByPaymentIntent), nil
		}
	}

	if c.SessionID != "" {
		doc, err := r.OrderForSession(ctx, c.SessionID)
		if err != nil {
			return Resolution{}, err
		}
		if doc != nil {
			return found(doc, MatchedBySession), nil
		}
	}

	if email := models.NormalizeEmail(c.Email); email != "" {
		doc, err := r.first(ctx, repository.Query{Type: models.TypeOrder, OrderBy: "createdAt", Descending: true}.
			WhereFold("customerEmail", email))
		if err != nil {
			return Resolution{}, fmt.Errorf("resolve order by email: %w", err)
		}
		if doc != nil {
			r.logger.Warn("Order resolved by email fallback",
				zap.String("order_id", doc.ID()),
				zap.String("email_hash", shortHash(email, 12)),
			)
			return found(doc, MatchedByEmail), nil
		}
	}

	return Resolution{}, nil
}

// OrderForSession returns the order created for a checkout session, or nil.
func (r *Resolver) OrderForSession(ctx context.Context, sessionID string) (repository.Document, error) {
	doc, err := r.store.Get(ctx, models.OrderID(sessionID))
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("resolve order by session %s: %w", sessionID, err)
	}
	doc, err = r.first(ctx, repository.Query{Type: models.TypeOrder, OrderBy: repository.FieldID}.
		Where("stripeSessionId", sessionID))
	if err != nil {
		return nil, fmt.Errorf("resolve order by session %s: %w", sessionID, err)
	}
	return doc, nil
}

func (r *Resolver) first(ctx context.Context, q repository.Query) (repository.Document, error) {
	q.Limit = 1
	docs, err := r.store.Fetch(ctx, q)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

func found(doc repository.Document, by string) Resolution {
	return Resolution{Found: true, OrderID: doc.ID(), Order: doc, MatchedBy: by}
}

func shortHash(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	h := hex.EncodeToString(sum[:])
	if n > len(h) {
		n = len(h)
	}
	return h[:n]
}
