package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/models"
	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/repository"
)

func seedOrder(t *testing.T, store repository.DocumentStore, id string, fields map[string]any) {
	t.Helper()
	doc := repository.Document{"_id": id, "_type": models.TypeOrder}
	for k, v := range fields {
		doc[k] = v
	}
	_, err := store.Create(context.Background(), doc)
	require.NoError(t, err)
}

func TestResolveOrder_Priority(t *testing.T) {
	store := repository.NewMemoryStore()
	seedOrder(t, store, "order-explicit", map[string]any{"customerEmail": "ada@example.com"})
	seedOrder(t, store, "order.cs_1", map[string]any{"paymentIntentId": "pi_1", "stripeSessionId": "cs_1"})
	r := NewResolver(store, zap.NewNop())
	ctx := context.Background()

	res, err := r.ResolveOrder(ctx, Candidates{OrderID: "order-explicit", PaymentIntentID: "pi_1", SessionID: "cs_1"})
	require.NoError(t, err)
	assert.Equal(t, "order-explicit", res.OrderID)
	assert.Equal(t, MatchedByExplicitID, res.MatchedBy)

	res, err = r.ResolveOrder(ctx, Candidates{OrderID: "drafts.order-explicit"})
	require.NoError(t, err)
	assert.Equal(t, "order-explicit", res.OrderID)

	res, err = r.ResolveOrder(ctx, Candidates{OrderID: "missing", PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	assert.Equal(t, "order.cs_1", res.OrderID)
	assert.Equal(t, MatchedByPaymentIntent, res.MatchedBy)

	res, err = r.ResolveOrder(ctx, Candidates{SessionID: "cs_1"})
	require.NoError(t, err)
	assert.Equal(t, MatchedBySession, res.MatchedBy)
}

func TestResolveOrder_SessionFieldWhenIDIsNotDerived(t *testing.T) {
	store := repository.NewMemoryStore()
	seedOrder(t, store, "legacy-order-7", map[string]any{"stripeSessionId": "cs_legacy"})

	res, err := NewResolver(store, zap.NewNop()).ResolveOrder(context.Background(), Candidates{SessionID: "cs_legacy"})
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, "legacy-order-7", res.OrderID)
}

func TestResolveOrder_EmailFallbackPicksMostRecentAndWarns(t *testing.T) {
	store := repository.NewMemoryStore()
	seedOrder(t, store, "order.old", map[string]any{"customerEmail": "ada@example.com", "createdAt": "2026-01-01T00:00:00Z"})
	seedOrder(t, store, "order.new", map[string]any{"customerEmail": "Ada@Example.com", "createdAt": "2026-03-01T00:00:00Z"})
	core, logs := observer.New(zapcore.WarnLevel)

	res, err := NewResolver(store, zap.New(core)).ResolveOrder(context.Background(), Candidates{Email: " ADA@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "order.new", res.OrderID)
	assert.Equal(t, MatchedByEmail, res.MatchedBy)

	entries := logs.FilterMessage("Order resolved by email fallback").All()
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].ContextMap(), "email", "the raw address is not logged")
}

func TestResolveOrder_NotFoundIsAValue(t *testing.T) {
	res, err := NewResolver(repository.NewMemoryStore(), zap.NewNop()).ResolveOrder(context.Background(),
		Candidates{OrderID: "x", PaymentIntentID: "pi_x", SessionID: "cs_x", Email: "nobody@example.com"})
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestResolveOrder_IgnoresNonOrderDocuments(t *testing.T) {
	store := repository.NewMemoryStore()
	_, err := store.Create(context.Background(), repository.Document{"_id": "invoice.in_1", "_type": models.TypeInvoice})
	require.NoError(t, err)

	res, err := NewResolver(store, zap.NewNop()).ResolveOrder(context.Background(), Candidates{OrderID: "invoice.in_1"})
	require.NoError(t, err)
	assert.False(t, res.Found)
}
