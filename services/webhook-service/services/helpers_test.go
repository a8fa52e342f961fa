package services

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v80"
	"go.uber.org/zap"

	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/models"
	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/repository"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestReconciler(store repository.DocumentStore) *Reconciler {
	r := NewReconciler(store, zap.NewNop(), 24*time.Hour)
	r.SetClock(func() time.Time { return testNow })
	return r
}

func stripeEvent(id, typ string, created time.Time, object map[string]any) stripe.Event {
	raw, _ := json.Marshal(object)
	return stripe.Event{
		ID:      id,
		Object:  "event",
		Type:    stripe.EventType(typ),
		Created: created.Unix(),
		Data:    &stripe.EventData{Raw: raw},
	}
}

// cartItems renders the storefront's cart_items metadata (minor units).
func cartItems(lines ...metadataCartItem) string {
	b, _ := json.Marshal(lines)
	return string(b)
}

// paidSession is a completed, paid session: 2x Mug at 15.00 and 1x Tee at
// 10.00, 5.00 shipping and 5.00 tax.
func paidSession(sessionID string) map[string]any {
	return map[string]any{
		"id":              sessionID,
		"object":          "checkout.session",
		"status":          "complete",
		"payment_status":  "paid",
		"currency":        "usd",
		"amount_subtotal": 4000,
		"amount_total":    5000,
		"payment_intent":  "pi_" + sessionID,
		"customer":        "cus_ada",
		"customer_details": map[string]any{
			"email": "Ada@Example.com",
			"name":  "Ada Lovelace",
		},
		"total_details": map[string]any{"amount_shipping": 500, "amount_tax": 500, "amount_discount": 0},
		"metadata": map[string]any{
			"cart_id": "cart_" + sessionID,
			"cart_items": cartItems(
				metadataCartItem{ProductID: "p_mug", Name: "Mug", Quantity: 2, Price: 1500},
				metadataCartItem{ProductID: "p_tee", Name: "Tee", Quantity: 1, Price: 1000},
			),
		},
		"created": testNow.Add(-time.Hour).Unix(),
	}
}

// expiredSession is an unpaid session with 1x Mug and 1x Tee, subtotal 25.00.
func expiredSession(sessionID string) map[string]any {
	return map[string]any{
		"id":              sessionID,
		"object":          "checkout.session",
		"status":          "expired",
		"payment_status":  "unpaid",
		"currency":        "usd",
		"amount_subtotal": 2500,
		"amount_total":    2500,
		"customer_email":  "grace@example.com",
		"metadata": map[string]any{
			"cart_id": "cart_" + sessionID,
			"cart_items": cartItems(
				metadataCartItem{ProductID: "p_mug", Name: "Mug", Quantity: 1, Price: 1500},
				metadataCartItem{ProductID: "p_tee", Name: "Tee", Quantity: 1, Price: 1000},
			),
			"utm_source": "newsletter",
		},
		"created":    testNow.Add(-25 * time.Hour).Unix(),
		"expires_at": testNow.Add(-time.Hour).Unix(),
	}
}

func mustEvent(t testing.TB, ev stripe.Event) Event {
	t.Helper()
	out, err := FromStripe(ev)
	require.NoError(t, err)
	return out
}

func shippingPayload(tracking, status string, date time.Time, metadata string) []byte {
	b, _ := json.Marshal(models.ShippingWebhook{
		Event: "track_updated",
		Data: models.ShippingWebhookData{
			TrackingNumber: tracking,
			Carrier:        "usps",
			TrackingURL:    "https://tools.usps.com/go/TrackConfirmAction?tLabels=" + tracking,
			TrackingStatus: &models.ShippingStatusEntry{Status: status, StatusDate: date},
			Metadata:       metadata,
		},
	})
	return b
}

func fetchType(t testing.TB, store repository.DocumentStore, typ string) []repository.Document {
	t.Helper()
	docs, err := store.Fetch(context.Background(), repository.Query{Type: typ, OrderBy: repository.FieldID})
	require.NoError(t, err)
	return docs
}

func mustGet(t testing.TB, store repository.DocumentStore, id string) repository.Document {
	t.Helper()
	doc, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return doc
}

// recordingStore notes the ID of every document written through it.
type recordingStore struct {
	repository.DocumentStore
	mu     sync.Mutex
	writes []string
}

func newRecordingStore(inner repository.DocumentStore) *recordingStore {
	return &recordingStore{DocumentStore: inner}
}

func (s *recordingStore) record(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, id)
}

func (s *recordingStore) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

func (s *recordingStore) wrotePrefix(prefix string) bool {
	for _, id := range s.written() {
		if strings.HasPrefix(id, prefix) {
			return true
		}
	}
	return false
}

func (s *recordingStore) Create(ctx context.Context, doc repository.Document) (repository.Document, error) {
	s.record(doc.ID())
	return s.DocumentStore.Create(ctx, doc)
}

func (s *recordingStore) CreateIfNotExists(ctx context.Context, doc repository.Document) (bool, error) {
	s.record(doc.ID())
	return s.DocumentStore.CreateIfNotExists(ctx, doc)
}

func (s *recordingStore) CreateOrReplace(ctx context.Context, doc repository.Document) (repository.Document, error) {
	s.record(doc.ID())
	return s.DocumentStore.CreateOrReplace(ctx, doc)
}

func (s *recordingStore) Delete(ctx context.Context, id string) error {
	s.record(id)
	return s.DocumentStore.Delete(ctx, id)
}

func (s *recordingStore) Patch(id string) *repository.Patch {
	return repository.NewPatch(id, s)
}

func (s *recordingStore) CommitPatch(ctx context.Context, p *repository.Patch, opts repository.CommitOptions) (repository.Document, error) {
	s.record(p.ID())
	return s.DocumentStore.CommitPatch(ctx, p, opts)
}

// snapshot returns every stored document without the fields that change on
// each write.
func snapshot(t testing.TB, store repository.DocumentStore) map[string]repository.Document {
	t.Helper()
	docs, err := store.Fetch(context.Background(), repository.Query{})
	require.NoError(t, err)
	out := make(map[string]repository.Document, len(docs))
	for _, d := range docs {
		delete(d, repository.FieldRev)
		delete(d, repository.FieldUpdatedAt)
		delete(d, repository.FieldCreatedAt)
		out[d.ID()] = d
	}
	return out
}
