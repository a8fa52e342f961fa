package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/models"
)

// DedupStore is the idempotency gate. MarkProcessed creates the record for
// an event ID; exactly one of any number of concurrent callers sees
// alreadyProcessed=false. Forget removes the record so that a redelivery
// of an event whose reconciliation failed is processed again.
//
// Every backend writes the caller's claim token alongside the record, so a
// caller whose create was retried after a lost response can tell its own
// record from another delivery's, and Forget never releases a record that
// another delivery holds.
type DedupStore interface {
	MarkProcessed(ctx context.Context, rec models.StripeEvent) (alreadyProcessed bool, err error)
	Forget(ctx context.Context, eventID, claim string) error
}

func claimOf(rec models.StripeEvent) string {
	if rec.Claim != "" {
		return rec.Claim
	}
	return uuid.NewString()
}

const fieldClaim = "claim"

// StoreDedup keeps dedup records as stripeEvent documents in the document
// store. The raw payload is kept with the record for manual reprocessing.
type StoreDedup struct {
	store DocumentStore
}

func NewStoreDedup(store DocumentStore) *StoreDedup {
	return &StoreDedup{store: store}
}

func (d *StoreDedup) MarkProcessed(ctx context.Context, rec models.StripeEvent) (bool, error) {
	claim := claimOf(rec)
	id := models.StripeEventID(rec.EventID)
	doc := Document{
		FieldID:      id,
		FieldType:    models.TypeStripeEvent,
		"eventId":    rec.EventID,
		"type":       rec.Type,
		"receivedAt": models.Timestamp(rec.ReceivedAt),
		"rawPayload": rec.RawPayload,
		fieldClaim:   claim,
	}
	_, err := d.store.Create(ctx, doc)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrConflict) {
		return false, fmt.Errorf("mark event %s processed: %w", rec.EventID, err)
	}
	existing, err := d.store.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("read dedup record %s: %w", rec.EventID, err)
	}
	return existing.String(fieldClaim) != claim, nil
}

func (d *StoreDedup) Forget(ctx context.Context, eventID, claim string) error {
	id := models.StripeEventID(eventID)
	doc, err := d.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read dedup record %s: %w", eventID, err)
	}
	if doc.String(fieldClaim) != claim {
		return nil
	}
	return d.store.Delete(ctx, id)
}

// RawPayload returns the payload recorded with an event.
func (d *StoreDedup) RawPayload(ctx context.Context, eventID string) ([]byte, error) {
	doc, err := d.store.Get(ctx, models.StripeEventID(eventID))
	if err != nil {
		return nil, err
	}
	raw := doc.String("rawPayload")
	if raw == "" {
		return nil, fmt.Errorf("event %s has no stored payload: %w", eventID, ErrNotFound)
	}
	return []byte(raw), nil
}

// RedisClient is the subset of go-redis used for deduplication.
type RedisClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// releaseClaim deletes KEYS[1] only while it still holds ARGV[1].
var releaseClaim = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisDedup keeps one key per event with a TTL. Redeliveries after the TTL
// are treated as new events, so the TTL must exceed the provider's retry
// horizon.
type RedisDedup struct {
	client RedisClient
	ttl    time.Duration
}

func NewRedisDedup(client RedisClient, ttl time.Duration) *RedisDedup {
	return &RedisDedup{client: client, ttl: ttl}
}

func (r *RedisDedup) key(eventID string) string {
	return fmt.Sprintf("webhook:event:%s", eventID)
}

func (r *RedisDedup) MarkProcessed(ctx context.Context, rec models.StripeEvent) (bool, error) {
	claim := claimOf(rec)
	ok, err := r.client.SetNX(ctx, r.key(rec.EventID), claim, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX %s: %w", rec.EventID, err)
	}
	if ok {
		return false, nil
	}
	current, err := r.client.Get(ctx, r.key(rec.EventID)).Result()
	if err == redis.Nil {
		// expired between SETNX and GET; the next delivery will claim it
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis GET %s: %w", rec.EventID, err)
	}
	return current != claim, nil
}

// Forget releases the key only while it still holds claim. A key that
// expired and was taken again by another delivery is left alone.
func (r *RedisDedup) Forget(ctx context.Context, eventID, claim string) error {
	if err := releaseClaim.Run(ctx, r.client, []string{r.key(eventID)}, claim).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", eventID, err)
	}
	return nil
}

// ProcessedEvent is the Postgres row behind PostgresDedup.
type ProcessedEvent struct {
	EventID    string    `gorm:"primaryKey;column:event_id" json:"eventId"`
	Type       string    `gorm:"column:type;not null" json:"type"`
	Claim      string    `gorm:"column:claim;not null" json:"-"`
	ReceivedAt time.Time `gorm:"column:received_at;not null" json:"receivedAt"`
	RawPayload string    `gorm:"column:raw_payload;type:text" json:"-"`
}

func (ProcessedEvent) TableName() string { return "stripe_events" }

// PostgresDedup uses the primary key of stripe_events as the gate.
type PostgresDedup struct {
	db *gorm.DB
}

func NewPostgresDedup(db *gorm.DB) *PostgresDedup {
	return &PostgresDedup{db: db}
}

func (p *PostgresDedup) MarkProcessed(ctx context.Context, rec models.StripeEvent) (bool, error) {
	row := ProcessedEvent{
		EventID:    rec.EventID,
		Type:       rec.Type,
		Claim:      claimOf(rec),
		ReceivedAt: rec.ReceivedAt.UTC(),
		RawPayload: rec.RawPayload,
	}
	res := p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("insert stripe event %s: %w", rec.EventID, res.Error)
	}
	if res.RowsAffected == 1 {
		return false, nil
	}
	var existing ProcessedEvent
	if err := p.db.WithContext(ctx).Where("event_id = ?", rec.EventID).Take(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return true, nil
		}
		return false, fmt.Errorf("read stripe event %s: %w", rec.EventID, err)
	}
	return existing.Claim != row.Claim, nil
}

func (p *PostgresDedup) Forget(ctx context.Context, eventID, claim string) error {
	if err := p.db.WithContext(ctx).Where("event_id = ? AND claim = ?", eventID, claim).Delete(&ProcessedEvent{}).Error; err != nil {
		return fmt.Errorf("delete stripe event %s: %w", eventID, err)
	}
	return nil
}

// RawPayload returns the payload recorded with an event.
func (p *PostgresDedup) RawPayload(ctx context.Context, eventID string) ([]byte, error) {
	var row ProcessedEvent
	if err := p.db.WithContext(ctx).Where("event_id = ?", eventID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("stripe event %s: %w", eventID, ErrNotFound)
		}
		return nil, fmt.Errorf("read stripe event %s: %w", eventID, err)
	}
	if row.RawPayload == "" {
		return nil, fmt.Errorf("event %s has no stored payload: %w", eventID, ErrNotFound)
	}
	return []byte(row.RawPayload), nil
}
