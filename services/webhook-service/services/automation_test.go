package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/models"
)

type fakeTrigger struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (f *fakeTrigger) Notify(ctx context.Context, entityType, entityID, eventType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType+":"+entityID)
	return f.err
}

func (f *fakeTrigger) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

type fakePublisher struct {
	topic   string
	message []byte
	attrs   map[string]string
}

func (f *fakePublisher) Publish(ctx context.Context, topicArn string, message []byte, attrs map[string]string) error {
	f.topic, f.message, f.attrs = topicArn, message, attrs
	return nil
}

type fakeQueue struct {
	bodies []string
	err    error
}

func (f *fakeQueue) SendMessage(ctx context.Context, body string, attrs map[string]string) error {
	if f.err != nil {
		return f.err
	}
	f.bodies = append(f.bodies, body)
	return nil
}

type fakeEmailLog struct {
	mu      sync.Mutex
	entries []models.EmailLogEntry
}

func (f *fakeEmailLog) Record(ctx context.Context, entry models.EmailLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func TestSNSTrigger_PublishesMessage(t *testing.T) {
	pub := &fakePublisher{}
	trigger := NewSNSTrigger(pub, "arn:aws:sns:us-east-1:000000000000:commerce-automation")

	require.NoError(t, trigger.Notify(context.Background(), models.TypeOrder, "order.cs_1", "order.created"))

	assert.Equal(t, "arn:aws:sns:us-east-1:000000000000:commerce-automation", pub.topic)
	assert.Equal(t, "order.created", pub.attrs["event_type"])
	var msg AutomationMessage
	require.NoError(t, json.Unmarshal(pub.message, &msg))
	assert.Equal(t, "order.cs_1", msg.EntityID)
	assert.Equal(t, models.TypeOrder, msg.EntityType)
}

func TestSQSTrigger(t *testing.T) {
	q := &fakeQueue{}
	require.NoError(t, NewSQSTrigger(q).Notify(context.Background(), models.TypeAbandonedCheckout, "abandoned_cs_1", "checkout.abandoned"))
	require.Len(t, q.bodies, 1)
	assert.Contains(t, q.bodies[0], `"eventType":"checkout.abandoned"`)

	q.err = errors.New("queue unavailable")
	assert.Error(t, NewSQSTrigger(q).Notify(context.Background(), models.TypeOrder, "order.cs_1", "order.created"))
}

func TestNotifier_FailuresAreLoggedAndAudited(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	trigger := &fakeTrigger{err: errors.New("sns down")}
	emails := &fakeEmailLog{}
	n := NewNotifier(trigger, emails, time.Second, zap.New(core))

	n.Dispatch([]Notification{
		{EntityType: models.TypeOrder, EntityID: "order.cs_1", EventType: "order.created", Recipient: "ada@example.com"},
		{EntityType: models.TypeCheckoutSession, EntityID: "checkoutSession.cs_1", EventType: "checkout.completed"},
	})
	n.Wait()

	assert.ElementsMatch(t, []string{"order.created:order.cs_1", "checkout.completed:checkoutSession.cs_1"}, trigger.received())
	assert.Equal(t, 2, logs.FilterMessage("Failed to trigger automation").Len())
	require.Len(t, emails.entries, 1, "only notifications with a recipient are audited")
	assert.Equal(t, models.EmailStatusFailed, emails.entries[0].Status)
	assert.Equal(t, "sns down", emails.entries[0].Error)
}

func TestNotifier_QueuedEmail(t *testing.T) {
	emails := &fakeEmailLog{}
	n := NewNotifier(&fakeTrigger{}, emails, 0, zap.NewNop())

	n.Dispatch([]Notification{{EntityType: models.TypeOrder, EntityID: "order.cs_1", EventType: "order.created", Recipient: "ada@example.com"}})
	n.Wait()

	require.Len(t, emails.entries, 1)
	assert.Equal(t, models.EmailStatusQueued, emails.entries[0].Status)
}

func TestLogTrigger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	require.NoError(t, NewLogTrigger(zap.New(core)).Notify(context.Background(), models.TypeOrder, "order.cs_1", "order.created"))

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "order.created", logs.All()[0].ContextMap()["automation_event"])
}
