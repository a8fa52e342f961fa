package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	awspkg "github.com/yashrajoria/commerce-webhooks/pkg/aws"
	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/models"
	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/repository"
)

// AutomationTrigger signals downstream automation (emails, fulfilment
// tooling) that an entity changed.
type AutomationTrigger interface {
	Notify(ctx context.Context, entityType, entityID, eventType string) error
}

// AutomationMessage is the body published to SNS or SQS.
type AutomationMessage struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	EventType  string `json:"eventType"`
	OccurredAt string `json:"occurredAt"`
}

func automationMessage(entityType, entityID, eventType string) ([]byte, map[string]string, error) {
	body, err := json.Marshal(AutomationMessage{
		EntityType: entityType,
		EntityID:   entityID,
		EventType:  eventType,
		OccurredAt: models.Timestamp(time.Now()),
	})
	if err != nil {
		return nil, nil, err
	}
	return body, map[string]string{"event_type": eventType, "entity_type": entityType}, nil
}

type SNSTrigger struct {
	publisher awspkg.SNSPublisher
	topicArn  string
}

func NewSNSTrigger(publisher awspkg.SNSPublisher, topicArn string) *SNSTrigger {
	return &SNSTrigger{publisher: publisher, topicArn: topicArn}
}

func (t *SNSTrigger) Notify(ctx context.Context, entityType, entityID, eventType string) error {
	body, attrs, err := automationMessage(entityType, entityID, eventType)
	if err != nil {
		return err
	}
	if err := t.publisher.Publish(ctx, t.topicArn, body, attrs); err != nil {
		return fmt.Errorf("publish %s for %s: %w", eventType, entityID, err)
	}
	return nil
}

type SQSTrigger struct {
	sender awspkg.QueueSender
}

func NewSQSTrigger(sender awspkg.QueueSender) *SQSTrigger {
	return &SQSTrigger{sender: sender}
}

func (t *SQSTrigger) Notify(ctx context.Context, entityType, entityID, eventType string) error {
	body, attrs, err := automationMessage(entityType, entityID, eventType)
	if err != nil {
		return err
	}
	if err := t.sender.SendMessage(ctx, string(body), attrs); err != nil {
		return fmt.Errorf("enqueue %s for %s: %w", eventType, entityID, err)
	}
	return nil
}

// LogTrigger only logs; used when no transport is configured.
type LogTrigger struct {
	logger *zap.Logger
}

func NewLogTrigger(logger *zap.Logger) *LogTrigger {
	return &LogTrigger{logger: logger}
}

func (t *LogTrigger) Notify(_ context.Context, entityType, entityID, eventType string) error {
	t.logger.Info("Automation trigger",
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.String("automation_event", eventType),
	)
	return nil
}

// EmailLog records automation events that should produce a customer email.
type EmailLog interface {
	Record(ctx context.Context, entry models.EmailLogEntry) error
}

type repositoryEmailLog struct {
	repo repository.EmailLogRepository
}

func NewEmailLog(repo repository.EmailLogRepository) EmailLog {
	return &repositoryEmailLog{repo: repo}
}

func (l *repositoryEmailLog) Record(ctx context.Context, entry models.EmailLogEntry) error {
	return l.repo.SaveLog(ctx, &entry)
}

type loggerEmailLog struct {
	logger *zap.Logger
}

// NewLoggerEmailLog writes the email audit trail to the service log.
func NewLoggerEmailLog(logger *zap.Logger) EmailLog {
	return &loggerEmailLog{logger: logger}
}

func (l *loggerEmailLog) Record(_ context.Context, entry models.EmailLogEntry) error {
	l.logger.Info("Email audit",
		zap.String("entity_type", entry.EntityType),
		zap.String("entity_id", entry.EntityID),
		zap.String("automation_event", entry.EventType),
		zap.String("status", entry.Status),
		zap.String("error", entry.Error),
	)
	return nil
}

// Notifier runs the automation trigger off the request path. Failures are
// logged and never reach the webhook response.
type Notifier struct {
	trigger AutomationTrigger
	emails  EmailLog
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func NewNotifier(trigger AutomationTrigger, emails EmailLog, timeout time.Duration, logger *zap.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{trigger: trigger, emails: emails, timeout: timeout, logger: logger}
}

// Dispatch sends each notification in its own goroutine.
func (n *Notifier) Dispatch(notes []Notification) {
	for _, note := range notes {
		n.wg.Add(1)
		go func(note Notification) {
			defer n.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
			defer cancel()
			n.send(ctx, note)
		}(note)
	}
}

func (n *Notifier) send(ctx context.Context, note Notification) {
	entry := models.EmailLogEntry{
		EntityType: note.EntityType,
		EntityID:   note.EntityID,
		EventType:  note.EventType,
		Recipient:  note.Recipient,
		Status:     models.EmailStatusQueued,
	}
	if err := n.trigger.Notify(ctx, note.EntityType, note.EntityID, note.EventType); err != nil {
		n.logger.Error("Failed to trigger automation",
			zap.String("entity_type", note.EntityType),
			zap.String("entity_id", note.EntityID),
			zap.String("automation_event", note.EventType),
			zap.Error(err),
		)
		entry.Status = models.EmailStatusFailed
		entry.Error = err.Error()
	}
	if n.emails == nil || note.Recipient == "" {
		return
	}
	if err := n.emails.Record(ctx, entry); err != nil {
		n.logger.Warn("Failed to record email audit entry",
			zap.String("entity_id", note.EntityID),
			zap.Error(err),
		)
	}
}

// Wait blocks until every dispatched notification has finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
