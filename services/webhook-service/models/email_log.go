package models

import "time"

const (
	EmailStatusQueued = "queued"
	EmailStatusFailed = "failed"
)

// EmailLogEntry is one row of the email audit trail: an automation event
// that is expected to result in a customer email.
type EmailLogEntry struct {
	ID         int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	EntityType string    `json:"entity_type" gorm:"not null"`
	EntityID   string    `json:"entity_id" gorm:"not null;index"`
	EventType  string    `json:"event_type" gorm:"not null"`
	Recipient  string    `json:"recipient"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime"`
}

func (EmailLogEntry) TableName() string { return "email_logs" }
