// Package store provides the OutboxRepo interface and model for durable CRM
// notifications.
package store

import (
	"time"
)

// OutboxStatus represents the lifecycle state of an outbox notification.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

// Notification kinds delivered to the CRM board.
const (
	NotifyKindStageStatus   = "stage_status"
	NotifyKindNextContact   = "next_contact"
	NotifyKindAwaitingCall  = "awaiting_call"
	NotifyKindNonResponsive = "non_responsive"
)

// Notification represents a durable CRM notification record. Local lead state
// commits first; the notification is enqueued in the same flow and delivered
// asynchronously, so a CRM outage never rolls back engine state but the drift
// stays visible and retryable.
type Notification struct {
	ID            string       `json:"id"`
	LeadID        string       `json:"lead_id"`
	Kind          string       `json:"kind"`
	PayloadJSON   string       `json:"payload_json"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo defines the interface for durable CRM notification persistence.
type OutboxRepo interface {
	// EnqueueNotification inserts a new notification. If dedupeKey is
	// non-empty and a non-terminal notification with that key exists, the
	// existing ID is returned instead of inserting a duplicate.
	EnqueueNotification(leadID, kind, payloadJSON, dedupeKey string) (string, error)

	// ClaimDueNotifications marks up to limit queued notifications whose
	// next_attempt_at <= now (or is NULL) as sending and returns them.
	ClaimDueNotifications(now time.Time, limit int) ([]Notification, error)

	// MarkNotificationSent marks a notification as successfully delivered.
	MarkNotificationSent(id string) error

	// FailNotification records a delivery failure and schedules a retry at
	// nextAttemptAt.
	FailNotification(id string, errMsg string, nextAttemptAt time.Time) error

	// RequeueStaleSending resets notifications stuck in sending since before
	// staleBefore back to queued (crash recovery).
	RequeueStaleSending(staleBefore time.Time) (int, error)
}
