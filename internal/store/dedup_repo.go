// Package store provides the DedupRepo interface for inbound event deduplication.
package store

import (
	"time"
)

// DedupRecord represents one recorded inbound stage-change event key.
type DedupRecord struct {
	EventKey   string    `json:"event_key"`
	LeadID     string    `json:"lead_id"`
	ReceivedAt time.Time `json:"received_at"`
}

// DedupRepo defines idempotency-key tracking for inbound stage-change events.
// The CRM delivers webhooks at-least-once; replaying the same event key must
// not resend a message.
type DedupRepo interface {
	// RecordEvent inserts a new event key. Returns false if the key was
	// already recorded (duplicate delivery).
	RecordEvent(eventKey, leadID string) (bool, error)

	// PurgeEventsBefore deletes event records received before t and returns
	// the number removed. Keys only need to survive the CRM's redelivery
	// window.
	PurgeEventsBefore(t time.Time) (int, error)
}
