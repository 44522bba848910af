// Package models defines the core data structures for LeadPipe.
//
// It includes the Lead record, contact stages, inbound boundary events and
// dispatch outcomes, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// Stage identifies one ordered step of the contact sequence.
type Stage string

const (
	// StageFirstContact is the first outbound contact attempt.
	StageFirstContact Stage = "first_contact"
	// StageSecondContact is the second outbound contact attempt.
	StageSecondContact Stage = "second_contact"
	// StageThirdContact is the third outbound contact attempt.
	StageThirdContact Stage = "third_contact"
	// StageFinalContact is the last outbound contact attempt; it has no successor.
	StageFinalContact Stage = "final_contact"
	// StageAwaitingCall is the absorbing state entered when a lead replies.
	StageAwaitingCall Stage = "awaiting_call"
)

// Validation constants for inbound payloads.
const (
	// MaxLeadNameLength defines the maximum allowed length for a lead display name.
	MaxLeadNameLength = 256
	// MaxReplyBodyLength defines the maximum allowed length for an inbound reply body.
	MaxReplyBodyLength = 4096
)

// Error variables for better error handling and testability.
var (
	ErrEmptyLeadID      = errors.New("lead id cannot be empty")
	ErrEmptyPhone       = errors.New("phone cannot be empty")
	ErrEmptyStageLabel  = errors.New("stage label cannot be empty")
	ErrLeadNameTooLong  = errors.New("lead name exceeds maximum length")
	ErrReplyBodyTooLong = errors.New("reply body exceeds maximum length")
	ErrLeadNotFound     = errors.New("lead not found")
)

// Error taxonomy shared by the engine and dispatch layers. Callers wrap these
// with fmt.Errorf("...: %w", err) so errors.Is works across package borders.
var (
	// ErrPersistence indicates a store write failed; the triggering operation is aborted.
	ErrPersistence = errors.New("persistence error")
	// ErrAdapterNotify indicates a CRM or messaging adapter call failed after
	// local state was committed. Local state is authoritative and not rolled back.
	ErrAdapterNotify = errors.New("adapter notify error")
	// ErrDeliveryRetryable indicates a transient delivery failure.
	ErrDeliveryRetryable = errors.New("retryable delivery error")
	// ErrDeliveryTerminal indicates a permanent delivery failure.
	ErrDeliveryTerminal = errors.New("terminal delivery error")
	// ErrValidation indicates an invalid phone or payload; terminal for the attempt.
	ErrValidation = errors.New("validation error")
)

// Lead represents one sales lead progressing through the contact sequence.
// The ID is externally assigned and stable (issued by the CRM system).
type Lead struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Phone           string     `json:"phone"`
	NormalizedPhone string     `json:"normalized_phone"`
	Stage           Stage      `json:"stage"`
	NextDispatchAt  *time.Time `json:"next_dispatch_at,omitempty"`
	Attempts        int        `json:"attempts"`
	Active          bool       `json:"active"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Due reports whether the lead is eligible for automatic dispatch at now.
func (l *Lead) Due(now time.Time) bool {
	return l.Active && l.NextDispatchAt != nil && !l.NextDispatchAt.After(now)
}

// StageChangeEvent is the inbound boundary event produced when the CRM moves
// a lead into one of the recognized contact stages. EventID is the CRM-side
// idempotency key; replays of the same key are ignored by the store.
type StageChangeEvent struct {
	LeadID     string `json:"lead_id"`
	Name       string `json:"name,omitempty"`
	Phone      string `json:"phone"`
	StageLabel string `json:"stage_label"`
	EventID    string `json:"event_id,omitempty"`
}

// Validate performs validation on a StageChangeEvent.
func (e *StageChangeEvent) Validate() error {
	if e.LeadID == "" {
		return ErrEmptyLeadID
	}
	if e.Phone == "" {
		return ErrEmptyPhone
	}
	if e.StageLabel == "" {
		return ErrEmptyStageLabel
	}
	if len(e.Name) > MaxLeadNameLength {
		return ErrLeadNameTooLong
	}
	return nil
}

// Reply represents an inbound message from a lead. FromMe events are filtered
// at the boundary and never reach the engine.
type Reply struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	MessageID string `json:"message_id,omitempty"`
	FromMe    bool   `json:"from_me,omitempty"`
	Time      int64  `json:"time"`
}

// Validate performs validation on a Reply.
func (r *Reply) Validate() error {
	if r.From == "" {
		return ErrEmptyPhone
	}
	if len(r.Body) > MaxReplyBodyLength {
		return ErrReplyBodyTooLong
	}
	return nil
}

// DispatchOutcome represents the result of one send attempt. It is ephemeral
// and never persisted.
type DispatchOutcome string

const (
	// OutcomeDelivered indicates the text message was sent successfully.
	OutcomeDelivered DispatchOutcome = "delivered"
	// OutcomeFailedRetryable indicates a transient failure; the lead stays due.
	OutcomeFailedRetryable DispatchOutcome = "failed-retryable"
	// OutcomeFailedTerminal indicates a permanent failure for this attempt.
	OutcomeFailedTerminal DispatchOutcome = "failed-terminal"
)

// LeadDispatchResult records the outcome of one lead's processing in a batch.
type LeadDispatchResult struct {
	LeadID  string          `json:"lead_id"`
	Stage   Stage           `json:"stage"`
	Outcome DispatchOutcome `json:"outcome"`
	Error   string          `json:"error,omitempty"`
}

// BatchResult is the structured summary returned by one dispatch batch.
type BatchResult struct {
	AlreadyRunning bool                 `json:"already_running,omitempty"`
	Processed      int                  `json:"processed"`
	Pending        int                  `json:"pending"`
	Results        []LeadDispatchResult `json:"results,omitempty"`
}
