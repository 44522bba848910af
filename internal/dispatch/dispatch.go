// Package dispatch implements the due-lead batch loop and the retry policy.
//
// One batch pulls every due lead, sends each lead's current stage package in
// strict sequence with a fixed cooldown between sends, and records a per-lead
// result. A single-flight guard keeps overlapping batches from double-sending
// the same due lead.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/phone"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// Default pacing and reporting knobs.
const (
	// DefaultInterLeadCooldown is the fixed delay between two leads in a batch.
	DefaultInterLeadCooldown = 2 * time.Second
	// DefaultAttemptsWarnThreshold is the failure count past which a lead is
	// flagged in the logs. The counter itself is unbounded.
	DefaultAttemptsWarnThreshold = 10
)

// Sender sends outbound messages through the messaging gateway.
type Sender interface {
	SendText(ctx context.Context, to, body string) error
	SendAudio(ctx context.Context, to, assetPath string) error
}

// TemplateResolver resolves a stage's message content. ResolveMessage never
// returns empty text for a known stage.
type TemplateResolver interface {
	ResolveMessage(ctx context.Context, stage models.Stage, leadName string) (string, error)
	ResolveAudio(stage models.Stage) (string, bool)
}

// Advancer moves a lead forward after a successful send. The progression
// engine implements it.
type Advancer interface {
	ScheduleAdvance(ctx context.Context, leadID string) error
}

// Opts holds configuration options for the coordinator.
type Opts struct {
	InterLeadCooldown     time.Duration
	RetryCooldown         time.Duration
	AttemptsWarnThreshold int
	Now                   func() time.Time
}

// Option defines a configuration option for the coordinator.
type Option func(*Opts)

// WithInterLeadCooldown sets the delay between two leads in a batch.
func WithInterLeadCooldown(d time.Duration) Option {
	return func(o *Opts) {
		o.InterLeadCooldown = d
	}
}

// WithRetryCooldown sets the wait before the single in-flight retry.
func WithRetryCooldown(d time.Duration) Option {
	return func(o *Opts) {
		o.RetryCooldown = d
	}
}

// WithAttemptsWarnThreshold sets the failure count that triggers a warning log.
func WithAttemptsWarnThreshold(n int) Option {
	return func(o *Opts) {
		o.AttemptsWarnThreshold = n
	}
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Coordinator serializes dispatch batches and processes due leads one at a
// time.
type Coordinator struct {
	st            store.LeadRepo
	sender        Sender
	resolver      TemplateResolver
	phones        *phone.Normalizer
	advancer      Advancer
	retry         *RetryPolicy
	cooldown      time.Duration
	warnThreshold int
	now           func() time.Time
	running       atomic.Bool
}

// NewCoordinator creates a dispatch coordinator.
func NewCoordinator(st store.LeadRepo, sender Sender, resolver TemplateResolver, phones *phone.Normalizer, advancer Advancer, opts ...Option) *Coordinator {
	cfg := Opts{
		InterLeadCooldown:     DefaultInterLeadCooldown,
		RetryCooldown:         DefaultRetryCooldown,
		AttemptsWarnThreshold: DefaultAttemptsWarnThreshold,
		Now:                   time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Coordinator.NewCoordinator: creating coordinator",
		"interLeadCooldown", cfg.InterLeadCooldown, "retryCooldown", cfg.RetryCooldown)
	return &Coordinator{
		st:            st,
		sender:        sender,
		resolver:      resolver,
		phones:        phones,
		advancer:      advancer,
		retry:         NewRetryPolicy(cfg.RetryCooldown),
		cooldown:      cfg.InterLeadCooldown,
		warnThreshold: cfg.AttemptsWarnThreshold,
		now:           cfg.Now,
	}
}

// RunBatch processes every due lead in strict sequence. A call made while a
// previous batch is still executing returns immediately with the
// already-running marker and touches no lead. The returned error is non-nil
// only when the due-list fetch itself failed; per-lead failures are recorded
// in the result and never abort the batch.
func (c *Coordinator) RunBatch(ctx context.Context) (models.BatchResult, error) {
	if !c.running.CompareAndSwap(false, true) {
		slog.Info("Coordinator.RunBatch: batch already running, skipping")
		return models.BatchResult{AlreadyRunning: true}, nil
	}
	defer c.running.Store(false)

	due, err := c.st.ListDueLeads(c.now())
	if err != nil {
		return models.BatchResult{}, fmt.Errorf("list due leads: %w: %w", models.ErrPersistence, err)
	}
	slog.Info("Coordinator.RunBatch: batch started", "due", len(due))

	result := models.BatchResult{}
	for i, lead := range due {
		if ctx.Err() != nil {
			slog.Warn("Coordinator.RunBatch: context cancelled, stopping batch", "processed", result.Processed)
			break
		}
		leadResult := c.DispatchLead(ctx, lead)
		result.Processed++
		if leadResult.Outcome != models.OutcomeDelivered {
			result.Pending++
		}
		result.Results = append(result.Results, leadResult)

		if i < len(due)-1 {
			select {
			case <-ctx.Done():
			case <-time.After(c.cooldown):
			}
		}
	}
	slog.Info("Coordinator.RunBatch: batch finished", "processed", result.Processed, "pending", result.Pending)
	return result, nil
}

// DispatchLead sends one lead's current stage package: the stage text, then
// the stage audio when the catalog defines one. Failures are recorded on the
// lead's attempts counter; the schedule is left untouched so the lead stays
// due for the next batch.
func (c *Coordinator) DispatchLead(ctx context.Context, lead models.Lead) models.LeadDispatchResult {
	result := models.LeadDispatchResult{LeadID: lead.ID, Stage: lead.Stage}

	if !c.phones.IsValidForDispatch(lead.Phone) {
		err := fmt.Errorf("%w: phone %q not dispatchable", models.ErrValidation, lead.Phone)
		return c.recordFailure(lead, result, models.OutcomeFailedTerminal, err)
	}

	text, err := c.resolver.ResolveMessage(ctx, lead.Stage, lead.Name)
	if err != nil {
		err = fmt.Errorf("resolve message for stage %s: %w", lead.Stage, err)
		return c.recordFailure(lead, result, models.OutcomeFailedTerminal, err)
	}

	to := lead.NormalizedPhone
	if to == "" {
		to = c.phones.Normalize(lead.Phone)
	}

	if err := c.retry.Do(ctx, func() error { return c.sender.SendText(ctx, to, text) }); err != nil {
		outcome := models.OutcomeFailedTerminal
		if errors.Is(err, models.ErrDeliveryRetryable) {
			outcome = models.OutcomeFailedRetryable
		}
		return c.recordFailure(lead, result, outcome, err)
	}
	slog.Info("Coordinator.DispatchLead: text delivered", "leadID", lead.ID, "stage", lead.Stage)

	// The voice note is an independent second send: its failure does not
	// un-deliver the text and does not count as a dispatch failure.
	if assetPath, ok := c.resolver.ResolveAudio(lead.Stage); ok {
		if err := c.sender.SendAudio(ctx, to, assetPath); err != nil {
			slog.Error("Coordinator.DispatchLead: audio send failed", "leadID", lead.ID, "stage", lead.Stage, "error", err)
		} else {
			slog.Debug("Coordinator.DispatchLead: audio delivered", "leadID", lead.ID, "stage", lead.Stage)
		}
	}

	result.Outcome = models.OutcomeDelivered
	if err := c.advancer.ScheduleAdvance(ctx, lead.ID); err != nil {
		slog.Error("Coordinator.DispatchLead: schedule advance failed", "leadID", lead.ID, "error", err)
		result.Error = err.Error()
	}
	return result
}

// recordFailure increments the lead's attempts counter and fills in the
// failed result. The schedule stays as it was, so the lead remains due.
func (c *Coordinator) recordFailure(lead models.Lead, result models.LeadDispatchResult, outcome models.DispatchOutcome, cause error) models.LeadDispatchResult {
	result.Outcome = outcome
	result.Error = cause.Error()
	slog.Error("Coordinator.DispatchLead: dispatch failed", "leadID", lead.ID, "stage", lead.Stage, "outcome", outcome, "error", cause)

	attempts, err := c.st.IncrementAttempts(lead.ID)
	if err != nil {
		slog.Error("Coordinator.recordFailure: increment attempts failed", "leadID", lead.ID, "error", err)
		return result
	}
	if attempts >= c.warnThreshold {
		slog.Warn("Coordinator.recordFailure: lead keeps failing with no automatic cutoff", "leadID", lead.ID, "attempts", attempts)
	}
	return result
}
