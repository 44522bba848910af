// Package engine implements the lead progression state machine.
//
// The machine runs over the four contact stages plus the absorbing states
// AwaitingCall (lead replied) and the non-responsive terminal exit. External
// stage confirmations, dispatch outcomes and inbound replies are the only
// inputs; every transition persists local state first and notifies the CRM
// board afterwards through the outbox, so an adapter failure never rolls back
// what the store already committed.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/bizhours"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/phone"
	"github.com/BTreeMap/LeadPipe/internal/stages"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// DefaultAdvanceInterval is the nominal delay between contact stages before
// business-hour rollover is applied.
const DefaultAdvanceInterval = 24 * time.Hour

// LeadDispatcher sends one lead's current stage package. The dispatch layer
// implements it; the engine calls it for the immediate send that follows an
// external stage confirmation.
type LeadDispatcher interface {
	DispatchLead(ctx context.Context, lead models.Lead) models.LeadDispatchResult
}

// Opts holds configuration options for the engine.
type Opts struct {
	Policy          bizhours.Policy
	AdvanceInterval time.Duration
	Now             func() time.Time
}

// Option defines a configuration option for the engine.
type Option func(*Opts)

// WithPolicy sets the business-hour policy used for schedule rollover.
func WithPolicy(p bizhours.Policy) Option {
	return func(o *Opts) {
		o.Policy = p
	}
}

// WithAdvanceInterval sets the nominal delay between contact stages.
func WithAdvanceInterval(d time.Duration) Option {
	return func(o *Opts) {
		o.AdvanceInterval = d
	}
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// ProgressionEngine decides each lead's next stage, schedule and terminal
// state, and records the matching CRM notification.
type ProgressionEngine struct {
	st         store.Store
	normalizer *phone.Normalizer
	dispatcher LeadDispatcher
	policy     bizhours.Policy
	interval   time.Duration
	now        func() time.Time
}

// NewProgressionEngine creates a new engine over the given store and phone
// normalizer.
func NewProgressionEngine(st store.Store, normalizer *phone.Normalizer, opts ...Option) *ProgressionEngine {
	cfg := Opts{
		Policy:          bizhours.DefaultPolicy(),
		AdvanceInterval: DefaultAdvanceInterval,
		Now:             time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("ProgressionEngine.NewProgressionEngine: creating engine", "advanceInterval", cfg.AdvanceInterval)
	return &ProgressionEngine{
		st:         st,
		normalizer: normalizer,
		policy:     cfg.Policy,
		interval:   cfg.AdvanceInterval,
		now:        cfg.Now,
	}
}

// SetDispatcher wires the dispatch layer in after construction. The engine and
// the dispatcher reference each other, so one side is attached late.
func (e *ProgressionEngine) SetDispatcher(d LeadDispatcher) {
	e.dispatcher = d
}

// OnExternalStageConfirmed handles a CRM stage-change event: the lead is
// upserted at the confirmed stage and its stage message is sent immediately.
// A replayed event id is ignored. The returned result is nil when the event
// was deduplicated; the error is non-nil only when the store write failed, in
// which case no dispatch was attempted.
func (e *ProgressionEngine) OnExternalStageConfirmed(ctx context.Context, ev models.StageChangeEvent) (*models.LeadDispatchResult, error) {
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrValidation, err)
	}
	def, err := stages.FromLabel(ev.StageLabel)
	if err != nil {
		return nil, fmt.Errorf("%w: label %q: %w", models.ErrValidation, ev.StageLabel, err)
	}

	if ev.EventID != "" {
		fresh, err := e.st.RecordEvent(ev.EventID, ev.LeadID)
		if err != nil {
			return nil, fmt.Errorf("record event %s: %w: %w", ev.EventID, models.ErrPersistence, err)
		}
		if !fresh {
			slog.Info("ProgressionEngine.OnExternalStageConfirmed: duplicate event ignored", "eventID", ev.EventID, "leadID", ev.LeadID)
			return nil, nil
		}
	} else {
		slog.Debug("ProgressionEngine.OnExternalStageConfirmed: event without id, dedup skipped", "leadID", ev.LeadID)
	}

	lead := models.Lead{
		ID:              ev.LeadID,
		Name:            ev.Name,
		Phone:           ev.Phone,
		NormalizedPhone: e.normalizer.Normalize(ev.Phone),
		Stage:           def.Stage,
	}
	if err := e.st.UpsertLead(lead); err != nil {
		return nil, fmt.Errorf("upsert lead %s: %w: %w", ev.LeadID, models.ErrPersistence, err)
	}
	slog.Info("ProgressionEngine.OnExternalStageConfirmed: lead upserted", "leadID", ev.LeadID, "stage", def.Stage)

	stored, err := e.st.GetLead(ev.LeadID)
	if err != nil {
		return nil, fmt.Errorf("get lead %s: %w: %w", ev.LeadID, models.ErrPersistence, err)
	}
	if stored == nil {
		return nil, fmt.Errorf("lead %s: %w", ev.LeadID, models.ErrLeadNotFound)
	}

	if e.dispatcher == nil {
		slog.Warn("ProgressionEngine.OnExternalStageConfirmed: no dispatcher wired, skipping immediate send", "leadID", ev.LeadID)
		return nil, nil
	}
	result := e.dispatcher.DispatchLead(ctx, *stored)
	slog.Info("ProgressionEngine.OnExternalStageConfirmed: immediate dispatch finished",
		"leadID", ev.LeadID, "outcome", result.Outcome, "error", result.Error)
	return &result, nil
}

// ScheduleAdvance moves the lead to its successor stage and arms the next
// dispatch moment, or performs the non-responsive terminal exit when the lead
// just received the last stage of the sequence. Called after a successful
// send.
func (e *ProgressionEngine) ScheduleAdvance(ctx context.Context, leadID string) error {
	lead, err := e.st.GetLead(leadID)
	if err != nil {
		return fmt.Errorf("get lead %s: %w: %w", leadID, models.ErrPersistence, err)
	}
	if lead == nil {
		return fmt.Errorf("lead %s: %w", leadID, models.ErrLeadNotFound)
	}
	if !lead.Active || lead.Stage == models.StageAwaitingCall {
		slog.Debug("ProgressionEngine.ScheduleAdvance: lead in absorbing state, nothing to advance", "leadID", leadID, "stage", lead.Stage)
		return nil
	}

	successor, err := stages.Successor(lead.Stage)
	if err != nil {
		return fmt.Errorf("%w: stage %q: %w", models.ErrValidation, lead.Stage, err)
	}

	if successor == "" {
		// Last stage sent without a reply: the sequence ends here.
		if err := e.st.DeactivateLead(leadID); err != nil {
			return fmt.Errorf("deactivate lead %s: %w: %w", leadID, models.ErrPersistence, err)
		}
		slog.Info("ProgressionEngine.ScheduleAdvance: sequence exhausted, lead deactivated", "leadID", leadID)
		e.enqueueNotify(leadID, store.NotifyKindNonResponsive, models.NotifyPayload{
			LeadID:     leadID,
			StageLabel: stages.LabelNonResponsive,
		}, leadID+":non_responsive")
		return nil
	}

	if err := e.st.SetLeadStage(leadID, successor); err != nil {
		return fmt.Errorf("set stage for lead %s: %w: %w", leadID, models.ErrPersistence, err)
	}
	next := bizhours.Next(e.now(), e.interval, e.policy)
	if err := e.st.SetNextDispatchAt(leadID, &next); err != nil {
		return fmt.Errorf("set next dispatch for lead %s: %w: %w", leadID, models.ErrPersistence, err)
	}
	slog.Info("ProgressionEngine.ScheduleAdvance: lead advanced", "leadID", leadID, "stage", successor, "nextDispatchAt", next)

	def, err := stages.Lookup(successor)
	if err != nil {
		return fmt.Errorf("%w: stage %q: %w", models.ErrValidation, successor, err)
	}
	e.enqueueNotify(leadID, store.NotifyKindStageStatus, models.NotifyPayload{
		LeadID:     leadID,
		StageLabel: def.Label,
	}, leadID+":status:"+string(successor))
	e.enqueueNotify(leadID, store.NotifyKindNextContact, models.NotifyPayload{
		LeadID:        leadID,
		NextContactAt: &next,
	}, leadID+":next:"+string(successor))
	return nil
}

// OnInboundReply handles an inbound message from a lead. A reply matching an
// active lead unconditionally moves it to AwaitingCall: schedule cleared,
// deactivated, CRM notified. No matching active lead is a recorded no-op.
func (e *ProgressionEngine) OnInboundReply(ctx context.Context, reply models.Reply) error {
	if err := reply.Validate(); err != nil {
		return fmt.Errorf("%w: %w", models.ErrValidation, err)
	}
	if reply.FromMe {
		slog.Debug("ProgressionEngine.OnInboundReply: own message, ignored", "from", reply.From)
		return nil
	}

	normalized := e.normalizer.Normalize(reply.From)
	lead, err := e.st.GetActiveLeadByPhone(normalized)
	if err != nil {
		return fmt.Errorf("lookup lead by phone: %w: %w", models.ErrPersistence, err)
	}
	if lead == nil {
		slog.Info("ProgressionEngine.OnInboundReply: no active lead for phone, ignoring", "phone", normalized)
		return nil
	}

	if err := e.st.SetLeadStage(lead.ID, models.StageAwaitingCall); err != nil {
		return fmt.Errorf("set stage for lead %s: %w: %w", lead.ID, models.ErrPersistence, err)
	}
	if err := e.st.DeactivateLead(lead.ID); err != nil {
		return fmt.Errorf("deactivate lead %s: %w: %w", lead.ID, models.ErrPersistence, err)
	}
	slog.Info("ProgressionEngine.OnInboundReply: lead replied, moved to awaiting call", "leadID", lead.ID, "previousStage", lead.Stage)

	e.enqueueNotify(lead.ID, store.NotifyKindAwaitingCall, models.NotifyPayload{
		LeadID:     lead.ID,
		StageLabel: stages.LabelAwaitingCall,
	}, lead.ID+":awaiting_call")
	return nil
}

// enqueueNotify records a CRM notification on the outbox. Local state is
// already committed when this runs, so a failure here is logged and the
// operation continues; the recovery pass reconciles the drift.
func (e *ProgressionEngine) enqueueNotify(leadID, kind string, payload models.NotifyPayload, dedupeKey string) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("ProgressionEngine.enqueueNotify: marshal payload failed", "leadID", leadID, "kind", kind, "error", err)
		return
	}
	if _, err := e.st.EnqueueNotification(leadID, kind, string(body), dedupeKey); err != nil {
		slog.Error("ProgressionEngine.enqueueNotify: enqueue failed",
			"leadID", leadID, "kind", kind, "error", fmt.Errorf("%w: %w", models.ErrAdapterNotify, err))
	}
}
