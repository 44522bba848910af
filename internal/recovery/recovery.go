// Package recovery reconciles persisted state after an application restart.
//
// A crash can leave outbox notifications stuck in sending, and operators
// editing the database by hand can break the rule that inactive leads carry
// no dispatch schedule. The manager runs once at startup, repairs what it
// can and reports what it found.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// Default reconciliation windows.
const (
	// DefaultStaleThreshold is how long an outbox row may sit in sending
	// before it is considered abandoned by a dead process.
	DefaultStaleThreshold = 5 * time.Minute
	// DefaultDedupRetention is how long inbound event keys are kept. It only
	// needs to cover the CRM's webhook redelivery window.
	DefaultDedupRetention = 48 * time.Hour
	// DefaultOverdueGrace is how far past its dispatch moment a lead may be
	// before startup flags it as overdue.
	DefaultOverdueGrace = time.Hour
)

// Opts holds configuration options for the recovery manager.
type Opts struct {
	StaleThreshold time.Duration
	DedupRetention time.Duration
	OverdueGrace   time.Duration
	Now            func() time.Time
}

// Option defines a configuration option for the recovery manager.
type Option func(*Opts)

// WithStaleThreshold sets the age past which a sending outbox row is requeued.
func WithStaleThreshold(d time.Duration) Option {
	return func(o *Opts) { o.StaleThreshold = d }
}

// WithDedupRetention sets how long inbound event keys are retained.
func WithDedupRetention(d time.Duration) Option {
	return func(o *Opts) { o.DedupRetention = d }
}

// WithOverdueGrace sets the slack before an active lead counts as overdue.
func WithOverdueGrace(d time.Duration) Option {
	return func(o *Opts) { o.OverdueGrace = d }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Report summarizes one reconciliation pass.
type Report struct {
	RequeuedNotifications int `json:"requeued_notifications"`
	RepairedLeads         int `json:"repaired_leads"`
	PurgedEvents          int `json:"purged_events"`
	OverdueLeads          int `json:"overdue_leads"`
	UnarmedLeads          int `json:"unarmed_leads"`
}

// Manager runs the startup reconciliation steps against the store.
type Manager struct {
	st             store.Store
	staleThreshold time.Duration
	dedupRetention time.Duration
	overdueGrace   time.Duration
	now            func() time.Time
}

// NewManager creates a recovery manager over the given store.
func NewManager(st store.Store, opts ...Option) *Manager {
	cfg := Opts{
		StaleThreshold: DefaultStaleThreshold,
		DedupRetention: DefaultDedupRetention,
		OverdueGrace:   DefaultOverdueGrace,
		Now:            time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Manager{
		st:             st,
		staleThreshold: cfg.StaleThreshold,
		dedupRetention: cfg.DedupRetention,
		overdueGrace:   cfg.OverdueGrace,
		now:            cfg.Now,
	}
}

// Run performs the reconciliation pass. Each step is independent; a failing
// step is logged and the remaining steps still run. The returned error is
// non-nil when at least one step failed.
func (m *Manager) Run(ctx context.Context) (Report, error) {
	now := m.now().UTC()
	var report Report
	errorCount := 0

	requeued, err := m.st.RequeueStaleSending(now.Add(-m.staleThreshold))
	if err != nil {
		slog.Error("Manager.Run: failed to requeue stale notifications", "error", err)
		errorCount++
	} else {
		report.RequeuedNotifications = requeued
		if requeued > 0 {
			slog.Info("Manager.Run: requeued stale notifications", "count", requeued)
		}
	}

	repaired, err := m.st.RepairScheduleInvariants()
	if err != nil {
		slog.Error("Manager.Run: failed to repair schedule invariants", "error", err)
		errorCount++
	} else {
		report.RepairedLeads = repaired
		if repaired > 0 {
			slog.Warn("Manager.Run: repaired inactive leads carrying a schedule", "count", repaired)
		}
	}

	purged, err := m.st.PurgeEventsBefore(now.Add(-m.dedupRetention))
	if err != nil {
		slog.Error("Manager.Run: failed to purge old event keys", "error", err)
		errorCount++
	} else {
		report.PurgedEvents = purged
		if purged > 0 {
			slog.Info("Manager.Run: purged old event keys", "count", purged)
		}
	}

	if err := m.inspectActiveLeads(now, &report); err != nil {
		slog.Error("Manager.Run: failed to inspect active leads", "error", err)
		errorCount++
	}

	slog.Info("Manager.Run: reconciliation finished",
		"requeued", report.RequeuedNotifications,
		"repaired", report.RepairedLeads,
		"purged", report.PurgedEvents,
		"overdue", report.OverdueLeads,
		"unarmed", report.UnarmedLeads,
		"errors", errorCount)

	if errorCount > 0 {
		return report, fmt.Errorf("reconciliation finished with %d failed steps", errorCount)
	}
	return report, nil
}

// inspectActiveLeads reports leads whose schedule looks wrong after a
// restart: long-overdue leads the batch loop should pick up immediately, and
// active leads with no dispatch moment armed at all. Both are log-only; the
// batch loop and the stage webhook remain the only writers.
func (m *Manager) inspectActiveLeads(now time.Time, report *Report) error {
	leads, err := m.st.ListActiveLeads()
	if err != nil {
		return err
	}
	for _, lead := range leads {
		switch {
		case lead.NextDispatchAt == nil:
			if lead.Stage != models.StageAwaitingCall {
				report.UnarmedLeads++
				slog.Warn("Manager.inspectActiveLeads: active lead with no dispatch moment",
					"leadID", lead.ID, "stage", lead.Stage)
			}
		case now.Sub(*lead.NextDispatchAt) > m.overdueGrace:
			report.OverdueLeads++
			slog.Warn("Manager.inspectActiveLeads: lead long overdue for dispatch",
				"leadID", lead.ID, "stage", lead.Stage, "due", lead.NextDispatchAt)
		}
	}
	return nil
}
