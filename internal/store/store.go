// Package store provides storage backends for LeadPipe.
//
// It owns the persisted Lead records plus the inbound-event dedup table and
// the CRM notification outbox. SQLite and PostgreSQL implementations share
// one interface; an in-memory store backs tests and local development.
package store

import (
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// LeadRepo defines the persisted Lead operations. Lookups return (nil, nil)
// when no row matches; mutation methods return models.ErrLeadNotFound wrapped
// errors when the target lead does not exist.
type LeadRepo interface {
	// UpsertLead creates or updates a lead by its external id (last-write-wins).
	// An update re-activates the lead and resets its attempts counter, since a
	// confirmed stage change starts a fresh contact cycle.
	UpsertLead(lead models.Lead) error

	// GetLead returns the lead with the given id.
	GetLead(id string) (*models.Lead, error)

	// GetActiveLeadByPhone returns the active lead with the given normalized phone.
	GetActiveLeadByPhone(normalizedPhone string) (*models.Lead, error)

	// SetLeadStage updates the lead's stage.
	SetLeadStage(id string, stage models.Stage) error

	// SetNextDispatchAt arms (or, with nil, disarms) the lead's dispatch schedule.
	SetNextDispatchAt(id string, at *time.Time) error

	// IncrementAttempts bumps the send-failure counter and returns the new value.
	IncrementAttempts(id string) (int, error)

	// DeactivateLead permanently removes the lead from the automatic sequence.
	// It clears next_dispatch_at in the same write, so the invariant
	// active == false => next_dispatch_at == NULL holds at all times.
	DeactivateLead(id string) error

	// ListDueLeads returns active leads with next_dispatch_at <= now, ordered
	// by next_dispatch_at ascending (earliest due first).
	ListDueLeads(now time.Time) ([]models.Lead, error)

	// ListActiveLeads returns every active lead.
	ListActiveLeads() ([]models.Lead, error)

	// RepairScheduleInvariants clears next_dispatch_at on inactive leads and
	// returns the number repaired. The store's own writes keep the invariant,
	// so repairs only ever catch rows mutated outside the application.
	RepairScheduleInvariants() (int, error)
}

// Store is the full persistence surface: leads, inbound-event dedup and the
// CRM notification outbox.
type Store interface {
	LeadRepo
	DedupRepo
	OutboxRepo
	Close() error
}

// Opts holds configuration options for store construction.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return WithDSN(dsn)
}

// DetectDSNType returns "postgres" for PostgreSQL-style DSNs and "sqlite"
// otherwise. File paths and file: URIs are treated as SQLite.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}
