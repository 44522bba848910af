// Package store provides storage backends for LeadPipe.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements the full Store surface.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	slog.Debug("Opening Postgres database connection")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}

// --- LeadRepo ---

func (s *PostgresStore) UpsertLead(lead models.Lead) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO leads (id, name, phone, normalized_phone, stage, next_dispatch_at, attempts, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULL, 0, TRUE, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			phone = EXCLUDED.phone,
			normalized_phone = EXCLUDED.normalized_phone,
			stage = EXCLUDED.stage,
			attempts = 0,
			active = TRUE,
			updated_at = EXCLUDED.updated_at`,
		lead.ID, lead.Name, lead.Phone, lead.NormalizedPhone, lead.Stage, now, now)
	if err != nil {
		slog.Error("PostgresStore UpsertLead failed", "error", err, "leadID", lead.ID)
		return fmt.Errorf("failed to upsert lead %s: %w", lead.ID, err)
	}
	slog.Debug("PostgresStore UpsertLead succeeded", "leadID", lead.ID, "stage", lead.Stage)
	return nil
}

func (s *PostgresStore) GetLead(id string) (*models.Lead, error) {
	row := s.db.QueryRow(`SELECT `+leadColumns+` FROM leads WHERE id = $1`, id)
	l, err := scanLead(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetLead failed", "error", err, "leadID", id)
		return nil, fmt.Errorf("failed to get lead %s: %w", id, err)
	}
	return &l, nil
}

func (s *PostgresStore) GetActiveLeadByPhone(normalizedPhone string) (*models.Lead, error) {
	row := s.db.QueryRow(
		`SELECT `+leadColumns+` FROM leads WHERE normalized_phone = $1 AND active ORDER BY updated_at DESC LIMIT 1`,
		normalizedPhone)
	l, err := scanLead(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetActiveLeadByPhone failed", "error", err, "phone", normalizedPhone)
		return nil, fmt.Errorf("failed to get lead by phone: %w", err)
	}
	return &l, nil
}

func (s *PostgresStore) SetLeadStage(id string, stage models.Stage) error {
	res, err := s.db.Exec(`UPDATE leads SET stage = $1, updated_at = $2 WHERE id = $3`, stage, time.Now().UTC(), id)
	if err != nil {
		slog.Error("PostgresStore SetLeadStage failed", "error", err, "leadID", id)
		return fmt.Errorf("failed to set stage for lead %s: %w", id, err)
	}
	return requireRowAffected(res, id)
}

func (s *PostgresStore) SetNextDispatchAt(id string, at *time.Time) error {
	var value interface{}
	if at != nil {
		value = at.UTC()
	}
	res, err := s.db.Exec(`UPDATE leads SET next_dispatch_at = $1, updated_at = $2 WHERE id = $3`, value, time.Now().UTC(), id)
	if err != nil {
		slog.Error("PostgresStore SetNextDispatchAt failed", "error", err, "leadID", id)
		return fmt.Errorf("failed to set next dispatch for lead %s: %w", id, err)
	}
	return requireRowAffected(res, id)
}

func (s *PostgresStore) IncrementAttempts(id string) (int, error) {
	var attempts int
	err := s.db.QueryRow(
		`UPDATE leads SET attempts = attempts + 1, updated_at = $1 WHERE id = $2 RETURNING attempts`,
		time.Now().UTC(), id).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("lead %s: %w", id, models.ErrLeadNotFound)
	}
	if err != nil {
		slog.Error("PostgresStore IncrementAttempts failed", "error", err, "leadID", id)
		return 0, fmt.Errorf("failed to increment attempts for lead %s: %w", id, err)
	}
	return attempts, nil
}

func (s *PostgresStore) DeactivateLead(id string) error {
	res, err := s.db.Exec(
		`UPDATE leads SET active = FALSE, next_dispatch_at = NULL, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id)
	if err != nil {
		slog.Error("PostgresStore DeactivateLead failed", "error", err, "leadID", id)
		return fmt.Errorf("failed to deactivate lead %s: %w", id, err)
	}
	return requireRowAffected(res, id)
}

func (s *PostgresStore) ListDueLeads(now time.Time) ([]models.Lead, error) {
	rows, err := s.db.Query(
		`SELECT `+leadColumns+` FROM leads
		 WHERE active AND next_dispatch_at IS NOT NULL AND next_dispatch_at <= $1
		 ORDER BY next_dispatch_at ASC`, now.UTC())
	if err != nil {
		slog.Error("PostgresStore ListDueLeads query failed", "error", err)
		return nil, fmt.Errorf("failed to query due leads: %w", err)
	}
	return collectLeads(rows)
}

func (s *PostgresStore) ListActiveLeads() ([]models.Lead, error) {
	rows, err := s.db.Query(`SELECT ` + leadColumns + ` FROM leads WHERE active ORDER BY created_at ASC`)
	if err != nil {
		slog.Error("PostgresStore ListActiveLeads query failed", "error", err)
		return nil, fmt.Errorf("failed to query active leads: %w", err)
	}
	return collectLeads(rows)
}

func (s *PostgresStore) RepairScheduleInvariants() (int, error) {
	res, err := s.db.Exec(`UPDATE leads SET next_dispatch_at = NULL, updated_at = $1 WHERE active = FALSE AND next_dispatch_at IS NOT NULL`, time.Now().UTC())
	if err != nil {
		slog.Error("PostgresStore RepairScheduleInvariants failed", "error", err)
		return 0, fmt.Errorf("failed to repair schedule invariants: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- DedupRepo ---

func (s *PostgresStore) RecordEvent(eventKey, leadID string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO inbound_events (event_key, lead_id, received_at) VALUES ($1, $2, $3) ON CONFLICT (event_key) DO NOTHING`,
		eventKey, leadID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("record event failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record event rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) PurgeEventsBefore(t time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM inbound_events WHERE received_at < $1`, t.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge events failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- OutboxRepo ---

func (s *PostgresStore) EnqueueNotification(leadID, kind, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existing string
		err := s.db.QueryRow(
			`SELECT id FROM crm_outbox WHERE dedupe_key = $1 AND status IN ($2, $3)`,
			dedupeKey, OutboxStatusQueued, OutboxStatusSending).Scan(&existing)
		if err == nil {
			slog.Debug("PostgresStore EnqueueNotification deduplicated", "id", existing, "dedupeKey", dedupeKey)
			return existing, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO crm_outbox (id, lead_id, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 0, NULL, $6, $7, $8)`,
		id, leadID, kind, nilIfEmpty(payloadJSON), OutboxStatusQueued, nilIfEmpty(dedupeKey), now, now)
	if err != nil {
		slog.Error("PostgresStore EnqueueNotification failed", "error", err, "leadID", leadID, "kind", kind)
		return "", fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ClaimDueNotifications(now time.Time, limit int) ([]Notification, error) {
	rows, err := s.db.Query(
		`UPDATE crm_outbox SET status = $1, locked_at = $2, updated_at = $2
		 WHERE id IN (
			SELECT id FROM crm_outbox
			WHERE status = $3 AND (next_attempt_at IS NULL OR next_attempt_at <= $4)
			ORDER BY created_at ASC LIMIT $5
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+outboxColumns,
		OutboxStatusSending, time.Now().UTC(), OutboxStatusQueued, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due notifications: %w", err)
	}
	defer rows.Close()

	var claimed []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification rows failed: %w", err)
	}
	return claimed, nil
}

func (s *PostgresStore) MarkNotificationSent(id string) error {
	_, err := s.db.Exec(
		`UPDATE crm_outbox SET status = $1, locked_at = NULL, updated_at = $2 WHERE id = $3`,
		OutboxStatusSent, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark notification %s sent: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) FailNotification(id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE crm_outbox SET status = $1, attempts = attempts + 1, last_error = $2, next_attempt_at = $3, locked_at = NULL, updated_at = $4
		 WHERE id = $5`,
		OutboxStatusQueued, errMsg, nextAttemptAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record notification failure %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) RequeueStaleSending(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE crm_outbox SET status = $1, locked_at = NULL, updated_at = $2 WHERE status = $3 AND locked_at < $4`,
		OutboxStatusQueued, time.Now().UTC(), OutboxStatusSending, staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale notifications: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
