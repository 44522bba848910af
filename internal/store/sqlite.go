// Package store provides storage backends for LeadPipe.
//
// This file implements the SQLite-backed store for leads, inbound-event
// dedup and the CRM notification outbox.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements the full Store surface.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	slog.Debug("Opening SQLite database connection")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

// --- LeadRepo ---

const leadColumns = `id, name, phone, normalized_phone, stage, next_dispatch_at, attempts, active, created_at, updated_at`

func (s *SQLiteStore) UpsertLead(lead models.Lead) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO leads (id, name, phone, normalized_phone, stage, next_dispatch_at, attempts, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NULL, 0, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			phone = excluded.phone,
			normalized_phone = excluded.normalized_phone,
			stage = excluded.stage,
			attempts = 0,
			active = 1,
			updated_at = excluded.updated_at`,
		lead.ID, lead.Name, lead.Phone, lead.NormalizedPhone, lead.Stage, now, now)
	if err != nil {
		slog.Error("SQLiteStore UpsertLead failed", "error", err, "leadID", lead.ID)
		return fmt.Errorf("failed to upsert lead %s: %w", lead.ID, err)
	}
	slog.Debug("SQLiteStore UpsertLead succeeded", "leadID", lead.ID, "stage", lead.Stage)
	return nil
}

func (s *SQLiteStore) GetLead(id string) (*models.Lead, error) {
	row := s.db.QueryRow(`SELECT `+leadColumns+` FROM leads WHERE id = ?`, id)
	l, err := scanLead(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetLead not found", "leadID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetLead failed", "error", err, "leadID", id)
		return nil, fmt.Errorf("failed to get lead %s: %w", id, err)
	}
	return &l, nil
}

func (s *SQLiteStore) GetActiveLeadByPhone(normalizedPhone string) (*models.Lead, error) {
	row := s.db.QueryRow(
		`SELECT `+leadColumns+` FROM leads WHERE normalized_phone = ? AND active = 1 ORDER BY updated_at DESC LIMIT 1`,
		normalizedPhone)
	l, err := scanLead(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetActiveLeadByPhone not found", "phone", normalizedPhone)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetActiveLeadByPhone failed", "error", err, "phone", normalizedPhone)
		return nil, fmt.Errorf("failed to get lead by phone: %w", err)
	}
	return &l, nil
}

func (s *SQLiteStore) SetLeadStage(id string, stage models.Stage) error {
	res, err := s.db.Exec(`UPDATE leads SET stage = ?, updated_at = ? WHERE id = ?`, stage, time.Now().UTC(), id)
	if err != nil {
		slog.Error("SQLiteStore SetLeadStage failed", "error", err, "leadID", id)
		return fmt.Errorf("failed to set stage for lead %s: %w", id, err)
	}
	return requireRowAffected(res, id)
}

func (s *SQLiteStore) SetNextDispatchAt(id string, at *time.Time) error {
	var value interface{}
	if at != nil {
		value = at.UTC()
	}
	res, err := s.db.Exec(`UPDATE leads SET next_dispatch_at = ?, updated_at = ? WHERE id = ?`, value, time.Now().UTC(), id)
	if err != nil {
		slog.Error("SQLiteStore SetNextDispatchAt failed", "error", err, "leadID", id)
		return fmt.Errorf("failed to set next dispatch for lead %s: %w", id, err)
	}
	return requireRowAffected(res, id)
}

func (s *SQLiteStore) IncrementAttempts(id string) (int, error) {
	_, err := s.db.Exec(`UPDATE leads SET attempts = attempts + 1, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		slog.Error("SQLiteStore IncrementAttempts failed", "error", err, "leadID", id)
		return 0, fmt.Errorf("failed to increment attempts for lead %s: %w", id, err)
	}
	var attempts int
	if err := s.db.QueryRow(`SELECT attempts FROM leads WHERE id = ?`, id).Scan(&attempts); err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("lead %s: %w", id, models.ErrLeadNotFound)
		}
		return 0, fmt.Errorf("failed to read attempts for lead %s: %w", id, err)
	}
	slog.Debug("SQLiteStore IncrementAttempts succeeded", "leadID", id, "attempts", attempts)
	return attempts, nil
}

func (s *SQLiteStore) DeactivateLead(id string) error {
	res, err := s.db.Exec(`UPDATE leads SET active = 0, next_dispatch_at = NULL, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		slog.Error("SQLiteStore DeactivateLead failed", "error", err, "leadID", id)
		return fmt.Errorf("failed to deactivate lead %s: %w", id, err)
	}
	slog.Debug("SQLiteStore DeactivateLead succeeded", "leadID", id)
	return requireRowAffected(res, id)
}

func (s *SQLiteStore) ListDueLeads(now time.Time) ([]models.Lead, error) {
	rows, err := s.db.Query(
		`SELECT `+leadColumns+` FROM leads
		 WHERE active = 1 AND next_dispatch_at IS NOT NULL AND next_dispatch_at <= ?
		 ORDER BY next_dispatch_at ASC`, now.UTC())
	if err != nil {
		slog.Error("SQLiteStore ListDueLeads query failed", "error", err)
		return nil, fmt.Errorf("failed to query due leads: %w", err)
	}
	leads, err := collectLeads(rows)
	if err != nil {
		return nil, err
	}
	slog.Debug("SQLiteStore ListDueLeads succeeded", "count", len(leads))
	return leads, nil
}

func (s *SQLiteStore) ListActiveLeads() ([]models.Lead, error) {
	rows, err := s.db.Query(`SELECT ` + leadColumns + ` FROM leads WHERE active = 1 ORDER BY created_at ASC`)
	if err != nil {
		slog.Error("SQLiteStore ListActiveLeads query failed", "error", err)
		return nil, fmt.Errorf("failed to query active leads: %w", err)
	}
	return collectLeads(rows)
}

func (s *SQLiteStore) RepairScheduleInvariants() (int, error) {
	res, err := s.db.Exec(`UPDATE leads SET next_dispatch_at = NULL, updated_at = ? WHERE active = 0 AND next_dispatch_at IS NOT NULL`, time.Now().UTC())
	if err != nil {
		slog.Error("SQLiteStore RepairScheduleInvariants failed", "error", err)
		return 0, fmt.Errorf("failed to repair schedule invariants: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// requireRowAffected converts a zero-row UPDATE into ErrLeadNotFound.
func requireRowAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return fmt.Errorf("lead %s: %w", id, models.ErrLeadNotFound)
	}
	return nil
}

// --- DedupRepo ---

func (s *SQLiteStore) RecordEvent(eventKey, leadID string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO inbound_events (event_key, lead_id, received_at) VALUES (?, ?, ?)`,
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

func (s *SQLiteStore) PurgeEventsBefore(t time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM inbound_events WHERE received_at < ?`, t.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge events failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- OutboxRepo ---

const outboxColumns = `id, lead_id, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

func (s *SQLiteStore) EnqueueNotification(leadID, kind, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existing string
		err := s.db.QueryRow(
			`SELECT id FROM crm_outbox WHERE dedupe_key = ? AND status IN (?, ?)`,
			dedupeKey, OutboxStatusQueued, OutboxStatusSending).Scan(&existing)
		if err == nil {
			slog.Debug("SQLiteStore EnqueueNotification deduplicated", "id", existing, "dedupeKey", dedupeKey)
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
		 VALUES (?, ?, ?, ?, ?, 0, NULL, ?, ?, ?)`,
		id, leadID, kind, nilIfEmpty(payloadJSON), OutboxStatusQueued, nilIfEmpty(dedupeKey), now, now)
	if err != nil {
		slog.Error("SQLiteStore EnqueueNotification failed", "error", err, "leadID", leadID, "kind", kind)
		return "", fmt.Errorf("failed to enqueue notification: %w", err)
	}
	slog.Debug("SQLiteStore EnqueueNotification succeeded", "id", id, "leadID", leadID, "kind", kind)
	return id, nil
}

func (s *SQLiteStore) ClaimDueNotifications(now time.Time, limit int) ([]Notification, error) {
	rows, err := s.db.Query(
		`SELECT `+outboxColumns+` FROM crm_outbox
		 WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		OutboxStatusQueued, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due notifications: %w", err)
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

	lockTime := time.Now().UTC()
	for i := range claimed {
		_, err := s.db.Exec(
			`UPDATE crm_outbox SET status = ?, locked_at = ?, updated_at = ? WHERE id = ?`,
			OutboxStatusSending, lockTime, lockTime, claimed[i].ID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim notification %s: %w", claimed[i].ID, err)
		}
		claimed[i].Status = OutboxStatusSending
	}
	return claimed, nil
}

func (s *SQLiteStore) MarkNotificationSent(id string) error {
	_, err := s.db.Exec(
		`UPDATE crm_outbox SET status = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		OutboxStatusSent, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark notification %s sent: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) FailNotification(id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE crm_outbox SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		OutboxStatusQueued, errMsg, nextAttemptAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record notification failure %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) RequeueStaleSending(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE crm_outbox SET status = ?, locked_at = NULL, updated_at = ? WHERE status = ? AND locked_at < ?`,
		OutboxStatusQueued, time.Now().UTC(), OutboxStatusSending, staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale notifications: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
