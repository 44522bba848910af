package store

import (
	"database/sql"
	"fmt"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// rowScanner abstracts *sql.Row and *sql.Rows for the shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanLead scans a Lead from a row or rows cursor.
func scanLead(sc rowScanner) (models.Lead, error) {
	var l models.Lead
	var nextDispatchAt sql.NullTime
	err := sc.Scan(
		&l.ID, &l.Name, &l.Phone, &l.NormalizedPhone, &l.Stage,
		&nextDispatchAt, &l.Attempts, &l.Active, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return l, err
	}
	if nextDispatchAt.Valid {
		t := nextDispatchAt.Time
		l.NextDispatchAt = &t
	}
	return l, nil
}

// scanNotification scans a Notification from a row or rows cursor.
func scanNotification(sc rowScanner) (Notification, error) {
	var n Notification
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := sc.Scan(
		&n.ID, &n.LeadID, &n.Kind, &payloadJSON, &n.Status, &n.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return n, fmt.Errorf("scan notification failed: %w", err)
	}
	n.PayloadJSON = payloadJSON.String
	n.DedupeKey = dedupeKey.String
	n.LastError = lastError.String
	if nextAttemptAt.Valid {
		t := nextAttemptAt.Time
		n.NextAttemptAt = &t
	}
	if lockedAt.Valid {
		t := lockedAt.Time
		n.LockedAt = &t
	}
	return n, nil
}

// collectLeads drains a leads query cursor.
func collectLeads(rows *sql.Rows) ([]models.Lead, error) {
	defer rows.Close()
	var leads []models.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lead row failed: %w", err)
		}
		leads = append(leads, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lead rows failed: %w", err)
	}
	return leads, nil
}
