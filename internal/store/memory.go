package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/google/uuid"
)

// InMemoryStore implements Store with in-process maps. It is used in tests
// and as a fallback when no DSN is configured.
type InMemoryStore struct {
	mu            sync.RWMutex
	leads         map[string]models.Lead
	events        map[string]DedupRecord
	notifications map[string]Notification
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		leads:         make(map[string]models.Lead),
		events:        make(map[string]DedupRecord),
		notifications: make(map[string]Notification),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

// --- LeadRepo ---

func (s *InMemoryStore) UpsertLead(lead models.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	existing, ok := s.leads[lead.ID]
	if ok {
		existing.Name = lead.Name
		existing.Phone = lead.Phone
		existing.NormalizedPhone = lead.NormalizedPhone
		existing.Stage = lead.Stage
		existing.Attempts = 0
		existing.Active = true
		existing.UpdatedAt = now
		s.leads[lead.ID] = existing
		return nil
	}
	lead.NextDispatchAt = nil
	lead.Attempts = 0
	lead.Active = true
	lead.CreatedAt = now
	lead.UpdatedAt = now
	s.leads[lead.ID] = lead
	return nil
}

func (s *InMemoryStore) GetLead(id string) (*models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leads[id]
	if !ok {
		return nil, nil
	}
	cp := l
	return &cp, nil
}

func (s *InMemoryStore) GetActiveLeadByPhone(normalizedPhone string) (*models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *models.Lead
	for _, l := range s.leads {
		if !l.Active || l.NormalizedPhone != normalizedPhone {
			continue
		}
		if found == nil || l.UpdatedAt.After(found.UpdatedAt) {
			cp := l
			found = &cp
		}
	}
	return found, nil
}

func (s *InMemoryStore) SetLeadStage(id string, stage models.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return fmt.Errorf("lead %s: %w", id, models.ErrLeadNotFound)
	}
	l.Stage = stage
	l.UpdatedAt = time.Now().UTC()
	s.leads[id] = l
	return nil
}

func (s *InMemoryStore) SetNextDispatchAt(id string, at *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return fmt.Errorf("lead %s: %w", id, models.ErrLeadNotFound)
	}
	if at != nil {
		t := at.UTC()
		l.NextDispatchAt = &t
	} else {
		l.NextDispatchAt = nil
	}
	l.UpdatedAt = time.Now().UTC()
	s.leads[id] = l
	return nil
}

func (s *InMemoryStore) IncrementAttempts(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return 0, fmt.Errorf("lead %s: %w", id, models.ErrLeadNotFound)
	}
	l.Attempts++
	l.UpdatedAt = time.Now().UTC()
	s.leads[id] = l
	return l.Attempts, nil
}

func (s *InMemoryStore) DeactivateLead(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return fmt.Errorf("lead %s: %w", id, models.ErrLeadNotFound)
	}
	l.Active = false
	l.NextDispatchAt = nil
	l.UpdatedAt = time.Now().UTC()
	s.leads[id] = l
	return nil
}

func (s *InMemoryStore) ListDueLeads(now time.Time) ([]models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []models.Lead
	for _, l := range s.leads {
		if l.Active && l.NextDispatchAt != nil && !l.NextDispatchAt.After(now) {
			due = append(due, l)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextDispatchAt.Before(*due[j].NextDispatchAt)
	})
	return due, nil
}

func (s *InMemoryStore) ListActiveLeads() ([]models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active []models.Lead
	for _, l := range s.leads {
		if l.Active {
			active = append(active, l)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active, nil
}

func (s *InMemoryStore) RepairScheduleInvariants() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repaired := 0
	for id, l := range s.leads {
		if !l.Active && l.NextDispatchAt != nil {
			l.NextDispatchAt = nil
			l.UpdatedAt = time.Now().UTC()
			s.leads[id] = l
			repaired++
		}
	}
	return repaired, nil
}

// --- DedupRepo ---

func (s *InMemoryStore) RecordEvent(eventKey, leadID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[eventKey]; ok {
		return false, nil
	}
	s.events[eventKey] = DedupRecord{EventKey: eventKey, LeadID: leadID, ReceivedAt: time.Now().UTC()}
	return true, nil
}

func (s *InMemoryStore) PurgeEventsBefore(t time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for key, rec := range s.events {
		if rec.ReceivedAt.Before(t) {
			delete(s.events, key)
			purged++
		}
	}
	return purged, nil
}

// --- OutboxRepo ---

func (s *InMemoryStore) EnqueueNotification(leadID, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, n := range s.notifications {
			if n.DedupeKey == dedupeKey && (n.Status == OutboxStatusQueued || n.Status == OutboxStatusSending) {
				return n.ID, nil
			}
		}
	}
	now := time.Now().UTC()
	n := Notification{
		ID:          uuid.NewString(),
		LeadID:      leadID,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.notifications[n.ID] = n
	return n.ID, nil
}

func (s *InMemoryStore) ClaimDueNotifications(now time.Time, limit int) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Notification
	for _, n := range s.notifications {
		if n.Status != OutboxStatusQueued {
			continue
		}
		if n.NextAttemptAt != nil && n.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, n)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	lockTime := time.Now().UTC()
	for i := range due {
		n := due[i]
		n.Status = OutboxStatusSending
		n.LockedAt = &lockTime
		n.UpdatedAt = lockTime
		s.notifications[n.ID] = n
		due[i] = n
	}
	return due, nil
}

func (s *InMemoryStore) MarkNotificationSent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return fmt.Errorf("notification %s not found", id)
	}
	n.Status = OutboxStatusSent
	n.LockedAt = nil
	n.UpdatedAt = time.Now().UTC()
	s.notifications[id] = n
	return nil
}

func (s *InMemoryStore) FailNotification(id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return fmt.Errorf("notification %s not found", id)
	}
	t := nextAttemptAt.UTC()
	n.Status = OutboxStatusQueued
	n.Attempts++
	n.LastError = errMsg
	n.NextAttemptAt = &t
	n.LockedAt = nil
	n.UpdatedAt = time.Now().UTC()
	s.notifications[id] = n
	return nil
}

func (s *InMemoryStore) RequeueStaleSending(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	requeued := 0
	for id, n := range s.notifications {
		if n.Status == OutboxStatusSending && n.LockedAt != nil && n.LockedAt.Before(staleBefore) {
			n.Status = OutboxStatusQueued
			n.LockedAt = nil
			n.UpdatedAt = time.Now().UTC()
			s.notifications[id] = n
			requeued++
		}
	}
	return requeued, nil
}
