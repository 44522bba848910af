// Package store provides the OutboxSender for delivering queued CRM notifications.
package store

import (
	"context"
	"log/slog"
	"time"
)

// NotifySendFunc is the callback that performs the actual CRM delivery.
// It receives the claimed notification and should return an error if delivery failed.
type NotifySendFunc func(ctx context.Context, n Notification) error

// OutboxSender periodically claims due notifications and attempts to deliver them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       NotifySendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc NotifySendFunc, pollInterval time.Duration) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
	}
}

// RecoverStaleNotifications requeues notifications stuck in sending state
// (crash recovery). Should be called once at startup.
func (s *OutboxSender) RecoverStaleNotifications() error {
	staleBefore := time.Now().Add(-s.staleThreshold)
	n, err := s.repo.RequeueStaleSending(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleNotifications: requeued stale notifications", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *OutboxSender) poll(ctx context.Context) {
	now := time.Now()
	notifications, err := s.repo.ClaimDueNotifications(now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.poll: claim failed", "error", err)
		return
	}

	for _, n := range notifications {
		slog.Debug("OutboxSender.poll: delivering notification", "id", n.ID, "leadID", n.LeadID, "kind", n.Kind)
		if err := s.sendFunc(ctx, n); err != nil {
			slog.Error("OutboxSender.poll: delivery failed", "id", n.ID, "error", err)
			// Exponential backoff: 10s, 20s, 40s, ...
			backoff := time.Duration(10*(1<<n.Attempts)) * time.Second
			nextAttempt := now.Add(backoff)
			if err := s.repo.FailNotification(n.ID, err.Error(), nextAttempt); err != nil {
				slog.Error("OutboxSender.poll: fail notification error", "id", n.ID, "error", err)
			}
		} else {
			if err := s.repo.MarkNotificationSent(n.ID); err != nil {
				slog.Error("OutboxSender.poll: mark sent error", "id", n.ID, "error", err)
			}
			slog.Debug("OutboxSender.poll: notification delivered", "id", n.ID, "leadID", n.LeadID)
		}
	}
}
