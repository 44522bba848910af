package scheduler

import (
	"testing"
)

func TestAddJobValidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob(DefaultBatchSpec, func() {}); err != nil {
		t.Errorf("batch cadence rejected: %v", err)
	}
	if err := s.AddJob(DefaultPurgeSpec, func() {}); err != nil {
		t.Errorf("purge cadence rejected: %v", err)
	}
}

func TestAddJobInvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob("not a cron expr", func() {}); err == nil {
		t.Error("expected error for invalid expression")
	}
	if err := s.AddJob("* * * * * *", func() {}); err == nil {
		t.Error("expected error for six-field expression with five-field parser")
	}
}
