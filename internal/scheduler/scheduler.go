// Package scheduler provides cron-based scheduling for LeadPipe.
//
// Its main job is driving the dispatch batch on a fixed cadence; the dedup
// purge runs on the same scheduler.
package scheduler

import (
	"github.com/robfig/cron/v3"
)

// Default cron cadences.
const (
	// DefaultBatchSpec runs the dispatch batch every 15 minutes.
	DefaultBatchSpec = "*/15 * * * *"
	// DefaultPurgeSpec purges expired inbound event keys once a day.
	DefaultPurgeSpec = "30 3 * * *"
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow); panicking
	// jobs are recovered so one bad batch cannot kill the cadence.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
