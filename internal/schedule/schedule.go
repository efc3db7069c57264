// Package schedule fires periodic sync requests on a cron schedule.
package schedule

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrNoSchedule is returned when neither a cron expression nor an interval
// is configured.
var ErrNoSchedule = errors.New("no sync schedule configured")

// Trigger requests a sync cycle without waiting for it.
type Trigger interface {
	Trigger()
}

// Spec returns the cron spec for the configured schedule. An explicit
// expression wins over the interval.
func Spec(expr string, interval time.Duration) (string, error) {
	if expr != "" {
		return expr, nil
	}
	if interval <= 0 {
		return "", ErrNoSchedule
	}
	return "@every " + interval.String(), nil
}

// Scheduler kicks a Trigger on a cron schedule.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entry   cron.EntryID
	spec    string
	trigger Trigger
	logger  *slog.Logger
}

// New parses spec and returns a stopped scheduler. Standard five-field
// expressions and descriptors such as "@every 5m" or "@hourly" are accepted.
func New(spec string, trigger Trigger, logger *slog.Logger) (*Scheduler, error) {
	if trigger == nil {
		return nil, errors.New("trigger must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cron:    cron.New(),
		trigger: trigger,
		logger:  logger,
	}
	if err := s.schedule(spec); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins cron execution.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("sync schedule started", "spec", s.Spec(), "next", s.Next())
}

// Stop stops the scheduler and waits for a running job to return.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Reschedule replaces the current schedule. The old schedule stays in place
// if spec is invalid.
func (s *Scheduler) Reschedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	s.mu.Lock()
	old := s.entry
	s.mu.Unlock()
	if err := s.schedule(spec); err != nil {
		return err
	}
	s.cron.Remove(old)
	return nil
}

// Spec returns the active cron spec.
func (s *Scheduler) Spec() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
}

// Next returns the next time the schedule fires, or the zero time when
// the scheduler is not running.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	id := s.entry
	s.mu.Unlock()
	return s.cron.Entry(id).Next
}

func (s *Scheduler) schedule(spec string) error {
	id, err := s.cron.AddFunc(spec, s.fire)
	if err != nil {
		return fmt.Errorf("add cron %q: %w", spec, err)
	}
	s.mu.Lock()
	s.entry = id
	s.spec = spec
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) fire() {
	s.logger.Debug("scheduled sync")
	s.trigger.Trigger()
}
