package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"atelier/internal/engine"
)

// Scheduler drives watchdog sweeps on fixed per-family intervals. Triggers
// are named and their cadence comes from configuration, never from implicit
// platform behaviour.
type Scheduler struct {
	cron    *cronlib.Cron
	engine  *engine.Engine
	logger  zerolog.Logger
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]cronlib.EntryID
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSweepTimeout bounds how long one sweep may run.
func WithSweepTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// New creates a Scheduler around the engine's watchdog.
func New(eng *engine.Engine, logger zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		cron:    cronlib.New(),
		engine:  eng,
		logger:  logger,
		timeout: 30 * time.Second,
		entries: make(map[string]cronlib.EntryID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddFamily registers a named trigger for the family at its configured
// interval.
func (s *Scheduler) AddFamily(family engine.Family) error {
	if family.Interval <= 0 {
		return fmt.Errorf("family %s: interval must be positive", family.Name)
	}
	spec := fmt.Sprintf("@every %s", family.Interval)
	id, err := s.cron.AddFunc(spec, func() { s.sweep(family) })
	if err != nil {
		return fmt.Errorf("register trigger %s: %w", family.Name, err)
	}
	s.mu.Lock()
	s.entries[family.Name] = id
	s.mu.Unlock()
	s.logger.Info().Str("family", family.Name).Dur("interval", family.Interval).Dur("stall_after", family.StallAfter).Msg("scheduler: watchdog trigger registered")
	return nil
}

// Triggers returns the registered trigger names.
func (s *Scheduler) Triggers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Start launches the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron loop and waits for in-flight sweeps.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) sweep(family engine.Family) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	n, err := s.engine.Sweep(ctx, family)
	if err != nil {
		s.logger.Error().Err(err).Str("family", family.Name).Msg("scheduler: sweep failed")
		return
	}
	if n > 0 {
		s.logger.Info().Str("family", family.Name).Int("recovered", n).Msg("scheduler: sweep recovered stalled jobs")
	}
}
