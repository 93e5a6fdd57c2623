// Package scheduler resumes executions halted on a delay node. Each delay gets
// an in-process timer; a cron sweep over the store picks up delays whose timer
// was lost, e.g. after a restart.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/robfig/cron/v3"
)

const DefaultSweep = "@every 30s"

var ErrAlreadyStarted = errors.New("scheduler already started")

// Resumer continues a delayed execution.
type Resumer interface {
	ResumeDelayed(ctx context.Context, executionID string) error
}

// DueLister lists delayed executions whose resume time has passed.
type DueLister interface {
	DueDelayedExecutions(ctx context.Context, now time.Time) ([]*models.FlowExecution, error)
}

type Scheduler struct {
	logger *slog.Logger
	store  DueLister
	sweep  string
	now    func() time.Time

	mu      sync.Mutex
	resumer Resumer
	timers  map[string]*time.Timer
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
}

type Option func(*Scheduler)

// WithSweep sets the cron expression of the store sweep.
func WithSweep(spec string) Option {
	return func(s *Scheduler) {
		s.sweep = spec
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func New(logger *slog.Logger, store DueLister, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger: logger.With("module", "scheduler"),
		store:  store,
		sweep:  DefaultSweep,
		now:    time.Now,
		timers: make(map[string]*time.Timer),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Validate checks the sweep expression without starting anything.
func (s *Scheduler) Validate() error {
	_, err := cron.ParseStandard(s.sweep)
	if err != nil {
		return fmt.Errorf("invalid sweep expression '%s': %w", s.sweep, err)
	}

	return nil
}

// Start begins the sweep and arms timers with resumer. Timers scheduled before
// Start fire only after it.
func (s *Scheduler) Start(ctx context.Context, resumer Resumer) error {
	err := s.Validate()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return ErrAlreadyStarted
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.resumer = resumer

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err = s.cron.AddFunc(s.sweep, func() {
		s.Sweep(s.ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to add sweep job: %w", err)
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "Scheduler started", "sweep", s.sweep)

	return nil
}

// Schedule arms a timer that resumes executionID at the given time. A second
// call for the same execution replaces the first timer.
func (s *Scheduler) Schedule(executionID string, at time.Time) {
	wait := at.Sub(s.now())
	if wait < 0 {
		wait = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.timers[executionID]; ok {
		existing.Stop()
	}

	s.timers[executionID] = time.AfterFunc(wait, func() {
		s.fire(executionID)
	})

	s.logger.Debug("Delay scheduled", "execution_id", executionID, "resume_at", at)
}

// Unschedule drops a pending timer, if any.
func (s *Scheduler) Unschedule(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[executionID]; ok {
		timer.Stop()
		delete(s.timers, executionID)
	}
}

// Pending reports how many timers are armed.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.timers)
}

func (s *Scheduler) fire(executionID string) {
	s.mu.Lock()
	delete(s.timers, executionID)
	resumer, ctx := s.resumer, s.ctx
	s.mu.Unlock()

	if resumer == nil || ctx == nil || ctx.Err() != nil {
		// Not started or stopped: the sweep picks it up later.
		return
	}

	s.resume(ctx, resumer, executionID)
}

// Sweep resumes every delayed execution that is due according to the store.
func (s *Scheduler) Sweep(ctx context.Context) {
	s.mu.Lock()
	resumer := s.resumer
	s.mu.Unlock()

	if resumer == nil {
		return
	}

	due, err := s.store.DueDelayedExecutions(ctx, s.now())
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to load due delayed executions", "error", err)

		return
	}

	for _, execution := range due {
		s.Unschedule(execution.ID)
		s.resume(ctx, resumer, execution.ID)
	}
}

func (s *Scheduler) resume(ctx context.Context, resumer Resumer, executionID string) {
	err := resumer.ResumeDelayed(ctx, executionID)
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to resume delayed execution", "execution_id", executionID, "error", err)

		return
	}

	s.logger.DebugContext(ctx, "Delayed execution resumed", "execution_id", executionID)
}

// Stop halts the sweep and every pending timer.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()

	if s.cancel != nil {
		s.cancel()
	}

	scheduler := s.cron
	s.cron = nil

	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}

	s.mu.Unlock()

	// A running sweep takes the mutex, so wait for it unlocked.
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}

	s.logger.InfoContext(ctx, "Scheduler stopped")

	return nil
}
