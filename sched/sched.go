// Package sched drives the automatic daily check-in batch off a cron
// expression stored in settings.
//
// One live cron entry exists at a time. Reload swaps it atomically when
// the operator edits the schedule or toggles automation, and a batch
// trigger starts with a randomized hold-off so every installation of
// this tool does not hit the same gateways at the same second of the
// configured hour.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hazyhaar/checkin/store"
	"github.com/hazyhaar/checkin/worker"
)

// SettingsSource is the slice of the settings store the scheduler reads.
type SettingsSource interface {
	Setting(ctx context.Context, key, fallback string) string
	IntSetting(ctx context.Context, key string, fallback int) int
	BoolSetting(ctx context.Context, key string, fallback bool) bool
	EnabledAccounts(ctx context.Context) ([]*store.Account, error)
}

// Runner runs one account's check-in. Satisfied by *worker.Worker.
type Runner interface {
	Checkin(ctx context.Context, acct *store.Account, cfg worker.RunConfig) *worker.Outcome
}

// Scheduler owns the cron loop.
type Scheduler struct {
	src    SettingsSource
	runner Runner
	logger *slog.Logger

	// sleep is swapped out by tests so retry waits do not wall-clock.
	sleep func(ctx context.Context, d time.Duration) bool

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
	ctx     context.Context
	running bool
}

// New creates a Scheduler. Call Start to begin.
func New(src SettingsSource, runner Runner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		src:    src,
		runner: runner,
		logger: logger,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Start installs the current schedule and starts the cron loop. ctx
// bounds every triggered batch.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cron == nil {
		s.cron = cron.New()
	}
	s.ctx = ctx
	s.cron.Start()
	s.mu.Unlock()
	return s.Reload(ctx)
}

// Stop halts the cron loop. Batches already triggered run to completion
// under their own context.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		s.cron.Stop()
	}
}

// Reload re-reads auto_checkin_enabled and auto_checkin_cron and swaps
// the live entry. An invalid expression leaves the previous entry in
// place and returns the parse error.
func (s *Scheduler) Reload(ctx context.Context) error {
	enabled := s.src.BoolSetting(ctx, store.KeyAutoCheckinEnabled, false)
	expr := s.src.Setting(ctx, store.KeyAutoCheckinCron, "0 8 * * *")

	if enabled {
		if _, err := cron.ParseStandard(expr); err != nil {
			return fmt.Errorf("sched: invalid cron expression %q: %w", expr, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		s.cron = cron.New()
	}
	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
		s.entryID = 0
	}
	if !enabled {
		s.logger.Info("sched: automatic check-in disabled")
		return nil
	}

	id, err := s.cron.AddFunc(expr, s.trigger)
	if err != nil {
		return fmt.Errorf("sched: install schedule: %w", err)
	}
	s.entryID = id
	s.logger.Info("sched: automatic check-in scheduled", "cron", expr)
	return nil
}

// trigger is the cron callback. Overlapping triggers are dropped: a
// batch still running when the next tick fires wins.
func (s *Scheduler) trigger() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("sched: previous batch still running, skipping trigger")
		return
	}
	s.running = true
	ctx := s.ctx
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	s.RunBatch(ctx)
}

// RunBatch executes one full scheduled batch: random hold-off, then up
// to max_retries passes, each over the complete enabled-account list
// with a short randomized pause between accounts, and
// retry_delay_minutes between passes. A retry pass re-runs the complete
// list, not just the accounts that failed; a gateway that already
// granted today's quota answers the repeat as an ordinary
// already-checked-in success. Stops early once a pass finishes with
// zero failures.
func (s *Scheduler) RunBatch(ctx context.Context) {
	maxDelay := s.src.IntSetting(ctx, store.KeyRandomDelayMaxSeconds, 300)
	if maxDelay > 0 {
		d := time.Duration(rand.Intn(maxDelay+1)) * time.Second
		s.logger.Info("sched: holding off before batch", "delay", d)
		if !s.sleep(ctx, d) {
			return
		}
	}

	accounts, err := s.src.EnabledAccounts(ctx)
	if err != nil {
		s.logger.Error("sched: list enabled accounts", "error", err)
		return
	}
	if len(accounts) == 0 {
		s.logger.Info("sched: no enabled accounts, nothing to do")
		return
	}

	cfg := worker.RunConfig{
		CheckinPath: s.src.Setting(ctx, store.KeyCheckinPath, store.DefaultCheckinPath),
	}
	maxRetries := s.src.IntSetting(ctx, store.KeyMaxRetries, 3)
	retryDelay := time.Duration(s.src.IntSetting(ctx, store.KeyRetryDelayMinutes, 5)) * time.Minute

	failed := 0
	for pass := 1; pass <= maxRetries; pass++ {
		if ctx.Err() != nil {
			return
		}
		s.logger.Info("sched: batch pass", "pass", pass, "accounts", len(accounts))

		failed = 0
		for i, acct := range accounts {
			if ctx.Err() != nil {
				return
			}
			if i > 0 && !s.sleep(ctx, accountPause()) {
				return
			}
			out := s.runner.Checkin(ctx, acct, cfg)
			if !out.Success {
				failed++
			}
		}

		if failed == 0 {
			s.logger.Info("sched: batch complete, all accounts succeeded", "pass", pass)
			return
		}
		if pass == maxRetries {
			break
		}
		s.logger.Info("sched: retrying batch", "failed", failed, "wait", retryDelay)
		if !s.sleep(ctx, retryDelay) {
			return
		}
	}
	s.logger.Warn("sched: batch finished with failures", "failed", failed)
}

// accountPause returns the randomized 1–4s gap between consecutive
// accounts in a pass, so the gateways never see a burst.
func accountPause() time.Duration {
	return time.Second + time.Duration(rand.Int63n(int64(3*time.Second)))
}
