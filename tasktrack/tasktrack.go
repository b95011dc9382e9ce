// Package tasktrack runs check-in batches in the background and keeps
// their live progress available to pollers and stream subscribers.
//
// Accounts are processed strictly one at a time with a randomized pause
// between them, so a batch of accounts on the same gateway never looks
// like a burst. Cancellation is cooperative and lands on account
// boundaries: the account in flight always finishes and gets its log
// row.
package tasktrack

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/hazyhaar/checkin/idgen"
	"github.com/hazyhaar/checkin/store"
	"github.com/hazyhaar/checkin/worker"
)

// Task statuses. StatusFailed is part of the task vocabulary for API
// consumers but is not produced today: per-account failures land in the
// results of a completed batch rather than failing the task itself.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// retention is how long a finished task stays queryable.
const retention = 30 * time.Minute

// AccountResult is one account's outcome within a batch.
type AccountResult struct {
	AccountID   int64  `json:"account_id"`
	Name        string `json:"name"`
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	UsedBrowser bool   `json:"used_browser"`
}

// Snapshot is the full state of a task at one moment. Subscribers
// always receive whole snapshots, never deltas, so a late joiner is
// current after its first event.
type Snapshot struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	Total      int             `json:"total"`
	Done       int             `json:"done"`
	Succeeded  int             `json:"succeeded"`
	Failed     int             `json:"failed"`
	Current    string          `json:"current,omitempty"`
	Results    []AccountResult `json:"results"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Processor runs one account's check-in. Satisfied by *worker.Worker.
type Processor interface {
	Checkin(ctx context.Context, acct *store.Account, cfg worker.RunConfig) *worker.Outcome
}

// Config configures the Tracker.
type Config struct {
	// DelayMin / DelayMax bound the randomized pause between accounts.
	// Defaults: 1s and 4s. DelayMax of 0 disables the pause (tests).
	DelayMin time.Duration
	DelayMax time.Duration
	Logger   *slog.Logger

	delaySet bool
}

func (c *Config) defaults() {
	if !c.delaySet && c.DelayMin == 0 && c.DelayMax == 0 {
		c.DelayMin = time.Second
		c.DelayMax = 4 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// WithoutDelays returns a copy of c with the inter-account pause
// disabled. Intended for tests.
func (c Config) WithoutDelays() Config {
	c.DelayMin, c.DelayMax, c.delaySet = 0, 0, true
	return c
}

type task struct {
	snap   Snapshot
	cancel context.CancelFunc
	subs   map[chan Snapshot]struct{}
	doneAt time.Time
}

// Tracker owns all live and recently finished tasks.
type Tracker struct {
	cfg  Config
	proc Processor

	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup
}

// New creates a Tracker.
func New(proc Processor, cfg Config) *Tracker {
	cfg.defaults()
	return &Tracker{cfg: cfg, proc: proc, tasks: map[string]*task{}}
}

// Start launches a background batch over accounts and returns its task
// id immediately. The batch inherits cancellation from ctx and from
// Cancel.
func (t *Tracker) Start(ctx context.Context, accounts []*store.Account, cfg worker.RunConfig) (string, error) {
	if len(accounts) == 0 {
		return "", fmt.Errorf("tasktrack: no accounts to process")
	}

	id := idgen.New()
	runCtx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	t.sweepLocked()
	t.tasks[id] = &task{
		snap: Snapshot{
			ID:        id,
			Status:    StatusRunning,
			Total:     len(accounts),
			Results:   []AccountResult{},
			StartedAt: time.Now(),
		},
		cancel: cancel,
		subs:   map[chan Snapshot]struct{}{},
	}
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run(runCtx, cancel, id, accounts, cfg)
	return id, nil
}

func (t *Tracker) run(ctx context.Context, cancel context.CancelFunc, id string, accounts []*store.Account, cfg worker.RunConfig) {
	defer t.wg.Done()
	defer cancel()

	// Cancellation lands on account boundaries only: the per-account
	// operation runs under a non-cancellable context so an in-flight
	// check-in always finishes and gets its log row.
	opCtx := context.WithoutCancel(ctx)

	for i, acct := range accounts {
		if ctx.Err() != nil {
			t.finish(id, StatusCancelled)
			return
		}

		t.update(id, func(s *Snapshot) { s.Current = acct.Name })
		out := t.proc.Checkin(opCtx, acct, cfg)
		t.update(id, func(s *Snapshot) {
			s.Current = ""
			s.Done++
			if out.Success {
				s.Succeeded++
			} else {
				s.Failed++
			}
			s.Results = append(s.Results, AccountResult{
				AccountID:   out.AccountID,
				Name:        out.AccountName,
				Success:     out.Success,
				Message:     out.Message,
				UsedBrowser: out.UsedBrowser,
			})
		})

		if i < len(accounts)-1 {
			if !t.pause(ctx) {
				t.finish(id, StatusCancelled)
				return
			}
		}
	}
	t.finish(id, StatusCompleted)
}

// pause sleeps the randomized inter-account delay. Returns false when
// ctx was cancelled during the sleep.
func (t *Tracker) pause(ctx context.Context) bool {
	if t.cfg.DelayMax <= 0 {
		return ctx.Err() == nil
	}
	d := t.cfg.DelayMin
	if span := t.cfg.DelayMax - t.cfg.DelayMin; span > 0 {
		d += time.Duration(rand.Int63n(int64(span)))
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// update mutates a task's snapshot under the lock and broadcasts the
// new state.
func (t *Tracker) update(id string, mutate func(*Snapshot)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tk, ok := t.tasks[id]
	if !ok {
		return
	}
	mutate(&tk.snap)
	t.broadcastLocked(tk)
}

func (t *Tracker) finish(id, status string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tk, ok := t.tasks[id]
	if !ok {
		return
	}
	now := time.Now()
	tk.snap.Status = status
	tk.snap.Current = ""
	tk.snap.FinishedAt = &now
	tk.doneAt = now
	t.broadcastLocked(tk)
	t.cfg.Logger.Info("tasktrack: batch finished",
		"task", id, "status", status,
		"succeeded", tk.snap.Succeeded, "failed", tk.snap.Failed)

	// Give stream subscribers a moment to drain the terminal snapshot
	// before their channels close.
	subs := tk.subs
	tk.subs = map[chan Snapshot]struct{}{}
	time.AfterFunc(time.Second, func() {
		for ch := range subs {
			close(ch)
		}
	})
}

// broadcastLocked pushes the current snapshot to every subscriber.
// Slow subscribers lose intermediate snapshots, never the stream.
func (t *Tracker) broadcastLocked(tk *task) {
	snap := cloneSnapshot(tk.snap)
	for ch := range tk.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

func cloneSnapshot(s Snapshot) Snapshot {
	out := s
	out.Results = append([]AccountResult(nil), s.Results...)
	if s.FinishedAt != nil {
		at := *s.FinishedAt
		out.FinishedAt = &at
	}
	return out
}

// Snapshot returns a task's current state.
func (t *Tracker) Snapshot(id string) (Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tk, ok := t.tasks[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("tasktrack: unknown task %s", id)
	}
	return cloneSnapshot(tk.snap), nil
}

// Subscribe registers a snapshot stream for a task. The first snapshot
// is delivered immediately; the channel closes shortly after the task
// reaches a terminal state. The returned func unsubscribes early.
func (t *Tracker) Subscribe(id string) (<-chan Snapshot, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tk, ok := t.tasks[id]
	if !ok {
		return nil, nil, fmt.Errorf("tasktrack: unknown task %s", id)
	}

	ch := make(chan Snapshot, 16)
	ch <- cloneSnapshot(tk.snap)
	if tk.snap.Status != StatusRunning {
		// Already terminal: deliver the final state and close.
		close(ch)
		return ch, func() {}, nil
	}
	tk.subs[ch] = struct{}{}

	unsubscribe := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if cur, ok := t.tasks[id]; ok {
			if _, subscribed := cur.subs[ch]; subscribed {
				delete(cur.subs, ch)
				close(ch)
			}
		}
	}
	return ch, unsubscribe, nil
}

// Cancel requests a task stop at the next account boundary.
func (t *Tracker) Cancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tk, ok := t.tasks[id]
	if !ok {
		return fmt.Errorf("tasktrack: unknown task %s", id)
	}
	if tk.snap.Status != StatusRunning {
		return fmt.Errorf("tasktrack: task %s already %s", id, tk.snap.Status)
	}
	tk.cancel()
	return nil
}

// sweepLocked drops finished tasks past their retention window.
func (t *Tracker) sweepLocked() {
	cutoff := time.Now().Add(-retention)
	for id, tk := range t.tasks {
		if tk.snap.Status != StatusRunning && tk.doneAt.Before(cutoff) {
			delete(t.tasks, id)
		}
	}
}

// Wait blocks until every running batch has finished. Used at shutdown.
func (t *Tracker) Wait() {
	t.wg.Wait()
}
