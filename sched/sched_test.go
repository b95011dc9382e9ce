package sched

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/checkin/store"
	"github.com/hazyhaar/checkin/worker"
)

// fakeSource serves settings from a map and a fixed account list.
type fakeSource struct {
	settings map[string]string
	accounts []*store.Account
}

func (f *fakeSource) Setting(_ context.Context, key, fallback string) string {
	if v, ok := f.settings[key]; ok {
		return v
	}
	return fallback
}

func (f *fakeSource) IntSetting(ctx context.Context, key string, fallback int) int {
	v, err := strconv.Atoi(f.Setting(ctx, key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func (f *fakeSource) BoolSetting(ctx context.Context, key string, fallback bool) bool {
	v := f.Setting(ctx, key, "")
	if v == "" {
		return fallback
	}
	return v == "1"
}

func (f *fakeSource) EnabledAccounts(context.Context) ([]*store.Account, error) {
	return f.accounts, nil
}

// fakeRunner fails each account a scripted number of times before
// succeeding, and records every attempt.
type fakeRunner struct {
	mu        sync.Mutex
	failTimes map[int64]int
	attempts  []int64
}

func (f *fakeRunner) Checkin(_ context.Context, acct *store.Account, _ worker.RunConfig) *worker.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, acct.ID)
	if f.failTimes[acct.ID] > 0 {
		f.failTimes[acct.ID]--
		return &worker.Outcome{AccountID: acct.ID, Success: false, Message: "scripted failure"}
	}
	return &worker.Outcome{AccountID: acct.ID, Success: true}
}

func instantSleep(s *Scheduler) {
	s.sleep = func(ctx context.Context, d time.Duration) bool {
		return ctx.Err() == nil
	}
}

func testAccounts(n int) []*store.Account {
	out := make([]*store.Account, n)
	for i := range out {
		out[i] = &store.Account{ID: int64(i + 1), Name: "acct", Enabled: true}
	}
	return out
}

func TestRunBatch_AllSucceedFirstPass(t *testing.T) {
	src := &fakeSource{
		settings: map[string]string{store.KeyRandomDelayMaxSeconds: "0"},
		accounts: testAccounts(3),
	}
	runner := &fakeRunner{failTimes: map[int64]int{}}
	s := New(src, runner, nil)
	instantSleep(s)

	s.RunBatch(context.Background())
	if len(runner.attempts) != 3 {
		t.Fatalf("attempts = %v, want one per account", runner.attempts)
	}
}

func TestRunBatch_RetryRerunsWholeBatch(t *testing.T) {
	// WHAT: account 2 fails once. Pass 1 runs all three accounts, pass 2
	// re-runs all three (not just account 2), and the batch stops early.
	src := &fakeSource{
		settings: map[string]string{
			store.KeyRandomDelayMaxSeconds: "0",
			store.KeyMaxRetries:            "3",
		},
		accounts: testAccounts(3),
	}
	runner := &fakeRunner{failTimes: map[int64]int{2: 1}}
	s := New(src, runner, nil)
	instantSleep(s)

	s.RunBatch(context.Background())
	want := []int64{1, 2, 3, 1, 2, 3}
	if len(runner.attempts) != len(want) {
		t.Fatalf("attempts = %v, want %v", runner.attempts, want)
	}
	for i := range want {
		if runner.attempts[i] != want[i] {
			t.Fatalf("attempts = %v, want %v", runner.attempts, want)
		}
	}
}

func TestRunBatch_EveryAccountAttemptedEachPass(t *testing.T) {
	// WHAT: with one account that never succeeds and max_retries=3, the
	// healthy account is still attempted on all three passes.
	src := &fakeSource{
		settings: map[string]string{
			store.KeyRandomDelayMaxSeconds: "0",
			store.KeyMaxRetries:            "3",
		},
		accounts: testAccounts(2),
	}
	runner := &fakeRunner{failTimes: map[int64]int{2: 10}}
	s := New(src, runner, nil)
	instantSleep(s)

	s.RunBatch(context.Background())
	healthy := 0
	for _, id := range runner.attempts {
		if id == 1 {
			healthy++
		}
	}
	if healthy != 3 {
		t.Fatalf("healthy account attempted %d times, want 3 (attempts %v)", healthy, runner.attempts)
	}
}

func TestRunBatch_PausesBetweenAccounts(t *testing.T) {
	// WHAT: consecutive accounts in a pass are separated by a 1–4s pause.
	src := &fakeSource{
		settings: map[string]string{store.KeyRandomDelayMaxSeconds: "0"},
		accounts: testAccounts(3),
	}
	runner := &fakeRunner{failTimes: map[int64]int{}}
	s := New(src, runner, nil)

	var pauses []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) bool {
		pauses = append(pauses, d)
		return ctx.Err() == nil
	}

	s.RunBatch(context.Background())
	if len(pauses) != 2 {
		t.Fatalf("got %d pauses, want one between each account pair", len(pauses))
	}
	for _, d := range pauses {
		if d < time.Second || d > 4*time.Second {
			t.Fatalf("pause %v outside the 1-4s window", d)
		}
	}
}

func TestRunBatch_GivesUpAfterMaxRetries(t *testing.T) {
	src := &fakeSource{
		settings: map[string]string{
			store.KeyRandomDelayMaxSeconds: "0",
			store.KeyMaxRetries:            "2",
		},
		accounts: testAccounts(1),
	}
	runner := &fakeRunner{failTimes: map[int64]int{1: 10}}
	s := New(src, runner, nil)
	instantSleep(s)

	s.RunBatch(context.Background())
	if len(runner.attempts) != 2 {
		t.Fatalf("attempts = %v, want exactly max_retries passes", runner.attempts)
	}
}

func TestRunBatch_CancelledContextStops(t *testing.T) {
	src := &fakeSource{
		settings: map[string]string{store.KeyRandomDelayMaxSeconds: "0"},
		accounts: testAccounts(3),
	}
	runner := &fakeRunner{failTimes: map[int64]int{}}
	s := New(src, runner, nil)
	instantSleep(s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.RunBatch(ctx)
	if len(runner.attempts) != 0 {
		t.Fatalf("attempts = %v, want none after cancellation", runner.attempts)
	}
}

func TestReload_InvalidCronKeepsPreviousEntry(t *testing.T) {
	src := &fakeSource{
		settings: map[string]string{
			store.KeyAutoCheckinEnabled: "1",
			store.KeyAutoCheckinCron:    "0 8 * * *",
		},
	}
	s := New(src, &fakeRunner{failTimes: map[int64]int{}}, nil)
	instantSleep(s)

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	src.settings[store.KeyAutoCheckinCron] = "not a cron"
	if err := s.Reload(ctx); err == nil {
		t.Fatal("want error for invalid cron expression")
	}

	s.mu.Lock()
	hasEntry := s.entryID != 0
	s.mu.Unlock()
	if !hasEntry {
		t.Fatal("previous schedule must survive an invalid reload")
	}
}

func TestReload_DisableRemovesEntry(t *testing.T) {
	src := &fakeSource{
		settings: map[string]string{
			store.KeyAutoCheckinEnabled: "1",
			store.KeyAutoCheckinCron:    "0 8 * * *",
		},
	}
	s := New(src, &fakeRunner{failTimes: map[int64]int{}}, nil)
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	src.settings[store.KeyAutoCheckinEnabled] = "0"
	if err := s.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	s.mu.Lock()
	hasEntry := s.entryID != 0
	s.mu.Unlock()
	if hasEntry {
		t.Fatal("disabling automation must remove the cron entry")
	}
}
