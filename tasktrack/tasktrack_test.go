package tasktrack

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/checkin/store"
	"github.com/hazyhaar/checkin/worker"
)

// fakeProcessor scripts per-account outcomes and can block mid-batch so
// tests control batch pacing.
type fakeProcessor struct {
	mu      sync.Mutex
	fail    map[int64]bool
	gate    chan struct{} // when non-nil, each Checkin waits for one tick
	started chan int64    // announces the account being processed
	ctxErrs []error       // ctx.Err() observed after each gate release
}

func (f *fakeProcessor) Checkin(ctx context.Context, acct *store.Account, _ worker.RunConfig) *worker.Outcome {
	if f.started != nil {
		f.started <- acct.ID
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
		}
	}
	f.mu.Lock()
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	failed := f.fail[acct.ID]
	f.mu.Unlock()
	return &worker.Outcome{
		AccountID:   acct.ID,
		AccountName: acct.Name,
		Success:     !failed,
		Message:     "done",
	}
}

func accounts(n int) []*store.Account {
	out := make([]*store.Account, n)
	for i := range out {
		out[i] = &store.Account{ID: int64(i + 1), Name: "acct"}
	}
	return out
}

func waitTerminal(t *testing.T, tr *Tracker, id string) Snapshot {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		snap, err := tr.Snapshot(id)
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if snap.Status != StatusRunning {
			return snap
		}
		select {
		case <-deadline:
			t.Fatalf("task %s never finished: %+v", id, snap)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestTracker_BatchCompletes(t *testing.T) {
	// WHAT: a 3-account batch with one scripted failure finishes with
	// accurate counters and per-account results in order.
	proc := &fakeProcessor{fail: map[int64]bool{2: true}}
	tr := New(proc, Config{}.WithoutDelays())

	id, err := tr.Start(context.Background(), accounts(3), worker.RunConfig{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	snap := waitTerminal(t, tr, id)
	if snap.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", snap.Status)
	}
	if snap.Done != 3 || snap.Succeeded != 2 || snap.Failed != 1 {
		t.Fatalf("counters = %d/%d/%d", snap.Done, snap.Succeeded, snap.Failed)
	}
	if len(snap.Results) != 3 || snap.Results[1].AccountID != 2 || snap.Results[1].Success {
		t.Fatalf("results = %+v", snap.Results)
	}
	if snap.FinishedAt == nil {
		t.Fatal("finished task must carry FinishedAt")
	}
}

func TestTracker_CancelStopsAtAccountBoundary(t *testing.T) {
	// WHAT: cancelling after 2 of 5 accounts yields a cancelled task
	// with exactly 2 results — the in-flight account finishes, the rest
	// never start.
	proc := &fakeProcessor{
		gate:    make(chan struct{}, 8),
		started: make(chan int64, 8),
	}
	tr := New(proc, Config{}.WithoutDelays())

	id, err := tr.Start(context.Background(), accounts(5), worker.RunConfig{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	<-proc.started
	proc.gate <- struct{}{} // account 1 done
	<-proc.started
	if err := tr.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	proc.gate <- struct{}{} // let account 2 finish

	snap := waitTerminal(t, tr, id)
	if snap.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", snap.Status)
	}
	if snap.Done != 2 || len(snap.Results) != 2 {
		t.Fatalf("done = %d, results = %d, want 2/2", snap.Done, len(snap.Results))
	}
}

func TestTracker_CancelDoesNotAbortInFlightAccount(t *testing.T) {
	// WHAT: cancelling while account 1 is mid-operation leaves that
	// operation's context live — it finishes normally and records its
	// result; only the boundary check stops the batch.
	proc := &fakeProcessor{
		gate:    make(chan struct{}, 8),
		started: make(chan int64, 8),
	}
	tr := New(proc, Config{}.WithoutDelays())

	id, err := tr.Start(context.Background(), accounts(3), worker.RunConfig{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	<-proc.started // account 1 is in flight
	if err := tr.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	proc.gate <- struct{}{} // let account 1 finish

	snap := waitTerminal(t, tr, id)
	if snap.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", snap.Status)
	}
	if snap.Done != 1 || len(snap.Results) != 1 {
		t.Fatalf("done = %d, results = %d, want the in-flight account recorded", snap.Done, len(snap.Results))
	}

	proc.mu.Lock()
	defer proc.mu.Unlock()
	if len(proc.ctxErrs) != 1 {
		t.Fatalf("checkin calls = %d, want 1", len(proc.ctxErrs))
	}
	if proc.ctxErrs[0] != nil {
		t.Fatalf("in-flight context was cancelled: %v", proc.ctxErrs[0])
	}
}

func TestTracker_SubscribeStreamsFullSnapshots(t *testing.T) {
	// WHAT: a subscriber gets an immediate snapshot, then updates, then
	// channel close after the terminal state.
	proc := &fakeProcessor{}
	tr := New(proc, Config{}.WithoutDelays())

	id, err := tr.Start(context.Background(), accounts(2), worker.RunConfig{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ch, unsubscribe, err := tr.Subscribe(id)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	var last Snapshot
	sawAny := false
	deadline := time.After(5 * time.Second)
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				if !sawAny {
					t.Fatal("channel closed without any snapshot")
				}
				if last.Status != StatusCompleted || last.Done != 2 {
					t.Fatalf("final snapshot = %+v", last)
				}
				return
			}
			sawAny = true
			last = snap
		case <-deadline:
			t.Fatal("stream never closed")
		}
	}
}

func TestTracker_SubscribeTerminalTaskDeliversAndCloses(t *testing.T) {
	proc := &fakeProcessor{}
	tr := New(proc, Config{}.WithoutDelays())
	id, _ := tr.Start(context.Background(), accounts(1), worker.RunConfig{})
	waitTerminal(t, tr, id)

	ch, _, err := tr.Subscribe(id)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	snap, ok := <-ch
	if !ok || snap.Status != StatusCompleted {
		t.Fatalf("got %+v ok=%v", snap, ok)
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel must be closed after the terminal snapshot")
	}
}

func TestTracker_UnknownTask(t *testing.T) {
	tr := New(&fakeProcessor{}, Config{}.WithoutDelays())
	if _, err := tr.Snapshot("nope"); err == nil {
		t.Fatal("want error for unknown task")
	}
	if err := tr.Cancel("nope"); err == nil {
		t.Fatal("want error for unknown task")
	}
	if _, _, err := tr.Subscribe("nope"); err == nil {
		t.Fatal("want error for unknown task")
	}
}

func TestTracker_EmptyBatchRejected(t *testing.T) {
	tr := New(&fakeProcessor{}, Config{}.WithoutDelays())
	if _, err := tr.Start(context.Background(), nil, worker.RunConfig{}); err == nil {
		t.Fatal("want error for empty batch")
	}
}
