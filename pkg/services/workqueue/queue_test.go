package workqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/ekaya-inc/costing-engine/pkg/apperrors"
)

// testTask is a simple task for testing.
type testTask struct {
	BaseTask
	executeFunc func(ctx context.Context, enqueuer TaskEnqueuer) error
}

func newTestTask(name, key string, fn func(ctx context.Context, enqueuer TaskEnqueuer) error) *testTask {
	return &testTask{
		BaseTask:    NewBaseTask(name, key),
		executeFunc: fn,
	}
}

func (t *testTask) Execute(ctx context.Context, enqueuer TaskEnqueuer) error {
	if t.executeFunc != nil {
		return t.executeFunc(ctx, enqueuer)
	}
	return nil
}

func fastRetries() QueueOption {
	return WithRetryConfig(RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
	})
}

// concurrencyTracker tracks the maximum number of simultaneously running callers.
type concurrencyTracker struct {
	running int32
	max     int32
	mu      sync.Mutex
}

func (p *concurrencyTracker) enter() {
	current := atomic.AddInt32(&p.running, 1)
	p.mu.Lock()
	if current > p.max {
		p.max = current
	}
	p.mu.Unlock()
}

func (p *concurrencyTracker) leave() { atomic.AddInt32(&p.running, -1) }

func (p *concurrencyTracker) peak() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.max
}

func waitQueue(t *testing.T, q *Queue) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return q.Wait(ctx)
}

func TestQueue_EnqueueAndComplete(t *testing.T) {
	q := NewQueue(zap.NewNop())

	var executed atomic.Bool
	id := q.Enqueue(newTestTask("test-task", "", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		executed.Store(true)
		return nil
	}))

	if err := waitQueue(t, q); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !executed.Load() {
		t.Error("task was not executed")
	}

	snap, ok := q.Get(id)
	if !ok {
		t.Fatal("task not found by id")
	}
	if snap.Status != TaskStatusCompleted {
		t.Errorf("expected completed, got %s", snap.Status)
	}
}

func TestQueue_TaskFailure(t *testing.T) {
	q := New(zap.NewNop(), fastRetries())

	expectedErr := errors.New("task failed")
	var attempts int32
	id := q.Enqueue(newTestTask("failing-task", "", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		atomic.AddInt32(&attempts, 1)
		return expectedErr
	}))

	err := waitQueue(t, q)
	if !errors.Is(err, expectedErr) {
		t.Fatalf("expected %v, got %v", expectedErr, err)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("non-retryable error should not be retried, got %d attempts", got)
	}

	snap, _ := q.Get(id)
	if snap.Status != TaskStatusFailed || snap.Error != expectedErr.Error() {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestQueue_RetriesConcurrencyErrors(t *testing.T) {
	q := New(zap.NewNop(), fastRetries())

	var attempts int32
	id := q.Enqueue(newTestTask("busy-task", "", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return fmt.Errorf("recalculate: %w", apperrors.ErrRecalculationInProgress)
		}
		return nil
	}))

	if err := waitQueue(t, q); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap, _ := q.Get(id)
	if snap.RetryCount != 2 {
		t.Errorf("expected 2 retries, got %d", snap.RetryCount)
	}
}

func TestQueue_RetriesSerializationFailures(t *testing.T) {
	q := New(zap.NewNop(), fastRetries())

	var attempts int32
	q.Enqueue(newTestTask("write-totals", "", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		if atomic.AddInt32(&attempts, 1) < 2 {
			return fmt.Errorf("update estimate totals: %w", &pgconn.PgError{Code: "40001"})
		}
		return nil
	}))

	if err := waitQueue(t, q); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
}

func TestQueue_RetriesExhausted(t *testing.T) {
	q := New(zap.NewNop(), fastRetries())

	var attempts int32
	q.Enqueue(newTestTask("always-busy", "", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		atomic.AddInt32(&attempts, 1)
		return apperrors.ErrRecalculationTimeout
	}))

	err := waitQueue(t, q)
	if !errors.Is(err, apperrors.ErrRecalculationTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 4 {
		t.Errorf("expected 1 attempt + 3 retries, got %d", got)
	}
}

func TestQueue_SerializedByDefault(t *testing.T) {
	q := NewQueue(zap.NewNop())
	tracker := &concurrencyTracker{}

	for i := 0; i < 3; i++ {
		q.Enqueue(newTestTask("task", fmt.Sprintf("key-%d", i), func(ctx context.Context, enqueuer TaskEnqueuer) error {
			tracker.enter()
			time.Sleep(20 * time.Millisecond)
			tracker.leave()
			return nil
		}))
	}

	if err := waitQueue(t, q); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tracker.peak() > 1 {
		t.Errorf("expected serialized execution, max concurrent was %d", tracker.peak())
	}
}

func TestKeyedStrategy_SameKeySerialized(t *testing.T) {
	q := New(zap.NewNop(), WithStrategy(NewKeyedStrategy(4)))
	tracker := &concurrencyTracker{}

	for i := 0; i < 3; i++ {
		q.Enqueue(newTestTask("recalc", "estimate-1", func(ctx context.Context, enqueuer TaskEnqueuer) error {
			tracker.enter()
			time.Sleep(20 * time.Millisecond)
			tracker.leave()
			return nil
		}))
	}

	if err := waitQueue(t, q); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tracker.peak() != 1 {
		t.Errorf("tasks with the same key ran concurrently: %d", tracker.peak())
	}
}

func TestKeyedStrategy_DifferentKeysParallel(t *testing.T) {
	q := New(zap.NewNop(), WithStrategy(NewKeyedStrategy(4)))

	started := make(chan struct{}, 2)
	proceed := make(chan struct{})
	for _, key := range []string{"estimate-1", "estimate-2"} {
		q.Enqueue(newTestTask("recalc", key, func(ctx context.Context, enqueuer TaskEnqueuer) error {
			started <- struct{}{}
			<-proceed
			return nil
		}))
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("tasks with different keys did not run in parallel")
		}
	}
	close(proceed)

	if err := waitQueue(t, q); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestKeyedStrategy_RespectsGlobalLimit(t *testing.T) {
	q := New(zap.NewNop(), WithStrategy(NewKeyedStrategy(2)))
	tracker := &concurrencyTracker{}

	for i := 0; i < 6; i++ {
		q.Enqueue(newTestTask("task", fmt.Sprintf("key-%d", i), func(ctx context.Context, enqueuer TaskEnqueuer) error {
			tracker.enter()
			time.Sleep(20 * time.Millisecond)
			tracker.leave()
			return nil
		}))
	}

	if err := waitQueue(t, q); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tracker.peak() > 2 {
		t.Errorf("expected at most 2 concurrent tasks, got %d", tracker.peak())
	}
}

func TestQueue_TaskEnqueuesMoreTasks(t *testing.T) {
	q := New(zap.NewNop(), WithStrategy(NewKeyedStrategy(2)))

	var followUp atomic.Bool
	q.Enqueue(newTestTask("parent", "", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		enqueuer.Enqueue(newTestTask("child", "", func(ctx context.Context, enqueuer TaskEnqueuer) error {
			followUp.Store(true)
			return nil
		}))
		return nil
	}))

	if err := waitQueue(t, q); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !followUp.Load() {
		t.Error("follow-up task did not run")
	}
}

func TestQueue_CancelRunningTask(t *testing.T) {
	q := New(zap.NewNop(), WithStrategy(NewKeyedStrategy(2)))

	started := make(chan struct{})
	id := q.Enqueue(newTestTask("import", "session-1", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	<-started
	if !q.CancelTask(id) {
		t.Fatal("expected running task to be cancellable")
	}
	if err := waitQueue(t, q); err != nil {
		t.Fatalf("cancelled task should not report failure: %v", err)
	}

	snap, _ := q.Get(id)
	if snap.Status != TaskStatusCancelled {
		t.Errorf("expected cancelled, got %s", snap.Status)
	}
	if q.CancelTask(id) {
		t.Error("finished task should not be cancellable")
	}
}

func TestQueue_CancelPendingTask(t *testing.T) {
	q := NewQueue(zap.NewNop())

	proceed := make(chan struct{})
	q.Enqueue(newTestTask("blocker", "", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		<-proceed
		return nil
	}))
	var ran atomic.Bool
	pending := q.Enqueue(newTestTask("pending", "", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		ran.Store(true)
		return nil
	}))

	if !q.CancelTask(pending) {
		t.Fatal("expected pending task to be cancellable")
	}
	close(proceed)

	if err := waitQueue(t, q); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ran.Load() {
		t.Error("cancelled pending task ran")
	}
	if p := q.Progress(); p.Completed != 1 || p.Cancelled != 1 {
		t.Errorf("unexpected progress %+v", p)
	}
}

func TestQueue_ShutdownStopsRunningAndRejectsNew(t *testing.T) {
	q := New(zap.NewNop(), WithStrategy(NewKeyedStrategy(2)))

	started := make(chan struct{})
	q.Enqueue(newTestTask("long", "", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown did not complete: %v", err)
	}

	if id := q.Enqueue(newTestTask("late", "", nil)); id != "" {
		t.Error("closed queue accepted a task")
	}
	if p := q.Progress(); p.Cancelled != 1 {
		t.Errorf("expected the running task to be cancelled, got %+v", p)
	}
}

func TestQueue_OnUpdateCallback(t *testing.T) {
	q := NewQueue(zap.NewNop())

	var mu sync.Mutex
	var statuses []TaskStatus
	q.SetOnUpdate(func(snapshots []TaskSnapshot) {
		mu.Lock()
		defer mu.Unlock()
		if len(snapshots) > 0 {
			statuses = append(statuses, snapshots[0].Status)
		}
	})

	q.Enqueue(newTestTask("task", "", nil))
	if err := waitQueue(t, q); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) < 3 {
		t.Fatalf("expected pending, running and completed updates, got %v", statuses)
	}
	if statuses[len(statuses)-1] != TaskStatusCompleted {
		t.Errorf("last update should be completed, got %s", statuses[len(statuses)-1])
	}
}

func TestQueue_HistoryPruned(t *testing.T) {
	q := New(zap.NewNop(), WithMaxHistory(2))

	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, q.Enqueue(newTestTask("task", "", nil)))
		if err := waitQueue(t, q); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	// one more enqueue triggers pruning of the oldest finished tasks
	q.Enqueue(newTestTask("task", "", nil))
	if err := waitQueue(t, q); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := q.Get(ids[0]); ok {
		t.Error("oldest task should have been pruned")
	}
	if _, ok := q.Get(ids[3]); !ok {
		t.Error("recent task should still be known")
	}
}

func TestQueue_EmptyQueue(t *testing.T) {
	q := NewQueue(zap.NewNop())
	if err := q.Wait(context.Background()); err != nil {
		t.Errorf("empty queue wait returned %v", err)
	}
	if p := q.Progress(); p.Percentage() != 100 {
		t.Errorf("expected 100%% for empty queue, got %d", p.Percentage())
	}
}

func TestTaskState_SetStatus(t *testing.T) {
	ts := NewTaskState(newTestTask("task", "", nil))

	ts.SetStatus(TaskStatusRunning)
	if ts.StartedAt == nil {
		t.Error("StartedAt should be set when running")
	}
	ts.SetStatus(TaskStatusCompleted)
	if ts.CompletedAt == nil {
		t.Error("CompletedAt should be set when completed")
	}
	if !ts.GetStatus().IsTerminal() {
		t.Error("completed should be terminal")
	}
}

func TestProgress_Percentage(t *testing.T) {
	tests := []struct {
		p    Progress
		want int
	}{
		{Progress{Total: 4, Completed: 1}, 25},
		{Progress{Total: 4, Completed: 1, Failed: 1, Cancelled: 1}, 75},
		{Progress{Total: 3, Running: 3}, 0},
	}
	for _, tt := range tests {
		if got := tt.p.Percentage(); got != tt.want {
			t.Errorf("Percentage(%+v) = %d, want %d", tt.p, got, tt.want)
		}
	}
}
