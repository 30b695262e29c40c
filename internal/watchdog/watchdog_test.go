package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shaiso/dtq/internal/domain"
	"github.com/shaiso/dtq/internal/mq"
	"github.com/shaiso/dtq/internal/repo"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	store *repo.MemoryStore
	tasks *repo.TaskRepo
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: repo.NewMemoryStore(),
		now:   time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	f.store.SetClock(func() time.Time { return f.now })
	f.tasks = repo.NewTaskRepo(f.store)
	f.tasks.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) watchdog(maxRetries int, liveness LivenessChecker, events EventPublisher) *Watchdog {
	if liveness == nil {
		liveness = f.store
	}
	return New(Config{
		Tasks:      f.tasks,
		Liveness:   liveness,
		MaxRetries: maxRetries,
		Events:     events,
		Logger:     quiet,
	})
}

// claimed создаёт task и проводит её через pop+claim за workerID.
func (f *fixture) claimed(t *testing.T, id, workerID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.tasks.Create(ctx, id, json.RawMessage(`"payload-`+id+`"`)); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.reclaim(t, id, workerID)
}

// reclaim забирает конверт из очереди и делает claim.
func (f *fixture) reclaim(t *testing.T, id, workerID string) {
	t.Helper()
	ctx := context.Background()
	entry, err := f.store.Pop(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if entry.TaskID != id {
		t.Fatalf("expected entry for %s, got %s", id, entry.TaskID)
	}
	if err := f.tasks.Claim(ctx, id, workerID); err != nil {
		t.Fatalf("claim: %v", err)
	}
}

func (f *fixture) get(t *testing.T, id string) *domain.Task {
	t.Helper()
	task, err := f.tasks.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return task
}

func (f *fixture) inflight(t *testing.T) []string {
	t.Helper()
	ids, err := f.store.InflightIDs(context.Background())
	if err != nil {
		t.Fatalf("inflight: %v", err)
	}
	return ids
}

// recordingPublisher запоминает события.
type recordingPublisher struct {
	mu     sync.Mutex
	events []mq.TaskEvent
}

func (p *recordingPublisher) PublishTaskEvent(_ context.Context, ev *mq.TaskEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *ev)
	return nil
}

// livenessFunc — LivenessChecker из функции.
type livenessFunc func(ctx context.Context, workerID string) (bool, error)

func (f livenessFunc) IsAlive(ctx context.Context, workerID string) (bool, error) {
	return f(ctx, workerID)
}

// --- Recovery Tests ---

func TestSweep_RequeuesTaskOfDeadWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.claimed(t, "t-1", "w-dead")

	res, err := f.watchdog(3, nil, nil).Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Requeued != 1 || res.Scanned != 1 {
		t.Errorf("unexpected result: %+v", res)
	}

	task := f.get(t, "t-1")
	if task.Status != domain.TaskStatusQueued {
		t.Errorf("expected queued, got %s", task.Status)
	}
	if task.Retries != 1 {
		t.Errorf("expected retries 1, got %d", task.Retries)
	}
	if task.Worker != "" {
		t.Errorf("expected empty worker, got %q", task.Worker)
	}
	if ids := f.inflight(t); len(ids) != 0 {
		t.Errorf("expected empty inflight, got %v", ids)
	}

	entry, err := f.store.Pop(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("expected fresh queue entry: %v", err)
	}
	if entry.TaskID != "t-1" || string(entry.Payload) != `"payload-t-1"` {
		t.Errorf("unexpected entry: %+v", entry)
	}
}

func TestSweep_DetectsExpiredHeartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.claimed(t, "t-1", "w-1")
	f.store.SetLiveness(ctx, "w-1", 10*time.Second)

	wd := f.watchdog(3, nil, nil)

	res, _ := wd.Sweep(ctx)
	if res.Changed() {
		t.Fatalf("live worker must not lose its task: %+v", res)
	}

	// Worker перестал продлевать token: через ttl + период watchdog'а task возвращается.
	f.now = f.now.Add(10*time.Second + 5*time.Second)
	res, _ = wd.Sweep(ctx)
	if res.Requeued != 1 {
		t.Errorf("expected requeue after ttl expiry, got %+v", res)
	}
}

func TestSweep_RetryExhaustion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wd := f.watchdog(1, nil, nil)

	f.claimed(t, "t-1", "w-a")
	if res, _ := wd.Sweep(ctx); res.Requeued != 1 {
		t.Fatalf("expected first loss to requeue, got %+v", res)
	}

	f.reclaim(t, "t-1", "w-b")
	res, err := wd.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Failed != 1 {
		t.Errorf("expected failed 1, got %+v", res)
	}

	task := f.get(t, "t-1")
	if task.Status != domain.TaskStatusFailed {
		t.Errorf("expected failed, got %s", task.Status)
	}
	if task.Error != domain.MaxRetriesExceeded {
		t.Errorf("expected %q, got %q", domain.MaxRetriesExceeded, task.Error)
	}
	if task.Retries != 1 {
		t.Errorf("expected retries to stay 1, got %d", task.Retries)
	}
	if ids := f.inflight(t); len(ids) != 0 {
		t.Errorf("expected empty inflight, got %v", ids)
	}
	if n, _ := f.store.QueueLen(ctx); n != 0 {
		t.Errorf("expected no queue entry, got %d", n)
	}
}

func TestSweep_ZeroMaxRetriesFailsImmediately(t *testing.T) {
	f := newFixture(t)
	f.claimed(t, "t-1", "w-dead")

	res, _ := f.watchdog(0, nil, nil).Sweep(context.Background())
	if res.Failed != 1 || res.Requeued != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
}

// --- No-op and Skip Tests ---

func TestSweep_NoOpWhenWorkersAlive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.claimed(t, "t-1", "w-1")
	f.claimed(t, "t-2", "w-2")
	f.store.SetLiveness(ctx, "w-1", 10*time.Second)
	f.store.SetLiveness(ctx, "w-2", 10*time.Second)

	before := []*domain.Task{f.get(t, "t-1"), f.get(t, "t-2")}

	res, err := f.watchdog(3, nil, nil).Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Changed() || res.Skipped != 2 {
		t.Errorf("expected no-op sweep, got %+v", res)
	}

	for i, id := range []string{"t-1", "t-2"} {
		after := f.get(t, id)
		if after.Status != before[i].Status || after.Retries != before[i].Retries ||
			after.Worker != before[i].Worker || !after.UpdatedAt.Equal(before[i].UpdatedAt) {
			t.Errorf("%s changed: %+v -> %+v", id, before[i], after)
		}
	}
	if ids := f.inflight(t); len(ids) != 2 {
		t.Errorf("expected inflight untouched, got %v", ids)
	}
}

func TestSweep_SkipsEmptyWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.tasks.Create(ctx, "t-1", json.RawMessage(`1`))

	empty := ""
	err := f.store.Apply(ctx, &repo.Update{
		TaskID:      "t-1",
		Status:      domain.TaskStatusInProgress,
		Worker:      &empty,
		AddInflight: true,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	res, _ := f.watchdog(3, nil, nil).Sweep(ctx)
	if res.Skipped != 1 || res.Changed() {
		t.Errorf("expected skip, got %+v", res)
	}
}

func TestSweep_SkipsResolvedTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.claimed(t, "t-1", "w-1")

	// Запись уже done, но id остался в inflight (рассинхрон, который не трогаем).
	f.store.Apply(ctx, &repo.Update{TaskID: "t-1", Status: domain.TaskStatusDone})

	res, _ := f.watchdog(3, nil, nil).Sweep(ctx)
	if res.Skipped != 1 || res.Changed() {
		t.Errorf("expected skip, got %+v", res)
	}
	if task := f.get(t, "t-1"); task.Status != domain.TaskStatusDone {
		t.Errorf("terminal task changed: %s", task.Status)
	}
}

// --- Drift Tests ---

func TestSweep_DropsInflightWithoutRecord(t *testing.T) {
	f := newFixture(t)
	f.claimed(t, "t-1", "w-1")
	f.store.DeleteTask("t-1")

	res, err := f.watchdog(3, nil, nil).Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Dropped != 1 {
		t.Errorf("expected dropped 1, got %+v", res)
	}
	if ids := f.inflight(t); len(ids) != 0 {
		t.Errorf("expected empty inflight, got %v", ids)
	}
}

// --- Race Tests ---

func TestSweep_WorkerCommitsBeforeTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.claimed(t, "t-1", "w-slow")

	// Liveness уже истёк, но worker успевает записать исход между
	// проверкой liveness и переходом.
	liveness := livenessFunc(func(ctx context.Context, _ string) (bool, error) {
		if err := f.tasks.Commit(ctx, "t-1", "w-slow", json.RawMessage(`42`)); err != nil {
			t.Fatalf("commit: %v", err)
		}
		return false, nil
	})

	res, err := f.watchdog(3, liveness, nil).Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Conflicts != 1 || res.Changed() {
		t.Errorf("expected conflict skip, got %+v", res)
	}

	task := f.get(t, "t-1")
	if task.Status != domain.TaskStatusDone || task.Retries != 0 {
		t.Errorf("expected done with retries 0, got %s/%d", task.Status, task.Retries)
	}
	if n, _ := f.store.QueueLen(ctx); n != 0 {
		t.Errorf("expected no duplicate entry, got depth %d", n)
	}
}

func TestSweep_ConcurrentWatchdogsRequeueOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.claimed(t, "t-1", "w-dead")

	a := f.watchdog(3, nil, nil)
	b := f.watchdog(3, nil, nil)

	var wg sync.WaitGroup
	results := make([]SweepResult, 2)
	for i, wd := range []*Watchdog{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = wd.Sweep(ctx)
		}()
	}
	wg.Wait()

	if total := results[0].Requeued + results[1].Requeued; total != 1 {
		t.Errorf("expected exactly one requeue, got %d (%+v, %+v)", total, results[0], results[1])
	}
	if task := f.get(t, "t-1"); task.Retries != 1 {
		t.Errorf("expected retries 1, got %d", task.Retries)
	}
	if n, _ := f.store.QueueLen(ctx); n != 1 {
		t.Errorf("expected one queue entry, got %d", n)
	}
}

// --- Error Tests ---

func TestSweep_AbortsWhenStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	f.claimed(t, "t-1", "w-1")

	liveness := livenessFunc(func(context.Context, string) (bool, error) {
		return false, repo.ErrUnavailable
	})

	_, err := f.watchdog(3, liveness, nil).Sweep(context.Background())
	if !errors.Is(err, repo.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if task := f.get(t, "t-1"); task.Status != domain.TaskStatusInProgress {
		t.Errorf("task must stay in_progress, got %s", task.Status)
	}
}

func TestSweep_SkipsUnreadableRecord(t *testing.T) {
	mr := miniredis.RunT(t)
	store := repo.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { store.Close() })
	tasks := repo.NewTaskRepo(store)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := tasks.Create(ctx, id, json.RawMessage(`1`)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		if _, err := store.Pop(ctx, time.Second); err != nil {
			t.Fatalf("pop: %v", err)
		}
		if err := tasks.Claim(ctx, id, "w-dead"); err != nil {
			t.Fatalf("claim %s: %v", id, err)
		}
	}
	mr.HSet(repo.TaskKey("a"), "retries", "oops")

	wd := New(Config{Tasks: tasks, Liveness: store, MaxRetries: 3, Logger: quiet})
	res, err := wd.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Requeued != 1 || res.Skipped != 1 {
		t.Errorf("expected b requeued and a skipped, got %+v", res)
	}

	b, err := tasks.Get(ctx, "b")
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if b.Status != domain.TaskStatusQueued || b.Retries != 1 {
		t.Errorf("expected b queued with retries 1, got %s/%d", b.Status, b.Retries)
	}
}

// --- Event Tests ---

func TestSweep_PublishesEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pub := &recordingPublisher{}
	f.claimed(t, "t-1", "w-dead")

	f.watchdog(1, nil, pub).Sweep(ctx)
	f.reclaim(t, "t-1", "w-dead-2")
	f.watchdog(1, nil, pub).Sweep(ctx)

	if len(pub.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(pub.events))
	}
	if pub.events[0].Type() != mq.MessageTypeRequeued || pub.events[0].Retries != 1 {
		t.Errorf("unexpected first event: %+v", pub.events[0])
	}
	second := pub.events[1]
	if second.Type() != mq.MessageTypeFailed || second.Origin != domain.OriginInfrastructure || second.Error != domain.MaxRetriesExceeded {
		t.Errorf("unexpected second event: %+v", second)
	}
}

// --- Lifecycle Tests ---

func TestWatchdog_StartStop(t *testing.T) {
	f := newFixture(t)
	f.claimed(t, "t-1", "w-dead")

	wd := New(Config{
		Tasks:      f.tasks,
		Liveness:   f.store,
		Period:     10 * time.Millisecond,
		MaxRetries: 3,
		Logger:     quiet,
	})
	wd.Start(context.Background())
	defer wd.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if task := f.get(t, "t-1"); task.Status == domain.TaskStatusQueued {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("watchdog loop did not requeue the task")
}
