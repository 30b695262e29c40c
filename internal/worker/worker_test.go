package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/dtq/internal/domain"
	"github.com/shaiso/dtq/internal/heartbeat"
	"github.com/shaiso/dtq/internal/mq"
	"github.com/shaiso/dtq/internal/repo"
	"github.com/shaiso/dtq/internal/watchdog"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// flakyStore — MemoryStore, у которого первые failApply вызовов Apply
// отвечают ErrUnavailable.
type flakyStore struct {
	*repo.MemoryStore

	mu        sync.Mutex
	failApply int
}

func (s *flakyStore) Apply(ctx context.Context, u *repo.Update) error {
	s.mu.Lock()
	if s.failApply > 0 {
		s.failApply--
		s.mu.Unlock()
		return repo.ErrUnavailable
	}
	s.mu.Unlock()
	return s.MemoryStore.Apply(ctx, u)
}

func (s *flakyStore) failNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failApply = n
}

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

type fixture struct {
	store  *flakyStore
	tasks  *repo.TaskRepo
	queue  *repo.Queue
	events *recordingPublisher
}

func newFixture() *fixture {
	store := &flakyStore{MemoryStore: repo.NewMemoryStore()}
	return &fixture{
		store:  store,
		tasks:  repo.NewTaskRepo(store),
		queue:  repo.NewQueue(store),
		events: &recordingPublisher{},
	}
}

func (f *fixture) worker(h Handler, taskTimeout time.Duration) *Worker {
	if h == nil {
		h = &DemoHandler{}
	}
	return New(Config{
		Tasks:          f.tasks,
		Queue:          f.queue,
		Handler:        h,
		WorkerID:       "w-test",
		DequeueTimeout: 20 * time.Millisecond,
		TaskTimeout:    taskTimeout,
		Events:         f.events,
		Logger:         quiet,
	})
}

func (f *fixture) submit(t *testing.T, id, payload string) {
	t.Helper()
	if _, err := f.tasks.Create(context.Background(), id, json.RawMessage(payload)); err != nil {
		t.Fatalf("create: %v", err)
	}
}

func (f *fixture) get(t *testing.T, id string) *domain.Task {
	t.Helper()
	task, err := f.tasks.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return task
}

// --- DemoHandler Tests ---

func TestDemoHandler(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"integer", `4`, `16`},
		{"negative", `-3`, `9`},
		{"float", `1.5`, `2.25`},
		{"big integer", `3037000500`, `9223372037000250000`},
		{"string", `"hello"`, `{"echo":"hello"}`},
		{"object", `{"a":1}`, `{"echo":{"a":1}}`},
		{"null", `null`, `{"echo":null}`},
		{"empty", ``, `{"echo":null}`},
		{"bool", `true`, `{"echo":true}`},
	}

	h := &DemoHandler{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.Handle(context.Background(), json.RawMessage(tt.payload))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestDemoHandler_Crash(t *testing.T) {
	_, err := (&DemoHandler{}).Handle(context.Background(), json.RawMessage(`"crash"`))
	if !errors.Is(err, ErrSimulatedFailure) {
		t.Fatalf("expected ErrSimulatedFailure, got %v", err)
	}
	if err.Error() != "simulated failure" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestDemoHandler_InvalidPayload(t *testing.T) {
	_, err := (&DemoHandler{}).Handle(context.Background(), json.RawMessage(`{broken`))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestDemoHandler_DelayRespectsContext(t *testing.T) {
	h := &DemoHandler{MinDelay: time.Minute, MaxDelay: time.Minute}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := h.Handle(ctx, json.RawMessage(`1`))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("handler ignored cancellation")
	}
}

// --- Execution Loop Tests ---

func TestProcessNext_Commit(t *testing.T) {
	f := newFixture()
	f.submit(t, "t-1", `5`)

	if err := f.worker(nil, 0).processNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	task := f.get(t, "t-1")
	if task.Status != domain.TaskStatusDone {
		t.Errorf("expected done, got %s", task.Status)
	}
	if string(task.Result) != `25` {
		t.Errorf("expected result 25, got %s", task.Result)
	}
	if task.Worker != "" {
		t.Errorf("expected worker cleared, got %q", task.Worker)
	}
	if ids, _ := f.store.InflightIDs(context.Background()); len(ids) != 0 {
		t.Errorf("expected empty inflight, got %v", ids)
	}

	if len(f.events.events) != 1 || f.events.events[0].Type() != mq.MessageTypeCompleted {
		t.Errorf("expected one completed event, got %+v", f.events.events)
	}
}

func TestProcessNext_CallbackFailureIsTerminal(t *testing.T) {
	f := newFixture()
	f.submit(t, "t-1", `"crash"`)

	f.worker(nil, 0).processNext(context.Background())

	task := f.get(t, "t-1")
	if task.Status != domain.TaskStatusFailed {
		t.Errorf("expected failed, got %s", task.Status)
	}
	if task.Error != "simulated failure" {
		t.Errorf("expected simulated failure, got %q", task.Error)
	}
	if task.Retries != 0 {
		t.Errorf("expected retries 0, got %d", task.Retries)
	}
	if n, _ := f.queue.Depth(context.Background()); n != 0 {
		t.Errorf("failed task must not be requeued, depth %d", n)
	}

	ev := f.events.events[0]
	if ev.Type() != mq.MessageTypeFailed || ev.Origin != domain.OriginApplication {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestProcessNext_PanicBecomesFailure(t *testing.T) {
	f := newFixture()
	f.submit(t, "t-1", `1`)

	h := HandlerFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		panic("boom")
	})
	f.worker(h, 0).processNext(context.Background())

	task := f.get(t, "t-1")
	if task.Status != domain.TaskStatusFailed {
		t.Errorf("expected failed, got %s", task.Status)
	}
	if !strings.Contains(task.Error, "callback panic") || !strings.Contains(task.Error, "boom") {
		t.Errorf("unexpected error text: %q", task.Error)
	}
}

func TestProcessNext_InvalidResult(t *testing.T) {
	f := newFixture()
	f.submit(t, "t-1", `1`)

	h := HandlerFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{not json`), nil
	})
	f.worker(h, 0).processNext(context.Background())

	if task := f.get(t, "t-1"); task.Status != domain.TaskStatusFailed || task.Error != ErrInvalidResult.Error() {
		t.Errorf("expected failed with invalid result, got %s %q", task.Status, task.Error)
	}
}

func TestProcessNext_TaskTimeout(t *testing.T) {
	f := newFixture()
	f.submit(t, "t-1", `1`)

	release := make(chan struct{})
	defer close(release)
	h := HandlerFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		<-release
		return json.RawMessage(`1`), nil
	})
	f.worker(h, 20*time.Millisecond).processNext(context.Background())

	task := f.get(t, "t-1")
	if task.Status != domain.TaskStatusFailed || task.Error != "execution timeout" {
		t.Errorf("expected failed with execution timeout, got %s %q", task.Status, task.Error)
	}
}

func TestProcessNext_EmptyQueue(t *testing.T) {
	f := newFixture()
	err := f.worker(nil, 0).processNext(context.Background())
	if !errors.Is(err, repo.ErrQueueTimeout) {
		t.Errorf("expected ErrQueueTimeout, got %v", err)
	}
}

func TestProcessNext_StaleEntryDropped(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.submit(t, "t-1", `1`)
	f.queue.Dequeue(ctx, time.Millisecond)
	if err := f.tasks.Claim(ctx, "t-1", "w-other"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Дубликат конверта для task, которую уже держит другой worker.
	f.queue.Enqueue(ctx, &domain.QueueEntry{TaskID: "t-1", Payload: json.RawMessage(`1`)})
	f.worker(nil, 0).processNext(ctx)

	task := f.get(t, "t-1")
	if task.Status != domain.TaskStatusInProgress || task.Worker != "w-other" {
		t.Errorf("task must stay with w-other, got %s on %q", task.Status, task.Worker)
	}
	if n, _ := f.queue.Depth(ctx); n != 0 {
		t.Errorf("stale entry must be consumed, depth %d", n)
	}
}

func TestProcessNext_ClaimUnavailableReturnsEntry(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.submit(t, "t-1", `3`)
	f.store.failNext(1)

	w := f.worker(nil, 0)
	w.processNext(ctx)

	if task := f.get(t, "t-1"); task.Status != domain.TaskStatusQueued {
		t.Fatalf("expected queued after failed claim, got %s", task.Status)
	}
	if n, _ := f.queue.Depth(ctx); n != 1 {
		t.Fatalf("expected entry returned to queue, depth %d", n)
	}

	w.processNext(ctx)
	if task := f.get(t, "t-1"); task.Status != domain.TaskStatusDone || string(task.Result) != `9` {
		t.Errorf("expected done with 9, got %s %s", task.Status, task.Result)
	}
}

func TestProcessNext_CommitRetriedWhileUnavailable(t *testing.T) {
	f := newFixture()
	f.submit(t, "t-1", `2`)

	h := HandlerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		f.store.failNext(2)
		return (&DemoHandler{}).Handle(ctx, payload)
	})
	f.worker(h, 0).processNext(context.Background())

	if task := f.get(t, "t-1"); task.Status != domain.TaskStatusDone || string(task.Result) != `4` {
		t.Errorf("expected done with 4 after retries, got %s %s", task.Status, task.Result)
	}
}

func TestProcessNext_CommitAfterRequeueDiscarded(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.submit(t, "t-1", `2`)

	// Пока Handler работает, watchdog считает worker'а мёртвым и возвращает task.
	h := HandlerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		task, err := f.tasks.Get(ctx, "t-1")
		if err != nil {
			return nil, err
		}
		if err := f.tasks.Requeue(ctx, task); err != nil {
			return nil, err
		}
		return json.RawMessage(`4`), nil
	})
	f.worker(h, 0).processNext(ctx)

	task := f.get(t, "t-1")
	if task.Status != domain.TaskStatusQueued || task.Retries != 1 {
		t.Errorf("late commit must not overwrite requeue, got %s retries=%d", task.Status, task.Retries)
	}
	if len(f.events.events) != 0 {
		t.Errorf("no outcome event expected, got %+v", f.events.events)
	}
}

// --- Lifecycle Tests ---

func TestWorker_StartStop(t *testing.T) {
	f := newFixture()
	w := f.worker(nil, 0)
	w.Start(context.Background())

	f.submit(t, "t-1", `7`)
	f.submit(t, "t-2", `"x"`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.get(t, "t-1").IsFinished() && f.get(t, "t-2").IsFinished() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	w.Stop()

	if task := f.get(t, "t-1"); string(task.Result) != `49` {
		t.Errorf("expected 49, got %s (%s)", task.Result, task.Status)
	}
	if task := f.get(t, "t-2"); string(task.Result) != `{"echo":"x"}` {
		t.Errorf("expected echo, got %s (%s)", task.Result, task.Status)
	}
}

func TestWorker_StopFinishesCurrentTask(t *testing.T) {
	f := newFixture()
	started := make(chan struct{})
	release := make(chan struct{})

	h := HandlerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		close(started)
		<-release
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return payload, nil
	})
	w := f.worker(h, 0)
	w.Start(context.Background())
	f.submit(t, "t-1", `1`)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task was not picked up")
	}

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the running task finished")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	<-stopped

	if task := f.get(t, "t-1"); task.Status != domain.TaskStatusDone {
		t.Errorf("expected done after graceful stop, got %s (%s)", task.Status, task.Error)
	}
}

// --- Liveness Tests ---

// startWithHeartbeat запускает heartbeat и worker на одном ctx, как это
// делает процесс worker'а.
func (f *fixture) startWithHeartbeat(t *testing.T, ctx context.Context, h Handler) (*heartbeat.Heartbeat, *Worker) {
	t.Helper()
	hb, err := heartbeat.New(heartbeat.Config{
		Store:    f.store,
		WorkerID: "w-test",
		TTL:      100 * time.Millisecond,
		Period:   20 * time.Millisecond,
		Logger:   quiet,
	})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := hb.Start(ctx); err != nil {
		t.Fatalf("start heartbeat: %v", err)
	}
	w := f.worker(h, 0)
	w.Start(ctx)
	return hb, w
}

func (f *fixture) watchdog() *watchdog.Watchdog {
	return watchdog.New(watchdog.Config{
		Tasks:      f.tasks,
		Liveness:   f.store,
		MaxRetries: 3,
		Logger:     quiet,
	})
}

func waitStarted(t *testing.T, started <-chan struct{}) {
	t.Helper()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task was not picked up")
	}
}

func TestWorker_HeartbeatRenewsWhileCallbackBlocks(t *testing.T) {
	f := newFixture()
	started := make(chan struct{})
	release := make(chan struct{})
	h := HandlerFunc(func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		close(started)
		<-release
		return payload, nil
	})

	hb, w := f.startWithHeartbeat(t, context.Background(), h)
	f.submit(t, "t-1", `1`)
	waitStarted(t, started)

	ctx := context.Background()
	wd := f.watchdog()

	// Callback висит в три раза дольше TTL.
	for i := 0; i < 5; i++ {
		time.Sleep(60 * time.Millisecond)
		if alive, err := f.store.IsAlive(ctx, "w-test"); err != nil || !alive {
			t.Fatalf("liveness token lost while callback blocked: alive=%v err=%v", alive, err)
		}
		res, err := wd.Sweep(ctx)
		if err != nil {
			t.Fatalf("sweep: %v", err)
		}
		if res.Changed() {
			t.Fatalf("sweep changed a task of a live worker: %+v", res)
		}
	}

	close(release)
	w.Stop()
	hb.Stop()

	task := f.get(t, "t-1")
	if task.Status != domain.TaskStatusDone || task.Retries != 0 {
		t.Errorf("expected done with retries 0, got %s/%d", task.Status, task.Retries)
	}
}

func TestWorker_ShutdownKeepsLivenessUntilTaskDone(t *testing.T) {
	f := newFixture()
	started := make(chan struct{})
	h := HandlerFunc(func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		close(started)
		time.Sleep(300 * time.Millisecond)
		return payload, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	hb, w := f.startWithHeartbeat(t, ctx, h)
	f.submit(t, "t-1", `1`)
	waitStarted(t, started)

	// Сигнал остановки пришёл посреди callback'а.
	cancel()
	time.Sleep(150 * time.Millisecond)

	if alive, _ := f.store.IsAlive(context.Background(), "w-test"); !alive {
		t.Fatal("liveness token expired during graceful shutdown")
	}
	if res, err := f.watchdog().Sweep(context.Background()); err != nil || res.Changed() {
		t.Fatalf("sweep during graceful shutdown changed state: %+v (%v)", res, err)
	}

	w.Stop()
	hb.Stop()

	task := f.get(t, "t-1")
	if task.Status != domain.TaskStatusDone || task.Retries != 0 {
		t.Errorf("expected done with retries 0, got %s/%d", task.Status, task.Retries)
	}
}
