package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shaiso/dtq/internal/domain"
)

// MemoryStore — Store в памяти процесса.
//
// Используется в тестах всех пакетов и в режиме STORE_BACKEND=memory,
// когда API, watchdog и worker живут в одном процессе. Время для TTL
// берётся из clock, который тесты могут подменить через SetClock.
type MemoryStore struct {
	mu       sync.Mutex
	tasks    map[string]domain.Task
	queue    []domain.QueueEntry
	inflight map[string]struct{}
	liveness map[string]time.Time

	// pushed закрывается и пересоздаётся при каждом Push — будит Pop.
	pushed chan struct{}

	clock func() time.Time
}

// NewMemoryStore создаёт пустой MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]domain.Task),
		inflight: make(map[string]struct{}),
		liveness: make(map[string]time.Time),
		pushed:   make(chan struct{}),
		clock:    time.Now,
	}
}

// SetClock подменяет источник времени для TTL.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// DeleteTask удаляет запись task, не трогая очередь и inflight.
func (s *MemoryStore) DeleteTask(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
}

// Apply реализует Store.
func (s *MemoryStore) Apply(_ context.Context, u *Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var task domain.Task
	if u.Create != nil {
		task = *u.Create
	} else {
		current, ok := s.tasks[u.TaskID]
		if !ok {
			return ErrNotFound
		}
		if !u.allows(current.Status, current.Worker) {
			return ErrConflict
		}
		task = current
		u.applyTo(&task)
	}

	s.tasks[u.TaskID] = task
	if u.Push != nil {
		s.pushLocked(*u.Push)
	}
	if u.AddInflight {
		s.inflight[u.TaskID] = struct{}{}
	}
	if u.RemoveInflight {
		delete(s.inflight, u.TaskID)
	}
	return nil
}

// GetTask реализует Store.
func (s *MemoryStore) GetTask(_ context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &task, nil
}

// Push реализует Store.
func (s *MemoryStore) Push(_ context.Context, entry *domain.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(*entry)
	return nil
}

func (s *MemoryStore) pushLocked(entry domain.QueueEntry) {
	s.queue = append(s.queue, entry)
	close(s.pushed)
	s.pushed = make(chan struct{})
}

// Pop реализует Store.
func (s *MemoryStore) Pop(ctx context.Context, timeout time.Duration) (*domain.QueueEntry, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			entry := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return &entry, nil
		}
		wake := s.pushed
		s.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return nil, ErrQueueTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// QueueLen реализует Store.
func (s *MemoryStore) QueueLen(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.queue)), nil
}

// InflightIDs реализует Store. Возвращает id в отсортированном виде.
func (s *MemoryStore) InflightIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.inflight))
	for id := range s.inflight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// RemoveInflight реализует Store.
func (s *MemoryStore) RemoveInflight(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
	return nil
}

// SetLiveness реализует Store.
func (s *MemoryStore) SetLiveness(_ context.Context, workerID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liveness[workerID] = s.clock().Add(ttl)
	return nil
}

// IsAlive реализует Store.
func (s *MemoryStore) IsAlive(_ context.Context, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt, ok := s.liveness[workerID]
	if !ok {
		return false, nil
	}
	if !s.clock().Before(expiresAt) {
		delete(s.liveness, workerID)
		return false, nil
	}
	return true, nil
}

// Ping реализует Store.
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Close реализует Store.
func (s *MemoryStore) Close() error { return nil }
