package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shaiso/dtq/internal/domain"
)

// Поля hash'а task. Схема совместима между рестартами и версиями.
const (
	fieldStatus     = "status"
	fieldRetries    = "retries"
	fieldPayload    = "payload"
	fieldResult     = "result"
	fieldError      = "error"
	fieldWorker     = "worker"
	fieldUpdatedAt  = "updated_at"
	fieldEnqueuedAt = "enqueued_at"
)

// maxTxRetries — сколько раз повторять WATCH/MULTI при конкурентной записи.
const maxTxRetries = 5

// RedisStore — Store поверх Redis.
//
// Запись task — hash task:{id}, очередь — list queue:tasks (LPUSH/BRPOP),
// inflight — set, liveness — ключи worker:hb:{id} с TTL.
// Условные переходы (Guard) выполняются через WATCH + MULTI/EXEC.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore подключается к Redis по URL и проверяет соединение.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient оборачивает готовый клиент.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Apply реализует Store.
func (s *RedisStore) Apply(ctx context.Context, u *Update) error {
	key := TaskKey(u.TaskID)

	if u.Create != nil {
		fields := taskFields(u.Create)
		ops, err := queueOps(ctx, u)
		if err != nil {
			return err
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, fields)
			ops(pipe)
			return nil
		})
		if err != nil {
			return unavailable("create task", err)
		}
		return nil
	}

	fields := updateFields(u)
	ops, err := queueOps(ctx, u)
	if err != nil {
		return err
	}

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, fieldStatus, fieldWorker).Result()
		if err != nil {
			return unavailable("read task", err)
		}
		if vals[0] == nil {
			return ErrNotFound
		}
		status, _ := vals[0].(string)
		worker, _ := vals[1].(string)
		if !u.allows(domain.TaskStatus(status), worker) {
			return ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(fields) > 0 {
				pipe.HSet(ctx, key, fields)
			}
			if u.IncrRetries {
				pipe.HIncrBy(ctx, key, fieldRetries, 1)
			}
			ops(pipe)
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			// Ключ изменился между WATCH и EXEC — перечитываем.
			continue
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict), errors.Is(err, ErrUnavailable):
			return err
		default:
			return unavailable("update task", err)
		}
	}
	return ErrConflict
}

// queueOps подготавливает операции над очередью и inflight для pipeline.
func queueOps(ctx context.Context, u *Update) (func(redis.Pipeliner), error) {
	var entry []byte
	if u.Push != nil {
		b, err := json.Marshal(u.Push)
		if err != nil {
			return nil, fmt.Errorf("marshal queue entry: %w", err)
		}
		entry = b
	}

	return func(pipe redis.Pipeliner) {
		if entry != nil {
			pipe.LPush(ctx, QueueKey, entry)
		}
		if u.AddInflight {
			pipe.SAdd(ctx, InflightKey, u.TaskID)
		}
		if u.RemoveInflight {
			pipe.SRem(ctx, InflightKey, u.TaskID)
		}
	}, nil
}

// GetTask реализует Store.
func (s *RedisStore) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	data, err := s.client.HGetAll(ctx, TaskKey(id)).Result()
	if err != nil {
		return nil, unavailable("get task", err)
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	return parseTask(id, data)
}

// Push реализует Store.
func (s *RedisStore) Push(ctx context.Context, entry *domain.QueueEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	if err := s.client.LPush(ctx, QueueKey, b).Err(); err != nil {
		return unavailable("push", err)
	}
	return nil
}

// Pop реализует Store.
//
// BRPOP работает с секундной точностью, timeout меньше секунды
// округляется до секунды (0 в Redis означает "ждать вечно").
func (s *RedisStore) Pop(ctx context.Context, timeout time.Duration) (*domain.QueueEntry, error) {
	if timeout < time.Second {
		timeout = time.Second
	}

	res, err := s.client.BRPop(ctx, timeout, QueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrQueueTimeout
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unavailable("pop", err)
	}

	raw := res[1]
	var entry domain.QueueEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.TaskID == "" {
		// BRPOP уже снял конверт: без копии его нельзя вернуть в очередь.
		if perr := s.client.LPush(ctx, MalformedKey, raw).Err(); perr != nil {
			return nil, fmt.Errorf("%w %q: not saved: %w", ErrMalformedEntry, raw, perr)
		}
		if err == nil {
			err = errors.New("empty task_id")
		}
		return nil, fmt.Errorf("%w %q: %w", ErrMalformedEntry, raw, err)
	}
	return &entry, nil
}

// QueueLen реализует Store.
func (s *RedisStore) QueueLen(ctx context.Context) (int64, error) {
	n, err := s.client.LLen(ctx, QueueKey).Result()
	if err != nil {
		return 0, unavailable("queue length", err)
	}
	return n, nil
}

// InflightIDs реализует Store.
func (s *RedisStore) InflightIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, InflightKey).Result()
	if err != nil {
		return nil, unavailable("inflight members", err)
	}
	return ids, nil
}

// RemoveInflight реализует Store.
func (s *RedisStore) RemoveInflight(ctx context.Context, id string) error {
	if err := s.client.SRem(ctx, InflightKey, id).Err(); err != nil {
		return unavailable("inflight remove", err)
	}
	return nil
}

// SetLiveness реализует Store.
func (s *RedisStore) SetLiveness(ctx context.Context, workerID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, LivenessKey(workerID), "1", ttl).Err(); err != nil {
		return unavailable("set liveness", err)
	}
	return nil
}

// IsAlive реализует Store.
func (s *RedisStore) IsAlive(ctx context.Context, workerID string) (bool, error) {
	n, err := s.client.Exists(ctx, LivenessKey(workerID)).Result()
	if err != nil {
		return false, unavailable("check liveness", err)
	}
	return n > 0, nil
}

// Ping реализует Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close реализует Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// --- Helpers ---

func taskFields(t *domain.Task) map[string]any {
	fields := map[string]any{
		fieldStatus:     string(t.Status),
		fieldRetries:    t.Retries,
		fieldWorker:     t.Worker,
		fieldUpdatedAt:  formatTime(t.UpdatedAt),
		fieldEnqueuedAt: formatTime(t.EnqueuedAt),
	}
	if t.Payload != nil {
		fields[fieldPayload] = string(t.Payload)
	}
	if t.Result != nil {
		fields[fieldResult] = string(t.Result)
	}
	if t.Error != "" {
		fields[fieldError] = t.Error
	}
	return fields
}

func updateFields(u *Update) map[string]any {
	fields := make(map[string]any)
	if u.Status != "" {
		fields[fieldStatus] = string(u.Status)
	}
	if u.Worker != nil {
		fields[fieldWorker] = *u.Worker
	}
	if u.Result != nil {
		fields[fieldResult] = string(u.Result)
	}
	if u.Error != nil {
		fields[fieldError] = *u.Error
	}
	if !u.UpdatedAt.IsZero() {
		fields[fieldUpdatedAt] = formatTime(u.UpdatedAt)
	}
	if u.Push != nil {
		fields[fieldEnqueuedAt] = formatTime(u.Push.EnqueuedAt)
	}
	return fields
}

func parseTask(id string, data map[string]string) (*domain.Task, error) {
	status := domain.TaskStatus(data[fieldStatus])
	if !status.IsValid() {
		return nil, fmt.Errorf("task %s: unknown status %q", id, status)
	}

	task := &domain.Task{
		ID:     id,
		Status: status,
		Error:  data[fieldError],
		Worker: data[fieldWorker],
	}

	if v := data[fieldRetries]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse retries %q: %w", v, err)
		}
		task.Retries = n
	}
	if v, ok := data[fieldPayload]; ok {
		task.Payload = json.RawMessage(v)
	}
	if v, ok := data[fieldResult]; ok && v != "" {
		task.Result = json.RawMessage(v)
	}
	task.UpdatedAt = parseTime(data[fieldUpdatedAt])
	task.EnqueuedAt = parseTime(data[fieldEnqueuedAt])

	return task, nil
}

// formatTime пишет время как unix-секунды с дробной частью.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatFloat(float64(t.UnixMicro())/1e6, 'f', 6, 64)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMicro(int64(math.Round(f * 1e6))).UTC()
}
