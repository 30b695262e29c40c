package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/dtq/internal/domain"
)

// defaultPopPollInterval — как часто PostgresStore перепроверяет пустую очередь.
const defaultPopPollInterval = 200 * time.Millisecond

const pgSchema = `
CREATE TABLE IF NOT EXISTS dtq_tasks (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	retries     INTEGER NOT NULL DEFAULT 0,
	payload     JSONB,
	result      JSONB,
	error       TEXT,
	worker      TEXT NOT NULL DEFAULT '',
	enqueued_at TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS dtq_queue (
	seq         BIGSERIAL PRIMARY KEY,
	task_id     TEXT NOT NULL,
	payload     JSONB,
	enqueued_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS dtq_inflight (
	task_id TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS dtq_liveness (
	worker_id  TEXT PRIMARY KEY,
	expires_at TIMESTAMPTZ NOT NULL
);
`

// PostgresStore — Store поверх Postgres.
//
// Очередь — таблица с BIGSERIAL, Pop забирает голову через
// FOR UPDATE SKIP LOCKED, поэтому конкурирующие worker'ы не получают
// один и тот же конверт. TTL liveness считается по часам БД (now()).
type PostgresStore struct {
	pool         *pgxpool.Pool
	pollInterval time.Duration
}

// NewPostgresStore создаёт PostgresStore и применяет схему.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &PostgresStore{pool: pool, pollInterval: defaultPopPollInterval}, nil
}

// Apply реализует Store.
func (s *PostgresStore) Apply(ctx context.Context, u *Update) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return unavailable("begin", err)
	}
	defer tx.Rollback(ctx)

	if u.Create != nil {
		t := u.Create
		_, err = tx.Exec(ctx, `
			INSERT INTO dtq_tasks (id, status, retries, payload, result, error, worker, enqueued_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE
			SET status = EXCLUDED.status, retries = EXCLUDED.retries, payload = EXCLUDED.payload,
			    result = EXCLUDED.result, error = EXCLUDED.error, worker = EXCLUDED.worker,
			    enqueued_at = EXCLUDED.enqueued_at, updated_at = EXCLUDED.updated_at
		`,
			t.ID, t.Status, t.Retries, nullJSON(t.Payload), nullJSON(t.Result),
			nullString(t.Error), t.Worker, t.EnqueuedAt, t.UpdatedAt,
		)
		if err != nil {
			return unavailable("insert task", err)
		}
	} else {
		var status, worker string
		err := tx.QueryRow(ctx,
			`SELECT status, worker FROM dtq_tasks WHERE id = $1 FOR UPDATE`, u.TaskID,
		).Scan(&status, &worker)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return unavailable("lock task", err)
		}
		if !u.allows(domain.TaskStatus(status), worker) {
			return ErrConflict
		}

		var retriesDelta int
		if u.IncrRetries {
			retriesDelta = 1
		}
		var enqueuedAt, updatedAt *time.Time
		if u.Push != nil {
			enqueuedAt = &u.Push.EnqueuedAt
		}
		if !u.UpdatedAt.IsZero() {
			updatedAt = &u.UpdatedAt
		}

		_, err = tx.Exec(ctx, `
			UPDATE dtq_tasks
			SET status      = COALESCE($2::text, status),
			    worker      = COALESCE($3::text, worker),
			    result      = COALESCE($4::jsonb, result),
			    error       = COALESCE($5::text, error),
			    retries     = retries + $6,
			    updated_at  = COALESCE($7::timestamptz, updated_at),
			    enqueued_at = COALESCE($8::timestamptz, enqueued_at)
			WHERE id = $1
		`,
			u.TaskID, nullString(string(u.Status)), u.Worker, nullJSON(u.Result),
			u.Error, retriesDelta, updatedAt, enqueuedAt,
		)
		if err != nil {
			return unavailable("update task", err)
		}
	}

	if u.Push != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO dtq_queue (task_id, payload, enqueued_at) VALUES ($1, $2, $3)`,
			u.Push.TaskID, nullJSON(u.Push.Payload), u.Push.EnqueuedAt,
		); err != nil {
			return unavailable("push", err)
		}
	}
	if u.AddInflight {
		if _, err := tx.Exec(ctx,
			`INSERT INTO dtq_inflight (task_id) VALUES ($1) ON CONFLICT DO NOTHING`, u.TaskID,
		); err != nil {
			return unavailable("inflight add", err)
		}
	}
	if u.RemoveInflight {
		if _, err := tx.Exec(ctx, `DELETE FROM dtq_inflight WHERE task_id = $1`, u.TaskID); err != nil {
			return unavailable("inflight remove", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

// GetTask реализует Store.
func (s *PostgresStore) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	var task domain.Task
	var payload, result []byte
	var taskError *string

	err := s.pool.QueryRow(ctx, `
		SELECT id, status, retries, payload, result, error, worker, enqueued_at, updated_at
		FROM dtq_tasks
		WHERE id = $1
	`, id).Scan(
		&task.ID,
		&task.Status,
		&task.Retries,
		&payload,
		&result,
		&taskError,
		&task.Worker,
		&task.EnqueuedAt,
		&task.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get task", err)
	}

	task.Payload = payload
	task.Result = result
	if taskError != nil {
		task.Error = *taskError
	}
	return &task, nil
}

// Push реализует Store.
func (s *PostgresStore) Push(ctx context.Context, entry *domain.QueueEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dtq_queue (task_id, payload, enqueued_at) VALUES ($1, $2, $3)`,
		entry.TaskID, nullJSON(entry.Payload), entry.EnqueuedAt,
	)
	if err != nil {
		return unavailable("push", err)
	}
	return nil
}

// Pop реализует Store.
//
// Postgres не умеет блокирующий pop, поэтому пустая очередь
// перепроверяется каждые pollInterval до истечения timeout.
func (s *PostgresStore) Pop(ctx context.Context, timeout time.Duration) (*domain.QueueEntry, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		entry, err := s.tryPop(ctx)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, unavailable("pop", err)
		}
		if !time.Now().Before(deadline) {
			return nil, ErrQueueTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *PostgresStore) tryPop(ctx context.Context) (*domain.QueueEntry, error) {
	var entry domain.QueueEntry
	var payload []byte

	err := s.pool.QueryRow(ctx, `
		DELETE FROM dtq_queue
		WHERE seq = (
			SELECT seq FROM dtq_queue
			ORDER BY seq
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING task_id, payload, enqueued_at
	`).Scan(&entry.TaskID, &payload, &entry.EnqueuedAt)
	if err != nil {
		return nil, err
	}
	entry.Payload = payload
	return &entry, nil
}

// QueueLen реализует Store.
func (s *PostgresStore) QueueLen(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dtq_queue`).Scan(&n); err != nil {
		return 0, unavailable("queue length", err)
	}
	return n, nil
}

// InflightIDs реализует Store.
func (s *PostgresStore) InflightIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT task_id FROM dtq_inflight ORDER BY task_id`)
	if err != nil {
		return nil, unavailable("inflight members", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, unavailable("inflight members", err)
	}
	return ids, nil
}

// RemoveInflight реализует Store.
func (s *PostgresStore) RemoveInflight(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM dtq_inflight WHERE task_id = $1`, id); err != nil {
		return unavailable("inflight remove", err)
	}
	return nil
}

// SetLiveness реализует Store.
func (s *PostgresStore) SetLiveness(ctx context.Context, workerID string, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dtq_liveness (worker_id, expires_at)
		VALUES ($1, now() + make_interval(secs => $2::double precision))
		ON CONFLICT (worker_id) DO UPDATE SET expires_at = EXCLUDED.expires_at
	`, workerID, ttl.Seconds())
	if err != nil {
		return unavailable("set liveness", err)
	}
	return nil
}

// IsAlive реализует Store.
func (s *PostgresStore) IsAlive(ctx context.Context, workerID string) (bool, error) {
	var alive bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM dtq_liveness WHERE worker_id = $1 AND expires_at > now())
	`, workerID).Scan(&alive)
	if err != nil {
		return false, unavailable("check liveness", err)
	}
	return alive, nil
}

// Ping реализует Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close реализует Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Helpers ---

// nullString возвращает nil для пустой строки, чтобы писать NULL.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullJSON возвращает nil для пустого JSON, чтобы писать NULL.
func nullJSON(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
