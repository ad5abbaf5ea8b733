package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/remiges-tech/logharbour/logharbour"
)

// TaskStore is the storage contract the API handlers, the worker, and the
// scheduler depend on. PgStore is the production implementation.
type TaskStore interface {
	CreateTask(ctx context.Context, task *Task, payload *JobPayload) error
	GetTask(ctx context.Context, taskID string) (*Task, error)
	GetPayload(ctx context.Context, taskID string) (*JobPayload, error)
	UpdateTask(ctx context.Context, taskID string, up TaskUpdate) (*Task, error)
	PutBatchResult(ctx context.Context, taskID string, commit BatchCommit) (*Task, error)
	CompleteTask(ctx context.Context, taskID string, final BatchCommit, statistics map[string]any) (*Task, error)
	FailTask(ctx context.Context, taskID string, errMsg string) error
	GetBatchResults(ctx context.Context, taskID string) ([]BatchResult, error)
	NextBatch(ctx context.Context, taskID string) (int, error)
	ListTasks(ctx context.Context, status TaskStatus, limit int) ([]Task, error)
	DeleteTask(ctx context.Context, taskID string) error
	CountByStatus(ctx context.Context) (StatusCounts, error)
}

const (
	defaultCacheTTLSec = 60
	// terminal task state is immutable, so it may be cached much longer
	terminalTTLMultiplier = 100

	maxListLimit     = 1000
	defaultListLimit = 100
)

// PgStoreConfig tunes the store; zero values select defaults.
type PgStoreConfig struct {
	CacheTTLSec int
}

// PgStore keeps authoritative task state in PostgreSQL and write-through
// caches task JSON in Redis so polling clients rarely touch the database.
type PgStore struct {
	pool     *pgxpool.Pool
	rclient  *redis.Client
	logger   *logharbour.Logger
	cacheTTL time.Duration
}

// NewPgStore builds the store. The Redis client is optional; without it
// the store still works, just uncached.
func NewPgStore(pool *pgxpool.Pool, rclient *redis.Client, logger *logharbour.Logger, cfg *PgStoreConfig) *PgStore {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if pool == nil {
		panic("database pool cannot be nil")
	}
	ttlSec := defaultCacheTTLSec
	if cfg != nil && cfg.CacheTTLSec > 0 {
		ttlSec = cfg.CacheTTLSec
	}
	return &PgStore{
		pool:     pool,
		rclient:  rclient,
		logger:   logger,
		cacheTTL: time.Duration(ttlSec) * time.Second,
	}
}

// Ping reports whether the database answers. The health endpoint uses it to
// downgrade the service status when the store is unreachable.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const taskColumns = `task_id, status, mode, current_phase, progress,
	total_batches, completed_batches, dataset_size, batch_size,
	error, statistics, created_at, updated_at, start_time, end_time`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var errMsg *string
	var statsJSON []byte
	err := row.Scan(
		&t.TaskID, &t.Status, &t.Mode, &t.CurrentPhase, &t.Progress,
		&t.TotalBatches, &t.CompletedBatches, &t.DatasetSize, &t.BatchSize,
		&errMsg, &statsJSON, &t.CreatedAt, &t.UpdatedAt, &t.StartTime, &t.EndTime,
	)
	if err != nil {
		return nil, err
	}
	if errMsg != nil {
		t.Error = *errMsg
	}
	if len(statsJSON) > 0 {
		if err := json.Unmarshal(statsJSON, &t.Statistics); err != nil {
			return nil, fmt.Errorf("failed to decode task statistics: %w", err)
		}
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateTask inserts a new task row together with its payload. A duplicate
// task id returns ErrTaskExists so the API can answer with a conflict.
func (s *PgStore) CreateTask(ctx context.Context, task *Task, payload *JobPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (task_id, status, mode, current_phase, progress,
			total_batches, completed_batches, dataset_size, batch_size, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		task.TaskID, task.Status, task.Mode, task.CurrentPhase, task.Progress,
		task.TotalBatches, task.CompletedBatches, task.DatasetSize, task.BatchSize,
		payloadJSON,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrTaskExists
		}
		return fmt.Errorf("failed to insert task: %w", err)
	}

	s.logger.Info().LogActivity("Task created", map[string]any{
		"taskId":      task.TaskID,
		"datasetSize": task.DatasetSize,
		"mode":        task.Mode,
	})
	s.refreshCache(ctx, task.TaskID)
	return nil
}

// GetTask reads task state, preferring the Redis cache.
func (s *PgStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	if s.rclient != nil {
		data, err := s.rclient.Get(ctx, TaskCacheKey(taskID)).Bytes()
		if err == nil {
			var t Task
			if jsonErr := json.Unmarshal(data, &t); jsonErr == nil {
				return &t, nil
			}
			// poisoned cache entry, fall through to the database
			s.rclient.Del(ctx, TaskCacheKey(taskID))
		}
	}

	t, err := s.getTaskFromDB(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.cacheTask(ctx, t)
	return t, nil
}

func (s *PgStore) getTaskFromDB(ctx context.Context, taskID string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task: %w", err)
	}
	return t, nil
}

// GetPayload loads the persisted pipeline input for resume and recovery.
func (s *PgStore) GetPayload(ctx context.Context, taskID string) (*JobPayload, error) {
	var payloadJSON []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM tasks WHERE task_id = $1`, taskID).Scan(&payloadJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	if len(payloadJSON) == 0 {
		return nil, ErrPayloadMissing
	}
	var p JobPayload
	if err := json.Unmarshal(payloadJSON, &p); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return &p, nil
}

// UpdateTask applies a partial mutation and returns the new state.
func (s *PgStore) UpdateTask(ctx context.Context, taskID string, up TaskUpdate) (*Task, error) {
	sets := []string{"updated_at = now()"}
	args := []any{taskID}
	next := 2

	add := func(col string, val any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, next))
		args = append(args, val)
		next++
	}
	if up.Status != nil {
		add("status", *up.Status)
	}
	if up.Phase != nil {
		add("current_phase", *up.Phase)
	}
	if up.Mode != nil {
		add("mode", *up.Mode)
	}
	if up.Progress != nil {
		add("progress", *up.Progress)
	}
	if up.TotalBatches != nil {
		add("total_batches", *up.TotalBatches)
	}
	if up.StartTime != nil {
		add("start_time", *up.StartTime)
	}
	if up.Error != nil {
		add("error", *up.Error)
	}
	if up.Statistics != nil {
		statsJSON, err := json.Marshal(up.Statistics)
		if err != nil {
			return nil, fmt.Errorf("failed to encode statistics: %w", err)
		}
		add("statistics", statsJSON)
	}

	query := `UPDATE tasks SET ` + strings.Join(sets, ", ") +
		` WHERE task_id = $1 RETURNING ` + taskColumns
	t, err := scanTask(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	s.cacheTask(ctx, t)
	return t, nil
}

// PutBatchResult appends one batch's output and advances the task's
// progress in a single transaction: the result row is inserted, then
// completed_batches, progress, and phase move together. A reader can never
// observe the counter ahead of the stored results.
func (s *PgStore) PutBatchResult(ctx context.Context, taskID string, commit BatchCommit) (*Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertBatchResult(ctx, tx, taskID, commit.Result); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrBatchExists
		}
		return nil, err
	}

	query := `UPDATE tasks SET
			completed_batches = completed_batches + 1,
			progress = $2,
			current_phase = $3,
			updated_at = now()`
	args := []any{taskID, commit.Progress, commit.Phase}
	if commit.TotalBatches > 0 {
		query += `, total_batches = $4`
		args = append(args, commit.TotalBatches)
	}
	query += ` WHERE task_id = $1 AND status = 'processing' RETURNING ` + taskColumns

	t, err := scanTask(tx.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.explainMissingProcessing(ctx, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to advance batch progress: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit batch result: %w", err)
	}
	s.cacheTask(ctx, t)
	return t, nil
}

// CompleteTask commits the final cleaning batch and the terminal state in
// one transaction: final records, statistics, progress 100, completed.
func (s *PgStore) CompleteTask(ctx context.Context, taskID string, final BatchCommit, statistics map[string]any) (*Task, error) {
	statsJSON, err := json.Marshal(statistics)
	if err != nil {
		return nil, fmt.Errorf("failed to encode statistics: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin completion: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertBatchResult(ctx, tx, taskID, final.Result); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrBatchExists
		}
		return nil, err
	}

	t, err := scanTask(tx.QueryRow(ctx, `
		UPDATE tasks SET
			status = 'completed',
			completed_batches = completed_batches + 1,
			progress = 100,
			current_phase = 'cleaning',
			statistics = $2,
			end_time = now(),
			updated_at = now()
		WHERE task_id = $1 AND status = 'processing'
		RETURNING `+taskColumns, taskID, statsJSON))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.explainMissingProcessing(ctx, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to complete task: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit completion: %w", err)
	}

	s.logger.Info().LogActivity("Task completed", map[string]any{
		"taskId":  taskID,
		"batches": t.CompletedBatches,
	})
	s.cacheTask(ctx, t)
	return t, nil
}

func insertBatchResult(ctx context.Context, tx pgx.Tx, taskID string, br *BatchResult) error {
	recordsJSON, err := json.Marshal(br.Records)
	if err != nil {
		return fmt.Errorf("failed to encode batch records: %w", err)
	}
	var reportJSON []byte
	if br.Report != nil {
		reportJSON, err = json.Marshal(br.Report)
		if err != nil {
			return fmt.Errorf("failed to encode diagnostic report: %w", err)
		}
	}
	var statsJSON []byte
	if br.Stats != nil {
		statsJSON, err = json.Marshal(br.Stats)
		if err != nil {
			return fmt.Errorf("failed to encode batch stats: %w", err)
		}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO batch_results (task_id, batch_index, phase, records, report, stats)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		taskID, br.BatchIndex, br.Phase, recordsJSON, reportJSON, statsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch result %d: %w", br.BatchIndex, err)
	}
	return nil
}

// explainMissingProcessing turns a zero-row processing update into the
// right sentinel: the task vanished or it left the processing state.
func (s *PgStore) explainMissingProcessing(ctx context.Context, taskID string) error {
	_, err := s.getTaskFromDB(ctx, taskID)
	if errors.Is(err, ErrTaskNotFound) {
		return ErrTaskNotFound
	}
	if err != nil {
		return err
	}
	return ErrTaskTerminal
}

// FailTask records a failure. Completing and failing race only through
// worker bugs, so an already-terminal task is left untouched.
func (s *PgStore) FailTask(ctx context.Context, taskID string, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			status = 'failed',
			error = $2,
			end_time = now(),
			updated_at = now()
		WHERE task_id = $1 AND status NOT IN ('completed', 'failed')`,
		taskID, errMsg,
	)
	if err != nil {
		return fmt.Errorf("failed to mark task failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.getTaskFromDB(ctx, taskID); err != nil {
			return err
		}
		return nil
	}

	s.logger.Warn().LogActivity("Task failed", map[string]any{
		"taskId": taskID,
		"error":  errMsg,
	})
	s.refreshCache(ctx, taskID)
	return nil
}

// GetBatchResults returns every committed batch in batch_index order.
func (s *PgStore) GetBatchResults(ctx context.Context, taskID string) ([]BatchResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT batch_index, phase, records, report, stats, created_at
		FROM batch_results WHERE task_id = $1 ORDER BY batch_index`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch results: %w", err)
	}
	defer rows.Close()

	var results []BatchResult
	for rows.Next() {
		var br BatchResult
		var recordsJSON, reportJSON, statsJSON []byte
		if err := rows.Scan(&br.BatchIndex, &br.Phase, &recordsJSON, &reportJSON, &statsJSON, &br.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch result: %w", err)
		}
		if len(recordsJSON) > 0 {
			if err := json.Unmarshal(recordsJSON, &br.Records); err != nil {
				return nil, fmt.Errorf("failed to decode batch records: %w", err)
			}
		}
		if len(reportJSON) > 0 {
			if err := json.Unmarshal(reportJSON, &br.Report); err != nil {
				return nil, fmt.Errorf("failed to decode diagnostic report: %w", err)
			}
		}
		if len(statsJSON) > 0 {
			if err := json.Unmarshal(statsJSON, &br.Stats); err != nil {
				return nil, fmt.Errorf("failed to decode batch stats: %w", err)
			}
		}
		results = append(results, br)
	}
	return results, rows.Err()
}

// NextBatch reports the global index of the next uncommitted batch, which
// equals completed_batches under the monotone batch cursor.
func (s *PgStore) NextBatch(ctx context.Context, taskID string) (int, error) {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	return t.CompletedBatches, nil
}

// ListTasks returns recent tasks, optionally filtered by status.
func (s *PgStore) ListTasks(ctx context.Context, status TaskStatus, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// DeleteTask removes the task and, via cascade, its batch results. A
// running worker observes the deletion at its next batch boundary.
func (s *PgStore) DeleteTask(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE task_id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	if s.rclient != nil {
		s.rclient.Del(ctx, TaskCacheKey(taskID))
	}
	s.logger.Info().LogActivity("Task deleted", map[string]any{"taskId": taskID})
	return nil
}

// CountByStatus aggregates task counts for the stats endpoint.
func (s *PgStore) CountByStatus(ctx context.Context) (StatusCounts, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return StatusCounts{}, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	var counts StatusCounts
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return StatusCounts{}, fmt.Errorf("failed to scan count: %w", err)
		}
		switch status {
		case StatusPending:
			counts.Pending = n
		case StatusProcessing:
			counts.Processing = n
		case StatusCompleted:
			counts.Completed = n
		case StatusFailed:
			counts.Failed = n
		}
		counts.Total += n
	}
	return counts, rows.Err()
}

func (s *PgStore) cacheTask(ctx context.Context, t *Task) {
	if s.rclient == nil {
		return
	}
	data, err := json.Marshal(t)
	if err != nil {
		return
	}
	ttl := s.cacheTTL
	if t.Status.Terminal() {
		ttl = s.cacheTTL * terminalTTLMultiplier
	}
	if err := s.rclient.Set(ctx, TaskCacheKey(t.TaskID), data, ttl).Err(); err != nil {
		s.logger.Debug0().LogActivity("Task cache write failed", map[string]any{
			"taskId": t.TaskID,
			"error":  err.Error(),
		})
	}
}

// refreshCache reloads the row and rewrites the cache entry.
func (s *PgStore) refreshCache(ctx context.Context, taskID string) {
	if s.rclient == nil {
		return
	}
	t, err := s.getTaskFromDB(ctx, taskID)
	if err != nil {
		return
	}
	s.cacheTask(ctx, t)
}
