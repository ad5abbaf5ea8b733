package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/remiges-tech/refinery/pipeline"
)

// startPostgres brings up a disposable database with the task schema
// applied.
func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(context.Background()) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn, err := pgx.Connect(ctx, connStr)
	require.NoError(t, err)
	require.NoError(t, MigrateDatabase(ctx, conn))
	require.NoError(t, conn.Close(ctx))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPgStoreLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test requiring Docker")
	}

	ctx := context.Background()
	pool := startPostgres(t)
	mr, rclient := testRedis(t)
	store := NewPgStore(pool, rclient, testLogger(), nil)

	payload := &JobPayload{
		Dataset: []pipeline.Record{
			{"question": "q1", "answer": "a1"},
			{"question": "q2", "answer": "a2"},
		},
		Knowledge:   []string{"fact"},
		SaveReports: true,
	}

	t.Run("create and read back", func(t *testing.T) {
		err := store.CreateTask(ctx, &Task{
			TaskID:       "t1",
			Status:       StatusPending,
			Mode:         pipeline.ModeAuto,
			CurrentPhase: PhaseDiagnostic,
			DatasetSize:  2,
			BatchSize:    50,
		}, payload)
		require.NoError(t, err)

		task, err := store.GetTask(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, task.Status)
		assert.Equal(t, 2, task.DatasetSize)
		assert.Equal(t, 50, task.BatchSize)
		assert.Zero(t, task.CompletedBatches)
		assert.False(t, task.CreatedAt.IsZero())
		assert.Nil(t, task.StartTime)

		// creation primes the read cache
		assert.True(t, mr.Exists(TaskCacheKey("t1")))

		got, err := store.GetPayload(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, got.Dataset, 2)
		assert.Equal(t, "q2", got.Dataset[1].Question())
		assert.Equal(t, []string{"fact"}, got.Knowledge)
		assert.True(t, got.SaveReports)
	})

	t.Run("duplicate id is rejected", func(t *testing.T) {
		err := store.CreateTask(ctx, &Task{TaskID: "t1", Status: StatusPending}, payload)
		assert.ErrorIs(t, err, ErrTaskExists)
	})

	t.Run("unknown task", func(t *testing.T) {
		_, err := store.GetTask(ctx, "nope")
		assert.ErrorIs(t, err, ErrTaskNotFound)
		_, err = store.GetPayload(ctx, "nope")
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("poisoned cache entry falls back to the database", func(t *testing.T) {
		require.NoError(t, mr.Set(TaskCacheKey("t1"), "{not json"))
		task, err := store.GetTask(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "t1", task.TaskID)
	})

	t.Run("cache expiry falls back to the database", func(t *testing.T) {
		mr.FastForward(time.Duration(defaultCacheTTLSec+1) * time.Second)
		assert.False(t, mr.Exists(TaskCacheKey("t1")))
		task, err := store.GetTask(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "t1", task.TaskID)
		assert.True(t, mr.Exists(TaskCacheKey("t1")))
	})

	t.Run("partial update", func(t *testing.T) {
		status := StatusProcessing
		phase := PhaseDiagnostic
		mode := pipeline.ModeAuto
		now := time.Now().UTC()
		task, err := store.UpdateTask(ctx, "t1", TaskUpdate{
			Status:    &status,
			Phase:     &phase,
			Mode:      &mode,
			StartTime: &now,
		})
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, task.Status)
		require.NotNil(t, task.StartTime)
		assert.Equal(t, 50, task.BatchSize) // untouched

		_, err = store.UpdateTask(ctx, "nope", TaskUpdate{Status: &status})
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("batch commits advance the cursor", func(t *testing.T) {
		report := &pipeline.DiagnosticReport{
			TotalSamples:      2,
			AnalysisType:      "auto",
			SparseClusters:    []pipeline.ClusterSummary{},
			LowQualitySamples: []pipeline.LowQualitySample{},
		}
		task, err := store.PutBatchResult(ctx, "t1", BatchCommit{
			Result:       &BatchResult{BatchIndex: 0, Phase: PhaseDiagnostic, Report: report},
			Progress:     3,
			Phase:        PhaseDiagnostic,
			TotalBatches: 3,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, task.CompletedBatches)
		assert.Equal(t, 3, task.TotalBatches)
		assert.InDelta(t, 3.0, task.Progress, 1e-9)

		// a duplicate index means another run already owns this batch
		_, err = store.PutBatchResult(ctx, "t1", BatchCommit{
			Result:   &BatchResult{BatchIndex: 0, Phase: PhaseDiagnostic, Report: report},
			Progress: 3,
			Phase:    PhaseDiagnostic,
		})
		assert.ErrorIs(t, err, ErrBatchExists)

		task, err = store.PutBatchResult(ctx, "t1", BatchCommit{
			Result: &BatchResult{
				BatchIndex: 1,
				Phase:      PhaseVerification,
				Records:    []pipeline.Record{{"question": "q1", "answer": "a1"}},
				Stats:      map[string]any{"total": 2, "passed": 2},
			},
			Progress: 95,
			Phase:    PhaseVerification,
		})
		require.NoError(t, err)
		assert.Equal(t, 2, task.CompletedBatches)
		assert.Equal(t, 3, task.TotalBatches) // zero leaves the plan alone

		next, err := store.NextBatch(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, 2, next)

		results, err := store.GetBatchResults(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, 0, results[0].BatchIndex)
		require.NotNil(t, results[0].Report)
		assert.Equal(t, 2, results[0].Report.TotalSamples)
		assert.Empty(t, results[0].Records)
		require.Len(t, results[1].Records, 1)
		assert.Equal(t, "q1", results[1].Records[0].Question())
		assert.EqualValues(t, 2, results[1].Stats["passed"])
	})

	t.Run("completion is transactional and terminal", func(t *testing.T) {
		task, err := store.CompleteTask(ctx, "t1", BatchCommit{
			Result: &BatchResult{
				BatchIndex: 2,
				Phase:      PhaseCleaning,
				Records:    []pipeline.Record{{"question": "q1", "answer": "a1"}},
			},
			Progress: 100,
			Phase:    PhaseCleaning,
		}, map[string]any{"input_size": 2, "output_size": 1})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, task.Status)
		assert.Equal(t, 3, task.CompletedBatches)
		assert.InDelta(t, 100.0, task.Progress, 1e-9)
		assert.NotNil(t, task.EndTime)
		assert.EqualValues(t, 2, task.Statistics["input_size"])

		// terminal state caches far longer than live state
		ttl := rclient.TTL(ctx, TaskCacheKey("t1")).Val()
		assert.Greater(t, ttl, time.Duration(defaultCacheTTLSec)*time.Second)

		// no commits after the terminal transition
		_, err = store.PutBatchResult(ctx, "t1", BatchCommit{
			Result:   &BatchResult{BatchIndex: 3, Phase: PhaseCleaning},
			Progress: 100,
			Phase:    PhaseCleaning,
		})
		assert.ErrorIs(t, err, ErrTaskTerminal)

		// failing a completed task is a no-op
		require.NoError(t, store.FailTask(ctx, "t1", "too late"))
		task, err = store.GetTask(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, task.Status)
		assert.Empty(t, task.Error)
	})

	t.Run("commits require the processing state", func(t *testing.T) {
		require.NoError(t, store.CreateTask(ctx, &Task{TaskID: "t2", Status: StatusPending}, payload))
		_, err := store.PutBatchResult(ctx, "t2", BatchCommit{
			Result:   &BatchResult{BatchIndex: 0, Phase: PhaseDiagnostic},
			Progress: 3,
			Phase:    PhaseDiagnostic,
		})
		assert.ErrorIs(t, err, ErrTaskTerminal)
		_, err = store.PutBatchResult(ctx, "nope", BatchCommit{
			Result:   &BatchResult{BatchIndex: 0, Phase: PhaseDiagnostic},
			Progress: 3,
			Phase:    PhaseDiagnostic,
		})
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("fail task records the error", func(t *testing.T) {
		require.NoError(t, store.FailTask(ctx, "t2", "model unavailable"))
		task, err := store.GetTask(ctx, "t2")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, task.Status)
		assert.Equal(t, "model unavailable", task.Error)
		assert.NotNil(t, task.EndTime)

		assert.ErrorIs(t, store.FailTask(ctx, "nope", "x"), ErrTaskNotFound)
	})

	t.Run("list and count", func(t *testing.T) {
		tasks, err := store.ListTasks(ctx, "", 0)
		require.NoError(t, err)
		assert.Len(t, tasks, 2)

		completed, err := store.ListTasks(ctx, StatusCompleted, 10)
		require.NoError(t, err)
		require.Len(t, completed, 1)
		assert.Equal(t, "t1", completed[0].TaskID)

		counts, err := store.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts.Completed)
		assert.Equal(t, 1, counts.Failed)
		assert.Equal(t, 2, counts.Total)
	})

	t.Run("delete cascades", func(t *testing.T) {
		require.NoError(t, store.DeleteTask(ctx, "t1"))
		_, err := store.GetTask(ctx, "t1")
		assert.ErrorIs(t, err, ErrTaskNotFound)
		assert.False(t, mr.Exists(TaskCacheKey("t1")))

		results, err := store.GetBatchResults(ctx, "t1")
		require.NoError(t, err)
		assert.Empty(t, results)

		assert.ErrorIs(t, store.DeleteTask(ctx, "t1"), ErrTaskNotFound)
	})

	t.Run("knowledge documents", func(t *testing.T) {
		n, err := store.AddKnowledge(ctx, []string{"Paris is the capital of France.", "  ", "Berlin is the capital of Germany."}, "api")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		docs, err := store.KnowledgeSince(ctx, 0)
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "Paris is the capital of France.", docs[0].Content)
		assert.Equal(t, "api", docs[0].Source)
		assert.Greater(t, docs[1].ID, docs[0].ID)

		later, err := store.KnowledgeSince(ctx, docs[0].ID)
		require.NoError(t, err)
		require.Len(t, later, 1)
		assert.Equal(t, "Berlin is the capital of Germany.", later[0].Content)

		count, err := store.CountKnowledge(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})
}

// TestPgStoreSurvivesRedisLoss exercises the store with the cache layer
// gone: reads must come from the database and writes must still succeed.
func TestPgStoreSurvivesRedisLoss(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test requiring Docker")
	}

	ctx := context.Background()
	pool := startPostgres(t)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	rclient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewPgStore(pool, rclient, testLogger(), nil)

	payload := &JobPayload{Dataset: []pipeline.Record{{"question": "q", "answer": "a"}}}
	require.NoError(t, store.CreateTask(ctx, &Task{TaskID: "t1", Status: StatusPending}, payload))

	mr.Close()

	task, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", task.TaskID)

	status := StatusProcessing
	task, err = store.UpdateTask(ctx, "t1", TaskUpdate{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, task.Status)
}
