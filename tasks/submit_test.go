package tasks

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiges-tech/refinery/pipeline"
)

func TestSubmitGeneratesTaskID(t *testing.T) {
	_, rclient := testRedis(t)
	store := NewMemStore()
	sub := NewSubmitter(store, NewQueue(rclient, testLogger()), 25, testLogger())
	ctx := context.Background()

	payload := &JobPayload{Dataset: []pipeline.Record{
		{"question": "q1", "answer": "a1"},
		{"question": "q2", "answer": "a2"},
		{"question": "q3", "answer": "a3"},
	}}
	task, err := sub.Submit(ctx, "", payload)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(task.TaskID, "task_"), task.TaskID)
	assert.Len(t, task.TaskID, len("task_")+8)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, pipeline.ModeAuto, task.Mode)
	assert.Equal(t, PhaseDiagnostic, task.CurrentPhase)
	assert.Equal(t, 3, task.DatasetSize)
	assert.Equal(t, 25, task.BatchSize)
	assert.False(t, task.CreatedAt.IsZero())

	stored, err := store.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)

	q := NewQueue(rclient, testLogger())
	msg, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, task.TaskID, msg.TaskID)
	assert.Len(t, msg.Dataset, 3)
}

func TestSubmitExplicitID(t *testing.T) {
	_, rclient := testRedis(t)
	store := NewMemStore()
	q := NewQueue(rclient, testLogger())
	sub := NewSubmitter(store, q, 0, testLogger())
	ctx := context.Background()

	task, err := sub.Submit(ctx, "nightly-refresh", &JobPayload{Dataset: []pipeline.Record{{"question": "q"}}})
	require.NoError(t, err)
	assert.Equal(t, "nightly-refresh", task.TaskID)
	assert.Equal(t, DefaultBatchSize, task.BatchSize)

	_, err = sub.Submit(ctx, "nightly-refresh", &JobPayload{})
	assert.ErrorIs(t, err, ErrTaskExists)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "a rejected duplicate must not enqueue anything")
}

func TestSubmitModeFollowsGuidance(t *testing.T) {
	_, rclient := testRedis(t)
	sub := NewSubmitter(NewMemStore(), NewQueue(rclient, testLogger()), 50, testLogger())
	ctx := context.Background()

	guided, err := sub.Submit(ctx, "", &JobPayload{
		Dataset:  []pipeline.Record{{"question": "q"}},
		Guidance: &pipeline.Guidance{OptimizationInstructions: "Tighten the reasoning."},
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.ModeGuided, guided.Mode)

	auto, err := sub.Submit(ctx, "", nil)
	require.NoError(t, err)
	assert.Equal(t, pipeline.ModeAuto, auto.Mode)
	assert.Zero(t, auto.DatasetSize)
}

func TestSubmitRollsBackWhenEnqueueFails(t *testing.T) {
	mr, rclient := testRedis(t)
	store := NewMemStore()
	sub := NewSubmitter(store, NewQueue(rclient, testLogger()), 50, testLogger())
	ctx := context.Background()

	mr.Close()

	_, err := sub.Submit(ctx, "t1", &JobPayload{Dataset: []pipeline.Record{{"question": "q"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to enqueue")

	_, err = store.GetTask(ctx, "t1")
	assert.ErrorIs(t, err, ErrTaskNotFound, "an unqueued task must not linger as pending")
}

func TestSubmitInline(t *testing.T) {
	_, rclient := testRedis(t)
	store := NewMemStore()
	q := NewQueue(rclient, testLogger())
	sub := NewSubmitter(store, q, 50, testLogger())
	ctx := context.Background()

	task, err := sub.SubmitInline(ctx, "", &JobPayload{Dataset: []pipeline.Record{{"question": "q"}}})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, task.Status)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth, "inline submission must not enqueue")

	_, err = sub.SubmitInline(ctx, task.TaskID, &JobPayload{})
	assert.ErrorIs(t, err, ErrTaskExists)
}

func TestResume(t *testing.T) {
	_, rclient := testRedis(t)
	store := NewMemStore()
	q := NewQueue(rclient, testLogger())
	sub := NewSubmitter(store, q, 50, testLogger())
	ctx := context.Background()

	task, err := sub.Submit(ctx, "stalled", &JobPayload{Dataset: []pipeline.Record{{"question": "q"}}})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	t.Run("re-enqueues a bare message", func(t *testing.T) {
		resumed, err := sub.Resume(ctx, task.TaskID)
		require.NoError(t, err)
		assert.Equal(t, task.TaskID, resumed.TaskID)

		msg, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, task.TaskID, msg.TaskID)
		assert.Nil(t, payloadFromMessage(msg), "the worker reloads the stored payload")
	})

	t.Run("terminal task cannot resume", func(t *testing.T) {
		done := StatusCompleted
		_, err := store.UpdateTask(ctx, task.TaskID, TaskUpdate{Status: &done})
		require.NoError(t, err)

		_, err = sub.Resume(ctx, task.TaskID)
		assert.ErrorIs(t, err, ErrTaskTerminal)
	})

	t.Run("unknown task", func(t *testing.T) {
		_, err := sub.Resume(ctx, "no-such-task")
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})
}
