package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiges-tech/refinery/knowledge"
	"github.com/remiges-tech/refinery/llm"
	"github.com/remiges-tech/refinery/pipeline"
)

func testWorkflow(t *testing.T, client llm.Client, embedder knowledge.Embedder) *pipeline.Workflow {
	t.Helper()
	corpus, err := knowledge.NewCorpus(embedder, testLogger())
	require.NoError(t, err)
	return pipeline.NewWorkflow(client, embedder, corpus, pipeline.WorkflowConfig{
		Verify: pipeline.VerifyConfig{EnableSelfCorrection: true},
	}, testLogger())
}

func newTestScheduler(store TaskStore, wf *pipeline.Workflow, batchSize int) *Scheduler {
	s := NewScheduler(store, wf, testLogger(), SchedulerConfig{BatchSize: batchSize})
	s.backoff = func(int) time.Duration { return 0 }
	return s
}

func createPending(t *testing.T, store TaskStore, id string, payload *JobPayload, batchSize int) {
	t.Helper()
	require.NoError(t, store.CreateTask(context.Background(), &Task{
		TaskID:       id,
		Status:       StatusPending,
		Mode:         pipeline.ModeAuto,
		CurrentPhase: PhaseDiagnostic,
		DatasetSize:  len(payload.Dataset),
		BatchSize:    batchSize,
	}, payload))
}

// reasonedAnswer is comfortably past the short-answer cutoff.
var reasonedAnswer = strings.Repeat("thorough answer text ", 4)

func TestRunTaskPassthroughWithEmptyCorpus(t *testing.T) {
	store := NewMemStore()
	client := llm.NewMockClient("")
	wf := testWorkflow(t, client, knowledge.NewMockEmbedder(8))
	sched := newTestScheduler(store, wf, 50)
	ctx := context.Background()

	dataset := []pipeline.Record{
		{"question": "q1", "answer": "a1"},
		{"question": "q2", "answer": "a2"},
		{"question": "q3", "answer": "a3"},
	}
	payload := &JobPayload{Dataset: dataset}
	createPending(t, store, "t1", payload, 50)

	require.NoError(t, sched.RunTask(ctx, "t1", payload))

	task, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.InDelta(t, 100.0, task.Progress, 1e-9)
	assert.Equal(t, 3, task.TotalBatches)
	assert.Equal(t, 3, task.CompletedBatches)
	assert.Equal(t, pipeline.ModeAuto, task.Mode)
	assert.NotNil(t, task.StartTime)
	assert.NotNil(t, task.EndTime)

	// no reasoning scan without a think field, no clustering under ten
	// records, no verification calls against an empty corpus
	assert.Zero(t, client.CallCount())

	results, err := store.GetBatchResults(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, PhaseDiagnostic, results[0].Phase)
	require.NotNil(t, results[0].Report)
	assert.False(t, results[0].Report.HasThinkField)
	assert.Equal(t, PhaseVerification, results[1].Phase)
	assert.Equal(t, PhaseCleaning, results[2].Phase)
	require.Len(t, results[2].Records, 3)
	assert.Equal(t, "q1", results[2].Records[0].Question())

	stats := task.Statistics
	require.NotNil(t, stats)
	assert.Equal(t, 3, stats["input_size"])
	assert.Equal(t, 3, stats["output_size"])
	assert.Equal(t, pipeline.ModeAuto, stats["mode"])
	assert.Equal(t, 0, stats["pii_cleaned_count"])
	vstats, ok := stats["verification_stats"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 3, vstats["total"])
	assert.Equal(t, 3, vstats["verified"])
}

func TestRunTaskRewritesFlaggedRecords(t *testing.T) {
	store := NewMemStore()
	client := llm.NewMockClient("").
		Reply("Add a detailed chain-of-thought", `{"question":"q2","reasoning":"worked step by step","answer":"better"}`)
	wf := testWorkflow(t, client, knowledge.NewMockEmbedder(8))
	sched := newTestScheduler(store, wf, 50)
	ctx := context.Background()

	dataset := []pipeline.Record{
		{"question": "q1", "think": "t", "reasoning": "already reasoned", "answer": reasonedAnswer},
		{"question": "q2", "answer": reasonedAnswer},
	}
	payload := &JobPayload{Dataset: dataset}
	createPending(t, store, "t1", payload, 50)

	require.NoError(t, sched.RunTask(ctx, "t1", payload))

	task, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, 4, task.TotalBatches)
	assert.Equal(t, 4, task.CompletedBatches)
	assert.Equal(t, 1, client.CallCount())

	results, err := store.GetBatchResults(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.Equal(t, PhaseOptimization, results[1].Phase)
	require.Len(t, results[1].Records, 1)
	rewritten := results[1].Records[0]
	assert.Equal(t, "q2", rewritten.Question())
	assert.Equal(t, "worked step by step", rewritten.Reasoning())
	assert.Equal(t, "better", rewritten.Answer())
	marked, _ := rewritten[pipeline.MarkerOptimized].(bool)
	assert.True(t, marked)

	// output order: kept records first, then the rewrites
	final := results[3]
	require.Len(t, final.Records, 2)
	assert.Equal(t, "q1", final.Records[0].Question())
	assert.Equal(t, "q2", final.Records[1].Question())

	ostats, ok := task.Statistics["optimization_stats"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, ostats["optimized_count"])
	assert.Equal(t, 1, ostats["low_quality_samples"])
}

func TestRunTaskGeneratesForSparseClusters(t *testing.T) {
	embedder := knowledge.NewMockEmbedder(4)
	axisA := []float32{1, 0, 0, 0}
	axisB := []float32{0, 1, 0, 0}

	var dataset []pipeline.Record
	for i := 0; i < 27; i++ {
		q := fmt.Sprintf("common-%d", i)
		embedder.Script(q, axisA)
		dataset = append(dataset, pipeline.Record{"question": q, "answer": "a"})
	}
	for i := 0; i < 3; i++ {
		q := fmt.Sprintf("rare-%d", i)
		embedder.Script(q, axisB)
		dataset = append(dataset, pipeline.Record{"question": q, "answer": "a"})
	}

	// the sparse cluster of 3 asks for 47 records, the model undershoots
	client := llm.NewMockClient("").
		Reply("similar but distinct", `[{"question":"new-1","reasoning":"r","answer":"a"},{"question":"new-2","reasoning":"r","answer":"a"}]`)

	store := NewMemStore()
	wf := testWorkflow(t, client, embedder)
	sched := newTestScheduler(store, wf, 50)
	ctx := context.Background()

	payload := &JobPayload{Dataset: dataset}
	createPending(t, store, "t1", payload, 50)

	require.NoError(t, sched.RunTask(ctx, "t1", payload))

	task, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.Status)
	// planned for 77 verification inputs (two batches), replanned down to
	// one batch once generation delivered 2 of 47
	assert.Equal(t, 4, task.TotalBatches)
	assert.Equal(t, 4, task.CompletedBatches)
	assert.Equal(t, 1, client.CallCount())

	results, err := store.GetBatchResults(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, results, 4)

	require.NotNil(t, results[0].Report)
	require.Len(t, results[0].Report.SparseClusters, 1)
	assert.Equal(t, 3, results[0].Report.SparseClusters[0].Size)

	assert.Equal(t, PhaseGeneration, results[1].Phase)
	require.Len(t, results[1].Records, 2)
	for _, rec := range results[1].Records {
		marked, _ := rec[pipeline.MarkerGenerated].(bool)
		assert.True(t, marked)
	}

	final := results[3]
	assert.Len(t, final.Records, 32)

	ostats, ok := task.Statistics["optimization_stats"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2, ostats["generated_count"])
	assert.Equal(t, 1, ostats["sparse_clusters"])
}

func TestRunTaskResumesFromStoredState(t *testing.T) {
	store := NewMemStore()
	client := llm.NewMockClient("")
	wf := testWorkflow(t, client, knowledge.NewMockEmbedder(8))
	sched := newTestScheduler(store, wf, 50)
	ctx := context.Background()

	dataset := []pipeline.Record{
		{"question": "q1", "think": "t", "reasoning": "r", "answer": reasonedAnswer},
		{"question": "q2", "answer": reasonedAnswer},
	}
	createPending(t, store, "t1", &JobPayload{Dataset: dataset}, 50)

	// state left behind by a crashed worker: diagnosis and the rewrite
	// batch committed, verification never started
	processing := StatusProcessing
	_, err := store.UpdateTask(ctx, "t1", TaskUpdate{Status: &processing})
	require.NoError(t, err)

	report := &pipeline.DiagnosticReport{
		TotalSamples:  2,
		HasThinkField: true,
		AnalysisType:  "reasoning_data_analysis",
		LowQualitySamples: []pipeline.LowQualitySample{
			{Index: 1, Record: dataset[1], Issue: "missing_cot"},
		},
	}
	_, err = store.PutBatchResult(ctx, "t1", BatchCommit{
		Result:       &BatchResult{BatchIndex: 0, Phase: PhaseDiagnostic, Report: report},
		Progress:     3,
		Phase:        PhaseDiagnostic,
		TotalBatches: 4,
	})
	require.NoError(t, err)

	rewritten := dataset[1].Clone()
	rewritten["reasoning"] = "recovered reasoning"
	rewritten[pipeline.MarkerOptimized] = true
	_, err = store.PutBatchResult(ctx, "t1", BatchCommit{
		Result:   &BatchResult{BatchIndex: 1, Phase: PhaseOptimization, Records: []pipeline.Record{rewritten}},
		Progress: 50,
		Phase:    PhaseOptimization,
	})
	require.NoError(t, err)

	// recovery messages carry no payload; the scheduler reloads it
	require.NoError(t, sched.RunTask(ctx, "t1", nil))

	task, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, 4, task.TotalBatches)
	assert.Equal(t, 4, task.CompletedBatches)

	// neither diagnosis nor the committed rewrite batch ran again
	assert.Zero(t, client.CallCount())

	results, err := store.GetBatchResults(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, results, 4)
	final := results[3]
	assert.Equal(t, PhaseCleaning, final.Phase)
	require.Len(t, final.Records, 2)
	assert.Equal(t, "q1", final.Records[0].Question())
	assert.Equal(t, "recovered reasoning", final.Records[1].Reasoning())
}

type recordingSink struct {
	calls      int
	dataset    []pipeline.Record
	statistics map[string]any
	err        error
}

func (r *recordingSink) SaveRun(_ context.Context, _ *Task, _ *pipeline.DiagnosticReport, dataset []pipeline.Record, statistics map[string]any) error {
	r.calls++
	r.dataset = dataset
	r.statistics = statistics
	return r.err
}

func TestRunTaskArtifactSink(t *testing.T) {
	ctx := context.Background()
	dataset := []pipeline.Record{{"question": "q", "answer": "a"}}

	t.Run("saves artifacts when the task asks for reports", func(t *testing.T) {
		store := NewMemStore()
		wf := testWorkflow(t, llm.NewMockClient(""), knowledge.NewMockEmbedder(8))
		sched := newTestScheduler(store, wf, 50)
		sink := &recordingSink{}
		sched.SetArtifactSink(sink)

		payload := &JobPayload{Dataset: dataset, SaveReports: true}
		createPending(t, store, "t1", payload, 50)
		require.NoError(t, sched.RunTask(ctx, "t1", payload))

		assert.Equal(t, 1, sink.calls)
		require.Len(t, sink.dataset, 1)
		assert.Equal(t, "q", sink.dataset[0].Question())
		assert.Equal(t, 1, sink.statistics["output_size"])
	})

	t.Run("skips the sink otherwise", func(t *testing.T) {
		store := NewMemStore()
		wf := testWorkflow(t, llm.NewMockClient(""), knowledge.NewMockEmbedder(8))
		sched := newTestScheduler(store, wf, 50)
		sink := &recordingSink{}
		sched.SetArtifactSink(sink)

		payload := &JobPayload{Dataset: dataset}
		createPending(t, store, "t2", payload, 50)
		require.NoError(t, sched.RunTask(ctx, "t2", payload))
		assert.Zero(t, sink.calls)
	})

	t.Run("a sink failure fails the task", func(t *testing.T) {
		store := NewMemStore()
		wf := testWorkflow(t, llm.NewMockClient(""), knowledge.NewMockEmbedder(8))
		sched := newTestScheduler(store, wf, 50)
		sched.SetArtifactSink(&recordingSink{err: errors.New("disk full")})

		payload := &JobPayload{Dataset: dataset, SaveReports: true}
		createPending(t, store, "t3", payload, 50)
		err := sched.RunTask(ctx, "t3", payload)
		require.Error(t, err)

		task, getErr := store.GetTask(ctx, "t3")
		require.NoError(t, getErr)
		assert.Equal(t, StatusFailed, task.Status)
		assert.Contains(t, task.Error, "disk full")
		assert.NotNil(t, task.EndTime)
	})
}

// deletingStore simulates an operator deleting the task between batch
// commits.
type deletingStore struct {
	TaskStore
	commitsUntilDelete int
}

func (d *deletingStore) PutBatchResult(ctx context.Context, taskID string, commit BatchCommit) (*Task, error) {
	task, err := d.TaskStore.PutBatchResult(ctx, taskID, commit)
	if err == nil {
		d.commitsUntilDelete--
		if d.commitsUntilDelete == 0 {
			_ = d.TaskStore.DeleteTask(ctx, taskID)
		}
	}
	return task, err
}

func TestRunTaskStopsQuietlyWhenTaskDeleted(t *testing.T) {
	inner := NewMemStore()
	store := &deletingStore{TaskStore: inner, commitsUntilDelete: 1}
	client := llm.NewMockClient("")
	wf := testWorkflow(t, client, knowledge.NewMockEmbedder(8))
	sched := newTestScheduler(store, wf, 50)
	ctx := context.Background()

	dataset := []pipeline.Record{
		{"question": "q1", "think": "t", "reasoning": "r", "answer": reasonedAnswer},
		{"question": "q2", "answer": reasonedAnswer},
	}
	payload := &JobPayload{Dataset: dataset}
	createPending(t, store, "t1", payload, 50)

	// the deletion lands right after the diagnostic commit; the run stops
	// at the next batch boundary without reporting an error
	require.NoError(t, sched.RunTask(ctx, "t1", payload))

	_, err := inner.GetTask(ctx, "t1")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.Zero(t, client.CallCount())
}

func TestRunTaskTimesOut(t *testing.T) {
	store := NewMemStore()
	wf := testWorkflow(t, llm.NewMockClient(""), knowledge.NewMockEmbedder(8))
	sched := NewScheduler(store, wf, testLogger(), SchedulerConfig{BatchSize: 50, TaskTimeout: time.Nanosecond})
	sched.backoff = func(int) time.Duration { return 0 }
	ctx := context.Background()

	payload := &JobPayload{Dataset: []pipeline.Record{{"question": "q", "answer": "a"}}}
	createPending(t, store, "t1", payload, 50)

	err := sched.RunTask(ctx, "t1", payload)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	task, getErr := store.GetTask(ctx, "t1")
	require.NoError(t, getErr)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Contains(t, task.Error, "timed out")
}

func TestRunTaskLeavesTaskOnShutdown(t *testing.T) {
	store := NewMemStore()
	wf := testWorkflow(t, llm.NewMockClient(""), knowledge.NewMockEmbedder(8))
	sched := newTestScheduler(store, wf, 50)

	payload := &JobPayload{Dataset: []pipeline.Record{{"question": "q", "answer": "a"}}}
	createPending(t, store, "t1", payload, 50)

	parent, cancel := context.WithCancel(context.Background())
	cancel()
	err := sched.RunTask(parent, "t1", payload)
	require.Error(t, err)

	// the task is untouched, a recovery sweep will re-enqueue it
	task, getErr := store.GetTask(context.Background(), "t1")
	require.NoError(t, getErr)
	assert.Equal(t, StatusPending, task.Status)
	assert.Empty(t, task.Error)
}

func TestRunTaskRetriesTransientCommitFailures(t *testing.T) {
	store := NewMemStore()
	store.FailCommits = 2
	wf := testWorkflow(t, llm.NewMockClient(""), knowledge.NewMockEmbedder(8))
	sched := newTestScheduler(store, wf, 50)
	ctx := context.Background()

	payload := &JobPayload{Dataset: []pipeline.Record{{"question": "q", "answer": "a"}}}
	createPending(t, store, "t1", payload, 50)

	require.NoError(t, sched.RunTask(ctx, "t1", payload))

	task, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.Status)
}

func TestRunTaskAppliesCorrections(t *testing.T) {
	store := NewMemStore()
	client := llm.NewMockClient("").
		Reply("Check this question/answer pair",
			`{"is_correct": false, "confidence": 0.9, "corrected_answer": "Paris", "corrected_reasoning": "the reference names Paris"}`)
	wf := testWorkflow(t, client, knowledge.NewMockEmbedder(8))
	sched := newTestScheduler(store, wf, 50)
	ctx := context.Background()

	payload := &JobPayload{
		Dataset:   []pipeline.Record{{"question": "capital of France?", "answer": "Lyon"}},
		Knowledge: []string{"Paris is the capital of France."},
	}
	createPending(t, store, "t1", payload, 50)

	require.NoError(t, sched.RunTask(ctx, "t1", payload))

	task, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, 1, client.CallCount())

	results, err := store.GetBatchResults(ctx, "t1")
	require.NoError(t, err)
	final := results[len(results)-1]
	require.Len(t, final.Records, 1)
	rec := final.Records[0]
	assert.Equal(t, "Paris", rec.Answer())
	assert.Equal(t, "the reference names Paris", rec.Reasoning())
	corrected, _ := rec[pipeline.MarkerCorrected].(bool)
	assert.True(t, corrected)
}

func TestRunTaskRedactsPIIInFinalOutput(t *testing.T) {
	store := NewMemStore()
	wf := testWorkflow(t, llm.NewMockClient(""), knowledge.NewMockEmbedder(8))
	sched := newTestScheduler(store, wf, 50)
	ctx := context.Background()

	payload := &JobPayload{Dataset: []pipeline.Record{
		{"question": "reach me at alice@example.com", "answer": "ok"},
		{"question": "clean", "answer": "also clean"},
	}}
	createPending(t, store, "t1", payload, 50)

	require.NoError(t, sched.RunTask(ctx, "t1", payload))

	task, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, task.Statistics["pii_cleaned_count"])

	results, err := store.GetBatchResults(ctx, "t1")
	require.NoError(t, err)
	final := results[len(results)-1]
	require.Len(t, final.Records, 2)
	assert.Equal(t, "reach me at [EMAIL]", final.Records[0].Question())
	cleanedMark, _ := final.Records[0][pipeline.MarkerPIICleaned].(bool)
	assert.True(t, cleanedMark)
	_, untouched := final.Records[1][pipeline.MarkerPIICleaned]
	assert.False(t, untouched)
}
