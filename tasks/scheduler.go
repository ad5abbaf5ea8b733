package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/refinery/pipeline"
)

const (
	defaultTaskTimeout = time.Hour
	defaultRetryLimit  = 3
)

// SchedulerConfig tunes a task run; zero values select defaults.
type SchedulerConfig struct {
	// BatchSize is the records-per-batch cutoff for tasks that did not
	// persist their own.
	BatchSize int
	// TaskTimeout is the wall clock budget of one run attempt. A resumed
	// task gets a fresh budget.
	TaskTimeout time.Duration
	// RetryLimit bounds store retries at each commit point.
	RetryLimit int
}

// ArtifactSink receives the outputs of a finished run when the task asked
// for saved reports. Saving happens before the final commit, so a sink
// failure fails the task.
type ArtifactSink interface {
	SaveRun(ctx context.Context, task *Task, report *pipeline.DiagnosticReport, dataset []pipeline.Record, statistics map[string]any) error
}

// Scheduler drives one task through the pipeline stages, committing one
// batch at a time. Every commit is a suspension point: after a crash, a
// resuming worker replans the same batches from the stored diagnostic
// report and skips the indexes that already committed.
type Scheduler struct {
	store  TaskStore
	wf     *pipeline.Workflow
	sink   ArtifactSink
	logger *logharbour.Logger
	cfg    SchedulerConfig

	// backoff paces commit retries; tests shrink it
	backoff func(attempt int) time.Duration
}

func NewScheduler(store TaskStore, wf *pipeline.Workflow, logger *logharbour.Logger, cfg SchedulerConfig) *Scheduler {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = defaultRetryLimit
	}
	return &Scheduler{
		store:  store,
		wf:     wf,
		logger: logger,
		cfg:    cfg,
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt) * time.Second
		},
	}
}

// SetArtifactSink installs an optional destination for saved reports.
func (s *Scheduler) SetArtifactSink(sink ArtifactSink) {
	s.sink = sink
}

// RunTask executes or resumes one task. A nil payload is reloaded from the
// store, which is how recovery messages arrive. The task is failed in the
// store on pipeline errors and on timeout; it is left untouched when the
// parent context is canceled, so a sweep can hand it to another worker.
func (s *Scheduler) RunTask(parent context.Context, taskID string, payload *JobPayload) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.TaskTimeout)
	defer cancel()

	err := s.run(ctx, taskID, payload)
	switch {
	case err == nil:
		return nil

	case errors.Is(err, ErrTaskNotFound):
		s.logger.Info().LogActivity("Task deleted during run, stopping", map[string]any{
			"taskId": taskID,
		})
		return nil

	case errors.Is(err, ErrTaskTerminal):
		s.logger.Info().LogActivity("Task left processing state, stopping", map[string]any{
			"taskId": taskID,
		})
		return nil

	case parent.Err() != nil:
		// worker shutdown: leave the task claimed so the recovery sweep
		// re-enqueues it
		s.logger.Warn().LogActivity("Task run interrupted by shutdown", map[string]any{
			"taskId": taskID,
		})
		return err

	case errors.Is(err, context.DeadlineExceeded):
		msg := fmt.Sprintf("task timed out after %s", s.cfg.TaskTimeout)
		s.logger.LogDataChange("Task failed on timeout", logharbour.ChangeInfo{
			Entity: "Task",
			Op:     "StatusUpdated",
			Changes: []logharbour.ChangeDetail{
				{Field: "status", OldVal: StatusProcessing, NewVal: StatusFailed},
			},
		})
		if failErr := s.store.FailTask(context.Background(), taskID, msg); failErr != nil && !errors.Is(failErr, ErrTaskNotFound) {
			s.logger.Error(failErr).LogActivity("Failed to record task timeout", map[string]any{
				"taskId": taskID,
			})
		}
		return err

	default:
		s.logger.LogDataChange("Task failed", logharbour.ChangeInfo{
			Entity: "Task",
			Op:     "StatusUpdated",
			Changes: []logharbour.ChangeDetail{
				{Field: "status", OldVal: StatusProcessing, NewVal: StatusFailed},
			},
		})
		if failErr := s.store.FailTask(context.Background(), taskID, err.Error()); failErr != nil && !errors.Is(failErr, ErrTaskNotFound) {
			s.logger.Error(failErr).LogActivity("Failed to record task failure", map[string]any{
				"taskId": taskID,
			})
		}
		return err
	}
}

func (s *Scheduler) run(ctx context.Context, taskID string, payload *JobPayload) error {
	// CANCELLATION POINT 1: Early check before starting any work
	if err := ctx.Err(); err != nil {
		return err
	}

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		// duplicate delivery of a finished task
		s.logger.Debug0().LogActivity("Skipping terminal task", map[string]any{
			"taskId": taskID,
			"status": task.Status,
		})
		return nil
	}

	if payload == nil {
		payload, err = s.store.GetPayload(ctx, taskID)
		if err != nil {
			return err
		}
	}

	batchSize := task.BatchSize
	if batchSize <= 0 {
		batchSize = s.cfg.BatchSize
	}
	mode := pipeline.SelectMode(payload.Guidance)
	resuming := task.CompletedBatches > 0

	status := StatusProcessing
	phase := PhaseDiagnostic
	up := TaskUpdate{Status: &status, Phase: &phase, Mode: &mode}
	if task.StartTime == nil {
		now := time.Now().UTC()
		up.StartTime = &now
	}
	s.logger.LogDataChange("Task claimed for processing", logharbour.ChangeInfo{
		Entity: "Task",
		Op:     "StatusUpdated",
		Changes: []logharbour.ChangeDetail{
			{Field: "status", OldVal: task.Status, NewVal: StatusProcessing},
		},
	})
	task, err = s.store.UpdateTask(ctx, taskID, up)
	if err != nil {
		return err
	}

	s.logger.Info().LogActivity("Task run starting", map[string]any{
		"taskId":           taskID,
		"mode":             mode,
		"resume":           resuming,
		"completedBatches": task.CompletedBatches,
		"datasetSize":      len(payload.Dataset),
	})

	if len(payload.Knowledge) > 0 {
		if err := s.wf.Corpus.AddTexts(ctx, payload.Knowledge); err != nil {
			return fmt.Errorf("failed to load task knowledge: %w", err)
		}
	}

	dataset := payload.Dataset
	next := task.CompletedBatches

	// Stage 1: diagnosis, committed as batch 0 together with the batch plan.
	var report *pipeline.DiagnosticReport
	if next == 0 {
		report = s.wf.Diagnostic.Diagnose(ctx, dataset, mode, payload.Guidance)
		// a diagnosis degraded by cancellation must not commit
		if err := ctx.Err(); err != nil {
			return err
		}
	} else {
		report, err = s.storedReport(ctx, taskID)
		if err != nil {
			return err
		}
	}

	genBatches := planGenerationBatches(report.SparseClusters, batchSize)
	plan := Plan{
		OptimizeBatches: NumBatches(len(report.LowQualitySamples), batchSize),
		GenerateBatches: len(genBatches),
		// estimate until generation finishes: every input record survives
		// into verification plus the full generation target
		VerifyBatches: NumBatches(len(dataset)+report.GenerationTargetTotal(), batchSize),
	}

	if next == 0 {
		task, err = s.commitWithRetry(ctx, taskID, BatchCommit{
			Result:       &BatchResult{BatchIndex: 0, Phase: PhaseDiagnostic, Report: report},
			Progress:     StageProgress(PhaseDiagnostic, 1, 1),
			Phase:        PhaseDiagnostic,
			TotalBatches: plan.TotalBatches(),
		})
		if errors.Is(err, ErrBatchExists) {
			// another run of this task won the diagnostic commit; adopt
			// its report so both runs plan identical batches
			task, err = s.store.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			report, err = s.storedReport(ctx, taskID)
			if err != nil {
				return err
			}
			genBatches = planGenerationBatches(report.SparseClusters, batchSize)
			plan = Plan{
				OptimizeBatches: NumBatches(len(report.LowQualitySamples), batchSize),
				GenerateBatches: len(genBatches),
				VerifyBatches:   NumBatches(len(dataset)+report.GenerationTargetTotal(), batchSize),
			}
		}
		if err != nil {
			return err
		}
		next = task.CompletedBatches
	}

	// Stage 2: rewrite flagged records, one batch per commit.
	for i := 0; i < plan.OptimizeBatches; i++ {
		idx := plan.OptimizeIndex(i)
		if idx < next {
			continue // committed by an earlier run
		}
		// CANCELLATION POINT 2: Before each optimization batch
		if err := s.checkRunnable(ctx, taskID); err != nil {
			return err
		}
		start, end := BatchBounds(i, batchSize, len(report.LowQualitySamples))
		records, stats, err := s.wf.Optimization.RewriteBatch(ctx, report.LowQualitySamples[start:end], mode, payload.Guidance)
		if err != nil {
			return fmt.Errorf("optimization batch %d: %w", i, err)
		}
		task, err = s.commitWithRetry(ctx, taskID, BatchCommit{
			Result:   &BatchResult{BatchIndex: idx, Phase: PhaseOptimization, Records: records, Stats: stats},
			Progress: StageProgress(PhaseOptimization, i+1, plan.OptimizeBatches),
			Phase:    PhaseOptimization,
		})
		if errors.Is(err, ErrBatchExists) {
			task, err = s.store.GetTask(ctx, taskID)
		}
		if err != nil {
			return err
		}
		next = task.CompletedBatches
	}

	// Stage 3: synthesize records for sparse clusters.
	for i, portions := range genBatches {
		idx := plan.GenerateIndex(i)
		if idx < next {
			continue
		}
		// CANCELLATION POINT 3: Before each generation batch
		if err := s.checkRunnable(ctx, taskID); err != nil {
			return err
		}
		records, stats, err := s.wf.Optimization.GenerateBatch(ctx, portions, mode, payload.Guidance)
		if err != nil {
			return fmt.Errorf("generation batch %d: %w", i, err)
		}
		task, err = s.commitWithRetry(ctx, taskID, BatchCommit{
			Result:   &BatchResult{BatchIndex: idx, Phase: PhaseGeneration, Records: records, Stats: stats},
			Progress: StageProgress(PhaseGeneration, i+1, plan.GenerateBatches),
			Phase:    PhaseGeneration,
		})
		if errors.Is(err, ErrBatchExists) {
			task, err = s.store.GetTask(ctx, taskID)
		}
		if err != nil {
			return err
		}
		next = task.CompletedBatches
	}

	// Stage 4: verification over kept + rewritten + generated records. The
	// committed batches are read back so a resumed run verifies exactly
	// what the interrupted run produced.
	results, err := s.store.GetBatchResults(ctx, taskID)
	if err != nil {
		return err
	}
	var optimized, generated []pipeline.Record
	for _, br := range results {
		switch br.Phase {
		case PhaseOptimization:
			optimized = append(optimized, br.Records...)
		case PhaseGeneration:
			generated = append(generated, br.Records...)
		}
	}

	lowSet := report.LowQualityIndexSet()
	verifyInput := make([]pipeline.Record, 0, len(dataset)+len(generated))
	for i, rec := range dataset {
		if _, low := lowSet[i]; !low {
			verifyInput = append(verifyInput, rec)
		}
	}
	verifyInput = append(verifyInput, optimized...)
	verifyInput = append(verifyInput, generated...)

	// generation may underfill its targets, so the verification batch
	// count is replanned from the actual input size
	plan.VerifyBatches = NumBatches(len(verifyInput), batchSize)
	replanned := 0
	if total := plan.TotalBatches(); total != task.TotalBatches {
		replanned = total
	}

	for i := 0; i < plan.VerifyBatches; i++ {
		idx := plan.VerifyIndex(i)
		if idx < next {
			continue
		}
		// CANCELLATION POINT 4: Before each verification batch
		if err := s.checkRunnable(ctx, taskID); err != nil {
			return err
		}
		start, end := BatchBounds(i, batchSize, len(verifyInput))
		records, stats, err := s.wf.Verification.VerifyBatch(ctx, verifyInput[start:end])
		if err != nil {
			return fmt.Errorf("verification batch %d: %w", i, err)
		}
		task, err = s.commitWithRetry(ctx, taskID, BatchCommit{
			Result:       &BatchResult{BatchIndex: idx, Phase: PhaseVerification, Records: records, Stats: stats},
			Progress:     StageProgress(PhaseVerification, i+1, plan.VerifyBatches),
			Phase:        PhaseVerification,
			TotalBatches: replanned,
		})
		if errors.Is(err, ErrBatchExists) {
			task, err = s.store.GetTask(ctx, taskID)
		}
		if err != nil {
			return err
		}
		replanned = 0
		next = task.CompletedBatches
	}

	// Stage 5: PII cleaning plus the terminal commit.
	// CANCELLATION POINT 5: Before the final commit
	if err := s.checkRunnable(ctx, taskID); err != nil {
		return err
	}

	results, err = s.store.GetBatchResults(ctx, taskID)
	if err != nil {
		return err
	}
	var verified []pipeline.Record
	for _, br := range results {
		if br.Phase == PhaseVerification {
			verified = append(verified, br.Records...)
		}
	}

	cleaned, piiCount := s.wf.Redactor.RedactAll(verified)
	statistics := buildStatistics(mode, report, dataset, optimized, generated, verifyInput, cleaned, piiCount)

	if payload.SaveReports && s.sink != nil {
		if err := s.sink.SaveRun(ctx, task, report, cleaned, statistics); err != nil {
			return fmt.Errorf("failed to save run artifacts: %w", err)
		}
	}

	task, err = s.completeWithRetry(ctx, taskID, BatchCommit{
		Result: &BatchResult{
			BatchIndex: plan.CleaningIndex(),
			Phase:      PhaseCleaning,
			Records:    cleaned,
			Stats:      map[string]any{"pii_cleaned_count": piiCount},
		},
		Progress:     100,
		Phase:        PhaseCleaning,
		TotalBatches: replanned,
	}, statistics)
	if errors.Is(err, ErrBatchExists) {
		// a duplicate run already completed the task
		task, err = s.store.GetTask(ctx, taskID)
	}
	if err != nil {
		return err
	}

	s.logger.LogDataChange("Task completed", logharbour.ChangeInfo{
		Entity: "Task",
		Op:     "StatusUpdated",
		Changes: []logharbour.ChangeDetail{
			{Field: "status", OldVal: StatusProcessing, NewVal: task.Status},
		},
	})
	s.logger.Info().LogActivity("Task run finished", map[string]any{
		"taskId":     taskID,
		"inputSize":  len(dataset),
		"outputSize": len(cleaned),
		"batches":    task.CompletedBatches,
	})
	return nil
}

// checkRunnable is the batch-boundary gate: the run stops when the context
// is done, the task row is gone, or the task left the processing state.
func (s *Scheduler) checkRunnable(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return ErrTaskTerminal
	}
	return nil
}

func (s *Scheduler) storedReport(ctx context.Context, taskID string) (*pipeline.DiagnosticReport, error) {
	results, err := s.store.GetBatchResults(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || results[0].BatchIndex != 0 || results[0].Report == nil {
		return nil, errors.New("diagnostic report missing from batch results")
	}
	return results[0].Report, nil
}

// commitWithRetry retries transient store failures so a database hiccup
// does not waste a finished model batch. Sentinel errors pass through.
func (s *Scheduler) commitWithRetry(ctx context.Context, taskID string, commit BatchCommit) (*Task, error) {
	return s.retryCommit(ctx, taskID, commit.Result.BatchIndex, func() (*Task, error) {
		return s.store.PutBatchResult(ctx, taskID, commit)
	})
}

func (s *Scheduler) completeWithRetry(ctx context.Context, taskID string, final BatchCommit, statistics map[string]any) (*Task, error) {
	return s.retryCommit(ctx, taskID, final.Result.BatchIndex, func() (*Task, error) {
		return s.store.CompleteTask(ctx, taskID, final, statistics)
	})
}

func (s *Scheduler) retryCommit(ctx context.Context, taskID string, batchIndex int, op func() (*Task, error)) (*Task, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.RetryLimit; attempt++ {
		task, err := op()
		if err == nil {
			return task, nil
		}
		if errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrTaskTerminal) ||
			errors.Is(err, ErrBatchExists) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		s.logger.Warn().LogActivity("Batch commit failed, retrying", map[string]any{
			"taskId":  taskID,
			"batch":   batchIndex,
			"attempt": attempt,
			"error":   err.Error(),
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.backoff(attempt)):
		}
	}
	return nil, fmt.Errorf("batch %d commit failed after %d attempts: %w", batchIndex, s.cfg.RetryLimit, lastErr)
}

// planGenerationBatches splits the per-cluster generation targets into
// batches of at most batchSize records. A batch may span clusters and a
// large cluster may span batches; each portion is one model call.
func planGenerationBatches(clusters []pipeline.ClusterSummary, batchSize int) [][]pipeline.GenerationPortion {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	var batches [][]pipeline.GenerationPortion
	var current []pipeline.GenerationPortion
	room := batchSize
	for _, c := range clusters {
		remain := c.GenerationTarget()
		for remain > 0 {
			take := remain
			if take > room {
				take = room
			}
			current = append(current, pipeline.GenerationPortion{Cluster: c, Count: take})
			remain -= take
			room -= take
			if room == 0 {
				batches = append(batches, current)
				current = nil
				room = batchSize
			}
		}
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func buildStatistics(mode string, report *pipeline.DiagnosticReport, dataset, optimized, generated, verifyInput, cleaned []pipeline.Record, piiCount int) map[string]any {
	optimizedCount := 0
	for _, rec := range optimized {
		if v, ok := rec[pipeline.MarkerOptimized].(bool); ok && v {
			optimizedCount++
		}
	}
	return map[string]any{
		"input_size":        len(dataset),
		"output_size":       len(cleaned),
		"mode":              mode,
		"diagnostic_report": report,
		"optimization_stats": map[string]any{
			"optimized_count":     optimizedCount,
			"generated_count":     len(generated),
			"sparse_clusters":     len(report.SparseClusters),
			"low_quality_samples": len(report.LowQualitySamples),
		},
		"verification_stats": map[string]any{
			"total":    len(verifyInput),
			"verified": len(cleaned),
		},
		"pii_cleaned_count": piiCount,
	}
}
