package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/refinery/pipeline"
)

// Submitter is the single entry point for new work: it persists a pending
// task and puts the job on the queue. The control API and the file ingest
// daemon both submit through it.
type Submitter struct {
	store     TaskStore
	queue     *Queue
	logger    *logharbour.Logger
	batchSize int
}

func NewSubmitter(store TaskStore, queue *Queue, batchSize int, logger *logharbour.Logger) *Submitter {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Submitter{store: store, queue: queue, logger: logger, batchSize: batchSize}
}

// NewTaskID generates an id in the task_xxxxxxxx form used when the caller
// does not supply one.
func NewTaskID() string {
	return "task_" + uuid.NewString()[:8]
}

func (s *Submitter) newPendingTask(taskID string, payload *JobPayload) *Task {
	return &Task{
		TaskID:       taskID,
		Status:       StatusPending,
		Mode:         pipeline.SelectMode(payload.Guidance),
		CurrentPhase: PhaseDiagnostic,
		DatasetSize:  len(payload.Dataset),
		BatchSize:    s.batchSize,
		CreatedAt:    time.Now().UTC(),
	}
}

// Submit persists a pending task and enqueues its job. An empty taskID gets
// a generated one; a taken taskID returns ErrTaskExists. The returned task
// is the created pending row.
func (s *Submitter) Submit(ctx context.Context, taskID string, payload *JobPayload) (*Task, error) {
	if payload == nil {
		payload = &JobPayload{}
	}
	if taskID == "" {
		taskID = NewTaskID()
	}

	task := s.newPendingTask(taskID, payload)
	if err := s.store.CreateTask(ctx, task, payload); err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, JobMessage{TaskID: taskID, JobPayload: *payload}); err != nil {
		// an unqueued pending task would sit forever, so take the row back
		// out and let the caller retry the whole submission
		if delErr := s.store.DeleteTask(ctx, taskID); delErr != nil {
			s.logger.Error(delErr).LogActivity("Failed to clean up unqueued task", map[string]any{
				"taskId": taskID,
			})
		}
		return nil, fmt.Errorf("failed to enqueue task %s: %w", taskID, err)
	}

	s.logger.Info().LogActivity("Task submitted", map[string]any{
		"taskId":      taskID,
		"datasetSize": len(payload.Dataset),
		"mode":        task.Mode,
	})
	return task, nil
}

// SubmitInline persists a pending task without putting it on the queue. The
// synchronous optimize endpoint uses it: the caller runs the task in process
// right after, so a queued copy would only race it.
func (s *Submitter) SubmitInline(ctx context.Context, taskID string, payload *JobPayload) (*Task, error) {
	if payload == nil {
		payload = &JobPayload{}
	}
	if taskID == "" {
		taskID = NewTaskID()
	}

	task := s.newPendingTask(taskID, payload)
	if err := s.store.CreateTask(ctx, task, payload); err != nil {
		return nil, err
	}
	s.logger.Info().LogActivity("Task submitted for inline run", map[string]any{
		"taskId":      taskID,
		"datasetSize": len(payload.Dataset),
		"mode":        task.Mode,
	})
	return task, nil
}

// Resume re-enqueues an interrupted task. The payload is not resent; the
// worker reloads it from the store. Terminal tasks return ErrTaskTerminal.
func (s *Submitter) Resume(ctx context.Context, taskID string) (*Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, ErrTaskTerminal
	}
	if err := s.queue.Enqueue(ctx, JobMessage{TaskID: taskID}); err != nil {
		return nil, fmt.Errorf("failed to enqueue resume for task %s: %w", taskID, err)
	}
	s.logger.Info().LogActivity("Task resume requested", map[string]any{
		"taskId":           taskID,
		"completedBatches": task.CompletedBatches,
	})
	return task, nil
}
