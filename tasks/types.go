// Package tasks implements the durable task store, the job queue, the
// worker runtime, and the batch scheduler that drives the optimization
// pipeline. PostgreSQL is the authoritative store; Redis carries the job
// queue, the worker registry, and a read cache of task state.
package tasks

import (
	"time"

	"github.com/remiges-tech/refinery/pipeline"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Phase is the advisory pipeline stage recorded on a task.
type Phase string

const (
	PhaseDiagnostic   Phase = "diagnostic"
	PhaseOptimization Phase = "optimization"
	PhaseGeneration   Phase = "generation"
	PhaseVerification Phase = "verification"
	PhaseCleaning     Phase = "cleaning"
)

// Task is the durable state of one optimization run. Progress moves only
// when a batch commits; readers observing completed_batches = k are
// guaranteed at least k batch results in the store.
type Task struct {
	TaskID           string         `json:"task_id"`
	Status           TaskStatus     `json:"status"`
	Mode             string         `json:"mode"`
	CurrentPhase     Phase          `json:"current_phase"`
	Progress         float64        `json:"progress"`
	TotalBatches     int            `json:"total_batches"`
	CompletedBatches int            `json:"completed_batches"`
	DatasetSize      int            `json:"dataset_size"`
	BatchSize        int            `json:"batch_size"`
	Error            string         `json:"error,omitempty"`
	Statistics       map[string]any `json:"statistics,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	StartTime        *time.Time     `json:"start_time,omitempty"`
	EndTime          *time.Time     `json:"end_time,omitempty"`
}

// JobPayload is the pipeline input. It is persisted with the task at
// creation so that resume and crash recovery can re-run without the
// original message, and it travels in the queue message for the fast path.
type JobPayload struct {
	Dataset     []pipeline.Record  `json:"dataset"`
	Knowledge   []string           `json:"knowledge_base,omitempty"`
	Guidance    *pipeline.Guidance `json:"optimization_guidance,omitempty"`
	SaveReports bool               `json:"save_reports"`
}

// JobMessage is what travels through the job queue. A resume message
// carries only the task id; the worker reloads the payload from the store.
type JobMessage struct {
	TaskID string `json:"task_id"`
	JobPayload
}

// BatchResult is one committed unit of pipeline output. The diagnosis
// stage commits its report as batch 0; worker stages commit their records;
// the final cleaning commit carries the redacted dataset.
type BatchResult struct {
	BatchIndex int                        `json:"batch_index"`
	Phase      Phase                      `json:"phase"`
	Records    []pipeline.Record          `json:"records,omitempty"`
	Report     *pipeline.DiagnosticReport `json:"report,omitempty"`
	Stats      map[string]any             `json:"stats,omitempty"`
	CreatedAt  time.Time                  `json:"created_at"`
}

// FinalDataset extracts the redacted output dataset from a task's batch
// results. It is the cleaning-phase commit, which exists exactly once on a
// completed task; nil for tasks that have not reached the final commit.
func FinalDataset(results []BatchResult) []pipeline.Record {
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Phase == PhaseCleaning {
			return results[i].Records
		}
	}
	return nil
}

// BatchCommit bundles everything update_batch_progress applies in one
// transaction: the result row, the recomputed progress, the phase, and an
// optional re-plan of total_batches.
type BatchCommit struct {
	Result       *BatchResult
	Progress     float64
	Phase        Phase
	TotalBatches int // 0 leaves total_batches unchanged
}

// TaskUpdate is a partial task mutation; nil fields stay untouched.
type TaskUpdate struct {
	Status       *TaskStatus
	Phase        *Phase
	Mode         *string
	Progress     *float64
	TotalBatches *int
	StartTime    *time.Time
	Error        *string
	Statistics   map[string]any
}

// StatusCounts aggregates tasks by lifecycle state.
type StatusCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}
