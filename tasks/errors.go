package tasks

import "errors"

// Store and queue sentinel errors. Handlers map these onto HTTP statuses;
// the worker uses them to tell deletion from infrastructure failure.
var (
	// ErrTaskNotFound means the task id has no row (never existed or deleted).
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskExists is returned by create when the id is already taken.
	ErrTaskExists = errors.New("task already exists")

	// ErrTaskTerminal rejects mutations of completed or failed tasks.
	ErrTaskTerminal = errors.New("task is in a terminal state")

	// ErrBatchExists means another run of the same task already committed
	// this batch index. The loser adopts the stored cursor and moves on,
	// which is what makes duplicate queue deliveries harmless.
	ErrBatchExists = errors.New("batch already committed")

	// ErrQueueEmpty is a poll timeout with nothing to consume.
	ErrQueueEmpty = errors.New("job queue is empty")

	// ErrPayloadMissing means a task row exists without a stored payload;
	// such a task cannot be resumed.
	ErrPayloadMissing = errors.New("task payload missing")
)
