package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/refinery/knowledge"
)

const (
	defaultPollTimeout   = 5 * time.Second
	defaultSweepInterval = 60 * time.Second
)

// WorkerConfig tunes the worker loop; zero values select defaults.
type WorkerConfig struct {
	// ID names this worker in the registry. Defaults to hostname plus a
	// random suffix.
	ID string
	// PollTimeout is the BRPOP wait per iteration.
	PollTimeout time.Duration
	// SweepInterval is how often this worker looks for dead peers.
	SweepInterval time.Duration
}

// Worker pulls jobs off the queue and runs them through the scheduler.
// Each worker owns one pipeline workflow, so its knowledge corpus
// accumulates documents for the lifetime of the worker. Run one Worker per
// goroutine; several workers in one process share the store, the queue,
// and the Redis client but register independently.
type Worker struct {
	id       string
	store    TaskStore
	kstore   KnowledgeStore
	queue    *Queue
	registry *Registry
	sched    *Scheduler
	corpus   *knowledge.Corpus
	logger   *logharbour.Logger
	cfg      WorkerConfig

	// lastDocID is the highest shared knowledge document already embedded
	// into this worker's corpus. Only the worker goroutine touches it.
	lastDocID int64
}

func NewWorker(store TaskStore, kstore KnowledgeStore, queue *Queue, registry *Registry, sched *Scheduler, corpus *knowledge.Corpus, logger *logharbour.Logger, cfg *WorkerConfig) *Worker {
	if logger == nil {
		panic("logger cannot be nil")
	}
	w := &Worker{
		store:    store,
		kstore:   kstore,
		queue:    queue,
		registry: registry,
		sched:    sched,
		corpus:   corpus,
		logger:   logger,
	}
	if cfg != nil {
		w.cfg = *cfg
	}
	if w.cfg.ID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		w.cfg.ID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if w.cfg.PollTimeout <= 0 {
		w.cfg.PollTimeout = defaultPollTimeout
	}
	if w.cfg.SweepInterval <= 0 {
		w.cfg.SweepInterval = defaultSweepInterval
	}
	w.id = w.cfg.ID
	return w
}

// ID returns the worker's registry id.
func (w *Worker) ID() string {
	return w.id
}

// Run is the context-free variant of RunWithContext.
func (w *Worker) Run() error {
	return w.RunWithContext(context.Background())
}

// RunWithContext is the worker main loop: register, start the heartbeat,
// then pull and run jobs until the context is canceled. A task interrupted
// by cancellation stays claimed so a peer's sweep re-enqueues it.
func (w *Worker) RunWithContext(ctx context.Context) error {
	if err := w.registry.Register(ctx, w.id); err != nil {
		return err
	}
	go w.runHeartbeat()

	w.logger.Info().LogActivity("Worker started", map[string]any{"workerId": w.id})

	sweepTicker := time.NewTicker(w.cfg.SweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().LogActivity("Worker stopping", map[string]any{"workerId": w.id})
			if err := w.registry.Deregister(context.Background(), w.id); err != nil {
				w.logger.Warn().LogActivity("Worker deregistration failed", map[string]any{
					"workerId": w.id,
					"error":    err.Error(),
				})
			}
			return ctx.Err()

		case <-sweepTicker.C:
			recovered, err := w.registry.Sweep(ctx, w.id, w.store, w.queue)
			if err != nil {
				w.logger.Warn().LogActivity("Recovery sweep failed", map[string]any{
					"error": err.Error(),
				})
			} else if recovered > 0 {
				w.logger.Info().LogActivity("Recovery sweep re-enqueued tasks", map[string]any{
					"count": recovered,
				})
			}

		default:
			w.runOneIteration(ctx)
		}
	}
}

// runOneIteration waits for one job and runs it to a stop point.
func (w *Worker) runOneIteration(ctx context.Context) {
	msg, err := w.queue.Dequeue(ctx, w.cfg.PollTimeout)
	if errors.Is(err, ErrQueueEmpty) {
		return
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Warn().LogActivity("Dequeue failed", map[string]any{"error": err.Error()})
		time.Sleep(time.Second)
		return
	}

	w.syncKnowledge(ctx)

	// A claim failure must not drop the job: the message is already
	// consumed, and the claim only serves crash recovery.
	if err := w.registry.Claim(ctx, w.id, msg.TaskID); err != nil {
		w.logger.Warn().LogActivity("Task claim failed", map[string]any{
			"taskId": msg.TaskID,
			"error":  err.Error(),
		})
	}

	runErr := w.sched.RunTask(ctx, msg.TaskID, payloadFromMessage(msg))
	if runErr != nil && ctx.Err() != nil {
		// shutdown interrupted the run: keep the claim so a sweep
		// re-enqueues the task once this worker's heartbeat expires
		return
	}
	if runErr != nil {
		w.logger.Warn().LogActivity("Task run ended with error", map[string]any{
			"taskId": msg.TaskID,
			"error":  runErr.Error(),
		})
	}
	if err := w.registry.Unclaim(w.id, msg.TaskID); err != nil {
		w.logger.Warn().LogActivity("Task unclaim failed", map[string]any{
			"taskId": msg.TaskID,
			"error":  err.Error(),
		})
	}
}

// payloadFromMessage returns the payload carried by the message, or nil to
// make the scheduler load the stored one. Resume and recovery messages
// carry only the task id.
func payloadFromMessage(msg *JobMessage) *JobPayload {
	if len(msg.Dataset) == 0 && len(msg.Knowledge) == 0 && msg.Guidance == nil {
		return nil
	}
	p := msg.JobPayload
	return &p
}

// syncKnowledge pulls shared corpus documents this worker has not embedded
// yet. Failures are logged and skipped: verification passes records when
// the corpus holds no evidence, so a sync gap degrades instead of blocking.
func (w *Worker) syncKnowledge(ctx context.Context) {
	if w.kstore == nil || w.corpus == nil {
		return
	}
	docs, err := w.kstore.KnowledgeSince(ctx, w.lastDocID)
	if err != nil {
		w.logger.Warn().LogActivity("Knowledge sync failed", map[string]any{"error": err.Error()})
		return
	}
	if len(docs) == 0 {
		return
	}

	texts := make([]string, 0, len(docs))
	maxID := w.lastDocID
	for _, d := range docs {
		texts = append(texts, d.Content)
		if d.ID > maxID {
			maxID = d.ID
		}
	}
	if err := w.corpus.AddTexts(ctx, texts); err != nil {
		w.logger.Warn().LogActivity("Knowledge embedding failed", map[string]any{"error": err.Error()})
		return
	}
	w.lastDocID = maxID
	w.logger.Info().LogActivity("Knowledge synced", map[string]any{
		"workerId": w.id,
		"docs":     len(docs),
	})
}

// runHeartbeat keeps the worker's liveness key and claim TTLs fresh. It
// runs until the process exits rather than watching a context: the
// heartbeat must outlive shutdown while the processing loop finishes its
// current batch, otherwise a peer would recover a task that is still
// committing here.
func (w *Worker) runHeartbeat() {
	ctx := context.Background()
	ticker := time.NewTicker(w.registry.HeartbeatInterval())
	defer ticker.Stop()

	for {
		<-ticker.C
		// Re-register on every tick so the registry is rebuilt if Redis
		// restarts. SADD is idempotent.
		if err := w.registry.Register(ctx, w.id); err != nil {
			w.logger.Warn().LogActivity("Heartbeat refresh failed", map[string]any{
				"workerId": w.id,
				"error":    err.Error(),
			})
			continue
		}
		w.registry.RefreshClaims(ctx, w.id)
	}
}
