package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/remiges-tech/logharbour/logharbour"
)

const (
	defaultHeartbeatTTLSec = 60
	// heartbeats refresh at a third of the TTL so one missed beat
	// does not declare the worker dead
	heartbeatsPerTTL = 3
	// the claims set outlives the heartbeat so a sweep sees the claims of
	// a worker that just died; the TTL is refreshed with each heartbeat
	claimsTTLFactor = 3
)

// Registry tracks live workers and the tasks they hold. Each worker joins
// the registry set, keeps an expiring heartbeat key fresh, and records its
// claimed task ids so a crashed worker's tasks can be recovered.
type Registry struct {
	rclient      *redis.Client
	logger       *logharbour.Logger
	heartbeatTTL time.Duration
}

// RegistryConfig tunes the registry; zero values select defaults.
type RegistryConfig struct {
	HeartbeatTTLSec int
}

func NewRegistry(rclient *redis.Client, logger *logharbour.Logger, cfg *RegistryConfig) *Registry {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if rclient == nil {
		panic("redis client cannot be nil")
	}
	ttlSec := defaultHeartbeatTTLSec
	if cfg != nil && cfg.HeartbeatTTLSec > 0 {
		ttlSec = cfg.HeartbeatTTLSec
	}
	return &Registry{rclient: rclient, logger: logger, heartbeatTTL: time.Duration(ttlSec) * time.Second}
}

// HeartbeatInterval is how often a registered worker should beat.
func (r *Registry) HeartbeatInterval() time.Duration {
	return r.heartbeatTTL / heartbeatsPerTTL
}

// Register adds the worker to the registry and writes its heartbeat. It is
// called on every heartbeat tick as well, so the registry survives a Redis
// restart; SADD is idempotent.
func (r *Registry) Register(ctx context.Context, workerID string) error {
	if err := r.rclient.SAdd(ctx, workerRegistryKey(), workerID).Err(); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	return r.Heartbeat(ctx, workerID)
}

// Heartbeat refreshes the worker's liveness key.
func (r *Registry) Heartbeat(ctx context.Context, workerID string) error {
	err := r.rclient.Set(ctx, workerHeartbeatKey(workerID), time.Now().UTC().Format(time.RFC3339), r.heartbeatTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	return nil
}

// Deregister removes a worker that shut down cleanly. Its claim set is
// left in place when non-empty so a sweep can recover unfinished tasks.
func (r *Registry) Deregister(ctx context.Context, workerID string) error {
	claims, err := r.rclient.SCard(ctx, workerTasksKey(workerID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to inspect worker claims: %w", err)
	}
	if claims > 0 {
		r.logger.Warn().LogActivity("Worker deregistering with live claims", map[string]any{
			"workerId": workerID,
			"claims":   claims,
		})
		// drop the heartbeat so the next sweep recovers the claims
		r.rclient.Del(ctx, workerHeartbeatKey(workerID))
		return nil
	}
	pipe := r.rclient.TxPipeline()
	pipe.SRem(ctx, workerRegistryKey(), workerID)
	pipe.Del(ctx, workerHeartbeatKey(workerID))
	pipe.Del(ctx, workerTasksKey(workerID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to deregister worker: %w", err)
	}
	r.logger.Info().LogActivity("Worker deregistered", map[string]any{"workerId": workerID})
	return nil
}

// Claim records that the worker is executing the task. The claims set
// carries a TTL so it expires eventually if the worker crashes and no
// sweep runs; RefreshClaims keeps it alive while the worker beats.
func (r *Registry) Claim(ctx context.Context, workerID, taskID string) error {
	key := workerTasksKey(workerID)
	if err := r.rclient.SAdd(ctx, key, taskID).Err(); err != nil {
		return fmt.Errorf("failed to claim task: %w", err)
	}
	if err := r.rclient.Expire(ctx, key, r.heartbeatTTL*claimsTTLFactor).Err(); err != nil {
		return fmt.Errorf("failed to set claim TTL: %w", err)
	}
	return nil
}

// Unclaim releases a finished task. It uses context.Background() instead
// of a caller context: during shutdown the processing context is already
// cancelled, but this SREM must still succeed, otherwise the task id stays
// claimed and a sweep re-enqueues work that already finished.
func (r *Registry) Unclaim(workerID, taskID string) error {
	if err := r.rclient.SRem(context.Background(), workerTasksKey(workerID), taskID).Err(); err != nil {
		return fmt.Errorf("failed to unclaim task: %w", err)
	}
	return nil
}

// RefreshClaims extends the claims set TTL. EXPIRE on a missing key (no
// claims) is a no-op.
func (r *Registry) RefreshClaims(ctx context.Context, workerID string) {
	r.rclient.Expire(ctx, workerTasksKey(workerID), r.heartbeatTTL*claimsTTLFactor)
}

// Workers lists registered worker ids.
func (r *Registry) Workers(ctx context.Context) ([]string, error) {
	ids, err := r.rclient.SMembers(ctx, workerRegistryKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	return ids, nil
}

// Alive reports whether a worker's heartbeat key still exists.
func (r *Registry) Alive(ctx context.Context, workerID string) (bool, error) {
	n, err := r.rclient.Exists(ctx, workerHeartbeatKey(workerID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check heartbeat: %w", err)
	}
	return n > 0, nil
}

// Sweep finds workers whose heartbeat expired and re-enqueues every
// non-terminal task they still claim. Recovered jobs carry only the task
// id; the resuming worker reloads the payload from the store and skips
// the batches that were already committed. Sweeps are lock-free: two
// workers sweeping the same corpse may both enqueue a task, and the
// duplicate run converges because batch commits are guarded by the
// (task_id, batch_index) uniqueness. Returns the number of tasks put back
// on the queue.
func (r *Registry) Sweep(ctx context.Context, selfID string, store TaskStore, queue *Queue) (int, error) {
	workers, err := r.Workers(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, workerID := range workers {
		if workerID == selfID {
			continue
		}
		alive, err := r.Alive(ctx, workerID)
		if err != nil {
			return recovered, err
		}
		if alive {
			continue
		}

		taskIDs, err := r.rclient.SMembers(ctx, workerTasksKey(workerID)).Result()
		if err != nil {
			return recovered, fmt.Errorf("failed to read claims of dead worker: %w", err)
		}
		for _, taskID := range taskIDs {
			task, err := store.GetTask(ctx, taskID)
			if errors.Is(err, ErrTaskNotFound) {
				continue
			}
			if err != nil {
				return recovered, err
			}
			if task.Status.Terminal() {
				continue
			}
			if err := queue.Enqueue(ctx, JobMessage{TaskID: taskID}); err != nil {
				return recovered, err
			}
			recovered++
			r.logger.Warn().LogActivity("Task recovered from dead worker", map[string]any{
				"workerId": workerID,
				"taskId":   taskID,
				"batches":  task.CompletedBatches,
			})
		}

		// Clean up the claims set first and the registry entry last. If the
		// sweep crashes in between, the next cycle finds the same dead
		// worker with an empty claims set, recovers nothing, and reaches
		// the SREM again.
		r.rclient.Del(ctx, workerTasksKey(workerID))
		if err := r.rclient.SRem(ctx, workerRegistryKey(), workerID).Err(); err != nil {
			r.logger.Warn().LogActivity("Failed to remove dead worker from registry", map[string]any{
				"workerId": workerID,
				"error":    err.Error(),
			})
		}
	}
	return recovered, nil
}
