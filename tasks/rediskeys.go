package tasks

import "fmt"

// TaskCacheKey returns the Redis key caching a task's JSON state.
// Uses hash tag {taskID} for Redis Cluster slot co-location.
func TaskCacheKey(taskID string) string {
	return fmt.Sprintf("REFINERY_{%s}_TASK", taskID)
}

// JobQueueKey returns the Redis key of the shared job list. Workers block
// on it with BRPOP; the API pushes with LPUSH.
func JobQueueKey() string {
	return "REFINERY_JOBQUEUE"
}

// workerRegistryKey returns the Redis key for the global worker registry
// SET. All workers register their instance IDs in this SET so recovery can
// discover them without using SCAN (which doesn't work across Redis
// Cluster nodes).
func workerRegistryKey() string {
	return "REFINERY_WORKER_REGISTRY"
}

// workerHeartbeatKey returns the Redis key for a worker's heartbeat.
// Uses hash tag {instanceID} for Redis Cluster slot co-location.
func workerHeartbeatKey(instanceID string) string {
	return fmt.Sprintf("REFINERY_{%s}_HEARTBEAT", instanceID)
}

// workerTasksKey returns the Redis key for the SET of task ids a worker is
// currently running. Uses hash tag {instanceID} for Redis Cluster slot
// co-location.
func workerTasksKey(instanceID string) string {
	return fmt.Sprintf("REFINERY_{%s}_TASKS", instanceID)
}
