package tasks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var errTransientStore = errors.New("transient store error")

// MemStore is an in-memory TaskStore and KnowledgeStore. The server runs on
// it in standalone mode when no database is configured, and the unit tests
// for the scheduler, the worker, and the web services use it everywhere. It
// mirrors the PgStore semantics: batch commits are atomic with the progress
// counters, a commit against a non-processing task returns the same
// sentinels, and duplicate batch indexes surface ErrBatchExists.
type MemStore struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	payloads map[string]*JobPayload
	results  map[string][]BatchResult
	docs     []KnowledgeDoc

	// FailCommits makes that many PutBatchResult calls fail with a
	// transient error before behaving again. Commit retry tests use it.
	FailCommits int
}

func NewMemStore() *MemStore {
	return &MemStore{
		tasks:    make(map[string]*Task),
		payloads: make(map[string]*JobPayload),
		results:  make(map[string][]BatchResult),
	}
}

func copyTask(t *Task) *Task {
	cp := *t
	return &cp
}

func (m *MemStore) CreateTask(_ context.Context, task *Task, payload *JobPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.TaskID]; ok {
		return ErrTaskExists
	}
	now := time.Now().UTC()
	cp := copyTask(task)
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.tasks[task.TaskID] = cp
	m.payloads[task.TaskID] = payload
	return nil
}

func (m *MemStore) GetTask(_ context.Context, taskID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return copyTask(t), nil
}

func (m *MemStore) GetPayload(_ context.Context, taskID string) (*JobPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; !ok {
		return nil, ErrTaskNotFound
	}
	p, ok := m.payloads[taskID]
	if !ok || p == nil {
		return nil, ErrPayloadMissing
	}
	return p, nil
}

func (m *MemStore) UpdateTask(_ context.Context, taskID string, up TaskUpdate) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if up.Status != nil {
		t.Status = *up.Status
	}
	if up.Phase != nil {
		t.CurrentPhase = *up.Phase
	}
	if up.Mode != nil {
		t.Mode = *up.Mode
	}
	if up.Progress != nil {
		t.Progress = *up.Progress
	}
	if up.TotalBatches != nil {
		t.TotalBatches = *up.TotalBatches
	}
	if up.StartTime != nil {
		t.StartTime = up.StartTime
	}
	if up.Error != nil {
		t.Error = *up.Error
	}
	if up.Statistics != nil {
		t.Statistics = up.Statistics
	}
	t.UpdatedAt = time.Now().UTC()
	return copyTask(t), nil
}

func (m *MemStore) PutBatchResult(_ context.Context, taskID string, commit BatchCommit) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCommits > 0 {
		m.FailCommits--
		return nil, errTransientStore
	}
	return m.applyCommit(taskID, commit, false, nil)
}

func (m *MemStore) CompleteTask(_ context.Context, taskID string, final BatchCommit, statistics map[string]any) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyCommit(taskID, final, true, statistics)
}

func (m *MemStore) applyCommit(taskID string, commit BatchCommit, terminal bool, statistics map[string]any) (*Task, error) {
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if t.Status != StatusProcessing {
		return nil, ErrTaskTerminal
	}
	for _, br := range m.results[taskID] {
		if br.BatchIndex == commit.Result.BatchIndex {
			return nil, ErrBatchExists
		}
	}

	br := *commit.Result
	br.CreatedAt = time.Now().UTC()
	m.results[taskID] = append(m.results[taskID], br)

	t.CompletedBatches++
	t.Progress = commit.Progress
	t.CurrentPhase = commit.Phase
	if commit.TotalBatches > 0 {
		t.TotalBatches = commit.TotalBatches
	}
	if terminal {
		t.Status = StatusCompleted
		t.Statistics = statistics
		now := time.Now().UTC()
		t.EndTime = &now
	}
	t.UpdatedAt = time.Now().UTC()
	return copyTask(t), nil
}

func (m *MemStore) FailTask(_ context.Context, taskID string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status.Terminal() {
		return nil
	}
	t.Status = StatusFailed
	t.Error = errMsg
	now := time.Now().UTC()
	t.EndTime = &now
	t.UpdatedAt = now
	return nil
}

func (m *MemStore) GetBatchResults(_ context.Context, taskID string) ([]BatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := append([]BatchResult(nil), m.results[taskID]...)
	sort.Slice(results, func(i, j int) bool { return results[i].BatchIndex < results[j].BatchIndex })
	return results, nil
}

func (m *MemStore) NextBatch(_ context.Context, taskID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return 0, ErrTaskNotFound
	}
	return t.CompletedBatches, nil
}

func (m *MemStore) ListTasks(_ context.Context, status TaskStatus, limit int) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = defaultListLimit
	}
	var tasks []Task
	for _, t := range m.tasks {
		if status != "" && t.Status != status {
			continue
		}
		tasks = append(tasks, *copyTask(t))
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (m *MemStore) DeleteTask(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; !ok {
		return ErrTaskNotFound
	}
	delete(m.tasks, taskID)
	delete(m.payloads, taskID)
	delete(m.results, taskID)
	return nil
}

func (m *MemStore) CountByStatus(_ context.Context) (StatusCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var counts StatusCounts
	for _, t := range m.tasks {
		switch t.Status {
		case StatusPending:
			counts.Pending++
		case StatusProcessing:
			counts.Processing++
		case StatusCompleted:
			counts.Completed++
		case StatusFailed:
			counts.Failed++
		}
		counts.Total++
	}
	return counts, nil
}

// Ping always succeeds; memory is never unreachable.
func (m *MemStore) Ping(_ context.Context) error { return nil }

func (m *MemStore) AddKnowledge(_ context.Context, texts []string, source string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	added := 0
	for _, text := range texts {
		if text == "" {
			continue
		}
		m.docs = append(m.docs, KnowledgeDoc{
			ID:        int64(len(m.docs) + 1),
			Content:   text,
			Source:    source,
			CreatedAt: time.Now().UTC(),
		})
		added++
	}
	return added, nil
}

func (m *MemStore) KnowledgeSince(_ context.Context, afterID int64) ([]KnowledgeDoc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var docs []KnowledgeDoc
	for _, d := range m.docs {
		if d.ID > afterID {
			docs = append(docs, d)
		}
	}
	return docs, nil
}

func (m *MemStore) CountKnowledge(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs), nil
}
