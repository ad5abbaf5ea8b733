package taskadmin

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiges-tech/refinery/pipeline"
	"github.com/remiges-tech/refinery/service"
	"github.com/remiges-tech/refinery/tasks"
	"github.com/remiges-tech/refinery/wscutils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger() *logharbour.Logger {
	lctx := logharbour.NewLoggerContext(logharbour.DefaultPriority)
	return logharbour.NewLogger(lctx, "taskadmin-test", log.Writer())
}

func newTestService(t *testing.T) (*service.Service, *tasks.MemStore, *tasks.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	rclient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rclient.Close() })

	logger := testLogger()
	store := tasks.NewMemStore()
	queue := tasks.NewQueue(rclient, logger)
	sub := tasks.NewSubmitter(store, queue, 50, logger)

	s := service.NewService(gin.New()).
		WithLogger(logger).
		WithDatabase(store).
		WithDependency("submitter", sub).
		WithDependency("queue", queue)
	RegisterRoutes(s)
	return s, store, queue
}

func do(t *testing.T, s *service.Service, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) (string, map[string]any, []wscutils.ErrorMessage) {
	t.Helper()
	var resp struct {
		Status   string                  `json:"status"`
		Data     map[string]any          `json:"data"`
		Messages []wscutils.ErrorMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp.Status, resp.Data, resp.Messages
}

func seedTask(t *testing.T, store *tasks.MemStore, id string, status tasks.TaskStatus) {
	t.Helper()
	require.NoError(t, store.CreateTask(context.Background(), &tasks.Task{
		TaskID:      id,
		Status:      status,
		Mode:        pipeline.ModeAuto,
		BatchSize:   50,
		DatasetSize: 1,
	}, &tasks.JobPayload{Dataset: []pipeline.Record{{"question": "q"}}}))
}

func seedCompleted(t *testing.T, store *tasks.MemStore, id string, records []pipeline.Record) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, &tasks.Task{
		TaskID:       id,
		Status:       tasks.StatusProcessing,
		Mode:         pipeline.ModeAuto,
		BatchSize:    50,
		DatasetSize:  len(records),
		TotalBatches: 1,
	}, &tasks.JobPayload{Dataset: records}))
	_, err := store.CompleteTask(ctx, id, tasks.BatchCommit{
		Result:   &tasks.BatchResult{BatchIndex: 0, Phase: tasks.PhaseCleaning, Records: records},
		Progress: 100,
		Phase:    tasks.PhaseCleaning,
	}, map[string]any{"output_size": len(records)})
	require.NoError(t, err)
}

func TestListTasks(t *testing.T) {
	s, store, _ := newTestService(t)

	t.Run("empty store", func(t *testing.T) {
		w := do(t, s, http.MethodGet, "/api/v1/tasks")
		require.Equal(t, http.StatusOK, w.Code)
		status, data, _ := decodeResponse(t, w)
		assert.Equal(t, wscutils.SuccessStatus, status)
		assert.EqualValues(t, 0, data["count"])
		list, ok := data["tasks"].([]any)
		require.True(t, ok, "tasks must be a list even when empty")
		assert.Empty(t, list)
	})

	seedTask(t, store, "t-pending", tasks.StatusPending)
	seedTask(t, store, "t-processing", tasks.StatusProcessing)
	seedCompleted(t, store, "t-done", []pipeline.Record{{"question": "q", "answer": "a"}})

	t.Run("all tasks", func(t *testing.T) {
		w := do(t, s, http.MethodGet, "/api/v1/tasks")
		require.Equal(t, http.StatusOK, w.Code)
		_, data, _ := decodeResponse(t, w)
		assert.EqualValues(t, 3, data["count"])
	})

	t.Run("status filter", func(t *testing.T) {
		w := do(t, s, http.MethodGet, "/api/v1/tasks?status=completed")
		require.Equal(t, http.StatusOK, w.Code)
		_, data, _ := decodeResponse(t, w)
		assert.EqualValues(t, 1, data["count"])
		list := data["tasks"].([]any)
		first := list[0].(map[string]any)
		assert.Equal(t, "t-done", first["task_id"])
	})

	t.Run("limit", func(t *testing.T) {
		w := do(t, s, http.MethodGet, "/api/v1/tasks?limit=2")
		require.Equal(t, http.StatusOK, w.Code)
		_, data, _ := decodeResponse(t, w)
		assert.EqualValues(t, 2, data["count"])
	})

	t.Run("invalid status", func(t *testing.T) {
		w := do(t, s, http.MethodGet, "/api/v1/tasks?status=archived")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		_, _, messages := decodeResponse(t, w)
		require.Len(t, messages, 1)
		assert.Equal(t, ErrCodeInvalidStatus, messages[0].ErrCode)
		require.NotNil(t, messages[0].Field)
		assert.Equal(t, "status", *messages[0].Field)
		assert.Equal(t, []string{"archived"}, messages[0].Vals)
	})

	t.Run("invalid limit", func(t *testing.T) {
		w := do(t, s, http.MethodGet, "/api/v1/tasks?limit=minus-one")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		_, _, messages := decodeResponse(t, w)
		require.Len(t, messages, 1)
		assert.Equal(t, ErrCodeInvalidLimit, messages[0].ErrCode)
	})

	t.Run("both invalid reports both", func(t *testing.T) {
		w := do(t, s, http.MethodGet, "/api/v1/tasks?status=bogus&limit=0")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		_, _, messages := decodeResponse(t, w)
		assert.Len(t, messages, 2)
	})
}

func TestGetDataset(t *testing.T) {
	s, store, _ := newTestService(t)

	t.Run("unknown task", func(t *testing.T) {
		w := do(t, s, http.MethodGet, "/api/v1/tasks/nope/dataset")
		assert.Equal(t, http.StatusNotFound, w.Code)
		_, _, messages := decodeResponse(t, w)
		require.Len(t, messages, 1)
		assert.Equal(t, ErrCodeTaskNotFound, messages[0].ErrCode)
	})

	t.Run("not completed", func(t *testing.T) {
		seedTask(t, store, "t-running", tasks.StatusProcessing)
		w := do(t, s, http.MethodGet, "/api/v1/tasks/t-running/dataset")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		_, _, messages := decodeResponse(t, w)
		require.Len(t, messages, 1)
		assert.Equal(t, ErrCodeTaskNotCompleted, messages[0].ErrCode)
		assert.Equal(t, []string{"processing"}, messages[0].Vals)
	})

	t.Run("completed", func(t *testing.T) {
		records := []pipeline.Record{
			{"question": "q1", "answer": "a1"},
			{"question": "q2", "answer": "a2"},
		}
		seedCompleted(t, store, "t-final", records)

		w := do(t, s, http.MethodGet, "/api/v1/tasks/t-final/dataset")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		status, data, _ := decodeResponse(t, w)
		assert.Equal(t, wscutils.SuccessStatus, status)
		assert.Equal(t, "t-final", data["task_id"])
		assert.EqualValues(t, 2, data["record_count"])
		dataset, ok := data["dataset"].([]any)
		require.True(t, ok)
		require.Len(t, dataset, 2)
		first := dataset[0].(map[string]any)
		assert.Equal(t, "q1", first["question"])
	})
}

func TestResumeTask(t *testing.T) {
	s, store, queue := newTestService(t)

	t.Run("unknown task", func(t *testing.T) {
		w := do(t, s, http.MethodPost, "/api/v1/tasks/nope/resume")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("terminal task", func(t *testing.T) {
		seedCompleted(t, store, "t-done", []pipeline.Record{{"question": "q"}})
		w := do(t, s, http.MethodPost, "/api/v1/tasks/t-done/resume")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		_, _, messages := decodeResponse(t, w)
		require.Len(t, messages, 1)
		assert.Equal(t, ErrCodeTaskTerminal, messages[0].ErrCode)
	})

	t.Run("interrupted task", func(t *testing.T) {
		seedTask(t, store, "t-stalled", tasks.StatusProcessing)
		w := do(t, s, http.MethodPost, "/api/v1/tasks/t-stalled/resume")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		_, data, _ := decodeResponse(t, w)
		assert.Equal(t, "t-stalled", data["task_id"])

		depth, err := queue.Depth(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), depth)
	})
}

func TestDeleteTask(t *testing.T) {
	s, store, _ := newTestService(t)
	seedTask(t, store, "t-gone", tasks.StatusPending)

	w := do(t, s, http.MethodDelete, "/api/v1/tasks/t-gone")
	require.Equal(t, http.StatusOK, w.Code)
	status, data, _ := decodeResponse(t, w)
	assert.Equal(t, wscutils.SuccessStatus, status)
	assert.Equal(t, "t-gone", data["task_id"])
	assert.Equal(t, true, data["deleted"])

	_, err := store.GetTask(context.Background(), "t-gone")
	assert.ErrorIs(t, err, tasks.ErrTaskNotFound)

	w = do(t, s, http.MethodDelete, "/api/v1/tasks/t-gone")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStats(t *testing.T) {
	s, store, queue := newTestService(t)
	ctx := context.Background()

	seedTask(t, store, "t1", tasks.StatusPending)
	seedTask(t, store, "t2", tasks.StatusProcessing)
	seedCompleted(t, store, "t3", []pipeline.Record{{"question": "q"}})
	seedTask(t, store, "t4", tasks.StatusFailed)

	_, err := store.AddKnowledge(ctx, []string{"doc one", "doc two"}, "test")
	require.NoError(t, err)
	require.NoError(t, queue.Enqueue(ctx, tasks.JobMessage{TaskID: "t1"}))

	w := do(t, s, http.MethodGet, "/api/v1/stats")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	status, data, _ := decodeResponse(t, w)
	assert.Equal(t, wscutils.SuccessStatus, status)

	counts, ok := data["tasks"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, counts["pending"])
	assert.EqualValues(t, 1, counts["processing"])
	assert.EqualValues(t, 1, counts["completed"])
	assert.EqualValues(t, 1, counts["failed"])
	assert.EqualValues(t, 4, counts["total"])

	assert.EqualValues(t, 1, data["queue_depth"])
	assert.EqualValues(t, 2, data["knowledge_documents"])
}

func TestRegisterRoutesPaths(t *testing.T) {
	s, _, _ := newTestService(t)

	routes := s.Router.Routes()
	paths := make(map[string]bool, len(routes))
	for _, r := range routes {
		paths[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{
		"GET /api/v1/tasks",
		"GET /api/v1/tasks/:task_id/dataset",
		"POST /api/v1/tasks/:task_id/resume",
		"DELETE /api/v1/tasks/:task_id",
		"GET /api/v1/stats",
	} {
		assert.True(t, paths[want], "missing route %s", want)
	}
}
