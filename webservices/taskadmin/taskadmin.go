// Package taskadmin exposes the operational task endpoints: listing,
// dataset download, resume, deletion, and aggregate statistics.
package taskadmin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/remiges-tech/refinery/pipeline"
	"github.com/remiges-tech/refinery/service"
	"github.com/remiges-tech/refinery/tasks"
	"github.com/remiges-tech/refinery/wscutils"
)

const (
	ErrMsgIDStoreUnavailable = 3001
	ErrCodeStoreUnavailable  = "store_unavailable"
	ErrMsgIDTaskNotFound     = 3002
	ErrCodeTaskNotFound      = "task_not_found"
	ErrMsgIDInvalidStatus    = 3003
	ErrCodeInvalidStatus     = "invalid_status"
	ErrMsgIDInvalidLimit     = 3004
	ErrCodeInvalidLimit      = "invalid_limit"
	ErrMsgIDTaskNotCompleted = 3005
	ErrCodeTaskNotCompleted  = "task_not_completed"
	ErrMsgIDTaskTerminal     = 3006
	ErrCodeTaskTerminal      = "task_terminal"
)

// RegisterRoutes attaches the task administration endpoints to the service
// router.
func RegisterRoutes(s *service.Service) {
	s.RegisterRoute(http.MethodGet, "/api/v1/tasks", HandleListTasksRequest)
	s.RegisterRoute(http.MethodGet, "/api/v1/tasks/:task_id/dataset", HandleGetDatasetRequest)
	s.RegisterRoute(http.MethodPost, "/api/v1/tasks/:task_id/resume", HandleResumeTaskRequest)
	s.RegisterRoute(http.MethodDelete, "/api/v1/tasks/:task_id", HandleDeleteTaskRequest)
	s.RegisterRoute(http.MethodGet, "/api/v1/stats", HandleStatsRequest)
}

type taskListData struct {
	Tasks []tasks.Task `json:"tasks"`
	Count int          `json:"count"`
}

// HandleListTasksRequest lists tasks newest first. Optional query
// parameters: status filters by lifecycle state, limit caps the page size.
func HandleListTasksRequest(c *gin.Context, s *service.Service) {
	var validationErrors []wscutils.ErrorMessage

	status := tasks.TaskStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		validationErrors = append(validationErrors,
			wscutils.BuildErrorMessage(ErrMsgIDInvalidStatus, ErrCodeInvalidStatus, "status", string(status)))
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			validationErrors = append(validationErrors,
				wscutils.BuildErrorMessage(ErrMsgIDInvalidLimit, ErrCodeInvalidLimit, "limit", raw))
		} else {
			limit = parsed
		}
	}

	if len(validationErrors) > 0 {
		wscutils.SendErrorResponse(c, wscutils.NewResponse(wscutils.ErrorStatus, nil, validationErrors))
		return
	}

	store := s.Database.(tasks.TaskStore)
	list, err := store.ListTasks(c.Request.Context(), status, limit)
	if err != nil {
		s.Logger.Error(err).LogActivity("Task listing failed", map[string]any{"status": string(status)})
		c.JSON(http.StatusServiceUnavailable, wscutils.NewErrorResponse(ErrMsgIDStoreUnavailable, ErrCodeStoreUnavailable))
		return
	}
	if list == nil {
		list = []tasks.Task{}
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(taskListData{Tasks: list, Count: len(list)}))
}

type datasetData struct {
	TaskID      string            `json:"task_id"`
	RecordCount int               `json:"record_count"`
	Dataset     []pipeline.Record `json:"dataset"`
}

// HandleGetDatasetRequest returns the final redacted dataset of a completed
// task. Tasks that have not completed answer 400 with their current status.
func HandleGetDatasetRequest(c *gin.Context, s *service.Service) {
	taskID := c.Param("task_id")
	store := s.Database.(tasks.TaskStore)
	ctx := c.Request.Context()

	task, err := store.GetTask(ctx, taskID)
	switch {
	case errors.Is(err, tasks.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, wscutils.NewErrorResponse(ErrMsgIDTaskNotFound, ErrCodeTaskNotFound))
		return
	case err != nil:
		s.Logger.Error(err).LogActivity("Task lookup failed", map[string]any{"taskId": taskID})
		c.JSON(http.StatusServiceUnavailable, wscutils.NewErrorResponse(ErrMsgIDStoreUnavailable, ErrCodeStoreUnavailable))
		return
	}

	if task.Status != tasks.StatusCompleted {
		wscutils.SendErrorResponse(c, wscutils.NewResponse(wscutils.ErrorStatus, nil, []wscutils.ErrorMessage{
			wscutils.BuildErrorMessage(ErrMsgIDTaskNotCompleted, ErrCodeTaskNotCompleted, "", string(task.Status)),
		}))
		return
	}

	results, err := store.GetBatchResults(ctx, taskID)
	if err != nil {
		s.Logger.Error(err).LogActivity("Batch result lookup failed", map[string]any{"taskId": taskID})
		c.JSON(http.StatusServiceUnavailable, wscutils.NewErrorResponse(ErrMsgIDStoreUnavailable, ErrCodeStoreUnavailable))
		return
	}
	dataset := tasks.FinalDataset(results)
	if dataset == nil {
		dataset = []pipeline.Record{}
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(datasetData{
		TaskID:      taskID,
		RecordCount: len(dataset),
		Dataset:     dataset,
	}))
}

// HandleResumeTaskRequest re-enqueues an interrupted task. Terminal tasks
// answer 400; unknown tasks answer 404.
func HandleResumeTaskRequest(c *gin.Context, s *service.Service) {
	taskID := c.Param("task_id")
	sub := s.Dependencies["submitter"].(*tasks.Submitter)

	task, err := sub.Resume(c.Request.Context(), taskID)
	switch {
	case errors.Is(err, tasks.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, wscutils.NewErrorResponse(ErrMsgIDTaskNotFound, ErrCodeTaskNotFound))
		return
	case errors.Is(err, tasks.ErrTaskTerminal):
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(ErrMsgIDTaskTerminal, ErrCodeTaskTerminal))
		return
	case err != nil:
		s.Logger.Error(err).LogActivity("Task resume failed", map[string]any{"taskId": taskID})
		c.JSON(http.StatusServiceUnavailable, wscutils.NewErrorResponse(ErrMsgIDStoreUnavailable, ErrCodeStoreUnavailable))
		return
	}

	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(task))
}

type deleteData struct {
	TaskID  string `json:"task_id"`
	Deleted bool   `json:"deleted"`
}

// HandleDeleteTaskRequest removes a task with its payload and results. A
// running task notices the missing row at its next batch boundary and stops.
func HandleDeleteTaskRequest(c *gin.Context, s *service.Service) {
	taskID := c.Param("task_id")
	store := s.Database.(tasks.TaskStore)

	err := store.DeleteTask(c.Request.Context(), taskID)
	switch {
	case errors.Is(err, tasks.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, wscutils.NewErrorResponse(ErrMsgIDTaskNotFound, ErrCodeTaskNotFound))
		return
	case err != nil:
		s.Logger.Error(err).LogActivity("Task deletion failed", map[string]any{"taskId": taskID})
		c.JSON(http.StatusServiceUnavailable, wscutils.NewErrorResponse(ErrMsgIDStoreUnavailable, ErrCodeStoreUnavailable))
		return
	}

	s.Logger.Info().LogActivity("Task deleted", map[string]any{"taskId": taskID})
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(deleteData{TaskID: taskID, Deleted: true}))
}

type statsData struct {
	Tasks         tasks.StatusCounts `json:"tasks"`
	QueueDepth    int64              `json:"queue_depth"`
	KnowledgeDocs int                `json:"knowledge_documents"`
}

// HandleStatsRequest aggregates task counts by status, the current queue
// depth, and the knowledge-base size.
func HandleStatsRequest(c *gin.Context, s *service.Service) {
	store := s.Database.(tasks.TaskStore)
	ks := s.Database.(tasks.KnowledgeStore)
	queue := s.Dependencies["queue"].(*tasks.Queue)
	ctx := c.Request.Context()

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		s.Logger.Error(err).LogActivity("Status count failed", nil)
		c.JSON(http.StatusServiceUnavailable, wscutils.NewErrorResponse(ErrMsgIDStoreUnavailable, ErrCodeStoreUnavailable))
		return
	}
	depth, err := queue.Depth(ctx)
	if err != nil {
		s.Logger.Error(err).LogActivity("Queue depth probe failed", nil)
		c.JSON(http.StatusServiceUnavailable, wscutils.NewErrorResponse(ErrMsgIDStoreUnavailable, ErrCodeStoreUnavailable))
		return
	}
	docs, err := ks.CountKnowledge(ctx)
	if err != nil {
		s.Logger.Error(err).LogActivity("Knowledge count failed", nil)
		c.JSON(http.StatusServiceUnavailable, wscutils.NewErrorResponse(ErrMsgIDStoreUnavailable, ErrCodeStoreUnavailable))
		return
	}

	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(statsData{
		Tasks:         counts,
		QueueDepth:    depth,
		KnowledgeDocs: docs,
	}))
}
