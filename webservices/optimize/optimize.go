// Package optimize exposes the dataset-optimization web service: task
// submission, the synchronous fast path for small datasets, task status with
// the final dataset, and knowledge-base loading.
package optimize

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/remiges-tech/refinery/pipeline"
	"github.com/remiges-tech/refinery/service"
	"github.com/remiges-tech/refinery/tasks"
	"github.com/remiges-tech/refinery/wscutils"
)

const (
	ErrMsgIDStoreUnavailable = 2001
	ErrCodeStoreUnavailable  = "store_unavailable"
	ErrMsgIDTaskExists       = 2002
	ErrCodeTaskExists        = "task_exists"
	ErrMsgIDTaskNotFound     = 2003
	ErrCodeTaskNotFound      = "task_not_found"
	ErrMsgIDDatasetTooLarge  = 2004
	ErrCodeDatasetTooLarge   = "dataset_too_large"
	ErrMsgIDRunFailed        = 2005
	ErrCodeRunFailed         = "optimization_failed"
)

// SyncDatasetLimit caps the synchronous endpoint. Larger datasets must go
// through the queue where a worker owns the run.
const SyncDatasetLimit = 100

// RegisterRoutes attaches the optimize endpoints to the service router.
func RegisterRoutes(s *service.Service) {
	s.RegisterRoute(http.MethodPost, "/api/v1/optimize", HandleSubmitRequest)
	s.RegisterRoute(http.MethodPost, "/api/v1/optimize/sync", HandleSyncRequest)
	s.RegisterRoute(http.MethodGet, "/api/v1/optimize/:task_id", HandleGetTaskRequest)
	s.RegisterRoute(http.MethodPost, "/api/v1/knowledge-base/load", HandleLoadKnowledgeRequest)
}

// OptimizeRequest is the submission payload for both the queued and the
// synchronous endpoint. Everything is optional: an empty task_id gets a
// generated one, an empty dataset runs through to an empty result, and a
// missing guidance block selects auto mode.
type OptimizeRequest struct {
	TaskID      string             `json:"task_id" validate:"omitempty,max=64"`
	Dataset     []pipeline.Record  `json:"dataset"`
	Knowledge   []string           `json:"knowledge_base"`
	Guidance    *pipeline.Guidance `json:"optimization_guidance"`
	SaveReports bool               `json:"save_reports"`
}

func (r *OptimizeRequest) payload() *tasks.JobPayload {
	return &tasks.JobPayload{
		Dataset:     r.Dataset,
		Knowledge:   r.Knowledge,
		Guidance:    r.Guidance,
		SaveReports: r.SaveReports,
	}
}

// taskWithDataset is the response shape for completed tasks: the stored task
// with the final redacted dataset inlined.
type taskWithDataset struct {
	tasks.Task
	Dataset []pipeline.Record `json:"dataset"`
}

// HandleSubmitRequest accepts a dataset and queues an optimization task.
// A taken task_id answers 409; a store or queue failure answers 503.
func HandleSubmitRequest(c *gin.Context, s *service.Service) {
	var req OptimizeRequest
	if err := wscutils.BindJSON(c, &req); err != nil {
		return
	}

	validationErrors := wscutils.WscValidate(req, func(err validator.FieldError) []string { return []string{} })
	if len(validationErrors) > 0 {
		wscutils.SendErrorResponse(c, wscutils.NewResponse(wscutils.ErrorStatus, nil, validationErrors))
		return
	}

	sub := s.Dependencies["submitter"].(*tasks.Submitter)
	task, err := sub.Submit(c.Request.Context(), req.TaskID, req.payload())
	switch {
	case errors.Is(err, tasks.ErrTaskExists):
		c.JSON(http.StatusConflict, wscutils.NewErrorResponse(ErrMsgIDTaskExists, ErrCodeTaskExists))
		return
	case err != nil:
		s.Logger.Error(err).LogActivity("Task submission failed", map[string]any{"taskId": req.TaskID})
		c.JSON(http.StatusServiceUnavailable, wscutils.NewErrorResponse(ErrMsgIDStoreUnavailable, ErrCodeStoreUnavailable))
		return
	}

	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(task))
}

// HandleGetTaskRequest reports the stored task state. Completed tasks carry
// the final dataset; everything else returns the bare task so pollers can
// watch progress.
func HandleGetTaskRequest(c *gin.Context, s *service.Service) {
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
		wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(task))
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
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(taskWithDataset{Task: *task, Dataset: dataset}))
}

// HandleSyncRequest runs a small dataset through the full pipeline in
// process and returns the completed task with its dataset. The task is
// persisted like any other, so it shows up in listings and artifacts.
func HandleSyncRequest(c *gin.Context, s *service.Service) {
	var req OptimizeRequest
	if err := wscutils.BindJSON(c, &req); err != nil {
		return
	}

	validationErrors := wscutils.WscValidate(req, func(err validator.FieldError) []string { return []string{} })
	if len(req.Dataset) > SyncDatasetLimit {
		validationErrors = append(validationErrors, wscutils.BuildErrorMessage(
			ErrMsgIDDatasetTooLarge, ErrCodeDatasetTooLarge, "dataset",
			strconv.Itoa(len(req.Dataset)), strconv.Itoa(SyncDatasetLimit)))
	}
	if len(validationErrors) > 0 {
		wscutils.SendErrorResponse(c, wscutils.NewResponse(wscutils.ErrorStatus, nil, validationErrors))
		return
	}

	sub := s.Dependencies["submitter"].(*tasks.Submitter)
	sched := s.Dependencies["scheduler"].(*tasks.Scheduler)
	store := s.Database.(tasks.TaskStore)
	ctx := c.Request.Context()

	payload := req.payload()
	task, err := sub.SubmitInline(ctx, req.TaskID, payload)
	switch {
	case errors.Is(err, tasks.ErrTaskExists):
		c.JSON(http.StatusConflict, wscutils.NewErrorResponse(ErrMsgIDTaskExists, ErrCodeTaskExists))
		return
	case err != nil:
		s.Logger.Error(err).LogActivity("Synchronous submission failed", map[string]any{"taskId": req.TaskID})
		c.JSON(http.StatusServiceUnavailable, wscutils.NewErrorResponse(ErrMsgIDStoreUnavailable, ErrCodeStoreUnavailable))
		return
	}

	if err := sched.RunTask(ctx, task.TaskID, payload); err != nil {
		s.Logger.Error(err).LogActivity("Synchronous run failed", map[string]any{"taskId": task.TaskID})
		c.JSON(http.StatusInternalServerError, wscutils.NewResponse(wscutils.ErrorStatus, nil,
			[]wscutils.ErrorMessage{wscutils.BuildErrorMessage(ErrMsgIDRunFailed, ErrCodeRunFailed, "", task.TaskID)}))
		return
	}

	task, err = store.GetTask(ctx, task.TaskID)
	if err == nil {
		var results []tasks.BatchResult
		results, err = store.GetBatchResults(ctx, task.TaskID)
		if err == nil {
			dataset := tasks.FinalDataset(results)
			if dataset == nil {
				dataset = []pipeline.Record{}
			}
			wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(taskWithDataset{Task: *task, Dataset: dataset}))
			return
		}
	}
	s.Logger.Error(err).LogActivity("Synchronous result readback failed", map[string]any{"taskId": task.TaskID})
	c.JSON(http.StatusServiceUnavailable, wscutils.NewErrorResponse(ErrMsgIDStoreUnavailable, ErrCodeStoreUnavailable))
}

// LoadKnowledgeRequest carries reference documents for the verification
// corpus.
type LoadKnowledgeRequest struct {
	Documents []string `json:"documents" validate:"required,min=1"`
	Source    string   `json:"source" validate:"omitempty,max=128"`
}

type knowledgeLoadData struct {
	Added          int `json:"added"`
	TotalDocuments int `json:"total_documents"`
}

// HandleLoadKnowledgeRequest stores reference documents. The call is
// advisory: workers fold new documents into their corpus on their next
// refresh, so the documents are not searchable the moment this returns.
func HandleLoadKnowledgeRequest(c *gin.Context, s *service.Service) {
	var req LoadKnowledgeRequest
	if err := wscutils.BindJSON(c, &req); err != nil {
		return
	}

	validationErrors := wscutils.WscValidate(req, func(err validator.FieldError) []string { return []string{} })
	if len(validationErrors) > 0 {
		wscutils.SendErrorResponse(c, wscutils.NewResponse(wscutils.ErrorStatus, nil, validationErrors))
		return
	}

	source := req.Source
	if source == "" {
		source = "api"
	}

	ks := s.Database.(tasks.KnowledgeStore)
	ctx := c.Request.Context()
	added, err := ks.AddKnowledge(ctx, req.Documents, source)
	if err != nil {
		s.Logger.Error(err).LogActivity("Knowledge load failed", map[string]any{"documents": len(req.Documents)})
		c.JSON(http.StatusServiceUnavailable, wscutils.NewErrorResponse(ErrMsgIDStoreUnavailable, ErrCodeStoreUnavailable))
		return
	}
	total, err := ks.CountKnowledge(ctx)
	if err != nil {
		s.Logger.Error(err).LogActivity("Knowledge count failed", nil)
		c.JSON(http.StatusServiceUnavailable, wscutils.NewErrorResponse(ErrMsgIDStoreUnavailable, ErrCodeStoreUnavailable))
		return
	}

	s.Logger.Info().LogActivity("Knowledge documents loaded", map[string]any{"added": added, "total": total})
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(knowledgeLoadData{Added: added, TotalDocuments: total}))
}
