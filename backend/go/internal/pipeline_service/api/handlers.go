package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"Storyloom/backend/go/internal/pipeline_service/metrics"
	"Storyloom/backend/go/internal/pipeline_service/service"
	"Storyloom/backend/go/internal/pipeline_service/store"
	"Storyloom/backend/go/pkg/eventstream"
	"Storyloom/backend/go/pkg/logger"
	"Storyloom/backend/go/pkg/models"

	"github.com/gin-gonic/gin"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Option customizes an API.
type Option func(*API)

// WithHeartbeat sets the keep-alive interval of event streams.
func WithHeartbeat(d time.Duration) Option {
	return func(a *API) { a.heartbeat = d }
}

// WithCancelOnDisconnect sets the default for start-and-stream requests that do not say
// whether a lost client should cancel its pipeline.
func WithCancelOnDisconnect(v bool) Option {
	return func(a *API) { a.cancelOnDisconnect = v }
}

// WithHealthCheck adds a named dependency check to GET /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(a *API) { a.checks[name] = check }
}

// API provides the HTTP handlers of the pipeline service.
type API struct {
	executor   *service.Executor
	registry   *service.Registry
	tasks      store.TaskStore
	recovery   *service.Recovery
	summarizer *service.Summarizer
	metrics    *metrics.Metrics
	logger     *logger.Logger

	heartbeat          time.Duration
	cancelOnDisconnect bool
	checks             map[string]HealthCheck
}

// NewAPI creates the handler set. m and log may be nil.
func NewAPI(executor *service.Executor, tasks store.TaskStore, recovery *service.Recovery, summarizer *service.Summarizer, m *metrics.Metrics, log *logger.Logger, opts ...Option) *API {
	if log == nil {
		log = logger.NewNop()
	}
	a := &API{
		executor:   executor,
		registry:   executor.Registry(),
		tasks:      tasks,
		recovery:   recovery,
		summarizer: summarizer,
		metrics:    m,
		logger:     log,
		heartbeat:  eventstream.DefaultHeartbeat,
		checks:     make(map[string]HealthCheck),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// startPayload is the body of both start routes.
type startPayload struct {
	ProjectID          string         `json:"projectId"`
	ChapterID          string         `json:"chapterId"`
	Context            map[string]any `json:"context"`
	CancelOnDisconnect *bool          `json:"cancelOnDisconnect"`
}

func (p startPayload) request() service.StartRequest {
	return service.StartRequest{ProjectID: p.ProjectID, ChapterID: p.ChapterID, Context: p.Context}
}

func (a *API) bindStart(c *gin.Context) (startPayload, bool) {
	var payload startPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		a.logger.WithError(models.ErrorInfo{Message: err.Error()}).Warn("Invalid start payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return payload, false
	}
	return payload, true
}

// StartPipelineHandler starts a pipeline and returns its id without waiting for it.
func (a *API) StartPipelineHandler(c *gin.Context) {
	payload, ok := a.bindStart(c)
	if !ok {
		return
	}
	id, err := a.executor.Start(c.Request.Context(), payload.request())
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"pipelineId": id})
}

// StartAndStreamHandler starts a pipeline and streams its events on the same response.
func (a *API) StartAndStreamHandler(c *gin.Context) {
	payload, ok := a.bindStart(c)
	if !ok {
		return
	}
	id, err := a.executor.Start(c.Request.Context(), payload.request())
	if err != nil {
		a.writeError(c, err)
		return
	}
	p, err := a.registry.Get(id)
	if err != nil {
		a.writeError(c, err)
		return
	}
	cancelOnDisconnect := a.cancelOnDisconnect
	if payload.CancelOnDisconnect != nil {
		cancelOnDisconnect = *payload.CancelOnDisconnect
	}
	c.Header("X-Pipeline-ID", id)
	a.serveEvents(c, p, cancelOnDisconnect)
}

// ListPipelinesHandler lists the ids of pipelines that are still running or paused.
func (a *API) ListPipelinesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pipelines": a.registry.ListActive()})
}

// GetPipelineHandler returns the status snapshot of one pipeline.
func (a *API) GetPipelineHandler(c *gin.Context) {
	snapshot, err := a.registry.Status(c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// ControlPipelineHandler applies pause, resume or cancel to a pipeline.
func (a *API) ControlPipelineHandler(c *gin.Context) {
	var payload struct {
		Action string `json:"action"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	snapshot, err := a.registry.Control(c.Param("id"), payload.Action)
	if err != nil {
		a.writeError(c, err)
		return
	}
	a.logger.WithField("pipeline_id", snapshot.PipelineID).
		WithField("action", payload.Action).
		WithField("operator", c.GetString(operatorKey)).
		Info("Pipeline control applied")
	c.JSON(http.StatusOK, snapshot)
}

// PipelineEventsHandler streams the events of an existing pipeline, starting with the
// retained history.
func (a *API) PipelineEventsHandler(c *gin.Context) {
	p, err := a.registry.Get(c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	a.serveEvents(c, p, false)
}

// PipelineTasksHandler lists the persisted step records of a pipeline.
func (a *API) PipelineTasksHandler(c *gin.Context) {
	records, err := a.tasks.ListTasksByPipeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": records})
}

// RecoverChapterHandler rebuilds chapter content from persisted step outputs.
func (a *API) RecoverChapterHandler(c *gin.Context) {
	result, err := a.recovery.Recover(c.Request.Context(), c.Param("projectId"), c.Param("chapterId"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// SummarizeChapterHandler generates and stores the chapter summaries.
func (a *API) SummarizeChapterHandler(c *gin.Context) {
	result, err := a.summarizer.Summarize(c.Request.Context(), c.Param("projectId"), c.Param("chapterId"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HealthHandler runs every registered check and answers 503 if any of them fails.
func (a *API) HealthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(a.checks))
	for name, check := range a.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	c.JSON(status, gin.H{"status": http.StatusText(status), "checks": results})
}

// writeError maps service errors onto HTTP status codes.
func (a *API) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, service.ErrInvalidAction):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrPipelineNotFound),
		errors.Is(err, service.ErrChapterNotFound),
		errors.Is(err, service.ErrNoRecoverableOutput):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrChapterBusy), errors.Is(err, service.ErrEmptyChapter):
		status = http.StatusConflict
	case errors.Is(err, service.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	}
	_ = c.Error(err)
	if status == http.StatusInternalServerError {
		a.logger.WithError(models.ErrorInfo{Message: err.Error(), Type: "internal_error", StatusCode: status}).
			Error("Request failed")
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
