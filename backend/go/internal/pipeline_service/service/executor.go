package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"Storyloom/backend/go/internal/agent"
	"Storyloom/backend/go/internal/pipeline_service/metrics"
	"Storyloom/backend/go/internal/pipeline_service/store"
	"Storyloom/backend/go/pkg/logger"
	"Storyloom/backend/go/pkg/models"

	"github.com/google/uuid"
)

// EventMirror receives a copy of every published event, e.g. a Kafka publisher.
type EventMirror interface {
	Publish(ctx context.Context, event models.StreamEvent) error
}

// StartRequest identifies the chapter to generate.
type StartRequest struct {
	ProjectID string         `json:"projectId"`
	ChapterID string         `json:"chapterId"`
	Context   map[string]any `json:"context,omitempty"`
}

// Option customizes an Executor.
type Option func(*Executor)

// WithLogger sets the service logger; each run derives its own entry from it.
func WithLogger(log *logger.Logger) Option {
	return func(e *Executor) { e.log = log }
}

// WithMetrics sets the collectors updated by the executor.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithLocker replaces the process-local chapter lock.
func WithLocker(l ChapterLocker) Option {
	return func(e *Executor) { e.locker = l }
}

// WithLockRenewal refreshes the chapter lock every interval while a pipeline is live,
// paused ones included. Use it with locks that expire; 0 disables renewal.
func WithLockRenewal(interval time.Duration) Option {
	return func(e *Executor) { e.lockRenewal = interval }
}

// WithEventHistory sets how many events each pipeline keeps for late subscribers.
func WithEventHistory(n int) Option {
	return func(e *Executor) { e.history = n }
}

// WithMirror copies every event to m. Mirroring is best effort and never blocks a run.
func WithMirror(m EventMirror) Option {
	return func(e *Executor) { e.mirror = m }
}

const mirrorQueue = 1024

// Executor starts pipelines and drives each one on its own goroutine.
type Executor struct {
	agents   agent.Executor
	planner  agent.Planner
	tasks    store.TaskStore
	chapters store.ChapterStore
	registry *Registry
	locker   ChapterLocker
	metrics  *metrics.Metrics
	log      *logger.Logger
	history  int
	mirror   EventMirror
	newID    func() string

	lockRenewal time.Duration

	mirrorCh chan models.StreamEvent
	baseCtx  context.Context
	abort    context.CancelFunc
	runs     sync.WaitGroup
	mirrorWG sync.WaitGroup
	stopOnce sync.Once

	mu       sync.Mutex
	stopping bool
}

// NewExecutor wires an executor. Call Shutdown to stop it.
func NewExecutor(agents agent.Executor, planner agent.Planner, tasks store.TaskStore, chapters store.ChapterStore, registry *Registry, opts ...Option) *Executor {
	e := &Executor{
		agents:   agents,
		planner:  planner,
		tasks:    tasks,
		chapters: chapters,
		registry: registry,
		locker:   NewMemoryLocker(),
		log:      logger.NewNop(),
		history:  512,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.baseCtx, e.abort = context.WithCancel(context.Background())
	if e.mirror != nil {
		e.mirrorCh = make(chan models.StreamEvent, mirrorQueue)
		e.mirrorWG.Add(1)
		go e.runMirror()
	}
	return e
}

// Registry returns the registry the executor registers pipelines in.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Start validates the request, takes the chapter lock, registers the pipeline and runs it
// in the background. It returns as soon as the pipeline is registered.
func (e *Executor) Start(ctx context.Context, req StartRequest) (string, error) {
	if strings.TrimSpace(req.ProjectID) == "" || strings.TrimSpace(req.ChapterID) == "" {
		return "", fmt.Errorf("%w: projectId and chapterId are required", ErrInvalidInput)
	}

	chapter, err := e.chapters.GetChapter(ctx, req.ProjectID, req.ChapterID)
	if err != nil {
		return "", chapterError(err)
	}

	id := e.newID()
	ok, err := e.locker.Acquire(ctx, req.ProjectID, req.ChapterID, id)
	if err != nil {
		return "", fmt.Errorf("acquire chapter lock: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrChapterBusy, req.ProjectID, req.ChapterID)
	}

	if err := e.chapters.UpdateChapterStatus(ctx, req.ProjectID, req.ChapterID, models.ChapterStatusGenerating); err != nil {
		_ = e.locker.Release(context.WithoutCancel(ctx), req.ProjectID, req.ChapterID, id)
		return "", chapterError(err)
	}

	hub := NewHub(e.history)
	if e.mirrorCh != nil {
		hub.onPublish = e.enqueueMirror
	}
	hub.onDrop = e.metrics.SubscriberDropped
	p := newPipeline(id, req.ProjectID, req.ChapterID, hub)

	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		background := context.WithoutCancel(ctx)
		_ = e.chapters.UpdateChapterStatus(background, req.ProjectID, req.ChapterID, chapter.Status)
		_ = e.locker.Release(background, req.ProjectID, req.ChapterID, id)
		return "", ErrShuttingDown
	}
	e.registry.Register(p)
	e.runs.Add(1)
	e.mu.Unlock()
	e.metrics.PipelineStarted()

	r := &run{
		e:             e,
		p:             p,
		req:           req,
		priorStatus:   chapter.Status,
		log:           e.log.WithField("pipeline_id", id).WithField("chapter_id", req.ChapterID),
		contextValues: copyContext(req.Context),
	}
	go func() {
		defer e.runs.Done()
		r.execute(e.baseCtx)
	}()

	r.log.WithField("project_id", req.ProjectID).Info("pipeline started")
	return id, nil
}

// Shutdown requests cancellation of every live pipeline and waits for their goroutines.
// When ctx expires first, in-flight agent calls are aborted and Shutdown returns ctx.Err().
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.stopping = true
	e.mu.Unlock()

	for _, p := range e.registry.Live() {
		p.RequestCancel()
	}

	done := make(chan struct{})
	go func() {
		e.runs.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		e.abort()
		<-done
		err = ctx.Err()
	}
	e.abort()

	e.stopOnce.Do(func() {
		if e.mirrorCh != nil {
			close(e.mirrorCh)
			e.mirrorWG.Wait()
		}
	})
	return err
}

func (e *Executor) enqueueMirror(ev models.StreamEvent) {
	select {
	case e.mirrorCh <- ev:
	default:
		e.log.WithField("pipeline_id", ev.PipelineID).Warn("event mirror queue full, dropping event")
	}
}

func (e *Executor) runMirror() {
	defer e.mirrorWG.Done()
	for ev := range e.mirrorCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.mirror.Publish(ctx, ev); err != nil {
			e.log.WithError(models.ErrorInfo{Message: err.Error(), Type: "mirror_error"}).
				WithField("pipeline_id", ev.PipelineID).Warn("failed to mirror pipeline event")
		}
		cancel()
	}
}

func copyContext(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// run holds the per-pipeline state of one execution.
type run struct {
	e             *Executor
	p             *Pipeline
	req           StartRequest
	priorStatus   models.ChapterStatus
	log           *logger.Logger
	contextValues map[string]any
	outputs       []models.AgentOutput
}

func (r *run) emit(ev models.StreamEvent) {
	r.p.events.Publish(ev)
}

func (r *run) execute(ctx context.Context) {
	defer r.release()
	defer r.keepLock()()

	plan, err := r.e.planner.Plan(ctx, agent.PlanRequest{
		ProjectID: r.req.ProjectID,
		ChapterID: r.req.ChapterID,
		Context:   r.contextValues,
	})
	if err == nil {
		err = agent.ValidatePlan(plan)
	}
	if err != nil {
		r.fail("", fmt.Sprintf("planning failed: %v", err))
		return
	}

	r.p.setPlan(plan)
	r.emit(models.NewPlanEvent(r.p.id, plan))

	for i, step := range plan {
		stop := r.p.checkpoint(
			func() {
				r.emit(models.NewPausedEvent(r.p.id, fmt.Sprintf("paused before step %d (%s)", i+1, step.AgentType)))
				r.log.Info("pipeline paused")
			},
			func() {
				r.emit(models.NewResumedEvent(r.p.id))
				r.log.Info("pipeline resumed")
			},
		)
		if stop {
			r.cancel(fmt.Sprintf("cancelled before step %d", i+1))
			return
		}
		if !r.runStep(ctx, i, step) {
			return
		}
	}

	r.complete(ctx)
}

// runStep executes one plan step and reports whether the run should continue.
func (r *run) runStep(ctx context.Context, index int, step models.PlanStep) bool {
	persistCtx := context.WithoutCancel(ctx)
	r.p.beginStep(step.AgentType)

	record := &models.TaskRecord{
		PipelineID: r.p.id,
		ProjectID:  r.req.ProjectID,
		ChapterID:  r.req.ChapterID,
		AgentType:  step.AgentType,
		TaskType:   step.TaskType,
		StepIndex:  index,
		Status:     models.TaskStatusQueued,
	}
	if err := r.e.tasks.CreateTask(persistCtx, record); err != nil {
		r.fail(step.AgentType, fmt.Sprintf("persist step %d: %v", index+1, err))
		return false
	}
	if err := r.e.tasks.MarkTaskRunning(persistCtx, record.ID); err != nil {
		r.fail(step.AgentType, fmt.Sprintf("persist step %d: %v", index+1, err))
		return false
	}
	r.emit(models.NewAgentStartEvent(r.p.id, step.AgentType))

	started := time.Now()
	out, err := r.e.agents.Invoke(ctx, agent.AgentRequest{
		AgentType:   step.AgentType,
		TaskType:    step.TaskType,
		Description: step.Description,
		ProjectID:   r.req.ProjectID,
		ChapterID:   r.req.ChapterID,
		Context:     r.contextValues,
		Previous:    append([]models.AgentOutput(nil), r.outputs...),
	}, func(chunk string) {
		r.emit(models.NewAgentStreamEvent(r.p.id, step.AgentType, chunk))
	})
	if err == nil && (out == nil || strings.TrimSpace(out.Content) == "") {
		err = agent.ErrEmptyOutput
	}

	if err != nil {
		r.e.metrics.ObserveStep(string(step.AgentType), string(models.TaskStatusFailed), time.Since(started), 0, 0)
		if ctx.Err() != nil {
			// aborted by a forced shutdown rather than by the agent
			if cerr := r.e.tasks.CancelTask(persistCtx, record.ID); cerr != nil {
				r.log.WithError(models.ErrorInfo{Message: cerr.Error(), Type: "store_error"}).Error("failed to cancel interrupted task")
			}
			r.cancel("interrupted by shutdown")
			return false
		}
		if ferr := r.e.tasks.FailTask(persistCtx, record.ID, err.Error()); ferr != nil {
			r.log.WithError(models.ErrorInfo{Message: ferr.Error(), Type: "store_error"}).Error("failed to persist step failure")
		}
		r.fail(step.AgentType, fmt.Sprintf("%s failed: %v", step.AgentType, err))
		return false
	}

	output := *out
	output.AgentType = step.AgentType
	output.TaskType = step.TaskType
	if err := r.e.tasks.CompleteTask(persistCtx, record.ID, output); err != nil {
		r.fail(step.AgentType, fmt.Sprintf("persist step %d: %v", index+1, err))
		return false
	}
	r.e.metrics.ObserveStep(string(step.AgentType), string(models.TaskStatusCompleted), time.Since(started),
		output.TokenUsage.Input, output.TokenUsage.Output)

	r.outputs = append(r.outputs, output)
	r.p.completeStep()
	r.emit(models.NewAgentCompleteEvent(r.p.id, output))
	r.log.WithPayload(map[string]interface{}{
		"step":          index + 1,
		"agent_type":    step.AgentType,
		"output_tokens": output.TokenUsage.Output,
	}).Info("step completed")
	return true
}

func (r *run) complete(ctx context.Context) {
	persistCtx := context.WithoutCancel(ctx)
	if prose, source, ok := finalProse(r.outputs); ok {
		err := r.e.chapters.UpdateChapterContent(persistCtx, r.req.ProjectID, r.req.ChapterID, prose, CountWords(prose), models.ChapterStatusReview)
		if err != nil {
			r.fail("", fmt.Sprintf("save chapter: %v", err))
			return
		}
		r.log.WithField("source", source).Info("chapter content written")
	} else {
		r.restoreChapterStatus()
	}

	if r.p.finish(models.PipelineStateCompleted, "") {
		r.emit(models.NewCompleteEvent(r.p.id, r.outputs))
		r.log.Info("pipeline completed")
	}
}

func (r *run) fail(agentType models.AgentType, msg string) {
	r.restoreChapterStatus()
	if r.p.finish(models.PipelineStateFailed, msg) {
		r.emit(models.NewErrorEvent(r.p.id, agentType, msg))
		r.log.WithError(models.ErrorInfo{Message: msg, Type: "pipeline_error"}).Error("pipeline failed")
	}
}

func (r *run) cancel(msg string) {
	r.restoreChapterStatus()
	if r.p.finish(models.PipelineStateCancelled, msg) {
		r.emit(models.NewCancelledEvent(r.p.id, msg))
		r.log.Info("pipeline cancelled")
	}
}

func (r *run) restoreChapterStatus() {
	status := r.priorStatus
	if status == "" || status == models.ChapterStatusGenerating {
		status = models.ChapterStatusDraft
	}
	if err := r.e.chapters.UpdateChapterStatus(context.Background(), r.req.ProjectID, r.req.ChapterID, status); err != nil {
		r.log.WithError(models.ErrorInfo{Message: err.Error(), Type: "store_error"}).Warn("failed to restore chapter status")
	}
}

// keepLock refreshes the chapter lock until the returned stop func is called. A lock that
// is gone cannot be won back, so the pipeline is cancelled rather than racing a new owner.
func (r *run) keepLock() (stop func()) {
	interval := r.e.lockRenewal
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			held, err := r.e.locker.Refresh(ctx, r.req.ProjectID, r.req.ChapterID, r.p.id)
			cancel()
			switch {
			case err != nil:
				r.log.WithError(models.ErrorInfo{Message: err.Error(), Type: "lock_error"}).Warn("failed to refresh chapter lock")
			case !held:
				r.log.Error("chapter lock lost, cancelling pipeline")
				r.p.RequestCancel()
				return
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// release runs on every exit path of a pipeline. The hub closes last so a subscriber that
// sees the end of the stream also sees the lock released.
func (r *run) release() {
	r.e.registry.Retire(r.p.id)
	if err := r.e.locker.Release(context.Background(), r.req.ProjectID, r.req.ChapterID, r.p.id); err != nil {
		r.log.WithError(models.ErrorInfo{Message: err.Error(), Type: "lock_error"}).Warn("failed to release chapter lock")
	}
	r.e.metrics.PipelineFinished(string(r.p.Snapshot().State))
	r.p.events.Close()
}
