package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"Storyloom/backend/go/internal/agent"
	"Storyloom/backend/go/internal/config"
	"Storyloom/backend/go/internal/pipeline_service/metrics"
	"Storyloom/backend/go/internal/pipeline_service/service"
	"Storyloom/backend/go/internal/pipeline_service/store"
	"Storyloom/backend/go/pkg/eventstream"
	"Storyloom/backend/go/pkg/logger"
	"Storyloom/backend/go/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testPlan = []models.PlanStep{
	{AgentType: models.AgentWriter, TaskType: "draft_chapter", Description: "Draft"},
	{AgentType: models.AgentEditor, TaskType: "edit_chapter", Description: "Edit"},
}

func reply(req agent.AgentRequest, onChunk func(string)) (*models.AgentOutput, error) {
	var content string
	switch {
	case req.TaskType == "chapter_summary":
		content = `Here you go: {"brief":"short","detailed":"long"}`
	case req.AgentType == models.AgentEditor:
		content = "Edited prose.\n<!-- split_suggestion: keep as one chapter -->"
	case req.AgentType == models.AgentWriter:
		content = "Draft prose."
	default:
		content = string(req.AgentType) + " notes"
	}
	if onChunk != nil {
		onChunk(content)
	}
	return &models.AgentOutput{Content: content, TokenUsage: models.TokenUsage{Input: 10, Output: 5}}, nil
}

func instantAgent() agent.Executor {
	return agent.ExecutorFunc(func(_ context.Context, req agent.AgentRequest, onChunk func(string)) (*models.AgentOutput, error) {
		return reply(req, onChunk)
	})
}

// gatedAgent blocks every call until gate is closed.
func gatedAgent(gate <-chan struct{}) agent.Executor {
	return agent.ExecutorFunc(func(ctx context.Context, req agent.AgentRequest, onChunk func(string)) (*models.AgentOutput, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return reply(req, onChunk)
	})
}

type testEnv struct {
	router   *gin.Engine
	store    *store.Store
	registry *service.Registry
}

func newTestEnv(t *testing.T, agents agent.Executor, routerCfg RouterConfig, opts ...Option) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.TaskRecord{}, &models.Chapter{}))

	s := store.NewStore(db)
	ctx := context.Background()
	require.NoError(t, s.CreateChapter(ctx, &models.Chapter{ID: "ch-1", ProjectID: "proj", Title: "Storm"}))
	require.NoError(t, s.CreateChapter(ctx, &models.Chapter{ID: "ch-2", ProjectID: "proj", Title: "Calm"}))

	reg := prometheus.NewRegistry()
	m := metrics.MustNewMetrics(reg)
	registry := service.NewRegistry(16, time.Minute)
	exec := service.NewExecutor(agents, agent.NewTemplatePlanner(testPlan), s, s, registry, service.WithMetrics(m))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = exec.Shutdown(ctx)
	})

	a := NewAPI(exec, s, service.NewRecovery(s, s, nil), service.NewSummarizer(agents, s, nil), m, nil,
		append([]Option{WithHeartbeat(0)}, opts...)...)
	if routerCfg.Gatherer == nil {
		routerCfg.Gatherer = reg
	}
	router, err := NewRouter(a, routerCfg)
	require.NoError(t, err)
	return &testEnv{router: router, store: s, registry: registry}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) start(t *testing.T) string {
	t.Helper()
	w := e.do(http.MethodPost, "/api/v1/pipelines", `{"projectId":"proj","chapterId":"ch-1"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp struct {
		PipelineID string `json:"pipelineId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.PipelineID)
	return resp.PipelineID
}

// waitDone blocks until the pipeline has published its last event.
func (e *testEnv) waitDone(t *testing.T, id string) {
	t.Helper()
	p, err := e.registry.Get(id)
	require.NoError(t, err)
	sub := p.Events().Subscribe()
	defer sub.Cancel()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatalf("pipeline %s did not finish", id)
		}
	}
}

func (e *testEnv) snapshot(t *testing.T, id string) models.PipelineSnapshot {
	t.Helper()
	w := e.do(http.MethodGet, "/api/v1/pipelines/"+id, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var snap models.PipelineSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	return snap
}

func decodeEvents(t *testing.T, body []byte) []models.StreamEvent {
	t.Helper()
	dec := eventstream.NewDecoder(bytes.NewReader(body))
	var events []models.StreamEvent
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestStartPipeline_RunsToCompletion(t *testing.T) {
	env := newTestEnv(t, instantAgent(), RouterConfig{})
	id := env.start(t)
	env.waitDone(t, id)

	snap := env.snapshot(t, id)
	assert.Equal(t, models.PipelineStateCompleted, snap.State)
	assert.Equal(t, 2, snap.Progress.CompletedSteps)

	w := env.do(http.MethodGet, "/api/v1/pipelines/"+id+"/tasks", "")
	require.Equal(t, http.StatusOK, w.Code)
	var tasks struct {
		Tasks []models.TaskRecord `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tasks))
	require.Len(t, tasks.Tasks, 2)
	for _, rec := range tasks.Tasks {
		assert.Equal(t, models.TaskStatusCompleted, rec.Status)
	}

	chapter, err := env.store.GetChapter(context.Background(), "proj", "ch-1")
	require.NoError(t, err)
	assert.Equal(t, "Edited prose.", chapter.Content)
	assert.Equal(t, models.ChapterStatusReview, chapter.Status)

	list := env.do(http.MethodGet, "/api/v1/pipelines", "")
	assert.JSONEq(t, `{"pipelines":[]}`, list.Body.String())
}

func TestStartPipeline_RejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, instantAgent(), RouterConfig{})

	cases := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"projectId":`, http.StatusBadRequest},
		{"missing chapter id", `{"projectId":"proj"}`, http.StatusBadRequest},
		{"unknown chapter", `{"projectId":"proj","chapterId":"nope"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/api/v1/pipelines", tc.body)
			assert.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}
}

func TestStartPipeline_SecondRunOnBusyChapterConflicts(t *testing.T) {
	gate := make(chan struct{})
	env := newTestEnv(t, gatedAgent(gate), RouterConfig{})

	id := env.start(t)
	w := env.do(http.MethodPost, "/api/v1/pipelines", `{"projectId":"proj","chapterId":"ch-1"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	list := env.do(http.MethodGet, "/api/v1/pipelines", "")
	assert.JSONEq(t, `{"pipelines":["`+id+`"]}`, list.Body.String())

	close(gate)
	env.waitDone(t, id)
	assert.Equal(t, models.PipelineStateCompleted, env.snapshot(t, id).State)
}

func TestControl_PauseAndResume(t *testing.T) {
	gate := make(chan struct{})
	env := newTestEnv(t, gatedAgent(gate), RouterConfig{})
	id := env.start(t)

	w := env.do(http.MethodPost, "/api/v1/pipelines/"+id+"/control", `{"action":"pause"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var snap models.PipelineSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.True(t, snap.Paused)

	w = env.do(http.MethodPost, "/api/v1/pipelines/"+id+"/control", `{"action":"RESUME"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.False(t, snap.Paused)

	close(gate)
	env.waitDone(t, id)
	assert.Equal(t, models.PipelineStateCompleted, env.snapshot(t, id).State)
}

func TestControl_CancelStopsAtNextBoundary(t *testing.T) {
	gate := make(chan struct{})
	env := newTestEnv(t, gatedAgent(gate), RouterConfig{})
	id := env.start(t)

	w := env.do(http.MethodPost, "/api/v1/pipelines/"+id+"/control", `{"action":"cancel"}`)
	require.Equal(t, http.StatusOK, w.Code)

	close(gate)
	env.waitDone(t, id)
	snap := env.snapshot(t, id)
	assert.Equal(t, models.PipelineStateCancelled, snap.State)
	assert.Less(t, snap.Progress.CompletedSteps, len(testPlan))

	// terminal pipelines accept control as a no-op
	w = env.do(http.MethodPost, "/api/v1/pipelines/"+id+"/control", `{"action":"resume"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.PipelineStateCancelled, env.snapshot(t, id).State)
}

func TestControl_Errors(t *testing.T) {
	env := newTestEnv(t, instantAgent(), RouterConfig{})

	w := env.do(http.MethodPost, "/api/v1/pipelines/missing/control", `{"action":"explode"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/v1/pipelines/missing/control", `{"action":"pause"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodGet, "/api/v1/pipelines/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodGet, "/api/v1/pipelines/missing/events", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEvents_ReplaysFinishedPipelineAndEndsWithSentinel(t *testing.T) {
	env := newTestEnv(t, instantAgent(), RouterConfig{})
	id := env.start(t)
	env.waitDone(t, id)

	w := env.do(http.MethodGet, "/api/v1/pipelines/"+id+"/events", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.True(t, strings.HasSuffix(w.Body.String(), "data: [DONE]\n\n"))

	events := decodeEvents(t, w.Body.Bytes())
	require.NotEmpty(t, events)
	assert.Equal(t, models.EventPipelinePlan, events[0].Type)
	assert.Equal(t, models.EventPipelineComplete, events[len(events)-1].Type)
	for _, ev := range events {
		assert.Equal(t, id, ev.PipelineID)
	}
}

func TestStartAndStream_StreamsWholeRun(t *testing.T) {
	env := newTestEnv(t, instantAgent(), RouterConfig{})

	w := env.do(http.MethodPost, "/api/v1/pipelines/stream", `{"projectId":"proj","chapterId":"ch-1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	id := w.Header().Get("X-Pipeline-ID")
	require.NotEmpty(t, id)
	assert.True(t, strings.HasSuffix(w.Body.String(), "data: [DONE]\n\n"))

	var types []models.StreamEventType
	for _, ev := range decodeEvents(t, w.Body.Bytes()) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []models.StreamEventType{
		models.EventPipelinePlan,
		models.EventAgentStart, models.EventAgentStream, models.EventAgentComplete,
		models.EventAgentStart, models.EventAgentStream, models.EventAgentComplete,
		models.EventPipelineComplete,
	}, types)
}

func TestStartAndStream_StartErrorIsJSON(t *testing.T) {
	env := newTestEnv(t, instantAgent(), RouterConfig{})
	w := env.do(http.MethodPost, "/api/v1/pipelines/stream", `{"projectId":"proj","chapterId":"nope"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "chapter not found")
}

func TestStartAndStream_DisconnectRequestsCancel(t *testing.T) {
	gate := make(chan struct{})
	env := newTestEnv(t, gatedAgent(gate), RouterConfig{})
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	body := `{"projectId":"proj","chapterId":"ch-1","cancelOnDisconnect":true}`
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/api/v1/pipelines/stream", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	id := resp.Header.Get("X-Pipeline-ID")
	require.NotEmpty(t, id)

	dec := eventstream.NewDecoder(resp.Body)
	ev, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, models.EventPipelinePlan, ev.Type)

	cancel()
	resp.Body.Close()

	require.Eventually(t, func() bool {
		snap, err := env.registry.Status(id)
		return err == nil && snap.CancelRequested
	}, 3*time.Second, 10*time.Millisecond)

	close(gate)
	env.waitDone(t, id)
	assert.Equal(t, models.PipelineStateCancelled, env.snapshot(t, id).State)
}

func TestRecoverAndSummary(t *testing.T) {
	env := newTestEnv(t, instantAgent(), RouterConfig{})
	id := env.start(t)
	env.waitDone(t, id)

	w := env.do(http.MethodPost, "/api/v1/projects/proj/chapters/ch-1/recover", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var recovered service.RecoveryResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recovered))
	assert.Equal(t, models.AgentEditor, recovered.Source)
	assert.Equal(t, len("Edited prose."), recovered.ContentLength)

	w = env.do(http.MethodPost, "/api/v1/projects/proj/chapters/ch-1/summary", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"brief":"short","detailed":"long","degraded":false}`, w.Body.String())

	chapter, err := env.store.GetChapter(context.Background(), "proj", "ch-1")
	require.NoError(t, err)
	assert.Equal(t, "short", chapter.SummaryBrief)
	assert.Equal(t, models.ChapterStatusDraft, chapter.Status)
}

func TestRecoverAndSummary_Errors(t *testing.T) {
	env := newTestEnv(t, instantAgent(), RouterConfig{})

	cases := []struct {
		path string
		want int
	}{
		{"/api/v1/projects/proj/chapters/ch-2/recover", http.StatusNotFound},
		{"/api/v1/projects/proj/chapters/missing/recover", http.StatusNotFound},
		{"/api/v1/projects/proj/chapters/ch-2/summary", http.StatusConflict},
		{"/api/v1/projects/proj/chapters/missing/summary", http.StatusNotFound},
	}
	for _, tc := range cases {
		w := env.do(http.MethodPost, tc.path, "")
		assert.Equal(t, tc.want, w.Code, tc.path)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, instantAgent(), RouterConfig{},
		WithHealthCheck("mysql", func(context.Context) error { return nil }),
		WithHealthCheck("redis", func(context.Context) error { return errors.New("connection refused") }),
	)

	w := env.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var health struct {
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, map[string]string{"mysql": "ok", "redis": "connection refused"}, health.Checks)

	id := env.start(t)
	env.waitDone(t, id)
	w = env.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "storyloom_pipeline_started_total 1")
}

func TestRouter_RateLimit(t *testing.T) {
	env := newTestEnv(t, instantAgent(), RouterConfig{
		RateLimiter: config.RateLimiterConfig{Enabled: true, Rate: 0.001, Capacity: 1},
	})
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/v1/pipelines", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do(http.MethodGet, "/api/v1/pipelines", "").Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", "").Code)
}

func TestOperatorMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(OperatorMiddleware())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(operatorKey)) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "anonymous", w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(operatorHeader, "mara")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "mara", w.Body.String())
}

func TestWriteError_Mapping(t *testing.T) {
	a := &API{logger: logger.NewNop()}
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("start: %w", service.ErrInvalidInput), http.StatusBadRequest},
		{service.ErrInvalidAction, http.StatusBadRequest},
		{service.ErrPipelineNotFound, http.StatusNotFound},
		{service.ErrNoRecoverableOutput, http.StatusNotFound},
		{service.ErrChapterBusy, http.StatusConflict},
		{service.ErrEmptyChapter, http.StatusConflict},
		{service.ErrShuttingDown, http.StatusServiceUnavailable},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		a.writeError(c, tc.err)
		assert.Equal(t, tc.want, w.Code, tc.err.Error())
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	a.writeError(c, errors.New("dial tcp 10.0.0.3:3306: refused"))
	assert.NotContains(t, w.Body.String(), "10.0.0.3")
}
