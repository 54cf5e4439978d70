package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"Storyloom/backend/go/internal/agent"
	"Storyloom/backend/go/internal/pipeline_service/store"
	"Storyloom/backend/go/pkg/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// memoryStore is an in-memory TaskStore and ChapterStore enforcing the same status
// transitions as the gorm store.
type memoryStore struct {
	mu       sync.Mutex
	tasks    map[string]*models.TaskRecord
	chapters map[string]*models.Chapter
	clock    time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		tasks:    make(map[string]*models.TaskRecord),
		chapters: make(map[string]*models.Chapter),
		clock:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (s *memoryStore) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *memoryStore) addChapter(ch models.Chapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch.Status == "" {
		ch.Status = models.ChapterStatusDraft
	}
	s.chapters[ch.ProjectID+"/"+ch.ID] = &ch
}

func (s *memoryStore) chapter(projectID, chapterID string) models.Chapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.chapters[projectID+"/"+chapterID]
}

func (s *memoryStore) CreateTask(_ context.Context, record *models.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	record.CreatedAt = s.tick()
	cp := *record
	s.tasks[record.ID] = &cp
	return nil
}

func (s *memoryStore) transition(id string, to models.TaskStatus, apply func(*models.TaskRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok || !rec.Status.CanTransition(to) {
		return fmt.Errorf("task %s to %s: %w", id, to, store.ErrTransitionRejected)
	}
	rec.Status = to
	if apply != nil {
		apply(rec)
	}
	return nil
}

func (s *memoryStore) MarkTaskRunning(_ context.Context, id string) error {
	return s.transition(id, models.TaskStatusRunning, nil)
}

func (s *memoryStore) CompleteTask(_ context.Context, id string, output models.AgentOutput) error {
	return s.transition(id, models.TaskStatusCompleted, func(r *models.TaskRecord) {
		text := output.Content
		at := s.tick()
		r.Output = &text
		r.CompletedAt = &at
		r.InputTokens = output.TokenUsage.Input
		r.OutputTokens = output.TokenUsage.Output
	})
}

func (s *memoryStore) FailTask(_ context.Context, id string, reason string) error {
	return s.transition(id, models.TaskStatusFailed, func(r *models.TaskRecord) { r.Error = reason })
}

func (s *memoryStore) CancelTask(_ context.Context, id string) error {
	return s.transition(id, models.TaskStatusCancelled, nil)
}

func (s *memoryStore) LatestCompletedTask(_ context.Context, projectID, chapterID string, agentType models.AgentType) (*models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.TaskRecord
	for _, r := range s.tasks {
		if r.ProjectID != projectID || r.ChapterID != chapterID || r.AgentType != agentType || r.Status != models.TaskStatusCompleted {
			continue
		}
		if best == nil || r.CompletedAt.After(*best.CompletedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (s *memoryStore) ListTasksByPipeline(_ context.Context, pipelineID string) ([]models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TaskRecord
	for _, r := range s.tasks {
		if r.PipelineID == pipelineID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func (s *memoryStore) GetChapter(_ context.Context, projectID, chapterID string) (*models.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.chapters[projectID+"/"+chapterID]
	if !ok {
		return nil, fmt.Errorf("chapter %s/%s: %w", projectID, chapterID, store.ErrNotFound)
	}
	cp := *ch
	return &cp, nil
}

func (s *memoryStore) updateChapter(projectID, chapterID string, apply func(*models.Chapter)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.chapters[projectID+"/"+chapterID]
	if !ok {
		return fmt.Errorf("chapter %s/%s: %w", projectID, chapterID, store.ErrNotFound)
	}
	apply(ch)
	return nil
}

func (s *memoryStore) UpdateChapterContent(_ context.Context, projectID, chapterID, content string, wordCount int, status models.ChapterStatus) error {
	return s.updateChapter(projectID, chapterID, func(c *models.Chapter) {
		c.Content, c.WordCount, c.Status = content, wordCount, status
	})
}

func (s *memoryStore) UpdateChapterStatus(_ context.Context, projectID, chapterID string, status models.ChapterStatus) error {
	return s.updateChapter(projectID, chapterID, func(c *models.Chapter) { c.Status = status })
}

func (s *memoryStore) UpdateChapterSummary(_ context.Context, projectID, chapterID, brief, detailed string) error {
	return s.updateChapter(projectID, chapterID, func(c *models.Chapter) {
		c.SummaryBrief, c.SummaryDetailed = brief, detailed
	})
}

// scriptedAgent answers each agent type with a fixed reply. Steps listed in gates block
// until the test sends on the gate channel; failures make the matching step fail.
type scriptedAgent struct {
	mu       sync.Mutex
	replies  map[models.AgentType]string
	failures map[models.AgentType]error
	gates    map[int]chan struct{}
	entered  chan int
	calls    []agent.AgentRequest
}

func newScriptedAgent() *scriptedAgent {
	return &scriptedAgent{
		replies: map[models.AgentType]string{
			models.AgentPlotArchitect:     "1. The storm arrives.",
			models.AgentCharacterManager:  "Mara wants to leave the island.",
			models.AgentWriter:            "Mara watched the storm roll in.",
			models.AgentEditor:            "Mara watched the storm arrive.\n<!-- CHAPTER_SPLIT_SUGGESTION {\"at\": 12} -->",
			models.AgentContinuityChecker: "No issues.",
		},
		failures: make(map[models.AgentType]error),
		gates:    make(map[int]chan struct{}),
		entered:  make(chan int, 64),
	}
}

// gate makes call number n (0-based) block until released.
func (a *scriptedAgent) gate(n int) chan struct{} {
	ch := make(chan struct{})
	a.gates[n] = ch
	return ch
}

func (a *scriptedAgent) Invoke(ctx context.Context, req agent.AgentRequest, onChunk func(string)) (*models.AgentOutput, error) {
	a.mu.Lock()
	n := len(a.calls)
	a.calls = append(a.calls, req)
	gate := a.gates[n]
	reply := a.replies[req.AgentType]
	failure := a.failures[req.AgentType]
	a.mu.Unlock()

	a.entered <- n
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		return nil, failure
	}
	if onChunk != nil && reply != "" {
		onChunk(reply)
	}
	return &models.AgentOutput{
		AgentType:  req.AgentType,
		TaskType:   req.TaskType,
		Content:    reply,
		TokenUsage: models.TokenUsage{Input: 10, Output: len(reply)},
	}, nil
}

func (a *scriptedAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *scriptedAgent) waitEntered(t *testing.T, n int) {
	t.Helper()
	for {
		select {
		case got := <-a.entered:
			if got == n {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("agent call %d never started", n)
		}
	}
}

// expiringLocker behaves like a TTL lock in Redis: an entry not refreshed within ttl is
// free for anyone to take.
type expiringLocker struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]lockEntry
}

type lockEntry struct {
	owner   string
	expires time.Time
}

func newExpiringLocker(ttl time.Duration) *expiringLocker {
	return &expiringLocker{ttl: ttl, entries: make(map[string]lockEntry)}
}

func (l *expiringLocker) live(key string) (lockEntry, bool) {
	e, ok := l.entries[key]
	if !ok || time.Now().After(e.expires) {
		return lockEntry{}, false
	}
	return e, true
}

func (l *expiringLocker) Acquire(_ context.Context, projectID, chapterID, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := projectID + "/" + chapterID
	if _, held := l.live(key); held {
		return false, nil
	}
	l.entries[key] = lockEntry{owner: owner, expires: time.Now().Add(l.ttl)}
	return true, nil
}

func (l *expiringLocker) Refresh(_ context.Context, projectID, chapterID, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := projectID + "/" + chapterID
	e, held := l.live(key)
	if !held || e.owner != owner {
		return false, nil
	}
	l.entries[key] = lockEntry{owner: owner, expires: time.Now().Add(l.ttl)}
	return true, nil
}

func (l *expiringLocker) Release(_ context.Context, projectID, chapterID, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := projectID + "/" + chapterID
	if e, ok := l.entries[key]; ok && e.owner == owner {
		delete(l.entries, key)
	}
	return nil
}

// steal hands every lock to another owner, as if it had expired and been re-acquired.
func (l *expiringLocker) steal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.entries {
		l.entries[key] = lockEntry{owner: "someone-else", expires: time.Now().Add(time.Hour)}
	}
}

type failingPlanner struct{ err error }

func (p failingPlanner) Plan(context.Context, agent.PlanRequest) ([]models.PlanStep, error) {
	return nil, p.err
}

func testPlan() []models.PlanStep {
	return []models.PlanStep{
		{AgentType: models.AgentPlotArchitect, TaskType: "chapter_outline", Description: "outline"},
		{AgentType: models.AgentWriter, TaskType: "draft_chapter", Description: "draft"},
		{AgentType: models.AgentEditor, TaskType: "edit_chapter", Description: "edit"},
	}
}

type harness struct {
	store    *memoryStore
	agent    *scriptedAgent
	registry *Registry
	exec     *Executor
}

func newHarness(t *testing.T, plan []models.PlanStep, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:    newMemoryStore(),
		agent:    newScriptedAgent(),
		registry: NewRegistry(16, time.Minute),
	}
	h.store.addChapter(models.Chapter{ID: "ch-1", ProjectID: "proj", Title: "Storm", Content: "old text", Status: models.ChapterStatusReview})
	h.exec = NewExecutor(h.agent, agent.NewTemplatePlanner(plan), h.store, h.store, h.registry, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.exec.Shutdown(ctx)
	})
	return h
}

func (h *harness) start(t *testing.T) (string, *Subscription) {
	t.Helper()
	id, err := h.exec.Start(context.Background(), StartRequest{ProjectID: "proj", ChapterID: "ch-1"})
	require.NoError(t, err)
	p, err := h.registry.Get(id)
	require.NoError(t, err)
	return id, p.Events().Subscribe()
}

// drain collects events until the pipeline's hub closes.
func drain(t *testing.T, sub *Subscription) []models.StreamEvent {
	t.Helper()
	var events []models.StreamEvent
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("pipeline did not finish; got %d events", len(events))
		}
	}
}

// waitFor reads events until one of type want arrives.
func waitFor(t *testing.T, sub *Subscription, want models.StreamEventType) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				t.Fatalf("stream ended before %s", want)
			}
			if ev.Type == want {
				return
			}
		case <-timeout:
			t.Fatalf("no %s event", want)
		}
	}
}

func eventTypes(events []models.StreamEvent) []models.StreamEventType {
	out := make([]models.StreamEventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}
