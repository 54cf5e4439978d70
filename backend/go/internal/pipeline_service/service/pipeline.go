package service

import (
	"sync"
	"time"

	"Storyloom/backend/go/pkg/models"
)

// Pipeline is the in-memory state of one chapter run. The executor goroutine and the
// control surface share it; every field below mu is guarded by mu.
type Pipeline struct {
	id        string
	projectID string
	chapterID string
	createdAt time.Time
	events    *Hub

	mu              sync.Mutex
	cond            *sync.Cond
	state           models.PipelineState
	plan            []models.PlanStep
	progress        models.Progress
	paused          bool
	cancelRequested bool
	lastError       string
	updatedAt       time.Time
}

func newPipeline(id, projectID, chapterID string, events *Hub) *Pipeline {
	now := time.Now()
	p := &Pipeline{
		id:        id,
		projectID: projectID,
		chapterID: chapterID,
		createdAt: now,
		events:    events,
		state:     models.PipelineStatePlanning,
		updatedAt: now,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Pipeline) ID() string { return p.id }

// Events returns the pipeline's event hub.
func (p *Pipeline) Events() *Hub { return p.events }

// Snapshot returns a consistent copy of the pipeline state.
func (p *Pipeline) Snapshot() models.PipelineSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Pipeline) snapshotLocked() models.PipelineSnapshot {
	var plan []models.PlanStep
	if p.plan != nil {
		plan = append([]models.PlanStep(nil), p.plan...)
	}
	return models.PipelineSnapshot{
		PipelineID:      p.id,
		ProjectID:       p.projectID,
		ChapterID:       p.chapterID,
		State:           p.state,
		Plan:            plan,
		Progress:        p.progress,
		Paused:          p.paused,
		CancelRequested: p.cancelRequested,
		Error:           p.lastError,
		CreatedAt:       p.createdAt,
		UpdatedAt:       p.updatedAt,
	}
}

// RequestPause asks the run to stop at the next step boundary.
func (p *Pipeline) RequestPause() models.PipelineSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.Terminal() && !p.paused {
		p.paused = true
		p.updatedAt = time.Now()
	}
	return p.snapshotLocked()
}

// RequestResume clears the pause flag and wakes a run blocked at a boundary.
func (p *Pipeline) RequestResume() models.PipelineSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.Terminal() && p.paused {
		p.paused = false
		p.updatedAt = time.Now()
		p.cond.Broadcast()
	}
	return p.snapshotLocked()
}

// RequestCancel asks the run to stop at the next boundary. It also wakes a paused run.
func (p *Pipeline) RequestCancel() models.PipelineSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.Terminal() && !p.cancelRequested {
		p.cancelRequested = true
		p.updatedAt = time.Now()
		p.cond.Broadcast()
	}
	return p.snapshotLocked()
}

func (p *Pipeline) setPlan(plan []models.PlanStep) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plan = append([]models.PlanStep(nil), plan...)
	p.progress = models.Progress{TotalSteps: len(plan)}
	p.state = models.PipelineStateRunning
	p.updatedAt = time.Now()
}

func (p *Pipeline) beginStep(agentType models.AgentType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress.CurrentAgentType = agentType
	p.updatedAt = time.Now()
}

func (p *Pipeline) completeStep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress.CompletedSteps++
	p.progress.CurrentAgentType = ""
	p.updatedAt = time.Now()
}

// finish moves the pipeline to a terminal state. It reports false when the pipeline
// already was terminal.
func (p *Pipeline) finish(state models.PipelineState, errMsg string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Terminal() {
		return false
	}
	p.state = state
	p.lastError = errMsg
	p.paused = false
	p.progress.CurrentAgentType = ""
	p.updatedAt = time.Now()
	p.cond.Broadcast()
	return true
}

// checkpoint runs at a step boundary. It returns true when the run must stop because
// cancellation was requested. While paused it blocks on the condition variable; onPause
// and onResume are called with the lock held and must not call back into p.
func (p *Pipeline) checkpoint(onPause, onResume func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelRequested {
		return true
	}
	if !p.paused {
		return false
	}

	p.state = models.PipelineStatePaused
	p.updatedAt = time.Now()
	onPause()
	for p.paused && !p.cancelRequested {
		p.cond.Wait()
	}
	if p.cancelRequested {
		return true
	}
	p.state = models.PipelineStateRunning
	p.updatedAt = time.Now()
	onResume()
	return false
}
