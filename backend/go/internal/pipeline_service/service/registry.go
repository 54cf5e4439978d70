package service

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"Storyloom/backend/go/pkg/models"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ControlAction is an operator request against a running pipeline.
type ControlAction string

const (
	ActionPause  ControlAction = "pause"
	ActionResume ControlAction = "resume"
	ActionCancel ControlAction = "cancel"
)

// ParseControlAction accepts pause, resume and cancel, case-insensitively.
func ParseControlAction(s string) (ControlAction, error) {
	switch a := ControlAction(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionPause, ActionResume, ActionCancel:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
	}
}

// Registry maps pipeline ids to live pipelines. Terminal pipelines are moved to a bounded
// retention cache so their status and event history stay queryable for a while.
type Registry struct {
	mu      sync.RWMutex
	live    map[string]*Pipeline
	retired *expirable.LRU[string, *Pipeline]
}

// NewRegistry creates a registry keeping at most size terminal pipelines for ttl.
func NewRegistry(size int, ttl time.Duration) *Registry {
	if size <= 0 {
		size = 1
	}
	return &Registry{
		live:    make(map[string]*Pipeline),
		retired: expirable.NewLRU[string, *Pipeline](size, nil, ttl),
	}
}

// Register adds a live pipeline.
func (r *Registry) Register(p *Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[p.ID()] = p
}

// Retire moves a pipeline from the live set into the retention cache.
func (r *Registry) Retire(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.live[id]; ok {
		delete(r.live, id)
		r.retired.Add(id, p)
	}
}

// Get returns a live or retained pipeline.
func (r *Registry) Get(id string) (*Pipeline, error) {
	r.mu.RLock()
	p, ok := r.live[id]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}
	if p, ok := r.retired.Get(id); ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, id)
}

// Status returns a snapshot of the pipeline.
func (r *Registry) Status(id string) (models.PipelineSnapshot, error) {
	p, err := r.Get(id)
	if err != nil {
		return models.PipelineSnapshot{}, err
	}
	return p.Snapshot(), nil
}

// ListActive returns the ids of pipelines that have not reached a terminal state, sorted.
func (r *Registry) ListActive() []string {
	r.mu.RLock()
	pipelines := make([]*Pipeline, 0, len(r.live))
	for _, p := range r.live {
		pipelines = append(pipelines, p)
	}
	r.mu.RUnlock()

	ids := make([]string, 0, len(pipelines))
	for _, p := range pipelines {
		if !p.Snapshot().State.Terminal() {
			ids = append(ids, p.ID())
		}
	}
	sort.Strings(ids)
	return ids
}

// Live returns the live pipelines in no particular order.
func (r *Registry) Live() []*Pipeline {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Pipeline, 0, len(r.live))
	for _, p := range r.live {
		out = append(out, p)
	}
	return out
}

// Control applies action to the pipeline. The action is validated before the lookup, so
// an unknown action fails with ErrInvalidAction whatever the id. On a terminal pipeline
// every action is a no-op that returns its snapshot.
func (r *Registry) Control(id, action string) (models.PipelineSnapshot, error) {
	a, err := ParseControlAction(action)
	if err != nil {
		return models.PipelineSnapshot{}, err
	}
	p, err := r.Get(id)
	if err != nil {
		return models.PipelineSnapshot{}, err
	}
	switch a {
	case ActionPause:
		return p.RequestPause(), nil
	case ActionResume:
		return p.RequestResume(), nil
	default:
		return p.RequestCancel(), nil
	}
}
