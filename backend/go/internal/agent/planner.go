package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"Storyloom/backend/go/pkg/jsonx"
	"Storyloom/backend/go/pkg/models"
)

// ErrInvalidPlan is returned for a plan that is empty or names an unknown agent.
var ErrInvalidPlan = errors.New("invalid plan")

// PlanRequest describes the chapter a plan is made for.
type PlanRequest struct {
	ProjectID string
	ChapterID string
	Context   map[string]any
}

// Planner 定义了计划能力：为一次章节运行产出有序的步骤列表。
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) ([]models.PlanStep, error)
}

// ValidatePlan checks that plan is non-empty and every step names a known agent and a task.
func ValidatePlan(plan []models.PlanStep) error {
	if len(plan) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidPlan)
	}
	for i, step := range plan {
		if !step.AgentType.Valid() {
			return fmt.Errorf("%w: step %d has unknown agent type %q", ErrInvalidPlan, i, step.AgentType)
		}
		if strings.TrimSpace(step.TaskType) == "" {
			return fmt.Errorf("%w: step %d has no task type", ErrInvalidPlan, i)
		}
	}
	return nil
}

// TemplatePlanner returns the same configured plan for every chapter.
type TemplatePlanner struct {
	steps []models.PlanStep
}

func NewTemplatePlanner(steps []models.PlanStep) *TemplatePlanner {
	return &TemplatePlanner{steps: append([]models.PlanStep(nil), steps...)}
}

func (p *TemplatePlanner) Plan(context.Context, PlanRequest) ([]models.PlanStep, error) {
	return append([]models.PlanStep(nil), p.steps...), nil
}

// AgentPlanner asks the coordinator agent for a plan and falls back to a template when
// the reply carries no usable plan. An agent failure is returned as is.
type AgentPlanner struct {
	executor Executor
	fallback Planner
}

func NewAgentPlanner(executor Executor, fallback Planner) *AgentPlanner {
	return &AgentPlanner{executor: executor, fallback: fallback}
}

func (p *AgentPlanner) Plan(ctx context.Context, req PlanRequest) ([]models.PlanStep, error) {
	out, err := p.executor.Invoke(ctx, AgentRequest{
		AgentType:   models.AgentCoordinator,
		TaskType:    "plan_chapter",
		Description: planInstruction,
		ProjectID:   req.ProjectID,
		ChapterID:   req.ChapterID,
		Context:     req.Context,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("coordinator planning: %w", err)
	}

	var reply struct {
		Steps []models.PlanStep `json:"steps"`
	}
	if err := jsonx.Extract(out.Content).Decode(&reply); err != nil || ValidatePlan(reply.Steps) != nil {
		return p.fallback.Plan(ctx, req)
	}
	return reply.Steps, nil
}

var planInstruction = "Decide which agents work on this chapter and in what order. Reply with JSON " +
	`{"steps":[{"agentType":"...","taskType":"...","description":"..."}]} using agent types ` +
	strings.Join(agentTypeNames(), ", ") + "."

func agentTypeNames() []string {
	names := make([]string, 0, len(models.AllAgentTypes()))
	for _, t := range models.AllAgentTypes() {
		if t != models.AgentCoordinator {
			names = append(names, string(t))
		}
	}
	return names
}
