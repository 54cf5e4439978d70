package models

import "time"

// PipelineState 描述一次章节生成流水线在内存中的运行状态。
type PipelineState string

const (
	PipelineStatePlanning  PipelineState = "planning"
	PipelineStateRunning   PipelineState = "running"
	PipelineStatePaused    PipelineState = "paused"
	PipelineStateCompleted PipelineState = "completed"
	PipelineStateFailed    PipelineState = "failed"
	PipelineStateCancelled PipelineState = "cancelled"
)

// Terminal 判断状态是否为终态（completed / failed / cancelled）。
func (s PipelineState) Terminal() bool {
	switch s {
	case PipelineStateCompleted, PipelineStateFailed, PipelineStateCancelled:
		return true
	}
	return false
}

// AgentType 标识流水线中某一步由哪一类 agent 执行。
type AgentType string

const (
	AgentCoordinator       AgentType = "coordinator"
	AgentPlotArchitect     AgentType = "plot_architect"
	AgentCharacterManager  AgentType = "character_manager"
	AgentWriter            AgentType = "writer"
	AgentEditor            AgentType = "editor"
	AgentWorldBuilder      AgentType = "world_builder"
	AgentContinuityChecker AgentType = "continuity_checker"
)

// AllAgentTypes 返回全部已知的 agent 类型。
func AllAgentTypes() []AgentType {
	return []AgentType{
		AgentCoordinator, AgentPlotArchitect, AgentCharacterManager, AgentWriter,
		AgentEditor, AgentWorldBuilder, AgentContinuityChecker,
	}
}

// Valid 判断 agent 类型是否属于已知集合。
func (a AgentType) Valid() bool {
	for _, t := range AllAgentTypes() {
		if a == t {
			return true
		}
	}
	return false
}

// PlanStep 是计划中的一步。计划在执行前生成一次，之后不再修改。
type PlanStep struct {
	AgentType   AgentType `json:"agentType" yaml:"agentType"`     // 执行该步骤的 agent 类型
	TaskType    string    `json:"taskType" yaml:"taskType"`       // 工作单元标识，例如 "draft_chapter"
	Description string    `json:"description" yaml:"description"` // 面向用户的描述
}

// Progress 记录流水线的执行进度。
type Progress struct {
	CompletedSteps   int       `json:"completedSteps"`
	TotalSteps       int       `json:"totalSteps"`
	CurrentAgentType AgentType `json:"currentAgentType,omitempty"`
}

// PipelineSnapshot 是某一时刻流水线状态的一致性拷贝，用于状态查询和控制接口的返回值。
type PipelineSnapshot struct {
	PipelineID      string        `json:"pipelineId"`
	ProjectID       string        `json:"projectId"`
	ChapterID       string        `json:"chapterId"`
	State           PipelineState `json:"state"`
	Plan            []PlanStep    `json:"plan,omitempty"`
	Progress        Progress      `json:"progress"`
	Paused          bool          `json:"paused"`
	CancelRequested bool          `json:"cancelRequested"`
	Error           string        `json:"error,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}
