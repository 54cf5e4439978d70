package models

import (
	"time"

	"gorm.io/datatypes"
)

// TaskStatus 定义了任务记录的几种可能状态。
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// taskPredecessors 列出每个状态允许的前驱状态，状态只能单调前进。
var taskPredecessors = map[TaskStatus][]TaskStatus{
	TaskStatusQueued:    {TaskStatusPending},
	TaskStatusRunning:   {TaskStatusQueued},
	TaskStatusCompleted: {TaskStatusRunning},
	TaskStatusFailed:    {TaskStatusRunning},
	TaskStatusCancelled: {TaskStatusPending, TaskStatusQueued, TaskStatusRunning},
}

// Terminal 判断任务状态是否为终态。
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Predecessors 返回可以转换到 s 的状态集合。
func (s TaskStatus) Predecessors() []TaskStatus {
	return taskPredecessors[s]
}

// CanTransition 判断从 s 到 to 的状态转换是否合法。
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	for _, from := range taskPredecessors[to] {
		if from == s {
			return true
		}
	}
	return false
}

// TaskRecord 代表流水线中某一步执行结果的持久化记录。
// 每个被执行的 PlanStep 恰好对应一条 TaskRecord。
type TaskRecord struct {
	ID           string         `gorm:"primaryKey;size:36" json:"id"`
	PipelineID   string         `gorm:"size:36;index" json:"pipelineId"`
	ProjectID    string         `gorm:"size:64;not null" json:"projectId"`
	ChapterID    string         `gorm:"size:64;not null;index:idx_task_recovery,priority:1" json:"chapterId"`
	AgentType    AgentType      `gorm:"size:32;not null;index:idx_task_recovery,priority:2" json:"agentType"`
	TaskType     string         `gorm:"size:64" json:"taskType"`
	StepIndex    int            `json:"stepIndex"`
	Status       TaskStatus     `gorm:"size:16;not null;index:idx_task_recovery,priority:3" json:"status"`
	Output       *string        `gorm:"type:longtext" json:"output,omitempty"`
	Structured   datatypes.JSON `json:"structured,omitempty"`
	InputTokens  int            `json:"inputTokens"`
	OutputTokens int            `json:"outputTokens"`
	Error        string         `gorm:"size:2048" json:"error,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	CompletedAt  *time.Time     `gorm:"index:idx_task_recovery,priority:4" json:"completedAt,omitempty"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// OutputText 返回任务输出文本，输出为空时返回空字符串。
func (t *TaskRecord) OutputText() string {
	if t == nil || t.Output == nil {
		return ""
	}
	return *t.Output
}
