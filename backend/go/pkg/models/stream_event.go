package models

import "time"

// StreamEventType 是推送给客户端的进度事件类型。
type StreamEventType string

const (
	EventAgentStart        StreamEventType = "agent_start"
	EventAgentStream       StreamEventType = "agent_stream"
	EventAgentComplete     StreamEventType = "agent_complete"
	EventPipelinePlan      StreamEventType = "pipeline_plan"
	EventPipelinePaused    StreamEventType = "pipeline_paused"
	EventPipelineResumed   StreamEventType = "pipeline_resumed"
	EventPipelineCancelled StreamEventType = "pipeline_cancelled"
	EventPipelineComplete  StreamEventType = "pipeline_complete"
	EventError             StreamEventType = "error"
)

// StreamEvent 是事件流中的一个单元。事件只用于传输，从不持久化。
// 不同类型的事件只填充与其相关的字段。
type StreamEvent struct {
	Type       StreamEventType `json:"type"`
	PipelineID string          `json:"pipelineId,omitempty"`
	AgentType  AgentType       `json:"agentType,omitempty"`
	Text       string          `json:"text,omitempty"`    // agent_stream 的增量文本
	Output     *AgentOutput    `json:"output,omitempty"`  // agent_complete 的完整输出
	Plan       []PlanStep      `json:"plan,omitempty"`    // pipeline_plan
	Outputs    []AgentOutput   `json:"outputs,omitempty"` // pipeline_complete
	Message    string          `json:"message,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

func newEvent(t StreamEventType, pipelineID string) StreamEvent {
	return StreamEvent{Type: t, PipelineID: pipelineID, Timestamp: time.Now()}
}

func NewPlanEvent(pipelineID string, plan []PlanStep) StreamEvent {
	e := newEvent(EventPipelinePlan, pipelineID)
	e.Plan = plan
	return e
}

func NewAgentStartEvent(pipelineID string, agentType AgentType) StreamEvent {
	e := newEvent(EventAgentStart, pipelineID)
	e.AgentType = agentType
	return e
}

func NewAgentStreamEvent(pipelineID string, agentType AgentType, chunk string) StreamEvent {
	e := newEvent(EventAgentStream, pipelineID)
	e.AgentType = agentType
	e.Text = chunk
	return e
}

func NewAgentCompleteEvent(pipelineID string, output AgentOutput) StreamEvent {
	e := newEvent(EventAgentComplete, pipelineID)
	e.AgentType = output.AgentType
	e.Output = &output
	return e
}

func NewPausedEvent(pipelineID, message string) StreamEvent {
	e := newEvent(EventPipelinePaused, pipelineID)
	e.Message = message
	return e
}

func NewResumedEvent(pipelineID string) StreamEvent {
	return newEvent(EventPipelineResumed, pipelineID)
}

func NewCancelledEvent(pipelineID, message string) StreamEvent {
	e := newEvent(EventPipelineCancelled, pipelineID)
	e.Message = message
	return e
}

func NewCompleteEvent(pipelineID string, outputs []AgentOutput) StreamEvent {
	e := newEvent(EventPipelineComplete, pipelineID)
	e.Outputs = outputs
	return e
}

func NewErrorEvent(pipelineID string, agentType AgentType, message string) StreamEvent {
	e := newEvent(EventError, pipelineID)
	e.AgentType = agentType
	e.Message = message
	return e
}
