package models

import "encoding/json"

// TokenUsage 记录一次 agent 调用的 token 消耗。
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// AgentOutput 是 agent 执行某一步后的完整产出。
type AgentOutput struct {
	AgentType  AgentType       `json:"agentType"`
	TaskType   string          `json:"taskType"`
	Content    string          `json:"content"`
	Structured json.RawMessage `json:"structured,omitempty"` // 与文本一同返回的结构化数据（可选）
	TokenUsage TokenUsage      `json:"tokenUsage"`
}
