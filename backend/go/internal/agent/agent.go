package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"Storyloom/backend/go/pkg/jsonx"
	"Storyloom/backend/go/pkg/models"
)

// ErrEmptyOutput is returned when an agent finishes without producing any text.
var ErrEmptyOutput = errors.New("agent returned empty output")

// AgentRequest 是发送给单个 agent 的任务。
type AgentRequest struct {
	AgentType   models.AgentType
	TaskType    string
	Description string
	ProjectID   string
	ChapterID   string
	Context     map[string]any
	Previous    []models.AgentOutput // 本次运行中已完成步骤的输出，按顺序排列
}

// Executor 定义了 agent 执行能力。onChunk 在每段增量文本到达时被调用，可以为 nil。
type Executor interface {
	Invoke(ctx context.Context, req AgentRequest, onChunk func(chunk string)) (*models.AgentOutput, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req AgentRequest, onChunk func(chunk string)) (*models.AgentOutput, error)

func (f ExecutorFunc) Invoke(ctx context.Context, req AgentRequest, onChunk func(chunk string)) (*models.AgentOutput, error) {
	return f(ctx, req, onChunk)
}

var roleInstructions = map[models.AgentType]string{
	models.AgentCoordinator:       "You coordinate a team of writing agents and decide which of them work on a chapter, in order.",
	models.AgentPlotArchitect:     "You are the plot architect. Produce the beat-by-beat outline of the chapter.",
	models.AgentCharacterManager:  "You track every character's goals, voice and arc across the story.",
	models.AgentWriter:            "You are the novelist. Write the full chapter prose from the material provided.",
	models.AgentEditor:            "You are the line editor. Return the complete revised chapter, improving pacing and style.",
	models.AgentWorldBuilder:      "You maintain the setting: places, rules and history of the story world.",
	models.AgentContinuityChecker: "You check the chapter for contradictions with earlier material and list every issue found.",
}

// SystemPrompt returns the role instruction for an agent type.
func SystemPrompt(agentType models.AgentType) string {
	if s, ok := roleInstructions[agentType]; ok {
		return s
	}
	return "You are a helpful writing assistant."
}

// BuildPrompt renders the user prompt for a request: the task, the caller supplied context
// and the outputs of earlier steps.
func BuildPrompt(req AgentRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task (%s): %s\n", req.TaskType, req.Description)
	fmt.Fprintf(&sb, "Project: %s\nChapter: %s\n", req.ProjectID, req.ChapterID)

	if len(req.Context) > 0 {
		keys := make([]string, 0, len(req.Context))
		for k := range req.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("\nContext:\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %s\n", k, contextValue(req.Context[k]))
		}
	}

	for _, prev := range req.Previous {
		fmt.Fprintf(&sb, "\n## Output of %s (%s)\n%s\n", prev.AgentType, prev.TaskType, prev.Content)
	}
	return sb.String()
}

func contextValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// finishOutput builds the AgentOutput for accumulated text. A JSON object found in the text
// is attached as the structured payload.
func finishOutput(req AgentRequest, content string, usage models.TokenUsage) (*models.AgentOutput, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyOutput
	}
	out := &models.AgentOutput{
		AgentType:  req.AgentType,
		TaskType:   req.TaskType,
		Content:    content,
		TokenUsage: usage,
	}
	if res := jsonx.Extract(content); res.Kind == jsonx.Structured {
		out.Structured = res.JSON
	}
	return out, nil
}
