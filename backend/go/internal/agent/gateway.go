package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	phttp "Storyloom/backend/go/pkg/http"
	"Storyloom/backend/go/pkg/models"
)

const gatewayInvokePath = "/v1/agents/invoke"

// GatewayExecutor calls a remote agent gateway that answers with newline-delimited JSON:
//
//	{"type":"chunk","text":"..."}
//	{"type":"result","content":"...","structured":{...},"tokenUsage":{"input":1,"output":2}}
//	{"type":"error","message":"..."}
//
// When no result line arrives the concatenated chunks become the content.
type GatewayExecutor struct {
	endpoints EndpointResolver
	client    *phttp.Client
}

// EndpointResolver picks the gateway base URL for one call.
type EndpointResolver interface {
	Endpoint(ctx context.Context) (string, error)
}

// StaticEndpoint always resolves to the same base URL.
type StaticEndpoint string

func (s StaticEndpoint) Endpoint(context.Context) (string, error) {
	return string(s), nil
}

// NewGatewayExecutor creates an executor for the gateway at endpoint.
func NewGatewayExecutor(endpoint string, client *phttp.Client) *GatewayExecutor {
	return NewResolvedGatewayExecutor(StaticEndpoint(endpoint), client)
}

// NewResolvedGatewayExecutor creates an executor that resolves the gateway address on
// every call, e.g. from service discovery.
func NewResolvedGatewayExecutor(endpoints EndpointResolver, client *phttp.Client) *GatewayExecutor {
	return &GatewayExecutor{endpoints: endpoints, client: client}
}

type gatewayRequest struct {
	AgentType   models.AgentType     `json:"agentType"`
	TaskType    string               `json:"taskType"`
	Description string               `json:"description"`
	ProjectID   string               `json:"projectId"`
	ChapterID   string               `json:"chapterId"`
	System      string               `json:"system"`
	Prompt      string               `json:"prompt"`
	Context     map[string]any       `json:"context,omitempty"`
	Previous    []models.AgentOutput `json:"previous,omitempty"`
	Stream      bool                 `json:"stream"`
}

type gatewayLine struct {
	Type       string            `json:"type"`
	Text       string            `json:"text"`
	Content    string            `json:"content"`
	Structured json.RawMessage   `json:"structured"`
	TokenUsage models.TokenUsage `json:"tokenUsage"`
	Message    string            `json:"message"`
}

func (g *GatewayExecutor) Invoke(ctx context.Context, req AgentRequest, onChunk func(string)) (*models.AgentOutput, error) {
	body, err := json.Marshal(gatewayRequest{
		AgentType:   req.AgentType,
		TaskType:    req.TaskType,
		Description: req.Description,
		ProjectID:   req.ProjectID,
		ChapterID:   req.ChapterID,
		System:      SystemPrompt(req.AgentType),
		Prompt:      BuildPrompt(req),
		Context:     req.Context,
		Previous:    req.Previous,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("encode gateway request: %w", err)
	}

	endpoint, err := g.endpoints.Endpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve agent gateway: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(endpoint, "/")+gatewayInvokePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build gateway request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call agent gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("agent gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var (
		content strings.Builder
		result  *gatewayLine
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line gatewayLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, fmt.Errorf("decode gateway line: %w", err)
		}
		switch line.Type {
		case "chunk":
			content.WriteString(line.Text)
			if onChunk != nil && line.Text != "" {
				onChunk(line.Text)
			}
		case "result":
			l := line
			result = &l
		case "error":
			return nil, fmt.Errorf("agent %s failed: %s", req.AgentType, line.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read gateway stream: %w", err)
	}

	if result == nil {
		return finishOutput(req, content.String(), models.TokenUsage{})
	}
	text := result.Content
	if text == "" {
		text = content.String()
	}
	out, err := finishOutput(req, text, result.TokenUsage)
	if err != nil {
		return nil, err
	}
	if len(result.Structured) > 0 && string(result.Structured) != "null" {
		out.Structured = result.Structured
	}
	return out, nil
}
