package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"Storyloom/backend/go/pkg/models"

	olla "github.com/ollama/ollama/api"
)

// OllamaExecutor runs every agent on a local Ollama model, streaming tokens as chunks.
type OllamaExecutor struct {
	client *olla.Client
	model  string
}

// NewOllamaExecutor 创建一个新的 Ollama 执行器。baseURL 为空时默认为 "http://localhost:11434"。
func NewOllamaExecutor(model, baseURL string, hc *http.Client) (*OllamaExecutor, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &OllamaExecutor{client: olla.NewClient(parsedURL, hc), model: model}, nil
}

func (o *OllamaExecutor) Invoke(ctx context.Context, req AgentRequest, onChunk func(string)) (*models.AgentOutput, error) {
	var (
		content strings.Builder
		usage   models.TokenUsage
	)
	stream := true
	err := o.client.Generate(ctx, &olla.GenerateRequest{
		Model:  o.model,
		System: SystemPrompt(req.AgentType),
		Prompt: BuildPrompt(req),
		Stream: &stream,
	}, func(resp olla.GenerateResponse) error {
		if resp.Response != "" {
			content.WriteString(resp.Response)
			if onChunk != nil {
				onChunk(resp.Response)
			}
		}
		if resp.Done {
			usage = models.TokenUsage{Input: resp.PromptEvalCount, Output: resp.EvalCount}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate content with ollama: %w", err)
	}
	return finishOutput(req, content.String(), usage)
}
