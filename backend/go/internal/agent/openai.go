package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"Storyloom/backend/go/pkg/models"

	openai "github.com/meguminnnnnnnnn/go-openai"
)

// OpenAIExecutor runs every agent on an OpenAI compatible chat model.
type OpenAIExecutor struct {
	client *openai.Client
	model  string
}

// NewOpenAIExecutor creates an executor; an empty baseURL keeps the library default.
func NewOpenAIExecutor(model, apiKey, baseURL string) *OpenAIExecutor {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIExecutor{client: openai.NewClientWithConfig(cfg), model: model}
}

func (o *OpenAIExecutor) Invoke(ctx context.Context, req AgentRequest, onChunk func(string)) (*models.AgentOutput, error) {
	stream, err := o.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt(req.AgentType)},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(req)},
		},
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chat completion stream: %w", err)
	}
	defer stream.Close()

	var (
		content strings.Builder
		usage   models.TokenUsage
	)
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("receive chat completion chunk: %w", err)
		}
		if resp.Usage != nil {
			usage = models.TokenUsage{Input: resp.Usage.PromptTokens, Output: resp.Usage.CompletionTokens}
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			content.WriteString(choice.Delta.Content)
			if onChunk != nil {
				onChunk(choice.Delta.Content)
			}
		}
	}
	return finishOutput(req, content.String(), usage)
}
