package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"Storyloom/backend/go/pkg/models"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiExecutor runs every agent on a Gemini model, streaming candidate text as chunks.
type GeminiExecutor struct {
	client *genai.Client
	model  string
}

// NewGeminiExecutor 使用 API 密钥创建 Gemini 执行器。
func NewGeminiExecutor(ctx context.Context, model, apiKey string) (*GeminiExecutor, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiExecutor{client: client, model: model}, nil
}

func (g *GeminiExecutor) Invoke(ctx context.Context, req AgentRequest, onChunk func(string)) (*models.AgentOutput, error) {
	// 每次调用使用独立的模型句柄，系统提示随 agent 类型变化
	model := g.client.GenerativeModel(g.model)
	model.SystemInstruction = genai.NewUserContent(genai.Text(SystemPrompt(req.AgentType)))

	var (
		content strings.Builder
		usage   models.TokenUsage
	)
	iter := model.GenerateContentStream(ctx, genai.Text(BuildPrompt(req)))
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to generate content with gemini: %w", err)
		}
		if text := candidateText(resp); text != "" {
			content.WriteString(text)
			if onChunk != nil {
				onChunk(text)
			}
		}
		if resp.UsageMetadata != nil {
			usage = models.TokenUsage{
				Input:  int(resp.UsageMetadata.PromptTokenCount),
				Output: int(resp.UsageMetadata.CandidatesTokenCount),
			}
		}
	}
	return finishOutput(req, content.String(), usage)
}

// Close releases the underlying client.
func (g *GeminiExecutor) Close() error {
	return g.client.Close()
}

// candidateText concatenates the text parts of the first candidate.
func candidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return sb.String()
}
