package agent

import (
	"context"
	"fmt"
	"net/http"

	"Storyloom/backend/go/internal/config"
	"Storyloom/backend/go/pkg/circuitbreaker"
	phttp "Storyloom/backend/go/pkg/http"
)

// NewExecutor 根据配置创建 agent 执行器，熔断器启用时包装在熔断器之后。
// resolver 仅用于 gateway，为 nil 时使用 agents.gateway.endpoint。
func NewExecutor(ctx context.Context, cfg config.AgentsConfig, cb config.CircuitBreakerConfig, resolver EndpointResolver) (Executor, error) {
	var breaker circuitbreaker.CircuitBreaker
	if cb.Enabled {
		breaker = circuitbreaker.New(cb.FailureThreshold, cb.SuccessThreshold, config.Duration(cb.Timeout))
	}

	switch cfg.Provider {
	case "gateway":
		if resolver == nil {
			resolver = StaticEndpoint(cfg.Gateway.Endpoint)
		}
		// 网关客户端自带熔断器
		client := phttp.NewClient(cb, config.Duration(cfg.Gateway.Timeout))
		return NewResolvedGatewayExecutor(resolver, client), nil
	case "ollama":
		exec, err := NewOllamaExecutor(cfg.Ollama.Model, cfg.Ollama.BaseURL, &http.Client{Timeout: config.Duration(cfg.Gateway.Timeout)})
		if err != nil {
			return nil, err
		}
		return Guarded(exec, breaker), nil
	case "openai":
		return Guarded(NewOpenAIExecutor(cfg.OpenAI.Model, cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL), breaker), nil
	case "gemini":
		exec, err := NewGeminiExecutor(ctx, cfg.Gemini.Model, cfg.Gemini.APIKey)
		if err != nil {
			return nil, err
		}
		return Guarded(exec, breaker), nil
	default:
		return nil, fmt.Errorf("unsupported agent provider: %s", cfg.Provider)
	}
}

// NewPlanner 根据 pipeline.planner 配置创建计划器。
func NewPlanner(cfg config.PipelineConfig, exec Executor) (Planner, error) {
	template := NewTemplatePlanner(cfg.Steps)
	switch cfg.Planner {
	case "", "template":
		return template, nil
	case "agent":
		return NewAgentPlanner(exec, template), nil
	default:
		return nil, fmt.Errorf("unsupported planner: %s", cfg.Planner)
	}
}
