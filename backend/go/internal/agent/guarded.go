package agent

import (
	"context"

	"Storyloom/backend/go/pkg/circuitbreaker"
	"Storyloom/backend/go/pkg/models"
)

// Guarded wraps an executor with a circuit breaker so a dead model backend fails fast.
func Guarded(next Executor, breaker circuitbreaker.CircuitBreaker) Executor {
	if breaker == nil {
		return next
	}
	return ExecutorFunc(func(ctx context.Context, req AgentRequest, onChunk func(string)) (*models.AgentOutput, error) {
		var out *models.AgentOutput
		err := breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			out, err = next.Invoke(ctx, req, onChunk)
			return err
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	})
}
