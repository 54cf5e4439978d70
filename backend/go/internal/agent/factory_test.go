package agent

import (
	"context"
	"testing"

	"Storyloom/backend/go/internal/config"
	"Storyloom/backend/go/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExecutor_GatewayPrefersResolver(t *testing.T) {
	srv := gatewayServer(t, `{"type":"result","content":"resolved"}`)
	cfg := config.AgentsConfig{
		Provider: "gateway",
		Gateway:  config.GatewayConfig{Endpoint: "http://127.0.0.1:1", Timeout: "5s"},
	}

	exec, err := NewExecutor(context.Background(), cfg, config.CircuitBreakerConfig{}, StaticEndpoint(srv.URL))
	require.NoError(t, err)
	out, err := exec.Invoke(context.Background(), AgentRequest{AgentType: models.AgentEditor}, nil)
	require.NoError(t, err)
	assert.Equal(t, "resolved", out.Content)
}

func TestNewExecutor_GatewayStaticEndpoint(t *testing.T) {
	srv := gatewayServer(t, `{"type":"result","content":"static"}`)
	cfg := config.AgentsConfig{Provider: "gateway", Gateway: config.GatewayConfig{Endpoint: srv.URL}}

	exec, err := NewExecutor(context.Background(), cfg, config.CircuitBreakerConfig{Enabled: true, FailureThreshold: 3, SuccessThreshold: 1, Timeout: "1s"}, nil)
	require.NoError(t, err)
	out, err := exec.Invoke(context.Background(), AgentRequest{AgentType: models.AgentWriter}, nil)
	require.NoError(t, err)
	assert.Equal(t, "static", out.Content)
}

func TestNewExecutor_UnsupportedProvider(t *testing.T) {
	_, err := NewExecutor(context.Background(), config.AgentsConfig{Provider: "carrier-pigeon"}, config.CircuitBreakerConfig{}, nil)
	assert.ErrorContains(t, err, "unsupported agent provider")
}
