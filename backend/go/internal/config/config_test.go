package config

import (
	"os"
	"path/filepath"
	"testing"

	"Storyloom/backend/go/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_SampleFile(t *testing.T) {
	cfg, err := LoadConfig("config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "15s", cfg.Pipeline.HeartbeatInterval)
	assert.Equal(t, "template", cfg.Pipeline.Planner)
	require.Len(t, cfg.Pipeline.Steps, 5)
	assert.Equal(t, models.AgentWriter, cfg.Pipeline.Steps[2].AgentType)
	assert.Equal(t, "gateway", cfg.Agents.Provider)
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
agents:
  gateway:
    endpoint: http://agents.local
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "15s", cfg.Pipeline.HeartbeatInterval)
	assert.Equal(t, 1024, cfg.Pipeline.RetentionSize)
	assert.Equal(t, DefaultPlan(), cfg.Pipeline.Steps)
	assert.Equal(t, "pipeline_events", cfg.Databases.Kafka.EventsTopic)
	assert.Equal(t, "/storyloom", cfg.Discovery.Prefix)
	assert.Equal(t, ":8080", cfg.Discovery.AdvertiseAddress)
}

func TestLoadConfig_DatabaseConnectionDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
agents:
  gateway:
    endpoint: http://agents.local
databases:
  redis:
    poolSize: 32
    readTimeout: 500ms
`))
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.Databases.Redis.PoolSize)
	assert.Equal(t, "500ms", cfg.Databases.Redis.ReadTimeout)
	assert.Equal(t, "5s", cfg.Databases.Redis.DialTimeout)
	assert.Equal(t, "3s", cfg.Databases.Redis.WriteTimeout)
	assert.Equal(t, "utf8mb4", cfg.Databases.MySQL.Charset)
	assert.Equal(t, "Local", cfg.Databases.MySQL.Loc)
	assert.Equal(t, 20, cfg.Databases.MySQL.MaxOpenConns)
}

func TestLoadConfig_GatewayFromDiscovery(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
agents:
  gateway:
    service: agent-gateway
discovery:
  enabled: true
  endpoints: ["etcd:2379"]
`))
	require.NoError(t, err)
	assert.Equal(t, "agent-gateway", cfg.Agents.Gateway.Service)
	assert.Equal(t, int64(10), cfg.Discovery.TTL)
}

func TestLoadConfig_RejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"bad redis timeout": `
databases:
  redis:
    dialTimeout: never
agents:
  gateway:
    endpoint: http://agents.local
`,
		"bad duration": `
pipeline:
  heartbeatInterval: soon
agents:
  gateway:
    endpoint: http://agents.local
`,
		"unknown agent type": `
pipeline:
  steps:
    - agentType: narrator
      taskType: narrate
agents:
  gateway:
    endpoint: http://agents.local
`,
		"missing gateway endpoint": `
agents:
  provider: gateway
`,
		"gateway service without discovery": `
agents:
  gateway:
    service: agent-gateway
`,
		"gemini without key": `
agents:
  provider: gemini
  gemini:
    model: gemini-1.5-flash
`,
		"unknown planner": `
pipeline:
  planner: oracle
agents:
  gateway:
    endpoint: http://agents.local
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
