package config

import (
	"Storyloom/backend/go/pkg/models"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RedisConfig 定义了 Redis 数据库的连接配置。
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`  // 未启用时章节运行锁退化为进程内锁
	Address  string `yaml:"address"`  // Redis 服务器地址 (例如: "localhost:6379")
	Password string `yaml:"password"` // Redis 密码
	DB       int    `yaml:"db"`       // Redis 数据库编号

	PoolSize     int    `yaml:"poolSize"`     // 连接池大小
	MinIdleConns int    `yaml:"minIdleConns"` // 最小空闲连接数
	DialTimeout  string `yaml:"dialTimeout"`  // 建立连接超时
	ReadTimeout  string `yaml:"readTimeout"`  // 读超时
	WriteTimeout string `yaml:"writeTimeout"` // 写超时
}

// MySQLConfig 定义了 MySQL 数据库的连接配置。
type MySQLConfig struct {
	Address         string `yaml:"address"`         // MySQL 服务器地址
	Username        string `yaml:"username"`        // 用户名
	Password        string `yaml:"password"`        // 密码
	Database        string `yaml:"database"`        // 数据库名称
	MaxOpenConns    int    `yaml:"maxOpenConns"`    // 最大打开连接数
	MaxIdleConns    int    `yaml:"maxIdleConns"`    // 最大空闲连接数
	ConnMaxLifetime int    `yaml:"connMaxLifetime"` // 连接最大生命周期 (秒)
	ConnMaxIdleTime int    `yaml:"connMaxIdleTime"` // 连接最大空闲时间 (秒)
	Charset         string `yaml:"charset"`         // 连接字符集
	Loc             string `yaml:"loc"`             // 时间解析使用的时区
	DialTimeout     string `yaml:"dialTimeout"`     // 建立连接超时
	AutoMigrate     bool   `yaml:"autoMigrate"`     // 启动时自动迁移表结构
}

// KafkaConfig 定义了 Kafka 消息队列的连接配置。
type KafkaConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Brokers     []string `yaml:"brokers"`     // Kafka Broker 地址列表
	EventsTopic string   `yaml:"eventsTopic"` // 流水线事件镜像主题
}

// DatabaseConfigs 包含所有数据库的配置。
type DatabaseConfigs struct {
	MySQL MySQLConfig `yaml:"mysql"`
	Redis RedisConfig `yaml:"redis"`
	Kafka KafkaConfig `yaml:"kafka"`
}

// AppInfo 对应 'app' 部分，包含应用程序的基本信息。
type AppInfo struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"` // 运行环境 (例如: "development", "production")
}

// LoggerConfig 定义了日志记录器的配置。
type LoggerConfig struct {
	Level string `yaml:"level"` // 日志级别 (例如: "info", "debug", "warn", "error")
}

// ServerConfig 定义了 HTTP 服务的配置。
type ServerConfig struct {
	Address         string   `yaml:"address"`
	ShutdownTimeout string   `yaml:"shutdownTimeout"` // 例如: "10s"
	EnableCORS      bool     `yaml:"enableCORS"`
	AllowOrigins    []string `yaml:"allowOrigins"` // 为空时允许所有来源
}

// PipelineConfig 定义了流水线编排器的配置。
type PipelineConfig struct {
	HeartbeatInterval  string            `yaml:"heartbeatInterval"`  // 事件流心跳间隔，默认 "15s"
	StatusRetention    string            `yaml:"statusRetention"`    // 终态流水线状态的保留时长，默认 "10m"
	RetentionSize      int               `yaml:"retentionSize"`      // 保留的终态流水线数量上限
	LockTTL            string            `yaml:"lockTTL"`            // 章节运行锁的过期时间，默认 "2h"
	CancelOnDisconnect bool              `yaml:"cancelOnDisconnect"` // 启动并订阅的客户端断开时取消流水线
	EventHistory       int               `yaml:"eventHistory"`       // 每条流水线为迟到订阅者保留的事件数
	Planner            string            `yaml:"planner"`            // "template" 或 "agent"
	Steps              []models.PlanStep `yaml:"steps"`              // 模板计划
}

// GatewayConfig 定义了远程 agent 网关的配置。
type GatewayConfig struct {
	Endpoint string `yaml:"endpoint"`
	Service  string `yaml:"service"` // 设置后通过服务发现解析网关地址，忽略 endpoint
	Timeout  string `yaml:"timeout"`
}

// OllamaConfig 定义了 Ollama 执行器的配置。
type OllamaConfig struct {
	BaseURL string `yaml:"baseURL"`
	Model   string `yaml:"model"`
}

// OpenAIConfig 定义了 OpenAI 兼容执行器的配置。
type OpenAIConfig struct {
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseURL"`
	Model   string `yaml:"model"`
}

// GeminiConfig 定义了 Gemini 执行器的配置。
type GeminiConfig struct {
	APIKey string `yaml:"apiKey"`
	Model  string `yaml:"model"`
}

// AgentsConfig 选择 agent 执行能力的实现。
type AgentsConfig struct {
	Provider string        `yaml:"provider"` // "gateway", "ollama", "openai" 或 "gemini"
	Gateway  GatewayConfig `yaml:"gateway"`
	Ollama   OllamaConfig  `yaml:"ollama"`
	OpenAI   OpenAIConfig  `yaml:"openai"`
	Gemini   GeminiConfig  `yaml:"gemini"`
}

// DiscoveryConfig 定义了基于 etcd 的服务注册与发现配置。
type DiscoveryConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Endpoints        []string `yaml:"endpoints"`        // etcd 地址列表
	Prefix           string   `yaml:"prefix"`           // 键前缀，默认 "/storyloom"
	TTL              int64    `yaml:"ttl"`              // 租约秒数
	AdvertiseAddress string   `yaml:"advertiseAddress"` // 注册的本实例地址，默认使用 server.address
}

// MiddlewareConfig 包含所有中间件的配置。
type MiddlewareConfig struct {
	RateLimiter    RateLimiterConfig    `yaml:"rateLimiter"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// RateLimiterConfig 定义了令牌桶限流器的配置。
type RateLimiterConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Rate     float64 `yaml:"rate"` // 每秒速率
	Capacity int     `yaml:"capacity"`
}

// CircuitBreakerConfig 定义了熔断器的配置，用于保护对 agent 执行器的调用。
type CircuitBreakerConfig struct {
	Enabled          bool   `yaml:"enabled"`
	FailureThreshold uint32 `yaml:"failureThreshold"`
	SuccessThreshold uint32 `yaml:"successThreshold"`
	Timeout          string `yaml:"timeout"` // 例如: "30s"
}

// AppConfig 是整个 YAML 文件的根结构。
type AppConfig struct {
	App        AppInfo          `yaml:"app"`
	Logger     LoggerConfig     `yaml:"logger"`
	Server     ServerConfig     `yaml:"server"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Agents     AgentsConfig     `yaml:"agents"`
	Databases  DatabaseConfigs  `yaml:"databases"`
	Middleware MiddlewareConfig `yaml:"middleware"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
}

// DefaultPlan 是未配置 steps 时使用的章节生成计划。
func DefaultPlan() []models.PlanStep {
	return []models.PlanStep{
		{AgentType: models.AgentPlotArchitect, TaskType: "chapter_outline", Description: "Outline the chapter's plot beats"},
		{AgentType: models.AgentCharacterManager, TaskType: "character_arcs", Description: "Track character motivations and arcs"},
		{AgentType: models.AgentWorldBuilder, TaskType: "setting_details", Description: "Supply setting and world details"},
		{AgentType: models.AgentWriter, TaskType: "draft_chapter", Description: "Draft the chapter prose"},
		{AgentType: models.AgentEditor, TaskType: "edit_chapter", Description: "Edit the draft for style and pacing"},
		{AgentType: models.AgentContinuityChecker, TaskType: "continuity_review", Description: "Check continuity against earlier chapters"},
	}
}

// LoadConfig 从指定路径加载并解析 YAML 配置文件，并填充默认值。
func LoadConfig(path string) (*AppConfig, error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("无法读取 YAML 文件 '%s': %w", path, err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(yamlFile, &cfg); err != nil {
		return nil, fmt.Errorf("解析 YAML 文件失败: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults 为未设置的字段填充默认值。
func (c *AppConfig) ApplyDefaults() {
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}
	p := &c.Pipeline
	if p.HeartbeatInterval == "" {
		p.HeartbeatInterval = "15s"
	}
	if p.StatusRetention == "" {
		p.StatusRetention = "10m"
	}
	if p.RetentionSize <= 0 {
		p.RetentionSize = 1024
	}
	if p.LockTTL == "" {
		p.LockTTL = "2h"
	}
	if p.EventHistory <= 0 {
		p.EventHistory = 512
	}
	if p.Planner == "" {
		p.Planner = "template"
	}
	if len(p.Steps) == 0 {
		p.Steps = DefaultPlan()
	}
	if c.Agents.Provider == "" {
		c.Agents.Provider = "gateway"
	}
	if c.Agents.Gateway.Timeout == "" {
		c.Agents.Gateway.Timeout = "10m"
	}
	c.Databases.MySQL.applyDefaults()
	c.Databases.Redis.applyDefaults()
	if c.Databases.Kafka.EventsTopic == "" {
		c.Databases.Kafka.EventsTopic = "pipeline_events"
	}
	if c.Middleware.CircuitBreaker.Timeout == "" {
		c.Middleware.CircuitBreaker.Timeout = "30s"
	}
	if c.Discovery.Prefix == "" {
		c.Discovery.Prefix = "/storyloom"
	}
	if c.Discovery.TTL <= 0 {
		c.Discovery.TTL = 10
	}
	if c.Discovery.AdvertiseAddress == "" {
		c.Discovery.AdvertiseAddress = c.Server.Address
	}
}

func (m *MySQLConfig) applyDefaults() {
	if m.MaxOpenConns <= 0 {
		m.MaxOpenConns = 20
	}
	if m.MaxIdleConns <= 0 {
		m.MaxIdleConns = 5
	}
	if m.ConnMaxLifetime <= 0 {
		m.ConnMaxLifetime = 3600
	}
	if m.Charset == "" {
		m.Charset = "utf8mb4"
	}
	if m.Loc == "" {
		m.Loc = "Local"
	}
	if m.DialTimeout == "" {
		m.DialTimeout = "5s"
	}
}

func (r *RedisConfig) applyDefaults() {
	if r.PoolSize <= 0 {
		r.PoolSize = 10
	}
	if r.DialTimeout == "" {
		r.DialTimeout = "5s"
	}
	if r.ReadTimeout == "" {
		r.ReadTimeout = "3s"
	}
	if r.WriteTimeout == "" {
		r.WriteTimeout = "3s"
	}
}

// Validate 检查配置的一致性，所有时长字段必须能被 time.ParseDuration 解析。
func (c *AppConfig) Validate() error {
	durations := map[string]string{
		"server.shutdownTimeout":            c.Server.ShutdownTimeout,
		"pipeline.heartbeatInterval":        c.Pipeline.HeartbeatInterval,
		"pipeline.statusRetention":          c.Pipeline.StatusRetention,
		"pipeline.lockTTL":                  c.Pipeline.LockTTL,
		"agents.gateway.timeout":            c.Agents.Gateway.Timeout,
		"middleware.circuitBreaker.timeout": c.Middleware.CircuitBreaker.Timeout,
		"databases.mysql.dialTimeout":       c.Databases.MySQL.DialTimeout,
		"databases.redis.dialTimeout":       c.Databases.Redis.DialTimeout,
		"databases.redis.readTimeout":       c.Databases.Redis.ReadTimeout,
		"databases.redis.writeTimeout":      c.Databases.Redis.WriteTimeout,
	}
	for name, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("配置项 %s 无效: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("配置项 %s 必须为正数", name)
		}
	}
	for i, step := range c.Pipeline.Steps {
		if !step.AgentType.Valid() {
			return fmt.Errorf("pipeline.steps[%d]: 未知的 agent 类型 %q", i, step.AgentType)
		}
		if step.TaskType == "" {
			return fmt.Errorf("pipeline.steps[%d]: taskType 不能为空", i)
		}
	}
	switch c.Pipeline.Planner {
	case "template", "agent":
	default:
		return fmt.Errorf("未知的 planner: %q", c.Pipeline.Planner)
	}
	switch c.Agents.Provider {
	case "gateway":
		if c.Agents.Gateway.Service != "" && !c.Discovery.Enabled {
			return errors.New("agents.gateway.service 需要启用 discovery")
		}
		if c.Agents.Gateway.Endpoint == "" && c.Agents.Gateway.Service == "" {
			return errors.New("agents.gateway.endpoint 不能为空")
		}
	case "ollama":
		if c.Agents.Ollama.Model == "" {
			return errors.New("agents.ollama.model 不能为空")
		}
	case "openai":
		if c.Agents.OpenAI.Model == "" {
			return errors.New("agents.openai.model 不能为空")
		}
	case "gemini":
		if c.Agents.Gemini.Model == "" || c.Agents.Gemini.APIKey == "" {
			return errors.New("agents.gemini.model 和 agents.gemini.apiKey 不能为空")
		}
	default:
		return fmt.Errorf("未知的 agent provider: %q", c.Agents.Provider)
	}
	if c.Discovery.Enabled && len(c.Discovery.Endpoints) == 0 {
		return errors.New("discovery.endpoints 不能为空")
	}
	return nil
}

// Duration 解析一个已经通过 Validate 校验的时长字段。
func Duration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}
