// Package config 负责在启动阶段加载编排服务的 JSON 配置。
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 IntentFlow 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"queue"`
	LLM       LLMConfig       `json:"llm"`
	Planner   PlannerConfig   `json:"planner"`
	Worker    WorkerConfig    `json:"worker"`
	Wallet    WalletConfig    `json:"wallet"`
	Tools     ToolsConfig     `json:"tools"`
	Logging   LoggingConfig   `json:"logging"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 描述运行存储的后端。
type StorageConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// QueueConfig 描述步骤派发队列的后端。
type QueueConfig struct {
	Driver   string        `json:"driver"`
	Redis    RedisOptions  `json:"redis"`
	RabbitMQ RabbitOptions `json:"rabbitmq"`
	Buffer   int           `json:"buffer"`
}

// RedisOptions 描述 Redis 队列的连接参数。
type RedisOptions struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitOptions 描述 RabbitMQ 队列的连接参数。
type RabbitOptions struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// LLMConfig 用于配置文本生成服务的调用方式。
type LLMConfig struct {
	Provider string        `json:"provider"`
	OpenAI   OpenAIOptions `json:"openai"`
}

// OpenAIOptions 描述 OpenAI 兼容接口的调用参数。
type OpenAIOptions struct {
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// PlannerConfig 控制规划循环的参数。
type PlannerConfig struct {
	MaxAttempts       int `json:"max_attempts"`
	RetryDelaySeconds int `json:"retry_delay_seconds"`
}

// WorkerConfig 控制步骤执行器与扫描器。
type WorkerConfig struct {
	Count                int `json:"count"`
	SweepIntervalSeconds int `json:"sweep_interval_seconds"`
	SweepLimit           int `json:"sweep_limit"`
}

// WalletConfig 描述支付钱包。
type WalletConfig struct {
	Driver        string            `json:"driver"`
	ChainsPath    string            `json:"chains_path"`
	Chain         string            `json:"chain"`
	PrivateKeyEnv string            `json:"private_key_env"`
	Payees        map[string]string `json:"payees"`
}

// ToolsConfig 描述工具目录的加载方式。
type ToolsConfig struct {
	Source      string `json:"source"`
	CatalogPath string `json:"catalog_path"`
}

// LoggingConfig 控制日志输出与审计落盘。
type LoggingConfig struct {
	Level      string   `json:"level"`
	Format     string   `json:"format"`
	Outputs    []string `json:"outputs"`
	AuditPath  string   `json:"audit_path"`
	MaxSizeMB  int      `json:"max_size_mb"`
	MaxBackups int      `json:"max_backups"`
}

// TelemetryConfig 控制指标暴露。
type TelemetryConfig struct {
	MetricsAddress string `json:"metrics_address"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 256
	}
	if c.Queue.Redis.Queue == "" {
		c.Queue.Redis.Queue = "intentflow:steps"
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "intentflow.steps"
	}
	if c.Queue.RabbitMQ.Prefetch <= 0 {
		c.Queue.RabbitMQ.Prefetch = 8
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.OpenAI.TimeoutSeconds <= 0 {
		c.LLM.OpenAI.TimeoutSeconds = 60
	}

	if c.Planner.MaxAttempts <= 0 {
		c.Planner.MaxAttempts = 3
	}
	if c.Planner.RetryDelaySeconds <= 0 {
		c.Planner.RetryDelaySeconds = 2
	}

	if c.Worker.Count <= 0 {
		c.Worker.Count = 4
	}
	if c.Worker.SweepIntervalSeconds <= 0 {
		c.Worker.SweepIntervalSeconds = 5
	}
	if c.Worker.SweepLimit <= 0 {
		c.Worker.SweepLimit = 128
	}

	if c.Wallet.Driver == "" {
		c.Wallet.Driver = "simulated"
	}
	if c.Wallet.PrivateKeyEnv == "" {
		c.Wallet.PrivateKeyEnv = "INTENTFLOW_WALLET_KEY"
	}
	if c.Wallet.ChainsPath != "" && !filepath.IsAbs(c.Wallet.ChainsPath) {
		c.Wallet.ChainsPath = filepath.Join(baseDir, c.Wallet.ChainsPath)
	}

	if c.Tools.Source == "" {
		c.Tools.Source = "static"
	}
	if c.Tools.CatalogPath != "" && !filepath.IsAbs(c.Tools.CatalogPath) {
		c.Tools.CatalogPath = filepath.Join(baseDir, c.Tools.CatalogPath)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Logging.Outputs) == 0 {
		c.Logging.Outputs = []string{"stdout"}
	}
	if c.Logging.AuditPath != "" && !filepath.IsAbs(c.Logging.AuditPath) {
		c.Logging.AuditPath = filepath.Join(baseDir, c.Logging.AuditPath)
	}
}
