package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了支付守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Ledger   LedgerConfig   `json:"ledger"`
	Identity IdentityConfig `json:"identity"`
	Monitor  MonitorConfig  `json:"monitor"`
	Events   EventsConfig   `json:"events"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
// MetricsAddress 非空时在独立端口暴露 /metrics。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// LedgerConfig 描述远端托管账本服务的访问方式。
//
// BaseURL 为空时根据 Network 在网络定义文件中解析。
type LedgerConfig struct {
	BaseURL        string `json:"base_url"`
	Network        string `json:"network"`
	APIKey         string `json:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	NetworksFile   string `json:"networks_file"`
}

// IdentityConfig 描述当前进程扮演的智能体卖方身份。
// RPCURL 非空时启用链上钱包余额查询。
type IdentityConfig struct {
	AgentIdentifier string `json:"agent_identifier"`
	VerificationKey string `json:"verification_key"`
	RPCURL          string `json:"rpc_url"`
}

// MonitorConfig 控制后台对账调度器。
type MonitorConfig struct {
	IntervalSeconds int  `json:"interval_seconds"`
	Disabled        bool `json:"disabled"`
}

// EventsConfig 选择事件分发后端。
type EventsConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
	Journal  JournalConfig  `json:"journal"`
}

// RedisConfig 描述 Redis 发布通道的连接信息。
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Channel  string `json:"channel"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接信息。
type RabbitMQConfig struct {
	URL   string `json:"url"`
	Queue string `json:"queue"`
}

// JournalConfig 控制事件流水是否落库。
type JournalConfig struct {
	Enabled bool   `json:"enabled"`
	DSN     string `json:"dsn"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
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

	if c.Ledger.Network == "" {
		c.Ledger.Network = "Preprod"
	}
	if c.Ledger.TimeoutSeconds <= 0 {
		c.Ledger.TimeoutSeconds = 30
	}
	if c.Ledger.NetworksFile != "" && !filepath.IsAbs(c.Ledger.NetworksFile) {
		c.Ledger.NetworksFile = filepath.Join(baseDir, c.Ledger.NetworksFile)
	}

	if c.Monitor.IntervalSeconds <= 0 {
		c.Monitor.IntervalSeconds = 30
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Redis.Channel == "" {
		c.Events.Redis.Channel = "agentpay:events"
	}
	if c.Events.RabbitMQ.Queue == "" {
		c.Events.RabbitMQ.Queue = "agentpay.events"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
