// Package config 负责加载 agentvaultd 的启动配置（YAML），
// 并为未填写的字段提供安全的默认值。
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration 支持 "30s"、"1m" 这类时长字面量。
type Duration time.Duration

// UnmarshalYAML 实现 yaml.Unmarshaler。
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("解析时长失败: %w", err)
	}
	*d = Duration(parsed)
	return nil
}

// Std 返回标准库的 time.Duration。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config 是 agentvaultd 的顶层配置。
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Queue    QueueConfig    `yaml:"queue"`
	Chain    ChainConfig    `yaml:"chain"`
	Approval ApprovalConfig `yaml:"approval"`
	Deposit  DepositConfig  `yaml:"deposit"`
	Actions  ActionsConfig  `yaml:"actions"`
	Logger   LoggerConfig   `yaml:"logger"`
}

// ActionsConfig 配置非资金步骤用到的外部服务。
type ActionsConfig struct {
	OracleURL string `yaml:"oracle_url"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
// MetricsAddress 非空时额外启动一个独立的 /metrics 端点。
type ServerConfig struct {
	Address        string `yaml:"address"`
	MetricsAddress string `yaml:"metrics_address"`
}

// StorageConfig 选择账本、审批与任务存储的后端。
// driver 为 mysql 时三类存储共用同一个 DSN。
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// QueueConfig 选择任务队列的后端。
type QueueConfig struct {
	Driver   string         `yaml:"driver"`
	Workers  int            `yaml:"workers"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Queue    string `yaml:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
	Durable  bool   `yaml:"durable"`
}

// ChainConfig 选择链上执行器：simulated 或 ethereum。
type ChainConfig struct {
	Driver         string   `yaml:"driver"`
	RPCURL         string   `yaml:"rpc_url"`
	Asset          string   `yaml:"asset"`
	PrivateKeyHex  string   `yaml:"private_key_hex"`
	ReceiptTimeout Duration `yaml:"receipt_timeout"`
}

// ApprovalConfig 控制审批网关的后台行为。
type ApprovalConfig struct {
	SweepInterval Duration `yaml:"sweep_interval"`
}

// DepositConfig 控制入金监听器。
// Bindings 把托管地址映射到账本账户 ID，留空则不启动监听。
type DepositConfig struct {
	ScanInterval Duration          `yaml:"scan_interval"`
	StartBlock   uint64            `yaml:"start_block"`
	Bindings     map[string]string `yaml:"bindings"`
}

// LoggerConfig 对应 pkg/logger 的初始化参数。
type LoggerConfig struct {
	Level       string            `yaml:"level"`
	Format      string            `yaml:"format"`
	OutputPaths []string          `yaml:"output_paths"`
	Audit       AuditLoggerConfig `yaml:"audit"`
}

// AuditLoggerConfig 控制审计日志输出。
type AuditLoggerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load 解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Chain.Driver == "" {
		c.Chain.Driver = "simulated"
	}
	if c.Chain.Asset == "" {
		c.Chain.Asset = "ETH"
	}
	if c.Approval.SweepInterval <= 0 {
		c.Approval.SweepInterval = Duration(time.Minute)
	}
	if c.Deposit.ScanInterval <= 0 {
		c.Deposit.ScanInterval = Duration(15 * time.Second)
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "json"
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Storage.Driver) {
	case "memory":
	case "mysql":
		if c.Storage.DSN == "" {
			return errors.New("storage.driver 为 mysql 时必须提供 storage.dsn")
		}
	default:
		return fmt.Errorf("不支持的存储驱动: %s", c.Storage.Driver)
	}

	switch strings.ToLower(c.Queue.Driver) {
	case "memory":
	case "redis":
		if c.Queue.Redis.Addr == "" {
			return errors.New("queue.driver 为 redis 时必须提供 queue.redis.addr")
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			return errors.New("queue.driver 为 rabbitmq 时必须提供 queue.rabbitmq.url")
		}
	default:
		return fmt.Errorf("不支持的队列驱动: %s", c.Queue.Driver)
	}

	switch strings.ToLower(c.Chain.Driver) {
	case "simulated":
	case "ethereum":
		if c.Chain.RPCURL == "" {
			return errors.New("chain.driver 为 ethereum 时必须提供 chain.rpc_url")
		}
	default:
		return fmt.Errorf("不支持的链驱动: %s", c.Chain.Driver)
	}
	return nil
}
