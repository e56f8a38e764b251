package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 lpchaind 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Storage    StorageConfig    `json:"storage"`
	Queue      QueueConfig      `json:"queue"`
	Ledger     LedgerConfig     `json:"ledger"`
	Resilience ResilienceConfig `json:"resilience"`
	Submission SubmissionConfig `json:"submission"`
	Alerting   AlertingConfig   `json:"alerting"`
	Logging    LoggingConfig    `json:"logging"`
	Runtime    RuntimeConfig    `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 统一描述操作存储与仓位缓存后端的连接信息。
type StorageConfig struct {
	OpStore OpStoreConfig `json:"op_store"`
	Cache   CacheConfig   `json:"cache"`
}

// OpStoreConfig 支持内存实现与 MySQL 两种驱动。
type OpStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// CacheConfig 描述仓位快照缓存,driver 为 memory 或 redis。
type CacheConfig struct {
	Driver     string `json:"driver"`
	Address    string `json:"address"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	Prefix     string `json:"prefix"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// QueueConfig 描述操作队列,driver 为 memory、redis 或 rabbitmq。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Buffer   int            `json:"buffer"`
	Redis    RedisQueue     `json:"redis"`
	RabbitMQ RabbitMQSource `json:"rabbitmq"`
}

// RedisQueue 描述基于 Redis list 的队列连接信息。
type RedisQueue struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQSource 描述 RabbitMQ 队列的连接信息。
type RabbitMQSource struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// LedgerConfig 指定账本名称与端点定义文件。
type LedgerConfig struct {
	Name          string `json:"name"`
	EndpointsFile string `json:"endpoints_file"`
	WalletKeyFile string `json:"wallet_key_file"`
}

// ResilienceConfig 汇总重试、熔断与操作锁的参数。
type ResilienceConfig struct {
	Retry   RetryConfig   `json:"retry"`
	Breaker BreakerConfig `json:"breaker"`
	Lock    LockConfig    `json:"lock"`
}

// RetryConfig 控制指数退避重试的节奏。
type RetryConfig struct {
	BaseMS      int `json:"base_ms"`
	CapMS       int `json:"cap_ms"`
	MaxAttempts int `json:"max_attempts"`
}

// BreakerConfig 控制打包中继熔断器的阈值与冷却时间。
type BreakerConfig struct {
	Threshold       int `json:"threshold"`
	CooldownSeconds int `json:"cooldown_seconds"`
}

// LockConfig 描述操作锁,driver 为 memory 或 redis。
type LockConfig struct {
	Driver     string `json:"driver"`
	Address    string `json:"address"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	Prefix     string `json:"prefix"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// SubmissionConfig 控制提交引擎的各项超时。
type SubmissionConfig struct {
	SettleDelayMS          int `json:"settle_delay_ms"`
	ConfirmTimeoutSeconds  int `json:"confirm_timeout_seconds"`
	SimulateTimeoutSeconds int `json:"simulate_timeout_seconds"`
	BundleTimeoutSeconds   int `json:"bundle_timeout_seconds"`
	BundlePollMS           int `json:"bundle_poll_ms"`
	MaxRetries             int `json:"max_retries"`
	Workers                int `json:"workers"`
}

// AlertingConfig 描述告警渠道与去抖窗口。
type AlertingConfig struct {
	DebounceSeconds int            `json:"debounce_seconds"`
	DingTalk        WebhookChannel `json:"dingtalk"`
	Slack           SlackChannel   `json:"slack"`
}

// WebhookChannel 描述基于 webhook 的告警渠道。
type WebhookChannel struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Secret  string `json:"secret"`
}

// SlackChannel 描述 Slack 告警渠道。
type SlackChannel struct {
	Enabled   bool   `json:"enabled"`
	Token     string `json:"token"`
	ChannelID string `json:"channel_id"`
}

// LoggingConfig 控制日志级别、格式与审计流。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制独立的审计日志文件。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
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
	if c.Server.MetricsAddress == "" {
		c.Server.MetricsAddress = ":9100"
	}

	if c.Storage.OpStore.Driver == "" {
		c.Storage.OpStore.Driver = "memory"
	}
	if c.Storage.Cache.Driver == "" {
		c.Storage.Cache.Driver = "memory"
	}
	if c.Storage.Cache.TTLSeconds <= 0 {
		c.Storage.Cache.TTLSeconds = 300
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 128
	}

	if c.Ledger.Name == "" {
		c.Ledger.Name = "mainnet"
	}
	if c.Ledger.EndpointsFile != "" && !filepath.IsAbs(c.Ledger.EndpointsFile) {
		c.Ledger.EndpointsFile = filepath.Join(baseDir, c.Ledger.EndpointsFile)
	}
	if c.Ledger.WalletKeyFile != "" && !filepath.IsAbs(c.Ledger.WalletKeyFile) {
		c.Ledger.WalletKeyFile = filepath.Join(baseDir, c.Ledger.WalletKeyFile)
	}

	if c.Resilience.Retry.BaseMS <= 0 {
		c.Resilience.Retry.BaseMS = 200
	}
	if c.Resilience.Retry.CapMS <= 0 {
		c.Resilience.Retry.CapMS = 5000
	}
	if c.Resilience.Retry.MaxAttempts <= 0 {
		c.Resilience.Retry.MaxAttempts = 3
	}
	if c.Resilience.Breaker.Threshold <= 0 {
		c.Resilience.Breaker.Threshold = 5
	}
	if c.Resilience.Breaker.CooldownSeconds <= 0 {
		c.Resilience.Breaker.CooldownSeconds = 30
	}
	if c.Resilience.Lock.Driver == "" {
		c.Resilience.Lock.Driver = "memory"
	}
	if c.Resilience.Lock.TTLSeconds <= 0 {
		c.Resilience.Lock.TTLSeconds = 600
	}

	if c.Submission.SettleDelayMS <= 0 {
		c.Submission.SettleDelayMS = 800
	}
	if c.Submission.ConfirmTimeoutSeconds <= 0 {
		c.Submission.ConfirmTimeoutSeconds = 30
	}
	if c.Submission.SimulateTimeoutSeconds <= 0 {
		c.Submission.SimulateTimeoutSeconds = 10
	}
	if c.Submission.BundleTimeoutSeconds <= 0 {
		c.Submission.BundleTimeoutSeconds = 60
	}
	if c.Submission.BundlePollMS <= 0 {
		c.Submission.BundlePollMS = 500
	}
	if c.Submission.MaxRetries <= 0 {
		c.Submission.MaxRetries = 3
	}
	if c.Submission.Workers <= 0 {
		c.Submission.Workers = 4
	}

	if c.Alerting.DebounceSeconds <= 0 {
		c.Alerting.DebounceSeconds = 300
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

// CacheTTL 把缓存 TTL 换算为 time.Duration。
func (c CacheConfig) CacheTTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// LockTTL 把锁 TTL 换算为 time.Duration。
func (c LockConfig) LockTTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}
