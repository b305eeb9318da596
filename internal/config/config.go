// Package config 提供 CDP 函数引擎的配置管理。
// 配置从 YAML 文件加载，敏感项（数据库密码等）支持环境变量覆盖，
// 解析后统一填充默认值。
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是应用程序的主配置结构体。
type Config struct {
	// Server 管理端 HTTP 服务配置（健康检查、指标、重载触发）
	Server ServerConfig `yaml:"server"`
	// Postgres 权威函数配置存储的连接配置
	Postgres PostgresConfig `yaml:"postgres"`
	// Redis 幂等去重存储的连接配置
	Redis RedisConfig `yaml:"redis"`
	// NATS 消息队列连接配置
	NATS NATSConfig `yaml:"nats"`
	// Engine 调用引擎配置
	Engine EngineConfig `yaml:"engine"`
	// Fetch 外部调用执行器配置
	Fetch FetchConfig `yaml:"fetch"`
	// Consumer 消费者循环配置
	Consumer ConsumerConfig `yaml:"consumer"`
	// Sink 观测汇聚器配置
	Sink SinkConfig `yaml:"sink"`
	// Janitor 维护任务配置
	Janitor JanitorConfig `yaml:"janitor"`
	// Logging 日志配置
	Logging LoggingConfig `yaml:"logging"`
	// Metrics Prometheus 运维指标配置
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig 管理端 HTTP 服务配置。
type ServerConfig struct {
	// Port 监听端口
	Port int `yaml:"port"`
}

// PostgresConfig PostgreSQL 连接配置。
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// RedisConfig Redis 连接配置。
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSConfig NATS 连接配置。
type NATSConfig struct {
	// URL 是 NATS 服务器地址
	URL string `yaml:"url"`
}

// EngineConfig 调用引擎配置。
type EngineConfig struct {
	// MaxOpsPerStep 单步指令数上限
	MaxOpsPerStep int `yaml:"max_ops_per_step"`
	// TreatNon2xxAsError 非 2xx 响应是否直接使调用失败（可配置策略）
	TreatNon2xxAsError bool `yaml:"treat_non_2xx_as_error"`
}

// FetchConfig 外部调用执行器配置。
type FetchConfig struct {
	// TimeoutSec 每次外部调用的默认硬超时（秒）
	TimeoutSec int `yaml:"timeout_sec"`
}

// ConsumerConfig 消费者循环配置。
type ConsumerConfig struct {
	// MaxAsyncSteps 单个调用允许的最大挂起/恢复周期数
	MaxAsyncSteps int `yaml:"max_async_steps"`
	// InvocationTimeoutSec 单个调用的墙钟预算（秒）
	InvocationTimeoutSec int `yaml:"invocation_timeout_sec"`
	// DedupTTLSec 幂等去重键的保留时间（秒）
	DedupTTLSec int `yaml:"dedup_ttl_sec"`
	// BatchConcurrency 批内独立调用的有界并发度
	BatchConcurrency int `yaml:"batch_concurrency"`
}

// SinkConfig 观测汇聚器配置。
type SinkConfig struct {
	// BatchSize 触发落盘的批大小
	BatchSize int `yaml:"batch_size"`
	// FlushIntervalMs 定时落盘间隔（毫秒）
	FlushIntervalMs int `yaml:"flush_interval_ms"`
}

// JanitorConfig 维护任务配置。
type JanitorConfig struct {
	// Schedule 是 cron 表达式，控制维护任务的执行节奏
	Schedule string `yaml:"schedule"`
}

// LoggingConfig 日志配置。
type LoggingConfig struct {
	// Level 日志级别（debug/info/warn/error）
	Level string `yaml:"level"`
	// Format 日志格式（json/text）
	Format string `yaml:"format"`
}

// MetricsConfig Prometheus 运维指标配置。
type MetricsConfig struct {
	// Enabled 是否启用指标采集
	Enabled bool `yaml:"enabled"`
	// Namespace 指标名前缀
	Namespace string `yaml:"namespace"`
}

// Load 从 YAML 文件加载配置并应用环境变量覆盖与默认值。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return &cfg, nil
}

// applyEnvOverrides 用环境变量覆盖敏感配置项。
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("HOGFLOW_POSTGRES_PASSWORD"); v != "" {
		c.Postgres.Password = v
	}
	if v := os.Getenv("HOGFLOW_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("HOGFLOW_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
}

// applyDefaults 为缺省项填充默认值。
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.SSLMode == "" {
		c.Postgres.SSLMode = "disable"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.Engine.MaxOpsPerStep == 0 {
		c.Engine.MaxOpsPerStep = 10000
	}
	if c.Fetch.TimeoutSec == 0 {
		c.Fetch.TimeoutSec = 10
	}
	if c.Consumer.MaxAsyncSteps == 0 {
		c.Consumer.MaxAsyncSteps = 5
	}
	if c.Consumer.InvocationTimeoutSec == 0 {
		c.Consumer.InvocationTimeoutSec = 300
	}
	if c.Consumer.DedupTTLSec == 0 {
		c.Consumer.DedupTTLSec = 3600
	}
	if c.Consumer.BatchConcurrency == 0 {
		c.Consumer.BatchConcurrency = 10
	}
	if c.Sink.BatchSize == 0 {
		c.Sink.BatchSize = 500
	}
	if c.Sink.FlushIntervalMs == 0 {
		c.Sink.FlushIntervalMs = 2000
	}
	if c.Janitor.Schedule == "" {
		c.Janitor.Schedule = "@every 1m"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "hogflow"
	}
}

// FetchTimeout 返回外部调用默认超时时间。
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSec) * time.Second
}

// InvocationTimeout 返回单个调用的墙钟预算。
func (c *Config) InvocationTimeout() time.Duration {
	return time.Duration(c.Consumer.InvocationTimeoutSec) * time.Second
}

// DedupTTL 返回幂等去重键的保留时间。
func (c *Config) DedupTTL() time.Duration {
	return time.Duration(c.Consumer.DedupTTLSec) * time.Second
}

// FlushInterval 返回观测汇聚器的定时落盘间隔。
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Sink.FlushIntervalMs) * time.Millisecond
}
