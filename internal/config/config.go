package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述控制端在启动阶段需要加载的核心配置。
type Config struct {
	Server      ServerConfig      `json:"server"`
	Security    SecurityConfig    `json:"security"`
	Storage     StorageConfig     `json:"storage"`
	Events      EventsConfig      `json:"events"`
	Distributor DistributorConfig `json:"distributor"`
	Heartbeat   HeartbeatConfig   `json:"heartbeat"`
	Metrics     MetricsConfig     `json:"metrics"`
	Logging     LoggingConfig     `json:"logging"`
}

// ServerConfig 控制接入层的监听地址与证书。
type ServerConfig struct {
	Address      string `json:"address"`
	CertFile     string `json:"cert_file"`
	KeyFile      string `json:"key_file"`
	ClientCAFile string `json:"client_ca_file"`
	// RequirePin 为真时客户端证书必须命中固定表。
	RequirePin bool `json:"require_pin"`
}

// SecurityConfig 描述会话密钥派生与安全策略。
type SecurityConfig struct {
	// Passphrase 与 SaltHex 派生出会话签名与加密密钥。
	Passphrase string `json:"passphrase"`
	SaltHex    string `json:"salt_hex"`
	// SafetyPolicyPath 是任务安全策略的 YAML 文件路径。
	SafetyPolicyPath string `json:"safety_policy_path"`
	// PinnedCertsDir 下的 PEM 证书在启动时加载进固定表。
	PinnedCertsDir string `json:"pinned_certs_dir"`
}

// StorageConfig 统一描述各存储后端的连接信息。
type StorageConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// EventsConfig 描述事件队列后端。
type EventsConfig struct {
	Driver string `json:"driver"`
	// Redis 后端参数。
	RedisAddress  string `json:"redis_address"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	// RabbitMQ 后端参数。
	AMQPURL string `json:"amqp_url"`
	Queue   string `json:"queue"`
}

// DistributorConfig 控制任务分发器的调度参数。
type DistributorConfig struct {
	BackoffBaseSeconds   int `json:"backoff_base_seconds"`
	StarvationAgeSeconds int `json:"starvation_age_seconds"`
	SweepIntervalSeconds int `json:"sweep_interval_seconds"`
}

// HeartbeatConfig 控制心跳巡检。
type HeartbeatConfig struct {
	CheckIntervalSeconds  int `json:"check_interval_seconds"`
	StaleThresholdSeconds int `json:"stale_threshold_seconds"`
}

// MetricsConfig 控制指标端点。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// Load 解析指定路径的 JSON 配置文件。
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
		c.Server.Address = ":8443"
	}
	resolve := func(path string) string {
		if path == "" || filepath.IsAbs(path) {
			return path
		}
		return filepath.Join(baseDir, path)
	}
	c.Server.CertFile = resolve(c.Server.CertFile)
	c.Server.KeyFile = resolve(c.Server.KeyFile)
	c.Server.ClientCAFile = resolve(c.Server.ClientCAFile)
	c.Security.SafetyPolicyPath = resolve(c.Security.SafetyPolicyPath)
	c.Security.PinnedCertsDir = resolve(c.Security.PinnedCertsDir)

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Distributor.BackoffBaseSeconds <= 0 {
		c.Distributor.BackoffBaseSeconds = 30
	}
	if c.Distributor.StarvationAgeSeconds <= 0 {
		c.Distributor.StarvationAgeSeconds = 300
	}
	if c.Distributor.SweepIntervalSeconds <= 0 {
		c.Distributor.SweepIntervalSeconds = 15
	}
	if c.Heartbeat.CheckIntervalSeconds <= 0 {
		c.Heartbeat.CheckIntervalSeconds = 30
	}
	if c.Heartbeat.StaleThresholdSeconds <= 0 {
		c.Heartbeat.StaleThresholdSeconds = 90
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
