// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体；API 与 Robot 进程共用，各自加载对应 yaml
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Bus        BusConfig        `mapstructure:"bus"`
	Robot      RobotConfig      `mapstructure:"robot"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port       int              `mapstructure:"port"`
	Host       string           `mapstructure:"host"`
	Timeout    string           `mapstructure:"timeout"`
	Middleware MiddlewareConfig `mapstructure:"middleware"`
}

// MiddlewareConfig 中间件配置
type MiddlewareConfig struct {
	RateLimit    bool `mapstructure:"rate_limit"`
	RateLimitRPS int  `mapstructure:"rate_limit_rps"`
}

// QueueConfig 队列引擎配置
type QueueConfig struct {
	// Store memory | postgres；postgres 时 DSN 必填
	Store string `mapstructure:"store"`
	DSN   string `mapstructure:"dsn"`
	// VisibilityTimeout 默认可见性超时，如 "2m"；claim 未显式给出时使用
	VisibilityTimeout string `mapstructure:"visibility_timeout"`
	// RecoveryInterval 过期租约回收扫描间隔，如 "10s"
	RecoveryInterval string `mapstructure:"recovery_interval"`
	// RetentionDays 终态 Job 保留天数，超过则被 retention sweep 清理；<=0 时默认 7
	RetentionDays int `mapstructure:"retention_days"`
	// MaxRetriesDefault 提交未指定时的默认最大重试次数；<0 时默认 3
	MaxRetriesDefault int `mapstructure:"max_retries_default"`
	// IdempotencyTTL 幂等键有效期，如 "24h"
	IdempotencyTTL string      `mapstructure:"idempotency_ttl"`
	Retry          RetryConfig `mapstructure:"retry"`
}

// RetryConfig 重试 backoff 配置；backoff(n) = min(base·2^(n-1)+jitter, cap)，jitter ∈ [0, base)
type RetryConfig struct {
	Base string `mapstructure:"base"` // 如 "2s"
	Cap  string `mapstructure:"cap"`  // 如 "5m"
}

// RegistryConfig Robot 注册表配置
type RegistryConfig struct {
	// Store memory | postgres；空则跟随 queue.store
	Store string `mapstructure:"store"`
	DSN   string `mapstructure:"dsn"`
	// OfflineThreshold 心跳超过此时长未到达则派生 offline，如 "90s"
	OfflineThreshold string `mapstructure:"offline_threshold"`
}

// BusConfig 通知总线配置
type BusConfig struct {
	// BufferSize 每个订阅者的有界缓冲，<=0 时默认 256
	BufferSize int `mapstructure:"buffer_size"`
	// HeartbeatBufferSize 心跳（lossy）通道缓冲，<=0 时默认 64
	HeartbeatBufferSize int `mapstructure:"heartbeat_buffer_size"`
	// HeartbeatSampleInterval 转发 UI 的心跳采样最小间隔，如 "1s"
	HeartbeatSampleInterval string          `mapstructure:"heartbeat_sample_interval"`
	Redis                   RedisConfig     `mapstructure:"redis"`
	Webhooks                []WebhookConfig `mapstructure:"webhooks"`
}

// RedisConfig Redis pub/sub 转发配置；Enable 时每个事件镜像到 orch:events:<tenant>
type RedisConfig struct {
	Enable   bool   `mapstructure:"enable"`
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

// WebhookConfig 单个 webhook 订阅者
type WebhookConfig struct {
	URL    string `mapstructure:"url"`
	Tenant string `mapstructure:"tenant"` // 空表示全部租户
}

// RobotConfig Robot 进程配置
type RobotConfig struct {
	Name         string   `mapstructure:"name"`
	MachineID    string   `mapstructure:"machine_id"` // 空则取 hostname
	Environment  string   `mapstructure:"environment"`
	Capabilities []string `mapstructure:"capabilities"` // 如 browser, desktop
	// APIURL orchestrator API 地址，如 http://localhost:8080
	APIURL string `mapstructure:"api_url"`
	// HeartbeatInterval 心跳间隔，如 "30s"；应明显小于 visibility timeout
	HeartbeatInterval string `mapstructure:"heartbeat_interval"`
	// PollInterval 无可认领 job 时的轮询间隔，如 "2s"
	PollInterval string `mapstructure:"poll_interval"`
	// ClaimBatch 单次 claim 的批大小，<=0 时默认 1
	ClaimBatch int `mapstructure:"claim_batch"`
	// Concurrency 并发执行的 job 数，<=0 时默认 1
	Concurrency int `mapstructure:"concurrency"`
	// VisibilityTimeout 本 robot claim 使用的可见性超时，如 "2m"
	VisibilityTimeout string `mapstructure:"visibility_timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	applyEnvOverrides(&config)
	return &config, nil
}

// LoadAPIConfig 加载 API 配置（configs/orchestrator.yaml）；文件不存在时返回默认配置 + 环境变量覆盖
func LoadAPIConfig() (*Config, error) {
	cfg, err := LoadConfig("configs/orchestrator.yaml")
	if err != nil {
		cfg = &Config{}
		applyEnvOverrides(cfg)
	}
	return cfg, nil
}

// LoadRobotConfig 加载 Robot 配置（configs/robot.yaml）；文件不存在时返回默认配置 + 环境变量覆盖
func LoadRobotConfig() (*Config, error) {
	cfg, err := LoadConfig("configs/robot.yaml")
	if err != nil {
		cfg = &Config{}
		applyEnvOverrides(cfg)
	}
	return cfg, nil
}

// applyEnvOverrides 应用约定的环境变量（均可选），优先级高于配置文件。
// DB_URL, ORCHESTRATOR_ADDR, HEARTBEAT_INTERVAL, OFFLINE_THRESHOLD,
// VISIBILITY_TIMEOUT, RECOVERY_INTERVAL（秒数）, MAX_RETRIES_DEFAULT, RETENTION_DAYS。
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("DB_URL"); v != "" {
		config.Queue.DSN = v
		config.Queue.Store = "postgres"
		if config.Registry.DSN == "" {
			config.Registry.DSN = v
		}
	}
	if v := os.Getenv("ORCHESTRATOR_ADDR"); v != "" {
		config.Robot.APIURL = v
	}
	if v, ok := envSeconds("HEARTBEAT_INTERVAL"); ok {
		config.Robot.HeartbeatInterval = v
	}
	if v, ok := envSeconds("OFFLINE_THRESHOLD"); ok {
		config.Registry.OfflineThreshold = v
	}
	if v, ok := envSeconds("VISIBILITY_TIMEOUT"); ok {
		config.Queue.VisibilityTimeout = v
		config.Robot.VisibilityTimeout = v
	}
	if v, ok := envSeconds("RECOVERY_INTERVAL"); ok {
		config.Queue.RecoveryInterval = v
	}
	if v := os.Getenv("MAX_RETRIES_DEFAULT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			config.Queue.MaxRetriesDefault = n
		}
	}
	if v := os.Getenv("RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Queue.RetentionDays = n
		}
	}
}

// envSeconds 读取整数秒环境变量，转为 duration 字符串
func envSeconds(name string) (string, bool) {
	v := os.Getenv(name)
	if v == "" {
		return "", false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return "", false
	}
	return (time.Duration(n) * time.Second).String(), true
}

// ParseDuration 解析 duration 字符串，空或非法时返回 def
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
