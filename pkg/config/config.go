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
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Store      StoreConfig      `mapstructure:"store"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Audit      AuditConfig      `mapstructure:"audit"`
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
	Auth          bool   `mapstructure:"auth"`
	JWTKey        string `mapstructure:"jwt_key"`
	JWTTimeout    string `mapstructure:"jwt_timeout"`     // 如 "1h"
	JWTMaxRefresh string `mapstructure:"jwt_max_refresh"` // 如 "1h"
}

// StoreConfig 持久层配置
type StoreConfig struct {
	Type     string `mapstructure:"type"`      // memory | postgres
	DSN      string `mapstructure:"dsn"`       // Postgres 连接串，type=postgres 时必填
	PoolSize int    `mapstructure:"pool_size"` // 连接池大小，<=0 使用 pgxpool 默认
}

// IngestConfig 自适应入库配置；均为边界值，控制器在边界内移动
type IngestConfig struct {
	MinRows       int    `mapstructure:"min_rows"`        // 批大小下界，默认 50
	MaxRows       int    `mapstructure:"max_rows"`        // 批大小上界，默认 2000
	MaxBatchBytes int    `mapstructure:"max_batch_bytes"` // 单批序列化字节上限，默认 1MiB
	DBP50Ms       int    `mapstructure:"db_p50_ms"`       // 批写入延迟 p50 目标，默认 50
	DBP95Ms       int    `mapstructure:"db_p95_ms"`       // 批写入延迟 p95 目标，默认 400
	RetryMax      int    `mapstructure:"retry_max"`       // 单批失败最大重试次数，默认 5
	Backoff       string `mapstructure:"backoff"`         // 失败退避基准，如 "200ms"
}

// WorkerConfig Worker（kickoff）配置
type WorkerConfig struct {
	TargetSliceMs       int    `mapstructure:"target_slice_ms"`       // slice 目标时长，默认 5000
	ClaimMin            int    `mapstructure:"claim_min"`             // 单次 claim 下界，默认 1
	ClaimMax            int    `mapstructure:"claim_max"`             // 单次 claim 上界，默认 200
	SafetyFactor        float64 `mapstructure:"safety_factor"`        // claim 估算安全系数 [0.6,0.8]，默认 0.7
	LockFloorMs         int    `mapstructure:"lock_floor_ms"`         // 锁 TTL 下界，默认 5000
	LockCapMs           int    `mapstructure:"lock_cap_ms"`           // 锁 TTL 上界，默认 120000
	MaxAttemptsError    int    `mapstructure:"max_attempts_error"`    // 瞬态错误最大尝试次数，默认 5
	MaxAttemptsNotFound int    `mapstructure:"max_attempts_not_found"` // NOT_FOUND 广化重试上限，默认 3
	HeartbeatIntervalMs int    `mapstructure:"heartbeat_interval_ms"` // 心跳间隔，默认 5000
	MaxConcurrency      int    `mapstructure:"max_concurrency"`       // 单 slice 内并发上界，默认 8
}

// ProvidersConfig 搜索 Provider 与描述抽取器配置
type ProvidersConfig struct {
	Search    map[string]SearchProviderConfig `mapstructure:"search"`
	Extractor ExtractorConfig                 `mapstructure:"extractor"`
}

// SearchProviderConfig 单个搜索 Provider 配置
type SearchProviderConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	APIKey          string `mapstructure:"api_key"` // 支持 ${ENV} 形式
	TimeoutFastMs   int    `mapstructure:"timeout_fast_ms"`
	TimeoutMediumMs int    `mapstructure:"timeout_medium_ms"`
	TimeoutSlowMs   int    `mapstructure:"timeout_slow_ms"`
	MaxConcurrency  int    `mapstructure:"max_concurrency"`
	MinDelayMs      int    `mapstructure:"min_delay_ms"`
	MaxResults      int    `mapstructure:"max_results"`
}

// ExtractorConfig 图像描述抽取器（多模态 LLM）配置
type ExtractorConfig struct {
	Provider string `mapstructure:"provider"` // stub | openai | claude
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"` // 支持 ${ENV} 形式
	BaseURL  string `mapstructure:"base_url"`
	TimeoutMs int   `mapstructure:"timeout_ms"`
}

// PolicyConfig 来源策略：非可信为例外集合（deny-by-membership），不维护白名单
type PolicyConfig struct {
	UntrustedSources  []string          `mapstructure:"untrusted_sources"`
	UntrustedHosts    []string          `mapstructure:"untrusted_hosts"`
	DirectURLPatterns map[string]string `mapstructure:"direct_url_patterns"` // retailer -> regex
	MinScore          float64           `mapstructure:"min_score"`           // 候选接受阈值，默认 0.35
}

// CacheConfig Provider 结果缓存配置
type CacheConfig struct {
	Type     string `mapstructure:"type"` // memory | redis
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
	TTL      string `mapstructure:"ttl"` // 如 "6h"
}

// AuditConfig 审计流配置
type AuditConfig struct {
	BufferSize int    `mapstructure:"buffer_size"` // 异步缓冲大小，默认 1024
	RetryMax   int    `mapstructure:"retry_max"`   // 带外重试次数，默认 3
	RetryDelay string `mapstructure:"retry_delay"` // 如 "1s"
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
	Port   int  `mapstructure:"port"`
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
	v := viper.New()
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	// 替换环境变量
	replaceEnvVars(&config)
	applyDefaults(&config)

	return &config, nil
}

// replaceEnvVars 替换配置中的 ${ENV} 形式的 API Key / DSN
func replaceEnvVars(config *Config) {
	config.Store.DSN = expandEnv(config.Store.DSN)
	config.Cache.Password = expandEnv(config.Cache.Password)
	config.API.Middleware.JWTKey = expandEnv(config.API.Middleware.JWTKey)
	config.Providers.Extractor.APIKey = expandEnv(config.Providers.Extractor.APIKey)
	for name, pc := range config.Providers.Search {
		pc.APIKey = expandEnv(pc.APIKey)
		config.Providers.Search[name] = pc
	}
}

// expandEnv "${VAR}" -> 环境变量值；非该形式原样返回
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		if val := os.Getenv(strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")); val != "" {
			return val
		}
	}
	return s
}

// applyDefaults 填充缺省边界值
func applyDefaults(c *Config) {
	if c.Ingest.MinRows <= 0 {
		c.Ingest.MinRows = 50
	}
	if c.Ingest.MaxRows <= 0 {
		c.Ingest.MaxRows = 2000
	}
	if c.Ingest.MaxBatchBytes <= 0 {
		c.Ingest.MaxBatchBytes = 1 << 20
	}
	if c.Ingest.DBP50Ms <= 0 {
		c.Ingest.DBP50Ms = 50
	}
	if c.Ingest.DBP95Ms <= 0 {
		c.Ingest.DBP95Ms = 400
	}
	if c.Ingest.RetryMax <= 0 {
		c.Ingest.RetryMax = 5
	}
	if c.Worker.TargetSliceMs <= 0 {
		c.Worker.TargetSliceMs = 5000
	}
	if c.Worker.ClaimMin <= 0 {
		c.Worker.ClaimMin = 1
	}
	if c.Worker.ClaimMax <= 0 {
		c.Worker.ClaimMax = 200
	}
	if c.Worker.SafetyFactor < 0.6 || c.Worker.SafetyFactor > 0.8 {
		c.Worker.SafetyFactor = 0.7
	}
	if c.Worker.LockFloorMs <= 0 {
		c.Worker.LockFloorMs = 5000
	}
	if c.Worker.LockCapMs <= 0 {
		c.Worker.LockCapMs = 120000
	}
	if c.Worker.MaxAttemptsError <= 0 {
		c.Worker.MaxAttemptsError = 5
	}
	if c.Worker.MaxAttemptsNotFound <= 0 {
		c.Worker.MaxAttemptsNotFound = 3
	}
	if c.Worker.HeartbeatIntervalMs <= 0 {
		c.Worker.HeartbeatIntervalMs = 5000
	}
	if c.Worker.MaxConcurrency <= 0 {
		c.Worker.MaxConcurrency = 8
	}
	if c.Policy.MinScore <= 0 {
		c.Policy.MinScore = 0.35
	}
	if c.Audit.BufferSize <= 0 {
		c.Audit.BufferSize = 1024
	}
	if c.Audit.RetryMax <= 0 {
		c.Audit.RetryMax = 3
	}
}

// LoadAPIConfig 加载 API 配置（仅 configs/api.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}

// LoadWorkerConfig 加载 Worker 配置（仅 configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}
