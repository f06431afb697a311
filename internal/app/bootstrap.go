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

package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"pricing-platform/internal/audit"
	"pricing-platform/internal/cache"
	"pricing-platform/internal/control"
	"pricing-platform/internal/pricing"
	"pricing-platform/internal/provider"
	"pricing-platform/internal/store"
	"pricing-platform/pkg/config"
	"pricing-platform/pkg/log"
)

// Bootstrap 统一初始化：供 api 与 worker 复用，避免在 cmd 内写业务装配
type Bootstrap struct {
	Config   *config.Config
	Logger   *log.Logger
	Store    store.Store
	Recorder audit.Recorder
	Cache    cache.ResultCache
}

// NewBootstrap 根据配置创建 Bootstrap（日志/持久层/审计流/缓存）
func NewBootstrap(ctx context.Context, cfg *config.Config) (*Bootstrap, error) {
	logCfg := &log.Config{}
	if cfg != nil {
		logCfg.Level = cfg.Log.Level
		logCfg.Format = cfg.Log.Format
		logCfg.File = cfg.Log.File
	}
	logger, err := log.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	var st store.Store
	switch cfg.Store.Type {
	case "", "memory":
		st = store.NewMemoryStore()
	case "postgres":
		st, err = store.NewPostgresStore(ctx, cfg.Store.DSN, cfg.Store.PoolSize)
		if err != nil {
			return nil, fmt.Errorf("初始化持久层失败: %w", err)
		}
		if err := st.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("初始化 schema 失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("未知 store.type: %s", cfg.Store.Type)
	}

	recorder := audit.NewAsyncRecorder(st, logger, cfg.Audit.BufferSize, cfg.Audit.RetryMax)

	var resultCache cache.ResultCache
	ttl := ParseDuration(cfg.Cache.TTL, 6*time.Hour)
	switch cfg.Cache.Type {
	case "redis":
		resultCache = cache.NewRedisCache(cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB, ttl)
	case "", "memory":
		resultCache = cache.NewMemoryCache(ttl)
	default:
		resultCache = cache.NopCache{}
	}

	return &Bootstrap{
		Config:   cfg,
		Logger:   logger,
		Store:    st,
		Recorder: recorder,
		Cache:    resultCache,
	}, nil
}

// Close 释放 Bootstrap 持有的资源；先排空审计流再关存储
func (b *Bootstrap) Close() {
	if b.Recorder != nil {
		b.Recorder.Close()
	}
	if b.Cache != nil {
		_ = b.Cache.Close()
	}
	if b.Store != nil {
		b.Store.Close()
	}
}

// NewResolverFromConfig 装配价格解析状态机：Provider 适配器、抽取器、
// 限流器与来源策略全部来自配置
func NewResolverFromConfig(b *Bootstrap) *pricing.Resolver {
	cfg := b.Config

	// map 遍历无序，按名字排序保证 Provider 优先级稳定
	names := make([]string, 0, len(cfg.Providers.Search))
	for name := range cfg.Providers.Search {
		names = append(names, name)
	}
	sort.Strings(names)

	providers := make([]provider.SearchProvider, 0, len(names))
	limits := make(map[string]control.ProviderLimitConfig, len(names))
	for _, name := range names {
		pc := cfg.Providers.Search[name]
		providers = append(providers, provider.NewSerpProvider(name, pc))
		limits[name] = control.ProviderLimitConfig{
			MinDelay:      time.Duration(pc.MinDelayMs) * time.Millisecond,
			MaxConcurrent: pc.MaxConcurrency,
		}
	}
	limiter := control.NewProviderLimiter(limits, control.ProviderLimitConfig{})

	var extractor provider.DescriptorExtractor
	switch cfg.Providers.Extractor.Provider {
	case "claude", "openai":
		extractor = provider.NewLLMExtractor(cfg.Providers.Extractor)
	default:
		extractor = provider.StubExtractor{}
	}

	policy := pricing.NewSourcePolicy(cfg.Policy)
	return pricing.NewResolver(providers, extractor, b.Cache, limiter, policy,
		cfg.Policy.MinScore, b.Recorder, b.Logger)
}

// ParseDuration 解析时长字符串，空或非法取缺省值
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
