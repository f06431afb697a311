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

package control

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pricing-platform/pkg/errors"
	"pricing-platform/pkg/metrics"
)

// ProviderLimitConfig 单 Provider 限流配置
type ProviderLimitConfig struct {
	MinDelay      time.Duration // 相邻请求最小间隔
	MaxConcurrent int           // 最大并发
}

// ProviderLimiter Provider 维度的限流器：最小间隔 + 并发控制 + 429 冷却。
// 冷却期间 Wait 直接阻塞到冷却结束，而非放行后再被上游拒绝
type ProviderLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*providerLimiter
	defaults ProviderLimitConfig
}

type providerLimiter struct {
	mu          sync.Mutex
	rateLimiter *rate.Limiter
	semaphore   chan struct{}
	coolUntil   time.Time
}

// NewProviderLimiter 创建限流器；未配置的 Provider 懒加载默认配置
func NewProviderLimiter(configs map[string]ProviderLimitConfig, defaults ProviderLimitConfig) *ProviderLimiter {
	if defaults.MinDelay <= 0 {
		defaults.MinDelay = 200 * time.Millisecond
	}
	if defaults.MaxConcurrent <= 0 {
		defaults.MaxConcurrent = 4
	}
	pl := &ProviderLimiter{
		limiters: make(map[string]*providerLimiter),
		defaults: defaults,
	}
	for name, cfg := range configs {
		pl.add(name, cfg)
	}
	return pl
}

func (p *ProviderLimiter) add(name string, cfg ProviderLimitConfig) {
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = p.defaults.MinDelay
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = p.defaults.MaxConcurrent
	}
	l := &providerLimiter{
		rateLimiter: rate.NewLimiter(rate.Every(cfg.MinDelay), 1),
		semaphore:   make(chan struct{}, cfg.MaxConcurrent),
	}
	p.mu.Lock()
	p.limiters[name] = l
	p.mu.Unlock()
}

func (p *ProviderLimiter) get(name string) *providerLimiter {
	p.mu.RLock()
	l, ok := p.limiters[name]
	p.mu.RUnlock()
	if !ok {
		p.add(name, p.defaults)
		p.mu.RLock()
		l = p.limiters[name]
		p.mu.RUnlock()
	}
	return l
}

// Wait 阻塞到获得执行许可；ctx 取消时返回其错误。
// 成功返回后必须配对调用 Release
func (p *ProviderLimiter) Wait(ctx context.Context, name string) error {
	l := p.get(name)
	start := time.Now()

	// 冷却窗口优先于令牌
	for {
		l.mu.Lock()
		until := l.coolUntil
		l.mu.Unlock()
		if d := time.Until(until); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
			continue
		}
		break
	}

	if err := l.rateLimiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limit wait failed")
	}
	select {
	case l.semaphore <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	metrics.RateLimitWaitSeconds.WithLabelValues("provider", name).Observe(time.Since(start).Seconds())
	return nil
}

// Release 释放并发 slot
func (p *ProviderLimiter) Release(name string) {
	l := p.get(name)
	select {
	case <-l.semaphore:
	default:
	}
}

// Cooldown 进入冷却：收到 429 后调用；窗口内所有 Wait 阻塞
func (p *ProviderLimiter) Cooldown(name string, d time.Duration) {
	if d <= 0 {
		return
	}
	l := p.get(name)
	l.mu.Lock()
	if until := time.Now().Add(d); until.After(l.coolUntil) {
		l.coolUntil = until
	}
	l.mu.Unlock()
}

// InCooldown 返回该 Provider 是否处于冷却窗口
func (p *ProviderLimiter) InCooldown(name string) bool {
	l := p.get(name)
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Now().Before(l.coolUntil)
}
