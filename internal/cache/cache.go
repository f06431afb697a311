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

package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"pricing-platform/internal/provider"
	"pricing-platform/pkg/metrics"
)

// ResultCache 搜索结果缓存：同一 (provider, query) 在 TTL 内复用候选，
// 避免 reprocess 与锁抢占重做时重复打外部 API。
// 缓存层故障一律按 MISS 处理，绝不阻断定价
type ResultCache interface {
	Get(ctx context.Context, providerName, query string) ([]provider.Candidate, bool)
	Set(ctx context.Context, providerName, query string, candidates []provider.Candidate)
	Close() error
}

// cacheKey 规范化键：查询做小写折叠后哈希，避免键里携带原始文本
func cacheKey(providerName, query string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.Join(strings.Fields(query), " "))))
	return "pricer:search:" + providerName + ":" + hex.EncodeToString(sum[:16])
}

// memoryCache 进程内实现；条目数无上限，依赖 TTL 清理，单机开发用
type memoryCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]memoryEntry
}

type memoryEntry struct {
	candidates []provider.Candidate
	expiresAt  time.Time
}

// NewMemoryCache 创建进程内缓存；ttl<=0 取 6h
func NewMemoryCache(ttl time.Duration) ResultCache {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &memoryCache{ttl: ttl, m: make(map[string]memoryEntry)}
}

func (c *memoryCache) Get(ctx context.Context, providerName, query string) ([]provider.Candidate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[cacheKey(providerName, query)]
	if !ok || time.Now().After(e.expiresAt) {
		metrics.CacheHitTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.CacheHitTotal.WithLabelValues("hit").Inc()
	out := make([]provider.Candidate, len(e.candidates))
	copy(out, e.candidates)
	return out, true
}

func (c *memoryCache) Set(ctx context.Context, providerName, query string, candidates []provider.Candidate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]provider.Candidate, len(candidates))
	copy(cp, candidates)
	c.m[cacheKey(providerName, query)] = memoryEntry{candidates: cp, expiresAt: time.Now().Add(c.ttl)}
}

func (c *memoryCache) Close() error { return nil }

// redisCache 多进程共享实现
type redisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache 创建 Redis 缓存；连接失败在首次 Get/Set 时表现为 MISS
func NewRedisCache(addr, password string, db int, ttl time.Duration) ResultCache {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return &redisCache{rdb: rdb, ttl: ttl}
}

func (c *redisCache) Get(ctx context.Context, providerName, query string) ([]provider.Candidate, bool) {
	raw, err := c.rdb.Get(ctx, cacheKey(providerName, query)).Bytes()
	if err != nil {
		metrics.CacheHitTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	var candidates []provider.Candidate
	if err := json.Unmarshal(raw, &candidates); err != nil {
		metrics.CacheHitTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.CacheHitTotal.WithLabelValues("hit").Inc()
	return candidates, true
}

func (c *redisCache) Set(ctx context.Context, providerName, query string, candidates []provider.Candidate) {
	raw, err := json.Marshal(candidates)
	if err != nil {
		return
	}
	c.rdb.Set(ctx, cacheKey(providerName, query), raw, c.ttl)
}

func (c *redisCache) Close() error { return c.rdb.Close() }

// NopCache 缓存关闭时使用
type NopCache struct{}

func (NopCache) Get(context.Context, string, string) ([]provider.Candidate, bool) { return nil, false }
func (NopCache) Set(context.Context, string, string, []provider.Candidate)       {}
func (NopCache) Close() error                                                    { return nil }
