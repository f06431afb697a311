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

package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// DefaultRegistry 独立注册表，避免与依赖库的默认注册表冲突
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		BatchInsertDuration, BatchSize,
		ItemDuration, ItemTotal,
		ClaimSize, SliceDuration,
		ProviderDuration, ProviderTotal,
		RateLimitWaitSeconds, WorkerBusy,
		AuditDropTotal, CacheHitTotal,
	)
}

// BatchInsertDuration 批量写入耗时（秒）
var BatchInsertDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "pricer_batch_insert_duration_seconds",
		Help:    "批量写入 job_items 耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// BatchSize 当前自适应批大小
var BatchSize = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "pricer_ingest_batch_size",
		Help: "入库批大小（自适应）",
	},
)

// ItemDuration 单条 item 处理耗时（秒）
var ItemDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "pricer_item_duration_seconds",
		Help:    "单条 item 定价耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// ItemTotal item 处理总数（按终态）
var ItemTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pricer_item_total",
		Help: "item 处理总数（按终态）",
	},
	[]string{"status"}, // done | not_found | error | stale
)

// ClaimSize 每次 claim 的条数
var ClaimSize = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "pricer_claim_size",
		Help:    "每次 claim 的 item 条数",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500},
	},
)

// SliceDuration kickoff slice 实际耗时（秒）
var SliceDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "pricer_slice_duration_seconds",
		Help:    "kickoff slice 实际耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// ProviderDuration 搜索 Provider 调用耗时（秒）
var ProviderDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "pricer_provider_duration_seconds",
		Help:    "搜索 Provider 调用耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"provider"},
)

// ProviderTotal 搜索 Provider 调用总数（按结局）
var ProviderTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pricer_provider_total",
		Help: "搜索 Provider 调用总数（按结局）",
	},
	[]string{"provider", "outcome"}, // hit | miss | error | timeout
)

// RateLimitWaitSeconds 限流等待耗时（秒）
var RateLimitWaitSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "pricer_ratelimit_wait_seconds",
		Help:    "限流等待耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"scope", "provider"},
)

// WorkerBusy 当前并发执行的 item 数（每 Worker）
var WorkerBusy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "pricer_worker_busy",
		Help: "当前并发执行的 item 数",
	},
	[]string{"worker_id"},
)

// AuditDropTotal 审计事件丢弃总数（best-effort 写入失败且重试耗尽）
var AuditDropTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "pricer_audit_drop_total",
		Help: "审计事件丢弃总数",
	},
)

// CacheHitTotal Provider 结果缓存命中/未命中
var CacheHitTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pricer_cache_hit_total",
		Help: "Provider 结果缓存命中计数",
	},
	[]string{"result"}, // hit | miss
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
