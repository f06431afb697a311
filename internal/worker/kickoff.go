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

package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"pricing-platform/internal/control"
	"pricing-platform/internal/pricing"
	"pricing-platform/internal/registry"
	"pricing-platform/internal/store"
	"pricing-platform/pkg/config"
	"pricing-platform/pkg/errors"
	"pricing-platform/pkg/log"
	"pricing-platform/pkg/metrics"
)

// Report 一次 kickoff slice 的产出
type Report struct {
	Claimed   int   `json:"claimed"`
	Completed int   `json:"completed"`
	Failed    int   `json:"failed"`
	ElapsedMs int64 `json:"elapsed_ms"`
}

// Runner 时间片 Worker：每次 RunSlice 在限定墙钟内推进一个 Job。
// avg_item_ms 的 EWMA 跨 slice 保留在 Runner 上，进程重启从配置缺省起步
type Runner struct {
	workerID string
	st       store.Store
	registry *registry.Registry
	resolver *pricing.Resolver
	policy   *control.RetryPolicy
	window   *control.ErrorWindow
	cfg      config.WorkerConfig
	logger   *log.Logger

	mu        sync.Mutex
	avgItemMs float64
}

// NewRunner 创建 Runner；workerID 进程内唯一
func NewRunner(
	st store.Store,
	reg *registry.Registry,
	resolver *pricing.Resolver,
	policy *control.RetryPolicy,
	window *control.ErrorWindow,
	cfg config.WorkerConfig,
	logger *log.Logger,
) *Runner {
	id := "worker-" + uuid.New().String()[:8]
	return &Runner{
		workerID: id,
		st:       st,
		registry: reg,
		resolver: resolver,
		policy:   policy,
		window:   window,
		cfg:      cfg,
		logger:   logger.With("worker_id", id),
		// 冷启动估一个中档单件耗时，避免首片 claim 过量
		avgItemMs: 1000,
	}
}

// WorkerID 返回锁持有者标识
func (r *Runner) WorkerID() string { return r.workerID }

// AttemptCaps 返回 ERROR 与 NOT_FOUND 两类的尝试上限（reprocess 缺省圈定用）
func (r *Runner) AttemptCaps() (maxError, maxNotFound int) {
	return r.cfg.MaxAttemptsError, r.cfg.MaxAttemptsNotFound
}

// claimSize (T / avg_item_ms)·safety·健康系数，夹在 [claim_min, claim_max]
func (r *Runner) claimSize(sliceMs int) int {
	r.mu.Lock()
	avg := r.avgItemMs
	r.mu.Unlock()
	n := int(float64(sliceMs) / avg * r.cfg.SafetyFactor * r.window.Scale())
	if n < r.cfg.ClaimMin {
		n = r.cfg.ClaimMin
	}
	if n > r.cfg.ClaimMax {
		n = r.cfg.ClaimMax
	}
	return n
}

// lockTTL max(2·avg_item_ms, lock_floor) 上封顶 lock_cap
func (r *Runner) lockTTL() time.Duration {
	r.mu.Lock()
	avg := r.avgItemMs
	r.mu.Unlock()
	ms := int(2 * avg)
	if ms < r.cfg.LockFloorMs {
		ms = r.cfg.LockFloorMs
	}
	if ms > r.cfg.LockCapMs {
		ms = r.cfg.LockCapMs
	}
	return time.Duration(ms) * time.Millisecond
}

// observeItem 更新单件耗时 EWMA（α=0.3）
func (r *Runner) observeItem(elapsed time.Duration) {
	ms := float64(elapsed.Milliseconds())
	if ms < 1 {
		ms = 1
	}
	r.mu.Lock()
	r.avgItemMs = 0.3*ms + 0.7*r.avgItemMs
	r.mu.Unlock()
	metrics.ItemDuration.Observe(elapsed.Seconds())
}

// RunSlice 执行一个时间片；jobID 为空表示跨 Job 认领（守护进程路径）。
// 外部调用方（API kickoff 或守护循环）决定何时触发下一片
func (r *Runner) RunSlice(ctx context.Context, jobID string, sliceMs int) (*Report, error) {
	if sliceMs <= 0 {
		sliceMs = r.cfg.TargetSliceMs
	}
	start := time.Now()
	deadline := start.Add(time.Duration(sliceMs) * time.Millisecond)
	report := &Report{}

	if jobID != "" {
		job, err := r.st.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.QueueState == store.StateQueued {
			if err := r.registry.Transition(ctx, jobID, store.StateRunning); err != nil {
				return nil, err
			}
		}
	}

	metrics.WorkerBusy.WithLabelValues(r.workerID).Set(1)
	defer metrics.WorkerBusy.WithLabelValues(r.workerID).Set(0)

	heartbeatStop := r.startHeartbeat(ctx, jobID)
	defer heartbeatStop()

	n := r.claimSize(sliceMs)
	claimed, err := r.st.ClaimItems(ctx, r.workerID, n, r.lockTTL(), store.ItemFilter{JobID: jobID})
	if err != nil {
		return nil, errors.WithKind(errors.KindSystem, errors.Wrap(err, "claim failed"))
	}
	report.Claimed = len(claimed)
	metrics.ClaimSize.Observe(float64(len(claimed)))
	if len(claimed) == 0 {
		report.ElapsedMs = time.Since(start).Milliseconds()
		r.finishJob(ctx, jobID)
		return report, nil
	}

	// 跨 Job 认领：按本片实际命中的 Job 翻转 QUEUED→RUNNING，
	// 否则守护进程路径下的 Job 永远无法收敛 DONE
	claimedJobs := make(map[string]struct{})
	for _, item := range claimed {
		claimedJobs[item.JobID] = struct{}{}
	}
	if jobID == "" {
		for id := range claimedJobs {
			job, jerr := r.st.GetJob(ctx, id)
			if jerr != nil || job.QueueState != store.StateQueued {
				continue
			}
			if terr := r.registry.Transition(ctx, id, store.StateRunning); terr != nil {
				r.logger.Warn("job flip failed", "job_id", id, "error", terr)
			}
		}
	}

	sem := make(chan struct{}, r.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	var cm sync.Mutex // report 计数保护

	for _, item := range claimed {
		// 接近截止则不再下发，未开始的 item 放回 PENDING
		if time.Now().After(deadline) {
			if rerr := r.st.ReleaseItem(ctx, item.ID, r.workerID); rerr != nil && rerr != store.ErrStaleLock {
				r.logger.Warn("release on preempt failed", "item_id", item.ID, "error", rerr)
			}
			cm.Lock()
			report.Claimed--
			cm.Unlock()
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			if rerr := r.st.ReleaseItem(ctx, item.ID, r.workerID); rerr != nil && rerr != store.ErrStaleLock {
				r.logger.Warn("release on cancel failed", "item_id", item.ID, "error", rerr)
			}
			cm.Lock()
			report.Claimed--
			cm.Unlock()
			continue
		}
		wg.Add(1)
		go func(item *store.JobItem) {
			defer wg.Done()
			defer func() { <-sem }()
			completed, failed := r.processItem(ctx, item, deadline)
			cm.Lock()
			report.Completed += completed
			report.Failed += failed
			cm.Unlock()
		}(item)
	}
	wg.Wait()

	report.ElapsedMs = time.Since(start).Milliseconds()
	metrics.SliceDuration.Observe(float64(report.ElapsedMs) / 1000)
	if jobID != "" {
		r.finishJob(ctx, jobID)
	} else {
		for id := range claimedJobs {
			r.finishJob(ctx, id)
		}
	}
	r.logger.Info("slice complete", "job_id", jobID,
		"claimed", report.Claimed, "completed", report.Completed, "failed", report.Failed, "elapsed_ms", report.ElapsedMs)
	return report, nil
}

// processItem 单 item 全程：解析 → 决策 → checkpoint。
// 返回 (completed, failed) 计数增量
func (r *Runner) processItem(ctx context.Context, item *store.JobItem, sliceDeadline time.Time) (int, int) {
	itemStart := time.Now()
	// 单件截止：不超过 slice 截止后再给一个锁 TTL 的余量
	itemCtx, cancel := context.WithDeadline(ctx, sliceDeadline.Add(r.lockTTL()))
	defer cancel()

	out := r.resolver.Resolve(itemCtx, item)
	r.observeItem(time.Since(itemStart))

	cp := store.Checkpoint{ItemID: item.ID, WorkerID: r.workerID, AttemptsDelta: 1}
	completed, failed := 0, 0

	if out.Err == nil {
		cp.Status = out.Status
		cp.ResultJSON = out.ResultJSON
		cp.NormalizedJSON = out.NormalizedJSON
		completed = 1
		r.window.Observe(false)
	} else {
		attempts := item.Attempts + 1
		switch r.policy.Decide(out.Err, attempts) {
		case control.DecisionFailTerminal:
			cp.Status = store.ItemError
			cp.ErrorMsg = out.Err.Error()
			cp.NormalizedJSON = out.NormalizedJSON
			failed = 1
		case control.DecisionNotFound:
			cp.Status = store.ItemNotFound
			cp.NormalizedJSON = out.NormalizedJSON
			cp.ResultJSON = pricing.NoMatchResult(categoryOf(out.NormalizedJSON))
			completed = 1
		case control.DecisionRetryBroadened, control.DecisionRetry:
			// 放回 PENDING，attempts 照计，广化层级已写进 normalized_json
			cp.Status = store.ItemPending
			cp.ErrorMsg = out.Err.Error()
			cp.NormalizedJSON = out.NormalizedJSON
		}
		r.window.Observe(errors.KindOf(out.Err) != errors.KindNoMatch)
	}

	if err := r.st.CheckpointItem(ctx, cp); err != nil {
		if err == store.ErrStaleLock {
			// 锁被抢占：丢弃结果，正主会重推该 item
			r.logger.Debug("checkpoint stale, discarding", "item_id", item.ID)
			return 0, 0
		}
		r.logger.Error("checkpoint failed", "item_id", item.ID, "error", err)
		return 0, 0
	}
	metrics.ItemTotal.WithLabelValues(string(cp.Status)).Inc()
	return completed, failed
}

// startHeartbeat 周期心跳；返回停止函数
func (r *Runner) startHeartbeat(ctx context.Context, jobID string) func() {
	if jobID == "" {
		return func() {}
	}
	stop := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatIntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.registry.Heartbeat(ctx, jobID); err != nil {
					r.logger.Warn("heartbeat failed", "job_id", jobID, "error", err)
				}
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}

// finishJob slice 收尾：重算 counters 并尝试收敛 DONE
func (r *Runner) finishJob(ctx context.Context, jobID string) {
	if jobID == "" {
		return
	}
	if _, err := r.registry.MaybeComplete(ctx, jobID); err != nil {
		r.logger.Warn("completion check failed", "job_id", jobID, "error", err)
	}
}

func categoryOf(normalizedJSON []byte) string {
	var n struct {
		Category string `json:"category"`
	}
	if len(normalizedJSON) > 0 {
		_ = json.Unmarshal(normalizedJSON, &n)
	}
	return n.Category
}
