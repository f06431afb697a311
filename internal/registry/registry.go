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

package registry

import (
	"context"

	"pricing-platform/internal/store"
	"pricing-platform/pkg/errors"
	"pricing-platform/pkg/log"
)

// Registry Job 状态的权威来源；counters 是提示值，items 表才是事实
type Registry struct {
	st     store.Store
	logger *log.Logger
}

// NewRegistry 创建注册表
func NewRegistry(st store.Store, logger *log.Logger) *Registry {
	return &Registry{st: st, logger: logger}
}

// allowedEdges 队列状态允许的迁移边；any→QUEUED（reprocess）单独放行
var allowedEdges = map[store.QueueState][]store.QueueState{
	store.StateQueued:  {store.StateRunning, store.StateFailed},
	store.StateRunning: {store.StatePaused, store.StateDone, store.StateFailed},
	store.StatePaused:  {store.StateRunning},
}

// Transition 受控状态迁移；非法边返回 input 错误。
// 任意状态 → QUEUED 始终合法（reprocess 重新入队）
func (r *Registry) Transition(ctx context.Context, jobID string, to store.QueueState) error {
	job, err := r.st.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.QueueState == to {
		return nil
	}
	if to != store.StateQueued && !edgeAllowed(job.QueueState, to) {
		return errors.Newf(errors.KindInput, "illegal transition %s -> %s", job.QueueState, to)
	}
	if err := r.st.UpdateJobState(ctx, jobID, to, ""); err != nil {
		return err
	}
	r.logger.Info("job state transition", "job_id", jobID, "from", job.QueueState, "to", to)
	return nil
}

func edgeAllowed(from, to store.QueueState) bool {
	for _, t := range allowedEdges[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Fail 记录失败原因并落 FAILED；仅允许自 QUEUED/RUNNING 进入
func (r *Registry) Fail(ctx context.Context, jobID, reason string) error {
	job, err := r.st.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.QueueState != store.StateQueued && job.QueueState != store.StateRunning {
		return errors.Newf(errors.KindInput, "illegal transition %s -> FAILED", job.QueueState)
	}
	return r.st.UpdateJobState(ctx, jobID, store.StateFailed, reason)
}

// Heartbeat Worker 处理期间周期调用
func (r *Registry) Heartbeat(ctx context.Context, jobID string) error {
	return r.st.HeartbeatJob(ctx, jobID)
}

// RecomputeCounters 对 items 表做直方图并回写 counters；
// 读路径惰性调用，Worker 在 slice 末尾调用
func (r *Registry) RecomputeCounters(ctx context.Context, jobID string) (map[store.ItemStatus]int, error) {
	hist, err := r.st.CountItemStatuses(ctx, jobID)
	if err != nil {
		return nil, err
	}
	processed := hist[store.ItemDone] + hist[store.ItemNotFound]
	failed := hist[store.ItemError]
	if err := r.st.UpdateJobCounters(ctx, jobID, processed, failed); err != nil {
		return hist, err
	}
	return hist, nil
}

// MaybeComplete 无 PROCESSING 且无 PENDING 时把 RUNNING Job 收敛为 DONE；
// 空 Job（0 item）同样收敛。返回是否完成
func (r *Registry) MaybeComplete(ctx context.Context, jobID string) (bool, error) {
	job, err := r.st.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.QueueState != store.StateRunning && job.QueueState != store.StateQueued {
		return false, nil
	}
	hist, err := r.RecomputeCounters(ctx, jobID)
	if err != nil {
		return false, err
	}
	if hist[store.ItemProcessing] > 0 || hist[store.ItemPending] > 0 {
		return false, nil
	}
	if job.QueueState == store.StateQueued {
		// 空 Job 直接完成；非空 QUEUED Job 等 Worker 翻转 RUNNING
		total := 0
		for _, n := range hist {
			total += n
		}
		if total > 0 {
			return false, nil
		}
	}
	if err := r.st.UpdateJobState(ctx, jobID, store.StateDone, ""); err != nil {
		return false, err
	}
	r.logger.Info("job complete", "job_id", jobID,
		"done", hist[store.ItemDone], "not_found", hist[store.ItemNotFound], "error", hist[store.ItemError])
	return true, nil
}
