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

package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStaleLock checkpoint 被拒绝：锁已被其他 worker 抢占或已释放；调用方丢弃结果
	ErrStaleLock = errors.New("store: stale lock, checkpoint rejected")
	// ErrJobNotFound 指定 job 不存在
	ErrJobNotFound = errors.New("store: job not found")
	// ErrItemNotFound 指定 item 不存在
	ErrItemNotFound = errors.New("store: item not found")
)

// Store 持久层契约：事务性 claim/checkpoint、keyset 查询、审计写入。
// postgres 与 memory 两种实现；行为差异仅在并发真实性，语义一致。
type Store interface {
	// EnsureSchema 幂等建表建索引
	EnsureSchema(ctx context.Context) error

	// CreateJob 创建 Job（事务内）；job.ID 为空时由实现生成
	CreateJob(ctx context.Context, job *Job) error
	// GetJob 读取 Job；不存在返回 ErrJobNotFound
	GetJob(ctx context.Context, jobID string) (*Job, error)
	// ListJobs 按 owner 过滤列出 Job（owner 为空表示全部，仅 admin 路径使用）
	ListJobs(ctx context.Context, ownerID string, limit int) ([]*Job, error)
	// UpdateJobState 更新队列状态与 last_error
	UpdateJobState(ctx context.Context, jobID string, state QueueState, lastError string) error
	// HeartbeatJob 更新 last_heartbeat
	HeartbeatJob(ctx context.Context, jobID string) error
	// SetJobTotal 入库完成后写入精确 total_items
	SetJobTotal(ctx context.Context, jobID string, total int) error
	// UpdateJobCounters 写 counters 提示值；并发丢失无害
	UpdateJobCounters(ctx context.Context, jobID string, processed, failed int) error
	// CountItemStatuses 对 items 表做直方图统计；任何读者可据此重算 counters
	CountItemStatuses(ctx context.Context, jobID string) (map[ItemStatus]int, error)

	// BulkInsertItems 单事务批量插入；填充 owner_id/job_type/status=PENDING/attempts=0。
	// 返回插入条数与本批是否观察到连接池等待（供 ingester 立即收缩批大小）。
	BulkInsertItems(ctx context.Context, items []*JobItem) (int, bool, error)
	// ClaimItems 原子认领：仅 PENDING 或锁过期的 PROCESSING 行被返回，
	// 且每行转为 PROCESSING、locked_by=workerID、locked_at=now、updated_at 严格递增。
	// 暂停中的 Job 不参与认领。无可认领行时返回空切片，不报错。
	ClaimItems(ctx context.Context, workerID string, limit int, lockTTL time.Duration, filter ItemFilter) ([]*JobItem, error)
	// CheckpointItem 仅当 locked_by 仍等于 cp.WorkerID 时生效：清锁、置状态、
	// attempts += delta、updated_at 严格递增；锁被抢占时返回 ErrStaleLock
	CheckpointItem(ctx context.Context, cp Checkpoint) error
	// ReleaseItem 将未开始外部调用的 item 放回 PENDING（slice 截止抢占路径）；
	// 仅当 locked_by 等于 workerID 时生效，否则返回 ErrStaleLock
	ReleaseItem(ctx context.Context, itemID, workerID string) error
	// ResetItems 按过滤或显式 ID 将 item 重置为 PENDING 并清锁；绝不触碰 PROCESSING 行。
	// resetAttempts 为 true 时同时归零 attempts。返回受影响条数。
	ResetItems(ctx context.Context, filter ItemFilter, itemIDs []string, resetAttempts bool) (int, error)

	// GetItem 读取完整 item
	GetItem(ctx context.Context, itemID string) (*JobItem, error)
	// ListItems keyset 分页：ORDER BY (updated_at, id) ASC，WHERE 带同序比较子；
	// after 为 nil 从头开始。返回页与下一游标（尾页为 nil）。
	ListItems(ctx context.Context, filter ItemFilter, after *Cursor, limit int) ([]*ItemSummary, *Cursor, error)
	// ForEachResult 遍历某 Job 的终态 item（导出路径）；includeErrors 控制 ERROR 行是否纳入
	ForEachResult(ctx context.Context, jobID string, includeErrors bool, fn func(*JobItem) error) error

	// AppendSearchEvent 审计追加写；永不更新
	AppendSearchEvent(ctx context.Context, ev *SearchEvent) error
	// ListSearchEvents 按 item 查审计事件（时间升序）
	ListSearchEvents(ctx context.Context, itemID string) ([]*SearchEvent, error)

	// Close 释放连接资源
	Close()
}
