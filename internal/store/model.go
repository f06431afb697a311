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

import "time"

// JobType 任务类型
type JobType string

const (
	JobTypeCSV    JobType = "CSV"
	JobTypeImage  JobType = "IMAGE"
	JobTypeSingle JobType = "SINGLE"
)

// QueueState Job 队列状态
type QueueState string

const (
	StateQueued  QueueState = "QUEUED"
	StateRunning QueueState = "RUNNING"
	StatePaused  QueueState = "PAUSED"
	StateDone    QueueState = "DONE"
	StateFailed  QueueState = "FAILED"
)

// ItemStatus item 状态
type ItemStatus string

const (
	ItemPending    ItemStatus = "PENDING"
	ItemProcessing ItemStatus = "PROCESSING"
	ItemDone       ItemStatus = "DONE"
	ItemError      ItemStatus = "ERROR"
	ItemNotFound   ItemStatus = "NOT_FOUND"
	// ItemSkipped 保留状态：schema 合法但管线不主动写入；reprocess 可按状态过滤选中
	ItemSkipped ItemStatus = "SKIPPED"
)

// Job 一次提交的工作单元；counters 为提示值，items 表才是事实
type Job struct {
	ID             string
	OwnerID        string
	Type           JobType
	SourceRef      string
	QueueState     QueueState
	Attempts       int
	LastHeartbeat  time.Time
	LastError      string
	TotalItems     int
	ProcessedItems int
	FailedItems    int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// JobItem 定价的原子单元
type JobItem struct {
	ID             string
	JobID          string
	OwnerID        string // 自 Job 反范式化，仅 ingester 在创建/回填时写
	Type           JobType
	Status         ItemStatus
	Attempts       int
	LastError      string
	LockedBy       string     // 空串表示无锁
	LockedAt       *time.Time // nil 表示无锁；(status==PROCESSING) ⇔ (LockedBy!="" ∧ LockedAt!=nil)
	InputJSON      []byte     // 创建后不可变
	NormalizedJSON []byte     // 定价前由状态机写入；reprocess 可重写
	ResultJSON     []byte     // DONE/NOT_FOUND 时写入，导出原样输出
	CreatedAt      time.Time
	UpdatedAt      time.Time // 每次状态变更严格递增
}

// ItemSummary 列表页投影；绝不投影完整 input_json/result_json
type ItemSummary struct {
	ID        string     `json:"id"`
	JobID     string     `json:"job_id"`
	Status    ItemStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	Title     string     `json:"title,omitempty"`
	Brand     string     `json:"brand,omitempty"`
	SKU       string     `json:"sku,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// SearchEventOutcome 单次外部搜索的结局
type SearchEventOutcome string

const (
	OutcomeHit     SearchEventOutcome = "HIT"
	OutcomeMiss    SearchEventOutcome = "MISS"
	OutcomeError   SearchEventOutcome = "ERROR"
	OutcomeTimeout SearchEventOutcome = "TIMEOUT"
)

// SearchEvent 审计记录：每次外部搜索一条，append-only，创建后不可变
type SearchEvent struct {
	ID          string
	JobItemID   string
	Provider    string
	Query       string
	StartedAt   time.Time
	FinishedAt  time.Time
	Outcome     SearchEventOutcome
	LatencyMs   int
	ErrorKind   string
	ResultCount int
	ChosenURL   string
}

// ItemFilter item 查询/重置过滤条件；零值字段不参与过滤
type ItemFilter struct {
	JobID    string
	OwnerID  string
	Statuses []ItemStatus
	JobType  JobType
	// MaxAttempts 仅 ResetItems 使用：只圈定 attempts 低于该上限的行；0 不设限
	MaxAttempts int
}

// Checkpoint 一次 item 落盘请求；仅当 locked_by 仍等于 WorkerID 时生效
type Checkpoint struct {
	ItemID         string
	WorkerID       string
	Status         ItemStatus
	ResultJSON     []byte // nil 表示不覆盖
	NormalizedJSON []byte // nil 表示不覆盖
	ErrorMsg       string
	AttemptsDelta  int
}
