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

package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"pricing-platform/internal/store"
	"pricing-platform/pkg/log"
	"pricing-platform/pkg/metrics"
)

// Recorder 审计入口：每次外部搜索写一条 SearchEvent。
// 审计失败绝不反灌定价主流程：Record 永不返回错误、永不阻塞。
type Recorder interface {
	Record(ev *store.SearchEvent)
	// Close 停止后台写入并尽力清空缓冲；进程退出路径调用
	Close()
}

// AsyncRecorder 带缓冲 channel 的异步实现；单 goroutine 顺序落库，
// 落库失败在带内重试 maxRetry 次后丢弃并记数
type AsyncRecorder struct {
	st       store.Store
	logger   *log.Logger
	ch       chan *store.SearchEvent
	maxRetry int
	wg       sync.WaitGroup
	closeOne sync.Once
}

// NewAsyncRecorder 创建异步审计写入器；bufSize<=0 时取 1024
func NewAsyncRecorder(st store.Store, logger *log.Logger, bufSize, maxRetry int) *AsyncRecorder {
	if bufSize <= 0 {
		bufSize = 1024
	}
	if maxRetry < 0 {
		maxRetry = 0
	}
	r := &AsyncRecorder{
		st:       st,
		logger:   logger,
		ch:       make(chan *store.SearchEvent, bufSize),
		maxRetry: maxRetry,
	}
	r.wg.Add(1)
	go r.drain()
	return r
}

// Record 实现 Recorder；缓冲满时丢弃本条并计数，不阻塞调用方
func (r *AsyncRecorder) Record(ev *store.SearchEvent) {
	if ev == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	select {
	case r.ch <- ev:
	default:
		metrics.AuditDropTotal.Inc()
		r.logger.Warn("audit buffer full, event dropped", "item_id", ev.JobItemID, "provider", ev.Provider)
	}
}

func (r *AsyncRecorder) drain() {
	defer r.wg.Done()
	for ev := range r.ch {
		r.persist(ev)
	}
}

func (r *AsyncRecorder) persist(ev *store.SearchEvent) {
	var err error
	for attempt := 0; attempt <= r.maxRetry; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = r.st.AppendSearchEvent(ctx, ev)
		cancel()
		if err == nil {
			return
		}
	}
	metrics.AuditDropTotal.Inc()
	r.logger.Error("audit event lost after retries", "item_id", ev.JobItemID, "provider", ev.Provider, "error", err)
}

// Close 实现 Recorder
func (r *AsyncRecorder) Close() {
	r.closeOne.Do(func() { close(r.ch) })
	r.wg.Wait()
}

// NopRecorder 空实现：审计关闭时使用
type NopRecorder struct{}

func (NopRecorder) Record(*store.SearchEvent) {}
func (NopRecorder) Close()                    {}
