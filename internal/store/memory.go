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
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryStore 内存实现：单机开发与测试用；语义与 pgStore 一致
type memoryStore struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	items  map[string]*JobItem
	events []*SearchEvent
}

// NewMemoryStore 创建内存 Store
func NewMemoryStore() Store {
	return &memoryStore{
		jobs:  make(map[string]*Job),
		items: make(map[string]*JobItem),
	}
}

func (s *memoryStore) Close() {}

func (s *memoryStore) EnsureSchema(ctx context.Context) error { return nil }

// touch 返回严格大于 prev 的当前时间（updated_at 单调性）
func touch(prev time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

func (s *memoryStore) CreateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.QueueState == "" {
		job.QueueState = StateQueued
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memoryStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memoryStore) ListJobs(ctx context.Context, ownerID string, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var jobs []*Job
	for _, j := range s.jobs {
		if ownerID != "" && j.OwnerID != ownerID {
			continue
		}
		cp := *j
		jobs = append(jobs, &cp)
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.After(jobs[b].CreatedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *memoryStore) UpdateJobState(ctx context.Context, jobID string, state QueueState, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	j.QueueState = state
	j.LastError = lastError
	j.UpdatedAt = touch(j.UpdatedAt)
	return nil
}

func (s *memoryStore) HeartbeatJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		j.LastHeartbeat = time.Now().UTC()
	}
	return nil
}

func (s *memoryStore) SetJobTotal(ctx context.Context, jobID string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		j.TotalItems = total
		j.UpdatedAt = touch(j.UpdatedAt)
	}
	return nil
}

func (s *memoryStore) UpdateJobCounters(ctx context.Context, jobID string, processed, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		j.ProcessedItems = processed
		j.FailedItems = failed
		j.UpdatedAt = touch(j.UpdatedAt)
	}
	return nil
}

func (s *memoryStore) CountItemStatuses(ctx context.Context, jobID string) (map[ItemStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := make(map[ItemStatus]int)
	for _, it := range s.items {
		if it.JobID == jobID {
			hist[it.Status]++
		}
	}
	return hist, nil
}

func (s *memoryStore) BulkInsertItems(ctx context.Context, items []*JobItem) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for i, it := range items {
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
		it.Status = ItemPending
		it.Attempts = 0
		it.CreatedAt = now
		// 同批内也保持 updated_at+id 可全序
		it.UpdatedAt = now.Add(time.Duration(i) * time.Nanosecond)
		cp := *it
		s.items[it.ID] = &cp
	}
	return len(items), false, nil
}

func (s *memoryStore) ClaimItems(ctx context.Context, workerID string, limit int, lockTTL time.Duration, filter ItemFilter) ([]*JobItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		return []*JobItem{}, nil
	}
	now := time.Now().UTC()
	var eligible []*JobItem
	for _, it := range s.items {
		if filter.JobID != "" && it.JobID != filter.JobID {
			continue
		}
		if filter.OwnerID != "" && it.OwnerID != filter.OwnerID {
			continue
		}
		j, ok := s.jobs[it.JobID]
		if !ok || (j.QueueState != StateQueued && j.QueueState != StateRunning) {
			continue
		}
		expired := it.Status == ItemProcessing && it.LockedAt != nil && it.LockedAt.Before(now.Add(-lockTTL))
		if it.Status == ItemPending || expired {
			eligible = append(eligible, it)
		}
	}
	sort.Slice(eligible, func(a, b int) bool {
		if !eligible[a].UpdatedAt.Equal(eligible[b].UpdatedAt) {
			return eligible[a].UpdatedAt.Before(eligible[b].UpdatedAt)
		}
		return eligible[a].ID < eligible[b].ID
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}
	claimed := []*JobItem{}
	for _, it := range eligible {
		lockedAt := now
		it.Status = ItemProcessing
		it.LockedBy = workerID
		it.LockedAt = &lockedAt
		it.UpdatedAt = touch(it.UpdatedAt)
		cp := *it
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (s *memoryStore) CheckpointItem(ctx context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[cp.ItemID]
	if !ok {
		return ErrItemNotFound
	}
	if it.Status != ItemProcessing || it.LockedBy != cp.WorkerID {
		return ErrStaleLock
	}
	it.Status = cp.Status
	it.LockedBy = ""
	it.LockedAt = nil
	if cp.ResultJSON != nil {
		it.ResultJSON = cp.ResultJSON
	}
	if cp.NormalizedJSON != nil {
		it.NormalizedJSON = cp.NormalizedJSON
	}
	it.LastError = cp.ErrorMsg
	it.Attempts += cp.AttemptsDelta
	it.UpdatedAt = touch(it.UpdatedAt)
	return nil
}

func (s *memoryStore) ReleaseItem(ctx context.Context, itemID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	if it.Status != ItemProcessing || it.LockedBy != workerID {
		return ErrStaleLock
	}
	it.Status = ItemPending
	it.LockedBy = ""
	it.LockedAt = nil
	it.UpdatedAt = touch(it.UpdatedAt)
	return nil
}

func (s *memoryStore) ResetItems(ctx context.Context, filter ItemFilter, itemIDs []string, resetAttempts bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idSet := map[string]bool{}
	for _, id := range itemIDs {
		idSet[id] = true
	}
	n := 0
	for _, it := range s.items {
		if it.Status == ItemProcessing {
			continue
		}
		if filter.JobID != "" && it.JobID != filter.JobID {
			continue
		}
		if filter.OwnerID != "" && it.OwnerID != filter.OwnerID {
			continue
		}
		if len(filter.Statuses) > 0 && !statusIn(it.Status, filter.Statuses) {
			continue
		}
		if len(idSet) > 0 && !idSet[it.ID] {
			continue
		}
		if filter.MaxAttempts > 0 && it.Attempts >= filter.MaxAttempts {
			continue
		}
		it.Status = ItemPending
		it.LockedBy = ""
		it.LockedAt = nil
		it.LastError = ""
		if resetAttempts {
			it.Attempts = 0
		}
		it.UpdatedAt = touch(it.UpdatedAt)
		n++
	}
	return n, nil
}

func statusIn(st ItemStatus, set []ItemStatus) bool {
	for _, s := range set {
		if s == st {
			return true
		}
	}
	return false
}

func (s *memoryStore) GetItem(ctx context.Context, itemID string) (*JobItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok {
		return nil, ErrItemNotFound
	}
	cp := *it
	return &cp, nil
}

func (s *memoryStore) ListItems(ctx context.Context, filter ItemFilter, after *Cursor, limit int) ([]*ItemSummary, *Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var matched []*JobItem
	for _, it := range s.items {
		if filter.JobID != "" && it.JobID != filter.JobID {
			continue
		}
		if filter.OwnerID != "" && it.OwnerID != filter.OwnerID {
			continue
		}
		if filter.JobType != "" && it.Type != filter.JobType {
			continue
		}
		if len(filter.Statuses) > 0 && !statusIn(it.Status, filter.Statuses) {
			continue
		}
		if !after.after(it.UpdatedAt, it.ID) {
			continue
		}
		matched = append(matched, it)
	}
	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].UpdatedAt.Equal(matched[b].UpdatedAt) {
			return matched[a].UpdatedAt.Before(matched[b].UpdatedAt)
		}
		return matched[a].ID < matched[b].ID
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	items := []*ItemSummary{}
	for _, it := range matched {
		items = append(items, summarize(it))
	}
	var next *Cursor
	if len(items) == limit {
		last := items[len(items)-1]
		next = &Cursor{UpdatedAt: last.UpdatedAt, ID: last.ID}
	}
	return items, next, nil
}

// summarize 服务端抽取摘要字段；绝不把完整 JSON 带出列表
func summarize(it *JobItem) *ItemSummary {
	sm := &ItemSummary{
		ID:        it.ID,
		JobID:     it.JobID,
		Status:    it.Status,
		Attempts:  it.Attempts,
		LastError: it.LastError,
		UpdatedAt: it.UpdatedAt,
	}
	var norm, input map[string]interface{}
	_ = json.Unmarshal(it.NormalizedJSON, &norm)
	_ = json.Unmarshal(it.InputJSON, &input)
	sm.Title = firstString(norm, input, "title")
	sm.Brand = firstString(norm, input, "brand")
	sm.SKU = firstString(nil, input, "sku")
	return sm
}

func firstString(primary, fallback map[string]interface{}, key string) string {
	if v, ok := primary[key].(string); ok && v != "" {
		return v
	}
	if v, ok := fallback[key].(string); ok && v != "" {
		return v
	}
	return ""
}

func (s *memoryStore) ForEachResult(ctx context.Context, jobID string, includeErrors bool, fn func(*JobItem) error) error {
	s.mu.Lock()
	var matched []*JobItem
	for _, it := range s.items {
		if it.JobID != jobID {
			continue
		}
		if it.Status == ItemDone || it.Status == ItemNotFound || (includeErrors && it.Status == ItemError) {
			cp := *it
			matched = append(matched, &cp)
		}
	}
	s.mu.Unlock()
	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].UpdatedAt.Equal(matched[b].UpdatedAt) {
			return matched[a].UpdatedAt.Before(matched[b].UpdatedAt)
		}
		return matched[a].ID < matched[b].ID
	})
	for _, it := range matched {
		if err := fn(it); err != nil {
			return err
		}
	}
	return nil
}

func (s *memoryStore) AppendSearchEvent(ctx context.Context, ev *SearchEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	cp := *ev
	s.events = append(s.events, &cp)
	return nil
}

func (s *memoryStore) ListSearchEvents(ctx context.Context, itemID string) ([]*SearchEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var events []*SearchEvent
	for _, ev := range s.events {
		if ev.JobItemID == itemID {
			cp := *ev
			events = append(events, &cp)
		}
	}
	sort.Slice(events, func(a, b int) bool { return events[a].StartedAt.Before(events[b].StartedAt) })
	return events, nil
}
