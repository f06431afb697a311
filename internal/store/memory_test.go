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
	"fmt"
	"testing"
	"time"
)

func seedJob(t *testing.T, s Store, owner string, state QueueState) *Job {
	t.Helper()
	job := &Job{OwnerID: owner, Type: JobTypeCSV, QueueState: state}
	if err := s.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func seedItems(t *testing.T, s Store, job *Job, n int) []*JobItem {
	t.Helper()
	items := make([]*JobItem, 0, n)
	for i := 0; i < n; i++ {
		input, _ := json.Marshal(map[string]string{"title": fmt.Sprintf("item-%03d", i), "brand": "Acme"})
		items = append(items, &JobItem{
			JobID:     job.ID,
			OwnerID:   job.OwnerID,
			Type:      job.Type,
			InputJSON: input,
		})
	}
	if _, _, err := s.BulkInsertItems(context.Background(), items); err != nil {
		t.Fatalf("BulkInsertItems: %v", err)
	}
	return items
}

func TestMemoryStore_ClaimTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	job := seedJob(t, s, "owner-1", StateQueued)
	seedItems(t, s, job, 3)

	claimed, err := s.ClaimItems(ctx, "worker-1", 2, time.Minute, ItemFilter{JobID: job.ID})
	if err != nil {
		t.Fatalf("ClaimItems: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claimed, got %d", len(claimed))
	}
	for _, it := range claimed {
		// (PROCESSING) ⇔ (locked_by ≠ "" ∧ locked_at ≠ nil)
		if it.Status != ItemProcessing || it.LockedBy != "worker-1" || it.LockedAt == nil {
			t.Errorf("claimed item not locked: %+v", it)
		}
	}

	// 已被持锁的行不应被二次认领
	again, err := s.ClaimItems(ctx, "worker-2", 10, time.Minute, ItemFilter{JobID: job.ID})
	if err != nil {
		t.Fatalf("ClaimItems: %v", err)
	}
	if len(again) != 1 {
		t.Errorf("expected only the 1 unclaimed item, got %d", len(again))
	}
}

func TestMemoryStore_ClaimEmpty(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	claimed, err := s.ClaimItems(ctx, "worker-1", 10, time.Minute, ItemFilter{})
	if err != nil {
		t.Fatalf("ClaimItems on empty store: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("expected empty claim, got %d items", len(claimed))
	}
}

func TestMemoryStore_ClaimSkipsPausedJob(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	job := seedJob(t, s, "owner-1", StateQueued)
	seedItems(t, s, job, 2)
	if err := s.UpdateJobState(ctx, job.ID, StatePaused, ""); err != nil {
		t.Fatalf("UpdateJobState: %v", err)
	}

	claimed, err := s.ClaimItems(ctx, "worker-1", 10, time.Minute, ItemFilter{})
	if err != nil {
		t.Fatalf("ClaimItems: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("paused job items must not be claimable, got %d", len(claimed))
	}
}

func TestMemoryStore_LockSteal_StaleCheckpoint(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	job := seedJob(t, s, "owner-1", StateRunning)
	seedItems(t, s, job, 1)

	first, err := s.ClaimItems(ctx, "worker-1", 1, 0, ItemFilter{JobID: job.ID})
	if err != nil || len(first) != 1 {
		t.Fatalf("first claim: %v (%d items)", err, len(first))
	}
	itemID := first[0].ID

	// TTL 为 0，锁立即过期；worker-2 抢占
	time.Sleep(2 * time.Millisecond)
	second, err := s.ClaimItems(ctx, "worker-2", 1, time.Millisecond, ItemFilter{JobID: job.ID})
	if err != nil || len(second) != 1 {
		t.Fatalf("steal claim: %v (%d items)", err, len(second))
	}
	if second[0].ID != itemID {
		t.Fatalf("expected steal of %s, got %s", itemID, second[0].ID)
	}

	// 旧持有者的 checkpoint 必须被拒绝
	err = s.CheckpointItem(ctx, Checkpoint{ItemID: itemID, WorkerID: "worker-1", Status: ItemDone, AttemptsDelta: 1})
	if err != ErrStaleLock {
		t.Errorf("expected ErrStaleLock for ousted worker, got %v", err)
	}

	// 新持有者的 checkpoint 生效，且恰好生效一次
	err = s.CheckpointItem(ctx, Checkpoint{ItemID: itemID, WorkerID: "worker-2", Status: ItemDone, ResultJSON: []byte(`{"price":9.99}`), AttemptsDelta: 1})
	if err != nil {
		t.Fatalf("winner checkpoint: %v", err)
	}
	it, err := s.GetItem(ctx, itemID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if it.Status != ItemDone || it.LockedBy != "" || it.LockedAt != nil || it.Attempts != 1 {
		t.Errorf("after checkpoint: %+v", it)
	}
}

func TestMemoryStore_UpdatedAtStrictlyIncreases(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	job := seedJob(t, s, "owner-1", StateRunning)
	seedItems(t, s, job, 1)

	it0, _ := s.ClaimItems(ctx, "w", 1, time.Minute, ItemFilter{JobID: job.ID})
	t1 := it0[0].UpdatedAt
	if err := s.CheckpointItem(ctx, Checkpoint{ItemID: it0[0].ID, WorkerID: "w", Status: ItemError, ErrorMsg: "boom", AttemptsDelta: 1}); err != nil {
		t.Fatalf("CheckpointItem: %v", err)
	}
	it1, _ := s.GetItem(ctx, it0[0].ID)
	if !it1.UpdatedAt.After(t1) {
		t.Errorf("updated_at must strictly increase: %v -> %v", t1, it1.UpdatedAt)
	}
}

func TestMemoryStore_ReleaseItem(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	job := seedJob(t, s, "owner-1", StateRunning)
	seedItems(t, s, job, 1)

	claimed, _ := s.ClaimItems(ctx, "worker-1", 1, time.Minute, ItemFilter{JobID: job.ID})
	if err := s.ReleaseItem(ctx, claimed[0].ID, "worker-2"); err != ErrStaleLock {
		t.Errorf("expected ErrStaleLock for wrong worker, got %v", err)
	}
	if err := s.ReleaseItem(ctx, claimed[0].ID, "worker-1"); err != nil {
		t.Fatalf("ReleaseItem: %v", err)
	}
	it, _ := s.GetItem(ctx, claimed[0].ID)
	if it.Status != ItemPending || it.LockedBy != "" || it.LockedAt != nil {
		t.Errorf("released item should be PENDING and unlocked: %+v", it)
	}
}

func TestMemoryStore_ResetNeverTouchesProcessing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	job := seedJob(t, s, "owner-1", StateRunning)
	seedItems(t, s, job, 3)

	claimed, _ := s.ClaimItems(ctx, "worker-1", 3, time.Minute, ItemFilter{JobID: job.ID})
	// 两条落为 ERROR，一条保持 PROCESSING
	for _, it := range claimed[:2] {
		if err := s.CheckpointItem(ctx, Checkpoint{ItemID: it.ID, WorkerID: "worker-1", Status: ItemError, ErrorMsg: "x", AttemptsDelta: 1}); err != nil {
			t.Fatalf("CheckpointItem: %v", err)
		}
	}

	n, err := s.ResetItems(ctx, ItemFilter{JobID: job.ID}, nil, true)
	if err != nil {
		t.Fatalf("ResetItems: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 reset, got %d", n)
	}
	live, _ := s.GetItem(ctx, claimed[2].ID)
	if live.Status != ItemProcessing || live.LockedBy != "worker-1" {
		t.Errorf("in-flight item must be untouched by reset: %+v", live)
	}
	reset, _ := s.GetItem(ctx, claimed[0].ID)
	if reset.Status != ItemPending || reset.Attempts != 0 || reset.LastError != "" {
		t.Errorf("reset item: %+v", reset)
	}
}

func TestMemoryStore_ResetKeepsAttemptsByDefault(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	job := seedJob(t, s, "owner-1", StateRunning)
	seedItems(t, s, job, 1)

	claimed, _ := s.ClaimItems(ctx, "w", 1, time.Minute, ItemFilter{JobID: job.ID})
	_ = s.CheckpointItem(ctx, Checkpoint{ItemID: claimed[0].ID, WorkerID: "w", Status: ItemError, AttemptsDelta: 3})

	if _, err := s.ResetItems(ctx, ItemFilter{JobID: job.ID}, nil, false); err != nil {
		t.Fatalf("ResetItems: %v", err)
	}
	it, _ := s.GetItem(ctx, claimed[0].ID)
	if it.Attempts != 3 {
		t.Errorf("attempts should survive reset without resetAttempts, got %d", it.Attempts)
	}
}

func TestMemoryStore_ListItems_KeysetTraversal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	job := seedJob(t, s, "owner-1", StateQueued)
	seedItems(t, s, job, 25)

	seen := map[string]bool{}
	var cursor *Cursor
	pages := 0
	for {
		page, next, err := s.ListItems(ctx, ItemFilter{JobID: job.ID}, cursor, 10)
		if err != nil {
			t.Fatalf("ListItems: %v", err)
		}
		for _, it := range page {
			if seen[it.ID] {
				t.Fatalf("item %s returned twice", it.ID)
			}
			seen[it.ID] = true
		}
		pages++
		if next == nil {
			break
		}
		// 游标经编解码往返，模拟客户端持有不透明字符串
		cursor = DecodeCursor(next.Encode())
		if cursor == nil {
			t.Fatal("round-tripped cursor decoded to nil")
		}
		if pages > 10 {
			t.Fatal("pagination did not terminate")
		}
	}
	if len(seen) != 25 {
		t.Errorf("expected exactly 25 distinct items, got %d", len(seen))
	}
}

func TestMemoryStore_ListItems_SummaryProjection(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	job := seedJob(t, s, "owner-1", StateQueued)
	seedItems(t, s, job, 1)

	page, _, err := s.ListItems(ctx, ItemFilter{JobID: job.ID}, nil, 10)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("expected 1 item, got %d", len(page))
	}
	if page[0].Title != "item-000" || page[0].Brand != "Acme" {
		t.Errorf("summary fields not extracted: %+v", page[0])
	}
}

func TestMemoryStore_ForEachResult(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	job := seedJob(t, s, "owner-1", StateRunning)
	seedItems(t, s, job, 4)

	claimed, _ := s.ClaimItems(ctx, "w", 4, time.Minute, ItemFilter{JobID: job.ID})
	statuses := []ItemStatus{ItemDone, ItemNotFound, ItemError, ItemError}
	for i, it := range claimed {
		_ = s.CheckpointItem(ctx, Checkpoint{ItemID: it.ID, WorkerID: "w", Status: statuses[i], AttemptsDelta: 1})
	}
	// ERROR 行最终重试殆尽，留一条回 PENDING 验证不被导出
	_, _ = s.ResetItems(ctx, ItemFilter{JobID: job.ID, Statuses: []ItemStatus{ItemError}}, []string{claimed[3].ID}, false)

	count := func(includeErrors bool) int {
		n := 0
		if err := s.ForEachResult(ctx, job.ID, includeErrors, func(*JobItem) error { n++; return nil }); err != nil {
			t.Fatalf("ForEachResult: %v", err)
		}
		return n
	}
	if got := count(false); got != 2 {
		t.Errorf("without errors: expected 2, got %d", got)
	}
	if got := count(true); got != 3 {
		t.Errorf("with errors: expected 3, got %d", got)
	}
}

func TestMemoryStore_SearchEvents(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Now().UTC()
	for i, outcome := range []SearchEventOutcome{OutcomeMiss, OutcomeHit} {
		ev := &SearchEvent{
			JobItemID:   "item-1",
			Provider:    "serp",
			Query:       "acme widget",
			StartedAt:   base.Add(time.Duration(i) * time.Second),
			FinishedAt:  base.Add(time.Duration(i)*time.Second + 200*time.Millisecond),
			Outcome:     outcome,
			LatencyMs:   200,
			ResultCount: i * 3,
		}
		if err := s.AppendSearchEvent(ctx, ev); err != nil {
			t.Fatalf("AppendSearchEvent: %v", err)
		}
	}
	events, err := s.ListSearchEvents(ctx, "item-1")
	if err != nil {
		t.Fatalf("ListSearchEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Outcome != OutcomeMiss || events[1].Outcome != OutcomeHit {
		t.Errorf("events not in started_at order: %+v", events)
	}
}

func TestMemoryStore_CountItemStatuses(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	job := seedJob(t, s, "owner-1", StateRunning)
	seedItems(t, s, job, 3)

	claimed, _ := s.ClaimItems(ctx, "w", 2, time.Minute, ItemFilter{JobID: job.ID})
	_ = s.CheckpointItem(ctx, Checkpoint{ItemID: claimed[0].ID, WorkerID: "w", Status: ItemDone, AttemptsDelta: 1})

	hist, err := s.CountItemStatuses(ctx, job.ID)
	if err != nil {
		t.Fatalf("CountItemStatuses: %v", err)
	}
	if hist[ItemPending] != 1 || hist[ItemProcessing] != 1 || hist[ItemDone] != 1 {
		t.Errorf("unexpected histogram: %+v", hist)
	}
}

func TestMemoryStore_OwnerFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	jobA := seedJob(t, s, "owner-a", StateQueued)
	jobB := seedJob(t, s, "owner-b", StateQueued)
	seedItems(t, s, jobA, 2)
	seedItems(t, s, jobB, 3)

	page, _, err := s.ListItems(ctx, ItemFilter{OwnerID: "owner-b"}, nil, 100)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(page) != 3 {
		t.Errorf("owner filter: expected 3, got %d", len(page))
	}

	claimed, err := s.ClaimItems(ctx, "w", 100, time.Minute, ItemFilter{OwnerID: "owner-a"})
	if err != nil {
		t.Fatalf("ClaimItems: %v", err)
	}
	if len(claimed) != 2 {
		t.Errorf("owner-scoped claim: expected 2, got %d", len(claimed))
	}
}
