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
	"fmt"
	"testing"
	"time"

	"pricing-platform/internal/audit"
	"pricing-platform/internal/cache"
	"pricing-platform/internal/control"
	"pricing-platform/internal/pricing"
	"pricing-platform/internal/provider"
	"pricing-platform/internal/registry"
	"pricing-platform/internal/store"
	"pricing-platform/pkg/config"
	"pricing-platform/pkg/errors"
	"pricing-platform/pkg/log"
)

func workerCfg() config.WorkerConfig {
	return config.WorkerConfig{
		TargetSliceMs: 5000, ClaimMin: 1, ClaimMax: 50, SafetyFactor: 0.7,
		LockFloorMs: 5000, LockCapMs: 120000,
		MaxAttemptsError: 3, MaxAttemptsNotFound: 2,
		HeartbeatIntervalMs: 50, MaxConcurrency: 4,
	}
}

func newRunner(t *testing.T, st store.Store, fake *provider.FakeSearchProvider) *Runner {
	t.Helper()
	logger, _ := log.NewLogger(nil)
	reg := registry.NewRegistry(st, logger)
	limiter := control.NewProviderLimiter(nil, control.ProviderLimitConfig{MinDelay: time.Microsecond, MaxConcurrent: 8})
	policy := pricing.NewSourcePolicy(config.PolicyConfig{})
	resolver := pricing.NewResolver(
		[]provider.SearchProvider{fake}, provider.StubExtractor{},
		cache.NopCache{}, limiter, policy, 0.35, audit.NopRecorder{}, logger,
	)
	retry := control.NewRetryPolicy(3, 2, time.Millisecond)
	return NewRunner(st, reg, resolver, retry, control.NewErrorWindow(50), workerCfg(), logger)
}

func seedJobItems(t *testing.T, st store.Store, n int) *store.Job {
	t.Helper()
	ctx := context.Background()
	job := &store.Job{OwnerID: "owner-1", Type: store.JobTypeCSV, QueueState: store.StateQueued}
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	var items []*store.JobItem
	for i := 0; i < n; i++ {
		input, _ := json.Marshal(map[string]string{"title": "widget", "brand": "acme", "sku": fmt.Sprintf("SKU-%03d", i)})
		items = append(items, &store.JobItem{JobID: job.ID, OwnerID: job.OwnerID, Type: job.Type, InputJSON: input})
	}
	if _, _, err := st.BulkInsertItems(ctx, items); err != nil {
		t.Fatalf("BulkInsertItems: %v", err)
	}
	_ = st.SetJobTotal(ctx, job.ID, n)
	return job
}

func hitEverything(fake *provider.FakeSearchProvider) {
	fake.Default = provider.FakeResponse{Candidates: []provider.Candidate{
		{Title: "acme widget", Host: "walmart.com", URL: "https://walmart.com/ip/widget/11", Price: 25, Source: "serp"},
	}}
}

// fastAvg 压低单件耗时估计，让一个 slice 能认领全部测试 item
func fastAvg(r *Runner) {
	r.mu.Lock()
	r.avgItemMs = 10
	r.mu.Unlock()
}

func TestRunSlice_CompletesJob(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	fake := provider.NewFakeSearchProvider("serp")
	hitEverything(fake)
	r := newRunner(t, st, fake)
	fastAvg(r)
	job := seedJobItems(t, st, 5)

	report, err := r.RunSlice(ctx, job.ID, 5000)
	if err != nil {
		t.Fatalf("RunSlice: %v", err)
	}
	if report.Claimed != 5 || report.Completed != 5 || report.Failed != 0 {
		t.Errorf("report: %+v", report)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.QueueState != store.StateDone {
		t.Errorf("job state = %s, want DONE", got.QueueState)
	}
	if got.ProcessedItems != 5 {
		t.Errorf("processed_items = %d", got.ProcessedItems)
	}
}

func TestRunSlice_FlipsQueuedToRunning(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	fake := provider.NewFakeSearchProvider("serp") // 0 结果 → no-match 重试路径
	r := newRunner(t, st, fake)
	job := seedJobItems(t, st, 2)

	if _, err := r.RunSlice(ctx, job.ID, 5000); err != nil {
		t.Fatalf("RunSlice: %v", err)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.QueueState != store.StateRunning {
		t.Errorf("job state = %s, want RUNNING (items still pending)", got.QueueState)
	}
}

func TestRunSlice_TransientErrorsRetryThenError(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	fake := provider.NewFakeSearchProvider("serp")
	fake.Default = provider.FakeResponse{Err: errors.New(errors.KindUpstream5xx, "bad gateway")}
	r := newRunner(t, st, fake)
	job := seedJobItems(t, st, 1)

	// max_attempts_error=3：前两片放回 PENDING，第三片落 ERROR
	for i := 0; i < 3; i++ {
		if _, err := r.RunSlice(ctx, job.ID, 5000); err != nil {
			t.Fatalf("slice %d: %v", i, err)
		}
	}
	page, _, _ := st.ListItems(ctx, store.ItemFilter{JobID: job.ID}, nil, 10)
	if len(page) != 1 || page[0].Status != store.ItemError {
		t.Fatalf("items: %+v", page)
	}
	if page[0].Attempts != 3 {
		t.Errorf("attempts = %d, want 3", page[0].Attempts)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.QueueState != store.StateDone {
		t.Errorf("job with only terminal items should converge DONE, got %s", got.QueueState)
	}
	if got.FailedItems != 1 {
		t.Errorf("failed_items = %d", got.FailedItems)
	}
}

func TestRunSlice_NoMatchBroadensThenNotFound(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	fake := provider.NewFakeSearchProvider("serp") // 永远 0 候选
	r := newRunner(t, st, fake)
	job := seedJobItems(t, st, 1)

	// max_attempts_not_found=2：第一片广化重试，第二片 NOT_FOUND
	for i := 0; i < 2; i++ {
		if _, err := r.RunSlice(ctx, job.ID, 5000); err != nil {
			t.Fatalf("slice %d: %v", i, err)
		}
	}
	page, _, _ := st.ListItems(ctx, store.ItemFilter{JobID: job.ID}, nil, 10)
	if len(page) != 1 || page[0].Status != store.ItemNotFound {
		t.Fatalf("items: %+v", page)
	}
	item, _ := st.GetItem(ctx, page[0].ID)
	var res pricing.Result
	if err := json.Unmarshal(item.ResultJSON, &res); err != nil {
		t.Fatalf("result_json: %v", err)
	}
	if res.MatchQuality != "none" || res.Price != nil {
		t.Errorf("NOT_FOUND result: %+v", res)
	}
	// 广化层级应已持久化
	var n pricing.Normalized
	_ = json.Unmarshal(item.NormalizedJSON, &n)
	if n.QueryStrategy == 0 {
		t.Error("query_strategy should have been broadened and persisted")
	}
}

func TestRunSlice_StaleCheckpointDiscarded(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	fake := provider.NewFakeSearchProvider("serp")
	hitEverything(fake)
	r := newRunner(t, st, fake)
	job := seedJobItems(t, st, 1)
	_ = st.UpdateJobState(ctx, job.ID, store.StateRunning, "")

	// 另一个 worker 先把锁抢走再由本 runner checkpoint → stale
	claimed, _ := st.ClaimItems(ctx, "thief", 1, time.Minute, store.ItemFilter{JobID: job.ID})
	if len(claimed) != 1 {
		t.Fatal("setup claim failed")
	}
	report, err := r.RunSlice(ctx, job.ID, 5000)
	if err != nil {
		t.Fatalf("RunSlice: %v", err)
	}
	// 本 runner 无可认领行：不推进也不报错
	if report.Claimed != 0 || report.Completed != 0 {
		t.Errorf("report: %+v", report)
	}
	item, _ := st.GetItem(ctx, claimed[0].ID)
	if item.LockedBy != "thief" {
		t.Errorf("lock should still belong to thief, got %q", item.LockedBy)
	}
}

func TestRunSlice_DoubleKickoffNoDoubleProcess(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	fake := provider.NewFakeSearchProvider("serp")
	hitEverything(fake)
	r1 := newRunner(t, st, fake)
	r2 := newRunner(t, st, fake)
	fastAvg(r1)
	fastAvg(r2)
	job := seedJobItems(t, st, 10)

	done := make(chan *Report, 2)
	for _, r := range []*Runner{r1, r2} {
		go func(r *Runner) {
			rep, err := r.RunSlice(ctx, job.ID, 5000)
			if err != nil {
				t.Errorf("RunSlice: %v", err)
				done <- &Report{}
				return
			}
			done <- rep
		}(r)
	}
	a, b := <-done, <-done
	if a.Completed+b.Completed != 10 {
		t.Errorf("exactly 10 completions expected, got %d+%d", a.Completed, b.Completed)
	}
	hist, _ := st.CountItemStatuses(ctx, job.ID)
	if hist[store.ItemDone] != 10 {
		t.Errorf("histogram: %+v", hist)
	}
}

func TestRunSlice_FleetSliceConvergesJobs(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	fake := provider.NewFakeSearchProvider("serp")
	hitEverything(fake)
	r := newRunner(t, st, fake)
	fastAvg(r)
	jobA := seedJobItems(t, st, 3)
	jobB := seedJobItems(t, st, 2)

	// 守护进程路径：jobID 为空的跨 Job 认领也必须翻转并收敛 Job 状态
	report, err := r.RunSlice(ctx, "", 5000)
	if err != nil {
		t.Fatalf("RunSlice: %v", err)
	}
	if report.Completed != 5 {
		t.Fatalf("completed = %d, want 5 (report %+v)", report.Completed, report)
	}
	for _, job := range []*store.Job{jobA, jobB} {
		got, _ := st.GetJob(ctx, job.ID)
		if got.QueueState != store.StateDone {
			t.Errorf("job %s state = %s, want DONE", job.ID, got.QueueState)
		}
		if got.ProcessedItems != got.TotalItems {
			t.Errorf("job %s processed = %d, total = %d", job.ID, got.ProcessedItems, got.TotalItems)
		}
	}
}

func TestRunSlice_PausedJobMakesNoProgress(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	fake := provider.NewFakeSearchProvider("serp")
	hitEverything(fake)
	r := newRunner(t, st, fake)
	job := seedJobItems(t, st, 3)
	_ = st.UpdateJobState(ctx, job.ID, store.StateRunning, "")
	_ = st.UpdateJobState(ctx, job.ID, store.StatePaused, "")

	report, err := r.RunSlice(ctx, job.ID, 5000)
	if err != nil {
		t.Fatalf("RunSlice: %v", err)
	}
	if report.Claimed != 0 {
		t.Errorf("paused job must yield no claims, got %d", report.Claimed)
	}
}

func TestRunSlice_EmptyJobConvergesDone(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	fake := provider.NewFakeSearchProvider("serp")
	r := newRunner(t, st, fake)
	job := seedJobItems(t, st, 0)

	if _, err := r.RunSlice(ctx, job.ID, 5000); err != nil {
		t.Fatalf("RunSlice: %v", err)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.QueueState != store.StateDone {
		t.Errorf("empty job should converge DONE, got %s", got.QueueState)
	}
}

func TestClaimSizeAndLockTTLBounds(t *testing.T) {
	st := store.NewMemoryStore()
	fake := provider.NewFakeSearchProvider("serp")
	r := newRunner(t, st, fake)

	// avg 1000ms、slice 5000ms、safety 0.7 → 3
	if got := r.claimSize(5000); got != 3 {
		t.Errorf("claimSize = %d, want 3", got)
	}
	// 极快的 item 也不得超过 claim_max
	r.mu.Lock()
	r.avgItemMs = 0.5
	r.mu.Unlock()
	if got := r.claimSize(5000); got != workerCfg().ClaimMax {
		t.Errorf("claimSize = %d, want cap %d", got, workerCfg().ClaimMax)
	}
	// 锁 TTL 下界
	if got := r.lockTTL(); got != time.Duration(workerCfg().LockFloorMs)*time.Millisecond {
		t.Errorf("lockTTL = %v, want floor", got)
	}
	// 极慢的 item 锁 TTL 上界
	r.mu.Lock()
	r.avgItemMs = 10 * 60 * 1000
	r.mu.Unlock()
	if got := r.lockTTL(); got != time.Duration(workerCfg().LockCapMs)*time.Millisecond {
		t.Errorf("lockTTL = %v, want cap", got)
	}
}
