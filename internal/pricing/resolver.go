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

package pricing

import (
	"context"
	"encoding/json"
	"time"

	"pricing-platform/internal/audit"
	"pricing-platform/internal/cache"
	"pricing-platform/internal/control"
	"pricing-platform/internal/provider"
	"pricing-platform/internal/store"
	"pricing-platform/pkg/errors"
	"pricing-platform/pkg/log"
	"pricing-platform/pkg/metrics"
)

// Result result_json 的规范形状；导出原样输出，绝不重算
type Result struct {
	Price        *float64 `json:"price"`
	Currency     string   `json:"currency"`
	Source       string   `json:"source"` // 零售商名，非 host
	URL          *string  `json:"url"`
	Category     string   `json:"category,omitempty"`
	Subcategory  string   `json:"subcategory,omitempty"`
	MatchQuality string   `json:"match_quality"` // verified | trusted | estimated | none
	IsEstimated  bool     `json:"is_estimated"`
}

// Outcome 一次解析的产物；Err 非 nil 时 Status 无意义，
// 由 Worker 按重试策略决定 ERROR / 重做 / NOT_FOUND
type Outcome struct {
	Status         store.ItemStatus
	ResultJSON     []byte
	NormalizedJSON []byte
	Err            error
}

// Resolver 单 item 定价状态机：normalize → query → fan-out → score → select → label。
// 自身边界内永不 panic 上抛；每条路径都产出终态标签或带 Kind 的错误
type Resolver struct {
	providers []provider.SearchProvider // 有序，优先者在前
	extractor provider.DescriptorExtractor
	cache     cache.ResultCache
	limiter   *control.ProviderLimiter
	policy    *SourcePolicy
	minScore  float64
	audit     audit.Recorder
	logger    *log.Logger
}

// NewResolver 组装状态机
func NewResolver(
	providers []provider.SearchProvider,
	extractor provider.DescriptorExtractor,
	resultCache cache.ResultCache,
	limiter *control.ProviderLimiter,
	policy *SourcePolicy,
	minScore float64,
	recorder audit.Recorder,
	logger *log.Logger,
) *Resolver {
	if minScore <= 0 {
		minScore = 0.35
	}
	return &Resolver{
		providers: providers,
		extractor: extractor,
		cache:     resultCache,
		limiter:   limiter,
		policy:    policy,
		minScore:  minScore,
		audit:     recorder,
		logger:    logger,
	}
}

// Resolve 处理一个已认领 item；ctx 携带该 item 的截止时间
func (r *Resolver) Resolve(ctx context.Context, item *store.JobItem) *Outcome {
	n, err := r.normalized(ctx, item)
	if err != nil {
		return &Outcome{Err: err}
	}
	normJSON, _ := json.Marshal(n)

	winner, sawResults, callErr := r.fanOut(ctx, item.ID, n)
	if winner != nil {
		res := r.labelWinner(n, *winner)
		resJSON, _ := json.Marshal(res)
		return &Outcome{Status: store.ItemDone, ResultJSON: resJSON, NormalizedJSON: normJSON}
	}

	// 纯错误（连一个结果页都没拿到）→ 交给重试策略
	if !sawResults && callErr != nil {
		return &Outcome{NormalizedJSON: normJSON, Err: callErr}
	}

	// 品类兜底：有品类但无可用候选
	if price, ok := baselinePrice(n.Category); ok {
		res := Result{
			Price:        &price,
			Currency:     "USD",
			Source:       "category-baseline",
			Category:     n.Category,
			MatchQuality: "estimated",
			IsEstimated:  true,
		}
		resJSON, _ := json.Marshal(res)
		return &Outcome{Status: store.ItemDone, ResultJSON: resJSON, NormalizedJSON: normJSON}
	}

	// 无匹配：广化层级持久化进 normalized_json，重做时从下一层级续跑
	if n.QueryStrategy < MaxStrategy {
		n.QueryStrategy++
		normJSON, _ = json.Marshal(n)
	}
	return &Outcome{
		NormalizedJSON: normJSON,
		Err:            errors.New(errors.KindNoMatch, "no candidate cleared threshold or source policy"),
	}
}

// normalized 取规范化描述：reprocess 路径复用已持久化的 normalized_json
// （含广化层级），否则现场规范化；IMAGE item 先走描述抽取
func (r *Resolver) normalized(ctx context.Context, item *store.JobItem) (*Normalized, error) {
	if len(item.NormalizedJSON) > 0 {
		var n Normalized
		if err := json.Unmarshal(item.NormalizedJSON, &n); err == nil && n.Title != "" {
			return &n, nil
		}
	}
	var desc *provider.Descriptor
	if item.Type == store.JobTypeImage {
		in, err := parseRawInput(item.InputJSON)
		if err != nil {
			return nil, err
		}
		if in.ImageRef == "" {
			return nil, errors.New(errors.KindInput, "image item has no image_ref")
		}
		desc, err = r.extractor.ExtractDescriptor(ctx, in.ImageRef, in.Description)
		if err != nil {
			return nil, err
		}
	}
	return Normalize(item.InputJSON, desc)
}

// fanOut 逐查询、逐 Provider 搜索；在第一个产出可用候选的查询处停止。
// 返回 (胜出候选, 是否拿到过结果页, 最后一次调用错误)
func (r *Resolver) fanOut(ctx context.Context, itemID string, n *Normalized) (*scored, bool, error) {
	var lastErr error
	sawResults := false
	for _, q := range BuildQueries(n) {
		for _, p := range r.providers {
			if err := ctx.Err(); err != nil {
				if lastErr == nil {
					lastErr = errors.WithKind(errors.KindTimeout, err)
				}
				return nil, sawResults, lastErr
			}
			candidates, err := r.searchOnce(ctx, itemID, p, q)
			if err != nil {
				lastErr = err
				continue
			}
			if len(candidates) > 0 {
				sawResults = true
			}
			ranked := rankCandidates(n, candidates, r.policy, r.minScore)
			for i := range ranked {
				if ranked[i].Price > 0 {
					return &ranked[i], sawResults, nil
				}
			}
		}
	}
	return nil, sawResults, lastErr
}

// searchOnce 一次 Provider 调用：限流、缓存、审计一应俱全
func (r *Resolver) searchOnce(ctx context.Context, itemID string, p provider.SearchProvider, q Query) ([]provider.Candidate, error) {
	if cached, ok := r.cache.Get(ctx, p.Name(), q.Text); ok {
		return cached, nil
	}
	if err := r.limiter.Wait(ctx, p.Name()); err != nil {
		return nil, errors.WithKind(errors.KindTimeout, err)
	}
	defer r.limiter.Release(p.Name())

	start := time.Now()
	candidates, err := p.Search(ctx, q.Text, q.Tier)
	elapsed := time.Since(start)

	ev := &store.SearchEvent{
		JobItemID:   itemID,
		Provider:    p.Name(),
		Query:       q.Text,
		StartedAt:   start.UTC(),
		FinishedAt:  start.Add(elapsed).UTC(),
		LatencyMs:   int(elapsed.Milliseconds()),
		ResultCount: len(candidates),
	}
	metrics.ProviderDuration.WithLabelValues(p.Name()).Observe(elapsed.Seconds())
	switch {
	case err != nil:
		kind := errors.KindOf(err)
		ev.ErrorKind = string(kind)
		if kind == errors.KindTimeout {
			ev.Outcome = store.OutcomeTimeout
		} else {
			ev.Outcome = store.OutcomeError
		}
		if kind == errors.KindRateLimited {
			r.limiter.Cooldown(p.Name(), 5*time.Second)
		}
		metrics.ProviderTotal.WithLabelValues(p.Name(), string(ev.Outcome)).Inc()
		r.audit.Record(ev)
		return nil, err
	case len(candidates) == 0:
		ev.Outcome = store.OutcomeMiss
	default:
		ev.Outcome = store.OutcomeHit
		ev.ChosenURL = candidates[0].URL
	}
	metrics.ProviderTotal.WithLabelValues(p.Name(), string(ev.Outcome)).Inc()
	r.audit.Record(ev)
	r.cache.Set(ctx, p.Name(), q.Text, candidates)
	return candidates, nil
}

// labelWinner 按直达 URL 与来源可信度赋 match_quality
func (r *Resolver) labelWinner(n *Normalized, w scored) Result {
	price := w.Price
	res := Result{
		Price:       &price,
		Currency:    currencyOr(w.Currency),
		Source:      RetailerName(w.Candidate),
		Category:    n.Category,
		IsEstimated: false,
	}
	// 过滤阶段已剔除不可信来源，此处只区分直达与否
	if w.Direct {
		res.MatchQuality = "verified"
	} else {
		res.MatchQuality = "trusted"
	}
	if w.URL != "" {
		url := w.URL
		res.URL = &url
	}
	return res
}

func currencyOr(c string) string {
	if c == "" {
		return "USD"
	}
	return c
}

// NoMatchResult NOT_FOUND 终态的 result_json；广化重试耗尽后由 Worker 写入
func NoMatchResult(category string) []byte {
	raw, _ := json.Marshal(Result{
		Currency:     "USD",
		Category:     category,
		MatchQuality: "none",
		IsEstimated:  false,
	})
	return raw
}
