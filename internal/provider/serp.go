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

package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"pricing-platform/pkg/config"
	"pricing-platform/pkg/errors"
)

// SerpProvider 通用 SERP 风格购物搜索适配器；
// 超时按档位在请求级 context 上生效，不使用 resty 内建重试（重试由上层策略统一调度）
type SerpProvider struct {
	name       string
	apiKey     string
	baseURL    string
	maxResults int
	timeouts   tierTimeout
	client     *resty.Client
}

// NewSerpProvider 依据配置创建搜索 Provider
func NewSerpProvider(name string, cfg config.SearchProviderConfig) *SerpProvider {
	client := resty.New()
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 10
	}
	ms := func(v, def int) time.Duration {
		if v <= 0 {
			v = def
		}
		return time.Duration(v) * time.Millisecond
	}
	return &SerpProvider{
		name:       name,
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		maxResults: maxResults,
		timeouts: tierTimeout{
			fast:   ms(cfg.TimeoutFastMs, 3000),
			medium: ms(cfg.TimeoutMediumMs, 8000),
			slow:   ms(cfg.TimeoutSlowMs, 20000),
		},
		client: client,
	}
}

// Name 实现 SearchProvider
func (p *SerpProvider) Name() string { return p.name }

type serpResult struct {
	ShoppingResults []struct {
		Title          string  `json:"title"`
		Link           string  `json:"link"`
		Snippet        string  `json:"snippet"`
		ExtractedPrice float64 `json:"extracted_price"`
		Currency       string  `json:"currency"`
		Source         string  `json:"source"`
	} `json:"shopping_results"`
	OrganicResults []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic_results"`
}

// Search 实现 SearchProvider
func (p *SerpProvider) Search(ctx context.Context, query string, tier TimeoutTier) ([]Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeouts.pick(tier))
	defer cancel()

	response, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"q":       query,
			"api_key": p.apiKey,
			"num":     "20",
		}).
		Get(p.baseURL + "/search")
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Newf(errors.KindTimeout, "search %q timed out (%s tier)", query, tier)
		}
		return nil, errors.WithKind(errors.KindSystem, errors.Wrapf(err, "provider %s unreachable", p.name))
	}

	switch {
	case response.StatusCode() == http.StatusTooManyRequests:
		return nil, errors.Newf(errors.KindRateLimited, "provider %s rate limited", p.name)
	case response.StatusCode() >= 500:
		return nil, errors.Newf(errors.KindUpstream5xx, "provider %s returned %d", p.name, response.StatusCode())
	case response.StatusCode() >= 400:
		return nil, errors.Newf(errors.KindUpstream4xx, "provider %s rejected request: %d", p.name, response.StatusCode())
	}

	var result serpResult
	if err := json.Unmarshal(response.Body(), &result); err != nil {
		return nil, errors.WithKind(errors.KindParse, errors.Wrapf(err, "provider %s response unparsable", p.name))
	}

	candidates := make([]Candidate, 0, p.maxResults)
	for _, r := range result.ShoppingResults {
		if len(candidates) >= p.maxResults {
			break
		}
		candidates = append(candidates, Candidate{
			Title:    r.Title,
			URL:      r.Link,
			Host:     hostOf(r.Link),
			Snippet:  r.Snippet,
			Price:    r.ExtractedPrice,
			Currency: r.Currency,
			// 上游标注的零售商名；来源策略与结果标注都依赖它
			Source: r.Source,
		})
	}
	for _, r := range result.OrganicResults {
		if len(candidates) >= p.maxResults {
			break
		}
		candidates = append(candidates, Candidate{
			Title:   r.Title,
			URL:     r.Link,
			Host:    hostOf(r.Link),
			Snippet: r.Snippet,
		})
	}
	return candidates, nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
