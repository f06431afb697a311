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
	"strings"

	"pricing-platform/internal/provider"
)

// Query 一次待执行的搜索
type Query struct {
	Text string
	Tier provider.TimeoutTier
}

// MaxStrategy 广化层级上限；QueryStrategy 超过后不再有更宽的查询
const MaxStrategy = 2

// BuildQueries 按广化层级生成有序查询列表，最具体者在前。
//
//	层级 0：brand+title+model → brand+title → brand+category → title
//	层级 1：去掉 model（型号常为 NOT_FOUND 根因）
//	层级 2：纯关键词
func BuildQueries(n *Normalized) []Query {
	var queries []Query
	add := func(tier provider.TimeoutTier, parts ...string) {
		var nonEmpty []string
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				nonEmpty = append(nonEmpty, p)
			}
		}
		if len(nonEmpty) == 0 {
			return
		}
		text := strings.Join(nonEmpty, " ")
		for _, q := range queries {
			if q.Text == text {
				return
			}
		}
		queries = append(queries, Query{Text: text, Tier: tier})
	}

	switch {
	case n.QueryStrategy <= 0:
		add(provider.TierFast, n.Brand, n.Title, n.Model)
		add(provider.TierFast, n.Brand, n.Title)
		add(provider.TierMedium, n.Brand, n.Category)
		add(provider.TierMedium, n.Title)
	case n.QueryStrategy == 1:
		add(provider.TierMedium, n.Brand, n.Title)
		add(provider.TierMedium, n.Title)
		add(provider.TierSlow, n.Brand, n.Category)
	default:
		add(provider.TierSlow, strings.Join(n.Keywords, " "))
		add(provider.TierSlow, n.Title)
	}
	return queries
}
