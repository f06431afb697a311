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
	"sort"
	"strings"

	"pricing-platform/internal/provider"
)

// 评分权重；加权和落在 [0,1] 附近，阈值由 policy.min_score 配置
const (
	weightTitleOverlap  = 0.45
	weightBrandBonus    = 0.20
	weightModelBonus    = 0.15
	weightAttrOverlap   = 0.10
	weightDirectURL     = 0.10
)

// scored 候选及其得分与排序特征
type scored struct {
	provider.Candidate
	Score    float64
	Direct   bool
	TrustedS bool
}

// jaccard 词组 Jaccard 相似度
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[t] = true
	}
	inter := 0
	setB := make(map[string]bool, len(b))
	for _, t := range b {
		if setB[t] {
			continue
		}
		setB[t] = true
		if setA[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

// scoreCandidate 加权评分
func scoreCandidate(n *Normalized, c provider.Candidate, policy *SourcePolicy) scored {
	candTokens := tokenize(c.Title)
	s := scored{Candidate: c}
	s.Score = weightTitleOverlap * jaccard(tokenize(n.Title), candTokens)

	candText := strings.ToLower(c.Title + " " + c.Snippet)
	if n.Brand != "" && strings.Contains(candText, n.Brand) {
		s.Score += weightBrandBonus
	}
	if n.Model != "" && strings.Contains(strings.ToLower(candText), strings.ToLower(n.Model)) {
		s.Score += weightModelBonus
	}
	if len(n.Attributes) > 0 {
		s.Score += weightAttrOverlap * jaccard(n.Attributes, candTokens)
	}
	s.Direct = policy.DirectURL(c)
	if s.Direct {
		s.Score += weightDirectURL
	}
	s.TrustedS = policy.Trusted(c)
	return s
}

// rankCandidates 过滤、评分并排序：
// 来源不可信或低于阈值的候选剔除；直达 URL 桶整体排在目录页之前；
// 桶内低价优先（重置成本语义，不以接近 estimated_price 为序）
func rankCandidates(n *Normalized, candidates []provider.Candidate, policy *SourcePolicy, minScore float64) []scored {
	var kept []scored
	for _, c := range candidates {
		s := scoreCandidate(n, c, policy)
		if !s.TrustedS {
			continue
		}
		if s.Score < minScore {
			continue
		}
		kept = append(kept, s)
	}
	sort.SliceStable(kept, func(a, b int) bool {
		if kept[a].Direct != kept[b].Direct {
			return kept[a].Direct
		}
		pa, pb := kept[a].Price, kept[b].Price
		if pa > 0 && pb > 0 && pa != pb {
			return pa < pb
		}
		// 无价候选沉底
		if (pa > 0) != (pb > 0) {
			return pa > 0
		}
		return kept[a].Score > kept[b].Score
	})
	return kept
}
