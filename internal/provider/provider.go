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
	"time"
)

// TimeoutTier 搜索超时档位：同一 Provider 按查询策略选择不同档位
type TimeoutTier string

const (
	TierFast   TimeoutTier = "fast"
	TierMedium TimeoutTier = "medium"
	TierSlow   TimeoutTier = "slow"
)

// Candidate 一条搜索候选；Price 为 0 表示该候选未携带结构化价格
type Candidate struct {
	Title    string  `json:"title"`
	URL      string  `json:"url"`
	Host     string  `json:"host"`
	Snippet  string  `json:"snippet,omitempty"`
	Price    float64 `json:"price,omitempty"`
	Currency string  `json:"currency,omitempty"`
	Source   string  `json:"source"` // 上游标注的零售商名（可能为空）
}

// SearchProvider 外部商品搜索端口
type SearchProvider interface {
	// Name 返回 provider 标识（审计与限流键）
	Name() string
	// Search 执行一次查询；候选可为空切片（MISS）。
	// 错误统一经 pkg/errors 标注 Kind，供重试策略分类。
	Search(ctx context.Context, query string, tier TimeoutTier) ([]Candidate, error)
}

// Descriptor 从图像或自由文本抽取出的商品描述
type Descriptor struct {
	Title    string `json:"title"`
	Brand    string `json:"brand,omitempty"`
	Model    string `json:"model,omitempty"`
	Category string `json:"category,omitempty"`
	Color    string `json:"color,omitempty"`
	Size     string `json:"size,omitempty"`
}

// DescriptorExtractor 图像/文本 → 结构化描述 的抽取端口（多模态 LLM）
type DescriptorExtractor interface {
	ExtractDescriptor(ctx context.Context, imageRef, hint string) (*Descriptor, error)
}

// tierTimeout 档位到超时的映射
type tierTimeout struct {
	fast   time.Duration
	medium time.Duration
	slow   time.Duration
}

func (t tierTimeout) pick(tier TimeoutTier) time.Duration {
	switch tier {
	case TierFast:
		return t.fast
	case TierSlow:
		return t.slow
	default:
		return t.medium
	}
}
