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

package control

import (
	"math/rand"
	"time"

	"pricing-platform/pkg/errors"
)

// Decision 单次失败后的处置
type Decision int

const (
	// DecisionRetry 放回 PENDING，attempts+1，下个 slice 重做
	DecisionRetry Decision = iota
	// DecisionRetryBroadened 放回 PENDING 并广化查询策略（NOT_FOUND 专用）
	DecisionRetryBroadened
	// DecisionFailTerminal 落 ERROR 终态
	DecisionFailTerminal
	// DecisionNotFound 落 NOT_FOUND 终态（广化重试耗尽）
	DecisionNotFound
)

// RetryPolicy 按错误类别与已尝试次数决定处置
type RetryPolicy struct {
	MaxAttemptsError    int           // 瞬态错误尝试上限
	MaxAttemptsNotFound int           // 无匹配广化重试上限
	BackoffBase         time.Duration // 瞬态错误退避基准
}

// NewRetryPolicy 创建策略；零值字段取缺省
func NewRetryPolicy(maxError, maxNotFound int, backoffBase time.Duration) *RetryPolicy {
	if maxError <= 0 {
		maxError = 5
	}
	if maxNotFound <= 0 {
		maxNotFound = 3
	}
	if backoffBase <= 0 {
		backoffBase = 200 * time.Millisecond
	}
	return &RetryPolicy{
		MaxAttemptsError:    maxError,
		MaxAttemptsNotFound: maxNotFound,
		BackoffBase:         backoffBase,
	}
}

// Decide 给出处置；attempts 为包含本次在内的累计尝试次数
func (p *RetryPolicy) Decide(err error, attempts int) Decision {
	kind := errors.KindOf(err)
	switch kind {
	case errors.KindInput, errors.KindUpstream4xx:
		return DecisionFailTerminal
	case errors.KindNoMatch:
		if attempts >= p.MaxAttemptsNotFound {
			return DecisionNotFound
		}
		return DecisionRetryBroadened
	case errors.KindRateLimited:
		// 限流不视为 item 的错——冷却后重做，但尝试数照常累计防饿死
		if attempts >= p.MaxAttemptsError {
			return DecisionFailTerminal
		}
		return DecisionRetry
	default:
		// timeout / 5xx / parse / system
		if attempts >= p.MaxAttemptsError {
			return DecisionFailTerminal
		}
		return DecisionRetry
	}
}

// Backoff 第 attempts 次失败后的退避时长：base*2^(attempts-1)，±20% 抖动，上限 30s
func (p *RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := p.BackoffBase << uint(attempts-1)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5+1)) - d/10
	return d + jitter
}
