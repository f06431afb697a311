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
	"sync"
)

// ErrorWindow 最近 N 次 item 处理结果的滑动窗口；
// Worker 据错误率收缩 claim 规模与并发（背压），恢复后逐步回升
type ErrorWindow struct {
	mu     sync.Mutex
	ring   []bool // true = 失败
	size   int
	next   int
	filled int
	fails  int
}

// NewErrorWindow 创建窗口；size<=0 取 50
func NewErrorWindow(size int) *ErrorWindow {
	if size <= 0 {
		size = 50
	}
	return &ErrorWindow{ring: make([]bool, size), size: size}
}

// Observe 记录一次结果
func (w *ErrorWindow) Observe(failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.filled == w.size {
		if w.ring[w.next] {
			w.fails--
		}
	} else {
		w.filled++
	}
	w.ring[w.next] = failed
	if failed {
		w.fails++
	}
	w.next = (w.next + 1) % w.size
}

// ErrorRate 当前窗口错误率；样本不足 10 时按健康处理返回 0
func (w *ErrorWindow) ErrorRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.filled < 10 {
		return 0
	}
	return float64(w.fails) / float64(w.filled)
}

// Scale 依据错误率返回 [0.25, 1.0] 的收缩系数：
// 错误率 <20% 不收缩，>60% 收缩到 1/4，中间线性过渡
func (w *ErrorWindow) Scale() float64 {
	r := w.ErrorRate()
	switch {
	case r <= 0.2:
		return 1.0
	case r >= 0.6:
		return 0.25
	default:
		return 1.0 - (r-0.2)/(0.6-0.2)*0.75
	}
}
