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
	"sync"
)

// FakeResponse 脚本化的一次 Search 返回
type FakeResponse struct {
	Candidates []Candidate
	Err        error
}

// FakeSearchProvider 脚本化 Provider：按查询返回预置响应，记录调用序列。
// 定价状态机与 Worker 的测试共用
type FakeSearchProvider struct {
	mu        sync.Mutex
	name      string
	byQuery   map[string][]FakeResponse
	hits      map[string]int
	Default   FakeResponse
	CallLog   []string
}

// NewFakeSearchProvider 创建脚本化 Provider
func NewFakeSearchProvider(name string) *FakeSearchProvider {
	return &FakeSearchProvider{
		name:    name,
		byQuery: make(map[string][]FakeResponse),
		hits:    make(map[string]int),
	}
}

// Name 实现 SearchProvider
func (f *FakeSearchProvider) Name() string { return f.name }

// Script 为指定查询追加一次响应；同一查询多次调用按脚本顺序消费，耗尽后复用最后一条
func (f *FakeSearchProvider) Script(query string, resp FakeResponse) *FakeSearchProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byQuery[query] = append(f.byQuery[query], resp)
	return f
}

// Search 实现 SearchProvider
func (f *FakeSearchProvider) Search(ctx context.Context, query string, tier TimeoutTier) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CallLog = append(f.CallLog, query)
	script, ok := f.byQuery[query]
	if !ok {
		return f.Default.Candidates, f.Default.Err
	}
	i := f.hits[query]
	if i >= len(script) {
		i = len(script) - 1
	}
	f.hits[query]++
	return script[i].Candidates, script[i].Err
}

// Calls 返回调用过的查询序列副本
func (f *FakeSearchProvider) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.CallLog))
	copy(out, f.CallLog)
	return out
}
