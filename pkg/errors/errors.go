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

package errors

import (
	"errors"
	"fmt"
)

// Kind 错误类别（按重试语义分类，而非异常类型）
type Kind string

const (
	// KindInput 输入错误（行格式非法、必填描述字段缺失）；终态，不重试
	KindInput Kind = "input"
	// KindTimeout 外部调用超时；瞬态，可退避重试
	KindTimeout Kind = "timeout"
	// KindRateLimited 上游限流（429）；按 Provider 冷却时间后重试
	KindRateLimited Kind = "rate_limited"
	// KindUpstream5xx 上游服务端错误；瞬态，可退避重试
	KindUpstream5xx Kind = "upstream_5xx"
	// KindUpstream4xx 上游客户端错误（非 429）；不重试，可换下一查询策略
	KindUpstream4xx Kind = "upstream_4xx"
	// KindParse 上游响应解析失败；按瞬态处理
	KindParse Kind = "parse_error"
	// KindNoMatch 有结果但无候选通过阈值/来源策略；可广化查询后有限重试
	KindNoMatch Kind = "no_match"
	// KindStaleLock 锁已被抢占，checkpoint 被拒绝；非错误，丢弃结果即可
	KindStaleLock Kind = "lock_stale"
	// KindSystem 系统错误（DB 连接、适配器初始化）；上抛给 Worker，可中止 slice
	KindSystem Kind = "system"
)

// PipelineError 携带 Kind 的管线错误；Worker 与重试控制器据此决定策略
type PipelineError struct {
	Kind Kind
	Err  error
}

// Error 实现 error
func (e *PipelineError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap 支持 errors.Is/As
func (e *PipelineError) Unwrap() error { return e.Err }

// New 创建携带 Kind 的错误
func New(kind Kind, msg string) error {
	return &PipelineError{Kind: kind, Err: errors.New(msg)}
}

// Newf 带格式的 New
func Newf(kind Kind, format string, args ...interface{}) error {
	return &PipelineError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WithKind 为已有错误附加 Kind；err 为 nil 时返回 nil
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &PipelineError{Kind: kind, Err: err}
}

// KindOf 提取错误的 Kind；非 PipelineError 视为 system
func KindOf(err error) Kind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindSystem
}

// IsTransient 判断是否属于可退避重试的瞬态错误（timeout / 5xx / parse / system）
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindUpstream5xx, KindParse, KindSystem:
		return true
	}
	return false
}

// IsTerminal 判断是否终态错误（input / 非 429 的 4xx）
func IsTerminal(err error) bool {
	switch KindOf(err) {
	case KindInput, KindUpstream4xx:
		return true
	}
	return false
}

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
