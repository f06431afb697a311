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

package store

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"
)

// Cursor keyset 游标：(updated_at, id) 对，对调用方不透明。
// updated_at 统一为 UTC 纳秒，避免时区歧义。
type Cursor struct {
	UpdatedAt time.Time
	ID        string
}

// Encode 编码为不透明字符串
func (c *Cursor) Encode() string {
	if c == nil {
		return ""
	}
	raw := strconv.FormatInt(c.UpdatedAt.UTC().UnixNano(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor 解码游标；畸形输入返回 nil（从头开始），绝不让请求失败
func DecodeCursor(s string) *Cursor {
	if s == "" {
		return nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil
	}
	return &Cursor{UpdatedAt: time.Unix(0, nanos).UTC(), ID: parts[1]}
}

// after 判断 (updatedAt, id) 是否严格位于游标之后（keyset 比较子，与 ORDER BY 同序）
func (c *Cursor) after(updatedAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if updatedAt.After(c.UpdatedAt) {
		return true
	}
	if updatedAt.Equal(c.UpdatedAt) {
		return id > c.ID
	}
	return false
}
