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

package auth

import (
	"context"
)

type contextKey string

const (
	ownerIDKey contextKey = "auth.owner_id"
	roleKey    contextKey = "auth.role"
)

// Role 主体角色
type Role string

const (
	// RoleUser 普通用户：只能访问自己 owner_id 下的 Job
	RoleUser Role = "user"
	// RoleAdmin 管理员：可传 owner=any 访问全量
	RoleAdmin Role = "admin"
)

// WithOwnerID 将 owner_id 注入 context
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

// GetOwnerID 从 context 获取 owner_id
func GetOwnerID(ctx context.Context) string {
	if v, ok := ctx.Value(ownerIDKey).(string); ok {
		return v
	}
	return ""
}

// WithRole 将 role 注入 context
func WithRole(ctx context.Context, role Role) context.Context {
	return context.WithValue(ctx, roleKey, role)
}

// GetRole 从 context 获取 role
func GetRole(ctx context.Context) Role {
	if v, ok := ctx.Value(roleKey).(Role); ok {
		return v
	}
	return RoleUser // 默认 user 角色
}

// IsAdmin 判断当前主体是否管理员
func IsAdmin(ctx context.Context) bool {
	return GetRole(ctx) == RoleAdmin
}
