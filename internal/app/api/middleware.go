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

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/hertz-contrib/jwt"

	"pricing-platform/pkg/auth"
)

const (
	identityOwnerKey = "owner_id"
	identityRoleKey  = "role"
)

type loginRequest struct {
	OwnerID string `json:"owner_id"`
	Role    string `json:"role"`
}

// NewJWTAuth 构造 JWT 中间件。
// 令牌签发位于内网边界之内，login 只做声明格式校验；
// 校验后的身份经 IdentityMiddleware 转入请求 context
func NewJWTAuth(key []byte, timeout, maxRefresh time.Duration) (*jwt.HertzJWTMiddleware, error) {
	return jwt.New(&jwt.HertzJWTMiddleware{
		Realm:       "pricing-platform",
		Key:         key,
		Timeout:     timeout,
		MaxRefresh:  maxRefresh,
		IdentityKey: identityOwnerKey,
		PayloadFunc: func(data interface{}) jwt.MapClaims {
			if req, ok := data.(*loginRequest); ok {
				return jwt.MapClaims{
					identityOwnerKey: req.OwnerID,
					identityRoleKey:  req.Role,
				}
			}
			return jwt.MapClaims{}
		},
		Authenticator: func(ctx context.Context, c *app.RequestContext) (interface{}, error) {
			var req loginRequest
			if err := c.BindJSON(&req); err != nil {
				return nil, jwt.ErrMissingLoginValues
			}
			if req.OwnerID == "" {
				return nil, jwt.ErrMissingLoginValues
			}
			if req.Role != string(auth.RoleAdmin) {
				req.Role = string(auth.RoleUser)
			}
			return &req, nil
		},
		Unauthorized: func(ctx context.Context, c *app.RequestContext, code int, message string) {
			c.JSON(code, map[string]string{"error": message})
		},
		TokenLookup:   "header: Authorization",
		TokenHeadName: "Bearer",
	})
}

// IdentityMiddleware 把 JWT 声明转入 context，后续 handler 统一走 pkg/auth 读取
func IdentityMiddleware() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		claims := jwt.ExtractClaims(ctx, c)
		owner, _ := claims[identityOwnerKey].(string)
		role, _ := claims[identityRoleKey].(string)
		if owner == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, map[string]string{"error": "token lacks owner identity"})
			return
		}
		ctx = auth.WithOwnerID(ctx, owner)
		ctx = auth.WithRole(ctx, auth.Role(role))
		c.Next(ctx)
	}
}

// DevIdentityMiddleware 鉴权关闭时的身份来源：请求头直读。
// 仅用于本地与测试环境
func DevIdentityMiddleware() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		owner := string(c.GetHeader("X-Owner-ID"))
		if owner == "" {
			owner = "local"
		}
		ctx = auth.WithOwnerID(ctx, owner)
		if string(c.GetHeader("X-Role")) == string(auth.RoleAdmin) {
			ctx = auth.WithRole(ctx, auth.RoleAdmin)
		}
		c.Next(ctx)
	}
}
