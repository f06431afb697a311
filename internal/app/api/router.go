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
	"github.com/cloudwego/hertz/pkg/app/server"
	hertzconfig "github.com/cloudwego/hertz/pkg/common/config"
	"github.com/hertz-contrib/jwt"
)

// Router 路由装配；jwtAuth 为 nil 时走 DevIdentityMiddleware
type Router struct {
	handler *Handler
	jwtAuth *jwt.HertzJWTMiddleware
}

// NewRouter 创建 Router
func NewRouter(handler *Handler) *Router {
	return &Router{handler: handler}
}

// SetJWT 启用 JWT 认证
func (r *Router) SetJWT(mw *jwt.HertzJWTMiddleware) {
	r.jwtAuth = mw
}

// Build 构建 Hertz 实例并挂载全部路由
func (r *Router) Build(addr string, opts ...hertzconfig.Option) *server.Hertz {
	opts = append(opts, server.WithHostPorts(addr))
	h := server.Default(opts...)

	h.GET("/health", r.handler.Health)
	h.GET("/metrics", r.handler.Metrics)

	api := h.Group("/api")
	if r.jwtAuth != nil {
		api.POST("/auth/login", r.jwtAuth.LoginHandler)
		api.GET("/auth/refresh", r.jwtAuth.RefreshHandler)
		api.Use(r.jwtAuth.MiddlewareFunc(), IdentityMiddleware())
	} else {
		api.Use(DevIdentityMiddleware())
	}

	jobs := api.Group("/jobs")
	{
		jobs.POST("", r.handler.CreateJob)
		jobs.GET("", r.handler.ListJobs)
		jobs.GET("/:id", r.handler.GetJob)
		jobs.GET("/:id/items", r.handler.ListItems)
		jobs.POST("/:id/kickoff", r.handler.Kickoff)
		jobs.POST("/:id/pause", r.handler.Pause)
		jobs.POST("/:id/resume", r.handler.Resume)
		jobs.POST("/:id/reprocess", r.handler.Reprocess)
		jobs.GET("/:id/export", r.handler.Export)
	}

	items := api.Group("/items")
	{
		items.GET("", r.handler.ListPending)
		items.GET("/:id", r.handler.GetItem)
	}

	return h
}
