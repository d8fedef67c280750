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

package http

import (
	"github.com/cloudwego/hertz/pkg/app/server"
)

// Register 在 hertz server 上挂全部路由；中间件顺序：请求 id → 租户 → 限流 → 访问日志
func (h *Handler) Register(srv *server.Hertz, rps int) {
	srv.Use(
		RequestIDMiddleware(),
		TenantMiddleware(),
		RateLimitMiddleware(rps),
		AccessLogMiddleware(),
	)

	api := srv.Group("/api")

	api.GET("/health", h.Health)
	api.GET("/metrics", h.Metrics)
	api.GET("/events", h.Events)

	jobs := api.Group("/jobs")
	{
		jobs.POST("", h.SubmitJob)
		jobs.GET("", h.ListJobs)
		jobs.POST("/claim", h.ClaimJobs)
		jobs.GET("/:id", h.GetJob)
		jobs.GET("/:id/audit", h.AuditLog)
		jobs.POST("/:id/cancel", h.CancelJob)
		jobs.POST("/:id/extend", h.ExtendLease)
		jobs.POST("/:id/complete", h.CompleteJob)
		jobs.POST("/:id/fail", h.FailJob)
	}

	robots := api.Group("/robots")
	{
		robots.POST("", h.RegisterRobot)
		robots.GET("", h.ListRobots)
		robots.GET("/:id", h.GetRobot)
		robots.POST("/:id/heartbeat", h.Heartbeat)
		robots.DELETE("/:id", h.DeregisterRobot)
	}
}
