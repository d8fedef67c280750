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
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// 租户与请求 id 的请求头；缺省租户 default，请求 id 缺省时生成并回显
const (
	HeaderTenantID  = "X-Tenant-ID"
	HeaderRequestID = "X-Request-ID"
)

const (
	ctxKeyTenant    = "orch.tenant"
	ctxKeyRequestID = "orch.request_id"
)

func tenantOf(ctx *app.RequestContext) string {
	if v, ok := ctx.Get(ctxKeyTenant); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return "default"
}

func requestIDOf(ctx *app.RequestContext) string {
	if v, ok := ctx.Get(ctxKeyRequestID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// TenantMiddleware 读 X-Tenant-ID；租户鉴权在边界之外，这里只透传标识
func TenantMiddleware() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		tenant := string(ctx.GetHeader(HeaderTenantID))
		if tenant == "" {
			tenant = "default"
		}
		ctx.Set(ctxKeyTenant, tenant)
		ctx.Next(c)
	}
}

// RequestIDMiddleware 缺省时生成请求 id，响应头回显，并注入后续发布的事件
func RequestIDMiddleware() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		rid := string(ctx.GetHeader(HeaderRequestID))
		if rid == "" {
			rid = uuid.New().String()
		}
		ctx.Set(ctxKeyRequestID, rid)
		ctx.Header(HeaderRequestID, rid)
		ctx.Next(c)
	}
}

// RateLimitMiddleware 全局令牌桶；超限返回 429。rps <=0 表示不限流
func RateLimitMiddleware(rps int) app.HandlerFunc {
	if rps <= 0 {
		return func(c context.Context, ctx *app.RequestContext) {
			ctx.Next(c)
		}
	}
	limiter := rate.NewLimiter(rate.Limit(rps), rps)
	return func(c context.Context, ctx *app.RequestContext) {
		if !limiter.Allow() {
			ctx.AbortWithStatusJSON(consts.StatusTooManyRequests, map[string]errorBody{
				"error": {Kind: "transient", Message: "请求过于频繁，请稍后再试"},
			})
			return
		}
		ctx.Next(c)
	}
}

// AccessLogMiddleware 请求日志（hlog，装配时已切到 slog 后端）
func AccessLogMiddleware() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		start := time.Now()
		ctx.Next(c)
		hlog.CtxInfof(c, "%s %s %d %s tenant=%s",
			string(ctx.Method()), string(ctx.Path()), ctx.Response.StatusCode(),
			time.Since(start), tenantOf(ctx))
	}
}
