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

// Package http 编排器的 HTTP 面：薄壳，只做绑定、租户/请求 id 透传、
// 错误 Kind → 状态码映射；所有语义在 queue / registry / dispatch 内。
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"rpa-platform/internal/bus"
	"rpa-platform/internal/dispatch"
	"rpa-platform/internal/queue"
	"rpa-platform/internal/registry"
	"rpa-platform/pkg/errors"
	"rpa-platform/pkg/metrics"
	"rpa-platform/pkg/tracing"
)

// DefaultVisibilityTimeout claim 未显式给出时的租约时长
const DefaultVisibilityTimeout = 120 * time.Second

// Handler 持有各组件；一次装配，处理函数只读
type Handler struct {
	dispatcher *dispatch.Dispatcher
	store      queue.Store
	registry   *registry.Registry
	bus        *bus.Bus

	visibilityTimeout time.Duration
}

// NewHandler visibilityTimeout <=0 时取默认 120s
func NewHandler(d *dispatch.Dispatcher, store queue.Store, reg *registry.Registry, b *bus.Bus, visibilityTimeout time.Duration) *Handler {
	if visibilityTimeout <= 0 {
		visibilityTimeout = DefaultVisibilityTimeout
	}
	return &Handler{
		dispatcher:        d,
		store:             store,
		registry:          reg,
		bus:               b,
		visibilityTimeout: visibilityTimeout,
	}
}

// 错误 Kind → HTTP 状态码；映射是对外契约，改动需同步 CLI 退出码
func statusOf(kind errors.Kind) int {
	switch kind {
	case errors.KindInvalidArgument:
		return consts.StatusBadRequest
	case errors.KindNotFound:
		return consts.StatusNotFound
	case errors.KindConflict, errors.KindStaleLease:
		return consts.StatusConflict
	case errors.KindPreconditionFailed:
		return consts.StatusPreconditionFailed
	case errors.KindPermanent:
		return consts.StatusUnprocessableEntity
	}
	return consts.StatusServiceUnavailable
}

type errorBody struct {
	Kind    errors.Kind `json:"kind"`
	Message string      `json:"message"`
}

func writeError(c context.Context, ctx *app.RequestContext, err error) {
	kind := errors.KindOf(err)
	if kind == errors.KindTransient {
		hlog.CtxErrorf(c, "请求处理失败: %v", err)
	}
	ctx.JSON(statusOf(kind), map[string]errorBody{
		"error": {Kind: kind, Message: err.Error()},
	})
}

func bindJSON(ctx *app.RequestContext, v any) error {
	body := ctx.Request.Body()
	if len(body) == 0 {
		return errors.E(errors.KindInvalidArgument, "请求体不能为空")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(v); err != nil {
		return errors.WrapKind(errors.KindInvalidArgument, err, "请求体不是合法 JSON")
	}
	return nil
}

// SubmitJob 提交工作流
// POST /api/jobs
func (h *Handler) SubmitJob(c context.Context, ctx *app.RequestContext) {
	var req dispatch.Request
	if err := bindJSON(ctx, &req); err != nil {
		writeError(c, ctx, err)
		return
	}
	req.TenantID = tenantOf(ctx)
	req.RequestID = requestIDOf(ctx)
	job, err := h.dispatcher.Dispatch(c, req)
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusCreated, job)
}

// GetJob 查询单个 job
// GET /api/jobs/:id
func (h *Handler) GetJob(c context.Context, ctx *app.RequestContext) {
	job, err := h.store.Get(c, ctx.Param("id"))
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, job)
}

// ListJobs 按条件查询
// GET /api/jobs?status=&environment=&robot_id=&workflow_id=&limit=&offset=
func (h *Handler) ListJobs(c context.Context, ctx *app.RequestContext) {
	filter := queue.ListFilter{
		TenantID:    tenantOf(ctx),
		Status:      queue.Status(ctx.Query("status")),
		Environment: ctx.Query("environment"),
		RobotID:     ctx.Query("robot_id"),
		WorkflowID:  ctx.Query("workflow_id"),
		Limit:       queryInt(ctx, "limit", 100),
		Offset:      queryInt(ctx, "offset", 0),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(c, ctx, errors.Ef(errors.KindInvalidArgument, "未知状态 %q", filter.Status))
		return
	}
	jobs, err := h.store.List(c, filter)
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	ctx.JSON(consts.StatusOK, map[string]any{"jobs": jobs})
}

// CancelJob 取消
// POST /api/jobs/:id/cancel
func (h *Handler) CancelJob(c context.Context, ctx *app.RequestContext) {
	if err := h.store.Cancel(c, ctx.Param("id")); err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{"status": "accepted"})
}

type claimRequest struct {
	RobotID                  string   `json:"robot_id"`
	Environment              string   `json:"environment,omitempty"`
	BatchSize                int      `json:"batch_size,omitempty"`
	VisibilityTimeoutSeconds int      `json:"visibility_timeout_seconds,omitempty"`
	Capabilities             []string `json:"capabilities,omitempty"`
}

// claimedJob 认领响应专用：lease_token 只在这里下发，Job 本身不序列化它
type claimedJob struct {
	*queue.Job
	LeaseToken string `json:"lease_token"`
}

// ClaimJobs robot 批量认领
// POST /api/jobs/claim
func (h *Handler) ClaimJobs(c context.Context, ctx *app.RequestContext) {
	var req claimRequest
	if err := bindJSON(ctx, &req); err != nil {
		writeError(c, ctx, err)
		return
	}
	if req.RobotID == "" {
		writeError(c, ctx, errors.E(errors.KindInvalidArgument, "robot_id 不能为空"))
		return
	}
	if req.BatchSize <= 0 {
		req.BatchSize = 1
	}
	vt := h.visibilityTimeout
	if req.VisibilityTimeoutSeconds > 0 {
		vt = time.Duration(req.VisibilityTimeoutSeconds) * time.Second
	}
	spanCtx, span := tracing.StartClaimSpan(c, req.RobotID, req.Environment)
	defer span.End()

	start := time.Now()
	jobs, err := h.store.Claim(spanCtx, queue.ClaimRequest{
		Environment:       req.Environment,
		RobotID:           req.RobotID,
		BatchSize:         req.BatchSize,
		VisibilityTimeout: vt,
		Capabilities:      req.Capabilities,
	})
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	metrics.ClaimLatency.Observe(time.Since(start).Seconds())
	metrics.ClaimBatchSize.Observe(float64(len(jobs)))
	metrics.ClaimTotal.WithLabelValues(envLabel(req.Environment), boolLabel(len(jobs) > 0)).Inc()
	out := make([]claimedJob, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, claimedJob{Job: j, LeaseToken: j.LeaseToken})
	}
	ctx.JSON(consts.StatusOK, map[string]any{"jobs": out})
}

type extendRequest struct {
	LeaseToken      string `json:"lease_token"`
	ExtendBySeconds int    `json:"extend_by_seconds,omitempty"`
}

// ExtendLease 续租；永远 200，结果在 body（ok=false 表示租约已失效）
// POST /api/jobs/:id/extend
func (h *Handler) ExtendLease(c context.Context, ctx *app.RequestContext) {
	var req extendRequest
	if err := bindJSON(ctx, &req); err != nil {
		writeError(c, ctx, err)
		return
	}
	extendBy := h.visibilityTimeout
	if req.ExtendBySeconds > 0 {
		extendBy = time.Duration(req.ExtendBySeconds) * time.Second
	}
	res, err := h.store.ExtendLease(c, ctx.Param("id"), req.LeaseToken, extendBy)
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	metrics.LeaseExtendTotal.WithLabelValues(boolLabel(res.OK)).Inc()
	ctx.JSON(consts.StatusOK, res)
}

type completeRequest struct {
	LeaseToken string         `json:"lease_token"`
	Result     map[string]any `json:"result,omitempty"`
}

// CompleteJob 成功终结
// POST /api/jobs/:id/complete
func (h *Handler) CompleteJob(c context.Context, ctx *app.RequestContext) {
	var req completeRequest
	if err := bindJSON(ctx, &req); err != nil {
		writeError(c, ctx, err)
		return
	}
	if err := h.store.Complete(c, ctx.Param("id"), req.LeaseToken, req.Result); err != nil {
		writeError(c, ctx, err)
		return
	}
	metrics.JobTerminalTotal.WithLabelValues(string(queue.StatusCompleted)).Inc()
	ctx.JSON(consts.StatusOK, map[string]string{"status": "completed"})
}

type failRequest struct {
	LeaseToken string `json:"lease_token"`
	Error      string `json:"error"`
	Permanent  bool   `json:"permanent,omitempty"`
}

// FailJob 失败汇报；重试与死信由失败处置策略决定
// POST /api/jobs/:id/fail
func (h *Handler) FailJob(c context.Context, ctx *app.RequestContext) {
	var req failRequest
	if err := bindJSON(ctx, &req); err != nil {
		writeError(c, ctx, err)
		return
	}
	if err := h.store.Fail(c, ctx.Param("id"), req.LeaseToken, req.Error, req.Permanent); err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{"status": "accepted"})
}

// AuditLog job 的状态迁移审计
// GET /api/jobs/:id/audit
func (h *Handler) AuditLog(c context.Context, ctx *app.RequestContext) {
	// 先确认 job 存在（或曾存在已被清理则 404）
	if _, err := h.store.Get(c, ctx.Param("id")); err != nil {
		writeError(c, ctx, err)
		return
	}
	entries, err := h.store.AuditLog(c, ctx.Param("id"))
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	if entries == nil {
		entries = []queue.AuditEntry{}
	}
	ctx.JSON(consts.StatusOK, map[string]any{"events": entries})
}

// RegisterRobot 幂等注册
// POST /api/robots
func (h *Handler) RegisterRobot(c context.Context, ctx *app.RequestContext) {
	var req registry.RegisterRequest
	if err := bindJSON(ctx, &req); err != nil {
		writeError(c, ctx, err)
		return
	}
	req.TenantID = tenantOf(ctx)
	robot, err := h.registry.Register(c, req)
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, robot)
}

// ListRobots robot 列表（含推导的在线状态）
// GET /api/robots?environment=
func (h *Handler) ListRobots(c context.Context, ctx *app.RequestContext) {
	robots, err := h.registry.List(c, registry.ListFilter{
		TenantID:    tenantOf(ctx),
		Environment: ctx.Query("environment"),
		Limit:       queryInt(ctx, "limit", 0),
	})
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	if robots == nil {
		robots = []*registry.Robot{}
	}
	ctx.JSON(consts.StatusOK, map[string]any{"robots": robots})
}

// GetRobot 单个 robot
// GET /api/robots/:id
func (h *Handler) GetRobot(c context.Context, ctx *app.RequestContext) {
	robot, err := h.registry.Get(c, ctx.Param("id"))
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, robot)
}

// Heartbeat robot 心跳
// POST /api/robots/:id/heartbeat
func (h *Handler) Heartbeat(c context.Context, ctx *app.RequestContext) {
	var report registry.HeartbeatReport
	if err := bindJSON(ctx, &report); err != nil {
		writeError(c, ctx, err)
		return
	}
	robot, err := h.registry.Heartbeat(c, ctx.Param("id"), report)
	if err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, robot)
}

// DeregisterRobot 注销
// DELETE /api/robots/:id
func (h *Handler) DeregisterRobot(c context.Context, ctx *app.RequestContext) {
	if err := h.registry.Deregister(c, ctx.Param("id")); err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{"status": "deregistered"})
}

// Health 健康检查
// GET /api/health
func (h *Handler) Health(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]string{"status": "ok"})
}

// Metrics Prometheus 文本格式
// GET /api/metrics
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		writeError(c, ctx, err)
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4", buf.Bytes())
}

func queryInt(ctx *app.RequestContext, key string, def int) int {
	s := ctx.Query(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func envLabel(env string) string {
	if env == "" {
		return queue.EnvDefault
	}
	return env
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
