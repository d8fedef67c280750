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

// Package dispatch 把提交请求翻译成入队参数：这一层的价值在策略而非机制。
// 解析顺序固定：显式参数 > 工作流 metadata > 系统默认。
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"rpa-platform/internal/queue"
	"rpa-platform/pkg/errors"
	"rpa-platform/pkg/metrics"
)

// DefaultMaxRetries 未显式指定时的重试上限
const DefaultMaxRetries = 3

// Request 提交参数；Priority / MaxRetries 等零值字段表示"未显式给出"，走解析链
type Request struct {
	TenantID   string `json:"tenant_id,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	// Workflow 内嵌的工作流文档；保持原字节入队，幂等哈希对原字节计算
	Workflow json.RawMessage `json:"workflow"`

	Environment string `json:"environment,omitempty"`
	// Priority 数字或档位名（low / normal / high / critical）；空串走 metadata
	Priority   string `json:"priority,omitempty"`
	MaxRetries *int   `json:"max_retries,omitempty"`
	// ScheduledDelaySeconds 延迟提交秒数
	ScheduledDelaySeconds int `json:"scheduled_delay_seconds,omitempty"`

	Variables            map[string]any `json:"variables,omitempty"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	IdempotencyKey       string         `json:"idempotency_key,omitempty"`

	RequestID string `json:"-"`
}

// Dispatcher 校验工作流、解析路由策略、落给队列引擎。job 落盘即返回，绝不等执行
type Dispatcher struct {
	store             queue.Store
	defaultMaxRetries int
	logger            *slog.Logger
}

// New defaultMaxRetries <0 时取 3
func New(store queue.Store, defaultMaxRetries int, logger *slog.Logger) *Dispatcher {
	if defaultMaxRetries < 0 {
		defaultMaxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: store, defaultMaxRetries: defaultMaxRetries, logger: logger}
}

// ParsePriority 档位名或十进制数字 → 优先级数值
func ParsePriority(s string) (int, error) {
	switch s {
	case "low":
		return queue.PriorityLow, nil
	case "normal":
		return queue.PriorityNormal, nil
	case "high":
		return queue.PriorityHigh, nil
	case "critical":
		return queue.PriorityCritical, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Ef(errors.KindInvalidArgument, "无法识别的优先级 %q", s)
	}
	if n < queue.PriorityMin || n > queue.PriorityMax {
		return 0, errors.Ef(errors.KindInvalidArgument, "priority %d 超出 [%d, %d]", n, queue.PriorityMin, queue.PriorityMax)
	}
	return n, nil
}

// PayloadHash 幂等键绑定的载荷哈希；byte-exact，格式化差异也视为不同载荷
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Dispatch 校验 + 解析 + 入队，返回落盘后的 job
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*queue.Job, error) {
	doc, err := ParseDocument(req.Workflow)
	if err != nil {
		return nil, err
	}
	if req.ScheduledDelaySeconds < 0 {
		return nil, errors.E(errors.KindInvalidArgument, "scheduled_delay 不能为负")
	}

	env := req.Environment
	if env == "" {
		env = doc.Metadata.Environment
	}

	prioritySrc := req.Priority
	if prioritySrc == "" {
		prioritySrc = doc.Metadata.Priority
	}
	priority := queue.PriorityNormal
	if prioritySrc != "" {
		priority, err = ParsePriority(prioritySrc)
		if err != nil {
			return nil, err
		}
	}

	maxRetries := d.defaultMaxRetries
	switch {
	case req.MaxRetries != nil:
		maxRetries = *req.MaxRetries
	case doc.Metadata.MaxRetries != nil:
		maxRetries = *doc.Metadata.MaxRetries
	}

	caps := req.RequiredCapabilities
	if len(caps) == 0 {
		caps = doc.Metadata.RequiredCapabilities
	}

	spec := &queue.Spec{
		TenantID:             req.TenantID,
		WorkflowID:           req.WorkflowID,
		Payload:              req.Workflow,
		Environment:          env,
		Priority:             priority,
		RequiredCapabilities: caps,
		Variables:            req.Variables,
		MaxRetries:           maxRetries,
		ScheduledDelay:       time.Duration(req.ScheduledDelaySeconds) * time.Second,
		IdempotencyKey:       req.IdempotencyKey,
		RequestID:            req.RequestID,
	}
	if req.IdempotencyKey != "" {
		spec.PayloadHash = PayloadHash(req.Workflow)
	}

	job, err := d.store.Submit(ctx, spec)
	if err != nil {
		return nil, err
	}
	metrics.JobSubmittedTotal.WithLabelValues(job.TenantID).Inc()
	d.logger.Info("job 入队",
		"job_id", job.ID, "tenant", job.TenantID, "environment", job.Environment,
		"priority", job.Priority, "workflow", doc.Name)
	return job, nil
}
