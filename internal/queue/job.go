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

// Package queue 队列引擎与重试/死信策略：job 的唯一事实来源，
// 所有组件只通过 Store 的操作读写 job。claim 采用 skip-locked 两段式，
// 可见性超时 + 租约 token 给出 at-least-once 与崩溃恢复。
package queue

import (
	"strings"
	"time"

	"rpa-platform/pkg/errors"
)

// Status job 状态（闭集）
type Status string

const (
	StatusQueued     Status = "queued"
	StatusClaimed    Status = "claimed"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusDeadLetter Status = "dead_letter"
)

// IsTerminal 终态不再迁移：completed / cancelled / dead_letter
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusDeadLetter:
		return true
	}
	return false
}

// Valid 是否为已知状态
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusClaimed, StatusCompleted, StatusFailed, StatusCancelled, StatusDeadLetter:
		return true
	}
	return false
}

// 优先级范围与命名档位；数值越大越优先
const (
	PriorityMin = 0
	PriorityMax = 20

	PriorityLow      = 2
	PriorityNormal   = 5
	PriorityHigh     = 10
	PriorityCritical = 15
)

// EnvDefault 通配环境：job 为 default 任意 robot 可认领；robot 为 default 可认领任意 job
const EnvDefault = "default"

// Job 工作单元；只经由 Store 的迁移操作变更
type Job struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	// WorkflowID 工作流引用；Payload 为序列化的工作流文档，编排器视为不透明字节
	WorkflowID string `json:"workflow_id"`
	Payload    []byte `json:"payload,omitempty"`

	Environment          string   `json:"environment"`
	Priority             int      `json:"priority"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`

	Variables map[string]any `json:"variables,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	// ErrorMessage 最近一次失败信息；dead_letter 时保留供人工检视
	ErrorMessage string `json:"error_message,omitempty"`

	Status     Status `json:"status"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`

	// VisibleAfter queued 时为可被认领时刻；claimed 时为租约到期时刻
	VisibleAfter time.Time `json:"visible_after"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`

	// RobotID 与 LeaseToken 仅在 claimed 期间非空；token 每次（重）认领都会更新。
	// token 是所有权凭据，只随认领响应下发，读接口一律不回显
	RobotID    string `json:"robot_id,omitempty"`
	LeaseToken string `json:"-"`

	// CancelRequestedAt 非零表示已请求取消；robot 在下次续租时得知
	CancelRequestedAt time.Time `json:"cancel_requested_at,omitempty"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Spec 提交参数；Dispatcher 解析完策略后交给 Store.Submit
type Spec struct {
	TenantID             string
	WorkflowID           string
	Payload              []byte
	Environment          string
	Priority             int
	RequiredCapabilities []string
	Variables            map[string]any
	MaxRetries           int
	// ScheduledDelay 延迟提交：visible_after = now + delay
	ScheduledDelay time.Duration
	IdempotencyKey string
	// PayloadHash 幂等键绑定的载荷哈希（byte-exact）；键冲突但哈希不同时返回 conflict
	PayloadHash string
	// RequestID 透传进事件，用于追踪
	RequestID string
}

// Validate 提交前校验；违反返回 invalid_argument
func (s *Spec) Validate() error {
	if len(s.Payload) == 0 {
		return errors.E(errors.KindInvalidArgument, "workflow payload 不能为空")
	}
	if s.Priority < PriorityMin || s.Priority > PriorityMax {
		return errors.Ef(errors.KindInvalidArgument, "priority %d 超出 [%d, %d]", s.Priority, PriorityMin, PriorityMax)
	}
	if s.MaxRetries < 0 {
		return errors.E(errors.KindInvalidArgument, "max_retries 不能为负")
	}
	if s.ScheduledDelay < 0 {
		return errors.E(errors.KindInvalidArgument, "scheduled_delay 不能为负")
	}
	return nil
}

// HasCapabilities robot 能力 caps 是否覆盖 job 的 required（R ⊆ C）
func (j *Job) HasCapabilities(caps []string) bool {
	if len(j.RequiredCapabilities) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		set[strings.TrimSpace(c)] = struct{}{}
	}
	for _, r := range j.RequiredCapabilities {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

// EnvMatches job 与 robot 环境是否互相可达（任一方为 default 即通配）
func EnvMatches(jobEnv, robotEnv string) bool {
	return jobEnv == robotEnv || jobEnv == EnvDefault || robotEnv == EnvDefault
}

// Clone 深拷贝（map/slice 均复制），内存实现返回副本防止外部改写内部状态
func (j *Job) Clone() *Job {
	cp := *j
	if j.Payload != nil {
		cp.Payload = append([]byte(nil), j.Payload...)
	}
	if j.RequiredCapabilities != nil {
		cp.RequiredCapabilities = append([]string(nil), j.RequiredCapabilities...)
	}
	if j.Variables != nil {
		cp.Variables = make(map[string]any, len(j.Variables))
		for k, v := range j.Variables {
			cp.Variables[k] = v
		}
	}
	if j.Result != nil {
		cp.Result = make(map[string]any, len(j.Result))
		for k, v := range j.Result {
			cp.Result[k] = v
		}
	}
	return &cp
}
