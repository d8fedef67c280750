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

package queue

import (
	"context"
	"time"
)

// ClaimRequest 批量认领参数
type ClaimRequest struct {
	// Environment robot 的环境标签；与 job 环境按 EnvMatches 匹配
	Environment string
	RobotID     string
	// BatchSize <=0 时不认领直接返回空
	BatchSize int
	// VisibilityTimeout 租约时长；认领后 visible_after = now + timeout
	VisibilityTimeout time.Duration
	// Capabilities robot 能力；能力不满足的行在 select 后谓词中跳过，仍可被其他认领者取走
	Capabilities []string
}

// ExtendResult 续租结果；CancelRequested 为协作取消的传递通道
type ExtendResult struct {
	OK              bool `json:"ok"`
	CancelRequested bool `json:"cancel_requested"`
}

// ListFilter 查询过滤；零值字段不过滤
type ListFilter struct {
	TenantID    string
	Status      Status
	Environment string
	RobotID     string
	WorkflowID  string
	Limit       int
	Offset      int
}

// AuditEntry 追加式审计日志单条记录（job_events 表 / 内存切片）
type AuditEntry struct {
	JobID     string    `json:"job_id"`
	Old       Status    `json:"old"`
	New       Status    `json:"new"`
	RobotID   string    `json:"robot_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store 队列引擎契约；Memory 与 Postgres 两个实现。
// 所有迁移操作保证原子；每次成功迁移在落盘后恰好发布一条总线事件。
type Store interface {
	// Submit 入队；幂等键命中时返回已有 job 不重复插入，键同载荷异返回 conflict
	Submit(ctx context.Context, spec *Spec) (*Job, error)
	// Claim 原子批量认领；两个并发认领者绝不拿到同一行，批内保持 (priority DESC, created_at ASC, id ASC)
	Claim(ctx context.Context, req ClaimRequest) ([]*Job, error)
	// ExtendLease 仅当 status=claimed 且 token 匹配时续租：visible_after 取 max(原值, now+extend_by)，
	// 同一租约内重放安全；失败返回 ok=false 而非错误
	ExtendLease(ctx context.Context, jobID, leaseToken string, extendBy time.Duration) (ExtendResult, error)
	// Complete claimed → completed；token 不匹配返回 stale_lease
	Complete(ctx context.Context, jobID, leaseToken string, result map[string]any) error
	// Fail 按重试/死信策略处置：重试（退避后重新可见）或 dead_letter；已请求取消的 job 收敛到 cancelled
	Fail(ctx context.Context, jobID, leaseToken, errMsg string, permanent bool) error
	// Cancel queued → cancelled；claimed 时仅记录取消请求；终态 no-op
	Cancel(ctx context.Context, jobID string) error
	// RecoverExpired 回收过期租约：对 status=claimed 且 visible_after < now 的行套用 fail 分支，
	// 合成错误 "visibility timeout"；返回被处置的 job id
	RecoverExpired(ctx context.Context, now time.Time) ([]string, error)
	// PurgeTerminal 清理进入终态超过 olderThan 的行，返回删除数
	PurgeTerminal(ctx context.Context, olderThan time.Duration) (int, error)

	Get(ctx context.Context, jobID string) (*Job, error)
	List(ctx context.Context, filter ListFilter) ([]*Job, error)
	// CountByStatus 各状态数量，供 metrics gauge
	CountByStatus(ctx context.Context) (map[Status]int64, error)
	// AuditLog 按时间序返回该 job 的审计记录
	AuditLog(ctx context.Context, jobID string) ([]AuditEntry, error)
}
