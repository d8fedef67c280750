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

// Package registry robot 注册表与心跳存活判定。
// 在线/离线不是存储状态而是读取时按 last_heartbeat 推导；
// 离线只影响展示与告警，不影响认领（挂着旧心跳的 robot 拿不到新 job 是因为它不再来 Claim）。
package registry

import (
	"context"
	"time"
)

// 心跳与离线判定默认参数；离线阈值应为心跳间隔的数倍，容忍偶发丢包
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultOfflineThreshold  = 90 * time.Second
)

// WorkState robot 自报的工作状态
type WorkState string

const (
	StateIdle   WorkState = "idle"
	StateBusy   WorkState = "busy"
	StateFailed WorkState = "failed"
)

// Resource 心跳附带的资源采样；可选，仅用于展示与告警
type Resource struct {
	CPUPercent float64 `json:"cpu_percent,omitempty"`
	MemoryMB   int64   `json:"memory_mb,omitempty"`
}

// Robot 执行端注册记录；MachineID 是幂等注册的键（同租户下唯一）
type Robot struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	Name        string `json:"name"`
	MachineID   string `json:"machine_id"`
	Environment string `json:"environment"`
	// Capabilities 声明能力集合；认领时须覆盖 job 的 required_capabilities
	Capabilities []string `json:"capabilities,omitempty"`

	// State / ActiveJobs / Resource 由心跳上报，last-write-wins
	State      WorkState `json:"state"`
	ActiveJobs []string  `json:"active_jobs,omitempty"`
	Resource   *Resource `json:"resource,omitempty"`

	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	// Online 推导字段，仅在读取路径填充，不落盘
	Online bool `json:"online"`
}

// Alive last_heartbeat 距 now 未超过 threshold
func (r *Robot) Alive(now time.Time, threshold time.Duration) bool {
	if r.LastHeartbeat.IsZero() {
		return false
	}
	return now.Sub(r.LastHeartbeat) <= threshold
}

// HeartbeatReport 单次心跳负载
type HeartbeatReport struct {
	State      WorkState `json:"state"`
	ActiveJobs []string  `json:"active_jobs,omitempty"`
	Resource   *Resource `json:"resource,omitempty"`
}

// ListFilter robot 查询过滤；零值字段不过滤
type ListFilter struct {
	TenantID    string
	Environment string
	Limit       int
}

// Store robot 持久化契约；Memory 与 Postgres 两个实现
type Store interface {
	// Upsert 按 (tenant_id, machine_id) 幂等写入；已存在时更新元数据并保留原 id 与注册时间
	Upsert(ctx context.Context, r *Robot) (*Robot, bool, error)
	// Touch 心跳落盘；robot 不存在返回 not_found
	Touch(ctx context.Context, robotID string, report HeartbeatReport, at time.Time) (*Robot, error)
	Get(ctx context.Context, robotID string) (*Robot, error)
	List(ctx context.Context, filter ListFilter) ([]*Robot, error)
	// Delete 注销；幂等，重复删除不报错
	Delete(ctx context.Context, robotID string) error
}
