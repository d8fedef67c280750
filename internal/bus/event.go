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

// Package bus 提供状态变更事件的扇出：队列引擎在迁移落盘后发布，订阅者（dashboard、webhook、Redis 转发）各自消费。
// 每个 subject 的事件序号单调递增；跨 subject 无顺序保证。投递语义 at-least-once，订阅者按 (subject_id, seq) 去重。
package bus

import "time"

// EventKind 事件类型（闭集）
type EventKind string

const (
	JobCreated        EventKind = "job.created"
	JobClaimed        EventKind = "job.claimed"
	JobCompleted      EventKind = "job.completed"
	JobFailed         EventKind = "job.failed"
	JobCancelled      EventKind = "job.cancelled"
	JobDeadLettered   EventKind = "job.dead_lettered"
	JobRetryScheduled EventKind = "job.retry_scheduled"
	RobotRegistered   EventKind = "robot.registered"
	RobotOnline       EventKind = "robot.online"
	RobotOffline      EventKind = "robot.offline"
	RobotHeartbeat    EventKind = "robot.heartbeat"
)

// SubjectKind 事件主体类型
type SubjectKind string

const (
	SubjectJob   SubjectKind = "job"
	SubjectRobot SubjectKind = "robot"
)

// Event 单条不可变状态变更事件；Seq 由 Bus 在发布时按 subject 分配
type Event struct {
	Kind      EventKind   `json:"kind"`
	Subject   SubjectKind `json:"subject"`
	SubjectID string      `json:"subject_id"`
	TenantID  string      `json:"tenant_id"`
	RequestID string      `json:"request_id,omitempty"` // 触发该迁移的请求 id，用于追踪
	Old       string      `json:"old,omitempty"`        // 迁移前状态
	New       string      `json:"new,omitempty"`        // 迁移后状态
	Seq       uint64      `json:"seq"`
	// Cursor 全局游标：跨 subject 严格递增，长轮询用上一批最后一条的 cursor 做断点过滤
	Cursor    uint64    `json:"cursor"`
	Timestamp time.Time `json:"timestamp"`
}

// Lossy 心跳事件走 lossy 通道：慢订阅者丢弃最旧而非阻塞
func (e Event) Lossy() bool {
	return e.Kind == RobotHeartbeat
}

// Publisher 事件发布抽象；队列引擎与注册表只依赖此接口，不关心传输
type Publisher interface {
	Publish(event Event)
}

// NopPublisher 空实现，测试或未接总线时使用
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}
