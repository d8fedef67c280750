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

package bus

import (
	"testing"
	"time"
)

func TestBus_PerSubjectSequence(t *testing.T) {
	b := New(16, 16)
	sub := b.Subscribe(Options{Name: "t"})
	defer b.Unsubscribe(sub)

	b.Publish(Event{Kind: JobCreated, Subject: SubjectJob, SubjectID: "j1", TenantID: "default"})
	b.Publish(Event{Kind: JobClaimed, Subject: SubjectJob, SubjectID: "j1", TenantID: "default"})
	b.Publish(Event{Kind: JobCreated, Subject: SubjectJob, SubjectID: "j2", TenantID: "default"})

	e1 := <-sub.Events()
	e2 := <-sub.Events()
	e3 := <-sub.Events()
	if e1.Seq != 1 || e2.Seq != 2 {
		t.Errorf("j1 序号应为 1,2，得到 %d,%d", e1.Seq, e2.Seq)
	}
	if e3.Seq != 1 {
		t.Errorf("j2 序号应从 1 开始，得到 %d", e3.Seq)
	}
	if e1.Kind != JobCreated || e2.Kind != JobClaimed {
		t.Errorf("同一 subject 的事件顺序被打乱: %v, %v", e1.Kind, e2.Kind)
	}
}

func TestBus_CursorMonotoneAcrossSubjects(t *testing.T) {
	b := New(16, 16)
	sub := b.Subscribe(Options{Name: "t"})
	defer b.Unsubscribe(sub)

	b.Publish(Event{Kind: JobCreated, Subject: SubjectJob, SubjectID: "j1", TenantID: "default"})
	b.Publish(Event{Kind: JobCreated, Subject: SubjectJob, SubjectID: "j2", TenantID: "default"})
	b.Publish(Event{Kind: RobotRegistered, Subject: SubjectRobot, SubjectID: "r1", TenantID: "default"})

	var last uint64
	for i := 0; i < 3; i++ {
		e := <-sub.Events()
		if e.Cursor <= last {
			t.Errorf("cursor 应跨 subject 严格递增: %d 在 %d 之后", e.Cursor, last)
		}
		last = e.Cursor
	}
	if last != 3 {
		t.Errorf("三条事件后 cursor 应为 3，得到 %d", last)
	}
}

func TestBus_TenantFilter(t *testing.T) {
	b := New(16, 16)
	subA := b.Subscribe(Options{Tenant: "a", Name: "a"})
	subAll := b.Subscribe(Options{Name: "all"})
	defer b.Unsubscribe(subA)
	defer b.Unsubscribe(subAll)

	b.Publish(Event{Kind: JobCreated, Subject: SubjectJob, SubjectID: "j1", TenantID: "a"})
	b.Publish(Event{Kind: JobCreated, Subject: SubjectJob, SubjectID: "j2", TenantID: "b"})

	e := <-subA.Events()
	if e.TenantID != "a" {
		t.Errorf("租户过滤失效: %+v", e)
	}
	select {
	case e := <-subA.Events():
		t.Errorf("订阅者 a 不应收到租户 b 的事件: %+v", e)
	default:
	}
	if got := len(subAll.Events()); got != 2 {
		t.Errorf("全租户订阅者应收到 2 条，得到 %d", got)
	}
}

func TestBus_HeartbeatDropOldest(t *testing.T) {
	b := New(16, 2)
	sub := b.Subscribe(Options{Name: "slow"})
	defer b.Unsubscribe(sub)

	// 缓冲 2，发 4 条：最旧的被丢，最后 2 条保留
	for i := 0; i < 4; i++ {
		b.Publish(Event{Kind: RobotHeartbeat, Subject: SubjectRobot, SubjectID: "r1", TenantID: "default"})
	}
	e1 := <-sub.Heartbeats()
	e2 := <-sub.Heartbeats()
	if e1.Seq != 3 || e2.Seq != 4 {
		t.Errorf("应保留最新两条（seq 3,4），得到 %d,%d", e1.Seq, e2.Seq)
	}
}

func TestBus_SlowDurableSubscriberEvicted(t *testing.T) {
	b := New(1, 1)
	sub := b.Subscribe(Options{Name: "slow"})

	b.Publish(Event{Kind: JobCreated, Subject: SubjectJob, SubjectID: "j1", TenantID: "default"})
	// 缓冲已满，再发一条触发踢出
	b.Publish(Event{Kind: JobCompleted, Subject: SubjectJob, SubjectID: "j1", TenantID: "default"})

	if !sub.Closed() {
		t.Fatal("slow consumer 应被踢出")
	}
	// 通道排空后关闭
	if _, ok := <-sub.Events(); !ok {
		t.Fatal("缓冲内已有事件不应丢失")
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("通道应已关闭")
	}
}

func TestBus_HeartbeatSampling(t *testing.T) {
	b := New(16, 16)
	sub := b.Subscribe(Options{Name: "ui", SampleHeartbeats: time.Hour})
	defer b.Unsubscribe(sub)

	// 同一 robot 的第二条心跳在采样窗口内被丢弃；不同 robot 不受影响
	b.Publish(Event{Kind: RobotHeartbeat, Subject: SubjectRobot, SubjectID: "r1", TenantID: "default"})
	b.Publish(Event{Kind: RobotHeartbeat, Subject: SubjectRobot, SubjectID: "r1", TenantID: "default"})
	b.Publish(Event{Kind: RobotHeartbeat, Subject: SubjectRobot, SubjectID: "r2", TenantID: "default"})

	if got := len(sub.Heartbeats()); got != 2 {
		t.Errorf("采样后应剩 2 条（r1 一条 + r2 一条），得到 %d", got)
	}
}

func TestBus_NoHeartbeats(t *testing.T) {
	b := New(16, 16)
	sub := b.Subscribe(Options{Name: "webhook", NoHeartbeats: true})
	defer b.Unsubscribe(sub)
	b.Publish(Event{Kind: RobotHeartbeat, Subject: SubjectRobot, SubjectID: "r1", TenantID: "default"})
	if sub.Heartbeats() != nil {
		t.Errorf("NoHeartbeats 订阅不应有心跳通道")
	}
}
