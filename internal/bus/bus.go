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
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"rpa-platform/pkg/metrics"
)

// Bus 进程内事件总线：按 subject 分配单调序号，向每个订阅者的有界缓冲扇出。
// Publish 永不阻塞（队列引擎写路径上调用）：心跳事件满时丢最旧；
// 持久类事件满时判定该订阅者为 slow consumer，关闭其通道（订阅者重连后重新同步），丢弃计数上报 metrics。
type Bus struct {
	mu      sync.Mutex
	seqs    map[string]uint64 // subject key -> 已分配序号
	cursor  uint64            // 全局游标，跨 subject 严格递增
	subs    map[int]*Subscriber
	nextSub int

	bufSize   int
	hbBufSize int
}

// Subscriber 单个订阅者；C 上收事件，Closed 后不再有事件（slow consumer 被踢或 Unsubscribe）
type Subscriber struct {
	id     int
	tenant string // 空表示全部租户
	name   string // metrics 标签

	ch     chan Event
	hbCh   chan Event
	closed atomic.Bool

	// 心跳采样：每 robot 最小转发间隔；nil 表示不采样
	hbLimit    time.Duration
	hbLimiters map[string]*rate.Limiter
}

// Options 订阅选项
type Options struct {
	// Tenant 仅接收该租户的事件；空表示全部
	Tenant string
	// Name metrics 标签（如 "dashboard", "webhook"）
	Name string
	// SampleHeartbeats 心跳采样最小间隔（每 robot）；0 表示不采样
	SampleHeartbeats time.Duration
	// NoHeartbeats 为 true 时不接收心跳事件
	NoHeartbeats bool
}

// New 创建总线；bufSize 为持久事件缓冲（<=0 默认 256），hbBufSize 为心跳缓冲（<=0 默认 64）
func New(bufSize, hbBufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 256
	}
	if hbBufSize <= 0 {
		hbBufSize = 64
	}
	return &Bus{
		seqs:      make(map[string]uint64),
		subs:      make(map[int]*Subscriber),
		bufSize:   bufSize,
		hbBufSize: hbBufSize,
	}
}

// Subscribe 创建订阅者
func (b *Bus) Subscribe(opts Options) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &Subscriber{
		id:      b.nextSub,
		tenant:  opts.Tenant,
		name:    opts.Name,
		ch:      make(chan Event, b.bufSize),
		hbLimit: opts.SampleHeartbeats,
	}
	if s.name == "" {
		s.name = "anonymous"
	}
	if !opts.NoHeartbeats {
		s.hbCh = make(chan Event, b.hbBufSize)
	}
	if s.hbLimit > 0 {
		s.hbLimiters = make(map[string]*rate.Limiter)
	}
	b.nextSub++
	b.subs[s.id] = s
	return s
}

// Unsubscribe 移除订阅者并关闭其通道
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(s)
}

// 调用方必须持有 b.mu
func (b *Bus) remove(s *Subscriber) {
	if _, ok := b.subs[s.id]; !ok {
		return
	}
	delete(b.subs, s.id)
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
		if s.hbCh != nil {
			close(s.hbCh)
		}
	}
}

// Publish 分配序号并扇出；在状态迁移落盘后调用，保证每次迁移恰好一条事件
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := string(event.Subject) + "/" + event.SubjectID
	b.seqs[key]++
	event.Seq = b.seqs[key]
	b.cursor++
	event.Cursor = b.cursor
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	metrics.EventPublishedTotal.WithLabelValues(string(event.Kind)).Inc()

	for _, s := range b.subs {
		if s.tenant != "" && s.tenant != event.TenantID {
			continue
		}
		if event.Lossy() {
			b.deliverHeartbeat(s, event)
		} else {
			b.deliverDurable(s, event)
		}
	}
}

// deliverHeartbeat lossy 投递：采样后非阻塞发送，满则丢最旧
func (b *Bus) deliverHeartbeat(s *Subscriber, event Event) {
	if s.hbCh == nil {
		return
	}
	if s.hbLimiters != nil {
		lim, ok := s.hbLimiters[event.SubjectID]
		if !ok {
			lim = rate.NewLimiter(rate.Every(s.hbLimit), 1)
			s.hbLimiters[event.SubjectID] = lim
		}
		if !lim.Allow() {
			return // 采样丢弃不计入 dropped 计数
		}
	}
	for {
		select {
		case s.hbCh <- event:
			return
		default:
		}
		select {
		case <-s.hbCh: // 丢最旧
			metrics.EventDroppedTotal.WithLabelValues(s.name).Inc()
		default:
		}
	}
}

// deliverDurable 持久投递：满则判定 slow consumer，踢出订阅者（通道关闭即信号）
func (b *Bus) deliverDurable(s *Subscriber, event Event) {
	select {
	case s.ch <- event:
	default:
		metrics.EventDroppedTotal.WithLabelValues(s.name).Inc()
		b.remove(s)
	}
}

// Events 持久事件通道；通道被关闭表示订阅已结束（Unsubscribe 或 slow consumer）
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Heartbeats 心跳事件通道；NoHeartbeats 订阅时为 nil
func (s *Subscriber) Heartbeats() <-chan Event { return s.hbCh }

// Closed 订阅是否已结束
func (s *Subscriber) Closed() bool { return s.closed.Load() }
