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
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"rpa-platform/pkg/log"
)

// channelPrefix 每租户一个频道：orch:events:<tenant>；dashboard 进程 SUBSCRIBE 即得实时流
const channelPrefix = "orch:events:"

// RedisForwarder 将总线事件镜像到 Redis pub/sub；自身是 Bus 的订阅者，
// 背压作用在 Redis 连接上而非队列引擎写路径。
type RedisForwarder struct {
	client *redis.Client
	sub    *Subscriber
	logger *log.Logger
	done   chan struct{}
}

// NewRedisForwarder 创建转发器并订阅 b；心跳按 sampleInterval 采样后转发
func NewRedisForwarder(b *Bus, client *redis.Client, logger *log.Logger, opts Options) *RedisForwarder {
	if opts.Name == "" {
		opts.Name = "redis"
	}
	return &RedisForwarder{
		client: client,
		sub:    b.Subscribe(opts),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Run 消费订阅通道并 PUBLISH，直到 ctx 取消或订阅被关闭
func (f *RedisForwarder) Run(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-f.sub.Events():
			if !ok {
				f.logger.Warn("redis 转发订阅被关闭（slow consumer）")
				return
			}
			f.publish(ctx, e)
		case e, ok := <-f.sub.Heartbeats():
			if !ok {
				return
			}
			f.publish(ctx, e)
		}
	}
}

func (f *RedisForwarder) publish(ctx context.Context, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	tenant := e.TenantID
	if tenant == "" {
		tenant = "default"
	}
	if err := f.client.Publish(ctx, channelPrefix+tenant, payload).Err(); err != nil {
		f.logger.Warn("redis publish 失败", "channel", channelPrefix+tenant, "error", err)
	}
}

// Done 转发循环结束信号
func (f *RedisForwarder) Done() <-chan struct{} { return f.done }
