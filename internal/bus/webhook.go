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
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"rpa-platform/pkg/log"
)

// WebhookSender 将持久事件 POST 到外部订阅者；at-least-once，接收方按 (subject_id, seq) 去重。
// 心跳事件不走 webhook（NoHeartbeats 订阅）。
type WebhookSender struct {
	url    string
	client *resty.Client
	sub    *Subscriber
	logger *log.Logger
	done   chan struct{}
}

// NewWebhookSender 创建 webhook 订阅者；tenant 为空表示全部租户
func NewWebhookSender(b *Bus, url, tenant string, logger *log.Logger) *WebhookSender {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json")
	return &WebhookSender{
		url:    url,
		client: client,
		sub:    b.Subscribe(Options{Tenant: tenant, Name: "webhook", NoHeartbeats: true}),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Run 消费事件并投递，直到 ctx 取消或订阅被关闭
func (w *WebhookSender) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-w.sub.Events():
			if !ok {
				w.logger.Warn("webhook 订阅被关闭（slow consumer）", "url", w.url)
				return
			}
			w.deliver(ctx, e)
		}
	}
}

func (w *WebhookSender) deliver(ctx context.Context, e Event) {
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("X-Request-ID", e.RequestID).
		SetBody(e).
		Post(w.url)
	if err != nil {
		w.logger.Warn("webhook 投递失败", "url", w.url, "kind", e.Kind, "error", err)
		return
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		w.logger.Warn("webhook 投递被拒绝", "url", w.url, "kind", e.Kind, "status", resp.StatusCode())
	}
}

// Done 投递循环结束信号
func (w *WebhookSender) Done() <-chan struct{} { return w.done }
