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

package http

import (
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"rpa-platform/internal/bus"
)

// 长轮询参数边界
const (
	maxEventWait     = 60 * time.Second
	defaultEventWait = 25 * time.Second
	maxEventBatch    = 100
)

// Events dashboard 长轮询：订阅本租户事件流，拿到至少一条或超时即返回。
// 心跳流按每 robot ≥1s 采样。订阅是请求生命周期的：投递语义 at-least-once，
// 断连重连后按 (subject_id, seq) 去重。after_seq 携带上一批最后一条的 cursor
// （全局游标，跨 subject 单调），过滤重连窗口里重复收到的事件。
// GET /api/events?wait_s=25&after_seq=0
func (h *Handler) Events(c context.Context, ctx *app.RequestContext) {
	wait := defaultEventWait
	if n := queryInt(ctx, "wait_s", 0); n > 0 {
		wait = time.Duration(n) * time.Second
		if wait > maxEventWait {
			wait = maxEventWait
		}
	}
	afterCursor := uint64(queryInt(ctx, "after_seq", 0))

	sub := h.bus.Subscribe(bus.Options{
		Tenant:           tenantOf(ctx),
		Name:             "longpoll",
		SampleHeartbeats: time.Second,
	})
	defer h.bus.Unsubscribe(sub)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	events := make([]bus.Event, 0, 8)
	collect := func(e bus.Event, ok bool) bool {
		if !ok {
			return false
		}
		if e.Cursor > afterCursor {
			events = append(events, e)
		}
		return len(events) < maxEventBatch
	}

	// 第一条事件到达后再短暂聚批，减少往返
	var drain <-chan time.Time
	for {
		select {
		case <-c.Done():
			ctx.JSON(consts.StatusOK, map[string]any{"events": events})
			return
		case <-timer.C:
			ctx.JSON(consts.StatusOK, map[string]any{"events": events})
			return
		case <-drain:
			ctx.JSON(consts.StatusOK, map[string]any{"events": events})
			return
		case e, ok := <-sub.Events():
			if !collect(e, ok) {
				ctx.JSON(consts.StatusOK, map[string]any{"events": events})
				return
			}
			if drain == nil {
				drain = time.After(50 * time.Millisecond)
			}
		case e, ok := <-sub.Heartbeats():
			if !collect(e, ok) {
				ctx.JSON(consts.StatusOK, map[string]any{"events": events})
				return
			}
			if drain == nil {
				drain = time.After(50 * time.Millisecond)
			}
		}
	}
}
