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

package robot

import (
	"context"
	"log/slog"
	"time"

	"rpa-platform/internal/dispatch"
	"rpa-platform/internal/queue"
)

// WalkEngine 内置引擎：按连接从 Start 节点逐个走一遍工作流节点。
// 不驱动真实桌面，只验证文档可执行并回传遍历轨迹；
// 接入真实自动化时换成自己的 Engine 实现即可。
type WalkEngine struct {
	logger *slog.Logger
	// StepDelay 每个节点的模拟耗时，默认 10ms
	StepDelay time.Duration
}

func NewWalkEngine(logger *slog.Logger) *WalkEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &WalkEngine{logger: logger, StepDelay: 10 * time.Millisecond}
}

func (e *WalkEngine) Execute(ctx context.Context, job *queue.Job) (map[string]any, error) {
	doc, err := dispatch.ParseDocument(job.Payload)
	if err != nil {
		// 入队时校验过，这里再失败说明文档本身坏了，重试无意义
		return nil, Permanent(err)
	}

	next := make(map[string][]string, len(doc.Connections))
	for _, conn := range doc.Connections {
		next[conn.FromNode] = append(next[conn.FromNode], conn.ToNode)
	}
	var start string
	for _, n := range doc.Nodes {
		if n.Type == dispatch.StartNodeType {
			start = n.ID
			break
		}
	}

	visited := make(map[string]bool, len(doc.Nodes))
	trace := make([]string, 0, len(doc.Nodes))
	stack := []string{start}
	for len(stack) > 0 {
		if err := e.step(ctx); err != nil {
			return nil, err
		}
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		trace = append(trace, id)
		stack = append(stack, next[id]...)
	}

	e.logger.Debug("工作流遍历完成", "job_id", job.ID, "nodes", len(trace))
	return map[string]any{
		"workflow":       doc.Name,
		"nodes_executed": len(trace),
		"trace":          trace,
	}, nil
}

func (e *WalkEngine) step(ctx context.Context) error {
	delay := e.StepDelay
	if delay <= 0 {
		delay = 10 * time.Millisecond
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
