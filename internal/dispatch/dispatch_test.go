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

package dispatch

import (
	"context"
	"testing"

	"rpa-platform/internal/queue"
	"rpa-platform/pkg/errors"
)

const minimalWorkflow = `{
	"nodes": [
		{"id": "start", "type": "Start", "position": {"x": 0, "y": 0}},
		{"id": "click", "type": "Click", "position": {"x": 100, "y": 0}}
	],
	"connections": [
		{"from_node": "start", "from_port": "flow:out", "to_node": "click", "to_port": "flow:in"}
	]
}`

func TestValidateDocument(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"happy", minimalWorkflow, false},
		{"空载荷", "", true},
		{"非JSON", "{not json", true},
		{"无节点", `{"nodes": [], "connections": []}`, true},
		{"无Start", `{"nodes": [{"id": "a", "type": "Click"}], "connections": []}`, true},
		{"双Start", `{"nodes": [{"id": "a", "type": "Start"}, {"id": "b", "type": "Start"}], "connections": []}`, true},
		{"重复id", `{"nodes": [{"id": "a", "type": "Start"}, {"id": "a", "type": "Click"}], "connections": []}`, true},
		{"悬空引用", `{"nodes": [{"id": "a", "type": "Start"}], "connections": [{"from_node": "a", "to_node": "ghost"}]}`, true},
		{"端口不兼容", `{"nodes": [{"id": "a", "type": "Start"}, {"id": "b", "type": "Click"}],
			"connections": [{"from_node": "a", "from_port": "flow:out", "to_node": "b", "to_port": "data:in"}]}`, true},
		{"未定型端口兼容", `{"nodes": [{"id": "a", "type": "Start"}, {"id": "b", "type": "Click"}],
			"connections": [{"from_node": "a", "from_port": "out", "to_node": "b", "to_port": "data:in"}]}`, false},
		{"成环", `{"nodes": [{"id": "s", "type": "Start"}, {"id": "a", "type": "Click"}, {"id": "b", "type": "Click"}],
			"connections": [
				{"from_node": "s", "to_node": "a"},
				{"from_node": "a", "to_node": "b"},
				{"from_node": "b", "to_node": "a"}
			]}`, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ParseDocument([]byte(c.payload))
			if c.wantErr {
				if !errors.IsKind(err, errors.KindInvalidArgument) {
					t.Fatalf("want invalid_argument, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("合法文档不应报错: %v", err)
			}
		})
	}
}

func TestParsePriority(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"low", queue.PriorityLow, false},
		{"normal", queue.PriorityNormal, false},
		{"high", queue.PriorityHigh, false},
		{"critical", queue.PriorityCritical, false},
		{"7", 7, false},
		{"0", 0, false},
		{"20", 20, false},
		{"21", 0, true},
		{"-1", 0, true},
		{"urgent", 0, true},
	}
	for _, c := range cases {
		got, err := ParsePriority(c.in)
		if c.wantErr {
			if !errors.IsKind(err, errors.KindInvalidArgument) {
				t.Errorf("ParsePriority(%q): want invalid_argument, got %v", c.in, err)
			}
			continue
		}
		if err != nil || got != c.want {
			t.Errorf("ParsePriority(%q) = %d, %v, want %d", c.in, got, err, c.want)
		}
	}
}

func TestDispatchResolutionOrder(t *testing.T) {
	store := queue.NewMemStore(nil, nil, 0)
	d := New(store, 3, nil)
	ctx := context.Background()

	withMeta := []byte(`{
		"metadata": {"environment": "prod", "priority": "high", "max_retries": 1},
		"nodes": [{"id": "s", "type": "Start"}],
		"connections": []
	}`)

	// 显式参数优先于 metadata
	job, err := d.Dispatch(ctx, Request{Workflow: withMeta, Environment: "staging", Priority: "critical", MaxRetries: intPtr(5)})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if job.Environment != "staging" || job.Priority != queue.PriorityCritical || job.MaxRetries != 5 {
		t.Fatalf("显式参数应覆盖 metadata: %+v", job)
	}

	// 无显式参数时落到 metadata
	job, err = d.Dispatch(ctx, Request{Workflow: withMeta})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if job.Environment != "prod" || job.Priority != queue.PriorityHigh || job.MaxRetries != 1 {
		t.Fatalf("metadata 默认值未生效: %+v", job)
	}

	// 两者皆无时取系统默认
	job, err = d.Dispatch(ctx, Request{Workflow: []byte(minimalWorkflow)})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if job.Environment != queue.EnvDefault || job.Priority != queue.PriorityNormal || job.MaxRetries != 3 {
		t.Fatalf("系统默认值未生效: %+v", job)
	}
}

func TestDispatchIdempotencyHash(t *testing.T) {
	store := queue.NewMemStore(nil, nil, 0)
	d := New(store, 3, nil)
	ctx := context.Background()

	req := Request{Workflow: []byte(minimalWorkflow), IdempotencyKey: "key-1"}
	first, err := d.Dispatch(ctx, req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	second, err := d.Dispatch(ctx, req)
	if err != nil {
		t.Fatalf("Dispatch(重放): %v", err)
	}
	if first.ID != second.ID {
		t.Fatal("同键同载荷重放应返回原 job")
	}

	// 载荷哈希是 byte-exact 的：仅加一个空格也算不同载荷
	altered := Request{Workflow: []byte(minimalWorkflow + " "), IdempotencyKey: "key-1"}
	if _, err := d.Dispatch(ctx, altered); !errors.IsKind(err, errors.KindConflict) {
		t.Fatalf("同键异载荷应 conflict, got %v", err)
	}
}

func TestDispatchRejectsInvalidWorkflow(t *testing.T) {
	d := New(queue.NewMemStore(nil, nil, 0), 3, nil)
	if _, err := d.Dispatch(context.Background(), Request{Workflow: []byte(`{"nodes": []}`)}); !errors.IsKind(err, errors.KindInvalidArgument) {
		t.Fatalf("非法工作流应在提交时拒绝, got %v", err)
	}
}

func intPtr(n int) *int { return &n }
