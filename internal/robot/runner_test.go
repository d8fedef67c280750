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
	stderrors "errors"
	"testing"
	"time"

	"rpa-platform/internal/queue"
	"rpa-platform/internal/registry"
)

// memAPI 直连内存 store 的 API 桩，跳过 HTTP 层
type memAPI struct {
	store *queue.MemStore
	reg   *registry.Registry
}

func newMemAPI() *memAPI {
	return &memAPI{
		store: queue.NewMemStore(nil, queue.NewRetryPolicy(time.Microsecond, 10*time.Microsecond), 0),
		reg:   registry.New(registry.NewMemStore(), nil, time.Minute, nil),
	}
}

func (m *memAPI) Register(ctx context.Context, req registry.RegisterRequest) (*registry.Robot, error) {
	return m.reg.Register(ctx, req)
}

func (m *memAPI) Heartbeat(ctx context.Context, robotID string, report registry.HeartbeatReport) (*registry.Robot, error) {
	return m.reg.Heartbeat(ctx, robotID, report)
}

func (m *memAPI) Claim(ctx context.Context, params ClaimParams) ([]*queue.Job, error) {
	return m.store.Claim(ctx, queue.ClaimRequest{
		Environment:       params.Environment,
		RobotID:           params.RobotID,
		BatchSize:         params.BatchSize,
		VisibilityTimeout: time.Duration(params.VisibilityTimeoutSeconds) * time.Second,
		Capabilities:      params.Capabilities,
	})
}

func (m *memAPI) Extend(ctx context.Context, jobID, leaseToken string, extendBy time.Duration) (queue.ExtendResult, error) {
	return m.store.ExtendLease(ctx, jobID, leaseToken, extendBy)
}

func (m *memAPI) Complete(ctx context.Context, jobID, leaseToken string, result map[string]any) error {
	return m.store.Complete(ctx, jobID, leaseToken, result)
}

func (m *memAPI) Fail(ctx context.Context, jobID, leaseToken, errMsg string, permanent bool) error {
	return m.store.Fail(ctx, jobID, leaseToken, errMsg, permanent)
}

func submit(t *testing.T, api *memAPI, payload string) *queue.Job {
	t.Helper()
	j, err := api.store.Submit(context.Background(), &queue.Spec{
		Payload:  []byte(payload),
		Priority: queue.PriorityNormal,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return j
}

func waitStatus(t *testing.T, api *memAPI, jobID string, want queue.Status, timeout time.Duration) *queue.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		j, err := api.store.Get(context.Background(), jobID)
		if err == nil && j.Status == want {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	j, _ := api.store.Get(context.Background(), jobID)
	t.Fatalf("job %s 未在 %v 内到达 %s, 当前: %+v", jobID, timeout, want, j)
	return nil
}

func testConfig() Config {
	return Config{
		Name:              "bot-test",
		MachineID:         "machine-test",
		HeartbeatInterval: 10 * time.Millisecond,
		VisibilityTimeout: 2 * time.Second,
		PollInterval:      5 * time.Millisecond,
		BatchSize:         2,
		Concurrency:       2,
	}
}

func TestRunnerCompletesJob(t *testing.T) {
	api := newMemAPI()
	job := submit(t, api, `{"w":1}`)

	engine := EngineFunc(func(ctx context.Context, j *queue.Job) (map[string]any, error) {
		return map[string]any{"output": string(j.Payload)}, nil
	})
	r := NewRunner(api, engine, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	got := waitStatus(t, api, job.ID, queue.StatusCompleted, 2*time.Second)
	if got.Result["output"] != `{"w":1}` {
		t.Fatalf("结果未回传: %+v", got.Result)
	}
	// 注册与心跳也应已发生
	robots, _ := api.reg.List(context.Background(), registry.ListFilter{})
	if len(robots) != 1 || !robots[0].Online {
		t.Fatalf("robot 应注册且在线: %+v", robots)
	}
}

func TestRunnerReportsFailure(t *testing.T) {
	api := newMemAPI()
	job := submit(t, api, `{"w":2}`)

	engine := EngineFunc(func(ctx context.Context, j *queue.Job) (map[string]any, error) {
		return nil, stderrors.New("element not found")
	})
	r := NewRunner(api, engine, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	// 可重试失败 + 退避极短：runner 会反复认领直至 max_retries 耗尽
	got := waitStatus(t, api, job.ID, queue.StatusDeadLetter, 3*time.Second)
	if got.ErrorMessage != "element not found" {
		t.Fatalf("错误信息未保留: %q", got.ErrorMessage)
	}
	if got.RetryCount != got.MaxRetries {
		t.Fatalf("应耗尽重试: %d/%d", got.RetryCount, got.MaxRetries)
	}
}

func TestRunnerPermanentFailureSkipsRetry(t *testing.T) {
	api := newMemAPI()
	job := submit(t, api, `{"w":3}`)

	engine := EngineFunc(func(ctx context.Context, j *queue.Job) (map[string]any, error) {
		return nil, Permanent(stderrors.New("workflow malformed"))
	})
	r := NewRunner(api, engine, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	got := waitStatus(t, api, job.ID, queue.StatusDeadLetter, 2*time.Second)
	if got.RetryCount != 0 {
		t.Fatalf("permanent 失败不应重试: %+v", got)
	}
}

func TestRunnerCooperativeCancel(t *testing.T) {
	api := newMemAPI()
	job := submit(t, api, `{"w":4}`)

	started := make(chan struct{})
	engine := EngineFunc(func(ctx context.Context, j *queue.Job) (map[string]any, error) {
		close(started)
		<-ctx.Done() // 模拟长任务，直到被取消
		return nil, ctx.Err()
	})
	cfg := testConfig()
	cfg.VisibilityTimeout = 100 * time.Millisecond // 续租间隔 50ms，尽快发现取消
	r := NewRunner(api, engine, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	<-started
	if err := api.store.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got := waitStatus(t, api, job.ID, queue.StatusCancelled, 2*time.Second)
	if got.CompletedAt.IsZero() {
		t.Fatalf("取消收敛后应有完成时间: %+v", got)
	}
}

func TestPermanentClassification(t *testing.T) {
	if IsPermanent(stderrors.New("x")) {
		t.Fatal("普通错误不应视为 permanent")
	}
	wrapped := Permanent(stderrors.New("x"))
	if !IsPermanent(wrapped) {
		t.Fatal("Permanent 标记丢失")
	}
	if IsPermanent(nil) {
		t.Fatal("nil 不应为 permanent")
	}
}
