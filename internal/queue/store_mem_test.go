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

package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"rpa-platform/internal/bus"
	"rpa-platform/pkg/errors"
)

// capturePub 记录发布的事件，测试断言用
type capturePub struct {
	mu     sync.Mutex
	events []bus.Event
}

func (p *capturePub) Publish(e bus.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *capturePub) kinds() []bus.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]bus.EventKind, len(p.events))
	for i, e := range p.events {
		out[i] = e.Kind
	}
	return out
}

func (p *capturePub) count(kind bus.EventKind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func newTestStore(pub bus.Publisher) *MemStore {
	// 极短退避让重试后的 job 立即可见
	return NewMemStore(pub, NewRetryPolicy(time.Microsecond, 10*time.Microsecond), 0)
}

func submitOne(t *testing.T, s *MemStore, spec *Spec) *Job {
	t.Helper()
	j, err := s.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return j
}

func claimOne(t *testing.T, s *MemStore, robotID string) *Job {
	t.Helper()
	jobs, err := s.Claim(context.Background(), ClaimRequest{
		Environment:       EnvDefault,
		RobotID:           robotID,
		BatchSize:         1,
		VisibilityTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Claim 取得 %d 个 job, want 1", len(jobs))
	}
	return jobs[0]
}

func TestSubmitValidation(t *testing.T) {
	s := newTestStore(nil)
	ctx := context.Background()
	cases := []*Spec{
		{Payload: nil, Priority: PriorityNormal},
		{Payload: []byte(`{}`), Priority: 21},
		{Payload: []byte(`{}`), Priority: -1},
		{Payload: []byte(`{}`), Priority: PriorityNormal, MaxRetries: -1},
		{Payload: []byte(`{}`), Priority: PriorityNormal, ScheduledDelay: -time.Second},
	}
	for i, spec := range cases {
		if _, err := s.Submit(ctx, spec); !errors.IsKind(err, errors.KindInvalidArgument) {
			t.Errorf("case %d: want invalid_argument, got %v", i, err)
		}
	}
}

func TestSubmitDefaults(t *testing.T) {
	pub := &capturePub{}
	s := newTestStore(pub)
	j := submitOne(t, s, &Spec{Payload: []byte(`{"nodes":[]}`), Priority: PriorityNormal})
	if j.TenantID != "default" || j.Environment != EnvDefault {
		t.Fatalf("默认租户/环境错误: %q / %q", j.TenantID, j.Environment)
	}
	if j.Status != StatusQueued || j.ID == "" {
		t.Fatalf("提交后应为 queued 且分配 id: %+v", j)
	}
	if got := pub.kinds(); len(got) != 1 || got[0] != bus.JobCreated {
		t.Fatalf("应恰好发布一条 job.created, got %v", got)
	}
}

func TestSubmitIdempotency(t *testing.T) {
	s := newTestStore(nil)
	ctx := context.Background()
	spec := &Spec{
		Payload:        []byte(`{"v":1}`),
		Priority:       PriorityNormal,
		IdempotencyKey: "req-1",
		PayloadHash:    "hash-a",
	}
	first := submitOne(t, s, spec)
	second := submitOne(t, s, spec)
	if first.ID != second.ID {
		t.Fatalf("幂等重放应返回同一 job: %s vs %s", first.ID, second.ID)
	}

	conflict := &Spec{Payload: []byte(`{"v":2}`), Priority: PriorityNormal, IdempotencyKey: "req-1", PayloadHash: "hash-b"}
	if _, err := s.Submit(ctx, conflict); !errors.IsKind(err, errors.KindConflict) {
		t.Fatalf("键同载荷异应返回 conflict, got %v", err)
	}

	// 不同租户的同名键互不可见
	other := submitOne(t, s, &Spec{TenantID: "acme", Payload: []byte(`{"v":1}`), Priority: PriorityNormal, IdempotencyKey: "req-1", PayloadHash: "hash-a"})
	if other.ID == first.ID {
		t.Fatal("幂等键应按租户隔离")
	}
}

func TestIdempotencyKeyExpiry(t *testing.T) {
	s := NewMemStore(nil, NewRetryPolicy(0, 0), time.Millisecond)
	spec := &Spec{Payload: []byte(`{}`), Priority: PriorityNormal, IdempotencyKey: "req-2", PayloadHash: "h"}
	first := submitOne(t, s, spec)
	time.Sleep(5 * time.Millisecond)
	second := submitOne(t, s, spec)
	if first.ID == second.ID {
		t.Fatal("键过期后重放应创建新 job")
	}
}

func TestClaimOrdering(t *testing.T) {
	s := newTestStore(nil)
	j1 := submitOne(t, s, &Spec{Payload: []byte(`1`), Priority: PriorityNormal})
	time.Sleep(2 * time.Millisecond)
	j2 := submitOne(t, s, &Spec{Payload: []byte(`2`), Priority: PriorityHigh})
	time.Sleep(2 * time.Millisecond)
	j3 := submitOne(t, s, &Spec{Payload: []byte(`3`), Priority: PriorityHigh})

	jobs, err := s.Claim(context.Background(), ClaimRequest{
		Environment: EnvDefault, RobotID: "r1", BatchSize: 3, VisibilityTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	want := []string{j2.ID, j3.ID, j1.ID}
	if len(jobs) != 3 {
		t.Fatalf("want 3 jobs, got %d", len(jobs))
	}
	for i, j := range jobs {
		if j.ID != want[i] {
			t.Fatalf("认领顺序错误: got %v, want %v", []string{jobs[0].ID, jobs[1].ID, jobs[2].ID}, want)
		}
		if j.Status != StatusClaimed || j.LeaseToken == "" || j.RobotID != "r1" {
			t.Fatalf("认领后的 job 字段不完整: %+v", j)
		}
	}
}

func TestClaimEnvironmentAndCapabilities(t *testing.T) {
	s := newTestStore(nil)
	ctx := context.Background()
	prod := submitOne(t, s, &Spec{Payload: []byte(`p`), Priority: PriorityNormal, Environment: "prod"})
	submitOne(t, s, &Spec{Payload: []byte(`s`), Priority: PriorityNormal, Environment: "staging"})
	needsOCR := submitOne(t, s, &Spec{Payload: []byte(`o`), Priority: PriorityCritical, RequiredCapabilities: []string{"ocr", "browser"}})

	// prod robot 看不到 staging；能力不足时跳过高优先级 job
	jobs, err := s.Claim(ctx, ClaimRequest{Environment: "prod", RobotID: "r1", BatchSize: 10, VisibilityTimeout: time.Minute, Capabilities: []string{"browser"}})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != prod.ID {
		t.Fatalf("prod robot 应只认领 prod job, got %v", jobs)
	}

	// 能力覆盖后 default 环境 job 可认领
	jobs, err = s.Claim(ctx, ClaimRequest{Environment: "prod", RobotID: "r2", BatchSize: 10, VisibilityTimeout: time.Minute, Capabilities: []string{"ocr", "browser", "excel"}})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != needsOCR.ID {
		t.Fatalf("能力覆盖后应认领到 ocr job, got %v", jobs)
	}

	// default 环境 robot 通配所有环境
	jobs, err = s.Claim(ctx, ClaimRequest{Environment: EnvDefault, RobotID: "r3", BatchSize: 10, VisibilityTimeout: time.Minute})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Environment != "staging" {
		t.Fatalf("default robot 应认领剩余 staging job, got %v", jobs)
	}
}

func TestClaimScheduledDelay(t *testing.T) {
	s := newTestStore(nil)
	submitOne(t, s, &Spec{Payload: []byte(`d`), Priority: PriorityNormal, ScheduledDelay: time.Hour})
	jobs, err := s.Claim(context.Background(), ClaimRequest{Environment: EnvDefault, RobotID: "r1", BatchSize: 1, VisibilityTimeout: time.Minute})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatal("延迟提交的 job 在 visible_after 前不可认领")
	}
}

func TestClaimConcurrentDisjoint(t *testing.T) {
	s := newTestStore(nil)
	const total = 100
	for i := 0; i < total; i++ {
		submitOne(t, s, &Spec{Payload: []byte(`x`), Priority: PriorityNormal})
	}
	var (
		mu      sync.Mutex
		claimed = make(map[string]string)
		wg      sync.WaitGroup
	)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(robot string) {
			defer wg.Done()
			for {
				jobs, err := s.Claim(context.Background(), ClaimRequest{Environment: EnvDefault, RobotID: robot, BatchSize: 7, VisibilityTimeout: time.Minute})
				if err != nil {
					t.Errorf("Claim: %v", err)
					return
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					if prev, dup := claimed[j.ID]; dup {
						t.Errorf("job %s 被 %s 与 %s 重复认领", j.ID, prev, robot)
					}
					claimed[j.ID] = robot
				}
				mu.Unlock()
			}
		}("robot-" + string(rune('a'+r)))
	}
	wg.Wait()
	if len(claimed) != total {
		t.Fatalf("认领总数 %d, want %d", len(claimed), total)
	}
}

func TestExtendLease(t *testing.T) {
	s := newTestStore(nil)
	ctx := context.Background()
	submitOne(t, s, &Spec{Payload: []byte(`x`), Priority: PriorityNormal})
	j := claimOne(t, s, "r1")

	res, err := s.ExtendLease(ctx, j.ID, j.LeaseToken, time.Minute)
	if err != nil || !res.OK || res.CancelRequested {
		t.Fatalf("续租应成功且无取消请求: %+v, %v", res, err)
	}
	// 错误 token 返回 ok=false 而非错误
	res, err = s.ExtendLease(ctx, j.ID, "bogus", time.Minute)
	if err != nil || res.OK {
		t.Fatalf("坏 token 续租应 ok=false: %+v, %v", res, err)
	}
	// 不存在的 job 同样 ok=false
	res, err = s.ExtendLease(ctx, "job-missing", j.LeaseToken, time.Minute)
	if err != nil || res.OK {
		t.Fatalf("缺失 job 续租应 ok=false: %+v, %v", res, err)
	}
}

func TestExtendLeaseRetrySafe(t *testing.T) {
	s := newTestStore(nil)
	ctx := context.Background()
	submitOne(t, s, &Spec{Payload: []byte(`x`), Priority: PriorityNormal})
	j := claimOne(t, s, "r1")

	// 网络层重试会把同一续租请求发多次；到期时刻必须收敛而非逐次叠加
	for i := 0; i < 3; i++ {
		res, err := s.ExtendLease(ctx, j.ID, j.LeaseToken, time.Minute)
		if err != nil || !res.OK {
			t.Fatalf("第 %d 次续租: %+v, %v", i+1, res, err)
		}
	}
	got, _ := s.Get(ctx, j.ID)
	until := time.Until(got.VisibleAfter)
	if until > 61*time.Second {
		t.Fatalf("重放续租叠加了到期时刻: 剩余 %v, want ≈1m", until)
	}
	if until < 50*time.Second {
		t.Fatalf("续租未生效: 剩余 %v", until)
	}
}

func TestCompleteAndStaleLease(t *testing.T) {
	pub := &capturePub{}
	s := newTestStore(pub)
	ctx := context.Background()
	submitOne(t, s, &Spec{Payload: []byte(`x`), Priority: PriorityNormal})
	j := claimOne(t, s, "r1")

	if err := s.Complete(ctx, j.ID, "bogus", nil); !errors.IsKind(err, errors.KindStaleLease) {
		t.Fatalf("坏 token 完成应 stale_lease, got %v", err)
	}
	if err := s.Complete(ctx, j.ID, j.LeaseToken, map[string]any{"rows": 42}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted || got.Result["rows"] != 42 || got.CompletedAt.IsZero() {
		t.Fatalf("完成后的 job 不完整: %+v", got)
	}
	// 终态后再次 complete 一律 stale_lease
	if err := s.Complete(ctx, j.ID, j.LeaseToken, nil); !errors.IsKind(err, errors.KindStaleLease) {
		t.Fatalf("重复完成应 stale_lease, got %v", err)
	}
	if pub.count(bus.JobCompleted) != 1 {
		t.Fatalf("job.completed 应恰好一条, got %d", pub.count(bus.JobCompleted))
	}
	if err := s.Complete(ctx, "job-missing", j.LeaseToken, nil); !errors.IsKind(err, errors.KindNotFound) {
		t.Fatalf("缺失 job 完成应 not_found, got %v", err)
	}
}

func TestFailRetryThenDeadLetter(t *testing.T) {
	pub := &capturePub{}
	s := newTestStore(pub)
	ctx := context.Background()
	submitOne(t, s, &Spec{Payload: []byte(`x`), Priority: PriorityNormal, MaxRetries: 2})

	// 第一、二次失败重试；第三次耗尽进入 dead_letter
	for attempt := 1; attempt <= 3; attempt++ {
		time.Sleep(time.Millisecond) // 退避极短，睡过 visible_after
		j := claimOne(t, s, "r1")
		if j.RetryCount != attempt-1 {
			t.Fatalf("第 %d 次认领 retry_count = %d", attempt, j.RetryCount)
		}
		if err := s.Fail(ctx, j.ID, j.LeaseToken, "selector not found", false); err != nil {
			t.Fatalf("Fail: %v", err)
		}
	}
	jobs, err := s.List(ctx, ListFilter{Status: StatusDeadLetter})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("应恰有一个 dead_letter job: %v, %v", jobs, err)
	}
	if jobs[0].ErrorMessage != "selector not found" || jobs[0].RetryCount != 2 {
		t.Fatalf("dead_letter job 字段错误: %+v", jobs[0])
	}
	if pub.count(bus.JobFailed) != 2 || pub.count(bus.JobDeadLettered) != 1 {
		t.Fatalf("事件计数错误: failed=%d dead_lettered=%d", pub.count(bus.JobFailed), pub.count(bus.JobDeadLettered))
	}
}

func TestFailPermanentSkipsRetry(t *testing.T) {
	s := newTestStore(nil)
	ctx := context.Background()
	submitOne(t, s, &Spec{Payload: []byte(`x`), Priority: PriorityNormal, MaxRetries: 5})
	j := claimOne(t, s, "r1")
	if err := s.Fail(ctx, j.ID, j.LeaseToken, "workflow schema invalid", true); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got, _ := s.Get(ctx, j.ID)
	if got.Status != StatusDeadLetter {
		t.Fatalf("permanent 失败应直接 dead_letter, got %s", got.Status)
	}
}

func TestRecoverExpiredRequeuesAndInvalidatesLease(t *testing.T) {
	pub := &capturePub{}
	s := newTestStore(pub)
	ctx := context.Background()
	submitOne(t, s, &Spec{Payload: []byte(`x`), Priority: PriorityNormal, MaxRetries: 3})
	j := claimOne(t, s, "r1")
	oldToken := j.LeaseToken

	ids, err := s.RecoverExpired(ctx, time.Now().Add(2*time.Minute))
	if err != nil || len(ids) != 1 || ids[0] != j.ID {
		t.Fatalf("应回收该租约: %v, %v", ids, err)
	}
	if pub.count(bus.JobRetryScheduled) != 1 {
		t.Fatal("回收重入队应发布 job.retry_scheduled")
	}

	// 崩溃的 robot 回来用旧 token 汇报，必须拒绝
	if err := s.Complete(ctx, j.ID, oldToken, nil); !errors.IsKind(err, errors.KindStaleLease) {
		t.Fatalf("旧 token 应 stale_lease, got %v", err)
	}

	// 重新认领拿到新 token
	time.Sleep(time.Millisecond)
	j2 := claimOne(t, s, "r2")
	if j2.ID != j.ID || j2.LeaseToken == oldToken {
		t.Fatalf("重认领应发新 token: %+v", j2)
	}
	if j2.RetryCount != 1 || j2.ErrorMessage != "visibility timeout" {
		t.Fatalf("回收应计一次重试并记录合成错误: %+v", j2)
	}
	if err := s.Complete(ctx, j2.ID, j2.LeaseToken, nil); err != nil {
		t.Fatalf("新持有者完成失败: %v", err)
	}
}

func TestRecoverExpiredExhaustedGoesDeadLetter(t *testing.T) {
	s := newTestStore(nil)
	ctx := context.Background()
	submitOne(t, s, &Spec{Payload: []byte(`x`), Priority: PriorityNormal, MaxRetries: 0})
	j := claimOne(t, s, "r1")
	if _, err := s.RecoverExpired(ctx, time.Now().Add(2*time.Minute)); err != nil {
		t.Fatalf("RecoverExpired: %v", err)
	}
	got, _ := s.Get(ctx, j.ID)
	if got.Status != StatusDeadLetter || got.ErrorMessage != "visibility timeout" {
		t.Fatalf("重试余量耗尽应 dead_letter: %+v", got)
	}
}

func TestCancelQueued(t *testing.T) {
	pub := &capturePub{}
	s := newTestStore(pub)
	ctx := context.Background()
	j := submitOne(t, s, &Spec{Payload: []byte(`x`), Priority: PriorityNormal})
	if err := s.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := s.Get(ctx, j.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("queued 取消应立即 cancelled, got %s", got.Status)
	}
	// 终态取消为 no-op，不再发事件
	if err := s.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("终态取消应 no-op: %v", err)
	}
	if pub.count(bus.JobCancelled) != 1 {
		t.Fatalf("job.cancelled 应恰好一条, got %d", pub.count(bus.JobCancelled))
	}
	if err := s.Cancel(ctx, "job-missing"); !errors.IsKind(err, errors.KindNotFound) {
		t.Fatalf("缺失 job 取消应 not_found, got %v", err)
	}
}

func TestCancelClaimedCooperative(t *testing.T) {
	s := newTestStore(nil)
	ctx := context.Background()
	submitOne(t, s, &Spec{Payload: []byte(`x`), Priority: PriorityNormal, MaxRetries: 3})
	j := claimOne(t, s, "r1")

	if err := s.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := s.Get(ctx, j.ID)
	if got.Status != StatusClaimed {
		t.Fatalf("claimed 取消不应立即迁移, got %s", got.Status)
	}
	// robot 在续租时得知取消请求
	res, err := s.ExtendLease(ctx, j.ID, j.LeaseToken, time.Minute)
	if err != nil || !res.OK || !res.CancelRequested {
		t.Fatalf("续租应带回取消请求: %+v, %v", res, err)
	}
	// robot 配合终止并汇报失败，收敛为 cancelled 而非重试
	if err := s.Fail(ctx, j.ID, j.LeaseToken, "cancelled by operator", false); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got, _ = s.Get(ctx, j.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("取消请求下的失败应收敛为 cancelled, got %s", got.Status)
	}
}

func TestPurgeTerminal(t *testing.T) {
	s := newTestStore(nil)
	ctx := context.Background()
	submitOne(t, s, &Spec{Payload: []byte(`x`), Priority: PriorityNormal})
	j := claimOne(t, s, "r1")
	if err := s.Complete(ctx, j.ID, j.LeaseToken, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	keep := submitOne(t, s, &Spec{Payload: []byte(`y`), Priority: PriorityNormal})

	time.Sleep(2 * time.Millisecond)
	n, err := s.PurgeTerminal(ctx, time.Millisecond)
	if err != nil || n != 1 {
		t.Fatalf("应清理 1 个终态 job: %d, %v", n, err)
	}
	if _, err := s.Get(ctx, j.ID); !errors.IsKind(err, errors.KindNotFound) {
		t.Fatalf("清理后的 job 应不可见, got %v", err)
	}
	if _, err := s.Get(ctx, keep.ID); err != nil {
		t.Fatalf("非终态 job 不应被清理: %v", err)
	}
}

func TestListFilters(t *testing.T) {
	s := newTestStore(nil)
	ctx := context.Background()
	submitOne(t, s, &Spec{TenantID: "acme", Payload: []byte(`a`), Priority: PriorityNormal, Environment: "prod", WorkflowID: "wf-1"})
	submitOne(t, s, &Spec{TenantID: "acme", Payload: []byte(`b`), Priority: PriorityNormal, Environment: "staging", WorkflowID: "wf-2"})
	submitOne(t, s, &Spec{TenantID: "globex", Payload: []byte(`c`), Priority: PriorityNormal})

	jobs, err := s.List(ctx, ListFilter{TenantID: "acme"})
	if err != nil || len(jobs) != 2 {
		t.Fatalf("租户过滤: got %d, %v", len(jobs), err)
	}
	jobs, _ = s.List(ctx, ListFilter{TenantID: "acme", Environment: "prod"})
	if len(jobs) != 1 || jobs[0].WorkflowID != "wf-1" {
		t.Fatalf("环境过滤: %v", jobs)
	}
	jobs, _ = s.List(ctx, ListFilter{Limit: 2})
	if len(jobs) != 2 {
		t.Fatalf("limit: got %d", len(jobs))
	}
	jobs, _ = s.List(ctx, ListFilter{Offset: 10})
	if len(jobs) != 0 {
		t.Fatalf("越界 offset 应为空: %v", jobs)
	}
}

func TestAuditLog(t *testing.T) {
	s := newTestStore(nil)
	ctx := context.Background()
	submitOne(t, s, &Spec{Payload: []byte(`x`), Priority: PriorityNormal})
	j := claimOne(t, s, "r1")
	if err := s.Complete(ctx, j.ID, j.LeaseToken, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	entries, err := s.AuditLog(ctx, j.ID)
	if err != nil {
		t.Fatalf("AuditLog: %v", err)
	}
	wantNew := []Status{StatusQueued, StatusClaimed, StatusCompleted}
	if len(entries) != len(wantNew) {
		t.Fatalf("审计条数 %d, want %d", len(entries), len(wantNew))
	}
	for i, e := range entries {
		if e.New != wantNew[i] {
			t.Fatalf("审计序列错误: %v", entries)
		}
	}
}

func TestCountByStatus(t *testing.T) {
	s := newTestStore(nil)
	ctx := context.Background()
	submitOne(t, s, &Spec{Payload: []byte(`a`), Priority: PriorityNormal})
	submitOne(t, s, &Spec{Payload: []byte(`b`), Priority: PriorityNormal})
	claimOne(t, s, "r1")
	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[StatusQueued] != 1 || counts[StatusClaimed] != 1 {
		t.Fatalf("状态统计错误: %v", counts)
	}
}
