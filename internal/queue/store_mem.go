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
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"rpa-platform/internal/bus"
	"rpa-platform/pkg/errors"
	"rpa-platform/pkg/metrics"
)

// DefaultIdempotencyTTL 幂等键默认有效期
const DefaultIdempotencyTTL = 24 * time.Hour

type idemEntry struct {
	jobID       string
	payloadHash string
	expiresAt   time.Time
}

// MemStore 内存实现：互斥锁 + map；单进程 dev 模式与测试使用。
// 事件在持锁期间发布（bus.Publish 非阻塞），保证 per-subject 顺序与迁移顺序一致。
type MemStore struct {
	mu    sync.Mutex
	byID  map[string]*Job
	idem  map[string]idemEntry
	audit map[string][]AuditEntry

	pub     bus.Publisher
	retry   *RetryPolicy
	idemTTL time.Duration
}

var _ Store = (*MemStore)(nil)

// NewMemStore 创建内存 Store；pub 可为 nil（不发布事件），retry 为 nil 时使用默认策略
func NewMemStore(pub bus.Publisher, retry *RetryPolicy, idemTTL time.Duration) *MemStore {
	if pub == nil {
		pub = bus.NopPublisher{}
	}
	if retry == nil {
		retry = NewRetryPolicy(0, 0)
	}
	if idemTTL <= 0 {
		idemTTL = DefaultIdempotencyTTL
	}
	return &MemStore{
		byID:    make(map[string]*Job),
		idem:    make(map[string]idemEntry),
		audit:   make(map[string][]AuditEntry),
		pub:     pub,
		retry:   retry,
		idemTTL: idemTTL,
	}
}

func newJobID() string { return "job-" + uuid.New().String() }
func newLeaseToken() string { return uuid.New().String() }

func tenantOrDefault(t string) string {
	if t == "" {
		return "default"
	}
	return t
}

func (s *MemStore) record(j *Job, old Status, detail string) {
	s.audit[j.ID] = append(s.audit[j.ID], AuditEntry{
		JobID:     j.ID,
		Old:       old,
		New:       j.Status,
		RobotID:   j.RobotID,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
}

func (s *MemStore) emit(kind bus.EventKind, j *Job, old Status, requestID string) {
	s.pub.Publish(bus.Event{
		Kind:      kind,
		Subject:   bus.SubjectJob,
		SubjectID: j.ID,
		TenantID:  j.TenantID,
		RequestID: requestID,
		Old:       string(old),
		New:       string(j.Status),
	})
}

func (s *MemStore) Submit(ctx context.Context, spec *Spec) (*Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if spec.IdempotencyKey != "" {
		key := tenantOrDefault(spec.TenantID) + "/" + spec.IdempotencyKey
		if e, ok := s.idem[key]; ok {
			if now.Before(e.expiresAt) {
				if e.payloadHash != spec.PayloadHash {
					return nil, errors.E(errors.KindConflict, "幂等键已绑定不同载荷")
				}
				if prior, ok := s.byID[e.jobID]; ok {
					return prior.Clone(), nil
				}
			}
			delete(s.idem, key)
		}
	}

	j := &Job{
		ID:                   newJobID(),
		TenantID:             tenantOrDefault(spec.TenantID),
		WorkflowID:           spec.WorkflowID,
		Payload:              append([]byte(nil), spec.Payload...),
		Environment:          envOrDefault(spec.Environment),
		Priority:             spec.Priority,
		RequiredCapabilities: append([]string(nil), spec.RequiredCapabilities...),
		Variables:            spec.Variables,
		Status:               StatusQueued,
		MaxRetries:           spec.MaxRetries,
		VisibleAfter:         now.Add(spec.ScheduledDelay),
		CreatedAt:            now,
		UpdatedAt:            now,
		IdempotencyKey:       spec.IdempotencyKey,
	}
	s.byID[j.ID] = j
	if spec.IdempotencyKey != "" {
		key := j.TenantID + "/" + spec.IdempotencyKey
		s.idem[key] = idemEntry{jobID: j.ID, payloadHash: spec.PayloadHash, expiresAt: now.Add(s.idemTTL)}
	}
	s.record(j, "", "submitted")
	s.emit(bus.JobCreated, j, "", spec.RequestID)
	return j.Clone(), nil
}

func envOrDefault(env string) string {
	env = strings.TrimSpace(env)
	if env == "" {
		return EnvDefault
	}
	return env
}

func (s *MemStore) Claim(ctx context.Context, req ClaimRequest) ([]*Job, error) {
	if req.BatchSize <= 0 {
		return nil, nil
	}
	if req.VisibilityTimeout <= 0 {
		return nil, errors.E(errors.KindInvalidArgument, "visibility_timeout 必须为正")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var eligible []*Job
	for _, j := range s.byID {
		if j.Status != StatusQueued || j.VisibleAfter.After(now) {
			continue
		}
		if !EnvMatches(j.Environment, envOrDefault(req.Environment)) {
			continue
		}
		// 能力过滤是 post-select 谓词：不满足的行跳过，仍对其他认领者可见
		if !j.HasCapabilities(req.Capabilities) {
			continue
		}
		eligible = append(eligible, j)
	}
	sort.Slice(eligible, func(a, b int) bool {
		ja, jb := eligible[a], eligible[b]
		if ja.Priority != jb.Priority {
			return ja.Priority > jb.Priority
		}
		if !ja.CreatedAt.Equal(jb.CreatedAt) {
			return ja.CreatedAt.Before(jb.CreatedAt)
		}
		return ja.ID < jb.ID
	})
	if len(eligible) > req.BatchSize {
		eligible = eligible[:req.BatchSize]
	}

	out := make([]*Job, 0, len(eligible))
	for _, j := range eligible {
		old := j.Status
		j.Status = StatusClaimed
		j.RobotID = req.RobotID
		j.LeaseToken = newLeaseToken()
		j.StartedAt = now
		j.VisibleAfter = now.Add(req.VisibilityTimeout)
		j.UpdatedAt = now
		s.record(j, old, "claimed by "+req.RobotID)
		s.emit(bus.JobClaimed, j, old, "")
		out = append(out, j.Clone())
	}
	return out, nil
}

func (s *MemStore) ExtendLease(ctx context.Context, jobID, leaseToken string, extendBy time.Duration) (ExtendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[jobID]
	if !ok {
		return ExtendResult{}, nil
	}
	if j.Status != StatusClaimed || j.LeaseToken != leaseToken || leaseToken == "" {
		return ExtendResult{}, nil
	}
	if extendBy > 0 {
		// 绝对语义：到期时刻取 max(原值, now+extend_by)，同一请求重放不会把租约越推越远
		now := time.Now()
		if exp := now.Add(extendBy); exp.After(j.VisibleAfter) {
			j.VisibleAfter = exp
		}
		j.UpdatedAt = now
	}
	return ExtendResult{OK: true, CancelRequested: !j.CancelRequestedAt.IsZero()}, nil
}

// holdsLease 持锁调用；返回持有租约的 job 或 stale_lease/not_found
func (s *MemStore) holdsLease(jobID, leaseToken string) (*Job, error) {
	j, ok := s.byID[jobID]
	if !ok {
		return nil, errors.Ef(errors.KindNotFound, "job %s 不存在", jobID)
	}
	if j.Status != StatusClaimed || leaseToken == "" || j.LeaseToken != leaseToken {
		return nil, errors.E(errors.KindStaleLease, "租约 token 不匹配或已失效")
	}
	return j, nil
}

func (s *MemStore) Complete(ctx context.Context, jobID, leaseToken string, result map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.holdsLease(jobID, leaseToken)
	if err != nil {
		return err
	}
	now := time.Now()
	old := j.Status
	j.Status = StatusCompleted
	j.Result = result
	j.CompletedAt = now
	j.UpdatedAt = now
	j.RobotID = ""
	j.LeaseToken = ""
	observeDuration(j)
	s.record(j, old, "completed")
	s.emit(bus.JobCompleted, j, old, "")
	return nil
}

func (s *MemStore) Fail(ctx context.Context, jobID, leaseToken, errMsg string, permanent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.holdsLease(jobID, leaseToken)
	if err != nil {
		return err
	}
	s.disposeFailure(j, errMsg, permanent, bus.JobFailed)
	return nil
}

// disposeFailure 失败处置策略的唯一实现点；fail 与租约过期共用。
// retryKind 区分 robot 主动 fail（job.failed）与过期回收（job.retry_scheduled）的重试事件。
func (s *MemStore) disposeFailure(j *Job, errMsg string, permanent bool, retryKind bus.EventKind) {
	now := time.Now()
	old := j.Status
	j.ErrorMessage = errMsg
	j.RobotID = ""
	j.LeaseToken = ""
	j.UpdatedAt = now

	switch {
	case !j.CancelRequestedAt.IsZero():
		// 取消请求下的失败收敛为 cancelled，而非 dead_letter
		j.Status = StatusCancelled
		j.CompletedAt = now
		observeDuration(j)
		s.record(j, old, "cancelled: "+errMsg)
		s.emit(bus.JobCancelled, j, old, "")
	case s.retry.ShouldRetry(j.RetryCount, j.MaxRetries, permanent):
		j.RetryCount++
		j.Status = StatusQueued
		j.VisibleAfter = now.Add(s.retry.Backoff(j.RetryCount))
		metrics.RetryScheduledTotal.Inc()
		s.record(j, old, "retry scheduled: "+errMsg)
		s.emit(retryKind, j, old, "")
	default:
		j.Status = StatusDeadLetter
		j.CompletedAt = now
		observeDuration(j)
		s.record(j, old, "dead letter: "+errMsg)
		s.emit(bus.JobDeadLettered, j, old, "")
	}
}

// observeDuration claim 到终态的耗时
func observeDuration(j *Job) {
	if j.StartedAt.IsZero() || j.CompletedAt.IsZero() {
		return
	}
	metrics.JobDuration.WithLabelValues(string(j.Status)).
		Observe(j.CompletedAt.Sub(j.StartedAt).Seconds())
}

func (s *MemStore) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[jobID]
	if !ok {
		return errors.Ef(errors.KindNotFound, "job %s 不存在", jobID)
	}
	now := time.Now()
	switch {
	case j.Status.IsTerminal():
		return nil // 终态取消为 no-op
	case j.Status == StatusQueued:
		old := j.Status
		j.Status = StatusCancelled
		j.CompletedAt = now
		j.UpdatedAt = now
		s.record(j, old, "cancelled")
		s.emit(bus.JobCancelled, j, old, "")
		return nil
	default:
		// claimed：标记取消请求，robot 在下次续租时得知；不是状态迁移，不发事件
		if j.CancelRequestedAt.IsZero() {
			j.CancelRequestedAt = now
			j.UpdatedAt = now
		}
		return nil
	}
}

func (s *MemStore) RecoverExpired(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, j := range s.byID {
		if j.Status == StatusClaimed && j.VisibleAfter.Before(now) {
			ids = append(ids, j.ID)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		s.disposeFailure(s.byID[id], "visibility timeout", false, bus.JobRetryScheduled)
	}
	return ids, nil
}

func (s *MemStore) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var purged int
	for id, j := range s.byID {
		if j.Status.IsTerminal() && !j.CompletedAt.IsZero() && j.CompletedAt.Before(cutoff) {
			delete(s.byID, id)
			delete(s.audit, id)
			purged++
		}
	}
	now := time.Now()
	for k, e := range s.idem {
		if now.After(e.expiresAt) {
			delete(s.idem, k)
		}
	}
	return purged, nil
}

func (s *MemStore) Get(ctx context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[jobID]
	if !ok {
		return nil, errors.Ef(errors.KindNotFound, "job %s 不存在", jobID)
	}
	return j.Clone(), nil
}

func (s *MemStore) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []*Job
	for _, j := range s.byID {
		if filter.TenantID != "" && j.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.Environment != "" && j.Environment != filter.Environment {
			continue
		}
		if filter.RobotID != "" && j.RobotID != filter.RobotID {
			continue
		}
		if filter.WorkflowID != "" && j.WorkflowID != filter.WorkflowID {
			continue
		}
		list = append(list, j.Clone())
	}
	sort.Slice(list, func(a, b int) bool {
		if !list[a].CreatedAt.Equal(list[b].CreatedAt) {
			return list[a].CreatedAt.After(list[b].CreatedAt)
		}
		return list[a].ID < list[b].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(list) {
			return nil, nil
		}
		list = list[filter.Offset:]
	}
	if filter.Limit > 0 && len(list) > filter.Limit {
		list = list[:filter.Limit]
	}
	return list, nil
}

func (s *MemStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Status]int64)
	for _, j := range s.byID {
		out[j.Status]++
	}
	return out, nil
}

func (s *MemStore) AuditLog(ctx context.Context, jobID string) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.audit[jobID]
	out := make([]AuditEntry, len(entries))
	copy(out, entries)
	return out, nil
}
