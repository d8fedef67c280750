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
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rpa-platform/internal/bus"
	"rpa-platform/pkg/errors"
	"rpa-platform/pkg/metrics"
)

// PGStore Postgres 实现：无锁候选扫描 + FOR UPDATE SKIP LOCKED 锁行的认领，
// 审计记录与状态迁移同事务写入，事件在 commit 之后发布。
type PGStore struct {
	pool    *pgxpool.Pool
	pub     bus.Publisher
	retry   *RetryPolicy
	idemTTL time.Duration

	// emitMu 串行化 commit 与事件发布，同一 job 相邻迁移的事件按提交顺序出总线
	emitMu sync.Mutex
}

var _ Store = (*PGStore)(nil)

// NewPGStore 创建 Postgres Store；pub / retry 为 nil 时同 MemStore 取默认
func NewPGStore(pool *pgxpool.Pool, pub bus.Publisher, retry *RetryPolicy, idemTTL time.Duration) *PGStore {
	if pub == nil {
		pub = bus.NopPublisher{}
	}
	if retry == nil {
		retry = NewRetryPolicy(0, 0)
	}
	if idemTTL <= 0 {
		idemTTL = DefaultIdempotencyTTL
	}
	return &PGStore{pool: pool, pub: pub, retry: retry, idemTTL: idemTTL}
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL DEFAULT 'default',
	workflow_id TEXT NOT NULL DEFAULT '',
	payload BYTEA NOT NULL,
	environment TEXT NOT NULL DEFAULT 'default',
	priority INT NOT NULL DEFAULT 5,
	required_capabilities TEXT[] NOT NULL DEFAULT '{}',
	variables JSONB,
	result JSONB,
	error_message TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'queued',
	retry_count INT NOT NULL DEFAULT 0,
	max_retries INT NOT NULL DEFAULT 3,
	visible_after TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	robot_id TEXT NOT NULL DEFAULT '',
	lease_token TEXT NOT NULL DEFAULT '',
	cancel_requested_at TIMESTAMPTZ,
	idempotency_key TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim
	ON jobs (environment, priority DESC, created_at ASC, id ASC) WHERE status = 'queued';
CREATE INDEX IF NOT EXISTS idx_jobs_lease
	ON jobs (visible_after) WHERE status = 'claimed';
CREATE INDEX IF NOT EXISTS idx_jobs_tenant
	ON jobs (tenant_id, created_at DESC);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	tenant_id TEXT NOT NULL,
	idem_key TEXT NOT NULL,
	job_id TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, idem_key)
);

CREATE TABLE IF NOT EXISTS job_events (
	id BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL,
	old_status TEXT NOT NULL DEFAULT '',
	new_status TEXT NOT NULL,
	robot_id TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events (job_id, created_at);
`

// EnsureSchema 启动时建表；IF NOT EXISTS 保证可重入
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return errors.Wrap(err, "ensure queue schema")
}

const jobColumns = `id, tenant_id, workflow_id, payload, environment, priority, required_capabilities,
	variables, result, error_message, status, retry_count, max_retries,
	visible_after, created_at, updated_at, started_at, completed_at,
	robot_id, lease_token, cancel_requested_at, idempotency_key`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                                Job
		variables, result                []byte
		startedAt, completedAt, cancelAt *time.Time
	)
	err := row.Scan(
		&j.ID, &j.TenantID, &j.WorkflowID, &j.Payload, &j.Environment, &j.Priority, &j.RequiredCapabilities,
		&variables, &result, &j.ErrorMessage, &j.Status, &j.RetryCount, &j.MaxRetries,
		&j.VisibleAfter, &j.CreatedAt, &j.UpdatedAt, &startedAt, &completedAt,
		&j.RobotID, &j.LeaseToken, &cancelAt, &j.IdempotencyKey,
	)
	if err != nil {
		return nil, err
	}
	if len(variables) > 0 {
		if err := json.Unmarshal(variables, &j.Variables); err != nil {
			return nil, errors.Wrap(err, "decode variables")
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &j.Result); err != nil {
			return nil, errors.Wrap(err, "decode result")
		}
	}
	if startedAt != nil {
		j.StartedAt = *startedAt
	}
	if completedAt != nil {
		j.CompletedAt = *completedAt
	}
	if cancelAt != nil {
		j.CancelRequestedAt = *cancelAt
	}
	return &j, nil
}

func jsonOrNil(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *PGStore) insertAudit(ctx context.Context, tx pgx.Tx, j *Job, old Status, detail string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO job_events (job_id, old_status, new_status, robot_id, detail) VALUES ($1, $2, $3, $4, $5)`,
		j.ID, string(old), string(j.Status), j.RobotID, detail)
	return errors.Wrap(err, "insert job event")
}

// commitEmit 持 emitMu 提交并发布。没有它，两个相邻迁移（如 claim 落盘 → complete 落盘）
// 的事件可能以提交相反的顺序进总线；MemStore 在自己的互斥锁内发布，天然有序
func (s *PGStore) commitEmit(ctx context.Context, tx pgx.Tx, what string, publish func()) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if err := tx.Commit(ctx); err != nil {
		return errors.WrapKind(errors.KindTransient, err, what)
	}
	publish()
	return nil
}

func (s *PGStore) emit(kind bus.EventKind, j *Job, old Status, requestID string) {
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

func (s *PGStore) Submit(ctx context.Context, spec *Spec) (*Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, errors.WrapKind(errors.KindTransient, err, "begin submit tx")
	}
	defer tx.Rollback(ctx)

	tenant := tenantOrDefault(spec.TenantID)
	if spec.IdempotencyKey != "" {
		// 幂等键行锁住后检查：命中且未过期直接返回已有 job，载荷哈希不同报 conflict
		var (
			priorID, priorHash string
			expiresAt          time.Time
		)
		err := tx.QueryRow(ctx,
			`SELECT job_id, payload_hash, expires_at FROM idempotency_keys WHERE tenant_id = $1 AND idem_key = $2 FOR UPDATE`,
			tenant, spec.IdempotencyKey).Scan(&priorID, &priorHash, &expiresAt)
		switch {
		case err == nil && time.Now().Before(expiresAt):
			if priorHash != spec.PayloadHash {
				return nil, errors.E(errors.KindConflict, "幂等键已绑定不同载荷")
			}
			prior, err := s.getTx(ctx, tx, priorID)
			if err == nil {
				return prior, nil
			}
			if !errors.IsKind(err, errors.KindNotFound) {
				return nil, err
			}
			// job 已被保留期清理，键按过期处理
			fallthrough
		case err == nil:
			if _, err := tx.Exec(ctx,
				`DELETE FROM idempotency_keys WHERE tenant_id = $1 AND idem_key = $2`, tenant, spec.IdempotencyKey); err != nil {
				return nil, errors.WrapKind(errors.KindTransient, err, "purge expired idempotency key")
			}
		case err != pgx.ErrNoRows:
			return nil, errors.WrapKind(errors.KindTransient, err, "lookup idempotency key")
		}
	}

	now := time.Now()
	j := &Job{
		ID:                   newJobID(),
		TenantID:             tenant,
		WorkflowID:           spec.WorkflowID,
		Payload:              spec.Payload,
		Environment:          envOrDefault(spec.Environment),
		Priority:             spec.Priority,
		RequiredCapabilities: spec.RequiredCapabilities,
		Variables:            spec.Variables,
		Status:               StatusQueued,
		MaxRetries:           spec.MaxRetries,
		VisibleAfter:         now.Add(spec.ScheduledDelay),
		CreatedAt:            now,
		UpdatedAt:            now,
		IdempotencyKey:       spec.IdempotencyKey,
	}
	variables, err := jsonOrNil(j.Variables)
	if err != nil {
		return nil, errors.WrapKind(errors.KindInvalidArgument, err, "encode variables")
	}
	caps := j.RequiredCapabilities
	if caps == nil {
		caps = []string{}
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO jobs (id, tenant_id, workflow_id, payload, environment, priority, required_capabilities,
			variables, status, max_retries, visible_after, created_at, updated_at, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		j.ID, j.TenantID, j.WorkflowID, j.Payload, j.Environment, j.Priority, caps,
		variables, string(j.Status), j.MaxRetries, j.VisibleAfter, j.CreatedAt, j.UpdatedAt, j.IdempotencyKey)
	if err != nil {
		return nil, errors.WrapKind(errors.KindTransient, err, "insert job")
	}
	if spec.IdempotencyKey != "" {
		_, err = tx.Exec(ctx,
			`INSERT INTO idempotency_keys (tenant_id, idem_key, job_id, payload_hash, expires_at) VALUES ($1, $2, $3, $4, $5)`,
			tenant, spec.IdempotencyKey, j.ID, spec.PayloadHash, now.Add(s.idemTTL))
		if err != nil {
			return nil, errors.WrapKind(errors.KindTransient, err, "insert idempotency key")
		}
	}
	if err := s.insertAudit(ctx, tx, j, "", "submitted"); err != nil {
		return nil, err
	}
	if err := s.commitEmit(ctx, tx, "commit submit", func() {
		s.emit(bus.JobCreated, j, "", spec.RequestID)
	}); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *PGStore) Claim(ctx context.Context, req ClaimRequest) ([]*Job, error) {
	if req.BatchSize <= 0 {
		return nil, nil
	}
	if req.VisibilityTimeout <= 0 {
		return nil, errors.E(errors.KindInvalidArgument, "visibility_timeout 必须为正")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, errors.WrapKind(errors.KindTransient, err, "begin claim tx")
	}
	defer tx.Rollback(ctx)

	// 第一段：无锁候选扫描。环境过滤进 SQL；能力是 post-select 谓词，
	// 不满足的行不加锁，对其他认领者保持可见。多扫一些候选弥补过滤落选。
	scanLimit := req.BatchSize * 8
	rows, err := tx.Query(ctx, fmt.Sprintf(
		`SELECT id, required_capabilities FROM jobs
		 WHERE status = 'queued' AND visible_after <= now()
		   AND (environment = $1 OR environment = '%s' OR $1 = '%s')
		 ORDER BY priority DESC, created_at ASC, id ASC
		 LIMIT $2`, EnvDefault, EnvDefault),
		envOrDefault(req.Environment), scanLimit)
	if err != nil {
		return nil, errors.WrapKind(errors.KindTransient, err, "select claimable")
	}
	var candidates []string
	for rows.Next() {
		var (
			id   string
			caps []string
		)
		if err := rows.Scan(&id, &caps); err != nil {
			rows.Close()
			return nil, errors.WrapKind(errors.KindTransient, err, "scan claimable")
		}
		if !(&Job{RequiredCapabilities: caps}).HasCapabilities(req.Capabilities) {
			continue
		}
		candidates = append(candidates, id)
		if len(candidates) == req.BatchSize {
			break
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.WrapKind(errors.KindTransient, err, "iterate claimable")
	}
	if len(candidates) == 0 {
		return nil, tx.Commit(ctx)
	}

	// 第二段：只锁中选行；期间被并发认领的行由状态条件与 SKIP LOCKED 滤掉
	rows, err = tx.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM jobs
		 WHERE id = ANY($1) AND status = 'queued' AND visible_after <= now()
		 ORDER BY priority DESC, created_at ASC, id ASC
		 FOR UPDATE SKIP LOCKED`, jobColumns), candidates)
	if err != nil {
		return nil, errors.WrapKind(errors.KindTransient, err, "lock claimable")
	}
	var picked []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, errors.WrapKind(errors.KindTransient, err, "scan locked claimable")
		}
		picked = append(picked, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.WrapKind(errors.KindTransient, err, "iterate locked claimable")
	}
	if len(picked) == 0 {
		return nil, tx.Commit(ctx)
	}

	// 第三段：逐行置为 claimed；每次认领发新 token
	now := time.Now()
	out := make([]*Job, 0, len(picked))
	for _, j := range picked {
		old := j.Status
		j.Status = StatusClaimed
		j.RobotID = req.RobotID
		j.LeaseToken = newLeaseToken()
		j.StartedAt = now
		j.VisibleAfter = now.Add(req.VisibilityTimeout)
		j.UpdatedAt = now
		_, err := tx.Exec(ctx,
			`UPDATE jobs SET status = $1, robot_id = $2, lease_token = $3, started_at = $4, visible_after = $5, updated_at = $6 WHERE id = $7`,
			string(j.Status), j.RobotID, j.LeaseToken, j.StartedAt, j.VisibleAfter, j.UpdatedAt, j.ID)
		if err != nil {
			return nil, errors.WrapKind(errors.KindTransient, err, "mark claimed")
		}
		if err := s.insertAudit(ctx, tx, j, old, "claimed by "+req.RobotID); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := s.commitEmit(ctx, tx, "commit claim", func() {
		for _, j := range out {
			s.emit(bus.JobClaimed, j, StatusQueued, "")
		}
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PGStore) ExtendLease(ctx context.Context, jobID, leaseToken string, extendBy time.Duration) (ExtendResult, error) {
	if leaseToken == "" {
		return ExtendResult{}, nil
	}
	var cancelAt *time.Time
	err := s.pool.QueryRow(ctx,
		`UPDATE jobs SET visible_after = GREATEST(visible_after, now() + make_interval(secs => $1)), updated_at = now()
		 WHERE id = $2 AND lease_token = $3 AND status = 'claimed'
		 RETURNING cancel_requested_at`,
		extendBy.Seconds(), jobID, leaseToken).Scan(&cancelAt)
	if err == pgx.ErrNoRows {
		return ExtendResult{}, nil
	}
	if err != nil {
		return ExtendResult{}, errors.WrapKind(errors.KindTransient, err, "extend lease")
	}
	return ExtendResult{OK: true, CancelRequested: cancelAt != nil}, nil
}

// lockHeld 行锁住并校验租约；调用方持有事务
func (s *PGStore) lockHeld(ctx context.Context, tx pgx.Tx, jobID, leaseToken string) (*Job, error) {
	j, err := s.lockRow(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != StatusClaimed || leaseToken == "" || j.LeaseToken != leaseToken {
		return nil, errors.E(errors.KindStaleLease, "租约 token 不匹配或已失效")
	}
	return j, nil
}

func (s *PGStore) lockRow(ctx context.Context, tx pgx.Tx, jobID string) (*Job, error) {
	row := tx.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1 FOR UPDATE`, jobColumns), jobID)
	j, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, errors.Ef(errors.KindNotFound, "job %s 不存在", jobID)
	}
	if err != nil {
		return nil, errors.WrapKind(errors.KindTransient, err, "lock job row")
	}
	return j, nil
}

func (s *PGStore) updateState(ctx context.Context, tx pgx.Tx, j *Job) error {
	result, err := jsonOrNil(j.Result)
	if err != nil {
		return errors.WrapKind(errors.KindInvalidArgument, err, "encode result")
	}
	_, err = tx.Exec(ctx,
		`UPDATE jobs SET status = $1, result = $2, error_message = $3, retry_count = $4,
			visible_after = $5, updated_at = $6, completed_at = $7,
			robot_id = $8, lease_token = $9, cancel_requested_at = $10
		 WHERE id = $11`,
		string(j.Status), result, j.ErrorMessage, j.RetryCount,
		j.VisibleAfter, j.UpdatedAt, timeOrNil(j.CompletedAt),
		j.RobotID, j.LeaseToken, timeOrNil(j.CancelRequestedAt), j.ID)
	return errors.WrapKind(errors.KindTransient, err, "update job state")
}

func (s *PGStore) Complete(ctx context.Context, jobID, leaseToken string, result map[string]any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.WrapKind(errors.KindTransient, err, "begin complete tx")
	}
	defer tx.Rollback(ctx)

	j, err := s.lockHeld(ctx, tx, jobID, leaseToken)
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
	if err := s.updateState(ctx, tx, j); err != nil {
		return err
	}
	if err := s.insertAudit(ctx, tx, j, old, "completed"); err != nil {
		return err
	}
	if err := s.commitEmit(ctx, tx, "commit complete", func() {
		s.emit(bus.JobCompleted, j, old, "")
	}); err != nil {
		return err
	}
	observeDuration(j)
	return nil
}

func (s *PGStore) Fail(ctx context.Context, jobID, leaseToken, errMsg string, permanent bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.WrapKind(errors.KindTransient, err, "begin fail tx")
	}
	defer tx.Rollback(ctx)

	j, err := s.lockHeld(ctx, tx, jobID, leaseToken)
	if err != nil {
		return err
	}
	kind, old := s.disposeFailureTx(j, errMsg, permanent, bus.JobFailed)
	if err := s.updateState(ctx, tx, j); err != nil {
		return err
	}
	if err := s.insertAudit(ctx, tx, j, old, string(kind)+": "+errMsg); err != nil {
		return err
	}
	if err := s.commitEmit(ctx, tx, "commit fail", func() {
		s.emit(kind, j, old, "")
	}); err != nil {
		return err
	}
	observeDuration(j)
	return nil
}

// disposeFailureTx 与 MemStore.disposeFailure 同一套失败处置，只改内存中的 j；
// 返回待发布事件类型与迁移前状态，落盘由调用方完成
func (s *PGStore) disposeFailureTx(j *Job, errMsg string, permanent bool, retryKind bus.EventKind) (bus.EventKind, Status) {
	now := time.Now()
	old := j.Status
	j.ErrorMessage = errMsg
	j.RobotID = ""
	j.LeaseToken = ""
	j.UpdatedAt = now

	switch {
	case !j.CancelRequestedAt.IsZero():
		j.Status = StatusCancelled
		j.CompletedAt = now
		return bus.JobCancelled, old
	case s.retry.ShouldRetry(j.RetryCount, j.MaxRetries, permanent):
		j.RetryCount++
		j.Status = StatusQueued
		j.VisibleAfter = now.Add(s.retry.Backoff(j.RetryCount))
		metrics.RetryScheduledTotal.Inc()
		return retryKind, old
	default:
		j.Status = StatusDeadLetter
		j.CompletedAt = now
		return bus.JobDeadLettered, old
	}
}

func (s *PGStore) Cancel(ctx context.Context, jobID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.WrapKind(errors.KindTransient, err, "begin cancel tx")
	}
	defer tx.Rollback(ctx)

	j, err := s.lockRow(ctx, tx, jobID)
	if err != nil {
		return err
	}
	now := time.Now()
	switch {
	case j.Status.IsTerminal():
		return tx.Commit(ctx)
	case j.Status == StatusQueued:
		old := j.Status
		j.Status = StatusCancelled
		j.CompletedAt = now
		j.UpdatedAt = now
		if err := s.updateState(ctx, tx, j); err != nil {
			return err
		}
		if err := s.insertAudit(ctx, tx, j, old, "cancelled"); err != nil {
			return err
		}
		return s.commitEmit(ctx, tx, "commit cancel", func() {
			s.emit(bus.JobCancelled, j, old, "")
		})
	default:
		if j.CancelRequestedAt.IsZero() {
			_, err := tx.Exec(ctx,
				`UPDATE jobs SET cancel_requested_at = $1, updated_at = $1 WHERE id = $2`, now, j.ID)
			if err != nil {
				return errors.WrapKind(errors.KindTransient, err, "mark cancel requested")
			}
		}
		return tx.Commit(ctx)
	}
}

func (s *PGStore) RecoverExpired(ctx context.Context, now time.Time) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, errors.WrapKind(errors.KindTransient, err, "begin recover tx")
	}
	defer tx.Rollback(ctx)

	// SKIP LOCKED：正在被 complete/fail 处理的行下一轮再看
	rows, err := tx.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM jobs WHERE status = 'claimed' AND visible_after < $1 ORDER BY id FOR UPDATE SKIP LOCKED`,
		jobColumns), now)
	if err != nil {
		return nil, errors.WrapKind(errors.KindTransient, err, "select expired leases")
	}
	var expired []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, errors.WrapKind(errors.KindTransient, err, "scan expired lease")
		}
		expired = append(expired, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.WrapKind(errors.KindTransient, err, "iterate expired leases")
	}

	type emit struct {
		kind bus.EventKind
		j    *Job
		old  Status
	}
	var (
		ids    []string
		events []emit
	)
	for _, j := range expired {
		kind, old := s.disposeFailureTx(j, "visibility timeout", false, bus.JobRetryScheduled)
		if err := s.updateState(ctx, tx, j); err != nil {
			return nil, err
		}
		if err := s.insertAudit(ctx, tx, j, old, "lease expired"); err != nil {
			return nil, err
		}
		ids = append(ids, j.ID)
		events = append(events, emit{kind, j, old})
	}
	if err := s.commitEmit(ctx, tx, "commit recover", func() {
		for _, e := range events {
			s.emit(e.kind, e.j, e.old, "")
		}
	}); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *PGStore) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE status IN ('completed', 'cancelled', 'dead_letter') AND completed_at IS NOT NULL AND completed_at < $1`,
		cutoff)
	if err != nil {
		return 0, errors.WrapKind(errors.KindTransient, err, "purge terminal jobs")
	}
	// 审计与幂等键跟随清理；job_events 以 job 为根，孤儿行一并删除
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM job_events WHERE job_id NOT IN (SELECT id FROM jobs)`); err != nil {
		return int(tag.RowsAffected()), errors.WrapKind(errors.KindTransient, err, "purge job events")
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at < now()`); err != nil {
		return int(tag.RowsAffected()), errors.WrapKind(errors.KindTransient, err, "purge idempotency keys")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGStore) getTx(ctx context.Context, tx pgx.Tx, jobID string) (*Job, error) {
	row := tx.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1`, jobColumns), jobID)
	j, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, errors.Ef(errors.KindNotFound, "job %s 不存在", jobID)
	}
	if err != nil {
		return nil, errors.WrapKind(errors.KindTransient, err, "get job")
	}
	return j, nil
}

func (s *PGStore) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1`, jobColumns), jobID)
	j, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, errors.Ef(errors.KindNotFound, "job %s 不存在", jobID)
	}
	if err != nil {
		return nil, errors.WrapKind(errors.KindTransient, err, "get job")
	}
	return j, nil
}

func (s *PGStore) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.TenantID != "" {
		add("tenant_id = $%d", filter.TenantID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Environment != "" {
		add("environment = $%d", filter.Environment)
	}
	if filter.RobotID != "" {
		add("robot_id = $%d", filter.RobotID)
	}
	if filter.WorkflowID != "" {
		add("workflow_id = $%d", filter.WorkflowID)
	}
	q := fmt.Sprintf(`SELECT %s FROM jobs`, jobColumns)
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.WrapKind(errors.KindTransient, err, "list jobs")
	}
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.WrapKind(errors.KindTransient, err, "scan job")
		}
		out = append(out, j)
	}
	return out, errors.WrapKind(errors.KindTransient, rows.Err(), "iterate jobs")
}

func (s *PGStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.WrapKind(errors.KindTransient, err, "count jobs")
	}
	defer rows.Close()
	out := make(map[Status]int64)
	for rows.Next() {
		var (
			st string
			n  int64
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.WrapKind(errors.KindTransient, err, "scan count")
		}
		out[Status(st)] = n
	}
	return out, errors.WrapKind(errors.KindTransient, rows.Err(), "iterate counts")
}

func (s *PGStore) AuditLog(ctx context.Context, jobID string) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT job_id, old_status, new_status, robot_id, detail, created_at FROM job_events WHERE job_id = $1 ORDER BY id`,
		jobID)
	if err != nil {
		return nil, errors.WrapKind(errors.KindTransient, err, "query audit log")
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var old, nw string
		if err := rows.Scan(&e.JobID, &old, &nw, &e.RobotID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, errors.WrapKind(errors.KindTransient, err, "scan audit entry")
		}
		e.Old, e.New = Status(old), Status(nw)
		out = append(out, e)
	}
	return out, errors.WrapKind(errors.KindTransient, rows.Err(), "iterate audit log")
}
