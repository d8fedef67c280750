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

package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rpa-platform/pkg/errors"
)

// PGStore Postgres 实现；幂等注册靠 (tenant_id, machine_id) 唯一约束 + ON CONFLICT
type PGStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PGStore)(nil)

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const robotSchemaSQL = `
CREATE TABLE IF NOT EXISTS robots (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL DEFAULT 'default',
	name TEXT NOT NULL DEFAULT '',
	machine_id TEXT NOT NULL,
	environment TEXT NOT NULL DEFAULT 'default',
	capabilities TEXT[] NOT NULL DEFAULT '{}',
	state TEXT NOT NULL DEFAULT 'idle',
	active_jobs TEXT[] NOT NULL DEFAULT '{}',
	resource JSONB,
	last_heartbeat TIMESTAMPTZ,
	registered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant_id, machine_id)
);

CREATE INDEX IF NOT EXISTS idx_robots_heartbeat ON robots (last_heartbeat);
`

// EnsureSchema 启动时建表；IF NOT EXISTS 保证可重入
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, robotSchemaSQL)
	return errors.Wrap(err, "ensure registry schema")
}

const robotColumns = `id, tenant_id, name, machine_id, environment, capabilities, state, active_jobs,
	resource, last_heartbeat, registered_at, updated_at`

func scanRobot(row interface{ Scan(...any) error }) (*Robot, error) {
	var (
		r             Robot
		lastHeartbeat *time.Time
		state         string
	)
	err := row.Scan(
		&r.ID, &r.TenantID, &r.Name, &r.MachineID, &r.Environment, &r.Capabilities, &state, &r.ActiveJobs,
		&r.Resource, &lastHeartbeat, &r.RegisteredAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.State = WorkState(state)
	if lastHeartbeat != nil {
		r.LastHeartbeat = *lastHeartbeat
	}
	return &r, nil
}

func (s *PGStore) Upsert(ctx context.Context, r *Robot) (*Robot, bool, error) {
	caps := r.Capabilities
	if caps == nil {
		caps = []string{}
	}
	// xmax = 0 表示该行由本语句插入（而非冲突更新）
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`INSERT INTO robots (id, tenant_id, name, machine_id, environment, capabilities)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, machine_id) DO UPDATE
		   SET name = EXCLUDED.name, environment = EXCLUDED.environment,
		       capabilities = EXCLUDED.capabilities, updated_at = now()
		 RETURNING %s, (xmax = 0)`, robotColumns),
		"robot-"+uuid.New().String(), r.TenantID, r.Name, r.MachineID, r.Environment, caps)

	var (
		out           Robot
		lastHeartbeat *time.Time
		state         string
		created       bool
	)
	err := row.Scan(
		&out.ID, &out.TenantID, &out.Name, &out.MachineID, &out.Environment, &out.Capabilities, &state, &out.ActiveJobs,
		&out.Resource, &lastHeartbeat, &out.RegisteredAt, &out.UpdatedAt, &created,
	)
	if err != nil {
		return nil, false, errors.WrapKind(errors.KindTransient, err, "upsert robot")
	}
	out.State = WorkState(state)
	if lastHeartbeat != nil {
		out.LastHeartbeat = *lastHeartbeat
	}
	return &out, created, nil
}

func (s *PGStore) Touch(ctx context.Context, robotID string, report HeartbeatReport, at time.Time) (*Robot, error) {
	jobs := report.ActiveJobs
	if jobs == nil {
		jobs = []string{}
	}
	state := string(report.State)
	// 显式传 SQL NULL，避免 nil 指针被编码成 jsonb 'null' 而击穿 COALESCE
	var res any
	if report.Resource != nil {
		res = report.Resource
	}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`UPDATE robots SET last_heartbeat = $1, updated_at = $1,
			state = CASE WHEN $2 = '' THEN state ELSE $2 END,
			active_jobs = $3,
			resource = COALESCE($4, resource)
		 WHERE id = $5
		 RETURNING %s`, robotColumns),
		at, state, jobs, res, robotID)
	r, err := scanRobot(row)
	if err == pgx.ErrNoRows {
		return nil, errors.Ef(errors.KindNotFound, "robot %s 未注册", robotID)
	}
	if err != nil {
		return nil, errors.WrapKind(errors.KindTransient, err, "touch robot")
	}
	return r, nil
}

func (s *PGStore) Get(ctx context.Context, robotID string) (*Robot, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM robots WHERE id = $1`, robotColumns), robotID)
	r, err := scanRobot(row)
	if err == pgx.ErrNoRows {
		return nil, errors.Ef(errors.KindNotFound, "robot %s 未注册", robotID)
	}
	if err != nil {
		return nil, errors.WrapKind(errors.KindTransient, err, "get robot")
	}
	return r, nil
}

func (s *PGStore) List(ctx context.Context, filter ListFilter) ([]*Robot, error) {
	var (
		conds []string
		args  []any
	)
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		conds = append(conds, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if filter.Environment != "" {
		args = append(args, filter.Environment)
		conds = append(conds, fmt.Sprintf("environment = $%d", len(args)))
	}
	q := fmt.Sprintf(`SELECT %s FROM robots`, robotColumns)
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY registered_at, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.WrapKind(errors.KindTransient, err, "list robots")
	}
	defer rows.Close()
	var out []*Robot
	for rows.Next() {
		r, err := scanRobot(rows)
		if err != nil {
			return nil, errors.WrapKind(errors.KindTransient, err, "scan robot")
		}
		out = append(out, r)
	}
	return out, errors.WrapKind(errors.KindTransient, rows.Err(), "iterate robots")
}

func (s *PGStore) Delete(ctx context.Context, robotID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM robots WHERE id = $1`, robotID)
	return errors.WrapKind(errors.KindTransient, err, "delete robot")
}
