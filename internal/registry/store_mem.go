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
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"rpa-platform/pkg/errors"
)

// MemStore 内存实现，单进程 dev 模式与测试使用
type MemStore struct {
	mu        sync.Mutex
	byID      map[string]*Robot
	byMachine map[string]string // tenant/machine_id -> robot id
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		byID:      make(map[string]*Robot),
		byMachine: make(map[string]string),
	}
}

func machineKey(tenant, machineID string) string {
	return tenant + "/" + machineID
}

func cloneRobot(r *Robot) *Robot {
	cp := *r
	if r.Capabilities != nil {
		cp.Capabilities = append([]string(nil), r.Capabilities...)
	}
	if r.ActiveJobs != nil {
		cp.ActiveJobs = append([]string(nil), r.ActiveJobs...)
	}
	if r.Resource != nil {
		res := *r.Resource
		cp.Resource = &res
	}
	return &cp
}

func (s *MemStore) Upsert(ctx context.Context, r *Robot) (*Robot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	key := machineKey(r.TenantID, r.MachineID)
	if id, ok := s.byMachine[key]; ok {
		existing := s.byID[id]
		existing.Name = r.Name
		existing.Environment = r.Environment
		existing.Capabilities = append([]string(nil), r.Capabilities...)
		existing.UpdatedAt = now
		return cloneRobot(existing), false, nil
	}
	fresh := cloneRobot(r)
	fresh.ID = "robot-" + uuid.New().String()
	fresh.State = StateIdle
	fresh.RegisteredAt = now
	fresh.UpdatedAt = now
	s.byID[fresh.ID] = fresh
	s.byMachine[key] = fresh.ID
	return cloneRobot(fresh), true, nil
}

func (s *MemStore) Touch(ctx context.Context, robotID string, report HeartbeatReport, at time.Time) (*Robot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[robotID]
	if !ok {
		return nil, errors.Ef(errors.KindNotFound, "robot %s 未注册", robotID)
	}
	r.LastHeartbeat = at
	r.UpdatedAt = at
	if report.State != "" {
		r.State = report.State
	}
	r.ActiveJobs = append([]string(nil), report.ActiveJobs...)
	if report.Resource != nil {
		res := *report.Resource
		r.Resource = &res
	}
	return cloneRobot(r), nil
}

func (s *MemStore) Get(ctx context.Context, robotID string) (*Robot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[robotID]
	if !ok {
		return nil, errors.Ef(errors.KindNotFound, "robot %s 未注册", robotID)
	}
	return cloneRobot(r), nil
}

func (s *MemStore) List(ctx context.Context, filter ListFilter) ([]*Robot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Robot
	for _, r := range s.byID {
		if filter.TenantID != "" && r.TenantID != filter.TenantID {
			continue
		}
		if filter.Environment != "" && r.Environment != filter.Environment {
			continue
		}
		out = append(out, cloneRobot(r))
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].RegisteredAt.Equal(out[b].RegisteredAt) {
			return out[a].RegisteredAt.Before(out[b].RegisteredAt)
		}
		return out[a].ID < out[b].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemStore) Delete(ctx context.Context, robotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[robotID]
	if !ok {
		return nil
	}
	delete(s.byMachine, machineKey(r.TenantID, r.MachineID))
	delete(s.byID, robotID)
	return nil
}
