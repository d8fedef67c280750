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
	"log/slog"
	"strings"
	"sync"
	"time"

	"rpa-platform/internal/bus"
	"rpa-platform/pkg/errors"
	"rpa-platform/pkg/metrics"
)

// RegisterRequest 注册参数；MachineID 必填，是幂等键
type RegisterRequest struct {
	TenantID     string   `json:"tenant_id"`
	Name         string   `json:"name"`
	MachineID    string   `json:"machine_id"`
	Environment  string   `json:"environment"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Registry 注册表服务：封装 Store，补上存活推导与上线/下线的边沿事件。
// 上线/下线边沿在进程内跟踪（lastOnline map）；多实例部署下每个实例各自
// 发一次边沿事件，订阅者按 (subject_id, seq) 去重即可。
type Registry struct {
	store     Store
	pub       bus.Publisher
	threshold time.Duration
	logger    *slog.Logger

	mu         sync.Mutex
	lastOnline map[string]bool
}

// New threshold <=0 时取默认 90s；pub 为 nil 时不发事件
func New(store Store, pub bus.Publisher, threshold time.Duration, logger *slog.Logger) *Registry {
	if pub == nil {
		pub = bus.NopPublisher{}
	}
	if threshold <= 0 {
		threshold = DefaultOfflineThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:      store,
		pub:        pub,
		threshold:  threshold,
		logger:     logger,
		lastOnline: make(map[string]bool),
	}
}

// Threshold 当前离线判定阈值
func (r *Registry) Threshold() time.Duration { return r.threshold }

func (r *Registry) emit(kind bus.EventKind, robot *Robot, old, new string) {
	r.pub.Publish(bus.Event{
		Kind:      kind,
		Subject:   bus.SubjectRobot,
		SubjectID: robot.ID,
		TenantID:  robot.TenantID,
		Old:       old,
		New:       new,
	})
}

// Register 幂等注册：同 (tenant, machine_id) 重复注册返回原 robot 并刷新元数据
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*Robot, error) {
	if strings.TrimSpace(req.MachineID) == "" {
		return nil, errors.E(errors.KindInvalidArgument, "machine_id 不能为空")
	}
	tenant := req.TenantID
	if tenant == "" {
		tenant = "default"
	}
	env := strings.TrimSpace(req.Environment)
	if env == "" {
		env = "default"
	}
	robot, created, err := r.store.Upsert(ctx, &Robot{
		TenantID:     tenant,
		Name:         req.Name,
		MachineID:    req.MachineID,
		Environment:  env,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		return nil, err
	}
	robot.Online = robot.Alive(time.Now(), r.threshold)
	if created {
		r.emit(bus.RobotRegistered, robot, "", "registered")
		r.logger.Info("robot 注册", "robot_id", robot.ID, "machine_id", robot.MachineID, "environment", robot.Environment)
	}
	return robot, nil
}

// Heartbeat 心跳：last-write-wins 落盘；离线恢复时发 robot.online 边沿事件
func (r *Registry) Heartbeat(ctx context.Context, robotID string, report HeartbeatReport) (*Robot, error) {
	now := time.Now()
	robot, err := r.store.Touch(ctx, robotID, report, now)
	if err != nil {
		return nil, err
	}
	metrics.HeartbeatTotal.Inc()
	robot.Online = true

	r.mu.Lock()
	was, seen := r.lastOnline[robotID]
	r.lastOnline[robotID] = true
	r.mu.Unlock()

	if !seen || !was {
		r.emit(bus.RobotOnline, robot, "offline", "online")
		r.logger.Info("robot 上线", "robot_id", robotID)
	}
	r.emit(bus.RobotHeartbeat, robot, "", string(robot.State))
	return robot, nil
}

// Get 读取单个 robot，填充推导的 Online
func (r *Registry) Get(ctx context.Context, robotID string) (*Robot, error) {
	robot, err := r.store.Get(ctx, robotID)
	if err != nil {
		return nil, err
	}
	robot.Online = robot.Alive(time.Now(), r.threshold)
	return robot, nil
}

// List 读取 robot 列表，填充推导的 Online
func (r *Registry) List(ctx context.Context, filter ListFilter) ([]*Robot, error) {
	robots, err := r.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, robot := range robots {
		robot.Online = robot.Alive(now, r.threshold)
	}
	return robots, nil
}

// Deregister 注销 robot；幂等
func (r *Registry) Deregister(ctx context.Context, robotID string) error {
	if err := r.store.Delete(ctx, robotID); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.lastOnline, robotID)
	r.mu.Unlock()
	return nil
}

// Monitor 周期扫描心跳超时，发 robot.offline 边沿事件并刷新在线 gauge。
// 阻塞运行直到 ctx 取消；扫描周期取阈值的 1/3，保证离线在一个阈值内被发现。
func (r *Registry) Monitor(ctx context.Context) {
	interval := r.threshold / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Registry) sweep(ctx context.Context) {
	robots, err := r.store.List(ctx, ListFilter{})
	if err != nil {
		r.logger.Error("扫描 robot 心跳失败", "error", err)
		return
	}
	now := time.Now()
	var online int
	for _, robot := range robots {
		alive := robot.Alive(now, r.threshold)
		if alive {
			online++
		}
		r.mu.Lock()
		was, seen := r.lastOnline[robot.ID]
		r.lastOnline[robot.ID] = alive
		r.mu.Unlock()
		if seen && was && !alive {
			robot.Online = false
			r.emit(bus.RobotOffline, robot, "online", "offline")
			r.logger.Warn("robot 离线", "robot_id", robot.ID, "last_heartbeat", robot.LastHeartbeat)
		}
	}
	metrics.RobotOnlineGauge.Set(float64(online))
}
