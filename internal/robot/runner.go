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
	"runtime"
	"sync"
	"time"

	"rpa-platform/internal/queue"
	"rpa-platform/internal/registry"
	"rpa-platform/pkg/errors"
	"rpa-platform/pkg/tracing"
)

// API runner 对编排器的依赖面；*Client 是生产实现，测试用内存桩
type API interface {
	Register(ctx context.Context, req registry.RegisterRequest) (*registry.Robot, error)
	Heartbeat(ctx context.Context, robotID string, report registry.HeartbeatReport) (*registry.Robot, error)
	Claim(ctx context.Context, params ClaimParams) ([]*queue.Job, error)
	Extend(ctx context.Context, jobID, leaseToken string, extendBy time.Duration) (queue.ExtendResult, error)
	Complete(ctx context.Context, jobID, leaseToken string, result map[string]any) error
	Fail(ctx context.Context, jobID, leaseToken, errMsg string, permanent bool) error
}

// Config robot 进程参数
type Config struct {
	Name         string
	MachineID    string
	Environment  string
	Capabilities []string

	// HeartbeatInterval 默认 30s；VisibilityTimeout 默认 120s；
	// 续租在租约过半时发起，留出网络抖动余量
	HeartbeatInterval time.Duration
	VisibilityTimeout time.Duration
	// PollInterval 空轮询后的休眠
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
}

func (c *Config) withDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = registry.DefaultHeartbeatInterval
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 120 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
}

// Runner 认领执行循环：注册 → 心跳协程 + 认领循环；
// 每个在执行的 job 配一个续租协程，发现取消请求即取消该 job 的 ctx。
type Runner struct {
	api    API
	engine Engine
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	robotID string
	active  map[string]bool // 正在执行的 job id，心跳上报用
}

func NewRunner(api API, engine Engine, cfg Config, logger *slog.Logger) *Runner {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		api:    api,
		engine: engine,
		cfg:    cfg,
		logger: logger,
		active: make(map[string]bool),
	}
}

// RobotID 注册后的 robot id；未注册时为空
func (r *Runner) RobotID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.robotID
}

// Run 阻塞运行直到 ctx 取消。注册失败直接返回错误（没有身份无法工作）。
func (r *Runner) Run(ctx context.Context) error {
	robot, err := r.api.Register(ctx, registry.RegisterRequest{
		Name:         r.cfg.Name,
		MachineID:    r.cfg.MachineID,
		Environment:  r.cfg.Environment,
		Capabilities: r.cfg.Capabilities,
	})
	if err != nil {
		return errors.Wrap(err, "robot 注册失败")
	}
	r.mu.Lock()
	r.robotID = robot.ID
	r.mu.Unlock()
	r.logger.Info("robot 注册成功", "robot_id", robot.ID, "environment", r.cfg.Environment)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.heartbeatLoop(ctx)
	}()

	sem := make(chan struct{}, r.cfg.Concurrency)
	for ctx.Err() == nil {
		jobs, err := r.api.Claim(ctx, ClaimParams{
			RobotID:                  robot.ID,
			Environment:              r.cfg.Environment,
			BatchSize:                r.cfg.BatchSize,
			VisibilityTimeoutSeconds: int(r.cfg.VisibilityTimeout.Seconds()),
			Capabilities:             r.cfg.Capabilities,
		})
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			r.logger.Error("认领失败", "error", err)
			r.sleep(ctx, r.cfg.PollInterval)
			continue
		}
		if len(jobs) == 0 {
			r.sleep(ctx, r.cfg.PollInterval)
			continue
		}
		for _, job := range jobs {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
			wg.Add(1)
			go func(j *queue.Job) {
				defer wg.Done()
				defer func() { <-sem }()
				r.runJob(ctx, j)
			}(job)
		}
	}
	wg.Wait()
	return ctx.Err()
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	r.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

func (r *Runner) beat(ctx context.Context) {
	r.mu.Lock()
	id := r.robotID
	jobs := make([]string, 0, len(r.active))
	for j := range r.active {
		jobs = append(jobs, j)
	}
	r.mu.Unlock()

	state := registry.StateIdle
	if len(jobs) > 0 {
		state = registry.StateBusy
	}
	report := registry.HeartbeatReport{State: state, ActiveJobs: jobs, Resource: sampleResource()}
	if _, err := r.api.Heartbeat(ctx, id, report); err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("心跳失败", "error", err)
		}
	}
}

// sampleResource 进程级资源采样；CPU 占用需要平台相关的计数器，这里只报内存
func sampleResource() *registry.Resource {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return &registry.Resource{MemoryMB: int64(ms.Sys >> 20)}
}

func (r *Runner) setActive(jobID string, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if on {
		r.active[jobID] = true
	} else {
		delete(r.active, jobID)
	}
}

// runJob 单个 job 的执行与租约维持
func (r *Runner) runJob(ctx context.Context, job *queue.Job) {
	r.setActive(job.ID, true)
	defer r.setActive(job.ID, false)

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var cancelRequested bool
	var stateMu sync.Mutex

	// 续租协程：租约过半续一次；cancel_requested / 租约丢失都经它发现
	extendDone := make(chan struct{})
	go func() {
		defer close(extendDone)
		ticker := time.NewTicker(r.cfg.VisibilityTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				res, err := r.api.Extend(jobCtx, job.ID, job.LeaseToken, r.cfg.VisibilityTimeout)
				if err != nil {
					if jobCtx.Err() == nil {
						r.logger.Warn("续租失败", "job_id", job.ID, "error", err)
					}
					continue
				}
				if !res.OK {
					// 租约已失效（过期被回收）：继续执行也无法汇报，尽快止损
					r.logger.Warn("租约已失效, 终止执行", "job_id", job.ID)
					cancel()
					return
				}
				if res.CancelRequested {
					stateMu.Lock()
					cancelRequested = true
					stateMu.Unlock()
					r.logger.Info("收到取消请求, 终止执行", "job_id", job.ID)
					cancel()
					return
				}
			}
		}
	}()

	execCtx, span := tracing.StartJobSpan(jobCtx, job.ID, job.RobotID)
	result, execErr := r.engine.Execute(execCtx, job)
	span.End()
	cancel()
	<-extendDone

	stateMu.Lock()
	wasCancelled := cancelRequested
	stateMu.Unlock()

	// 进程停机：不汇报，让租约过期走恢复路径重新入队
	if ctx.Err() != nil && execErr != nil && !wasCancelled {
		r.logger.Info("停机中断执行, 留给租约恢复", "job_id", job.ID)
		return
	}

	reportCtx, reportCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer reportCancel()

	if execErr != nil {
		msg := execErr.Error()
		if wasCancelled {
			msg = "cancelled: " + msg
		}
		if err := r.api.Fail(reportCtx, job.ID, job.LeaseToken, msg, IsPermanent(execErr)); err != nil {
			r.logger.Error("失败汇报未送达", "job_id", job.ID, "error", err)
		}
		return
	}
	if err := r.api.Complete(reportCtx, job.ID, job.LeaseToken, result); err != nil {
		r.logger.Error("完成汇报未送达", "job_id", job.ID, "error", err)
	}
}
