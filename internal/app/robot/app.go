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

// Package robot robot 进程装配：配置 → API 客户端 → 执行引擎 → Runner。
package robot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"rpa-platform/internal/robot"
	"rpa-platform/pkg/config"
	"rpa-platform/pkg/log"
	"rpa-platform/pkg/tracing"
)

// App robot worker 应用
type App struct {
	cfg    *config.Config
	logger *log.Logger
	runner *robot.Runner
	tracer *sdktrace.TracerProvider
}

// NewApp engine 为 nil 时使用内置的工作流遍历引擎
func NewApp(cfg *config.Config, engine robot.Engine) (*App, error) {
	logger, err := log.NewLogger(&log.Config{
		Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File,
	}, "robot")
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	slog.SetDefault(logger.Logger)

	apiURL := cfg.Robot.APIURL
	if apiURL == "" {
		apiURL = "http://localhost:8080"
	}
	machineID := cfg.Robot.MachineID
	if machineID == "" {
		machineID, _ = os.Hostname()
	}
	name := cfg.Robot.Name
	if name == "" {
		name = machineID
	}

	client := robot.NewClient(apiURL, "")
	if engine == nil {
		engine = robot.NewWalkEngine(logger.Logger)
	}

	runner := robot.NewRunner(client, engine, robot.Config{
		Name:              name,
		MachineID:         machineID,
		Environment:       cfg.Robot.Environment,
		Capabilities:      cfg.Robot.Capabilities,
		HeartbeatInterval: config.ParseDuration(cfg.Robot.HeartbeatInterval, 0),
		VisibilityTimeout: config.ParseDuration(cfg.Robot.VisibilityTimeout, 0),
		PollInterval:      config.ParseDuration(cfg.Robot.PollInterval, 0),
		BatchSize:         cfg.Robot.ClaimBatch,
		Concurrency:       cfg.Robot.Concurrency,
	}, logger.Logger)

	a := &App{cfg: cfg, logger: logger, runner: runner}
	if cfg.Monitoring.Tracing.Enable && cfg.Monitoring.Tracing.ExportEndpoint != "" {
		serviceName := cfg.Monitoring.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "rpa-robot"
		}
		tp, err := tracing.InitTracer(tracing.OTelConfig{
			ServiceName:    serviceName,
			ExportEndpoint: cfg.Monitoring.Tracing.ExportEndpoint,
			Insecure:       cfg.Monitoring.Tracing.Insecure,
		})
		if err != nil {
			logger.Warn("链路追踪初始化失败, 继续无追踪运行", "error", err)
		} else {
			a.tracer = tp
			logger.Info("链路追踪已启用", "service_name", serviceName)
		}
	}

	logger.Info("robot 装配完成", "api_url", apiURL, "machine_id", machineID)
	return a, nil
}

// Run 阻塞运行直到 ctx 取消；退出前冲刷未导出的 trace
func (a *App) Run(ctx context.Context) error {
	err := a.runner.Run(ctx)
	if a.tracer != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.tracer.Shutdown(flushCtx)
	}
	return err
}
