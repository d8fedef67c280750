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

// Package api orchestrator 进程装配：配置 → 存储 → 总线 → 各后台 worker → HTTP。
// 所有长生命周期资源（连接池、总线、worker）由 App 持有，Shutdown 统一回收。
package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	apihttp "rpa-platform/internal/api/http"
	"rpa-platform/internal/bus"
	"rpa-platform/internal/dispatch"
	"rpa-platform/internal/queue"
	"rpa-platform/internal/registry"
	"rpa-platform/pkg/config"
	"rpa-platform/pkg/log"
)

// App orchestrator 应用
type App struct {
	cfg    *config.Config
	logger *log.Logger

	pool     *pgxpool.Pool
	bus      *bus.Bus
	store    queue.Store
	registry *registry.Registry

	hertz        *server.Hertz
	otelProvider provider.OtelProvider
	redisClient  *redis.Client

	workersCancel context.CancelFunc
	workersDone   sync.WaitGroup
}

// NewApp 按配置装配；queue.store=postgres 时建连接池并建表
func NewApp(cfg *config.Config) (*App, error) {
	logger, err := log.NewLogger(&log.Config{
		Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File,
	}, "orchestrator-api")
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	slog.SetDefault(logger.Logger)

	a := &App{cfg: cfg, logger: logger}
	a.bus = bus.New(cfg.Bus.BufferSize, cfg.Bus.HeartbeatBufferSize)

	retry := queue.NewRetryPolicy(
		config.ParseDuration(cfg.Queue.Retry.Base, 0),
		config.ParseDuration(cfg.Queue.Retry.Cap, 0),
	)
	idemTTL := config.ParseDuration(cfg.Queue.IdempotencyTTL, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if cfg.Queue.Store == "postgres" {
		pool, err := pgxpool.New(ctx, cfg.Queue.DSN)
		if err != nil {
			return nil, fmt.Errorf("连接 Postgres 失败: %w", err)
		}
		a.pool = pool
		pgStore := queue.NewPGStore(pool, a.bus, retry, idemTTL)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		a.store = pgStore

		regStore := registry.NewPGStore(pool)
		if err := regStore.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		a.registry = registry.New(regStore, a.bus,
			config.ParseDuration(cfg.Registry.OfflineThreshold, 0), logger.Logger)
		logger.Info("使用 Postgres 存储")
	} else {
		a.store = queue.NewMemStore(a.bus, retry, idemTTL)
		a.registry = registry.New(registry.NewMemStore(), a.bus,
			config.ParseDuration(cfg.Registry.OfflineThreshold, 0), logger.Logger)
		logger.Info("使用内存存储（单进程 dev 模式）")
	}
	return a, nil
}

// Run 启动后台 worker 与 HTTP 服务；阻塞直到服务退出
func (a *App) Run(addr string) error {
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(os.Stdout),
		hertzslog.WithLevel(levelVar(a.cfg.Log.Level)),
	))

	workerCtx, cancel := context.WithCancel(context.Background())
	a.workersCancel = cancel
	a.startWorkers(workerCtx)

	var srv *server.Hertz
	if a.cfg.Monitoring.Tracing.Enable && a.cfg.Monitoring.Tracing.ExportEndpoint != "" {
		serviceName := a.cfg.Monitoring.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "rpa-orchestrator"
		}
		opts := []provider.Option{
			provider.WithServiceName(serviceName),
			provider.WithExportEndpoint(a.cfg.Monitoring.Tracing.ExportEndpoint),
		}
		if a.cfg.Monitoring.Tracing.Insecure {
			opts = append(opts, provider.WithInsecure())
		}
		a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
		tracerOpt, tcfg := hertztracing.NewServerTracer()
		srv = server.Default(server.WithHostPorts(addr), tracerOpt)
		srv.Use(hertztracing.ServerMiddleware(tcfg))
		a.logger.Info("链路追踪已启用", "service_name", serviceName)
	} else {
		srv = server.Default(server.WithHostPorts(addr))
	}

	dispatcher := dispatch.New(a.store, a.cfg.Queue.MaxRetriesDefault, a.logger.Logger)
	handler := apihttp.NewHandler(dispatcher, a.store, a.registry, a.bus,
		config.ParseDuration(a.cfg.Queue.VisibilityTimeout, 0))
	rps := 0
	if a.cfg.API.Middleware.RateLimit {
		rps = a.cfg.API.Middleware.RateLimitRPS
	}
	handler.Register(srv, rps)
	a.hertz = srv

	a.logger.Info("orchestrator 服务启动", "addr", addr)
	return srv.Run()
}

// startWorkers 租约回收、保留期清理、离线监测、可选的 Redis/webhook 转发
func (a *App) startWorkers(ctx context.Context) {
	recovery := queue.NewRecoveryWorker(a.store,
		config.ParseDuration(a.cfg.Queue.RecoveryInterval, 0), a.logger.Logger)
	a.spawn(func() { recovery.Run(ctx) })

	retentionDays := a.cfg.Queue.RetentionDays
	if retentionDays <= 0 {
		retentionDays = 7
	}
	retention := queue.NewRetentionWorker(a.store,
		time.Duration(retentionDays)*24*time.Hour, 0, a.logger.Logger)
	a.spawn(func() { retention.Run(ctx) })

	a.spawn(func() { a.registry.Monitor(ctx) })

	if a.cfg.Bus.Redis.Enable {
		a.redisClient = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Bus.Redis.Addr,
			DB:       a.cfg.Bus.Redis.DB,
			Password: a.cfg.Bus.Redis.Password,
		})
		forwarder := bus.NewRedisForwarder(a.bus, a.redisClient, a.logger, bus.Options{
			SampleHeartbeats: config.ParseDuration(a.cfg.Bus.HeartbeatSampleInterval, time.Second),
		})
		a.spawn(func() { forwarder.Run(ctx) })
		a.logger.Info("redis 事件转发已启用", "addr", a.cfg.Bus.Redis.Addr)
	}
	for _, wh := range a.cfg.Bus.Webhooks {
		sender := bus.NewWebhookSender(a.bus, wh.URL, wh.Tenant, a.logger)
		a.spawn(func() { sender.Run(ctx) })
		a.logger.Info("webhook 订阅已启用", "url", wh.URL)
	}
}

func (a *App) spawn(fn func()) {
	a.workersDone.Add(1)
	go func() {
		defer a.workersDone.Done()
		fn()
	}()
}

// Shutdown 优雅关闭：先停 HTTP，再停 worker，最后放连接
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if a.workersCancel != nil {
		a.workersCancel()
	}
	done := make(chan struct{})
	go func() {
		a.workersDone.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return firstErr
}

func levelVar(level string) *slog.LevelVar {
	lv := &slog.LevelVar{}
	lv.Set(log.ParseLevel(level))
	return lv
}
