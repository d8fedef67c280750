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
	"log/slog"
	"time"

	"rpa-platform/pkg/metrics"
)

// DefaultRecoveryInterval 过期租约扫描周期
const DefaultRecoveryInterval = 10 * time.Second

// RecoveryWorker 周期回收过期租约并刷新状态 gauge。
// 多实例部署下可并发运行：RecoverExpired 用 SKIP LOCKED，不会重复处置同一行。
type RecoveryWorker struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
}

// NewRecoveryWorker interval <=0 时取默认 10s
func NewRecoveryWorker(store Store, interval time.Duration, logger *slog.Logger) *RecoveryWorker {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryWorker{store: store, interval: interval, logger: logger}
}

// Run 阻塞运行直到 ctx 取消；启动即先扫一轮，恢复进程重启前滞留的租约
func (w *RecoveryWorker) Run(ctx context.Context) {
	w.sweep(ctx)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *RecoveryWorker) sweep(ctx context.Context) {
	ids, err := w.store.RecoverExpired(ctx, time.Now())
	if err != nil {
		w.logger.Error("回收过期租约失败", "error", err)
		return
	}
	if len(ids) > 0 {
		metrics.LeaseRecoveredTotal.Add(float64(len(ids)))
		w.logger.Warn("回收过期租约", "count", len(ids), "job_ids", ids)
	}
	counts, err := w.store.CountByStatus(ctx)
	if err != nil {
		w.logger.Error("统计 job 状态失败", "error", err)
		return
	}
	for _, st := range []Status{StatusQueued, StatusClaimed, StatusCompleted, StatusCancelled, StatusDeadLetter} {
		metrics.JobStateGauge.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
