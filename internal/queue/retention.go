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
)

// 终态 job 保留期与清扫周期默认值
const (
	DefaultRetention     = 30 * 24 * time.Hour
	DefaultSweepInterval = time.Hour
)

// RetentionWorker 周期清理超过保留期的终态 job（含审计与过期幂等键）
type RetentionWorker struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewRetentionWorker retention / interval <=0 时取默认 30d / 1h
func NewRetentionWorker(store Store, retention, interval time.Duration, logger *slog.Logger) *RetentionWorker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionWorker{store: store, retention: retention, interval: interval, logger: logger}
}

// Run 阻塞运行直到 ctx 取消
func (w *RetentionWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.store.PurgeTerminal(ctx, w.retention)
			if err != nil {
				w.logger.Error("清理终态 job 失败", "error", err)
				continue
			}
			if n > 0 {
				w.logger.Info("清理终态 job", "purged", n, "retention", w.retention.String())
			}
		}
	}
}
