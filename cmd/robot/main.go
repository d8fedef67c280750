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

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	robotapp "rpa-platform/internal/app/robot"
	"rpa-platform/pkg/config"
)

func main() {
	cfg, err := config.LoadRobotConfig()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	application, err := robotapp.NewApp(cfg, nil)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		cancel()
		if err != nil && err != context.Canceled {
			log.Fatalf("robot 异常退出: %v", err)
		}
	case sig := <-quit:
		log.Printf("收到信号 %s, 停止认领并等待在途任务", sig)
		cancel()
		<-errCh
	}
}
