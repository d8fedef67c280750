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
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rpa-platform/internal/app/api"
	robotapp "rpa-platform/internal/app/robot"
	"rpa-platform/internal/dispatch"
	"rpa-platform/internal/registry"
	"rpa-platform/internal/robot"
	"rpa-platform/pkg/config"
	"rpa-platform/pkg/errors"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "version":
		fmt.Println("rpactl 0.1.0")
	case "serve":
		runServe(args)
	case "robot":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: rpactl robot <start|register> [flags]\n")
			os.Exit(2)
		}
		switch args[0] {
		case "start":
			runRobotStart(args[1:])
		case "register":
			runRobotRegister(args[1:])
		default:
			fmt.Fprintf(os.Stderr, "Usage: rpactl robot <start|register> [flags]\n")
			os.Exit(2)
		}
	case "jobs":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: rpactl jobs <submit|cancel|list> [args]\n")
			os.Exit(2)
		}
		switch args[0] {
		case "submit":
			runJobsSubmit(args[1:])
		case "cancel":
			runJobsCancel(args[1:])
		case "list":
			runJobsList(args[1:])
		default:
			fmt.Fprintf(os.Stderr, "Usage: rpactl jobs <submit|cancel|list> [args]\n")
			os.Exit(2)
		}
	case "robots":
		runRobots()
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Println("Usage: rpactl <command> [args]")
	fmt.Println("  version                        - 显示版本")
	fmt.Println("  serve [--port N]               - 启动 orchestrator 服务")
	fmt.Println("  robot start --name N [--env E] - 启动本机 robot worker")
	fmt.Println("  robot register                 - 只注册不启动，返回 robot_id")
	fmt.Println("  jobs submit PATH               - 提交工作流文件为 Job")
	fmt.Println("  jobs cancel ID                 - 取消 Job")
	fmt.Println("  jobs list [--status S]         - 列出 Jobs")
	fmt.Println("  robots                         - 列出 robot 舰队")
	fmt.Println("")
	fmt.Println("环境变量: ORCHESTRATOR_ADDR (默认 http://localhost:8080)")
}

// exitErr 按错误分类退出：参数错 2, 不存在 3, 冲突 4, 其余 5
func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "%v\n", err)
	switch errors.KindOf(err) {
	case errors.KindInvalidArgument:
		os.Exit(2)
	case errors.KindNotFound:
		os.Exit(3)
	case errors.KindConflict, errors.KindStaleLease, errors.KindPreconditionFailed:
		os.Exit(4)
	default:
		os.Exit(5)
	}
}

// flagValue 取 --name value 形式的参数
func flagValue(args []string, name string) string {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func apiBase() string {
	if v := os.Getenv("ORCHESTRATOR_ADDR"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func newClient() *robot.Client {
	return robot.NewClient(apiBase(), os.Getenv("ORCHESTRATOR_TENANT"))
}

func runServe(args []string) {
	cfg, err := config.LoadAPIConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(2)
	}
	if port := flagValue(args, "--port"); port != "" {
		if _, err := fmt.Sscanf(port, "%d", &cfg.API.Port); err != nil {
			fmt.Fprintf(os.Stderr, "--port 需要整数: %q\n", port)
			os.Exit(2)
		}
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}

	application, err := api.NewApp(cfg)
	if err != nil {
		exitErr(err)
	}
	addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)

	errCh := make(chan error, 1)
	go func() { errCh <- application.Run(addr) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			exitErr(err)
		}
	case <-quit:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = application.Shutdown(ctx)
	}
}

func runRobotStart(args []string) {
	cfg, err := config.LoadRobotConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(2)
	}
	if name := flagValue(args, "--name"); name != "" {
		cfg.Robot.Name = name
	}
	if env := flagValue(args, "--env"); env != "" {
		cfg.Robot.Environment = env
	}

	application, err := robotapp.NewApp(cfg, nil)
	if err != nil {
		exitErr(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- application.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		cancel()
		if err != nil && err != context.Canceled {
			exitErr(err)
		}
	case <-quit:
		cancel()
		<-errCh
	}
}

func runRobotRegister(args []string) {
	cfg, err := config.LoadRobotConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(2)
	}
	machineID := cfg.Robot.MachineID
	if machineID == "" {
		machineID, _ = os.Hostname()
	}
	name := cfg.Robot.Name
	if name = firstNonEmpty(flagValue(args, "--name"), name); name == "" {
		name = machineID
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	r, err := newClient().Register(ctx, registry.RegisterRequest{
		Name:         name,
		MachineID:    machineID,
		Environment:  firstNonEmpty(flagValue(args, "--env"), cfg.Robot.Environment),
		Capabilities: cfg.Robot.Capabilities,
	})
	if err != nil {
		exitErr(err)
	}
	fmt.Println(r.ID)
}

func runJobsSubmit(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: rpactl jobs submit <path>\n")
		os.Exit(2)
	}
	payload, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取工作流文件失败: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	job, err := newClient().Submit(ctx, dispatch.Request{
		Workflow:    payload,
		Environment: flagValue(args, "--env"),
	})
	if err != nil {
		exitErr(err)
	}
	fmt.Println(job.ID)
}

func runJobsCancel(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: rpactl jobs cancel <job_id>\n")
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := newClient().Cancel(ctx, args[0]); err != nil {
		exitErr(err)
	}
	fmt.Println("cancelled")
}

func runJobsList(args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	jobs, err := newClient().ListJobs(ctx, flagValue(args, "--status"))
	if err != nil {
		exitErr(err)
	}
	for _, j := range jobs {
		fmt.Printf("%s\t%s\tpriority=%d\tretries=%d/%d\t%s\n",
			j.ID, j.Status, j.Priority, j.RetryCount, j.MaxRetries,
			j.CreatedAt.Format(time.RFC3339))
	}
}

func runRobots() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	robots, err := newClient().ListRobots(ctx)
	if err != nil {
		exitErr(err)
	}
	for _, r := range robots {
		status := "offline"
		if r.Online {
			status = "online"
		}
		fmt.Printf("%s\t%s\t%s\t%s\t%s\tlast_heartbeat=%s\n",
			r.ID, r.Name, r.Environment, r.State, status,
			r.LastHeartbeat.Format(time.RFC3339))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
