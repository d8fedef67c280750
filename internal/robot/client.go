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
	"encoding/json"
	"time"

	"github.com/go-resty/resty/v2"

	"rpa-platform/internal/dispatch"
	"rpa-platform/internal/queue"
	"rpa-platform/internal/registry"
	"rpa-platform/pkg/errors"
)

// Client 编排器 HTTP API 客户端；robot 进程与 CLI 共用。
// 服务端错误包封还原成带 Kind 的错误，调用方按 Kind 分支。
type Client struct {
	http *resty.Client
}

// NewClient tenant 为空时不带租户头（服务端按 default 处理）
func NewClient(baseURL, tenant string) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(90 * time.Second). // 长轮询接口可能挂到 60s
		SetHeader("Content-Type", "application/json")
	if tenant != "" {
		c.SetHeader("X-Tenant-ID", tenant)
	}
	return &Client{http: c}
}

type errorEnvelope struct {
	Error struct {
		Kind    errors.Kind `json:"kind"`
		Message string      `json:"message"`
	} `json:"error"`
}

// 非 2xx 响应还原为带 Kind 的错误；包封解析失败时按 transient 处理
func apiError(resp *resty.Response) error {
	var envelope errorEnvelope
	if err := json.Unmarshal(resp.Body(), &envelope); err == nil && envelope.Error.Kind != "" {
		return errors.E(envelope.Error.Kind, envelope.Error.Message)
	}
	return errors.Ef(errors.KindTransient, "orchestrator 返回 %d: %s", resp.StatusCode(), resp.String())
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	resp, err := c.http.R().SetContext(ctx).SetBody(body).SetResult(out).Post(path)
	if err != nil {
		return errors.WrapKind(errors.KindTransient, err, "请求 orchestrator 失败")
	}
	if resp.IsError() {
		return apiError(resp)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, query map[string]string, out any) error {
	resp, err := c.http.R().SetContext(ctx).SetQueryParams(query).SetResult(out).Get(path)
	if err != nil {
		return errors.WrapKind(errors.KindTransient, err, "请求 orchestrator 失败")
	}
	if resp.IsError() {
		return apiError(resp)
	}
	return nil
}

// Register 幂等注册
func (c *Client) Register(ctx context.Context, req registry.RegisterRequest) (*registry.Robot, error) {
	var robot registry.Robot
	if err := c.post(ctx, "/api/robots", req, &robot); err != nil {
		return nil, err
	}
	return &robot, nil
}

// Heartbeat 心跳上报
func (c *Client) Heartbeat(ctx context.Context, robotID string, report registry.HeartbeatReport) (*registry.Robot, error) {
	var robot registry.Robot
	if err := c.post(ctx, "/api/robots/"+robotID+"/heartbeat", report, &robot); err != nil {
		return nil, err
	}
	return &robot, nil
}

// ClaimParams 批量认领参数
type ClaimParams struct {
	RobotID                  string   `json:"robot_id"`
	Environment              string   `json:"environment,omitempty"`
	BatchSize                int      `json:"batch_size,omitempty"`
	VisibilityTimeoutSeconds int      `json:"visibility_timeout_seconds,omitempty"`
	Capabilities             []string `json:"capabilities,omitempty"`
}

// Claim 批量认领；空批返回空切片。
// lease_token 只出现在认领响应里（Job 不序列化该字段），解码后回填
func (c *Client) Claim(ctx context.Context, params ClaimParams) ([]*queue.Job, error) {
	var resp struct {
		Jobs []struct {
			queue.Job
			LeaseToken string `json:"lease_token"`
		} `json:"jobs"`
	}
	if err := c.post(ctx, "/api/jobs/claim", params, &resp); err != nil {
		return nil, err
	}
	jobs := make([]*queue.Job, 0, len(resp.Jobs))
	for _, cj := range resp.Jobs {
		j := cj.Job
		j.LeaseToken = cj.LeaseToken
		jobs = append(jobs, &j)
	}
	return jobs, nil
}

// Extend 续租
func (c *Client) Extend(ctx context.Context, jobID, leaseToken string, extendBy time.Duration) (queue.ExtendResult, error) {
	var res queue.ExtendResult
	err := c.post(ctx, "/api/jobs/"+jobID+"/extend", map[string]any{
		"lease_token":       leaseToken,
		"extend_by_seconds": int(extendBy.Seconds()),
	}, &res)
	return res, err
}

// Complete 成功终结
func (c *Client) Complete(ctx context.Context, jobID, leaseToken string, result map[string]any) error {
	return c.post(ctx, "/api/jobs/"+jobID+"/complete", map[string]any{
		"lease_token": leaseToken,
		"result":      result,
	}, nil)
}

// Fail 失败汇报
func (c *Client) Fail(ctx context.Context, jobID, leaseToken, errMsg string, permanent bool) error {
	return c.post(ctx, "/api/jobs/"+jobID+"/fail", map[string]any{
		"lease_token": leaseToken,
		"error":       errMsg,
		"permanent":   permanent,
	}, nil)
}

// Submit CLI 提交入口
func (c *Client) Submit(ctx context.Context, req dispatch.Request) (*queue.Job, error) {
	var job queue.Job
	if err := c.post(ctx, "/api/jobs", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Cancel CLI 取消入口
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	return c.post(ctx, "/api/jobs/"+jobID+"/cancel", map[string]any{}, nil)
}

// GetJob 查询单个 job
func (c *Client) GetJob(ctx context.Context, jobID string) (*queue.Job, error) {
	var job queue.Job
	if err := c.get(ctx, "/api/jobs/"+jobID, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs 按状态过滤查询
func (c *Client) ListJobs(ctx context.Context, status string) ([]*queue.Job, error) {
	query := map[string]string{}
	if status != "" {
		query["status"] = status
	}
	var resp struct {
		Jobs []*queue.Job `json:"jobs"`
	}
	if err := c.get(ctx, "/api/jobs", query, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// ListRobots robot 舰队列表
func (c *Client) ListRobots(ctx context.Context) ([]*registry.Robot, error) {
	var resp struct {
		Robots []*registry.Robot `json:"robots"`
	}
	if err := c.get(ctx, "/api/robots", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Robots, nil
}
