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

// Package robot 执行端进程：注册、心跳、认领循环与租约维持。
// 真正解释工作流的执行引擎在编排器之外，这里只定义接入缝。
package robot

import (
	"context"
	stderrors "errors"
	"fmt"

	"rpa-platform/internal/queue"
)

// Engine 工作流执行引擎接入缝。Execute 收到 ctx 取消（取消请求或停机）时
// 应尽快终止并返回错误；返回的 error 经 IsPermanent 分类后汇报给编排器。
type Engine interface {
	Execute(ctx context.Context, job *queue.Job) (map[string]any, error)
}

// PermanentError 不可重试的执行失败（如工作流格式损坏、选择器永久失效）
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent 标记错误为不可重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent 错误链上是否带不可重试标记；模糊失败默认可重试
func IsPermanent(err error) bool {
	var pe *PermanentError
	return stderrors.As(err, &pe)
}

// EngineFunc 函数式 Engine 适配器
type EngineFunc func(ctx context.Context, job *queue.Job) (map[string]any, error)

func (f EngineFunc) Execute(ctx context.Context, job *queue.Job) (map[string]any, error) {
	return f(ctx, job)
}
