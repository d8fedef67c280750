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

import "rpa-platform/pkg/errors"

// 状态机：
//
//	queued ──claim──► claimed ──complete──► completed
//	  ▲                │
//	  │                ├──fail(有余量)────► queued（visible_after = now + backoff）
//	  │                ├──fail(无余量)────► dead_letter
//	  │                └──租约过期────────► 同 fail 分支（recover_expired 处理）
//	  └──cancel（仅 queued）─────────────► cancelled
//
// claimed 上的 cancel 请求是行上的标记而非迁移；robot 配合后经 fail/complete 收敛到 cancelled。
var transitions = map[Status][]Status{
	StatusQueued:  {StatusClaimed, StatusCancelled},
	StatusClaimed: {StatusCompleted, StatusQueued, StatusDeadLetter, StatusCancelled, StatusFailed},
	StatusFailed:  {StatusQueued, StatusDeadLetter},
}

// CanTransition from → to 是否为状态机合法边
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// CheckTransition 非法边返回 precondition_failed；终态出边一律拒绝
func CheckTransition(from, to Status) error {
	if from.IsTerminal() {
		return errors.Ef(errors.KindPreconditionFailed, "job 已处于终态 %s", from)
	}
	if !CanTransition(from, to) {
		return errors.Ef(errors.KindPreconditionFailed, "不允许 %s → %s", from, to)
	}
	return nil
}
