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
	"math/rand"
	"sync"
	"time"
)

// 重试/死信策略默认参数
const (
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffCap  = 5 * time.Minute
)

// RetryPolicy backoff(n) = min(base·2^(n-1) + jitter, cap)，jitter 均匀取自 [0, base)。
// jitter 是必需的：无抖动时大规模失败后整个队列会在同一时刻齐步唤醒。
type RetryPolicy struct {
	Base time.Duration
	Cap  time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRetryPolicy 创建策略；base/cap <=0 时使用默认 2s / 5min
func NewRetryPolicy(base, cap time.Duration) *RetryPolicy {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if cap <= 0 {
		cap = DefaultBackoffCap
	}
	return &RetryPolicy{
		Base: base,
		Cap:  cap,
		rnd:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Backoff 第 n 次重试（n ≥ 1）前的等待时长
func (p *RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.Base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.Cap {
			d = p.Cap
			break
		}
	}
	p.mu.Lock()
	jitter := time.Duration(p.rnd.Int63n(int64(p.Base)))
	p.mu.Unlock()
	if d+jitter > p.Cap {
		return p.Cap
	}
	return d + jitter
}

// ShouldRetry 失败处置：未标记 permanent 且重试余量未耗尽时重试；模糊失败默认可重试
func (p *RetryPolicy) ShouldRetry(retryCount, maxRetries int, permanent bool) bool {
	if permanent {
		return false
	}
	return retryCount < maxRetries
}
