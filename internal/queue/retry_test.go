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
	"testing"
	"time"
)

func TestBackoffBounds(t *testing.T) {
	p := NewRetryPolicy(2*time.Second, 5*time.Minute)
	for n := 1; n <= 12; n++ {
		base := 2 * time.Second << (n - 1)
		if base > 5*time.Minute {
			base = 5 * time.Minute
		}
		for i := 0; i < 50; i++ {
			d := p.Backoff(n)
			if d < base && d != 5*time.Minute {
				t.Fatalf("Backoff(%d) = %v, 低于基准 %v", n, d, base)
			}
			if d > 5*time.Minute {
				t.Fatalf("Backoff(%d) = %v, 超过上限", n, d)
			}
			if d > base+2*time.Second {
				t.Fatalf("Backoff(%d) = %v, jitter 超出 [0, base)", n, d)
			}
		}
	}
}

func TestBackoffCap(t *testing.T) {
	p := NewRetryPolicy(2*time.Second, 5*time.Minute)
	// 2s·2^19 早已超过 5min，必须钳在上限
	if d := p.Backoff(20); d != 5*time.Minute {
		t.Fatalf("Backoff(20) = %v, want 5m", d)
	}
}

func TestBackoffJitterVaries(t *testing.T) {
	p := NewRetryPolicy(time.Second, time.Hour)
	seen := make(map[time.Duration]bool)
	for i := 0; i < 100; i++ {
		seen[p.Backoff(1)] = true
	}
	if len(seen) < 2 {
		t.Fatal("jitter 应使同一 n 的退避时长不完全相同")
	}
}

func TestShouldRetry(t *testing.T) {
	p := NewRetryPolicy(0, 0)
	cases := []struct {
		retryCount, maxRetries int
		permanent              bool
		want                   bool
	}{
		{0, 2, false, true},
		{1, 2, false, true},
		{2, 2, false, false},
		{0, 0, false, false},
		{0, 2, true, false},
	}
	for _, c := range cases {
		if got := p.ShouldRetry(c.retryCount, c.maxRetries, c.permanent); got != c.want {
			t.Errorf("ShouldRetry(%d, %d, %v) = %v, want %v", c.retryCount, c.maxRetries, c.permanent, got, c.want)
		}
	}
}
