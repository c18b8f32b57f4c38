// Copyright 2025 Poiesic Systems
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


package ingestion

import "time"

// RetryPolicy bounds how often a failing step is re-attempted.
type RetryPolicy struct {
	// MaxAttempts is the number of invocations after which the pipeline fails.
	MaxAttempts int
	// BaseDelay is the delay before the first retry. It doubles on each retry.
	BaseDelay time.Duration
	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns 5 attempts with backoff from 1s to 1m.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
	}
}

func (r RetryPolicy) normalize() RetryPolicy {
	if r.MaxAttempts < 1 {
		r.MaxAttempts = 1
	}
	if r.BaseDelay < 0 {
		r.BaseDelay = 0
	}
	if r.MaxDelay > 0 && r.MaxDelay < r.BaseDelay {
		r.MaxDelay = r.BaseDelay
	}
	return r
}

// Exhausted reports whether attempts failed invocations use up the budget.
func (r RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= r.MaxAttempts
}

// Delay returns the wait before the retry that follows the given number of
// failed attempts: BaseDelay * 2^(attempts-1), capped at MaxDelay.
func (r RetryPolicy) Delay(attempts int) time.Duration {
	delay := r.BaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if r.MaxDelay > 0 && delay >= r.MaxDelay {
			return r.MaxDelay
		}
	}
	if r.MaxDelay > 0 && delay > r.MaxDelay {
		return r.MaxDelay
	}
	return delay
}
