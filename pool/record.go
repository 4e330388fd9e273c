// Copyright 2025 YBloom
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pool

import (
	"sync"
	"time"
)

const (
	// ewmaAlpha is the decay factor for the response-time average.
	ewmaAlpha = 0.3
	// unhealthyAfter is the consecutive-failure count that marks a
	// connection unhealthy.
	unhealthyAfter = 3
	// forgivableFailures bounds which connections the emergency reset
	// pass is willing to forgive.
	forgivableFailures = 10
)

// Record tracks the health and performance of one pooled connection.
// Every mutation is guarded, since requests on different goroutines can
// land on the same slot.
type Record struct {
	mu                  sync.Mutex
	createdAt           time.Time
	lastUsed            time.Time
	requests            int
	failures            int
	consecutiveFailures int
	avgResponseTime     time.Duration
	healthy             bool
}

// RecordSnapshot is a point-in-time copy of a Record.
type RecordSnapshot struct {
	CreatedAt           time.Time
	LastUsed            time.Time
	Requests            int
	Failures            int
	ConsecutiveFailures int
	AvgResponseTime     time.Duration
	Healthy             bool
}

func newRecord(now time.Time) *Record {
	return &Record{
		createdAt: now,
		lastUsed:  now,
		healthy:   true,
	}
}

// RecordSuccess folds a completed request into the record. It clears the
// consecutive-failure streak and restores health.
func (r *Record) RecordSuccess(now time.Time, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests++
	r.lastUsed = now
	r.consecutiveFailures = 0
	r.avgResponseTime = ewma(r.avgResponseTime, elapsed)
	r.healthy = true
}

// RecordFailure folds a failed request into the record. Three consecutive
// failures mark the connection unhealthy.
func (r *Record) RecordFailure(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
	r.consecutiveFailures++
	r.lastUsed = now
	if r.consecutiveFailures >= unhealthyAfter {
		r.healthy = false
	}
}

// forgive restores health unless the failure streak is past the
// forgivable bound. Used by the pool's emergency reset pass.
func (r *Record) forgive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.consecutiveFailures < forgivableFailures {
		r.healthy = true
		r.consecutiveFailures = 0
	}
}

// reset returns the record to its initial state, as if the connection had
// just been created.
func (r *Record) reset(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createdAt = now
	r.lastUsed = now
	r.requests = 0
	r.failures = 0
	r.consecutiveFailures = 0
	r.avgResponseTime = 0
	r.healthy = true
}

// Snapshot returns a copy of the record's current state.
func (r *Record) Snapshot() RecordSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RecordSnapshot{
		CreatedAt:           r.createdAt,
		LastUsed:            r.lastUsed,
		Requests:            r.requests,
		Failures:            r.failures,
		ConsecutiveFailures: r.consecutiveFailures,
		AvgResponseTime:     r.avgResponseTime,
		Healthy:             r.healthy,
	}
}

// ewma blends a new sample into the running average with a fixed decay.
func ewma(avg, sample time.Duration) time.Duration {
	return time.Duration(ewmaAlpha*float64(sample) + (1-ewmaAlpha)*float64(avg))
}
