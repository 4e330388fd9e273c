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
	"time"

	"github.com/YBloom/luckyhttp/internal"
)

func (p *Pool) SetClock(clock internal.Clock) {
	p.clock = clock
}

func (p *Pool) PickIndex() (int, error) {
	picked, err := p.pick()
	if err != nil {
		return -1, err
	}
	return picked.index, nil
}

func (p *Pool) RecordAt(i int) *Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots[i].record
}

// SeedStats overwrites the mutable parts of a record so selection and
// reset behavior can be exercised directly.
func (r *Record) SeedStats(avg time.Duration, requests, consecutiveFailures int, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.avgResponseTime = avg
	r.requests = requests
	r.consecutiveFailures = consecutiveFailures
	r.healthy = healthy
}
