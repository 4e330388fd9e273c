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

package retry

import "github.com/YBloom/luckyhttp/internal"

func (p *Policy) SetClock(clock internal.Clock) {
	p.clock = clock
}

func (p *Policy) SetRandom(rnd internal.Random) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rnd = rnd
}

func (p *Policy) ShouldGiveUp(consecutiveFailures int) bool {
	return p.shouldGiveUp(consecutiveFailures)
}

func (p *Policy) RecordOutcome(success bool) {
	p.recordOutcome(success)
}
