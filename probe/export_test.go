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

package probe

import (
	"context"

	"github.com/YBloom/luckyhttp/internal"
)

// NewNode exposes node construction so tests can score nodes without a
// running prober.
func NewNode(ip string, port int) *Node {
	return newNode(ip, port)
}

// SetClock swaps the prober's clock, for tests that control time.
func (p *Prober) SetClock(clock internal.Clock) {
	p.clock = clock
}

// SetScheme overrides the probe URL scheme so tests can point the
// prober at plain-HTTP test servers.
func (p *Prober) SetScheme(scheme string) {
	p.scheme = scheme
}

// InjectNode registers a node directly, bypassing DNS discovery.
func (p *Prober) InjectNode(ip string, port int) *Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	node := newNode(ip, port)
	p.nodes = append(p.nodes, node)
	return node
}

// RunProbeCycle runs a single synchronous probe pass.
func (p *Prober) RunProbeCycle(ctx context.Context) {
	p.probeAll(ctx)
}

// Discover runs DNS discovery once, synchronously.
func (p *Prober) Discover(ctx context.Context) {
	p.discover(ctx)
}
