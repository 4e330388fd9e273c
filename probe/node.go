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
	"sync"
	"time"
)

const (
	// latencyWindow bounds the per-node latency history.
	latencyWindow = 10

	// congestedLatency flags a node as congested when a single probe
	// takes this long; congestion clears once the mean drops below
	// clearLatency.
	congestedLatency = 10 * time.Second
	clearLatency     = 3 * time.Second

	// quarantineAfter consecutive failures kill a node for
	// quarantinePeriod; reviveAfter consecutive successes clear the
	// quarantine.
	quarantineAfter  = 3
	reviveAfter      = 3
	quarantinePeriod = 60 * time.Second

	// Health-score deltas. Timeouts are punished harder than plain
	// failures because they tie up a slot for the full probe budget.
	successReward  = 5.0
	failurePenalty = 10.0
	timeoutPenalty = 20.0

	maxHealthScore      = 100.0
	availableScoreFloor = 30.0
)

// Node tracks one backend IP discovered behind the target domain. Nodes
// are created at discovery and never removed; a dead node can only come
// back through successful probes.
type Node struct {
	ip   string
	port int

	mu sync.Mutex
	// +checklocks:mu
	healthScore float64
	// +checklocks:mu
	consecutiveFailures int
	// +checklocks:mu
	consecutiveSuccesses int
	// +checklocks:mu
	latencies []time.Duration
	// +checklocks:mu
	avgResponseTime time.Duration
	// +checklocks:mu
	totalRequests int64
	// +checklocks:mu
	totalFailures int64
	// +checklocks:mu
	alive bool
	// +checklocks:mu
	congested bool
	// +checklocks:mu
	quarantineUntil time.Time
}

// NodeSnapshot is a point-in-time copy of a Node's state.
type NodeSnapshot struct {
	IP                   string
	Port                 int
	HealthScore          float64
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	AvgResponseTime      time.Duration
	TotalRequests        int64
	TotalFailures        int64
	Alive                bool
	Congested            bool
	QuarantineUntil      time.Time
}

func newNode(ip string, port int) *Node {
	return &Node{
		ip:          ip,
		port:        port,
		healthScore: maxHealthScore,
		alive:       true,
		latencies:   make([]time.Duration, 0, latencyWindow),
	}
}

// RecordSuccess folds a successful probe into the node. The latency joins
// a bounded window whose mean drives the congestion flag; the health
// score climbs by a fixed reward; three consecutive successes lift any
// quarantine.
func (n *Node) RecordSuccess(latency time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.totalRequests++
	n.consecutiveSuccesses++
	n.consecutiveFailures = 0

	n.latencies = append(n.latencies, latency)
	if len(n.latencies) > latencyWindow {
		n.latencies = n.latencies[1:]
	}
	var sum time.Duration
	for _, l := range n.latencies {
		sum += l
	}
	n.avgResponseTime = sum / time.Duration(len(n.latencies))

	if latency > congestedLatency {
		n.congested = true
	} else if n.avgResponseTime < clearLatency {
		n.congested = false
	}

	n.healthScore = min(n.healthScore+successReward, maxHealthScore)
	n.alive = true
	if n.consecutiveSuccesses >= reviveAfter {
		n.quarantineUntil = time.Time{}
	}
}

// RecordFailure folds a failed probe into the node. Timeouts cost more
// score and flag congestion. Three consecutive failures mark the node
// dead and quarantine it for a fixed period.
func (n *Node) RecordFailure(now time.Time, timeout bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.totalRequests++
	n.totalFailures++
	n.consecutiveFailures++
	n.consecutiveSuccesses = 0

	penalty := failurePenalty
	if timeout {
		penalty = timeoutPenalty
		n.congested = true
	}
	n.healthScore = max(n.healthScore-penalty, 0)

	if n.consecutiveFailures >= quarantineAfter {
		n.alive = false
		n.quarantineUntil = now.Add(quarantinePeriod)
	}
}

// Available reports whether the node should receive traffic: not
// quarantined, alive, and scoring at least the availability floor.
func (n *Node) Available(now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if now.Before(n.quarantineUntil) {
		return false
	}
	if n.healthScore < availableScoreFloor {
		return false
	}
	return n.alive
}

// Priority ranks nodes for best-node selection, higher is better. The
// health score is discounted by observed latency, congestion, and the
// lifetime failure rate.
func (n *Node) Priority() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	score := n.healthScore
	if n.avgResponseTime > 0 {
		score -= min(n.avgResponseTime.Seconds()*5, 50)
	}
	if n.congested {
		score -= 30
	}
	if n.totalRequests > 0 {
		score -= float64(n.totalFailures) / float64(n.totalRequests) * 50
	}
	return max(score, 0)
}

// Snapshot returns a copy of the node's current state.
func (n *Node) Snapshot() NodeSnapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	return NodeSnapshot{
		IP:                   n.ip,
		Port:                 n.port,
		HealthScore:          n.healthScore,
		ConsecutiveFailures:  n.consecutiveFailures,
		ConsecutiveSuccesses: n.consecutiveSuccesses,
		AvgResponseTime:      n.avgResponseTime,
		TotalRequests:        n.totalRequests,
		TotalFailures:        n.totalFailures,
		Alive:                n.alive,
		Congested:            n.congested,
		QuarantineUntil:      n.quarantineUntil,
	}
}

func (n *Node) healthScoreLocked() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.healthScore
}
