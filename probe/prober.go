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

// Package probe actively measures the health of the individual backend
// IPs behind a domain. A Prober resolves the domain once at start-up,
// then periodically issues lightweight HTTPS requests to each address,
// scoring every node on latency, failures, and timeouts. Callers query
// BestNode for an advisory ranking; the prober never routes traffic
// itself.
package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/YBloom/luckyhttp/internal"
)

// Config configures a Prober. The zero value of any field means its
// default below.
type Config struct {
	// Port is the TCP port probed on every discovered address.
	//
	// Defaults to 443.
	Port int

	// ProbeInterval is the pause between probe cycles.
	//
	// Defaults to 30 seconds.
	ProbeInterval time.Duration

	// MaxNodes caps how many resolved addresses are tracked.
	//
	// Defaults to 10.
	MaxNodes int

	// ConnectTimeout bounds the TCP dial of a single probe.
	//
	// Defaults to 5 seconds.
	ConnectTimeout time.Duration

	// ProbeTimeout bounds a single probe end to end. Probes that hit
	// it count as timeouts, which are scored more harshly than plain
	// failures.
	//
	// Defaults to 10 seconds.
	ProbeTimeout time.Duration
}

func (c Config) applyDefaults() Config {
	if c.Port == 0 {
		c.Port = 443
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.MaxNodes == 0 {
		c.MaxNodes = 10
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	return c
}

// Stats summarizes the prober's view of the backend fleet.
type Stats struct {
	TotalNodes     int     `json:"total_nodes"`
	AvailableNodes int     `json:"available_nodes"`
	CongestedNodes int     `json:"congested_nodes"`
	AvgHealthScore float64 `json:"avg_health_score"`
	TotalRequests  int64   `json:"total_requests"`
	TotalFailures  int64   `json:"total_failures"`
	SuccessRate    float64 `json:"success_rate"`
}

// Prober discovers and continuously scores the backend nodes of a
// domain. Create one with NewProber, call Start once, and Stop when
// done. All methods are safe for concurrent use.
type Prober struct {
	domain string
	cfg    Config
	logger *slog.Logger
	clock  internal.Clock
	scheme string

	mu sync.Mutex
	// +checklocks:mu
	nodes []*Node
	// +checklocks:mu
	started bool
	// +checklocks:mu
	cancel context.CancelFunc

	loopDone chan struct{}
}

// NewProber creates a prober for the given domain. A nil logger falls
// back to slog.Default().
func NewProber(domain string, cfg Config, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		domain:   domain,
		cfg:      cfg.applyDefaults(),
		logger:   logger.With(slog.String("component", "prober"), slog.String("domain", domain)),
		clock:    internal.NewRealClock(),
		scheme:   "https",
		loopDone: make(chan struct{}),
	}
}

// Start resolves the domain, runs one probe cycle immediately, and then
// keeps probing in the background until ctx is done or Stop is called.
// Start is idempotent; calls after the first are no-ops. Resolution
// failures are logged but do not fail Start, since the domain may come
// back before the next cycle.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.mu.Unlock()

	p.discover(ctx)
	p.probeAll(ctx)

	go p.loop(loopCtx)
}

// Stop halts background probing and waits for the loop to exit. It is
// idempotent and safe to call even if Start never ran.
func (p *Prober) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	started := p.started
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if started {
		<-p.loopDone
	}
}

func (p *Prober) loop(ctx context.Context) {
	defer close(p.loopDone)
	ticker := p.clock.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.probeAll(ctx)
		}
	}
}

// discover resolves the domain to IPv4 addresses and registers up to
// MaxNodes of them. Nodes survive re-resolution; discovery only ever
// adds.
func (p *Prober) discover(ctx context.Context) {
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", p.domain)
	if err != nil {
		p.logger.Warn("node discovery failed", slog.Any("error", err))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	known := make(map[string]struct{}, len(p.nodes))
	for _, n := range p.nodes {
		known[n.ip] = struct{}{}
	}
	for _, addr := range addrs {
		if len(p.nodes) >= p.cfg.MaxNodes {
			break
		}
		ip := addr.Unmap().String()
		if _, ok := known[ip]; ok {
			continue
		}
		known[ip] = struct{}{}
		p.nodes = append(p.nodes, newNode(ip, p.cfg.Port))
	}
	p.logger.Info("node discovery complete", slog.Int("nodes", len(p.nodes)))
}

// probeAll probes every known node concurrently and waits for all
// probes to finish.
func (p *Prober) probeAll(ctx context.Context) {
	nodes := p.snapshotNodes()
	if len(nodes) == 0 {
		return
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		node := node
		group.Go(func() error {
			p.probeNode(groupCtx, node)
			return nil
		})
	}
	_ = group.Wait()
}

// probeNode issues a single GET to the node's address with the domain
// as the virtual host, drains the body so the measured latency covers
// the transfer, then folds the outcome into the node's score.
func (p *Prober) probeNode(ctx context.Context, node *Node) {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	addr := net.JoinHostPort(node.ip, strconv.Itoa(node.port))
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			dialer := net.Dialer{Timeout: p.cfg.ConnectTimeout}
			return dialer.DialContext(ctx, network, addr)
		},
		TLSClientConfig:   &tls.Config{ServerName: p.domain, MinVersion: tls.VersionTLS12},
		DisableKeepAlives: true,
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport}

	probeURL := fmt.Sprintf("%s://%s/", p.scheme, addr)
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, probeURL, nil)
	if err != nil {
		node.RecordFailure(p.clock.Now(), false)
		return
	}
	req.Host = p.domain

	start := p.clock.Now()
	resp, err := client.Do(req)
	if err != nil {
		timeout := isTimeout(err)
		node.RecordFailure(p.clock.Now(), timeout)
		p.logger.Debug("probe failed",
			slog.String("node", node.ip),
			slog.Bool("timeout", timeout),
			slog.Any("error", err))
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	latency := p.clock.Since(start)
	node.RecordSuccess(latency)
	p.logger.Debug("probe succeeded",
		slog.String("node", node.ip),
		slog.Duration("latency", latency),
		slog.Int("status", resp.StatusCode))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// BestNode returns the available node with the highest priority. When
// every node is unavailable it falls back to the highest raw health
// score, so callers always get an answer while any node is known. The
// second return is false only when no nodes were discovered.
func (p *Prober) BestNode() (NodeSnapshot, bool) {
	nodes := p.snapshotNodes()
	if len(nodes) == 0 {
		return NodeSnapshot{}, false
	}
	now := p.clock.Now()

	var best *Node
	bestPriority := -1.0
	for _, node := range nodes {
		if !node.Available(now) {
			continue
		}
		if priority := node.Priority(); priority > bestPriority {
			best, bestPriority = node, priority
		}
	}
	if best != nil {
		return best.Snapshot(), true
	}

	best = nodes[0]
	for _, node := range nodes[1:] {
		if node.healthScoreLocked() > best.healthScoreLocked() {
			best = node
		}
	}
	return best.Snapshot(), true
}

// HealthyNodes returns snapshots of every available node whose health
// score is at least minScore.
func (p *Prober) HealthyNodes(minScore float64) []NodeSnapshot {
	now := p.clock.Now()
	var healthy []NodeSnapshot
	for _, node := range p.snapshotNodes() {
		if !node.Available(now) {
			continue
		}
		if snap := node.Snapshot(); snap.HealthScore >= minScore {
			healthy = append(healthy, snap)
		}
	}
	return healthy
}

// Stats aggregates the current state of all known nodes.
func (p *Prober) Stats() Stats {
	nodes := p.snapshotNodes()
	now := p.clock.Now()

	stats := Stats{TotalNodes: len(nodes)}
	var scoreSum float64
	for _, node := range nodes {
		if node.Available(now) {
			stats.AvailableNodes++
		}
		snap := node.Snapshot()
		if snap.Congested {
			stats.CongestedNodes++
		}
		scoreSum += snap.HealthScore
		stats.TotalRequests += snap.TotalRequests
		stats.TotalFailures += snap.TotalFailures
	}
	if len(nodes) > 0 {
		stats.AvgHealthScore = scoreSum / float64(len(nodes))
	}
	if stats.TotalRequests > 0 {
		stats.SuccessRate = float64(stats.TotalRequests-stats.TotalFailures) / float64(stats.TotalRequests)
	}
	return stats
}

func (p *Prober) snapshotNodes() []*Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	nodes := make([]*Node, len(p.nodes))
	copy(nodes, p.nodes)
	return nodes
}
