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

// Package pool maintains a fixed-size set of warm, pinned keep-alive
// connections to a single target and routes each request through the
// connection that currently looks healthiest. Reusing established
// sockets skips the handshake phase that a congested upstream is most
// likely to drop.
package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/YBloom/luckyhttp/internal"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrExhausted is returned when no connection is usable, even after
	// the emergency health reset pass.
	ErrExhausted = errors.New("connection pool exhausted")
	// ErrClosed is returned for any operation on a closed pool.
	ErrClosed = errors.New("connection pool is closed")
)

const (
	warmupTimeout = 10 * time.Second
	probeTimeout  = 5 * time.Second

	// warmupElapsed and probeElapsed are the nominal durations recorded
	// for warm-up requests and idle keep-alive probes; neither measures
	// a representative round trip, so they are folded into the EWMA at
	// fixed weights instead.
	warmupElapsed = time.Second
	probeElapsed  = 100 * time.Millisecond

	// unsetResponseTime is the sort key for connections that have never
	// completed a timed request, ranking them after any measured one.
	unsetResponseTime = 999 * time.Second
)

// Config holds the pool tunables. Zero fields take the stated defaults.
type Config struct {
	// Size is the number of pooled connections. Default 5.
	Size int
	// MaxRequestsPerConn caps how many requests a connection serves
	// before selection starts avoiding it. Default 100.
	MaxRequestsPerConn int
	// ConnTTL is how long a connection lives before it is closed and
	// re-warmed in place. Default 300s.
	ConnTTL time.Duration
	// HealthCheckInterval is the cadence of the background maintenance
	// loop. Default 30s.
	HealthCheckInterval time.Duration
	// KeepAliveTimeout is how long a connection may sit idle before the
	// maintenance loop sends a lightweight probe through it. Default 60s.
	KeepAliveTimeout time.Duration
	// HTTP2PingInterval, when positive, enables HTTP/2 for pooled
	// transports with ping-based liveness at the given interval. When
	// zero, connections use HTTP/1.1 keep-alive only.
	HTTP2PingInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Size <= 0 {
		c.Size = 5
	}
	if c.MaxRequestsPerConn <= 0 {
		c.MaxRequestsPerConn = 100
	}
	if c.ConnTTL <= 0 {
		c.ConnTTL = 300 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = 60 * time.Second
	}
}

// Pool is a fixed-size set of persistent connections to one base URL.
type Pool struct {
	targetURL string
	cfg       Config
	logger    *slog.Logger
	clock     internal.Clock

	mu sync.Mutex
	// +checklocks:mu
	slots []*slot
	// +checklocks:mu
	warmed bool
	// +checklocks:mu
	closed bool
	// +checklocks:mu
	cancel context.CancelFunc

	loopDone chan struct{}
}

// slot is one pooled connection: a dedicated transport pinned to a single
// socket, plus its stats record. The transport and client fields are
// swapped under the pool mutex when the slot is recreated.
type slot struct {
	index     int
	client    *http.Client
	transport *http.Transport
	record    *Record
}

// New creates a pool for the given base URL. The pool is inert until
// Prewarm is called. A nil logger falls back to slog.Default().
func New(targetURL string, cfg Config, logger *slog.Logger) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		targetURL: targetURL,
		cfg:       cfg,
		logger:    logger,
		clock:     internal.NewRealClock(),
		loopDone:  make(chan struct{}),
	}
}

// Prewarm creates the configured number of connections, establishes each
// one with a warm-up request against the base URL, and starts the
// background maintenance loop. It is idempotent. Individual warm-up
// failures are recorded on the affected slot, not returned.
func (p *Pool) Prewarm(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.warmed {
		p.mu.Unlock()
		return nil
	}
	p.warmed = true
	now := p.clock.Now()
	for i := 0; i < p.cfg.Size; i++ {
		p.slots = append(p.slots, p.newSlot(i, now))
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	slots := slices.Clone(p.slots)
	p.mu.Unlock()

	for _, s := range slots {
		p.warmSlot(ctx, s)
	}
	go p.maintenanceLoop(loopCtx)

	p.logger.Info("connection pool warmed",
		slog.String("target", p.targetURL),
		slog.Int("size", len(slots)))
	return nil
}

// +checklocks:p.mu
func (p *Pool) newSlot(index int, now time.Time) *slot {
	transport := p.newTransport()
	return &slot{
		index:     index,
		transport: transport,
		client: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
		record: newRecord(now),
	}
}

// newTransport builds a transport pinned to a single underlying socket,
// so each slot corresponds to one warm connection.
func (p *Pool) newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxConnsPerHost:       1,
		MaxIdleConns:          1,
		MaxIdleConnsPerHost:   1,
		IdleConnTimeout:       p.cfg.ConnTTL,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
	}
	if p.cfg.HTTP2PingInterval > 0 {
		if h2, err := http2.ConfigureTransports(transport); err == nil {
			h2.ReadIdleTimeout = p.cfg.HTTP2PingInterval
			h2.PingTimeout = 15 * time.Second
		} else {
			p.logger.Warn("http2 configuration failed, using http/1.1",
				slog.Any("error", err))
		}
	}
	return transport
}

func (p *Pool) warmSlot(ctx context.Context, s *slot) {
	wctx, cancel := context.WithTimeout(ctx, warmupTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(wctx, http.MethodGet, p.targetURL, nil)
	if err != nil {
		s.record.RecordFailure(p.clock.Now())
		return
	}
	resp, err := p.clientFor(s).Do(req)
	if err != nil {
		s.record.RecordFailure(p.clock.Now())
		p.logger.Warn("connection warm-up failed",
			slog.Int("slot", s.index), slog.Any("error", err))
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	s.record.RecordSuccess(p.clock.Now(), warmupElapsed)
	p.logger.Debug("connection warmed", slog.Int("slot", s.index))
}

func (p *Pool) clientFor(s *slot) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return s.client
}

// Do executes one request through the best eligible connection and folds
// the outcome back into that connection's record. Transport errors are
// returned to the caller unchanged after being recorded.
func (p *Pool) Do(ctx context.Context, method, url string, header http.Header) (*http.Response, error) {
	picked, err := p.pick()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range header {
		req.Header[key] = slices.Clone(values)
	}

	start := p.clock.Now()
	resp, err := picked.client.Do(req)
	if err != nil {
		picked.record.RecordFailure(p.clock.Now())
		return nil, err
	}
	picked.record.RecordSuccess(p.clock.Now(), p.clock.Since(start))
	return resp, nil
}

// picked is what selection hands back: the slot's client and record as
// they were at pick time, immune to a concurrent slot recreation.
type picked struct {
	index  int
	client *http.Client
	record *Record
}

// pick selects the healthiest eligible connection: healthy and under the
// per-connection request cap, ordered by average response time (unset
// ranks worst) and then by request count. If nothing is eligible it runs
// a one-shot reset pass forgiving lightly-failed connections and retries
// ignoring the request cap.
func (p *Pool) pick() (picked, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return picked{}, ErrClosed
	}

	type candidate struct {
		slot *slot
		snap RecordSnapshot
	}
	eligible := make([]candidate, 0, len(p.slots))
	collect := func(ignoreCap bool) {
		eligible = eligible[:0]
		for _, s := range p.slots {
			snap := s.record.Snapshot()
			if !snap.Healthy {
				continue
			}
			if !ignoreCap && snap.Requests >= p.cfg.MaxRequestsPerConn {
				continue
			}
			eligible = append(eligible, candidate{slot: s, snap: snap})
		}
	}

	collect(false)
	if len(eligible) == 0 {
		p.logger.Warn("no healthy pooled connections, resetting health state")
		for _, s := range p.slots {
			s.record.forgive()
		}
		collect(true)
		if len(eligible) == 0 {
			return picked{}, ErrExhausted
		}
	}

	sortKey := func(c candidate) time.Duration {
		if c.snap.AvgResponseTime <= 0 {
			return unsetResponseTime
		}
		return c.snap.AvgResponseTime
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		ki, kj := sortKey(eligible[i]), sortKey(eligible[j])
		if ki != kj {
			return ki < kj
		}
		return eligible[i].snap.Requests < eligible[j].snap.Requests
	})
	best := eligible[0].slot
	return picked{index: best.index, client: best.client, record: best.record}, nil
}

func (p *Pool) maintenanceLoop(ctx context.Context) {
	defer close(p.loopDone)
	ticker := p.clock.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.healthCheck(ctx)
		}
	}
}

// healthCheck recreates connections past their TTL and probes connections
// that have sat idle past the keep-alive window.
func (p *Pool) healthCheck(ctx context.Context) {
	now := p.clock.Now()
	p.mu.Lock()
	slots := slices.Clone(p.slots)
	p.mu.Unlock()

	healthy := 0
	for _, s := range slots {
		snap := s.record.Snapshot()
		switch {
		case now.Sub(snap.CreatedAt) > p.cfg.ConnTTL:
			p.recreateSlot(ctx, s)
		case now.Sub(snap.LastUsed) > p.cfg.KeepAliveTimeout:
			p.probeSlot(ctx, s)
		}
		if s.record.Snapshot().Healthy {
			healthy++
		}
	}
	p.logger.Debug("pool health check",
		slog.Int("healthy", healthy), slog.Int("size", len(slots)))
}

// recreateSlot closes and re-warms a connection in place: the slot keeps
// its position, gets a fresh transport, and its record restarts from a
// clean state.
func (p *Pool) recreateSlot(ctx context.Context, s *slot) {
	p.logger.Info("pooled connection exceeded TTL, recreating",
		slog.Int("slot", s.index))

	transport := p.newTransport()
	p.mu.Lock()
	old := s.transport
	s.transport = transport
	s.client = &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
	}
	p.mu.Unlock()
	old.CloseIdleConnections()

	s.record.reset(p.clock.Now())
	p.warmSlot(ctx, s)
}

// probeSlot sends a lightweight HEAD request to keep an idle connection
// alive, recording the result like any other request.
func (p *Pool) probeSlot(ctx context.Context, s *slot) {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodHead, p.targetURL, nil)
	if err != nil {
		s.record.RecordFailure(p.clock.Now())
		return
	}
	resp, err := p.clientFor(s).Do(req)
	if err != nil {
		s.record.RecordFailure(p.clock.Now())
		p.logger.Debug("keep-alive probe failed",
			slog.Int("slot", s.index), slog.Any("error", err))
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	s.record.RecordSuccess(p.clock.Now(), probeElapsed)
}

// Stats is an aggregated view over all pooled connections.
type Stats struct {
	PoolSize           int           `json:"pool_size"`
	HealthyConnections int           `json:"healthy_connections"`
	TotalRequests      int           `json:"total_requests"`
	TotalFailures      int           `json:"total_failures"`
	SuccessRate        float64       `json:"success_rate"`
	AvgResponseTime    time.Duration `json:"avg_response_time"`
}

// Stats aggregates the per-connection records. Calling it has no side
// effects.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	slots := slices.Clone(p.slots)
	p.mu.Unlock()

	stats := Stats{PoolSize: len(slots)}
	var avgSum time.Duration
	var avgCount int
	for _, s := range slots {
		snap := s.record.Snapshot()
		stats.TotalRequests += snap.Requests
		stats.TotalFailures += snap.Failures
		if snap.Healthy {
			stats.HealthyConnections++
		}
		if snap.AvgResponseTime > 0 {
			avgSum += snap.AvgResponseTime
			avgCount++
		}
	}
	if stats.TotalRequests > 0 {
		stats.SuccessRate = float64(stats.TotalRequests-stats.TotalFailures) /
			float64(stats.TotalRequests)
	}
	if avgCount > 0 {
		stats.AvgResponseTime = avgSum / time.Duration(avgCount)
	}
	return stats
}

// Close stops the maintenance loop, waits for it to exit, and releases
// every connection. It is idempotent. In-flight requests are not
// interrupted.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancel
	slots := slices.Clone(p.slots)
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-p.loopDone
	}
	grp, _ := errgroup.WithContext(context.Background())
	for _, s := range slots {
		s := s
		grp.Go(func() error {
			s.transport.CloseIdleConnections()
			return nil
		})
	}
	_ = grp.Wait()
	p.logger.Info("connection pool closed", slog.String("target", p.targetURL))
	return nil
}
