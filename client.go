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

package luckyhttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/YBloom/luckyhttp/pool"
	"github.com/YBloom/luckyhttp/probe"
	"github.com/YBloom/luckyhttp/retry"
)

// ErrClosed is returned by Fetch and Do after the client has been
// closed.
var ErrClosed = errors.New("luckyhttp: client is closed")

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// ClientOption is an option used when constructing a Client via New.
type ClientOption interface {
	applyToClient(*clientOptions)
}

// clientOptionFunc is a simple function type that implements ClientOption.
type clientOptionFunc func(*clientOptions)

func (f clientOptionFunc) applyToClient(opts *clientOptions) {
	f(opts)
}

type clientOptions struct {
	userAgent string
	logger    *slog.Logger

	retryCfg retry.Config
	poolCfg  pool.Config
	probeCfg probe.Config

	// maxRetries overrides retryCfg.MaxRetries after defaulting, so
	// WithMaxRetries alone does not suppress the rest of the default
	// retry configuration.
	maxRetries *int

	disablePool  bool
	disableProbe bool
	disableRetry bool

	rateLimit rate.Limit
	rateBurst int

	fallback *http.Client
}

func (opts *clientOptions) applyDefaults() {
	if opts.userAgent == "" {
		opts.userAgent = defaultUserAgent
	}
	if opts.logger == nil {
		opts.logger = slog.Default()
	}
	if opts.retryCfg == (retry.Config{}) {
		opts.retryCfg = retry.DefaultConfig()
	}
	if opts.maxRetries != nil {
		opts.retryCfg.MaxRetries = *opts.maxRetries
	}
	if opts.fallback == nil {
		opts.fallback = &http.Client{Timeout: 30 * time.Second}
	}
}

// WithUserAgent sets the User-Agent header used when the caller does
// not supply one. The default imitates a desktop browser.
func WithUserAgent(userAgent string) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.userAgent = userAgent
	})
}

// WithLogger sets the logger used by the client and its components. If
// not used, slog.Default() is used.
func WithLogger(logger *slog.Logger) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.logger = logger
	})
}

// WithPoolSize sets the number of warm connections the pool maintains.
func WithPoolSize(size int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.poolCfg.Size = size
	})
}

// WithMaxRetries sets the attempt budget for a single Fetch or Do call,
// leaving the rest of the retry configuration at its defaults.
func WithMaxRetries(maxRetries int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxRetries = &maxRetries
	})
}

// WithRetryConfig replaces the whole retry configuration.
func WithRetryConfig(cfg retry.Config) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.retryCfg = cfg
		opts.maxRetries = nil
	})
}

// WithPoolConfig replaces the whole pool configuration. It overrides
// any earlier WithPoolSize.
func WithPoolConfig(cfg pool.Config) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.poolCfg = cfg
	})
}

// WithProberConfig replaces the whole prober configuration.
func WithProberConfig(cfg probe.Config) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.probeCfg = cfg
	})
}

// WithoutConnectionPool disables the warm connection pool. Requests go
// through an ephemeral fallback client instead.
func WithoutConnectionPool() ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.disablePool = true
	})
}

// WithoutHealthProbe disables the background backend prober.
func WithoutHealthProbe() ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.disableProbe = true
	})
}

// WithoutSmartRetry disables the retry policy; every Fetch and Do makes
// exactly one attempt.
func WithoutSmartRetry() ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.disableRetry = true
	})
}

// WithRateLimit throttles outgoing attempts to the given events per
// second with the given burst. Zero means unlimited, the default.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.rateLimit = rate.Limit(perSecond)
		opts.rateBurst = burst
	})
}

// WithHTTPClient replaces the fallback http.Client used when the
// connection pool is disabled. Mainly useful in tests.
func WithHTTPClient(client *http.Client) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.fallback = client
	})
}

// Stats is a point-in-time summary of everything the client has done.
// The nested component stats are nil for components disabled by
// options or not yet initialized.
type Stats struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	RetriesCount       int64   `json:"retries_count"`
	SuccessRate        float64 `json:"success_rate"`

	Pool   *pool.Stats  `json:"pool,omitempty"`
	Prober *probe.Stats `json:"prober,omitempty"`
	Retry  *retry.Stats `json:"retry,omitempty"`
}

// Client is a resilient HTTP client bound to one base URL. Create one
// with New and release it with Close. All methods are safe for
// concurrent use.
type Client struct {
	baseURL *url.URL
	domain  string
	opts    clientOptions
	logger  *slog.Logger

	initOnce sync.Once
	initErr  error
	limiter  *rate.Limiter

	mu sync.Mutex
	// +checklocks:mu
	pool *pool.Pool
	// +checklocks:mu
	prober *probe.Prober
	// +checklocks:mu
	policy *retry.Policy

	closed atomic.Bool

	totalRequests      atomic.Int64
	successfulRequests atomic.Int64
	failedRequests     atomic.Int64
	retriesCount       atomic.Int64
}

// New creates a client for the given base URL. The URL must be
// absolute with an http or https scheme. Components are not started
// until Initialize or the first request.
func New(baseURL string, options ...ClientOption) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("luckyhttp: invalid base URL %q: %w", baseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("luckyhttp: unsupported scheme %q in base URL %q", parsed.Scheme, baseURL)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("luckyhttp: base URL %q has no host", baseURL)
	}

	var opts clientOptions
	for _, opt := range options {
		opt.applyToClient(&opts)
	}
	opts.applyDefaults()

	client := &Client{
		baseURL: parsed,
		domain:  parsed.Hostname(),
		opts:    opts,
		logger:  opts.logger.With(slog.String("component", "client"), slog.String("host", parsed.Host)),
	}
	if opts.rateLimit > 0 {
		burst := opts.rateBurst
		if burst < 1 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(opts.rateLimit, burst)
	}
	return client, nil
}

// Initialize warms the pool, starts the prober, and builds the retry
// policy. It runs at most once; later calls (including the implicit one
// on first request) return the first call's error. Components disabled
// by options are skipped.
func (c *Client) Initialize(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.initOnce.Do(func() {
		var connPool *pool.Pool
		if !c.opts.disablePool {
			connPool = pool.New(c.baseURL.String(), c.opts.poolCfg, c.opts.logger)
			if err := connPool.Prewarm(ctx); err != nil {
				c.initErr = fmt.Errorf("luckyhttp: pool warm-up: %w", err)
				return
			}
		}
		var prober *probe.Prober
		if !c.opts.disableProbe {
			probeCfg := c.opts.probeCfg
			if probeCfg.Port == 0 {
				probeCfg.Port = probePort(c.baseURL)
			}
			prober = probe.NewProber(c.domain, probeCfg, c.opts.logger)
			prober.Start(ctx)
		}
		var policy *retry.Policy
		if !c.opts.disableRetry {
			policy = retry.NewPolicy(c.opts.retryCfg)
		}

		c.mu.Lock()
		c.pool, c.prober, c.policy = connPool, prober, policy
		c.mu.Unlock()

		c.logger.Info("client initialized",
			slog.Bool("pool", connPool != nil),
			slog.Bool("prober", prober != nil),
			slog.Bool("retry", policy != nil))
	})
	return c.initErr
}

// components returns the initialized components, any of which may be
// nil before Initialize or for disabled features.
func (c *Client) components() (*pool.Pool, *probe.Prober, *retry.Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool, c.prober, c.policy
}

func probePort(u *url.URL) int {
	if port := u.Port(); port != "" {
		n, err := strconv.Atoi(port)
		if err == nil {
			return n
		}
	}
	if u.Scheme == "http" {
		return 80
	}
	return 443
}

// Fetch performs a GET of path relative to the base URL and returns the
// response body as text.
func (c *Client) Fetch(ctx context.Context, path string) (string, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Do performs a request for path relative to the base URL and returns
// the response body as text. Any HTTP status counts as success; only
// transport-level errors are retried. With the retry policy enabled
// the attempt uses the lucky-user strategy; otherwise Do makes a single
// attempt.
func (c *Client) Do(ctx context.Context, method, path string, header http.Header) (string, error) {
	if c.closed.Load() {
		return "", ErrClosed
	}
	if err := c.Initialize(ctx); err != nil {
		return "", err
	}

	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("luckyhttp: invalid path %q: %w", path, err)
	}
	target := c.baseURL.ResolveReference(ref).String()

	_, _, policy := c.components()
	if policy == nil {
		return c.executeOnce(ctx, method, target, header)
	}

	var body string
	err = policy.Execute(ctx, retry.StrategyLuckyUser,
		func(ctx context.Context) error {
			var attemptErr error
			body, attemptErr = c.executeOnce(ctx, method, target, header)
			return attemptErr
		},
		func(attempt int, err error) {
			c.retriesCount.Add(1)
			c.logger.Warn("request attempt failed",
				slog.String("method", method),
				slog.String("url", target),
				slog.Int("attempt", attempt),
				slog.Any("error", err))
		})
	if err != nil {
		return "", err
	}
	return body, nil
}

// executeOnce makes a single attempt: rate-limiter wait, advisory node
// lookup, then either a pooled request or the fallback client.
func (c *Client) executeOnce(ctx context.Context, method, target string, header http.Header) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	c.totalRequests.Add(1)

	header = header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if header.Get("User-Agent") == "" {
		header.Set("User-Agent", c.opts.userAgent)
	}

	connPool, prober, _ := c.components()

	// The prober's opinion is advisory. Requests always go through the
	// pool or the fallback client; the best node only informs logging.
	if prober != nil {
		if best, ok := prober.BestNode(); ok {
			c.logger.Debug("best backend node",
				slog.String("node", best.IP),
				slog.Float64("health_score", best.HealthScore))
		}
	}

	var resp *http.Response
	var err error
	if connPool != nil {
		resp, err = connPool.Do(ctx, method, target, header)
	} else {
		var req *http.Request
		req, err = http.NewRequestWithContext(ctx, method, target, nil)
		if err != nil {
			c.failedRequests.Add(1)
			return "", err
		}
		req.Header = header
		resp, err = c.opts.fallback.Do(req)
	}
	if err != nil {
		c.failedRequests.Add(1)
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.failedRequests.Add(1)
		return "", fmt.Errorf("luckyhttp: reading response body: %w", err)
	}
	c.successfulRequests.Add(1)
	return string(body), nil
}

// Stats returns the client's counters along with the stats of every
// initialized component. Calling it has no side effects.
func (c *Client) Stats() Stats {
	total := c.totalRequests.Load()
	stats := Stats{
		TotalRequests:      total,
		SuccessfulRequests: c.successfulRequests.Load(),
		FailedRequests:     c.failedRequests.Load(),
		RetriesCount:       c.retriesCount.Load(),
	}
	if total > 0 {
		stats.SuccessRate = float64(stats.SuccessfulRequests) / float64(total)
	}
	connPool, prober, policy := c.components()
	if connPool != nil {
		poolStats := connPool.Stats()
		stats.Pool = &poolStats
	}
	if prober != nil {
		proberStats := prober.Stats()
		stats.Prober = &proberStats
	}
	if policy != nil {
		retryStats := policy.Stats()
		stats.Retry = &retryStats
	}
	return stats
}

// Close releases the pool and stops the prober. It is idempotent.
// Requests after Close return ErrClosed; requests already in flight
// are allowed to finish.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	connPool, prober, _ := c.components()
	var group errgroup.Group
	if connPool != nil {
		group.Go(connPool.Close)
	}
	if prober != nil {
		group.Go(func() error {
			prober.Stop()
			return nil
		})
	}
	err := group.Wait()

	stats := c.Stats()
	c.logger.Info("client closed",
		slog.Int64("total_requests", stats.TotalRequests),
		slog.Int64("retries", stats.RetriesCount),
		slog.Float64("success_rate", stats.SuccessRate))
	return err
}
