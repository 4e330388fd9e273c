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

// Package retry implements an adaptive retry policy tuned for upstreams
// that reject probabilistically under load. Besides conventional backoff
// schedules it supports probabilistic abandonment (a "human gives up"
// model) and feedback-driven tuning of the base delay and give-up
// probability from a rolling window of recent outcomes.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/YBloom/luckyhttp/internal"
)

// ErrExhausted is returned when no more attempts will be made: the
// attempt budget ran out, the overall deadline elapsed, or a
// probabilistic give-up fired. It always wraps the last underlying error,
// so errors.Is/As against the operation's own errors keep working.
var ErrExhausted = errors.New("retries exhausted")

// errDeadline stands in as the underlying error when the overall deadline
// elapses before any attempt has failed.
var errDeadline = errors.New("overall retry deadline elapsed")

const (
	// minDelay is the floor applied to every computed delay, jitter
	// included.
	minDelay = 100 * time.Millisecond

	// adaptiveMinSamples is how many outcomes the rolling window must
	// hold before adaptive tuning kicks in.
	adaptiveMinSamples = 20
)

// Config holds the tunables for a Policy. The zero value of MaxRetries,
// BaseDelay, MaxDelay, ExponentialBase, OverallTimeout, and WindowSize
// means "use the default". JitterFactor, GiveUpProbability,
// PatienceThreshold, and Adaptive are taken literally, since zero is a
// meaningful setting for each (no jitter, never give up, no patience
// grace, no adaptation). Use DefaultConfig for the fully populated
// defaults.
type Config struct {
	// MaxRetries is the total attempt budget, successes included.
	MaxRetries int
	// BaseDelay is the starting delay between attempts.
	BaseDelay time.Duration
	// MaxDelay caps every computed delay.
	MaxDelay time.Duration
	// JitterFactor scales the symmetric jitter applied to each delay:
	// delay * JitterFactor * (U(0,1) - 0.5).
	JitterFactor float64
	// ExponentialBase is the growth factor for the exponential schedule.
	ExponentialBase float64
	// OverallTimeout bounds the wall-clock time across all attempts.
	OverallTimeout time.Duration
	// GiveUpProbability is the chance of abandoning after any failure.
	GiveUpProbability float64
	// PatienceThreshold is how many consecutive failures are tolerated
	// before the give-up probability starts climbing.
	PatienceThreshold int
	// Adaptive enables tuning of the base delay and give-up probability
	// from the observed success rate.
	Adaptive bool
	// WindowSize bounds the rolling outcome window.
	WindowSize int
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        10,
		BaseDelay:         time.Second,
		MaxDelay:          60 * time.Second,
		JitterFactor:      0.5,
		ExponentialBase:   2.0,
		OverallTimeout:    300 * time.Second,
		GiveUpProbability: 0.15,
		PatienceThreshold: 5,
		Adaptive:          true,
		WindowSize:        100,
	}
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
	if c.ExponentialBase <= 0 {
		c.ExponentialBase = 2.0
	}
	if c.OverallTimeout <= 0 {
		c.OverallTimeout = 300 * time.Second
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 100
	}
}

// Policy executes operations with retries. A single Policy may be shared
// by concurrent callers; its adaptive state is updated under a mutex from
// every recorded outcome.
type Policy struct {
	cfg   Config
	clock internal.Clock

	mu sync.Mutex
	// +checklocks:mu
	rnd internal.Random
	// +checklocks:mu
	baseDelay time.Duration
	// +checklocks:mu
	giveUpProb float64
	// +checklocks:mu
	window []bool
	// +checklocks:mu
	totalAttempts int64
	// +checklocks:mu
	totalSuccesses int64
}

// NewPolicy creates a Policy with the given configuration. See Config for
// which zero fields are defaulted.
func NewPolicy(cfg Config) *Policy {
	cfg.applyDefaults()
	return &Policy{
		cfg:        cfg,
		clock:      internal.NewRealClock(),
		rnd:        internal.NewRand(),
		baseDelay:  cfg.BaseDelay,
		giveUpProb: cfg.GiveUpProbability,
		window:     make([]bool, 0, cfg.WindowSize),
	}
}

// Execute runs op until it succeeds or the policy decides to stop. Between
// failed attempts it sleeps according to the strategy. onRetry, if non-nil,
// is invoked after every failed attempt with the 1-based attempt number; a
// panic in the callback is swallowed so observation can never kill the
// retry loop.
//
// The terminal error wraps ErrExhausted and the last error from op, except
// when ctx is cancelled mid-sleep, in which case it wraps ctx.Err() and the
// last error from op.
func (p *Policy) Execute(
	ctx context.Context,
	strategy Strategy,
	op func(context.Context) error,
	onRetry func(attempt int, err error),
) error {
	start := p.clock.Now()
	var lastErr error
	var consecutiveFailures int

	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		if p.clock.Since(start) > p.cfg.OverallTimeout {
			break
		}

		err := op(ctx)
		if err == nil {
			p.recordOutcome(true)
			return nil
		}

		lastErr = err
		consecutiveFailures++
		p.recordOutcome(false)

		if onRetry != nil {
			emitRetry(onRetry, attempt, err)
		}

		if attempt == p.cfg.MaxRetries {
			break
		}
		if p.shouldGiveUp(consecutiveFailures) {
			break
		}

		timer := p.clock.NewTimer(p.Delay(attempt, strategy))
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ctx.Err(), lastErr)
		}
	}

	if lastErr == nil {
		lastErr = errDeadline
	}
	return fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}

// emitRetry shields the retry loop from a panicking callback.
func emitRetry(onRetry func(int, error), attempt int, err error) {
	defer func() {
		_ = recover()
	}()
	onRetry(attempt, err)
}

// Delay computes the sleep before the attempt after the given one, per
// the strategy, with symmetric jitter applied and the result floored at
// 100ms. The current (possibly adapted) base delay is used.
func (p *Policy) Delay(attempt int, strategy Strategy) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	base := p.baseDelay.Seconds()
	maxDelay := p.cfg.MaxDelay.Seconds()

	var delay float64
	switch strategy {
	case StrategyExponentialBackoff:
		delay = math.Min(base*math.Pow(p.cfg.ExponentialBase, float64(attempt-1)), maxDelay)
	case StrategyFibonacci:
		delay = math.Min(base*float64(fibonacci(attempt)), maxDelay)
	case StrategyLinearJitter:
		delay = math.Min(base*float64(attempt), maxDelay)
	case StrategyLuckyUser:
		grown := base * (1 + float64(attempt-1)*0.3)
		hesitation := internal.Uniform(p.rnd, 0.5, 3.0)
		var patienceBonus float64
		if p.rnd.Float64() < 0.1 {
			patienceBonus = internal.Uniform(p.rnd, 5.0, 15.0)
		}
		delay = math.Min(grown+hesitation+patienceBonus, maxDelay)
	default:
		delay = base
	}

	if p.cfg.JitterFactor != 0 {
		delay += delay * p.cfg.JitterFactor * (p.rnd.Float64() - 0.5)
	}
	return max(time.Duration(delay*float64(time.Second)), minDelay)
}

// GiveUpProbability reports the probability that the policy abandons after
// the given number of consecutive failures. Below the patience threshold
// it is the current base probability; past it, each extra failure adds
// 0.05, capped at 0.8.
func (p *Policy) GiveUpProbability(consecutiveFailures int) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.giveUpProbability(consecutiveFailures)
}

// +checklocks:p.mu
func (p *Policy) giveUpProbability(consecutiveFailures int) float64 {
	prob := p.giveUpProb
	if consecutiveFailures > p.cfg.PatienceThreshold {
		extra := float64(consecutiveFailures-p.cfg.PatienceThreshold) * 0.05
		prob = math.Min(prob+extra, 0.8)
	}
	return prob
}

func (p *Policy) shouldGiveUp(consecutiveFailures int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rnd.Float64() < p.giveUpProbability(consecutiveFailures)
}

func (p *Policy) recordOutcome(success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalAttempts++
	if success {
		p.totalSuccesses++
	}
	p.window = append(p.window, success)
	if len(p.window) > p.cfg.WindowSize {
		p.window = p.window[1:]
	}
	if p.cfg.Adaptive {
		p.adjust()
	}
}

// adjust retunes the base delay and give-up probability from the rolling
// success rate. Low success rates slow the policy down and make it more
// stubborn; high success rates let it speed back up, floored at the
// configured base delay.
//
// +checklocks:p.mu
func (p *Policy) adjust() {
	if len(p.window) < adaptiveMinSamples {
		return
	}
	rate := successRate(p.window)
	switch {
	case rate < 0.3:
		p.baseDelay = min(
			time.Duration(float64(p.baseDelay)*1.2),
			p.cfg.MaxDelay/2,
		)
		p.giveUpProb = math.Max(p.giveUpProb*0.8, 0.05)
	case rate > 0.7:
		p.baseDelay = max(
			time.Duration(float64(p.baseDelay)*0.9),
			p.cfg.BaseDelay,
		)
		p.giveUpProb = math.Min(p.giveUpProb*1.1, 0.3)
	}
}

func successRate(window []bool) float64 {
	if len(window) == 0 {
		return 0
	}
	var successes int
	for _, ok := range window {
		if ok {
			successes++
		}
	}
	return float64(successes) / float64(len(window))
}

// Stats is a point-in-time view of a Policy's counters and adapted
// parameters.
type Stats struct {
	TotalAttempts            int64         `json:"total_attempts"`
	TotalSuccesses           int64         `json:"total_successes"`
	OverallSuccessRate       float64       `json:"overall_success_rate"`
	RecentSuccessRate        float64       `json:"recent_success_rate"`
	CurrentBaseDelay         time.Duration `json:"current_base_delay"`
	CurrentGiveUpProbability float64       `json:"current_give_up_probability"`
}

// Stats returns a snapshot of the policy's counters. Calling it has no
// side effects.
func (p *Policy) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var overall float64
	if p.totalAttempts > 0 {
		overall = float64(p.totalSuccesses) / float64(p.totalAttempts)
	}
	return Stats{
		TotalAttempts:            p.totalAttempts,
		TotalSuccesses:           p.totalSuccesses,
		OverallSuccessRate:       overall,
		RecentSuccessRate:        successRate(p.window),
		CurrentBaseDelay:         p.baseDelay,
		CurrentGiveUpProbability: p.giveUpProb,
	}
}
