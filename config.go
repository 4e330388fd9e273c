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
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/YBloom/luckyhttp/pool"
	"github.com/YBloom/luckyhttp/probe"
	"github.com/YBloom/luckyhttp/retry"
)

// fileConfig mirrors the JSON configuration file. Every field is
// optional; absent fields keep their defaults. Durations are
// time.ParseDuration strings such as "1s" or "500ms".
type fileConfig struct {
	PoolSize     *int     `json:"pool_size"`
	MaxRetries   *int     `json:"max_retries"`
	UserAgent    *string  `json:"user_agent"`
	RateLimit    *float64 `json:"rate_limit"`
	RateBurst    *int     `json:"rate_burst"`
	DisablePool  *bool    `json:"disable_pool"`
	DisableProbe *bool    `json:"disable_probe"`
	DisableRetry *bool    `json:"disable_retry"`

	Retry *retryFileConfig `json:"retry"`
	Pool  *poolFileConfig  `json:"pool"`
	Probe *probeFileConfig `json:"probe"`
}

type retryFileConfig struct {
	MaxRetries        *int     `json:"max_retries"`
	BaseDelay         *string  `json:"base_delay"`
	MaxDelay          *string  `json:"max_delay"`
	JitterFactor      *float64 `json:"jitter_factor"`
	ExponentialBase   *float64 `json:"exponential_base"`
	OverallTimeout    *string  `json:"overall_timeout"`
	GiveUpProbability *float64 `json:"give_up_probability"`
	PatienceThreshold *int     `json:"patience_threshold"`
	Adaptive          *bool    `json:"adaptive"`
	WindowSize        *int     `json:"window_size"`
}

type poolFileConfig struct {
	Size                *int    `json:"size"`
	MaxRequestsPerConn  *int    `json:"max_requests_per_conn"`
	ConnTTL             *string `json:"conn_ttl"`
	HealthCheckInterval *string `json:"health_check_interval"`
	KeepAliveTimeout    *string `json:"keep_alive_timeout"`
	HTTP2PingInterval   *string `json:"http2_ping_interval"`
}

type probeFileConfig struct {
	Port           *int    `json:"port"`
	ProbeInterval  *string `json:"probe_interval"`
	MaxNodes       *int    `json:"max_nodes"`
	ConnectTimeout *string `json:"connect_timeout"`
	ProbeTimeout   *string `json:"probe_timeout"`
}

// LoadConfig reads a JSON configuration file and converts it into
// client options, suitable for passing straight to New:
//
//	opts, err := luckyhttp.LoadConfig("client.json")
//	if err != nil {
//		return err
//	}
//	client, err := luckyhttp.New(baseURL, opts...)
func LoadConfig(path string) ([]ClientOption, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("luckyhttp: reading config: %w", err)
	}
	var cfg fileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("luckyhttp: parsing config %s: %w", path, err)
	}

	var options []ClientOption
	if cfg.Retry != nil {
		retryCfg, err := cfg.Retry.toConfig()
		if err != nil {
			return nil, fmt.Errorf("luckyhttp: config %s: %w", path, err)
		}
		options = append(options, WithRetryConfig(retryCfg))
	}
	if cfg.Pool != nil {
		poolCfg, err := cfg.Pool.toConfig()
		if err != nil {
			return nil, fmt.Errorf("luckyhttp: config %s: %w", path, err)
		}
		options = append(options, WithPoolConfig(poolCfg))
	}
	if cfg.Probe != nil {
		probeCfg, err := cfg.Probe.toConfig()
		if err != nil {
			return nil, fmt.Errorf("luckyhttp: config %s: %w", path, err)
		}
		options = append(options, WithProberConfig(probeCfg))
	}

	// Top-level shortcuts apply after the nested blocks so they win.
	if cfg.PoolSize != nil {
		options = append(options, WithPoolSize(*cfg.PoolSize))
	}
	if cfg.MaxRetries != nil {
		options = append(options, WithMaxRetries(*cfg.MaxRetries))
	}
	if cfg.UserAgent != nil {
		options = append(options, WithUserAgent(*cfg.UserAgent))
	}
	if cfg.RateLimit != nil {
		burst := 1
		if cfg.RateBurst != nil {
			burst = *cfg.RateBurst
		}
		options = append(options, WithRateLimit(*cfg.RateLimit, burst))
	}
	if cfg.DisablePool != nil && *cfg.DisablePool {
		options = append(options, WithoutConnectionPool())
	}
	if cfg.DisableProbe != nil && *cfg.DisableProbe {
		options = append(options, WithoutHealthProbe())
	}
	if cfg.DisableRetry != nil && *cfg.DisableRetry {
		options = append(options, WithoutSmartRetry())
	}
	return options, nil
}

// toConfig overlays the file's retry block on the default retry
// configuration, so a partial block only changes what it names.
func (c *retryFileConfig) toConfig() (retry.Config, error) {
	cfg := retry.DefaultConfig()
	if c.MaxRetries != nil {
		cfg.MaxRetries = *c.MaxRetries
	}
	if err := overlayDuration(&cfg.BaseDelay, c.BaseDelay, "retry.base_delay"); err != nil {
		return retry.Config{}, err
	}
	if err := overlayDuration(&cfg.MaxDelay, c.MaxDelay, "retry.max_delay"); err != nil {
		return retry.Config{}, err
	}
	if c.JitterFactor != nil {
		cfg.JitterFactor = *c.JitterFactor
	}
	if c.ExponentialBase != nil {
		cfg.ExponentialBase = *c.ExponentialBase
	}
	if err := overlayDuration(&cfg.OverallTimeout, c.OverallTimeout, "retry.overall_timeout"); err != nil {
		return retry.Config{}, err
	}
	if c.GiveUpProbability != nil {
		cfg.GiveUpProbability = *c.GiveUpProbability
	}
	if c.PatienceThreshold != nil {
		cfg.PatienceThreshold = *c.PatienceThreshold
	}
	if c.Adaptive != nil {
		cfg.Adaptive = *c.Adaptive
	}
	if c.WindowSize != nil {
		cfg.WindowSize = *c.WindowSize
	}
	return cfg, nil
}

func (c *poolFileConfig) toConfig() (pool.Config, error) {
	var cfg pool.Config
	if c.Size != nil {
		cfg.Size = *c.Size
	}
	if c.MaxRequestsPerConn != nil {
		cfg.MaxRequestsPerConn = *c.MaxRequestsPerConn
	}
	if err := overlayDuration(&cfg.ConnTTL, c.ConnTTL, "pool.conn_ttl"); err != nil {
		return pool.Config{}, err
	}
	if err := overlayDuration(&cfg.HealthCheckInterval, c.HealthCheckInterval, "pool.health_check_interval"); err != nil {
		return pool.Config{}, err
	}
	if err := overlayDuration(&cfg.KeepAliveTimeout, c.KeepAliveTimeout, "pool.keep_alive_timeout"); err != nil {
		return pool.Config{}, err
	}
	if err := overlayDuration(&cfg.HTTP2PingInterval, c.HTTP2PingInterval, "pool.http2_ping_interval"); err != nil {
		return pool.Config{}, err
	}
	return cfg, nil
}

func (c *probeFileConfig) toConfig() (probe.Config, error) {
	var cfg probe.Config
	if c.Port != nil {
		cfg.Port = *c.Port
	}
	if err := overlayDuration(&cfg.ProbeInterval, c.ProbeInterval, "probe.probe_interval"); err != nil {
		return probe.Config{}, err
	}
	if c.MaxNodes != nil {
		cfg.MaxNodes = *c.MaxNodes
	}
	if err := overlayDuration(&cfg.ConnectTimeout, c.ConnectTimeout, "probe.connect_timeout"); err != nil {
		return probe.Config{}, err
	}
	if err := overlayDuration(&cfg.ProbeTimeout, c.ProbeTimeout, "probe.probe_timeout"); err != nil {
		return probe.Config{}, err
	}
	return cfg, nil
}

func overlayDuration(dst *time.Duration, src *string, field string) error {
	if src == nil {
		return nil
	}
	parsed, err := time.ParseDuration(*src)
	if err != nil {
		return fmt.Errorf("field %s: %w", field, err)
	}
	*dst = parsed
	return nil
}
