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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/time/rate"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func resolve(t *testing.T, options []ClientOption) clientOptions {
	t.Helper()
	var opts clientOptions
	for _, opt := range options {
		opt.applyToClient(&opts)
	}
	opts.applyDefaults()
	return opts
}

func TestLoadConfigFull(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `{
		"pool_size": 8,
		"max_retries": 4,
		"user_agent": "crawler/3.1",
		"rate_limit": 2.5,
		"rate_burst": 5,
		"disable_probe": true,
		"retry": {
			"base_delay": "250ms",
			"max_delay": "30s",
			"jitter_factor": 0.2,
			"give_up_probability": 0.1,
			"patience_threshold": 7,
			"adaptive": false
		},
		"pool": {
			"max_requests_per_conn": 50,
			"conn_ttl": "2m",
			"keep_alive_timeout": "45s"
		},
		"probe": {
			"port": 8443,
			"probe_interval": "10s"
		}
	}`)

	options, err := LoadConfig(path)
	require.NoError(t, err)
	opts := resolve(t, options)

	assert.Equal(t, 8, opts.poolCfg.Size)
	assert.Equal(t, 4, opts.retryCfg.MaxRetries, "top-level max_retries wins over the retry block")
	assert.Equal(t, "crawler/3.1", opts.userAgent)
	assert.Equal(t, rate.Limit(2.5), opts.rateLimit)
	assert.Equal(t, 5, opts.rateBurst)
	assert.False(t, opts.disablePool)
	assert.True(t, opts.disableProbe)
	assert.False(t, opts.disableRetry)

	assert.Equal(t, 250*time.Millisecond, opts.retryCfg.BaseDelay)
	assert.Equal(t, 30*time.Second, opts.retryCfg.MaxDelay)
	assert.Equal(t, 0.2, opts.retryCfg.JitterFactor)
	assert.Equal(t, 0.1, opts.retryCfg.GiveUpProbability)
	assert.Equal(t, 7, opts.retryCfg.PatienceThreshold)
	assert.False(t, opts.retryCfg.Adaptive)
	assert.Equal(t, 300*time.Second, opts.retryCfg.OverallTimeout,
		"fields absent from the block keep their defaults")

	assert.Equal(t, 50, opts.poolCfg.MaxRequestsPerConn)
	assert.Equal(t, 2*time.Minute, opts.poolCfg.ConnTTL)
	assert.Equal(t, 45*time.Second, opts.poolCfg.KeepAliveTimeout)

	assert.Equal(t, 8443, opts.probeCfg.Port)
	assert.Equal(t, 10*time.Second, opts.probeCfg.ProbeInterval)
}

func TestLoadConfigEmptyKeepsDefaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `{}`)
	options, err := LoadConfig(path)
	require.NoError(t, err)
	require.Empty(t, options)

	opts := resolve(t, options)
	assert.Equal(t, defaultUserAgent, opts.userAgent)
	assert.Equal(t, 10, opts.retryCfg.MaxRetries)
	assert.Equal(t, time.Second, opts.retryCfg.BaseDelay)
	assert.True(t, opts.retryCfg.Adaptive)
	assert.Zero(t, opts.rateLimit)
}

func TestLoadConfigBadDuration(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `{"retry": {"base_delay": "quick"}}`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.ErrorContains(t, err, "retry.base_delay")
}

func TestLoadConfigBadJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `{"pool_size": `)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Parallel()
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWithMaxRetriesKeepsOtherDefaults(t *testing.T) {
	t.Parallel()
	opts := resolve(t, []ClientOption{WithMaxRetries(3)})
	assert.Equal(t, 3, opts.retryCfg.MaxRetries)
	assert.Equal(t, time.Second, opts.retryCfg.BaseDelay)
	assert.Equal(t, 0.5, opts.retryCfg.JitterFactor)
	assert.True(t, opts.retryCfg.Adaptive)
}
