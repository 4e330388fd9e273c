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

package probe_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YBloom/luckyhttp/probe"
)

func serverHostPort(t *testing.T, server *httptest.Server) (string, int) {
	t.Helper()
	parsed, err := url.Parse(server.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(parsed.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestProbeCycleScoresNodes(t *testing.T) {
	t.Parallel()
	var probes atomic.Int64
	var method atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, req *http.Request) {
		probes.Add(1)
		method.Store(req.Method)
		_, _ = writer.Write([]byte("node status: fine"))
	}))
	t.Cleanup(server.Close)
	host, port := serverHostPort(t, server)

	prober := probe.NewProber("example.com", probe.Config{ConnectTimeout: time.Second}, nil)
	prober.SetScheme("http")
	good := prober.InjectNode(host, port)

	// A port nothing listens on, so the probe fails fast.
	deadServer := httptest.NewServer(http.NotFoundHandler())
	deadServer.Close()
	deadHost, deadPort := serverHostPort(t, deadServer)
	dead := prober.InjectNode(deadHost, deadPort)

	prober.RunProbeCycle(context.Background())

	require.EqualValues(t, 1, probes.Load())
	assert.Equal(t, http.MethodGet, method.Load(),
		"probes fetch the node like a real request, not a HEAD")
	goodSnap := good.Snapshot()
	assert.Equal(t, 100.0, goodSnap.HealthScore)
	assert.EqualValues(t, 1, goodSnap.TotalRequests)
	assert.Positive(t, goodSnap.AvgResponseTime)

	deadSnap := dead.Snapshot()
	assert.Equal(t, 90.0, deadSnap.HealthScore)
	assert.EqualValues(t, 1, deadSnap.TotalFailures)
}

func TestProbeCycleCountsTimeouts(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})
	host, port := serverHostPort(t, server)

	prober := probe.NewProber("example.com", probe.Config{ProbeTimeout: 50 * time.Millisecond}, nil)
	prober.SetScheme("http")
	node := prober.InjectNode(host, port)

	prober.RunProbeCycle(context.Background())

	snap := node.Snapshot()
	assert.Equal(t, 80.0, snap.HealthScore, "timeouts are scored harder than failures")
	assert.True(t, snap.Congested)
}

func TestBestNodePrefersHighPriority(t *testing.T) {
	t.Parallel()
	prober := probe.NewProber("example.com", probe.Config{}, nil)
	fast := prober.InjectNode("192.0.2.1", 443)
	slow := prober.InjectNode("192.0.2.2", 443)

	fast.RecordSuccess(time.Second)
	slow.RecordSuccess(8 * time.Second)

	best, ok := prober.BestNode()
	require.True(t, ok)
	assert.Equal(t, "192.0.2.1", best.IP)
}

func TestBestNodeFallsBackWhenNoneAvailable(t *testing.T) {
	t.Parallel()
	now := time.Now()
	prober := probe.NewProber("example.com", probe.Config{}, nil)
	worse := prober.InjectNode("192.0.2.1", 443)
	better := prober.InjectNode("192.0.2.2", 443)
	for i := 0; i < 3; i++ {
		worse.RecordFailure(now, true)
		better.RecordFailure(now, false)
	}

	best, ok := prober.BestNode()
	require.True(t, ok)
	assert.Equal(t, "192.0.2.2", best.IP, "falls back to the least-bad score")
}

func TestBestNodeWithoutNodes(t *testing.T) {
	t.Parallel()
	prober := probe.NewProber("example.com", probe.Config{}, nil)
	_, ok := prober.BestNode()
	assert.False(t, ok)
}

func TestHealthyNodesFiltersByScore(t *testing.T) {
	t.Parallel()
	now := time.Now()
	prober := probe.NewProber("example.com", probe.Config{}, nil)
	strong := prober.InjectNode("192.0.2.1", 443)
	weak := prober.InjectNode("192.0.2.2", 443)
	strong.RecordSuccess(time.Second)
	weak.RecordFailure(now, true)
	weak.RecordFailure(now, true)

	healthy := prober.HealthyNodes(70)
	require.Len(t, healthy, 1)
	assert.Equal(t, "192.0.2.1", healthy[0].IP)
}

func TestProberStats(t *testing.T) {
	t.Parallel()
	now := time.Now()
	prober := probe.NewProber("example.com", probe.Config{}, nil)
	first := prober.InjectNode("192.0.2.1", 443)
	second := prober.InjectNode("192.0.2.2", 443)

	first.RecordSuccess(time.Second)
	first.RecordSuccess(time.Second)
	second.RecordSuccess(time.Second)
	second.RecordFailure(now, false)

	stats := prober.Stats()
	assert.Equal(t, 2, stats.TotalNodes)
	assert.Equal(t, 2, stats.AvailableNodes)
	assert.EqualValues(t, 4, stats.TotalRequests)
	assert.EqualValues(t, 1, stats.TotalFailures)
	assert.InDelta(t, 0.75, stats.SuccessRate, 0.001)
	assert.InDelta(t, 97.5, stats.AvgHealthScore, 0.001)
}

func TestStartDiscoversAndProbes(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	_, port := serverHostPort(t, server)

	prober := probe.NewProber("localhost", probe.Config{
		Port:          port,
		ProbeInterval: time.Hour,
	}, nil)
	prober.SetScheme("http")

	prober.Start(context.Background())
	t.Cleanup(prober.Stop)

	stats := prober.Stats()
	require.Positive(t, stats.TotalNodes, "localhost should resolve to at least one address")
	assert.Positive(t, stats.TotalRequests, "the first probe cycle runs before Start returns")

	prober.Stop()
	prober.Stop()
}
