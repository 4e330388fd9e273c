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

// Package metrics exposes a luckyhttp client's counters as Prometheus
// metrics. The collector reads Client.Stats on every scrape and emits
// const metrics, so it adds no bookkeeping to the request path.
// Registration is left to the caller:
//
//	registry.MustRegister(metrics.NewCollector(client))
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/YBloom/luckyhttp"
)

// Collector implements prometheus.Collector on top of a luckyhttp
// Client. Metrics for components that are disabled or not yet
// initialized are simply absent from the scrape.
type Collector struct {
	client *luckyhttp.Client

	requestsTotal       *prometheus.Desc
	retriesTotal        *prometheus.Desc
	poolConnections     *prometheus.Desc
	poolAvgResponseSecs *prometheus.Desc
	probeNodes          *prometheus.Desc
	probeAvgHealthScore *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector for the given client.
func NewCollector(client *luckyhttp.Client) *Collector {
	return &Collector{
		client: client,
		requestsTotal: prometheus.NewDesc(
			"luckyhttp_requests_total",
			"Requests attempted by the client, by result.",
			[]string{"result"}, nil,
		),
		retriesTotal: prometheus.NewDesc(
			"luckyhttp_retries_total",
			"Retry attempts made by the client.",
			nil, nil,
		),
		poolConnections: prometheus.NewDesc(
			"luckyhttp_pool_connections",
			"Connections in the warm pool, by state.",
			[]string{"state"}, nil,
		),
		poolAvgResponseSecs: prometheus.NewDesc(
			"luckyhttp_pool_avg_response_seconds",
			"Mean response time across pooled connections.",
			nil, nil,
		),
		probeNodes: prometheus.NewDesc(
			"luckyhttp_probe_nodes",
			"Backend nodes known to the prober, by state.",
			[]string{"state"}, nil,
		),
		probeAvgHealthScore: prometheus.NewDesc(
			"luckyhttp_probe_avg_health_score",
			"Mean health score across backend nodes.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requestsTotal
	ch <- c.retriesTotal
	ch <- c.poolConnections
	ch <- c.poolAvgResponseSecs
	ch <- c.probeNodes
	ch <- c.probeAvgHealthScore
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.client.Stats()

	ch <- prometheus.MustNewConstMetric(c.requestsTotal, prometheus.CounterValue,
		float64(stats.SuccessfulRequests), "success")
	ch <- prometheus.MustNewConstMetric(c.requestsTotal, prometheus.CounterValue,
		float64(stats.FailedRequests), "failure")
	ch <- prometheus.MustNewConstMetric(c.retriesTotal, prometheus.CounterValue,
		float64(stats.RetriesCount))

	if stats.Pool != nil {
		ch <- prometheus.MustNewConstMetric(c.poolConnections, prometheus.GaugeValue,
			float64(stats.Pool.PoolSize), "total")
		ch <- prometheus.MustNewConstMetric(c.poolConnections, prometheus.GaugeValue,
			float64(stats.Pool.HealthyConnections), "healthy")
		ch <- prometheus.MustNewConstMetric(c.poolAvgResponseSecs, prometheus.GaugeValue,
			stats.Pool.AvgResponseTime.Seconds())
	}
	if stats.Prober != nil {
		ch <- prometheus.MustNewConstMetric(c.probeNodes, prometheus.GaugeValue,
			float64(stats.Prober.TotalNodes), "total")
		ch <- prometheus.MustNewConstMetric(c.probeNodes, prometheus.GaugeValue,
			float64(stats.Prober.AvailableNodes), "available")
		ch <- prometheus.MustNewConstMetric(c.probeNodes, prometheus.GaugeValue,
			float64(stats.Prober.CongestedNodes), "congested")
		ch <- prometheus.MustNewConstMetric(c.probeAvgHealthScore, prometheus.GaugeValue,
			stats.Prober.AvgHealthScore)
	}
}
