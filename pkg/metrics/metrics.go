/*
Copyright 2026 The Datagate Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics holds the gateway's Prometheus instruments on a
// dedicated registry so embedders and tests see exactly the gateway
// series.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics is the instrument set shared across the gateway.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	QueryDuration   *prometheus.HistogramVec
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	AuthRejections  *prometheus.CounterVec
	UpstreamErrors  *prometheus.CounterVec
}

// NewMetrics builds the instrument set on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, endpoint kind and status.",
		}, []string{"method", "kind", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "End-to-end request duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sql_query_duration_seconds",
			Help:      "Translated SQL execution duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"environment"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Response cache hits by provider.",
		}, []string{"provider"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Response cache misses by provider.",
		}, []string{"provider"}),
		AuthRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_rejections_total",
			Help:      "Authorisation rejections by reason.",
		}, []string{"reason"}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream SQL/proxy failures by backend.",
		}, []string{"backend"}),
	}
	registry.MustRegister(
		m.HTTPRequests, m.RequestDuration, m.QueryDuration,
		m.CacheHits, m.CacheMisses, m.AuthRejections, m.UpstreamErrors,
		collectors.NewGoCollector(),
	)
	return m
}

// Gatherer exposes the registry for promhttp.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
