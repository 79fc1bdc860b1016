// Copyright 2023 Buf Technologies, Inc.
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

// Package metrics exposes the proxy's Prometheus instrumentation.
//
// All methods of a nil *Collector are no-ops, so components can be built
// without metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "gravity"

// Collector owns the proxy's metrics and the registry they live in.
type Collector struct {
	registry  *prometheus.Registry
	namespace string

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rejected        *prometheus.CounterVec
	backend         *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
	addressHealthy  *prometheus.GaugeVec
	nodeOffline     *prometheus.GaugeVec
	poolIdle        *prometheus.GaugeVec
	graphSwaps      prometheus.Counter
	configErrors    prometheus.Counter
}

// New registers the proxy's metrics in registry. A nil registry gets a
// fresh one.
func New(namespace string, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	factory := promauto.With(registry)
	buckets := []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	return &Collector{
		registry:  registry,
		namespace: namespace,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests received, by listener endpoint and response status code.",
		}, []string{"listener", "code"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from receiving a request until its response completed.",
			Buckets:   buckets,
		}, []string{"listener"}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_rejected_total",
			Help:      "Requests answered with 503 by the proxy itself, by cause.",
		}, []string{"listener", "cause"}),
		backend: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Requests forwarded to backend addresses, by outcome.",
		}, []string{"server", "address", "outcome"}),
		backendDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_duration_seconds",
			Help:      "Duration of forwarded requests, measured at the server node.",
			Buckets:   buckets,
		}, []string{"server"}),
		addressHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_address_healthy",
			Help:      "1 if the backend address passed its health checks, otherwise 0.",
		}, []string{"server", "address"}),
		nodeOffline: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_offline",
			Help:      "1 if the node is offline, otherwise 0.",
		}, []string{"node", "kind"}),
		poolIdle: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_pool_idle",
			Help:      "Idle connections held by a backend connection pool.",
		}, []string{"server", "address"}),
		graphSwaps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_swaps_total",
			Help:      "Times a pending node graph was promoted to active.",
		}),
		configErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_errors_total",
			Help:      "Configurations that failed to build or bind.",
		}),
	}
}

// Registry returns the registry holding the metrics.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return nil
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Request records a completed client request.
func (c *Collector) Request(listener string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(listener, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(listener).Observe(duration.Seconds())
}

// Rejected records a request the proxy answered itself with 503.
func (c *Collector) Rejected(listener, cause string) {
	if c == nil {
		return
	}
	c.rejected.WithLabelValues(listener, cause).Inc()
}

// Backend records one forwarded request. outcome is "ok", "error" or
// "busy".
func (c *Collector) Backend(server, address, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.backend.WithLabelValues(server, address, outcome).Inc()
	if outcome != "busy" {
		c.backendDuration.WithLabelValues(server).Observe(duration.Seconds())
	}
}

// AddressHealth records the health of one backend address.
func (c *Collector) AddressHealth(server, address string, healthy bool) {
	if c == nil {
		return
	}
	c.addressHealthy.WithLabelValues(server, address).Set(boolValue(healthy))
}

// ForgetAddress removes the series of an address that is no longer
// resolved.
func (c *Collector) ForgetAddress(server, address string) {
	if c == nil {
		return
	}
	c.addressHealthy.DeleteLabelValues(server, address)
	c.poolIdle.DeleteLabelValues(server, address)
	for _, outcome := range []string{"ok", "error", "busy"} {
		c.backend.DeleteLabelValues(server, address, outcome)
	}
}

// PoolIdle records the idle connection count of a pool.
func (c *Collector) PoolIdle(server, address string, idle int) {
	if c == nil {
		return
	}
	c.poolIdle.WithLabelValues(server, address).Set(float64(idle))
}

// NodeOffline records whether a node is offline.
func (c *Collector) NodeOffline(node, kind string, offline bool) {
	if c == nil {
		return
	}
	c.nodeOffline.WithLabelValues(node, kind).Set(boolValue(offline))
}

// GraphSwapped records the promotion of a pending graph.
func (c *Collector) GraphSwapped() {
	if c == nil {
		return
	}
	c.graphSwaps.Inc()
}

// ConfigError records a configuration that failed to apply.
func (c *Collector) ConfigError() {
	if c == nil {
		return
	}
	c.configErrors.Inc()
}

// GaugeFunc registers a gauge whose value is read on every scrape.
func (c *Collector) GaugeFunc(name, help string, fn func() float64) {
	if c == nil {
		return
	}
	promauto.With(c.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
