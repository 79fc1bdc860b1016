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

// Package listener maps incoming connections to the node that handles
// them and turns failures into 503 responses.
package listener

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strconv"
	"sync/atomic"

	"github.com/Bikeman868/Gravity-sub000/analytics"
	"github.com/Bikeman868/Gravity-sub000/graph"
	"github.com/Bikeman868/Gravity-sub000/internal"
	"github.com/Bikeman868/Gravity-sub000/metrics"
	"github.com/Bikeman868/Gravity-sub000/node"
)

// AnyAddress matches every local IP address.
const AnyAddress = "*"

// Endpoint binds a local address and port to the node that handles the
// requests arriving there.
type Endpoint struct {
	// IPAddress is a local IP address or AnyAddress.
	IPAddress string
	Port      int
	Node      string
	Disabled  bool
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IPAddress, strconv.Itoa(e.Port))
}

// EndpointStatus describes an endpoint and its traffic.
type EndpointStatus struct {
	Endpoint string          `json:"endpoint"`
	Node     string          `json:"node"`
	Disabled bool            `json:"disabled"`
	Traffic  analytics.Stats `json:"traffic"`
}

type endpoint struct {
	Endpoint
	addr    netip.Addr
	any     bool
	traffic *analytics.Traffic
}

func (e *endpoint) matches(local netip.AddrPort) bool {
	return !e.Disabled && int(local.Port()) == e.Port && (e.any || e.addr == local.Addr())
}

// Option customizes a Listener.
type Option interface {
	apply(*Listener)
}

// WithClock sets the clock used to time requests.
func WithClock(clock internal.Clock) Option {
	return optionFunc(func(l *Listener) {
		l.clock = clock
	})
}

// WithLogger sets the logger requests are logged with.
func WithLogger(logger *slog.Logger) Option {
	return optionFunc(func(l *Listener) {
		l.logger = logger
	})
}

// WithMetrics records requests in c.
func WithMetrics(c *metrics.Collector) Option {
	return optionFunc(func(l *Listener) {
		l.metrics = c
	})
}

type optionFunc func(*Listener)

func (f optionFunc) apply(l *Listener) {
	f(l)
}

// Listener is the http.Handler behind every listening socket.
type Listener struct {
	graph     *graph.Graph
	clock     internal.Clock
	logger    *slog.Logger
	metrics   *metrics.Collector
	endpoints atomic.Pointer[[]*endpoint]
}

// New creates a listener that dispatches into the active instance of g.
func New(g *graph.Graph, opts ...Option) *Listener {
	l := &Listener{graph: g}
	for _, opt := range opts {
		opt.apply(l)
	}
	if l.clock == nil {
		l.clock = internal.NewRealClock()
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.endpoints.Store(&[]*endpoint{})
	return l
}

// Configure replaces the endpoints. Endpoints that keep their address and
// port keep their traffic statistics.
func (l *Listener) Configure(endpoints []Endpoint) error {
	previous := *l.endpoints.Load()
	next := make([]*endpoint, 0, len(endpoints))
	var errs []error
	for _, e := range endpoints {
		ep := &endpoint{Endpoint: e, any: e.IPAddress == "" || e.IPAddress == AnyAddress}
		if ep.any {
			ep.IPAddress = AnyAddress
		} else {
			addr, err := netip.ParseAddr(e.IPAddress)
			if err != nil {
				errs = append(errs, fmt.Errorf("listener %s: %w", e, err))
				continue
			}
			ep.addr = addr.Unmap()
		}
		for _, old := range previous {
			if old.IPAddress == ep.IPAddress && old.Port == ep.Port {
				ep.traffic = old.traffic
			}
		}
		if ep.traffic == nil {
			ep.traffic = analytics.New(analytics.WithClock(l.clock))
		}
		next = append(next, ep)
	}
	l.endpoints.Store(&next)
	return errors.Join(errs...)
}

// Ports returns the distinct ports of the enabled endpoints.
func (l *Listener) Ports() []int {
	var ports []int
	for _, e := range *l.endpoints.Load() {
		if !e.Disabled && !slices.Contains(ports, e.Port) {
			ports = append(ports, e.Port)
		}
	}
	slices.Sort(ports)
	return ports
}

// Recalculate refreshes the traffic statistics of every endpoint.
func (l *Listener) Recalculate() {
	for _, e := range *l.endpoints.Load() {
		e.traffic.Recalculate()
	}
}

// Status describes every endpoint.
func (l *Listener) Status() []EndpointStatus {
	endpoints := *l.endpoints.Load()
	statuses := make([]EndpointStatus, len(endpoints))
	for i, e := range endpoints {
		statuses[i] = EndpointStatus{
			Endpoint: e.String(),
			Node:     e.Node,
			Disabled: e.Disabled,
			Traffic:  e.traffic.Stats(),
		}
	}
	return statuses
}

// match finds the endpoint for a local address, preferring an exact IP
// address over AnyAddress.
func (l *Listener) match(local netip.AddrPort) *endpoint {
	var wildcard *endpoint
	for _, e := range *l.endpoints.Load() {
		if !e.matches(local) {
			continue
		}
		if !e.any {
			return e
		}
		if wildcard == nil {
			wildcard = e
		}
	}
	return wildcard
}

// ServeHTTP implements http.Handler.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := l.clock.Now()
	c := node.NewContext(w, r, l.logger)
	ep := l.match(localAddr(r))
	if ep == nil {
		l.reject(c, "", "no_endpoint", "no listener endpoint for "+localAddr(r).String())
		return
	}
	label := ep.String()
	defer func() {
		elapsed := l.clock.Since(start)
		ep.traffic.Record(elapsed)
		status := c.Response.Status()
		if status == 0 {
			status = http.StatusOK
		}
		l.metrics.Request(label, status, elapsed)
		c.Log.Debug("request completed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Any("trace", c.Trace),
			slog.Duration("elapsed", elapsed),
		)
	}()

	inst := l.graph.Active()
	if inst == nil {
		l.reject(c, label, "no_graph", "no active configuration")
		return
	}
	inst.Enter()
	defer inst.Leave()
	n := inst.Node(ep.Node)
	if n == nil {
		l.reject(c, label, "no_node", "node "+ep.Node+" is not configured")
		return
	}
	if err := node.Dispatch(c, n); err != nil {
		l.reject(c, label, "node_error", err.Error())
	}
}

func (l *Listener) reject(c *node.Context, label, cause, reason string) {
	if !c.Response.Reject(http.StatusServiceUnavailable, reason) {
		c.Log.Warn("request failed after the response started", slog.String("reason", reason))
		return
	}
	l.metrics.Rejected(label, cause)
	c.Log.Info("request rejected", slog.String("cause", cause), slog.String("reason", reason))
}

func localAddr(r *http.Request) netip.AddrPort {
	addr, _ := r.Context().Value(http.LocalAddrContextKey).(net.Addr)
	if addr == nil {
		return netip.AddrPort{}
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		ap := tcp.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
