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

// Package server implements the server node, the terminal node that
// forwards requests to a backend.
//
// A server node resolves its host name to a set of IP addresses, keeps a
// connection pool and a health record per address, and forwards each
// request over a pooled connection to one of the healthy addresses. The
// bytes are moved by a stream polled by a shared scheduler.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Bikeman868/Gravity-sub000/analytics"
	"github.com/Bikeman868/Gravity-sub000/bufpool"
	"github.com/Bikeman868/Gravity-sub000/conn"
	"github.com/Bikeman868/Gravity-sub000/health"
	"github.com/Bikeman868/Gravity-sub000/internal"
	"github.com/Bikeman868/Gravity-sub000/metrics"
	"github.com/Bikeman868/Gravity-sub000/node"
	"github.com/Bikeman868/Gravity-sub000/resolver"
	"github.com/Bikeman868/Gravity-sub000/scheduler"
	"github.com/Bikeman868/Gravity-sub000/stream"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultDNSInterval         = time.Minute
	DefaultRecalculateInterval = 5 * time.Second
	DefaultCheckInterval       = 30 * time.Second
	DefaultUnhealthyInterval   = 2 * time.Second
	DefaultFailureThreshold    = 2

	healthyPoll   = time.Second
	unhealthyPoll = 200 * time.Millisecond
	probeBodyKeep = 1024
)

var (
	// ErrNoHealthyAddress is returned when a request arrives while none
	// of the node's addresses is healthy.
	ErrNoHealthyAddress = errors.New("no healthy backend address")
	// ErrTooManyConnections is returned when the chosen address already
	// carries the maximum number of concurrent requests.
	ErrTooManyConnections = errors.New("backend connection limit reached")
)

// HealthCheck configures the periodic checks of every address.
type HealthCheck struct {
	// Enabled turns checking on. Without checks every resolved address
	// is considered healthy.
	Enabled bool
	health.Check
	Interval time.Duration
	// UnhealthyInterval replaces Interval while any address is not
	// healthy.
	UnhealthyInterval time.Duration
	// Threshold is the number of consecutive failed checks that make an
	// address unhealthy.
	Threshold int
}

// Config describes a backend.
type Config struct {
	Host string
	Port int
	// Scheme is "http" or "https".
	Scheme string

	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	ReadTimeout     time.Duration
	// IdleTimeout is how long a pooled connection may stay unused.
	IdleTimeout      time.Duration
	ReuseConnections bool
	// MaxConnections caps the concurrent requests per address. Zero means
	// no limit.
	MaxConnections int
	PoolCapacity   int

	DNSInterval         time.Duration
	RecalculateInterval time.Duration
	HealthCheck         HealthCheck
}

func (c Config) withDefaults() Config {
	if c.Scheme == "" {
		c.Scheme = "http"
	}
	if c.Port <= 0 {
		c.Port = 80
		if c.Scheme == "https" {
			c.Port = 443
		}
	}
	if c.DNSInterval <= 0 {
		c.DNSInterval = DefaultDNSInterval
	}
	if c.RecalculateInterval <= 0 {
		c.RecalculateInterval = DefaultRecalculateInterval
	}
	if c.HealthCheck.Interval <= 0 {
		c.HealthCheck.Interval = DefaultCheckInterval
	}
	if c.HealthCheck.UnhealthyInterval <= 0 {
		c.HealthCheck.UnhealthyInterval = min(DefaultUnhealthyInterval, c.HealthCheck.Interval)
	}
	if c.HealthCheck.Threshold <= 0 {
		c.HealthCheck.Threshold = DefaultFailureThreshold
	}
	return c
}

// hostHeader is the Host sent to the backend: the configured host, with
// the port when it is not the scheme's default.
func (c Config) hostHeader() string {
	if (c.Scheme == "http" && c.Port == 80) || (c.Scheme == "https" && c.Port == 443) {
		return c.Host
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Option customizes a Server.
type Option interface {
	apply(*options)
}

// WithScheduler polls the node's streams on s. Without it the node runs
// a scheduler of its own.
func WithScheduler(s *scheduler.Scheduler) Option {
	return optionFunc(func(opts *options) {
		opts.scheduler = s
	})
}

// WithResolver resolves the backend's host name with r.
func WithResolver(r resolver.Resolver) Option {
	return optionFunc(func(opts *options) {
		opts.resolver = r
	})
}

// WithMetrics records forwarding and health metrics in c.
func WithMetrics(c *metrics.Collector) Option {
	return optionFunc(func(opts *options) {
		opts.metrics = c
	})
}

// WithDialFunc replaces the dialer used to connect to addresses.
func WithDialFunc(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return optionFunc(func(opts *options) {
		opts.dial = dial
	})
}

// WithTLSConfig is used to connect to https backends.
func WithTLSConfig(cfg *tls.Config) Option {
	return optionFunc(func(opts *options) {
		opts.tlsConfig = cfg
	})
}

// WithBuffers supplies the buffers used by streams.
func WithBuffers(p *bufpool.Pool) Option {
	return optionFunc(func(opts *options) {
		opts.buffers = p
	})
}

type optionFunc func(*options)

func (f optionFunc) apply(opts *options) {
	f(opts)
}

type options struct {
	scheduler    *scheduler.Scheduler
	ownScheduler bool
	resolver     resolver.Resolver
	metrics      *metrics.Collector
	dial         func(ctx context.Context, network, addr string) (net.Conn, error)
	tlsConfig    *tls.Config
	buffers      *bufpool.Pool
}

func (opts *options) applyDefaults(clock internal.Clock, logger *slog.Logger) {
	if opts.scheduler == nil {
		opts.scheduler = scheduler.New(scheduler.WithClock(clock), scheduler.WithLogger(logger))
		opts.ownScheduler = true
	}
	if opts.resolver == nil {
		opts.resolver = resolver.NewDNS(nil, resolver.AllFamilies)
	}
	if opts.buffers == nil {
		opts.buffers = bufpool.Default
	}
}

// Status is the server specific part of a node status.
type Status struct {
	Host      string          `json:"host"`
	Port      int             `json:"port"`
	Scheme    string          `json:"scheme"`
	Addresses []AddressStatus `json:"addresses"`
}

// Server is the server node.
type Server struct {
	node.Base
	cfg    Config
	opts   options
	clock  internal.Clock
	host   string
	cancel context.CancelFunc
	done   chan struct{}
	next   atomic.Uint64

	mu sync.RWMutex
	// +checklocks:mu
	addresses []*Address

	// Owned by the background loop.
	lastLookup time.Time
	lastCheck  time.Time
	lastRecalc time.Time
}

// New creates a server node and starts its background loop, which
// resolves the host, checks health and refreshes statistics until the node
// is disposed.
func New(name string, disabled bool, cfg Config, nodeOpts node.Options, opts ...Option) *Server {
	s := &Server{
		cfg:  cfg.withDefaults(),
		done: make(chan struct{}),
	}
	s.Init(name, node.KindServer, disabled, nodeOpts)
	s.clock = s.Options().Clock
	for _, opt := range opts {
		opt.apply(&s.opts)
	}
	s.opts.applyDefaults(s.clock, s.Logger())
	s.host = s.cfg.hostHeader()
	s.SetOffline(true)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)
	return s
}

// Addresses returns the currently resolved addresses.
func (s *Server) Addresses() []*Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Address(nil), s.addresses...)
}

// Process forwards the request to one of the healthy addresses.
func (s *Server) Process(c *node.Context) error {
	a := s.pick()
	if a == nil {
		return fmt.Errorf("%s: %w", s.Name(), ErrNoHealthyAddress)
	}
	address := a.pool.Key().Address()
	if !a.acquire(s.cfg.MaxConnections) {
		s.opts.metrics.Backend(s.Name(), address, "busy", 0)
		return fmt.Errorf("%s at %s: %w", s.Name(), address, ErrTooManyConnections)
	}
	defer a.release()

	start := s.clock.Now()
	result, err := s.exchange(c.Request.Context(), a.pool, c.Request, c.Response.Sink(), s.host, s.cfg.ResponseTimeout)
	elapsed := s.clock.Since(start)
	a.traffic.Record(elapsed)
	if err != nil {
		s.opts.metrics.Backend(s.Name(), address, "error", elapsed)
		c.Log.Warn("forwarding failed",
			slog.String("address", address),
			slog.Bool("responseStarted", result.ResponseStarted),
			slog.Any("error", err),
		)
		return fmt.Errorf("forward to %s: %w", address, err)
	}
	s.opts.metrics.Backend(s.Name(), address, "ok", elapsed)
	c.Log.Debug("forwarded",
		slog.String("address", address),
		slog.Int("status", result.Status),
		slog.Int64("sent", result.BytesSent),
		slog.Int64("received", result.BytesReceived),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}

// UpdateStatus marks the node offline while no address is healthy.
func (s *Server) UpdateStatus() {
	s.SetOffline(!s.anyHealthy() && !s.Disabled())
}

// Status describes the node and each of its addresses.
func (s *Server) Status() node.Status {
	status := s.Base.Status()
	detail := Status{Host: s.cfg.Host, Port: s.cfg.Port, Scheme: s.cfg.Scheme}
	for _, a := range s.Addresses() {
		detail.Addresses = append(detail.Addresses, a.status())
	}
	status.Detail = detail
	return status
}

// Dispose stops the background loop and closes every pooled connection.
func (s *Server) Dispose() {
	s.cancel()
	<-s.done
	s.mu.Lock()
	addresses := s.addresses
	s.addresses = nil
	s.mu.Unlock()
	for _, a := range addresses {
		s.forget(a)
	}
	if s.opts.ownScheduler {
		_ = s.opts.scheduler.Close()
	}
}

// pick chooses round-robin among the healthy addresses.
func (s *Server) pick() *Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	healthy := make([]*Address, 0, len(s.addresses))
	for _, a := range s.addresses {
		if a.Healthy() {
			healthy = append(healthy, a)
		}
	}
	if len(healthy) == 0 {
		return nil
	}
	return healthy[(s.next.Add(1)-1)%uint64(len(healthy))]
}

// exchange sends req over a connection from pool and writes the response
// to sink, returning the connection to the pool when it can carry another
// request. A cancelled ctx does not abort the exchange; the backend still
// sees the whole request and the connection is discarded afterwards.
func (s *Server) exchange(ctx context.Context, pool *conn.Pool, req *http.Request, sink stream.Sink, host string, responseTimeout time.Duration) (stream.Result, error) {
	c, err := pool.Get(ctx)
	if err != nil {
		return stream.Result{}, err
	}
	st := stream.New(req, sink, c, stream.Options{
		Host:            host,
		ResponseTimeout: responseTimeout,
		ReadTimeout:     s.cfg.ReadTimeout,
		KeepAlive:       s.cfg.IdleTimeout,
		Buffers:         s.opts.buffers,
		Wake:            s.opts.scheduler.Wake,
	})
	if err := s.opts.scheduler.Add(st); err != nil {
		c.End(false)
		pool.Discard(c)
		return stream.Result{}, err
	}
	<-st.Done()
	abandoned := ctx.Err() != nil
	result := st.Result()
	if err := st.Err(); err != nil {
		c.End(false)
		pool.Discard(c)
		return result, err
	}
	reusable := result.Reusable && s.cfg.ReuseConnections && !abandoned
	c.End(reusable)
	if reusable {
		pool.Reuse(c)
	} else {
		pool.Discard(c)
	}
	return result, nil
}

func (s *Server) run(ctx context.Context) {
	defer close(s.done)
	for {
		s.tick(ctx)
		wait := healthyPoll
		if s.Offline() || !s.allHealthy() {
			wait = unhealthyPoll
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(wait + internal.Jitter(wait/10)):
		}
	}
}

func (s *Server) tick(ctx context.Context) {
	if internal.Elapsed(s.clock, s.lastRecalc, s.cfg.RecalculateInterval) {
		s.lastRecalc = s.clock.Now()
		for _, a := range s.Addresses() {
			a.traffic.Recalculate()
			s.opts.metrics.PoolIdle(s.Name(), a.pool.Key().Address(), a.pool.Len())
		}
	}
	if s.Disabled() || s.cfg.Host == "" {
		return
	}
	if s.needsLookup() {
		s.lookup(ctx)
	}
	interval := s.cfg.HealthCheck.Interval
	if !s.allHealthy() {
		interval = s.cfg.HealthCheck.UnhealthyInterval
	}
	if s.cfg.HealthCheck.Enabled && internal.Elapsed(s.clock, s.lastCheck, interval) {
		s.lastCheck = s.clock.Now()
		s.check(ctx)
	}
	s.UpdateStatus()
}

func (s *Server) needsLookup() bool {
	s.mu.RLock()
	resolved := len(s.addresses) > 0
	s.mu.RUnlock()
	if resolver.IsLiteral(s.cfg.Host) {
		return !resolved
	}
	return !resolved || internal.Elapsed(s.clock, s.lastLookup, s.cfg.DNSInterval)
}

// lookup resolves the host. When the number of addresses is unchanged the
// existing records are reused position by position, keeping their health
// and traffic; otherwise the whole set is replaced.
func (s *Server) lookup(ctx context.Context) {
	addrs, err := s.opts.resolver.Resolve(ctx, s.cfg.Host)
	if err != nil {
		s.Logger().Warn("resolving backend failed", slog.String("host", s.cfg.Host), slog.Any("error", err))
		return
	}
	s.lastLookup = s.clock.Now()

	s.mu.Lock()
	previous := s.addresses
	next := make([]*Address, len(addrs))
	var removed []*Address
	for i, addr := range addrs {
		switch {
		case len(previous) == len(addrs) && previous[i].addr == addr:
			next[i] = previous[i]
		case len(previous) == len(addrs):
			next[i] = s.newAddress(addr, previous[i].tracker, previous[i].traffic)
			removed = append(removed, previous[i])
		default:
			next[i] = s.newAddress(addr, nil, nil)
		}
	}
	if len(previous) != len(addrs) {
		removed = previous
	}
	s.addresses = next
	s.mu.Unlock()

	for _, a := range removed {
		s.forget(a)
	}
	if len(removed) > 0 || len(previous) == 0 {
		s.Logger().Info("backend resolved", slog.String("host", s.cfg.Host), slog.Any("addresses", addrs))
	}
}

func (s *Server) newAddress(addr netip.Addr, tracker *health.Tracker, traffic *analytics.Traffic) *Address {
	if tracker == nil {
		tracker = health.NewTracker(s.cfg.HealthCheck.Threshold)
		if !s.cfg.HealthCheck.Enabled {
			tracker.Succeeded(s.clock.Now())
		}
	}
	if traffic == nil {
		traffic = analytics.New(analytics.WithClock(s.clock))
	}
	key := conn.Key{Scheme: s.cfg.Scheme, Host: s.cfg.Host, Port: s.cfg.Port, IP: addr}
	a := &Address{addr: addr, pool: s.newPool(key), tracker: tracker, traffic: traffic}
	if port := s.cfg.HealthCheck.Port; port > 0 && port != s.cfg.Port {
		key.Port = port
		a.checks = s.newPool(key)
	}
	return a
}

func (s *Server) newPool(key conn.Key) *conn.Pool {
	return conn.NewPool(key, s.cfg.PoolCapacity, conn.Options{
		ConnectTimeout: s.cfg.ConnectTimeout,
		IdleTimeout:    s.cfg.IdleTimeout,
		TLSConfig:      s.opts.tlsConfig,
		DialFunc:       s.opts.dial,
		Clock:          s.clock,
	})
}

func (s *Server) forget(a *Address) {
	for _, pool := range []*conn.Pool{a.pool, a.checks} {
		if pool == nil {
			continue
		}
		if err := pool.Close(); err != nil {
			s.Logger().Debug("closing pool", slog.String("address", pool.Key().Address()), slog.Any("error", err))
		}
	}
	s.opts.metrics.ForgetAddress(s.Name(), a.pool.Key().Address())
}

func (s *Server) anyHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.addresses {
		if a.Healthy() {
			return true
		}
	}
	return false
}

func (s *Server) allHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.addresses {
		if !a.Healthy() {
			return false
		}
	}
	return true
}

// check runs one health check against every address concurrently.
func (s *Server) check(ctx context.Context) {
	var group errgroup.Group
	for _, a := range s.Addresses() {
		group.Go(func() error {
			s.checkAddress(ctx, a)
			return nil
		})
	}
	_ = group.Wait()
}

func (s *Server) checkAddress(ctx context.Context, a *Address) {
	check := s.cfg.HealthCheck.Check
	address := a.pool.Key().Address()
	req, err := check.Request(ctx, s.cfg.Scheme, s.cfg.Host, s.cfg.Port, a.addr)
	var healthy bool
	if err == nil {
		healthy, err = check.Run(ctx, health.ProberFunc(func(ctx context.Context, req *http.Request) (int, error) {
			return s.probe(ctx, a, req)
		}), req)
	}
	state, changed := a.tracker.Record(s.clock.Now(), healthy, err)
	s.opts.metrics.AddressHealth(s.Name(), address, state == health.StateHealthy)
	if changed {
		s.Logger().Info("backend health changed",
			slog.String("address", address),
			slog.String("state", state.String()),
			slog.Any("error", err),
		)
	} else if err != nil {
		s.Logger().Debug("health check failed", slog.String("address", address), slog.Any("error", err))
	}
}

func (s *Server) probe(ctx context.Context, a *Address, req *http.Request) (int, error) {
	timeout := s.cfg.HealthCheck.Timeout
	if timeout <= 0 {
		timeout = health.DefaultTimeout
	}
	recorder := &stream.Recorder{Limit: probeBodyKeep}
	result, err := s.exchange(ctx, a.checkPool(), req, recorder, "", timeout)
	if err != nil {
		return 0, err
	}
	return result.Status, nil
}
