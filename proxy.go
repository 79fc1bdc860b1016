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

package gravity

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/Bikeman868/Gravity-sub000/bufpool"
	"github.com/Bikeman868/Gravity-sub000/config"
	"github.com/Bikeman868/Gravity-sub000/graph"
	"github.com/Bikeman868/Gravity-sub000/internal"
	"github.com/Bikeman868/Gravity-sub000/listener"
	"github.com/Bikeman868/Gravity-sub000/metrics"
	"github.com/Bikeman868/Gravity-sub000/node"
	"github.com/Bikeman868/Gravity-sub000/resolver"
	"github.com/Bikeman868/Gravity-sub000/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultShutdownTimeout bounds how long Close waits for client
	// connections to finish.
	DefaultShutdownTimeout = 10 * time.Second

	recalculateInterval = 5 * time.Second
)

// ErrClosed is returned when using a proxy after Close.
var ErrClosed = errors.New("proxy closed")

// Option is an option used to customize a Proxy.
type Option interface {
	apply(*proxyOptions)
}

// WithLogger sets the logger, replacing the one described by the logging
// section of the configuration.
func WithLogger(logger *slog.Logger) Option {
	return proxyOptionFunc(func(opts *proxyOptions) {
		opts.logger = logger
	})
}

// WithRegistry registers the proxy's metrics in registry instead of a
// registry of its own.
func WithRegistry(registry *prometheus.Registry) Option {
	return proxyOptionFunc(func(opts *proxyOptions) {
		opts.registry = registry
	})
}

// WithResolver configures how server nodes resolve backend host names. If
// no WithResolver option is provided, DNS is used.
func WithResolver(r resolver.Resolver) Option {
	return proxyOptionFunc(func(opts *proxyOptions) {
		opts.resolver = r
	})
}

// WithDialer configures the function used to open backend connections.
func WithDialer(dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return proxyOptionFunc(func(opts *proxyOptions) {
		opts.dialFunc = dialFunc
	})
}

// WithTLSConfig is used to connect to https backends.
func WithTLSConfig(cfg *tls.Config) Option {
	return proxyOptionFunc(func(opts *proxyOptions) {
		opts.tlsConfig = cfg
	})
}

// WithEvaluator replaces the compiler of router condition expressions.
func WithEvaluator(evaluator node.Evaluator) Option {
	return proxyOptionFunc(func(opts *proxyOptions) {
		opts.evaluator = evaluator
	})
}

// WithTransformer registers a transformer that transform nodes can refer
// to by name.
func WithTransformer(name string, transformer node.Transformer) Option {
	return proxyOptionFunc(func(opts *proxyOptions) {
		if opts.transformers == nil {
			opts.transformers = make(map[string]node.Transformer)
		}
		opts.transformers[name] = transformer
	})
}

type proxyOptionFunc func(*proxyOptions)

func (f proxyOptionFunc) apply(opts *proxyOptions) {
	f(opts)
}

type proxyOptions struct {
	logger       *slog.Logger
	clock        internal.Clock
	registry     *prometheus.Registry
	resolver     resolver.Resolver
	dialFunc     func(ctx context.Context, network, addr string) (net.Conn, error)
	tlsConfig    *tls.Config
	evaluator    node.Evaluator
	transformers map[string]node.Transformer
}

func (opts *proxyOptions) applyDefaults(cfg *config.Config) error {
	if opts.logger == nil {
		logger, err := internal.NewLogger(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return err
		}
		opts.logger = logger
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
	if opts.resolver == nil {
		opts.resolver = resolver.NewDNS(nil, resolver.AllFamilies)
	}
	if opts.evaluator == nil {
		opts.evaluator = node.DefaultEvaluator{}
	}
	return nil
}

// Proxy is a running reverse proxy: a scheduler, a node graph, a listener
// and the HTTP servers accepting client connections.
type Proxy struct {
	opts      proxyOptions
	logger    *slog.Logger
	metrics   *metrics.Collector
	buffers   *bufpool.Pool
	scheduler *scheduler.Scheduler
	graph     *graph.Graph
	listener  *listener.Listener
	cancel    context.CancelFunc
	done      chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	servers map[int]*http.Server
	// +checklocks:mu
	started bool
	// +checklocks:mu
	closed bool
	// +checklocks:mu
	config *config.Config
}

// New creates a proxy and applies cfg. It does not accept connections
// until Start is called.
func New(cfg *config.Config, options ...Option) (*Proxy, error) {
	var opts proxyOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	if err := opts.applyDefaults(cfg); err != nil {
		return nil, err
	}
	p := &Proxy{
		opts:    opts,
		logger:  opts.logger,
		buffers: bufpool.New(bufpool.DefaultSize),
		servers: make(map[int]*http.Server),
		done:    make(chan struct{}),
	}
	if cfg.Metrics.IsEnabled() {
		p.metrics = metrics.New(cfg.Metrics.Namespace, opts.registry)
	}
	p.scheduler = scheduler.New(
		scheduler.WithClock(opts.clock),
		scheduler.WithLogger(p.logger),
		scheduler.WithWorkers(cfg.Scheduler.Threads),
		scheduler.WithPollInterval(cfg.Scheduler.PollInterval),
	)
	p.metrics.GaugeFunc("active_streams", "Request streams being polled by the scheduler.", func() float64 {
		return float64(p.scheduler.Len())
	})
	p.graph = graph.New(
		graph.WithClock(opts.clock),
		graph.WithLogger(p.logger),
		graph.WithMetrics(p.metrics),
		graph.WithDrainWindow(cfg.Graph.DrainWindow),
		graph.WithStatusInterval(cfg.Graph.StatusInterval),
	)
	p.listener = listener.New(p.graph,
		listener.WithClock(opts.clock),
		listener.WithLogger(p.logger),
		listener.WithMetrics(p.metrics),
	)
	if err := p.Configure(cfg); err != nil {
		_ = p.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.recalculate(ctx)
	return p, nil
}

// Handler returns the handler that serves client requests. Start serves it
// on the configured ports; it may also be mounted on servers of the
// caller's own.
func (p *Proxy) Handler() http.Handler {
	return p.listener
}

// Graph returns the proxy's node graph.
func (p *Proxy) Graph() *graph.Graph {
	return p.graph
}

// Listener returns the proxy's listener.
func (p *Proxy) Listener() *listener.Listener {
	return p.listener
}

// Config returns the configuration applied last.
func (p *Proxy) Config() *config.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config
}

// Configure builds a new node graph from cfg and publishes it as pending.
// Listener endpoints and the worker count change immediately. If the
// proxy has been started, servers are opened and closed to match the new
// set of ports.
func (p *Proxy) Configure(cfg *config.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	nodes, err := p.build(cfg)
	if err != nil {
		p.metrics.ConfigError()
		return fmt.Errorf("build node graph: %w", err)
	}
	if p.config != nil && p.config.Scheduler.Threads != cfg.Scheduler.Threads {
		p.scheduler.Configure(cfg.Scheduler.Threads)
	}
	inst := graph.NewInstance(nodes)
	if err := inst.Err(); err != nil {
		p.metrics.ConfigError()
	}
	p.graph.Configure(inst)

	endpoints := make([]listener.Endpoint, len(cfg.Listeners))
	for i, l := range cfg.Listeners {
		endpoints[i] = listener.Endpoint{IPAddress: l.IPAddress, Port: l.Port, Node: l.Node, Disabled: l.Disabled}
	}
	if err := p.listener.Configure(endpoints); err != nil {
		p.logger.Warn("invalid listener endpoints", slog.Any("error", err))
	}
	p.config = cfg
	p.logger.Info("configuration applied", slog.Int("nodes", len(nodes)), slog.Int("listeners", len(endpoints)))
	if p.started {
		return p.syncServers()
	}
	return nil
}

// Start opens a server on every configured port.
func (p *Proxy) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.started = true
	return p.syncServers()
}

// Close stops accepting connections, waits up to DefaultShutdownTimeout
// for open requests, then disposes every node and stops the scheduler.
func (p *Proxy) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return p.Shutdown(ctx)
}

// Shutdown is like Close, with ctx bounding the wait for open requests.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	servers := p.servers
	p.servers = nil
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	group, ctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		group.Go(func() error {
			return srv.Shutdown(ctx)
		})
	}
	err := group.Wait()
	return errors.Join(err, p.graph.Close(), p.scheduler.Close())
}

// syncServers opens servers for new ports and shuts down the servers of
// ports no longer used.
//
// +checklocks:p.mu
func (p *Proxy) syncServers() error {
	wanted := make(map[int]bool)
	var errs []error
	for _, port := range p.listener.Ports() {
		wanted[port] = true
		if _, ok := p.servers[port]; ok {
			continue
		}
		ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
		if err != nil {
			errs = append(errs, fmt.Errorf("listen on port %d: %w", port, err))
			continue
		}
		srv := &http.Server{
			Handler:           p.listener,
			ReadHeaderTimeout: 30 * time.Second,
			ErrorLog:          slog.NewLogLogger(p.logger.Handler(), slog.LevelWarn),
		}
		p.servers[port] = srv
		p.logger.Info("listening", slog.String("address", ln.Addr().String()))
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				p.logger.Error("server stopped", slog.Int("port", port), slog.Any("error", err))
			}
		}()
	}
	for port, srv := range p.servers {
		if wanted[port] {
			continue
		}
		delete(p.servers, port)
		p.logger.Info("closing listener", slog.Int("port", port))
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}
	return errors.Join(errs...)
}

// Ports returns the ports the proxy is listening on.
func (p *Proxy) Ports() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ports := make([]int, 0, len(p.servers))
	for port := range p.servers {
		ports = append(ports, port)
	}
	return ports
}

func (p *Proxy) recalculate(ctx context.Context) {
	defer close(p.done)
	ticker := p.opts.clock.NewTicker(recalculateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.listener.Recalculate()
		}
	}
}
