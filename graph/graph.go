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

// Package graph publishes node graphs to the request path and swaps them
// when the configuration changes.
//
// A newly configured instance stays pending until every one of its enabled
// nodes reports online, then replaces the active instance in a single
// atomic store. The replaced instance keeps serving requests that already
// hold it and is disposed once a drain window has passed and those
// requests have finished.
package graph

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Bikeman868/Gravity-sub000/internal"
	"github.com/Bikeman868/Gravity-sub000/metrics"
	"github.com/Bikeman868/Gravity-sub000/node"
)

const (
	DefaultStatusInterval = 100 * time.Millisecond
	DefaultDrainWindow    = time.Minute
)

// Option customizes a Graph.
type Option interface {
	apply(*options)
}

// WithClock sets the clock driving status updates and drain windows.
func WithClock(clock internal.Clock) Option {
	return optionFunc(func(opts *options) {
		opts.clock = clock
	})
}

// WithLogger sets the logger for status transitions and swaps.
func WithLogger(logger *slog.Logger) Option {
	return optionFunc(func(opts *options) {
		opts.logger = logger
	})
}

// WithStatusInterval sets how often node status is refreshed.
func WithStatusInterval(interval time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.statusInterval = interval
	})
}

// WithDrainWindow sets how long a replaced instance is kept before it is
// disposed.
func WithDrainWindow(window time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.drainWindow = window
	})
}

// WithMetrics records node status and swaps in c.
func WithMetrics(c *metrics.Collector) Option {
	return optionFunc(func(opts *options) {
		opts.metrics = c
	})
}

type optionFunc func(*options)

func (f optionFunc) apply(opts *options) {
	f(opts)
}

type options struct {
	clock          internal.Clock
	logger         *slog.Logger
	statusInterval time.Duration
	drainWindow    time.Duration
	metrics        *metrics.Collector
}

func (opts *options) applyDefaults() {
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
	if opts.logger == nil {
		opts.logger = slog.Default()
	}
	if opts.statusInterval <= 0 {
		opts.statusInterval = DefaultStatusInterval
	}
	if opts.drainWindow <= 0 {
		opts.drainWindow = DefaultDrainWindow
	}
}

// Graph holds the active and pending instances.
type Graph struct {
	opts    options
	active  atomic.Pointer[Instance]
	pending atomic.Pointer[Instance]

	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu sync.Mutex
	// +checklocks:mu
	closed bool

	// Owned by the status loop.
	offline map[node.Node]bool
}

// New creates an empty graph and starts its status loop.
func New(opts ...Option) *Graph {
	g := &Graph{offline: make(map[node.Node]bool)}
	for _, opt := range opts {
		opt.apply(&g.opts)
	}
	g.opts.applyDefaults()
	g.ctx, g.cancel = context.WithCancel(context.Background())
	ticker := g.opts.clock.NewTicker(g.opts.statusInterval)
	g.wg.Add(1)
	go g.run(ticker)
	return g
}

// Active returns the instance serving requests, or nil before the first
// configuration.
func (g *Graph) Active() *Instance {
	return g.active.Load()
}

// Pending returns the instance waiting to become active, if any.
func (g *Graph) Pending() *Instance {
	return g.pending.Load()
}

// Configure publishes inst. The first instance becomes active at once;
// later ones wait as pending until they are ready. A pending instance that
// is replaced before it was promoted is disposed.
func (g *Graph) Configure(inst *Instance) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		inst.Dispose()
		return
	}
	if err := inst.Err(); err != nil {
		g.opts.logger.Warn("node graph has unresolved references", slog.Any("error", err))
	}
	if g.active.Load() == nil {
		g.active.Store(inst)
		g.opts.metrics.GraphSwapped()
		g.opts.logger.Info("node graph activated", slog.Int("nodes", len(inst.Nodes())))
		return
	}
	if previous := g.pending.Swap(inst); previous != nil {
		g.opts.logger.Info("pending node graph replaced before activation")
		previous.Dispose()
	}
	g.opts.logger.Info("node graph pending", slog.Int("nodes", len(inst.Nodes())))
}

// Close stops the status loop and disposes every instance, without waiting
// for drain windows.
func (g *Graph) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	g.cancel()
	g.wg.Wait()
	if inst := g.pending.Swap(nil); inst != nil {
		inst.Dispose()
	}
	if inst := g.active.Swap(nil); inst != nil {
		inst.Dispose()
	}
	return nil
}

func (g *Graph) run(ticker internal.Ticker) {
	defer g.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.Chan():
		}
		active, pending := g.active.Load(), g.pending.Load()
		seen := make(map[node.Node]bool, len(g.offline))
		for _, inst := range []*Instance{active, pending} {
			if inst == nil {
				continue
			}
			inst.UpdateStatus()
			g.observe(inst, seen)
		}
		for n := range g.offline {
			if !seen[n] {
				delete(g.offline, n)
			}
		}
		if pending != nil && pending.Ready() {
			g.promote(pending)
		}
	}
}

// observe logs status transitions of the nodes in inst.
func (g *Graph) observe(inst *Instance, seen map[node.Node]bool) {
	for _, n := range inst.Nodes() {
		seen[n] = true
		offline := n.Offline()
		g.opts.metrics.NodeOffline(n.Name(), string(n.Kind()), offline)
		previous, known := g.offline[n]
		g.offline[n] = offline
		switch {
		case known && previous == offline:
		case offline:
			g.opts.logger.Warn("node offline", slog.String("node", n.Name()), slog.String("kind", string(n.Kind())))
		case known:
			g.opts.logger.Info("node online", slog.String("node", n.Name()), slog.String("kind", string(n.Kind())))
		}
	}
}

func (g *Graph) promote(inst *Instance) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || !g.pending.CompareAndSwap(inst, nil) {
		return
	}
	timer := g.opts.clock.NewTimer(g.opts.drainWindow)
	old := g.active.Swap(inst)
	g.opts.metrics.GraphSwapped()
	g.opts.logger.Info("node graph activated", slog.Int("nodes", len(inst.Nodes())))
	if old == nil {
		timer.Stop()
		return
	}
	g.wg.Add(1)
	go g.drain(old, timer)
}

func (g *Graph) drain(inst *Instance, timer internal.Timer) {
	defer g.wg.Done()
	defer inst.Dispose()
	select {
	case <-timer.Chan():
	case <-g.ctx.Done():
		timer.Stop()
		return
	}
	select {
	case <-inst.retire():
	case <-g.ctx.Done():
		return
	}
	g.opts.logger.Info("retired node graph disposed", slog.Int("nodes", len(inst.Nodes())))
}
