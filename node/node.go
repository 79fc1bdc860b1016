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

// Package node defines the processing nodes that requests flow through and
// the balancing, routing and terminal node types.
//
// Nodes are wired together by name. Every node is first constructed, then
// bound against the complete set of nodes it belongs to, which resolves the
// names of its outputs into the nodes they refer to. A bound node set is
// never modified; a configuration change builds a new one.
package node

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/Bikeman868/Gravity-sub000/internal"
)

// Kind names a node type.
type Kind string

const (
	KindRoundRobin       Kind = "roundRobin"
	KindLeastConnections Kind = "leastConnections"
	KindStickySession    Kind = "stickySession"
	KindRouter           Kind = "router"
	KindServer           Kind = "server"
	KindResponse         Kind = "response"
	KindInternal         Kind = "internal"
	KindTransform        Kind = "transform"
	KindCors             Kind = "cors"
	KindLogFilter        Kind = "logFilter"
)

var (
	// ErrDisabled is returned when a request reaches a disabled node.
	ErrDisabled = errors.New("node is disabled")
	// ErrNoOutput is returned when a node has no usable output to send a
	// request to.
	ErrNoOutput = errors.New("no available output")
	// ErrUnknownNode is returned when binding refers to a node name that
	// does not exist.
	ErrUnknownNode = errors.New("unknown node")
)

// Node is one vertex of the processing graph.
type Node interface {
	Name() string
	Kind() Kind
	// Bind resolves references to other nodes. It is called once, after
	// every node of the graph has been created. References that fail to
	// resolve are reported and left unbound.
	Bind(g Graph) error
	// Process handles the request in c and returns once the response has
	// been written, or with an error if it could not be produced.
	Process(c *Context) error
	// UpdateStatus refreshes Offline. It is called periodically, off the
	// request path.
	UpdateStatus()
	Disabled() bool
	Offline() bool
	Status() Status
	// Dispose releases the node's resources once no requests use it.
	Dispose()
}

// Graph is the set of nodes a node is bound against.
type Graph interface {
	// Node looks up a node by case-insensitive name, returning nil when
	// there is no such node.
	Node(name string) Node
	Nodes() []Node
}

// Options carry the shared dependencies of nodes.
type Options struct {
	Clock  internal.Clock
	Logger *slog.Logger
}

// WithDefaults fills in missing dependencies.
func (o Options) WithDefaults() Options {
	if o.Clock == nil {
		o.Clock = internal.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Base holds the state every node type shares. It is meant to be embedded.
type Base struct {
	name     string
	kind     Kind
	disabled bool
	offline  atomic.Bool
	opts     Options
}

// Init sets up the embedded base.
func (b *Base) Init(name string, kind Kind, disabled bool, opts Options) {
	b.name = name
	b.kind = kind
	b.disabled = disabled
	b.opts = opts.WithDefaults()
	b.opts.Logger = b.opts.Logger.With(slog.String("node", name))
}

func (b *Base) Name() string { return b.name }
func (b *Base) Kind() Kind { return b.kind }
func (b *Base) Disabled() bool { return b.disabled }
func (b *Base) Offline() bool { return b.offline.Load() }
func (b *Base) Bind(Graph) error { return nil }
func (b *Base) UpdateStatus() {}
func (b *Base) Dispose() {}

// SetOffline records whether the node can currently serve traffic.
func (b *Base) SetOffline(offline bool) {
	b.offline.Store(offline)
}

// Logger returns the node's logger.
func (b *Base) Logger() *slog.Logger {
	return b.opts.Logger
}

// Options returns the node's dependencies.
func (b *Base) Options() Options {
	return b.opts
}

// Status returns the status fields common to all nodes.
func (b *Base) Status() Status {
	return Status{
		Name:     b.name,
		Kind:     b.kind,
		Disabled: b.disabled,
		Offline:  b.Offline(),
	}
}

// Dispatch sends c to n, refusing it when n is disabled.
func Dispatch(c *Context, n Node) error {
	if n.Disabled() {
		return fmt.Errorf("%s: %w", n.Name(), ErrDisabled)
	}
	c.Trace = append(c.Trace, n.Name())
	return n.Process(c)
}

