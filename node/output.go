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

package node

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/Bikeman868/Gravity-sub000/analytics"
	"github.com/Bikeman868/Gravity-sub000/internal"
)

// Output is a named, counted edge from one node to another.
type Output struct {
	name     string
	disabled bool
	clock    internal.Clock
	node     Node
	traffic  *analytics.Traffic

	connections atomic.Int64
	sessions    atomic.Int64
}

// NewOutput creates an unbound output referring to the node called name.
func NewOutput(name string, disabled bool, opts Options) *Output {
	opts = opts.WithDefaults()
	return &Output{
		name:     name,
		disabled: disabled,
		clock:    opts.Clock,
		traffic:  analytics.New(analytics.WithClock(opts.Clock)),
	}
}

// NewOutputs creates one enabled output per name.
func NewOutputs(names []string, opts Options) []*Output {
	outputs := make([]*Output, len(names))
	for i, name := range names {
		outputs[i] = NewOutput(name, false, opts)
	}
	return outputs
}

func (o *Output) Name() string { return o.name }
func (o *Output) Disabled() bool { return o.disabled }
func (o *Output) Node() Node { return o.node }
func (o *Output) Bound() bool { return o.node != nil }
func (o *Output) Connections() int64 { return o.connections.Load() }
func (o *Output) Sessions() int64 { return o.sessions.Load() }

// Bind resolves the output's node in g.
func (o *Output) Bind(g Graph) error {
	n := g.Node(o.name)
	if n == nil {
		return fmt.Errorf("output %q: %w", o.name, ErrUnknownNode)
	}
	o.node = n
	return nil
}

// Usable reports whether requests may be sent through the output: it is
// enabled and bound, and its node is enabled and online.
func (o *Output) Usable() bool {
	return !o.disabled && o.node != nil && !o.node.Disabled() && !o.node.Offline()
}

// Forward sends c through the output. The connection counter is raised for
// the duration of the call.
func (o *Output) Forward(c *Context) error {
	if o.node == nil {
		return fmt.Errorf("output %q: %w", o.name, ErrUnknownNode)
	}
	o.connections.Add(1)
	defer o.connections.Add(-1)
	start := o.clock.Now()
	err := Dispatch(c, o.node)
	o.traffic.Record(o.clock.Since(start))
	return err
}

// Recalculate refreshes the output's traffic statistics.
func (o *Output) Recalculate() {
	o.traffic.Recalculate()
}

// Status describes the output.
func (o *Output) Status() OutputStatus {
	return OutputStatus{
		Name:        o.name,
		Disabled:    o.disabled,
		Bound:       o.node != nil,
		Connections: o.connections.Load(),
		Sessions:    o.sessions.Load(),
		Traffic:     o.traffic.Stats(),
	}
}

func bindOutputs(g Graph, outputs []*Output) error {
	var errs []error
	for _, output := range outputs {
		if err := output.Bind(g); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// usableOutputs is recomputed on every request so that enabling, disabling
// and health changes take effect immediately.
func usableOutputs(outputs []*Output) []*Output {
	usable := make([]*Output, 0, len(outputs))
	for _, output := range outputs {
		if output.Usable() {
			usable = append(usable, output)
		}
	}
	return usable
}

func anyUsable(outputs []*Output) bool {
	for _, output := range outputs {
		if output.Usable() {
			return true
		}
	}
	return false
}

func outputStatuses(outputs []*Output) []OutputStatus {
	statuses := make([]OutputStatus, len(outputs))
	for i, output := range outputs {
		statuses[i] = output.Status()
	}
	return statuses
}

// balancer is the shared part of the nodes that spread traffic over a list
// of outputs.
type balancer struct {
	Base
	outputs []*Output
}

func (b *balancer) Bind(g Graph) error {
	return bindOutputs(g, b.outputs)
}

func (b *balancer) UpdateStatus() {
	for _, output := range b.outputs {
		output.Recalculate()
	}
	b.SetOffline(!anyUsable(b.outputs))
}

func (b *balancer) Status() Status {
	status := b.Base.Status()
	status.Outputs = outputStatuses(b.outputs)
	return status
}

// Outputs returns the node's outputs in configuration order.
func (b *balancer) Outputs() []*Output {
	return b.outputs
}
