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
)

// Route is one output of a router together with the conditions under
// which it is taken.
type Route struct {
	Output *Output
	When   *ConditionGroup
}

// Router sends each request to the first usable route whose conditions
// match.
type Router struct {
	Base
	routes []Route
}

// ErrNoRoute is returned when no route of a router matches a request.
var ErrNoRoute = errors.New("no matching route")

// NewRouter creates a router. Routes are tried in order.
func NewRouter(name string, disabled bool, routes []Route, opts Options) *Router {
	n := &Router{routes: routes}
	n.Init(name, KindRouter, disabled, opts)
	return n
}

// Bind implements Node.
func (n *Router) Bind(g Graph) error {
	return bindOutputs(g, n.outputs())
}

// Process implements Node.
func (n *Router) Process(c *Context) error {
	for _, route := range n.routes {
		if !route.Output.Usable() {
			continue
		}
		if route.When.Match(c) {
			return route.Output.Forward(c)
		}
	}
	return fmt.Errorf("%s: %w", n.Name(), ErrNoRoute)
}

// UpdateStatus implements Node.
func (n *Router) UpdateStatus() {
	outputs := n.outputs()
	for _, output := range outputs {
		output.Recalculate()
	}
	n.SetOffline(!anyUsable(outputs))
}

// Status implements Node.
func (n *Router) Status() Status {
	status := n.Base.Status()
	status.Outputs = outputStatuses(n.outputs())
	return status
}

func (n *Router) outputs() []*Output {
	outputs := make([]*Output, len(n.routes))
	for i, route := range n.routes {
		outputs[i] = route.Output
	}
	return outputs
}
