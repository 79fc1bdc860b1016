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

package graph

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Bikeman868/Gravity-sub000/node"
	"golang.org/x/sync/errgroup"
)

// Instance is one complete, bound set of nodes. It is immutable once
// built; a configuration change produces a new Instance.
type Instance struct {
	nodes  []node.Node
	byName map[string]node.Node
	err    error

	inflight atomic.Int64
	retired  atomic.Bool
	idleOnce sync.Once
	idle     chan struct{}
	disposed sync.Once
}

// NewInstance binds every node against the others. Binding errors are
// kept in Err; the instance is still usable, with the failing references
// left unbound.
func NewInstance(nodes []node.Node) *Instance {
	i := &Instance{
		nodes:  nodes,
		byName: make(map[string]node.Node, len(nodes)),
		idle:   make(chan struct{}),
	}
	var errs []error
	for _, n := range nodes {
		key := strings.ToLower(n.Name())
		if _, ok := i.byName[key]; ok {
			errs = append(errs, fmt.Errorf("duplicate node name %q", n.Name()))
			continue
		}
		i.byName[key] = n
	}
	for _, n := range nodes {
		if err := n.Bind(i); err != nil {
			errs = append(errs, fmt.Errorf("bind %s: %w", n.Name(), err))
		}
	}
	i.err = errors.Join(errs...)
	return i
}

// Node implements node.Graph.
func (i *Instance) Node(name string) node.Node {
	return i.byName[strings.ToLower(name)]
}

// Nodes implements node.Graph.
func (i *Instance) Nodes() []node.Node {
	return i.nodes
}

// Err returns the errors found while binding.
func (i *Instance) Err() error {
	return i.err
}

// Enter marks the start of a request using the instance.
func (i *Instance) Enter() {
	i.inflight.Add(1)
}

// Leave marks the end of a request started with Enter.
func (i *Instance) Leave() {
	if i.inflight.Add(-1) == 0 && i.retired.Load() {
		i.signalIdle()
	}
}

// InFlight returns the number of requests currently using the instance.
func (i *Instance) InFlight() int64 {
	return i.inflight.Load()
}

// Ready reports whether every enabled node is online.
func (i *Instance) Ready() bool {
	for _, n := range i.nodes {
		if !n.Disabled() && n.Offline() {
			return false
		}
	}
	return true
}

// UpdateStatus refreshes the status of every node.
func (i *Instance) UpdateStatus() {
	for _, n := range i.nodes {
		n.UpdateStatus()
	}
}

// Status returns the status of every node.
func (i *Instance) Status() []node.Status {
	statuses := make([]node.Status, len(i.nodes))
	for j, n := range i.nodes {
		statuses[j] = n.Status()
	}
	return statuses
}

// Dispose disposes every node concurrently. Only the first call has an
// effect.
func (i *Instance) Dispose() {
	i.disposed.Do(func() {
		var group errgroup.Group
		for _, n := range i.nodes {
			group.Go(func() error {
				n.Dispose()
				return nil
			})
		}
		_ = group.Wait()
	})
}

// retire returns a channel that is closed once no request uses the
// instance.
func (i *Instance) retire() <-chan struct{} {
	i.retired.Store(true)
	if i.inflight.Load() == 0 {
		i.signalIdle()
	}
	return i.idle
}

func (i *Instance) signalIdle() {
	i.idleOnce.Do(func() { close(i.idle) })
}
