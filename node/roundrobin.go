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
	"fmt"
	"sync/atomic"
)

// RoundRobin sends consecutive requests to consecutive usable outputs.
type RoundRobin struct {
	balancer
	next atomic.Uint64
}

// NewRoundRobin creates a round robin balancer over outputs.
func NewRoundRobin(name string, disabled bool, outputs []*Output, opts Options) *RoundRobin {
	n := &RoundRobin{}
	n.Init(name, KindRoundRobin, disabled, opts)
	n.outputs = outputs
	return n
}

// Process implements Node.
func (n *RoundRobin) Process(c *Context) error {
	usable := usableOutputs(n.outputs)
	if len(usable) == 0 {
		return fmt.Errorf("%s: %w", n.Name(), ErrNoOutput)
	}
	i := (n.next.Add(1) - 1) % uint64(len(usable))
	return usable[i].Forward(c)
}
