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

import "fmt"

// LeastConnections sends each request to the usable output with the fewest
// requests in flight. Ties go to the output listed first.
type LeastConnections struct {
	balancer
}

// NewLeastConnections creates a least connections balancer over outputs.
func NewLeastConnections(name string, disabled bool, outputs []*Output, opts Options) *LeastConnections {
	n := &LeastConnections{}
	n.Init(name, KindLeastConnections, disabled, opts)
	n.outputs = outputs
	return n
}

// Process implements Node.
func (n *LeastConnections) Process(c *Context) error {
	output := leastConnected(n.outputs)
	if output == nil {
		return fmt.Errorf("%s: %w", n.Name(), ErrNoOutput)
	}
	return output.Forward(c)
}

func leastConnected(outputs []*Output) *Output {
	var best *Output
	var bestCount int64
	for _, output := range outputs {
		if !output.Usable() {
			continue
		}
		count := output.Connections()
		if best == nil || count < bestCount {
			best, bestCount = output, count
		}
	}
	return best
}
