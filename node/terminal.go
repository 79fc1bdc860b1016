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
	"encoding/json"
	"net/http"
	"strings"
)

// Response answers every request with a fixed response.
type Response struct {
	Base
	status  int
	reason  string
	headers map[string]string
	content []byte
}

// NewResponse creates a fixed response node. A zero status means 200.
func NewResponse(name string, disabled bool, status int, reason string, headers map[string]string, content string, opts Options) *Response {
	if status == 0 {
		status = http.StatusOK
	}
	n := &Response{status: status, reason: reason, headers: headers, content: []byte(content)}
	n.Init(name, KindResponse, disabled, opts)
	return n
}

// Process implements Node.
func (n *Response) Process(c *Context) error {
	header := c.Response.Header()
	for name, value := range n.headers {
		header.Set(name, value)
	}
	if n.reason != "" {
		header.Set(ReasonHeader, n.reason)
	}
	if header.Get("Content-Type") == "" && len(n.content) > 0 {
		header.Set("Content-Type", "text/plain; charset=utf-8")
	}
	c.Response.WriteHeader(n.status)
	if c.Request.Method == http.MethodHead || len(n.content) == 0 {
		return nil
	}
	_, err := c.Response.Write(n.content)
	return err
}

// Internal serves the proxy's own status. Requests for a path ending in
// /metrics are answered by the metrics handler, everything else gets the
// status of every node as JSON.
type Internal struct {
	Base
	graph   Graph
	metrics http.Handler
}

// NewInternal creates an internal node. metrics may be nil.
func NewInternal(name string, disabled bool, metrics http.Handler, opts Options) *Internal {
	n := &Internal{metrics: metrics}
	n.Init(name, KindInternal, disabled, opts)
	return n
}

// Bind implements Node.
func (n *Internal) Bind(g Graph) error {
	n.graph = g
	return nil
}

// Process implements Node.
func (n *Internal) Process(c *Context) error {
	if n.metrics != nil && strings.HasSuffix(c.Request.URL.Path, "/metrics") {
		n.metrics.ServeHTTP(c.Response, c.Request)
		return nil
	}
	var statuses []Status
	if n.graph != nil {
		for _, node := range n.graph.Nodes() {
			statuses = append(statuses, node.Status())
		}
	}
	c.Response.Header().Set("Content-Type", "application/json")
	c.Response.Header().Set("Cache-Control", "no-store")
	c.Response.WriteHeader(http.StatusOK)
	encoder := json.NewEncoder(c.Response)
	encoder.SetIndent("", "  ")
	return encoder.Encode(map[string]any{"nodes": statuses}) //nolint:wrapcheck
}
