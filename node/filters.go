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
	"log/slog"
	"net/http"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Bikeman868/Gravity-sub000/internal"
)

// passThrough is the shared part of nodes that adjust a request and then
// hand it to their single output.
type passThrough struct {
	Base
	output *Output
}

func (n *passThrough) Bind(g Graph) error {
	return n.output.Bind(g)
}

func (n *passThrough) UpdateStatus() {
	n.output.Recalculate()
	n.SetOffline(!n.output.Usable())
}

func (n *passThrough) Status() Status {
	status := n.Base.Status()
	status.Outputs = []OutputStatus{n.output.Status()}
	return status
}

// Transformer rewrites requests on their way to the backend and responses
// on their way back.
type Transformer interface {
	TransformRequest(r *http.Request) *http.Request
	TransformResponse(status int, header http.Header)
}

// Transform applies a Transformer and forwards the request.
type Transform struct {
	passThrough
	transformer Transformer
}

// NewTransform creates a transform node.
func NewTransform(name string, disabled bool, output *Output, transformer Transformer, opts Options) *Transform {
	n := &Transform{transformer: transformer}
	n.Init(name, KindTransform, disabled, opts)
	n.output = output
	return n
}

// Process implements Node.
func (n *Transform) Process(c *Context) error {
	c.Request = n.transformer.TransformRequest(c.Request)
	c.Response.OnCommit(n.transformer.TransformResponse)
	return n.output.Forward(c)
}

// HeaderTransformer is the built in Transformer. It sets and removes
// headers and rewrites the path prefix.
type HeaderTransformer struct {
	SetRequestHeaders     map[string]string
	RemoveRequestHeaders  []string
	SetResponseHeaders    map[string]string
	RemoveResponseHeaders []string
	StripPathPrefix       string
	AddPathPrefix         string
}

// TransformRequest implements Transformer.
func (t *HeaderTransformer) TransformRequest(r *http.Request) *http.Request {
	r = r.Clone(r.Context())
	for _, name := range t.RemoveRequestHeaders {
		r.Header.Del(name)
	}
	for name, value := range t.SetRequestHeaders {
		r.Header.Set(name, value)
	}
	p := r.URL.Path
	if t.StripPathPrefix != "" && strings.HasPrefix(p, t.StripPathPrefix) {
		p = "/" + strings.TrimPrefix(strings.TrimPrefix(p, t.StripPathPrefix), "/")
	}
	if t.AddPathPrefix != "" {
		trailing := strings.HasSuffix(p, "/") && p != "/"
		p = path.Join(t.AddPathPrefix, p)
		if trailing {
			p += "/"
		}
	}
	if p != r.URL.Path {
		r.URL.Path = p
		r.URL.RawPath = ""
	}
	return r
}

// TransformResponse implements Transformer.
func (t *HeaderTransformer) TransformResponse(_ int, header http.Header) {
	for _, name := range t.RemoveResponseHeaders {
		header.Del(name)
	}
	for name, value := range t.SetResponseHeaders {
		header.Set(name, value)
	}
}

// CorsPolicy configures a Cors node.
type CorsPolicy struct {
	// AllowedOrigins may contain "*" to allow any origin.
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

// Cors answers CORS preflight requests and adds CORS headers to the
// responses of allowed origins.
type Cors struct {
	passThrough
	policy CorsPolicy
}

// NewCors creates a CORS node.
func NewCors(name string, disabled bool, output *Output, policy CorsPolicy, opts Options) *Cors {
	if len(policy.AllowedMethods) == 0 {
		policy.AllowedMethods = []string{http.MethodGet, http.MethodHead, http.MethodPost}
	}
	n := &Cors{policy: policy}
	n.Init(name, KindCors, disabled, opts)
	n.output = output
	return n
}

// Process implements Node.
func (n *Cors) Process(c *Context) error {
	origin := c.Request.Header.Get("Origin")
	if origin == "" {
		return n.output.Forward(c)
	}
	allowed := n.allows(origin)
	if c.Request.Method == http.MethodOptions && c.Request.Header.Get("Access-Control-Request-Method") != "" {
		if !allowed {
			c.Response.Reject(http.StatusForbidden, "origin not allowed")
			return nil
		}
		n.preflight(c, origin)
		return nil
	}
	if allowed {
		c.Response.OnCommit(func(_ int, header http.Header) {
			n.decorate(header, origin)
			if len(n.policy.ExposedHeaders) > 0 {
				header.Set("Access-Control-Expose-Headers", strings.Join(n.policy.ExposedHeaders, ", "))
			}
		})
	}
	return n.output.Forward(c)
}

func (n *Cors) allows(origin string) bool {
	return slices.ContainsFunc(n.policy.AllowedOrigins, func(allowed string) bool {
		return allowed == "*" || strings.EqualFold(allowed, origin)
	})
}

func (n *Cors) decorate(header http.Header, origin string) {
	if slices.Contains(n.policy.AllowedOrigins, "*") && !n.policy.AllowCredentials {
		header.Set("Access-Control-Allow-Origin", "*")
	} else {
		header.Set("Access-Control-Allow-Origin", origin)
		header.Add("Vary", "Origin")
	}
	if n.policy.AllowCredentials {
		header.Set("Access-Control-Allow-Credentials", "true")
	}
}

func (n *Cors) preflight(c *Context, origin string) {
	header := c.Response.Header()
	n.decorate(header, origin)
	header.Set("Access-Control-Allow-Methods", strings.Join(n.policy.AllowedMethods, ", "))
	if len(n.policy.AllowedHeaders) > 0 {
		header.Set("Access-Control-Allow-Headers", strings.Join(n.policy.AllowedHeaders, ", "))
	} else if requested := c.Request.Header.Get("Access-Control-Request-Headers"); requested != "" {
		header.Set("Access-Control-Allow-Headers", requested)
	}
	if n.policy.MaxAge > 0 {
		header.Set("Access-Control-Max-Age", strconv.Itoa(int(n.policy.MaxAge/time.Second)))
	}
	c.Response.WriteHeader(http.StatusNoContent)
}

// LogFilter changes the minimum log level for requests passing through it.
type LogFilter struct {
	passThrough
	level slog.Level
}

// NewLogFilter creates a log filter node.
func NewLogFilter(name string, disabled bool, output *Output, level slog.Level, opts Options) *LogFilter {
	n := &LogFilter{level: level}
	n.Init(name, KindLogFilter, disabled, opts)
	n.output = output
	return n
}

// Process implements Node.
func (n *LogFilter) Process(c *Context) error {
	c.Log = internal.WithLevel(c.Log, n.level)
	c.Log.Debug("log level overridden", slog.String("node", n.Name()), slog.String("level", n.level.String()))
	return n.output.Forward(c)
}

// Status implements Node.
func (n *LogFilter) Status() Status {
	status := n.passThrough.Status()
	status.Detail = map[string]string{"level": n.level.String()}
	return status
}
