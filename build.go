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
	"errors"
	"fmt"

	"github.com/Bikeman868/Gravity-sub000/config"
	"github.com/Bikeman868/Gravity-sub000/health"
	"github.com/Bikeman868/Gravity-sub000/internal"
	"github.com/Bikeman868/Gravity-sub000/node"
	"github.com/Bikeman868/Gravity-sub000/server"
)

// build creates the nodes described by cfg. On error, nodes created so far
// are disposed.
func (p *Proxy) build(cfg *config.Config) ([]node.Node, error) {
	b := &builder{p: p, opts: node.Options{Clock: p.opts.clock, Logger: p.logger}}
	nodes := &cfg.Nodes
	for _, n := range nodes.RoundRobin {
		b.add(node.NewRoundRobin(n.Name, n.Disabled, node.NewOutputs(n.Outputs, b.opts), b.opts))
	}
	for _, n := range nodes.LeastConnections {
		b.add(node.NewLeastConnections(n.Name, n.Disabled, node.NewOutputs(n.Outputs, b.opts), b.opts))
	}
	for _, n := range nodes.StickySession {
		b.add(node.NewStickySession(n.Name, n.Disabled, node.NewOutputs(n.Outputs, b.opts), n.SessionCookie, n.SessionDuration, b.opts))
	}
	for _, n := range nodes.Router {
		b.router(n)
	}
	for _, n := range nodes.Server {
		b.server(n)
	}
	for _, n := range nodes.Response {
		b.add(node.NewResponse(n.Name, n.Disabled, n.StatusCode, n.ReasonPhrase, n.Headers, n.Content, b.opts))
	}
	for _, n := range nodes.Internal {
		b.add(node.NewInternal(n.Name, n.Disabled, p.metrics.Handler(), b.opts))
	}
	for _, n := range nodes.Transform {
		b.transform(n)
	}
	for _, n := range nodes.Cors {
		b.add(node.NewCors(n.Name, n.Disabled, b.output(n.OutputNode), node.CorsPolicy{
			AllowedOrigins:   n.AllowedOrigins,
			AllowedMethods:   n.AllowedMethods,
			AllowedHeaders:   n.AllowedHeaders,
			ExposedHeaders:   n.ExposedHeaders,
			AllowCredentials: n.AllowCredentials,
			MaxAge:           n.MaxAge,
		}, b.opts))
	}
	for _, n := range nodes.LogFilter {
		level, err := internal.ParseLevel(n.Level)
		if err != nil {
			b.fail(n.Name, err)
			continue
		}
		b.add(node.NewLogFilter(n.Name, n.Disabled, b.output(n.OutputNode), level, b.opts))
	}
	if err := errors.Join(b.errs...); err != nil {
		for _, n := range b.nodes {
			n.Dispose()
		}
		return nil, err
	}
	return b.nodes, nil
}

type builder struct {
	p     *Proxy
	opts  node.Options
	nodes []node.Node
	errs  []error
}

func (b *builder) add(n node.Node) {
	b.nodes = append(b.nodes, n)
}

func (b *builder) fail(name string, err error) {
	b.errs = append(b.errs, fmt.Errorf("node %s: %w", name, err))
}

func (b *builder) output(name string) *node.Output {
	return node.NewOutput(name, false, b.opts)
}

func (b *builder) router(cfg config.RouterConfig) {
	routes := make([]node.Route, 0, len(cfg.Outputs))
	for _, route := range cfg.Outputs {
		when, err := b.group(route.ConditionGroupConfig)
		if err != nil {
			b.fail(cfg.Name, err)
			return
		}
		routes = append(routes, node.Route{
			Output: node.NewOutput(route.RouteTo, route.Disabled, b.opts),
			When:   when,
		})
	}
	b.add(node.NewRouter(cfg.Name, cfg.Disabled, routes, b.opts))
}

func (b *builder) group(cfg config.ConditionGroupConfig) (*node.ConditionGroup, error) {
	logic, err := node.ParseLogic(cfg.Logic)
	if err != nil {
		return nil, err
	}
	group := &node.ConditionGroup{Logic: logic}
	for _, expression := range cfg.Conditions {
		condition, err := b.p.opts.evaluator.Compile(expression)
		if err != nil {
			return nil, fmt.Errorf("condition %q: %w", expression, err)
		}
		group.Conditions = append(group.Conditions, condition)
	}
	for _, sub := range cfg.Groups {
		g, err := b.group(sub)
		if err != nil {
			return nil, err
		}
		group.Groups = append(group.Groups, g)
	}
	return group, nil
}

func (b *builder) server(cfg config.ServerConfig) {
	codes, err := health.ParseCodes(cfg.HealthCheck.Codes)
	if err != nil {
		b.fail(cfg.Name, err)
		return
	}
	check := cfg.HealthCheck
	reuse := cfg.ReuseConnections == nil || *cfg.ReuseConnections
	b.add(server.New(cfg.Name, cfg.Disabled, server.Config{
		Host:                cfg.Host,
		Port:                cfg.Port,
		Scheme:              cfg.Protocol,
		ConnectTimeout:      cfg.ConnectionTimeout,
		ResponseTimeout:     cfg.ResponseTimeout,
		ReadTimeout:         cfg.ReadTimeout,
		IdleTimeout:         cfg.IdleTimeout,
		ReuseConnections:    reuse,
		MaxConnections:      cfg.MaximumConnectionCount,
		PoolCapacity:        cfg.PoolCapacity,
		DNSInterval:         cfg.DNSLookupInterval,
		RecalculateInterval: cfg.RecalculateInterval,
		HealthCheck: server.HealthCheck{
			Enabled: check.Enabled,
			Check: health.Check{
				Method:  check.Method,
				Host:    check.Host,
				Port:    check.Port,
				Path:    check.Path,
				Codes:   codes,
				Timeout: check.Timeout,
			},
			Interval:          check.Interval,
			UnhealthyInterval: check.UnhealthyInterval,
			Threshold:         check.MaximumFailedChecks,
		},
	}, b.opts,
		server.WithScheduler(b.p.scheduler),
		server.WithResolver(b.p.opts.resolver),
		server.WithMetrics(b.p.metrics),
		server.WithDialFunc(b.p.opts.dialFunc),
		server.WithTLSConfig(b.p.opts.tlsConfig),
		server.WithBuffers(b.p.buffers),
	))
}

func (b *builder) transform(cfg config.TransformConfig) {
	var transformer node.Transformer
	if cfg.Transformer != "" {
		transformer = b.p.opts.transformers[cfg.Transformer]
		if transformer == nil {
			b.fail(cfg.Name, fmt.Errorf("no transformer registered as %q", cfg.Transformer))
			return
		}
	} else {
		transformer = &node.HeaderTransformer{
			SetRequestHeaders:     cfg.RequestHeaders.Set,
			RemoveRequestHeaders:  cfg.RequestHeaders.Remove,
			SetResponseHeaders:    cfg.ResponseHeaders.Set,
			RemoveResponseHeaders: cfg.ResponseHeaders.Remove,
			StripPathPrefix:       cfg.StripPathPrefix,
			AddPathPrefix:         cfg.AddPathPrefix,
		}
	}
	b.add(node.NewTransform(cfg.Name, cfg.Disabled, b.output(cfg.OutputNode), transformer, b.opts))
}
