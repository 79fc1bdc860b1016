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

package config

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/Bikeman868/Gravity-sub000/health"
	"github.com/Bikeman868/Gravity-sub000/internal"
	"github.com/Bikeman868/Gravity-sub000/node"
)

// FieldError is a validation problem with one configuration field.
type FieldError struct {
	// Field is the dotted path of the field, such as "nodes.server[0].port".
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every problem found in a configuration.
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "configuration validation failed: " + e.Errors[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d errors:", len(e.Errors))
	for _, err := range e.Errors {
		sb.WriteString("\n  - ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Unwrap exposes the individual field errors to errors.Is and errors.As.
func (e ValidationError) Unwrap() []error {
	errs := make([]error, len(e.Errors))
	for i, err := range e.Errors {
		errs[i] = err
	}
	return errs
}

type validator struct {
	names  map[string]string
	errors []FieldError
}

func (v *validator) fail(field, format string, args ...any) {
	v.errors = append(v.errors, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) declare(field string, n NodeConfig) {
	if strings.TrimSpace(n.Name) == "" {
		v.fail(field+".name", "must not be empty")
		return
	}
	key := strings.ToLower(n.Name)
	if previous, ok := v.names[key]; ok {
		v.fail(field+".name", "%q is already used by %s", n.Name, previous)
		return
	}
	v.names[key] = field
}

func (v *validator) reference(field, name string) {
	if name == "" {
		v.fail(field, "must name a node")
		return
	}
	if _, ok := v.names[strings.ToLower(name)]; !ok {
		v.fail(field, "unknown node %q", name)
	}
}

// Validate checks cfg and returns a ValidationError listing every problem,
// or nil.
func Validate(cfg *Config) error {
	v := &validator{names: make(map[string]string)}

	if cfg.Scheduler.Threads < 1 {
		v.fail("scheduler.threads", "must be at least 1")
	}
	if _, err := internal.ParseLevel(cfg.Logging.Level); err != nil {
		v.fail("logging.level", "%v", err)
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "", "text", "json":
	default:
		v.fail("logging.format", "must be text or json, not %q", cfg.Logging.Format)
	}

	nodes := &cfg.Nodes
	for i, n := range nodes.RoundRobin {
		v.declare(fmt.Sprintf("nodes.roundRobin[%d]", i), n.NodeConfig)
	}
	for i, n := range nodes.LeastConnections {
		v.declare(fmt.Sprintf("nodes.leastConnections[%d]", i), n.NodeConfig)
	}
	for i, n := range nodes.StickySession {
		v.declare(fmt.Sprintf("nodes.stickySession[%d]", i), n.NodeConfig)
	}
	for i, n := range nodes.Router {
		v.declare(fmt.Sprintf("nodes.router[%d]", i), n.NodeConfig)
	}
	for i, n := range nodes.Server {
		v.declare(fmt.Sprintf("nodes.server[%d]", i), n.NodeConfig)
	}
	for i, n := range nodes.Response {
		v.declare(fmt.Sprintf("nodes.response[%d]", i), n.NodeConfig)
	}
	for i, n := range nodes.Internal {
		v.declare(fmt.Sprintf("nodes.internal[%d]", i), n)
	}
	for i, n := range nodes.Transform {
		v.declare(fmt.Sprintf("nodes.transform[%d]", i), n.NodeConfig)
	}
	for i, n := range nodes.Cors {
		v.declare(fmt.Sprintf("nodes.cors[%d]", i), n.NodeConfig)
	}
	for i, n := range nodes.LogFilter {
		v.declare(fmt.Sprintf("nodes.logFilter[%d]", i), n.NodeConfig)
	}

	for i, l := range cfg.Listeners {
		field := fmt.Sprintf("listeners[%d]", i)
		if l.Port < 1 || l.Port > 65535 {
			v.fail(field+".port", "must be between 1 and 65535")
		}
		if l.IPAddress != "*" && l.IPAddress != "" {
			if _, err := netip.ParseAddr(l.IPAddress); err != nil {
				v.fail(field+".ipAddress", "must be * or an IP address")
			}
		}
		v.reference(field+".node", l.Node)
	}

	for i, n := range nodes.RoundRobin {
		v.balancer(fmt.Sprintf("nodes.roundRobin[%d]", i), n)
	}
	for i, n := range nodes.LeastConnections {
		v.balancer(fmt.Sprintf("nodes.leastConnections[%d]", i), n)
	}
	for i, n := range nodes.StickySession {
		field := fmt.Sprintf("nodes.stickySession[%d]", i)
		v.balancer(field, n.BalancerConfig)
		if n.SessionDuration <= 0 {
			v.fail(field+".sessionDuration", "must be positive")
		}
	}
	for i, n := range nodes.Router {
		field := fmt.Sprintf("nodes.router[%d]", i)
		if len(n.Outputs) == 0 {
			v.fail(field+".outputs", "must not be empty")
		}
		for j, route := range n.Outputs {
			routeField := fmt.Sprintf("%s.outputs[%d]", field, j)
			v.reference(routeField+".routeTo", route.RouteTo)
			v.group(routeField, route.ConditionGroupConfig)
		}
	}
	for i, n := range nodes.Server {
		v.server(fmt.Sprintf("nodes.server[%d]", i), n)
	}
	for i, n := range nodes.Response {
		if n.StatusCode < 100 || n.StatusCode > 999 {
			v.fail(fmt.Sprintf("nodes.response[%d].statusCode", i), "must be a valid HTTP status code")
		}
	}
	for i, n := range nodes.Transform {
		v.reference(fmt.Sprintf("nodes.transform[%d].outputNode", i), n.OutputNode)
	}
	for i, n := range nodes.Cors {
		v.reference(fmt.Sprintf("nodes.cors[%d].outputNode", i), n.OutputNode)
	}
	for i, n := range nodes.LogFilter {
		field := fmt.Sprintf("nodes.logFilter[%d]", i)
		v.reference(field+".outputNode", n.OutputNode)
		if _, err := internal.ParseLevel(n.Level); err != nil {
			v.fail(field+".level", "%v", err)
		}
	}

	if len(v.errors) > 0 {
		return ValidationError{Errors: v.errors}
	}
	return nil
}

func (v *validator) balancer(field string, n BalancerConfig) {
	if len(n.Outputs) == 0 {
		v.fail(field+".outputs", "must not be empty")
	}
	for j, output := range n.Outputs {
		v.reference(fmt.Sprintf("%s.outputs[%d]", field, j), output)
	}
}

func (v *validator) group(field string, g ConditionGroupConfig) {
	if _, err := node.ParseLogic(g.Logic); err != nil {
		v.fail(field+".logic", "%v", err)
	}
	for i, sub := range g.Groups {
		v.group(fmt.Sprintf("%s.groups[%d]", field, i), sub)
	}
}

func (v *validator) server(field string, n ServerConfig) {
	if n.Port < 0 || n.Port > 65535 {
		v.fail(field+".port", "must be between 1 and 65535")
	}
	switch n.Protocol {
	case "http", "https":
	default:
		v.fail(field+".protocol", "must be http or https, not %q", n.Protocol)
	}
	if n.MaximumConnectionCount < 0 {
		v.fail(field+".maximumConnectionCount", "must not be negative")
	}
	if n.PoolCapacity < 0 {
		v.fail(field+".poolCapacity", "must not be negative")
	}
	if _, err := health.ParseCodes(n.HealthCheck.Codes); err != nil {
		v.fail(field+".healthCheck.codes", "%v", err)
	}
	if n.HealthCheck.MaximumFailedChecks < 0 {
		v.fail(field+".healthCheck.maximumFailedChecks", "must not be negative")
	}
}
