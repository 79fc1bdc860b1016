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

// Package config defines the proxy's declarative configuration, loads it
// from YAML and watches the file for changes.
//
// The loading sequence is: parse the YAML document, apply default values,
// apply GRAVITY_* environment variable overrides, then validate. All
// validation problems are reported together.
package config

import "time"

// Config is the root of the configuration document.
type Config struct {
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Logging   LoggingConfig    `yaml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Graph     GraphConfig      `yaml:"graph"`
	Listeners []ListenerConfig `yaml:"listeners"`
	Nodes     NodesConfig      `yaml:"nodes"`
}

// SchedulerConfig sizes the worker pool that moves request bytes.
type SchedulerConfig struct {
	Threads      int           `yaml:"threads"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// MetricsConfig controls Prometheus instrumentation.
type MetricsConfig struct {
	Enabled   *bool  `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// IsEnabled reports whether metrics are collected.
func (m MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// GraphConfig controls how node graphs are swapped.
type GraphConfig struct {
	DrainWindow    time.Duration `yaml:"drainWindow"`
	StatusInterval time.Duration `yaml:"statusInterval"`
}

// ListenerConfig binds a local address and port to a node.
type ListenerConfig struct {
	IPAddress string `yaml:"ipAddress"`
	Port      int    `yaml:"port"`
	Node      string `yaml:"node"`
	Disabled  bool   `yaml:"disabled"`
}

// NodesConfig lists the nodes by type.
type NodesConfig struct {
	RoundRobin       []BalancerConfig      `yaml:"roundRobin"`
	LeastConnections []BalancerConfig      `yaml:"leastConnections"`
	StickySession    []StickySessionConfig `yaml:"stickySession"`
	Router           []RouterConfig        `yaml:"router"`
	Server           []ServerConfig        `yaml:"server"`
	Response         []ResponseConfig      `yaml:"response"`
	Internal         []NodeConfig          `yaml:"internal"`
	Transform        []TransformConfig     `yaml:"transform"`
	Cors             []CorsConfig          `yaml:"cors"`
	LogFilter        []LogFilterConfig     `yaml:"logFilter"`
}

// NodeConfig holds the fields every node has.
type NodeConfig struct {
	Name     string `yaml:"name"`
	Disabled bool   `yaml:"disabled"`
}

// BalancerConfig configures round robin and least connections nodes.
type BalancerConfig struct {
	NodeConfig `yaml:",inline"`
	Outputs    []string `yaml:"outputs"`
}

// StickySessionConfig configures a sticky session node.
type StickySessionConfig struct {
	BalancerConfig  `yaml:",inline"`
	SessionCookie   string        `yaml:"sessionCookie"`
	SessionDuration time.Duration `yaml:"sessionDuration"`
}

// RouterConfig configures a router node.
type RouterConfig struct {
	NodeConfig `yaml:",inline"`
	Outputs    []RouteConfig `yaml:"outputs"`
}

// ConditionGroupConfig is a tree of condition expressions combined with
// all, any, none or notAll.
type ConditionGroupConfig struct {
	Logic      string                 `yaml:"logic"`
	Conditions []string               `yaml:"conditions"`
	Groups     []ConditionGroupConfig `yaml:"groups"`
}

// RouteConfig is one router output.
type RouteConfig struct {
	RouteTo              string `yaml:"routeTo"`
	Disabled             bool   `yaml:"disabled"`
	ConditionGroupConfig `yaml:",inline"`
}

// ServerConfig configures a server node.
type ServerConfig struct {
	NodeConfig             `yaml:",inline"`
	Host                   string            `yaml:"host"`
	Port                   int               `yaml:"port"`
	Protocol               string            `yaml:"protocol"`
	ConnectionTimeout      time.Duration     `yaml:"connectionTimeout"`
	ResponseTimeout        time.Duration     `yaml:"responseTimeout"`
	ReadTimeout            time.Duration     `yaml:"readTimeout"`
	ReuseConnections       *bool             `yaml:"reuseConnections"`
	MaximumConnectionCount int               `yaml:"maximumConnectionCount"`
	PoolCapacity           int               `yaml:"poolCapacity"`
	IdleTimeout            time.Duration     `yaml:"idleTimeout"`
	DNSLookupInterval      time.Duration     `yaml:"dnsLookupInterval"`
	RecalculateInterval    time.Duration     `yaml:"recalculateInterval"`
	HealthCheck            HealthCheckConfig `yaml:"healthCheck"`
}

// HealthCheckConfig configures the checks of a server node.
type HealthCheckConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Method              string        `yaml:"method"`
	Host                string        `yaml:"host"`
	Port                int           `yaml:"port"`
	Path                string        `yaml:"path"`
	Codes               string        `yaml:"codes"`
	Interval            time.Duration `yaml:"interval"`
	UnhealthyInterval   time.Duration `yaml:"unhealthyInterval"`
	MaximumFailedChecks int           `yaml:"maximumFailedChecks"`
	Timeout             time.Duration `yaml:"timeout"`
}

// ResponseConfig configures a node that answers with a fixed response.
type ResponseConfig struct {
	NodeConfig   `yaml:",inline"`
	StatusCode   int               `yaml:"statusCode"`
	ReasonPhrase string            `yaml:"reasonPhrase"`
	Headers      map[string]string `yaml:"headers"`
	Content      string            `yaml:"content"`
}

// HeaderRules sets and removes headers.
type HeaderRules struct {
	Set    map[string]string `yaml:"set"`
	Remove []string          `yaml:"remove"`
}

// TransformConfig configures a transform node. Transformer names a
// transformer registered with the proxy; without it the header rules and
// path prefixes are applied.
type TransformConfig struct {
	NodeConfig      `yaml:",inline"`
	OutputNode      string      `yaml:"outputNode"`
	Transformer     string      `yaml:"transformer"`
	RequestHeaders  HeaderRules `yaml:"requestHeaders"`
	ResponseHeaders HeaderRules `yaml:"responseHeaders"`
	StripPathPrefix string      `yaml:"stripPathPrefix"`
	AddPathPrefix   string      `yaml:"addPathPrefix"`
}

// CorsConfig configures a CORS node.
type CorsConfig struct {
	NodeConfig       `yaml:",inline"`
	OutputNode       string        `yaml:"outputNode"`
	AllowedOrigins   []string      `yaml:"allowedOrigins"`
	AllowedMethods   []string      `yaml:"allowedMethods"`
	AllowedHeaders   []string      `yaml:"allowedHeaders"`
	ExposedHeaders   []string      `yaml:"exposedHeaders"`
	AllowCredentials bool          `yaml:"allowCredentials"`
	MaxAge           time.Duration `yaml:"maxAge"`
}

// LogFilterConfig configures a log filter node.
type LogFilterConfig struct {
	NodeConfig `yaml:",inline"`
	OutputNode string `yaml:"outputNode"`
	Level      string `yaml:"level"`
}
