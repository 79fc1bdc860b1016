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
	"time"

	"github.com/Bikeman868/Gravity-sub000/graph"
	"github.com/Bikeman868/Gravity-sub000/scheduler"
)

const (
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultNamespace       = "gravity"
	DefaultSessionCookie   = "gravity-session"
	DefaultSessionDuration = time.Hour
)

// ApplyDefaults fills in every unset value that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Scheduler.Threads <= 0 {
		cfg.Scheduler.Threads = scheduler.DefaultWorkers
	}
	if cfg.Scheduler.PollInterval <= 0 {
		cfg.Scheduler.PollInterval = scheduler.DefaultPollInterval
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLogFormat
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = DefaultNamespace
	}
	if cfg.Graph.DrainWindow <= 0 {
		cfg.Graph.DrainWindow = graph.DefaultDrainWindow
	}
	if cfg.Graph.StatusInterval <= 0 {
		cfg.Graph.StatusInterval = graph.DefaultStatusInterval
	}
	for i := range cfg.Listeners {
		if cfg.Listeners[i].IPAddress == "" {
			cfg.Listeners[i].IPAddress = "*"
		}
	}
	for i := range cfg.Nodes.StickySession {
		sticky := &cfg.Nodes.StickySession[i]
		if sticky.SessionCookie == "" {
			sticky.SessionCookie = DefaultSessionCookie
		}
		if sticky.SessionDuration <= 0 {
			sticky.SessionDuration = DefaultSessionDuration
		}
	}
	for i := range cfg.Nodes.Server {
		server := &cfg.Nodes.Server[i]
		if server.Protocol == "" {
			server.Protocol = "http"
		}
		if server.ReuseConnections == nil {
			reuse := true
			server.ReuseConnections = &reuse
		}
	}
	for i := range cfg.Nodes.Response {
		if cfg.Nodes.Response[i].StatusCode == 0 {
			cfg.Nodes.Response[i].StatusCode = 200
		}
	}
	for i := range cfg.Nodes.LogFilter {
		if cfg.Nodes.LogFilter[i].Level == "" {
			cfg.Nodes.LogFilter[i].Level = "debug"
		}
	}
}
