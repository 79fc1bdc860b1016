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

// Package gravity is an HTTP reverse proxy and load balancer driven by a
// graph of nodes.
//
// Client requests arrive at a [listener.Listener], which picks a node by
// the local IP address and port the connection was accepted on. Each node
// either answers the request itself, like response and internal nodes,
// or forwards it to one of its outputs. Router nodes choose an output by
// evaluating conditions on the request. Round robin, least connections
// and sticky session nodes spread load. Server nodes forward requests to
// backend addresses over pooled connections, with request and response
// bytes moved by a [scheduler.Scheduler] shared by the whole proxy.
//
// To create a proxy, load a configuration with [config.LoadConfig] and
// pass it to [New]:
//
//	cfg, err := config.LoadConfig("gravity.yaml")
//	if err != nil {
//	    return err
//	}
//	proxy, err := gravity.New(cfg)
//	if err != nil {
//	    return err
//	}
//	defer proxy.Close()
//	return proxy.Start()
//
// # Reconfiguration
//
// [Proxy.Configure] builds a fresh node graph and publishes it as pending.
// Once every node of the pending graph reports itself online the graph
// becomes active and new requests use it. The previous graph keeps
// serving the requests it already accepted and is disposed once its drain
// window has elapsed and those requests have finished.
// A configuration that fails to build leaves the active graph untouched.
//
// # Observability
//
// Internal nodes expose the status of every node as JSON, and Prometheus
// metrics on paths ending in /metrics. Logging uses log/slog configured
// by the logging section of the configuration.
package gravity
