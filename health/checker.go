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

package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"
)

// DefaultTimeout bounds one check when none is configured.
const DefaultTimeout = 10 * time.Second

// Check describes the synthetic request sent to every address of a backend.
type Check struct {
	Method string
	// Host is sent as the Host header. Empty means the backend's own host.
	Host string
	// Port overrides the backend's port when positive.
	Port    int
	Path    string
	Codes   CodeSet
	Timeout time.Duration
}

// Request builds the check request for addr. host and port are the
// backend's own; the check's Host and Port take precedence when set.
func (c Check) Request(ctx context.Context, scheme, host string, port int, addr netip.Addr) (*http.Request, error) {
	method := c.Method
	if method == "" {
		method = http.MethodGet
	}
	path := c.Path
	if path == "" {
		path = "/"
	}
	if c.Port > 0 {
		port = c.Port
	}
	if c.Host != "" {
		host = c.Host
	}
	target := scheme + "://" + net.JoinHostPort(addr.String(), strconv.Itoa(port)) + path
	req, err := http.NewRequestWithContext(ctx, method, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("health check request: %w", err)
	}
	req.Host = host
	if (scheme == "http" && port != 80) || (scheme == "https" && port != 443) {
		req.Host = net.JoinHostPort(host, strconv.Itoa(port))
	}
	req.Header.Set("User-Agent", "gravity-health-check")
	return req, nil
}

// Prober sends one check request and returns the response status.
type Prober interface {
	Probe(ctx context.Context, req *http.Request) (int, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, req *http.Request) (int, error)

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, req *http.Request) (int, error) {
	return f(ctx, req)
}

// StatusError is a check whose response status is not accepted.
type StatusError struct {
	Status int
	Codes  CodeSet
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d not in %s", e.Status, e.Codes)
}

// Run performs the check for one address and reports whether it passed.
// A failed check always comes with an error explaining why.
func (c Check) Run(ctx context.Context, prober Prober, req *http.Request) (bool, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	status, err := prober.Probe(ctx, req.WithContext(ctx))
	if err != nil {
		return false, err
	}
	if !c.Codes.Contains(status) {
		return false, &StatusError{Status: status, Codes: c.Codes}
	}
	return true, nil
}
