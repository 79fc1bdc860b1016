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
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Bikeman868/Gravity-sub000/stream"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the request ID to backends and back to the
	// client.
	RequestIDHeader = "X-Request-Id"
	// ReasonHeader explains a response the proxy produced itself.
	ReasonHeader = "X-Gravity-Reason"
)

// Context is the state of one request while it moves through the graph.
type Context struct {
	// Request may be replaced by nodes that rewrite it.
	Request  *http.Request
	Response *Writer
	ID       string
	// Log carries the request ID; nodes may replace it.
	Log *slog.Logger
	// Trace lists the names of the nodes the request visited.
	Trace []string
}

// NewContext prepares a request for processing. An incoming X-Request-Id
// header is kept, otherwise a new ID is generated.
func NewContext(w http.ResponseWriter, r *http.Request, logger *slog.Logger) *Context {
	id := r.Header.Get(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
		r.Header.Set(RequestIDHeader, id)
	}
	if logger == nil {
		logger = slog.Default()
	}
	response := NewWriter(w)
	response.Header().Set(RequestIDHeader, id)
	return &Context{
		Request:  r,
		Response: response,
		ID:       id,
		Log:      logger.With(slog.String("requestId", id)),
	}
}

// Writer wraps the client's http.ResponseWriter. Nodes that need to see
// or change the response register commit hooks, which run just before the
// status line and headers are sent.
type Writer struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	started atomic.Bool
	status  atomic.Int32
	written atomic.Int64

	mu sync.Mutex
	// +checklocks:mu
	hooks []func(status int, header http.Header)
}

// NewWriter wraps w.
func NewWriter(w http.ResponseWriter) *Writer {
	return &Writer{w: w, rc: http.NewResponseController(w)}
}

// OnCommit registers hook. Hooks run in reverse order of registration, so
// the node closest to the backend sees the response first.
func (r *Writer) OnCommit(hook func(status int, header http.Header)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Header implements http.ResponseWriter.
func (r *Writer) Header() http.Header {
	return r.w.Header()
}

// WriteHeader implements http.ResponseWriter. Only the first call has an
// effect.
func (r *Writer) WriteHeader(status int) {
	if r.started.Swap(true) {
		return
	}
	r.mu.Lock()
	hooks := slices.Clone(r.hooks)
	r.mu.Unlock()
	header := r.w.Header()
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i](status, header)
	}
	r.status.Store(int32(status)) //nolint:gosec
	r.w.WriteHeader(status)
}

// Write implements http.ResponseWriter.
func (r *Writer) Write(p []byte) (int, error) {
	if !r.started.Load() {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.w.Write(p)
	r.written.Add(int64(n))
	return n, err //nolint:wrapcheck
}

// Flush sends buffered data to the client.
func (r *Writer) Flush() error {
	if !r.started.Load() {
		r.WriteHeader(http.StatusOK)
	}
	return r.rc.Flush() //nolint:wrapcheck
}

// Started reports whether the status line has been committed.
func (r *Writer) Started() bool {
	return r.started.Load()
}

// Status returns the committed status, or zero.
func (r *Writer) Status() int {
	return int(r.status.Load())
}

// BytesWritten returns the number of body bytes written.
func (r *Writer) BytesWritten() int64 {
	return r.written.Load()
}

// Reject answers with status and a plain text reason, unless the response
// has already started. It reports whether the reason was written.
func (r *Writer) Reject(status int, reason string) bool {
	if r.started.Load() {
		return false
	}
	header := r.Header()
	header.Del("Content-Length")
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("X-Content-Type-Options", "nosniff")
	header.Set(ReasonHeader, reason)
	r.WriteHeader(status)
	_, _ = r.Write([]byte(reason + "\n"))
	return true
}

// Sink adapts the response to the stream package.
func (r *Writer) Sink() stream.Sink {
	return responseSink{r}
}

type responseSink struct {
	r *Writer
}

func (s responseSink) Header() http.Header { return s.r.Header() }

func (s responseSink) WriteHeader(status int, _ string) { s.r.WriteHeader(status) }

func (s responseSink) Write(p []byte) (int, error) { return s.r.Write(p) }

func (s responseSink) Flush() error { return s.r.Flush() }

func (s responseSink) CancelRead() {
	_ = s.r.rc.SetReadDeadline(time.Unix(1, 0))
}

func (s responseSink) CancelWrite() {
	_ = s.r.rc.SetWriteDeadline(time.Unix(1, 0))
}
