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

package stream

import (
	"bytes"
	"net/http"
	"time"
)

// NewSink adapts a net/http response writer. The status reason cannot be
// customized through net/http and is dropped.
func NewSink(w http.ResponseWriter) Sink {
	return &responseSink{w: w, rc: http.NewResponseController(w)}
}

type responseSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (s *responseSink) Header() http.Header {
	return s.w.Header()
}

func (s *responseSink) WriteHeader(status int, _ string) {
	s.w.WriteHeader(status)
}

func (s *responseSink) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func (s *responseSink) Flush() error {
	return s.rc.Flush()
}

func (s *responseSink) CancelRead() {
	_ = s.rc.SetReadDeadline(time.Unix(1, 0))
}

func (s *responseSink) CancelWrite() {
	_ = s.rc.SetWriteDeadline(time.Unix(1, 0))
}

// Recorder is a Sink that keeps the response in memory. Limit, when
// positive, caps how much of the body is retained; the rest is counted
// and discarded.
type Recorder struct {
	Limit  int
	Status int
	Reason string
	Body   bytes.Buffer
	Length int64

	header http.Header
}

// Header implements Sink.
func (r *Recorder) Header() http.Header {
	if r.header == nil {
		r.header = make(http.Header)
	}
	return r.header
}

// WriteHeader implements Sink.
func (r *Recorder) WriteHeader(status int, reason string) {
	r.Status = status
	r.Reason = reason
}

// Write implements Sink.
func (r *Recorder) Write(p []byte) (int, error) {
	r.Length += int64(len(p))
	keep := p
	if r.Limit > 0 {
		room := r.Limit - r.Body.Len()
		if room < 0 {
			room = 0
		}
		if len(keep) > room {
			keep = keep[:room]
		}
	}
	r.Body.Write(keep)
	return len(p), nil
}

// Flush implements Sink.
func (r *Recorder) Flush() error { return nil }

// CancelRead implements Sink.
func (r *Recorder) CancelRead() {}

// CancelWrite implements Sink.
func (r *Recorder) CancelWrite() {}
