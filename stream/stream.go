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

// Package stream forwards exactly one request/response exchange between a
// client and a backend connection.
//
// A [Stream] tracks four independently progressing directions, called
// endpoints: reading the client's request body, writing the request to the
// backend, reading the backend's response and writing that response to the
// client. Each endpoint has at most one I/O operation in flight, with its own
// start time and timeout, and a continuation that runs once the operation
// completes. Nothing in [Stream.Poll] blocks: a worker polls the stream,
// advances whichever endpoints have work, and moves on.
//
// The request line and headers are written by hand, and the response status
// line and headers are parsed by hand. Response bodies are framed by
// Content-Length, chunked transfer-coding or the end of the connection.
package stream

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Bikeman868/Gravity-sub000/bufpool"
)

const (
	// DefaultHeaderTimeout bounds writing the request head and reading
	// each further piece of the response head.
	DefaultHeaderTimeout = 5 * time.Second
	// DefaultResponseTimeout bounds the wait for the first response byte.
	DefaultResponseTimeout = 30 * time.Second
	// DefaultReadTimeout bounds each steady-state body read or write.
	DefaultReadTimeout = 10 * time.Second
	// DefaultKeepAlive is the keep-alive hint sent to backends.
	DefaultKeepAlive = 5 * time.Minute
	// DefaultMaxHeaderBytes bounds the backend's response head.
	DefaultMaxHeaderBytes = 64 << 10

	// maxQueuedChunks bounds how far a reader may run ahead of its writer.
	maxQueuedChunks = 4
)

// Sink receives the response that is produced for the client.
type Sink interface {
	Header() http.Header
	// WriteHeader commits the status and headers.
	WriteHeader(status int, reason string)
	Write(p []byte) (int, error)
	Flush() error
	// CancelRead unblocks a pending read of the client's request body.
	CancelRead()
	// CancelWrite unblocks a pending write to the client.
	CancelWrite()
}

// Backend is the connection a stream exchanges bytes with. Interrupt must
// unblock any pending Read or Write.
type Backend interface {
	io.Reader
	io.Writer
	Interrupt()
}

// Options configure a Stream. Zero values select the defaults.
type Options struct {
	// Host is sent as the Host header. Defaults to the request's Host.
	Host            string
	HeaderTimeout   time.Duration
	ResponseTimeout time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	KeepAlive       time.Duration
	MaxHeaderBytes  int
	Buffers         *bufpool.Pool
	// Wake is called whenever an operation completes, so that a scheduler
	// can poll the stream again without waiting for its next tick.
	Wake func()
}

// Result summarizes a finished stream.
type Result struct {
	Status          int
	ResponseStarted bool
	// Reusable reports whether the backend connection is positioned at the
	// start of the next response and may carry another request.
	Reusable      bool
	BytesSent     int64
	BytesReceived int64
	Duration      time.Duration
}

type framing int

const (
	framingNone framing = iota
	framingLength
	framingChunked
	framingUntilClose
)

// Stream is the forwarding state machine for one request.
type Stream struct {
	req     *http.Request
	sink    Sink
	backend Backend
	opts    Options
	host    string

	incomingRead  endpoint
	incomingWrite endpoint
	outgoingRead  endpoint
	outgoingWrite endpoint

	withBody       bool
	chunkedRequest bool
	requestEOF     bool
	requestSent    bool
	requestBody    queue

	head         []byte
	response     *ResponseHead
	framing      framing
	remaining    int64
	chunked      *chunkedDecoder
	reusable     bool
	interrupted  bool
	responseBody queue

	started  time.Time
	now      time.Time
	finished bool
	released bool
	result   Result
	err      error
	done     chan struct{}
}

// New prepares a stream that sends req over backend and writes the
// response to sink. The stream does nothing until it is polled.
func New(req *http.Request, sink Sink, backend Backend, opts Options) *Stream {
	if opts.HeaderTimeout <= 0 {
		opts.HeaderTimeout = DefaultHeaderTimeout
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = opts.ReadTimeout
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	if opts.MaxHeaderBytes <= 0 {
		opts.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if opts.Buffers == nil {
		opts.Buffers = bufpool.Default
	}
	s := &Stream{
		req:     req,
		sink:    sink,
		backend: backend,
		opts:    opts,
		host:    opts.Host,
		done:    make(chan struct{}),

		incomingRead:  endpoint{name: IncomingRead, cancel: sink.CancelRead},
		incomingWrite: endpoint{name: IncomingWrite},
		outgoingRead:  endpoint{name: OutgoingRead},
		outgoingWrite: endpoint{name: OutgoingWrite, cancel: sink.CancelWrite},
	}
	if s.host == "" {
		s.host = req.Host
	}
	s.withBody = carriesBody(req)
	s.chunkedRequest = s.withBody && req.ContentLength <= 0
	if s.withBody {
		s.incomingRead.next = s.readRequestBody
	} else {
		s.requestEOF = true
	}
	s.incomingWrite.next = s.writeRequestHead
	s.outgoingRead.next = s.awaitRequest
	s.outgoingWrite.next = s.writeResponseHead
	return s
}

// Poll advances every endpoint that has work and reports whether the
// stream has finished. It must not be called concurrently.
func (s *Stream) Poll(now time.Time) bool {
	if s.finished {
		return true
	}
	if s.started.IsZero() {
		s.started = now
	}
	s.now = now
	endpoints := [...]*endpoint{&s.incomingRead, &s.incomingWrite, &s.outgoingRead, &s.outgoingWrite}
	for {
		progressed := false
		for _, e := range endpoints {
			p, err := e.poll(now)
			if err != nil {
				s.fail(err)
				return true
			}
			progressed = progressed || p
		}
		if s.incomingRead.finished() && s.incomingWrite.finished() &&
			s.outgoingRead.finished() && s.outgoingWrite.finished() {
			s.succeed()
			return true
		}
		if !progressed {
			return false
		}
	}
}

// Done is closed when the stream has finished.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the failure that ended the stream, or nil. It is only
// meaningful once Done is closed.
func (s *Stream) Err() error {
	return s.err
}

// Result returns the outcome of the stream. It is only meaningful once Done
// is closed.
func (s *Stream) Result() Result {
	return s.result
}

// Cancel ends an unfinished stream with err. Like Poll, it must not be
// called concurrently with other methods of the stream.
func (s *Stream) Cancel(err error) {
	if !s.finished {
		s.fail(err)
	}
}

// Dispose returns any buffers still held by the stream.
func (s *Stream) Dispose() {
	if s.released {
		return
	}
	s.released = true
	s.requestBody.release(s.opts.Buffers)
	s.responseBody.release(s.opts.Buffers)
}

func (s *Stream) succeed() {
	s.result.Reusable = s.reusable && s.requestSent && !s.interrupted
	s.finish()
}

func (s *Stream) fail(err error) {
	s.err = err
	s.incomingRead.stop()
	s.incomingWrite.stop()
	s.outgoingRead.stop()
	s.outgoingWrite.stop()
	s.interrupt()
	s.result.Reusable = false
	s.finish()
}

func (s *Stream) finish() {
	s.finished = true
	s.result.Duration = s.now.Sub(s.started)
	close(s.done)
}

func (s *Stream) interrupt() {
	if !s.interrupted {
		s.interrupted = true
		s.backend.Interrupt()
	}
}

// start runs fn on its own goroutine as the endpoint's outstanding
// operation.
func (s *Stream) start(e *endpoint, timeout time.Duration, fn func() ioResult, onDone func(ioResult) error, onTimeout func() error) {
	result := make(chan ioResult, 1)
	e.op = &operation{
		result:    result,
		started:   s.now,
		timeout:   timeout,
		onDone:    onDone,
		onTimeout: onTimeout,
	}
	wake := s.opts.Wake
	go func() {
		result <- fn()
		if wake != nil {
			wake()
		}
	}()
}

func readInto(r io.Reader, buf []byte) func() ioResult {
	return func() ioResult {
		n, err := r.Read(buf)
		return ioResult{n: n, err: err, buf: buf}
	}
}

func writeFrom(w io.Writer, data []byte) func() ioResult {
	return func() ioResult {
		n, err := w.Write(data)
		return ioResult{n: n, err: err}
	}
}

// incoming read

func (s *Stream) readRequestBody(time.Time) (bool, error) {
	if s.requestBody.len() >= maxQueuedChunks {
		return false, nil
	}
	buf := s.opts.Buffers.Get()
	s.start(&s.incomingRead, s.opts.ReadTimeout, readInto(s.req.Body, buf), s.requestBodyRead, nil)
	return true, nil
}

func (s *Stream) requestBodyRead(r ioResult) error {
	if r.n > 0 {
		s.requestBody.push(chunk{data: r.buf[:r.n], buf: r.buf})
	} else {
		s.opts.Buffers.Put(r.buf)
	}
	switch {
	case errors.Is(r.err, io.EOF):
		s.requestEOF = true
		s.incomingRead.next = nil
	case r.err != nil:
		return fmt.Errorf("read request body: %w", r.err)
	}
	return nil
}

// incoming write

func (s *Stream) writeRequestHead(time.Time) (bool, error) {
	keepAlive := int(s.opts.KeepAlive / time.Second)
	head := appendRequestHead(make([]byte, 0, 1024), s.req, s.host, keepAlive, s.withBody)
	s.incomingWrite.next = nil
	s.start(&s.incomingWrite, s.opts.HeaderTimeout, writeFrom(s.backend, head), func(r ioResult) error {
		if r.err != nil {
			return fmt.Errorf("write request head: %w", r.err)
		}
		if r.n < len(head) {
			return fmt.Errorf("write request head: %w", io.ErrShortWrite)
		}
		if s.withBody {
			s.incomingWrite.next = s.writeRequestBody
		} else {
			s.requestSent = true
		}
		return nil
	}, nil)
	return true, nil
}

func (s *Stream) writeRequestBody(time.Time) (bool, error) {
	c, ok := s.requestBody.pop()
	if !ok {
		if !s.requestEOF {
			return false, nil
		}
		s.incomingWrite.next = nil
		if !s.chunkedRequest {
			s.requestSent = true
			return true, nil
		}
		s.start(&s.incomingWrite, s.opts.HeaderTimeout, writeFrom(s.backend, lastChunk), func(r ioResult) error {
			if r.err != nil {
				return fmt.Errorf("write request body: %w", r.err)
			}
			s.requestSent = true
			return nil
		}, nil)
		return true, nil
	}

	data := c.data
	if s.chunkedRequest {
		data = appendChunk(make([]byte, 0, len(c.data)+16), c.data)
	}
	s.start(&s.incomingWrite, s.opts.ReadTimeout, writeFrom(s.backend, data), func(r ioResult) error {
		if r.err == nil && r.n < len(data) && !s.chunkedRequest {
			s.result.BytesSent += int64(r.n)
			s.requestBody.pushFront(chunk{data: c.data[r.n:], buf: c.buf})
			return nil
		}
		if c.buf != nil {
			s.opts.Buffers.Put(c.buf)
		}
		if r.err == nil && r.n < len(data) {
			r.err = io.ErrShortWrite
		}
		if r.err != nil {
			return fmt.Errorf("write request body: %w", r.err)
		}
		s.result.BytesSent += int64(len(c.data))
		return nil
	}, nil)
	return true, nil
}

// outgoing read

func (s *Stream) awaitRequest(time.Time) (bool, error) {
	if !s.requestSent {
		return false, nil
	}
	s.outgoingRead.next = s.readResponseHead
	return true, nil
}

func (s *Stream) readResponseHead(time.Time) (bool, error) {
	timeout := s.opts.HeaderTimeout
	if len(s.head) == 0 {
		timeout = s.opts.ResponseTimeout
	}
	buf := s.opts.Buffers.Get()
	s.start(&s.outgoingRead, timeout, readInto(s.backend, buf), s.responseHeadRead, nil)
	return true, nil
}

func (s *Stream) responseHeadRead(r ioResult) error {
	s.head = append(s.head, r.buf[:r.n]...)
	s.opts.Buffers.Put(r.buf)
	for {
		block, rest, ok := splitHead(s.head)
		if !ok {
			break
		}
		head, err := parseResponseHead(block)
		if err != nil {
			return err
		}
		if head.Status == http.StatusSwitchingProtocols {
			return &ProtocolError{Reason: "protocol upgrade is not supported", Line: string(block)}
		}
		if head.Status < 200 {
			// interim response; the real one follows
			s.head = append(s.head[:0], rest...)
			continue
		}
		return s.beginResponse(head, rest, r.err)
	}
	if len(s.head) > s.opts.MaxHeaderBytes {
		return ErrHeaderTooLarge
	}
	if errors.Is(r.err, io.EOF) {
		return &ProtocolError{Reason: "connection closed before response header was complete"}
	}
	if r.err != nil {
		return fmt.Errorf("read response head: %w", r.err)
	}
	return nil
}

func (s *Stream) beginResponse(head *ResponseHead, rest []byte, readErr error) error {
	s.response = head
	s.result.Status = head.Status
	s.reusable = !wantsClose(head)
	s.head = nil

	switch {
	case hasNoBody(s.req.Method, head.Status):
		s.framing = framingNone
	case isChunked(head.Header):
		s.framing = framingChunked
		s.chunked = &chunkedDecoder{}
	default:
		value := head.Header.Get("Content-Length")
		if value == "" {
			s.framing = framingUntilClose
			s.reusable = false
			break
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || n < 0 {
			return &ProtocolError{Reason: "invalid Content-Length", Line: value}
		}
		s.framing = framingLength
		s.remaining = n
	}

	if s.bodyComplete() {
		if len(rest) > 0 {
			s.reusable = false
		}
		s.outgoingRead.next = nil
		return nil
	}
	if len(rest) > 0 {
		if err := s.consumeBody(rest, nil); err != nil {
			return err
		}
	}
	return s.afterBodyRead(readErr)
}

func (s *Stream) bodyComplete() bool {
	switch s.framing {
	case framingNone:
		return true
	case framingLength:
		return s.remaining == 0
	case framingChunked:
		return s.chunked.done()
	default:
		return false
	}
}

// consumeBody removes framing from data and queues the payload for the
// client. buf, if not nil, is the pooled buffer behind data.
func (s *Stream) consumeBody(data, buf []byte) error {
	switch s.framing {
	case framingLength:
		if int64(len(data)) > s.remaining {
			data = data[:s.remaining]
			s.reusable = false
		}
		s.remaining -= int64(len(data))
	case framingChunked:
		n, consumed, err := s.chunked.decode(data)
		if err != nil {
			if buf != nil {
				s.opts.Buffers.Put(buf)
			}
			return err
		}
		if consumed < len(data) {
			s.reusable = false
		}
		data = data[:n]
	}
	if len(data) == 0 {
		if buf != nil {
			s.opts.Buffers.Put(buf)
		}
		return nil
	}
	s.result.BytesReceived += int64(len(data))
	s.responseBody.push(chunk{data: data, buf: buf})
	return nil
}

func (s *Stream) afterBodyRead(readErr error) error {
	if s.bodyComplete() {
		s.outgoingRead.next = nil
		return nil
	}
	if readErr != nil {
		if errors.Is(readErr, io.EOF) {
			if s.framing == framingUntilClose {
				s.outgoingRead.next = nil
				return nil
			}
			return ErrTruncated
		}
		return fmt.Errorf("read response body: %w", readErr)
	}
	s.outgoingRead.next = s.readResponseBody
	return nil
}

func (s *Stream) readResponseBody(time.Time) (bool, error) {
	if s.responseBody.len() >= maxQueuedChunks {
		return false, nil
	}
	buf := s.opts.Buffers.Get()
	s.start(&s.outgoingRead, s.opts.ReadTimeout, readInto(s.backend, buf), s.responseBodyRead, s.responseBodyIdle)
	return true, nil
}

func (s *Stream) responseBodyRead(r ioResult) error {
	if r.n > 0 {
		if err := s.consumeBody(r.buf[:r.n], r.buf); err != nil {
			return err
		}
	} else {
		s.opts.Buffers.Put(r.buf)
	}
	return s.afterBodyRead(r.err)
}

// responseBodyIdle runs when the backend sent nothing for a whole read
// window. Without any framing that is how the body ends; otherwise the
// response is incomplete.
func (s *Stream) responseBodyIdle() error {
	s.interrupt()
	if s.framing == framingUntilClose {
		s.outgoingRead.next = nil
		return nil
	}
	return &TimeoutError{Endpoint: OutgoingRead, Limit: s.opts.ReadTimeout}
}

// outgoing write

func (s *Stream) writeResponseHead(time.Time) (bool, error) {
	if s.response == nil {
		return false, nil
	}
	keepLength := s.framing == framingLength || s.framing == framingNone
	copyResponseHeader(s.sink.Header(), s.response, keepLength)
	s.sink.WriteHeader(s.response.Status, s.response.Reason)
	s.result.ResponseStarted = true
	s.outgoingWrite.next = s.writeResponseBody
	return true, nil
}

func (s *Stream) writeResponseBody(time.Time) (bool, error) {
	c, ok := s.responseBody.pop()
	if !ok {
		if !s.outgoingRead.finished() {
			return false, nil
		}
		s.outgoingWrite.next = nil
		return true, nil
	}
	sink := s.sink
	s.start(&s.outgoingWrite, s.opts.WriteTimeout, func() ioResult {
		n, err := sink.Write(c.data)
		if err == nil {
			err = sink.Flush()
		}
		return ioResult{n: n, err: err}
	}, func(r ioResult) error {
		if r.err == nil && r.n < len(c.data) {
			s.responseBody.pushFront(chunk{data: c.data[r.n:], buf: c.buf})
			return nil
		}
		if c.buf != nil {
			s.opts.Buffers.Put(c.buf)
		}
		if r.err != nil {
			return fmt.Errorf("write response: %w", r.err)
		}
		return nil
	}, nil)
	return true, nil
}
