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

import "time"

// Names of the four endpoints of a stream, used in errors and logs.
const (
	IncomingRead  = "incoming read"
	IncomingWrite = "incoming write"
	OutgoingRead  = "outgoing read"
	OutgoingWrite = "outgoing write"
)

// step is an endpoint continuation. It reports whether it made progress;
// a step that is waiting on another endpoint returns false.
type step func(now time.Time) (bool, error)

type ioResult struct {
	n   int
	err error
	buf []byte
}

// operation is the one outstanding asynchronous I/O call of an endpoint.
type operation struct {
	result    chan ioResult
	started   time.Time
	timeout   time.Duration
	onDone    func(ioResult) error
	onTimeout func() error
}

// endpoint is one direction of one stream. It either has an operation in
// flight, or a continuation to run next, or neither when it is finished.
type endpoint struct {
	name string
	op   *operation
	next step
	// cancel unblocks an operation that will not be waited for anymore.
	cancel func()
}

func (e *endpoint) finished() bool {
	return e.op == nil && e.next == nil
}

// stop abandons the endpoint, cancelling its operation if one is in
// flight.
func (e *endpoint) stop() {
	e.abandon()
	e.next = nil
}

func (e *endpoint) abandon() {
	if e.op != nil && e.cancel != nil {
		e.cancel()
	}
	e.op = nil
}

func (e *endpoint) poll(now time.Time) (bool, error) {
	if op := e.op; op != nil {
		select {
		case r := <-op.result:
			e.op = nil
			return true, op.onDone(r)
		default:
		}
		if op.timeout > 0 && now.Sub(op.started) > op.timeout {
			// The goroutine running the operation returns once cancel or
			// the owner's interrupt unblocks it; its result is never read.
			e.abandon()
			if op.onTimeout != nil {
				return true, op.onTimeout()
			}
			return true, &TimeoutError{Endpoint: e.name, Limit: op.timeout}
		}
		return false, nil
	}
	if e.next == nil {
		return false, nil
	}
	return e.next(now)
}
