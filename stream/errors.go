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
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTruncated is reported when the backend closes the connection
	// before delivering the whole body it announced.
	ErrTruncated = errors.New("backend response truncated")
	// ErrHeaderTooLarge is reported when the backend's header block
	// exceeds the configured maximum.
	ErrHeaderTooLarge = errors.New("backend response header too large")
)

// ProtocolError is a malformed response from the backend.
type ProtocolError struct {
	Reason string
	Line   string
}

func (e *ProtocolError) Error() string {
	if e.Line == "" {
		return "malformed backend response: " + e.Reason
	}
	return fmt.Sprintf("malformed backend response: %s: %q", e.Reason, e.Line)
}

// TimeoutError is reported when one endpoint of a stream did not complete
// its outstanding operation in time.
type TimeoutError struct {
	Endpoint string
	Limit    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Endpoint, e.Limit)
}

// Timeout allows callers to treat this like a net.Error.
func (e *TimeoutError) Timeout() bool {
	return true
}
