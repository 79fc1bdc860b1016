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
	"slices"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// ResponseHead is the parsed status line and header block of a backend
// response.
type ResponseHead struct {
	Proto  string
	Status int
	Reason string
	Header http.Header
}

//nolint:gochecknoglobals
var (
	headerTerminator = []byte("\r\n\r\n")

	// hopByHop headers describe a single connection and are never
	// forwarded in either direction.
	hopByHop = []string{
		"Connection",
		"Keep-Alive",
		"Proxy-Connection",
		"Proxy-Authenticate",
		"Proxy-Authorization",
		"Te",
		"Trailer",
		"Transfer-Encoding",
		"Upgrade",
	}
)

// isHopByHop reports whether the header must be dropped, either because it
// is always connection-specific or because the message's Connection header
// names it.
func isHopByHop(name string, connection []string) bool {
	if slices.Contains(hopByHop, name) {
		return true
	}
	return len(connection) > 0 && httpguts.HeaderValuesContainsToken(connection, name)
}

// carriesBody reports whether a request with the given method and length
// has a body to forward.
func carriesBody(req *http.Request) bool {
	if req.Body == nil || req.Body == http.NoBody {
		return false
	}
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return req.ContentLength > 0
	}
	return req.ContentLength != 0
}

// appendRequestHead serializes the request line and headers that are sent
// to the backend. Hop-by-hop headers are stripped, Host is recomputed and
// the connection is always asked to stay open.
func appendRequestHead(b []byte, req *http.Request, host string, keepAlive int, withBody bool) []byte {
	uri := req.URL.RequestURI()
	b = append(b, req.Method...)
	b = append(b, ' ')
	b = append(b, uri...)
	b = append(b, " HTTP/1.1\r\nHost: "...)
	b = append(b, host...)
	b = append(b, "\r\n"...)

	connection := req.Header.Values("Connection")
	names := make([]string, 0, len(req.Header))
	for name := range req.Header {
		switch name {
		case "Host", "Content-Length", "Expect":
			continue
		}
		if isHopByHop(name, connection) {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		for _, value := range req.Header[name] {
			b = appendHeader(b, name, value)
		}
	}
	if withBody {
		if req.ContentLength > 0 {
			b = appendHeader(b, "Content-Length", strconv.FormatInt(req.ContentLength, 10))
		} else {
			b = appendHeader(b, "Transfer-Encoding", "chunked")
		}
	}
	b = appendHeader(b, "Connection", "Keep-Alive")
	if keepAlive > 0 {
		b = appendHeader(b, "Keep-Alive", "timeout="+strconv.Itoa(keepAlive))
	}
	return append(b, "\r\n"...)
}

func appendHeader(b []byte, name, value string) []byte {
	b = append(b, name...)
	b = append(b, ": "...)
	b = append(b, value...)
	return append(b, "\r\n"...)
}

// parseResponseHead parses a header block, without its terminating blank
// line. The status line is split on its first two spaces and each header
// line on its first colon.
func parseResponseHead(block []byte) (*ResponseHead, error) {
	lines := strings.Split(string(block), "\r\n")
	statusLine := lines[0]

	proto, rest, ok := strings.Cut(statusLine, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return nil, &ProtocolError{Reason: "invalid status line", Line: statusLine}
	}
	code, reason, _ := strings.Cut(rest, " ")
	status, err := strconv.Atoi(code)
	if err != nil || len(code) != 3 || status < 100 {
		return nil, &ProtocolError{Reason: "non-numeric status code", Line: statusLine}
	}

	head := &ResponseHead{
		Proto:  proto,
		Status: status,
		Reason: reason,
		Header: make(http.Header, len(lines)-1),
	}
	var last string
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && last != "" {
			// obsolete line folding continues the previous value
			values := head.Header[last]
			values[len(values)-1] += " " + strings.TrimSpace(line)
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, &ProtocolError{Reason: "header without colon", Line: line}
		}
		name = strings.TrimSpace(name)
		if !httpguts.ValidHeaderFieldName(name) {
			return nil, &ProtocolError{Reason: "invalid header name", Line: line}
		}
		last = http.CanonicalHeaderKey(name)
		head.Header.Add(last, strings.TrimSpace(value))
	}
	return head, nil
}

// splitHead looks for the end of the header block in buf. It returns the
// block (without the blank line) and whatever follows it.
func splitHead(buf []byte) (block, rest []byte, ok bool) {
	i := bytes.Index(buf, headerTerminator)
	if i < 0 {
		return nil, nil, false
	}
	return buf[:i], buf[i+len(headerTerminator):], true
}

// hasNoBody reports whether a response to method with the given status
// never has a body, regardless of its headers.
func hasNoBody(method string, status int) bool {
	return method == http.MethodHead ||
		(status >= 100 && status < 200) ||
		status == http.StatusNoContent ||
		status == http.StatusNotModified
}

// isChunked reports whether chunked is the final transfer coding.
func isChunked(header http.Header) bool {
	codings := header.Values("Transfer-Encoding")
	if len(codings) == 0 {
		return false
	}
	parts := strings.Split(codings[len(codings)-1], ",")
	return strings.EqualFold(strings.TrimSpace(parts[len(parts)-1]), "chunked")
}

// wantsClose reports whether the backend will not keep the connection open
// after this response.
func wantsClose(head *ResponseHead) bool {
	connection := head.Header.Values("Connection")
	if httpguts.HeaderValuesContainsToken(connection, "close") {
		return true
	}
	if head.Proto == "HTTP/1.0" {
		return !httpguts.HeaderValuesContainsToken(connection, "keep-alive")
	}
	return false
}

// copyResponseHeader copies the end-to-end headers of the backend response
// into dst. Content-Length survives only when the body is forwarded
// byte-for-byte.
func copyResponseHeader(dst http.Header, head *ResponseHead, keepLength bool) {
	connection := head.Header.Values("Connection")
	for name, values := range head.Header {
		if isHopByHop(name, connection) {
			continue
		}
		if name == "Content-Length" && !keepLength {
			continue
		}
		dst[name] = append(dst[name], values...)
	}
}
