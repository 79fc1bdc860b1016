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

import "strconv"

type chunkState int

const (
	chunkSize chunkState = iota
	chunkExtension
	chunkData
	chunkDataEnd
	chunkTrailerStart
	chunkTrailerLine
	chunkDone
)

// maxChunkSizeDigits bounds the hex digits of one chunk size (2^60 bytes).
const maxChunkSizeDigits = 15

// chunkedDecoder removes chunked transfer-coding framing incrementally, as
// bytes arrive from the backend.
type chunkedDecoder struct {
	state     chunkState
	remaining int64
	digits    int
}

// decode decodes p in place. It returns how many decoded body bytes were
// compacted to the front of p and how many input bytes were consumed.
// consumed is less than len(p) only once the final chunk and trailer have
// been read; anything after that does not belong to this response.
func (d *chunkedDecoder) decode(p []byte) (decoded, consumed int, err error) {
	w, r := 0, 0
	for r < len(p) && d.state != chunkDone {
		c := p[r]
		switch d.state {
		case chunkSize:
			switch {
			case c == '\r':
			case c == '\n':
				if d.digits == 0 {
					return w, r, &ProtocolError{Reason: "missing chunk size"}
				}
				d.endSize()
			case c == ';' || c == ' ' || c == '\t':
				d.state = chunkExtension
			default:
				v, ok := unhex(c)
				if !ok {
					return w, r, &ProtocolError{Reason: "invalid chunk size", Line: strconv.QuoteRune(rune(c))}
				}
				d.digits++
				if d.digits > maxChunkSizeDigits {
					return w, r, &ProtocolError{Reason: "chunk size too large"}
				}
				d.remaining = d.remaining<<4 | int64(v)
			}
			r++
		case chunkExtension:
			if c == '\n' {
				if d.digits == 0 {
					return w, r, &ProtocolError{Reason: "missing chunk size"}
				}
				d.endSize()
			}
			r++
		case chunkData:
			n := int64(len(p) - r)
			if n > d.remaining {
				n = d.remaining
			}
			copy(p[w:], p[r:r+int(n)])
			w += int(n)
			r += int(n)
			d.remaining -= n
			if d.remaining == 0 {
				d.state = chunkDataEnd
			}
		case chunkDataEnd:
			switch c {
			case '\r':
			case '\n':
				d.state = chunkSize
				d.digits = 0
			default:
				return w, r, &ProtocolError{Reason: "missing CRLF after chunk data"}
			}
			r++
		case chunkTrailerStart:
			switch c {
			case '\r':
			case '\n':
				d.state = chunkDone
			default:
				d.state = chunkTrailerLine
			}
			r++
		case chunkTrailerLine:
			if c == '\n' {
				d.state = chunkTrailerStart
			}
			r++
		case chunkDone:
		}
	}
	return w, r, nil
}

func (d *chunkedDecoder) endSize() {
	if d.remaining == 0 {
		d.state = chunkTrailerStart
		return
	}
	d.state = chunkData
}

func (d *chunkedDecoder) done() bool {
	return d.state == chunkDone
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// appendChunk frames data as one chunk of a chunked request body.
func appendChunk(b, data []byte) []byte {
	b = strconv.AppendInt(b, int64(len(data)), 16)
	b = append(b, "\r\n"...)
	b = append(b, data...)
	return append(b, "\r\n"...)
}

//nolint:gochecknoglobals
var lastChunk = []byte("0\r\n\r\n")
