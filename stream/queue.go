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

import "github.com/Bikeman868/Gravity-sub000/bufpool"

// chunk is a slice of bytes waiting to be written. buf, when non-nil, is
// the pooled buffer backing data and is returned to the pool once the
// chunk has been written.
type chunk struct {
	data []byte
	buf  []byte
}

// queue carries chunks from a reading endpoint to a writing endpoint. A
// writer that could only write part of a chunk puts the remainder back at
// the front.
type queue struct {
	items []chunk
	bytes int
}

func (q *queue) push(c chunk) {
	q.items = append(q.items, c)
	q.bytes += len(c.data)
}

func (q *queue) pushFront(c chunk) {
	q.items = append(q.items, chunk{})
	copy(q.items[1:], q.items)
	q.items[0] = c
	q.bytes += len(c.data)
}

func (q *queue) pop() (chunk, bool) {
	if len(q.items) == 0 {
		return chunk{}, false
	}
	c := q.items[0]
	q.items[0] = chunk{}
	q.items = q.items[1:]
	q.bytes -= len(c.data)
	return c, true
}

func (q *queue) len() int {
	return len(q.items)
}

// release returns every queued buffer to pool.
func (q *queue) release(pool *bufpool.Pool) {
	for _, c := range q.items {
		if c.buf != nil {
			pool.Put(c.buf)
		}
	}
	q.items = nil
	q.bytes = 0
}
