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

// Package bufpool provides reusable fixed-size byte buffers for the
// proxy's byte streams.
package bufpool

import "sync"

// DefaultSize is the size of buffers handed out by Default.
const DefaultSize = 32 * 1024

//nolint:gochecknoglobals
var (
	// Default is the pool shared by request streams unless they are given
	// a different one.
	Default = New(DefaultSize)
)

// Pool hands out byte slices of a single fixed size.
type Pool struct {
	size int
	pool sync.Pool
}

// New returns a pool of buffers that are each size bytes long.
func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	p := &Pool{size: size}
	p.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Size returns the length of the buffers returned by Get.
func (p *Pool) Size() int {
	return p.size
}

// Get returns a buffer of length Size. Its contents are undefined.
func (p *Pool) Get() []byte {
	buf := p.pool.Get().(*[]byte) //nolint:forcetypeassert,errcheck
	return (*buf)[:p.size]
}

// Put returns buf to the pool. Buffers that did not come from this pool
// (different capacity) are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) != p.size {
		return
	}
	buf = buf[:p.size]
	p.pool.Put(&buf)
}
