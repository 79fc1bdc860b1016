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

package conn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// DefaultCapacity is the number of idle connections a pool keeps when no
// capacity is configured.
const DefaultCapacity = 500

// ErrPoolClosed is returned by Get after the pool has been closed.
var ErrPoolClosed = errors.New("connection pool is closed")

// Pool caches idle connections to one backend identity. Connections are
// handed out most-recently-used first, which keeps the working set small
// and lets rarely used sockets go stale and be discarded.
type Pool struct {
	key      Key
	opts     Options
	capacity int

	created atomic.Int64
	reused  atomic.Int64

	mu sync.Mutex
	// +checklocks:mu
	idle []*Conn
	// +checklocks:mu
	closed bool
}

// NewPool creates an empty pool for the given backend. A capacity of zero
// or less uses DefaultCapacity.
func NewPool(key Key, capacity int, opts Options) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pool{
		key:      key,
		opts:     opts.withDefaults(),
		capacity: capacity,
	}
}

// Key returns the backend identity served by this pool.
func (p *Pool) Key() Key {
	return p.key
}

// Get returns a connection that is owned by the caller until it is passed
// to Reuse or Discard. Idle connections that are stale or no longer
// connected are disposed of on the way; if none is usable a new connection
// is dialed.
func (p *Pool) Get(ctx context.Context) (*Conn, error) {
	for {
		c, err := p.pop()
		if err != nil {
			return nil, err
		}
		if c == nil {
			break
		}
		if c.IsStale() || !c.IsConnected() {
			_ = c.Close()
			continue
		}
		p.reused.Add(1)
		c.borrowed.Store(true)
		c.Begin()
		return c, nil
	}

	c := New(p.key, p.opts)
	if err := c.Connect(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	p.created.Add(1)
	c.borrowed.Store(true)
	c.Begin()
	return c, nil
}

// Reuse hands a borrowed connection back. It is kept if it is still
// connected and the pool has room; otherwise it is closed. Returning the
// same borrow twice has no effect.
func (p *Pool) Reuse(c *Conn) {
	if !c.borrowed.CompareAndSwap(true, false) {
		return
	}
	if c.State() != StateConnected {
		_ = c.Close()
		return
	}
	p.mu.Lock()
	if p.closed || len(p.idle) >= p.capacity {
		p.mu.Unlock()
		_ = c.Close()
		return
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// Discard closes a borrowed connection instead of returning it.
func (p *Pool) Discard(c *Conn) {
	if c.borrowed.CompareAndSwap(true, false) {
		_ = c.Close()
	}
}

// Len returns the number of idle connections in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Stats returns how many connections this pool has dialed and how many
// times an idle connection was handed out again.
func (p *Pool) Stats() (created, reused int64) {
	return p.created.Load(), p.reused.Load()
}

// Close disposes every idle connection. Connections that are currently
// borrowed are closed when they are handed back.
func (p *Pool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, c := range idle {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) pop() (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	n := len(p.idle)
	if n == 0 {
		return nil, nil //nolint:nilnil
	}
	c := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	return c, nil
}
