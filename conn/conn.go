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

// Package conn provides the representation of a single socket to a single
// backend IP address, and the pools that recycle those sockets between
// requests.
//
// A [Conn] is owned by exactly one request at a time. It is obtained from a
// [Pool] with [Pool.Get] and handed back exactly once per borrow, either with
// [Pool.Reuse] (the pool decides whether to keep it) or [Pool.Discard].
package conn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Bikeman868/Gravity-sub000/internal"
)

//nolint:gochecknoglobals
var (
	defaultDialer = &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
)

var errNotConnected = errors.New("connection is not open")

// State is the lifecycle state of a Conn.
type State int32

const (
	// StateNew is a connection that has not been dialed yet.
	StateNew State = iota
	// StateConnected is an open connection that is not in use.
	StateConnected
	// StateBusy is an open connection owned by a request.
	StateBusy
	// StateOld is a connection whose last transaction failed or left
	// unread bytes behind. It must not be reused.
	StateOld
	// StateDisconnected is a closed connection.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnected:
		return "connected"
	case StateBusy:
		return "busy"
	case StateOld:
		return "old"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Key identifies a backend: the scheme and domain name used to talk to it,
// plus the port and resolved IP address that the socket connects to.
type Key struct {
	Scheme string
	Host   string
	Port   int
	IP     netip.Addr
}

// Address returns the ip:port pair that is dialed for this key.
func (k Key) Address() string {
	return net.JoinHostPort(k.IP.String(), strconv.Itoa(k.Port))
}

func (k Key) String() string {
	return k.Scheme + "://" + net.JoinHostPort(k.Host, strconv.Itoa(k.Port)) + "@" + k.IP.String()
}

// Options control how connections are established and when an idle
// connection is considered too old to reuse.
type Options struct {
	// ConnectTimeout bounds dialing plus the TLS handshake. Zero means 30s.
	ConnectTimeout time.Duration
	// IdleTimeout is how long a connection may sit in a pool before it is
	// considered stale. Zero means idle connections never go stale.
	IdleTimeout time.Duration
	// TLSConfig is used for https backends. The server name defaults to
	// the key's Host.
	TLSConfig *tls.Config
	// DialFunc establishes the TCP connection. Defaults to a net.Dialer
	// with a 30 second keep-alive.
	DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)
	// Clock is used for staleness. Defaults to the real clock.
	Clock internal.Clock
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.DialFunc == nil {
		o.DialFunc = defaultDialer.DialContext
	}
	if o.Clock == nil {
		o.Clock = internal.NewRealClock()
	}
	return o
}

// Conn is one plain or TLS socket to one backend address.
type Conn struct {
	key  Key
	opts Options

	netConn   net.Conn
	state     atomic.Int32
	borrowed  atomic.Bool
	closeOnce sync.Once

	mu sync.Mutex
	// +checklocks:mu
	lastUsed time.Time
}

// New returns an unconnected Conn for the given backend.
func New(key Key, opts Options) *Conn {
	return &Conn{key: key, opts: opts.withDefaults()}
}

// Key returns the backend identity of this connection.
func (c *Conn) Key() Key {
	return c.key
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Connect dials the backend and, for https, performs the TLS handshake.
func (c *Conn) Connect(ctx context.Context) error {
	if c.State() != StateNew {
		return fmt.Errorf("connect %s: connection already used (state %s)", c.key, c.State())
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	raw, err := c.opts.DialFunc(ctx, "tcp", c.key.Address())
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("connect %s: %w", c.key, err)
	}
	netConn := raw
	if c.key.Scheme == "https" {
		var cfg *tls.Config
		if c.opts.TLSConfig != nil {
			cfg = c.opts.TLSConfig.Clone()
		} else {
			cfg = &tls.Config{} //nolint:gosec // MinVersion left to the Go defaults
		}
		if cfg.ServerName == "" {
			cfg.ServerName = c.key.Host
		}
		tlsConn := tls.Client(raw, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = raw.Close()
			c.state.Store(int32(StateDisconnected))
			return fmt.Errorf("tls handshake with %s: %w", c.key, err)
		}
		netConn = tlsConn
	}
	c.netConn = netConn
	c.touch()
	c.state.Store(int32(StateConnected))
	return nil
}

// Read reads from the socket.
func (c *Conn) Read(p []byte) (int, error) {
	if c.netConn == nil {
		return 0, errNotConnected
	}
	return c.netConn.Read(p)
}

// Write writes to the socket.
func (c *Conn) Write(p []byte) (int, error) {
	if c.netConn == nil {
		return 0, errNotConnected
	}
	return c.netConn.Write(p)
}

// Interrupt unblocks any Read or Write in progress on this connection. The
// connection must not be reused afterwards.
func (c *Conn) Interrupt() {
	c.state.CompareAndSwap(int32(StateBusy), int32(StateOld))
	if c.netConn != nil {
		_ = c.netConn.SetDeadline(time.Unix(1, 0))
	}
}

// Begin marks the connection as owned by a request.
func (c *Conn) Begin() {
	c.state.CompareAndSwap(int32(StateConnected), int32(StateBusy))
}

// End marks the end of a request/response exchange. A reusable connection
// goes back to StateConnected; any other outcome marks it StateOld so that
// the pool disposes of it.
func (c *Conn) End(reusable bool) {
	if !reusable {
		c.state.CompareAndSwap(int32(StateBusy), int32(StateOld))
		return
	}
	if c.state.CompareAndSwap(int32(StateBusy), int32(StateConnected)) {
		c.touch()
	}
}

// IsConnected reports whether the connection is open, idle and the peer has
// not closed it or sent unsolicited bytes.
func (c *Conn) IsConnected() bool {
	if c.State() != StateConnected || c.netConn == nil {
		return false
	}
	return isAlive(c.netConn)
}

// IsStale reports whether the connection has been idle longer than the
// configured idle timeout.
func (c *Conn) IsStale() bool {
	if c.opts.IdleTimeout <= 0 {
		return false
	}
	c.mu.Lock()
	lastUsed := c.lastUsed
	c.mu.Unlock()
	return c.opts.Clock.Since(lastUsed) > c.opts.IdleTimeout
}

// Close closes the socket. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateDisconnected))
		if c.netConn != nil {
			err = c.netConn.Close()
		}
	})
	return err
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastUsed = c.opts.Clock.Now()
	c.mu.Unlock()
}
