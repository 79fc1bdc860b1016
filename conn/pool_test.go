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

package conn_test

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Bikeman868/Gravity-sub000/conn"
	"github.com/Bikeman868/Gravity-sub000/internal/clocktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolReusesReturnedConnection(t *testing.T) {
	t.Parallel()
	pool := conn.NewPool(newBackend(t), 10, conn.Options{})
	t.Cleanup(func() { _ = pool.Close() })
	ctx := context.Background()

	first, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, conn.StateBusy, first.State())
	first.End(true)
	pool.Reuse(first)
	assert.Equal(t, 1, pool.Len())

	second, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 0, pool.Len())
	created, reused := pool.Stats()
	assert.Equal(t, int64(1), created)
	assert.Equal(t, int64(1), reused)

	// a second hand-back of the same borrow is ignored
	second.End(true)
	pool.Reuse(second)
	pool.Reuse(second)
	assert.Equal(t, 1, pool.Len())
}

func TestPoolNeverExceedsCapacity(t *testing.T) {
	t.Parallel()
	pool := conn.NewPool(newBackend(t), 2, conn.Options{})
	t.Cleanup(func() { _ = pool.Close() })
	ctx := context.Background()

	borrowed := make([]*conn.Conn, 4)
	for i := range borrowed {
		c, err := pool.Get(ctx)
		require.NoError(t, err)
		borrowed[i] = c
	}
	for _, c := range borrowed {
		c.End(true)
		pool.Reuse(c)
		assert.LessOrEqual(t, pool.Len(), 2)
	}
	assert.Equal(t, 2, pool.Len())
	assert.Equal(t, conn.StateDisconnected, borrowed[2].State())
	assert.Equal(t, conn.StateDisconnected, borrowed[3].State())
}

func TestPoolDisposesFailedConnection(t *testing.T) {
	t.Parallel()
	pool := conn.NewPool(newBackend(t), 2, conn.Options{})
	t.Cleanup(func() { _ = pool.Close() })

	c, err := pool.Get(context.Background())
	require.NoError(t, err)
	c.End(false)
	assert.Equal(t, conn.StateOld, c.State())
	pool.Reuse(c)
	assert.Equal(t, 0, pool.Len())
	assert.Equal(t, conn.StateDisconnected, c.State())
}

func TestPoolDropsStaleConnections(t *testing.T) {
	t.Parallel()
	clock := clocktest.NewFakeClock()
	pool := conn.NewPool(newBackend(t), 2, conn.Options{IdleTimeout: time.Minute, Clock: clock})
	t.Cleanup(func() { _ = pool.Close() })
	ctx := context.Background()

	first, err := pool.Get(ctx)
	require.NoError(t, err)
	first.End(true)
	pool.Reuse(first)

	clock.Advance(2 * time.Minute)
	second, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, conn.StateDisconnected, first.State())
}

func TestPoolClosed(t *testing.T) {
	t.Parallel()
	pool := conn.NewPool(newBackend(t), 2, conn.Options{})
	c, err := pool.Get(context.Background())
	require.NoError(t, err)
	require.NoError(t, pool.Close())

	_, err = pool.Get(context.Background())
	require.ErrorIs(t, err, conn.ErrPoolClosed)
	c.End(true)
	pool.Reuse(c)
	assert.Equal(t, conn.StateDisconnected, c.State())
}

func TestConnectFailure(t *testing.T) {
	t.Parallel()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	key := keyFor(t, listener.Addr())
	require.NoError(t, listener.Close())

	pool := conn.NewPool(key, 1, conn.Options{ConnectTimeout: time.Second})
	_, err = pool.Get(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), key.String())
}

// newBackend starts a TCP listener that accepts connections and keeps them
// open without ever writing.
func newBackend(t *testing.T) conn.Key {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var mu sync.Mutex
	var accepted []net.Conn
	go func() {
		for {
			c, err := listener.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			accepted = append(accepted, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = listener.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range accepted {
			_ = c.Close()
		}
	})
	return keyFor(t, listener.Addr())
}

func keyFor(t *testing.T, addr net.Addr) conn.Key {
	t.Helper()
	host, port, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	portNum, err := strconv.Atoi(port)
	require.NoError(t, err)
	return conn.Key{Scheme: "http", Host: "localhost", Port: portNum, IP: netip.MustParseAddr(host)}
}
