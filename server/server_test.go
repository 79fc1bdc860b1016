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

package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Bikeman868/Gravity-sub000/health"
	"github.com/Bikeman868/Gravity-sub000/internal/clocktest"
	"github.com/Bikeman868/Gravity-sub000/node"
	"github.com/Bikeman868/Gravity-sub000/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backendConfig(t *testing.T, backend *httptest.Server) Config {
	t.Helper()
	u, err := url.Parse(backend.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return Config{Host: u.Hostname(), Port: port, ReuseConnections: true}
}

func newServer(t *testing.T, cfg Config, opts node.Options, extra ...Option) *Server {
	t.Helper()
	sched := scheduler.New()
	t.Cleanup(func() { _ = sched.Close() })
	s := New("api", false, cfg, opts, append([]Option{WithScheduler(sched)}, extra...)...)
	t.Cleanup(s.Dispose)
	return s
}

// settled waits for the first iteration of the background loop to finish.
func settled(t *testing.T, clock clocktest.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
}

func send(s *Server, method, target, body string) (*httptest.ResponseRecorder, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	err := node.Dispatch(node.NewContext(rec, httptest.NewRequest(method, target, reader), nil), s)
	return rec, err
}

func TestServerForwards(t *testing.T) {
	t.Parallel()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Host", r.Host)
		w.Header().Set("X-Path", r.URL.RequestURI())
		_, _ = w.Write([]byte("echo:" + string(body)))
	}))
	t.Cleanup(backend.Close)

	cfg := backendConfig(t, backend)
	s := newServer(t, cfg, node.Options{})
	require.Eventually(t, func() bool { return !s.Offline() }, 5*time.Second, 10*time.Millisecond)

	rec, err := send(s, http.MethodPost, "http://client.test/things?id=7", "hello")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "echo:hello", rec.Body.String())
	assert.Equal(t, "/things?id=7", rec.Header().Get("X-Path"))
	assert.Equal(t, cfg.hostHeader(), rec.Header().Get("X-Host"))

	rec, err = send(s, http.MethodGet, "http://client.test/", "")
	require.NoError(t, err)
	assert.Equal(t, "echo:", rec.Body.String())

	addresses := s.Addresses()
	require.Len(t, addresses, 1)
	created, reused := addresses[0].pool.Stats()
	assert.Equal(t, int64(1), created)
	assert.Equal(t, int64(1), reused)
	assert.Equal(t, int64(0), addresses[0].Connections())

	status := s.Status()
	assert.Equal(t, node.KindServer, status.Kind)
	detail, ok := status.Detail.(Status)
	require.True(t, ok)
	require.Len(t, detail.Addresses, 1)
	assert.Equal(t, int64(2), detail.Addresses[0].Traffic.Lifetime)
}

func TestServerConnectionLimit(t *testing.T) {
	t.Parallel()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(backend.Close)

	cfg := backendConfig(t, backend)
	cfg.MaxConnections = 1
	s := newServer(t, cfg, node.Options{})
	require.Eventually(t, func() bool { return !s.Offline() }, 5*time.Second, 10*time.Millisecond)

	a := s.Addresses()[0]
	require.True(t, a.acquire(cfg.MaxConnections))
	_, err := send(s, http.MethodGet, "/", "")
	require.ErrorIs(t, err, ErrTooManyConnections)
	a.release()

	rec, err := send(s, http.MethodGet, "/", "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestServerHealthHysteresis(t *testing.T) {
	t.Parallel()
	var status atomic.Int32
	status.Store(http.StatusOK)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(int(status.Load()))
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(backend.Close)

	clock := clocktest.NewFakeClock()
	cfg := backendConfig(t, backend)
	cfg.HealthCheck = HealthCheck{Enabled: true, Check: health.Check{Path: "/health"}, Threshold: 2}
	s := newServer(t, cfg, node.Options{Clock: clock})
	settled(t, clock)

	require.Len(t, s.Addresses(), 1)
	a := s.Addresses()[0]
	assert.True(t, a.Healthy())
	s.UpdateStatus()
	assert.False(t, s.Offline())

	ctx := context.Background()
	status.Store(http.StatusInternalServerError)
	s.checkAddress(ctx, a)
	assert.True(t, a.Healthy(), "one failure is tolerated")
	s.checkAddress(ctx, a)
	assert.False(t, a.Healthy())
	s.UpdateStatus()
	assert.True(t, s.Offline())
	_, err := send(s, http.MethodGet, "/", "")
	require.ErrorIs(t, err, ErrNoHealthyAddress)

	status.Store(http.StatusOK)
	s.checkAddress(ctx, a)
	assert.True(t, a.Healthy(), "one success recovers")
	s.UpdateStatus()
	assert.False(t, s.Offline())
	rec, err := send(s, http.MethodGet, "/", "")
	require.NoError(t, err)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestServerHealthCheckPort(t *testing.T) {
	t.Parallel()
	var backendHits, healthHits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		backendHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(backend.Close)
	monitor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		healthHits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(monitor.Close)

	clock := clocktest.NewFakeClock()
	cfg := backendConfig(t, backend)
	cfg.HealthCheck = HealthCheck{Enabled: true, Check: health.Check{Port: backendConfig(t, monitor).Port}, Threshold: 1}
	s := newServer(t, cfg, node.Options{Clock: clock})
	settled(t, clock)

	require.Len(t, s.Addresses(), 1)
	a := s.Addresses()[0]
	require.NotNil(t, a.checks)
	assert.Equal(t, monitor.Listener.Addr().String(), a.checkPool().Key().Address())

	s.checkAddress(context.Background(), a)
	assert.True(t, a.Healthy())
	assert.Positive(t, healthHits.Load())
	assert.Zero(t, backendHits.Load())
}

func TestServerCompletesRequestAfterClientLeaves(t *testing.T) {
	t.Parallel()
	arrived := make(chan struct{})
	release := make(chan struct{})
	var received atomic.Value
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-release
		body, _ := io.ReadAll(r.Body)
		received.Store(string(body))
		_, _ = w.Write([]byte("done"))
	}))
	t.Cleanup(backend.Close)

	s := newServer(t, backendConfig(t, backend), node.Options{})
	require.Eventually(t, func() bool { return !s.Offline() }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("payload")).WithContext(ctx)
	rec := httptest.NewRecorder()
	errs := make(chan error, 1)
	go func() {
		errs <- node.Dispatch(node.NewContext(rec, req, nil), s)
	}()

	<-arrived
	cancel()
	close(release)
	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("request did not finish")
	}
	assert.Equal(t, "payload", received.Load())
	assert.Equal(t, "done", rec.Body.String())

	a := s.Addresses()[0]
	created, reused := a.pool.Stats()
	assert.Equal(t, int64(1), created)
	assert.Zero(t, reused)
	assert.Zero(t, a.pool.Len(), "the connection of an abandoned request is not pooled")
}

type fakeResolver struct {
	mu        sync.Mutex
	addresses []netip.Addr
}

func (r *fakeResolver) set(addresses ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addresses = r.addresses[:0]
	for _, a := range addresses {
		r.addresses = append(r.addresses, netip.MustParseAddr(a))
	}
}

func (r *fakeResolver) Resolve(context.Context, string) ([]netip.Addr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]netip.Addr(nil), r.addresses...), nil
}

func TestServerLookupReusesPositions(t *testing.T) {
	t.Parallel()
	res := &fakeResolver{}
	res.set("10.0.0.1", "10.0.0.2")
	clock := clocktest.NewFakeClock()
	s := newServer(t, Config{Host: "backend.test"}, node.Options{Clock: clock}, WithResolver(res))
	settled(t, clock)

	first := s.Addresses()
	require.Len(t, first, 2)
	assert.True(t, first[0].Healthy(), "unchecked addresses are healthy")
	s.UpdateStatus()
	assert.False(t, s.Offline())

	res.set("10.0.0.1", "10.0.0.3")
	s.lookup(context.Background())
	second := s.Addresses()
	require.Len(t, second, 2)
	assert.Same(t, first[0], second[0])
	assert.NotSame(t, first[1], second[1])
	assert.Same(t, first[1].tracker, second[1].tracker)
	assert.Equal(t, netip.MustParseAddr("10.0.0.3"), second[1].Addr())

	res.set("10.0.0.4")
	s.lookup(context.Background())
	third := s.Addresses()
	require.Len(t, third, 1)
	assert.NotSame(t, first[0].tracker, third[0].tracker)
	assert.Equal(t, "10.0.0.4:80", third[0].pool.Key().Address())
}

func TestServerWithoutAddresses(t *testing.T) {
	t.Parallel()
	clock := clocktest.NewFakeClock()
	s := newServer(t, Config{}, node.Options{Clock: clock})
	settled(t, clock)
	s.UpdateStatus()
	assert.True(t, s.Offline())
	_, err := send(s, http.MethodGet, "/", "")
	require.ErrorIs(t, err, ErrNoHealthyAddress)
}
