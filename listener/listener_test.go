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

package listener

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strconv"
	"testing"

	"github.com/Bikeman868/Gravity-sub000/graph"
	"github.com/Bikeman868/Gravity-sub000/metrics"
	"github.com/Bikeman868/Gravity-sub000/node"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, l *Listener) (*httptest.Server, int) {
	t.Helper()
	server := httptest.NewServer(l)
	t.Cleanup(server.Close)
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return server, port
}

func get(t *testing.T, server *httptest.Server) (*http.Response, string) {
	t.Helper()
	resp, err := server.Client().Get(server.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestListenerDispatches(t *testing.T) {
	t.Parallel()
	g := graph.New()
	t.Cleanup(func() { _ = g.Close() })
	collector := metrics.New("", nil)
	l := New(g, WithMetrics(collector))
	server, port := serve(t, l)

	resp, body := get(t, server)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body, "no listener endpoint")

	require.NoError(t, l.Configure([]Endpoint{{IPAddress: AnyAddress, Port: port, Node: "entry"}}))
	resp, body = get(t, server)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "no active configuration", resp.Header.Get(node.ReasonHeader))
	assert.Contains(t, body, "no active configuration")

	opts := node.Options{}
	g.Configure(graph.NewInstance([]node.Node{
		node.NewResponse("entry", false, http.StatusAccepted, "", nil, "hello", opts),
	}))
	resp, body = get(t, server)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "hello", body)
	assert.NotEmpty(t, resp.Header.Get(node.RequestIDHeader))

	status := l.Status()
	require.Len(t, status, 1)
	assert.Equal(t, int64(2), status[0].Traffic.Lifetime)
	assert.Equal(t, 2, testutil.CollectAndCount(collector.Registry(), "gravity_requests_rejected_total"))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.Registry(), "gravity_requests_total"))
	assert.Equal(t, []int{port}, l.Ports())
}

func TestListenerRejectsNodeErrors(t *testing.T) {
	t.Parallel()
	g := graph.New()
	t.Cleanup(func() { _ = g.Close() })
	l := New(g)
	server, port := serve(t, l)
	opts := node.Options{}
	g.Configure(graph.NewInstance([]node.Node{
		node.NewRoundRobin("entry", false, node.NewOutputs([]string{"off"}, opts), opts),
		node.NewResponse("off", true, http.StatusOK, "", nil, "", opts),
	}))
	require.NoError(t, l.Configure([]Endpoint{{Port: port, Node: "entry"}}))

	resp, _ := get(t, server)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, resp.Header.Get(node.ReasonHeader), node.ErrNoOutput.Error())

	require.NoError(t, l.Configure([]Endpoint{{Port: port, Node: "nothing"}}))
	resp, _ = get(t, server)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "node nothing is not configured", resp.Header.Get(node.ReasonHeader))
}

func TestListenerMatch(t *testing.T) {
	t.Parallel()
	g := graph.New()
	t.Cleanup(func() { _ = g.Close() })
	l := New(g)
	require.NoError(t, l.Configure([]Endpoint{
		{IPAddress: "*", Port: 80, Node: "any"},
		{IPAddress: "10.0.0.1", Port: 80, Node: "exact"},
		{IPAddress: "10.0.0.2", Port: 80, Node: "off", Disabled: true},
		{IPAddress: "*", Port: 8080, Node: "other"},
	}))
	target := func(addr string) string {
		e := l.match(netip.MustParseAddrPort(addr))
		if e == nil {
			return ""
		}
		return e.Node
	}
	assert.Equal(t, "exact", target("10.0.0.1:80"))
	assert.Equal(t, "any", target("10.0.0.2:80"))
	assert.Equal(t, "other", target("10.0.0.1:8080"))
	assert.Empty(t, target("10.0.0.1:81"))
	assert.Equal(t, []int{80, 8080}, l.Ports())

	before := l.Status()[0]
	require.Error(t, l.Configure([]Endpoint{{IPAddress: "not-an-ip", Port: 80}, {IPAddress: "*", Port: 80, Node: "any"}}))
	require.Len(t, l.Status(), 1)
	assert.Equal(t, before.Endpoint, l.Status()[0].Endpoint)
}
