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

package node_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Bikeman868/Gravity-sub000/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundRobinFairness(t *testing.T) {
	t.Parallel()
	opts := node.Options{}
	outputs := []*node.Output{
		node.NewOutput("a", false, opts),
		node.NewOutput("disabled-output", true, opts),
		node.NewOutput("b", false, opts),
		node.NewOutput("missing", false, opts),
		node.NewOutput("off", false, opts),
		node.NewOutput("c", false, opts),
	}
	rr := node.NewRoundRobin("rr", false, outputs, opts)
	graph := testGraph{
		rr,
		served("a"), served("b"), served("c"), served("disabled-output"),
		node.NewResponse("off", true, 0, "", nil, "", opts),
	}
	err := rr.Bind(graph)
	require.ErrorIs(t, err, node.ErrUnknownNode)
	assert.Contains(t, err.Error(), "missing")

	for round := range 3 {
		seen := map[string]int{}
		for range 3 {
			rec, _, err := process(rr, httptest.NewRequest(http.MethodGet, "/", nil))
			require.NoError(t, err)
			seen[rec.Header().Get("X-Served-By")]++
		}
		assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, seen, "round %d", round)
	}
	rr.UpdateStatus()
	assert.False(t, rr.Offline())
}

func TestRoundRobinNoOutputs(t *testing.T) {
	t.Parallel()
	rr := node.NewRoundRobin("rr", false, node.NewOutputs([]string{"gone"}, node.Options{}), node.Options{})
	require.Error(t, rr.Bind(testGraph{rr}))
	rr.UpdateStatus()
	assert.True(t, rr.Offline())
	_, _, err := process(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.ErrorIs(t, err, node.ErrNoOutput)
}

func TestLeastConnections(t *testing.T) {
	t.Parallel()
	opts := node.Options{}
	slow := newGate("a")
	outputs := node.NewOutputs([]string{"a", "b", "c"}, opts)
	lc := node.NewLeastConnections("lc", false, outputs, opts)
	require.NoError(t, lc.Bind(testGraph{lc, slow, served("b"), served("c")}))

	// ties go to the first output
	slow.hold = false
	rec, _, err := process(lc, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, "a", rec.Header().Get("X-Served-By"))

	// with a request in flight on a, the next one goes to b
	slow.hold = true
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, err := process(lc, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.NoError(t, err)
	}()
	<-slow.entered
	assert.Equal(t, int64(1), outputs[0].Connections())
	rec, _, err = process(lc, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, "b", rec.Header().Get("X-Served-By"))

	close(slow.release)
	wg.Wait()
	assert.Zero(t, outputs[0].Connections())
	assert.Zero(t, outputs[1].Connections())
}

func TestRouter(t *testing.T) {
	t.Parallel()
	opts := node.Options{}
	compile := func(expression string) node.Condition {
		condition, err := node.DefaultEvaluator{}.Compile(expression)
		require.NoError(t, err)
		return condition
	}
	routes := []node.Route{
		{
			Output: node.NewOutput("beta", false, opts),
			When: &node.ConditionGroup{Logic: node.All, Conditions: []node.Condition{
				compile("path startsWith /api"),
				compile("header:X-Env = beta"),
			}},
		},
		{
			Output: node.NewOutput("api", false, opts),
			When:   &node.ConditionGroup{Logic: node.Any, Conditions: []node.Condition{compile("path startsWith /api")}},
		},
		{
			Output: node.NewOutput("disabled", true, opts),
		},
		{
			Output: node.NewOutput("site", false, opts),
			When: &node.ConditionGroup{Logic: node.None, Conditions: []node.Condition{
				compile("method = POST"),
			}},
		},
	}
	router := node.NewRouter("router", false, routes, opts)
	require.NoError(t, router.Bind(testGraph{router, served("beta"), served("api"), served("site"), served("disabled")}))

	testCases := []struct {
		method, target, env string
		want                string
	}{
		{method: http.MethodGet, target: "/api/users", env: "beta", want: "beta"},
		{method: http.MethodGet, target: "/api/users", want: "api"},
		{method: http.MethodGet, target: "/index.html", want: "site"},
		{method: http.MethodPost, target: "/form", want: ""},
	}
	for _, testCase := range testCases {
		req := httptest.NewRequest(testCase.method, testCase.target, nil)
		if testCase.env != "" {
			req.Header.Set("X-Env", testCase.env)
		}
		rec, _, err := process(router, req)
		if testCase.want == "" {
			require.ErrorIs(t, err, node.ErrNoRoute)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, testCase.want, rec.Header().Get("X-Served-By"), "%s %s", testCase.method, testCase.target)
	}
}

func TestConditionGroupLogic(t *testing.T) {
	t.Parallel()
	yes := node.ConditionFunc(func(*node.Context) bool { return true })
	no := node.ConditionFunc(func(*node.Context) bool { return false })
	mixed := []node.Condition{yes, no}
	testCases := []struct {
		group *node.ConditionGroup
		want  bool
	}{
		{group: nil, want: true},
		{group: &node.ConditionGroup{Logic: node.None}, want: true},
		{group: &node.ConditionGroup{Logic: node.All, Conditions: mixed}, want: false},
		{group: &node.ConditionGroup{Logic: node.Any, Conditions: mixed}, want: true},
		{group: &node.ConditionGroup{Logic: node.None, Conditions: mixed}, want: false},
		{group: &node.ConditionGroup{Logic: node.NotAll, Conditions: mixed}, want: true},
		{group: &node.ConditionGroup{Logic: node.NotAll, Conditions: []node.Condition{yes, yes}}, want: false},
		{group: &node.ConditionGroup{Logic: node.None, Conditions: []node.Condition{no}}, want: true},
		{
			group: &node.ConditionGroup{Logic: node.All, Conditions: []node.Condition{yes}, Groups: []*node.ConditionGroup{
				{Logic: node.Any, Conditions: []node.Condition{no, yes}},
			}},
			want: true,
		},
	}
	c := &node.Context{Request: httptest.NewRequest(http.MethodGet, "/", nil)}
	for i, testCase := range testCases {
		assert.Equal(t, testCase.want, testCase.group.Match(c), "case %d", i)
	}
}

func TestDefaultEvaluator(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodPut, "http://Shop.Example.com:8080/cart/items?id=7", nil)
	req.RemoteAddr = "192.0.2.10:51234"
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11)")
	req.AddCookie(&http.Cookie{Name: "tier", Value: "gold"})
	c := &node.Context{Request: req}

	testCases := []struct {
		expression string
		want       bool
	}{
		{"method = put", true},
		{"method != PUT", false},
		{"path endsWith /items", true},
		{"path contains /cart/", true},
		{"host = shop.example.com", true},
		{"query = id=7", true},
		{"ip startsWith 192.0.2.", true},
		{"header:User-Agent contains (X11)", true},
		{`header:User-Agent = "Mozilla/5.0 (X11)"`, true},
		{"cookie:tier = gold", true},
		{"cookie:missing = gold", false},
		{`path ~ ^/cart/\w+$`, true},
	}
	for _, testCase := range testCases {
		expression, want := testCase.expression, testCase.want
		condition, err := node.DefaultEvaluator{}.Compile(expression)
		require.NoError(t, err, expression)
		assert.Equal(t, want, condition.Match(c), expression)
	}

	for _, bad := range []string{"path", "size > 10", "path >> x", "header: = x", "path ~ ("} {
		_, err := node.DefaultEvaluator{}.Compile(bad)
		assert.Error(t, err, bad)
	}
}

func TestResponseNode(t *testing.T) {
	t.Parallel()
	n := node.NewResponse("teapot", false, http.StatusTeapot, "short and stout",
		map[string]string{"X-Custom": "1"}, "I'm a teapot", node.Options{})
	rec, c, err := process(n, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Custom"))
	assert.Equal(t, "short and stout", rec.Header().Get(node.ReasonHeader))
	assert.Equal(t, "I'm a teapot", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(node.RequestIDHeader))
	assert.Equal(t, c.ID, rec.Header().Get(node.RequestIDHeader))
}

func TestDisabledNode(t *testing.T) {
	t.Parallel()
	n := node.NewResponse("off", true, 0, "", nil, "", node.Options{})
	c := node.NewContext(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), nil)
	require.ErrorIs(t, node.Dispatch(c, n), node.ErrDisabled)
	assert.False(t, c.Response.Started())
}

func TestWriterReject(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	w := node.NewWriter(rec)
	assert.True(t, w.Reject(http.StatusServiceUnavailable, "backend down"))
	assert.False(t, w.Reject(http.StatusBadGateway, "again"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "backend down", rec.Header().Get(node.ReasonHeader))
	assert.Equal(t, "backend down\n", rec.Body.String())
	assert.Equal(t, http.StatusServiceUnavailable, w.Status())
}

func TestWriterCommitHooksRunInnermostFirst(t *testing.T) {
	t.Parallel()
	w := node.NewWriter(httptest.NewRecorder())
	var order []string
	w.OnCommit(func(int, http.Header) { order = append(order, "outer") })
	w.OnCommit(func(status int, header http.Header) {
		order = append(order, "inner")
		assert.Equal(t, http.StatusAccepted, status)
	})
	w.WriteHeader(http.StatusAccepted)
	w.WriteHeader(http.StatusOK)
	assert.Equal(t, []string{"inner", "outer"}, order)
}

func TestRequestIDKept(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(node.RequestIDHeader, "upstream-id")
	c := node.NewContext(httptest.NewRecorder(), req, nil)
	assert.Equal(t, "upstream-id", c.ID)
}

func TestTransform(t *testing.T) {
	t.Parallel()
	opts := node.Options{}
	var seen *http.Request
	backend := newFuncNode("backend", func(c *node.Context) error {
		seen = c.Request
		c.Response.Header().Set("Server", "secret")
		c.Response.WriteHeader(http.StatusOK)
		return nil
	})
	transformer := &node.HeaderTransformer{
		SetRequestHeaders:     map[string]string{"X-Forwarded-Proto": "https"},
		RemoveRequestHeaders:  []string{"Cookie"},
		SetResponseHeaders:    map[string]string{"X-Frame-Options": "DENY"},
		RemoveResponseHeaders: []string{"Server"},
		StripPathPrefix:       "/public",
		AddPathPrefix:         "/v2",
	}
	n := node.NewTransform("rewrite", false, node.NewOutput("backend", false, opts), transformer, opts)
	require.NoError(t, n.Bind(testGraph{n, backend}))

	req := httptest.NewRequest(http.MethodGet, "/public/docs/?q=1", nil)
	req.Header.Set("Cookie", "a=b")
	rec, _, err := process(n, req)
	require.NoError(t, err)
	assert.Equal(t, "/v2/docs/", seen.URL.Path)
	assert.Equal(t, "/v2/docs/?q=1", seen.URL.RequestURI())
	assert.Equal(t, "https", seen.Header.Get("X-Forwarded-Proto"))
	assert.Empty(t, seen.Header.Get("Cookie"))
	assert.Equal(t, "a=b", req.Header.Get("Cookie"), "original request must not change")
	assert.Empty(t, rec.Header().Get("Server"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestCors(t *testing.T) {
	t.Parallel()
	opts := node.Options{}
	policy := node.CorsPolicy{
		AllowedOrigins:   []string{"https://app.example.com"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPut},
		ExposedHeaders:   []string{"X-Total"},
		AllowCredentials: true,
		MaxAge:           10 * time.Minute,
	}
	n := node.NewCors("cors", false, node.NewOutput("api", false, opts), policy, opts)
	require.NoError(t, n.Bind(testGraph{n, served("api")}))

	preflight := httptest.NewRequest(http.MethodOptions, "/", nil)
	preflight.Header.Set("Origin", "https://app.example.com")
	preflight.Header.Set("Access-Control-Request-Method", http.MethodPut)
	preflight.Header.Set("Access-Control-Request-Headers", "X-Token")
	rec, _, err := process(n, preflight)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, PUT", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "X-Token", rec.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Empty(t, rec.Header().Get("X-Served-By"))

	denied := httptest.NewRequest(http.MethodOptions, "/", nil)
	denied.Header.Set("Origin", "https://evil.example.com")
	denied.Header.Set("Access-Control-Request-Method", http.MethodPut)
	rec, _, err = process(n, denied)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	simple := httptest.NewRequest(http.MethodGet, "/", nil)
	simple.Header.Set("Origin", "https://app.example.com")
	rec, _, err = process(n, simple)
	require.NoError(t, err)
	assert.Equal(t, "api", rec.Header().Get("X-Served-By"))
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "X-Total", rec.Header().Get("Access-Control-Expose-Headers"))

	foreign := httptest.NewRequest(http.MethodGet, "/", nil)
	foreign.Header.Set("Origin", "https://evil.example.com")
	rec, _, err = process(n, foreign)
	require.NoError(t, err)
	assert.Equal(t, "api", rec.Header().Get("X-Served-By"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLogFilter(t *testing.T) {
	t.Parallel()
	opts := node.Options{}
	var debugEnabled bool
	backend := newFuncNode("backend", func(c *node.Context) error {
		debugEnabled = c.Log.Enabled(context.Background(), slog.LevelDebug)
		c.Response.WriteHeader(http.StatusOK)
		return nil
	})
	n := node.NewLogFilter("verbose", false, node.NewOutput("backend", false, opts), slog.LevelDebug, opts)
	require.NoError(t, n.Bind(testGraph{n, backend}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := node.NewContext(httptest.NewRecorder(), req, slog.New(slog.NewTextHandler(&discard{}, nil)))
	require.False(t, c.Log.Enabled(context.Background(), slog.LevelDebug))
	require.NoError(t, node.Dispatch(c, n))
	assert.True(t, debugEnabled)
	assert.Equal(t, []string{"verbose", "backend"}, c.Trace)
}

func TestInternal(t *testing.T) {
	t.Parallel()
	opts := node.Options{}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	n := node.NewInternal("status", false, metrics, opts)
	rr := node.NewRoundRobin("rr", false, node.NewOutputs([]string{"status"}, opts), opts)
	graph := testGraph{n, rr}
	require.NoError(t, n.Bind(graph))
	require.NoError(t, rr.Bind(graph))

	rec, _, err := process(n, httptest.NewRequest(http.MethodGet, "/gravity/status", nil))
	require.NoError(t, err)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body struct {
		Nodes []node.Status `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Nodes, 2)
	assert.Equal(t, node.KindInternal, body.Nodes[0].Kind)
	assert.Equal(t, "rr", body.Nodes[1].Name)
	require.Len(t, body.Nodes[1].Outputs, 1)
	assert.True(t, body.Nodes[1].Outputs[0].Bound)

	rec, _, err = process(n, httptest.NewRequest(http.MethodGet, "/gravity/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, "# metrics", rec.Body.String())
}

type testGraph []node.Node

func (g testGraph) Node(name string) node.Node {
	for _, n := range g {
		if strings.EqualFold(n.Name(), name) {
			return n
		}
	}
	return nil
}

func (g testGraph) Nodes() []node.Node {
	return g
}

// served returns a terminal node that identifies itself in a header.
func served(name string) node.Node {
	return node.NewResponse(name, false, http.StatusOK, "", map[string]string{"X-Served-By": name}, name, node.Options{})
}

func process(n node.Node, req *http.Request) (*httptest.ResponseRecorder, *node.Context, error) {
	rec := httptest.NewRecorder()
	c := node.NewContext(rec, req, nil)
	err := node.Dispatch(c, n)
	return rec, c, err
}

type funcNode struct {
	node.Base
	fn func(c *node.Context) error
}

func newFuncNode(name string, fn func(c *node.Context) error) *funcNode {
	n := &funcNode{fn: fn}
	n.Init(name, node.KindResponse, false, node.Options{})
	return n
}

func (n *funcNode) Process(c *node.Context) error {
	return n.fn(c)
}

// gate is a terminal node that can hold requests until released.
type gate struct {
	*funcNode
	hold    bool
	entered chan struct{}
	release chan struct{}
}

func newGate(name string) *gate {
	g := &gate{entered: make(chan struct{}, 1), release: make(chan struct{})}
	g.funcNode = newFuncNode(name, func(c *node.Context) error {
		if g.hold {
			g.entered <- struct{}{}
			<-g.release
		}
		c.Response.Header().Set("X-Served-By", name)
		c.Response.WriteHeader(http.StatusOK)
		return nil
	})
	return g
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
