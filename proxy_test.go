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

package gravity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/Bikeman868/Gravity-sub000/config"
	"github.com/Bikeman868/Gravity-sub000/node"
	"github.com/Bikeman868/Gravity-sub000/resolver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func named(name string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend", name)
		_, _ = fmt.Fprintf(w, "%s %s", name, r.URL.Path)
	}))
}

func port(t *testing.T, addr string) string {
	t.Helper()
	if strings.Contains(addr, "://") {
		u, err := url.Parse(addr)
		require.NoError(t, err)
		return u.Port()
	}
	_, p, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	return p
}

// frontend starts a proxy built from the YAML produced by document, which
// receives the port the proxy is served on.
func frontend(t *testing.T, document func(port string) string, opts ...Option) (*Proxy, *httptest.Server) {
	t.Helper()
	server := httptest.NewUnstartedServer(nil)
	cfg, err := config.Parse([]byte(document(port(t, server.Listener.Addr().String()))))
	require.NoError(t, err)
	p, err := New(cfg, append([]Option{quiet(), WithRegistry(prometheus.NewRegistry())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	server.Config.Handler = p.Handler()
	server.Start()
	t.Cleanup(server.Close)
	return p, server
}

func fetch(t *testing.T, target string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(target) //nolint:noctx
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func online(t *testing.T, p *Proxy, names ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		inst := p.Graph().Active()
		if inst == nil {
			return false
		}
		for _, name := range names {
			if inst.Node(name).Offline() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestProxyRoutesAndBalances(t *testing.T) {
	t.Parallel()
	a, b := named("a"), named("b")
	t.Cleanup(a.Close)
	t.Cleanup(b.Close)

	p, front := frontend(t, func(listen string) string {
		return fmt.Sprintf(`
listeners:
  - port: %s
    node: entry
nodes:
  router:
    - name: entry
      outputs:
        - routeTo: status
          conditions: ["path startsWith /gravity"]
        - routeTo: pool
          conditions: ["path startsWith /api"]
        - routeTo: missing
  roundRobin:
    - name: pool
      outputs: [a, b]
  server:
    - name: a
      host: 127.0.0.1
      port: %s
    - name: b
      host: 127.0.0.1
      port: %s
  response:
    - name: missing
      statusCode: 404
      content: not here
  internal:
    - name: status
`, listen, port(t, a.URL), port(t, b.URL))
	})
	online(t, p, "a", "b", "pool")

	var served []string
	for range 4 {
		resp, body := fetch(t, front.URL+"/api/items")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		served = append(served, resp.Header.Get("X-Backend"))
		assert.Contains(t, body, "/api/items")
	}
	assert.Equal(t, []string{"a", "b", "a", "b"}, served)

	resp, body := fetch(t, front.URL+"/elsewhere")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not here", body)

	resp, body = fetch(t, front.URL+"/gravity/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "gravity_requests_total")
	assert.Contains(t, body, "gravity_backend_requests_total")

	resp, body = fetch(t, front.URL+"/gravity/status")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"name": "pool"`)
}

func TestProxyReconfigure(t *testing.T) {
	t.Parallel()
	document := func(listen, content string) string {
		return fmt.Sprintf(`
graph:
  statusInterval: 10ms
listeners:
  - port: %s
    node: entry
nodes:
  response:
    - name: entry
      content: %s
`, listen, content)
	}
	var listen string
	p, front := frontend(t, func(port string) string {
		listen = port
		return document(port, "one")
	})
	_, body := fetch(t, front.URL)
	assert.Equal(t, "one", body)

	cfg, err := config.Parse([]byte(document(listen, "two")))
	require.NoError(t, err)
	require.NoError(t, p.Configure(cfg))
	require.Eventually(t, func() bool {
		_, body := fetch(t, front.URL)
		return body == "two"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Same(t, cfg, p.Config())

	broken, err := config.Parse([]byte(fmt.Sprintf(`
listeners:
  - port: %s
    node: entry
nodes:
  transform:
    - name: entry
      outputNode: entry
      transformer: nothing
`, listen)))
	require.NoError(t, err)
	require.ErrorContains(t, p.Configure(broken), `no transformer registered as "nothing"`)
	_, body = fetch(t, front.URL)
	assert.Equal(t, "two", body, "a failed configuration leaves the active graph alone")
}

type stamp struct{}

func (stamp) TransformRequest(r *http.Request) *http.Request {
	r = r.Clone(r.Context())
	r.URL.Path = "/stamped" + r.URL.Path
	return r
}

func (stamp) TransformResponse(_ int, header http.Header) {
	header.Set("X-Stamped", "yes")
}

func TestProxyCustomTransformer(t *testing.T) {
	t.Parallel()
	backend := named("backend")
	t.Cleanup(backend.Close)
	p, front := frontend(t, func(listen string) string {
		return fmt.Sprintf(`
listeners:
  - port: %s
    node: entry
nodes:
  transform:
    - name: entry
      outputNode: backend
      transformer: stamp
  server:
    - name: backend
      host: 127.0.0.1
      port: %s
`, listen, port(t, backend.URL))
	}, WithTransformer("stamp", stamp{}))
	online(t, p, "backend")

	resp, body := fetch(t, front.URL+"/x")
	assert.Equal(t, "yes", resp.Header.Get("X-Stamped"))
	assert.Equal(t, "backend /stamped/x", body)
}

// localhostTLS returns a server configuration with a fresh self-signed
// certificate for localhost and a client configuration trusting it.
func localhostTLS(t *testing.T) (server, client *tls.Config) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"Gravity Test"}},
		DNSNames:              []string{"localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	roots := x509.NewCertPool()
	roots.AddCert(cert)
	return &tls.Config{
			Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
			MinVersion:   tls.VersionTLS12,
		}, &tls.Config{
			RootCAs:    roots,
			MinVersion: tls.VersionTLS12,
		}
}

func TestProxyHTTPSBackend(t *testing.T) {
	t.Parallel()
	serverTLS, clientTLS := localhostTLS(t)
	backend := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, "secure %s %s", r.Host, r.TLS.ServerName)
	}))
	backend.TLS = serverTLS
	backend.StartTLS()
	t.Cleanup(backend.Close)

	p, front := frontend(t, func(listen string) string {
		return fmt.Sprintf(`
listeners:
  - port: %s
    node: secure
nodes:
  server:
    - name: secure
      host: localhost
      port: %s
      protocol: https
      healthCheck:
        enabled: true
        path: /health
`, listen, port(t, backend.URL))
	},
		WithResolver(resolver.Static{"localhost": {netip.MustParseAddr("127.0.0.1")}}),
		WithTLSConfig(clientTLS),
	)
	online(t, p, "secure")

	resp, body := fetch(t, front.URL)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "secure localhost:"+port(t, backend.URL)+" localhost", body)
}

func TestProxyStart(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	listen := port(t, ln.Addr().String())
	require.NoError(t, ln.Close())

	cfg, err := config.Parse([]byte(fmt.Sprintf(`
listeners:
  - port: %s
    node: hello
nodes:
  response:
    - name: hello
      statusCode: 201
      headers:
        X-Greeting: hi
`, listen)))
	require.NoError(t, err)
	p, err := New(cfg, quiet(), WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	require.NoError(t, p.Start())
	assert.Len(t, p.Ports(), 1)

	resp, _ := fetch(t, "http://127.0.0.1:"+listen+"/")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "hi", resp.Header.Get("X-Greeting"))
	assert.NotEmpty(t, resp.Header.Get(node.RequestIDHeader))

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Configure(cfg), ErrClosed)
	_, err = http.Get("http://127.0.0.1:" + listen + "/") //nolint:noctx
	require.Error(t, err)
}
