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

package node

import (
	"container/heap"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Bikeman868/Gravity-sub000/internal"
)

const (
	// DefaultSessionDuration is how long a session mapping lives when none
	// is configured.
	DefaultSessionDuration = time.Hour
	// sweepInterval is how often expired sessions are removed.
	sweepInterval = time.Second
)

type session struct {
	id      string
	output  *Output
	expires time.Time
	index   int
	// replaced is set, under the sessions lock, once a newer mapping for
	// the same id took over the output's session count.
	replaced bool
}

// sessionHeap orders sessions by expiry.
type sessionHeap []*session

func (h sessionHeap) Len() int           { return len(h) }
func (h sessionHeap) Less(i, j int) bool { return h[i].expires.Before(h[j].expires) }
func (h sessionHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *sessionHeap) Push(x any) {
	s, _ := x.(*session)
	s.index = len(*h)
	*h = append(*h, s)
}

func (h *sessionHeap) Pop() any {
	old := *h
	s := old[len(old)-1]
	old[len(old)-1] = nil
	*h = old[:len(old)-1]
	s.index = -1
	return s
}

// StickySession keeps a client on the output that served the response that
// set its session cookie.
type StickySession struct {
	balancer
	cookie   string
	duration time.Duration
	clock    internal.Clock

	mu sync.Mutex
	// +checklocks:mu
	sessions map[string]*session

	expiryMu sync.Mutex
	// +checklocks:expiryMu
	expiry sessionHeap

	stop chan struct{}
	done chan struct{}
}

// NewStickySession creates a session affinity balancer over outputs and
// starts its expiry sweep.
func NewStickySession(name string, disabled bool, outputs []*Output, cookie string, duration time.Duration, opts Options) *StickySession {
	if duration <= 0 {
		duration = DefaultSessionDuration
	}
	n := &StickySession{
		cookie:   cookie,
		duration: duration,
		sessions: make(map[string]*session),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	n.Init(name, KindStickySession, disabled, opts)
	n.outputs = outputs
	n.clock = n.Options().Clock
	go n.run()
	return n
}

// Process implements Node.
func (n *StickySession) Process(c *Context) error {
	output := n.lookup(c.Request)
	if output == nil {
		output = n.choose()
	}
	if output == nil {
		return fmt.Errorf("%s: %w", n.Name(), ErrNoOutput)
	}
	c.Response.OnCommit(func(_ int, header http.Header) {
		for _, line := range header.Values("Set-Cookie") {
			cookie, err := http.ParseSetCookie(line)
			if err != nil || cookie.Name != n.cookie || cookie.Value == "" || cookie.MaxAge < 0 {
				continue
			}
			n.record(cookie.Value, output)
		}
	})
	return output.Forward(c)
}

func (n *StickySession) lookup(req *http.Request) *Output {
	cookie, err := req.Cookie(n.cookie)
	if err != nil || cookie.Value == "" {
		return nil
	}
	now := n.clock.Now()
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.sessions[cookie.Value]
	if !ok || !s.expires.After(now) || !s.output.Usable() {
		return nil
	}
	return s.output
}

// choose picks the usable output with the fewest connections, then the
// fewest sessions.
func (n *StickySession) choose() *Output {
	var best *Output
	for _, output := range n.outputs {
		if !output.Usable() {
			continue
		}
		if best == nil ||
			output.Connections() < best.Connections() ||
			(output.Connections() == best.Connections() && output.Sessions() < best.Sessions()) {
			best = output
		}
	}
	return best
}

func (n *StickySession) record(id string, output *Output) {
	s := &session{id: id, output: output, expires: n.clock.Now().Add(n.duration)}
	n.mu.Lock()
	if old, ok := n.sessions[id]; ok && !old.replaced {
		old.replaced = true
		old.output.sessions.Add(-1)
	}
	n.sessions[id] = s
	output.sessions.Add(1)
	n.mu.Unlock()

	n.expiryMu.Lock()
	heap.Push(&n.expiry, s)
	n.expiryMu.Unlock()
}

// sweep removes every session that expired by now.
func (n *StickySession) sweep(now time.Time) int {
	var expired []*session
	n.expiryMu.Lock()
	for n.expiry.Len() > 0 && !n.expiry[0].expires.After(now) {
		s, _ := heap.Pop(&n.expiry).(*session)
		expired = append(expired, s)
	}
	n.expiryMu.Unlock()
	if len(expired) == 0 {
		return 0
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range expired {
		if n.sessions[s.id] == s {
			delete(n.sessions, s.id)
		}
		if !s.replaced {
			s.replaced = true
			s.output.sessions.Add(-1)
		}
	}
	return len(expired)
}

// Len returns the number of live session mappings.
func (n *StickySession) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sessions)
}

func (n *StickySession) run() {
	defer close(n.done)
	ticker := n.clock.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stop:
			return
		case <-ticker.Chan():
			if removed := n.sweep(n.clock.Now()); removed > 0 {
				n.Logger().Debug("expired sessions removed", slog.Int("count", removed))
			}
		}
	}
}

// Status implements Node.
func (n *StickySession) Status() Status {
	status := n.balancer.Status()
	status.Detail = map[string]any{
		"cookie":   n.cookie,
		"duration": n.duration.String(),
		"sessions": n.Len(),
	}
	return status
}

// Dispose stops the expiry sweep.
func (n *StickySession) Dispose() {
	select {
	case <-n.stop:
	default:
		close(n.stop)
	}
	<-n.done
}
