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
	"net/netip"
	"sync/atomic"

	"github.com/Bikeman868/Gravity-sub000/analytics"
	"github.com/Bikeman868/Gravity-sub000/conn"
	"github.com/Bikeman868/Gravity-sub000/health"
)

// Address is one resolved IP address of a server node together with its
// connection pool, health and traffic.
type Address struct {
	addr    netip.Addr
	pool    *conn.Pool
	checks  *conn.Pool // nil unless health checks use their own port
	tracker *health.Tracker
	traffic *analytics.Traffic

	connections atomic.Int64
}

// AddressStatus describes one address in a server node's status.
type AddressStatus struct {
	Address     string          `json:"address"`
	Health      health.Snapshot `json:"health"`
	Connections int64           `json:"connections"`
	Idle        int             `json:"idle"`
	Created     int64           `json:"created"`
	Reused      int64           `json:"reused"`
	Traffic     analytics.Stats `json:"traffic"`
}

// Addr returns the IP address.
func (a *Address) Addr() netip.Addr {
	return a.addr
}

// Healthy reports whether the address passed its most recent checks.
func (a *Address) Healthy() bool {
	return a.tracker.State() == health.StateHealthy
}

// Connections returns the number of requests currently forwarded to the
// address.
func (a *Address) Connections() int64 {
	return a.connections.Load()
}

// acquire reserves a connection slot, failing when limit is positive and
// already reached.
func (a *Address) acquire(limit int) bool {
	n := a.connections.Add(1)
	if limit > 0 && n > int64(limit) {
		a.connections.Add(-1)
		return false
	}
	return true
}

// checkPool returns the pool health checks are sent over.
func (a *Address) checkPool() *conn.Pool {
	if a.checks != nil {
		return a.checks
	}
	return a.pool
}

func (a *Address) release() {
	a.connections.Add(-1)
}

func (a *Address) status() AddressStatus {
	created, reused := a.pool.Stats()
	return AddressStatus{
		Address:     a.pool.Key().Address(),
		Health:      a.tracker.Snapshot(),
		Connections: a.connections.Load(),
		Idle:        a.pool.Len(),
		Created:     created,
		Reused:      reused,
		Traffic:     a.traffic.Stats(),
	}
}
