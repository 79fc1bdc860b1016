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

package health

import (
	"sync"
	"time"
)

// Tracker accumulates check results for one address.
type Tracker struct {
	threshold int

	mu sync.Mutex
	// +checklocks:mu
	state State
	// +checklocks:mu
	failures int
	// +checklocks:mu
	lastErr error
	// +checklocks:mu
	lastCheck time.Time
}

// NewTracker returns a tracker that turns unhealthy after threshold
// consecutive failures. Thresholds below one are treated as one.
func NewTracker(threshold int) *Tracker {
	if threshold < 1 {
		threshold = 1
	}
	return &Tracker{threshold: threshold}
}

// Succeeded records a successful check and returns the new state and
// whether it changed.
func (t *Tracker) Succeeded(now time.Time) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = 0
	t.lastErr = nil
	t.lastCheck = now
	changed := t.state != StateHealthy
	t.state = StateHealthy
	return t.state, changed
}

// Failed records a failed check. The state only flips to unhealthy once the
// number of consecutive failures reaches the threshold.
func (t *Tracker) Failed(now time.Time, err error) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures++
	t.lastErr = err
	t.lastCheck = now
	if t.failures < t.threshold || t.state == StateUnhealthy {
		return t.state, false
	}
	t.state = StateUnhealthy
	return t.state, true
}

// Record dispatches to Succeeded or Failed.
func (t *Tracker) Record(now time.Time, healthy bool, err error) (State, bool) {
	if healthy {
		return t.Succeeded(now)
	}
	return t.Failed(now, err)
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Snapshot describes a tracker at one instant.
type Snapshot struct {
	State     State     `json:"state"`
	Failures  int       `json:"failures"`
	LastError string    `json:"lastError,omitempty"`
	LastCheck time.Time `json:"lastCheck"`
}

// Snapshot returns the tracker's current state and counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snapshot := Snapshot{State: t.state, Failures: t.failures, LastCheck: t.lastCheck}
	if t.lastErr != nil {
		snapshot.LastError = t.lastErr.Error()
	}
	return snapshot
}
