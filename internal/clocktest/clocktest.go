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

// Package clocktest provides a manually advanced internal.Clock for tests,
// built on the Clockwork fake clock.
package clocktest

import (
	"context"
	"time"

	"github.com/Bikeman868/Gravity-sub000/internal"
	"github.com/jonboulle/clockwork"
)

// FakeClock is an internal.Clock that only moves when advanced.
type FakeClock interface {
	internal.Clock
	Advance(d time.Duration)
	// BlockUntilContext waits until at least waiters timers, tickers or
	// After channels are pending on the clock.
	BlockUntilContext(ctx context.Context, waiters int) error
}

// NewFakeClock returns a FakeClock set to an arbitrary fixed time.
func NewFakeClock() FakeClock {
	return fake{clockwork.NewFakeClock()}
}

// NewFakeClockAt returns a FakeClock set to t.
func NewFakeClockAt(t time.Time) FakeClock {
	return fake{clockwork.NewFakeClockAt(t)}
}

// fake re-boxes the tickers and timers clockwork returns, whose interface
// types differ nominally from the internal ones.
type fake struct {
	*clockwork.FakeClock
}

var _ FakeClock = fake{}

func (f fake) NewTicker(d time.Duration) internal.Ticker {
	return f.FakeClock.NewTicker(d)
}

func (f fake) NewTimer(d time.Duration) internal.Timer {
	return f.FakeClock.NewTimer(d)
}

func (f fake) AfterFunc(d time.Duration, fn func()) internal.Timer {
	return f.FakeClock.AfterFunc(d, fn)
}
