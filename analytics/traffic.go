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

// Package analytics keeps rolling request statistics for listener
// endpoints, node outputs and backend addresses.
package analytics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Bikeman868/Gravity-sub000/internal"
)

const (
	// DefaultBucketSize is the width of one time bucket.
	DefaultBucketSize = 5 * time.Second
	// DefaultBuckets is how many buckets make up the window.
	DefaultBuckets = 12
)

// Option customizes a Traffic.
type Option interface {
	apply(*Traffic)
}

// WithClock sets the clock used to place requests in buckets.
func WithClock(clock internal.Clock) Option {
	return optionFunc(func(t *Traffic) {
		t.clock = clock
	})
}

// WithWindow sets the bucket width and the number of buckets.
func WithWindow(bucketSize time.Duration, buckets int) Option {
	return optionFunc(func(t *Traffic) {
		if bucketSize > 0 {
			t.bucketSize = bucketSize
		}
		if buckets > 0 {
			t.ring = make([]bucket, buckets)
		}
	})
}

type optionFunc func(*Traffic)

func (f optionFunc) apply(t *Traffic) {
	f(t)
}

type bucket struct {
	epoch   int64
	count   int64
	latency time.Duration
}

// Traffic records requests and their latency into a ring of fixed-size
// time buckets. Rates and averages are only refreshed by Recalculate, so
// recording stays cheap.
type Traffic struct {
	clock      internal.Clock
	bucketSize time.Duration
	lifetime   atomic.Int64

	mu sync.Mutex
	// +checklocks:mu
	ring []bucket
	// +checklocks:mu
	stats Stats
}

// Stats is the last computed view of a Traffic.
type Stats struct {
	Lifetime          int64         `json:"lifetime"`
	Recent            int64         `json:"recent"`
	RequestsPerSecond float64       `json:"requestsPerSecond"`
	AverageLatency    time.Duration `json:"averageLatency"`
}

// New creates an empty Traffic.
func New(opts ...Option) *Traffic {
	t := &Traffic{
		clock:      internal.NewRealClock(),
		bucketSize: DefaultBucketSize,
	}
	for _, opt := range opts {
		opt.apply(t)
	}
	if t.ring == nil {
		t.ring = make([]bucket, DefaultBuckets)
	}
	return t
}

// Record adds one request that took elapsed to complete.
func (t *Traffic) Record(elapsed time.Duration) {
	t.lifetime.Add(1)
	epoch := t.epoch(t.clock.Now())
	t.mu.Lock()
	defer t.mu.Unlock()
	b := &t.ring[int(epoch%int64(len(t.ring)))]
	if b.epoch != epoch {
		*b = bucket{epoch: epoch}
	}
	b.count++
	b.latency += elapsed
}

// Recalculate refreshes the rate and average latency from the buckets
// inside the window.
func (t *Traffic) Recalculate() {
	epoch := t.epoch(t.clock.Now())
	t.mu.Lock()
	defer t.mu.Unlock()
	var count int64
	var latency time.Duration
	oldest := epoch - int64(len(t.ring)) + 1
	for _, b := range t.ring {
		if b.epoch < oldest || b.epoch > epoch || b.count == 0 {
			continue
		}
		count += b.count
		latency += b.latency
	}
	window := t.bucketSize * time.Duration(len(t.ring))
	t.stats = Stats{
		Recent:            count,
		RequestsPerSecond: float64(count) / window.Seconds(),
	}
	if count > 0 {
		t.stats.AverageLatency = latency / time.Duration(count)
	}
}

// Stats returns the figures computed by the last Recalculate together with
// the current lifetime count.
func (t *Traffic) Stats() Stats {
	t.mu.Lock()
	stats := t.stats
	t.mu.Unlock()
	stats.Lifetime = t.lifetime.Load()
	return stats
}

// Lifetime returns the number of requests ever recorded.
func (t *Traffic) Lifetime() int64 {
	return t.lifetime.Load()
}

func (t *Traffic) epoch(now time.Time) int64 {
	// offset by one so that no live bucket has the zero epoch
	return now.UnixNano()/int64(t.bucketSize) + 1
}
