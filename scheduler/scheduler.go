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

// Package scheduler drives many in-flight units of work, such as request
// streams, from a small fixed set of worker goroutines.
//
// Every worker walks the shared list of units and polls each one it can
// claim. A unit is claimed with a non-blocking lock, so a worker never waits
// for another worker; it moves on to the next unit instead. Units finish by
// reporting completion from Poll, after which they are removed from the list
// and disposed.
package scheduler

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Bikeman868/Gravity-sub000/internal"
)

const (
	// DefaultWorkers is the number of worker goroutines when none is
	// configured.
	DefaultWorkers = 8
	// DefaultPollInterval is how long an idle worker sleeps when nothing
	// wakes it. Timeouts are detected on these ticks.
	DefaultPollInterval = 5 * time.Millisecond
)

// ErrClosed is returned when adding work to a closed scheduler. The unit is
// canceled with this error as well.
var ErrClosed = errors.New("scheduler closed")

// Unit is one piece of work polled by the scheduler. Poll and Cancel are
// never called concurrently for the same unit.
type Unit interface {
	// Poll advances the unit and reports whether it has finished.
	Poll(now time.Time) bool
	// Cancel ends the unit early.
	Cancel(err error)
	// Dispose releases resources once the unit has finished.
	Dispose()
}

// Option customizes a Scheduler.
type Option interface {
	apply(*options)
}

// WithClock sets the clock used to timestamp polls.
func WithClock(clock internal.Clock) Option {
	return optionFunc(func(opts *options) {
		opts.clock = clock
	})
}

// WithWorkers sets the initial number of worker goroutines.
func WithWorkers(workers int) Option {
	return optionFunc(func(opts *options) {
		opts.workers = workers
	})
}

// WithPollInterval sets how often idle workers look at the unit list
// without being woken.
func WithPollInterval(interval time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.pollInterval = interval
	})
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return optionFunc(func(opts *options) {
		opts.logger = logger
	})
}

type optionFunc func(*options)

func (f optionFunc) apply(opts *options) {
	f(opts)
}

type options struct {
	clock        internal.Clock
	workers      int
	pollInterval time.Duration
	logger       *slog.Logger
}

func (opts *options) applyDefaults() {
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
	if opts.workers <= 0 {
		opts.workers = DefaultWorkers
	}
	if opts.pollInterval <= 0 {
		opts.pollInterval = DefaultPollInterval
	}
	if opts.logger == nil {
		opts.logger = slog.Default()
	}
}

type entry struct {
	unit     Unit
	lock     sync.Mutex
	finished atomic.Bool
}

// Scheduler is a pool of workers that poll units until they finish.
type Scheduler struct {
	opts    options
	wake    chan struct{}
	done    chan struct{}
	epoch   atomic.Uint64
	running atomic.Int32
	wg      sync.WaitGroup

	mu sync.Mutex
	// +checklocks:mu
	units []*entry
	// +checklocks:mu
	workers int
	// +checklocks:mu
	closed bool
}

// New creates a scheduler and starts its workers.
func New(opts ...Option) *Scheduler {
	var o options
	for _, opt := range opts {
		opt.apply(&o)
	}
	o.applyDefaults()
	s := &Scheduler{
		opts: o,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	s.Configure(o.workers)
	return s
}

// Configure replaces the worker set with workers new goroutines. Workers of
// the previous set finish the unit they are polling and then exit.
func (s *Scheduler) Configure(workers int) {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	epoch := s.epoch.Add(1)
	s.workers = workers
	s.wg.Add(workers)
	for range workers {
		go s.work(epoch)
	}
	s.opts.logger.Debug("scheduler configured", slog.Int("workers", workers), slog.Uint64("epoch", epoch))
	s.Wake()
}

// Workers returns the configured number of workers.
func (s *Scheduler) Workers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers
}

// Add schedules u. If the scheduler is closed, u is canceled and disposed
// immediately and ErrClosed is returned.
func (s *Scheduler) Add(u Unit) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		u.Cancel(ErrClosed)
		u.Dispose()
		return ErrClosed
	}
	s.units = append(s.units, &entry{unit: u})
	s.mu.Unlock()
	s.Wake()
	return nil
}

// Wake prompts an idle worker to poll the units now instead of at its next
// tick.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of unfinished units.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.units)
}

// Running returns the number of live worker goroutines, including workers
// of a replaced set that have not yet exited.
func (s *Scheduler) Running() int {
	return int(s.running.Load())
}

// Close stops all workers, then cancels and disposes every unit that has
// not finished.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.epoch.Add(1)
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	units := s.units
	s.units = nil
	s.mu.Unlock()
	for _, e := range units {
		e.lock.Lock()
		if !e.finished.Load() {
			e.unit.Cancel(ErrClosed)
			e.unit.Dispose()
		}
		e.lock.Unlock()
	}
	return nil
}

func (s *Scheduler) work(epoch uint64) {
	defer s.wg.Done()
	s.running.Add(1)
	defer s.running.Add(-1)

	timer := s.opts.clock.NewTimer(s.opts.pollInterval)
	defer timer.Stop()
	var snapshot []*entry
	for s.epoch.Load() == epoch {
		snapshot = s.snapshot(snapshot[:0])
		if s.sweep(epoch, snapshot) {
			s.prune()
		}
		clear(snapshot)

		timer.Reset(s.opts.pollInterval)
		select {
		case <-s.wake:
		case <-timer.Chan():
		case <-s.done:
			return
		}
	}
}

func (s *Scheduler) snapshot(dst []*entry) []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(dst, s.units...)
}

// sweep polls every unit in units that no other worker holds. It reports
// whether any unit finished.
func (s *Scheduler) sweep(epoch uint64, units []*entry) bool {
	finished := false
	for _, e := range units {
		if s.epoch.Load() != epoch {
			break
		}
		if !e.lock.TryLock() {
			continue
		}
		if !e.finished.Load() && s.poll(e) {
			e.finished.Store(true)
			e.unit.Dispose()
			finished = true
		}
		e.lock.Unlock()
	}
	return finished
}

func (s *Scheduler) poll(e *entry) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			s.opts.logger.Error("unit panicked", slog.Any("panic", r))
			e.unit.Cancel(&PanicError{Value: r})
			done = true
		}
	}()
	return e.unit.Poll(s.opts.clock.Now())
}

func (s *Scheduler) prune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.units[:0]
	for _, e := range s.units {
		if !e.finished.Load() {
			kept = append(kept, e)
		}
	}
	clear(s.units[len(kept):])
	s.units = kept
}

// PanicError is the cancellation cause of a unit whose Poll panicked.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return "unit panicked while polling"
}
