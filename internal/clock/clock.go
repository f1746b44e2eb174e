// Copyright 2024 The pidsentry Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package clock provides the event clock and the deadlines built on it,
// used to schedule timeouts that must survive whole-process
// SIGSTOP/SIGCONT intervals without firing early.
package clock

import (
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Now returns the current monotonic time; every deadline in this package
// reads the time through it.
func Now() time.Time { return time.Now() }

// SigContTracker samples a counter that increments on every SIGCONT
// delivered to this process. A deadline computation that observes the
// counter change across a wait interval knows that interval included a
// stop/resume cycle and must discard the elapsed time rather than count it
// against the deadline (spec §3, invariant 7).
type SigContTracker struct {
	count atomic.Uint64
	ch    chan os.Signal
	done  chan struct{}
}

// NewSigContTracker installs a SIGCONT handler and starts tracking.
// Callers must call Stop when finished.
func NewSigContTracker() *SigContTracker {
	t := &SigContTracker{
		ch:   make(chan os.Signal, 16),
		done: make(chan struct{}),
	}
	signal.Notify(t.ch, unix.SIGCONT)
	go t.run()
	return t
}

func (t *SigContTracker) run() {
	for {
		select {
		case <-t.ch:
			t.count.Add(1)
		case <-t.done:
			return
		}
	}
}

// Stop stops tracking and releases the signal channel.
func (t *SigContTracker) Stop() {
	signal.Stop(t.ch)
	close(t.done)
}

// Snapshot returns the current SIGCONT counter value.
func (t *SigContTracker) Snapshot() uint64 { return t.count.Load() }

// Changed reports whether the counter has advanced since since was taken.
func (t *SigContTracker) Changed(since uint64) bool { return t.count.Load() != since }

// EventClock is a monotonic clock whose elapsed-time computation discards
// any interval that crossed a SIGSTOP/SIGCONT boundary, by consulting a
// SigContTracker. internal/child drives its tether-timeout deadline with
// it so that a suspended-then-resumed watchdog does not appear to have
// missed that deadline.
type EventClock struct {
	tracker *SigContTracker
}

// NewEventClock builds an EventClock backed by tracker. tracker may be nil,
// in which case the event clock behaves like a plain monotonic clock (used
// in tests and on platforms where SIGCONT tracking isn't wired up).
func NewEventClock(tracker *SigContTracker) *EventClock {
	return &EventClock{tracker: tracker}
}

// Deadline represents a point in event-clock time after which a timeout
// has elapsed, robust to process suspension.
type Deadline struct {
	clock   *EventClock
	since   time.Time
	sigCont uint64
	limit   time.Duration
}

// NewDeadline starts a deadline limit long from now. A zero limit means
// "never expires" (spec §4.4's drain timeout of 0 ⇒ unbounded).
func (c *EventClock) NewDeadline(limit time.Duration) *Deadline {
	var since uint64
	if c.tracker != nil {
		since = c.tracker.Snapshot()
	}
	return &Deadline{clock: c, since: Now(), sigCont: since, limit: limit}
}

// Reset restarts the deadline's clock, as if NewDeadline were called again
// with the same limit. Used whenever tether/umbilical activity is observed
// so the deadline measures time since the last activity, not since start.
func (d *Deadline) Reset() {
	var since uint64
	if d.clock.tracker != nil {
		since = d.clock.tracker.Snapshot()
	}
	d.since = Now()
	d.sigCont = since
}

// Expired reports whether the deadline has elapsed. If the process was
// stopped and continued since the deadline was last reset, the elapsed
// interval is discarded (the deadline is pushed out, not considered
// expired) -- this is the SigContTracker defense from invariant 7.
func (d *Deadline) Expired() bool {
	if d.limit <= 0 {
		return false
	}
	if d.clock.tracker != nil && d.clock.tracker.Changed(d.sigCont) {
		d.Reset()
		return false
	}
	return Now().Sub(d.since) >= d.limit
}

// Remaining returns the time left before expiry, clamped to zero. A zero
// limit deadline never expires and Remaining returns a large sentinel
// duration suitable for use as a poll timeout.
func (d *Deadline) Remaining() time.Duration {
	if d.limit <= 0 {
		return time.Hour
	}
	left := d.limit - Now().Sub(d.since)
	if left < 0 {
		return 0
	}
	return left
}
