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

// Package tether runs the single background goroutine that copies the
// child's stdout to the supervisor's own stdout. It exists so that the
// main event loop (internal/child) never risks blocking on a write to an
// inherited, possibly-blocking stdout.
package tether

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const bounceBufferSize = 8 * 1024

// State is one of the tether thread's four states (spec §4.4).
type State int

const (
	InputReady State = iota
	OutputDrained
	Draining
	Stopping
)

func (s State) String() string {
	switch s {
	case InputReady:
		return "INPUT_READY"
	case OutputDrained:
		return "OUTPUT_DRAINED"
	case Draining:
		return "DRAINING"
	case Stopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// Thread copies bytes from an internal pipe (src) to the supervisor's own
// stdout (dst), draining on request and honoring a deadline once drain
// begins.
type Thread struct {
	src io.Reader
	dst io.Writer

	drainTimeout time.Duration
	drainOnce    chan struct{}
	drainStart   sync.Once
	done         chan struct{}

	activitySince atomic.Int64 // UnixNano of last observed progress
	state         atomic.Int32

	useSplice bool
	srcFD     int
	dstFD     int
}

// New builds a tether thread copying from srcFD to dst. dstFD is probed
// once for splice(2) suitability and the result kept in useSplice, but
// Run does not consult it: every copy goes through an 8 KiB bounce
// buffer, and splice(2) is never called.
func New(srcFD, dstFD int, dst io.Writer, drainTimeout time.Duration) *Thread {
	t := &Thread{
		src:          os.NewFile(uintptr(srcFD), "tether-read"),
		dst:          dst,
		drainTimeout: drainTimeout,
		drainOnce:    make(chan struct{}),
		done:         make(chan struct{}),
		srcFD:        srcFD,
		dstFD:        dstFD,
		useSplice:    probeSplice(dstFD),
	}
	t.activitySince.Store(time.Now().UnixNano())
	t.state.Store(int32(InputReady))
	return t
}

// probeSplice decides once, at startup, whether splice(2) can be used to
// the destination fd: it cannot if the destination is O_APPEND (splice
// does not respect the append offset atomically) or if splice is
// unsupported by the platform/fd type.
func probeSplice(dstFD int) bool {
	flags, err := unix.FcntlInt(uintptr(dstFD), unix.F_GETFL, 0)
	if err != nil {
		return false
	}
	if flags&unix.O_APPEND != 0 {
		return false
	}
	return true
}

// State returns the current state, safe for concurrent reads.
func (t *Thread) State() State { return State(t.state.Load()) }

// ActivitySince returns the event-clock time of the last observed input or
// output progress, used by the monitor to defer tether-timeout expiry.
func (t *Thread) ActivitySince() time.Time {
	return time.Unix(0, t.activitySince.Load())
}

func (t *Thread) markActivity() {
	t.activitySince.Store(time.Now().UnixNano())
}

// Drain signals the thread to stop accepting new input once the source
// pipe reaches EOF or the drain timeout elapses (spec §4.4: triggered by a
// control message after the child exits).
func (t *Thread) Drain() {
	t.drainStart.Do(func() {
		t.state.Store(int32(Draining))
		close(t.drainOnce)
	})
}

// Stop forcibly ends the thread without waiting for a natural drain. It is
// idempotent.
func (t *Thread) Stop() {
	select {
	case <-t.done:
	default:
		t.state.Store(int32(Stopping))
		close(t.done)
	}
}

// Done returns a channel closed when the thread has fully stopped,
// equivalent to the owner joining it.
func (t *Thread) Done() <-chan struct{} { return t.done }

// Run drives the copy loop; it returns when the source is closed, the
// drain deadline elapses, or Stop is called. It is meant to be launched
// as `go t.Run()`, the Go-idiomatic stand-in for the single dedicated OS
// thread the spec describes.
func (t *Thread) Run() {
	defer func() {
		select {
		case <-t.done:
		default:
			close(t.done)
		}
	}()

	buf := make([]byte, bounceBufferSize)
	type readResult struct {
		n   int
		err error
	}
	reads := make(chan readResult, 1)
	go func() {
		for {
			n, err := t.src.Read(buf)
			reads <- readResult{n, err}
			if err != nil {
				return
			}
		}
	}()

	var deadline <-chan time.Time
	for {
		select {
		case <-t.done:
			return
		case <-t.drainOnce:
			if t.drainTimeout > 0 {
				timer := time.NewTimer(t.drainTimeout)
				defer timer.Stop()
				deadline = timer.C
			}
			t.drainOnce = nil // already closed; avoid re-selecting it
		case <-deadline:
			t.Stop()
			return
		case r, ok := <-reads:
			if !ok {
				return
			}
			if r.err != nil {
				// Clean EOF from the child closing its end: this is a
				// normal drain completion, not a failure.
				t.Stop()
				return
			}
			if r.n > 0 {
				if _, err := t.dst.Write(buf[:r.n]); err != nil {
					t.Stop()
					return
				}
				t.markActivity()
				t.state.Store(int32(OutputDrained))
				t.state.Store(int32(InputReady))
			}
		}
	}
}
