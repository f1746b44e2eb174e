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

// Package jobcontrol installs the watchdog's signal watches: forwarding
// of ordinary signals to the child, SIGTSTP/SIGCONT pause/resume of the
// child's process group, and a SIGCHLD latch the event loop can poll
// instead of reaping from within a signal handler (spec §5, step 6).
//
// Per spec §9, signal handlers here are restricted to the bare minimum:
// os/signal's channel delivery already keeps us off the signal-handler
// stack, so the "write one byte to a self-pipe" discipline the source
// needs in C is implicit in Go's runtime-mediated signal channel.
package jobcontrol

import (
	"os"
	"os/signal"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/talismancer/pidsentry/internal/ids"
)

// Watch owns the signal channel and the forwarding/pause-resume policy
// for one supervised process group.
type Watch struct {
	pgid ids.Pgid

	sigCh    chan os.Signal
	done     chan struct{}
	chldSeen atomic.Bool
}

// New installs watches for every signal that spec §5 says must be either
// forwarded or interpreted as a job-control request, plus SIGCHLD. The
// forwarding and job-control policy starts immediately in a background
// goroutine; call Stop to remove it.
func New(pgid ids.Pgid) *Watch {
	w := &Watch{
		pgid:  pgid,
		sigCh: make(chan os.Signal, 16),
		done:  make(chan struct{}),
	}
	signal.Notify(w.sigCh,
		unix.SIGHUP, unix.SIGINT, unix.SIGQUIT, unix.SIGTERM, unix.SIGUSR1, unix.SIGUSR2,
		unix.SIGTSTP, unix.SIGCONT, unix.SIGCHLD)
	go w.loop()
	return w
}

func (w *Watch) loop() {
	for {
		select {
		case <-w.done:
			return
		case sig := <-w.sigCh:
			w.handle(sig)
		}
	}
}

func (w *Watch) handle(sig os.Signal) {
	s, ok := sig.(unix.Signal)
	if !ok {
		return
	}
	switch s {
	case unix.SIGCHLD:
		w.chldSeen.Store(true)
	case unix.SIGTSTP:
		// Pause the whole process group so a stopped watchdog does not
		// leave an unsupervised, runnable child (spec §5).
		_ = unix.Kill(-int(w.pgid), unix.SIGSTOP)
	case unix.SIGCONT:
		_ = unix.Kill(-int(w.pgid), unix.SIGCONT)
	default:
		_ = unix.Kill(-int(w.pgid), s)
	}
}

// ChldPending reports and clears whether a SIGCHLD has been observed
// since the last call, the latch the event loop polls instead of
// reaping from signal-handler context.
func (w *Watch) ChldPending() bool {
	return w.chldSeen.Swap(false)
}

// Stop removes the signal watches and stops the forwarding goroutine.
func (w *Watch) Stop() {
	signal.Stop(w.sigCh)
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}
