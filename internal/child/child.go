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

// Package child starts the supervised command and runs the watchdog's
// event loop around it (spec §4.5).
//
// The source's bell-socket rendezvous exists to let the parent finish
// writing the pidfile and arming signal handlers before the child execs.
// Go's os/exec has no hook for running code between fork and exec, so
// there is no way to literally reproduce a two-phase handshake in that
// window. Two of the invariants the handshake protects turn out to be
// free in Go regardless: SysProcAttr{Setpgid: true} makes the kernel set
// the child's pgid equal to its own pid atomically during clone(), before
// any of the child's code (let alone exec) runs, and cmd.ExtraFiles are
// installed by the runtime before the exec syscall fires, so donated fds
// are never visible to the child's own code pre-exec. What the rendezvous
// cannot buy us in this model is "the pidfile exists before the child
// execs"; this codebase accepts writing the pidfile immediately after
// cmd.Start returns instead, which is a strictly smaller race window, not
// a removed one, and is documented as the Go-idiomatic adaptation of
// §4.5's fork protocol.
package child

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/talismancer/pidsentry/internal/clock"
	"github.com/talismancer/pidsentry/internal/donation"
	"github.com/talismancer/pidsentry/internal/ids"
	"github.com/talismancer/pidsentry/internal/jobcontrol"
	"github.com/talismancer/pidsentry/internal/tether"
)

// Plan is an ordered signal sequence delivered to the child's process
// group on successive TerminationTimer fires; a trailing 0 is sticky
// (spec §4.5: "the last entry is sticky").
type Plan []unix.Signal

var (
	// TerminatePlan is armed by umbilical/parent hangup.
	TerminatePlan = Plan{unix.SIGTERM, unix.SIGKILL, 0}
	// AbortPlan is armed by tether-timeout expiry.
	AbortPlan = Plan{unix.SIGABRT, unix.SIGKILL, 0}
)

// FdTarget carries the tether placement options from the command line.
// Start consults only Name: when set, the fd number is advertised through
// the environment or argv (see bind). Allocate and Fixed are carried but
// not consulted; a requested fixed fd number is not honored, and the
// write end always gets the first fd after the donated files.
type FdTarget struct {
	Name     string
	Allocate bool
	Fixed    int
}

func isEnvName(name string) bool {
	if name == "" {
		return false
	}
	if name[0] < 'A' || name[0] > 'Z' {
		return false
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		if !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') && c != '_' {
			return false
		}
	}
	return true
}

// bind wires childFD into cmd's environment or argv, per the name-match
// rule in spec §6.
func (t FdTarget) bind(cmd *exec.Cmd, childFD int) {
	if t.Name == "" {
		return
	}
	if isEnvName(t.Name) {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", t.Name, childFD))
		return
	}
	for i := 1; i < len(cmd.Args); i++ {
		if strings.Contains(cmd.Args[i], t.Name) {
			cmd.Args[i] = strings.Replace(cmd.Args[i], t.Name, strconv.Itoa(childFD), 1)
			break
		}
	}
}

// Process is the supervised child: its exec.Cmd, identity, and the
// parent-side end of its tether pipe.
type Process struct {
	Cmd        *exec.Cmd
	Pid        ids.Pid
	Pgid       ids.Pgid
	TetherRead *os.File

	mu   sync.Mutex
	done bool
}

// Start execs path with args as the child's full argv (args[0] included)
// as a new process group leader (pid == pgid, invariant 3), donating
// agency's accumulated files plus a freshly created tether pipe. The
// pipe's write end always lands on the first fd after the donated files;
// target only decides how that fd number is advertised (see FdTarget).
func Start(path string, args []string, target FdTarget, agency *donation.Agency) (*Process, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("child: tether pipe: %w", err)
	}

	cmd := exec.Command(path)
	if len(args) > 0 {
		cmd.Args = args
	}
	cmd.Env = os.Environ()
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: 0}

	startFD := 3
	nextFD := agency.Transfer(cmd, startFD)
	cmd.ExtraFiles = append(cmd.ExtraFiles, pw)
	tetherFD := nextFD
	target.bind(cmd, tetherFD)

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("child: start: %w", err)
	}
	// The child now holds its own copy of pw; this process no longer
	// needs one, and must close it so EOF on pr is observable once the
	// child exits or closes its end.
	pw.Close()

	return &Process{
		Cmd:        cmd,
		Pid:        ids.Pid(cmd.Process.Pid),
		Pgid:       ids.Pgid(cmd.Process.Pid),
		TetherRead: pr,
	}, nil
}

// Signal delivers sig to the child's entire process group.
func (p *Process) Signal(sig unix.Signal) error {
	return unix.Kill(-int(p.Pgid), sig)
}

// Wait blocks until the child exits and returns its exit status mapped
// per POSIX (spec §4.7): normal exit -> min(status, 128); signaled ->
// min(128+signo, 255).
func (p *Process) Wait() (int, error) {
	err := p.Cmd.Wait()
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
	return mapExitError(p.Cmd.ProcessState, err), nil
}

func mapExitError(state *os.ProcessState, err error) int {
	if state == nil {
		return 255
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		if err == nil {
			return 0
		}
		return 255
	}
	switch {
	case ws.Exited():
		code := ws.ExitStatus()
		if code > 128 {
			code = 128
		}
		return code
	case ws.Signaled():
		code := 128 + int(ws.Signal())
		if code > 255 {
			code = 255
		}
		return code
	default:
		return 255
	}
}

// disconnectionTimerPeriod is the tick of finishTether's wait after the
// child is reaped. Each tick only rechecks --orphaned (see
// orphanedToInit); it does not signal the tether thread, so the wait ends
// when the tether stops (source EOF or its drain timeout) or when the
// orphaned check fires.
const disconnectionTimerPeriod = 1 * time.Second

// orphanedToInit reports whether this process has been reparented to
// init(8), the condition -o/--orphaned asks the watchdog to exit on
// (original_source/src/parentprocess.c's monitorParent_).
func orphanedToInit() bool { return os.Getppid() == 1 }

// Monitor runs the event loop described in spec §4.5: it watches for
// umbilical/parent hangup, tether inactivity, and an armed termination
// plan, and drives the child's reap.
type Monitor struct {
	proc   *Process
	tether *tether.Thread
	jobs   *jobcontrol.Watch

	umbilicalHangup <-chan struct{}
	parentHangup    <-chan struct{}

	tetherTimeout time.Duration
	signalTimeout time.Duration
	orphaned      bool

	mu      sync.Mutex
	plan    Plan
	planPos int
}

// NewMonitor builds a Monitor for proc, driven by the given tether
// thread and job-control watch. umbilicalHangup/parentHangup may be nil
// if those channels do not apply (e.g. no parent pipe configured).
// orphaned mirrors -o/--orphaned: exit once this process is reparented
// to init(8), checked at Run's start and again on every
// DISCONNECTION_TIMER tick while draining the tether after reap.
func NewMonitor(proc *Process, th *tether.Thread, jobs *jobcontrol.Watch, umbilicalHangup, parentHangup <-chan struct{}, tetherTimeout, signalTimeout time.Duration, orphaned bool) *Monitor {
	return &Monitor{
		proc:            proc,
		tether:          th,
		jobs:            jobs,
		umbilicalHangup: umbilicalHangup,
		parentHangup:    parentHangup,
		tetherTimeout:   tetherTimeout,
		signalTimeout:   signalTimeout,
		orphaned:        orphaned,
	}
}

// arm sets the active termination plan if none is armed yet; a plan once
// armed is never downgraded (spec §4.5).
func (m *Monitor) arm(p Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.plan != nil {
		return
	}
	m.plan = p
	m.planPos = 0
}

func (m *Monitor) fireNext() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.plan == nil {
		return
	}
	sig := m.plan[m.planPos]
	if m.planPos < len(m.plan)-1 {
		m.planPos++
	}
	if sig == 0 {
		return
	}
	_ = unix.Kill(-int(m.proc.Pgid), sig)
}

// Run drives the event loop until the child is reaped, returning its
// mapped exit code (spec §4.7's run_sentry contract).
func (m *Monitor) Run() (int, error) {
	if m.orphaned && orphanedToInit() {
		return 255, fmt.Errorf("child: reparented to init(8) before supervising began")
	}

	sigCont := clock.NewSigContTracker()
	defer sigCont.Stop()
	eventClock := clock.NewEventClock(sigCont)

	reapCh := make(chan int, 1)
	reapErrCh := make(chan error, 1)
	go func() {
		code, err := m.proc.Wait()
		if err != nil {
			reapErrCh <- err
			return
		}
		reapCh <- code
	}()

	var tetherTicker *time.Ticker
	var tetherDeadline *clock.Deadline
	var lastTetherActivity time.Time
	if m.tetherTimeout > 0 {
		tetherTicker = time.NewTicker(m.tetherTimeout / 2)
		defer tetherTicker.Stop()
		tetherDeadline = eventClock.NewDeadline(m.tetherTimeout)
		if m.tether != nil {
			lastTetherActivity = m.tether.ActivitySince()
		}
	}
	terminationTicker := time.NewTicker(1 * time.Hour) // reset once armed
	terminationTicker.Stop()
	defer terminationTicker.Stop()
	armedTicker := false

	chldPoll := time.NewTicker(50 * time.Millisecond)
	defer chldPoll.Stop()

	for {
		m.mu.Lock()
		planArmed := m.plan != nil
		m.mu.Unlock()
		if planArmed && !armedTicker {
			terminationTicker.Reset(m.signalTimeout)
			armedTicker = true
		}

		select {
		case code := <-reapCh:
			if err := m.finishTether(); err != nil {
				return 255, err
			}
			return code, nil
		case err := <-reapErrCh:
			_ = m.finishTether()
			return 255, err
		case <-safeChan(m.umbilicalHangup):
			m.arm(TerminatePlan)
		case <-safeChan(m.parentHangup):
			m.arm(TerminatePlan)
		case <-tickerChan(tetherTicker):
			if m.tether != nil && m.tetherTimeout > 0 {
				if last := m.tether.ActivitySince(); last.After(lastTetherActivity) {
					lastTetherActivity = last
					tetherDeadline.Reset()
				}
				// Expired discards any interval that crossed a
				// SIGSTOP/SIGCONT boundary (invariant 7): a watchdog
				// stopped and resumed past tetherTimeout must not see
				// that suspended interval count against the deadline.
				if tetherDeadline.Expired() {
					m.arm(AbortPlan)
				}
			}
		case <-tickerChan(terminationTicker):
			m.fireNext()
		case <-chldPoll.C:
			if m.jobs != nil {
				m.jobs.ChldPending() // drain latch; actual reap is via Wait goroutine
			}
		}
	}
}

// finishTether drains the tether thread and waits for it to finish
// copying any buffered child output before Run returns, per spec §4.5's
// completion predicate (the event loop exits only once the tether poll
// descriptor is closed, not merely once the child is reaped). While
// waiting it ticks once a second and on each tick rechecks only the
// --orphaned condition (original_source/src/parentprocess.c's repeated
// reparent check).
func (m *Monitor) finishTether() error {
	if m.tether == nil {
		return nil
	}
	m.tether.Drain()

	ticker := time.NewTicker(disconnectionTimerPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-m.tether.Done():
			return nil
		case <-ticker.C:
			if m.orphaned && orphanedToInit() {
				return fmt.Errorf("child: reparented to init(8) while draining tether")
			}
		}
	}
}

func safeChan(c <-chan struct{}) <-chan struct{} {
	if c == nil {
		return nil
	}
	return c
}

func tickerChan(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
