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

// Package sentry is the orchestrator: it wires pidfile, keeper, tether,
// child and umbilical into the supervised run described across spec
// §4.7, the way runsc/sandbox.go's New/createSandboxProcess/destroy trio
// wires together a sandbox's many subsystems.
package sentry

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/talismancer/pidsentry/internal/child"
	"github.com/talismancer/pidsentry/internal/donation"
	"github.com/talismancer/pidsentry/internal/fdset"
	"github.com/talismancer/pidsentry/internal/jobcontrol"
	"github.com/talismancer/pidsentry/internal/keeper"
	"github.com/talismancer/pidsentry/internal/options"
	"github.com/talismancer/pidsentry/internal/pidfile"
	"github.com/talismancer/pidsentry/internal/pidsig"
	"github.com/talismancer/pidsentry/internal/tether"
)

// Config collects everything Create needs, generalized from the options
// package so sentry stays decoupled from flag parsing.
type Config struct {
	Opts *options.Options
	Log  *logrus.Entry
}

// Sentry holds every live subsystem created by Create, ready for Run.
type Sentry struct {
	log *logrus.Entry

	pidfileHandle *pidfile.Handle
	keeperServer  *keeper.Server
	keeperAddr    string

	child       *child.Process
	tether      *tether.Thread
	monitor     *child.Monitor
	jobs        *jobcontrol.Watch
	umbilConn   *net.UnixConn
	umbilConn2  *net.UnixConn
	umbilicalProc *os.Process
	sig         pidsig.Signature

	tetherTimeout time.Duration
	orphaned      bool

	cleanup []func()
}

// release runs every registered cleanup step in reverse order -- the Go
// equivalent of runsc/sandbox.go's cleanup.Make()/c.Release() idiom,
// reimplemented locally as a plain defer-stack since pkg/cleanup's
// source is not part of the filtered pack.
func (s *Sentry) release() {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
	s.cleanup = nil
}

func (s *Sentry) onCleanup(f func()) { s.cleanup = append(s.cleanup, f) }

// Create performs spec §4.7's create_sentry steps 2 through 11: it starts
// the child, its job-control watch, the tether and (when requested) the
// pidfile and keeper, returning a Sentry ready for SpawnUmbilical and Run,
// or an error with everything already unwound. There is no std-fd filler
// step and no bell handshake, and the umbilical is started separately by
// SpawnUmbilical.
func Create(cfg Config) (sentry *Sentry, err error) {
	s := &Sentry{log: cfg.Log}
	ok := false
	defer func() {
		if !ok {
			s.release()
		}
	}()

	opts := cfg.Opts
	s.orphaned = opts.Orphaned

	// Step 2: umbilical socket pair (non-blocking, close-on-exec is the
	// default for net.UnixConn pairs created via socketpair(2) with
	// SOCK_CLOEXEC, which Go's net package already sets).
	sentrySide, umbilicalSide, err := newSocketPair()
	if err != nil {
		return nil, fmt.Errorf("sentry: umbilical socketpair: %w", err)
	}
	s.umbilConn, s.umbilConn2 = sentrySide, umbilicalSide
	s.onCleanup(func() { sentrySide.Close() })

	// Step 3/9: the tether pipe is created inside child.Start; agency
	// accumulates any other donated files first.
	agency := &donation.Agency{}
	s.onCleanup(agency.Close)

	target := child.FdTarget{Name: opts.Name, Allocate: opts.FdAllocate, Fixed: opts.Fd}
	if opts.Untethered {
		target = child.FdTarget{}
	}

	// Step 4: job control is installed once we know the child's pgid,
	// immediately after step 5's fork.
	path := opts.Args[0]
	args := opts.Args

	// Step 5: fork the child (Go's Start is the fork+exec collapse
	// documented in internal/child).
	proc, err := child.Start(path, args, target, agency)
	if err != nil {
		return nil, fmt.Errorf("sentry: starting child: %w", err)
	}
	s.child = proc
	s.onCleanup(func() { unix.Kill(-int(proc.Pgid), unix.SIGKILL) })

	// Step 6: install job-control watches now that pgid is known.
	s.jobs = jobcontrol.New(proc.Pgid)
	s.onCleanup(s.jobs.Stop)

	// Compute the signature used both for the pidfile and the keeper
	// handshake.
	sig, err := pidsig.Create(proc.Pid, "")
	if err != nil {
		return nil, fmt.Errorf("sentry: signing child: %w", err)
	}
	s.sig = sig

	// Step 7: if a pidfile is requested, init/open it and bind the
	// keeper.
	if opts.Pidfile != "" {
		h, err := pidfile.Init(opts.Pidfile)
		if err != nil {
			return nil, fmt.Errorf("sentry: pidfile init: %w", err)
		}
		s.pidfileHandle = h
		s.onCleanup(func() {
			if s.pidfileHandle != nil {
				s.pidfileHandle.Close()
			}
		})

		existing, err := pidfile.Open(h, true)
		if err != nil {
			return nil, fmt.Errorf("sentry: pidfile open: %w", err)
		}
		if existing.Valid() {
			return nil, fmt.Errorf("sentry: pidfile %q already names live pid %d", opts.Pidfile, existing)
		}

		srv, addr, err := keeper.Listen(sig, s.log)
		if err != nil {
			return nil, fmt.Errorf("sentry: keeper listen: %w", err)
		}
		s.keeperServer = srv
		s.keeperAddr = addr
		go srv.Serve()
	}

	// Step 8: chdir("/") unless debug mode.
	if opts.Debug == 0 {
		if err := os.Chdir("/"); err != nil {
			return nil, fmt.Errorf("sentry: chdir /: %w", err)
		}
	}

	// Step 9/10: tether thread reads from the child's pipe and writes to
	// our own stdout; close_fds_except_whitelist purges unrelated fds
	// before the event loop starts.
	if !opts.Untethered {
		th := tether.New(int(proc.TetherRead.Fd()), int(os.Stdout.Fd()), stdoutOrDiscard(opts.Quiet), opts.Timeout)
		s.tether = th
		s.tetherTimeout = opts.Timeout
		go th.Run()
	}

	whitelist := fdset.WhitelistFiles(os.Stdin, os.Stdout, os.Stderr, proc.TetherRead)
	// The umbilical peer socket and keeper listener are still owned by
	// this process at this point (SpawnUmbilical donates them later, in
	// cmd/pidsentry), so they must survive the purge below.
	if fd, err := rawFD(s.umbilConn2); err == nil {
		whitelist.Insert(fd, fd)
	}
	if s.keeperServer != nil {
		if fd, err := s.keeperServer.RawFD(); err == nil {
			whitelist.Insert(fd, fd)
		}
	}
	if limit, err := fdset.CurrentNoFileLimit(); err == nil {
		fdset.CloseExceptWhitelist(whitelist, limit)
	}

	// Step 11: write and announce the pidfile now that the child exists.
	// Spec §4.1's key race: another process can delete (and possibly
	// recreate) the pidfile between our O_CREAT|O_EXCL success and this
	// lock acquisition. After locking, detect_zombie MUST be checked; if
	// the held fd no longer matches the path, close it and restart the
	// open sequence from Init rather than writing into a detached inode.
	if s.pidfileHandle != nil {
		for {
			if err := s.pidfileHandle.AcquireWriteLock(); err != nil {
				return nil, fmt.Errorf("sentry: pidfile lock: %w", err)
			}
			zombie, err := s.pidfileHandle.DetectZombie()
			if err != nil {
				return nil, fmt.Errorf("sentry: pidfile zombie check: %w", err)
			}
			if !zombie {
				break
			}
			s.pidfileHandle.Close()

			h, err := pidfile.Init(opts.Pidfile)
			if err != nil {
				return nil, fmt.Errorf("sentry: pidfile init: %w", err)
			}
			s.pidfileHandle = h

			existing, err := pidfile.Open(h, true)
			if err != nil {
				return nil, fmt.Errorf("sentry: pidfile open: %w", err)
			}
			if existing.Valid() {
				return nil, fmt.Errorf("sentry: pidfile %q already names live pid %d", opts.Pidfile, existing)
			}
		}
		if err := s.pidfileHandle.Write(proc.Pid, sig, s.keeperAddr); err != nil {
			return nil, fmt.Errorf("sentry: pidfile write: %w", err)
		}
	}

	// Step 12 is not performed here: cmd/pidsentry calls SpawnUmbilical
	// after Create, which re-execs this binary in umbilical mode as a
	// real child process and hands it the peer socket and the keeper
	// listener. Until then this process still holds both.

	ok = true
	return s, nil
}

func stdoutOrDiscard(quiet bool) *os.File {
	if quiet {
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err == nil {
			return f
		}
	}
	return os.Stdout
}

// rawFD returns the integer file descriptor backing a syscall.Conn,
// without duplicating it.
func rawFD(c syscall.Conn) (int, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, err
	}
	return fd, nil
}

func newSocketPair() (*net.UnixConn, *net.UnixConn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, nil, err
	}
	f0 := os.NewFile(uintptr(fds[0]), "umbilical-sentry")
	f1 := os.NewFile(uintptr(fds[1]), "umbilical-side")
	defer f0.Close()
	defer f1.Close()
	c0, err := net.FileConn(f0)
	if err != nil {
		return nil, nil, err
	}
	c1, err := net.FileConn(f1)
	if err != nil {
		c0.Close()
		return nil, nil, err
	}
	return c0.(*net.UnixConn), c1.(*net.UnixConn), nil
}

// KeeperAddr returns the abstract-socket tail advertised in the pidfile,
// for tests and diagnostics.
func (s *Sentry) KeeperAddr() string { return s.keeperAddr }

// Child exposes the running child, for Run/tests.
func (s *Sentry) Child() *child.Process { return s.child }

// UmbilicalConn returns this side's half of the umbilical socket pair,
// the half this process keeps and pings from watchUmbilical.
func (s *Sentry) UmbilicalConn() *net.UnixConn { return s.umbilConn }

// UmbilicalPeerConn returns the peer half, meant to be donated to a
// freshly exec'd umbilical process.
func (s *Sentry) UmbilicalPeerConn() *net.UnixConn { return s.umbilConn2 }

// KeeperServer exposes the PidServer for ownership transfer to the
// umbilical.
func (s *Sentry) KeeperServer() *keeper.Server { return s.keeperServer }

// SpawnUmbilical performs spec §4.7 step 12 adapted to Go's process
// model (see DESIGN.md): it re-execs selfExe as "umbilical", donating
// the peer half of the umbilical socket pair and (if a pidfile/keeper
// were requested) a dup of the PidServer's listening socket, so the new
// process can accept future keeper connections. It then closes this
// process's copies of both, completing the ownership transfer.
func (s *Sentry) SpawnUmbilical(selfExe string) error {
	peerFile, err := s.umbilConn2.File()
	if err != nil {
		return fmt.Errorf("sentry: umbilical peer fd: %w", err)
	}
	defer peerFile.Close()

	args := []string{"umbilical", "-pgid", strconv.Itoa(int(s.child.Pgid)), "-fd", "3"}
	extraFiles := []*os.File{peerFile}

	if s.keeperServer != nil {
		keeperFile, err := s.keeperServer.File()
		if err != nil {
			return fmt.Errorf("sentry: keeper listener fd: %w", err)
		}
		defer keeperFile.Close()
		extraFiles = append(extraFiles, keeperFile)
		args = append(args, "-keeperfd", "4", "-sig", s.sig.Value, "-sigpid", strconv.Itoa(int(s.sig.Pid)))
	}

	cmd := exec.Command(selfExe, args...)
	cmd.ExtraFiles = extraFiles
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("sentry: spawning umbilical: %w", err)
	}
	s.umbilicalProc = cmd.Process

	// Ownership transferred: drop our copies. The umbilical's donated
	// fds are independent descriptors referring to the same underlying
	// socket/listener, so closing ours does not disturb the child's.
	s.umbilConn2.Close()
	s.umbilConn2 = nil
	if s.keeperServer != nil {
		s.keeperServer.StopAccepting()
	}
	return nil
}

// UmbilicalProcess exposes the re-exec'd umbilical's *os.Process, for
// diagnostics and tests.
func (s *Sentry) UmbilicalProcess() *os.Process { return s.umbilicalProc }

// Run drives the event loop (spec §4.7's run_sentry) and returns the
// child's mapped exit code.
func (s *Sentry) Run(signalTimeout time.Duration) (int, error) {
	umbilicalHangup := s.watchUmbilical()
	s.monitor = child.NewMonitor(s.child, s.tether, s.jobs, umbilicalHangup, nil, s.tetherTimeout, signalTimeout, s.orphaned)
	code, err := s.monitor.Run()
	s.release()
	return code, err
}

// watchUmbilical pings the umbilical connection every
// umbilicalPingInterval (one second, the same as umbilical.PingInterval)
// and closes the returned channel the first time a ping round-trip fails
// (EOF, or the echo not arriving within one interval) -- the Monitor's
// signal to arm the Terminate plan per spec §4.5's UMBILICAL poll
// descriptor.
func (s *Sentry) watchUmbilical() <-chan struct{} {
	hangup := make(chan struct{})
	if s.umbilConn == nil {
		close(hangup)
		return hangup
	}
	go func() {
		defer close(hangup)
		buf := make([]byte, 1)
		for {
			if err := s.umbilConn.SetDeadline(time.Now().Add(umbilicalPingInterval)); err != nil {
				return
			}
			if _, err := s.umbilConn.Write([]byte{0x01}); err != nil {
				return
			}
			if _, err := s.umbilConn.Read(buf); err != nil {
				return
			}
			time.Sleep(umbilicalPingInterval)
		}
	}()
	return hangup
}

const umbilicalPingInterval = time.Second

// BootSignature exposes the computed child signature, for diagnostics and
// tests.
func (s *Sentry) BootSignature() pidsig.Signature { return s.sig }
