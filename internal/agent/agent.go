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

// Package agent implements command mode (spec §4.8): given a pidfile
// path naming a supervised child, run a side command with a live
// reference to that child's process group held for the command's
// duration.
//
// Per the resolution of spec.md's Open Question 1 (see DESIGN.md), a
// missing pidfile (CommandStatusNonexistentPidFile) and one naming a
// dead/zombie process (CommandStatusZombiePidFile) are handled
// identically: both fall through to the same --relaxed check, confirmed
// by original_source/src/command.c's CommandStatus switch collapsing
// both cases into one path.
package agent

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/talismancer/pidsentry/internal/ids"
	"github.com/talismancer/pidsentry/internal/keeper"
	"github.com/talismancer/pidsentry/internal/pidfile"
)

// ErrNoChild is returned (and, with Relaxed, tolerated) when the pidfile
// is absent or names no live process.
var ErrNoChild = errors.New("agent: no live child referenced by pidfile")

// Config configures one command-mode invocation.
type Config struct {
	PidfilePath string
	Relaxed     bool
	Args        []string
}

// Result reports the outcome of Run, including the exit-code override
// spec §4.8 step 7 requires when the keeper reference is lost mid-run.
type Result struct {
	ExitCode   int
	ChildPid   ids.Pid
	LostKeeper bool
}

// Run performs spec §4.8's steps: locate the child via the pidfile,
// acquire a keeper reference, run the side command with PIDSENTRY_PID
// set, and detect whether the keeper connection dropped out from under
// the command.
func Run(cfg Config) (Result, error) {
	childPid, keeperConn, err := acquireReference(cfg)
	if err != nil {
		if errors.Is(err, ErrNoChild) && cfg.Relaxed {
			code, runErr := runCommand(cfg.Args, ids.None)
			return Result{ExitCode: code, ChildPid: ids.None}, runErr
		}
		return Result{}, err
	}
	if keeperConn != nil {
		defer keeperConn.Close()
	}

	code, runErr := runCommand(cfg.Args, childPid)
	if runErr != nil {
		return Result{ExitCode: code, ChildPid: childPid}, runErr
	}

	// Step 7: if the side command succeeded but the keeper socket
	// became readable (the server closed while we ran), the reference
	// was lost mid-run; override the exit code to 255.
	if keeperConn != nil && code == 0 && keeperClosed(keeperConn) {
		return Result{ExitCode: 255, ChildPid: childPid, LostKeeper: true}, nil
	}
	return Result{ExitCode: code, ChildPid: childPid}, nil
}

// acquireReference performs spec §4.8 steps 1-5: open the pidfile
// read-only, validate the embedded signature against the live process,
// and dial the keeper to hold a reference for the command's lifetime.
func acquireReference(cfg Config) (ids.Pid, *netUnixConnCloser, error) {
	h, err := pidfile.Init(cfg.PidfilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && cfg.Relaxed {
			return ids.None, nil, ErrNoChild
		}
		return ids.Invalid, nil, fmt.Errorf("agent: pidfile init: %w", err)
	}

	if _, err := pidfile.Open(h, false); err != nil {
		if errors.Is(err, os.ErrNotExist) && cfg.Relaxed {
			return ids.None, nil, ErrNoChild
		}
		return ids.Invalid, nil, fmt.Errorf("agent: pidfile open: %w", err)
	}
	defer h.Close()

	sig, keeperAddr, err := h.Read()
	if err != nil {
		return ids.Invalid, nil, fmt.Errorf("agent: pidfile read: %w", err)
	}
	if !sig.Pid.Valid() {
		return ids.None, nil, ErrNoChild
	}

	deadline := time.Now().Add(5 * time.Second)
	conn, err := keeper.Dial(keeperAddr, sig, deadline)
	if err != nil {
		return ids.Invalid, nil, fmt.Errorf("agent: keeper dial: %w", err)
	}
	return sig.Pid, &netUnixConnCloser{conn}, nil
}

func runCommand(args []string, childPid ids.Pid) (int, error) {
	if len(args) == 0 {
		return 255, fmt.Errorf("agent: no command given")
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	if childPid.Valid() {
		cmd.Env = append(cmd.Env, fmt.Sprintf("PIDSENTRY_PID=%d", childPid))
	}

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 255, err
}

// netUnixConnCloser narrows *net.UnixConn to the three operations agent
// needs, keeping the keeper package's concrete type out of this file's
// import surface beyond the Dial call site.
type netUnixConnCloser struct {
	conn interface {
		Close() error
		SetReadDeadline(time.Time) error
		Read([]byte) (int, error)
	}
}

func (c *netUnixConnCloser) Close() error { return c.conn.Close() }

// keeperClosed does a non-blocking check for whether the keeper
// connection has reached EOF (server closed its end), per spec §4.8
// step 7.
func keeperClosed(c *netUnixConnCloser) bool {
	if err := c.conn.SetReadDeadline(time.Now()); err != nil {
		return false
	}
	buf := make([]byte, 1)
	_, err := c.conn.Read(buf)
	return !errors.Is(err, os.ErrDeadlineExceeded)
}
