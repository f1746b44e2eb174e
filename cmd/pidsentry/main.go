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

// Command pidsentry is the CLI entrypoint: supervise mode forks and
// watches a child process, command mode attaches a side command to an
// already-supervised child's process group.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/talismancer/pidsentry/internal/agent"
	"github.com/talismancer/pidsentry/internal/buildinfo"
	"github.com/talismancer/pidsentry/internal/errctx"
	"github.com/talismancer/pidsentry/internal/ids"
	"github.com/talismancer/pidsentry/internal/keeper"
	"github.com/talismancer/pidsentry/internal/options"
	"github.com/talismancer/pidsentry/internal/pidsig"
	"github.com/talismancer/pidsentry/internal/sentry"
	"github.com/talismancer/pidsentry/internal/umbilical"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(new(superviseCmd), "")
	subcommands.Register(new(commandCmd), "")
	subcommands.Register(new(umbilicalCmd), "internal use only")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

func newLogger(debug int) *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if debug > 0 {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	return logrus.NewEntry(log).WithField("version", buildinfo.Version())
}

// superviseCmd is the default mode: fork and watch a child, per spec §4.

type superviseCmd struct {
	opts options.Options
}

func (*superviseCmd) Name() string     { return "supervise" }
func (*superviseCmd) Synopsis() string { return "fork and supervise a child process" }
func (*superviseCmd) Usage() string {
	return "pidsentry supervise [options] -- cmd [args...]\n"
}

func (c *superviseCmd) SetFlags(fs *flag.FlagSet) { c.opts.Register(fs) }

func (c *superviseCmd) Execute(_ context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	c.opts.Args = fs.Args()
	if err := c.opts.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}

	log := newLogger(c.opts.Debug)
	s, err := sentry.Create(sentry.Config{Opts: &c.opts, Log: log})
	if err != nil {
		printErr(err)
		return 255
	}

	selfExe, err := os.Executable()
	if err != nil {
		selfExe = os.Args[0]
	}
	if err := s.SpawnUmbilical(selfExe); err != nil {
		printErr(err)
		return 255
	}

	if c.opts.Identify {
		fmt.Printf("%d %d\n", os.Getpid(), s.UmbilicalProcess().Pid)
		fmt.Printf("%d\n", s.Child().Pid)
	}

	code, err := s.Run(defaultSignalTimeout)
	if err != nil {
		printErr(err)
		return 255
	}
	return subcommands.ExitStatus(code)
}

// commandCmd runs a side command against an already-supervised child.

type commandCmd struct {
	pidfile string
	relaxed bool
}

func (*commandCmd) Name() string     { return "command" }
func (*commandCmd) Synopsis() string { return "run a side command referencing a supervised child" }
func (*commandCmd) Usage() string {
	return "pidsentry command -p PATH [--relaxed] -- cmd [args...]\n"
}

func (c *commandCmd) SetFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.pidfile, "p", "", "pidfile naming the supervised child")
	fs.StringVar(&c.pidfile, "pidfile", "", "pidfile naming the supervised child")
	fs.BoolVar(&c.relaxed, "relaxed", false, "tolerate a missing or dead pidfile")
}

func (c *commandCmd) Execute(_ context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	res, err := agent.Run(agent.Config{
		PidfilePath: c.pidfile,
		Relaxed:     c.relaxed,
		Args:        fs.Args(),
	})
	if err != nil {
		printErr(err)
		return 255
	}
	return subcommands.ExitStatus(res.ExitCode)
}

// umbilicalCmd is not user-facing: the sentry re-execs itself in this
// mode (spec §9: a goroutine cannot survive a SIGKILL of its parent
// process, so true process-level independence for the umbilical
// requires a second OS process, obtained here via re-exec rather than
// fork+custom-code, which Go's os/exec cannot express either).

type umbilicalCmd struct {
	pgid     int
	fd       int
	keeperFd int
	sig      string
	sigPid   int
}

func (*umbilicalCmd) Name() string     { return "umbilical" }
func (*umbilicalCmd) Synopsis() string { return "internal: run the umbilical watchdog process" }
func (*umbilicalCmd) Usage() string {
	return "pidsentry umbilical -pgid N -fd N [-keeperfd N -sig S -sigpid N]\n"
}

func (c *umbilicalCmd) SetFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.pgid, "pgid", -1, "process group of the supervised child")
	fs.IntVar(&c.fd, "fd", -1, "inherited umbilical socket fd")
	fs.IntVar(&c.keeperFd, "keeperfd", -1, "inherited keeper listener fd, if a pidfile was requested")
	fs.StringVar(&c.sig, "sig", "", "PidSignature value, when -keeperfd is set")
	fs.IntVar(&c.sigPid, "sigpid", -1, "PidSignature pid, when -keeperfd is set")
}

// Execute reconstructs the umbilical connection (and, if donated, the
// keeper listener) from inherited fds and runs the watchdog loop until
// the sentry hangs up or stops pinging, per
// DESIGN.md's re-exec adaptation of spec §4.7 step 12 / §9.
func (c *umbilicalCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.pgid <= 0 || c.fd < 0 {
		fmt.Fprintln(os.Stderr, "pidsentry umbilical: missing -pgid or -fd")
		return subcommands.ExitUsageError
	}

	connFile := os.NewFile(uintptr(c.fd), "umbilical-sock")
	rawConn, err := net.FileConn(connFile)
	connFile.Close()
	if err != nil {
		printErr(fmt.Errorf("umbilical: reconstructing socket: %w", err))
		return 255
	}
	conn, ok := rawConn.(*net.UnixConn)
	if !ok {
		fmt.Fprintln(os.Stderr, "pidsentry umbilical: inherited fd is not a unix socket")
		return 255
	}

	var srv *keeper.Server
	if c.keeperFd >= 0 {
		log := newLogger(0)
		expected := pidsig.Signature{Value: c.sig, Pid: ids.Pid(c.sigPid)}
		listenerFile := os.NewFile(uintptr(c.keeperFd), "keeper-listener")
		srv, err = keeper.FromFile(listenerFile, expected, log)
		listenerFile.Close()
		if err != nil {
			printErr(fmt.Errorf("umbilical: reconstructing keeper: %w", err))
			return 255
		}
		go srv.Serve()
	}

	proc := umbilical.New(conn, ids.Pgid(c.pgid), srv)
	if err := proc.Run(); err != nil {
		printErr(fmt.Errorf("umbilical: %w", err))
		return 255
	}
	return 0
}

const defaultSignalTimeout = 5 * time.Second

func printErr(err error) {
	for _, line := range errctx.Format(os.Getpid(), err) {
		fmt.Fprintln(os.Stderr, line)
	}
}
