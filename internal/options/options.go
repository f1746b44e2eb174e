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

// Package options defines the validated Options struct of the supervise
// subcommand and registers its flags
// the way runsc/config/flags.go registers runsc's, one flag per line
// grouped by a comment banner per concern.
package options

import (
	"flag"
	"fmt"
	"regexp"
	"time"

	shellquote "github.com/kballard/go-shellquote"
)

// Options holds every flag from spec §6's CLI tables. Only the supervise
// subcommand builds one; the command subcommand registers its own -p,
// -pidfile and -relaxed flags and does not use this struct.
type Options struct {
	// Pidfile identity.
	Pidfile string

	// Tether configuration.
	Name       string
	Fd         int
	FdAllocate bool
	Timeout    time.Duration
	Untethered bool

	// fdRaw holds the unparsed -fd argument until ParseFd interprets it;
	// flag.FlagSet has no "int or the literal '-'" type, so the flag is
	// bound as a string and decoded explicitly.
	fdRaw string

	// Watchdog stdout behavior.
	Quiet bool

	// Lifecycle behavior.
	Orphaned bool
	Identify bool

	// Diagnostics.
	Debug int

	// Command mode only.
	Relaxed bool

	// Args is the cmd/args... tail after "--".
	Args []string
}

var nameIsEnvVar = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// Register binds fs to o's fields, grouped the way the teacher groups its
// own flags by a comment-banner concern (logging, network, filesystem,
// ...); here the concerns are pidfile / tether / lifecycle / diagnostics.
func (o *Options) Register(fs *flag.FlagSet) {
	// -- pidfile --
	fs.StringVar(&o.Pidfile, "pidfile", "", "create a pidfile at PATH; implies a PidServer")
	fs.StringVar(&o.Pidfile, "p", "", "shorthand for -pidfile")

	// -- tether --
	fs.StringVar(&o.Name, "name", "", "advertise the tether fd under NAME")
	fs.StringVar(&o.Name, "n", "", "shorthand for -name")
	fs.StringVar(&o.fdRaw, "fd", "", "fd in the child for the tether write end, decimal or '-' to allocate")
	fs.StringVar(&o.fdRaw, "f", "", "shorthand for -fd")
	fs.DurationVar(&o.Timeout, "timeout", 0, "tether inactivity timeout; 0 disables")
	fs.DurationVar(&o.Timeout, "t", 0, "shorthand for -timeout")
	fs.BoolVar(&o.Untethered, "untethered", false, "do not create a tether")
	fs.BoolVar(&o.Untethered, "u", false, "shorthand for -untethered")

	// -- watchdog stdout --
	fs.BoolVar(&o.Quiet, "quiet", false, "nullify watchdog stdout (tether still drains)")
	fs.BoolVar(&o.Quiet, "q", false, "shorthand for -quiet")

	// -- lifecycle --
	fs.BoolVar(&o.Orphaned, "orphaned", false, "exit if reparented to init")
	fs.BoolVar(&o.Orphaned, "o", false, "shorthand for -orphaned")
	fs.BoolVar(&o.Identify, "identify", false, "print watchdog-pid umbilical-pid then child-pid on stdout")
	fs.BoolVar(&o.Identify, "i", false, "shorthand for -identify")

	// -- diagnostics --
	fs.IntVar(&o.Debug, "debug", 0, "verbose logging level; N>0 also skips chdir(/)")
	fs.IntVar(&o.Debug, "d", 0, "shorthand for -debug")

	// -- command mode --
	fs.BoolVar(&o.Relaxed, "relaxed", false, "tolerate a missing or dead pidfile in command mode")
}

// ParseFd interprets the raw -fd argument per spec §6: a decimal integer,
// or exactly "-" meaning "allocate a free fd". A blank argument (flag
// never given) leaves Fd untouched at its zero value and FdAllocate
// false, meaning "use the default fd" rather than "allocate".
func (o *Options) ParseFd() error {
	switch o.fdRaw {
	case "":
		return nil
	case "-":
		o.FdAllocate = true
		o.Fd = -1
		return nil
	}
	var n int
	if _, err := fmt.Sscanf(o.fdRaw, "%d", &n); err != nil {
		return fmt.Errorf("options: invalid -fd value %q: %w", o.fdRaw, err)
	}
	o.Fd = n
	o.FdAllocate = false
	return nil
}

// UsesEnvVar reports whether Name should be advertised as an environment
// variable (spec §6: "env-var if matches [A-Z][A-Z0-9_]*, else
// argv-substring replacement").
func (o *Options) UsesEnvVar() bool {
	return nameIsEnvVar.MatchString(o.Name)
}

// Validate parses the raw -fd argument and checks the cross-field
// invariants the flag package alone cannot express.
func (o *Options) Validate() error {
	if err := o.ParseFd(); err != nil {
		return err
	}
	if len(o.Args) == 0 {
		return fmt.Errorf("options: missing command after --")
	}
	if o.Untethered && o.fdRaw != "" {
		return fmt.Errorf("options: -fd is meaningless with -untethered")
	}
	if o.Timeout < 0 {
		return fmt.Errorf("options: -timeout must be >= 0")
	}
	return nil
}

// DebugString renders argv the way the teacher's debug logging
// re-quotes argument vectors for a human to paste back into a shell.
func (o *Options) DebugString() string {
	return shellquote.Join(o.Args...)
}
