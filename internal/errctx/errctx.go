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

// Package errctx implements the error-frame chain described in spec §7:
// tagged frames (file, line, message, optional errno) carried in the
// wrapped error value itself, which top-level diagnostics unwind into one
// line per frame.
package errctx

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// start is the process-elapsed-time base, fixed at first use -- the Go
// stand-in for the source's process-elapsed-time base captured once at
// startup (spec §9: "process-elapsed-time base... treated as
// init()-configured... context").
var start = time.Now()

// Frame is one tagged error context: where it was raised, the message
// supplied, and the errno if the failure originated in a syscall.
type Frame struct {
	File    string
	Line    int
	Message string
	Errno   unix.Errno
	HasErrno bool
}

// frameErr chains a Frame onto a wrapped cause, implementing the standard
// errors.Unwrap interface so errors.Is/As work across frames.
type frameErr struct {
	frame Frame
	cause error
}

func (e *frameErr) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.frame.Message, e.cause)
	}
	return e.frame.Message
}

func (e *frameErr) Unwrap() error { return e.cause }

// Wrap pushes a new frame onto cause, capturing the caller's file/line.
// Pass skip=0 when calling directly from the function that wants to be
// named in the frame.
func Wrap(cause error, skip int, format string, args ...interface{}) error {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		file, line = "???", 0
	}
	f := Frame{File: file, Line: line, Message: fmt.Sprintf(format, args...)}
	if errno, isErrno := asErrno(cause); isErrno {
		f.Errno = errno
		f.HasErrno = true
	}
	return &frameErr{frame: f, cause: cause}
}

func asErrno(err error) (unix.Errno, bool) {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}

// Frames unwinds err into its ordered chain of Frames, outermost first.
func Frames(err error) []Frame {
	var frames []Frame
	for err != nil {
		var fe *frameErr
		if errors.As(err, &fe) {
			frames = append(frames, fe.frame)
			err = fe.cause
			continue
		}
		break
	}
	return frames
}

// Format renders a single line per frame in the form:
// "pidsentry: [elapsed pid file:line] message - errno N", matching spec
// §7's user-visible failure format exactly, including the trailing
// "- errno N" suffix only for frames that carry one.
func Format(pid int, err error) []string {
	var lines []string
	elapsed := time.Since(start)
	for _, f := range Frames(err) {
		line := fmt.Sprintf("pidsentry: [%s %d %s:%d] %s",
			formatElapsed(elapsed), pid, f.File, f.Line, f.Message)
		if f.HasErrno {
			line += fmt.Sprintf(" - errno %d", int(f.Errno))
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 && err != nil {
		lines = append(lines, fmt.Sprintf("pidsentry: [%s %d] %v", formatElapsed(elapsed), pid, err))
	}
	return lines
}

func formatElapsed(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}

// sigStack is the separate error-frame stack used from signal-handler
// context, per spec §7 ("a separate instance to avoid corruption"). It is
// intentionally tiny and allocation-free at push time beyond what the
// slice already has capacity for.
type sigStack struct {
	mu     sync.Mutex
	frames []Frame
}

var signalFrames sigStack

// PushSignalFrame records a frame from signal-handler-adjacent code. It
// must not allocate in a way that could deadlock inside an actual signal
// handler; call sites in this codebase only use it from the regular event
// loop after a signal has been converted to a self-pipe byte, never from
// inside a real signal handler.
func PushSignalFrame(f Frame) {
	signalFrames.mu.Lock()
	defer signalFrames.mu.Unlock()
	signalFrames.frames = append(signalFrames.frames, f)
}

// DrainSignalFrames empties and returns the signal-context frame stack.
func DrainSignalFrames() []Frame {
	signalFrames.mu.Lock()
	defer signalFrames.mu.Unlock()
	out := signalFrames.frames
	signalFrames.frames = nil
	return out
}
