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

// Package pidsig binds a pid to its boot-incarnation and start-time so
// that two processes can agree, without racing, on whether they mean the
// same incarnation of the same pid.
package pidsig

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/talismancer/pidsentry/internal/ids"
)

// MaxWireLength is the largest signature value, in bytes, this package
// will send or accept over a connection (spec §3: "total length ≤ ~1 KiB").
const MaxWireLength = 1024

// Signature binds a Pid to the string that identifies its boot
// incarnation and start time. Two signatures are equal iff they denote
// the same incarnation of the same process.
type Signature struct {
	Pid   ids.Pid
	Value string
}

// ErrNoSuchProcess is returned when /proc/<pid>/stat cannot be read
// because the process does not exist.
var ErrNoSuchProcess = errors.New("pidsig: process does not exist")

var (
	bootIDOnce  sync.Once
	bootIDValue string
)

// bootIncarnation returns a per-boot identifier, read once and cached for
// the lifetime of the process the way the original implementation caches
// it in a process-wide global (spec §9 calls out this exact pattern --
// "cached boot incarnation" -- as the one piece of global state to keep,
// just accessed through an explicit accessor instead of a bare global).
func bootIncarnation() string {
	bootIDOnce.Do(func() {
		if b, err := os.ReadFile("/proc/sys/kernel/random/boot_id"); err == nil {
			bootIDValue = strings.TrimSpace(string(b))
			return
		}
		// Non-Linux or restricted environment: fall back to a
		// per-process random id. This still satisfies the contract
		// (two signatures from the same running process agree) but
		// cannot detect cross-reboot reuse, which is acceptable since
		// the spec's non-goal list excludes persistent state across
		// reboots.
		bootIDValue = uuid.NewString()
	})
	return bootIDValue
}

// Create builds the signature for pid. If precomputed is non-empty, it is
// used verbatim (the caller already knows the signature string, e.g. it
// was just read from a pidfile). Otherwise the signature is derived from
// /proc/<pid>/stat field 22 (starttime) combined with the cached boot
// incarnation.
func Create(pid ids.Pid, precomputed string) (Signature, error) {
	if precomputed != "" {
		return Signature{Pid: pid, Value: precomputed}, nil
	}
	start, err := startJiffies(pid)
	if err != nil {
		return Signature{}, err
	}
	return Signature{Pid: pid, Value: fmt.Sprintf("%s:%s", bootIncarnation(), start)}, nil
}

// startJiffies extracts field 22 (starttime) of /proc/<pid>/stat. The
// command name (field 2) is parenthesized and may itself contain
// whitespace and parentheses, so the scan anchors on the *last* ')' in
// the line and counts fields from there, exactly as the original C
// implementation does.
func startJiffies(pid ids.Pid) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoSuchProcess
		}
		return "", err
	}
	line := strings.TrimRight(string(data), "\n")
	paren := strings.LastIndexByte(line, ')')
	if paren < 0 || paren+2 > len(line) {
		return "", fmt.Errorf("pidsig: malformed /proc/%d/stat", pid)
	}
	rest := strings.Fields(line[paren+2:])
	// rest[0] is field 3 (state); starttime is field 22, i.e. index 19
	// into rest (22 - 3 = 19).
	const starttimeIndex = 22 - 3
	if len(rest) <= starttimeIndex {
		return "", fmt.Errorf("pidsig: /proc/%d/stat has too few fields", pid)
	}
	return rest[starttimeIndex], nil
}

// Rank orders signatures first by pid, then lexicographically by value.
// It is a cheap equality/ordering check usable as a map key surrogate or
// sort comparator.
func Rank(a, b Signature) int {
	if a.Pid != b.Pid {
		if a.Pid < b.Pid {
			return -1
		}
		return 1
	}
	return strings.Compare(a.Value, b.Value)
}

// Equal reports whether a and b denote the same incarnation of the same
// process.
func Equal(a, b Signature) bool { return Rank(a, b) == 0 }

// Send writes a signature to w as {int32 pid, uint64 length, bytes}, the
// integers little-endian, respecting deadline. The signature length must
// equal the byte length of Value (no embedded NUL padding).
func Send(w io.Writer, sig Signature, deadline time.Time) error {
	if len(sig.Value) > MaxWireLength {
		return fmt.Errorf("pidsig: signature too long: %d bytes", len(sig.Value))
	}
	if d, ok := w.(interface{ SetWriteDeadline(time.Time) error }); ok {
		if err := d.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	var header [12]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(int32(sig.Pid)))
	binary.LittleEndian.PutUint64(header[4:12], uint64(len(sig.Value)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, sig.Value)
	return err
}

// Recv reads a signature from r, respecting deadline, enforcing
// MaxWireLength.
func Recv(r io.Reader, deadline time.Time) (Signature, error) {
	if d, ok := r.(interface{ SetReadDeadline(time.Time) error }); ok {
		if err := d.SetReadDeadline(deadline); err != nil {
			return Signature{}, err
		}
	}
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Signature{}, err
	}
	pid := ids.Pid(int32(binary.LittleEndian.Uint32(header[0:4])))
	length := binary.LittleEndian.Uint64(header[4:12])
	if length > MaxWireLength {
		return Signature{}, fmt.Errorf("pidsig: declared length %d exceeds %d", length, MaxWireLength)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Signature{}, err
	}
	if bytes.IndexByte(buf, 0) >= 0 {
		return Signature{}, errors.New("pidsig: signature contains embedded NUL")
	}
	return Signature{Pid: pid, Value: string(buf)}, nil
}

// ReadLine reads a single newline-terminated field and returns it without
// the newline. The pidfile parser does not use it; it splits the whole
// file content instead.
func ReadLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// ParseStartJiffies exposes the /proc/<pid>/stat field-22 extraction for
// tests that construct signatures without a live process.
func ParseStartJiffies(statLine string) (string, error) {
	paren := strings.LastIndexByte(statLine, ')')
	if paren < 0 || paren+2 > len(statLine) {
		return "", errors.New("pidsig: malformed stat line")
	}
	rest := strings.Fields(statLine[paren+2:])
	const starttimeIndex = 22 - 3
	if len(rest) <= starttimeIndex {
		return "", errors.New("pidsig: stat line has too few fields")
	}
	return rest[starttimeIndex], nil
}
