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

// Package pidfile implements the on-disk pidfile lifecycle: atomic
// create, advisory locking, parsing, validation and unlink.
//
// The pidfile's content integrity rests entirely on the advisory flock
// held for the short interval during which it is written, not on its
// Unix permission bits -- the file is created mode 0444 (no writer bits
// at all) precisely because writers are expected to hold the lock rather
// than rely on permissions to keep readers from tearing a write.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"github.com/talismancer/pidsentry/internal/ids"
	"github.com/talismancer/pidsentry/internal/pidsig"
)

// MaxSize bounds the pidfile content so that IO requirements stay
// reasonable, and so that a runaway writer cannot wedge a reader (spec
// §3: "single file ≤ 1024 bytes"). One extra byte is read so that a file
// of exactly MaxSize+1 bytes can be detected as oversized/malformed.
const MaxSize = 1024

// ErrMalformed indicates the pidfile content could not be parsed.
var ErrMalformed = errors.New("pidfile: malformed content")

// Handle owns the open file (and its parent directory) backing a pidfile.
// It is not safe for concurrent use from multiple goroutines.
type Handle struct {
	dirPath  string
	baseName string
	path     string

	file   *os.File
	locked lockKind

	// existingPid is scratch state used by tryCreate to report a live
	// owner discovered mid-retry; it is never meaningful outside that
	// call.
	existingPid ids.Pid
}

type lockKind int

const (
	lockNone lockKind = iota
	lockRead
	lockWrite
)

// Init canonicalizes the directory part of path and retains both the
// directory and base name, failing if the directory does not exist.
func Init(path string) (*Handle, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("pidfile: directory %q: %w", dir, err)
	}
	return &Handle{dirPath: dir, baseName: base, path: filepath.Join(dir, base)}, nil
}

// Path returns the full pidfile path.
func (h *Handle) Path() string { return h.path }

// Open opens the pidfile. When create is true, it races O_CREAT|O_EXCL
// against peers, retrying on EEXIST; if an existing pidfile names a live
// process, Open returns that process's pid and a nil error so the caller
// can report "already running" without treating it as a failure. When
// create is false, a purely read-only handle is opened (used by
// internal/agent in command mode).
//
// Returns ids.None on a freshly created, empty pidfile ready for Write;
// returns the existing live pid if create raced a live owner; returns
// ids.Invalid (with a non-nil error) for any other failure.
func Open(h *Handle, create bool) (ids.Pid, error) {
	if !create {
		f, err := os.OpenFile(h.path, os.O_RDONLY, 0)
		if err != nil {
			return ids.Invalid, err
		}
		h.file = f
		return ids.None, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 20 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second

	for {
		existingPid, err := tryCreate(h)
		if existingPid.Valid() {
			return existingPid, nil
		}
		if err == nil {
			return ids.None, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return ids.Invalid, err
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return ids.Invalid, fmt.Errorf("pidfile: giving up creating %q: %w", h.path, err)
		}
		time.Sleep(wait)
	}
}

// tryCreate performs one iteration of the create/lock/validate/unlink
// retry loop described in spec §4.1. It returns (validPid, nil) if an
// existing pidfile names a live process (the caller should stop
// retrying and report that pid), or (ids.None, nil) on successful
// creation of a fresh empty file, or (ids.Invalid, err) where err wraps
// os.ErrExist when the caller should retry.
func tryCreate(h *Handle) (ids.Pid, error) {
	// First, see if a pidfile already exists and names a live process.
	if existing, err := os.OpenFile(h.path, os.O_RDONLY, 0); err == nil {
		func() {
			defer existing.Close()
			if err := unix.Flock(int(existing.Fd()), unix.LOCK_EX); err != nil {
				return
			}
			defer unix.Flock(int(existing.Fd()), unix.LOCK_UN)
			sig, _, err := readLocked(existing)
			if err == nil && sig.Pid.Valid() && processAlive(sig.Pid) {
				// Confirm via signature, not just liveness of the pid
				// number (which could have been recycled).
				if live, err := pidsig.Create(sig.Pid, ""); err == nil && pidsig.Equal(live, sig) {
					h.file = nil
					h.existingPid = sig.Pid
					return
				}
			}
			// Dead or zombie: remove it and let O_CREAT|O_EXCL below
			// race fresh.
			_ = os.Remove(h.path)
		}()
		if h.existingPid.Valid() {
			pid := h.existingPid
			h.existingPid = ids.None
			return pid, nil
		}
	}

	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0444)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return ids.Invalid, err
		}
		return ids.Invalid, err
	}
	h.file = f
	return ids.None, nil
}

func processAlive(pid ids.Pid) bool {
	return unix.Kill(int(pid), 0) == nil
}

func readLocked(f *os.File) (pidsig.Signature, string, error) {
	data := make([]byte, MaxSize+1)
	n, err := f.ReadAt(data, 0)
	if err != nil && n == 0 {
		return pidsig.Signature{}, "", err
	}
	return parse(data[:n])
}

// AcquireWriteLock takes the exclusive advisory lock required to write
// content or unlink the file.
func (h *Handle) AcquireWriteLock() error {
	if err := unix.Flock(int(h.file.Fd()), unix.LOCK_EX); err != nil {
		return err
	}
	h.locked = lockWrite
	return nil
}

// AcquireReadLock takes the shared advisory lock used before reading.
func (h *Handle) AcquireReadLock() error {
	if err := unix.Flock(int(h.file.Fd()), unix.LOCK_SH); err != nil {
		return err
	}
	h.locked = lockRead
	return nil
}

// ReleaseLock drops whichever lock is held.
func (h *Handle) ReleaseLock() error {
	if h.locked == lockNone {
		return nil
	}
	err := unix.Flock(int(h.file.Fd()), unix.LOCK_UN)
	h.locked = lockNone
	return err
}

// DetectZombie compares stat(path) against fstat(fd); any mismatch
// (including the path no longer existing) means the held file descriptor
// is a "zombie" -- some other process deleted and possibly recreated the
// file out from under us, and the fd must be closed and the whole open
// sequence restarted from Init.
func (h *Handle) DetectZombie() (bool, error) {
	var fst, pst unix.Stat_t
	if err := unix.Fstat(int(h.file.Fd()), &fst); err != nil {
		return true, nil
	}
	if err := unix.Stat(h.path, &pst); err != nil {
		return true, nil
	}
	return fst.Dev != pst.Dev || fst.Ino != pst.Ino, nil
}

// Write records pid and keeperAddr into a newly created, empty file,
// following the four-line format from spec §3. The caller must hold the
// write lock (see AcquireWriteLock) before calling Write; Write releases
// it on return.
func (h *Handle) Write(pid ids.Pid, sig pidsig.Signature, keeperAddr string) error {
	content := fmt.Sprintf("%d\n\n%s\n%s\n", pid, sig.Value, keeperAddr)
	if len(content) > MaxSize {
		return fmt.Errorf("pidfile: content %d bytes exceeds max %d", len(content), MaxSize)
	}
	if _, err := h.file.WriteAt([]byte(content), 0); err != nil {
		return err
	}
	return h.ReleaseLock()
}

// Read parses the pidfile content, validating the embedded pid's
// signature against the live process it claims to be. Per spec §4.1, if
// the embedded pid's signature matches the live process's current
// signature the returned Signature names that pid; otherwise the
// returned Signature has Pid == ids.None (dead or zombie), even though
// the file parsed cleanly.
func (h *Handle) Read() (pidsig.Signature, string, error) {
	if err := h.AcquireReadLock(); err != nil {
		return pidsig.Signature{}, "", err
	}
	defer h.ReleaseLock()

	sig, addr, err := readLocked(h.file)
	if err != nil {
		return pidsig.Signature{}, "", err
	}
	if !sig.Pid.Valid() {
		return sig, addr, nil
	}
	live, err := pidsig.Create(sig.Pid, "")
	if err != nil || !pidsig.Equal(live, sig) {
		return pidsig.Signature{Pid: ids.None}, addr, nil
	}
	return sig, addr, nil
}

// parse splits raw pidfile bytes into the four-line record described in
// spec §3: decimal pid, a blank line (for LSB-compatible readers),
// signature, abstract socket path tail. Trailing bytes beyond the last
// newline make the file malformed; more than MaxSize bytes does too.
func parse(data []byte) (pidsig.Signature, string, error) {
	if len(data) > MaxSize {
		return pidsig.Signature{Pid: ids.Invalid}, "", ErrMalformed
	}
	text := string(data)
	if !strings.HasSuffix(text, "\n") {
		return pidsig.Signature{Pid: ids.Invalid}, "", ErrMalformed
	}
	lines := strings.SplitN(text, "\n", 5)
	// SplitN with 5 on a string ending in \n that has exactly 4 lines
	// produces exactly 4 non-final elements plus a trailing "".
	if len(lines) != 5 || lines[4] != "" {
		return pidsig.Signature{Pid: ids.Invalid}, "", ErrMalformed
	}
	if lines[1] != "" {
		return pidsig.Signature{Pid: ids.Invalid}, "", ErrMalformed
	}
	pid := ids.ParsePid(lines[0])
	return pidsig.Signature{Pid: pid, Value: lines[2]}, lines[3], nil
}

// Close truncates and unlinks the file while holding the write lock (so
// racing readers see an empty, invalid file rather than stale data), then
// closes the descriptor. If the handle is a zombie (see DetectZombie),
// the file is simply closed without touching the path, since it no
// longer denotes the same inode this handle created.
func (h *Handle) Close() error {
	if h.file == nil {
		return nil
	}
	defer func() {
		h.file.Close()
		h.file = nil
	}()

	zombie, err := h.DetectZombie()
	if err == nil && !zombie {
		if h.locked != lockWrite {
			if err := h.AcquireWriteLock(); err != nil {
				return err
			}
		}
		if err := h.file.Truncate(0); err != nil {
			return err
		}
		if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return h.ReleaseLock()
}
