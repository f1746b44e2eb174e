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

// Package donation accumulates named open files destined for a child
// process's file descriptor table and transfers them onto an exec.Cmd's
// ExtraFiles in one step, the way runsc/sandbox.go's donation.Agency
// accumulates log/profile/socket files before starting the sandbox
// process.
package donation

import (
	"os"
	"os/exec"
	"strconv"
)

// entry pairs a file with the name it was donated under, used only for
// diagnostics (LogDonations).
type entry struct {
	name string
	file *os.File
}

// Agency accumulates files to be donated to a child process. Call Close
// when done; it closes every donated file, transferred or not.
type Agency struct {
	entries []entry
}

// Donate adds f to the agency under name, for later Transfer. Close
// closes f along with every other donated file.
func (a *Agency) Donate(name string, f *os.File) {
	if f == nil {
		return
	}
	a.entries = append(a.entries, entry{name: name, file: f})
}

// OpenAndDonate opens path with flags (mode 0644) and donates it under
// name. If path is empty, this is a no-op (mirrors the teacher's pattern
// of optional log/profile files).
func (a *Agency) OpenAndDonate(name, path string, flags int) error {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return err
	}
	a.Donate(name, f)
	return nil
}

// DonateAndClose donates each of files under name, exactly as Donate
// does; Close closes them whether or not they were transferred.
func (a *Agency) DonateAndClose(name string, files ...*os.File) {
	for _, f := range files {
		a.Donate(name, f)
	}
}

// Transfer appends all donated files (in donation order) to cmd.ExtraFiles
// and returns the fd number the *next* donation would receive, starting
// the count at startFD (always 3, since 0/1/2 are reserved for
// stdin/stdout/stderr in the child).
func (a *Agency) Transfer(cmd *exec.Cmd, startFD int) int {
	cmd.ExtraFiles = append(cmd.ExtraFiles, filesOf(a.entries)...)
	return startFD + len(a.entries)
}

func filesOf(entries []entry) []*os.File {
	out := make([]*os.File, len(entries))
	for i, e := range entries {
		out[i] = e.file
	}
	return out
}

// LogDonations returns a diagnostic summary ("<name>=<fd>" per entry) of
// what was donated and at what fd offset, for debug logging before exec.
func (a *Agency) LogDonations(startFD int) []string {
	lines := make([]string, 0, len(a.entries))
	for i, e := range a.entries {
		lines = append(lines, e.name+"="+strconv.Itoa(startFD+i))
	}
	return lines
}

// Close closes every donated file. Safe to call multiple times.
func (a *Agency) Close() {
	for _, e := range a.entries {
		e.file.Close()
	}
	a.entries = nil
}
