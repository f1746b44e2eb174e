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

// Package ids defines small newtype wrappers over raw OS identifiers so
// that pids, pgids, uids and gids are never accidentally interchanged.
package ids

import "strconv"

// Pid is a process id. Zero means "no process"; -1 means "error/invalid"
// in parsed pidfile contents.
type Pid int32

// None is the zero value: no process.
const None Pid = 0

// Invalid marks a pid that failed to parse or validate.
const Invalid Pid = -1

// Valid reports whether p names a real, positive process id.
func (p Pid) Valid() bool { return p > 0 }

func (p Pid) String() string { return strconv.FormatInt(int64(p), 10) }

// ParsePid parses a decimal pid, returning Invalid on any parse error or
// out-of-range value (mirrors the pidfile reader's leniency: a malformed
// field is just another way of saying "don't trust this file").
func ParsePid(s string) Pid {
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return Invalid
	}
	return Pid(v)
}

// Pgid is a process group id. By invariant 3 of the spec, a supervised
// child's Pgid always equals its Pid (the child is its own group leader).
type Pgid int32

func (g Pgid) String() string { return strconv.FormatInt(int64(g), 10) }

// Uid is a user id.
type Uid uint32

// Gid is a group id.
type Gid uint32
