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

// Package fdset provides range arithmetic over sets of file descriptors,
// used to whitelist the few fds a freshly-forked process should keep and
// close everything else.
package fdset

import (
	"os"
	"sort"

	"golang.org/x/sys/unix"
)

// Range is an inclusive [Low, High] range of file descriptors.
type Range struct {
	Low, High int
}

// Set accumulates disjoint fd ranges, merging overlapping/adjacent
// insertions, and visits them back out in ascending order.
type Set struct {
	ranges []Range
}

// Insert adds the inclusive range [low, high] to the set, merging it with
// any existing overlapping or touching ranges.
func (s *Set) Insert(low, high int) {
	if low > high {
		low, high = high, low
	}
	merged := Range{Low: low, High: high}
	var kept []Range
	for _, r := range s.ranges {
		if r.High+1 < merged.Low || merged.High+1 < r.Low {
			kept = append(kept, r)
			continue
		}
		if r.Low < merged.Low {
			merged.Low = r.Low
		}
		if r.High > merged.High {
			merged.High = r.High
		}
	}
	kept = append(kept, merged)
	sort.Slice(kept, func(i, j int) bool { return kept[i].Low < kept[j].Low })
	s.ranges = kept
}

// Contains reports whether fd falls inside any range in the set.
func (s *Set) Contains(fd int) bool {
	for _, r := range s.ranges {
		if fd >= r.Low && fd <= r.High {
			return true
		}
	}
	return false
}

// Visit calls fn once per disjoint range, in ascending order.
func (s *Set) Visit(fn func(Range)) {
	for _, r := range s.ranges {
		fn(r)
	}
}

// Ranges returns a copy of the disjoint ranges in ascending order.
func (s *Set) Ranges() []Range {
	out := make([]Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// CloseExceptWhitelist closes every open fd in [0, limit) that is not a
// member of whitelist, per spec invariant 5. limit is normally
// RLIMIT_NOFILE.cur. Errors closing individual fds are ignored (the fd may
// simply not be open), matching the original implementation's "best
// effort sweep" behavior.
func CloseExceptWhitelist(whitelist *Set, limit int) {
	for fd := 0; fd < limit; fd++ {
		if whitelist.Contains(fd) {
			continue
		}
		// EBADF just means the fd wasn't open; nothing to do.
		_ = unix.Close(fd)
	}
}

// CurrentNoFileLimit returns RLIMIT_NOFILE.cur for the calling process, the
// usual bound passed to CloseExceptWhitelist.
func CurrentNoFileLimit() (int, error) {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 0, err
	}
	if rlim.Cur > uint64(^uint(0)>>1) {
		return int(^uint(0) >> 1), nil
	}
	return int(rlim.Cur), nil
}

// WhitelistFiles builds a Set from a collection of open files, by fd.
func WhitelistFiles(files ...*os.File) *Set {
	s := &Set{}
	for _, f := range files {
		if f == nil {
			continue
		}
		fd := int(f.Fd())
		s.Insert(fd, fd)
	}
	return s
}
