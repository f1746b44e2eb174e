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

// Package umbilical implements the second, independent watchdog process
// described in spec §4.6: it outlives a crashed sentry (the kernel
// delivers EOF on its end of the socket pair the moment the sentry dies,
// however abruptly) and then kills the child's process group so nothing
// is left unsupervised. There is no graceful-handoff path: every return
// from Run sends SIGKILL to the process group.
package umbilical

import (
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/talismancer/pidsentry/internal/ids"
	"github.com/talismancer/pidsentry/internal/keeper"
)

// PingInterval is the 1 Hz upstream ping the sentry uses to detect a
// stuck umbilical (spec §4.6).
const PingInterval = time.Second

// Process runs the umbilical's event loop: echo pings from the sentry,
// run the PidServer it inherited ownership of, and tear everything down
// on EOF.
type Process struct {
	conn *net.UnixConn
	pgid ids.Pgid
	srv  *keeper.Server
}

// New wires a Process around the sentry-side half of a socket pair
// (conn) and the PidServer ownership transferred to this process by the
// fork in spec §4.7 step 12.
func New(conn *net.UnixConn, pgid ids.Pgid, srv *keeper.Server) *Process {
	return &Process{conn: conn, pgid: pgid, srv: srv}
}

// Run drives the umbilical loop until the sentry socket closes (EOF) or
// an unrecoverable error occurs, then tears down per spec §4.6's order:
// SIGKILL the child pgid, close the PidServer, return.
func (p *Process) Run() error {
	defer p.teardown()

	buf := make([]byte, 1)
	for {
		if err := p.conn.SetReadDeadline(time.Now().Add(5 * PingInterval)); err != nil {
			return err
		}
		n, err := p.conn.Read(buf)
		if err != nil {
			// EOF or a read timeout (stuck sentry) both end supervision:
			// neither can be distinguished from "the sentry is gone" from
			// here, and spec §4.6 treats both as tear-down triggers.
			return nil
		}
		if n > 0 {
			if _, err := p.conn.Write(buf[:n]); err != nil {
				return nil
			}
		}
	}
}

func (p *Process) teardown() {
	_ = unix.Kill(-int(p.pgid), unix.SIGKILL)
	if p.srv != nil {
		_ = p.srv.Close()
	}
}

// ClientCount reports how many keeper clients are still holding a
// reference, for diagnostics.
func (p *Process) ClientCount() int {
	if p.srv == nil {
		return 0
	}
	return p.srv.ClientCount()
}
