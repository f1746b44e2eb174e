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

// Package keeper implements the PidServer: a unix abstract-namespace
// socket that lets any process hold a stable reference to the
// supervised child's process group, simply by keeping a connection
// open. The server counts connected clients (ClientCount, Clean);
// internal/umbilical does not wait on them, and closes every client
// connection when it tears down.
//
// The abstract-socket fallback chain and accept-loop shape are grounded
// on runsc/sandbox.go's createControlSocket and the RPC-server idiom
// implied by runsc/boot/controller.go, reimplemented directly over
// net.UnixListener since the uRPC package itself isn't part of the
// teacher's filtered source tree.
package keeper

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sirupsen/logrus"

	"github.com/talismancer/pidsentry/internal/pidsig"
)

// Server accepts connections from clients that want to hold the child's
// process group reference, authenticates them by uid and PidSignature,
// and tracks how many remain connected.
type Server struct {
	log      *logrus.Entry
	listener *net.UnixListener
	expected pidsig.Signature

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *net.UnixConn
}

// Listen binds an abstract unix socket named from expectedSig's value
// and pid (not a kernel-assigned autobind name) and returns a Server
// expecting connections that present expectedSig.
func Listen(expectedSig pidsig.Signature, log *logrus.Entry) (*Server, string, error) {
	// "@" is the net package's notation for the Linux abstract
	// namespace; naming it with the pid/signature keeps it unique.
	addr := fmt.Sprintf("@pidsentry-%s-%d", expectedSig.Value, expectedSig.Pid)
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: addr, Net: "unix"})
	if err != nil {
		return nil, "", fmt.Errorf("keeper: listen: %w", err)
	}
	s := &Server{
		log:      log,
		listener: ln,
		expected: expectedSig,
		clients:  make(map[*client]struct{}),
	}
	// The advertised tail omits the synthetic leading '@'/NUL, per
	// spec §3: "the leading NUL byte is omitted from the file; it is
	// restored when reconnecting."
	return s, addr[1:], nil
}

// RawFD returns the integer file descriptor backing the listening
// socket, without duplicating it -- used to whitelist the listener
// against fdset.CloseExceptWhitelist while it's still owned by this
// process (compare File, which dups for donation across exec).
func (s *Server) RawFD() (int, error) {
	raw, err := s.listener.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, err
	}
	return fd, nil
}

// File returns a dup'd *os.File backing the listening socket, suitable
// for donation across exec via cmd.ExtraFiles -- the mechanism spec
// §4.7 step 12 calls "fork the UmbilicalProcess, transferring ownership
// of the PidServer" adapted to Go's re-exec model (see DESIGN.md).
func (s *Server) File() (*os.File, error) { return s.listener.File() }

// FromFile reconstructs a Server around a listener inherited from a
// parent process's donated fd (see File), for use by the re-exec'd
// umbilical process.
func FromFile(f *os.File, expectedSig pidsig.Signature, log *logrus.Entry) (*Server, error) {
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("keeper: listener from fd: %w", err)
	}
	uln, ok := ln.(*net.UnixListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("keeper: inherited fd is not a unix listener")
	}
	return &Server{
		log:      log,
		listener: uln,
		expected: expectedSig,
		clients:  make(map[*client]struct{}),
	}, nil
}

// Serve runs the accept loop until the listener is closed. Each
// connection is authenticated and serviced in its own goroutine, which
// is the Go-idiomatic replacement for the C implementation's single
// event-queue-driven ClientActivity list; Server.ClientCount still
// reports the invariant the spec's event-queue approach exists to
// maintain (how many references are outstanding).
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn *net.UnixConn) {
	c := &client{conn: conn}
	if !s.authenticate(conn) {
		conn.Close()
		return
	}

	deadline := time.Now().Add(5 * time.Second)
	sig, err := pidsig.Recv(conn, deadline)
	if err != nil || !pidsig.Equal(sig, s.expected) {
		s.log.WithField("component", "keeper").Warnf("rejecting client with mismatched signature: %v", err)
		conn.Close()
		return
	}

	if _, err := conn.Write([]byte{0x00}); err != nil {
		conn.Close()
		return
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	// Block until the client disconnects (read returns io.EOF or an
	// error); this is the Go-goroutine equivalent of arming the
	// connection for "disconnect" readiness in an event queue.
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	conn.Close()
}

// authenticate rejects a peer unless its uid matches our effective uid or
// is root, via SO_PEERCRED (spec §4.3 step 2).
func (s *Server) authenticate(conn *net.UnixConn) bool {
	raw, err := conn.SyscallConn()
	if err != nil {
		return false
	}
	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || credErr != nil {
		return false
	}
	euid := uint32(unix.Geteuid())
	return cred.Uid == euid || cred.Uid == 0
}

// Dial connects to a keeper address as read from a pidfile (the tail of
// an abstract-namespace address, with the leading NUL/'@' restored),
// sends ourSig, and waits for the one-byte acknowledgement, returning the
// live connection that now represents our reference to the child's
// process group.
func Dial(addr string, ourSig pidsig.Signature, deadline time.Time) (*net.UnixConn, error) {
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: "@" + addr, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("keeper: dial: %w", err)
	}
	if err := pidsig.Send(conn, ourSig, deadline); err != nil {
		conn.Close()
		return nil, err
	}
	ack := make([]byte, 1)
	if err := conn.SetReadDeadline(deadline); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Read(ack); err != nil || ack[0] != 0x00 {
		conn.Close()
		return nil, fmt.Errorf("keeper: handshake failed: %w", err)
	}
	return conn, nil
}

// ClientCount returns the number of currently-authenticated, connected
// clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Clean is a non-blocking, idempotent check of whether the server has no
// remaining clients; internal/umbilical does not call it when deciding to
// exit. Unlike the original's poll-based implementation, the goroutine
// model means "clean" is simply "no clients and listener open", sampled
// under the same mutex used by handle.
func (s *Server) Clean() bool {
	return s.ClientCount() == 0
}

// Close shuts down the listener, forcibly dropping all client
// connections.
func (s *Server) Close() error {
	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()
	return s.listener.Close()
}

// StopAccepting closes only the listening socket, ending this Server's
// Serve loop, while leaving any already-connected clients' goroutines
// running undisturbed. Used when ownership of the listener's underlying
// socket has been handed to another process holding its own dup of the
// listening fd (see Sentry.SpawnUmbilical): existing clients continue to
// be serviced here until they disconnect naturally, while new
// connections are picked up by the new owner's Accept loop.
func (s *Server) StopAccepting() error {
	return s.listener.Close()
}
