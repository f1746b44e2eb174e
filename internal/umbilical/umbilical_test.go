package umbilical

import (
	"net"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/talismancer/pidsentry/internal/ids"
)

func TestRunEchoesThenTearsDownOnEOF(t *testing.T) {
	sentrySide, umbilicalSide, err := socketPair(t)
	if err != nil {
		t.Fatalf("socketPair: %v", err)
	}
	defer sentrySide.Close()

	// Use a disposable child process group as the teardown target rather
	// than the test binary's own pgid: Run's teardown path sends a real
	// SIGKILL to -pgid, which must never land on the test runner itself.
	cmd := exec.Command("/bin/sleep", "30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: 0}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start disposable child: %v", err)
	}
	childPgid := ids.Pgid(cmd.Process.Pid)
	defer unix.Kill(-int(childPgid), unix.SIGKILL)

	proc := New(umbilicalSide, childPgid, nil)
	done := make(chan error, 1)
	go func() { done <- proc.Run() }()

	if _, err := sentrySide.Write([]byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}
	echoBuf := make([]byte, 1)
	sentrySide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := sentrySide.Read(echoBuf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if echoBuf[0] != 0x01 {
		t.Fatalf("echo = %x, want 0x01", echoBuf[0])
	}

	sentrySide.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after sentry EOF")
	}

	waitErr := cmd.Wait()
	if waitErr == nil {
		t.Fatal("expected disposable child to be killed by teardown")
	}
}

func socketPair(t *testing.T) (*net.UnixConn, *net.UnixConn, error) {
	t.Helper()
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: "@pidsentry-umbilical-test", Net: "unix"})
	if err != nil {
		return nil, nil, err
	}
	defer ln.Close()

	serverCh := make(chan *net.UnixConn, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := ln.AcceptUnix()
		if err != nil {
			errCh <- err
			return
		}
		serverCh <- c
	}()

	client, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: "@pidsentry-umbilical-test", Net: "unix"})
	if err != nil {
		return nil, nil, err
	}

	select {
	case c := <-serverCh:
		return client, c, nil
	case err := <-errCh:
		return nil, nil, err
	case <-time.After(2 * time.Second):
		return nil, nil, os.ErrDeadlineExceeded
	}
}
