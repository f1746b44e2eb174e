package jobcontrol

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/talismancer/pidsentry/internal/ids"
)

func TestChldPendingLatchesAndClears(t *testing.T) {
	w := New(ids.Pgid(os.Getpid()))
	defer w.Stop()

	proc, err := os.FindProcess(os.Getpid())
	if err != nil {
		t.Fatalf("FindProcess: %v", err)
	}
	if err := proc.Signal(syscall.SIGCHLD); err != nil {
		t.Fatalf("signal: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !deadline.Before(time.Now()) {
		if w.ChldPending() {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if w.ChldPending() {
		t.Fatal("ChldPending should clear the latch on first read")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	w := New(ids.Pgid(os.Getpid()))
	w.Stop()
	w.Stop()
}
