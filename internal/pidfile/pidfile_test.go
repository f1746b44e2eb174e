package pidfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/talismancer/pidsentry/internal/ids"
	"github.com/talismancer/pidsentry/internal/pidsig"
)

func TestParseWellFormed(t *testing.T) {
	content := "123\n\nincarnation:456\n\\x00abcdef\n"
	sig, addr, err := parse([]byte(content))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sig.Pid != 123 {
		t.Errorf("pid = %v, want 123", sig.Pid)
	}
	if sig.Value != "incarnation:456" {
		t.Errorf("signature = %q", sig.Value)
	}
	if addr != "\\x00abcdef" {
		t.Errorf("addr = %q", addr)
	}
}

func TestParseRejectsTrailingBytes(t *testing.T) {
	content := "123\n\nsig\naddr\ntrailing garbage"
	if _, _, err := parse([]byte(content)); err == nil {
		t.Error("expected error for trailing bytes beyond last newline")
	}
}

func TestParseRejectsNonBlankSecondLine(t *testing.T) {
	content := "123\nnotblank\nsig\naddr\n"
	if _, _, err := parse([]byte(content)); err == nil {
		t.Error("expected error for non-blank second line")
	}
}

func TestParseRejectsOversized(t *testing.T) {
	big := make([]byte, MaxSize+1)
	for i := range big {
		big[i] = 'a'
	}
	if _, _, err := parse(big); err == nil {
		t.Error("expected error for oversized content")
	}
}

func TestCreateWriteReadCloseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.pid")

	h, err := Init(path)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	pid, err := Open(h, true)
	if err != nil {
		t.Fatalf("Open(create): %v", err)
	}
	if pid != ids.None {
		t.Fatalf("expected fresh create, got existing pid %v", pid)
	}
	if err := h.AcquireWriteLock(); err != nil {
		t.Fatalf("AcquireWriteLock: %v", err)
	}
	self := ids.Pid(os.Getpid())
	sig, err := pidsig.Create(self, "")
	if err != nil {
		t.Fatalf("pidsig.Create: %v", err)
	}
	if err := h.Write(self, sig, "deadbeef"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	h2, err := Init(path)
	if err != nil {
		t.Fatalf("Init (reader): %v", err)
	}
	if _, err := Open(h2, false); err != nil {
		t.Fatalf("Open(readonly): %v", err)
	}
	gotSig, addr, err := h2.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if gotSig.Pid != self {
		t.Errorf("read pid = %v, want %v (self, alive)", gotSig.Pid, self)
	}
	if addr != "deadbeef" {
		t.Errorf("read addr = %q, want deadbeef", addr)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected pidfile to be unlinked after Close")
	}
}

func TestOpenCreateFindsLiveOwner(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.pid")

	h, err := Init(path)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := Open(h, true); err != nil {
		t.Fatalf("Open(create): %v", err)
	}
	if err := h.AcquireWriteLock(); err != nil {
		t.Fatalf("AcquireWriteLock: %v", err)
	}
	self := ids.Pid(os.Getpid())
	sig, _ := pidsig.Create(self, "")
	if err := h.Write(self, sig, "addr"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	h2, err := Init(path)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	gotPid, err := Open(h2, true)
	if err != nil {
		t.Fatalf("Open(create) against live owner: %v", err)
	}
	if gotPid != self {
		t.Errorf("expected Open to report live owner %v, got %v", self, gotPid)
	}

	_ = h.Close()
}
