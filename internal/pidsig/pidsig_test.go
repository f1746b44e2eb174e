package pidsig

import (
	"bytes"
	"testing"
	"time"

	"github.com/talismancer/pidsentry/internal/ids"
)

func TestSendRecvRoundTrip(t *testing.T) {
	sig := Signature{Pid: 4242, Value: "abcdef-1234:56789"}
	var buf bytes.Buffer
	if err := Send(&buf, sig, time.Time{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := Recv(&buf, time.Time{})
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got != sig {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, sig)
	}
}

func TestRecvRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})
	var lenBytes [8]byte
	lenBytes[0] = 0xFF
	lenBytes[1] = 0xFF
	lenBytes[2] = 0xFF
	lenBytes[3] = 0xFF
	buf.Write(lenBytes[:])
	if _, err := Recv(&buf, time.Time{}); err == nil {
		t.Error("expected error for oversized declared length")
	}
}

func TestRank(t *testing.T) {
	a := Signature{Pid: 1, Value: "x"}
	b := Signature{Pid: 2, Value: "a"}
	if Rank(a, b) >= 0 {
		t.Error("lower pid should rank first")
	}
	c := Signature{Pid: 1, Value: "y"}
	if Rank(a, c) >= 0 {
		t.Error("lexicographically smaller value should rank first for equal pid")
	}
	if !Equal(a, Signature{Pid: 1, Value: "x"}) {
		t.Error("identical signatures must be Equal")
	}
}

func TestParseStartJiffies(t *testing.T) {
	// Command name containing whitespace and parens, as real process
	// names can (e.g. "(sh) (wrapped)").
	line := "123 (sh) (wrapped) S 1 123 123 0 -1 4194560 100 0 0 0 10 5 0 0 20 0 1 0 56789 0 0"
	got, err := ParseStartJiffies(line)
	if err != nil {
		t.Fatalf("ParseStartJiffies: %v", err)
	}
	if got != "56789" {
		t.Errorf("got starttime %q, want 56789", got)
	}
}

func TestPidZeroSentinel(t *testing.T) {
	if ids.None.Valid() {
		t.Error("ids.None must be invalid")
	}
}
