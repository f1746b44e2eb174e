package errctx

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func TestWrapChainsFrames(t *testing.T) {
	base := unix.EAGAIN
	err := Wrap(base, 0, "opening pidfile")
	err = Wrap(err, 0, "creating sentry")

	frames := Frames(err)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].Message != "creating sentry" {
		t.Errorf("outermost frame message = %q", frames[0].Message)
	}
	if frames[1].Message != "opening pidfile" {
		t.Errorf("innermost frame message = %q", frames[1].Message)
	}
	if !frames[1].HasErrno || frames[1].Errno != unix.EAGAIN {
		t.Errorf("innermost frame should carry EAGAIN errno, got %+v", frames[1])
	}
}

func TestFormatProducesOneLinePerFrame(t *testing.T) {
	err := Wrap(unix.ENOENT, 0, "missing pidfile")
	lines := Format(1234, err)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %v", len(lines), lines)
	}
	if !strings.HasPrefix(lines[0], "pidsentry: [") {
		t.Errorf("line does not match expected prefix: %q", lines[0])
	}
	if !strings.Contains(lines[0], "- errno") {
		t.Errorf("line missing errno suffix: %q", lines[0])
	}
}

func TestFormatNonFrameError(t *testing.T) {
	lines := Format(1, errors.New("plain"))
	if len(lines) != 1 {
		t.Fatalf("expected 1 line for a plain error, got %d", len(lines))
	}
}

func TestSignalFrameStackIsSeparate(t *testing.T) {
	PushSignalFrame(Frame{Message: "sig frame"})
	drained := DrainSignalFrames()
	if len(drained) != 1 || drained[0].Message != "sig frame" {
		t.Fatalf("unexpected signal frame stack contents: %+v", drained)
	}
	if len(DrainSignalFrames()) != 0 {
		t.Fatal("expected signal frame stack to be empty after drain")
	}
}
