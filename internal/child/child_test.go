package child

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/talismancer/pidsentry/internal/donation"
	"github.com/talismancer/pidsentry/internal/tether"
)

func TestIsEnvName(t *testing.T) {
	cases := map[string]bool{
		"FOO":     true,
		"FOO_BAR": true,
		"foo":     false,
		"":        false,
		"1FOO":    false,
		"FOO-BAR": false,
	}
	for name, want := range cases {
		if got := isEnvName(name); got != want {
			t.Errorf("isEnvName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestStartSetsProcessGroupLeader(t *testing.T) {
	agency := &donation.Agency{}
	p, err := Start("/bin/sleep", []string{"sleep", "0.2"}, FdTarget{}, agency)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.TetherRead.Close()

	if p.Pid == 0 || int(p.Pid) != int(p.Pgid) {
		t.Fatalf("expected pid == pgid, got pid=%d pgid=%d", p.Pid, p.Pgid)
	}
	if _, err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestStartBindsEnvVarTetherName(t *testing.T) {
	agency := &donation.Agency{}
	p, err := Start("/bin/sleep", []string{"sleep", "0.1"}, FdTarget{Name: "PIDSENTRY_TETHER_FD"}, agency)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.TetherRead.Close()
	defer p.Wait()

	found := false
	for _, e := range p.Cmd.Env {
		if strings.HasPrefix(e, "PIDSENTRY_TETHER_FD=") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected PIDSENTRY_TETHER_FD to be set in child environment")
	}
}

func TestWaitMapsExitCode(t *testing.T) {
	agency := &donation.Agency{}
	p, err := Start("/bin/sh", []string{"sh", "-c", "exit 7"}, FdTarget{}, agency)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.TetherRead.Close()

	code, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 7 {
		t.Fatalf("exit code = %d, want 7", code)
	}
}

func TestWaitMapsSignaledExitCode(t *testing.T) {
	agency := &donation.Agency{}
	p, err := Start("/bin/sleep", []string{"sleep", "5"}, FdTarget{}, agency)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.TetherRead.Close()

	time.Sleep(50 * time.Millisecond)
	if err := p.Signal(unix.SIGTERM); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	code, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 128+int(unix.SIGTERM) {
		t.Fatalf("exit code = %d, want %d", code, 128+int(unix.SIGTERM))
	}
}

func TestMonitorArmsPlanOnlyOnce(t *testing.T) {
	m := &Monitor{}
	m.arm(TerminatePlan)
	m.arm(AbortPlan)
	if m.plan[0] != unix.SIGTERM {
		t.Fatalf("expected Terminate plan to stick, got first signal %v", m.plan[0])
	}
}

func TestNewMonitorSetsOrphaned(t *testing.T) {
	m := NewMonitor(&Process{}, nil, nil, nil, nil, 0, 0, true)
	if !m.orphaned {
		t.Fatal("expected NewMonitor to thread the orphaned flag through")
	}
}

func TestOrphanedToInitFalseUnderTest(t *testing.T) {
	if orphanedToInit() {
		t.Fatal("test process should not be a direct child of init(8)")
	}
}

func TestFinishTetherDrainsAndWaits(t *testing.T) {
	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	var out bytes.Buffer
	th := tether.New(int(pr.Fd()), int(os.Stdout.Fd()), &out, time.Second)
	go th.Run()

	if _, err := pw.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := pw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m := &Monitor{tether: th}
	done := make(chan error, 1)
	go func() { done <- m.finishTether() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("finishTether: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("finishTether did not return after tether reached EOF")
	}

	if out.String() != "hello" {
		t.Fatalf("copied output = %q, want %q", out.String(), "hello")
	}
}

func TestFinishTetherNilTetherIsNoop(t *testing.T) {
	m := &Monitor{}
	if err := m.finishTether(); err != nil {
		t.Fatalf("finishTether with no tether: %v", err)
	}
}
