package agent

import (
	"path/filepath"
	"testing"
)

func TestRunRelaxedWithMissingPidfile(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		PidfilePath: filepath.Join(dir, "nonexistent.pid"),
		Relaxed:     true,
		Args:        []string{"/bin/true"},
	}
	res, err := Run(cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if res.ChildPid.Valid() {
		t.Fatalf("expected no child pid, got %d", res.ChildPid)
	}
}

func TestRunFailsOnMissingPidfileWithoutRelaxed(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		PidfilePath: filepath.Join(dir, "nonexistent.pid"),
		Relaxed:     false,
		Args:        []string{"/bin/true"},
	}
	if _, err := Run(cfg); err == nil {
		t.Fatal("expected an error without --relaxed against a missing pidfile")
	}
}
