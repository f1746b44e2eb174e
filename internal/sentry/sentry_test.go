package sentry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/talismancer/pidsentry/internal/options"
)

func TestCreateAndRunHappyPath(t *testing.T) {
	opts := &options.Options{
		Args:       []string{"/bin/true"},
		Untethered: true,
		Debug:      1, // skip chdir("/") so the test binary's cwd is untouched
	}
	log := logrus.NewEntry(logrus.New())

	s, err := Create(Config{Opts: opts, Log: log})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	code, err := s.Run(2 * time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestCreateWithPidfileWritesRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.pid")

	opts := &options.Options{
		Args:       []string{"/bin/sleep", "0.3"},
		Untethered: true,
		Debug:      1,
		Pidfile:    path,
	}
	log := logrus.NewEntry(logrus.New())

	s, err := Create(Config{Opts: opts, Log: log})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.KeeperAddr() == "" {
		t.Fatal("expected a non-empty keeper address when a pidfile is requested")
	}

	code, err := s.Run(2 * time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}
