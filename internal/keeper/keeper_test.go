package keeper

import (
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/talismancer/pidsentry/internal/ids"
	"github.com/talismancer/pidsentry/internal/pidsig"
)

func TestServeAcceptsAuthenticatedClient(t *testing.T) {
	sig := pidsig.Signature{Pid: ids.Pid(os.Getpid()), Value: "boot:123"}
	log := logrus.NewEntry(logrus.New())

	s, addr, err := Listen(sig, log)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer s.Close()

	go s.Serve()

	conn, err := Dial(addr, sig, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !deadline.Before(time.Now()) {
		if s.ClientCount() == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if s.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", s.ClientCount())
	}
	if s.Clean() {
		t.Error("Clean() should be false while a client is connected")
	}

	conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for !deadline.Before(time.Now()) {
		if s.ClientCount() == 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !s.Clean() {
		t.Error("Clean() should be true after client disconnects")
	}
}

func TestDialRejectsWrongSignature(t *testing.T) {
	sig := pidsig.Signature{Pid: ids.Pid(os.Getpid()), Value: "boot:123"}
	log := logrus.NewEntry(logrus.New())

	s, addr, err := Listen(sig, log)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer s.Close()
	go s.Serve()

	wrong := pidsig.Signature{Pid: ids.Pid(os.Getpid()), Value: "boot:999"}
	conn, err := Dial(addr, wrong, time.Now().Add(2*time.Second))
	if err == nil {
		conn.Close()
		t.Fatal("expected Dial to fail for mismatched signature")
	}
}
