package clock

import (
	"testing"
	"time"
)

func TestDeadlineZeroNeverExpires(t *testing.T) {
	c := NewEventClock(nil)
	d := c.NewDeadline(0)
	if d.Expired() {
		t.Error("zero-limit deadline must never expire")
	}
}

func TestDeadlineExpires(t *testing.T) {
	c := NewEventClock(nil)
	d := c.NewDeadline(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if !d.Expired() {
		t.Error("deadline should have expired")
	}
}

func TestDeadlineResetPostponesExpiry(t *testing.T) {
	c := NewEventClock(nil)
	d := c.NewDeadline(20 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	d.Reset()
	time.Sleep(15 * time.Millisecond)
	if d.Expired() {
		t.Error("deadline reset should have postponed expiry past 15ms")
	}
}

func TestSigContTrackerChanged(t *testing.T) {
	tr := &SigContTracker{}
	snap := tr.Snapshot()
	if tr.Changed(snap) {
		t.Error("no SIGCONT observed yet, Changed must be false")
	}
	tr.count.Add(1)
	if !tr.Changed(snap) {
		t.Error("counter advanced, Changed must be true")
	}
}
