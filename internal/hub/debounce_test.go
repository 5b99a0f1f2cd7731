package hub

import (
	"testing"
	"time"
)

func TestDebouncer_Window(t *testing.T) {
	d := NewDebouncer(500 * time.Millisecond)
	now := time.Unix(0, 0)
	d.now = func() time.Time { return now }

	if !d.ShouldBroadcast("n1") {
		t.Fatal("first call should pass")
	}
	now = now.Add(499 * time.Millisecond)
	if d.ShouldBroadcast("n1") {
		t.Fatal("call inside window should be suppressed")
	}
	now = now.Add(time.Millisecond)
	if !d.ShouldBroadcast("n1") {
		t.Fatal("call at window edge should pass")
	}
}

func TestDebouncer_Clear(t *testing.T) {
	d := NewDebouncer(time.Hour)
	d.ShouldBroadcast("a")
	d.ShouldBroadcast("b")

	d.Clear("a")
	if !d.ShouldBroadcast("a") {
		t.Fatal("cleared node should pass")
	}
	if d.ShouldBroadcast("b") {
		t.Fatal("uncleared node should still be suppressed")
	}
	d.Clear("")
	if !d.ShouldBroadcast("b") {
		t.Fatal("clear-all should reset b")
	}
}
