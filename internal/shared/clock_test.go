package shared

import (
	"testing"
	"time"
)

func TestManualClock_Advance(t *testing.T) {
	start := time.UnixMilli(1_700_000_000_000)
	c := NewManualClock(start)
	if !c.Now().Equal(start) {
		t.Fatalf("expected %v, got %v", start, c.Now())
	}
	c.Advance(10 * time.Second)
	if got := c.Now().Sub(start); got != 10*time.Second {
		t.Fatalf("expected 10s elapsed, got %v", got)
	}
	c.Set(start)
	if !c.Now().Equal(start) {
		t.Fatalf("expected reset to start, got %v", c.Now())
	}
}

func TestSystemClock_Moves(t *testing.T) {
	var c Clock = SystemClock{}
	if c.Now().IsZero() {
		t.Fatal("expected non-zero time")
	}
}
