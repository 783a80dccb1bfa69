package clock

import (
	"testing"
	"time"
)

func TestJitterStaysInBounds(t *testing.T) {
	max := 500 * time.Millisecond
	for i := 0; i < 1000; i++ {
		j := Jitter(max)
		if j < 0 || j >= max {
			t.Fatalf("jitter out of bounds: %v", j)
		}
	}
}

func TestJitterZeroForNonPositiveMax(t *testing.T) {
	if j := Jitter(0); j != 0 {
		t.Fatalf("Jitter(0): got %v, want 0", j)
	}
	if j := Jitter(-time.Second); j != 0 {
		t.Fatalf("Jitter(-1s): got %v, want 0", j)
	}
}

func TestSystemClockIsUTC(t *testing.T) {
	now := System().Now()
	if now.Location() != time.UTC {
		t.Fatalf("system clock location: got %v, want UTC", now.Location())
	}
}
