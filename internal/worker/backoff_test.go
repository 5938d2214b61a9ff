package worker

import (
	"testing"
	"time"
)

func TestBackoff_Sequence(t *testing.T) {
	want := []time.Duration{5 * time.Minute, 10 * time.Minute, 20 * time.Minute, 40 * time.Minute}
	for i, w := range want {
		if got := Backoff(DefaultBaseDelay, i+1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestBackoff_StrictlyIncreasing(t *testing.T) {
	prev := time.Duration(0)
	for n := 1; n <= 10; n++ {
		d := Backoff(DefaultBaseDelay, n)
		if d <= prev {
			t.Fatalf("Backoff(%d) = %v, not greater than %v", n, d, prev)
		}
		prev = d
	}
}

func TestBackoff_Bounds(t *testing.T) {
	if got := Backoff(DefaultBaseDelay, 0); got != DefaultBaseDelay {
		t.Errorf("Backoff(0) = %v, want base", got)
	}
	if got := Backoff(0, 1); got != DefaultBaseDelay {
		t.Errorf("zero base = %v, want default", got)
	}
	if got := Backoff(time.Second, 1000); got <= 0 {
		t.Errorf("huge attempt overflowed: %v", got)
	}
}

func TestBackoffPreview(t *testing.T) {
	got := BackoffPreview(time.Minute, 3)
	want := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("preview[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
