package tools

import (
	"testing"
	"time"
)

func TestBackoffCeiling(t *testing.T) {
	t.Parallel()
	for n := 0; n < 64; n++ {
		d := Backoff(n, time.Second)
		if d > 60*time.Second {
			t.Errorf("Backoff(%d) = %v, want <= 60s", n, d)
		}
		if d <= 0 {
			t.Errorf("Backoff(%d) = %v, want > 0", n, d)
		}
	}
}

func TestBackoffGrowth(t *testing.T) {
	t.Parallel()
	// Jitter is bounded to [0.8, 1.2], so below the ceiling the worst case of
	// attempt n+1 still beats the best case of attempt n (1.7*0.8 > 1.2).
	for n := 0; n < 8; n++ {
		lo := Backoff(n+1, time.Second)
		hi := Backoff(n, time.Second)
		if lo >= 60*time.Second || hi >= 48*time.Second {
			break
		}
		if float64(lo) < float64(hi)*1.7*0.8/1.2 {
			t.Errorf("Backoff(%d)=%v not growing over Backoff(%d)=%v", n+1, lo, n, hi)
		}
	}
}

func TestBackoffNegativeAttempt(t *testing.T) {
	t.Parallel()
	d := Backoff(-3, time.Second)
	if d < 800*time.Millisecond || d > 1200*time.Millisecond {
		t.Errorf("Backoff(-3) = %v, want within jitter of base", d)
	}
}
