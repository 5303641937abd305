package backoff

import (
	"testing"
	"time"
)

func TestConstant(t *testing.T) {
	t.Parallel()
	s := NewConstant(5 * time.Second)
	for _, attempt := range []int{1, 2, 10} {
		if got := s.Delay(attempt); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want 5s", attempt, got)
		}
	}
}

func TestExponential(t *testing.T) {
	t.Parallel()
	s := NewExponential(time.Second, 30*time.Second)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := s.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponentialWithJitterBounds(t *testing.T) {
	t.Parallel()
	s := NewExponentialWithJitter(time.Second, time.Minute)
	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 50; i++ {
			d := s.Delay(attempt)
			if d < 0 {
				t.Fatalf("Delay(%d) = %v, negative", attempt, d)
			}
			if d > time.Minute {
				t.Fatalf("Delay(%d) = %v, exceeds max", attempt, d)
			}
		}
	}
}
