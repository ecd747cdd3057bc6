package notify

import (
	"testing"
	"time"
)

func TestBackoff_Schedule(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{-1, 10 * time.Second},
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{2, 30 * time.Second},
		{3, 60 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{8, 256 * time.Second},
		{9, 512 * time.Second},
		{10, 15 * time.Minute},
		{11, 15 * time.Minute},
		{1000, 15 * time.Minute},
	}
	for _, tc := range cases {
		if got := Backoff(tc.attempts); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}
