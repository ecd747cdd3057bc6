package notify

import "time"

const maxBackoff = 15 * time.Minute

// Backoff returns the retry delay after the given number of failed attempts:
// 10s, 30s, 60s, then 2^attempts seconds (exponent capped at 10) up to 15m.
func Backoff(attempts int) time.Duration {
	switch {
	case attempts <= 1:
		return 10 * time.Second
	case attempts == 2:
		return 30 * time.Second
	case attempts == 3:
		return 60 * time.Second
	}
	exp := min(attempts, 10)
	d := time.Duration(1<<uint(exp)) * time.Second
	return min(d, maxBackoff)
}
