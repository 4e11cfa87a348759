package conn

import "time"

// maxShift bounds the exponent so base<<retry cannot overflow.
const maxShift = 30

// Backoff returns the reconnect delay for the given retry count:
// min(max, base*2^retry).
func Backoff(retry int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if retry < 0 {
		retry = 0
	}
	if retry > maxShift {
		return max
	}
	d := base << uint(retry)
	if d <= 0 || d > max {
		return max
	}
	return d
}
