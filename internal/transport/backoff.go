package transport

import "time"

// backoffDelay returns the reconnect delay for the given attempt (1-based):
// base doubled per attempt, capped. Deliberately jitter-free so the schedule
// is deterministic and testable; the relay tolerates synchronized reconnects.
func backoffDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
