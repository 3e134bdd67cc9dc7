package agent

import "time"

// backoffForAttempt returns a capped exponential delay for the nth restart
// of an actor that exited with an error: 1s, 2s, 4s, ... capped at 30s.
func backoffForAttempt(attempt int) time.Duration {
	shift := attempt
	if shift > 5 {
		shift = 5
	}
	d := time.Second * time.Duration(uint64(1)<<uint(shift))
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}
