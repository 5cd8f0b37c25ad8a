package pool

import "time"

// currentTimeMillis returns the current wall-clock time in milliseconds.
func currentTimeMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

// elapsedSinceMillis returns the milliseconds elapsed since since,
// clamped to zero if the clock appears to have moved backward (§4.4:
// "when the clock goes backward, idleTime must be clamped to zero").
func elapsedSinceMillis(since int64) int64 {
	elapsed := currentTimeMillis() - since
	if elapsed < 0 {
		return 0
	}
	return elapsed
}
