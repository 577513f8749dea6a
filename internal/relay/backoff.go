package relay

import "time"

// Backoff returns base * 2^retry, capped at max. A negative retry returns base.
func Backoff(base, max time.Duration, retry int) time.Duration {
	if retry < 0 {
		return base
	}
	// 2^30 * any sane base is already past max; avoid shifting into overflow.
	if retry > 30 {
		return max
	}

	backoff := base * time.Duration(1<<retry)
	if backoff > max || backoff <= 0 {
		return max
	}
	return backoff
}
