// Package timestamp validates the freshness of signing requests.
package timestamp

import (
	"fmt"
	"strconv"
	"time"
)

// Parse reads a decimal unix timestamp (seconds).
func Parse(raw string) (time.Time, error) {
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp in bad format: %w", err)
	}
	return time.Unix(secs, 0), nil
}

// Fresh reports whether ts lies within window of now, in either
// direction. Future skew is rejected like stale requests: a replayed
// request with a forged future timestamp must not outlive the window.
func Fresh(ts time.Time, window time.Duration) bool {
	return FreshAt(ts, time.Now(), window)
}

// FreshAt is Fresh against an explicit reference time.
func FreshAt(ts, now time.Time, window time.Duration) bool {
	diff := now.Sub(ts)
	if diff < 0 {
		diff = -diff
	}
	return diff <= window
}
