package util

import (
	"strconv"
	"time"
)

// ParseTime accepts RFC3339 (with or without fraction), unix seconds and
// unix milliseconds. Numbers above 1e11 are taken as milliseconds.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true
	}
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ts <= 0 {
		return time.Time{}, false
	}
	if ts > 1e11 {
		return time.UnixMilli(ts).UTC(), true
	}
	return time.Unix(ts, 0).UTC(), true
}

// ParseTimeDefault parses time or returns default if empty/invalid.
func ParseTimeDefault(s string, def time.Time) time.Time {
	if t, ok := ParseTime(s); ok {
		return t
	}
	return def
}

// AlignDown floors a unix-ms timestamp to a multiple of d since the epoch.
func AlignDown(ms int64, d time.Duration) int64 {
	step := d.Milliseconds()
	if step <= 0 {
		return ms
	}
	r := ms % step
	if r < 0 {
		r += step
	}
	return ms - r
}
