package scheduler

import (
	"fmt"
	"time"
)

// TimestampFormat is the wire format for search window bounds.
const TimestampFormat = "2006-01-02_15:04:05_UTC"

// DateFormat is the short form accepted from callers.
const DateFormat = "2006-01-02"

// Interval is one contiguous slice of a search window.
type Interval struct {
	Since string
	Until string
}

// NormalizeBounds parses caller-supplied since/until into canonical
// timestamps. Date-only values expand to start of day for since and end of
// day for until; an empty until means now.
func NormalizeBounds(since, until string) (string, string, error) {
	normalizedSince, err := normalizeTimestamp(since, false)
	if err != nil {
		return "", "", fmt.Errorf("invalid since %q: %w", since, err)
	}
	if normalizedSince == "" {
		return "", "", fmt.Errorf("since is required")
	}

	if until == "" {
		return normalizedSince, time.Now().UTC().Format(TimestampFormat), nil
	}
	normalizedUntil, err := normalizeTimestamp(until, true)
	if err != nil {
		return "", "", fmt.Errorf("invalid until %q: %w", until, err)
	}
	return normalizedSince, normalizedUntil, nil
}

func normalizeTimestamp(value string, endOfDay bool) (string, error) {
	if value == "" {
		return "", nil
	}
	if t, err := time.Parse(TimestampFormat, value); err == nil {
		return t.Format(TimestampFormat), nil
	}
	t, err := time.Parse(DateFormat, value)
	if err != nil {
		return "", err
	}
	if endOfDay {
		t = t.Add(23*time.Hour + 59*time.Minute + 59*time.Second)
	}
	return t.Format(TimestampFormat), nil
}

// SplitTimeIntervals splits [since, until] into up to n contiguous
// intervals, none smaller than minInterval. A degenerate window yields a
// single interval.
func SplitTimeIntervals(since, until string, n int, minInterval time.Duration) ([]Interval, error) {
	sinceT, err := time.Parse(TimestampFormat, since)
	if err != nil {
		return nil, fmt.Errorf("parse since: %w", err)
	}
	untilT, err := time.Parse(TimestampFormat, until)
	if err != nil {
		return nil, fmt.Errorf("parse until: %w", err)
	}

	total := untilT.Sub(sinceT)
	if total <= 0 {
		return []Interval{{Since: since, Until: until}}, nil
	}

	if n < 1 {
		n = 1
	}
	if minInterval < time.Second {
		minInterval = time.Second
	}
	if maxAllowed := int(total / minInterval); maxAllowed >= 1 && n > maxAllowed {
		n = maxAllowed
	}

	step := total / time.Duration(n)
	intervals := make([]Interval, 0, n)
	for i := 0; i < n; i++ {
		start := sinceT.Add(time.Duration(i) * step)
		var end time.Time
		if i == n-1 {
			end = untilT
		} else {
			end = sinceT.Add(time.Duration(i+1) * step)
		}
		intervals = append(intervals, Interval{
			Since: start.Format(TimestampFormat),
			Until: end.Format(TimestampFormat),
		})
	}
	return intervals, nil
}
