package logging

import "time"

// Console lines carry local wall-clock time to the second; the JSON handler
// keeps slog's RFC 3339 timestamps for machine consumers.
const consoleTimeLayout = "2006-01-02 15:04:05"

func consoleTimestamp(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.Local().Format(consoleTimeLayout)
}
