package logging

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// headerValue renders a field lifted into the console line prefix, such as
// the component or task_id. Identifiers are printed bare.
func headerValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprint(v.Any())
	default:
		return fieldValue(v)
	}
}

// fieldValue renders a trailing key=value field. Identifiers like model_id
// stay bare while free text (model names, server error messages) is quoted
// once it contains whitespace or separators.
func fieldValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindDuration:
		return consoleDuration(v.Duration())
	case slog.KindTime:
		return consoleTimestamp(v.Time())
	case slog.KindString:
		return quoteIfNeeded(v.String())
	default:
		return quoteIfNeeded(headerValue(v))
	}
}

// Upload and poll timings above a second are trimmed to milliseconds.
func consoleDuration(d time.Duration) string {
	if d >= time.Second || d <= -time.Second {
		d = d.Round(time.Millisecond)
	}
	return d.String()
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsFunc(s, func(r rune) bool { return r <= ' ' || r == '=' || r == '"' }) {
		return strconv.Quote(s)
	}
	return s
}
