package memorystore

import (
	"strconv"
	"time"
)

// isoTime / isoTimePtr / parseISOTime / parseISOTimePtr move timestamps
// between Go's time.Time and the RFC3339Nano text the transport stores
// them as (the remote backend has no native datetime type).

func isoTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func isoTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return isoTime(*t)
}

func parseISOTime(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, errEmptyTime
	}
	return time.Parse(time.RFC3339Nano, s)
}

func parseISOTimePtr(v any) *time.Time {
	if v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

var errEmptyTime = timeParseError("empty or missing timestamp")

type timeParseError string

func (e timeParseError) Error() string { return string(e) }

func confArg(c *float64) any {
	if c == nil {
		return nil
	}
	return *c
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// asInt and asFloat accept a string because the wire protocol represents
// integer/real cells as JSON strings (e.g. {"type":"integer","value":"5"}),
// not bare JSON numbers.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
