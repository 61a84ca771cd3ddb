package configstore

import (
	"strconv"
	"strings"
	"time"
)

func isoTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseISOTime(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, errEmptyTime
	}
	return time.Parse(time.RFC3339Nano, s)
}

type timeParseError string

func (e timeParseError) Error() string { return string(e) }

var errEmptyTime = timeParseError("empty or missing timestamp")

func charLimitArg(limit *int) any {
	if limit == nil {
		return nil
	}
	return *limit
}

func boolArg(b bool) int {
	if b {
		return 1
	}
	return 0
}

func asBool(v any) bool {
	switch n := v.(type) {
	case bool:
		return n
	case int:
		return n != 0
	case int64:
		return n != 0
	case float64:
		return n != 0
	case string:
		return n != "" && n != "0"
	default:
		return false
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// asInt accepts a string because the wire protocol represents integer
// cells as JSON strings (e.g. {"type":"integer","value":"5"}), not bare
// JSON numbers.
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

// splitCSV / joinCSV store the recall-triggers value as a simple
// comma-separated tag list rather than JSON, matching the plain-text
// shape config_entries.value is documented to hold for trigger entries.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinCSV(tags []string) string {
	return strings.Join(tags, ",")
}
