package search

import (
	"fmt"
	"time"
)

// ParseTimeBound parses a since/until argument, which spec §4.6 defines
// as an inclusive ISO-8601 bound on t. An empty string yields a nil
// bound (no filter).
func ParseTimeBound(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("search: parsing time bound %q: %w", s, err)
	}
	return &t, nil
}
