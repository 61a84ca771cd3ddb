package journal

import (
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// phraseParser recognizes natural-language phrases ("yesterday", "last
// monday") for memories whose valid_from (spec §3) is easier for a
// caller to state in words than in ISO-8601.
var phraseParser = newPhraseParser()

func newPhraseParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// ResolveValidFrom resolves a free-form valid_from phrase to an instant,
// relative to now. ISO-8601 is tried first since it's unambiguous; the
// phrase parser is the fallback for interactive callers who don't supply
// a timestamp.
func ResolveValidFrom(phrase string, now time.Time) (*time.Time, error) {
	if phrase == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, phrase); err == nil {
		return &t, nil
	}
	r, err := phraseParser.Parse(phrase, now)
	if err != nil {
		return nil, fmt.Errorf("journal: resolving valid_from %q: %w", phrase, err)
	}
	if r == nil {
		return nil, fmt.Errorf("journal: unrecognized valid_from phrase %q", phrase)
	}
	return &r.Time, nil
}
