package boot

import (
	"sort"
	"strings"

	"github.com/oaustegard/muninn/internal/configstore"
)

// classifyTopic derives the grouping label for an operating entry from
// its key prefix (spec §4.8): "ops/recall/default-n" groups under
// "recall", "ops/write/background" under "write". A key with no
// separator groups under "general".
func classifyTopic(key string) string {
	if !strings.ContainsAny(key, "/-") {
		return "general"
	}
	k := strings.TrimPrefix(key, "ops/")
	k = strings.TrimPrefix(k, "ops-")
	if i := strings.IndexAny(k, "/-"); i > 0 {
		return k[:i]
	}
	if k == "" {
		return "general"
	}
	return k
}

// topicGroup is one named group of operating entries, each internally
// priority-ordered descending.
type topicGroup struct {
	Topic   string
	Entries []*configstore.Entry
}

// groupByTopic buckets entries by classifyTopic, preserving first-seen
// topic order, and sorts each bucket priority desc / key asc (the same
// ordering List already applies across the whole set, re-applied per
// bucket since bucketing can interleave entries from unrelated topics).
func groupByTopic(entries []*configstore.Entry) []topicGroup {
	index := map[string]int{}
	var groups []topicGroup

	for _, e := range entries {
		topic := classifyTopic(e.Key)
		i, ok := index[topic]
		if !ok {
			i = len(groups)
			index[topic] = i
			groups = append(groups, topicGroup{Topic: topic})
		}
		groups[i].Entries = append(groups[i].Entries, e)
	}

	for i := range groups {
		g := groups[i].Entries
		sort.SliceStable(g, func(a, b int) bool {
			if g[a].Priority != g[b].Priority {
				return g[a].Priority > g[b].Priority
			}
			return g[a].Key < g[b].Key
		})
	}
	return groups
}
