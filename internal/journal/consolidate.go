package journal

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/oaustegard/muninn/internal/memorystore"
)

// trivialTags are excluded when forming cluster keys: they're too
// common to indicate a meaningful grouping on their own (spec §4.9
// "excluding trivial tags").
var trivialTags = map[string]bool{
	"session": true, "handoff": true, "pending": true, "completed": true,
	"consolidated": true, "therapy": true,
}

// ConsolidateOptions mirrors the consolidate operation's parameters.
type ConsolidateOptions struct {
	Tags       []string // restrict candidates to memories holding every one of these
	MinCluster int
	DryRun     bool
	SessionID  string
}

// Cluster is one candidate grouping formed by consolidate.
type Cluster struct {
	TagKey  []string
	Sources []*memorystore.Memory
}

// ConsolidationResult is the plan (dry_run) or outcome (applied) of a
// consolidate call.
type ConsolidationResult struct {
	Clusters   []*Cluster
	Syntheses  []*memorystore.Memory // populated only when !DryRun
	DryRun     bool
}

// Consolidate groups candidate memories by shared non-trivial tag sets,
// keeping groups of size >= min_cluster. Unless dry_run, it creates one
// synthesis memory per group and demotes each source to priority -1
// (spec §4.9).
func (j *Journal) Consolidate(ctx context.Context, opts ConsolidateOptions) (*ConsolidationResult, error) {
	if opts.MinCluster <= 0 {
		opts.MinCluster = 3
	}

	candidates, err := j.candidateMemories(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("consolidate: %w", err)
	}

	clusters := clusterByTags(candidates, opts.MinCluster)

	result := &ConsolidationResult{Clusters: clusters, DryRun: opts.DryRun}
	if opts.DryRun {
		return result, nil
	}

	for _, c := range clusters {
		synthesis, err := j.applyCluster(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("consolidate: %w", err)
		}
		result.Syntheses = append(result.Syntheses, synthesis)
	}
	return result, nil
}

func (j *Journal) candidateMemories(ctx context.Context, opts ConsolidateOptions) ([]*memorystore.Memory, error) {
	if len(opts.Tags) > 0 {
		return j.tagMemories(ctx, opts.Tags, opts.SessionID, 0)
	}
	return j.tagMemories(ctx, nil, opts.SessionID, 0)
}

// clusterByTags groups memories by their sorted non-trivial tag set.
// Memories with no non-trivial tags never form a cluster.
func clusterByTags(memos []*memorystore.Memory, minCluster int) []*Cluster {
	groups := map[string]*Cluster{}
	var order []string

	for _, m := range memos {
		key := clusterKey(m.Tags)
		if key == "" {
			continue
		}
		g, ok := groups[key]
		if !ok {
			g = &Cluster{TagKey: strings.Split(key, "\x00")}
			groups[key] = g
			order = append(order, key)
		}
		g.Sources = append(g.Sources, m)
	}

	out := make([]*Cluster, 0, len(order))
	for _, key := range order {
		g := groups[key]
		if len(g.Sources) >= minCluster {
			out = append(out, g)
		}
	}
	return out
}

func clusterKey(tags []string) string {
	var kept []string
	for _, t := range tags {
		if !trivialTags[t] {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		return ""
	}
	sort.Strings(kept)
	return strings.Join(kept, "\x00")
}

// applyCluster creates the synthesis memory and demotes every source.
func (j *Journal) applyCluster(ctx context.Context, c *Cluster) (*memorystore.Memory, error) {
	refs := make([]memorystore.Ref, 0, len(c.Sources))
	var lines []string
	for _, src := range c.Sources {
		refs = append(refs, memorystore.NewIDRef(src.ID))
		lines = append(lines, fmt.Sprintf("- %s", truncateLine(src.Summary, 80)))
	}

	summary := fmt.Sprintf("Consolidated %d records tagged %s:\n%s",
		len(c.Sources), strings.Join(c.TagKey, ", "), strings.Join(lines, "\n"))

	tags := append([]string{"consolidated"}, c.TagKey...)

	synthesis, err := j.memory.Remember(ctx, memorystore.RememberInput{
		Summary: summary,
		Type:    memorystore.TypeWorld,
		Tags:    tags,
		Refs:    refs,
	})
	if err != nil {
		return nil, err
	}

	for _, src := range c.Sources {
		if err := j.memory.Reprioritize(ctx, src.ID, memorystore.PriorityBackground); err != nil {
			return nil, fmt.Errorf("demoting source %s: %w", src.ID, err)
		}
	}

	return synthesis, nil
}

func truncateLine(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
