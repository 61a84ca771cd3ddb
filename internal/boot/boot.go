// Package boot implements the Boot Composer (spec §4.8): it assembles a
// bounded-size markdown context document from config-store identity and
// operating entries, the most recent journal entries, and detected
// environment capabilities, falling back to embedded defaults when the
// backend is unreachable.
package boot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oaustegard/muninn/internal/configstore"
	"github.com/oaustegard/muninn/internal/journal"
	"github.com/oaustegard/muninn/internal/logging"
	"github.com/oaustegard/muninn/internal/transport"
)

var log = logging.GetLogger("boot")

const lockRetryInterval = 50 * time.Millisecond

// defaultRecentCount is the number of journal entries pulled into
// # RECENT when the caller doesn't override it (spec §4.8 step 1c).
const defaultRecentCount = 10

// Composer assembles the boot document.
type Composer struct {
	client         *transport.Client
	config         *configstore.Store
	journal        *journal.Journal
	materializeDir string
	recentCount    int
}

// Option configures a Composer.
type Option func(*Composer)

// WithMaterializeDir overrides the on-disk path utility-code memories are
// written to; the default is spec §6's /home/claude/muninn_utils/.
func WithMaterializeDir(dir string) Option {
	return func(c *Composer) { c.materializeDir = dir }
}

// WithRecentCount overrides how many journal entries populate # RECENT.
func WithRecentCount(n int) Option {
	return func(c *Composer) { c.recentCount = n }
}

func New(client *transport.Client, config *configstore.Store, j *journal.Journal, opts ...Option) *Composer {
	c := &Composer{
		client:         client,
		config:         config,
		journal:        j,
		materializeDir: "/home/claude/muninn_utils/",
		recentCount:    defaultRecentCount,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Document is both the rendered markdown and its structured components
// (spec §4.8: "a single markdown-formatted string and... a structured
// equivalent").
type Document struct {
	Markdown     string
	Identity     []*configstore.Entry
	Operations   []topicGroup
	Recent       []*journal.Entry
	Capabilities Capabilities
	Materialized []string
}

// Compose builds the boot document. On any backend failure it degrades
// to the embedded default profile/ops and reports offline capabilities,
// rather than failing the caller (spec §4.8 failure model).
func (c *Composer) Compose(ctx context.Context) (*Document, error) {
	identity, operations, recent, offline, offlineReason := c.loadLive(ctx)

	caps := detectCapabilities(ctx)
	caps.Offline = offline
	caps.OfflineReason = offlineReason

	var materialized []string
	if !offline {
		written, err := materialize(ctx, c.client, c.materializeDir)
		if err != nil {
			log.Warn("boot: utility-code materialization failed", "error", err)
		} else {
			materialized = written
		}
	}

	doc := &Document{
		Identity:     identity,
		Operations:   groupByTopic(operations),
		Recent:       recent,
		Capabilities: caps,
		Materialized: materialized,
	}
	doc.Markdown = render(doc)
	return doc, nil
}

// loadLive fetches profile entries, ops entries, and recent journal
// entries, falling back to the embedded JSON defaults if any leg fails —
// a single backend outage degrades the whole document rather than
// producing a half-live, half-default mix (spec §4.8 failure model: "the
// composer falls back to default profile.json and ops.json").
func (c *Composer) loadLive(ctx context.Context) (identity []*configstore.Entry, operations []*configstore.Entry, recent []*journal.Entry, offline bool, reason string) {
	identityCat := configstore.CategoryProfile
	opsCat := configstore.CategoryOps

	ident, identErr := c.config.List(ctx, &identityCat)
	ops, opsErr := c.config.List(ctx, &opsCat)
	rec, recErr := c.journal.Recent(ctx, c.recentCount)

	if identErr != nil || opsErr != nil || recErr != nil {
		err := firstNonNil(identErr, opsErr, recErr)
		log.Warn("boot: backend unreachable, falling back to embedded defaults", "error", err)
		return defaultIdentity(), defaultOperations(), nil, true, "backend unreachable"
	}

	identity = filterBootLoad(ident)
	operations = filterBootLoad(ops)
	return identity, operations, rec, false, ""
}

func filterBootLoad(entries []*configstore.Entry) []*configstore.Entry {
	out := make([]*configstore.Entry, 0, len(entries))
	for _, e := range entries {
		if e.BootLoad {
			out = append(out, e)
		}
	}
	return out
}

func firstNonNil(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

func defaultIdentity() []*configstore.Entry {
	entries, err := loadDefaultEntries(defaultProfileJSON)
	if err != nil {
		log.Error("boot: embedded profile.json is invalid", "error", err)
		return nil
	}
	return toConfigEntries(entries)
}

func defaultOperations() []*configstore.Entry {
	entries, err := loadDefaultEntries(defaultOpsJSON)
	if err != nil {
		log.Error("boot: embedded ops.json is invalid", "error", err)
		return nil
	}
	return toConfigEntries(entries)
}

func toConfigEntries(entries []defaultEntry) []*configstore.Entry {
	out := make([]*configstore.Entry, 0, len(entries))
	for _, e := range entries {
		if !e.bootLoad() {
			continue
		}
		out = append(out, &configstore.Entry{
			Key: e.Key, Value: e.Value, Category: configstore.Category(e.Category),
			BootLoad: true, Priority: e.Priority,
		})
	}
	return out
}

func render(doc *Document) string {
	var b strings.Builder

	b.WriteString("# IDENTITY\n\n")
	for _, e := range doc.Identity {
		fmt.Fprintf(&b, "- %s\n", e.Value)
	}

	b.WriteString("\n# OPERATIONS\n\n")
	for _, g := range doc.Operations {
		fmt.Fprintf(&b, "## %s\n", g.Topic)
		for _, e := range g.Entries {
			fmt.Fprintf(&b, "- %s\n", e.Value)
		}
	}

	b.WriteString("\n# RECENT\n\n")
	for _, r := range doc.Recent {
		fmt.Fprintf(&b, "- [%s] %s\n", r.At.Format(time.RFC3339), strings.Join(r.Topics, ", "))
	}

	b.WriteString("\n# CAPABILITIES\n\n")
	if doc.Capabilities.Offline {
		fmt.Fprintf(&b, "- %s\n", doc.Capabilities.OfflineReason)
	} else {
		fmt.Fprintf(&b, "- github access: %t\n", doc.Capabilities.GitHubAccess)
		fmt.Fprintf(&b, "- installed utilities: %s\n", strings.Join(doc.Capabilities.InstalledUtilities, ", "))
	}

	return b.String()
}
