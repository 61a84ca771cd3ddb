// Package configstore implements the Config Store (spec §4.4): small,
// named key/value entries used for persistent settings, recall triggers,
// and boot-loaded identity/operating material.
package configstore

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/oaustegard/muninn/internal/clock"
	"github.com/oaustegard/muninn/internal/logging"
	"github.com/oaustegard/muninn/internal/muninnerr"
	"github.com/oaustegard/muninn/internal/transport"
)

var log = logging.GetLogger("configstore")

// Category enumerates the declared config categories (spec §3): the
// closed set is exactly {profile, ops, journal}, nothing more.
type Category string

const (
	CategoryProfile Category = "profile"
	CategoryOps     Category = "ops"
	CategoryJournal Category = "journal"
)

var validCategories = map[Category]bool{
	CategoryProfile: true, CategoryOps: true, CategoryJournal: true,
}

// RecallTriggersKey is the well-known entry that accumulates novel tags
// observed by memorystore.Remember (spec §4.5 side effect, §C supplement).
const RecallTriggersKey = "recall-triggers"

// Entry is one config_entries row.
type Entry struct {
	Key       string
	Value     string
	Category  Category
	CharLimit *int
	ReadOnly  bool
	BootLoad  bool
	Priority  int
	UpdatedAt time.Time
}

// Store implements the Config Store over the transport.
type Store struct {
	client *transport.Client
}

func New(client *transport.Client) *Store {
	return &Store{client: client}
}

// Get retrieves a single entry by key.
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	rows, err := s.client.ExecOne(ctx, transport.Statement{
		SQL:  selectColumns + ` FROM config_entries WHERE key = ?`,
		Args: []any{key},
	})
	if err != nil {
		return nil, fmt.Errorf("config get: %w", err)
	}
	if len(rows) == 0 {
		return nil, muninnerr.ErrNotFound
	}
	return scanEntry(rows[0])
}

// Set creates or updates an entry (spec §4.4). Updating a read_only entry
// is rejected unless allowReadOnlyOverride is set by the caller
// (SetBootLoad and SetPriority set it to change a read_only entry's
// flags; ordinary callers never should).
func (s *Store) Set(ctx context.Context, key, value string, category Category, opts ...SetOption) error {
	if !validCategories[category] {
		return fmt.Errorf("%w: %q", muninnerr.ErrInvalidCategory, category)
	}

	cfg := setConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	existing, err := s.Get(ctx, key)
	if err != nil && err != muninnerr.ErrNotFound {
		return err
	}
	if existing != nil && existing.ReadOnly && !cfg.allowReadOnlyOverride {
		return muninnerr.ErrConfigReadOnly
	}

	limit := cfg.charLimit
	if limit == nil && existing != nil {
		limit = existing.CharLimit
	}
	if limit != nil && utf8.RuneCountInString(value) > *limit {
		return fmt.Errorf("%w: %d > %d", muninnerr.ErrCharLimitExceeded, utf8.RuneCountInString(value), *limit)
	}

	readOnly := cfg.readOnly
	if existing != nil && !cfg.readOnlySet {
		readOnly = existing.ReadOnly
	}
	bootLoad := cfg.bootLoad
	if existing != nil && !cfg.bootLoadSet {
		bootLoad = existing.BootLoad
	}
	priority := cfg.priority
	if existing != nil && !cfg.prioritySet {
		priority = existing.Priority
	}

	now := clock.Now()
	_, err = s.client.ExecOne(ctx, transport.Statement{
		SQL: `INSERT INTO config_entries (key, value, category, char_limit, read_only, boot_load, priority, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value, category = excluded.category,
				char_limit = excluded.char_limit, read_only = excluded.read_only,
				boot_load = excluded.boot_load, priority = excluded.priority,
				updated_at = excluded.updated_at`,
		Args: []any{key, value, string(category), charLimitArg(limit), boolArg(readOnly), boolArg(bootLoad), priority, isoTime(now)},
	})
	if err != nil {
		return fmt.Errorf("config set: %w", err)
	}
	return nil
}

type setConfig struct {
	charLimit             *int
	readOnly, readOnlySet  bool
	bootLoad, bootLoadSet  bool
	priority, prioritySet  bool
	allowReadOnlyOverride  bool
}

// SetOption configures an optional attribute on Set.
type SetOption func(*setConfig)

func WithCharLimit(n int) SetOption { return func(c *setConfig) { c.charLimit = &n } }
func WithReadOnly(b bool) SetOption { return func(c *setConfig) { c.readOnly = b; c.readOnlySet = true } }
func WithBootLoad(b bool) SetOption { return func(c *setConfig) { c.bootLoad = b; c.bootLoadSet = true } }
func WithPriority(p int) SetOption  { return func(c *setConfig) { c.priority = p; c.prioritySet = true } }
func WithReadOnlyOverride() SetOption {
	return func(c *setConfig) { c.allowReadOnlyOverride = true }
}

// withCharLimitPtr carries forward an existing entry's char_limit (which
// may legitimately be absent) without coercing "no limit" into a limit
// of zero.
func withCharLimitPtr(limit *int) SetOption {
	return func(c *setConfig) {
		if limit != nil {
			c.charLimit = limit
		}
	}
}

// Delete removes an entry. read_only entries cannot be deleted.
func (s *Store) Delete(ctx context.Context, key string) error {
	existing, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if existing.ReadOnly {
		return muninnerr.ErrConfigReadOnly
	}
	_, err = s.client.ExecOne(ctx, transport.Statement{
		SQL:  `DELETE FROM config_entries WHERE key = ?`,
		Args: []any{key},
	})
	if err != nil {
		return fmt.Errorf("config delete: %w", err)
	}
	return nil
}

// SetBootLoad toggles whether an entry is included in boot composition.
func (s *Store) SetBootLoad(ctx context.Context, key string, bootLoad bool) error {
	existing, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, existing.Value, existing.Category,
		withCharLimitPtr(existing.CharLimit), WithReadOnly(existing.ReadOnly),
		WithBootLoad(bootLoad), WithPriority(existing.Priority), readOnlyPassthrough(existing)...)
}

// readOnlyPassthrough lets SetBootLoad/SetPriority update a read_only
// entry's metadata without touching its value.
func readOnlyPassthrough(e *Entry) []SetOption {
	if e.ReadOnly {
		return []SetOption{WithReadOnlyOverride()}
	}
	return nil
}

// SetPriority updates only the boot-ordering priority of an entry.
func (s *Store) SetPriority(ctx context.Context, key string, priority int) error {
	existing, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, existing.Value, existing.Category,
		withCharLimitPtr(existing.CharLimit), WithReadOnly(existing.ReadOnly),
		WithBootLoad(existing.BootLoad), WithPriority(priority), readOnlyPassthrough(existing)...)
}

// List returns entries, optionally filtered by category, ordered by
// priority descending then key (spec §4.4).
func (s *Store) List(ctx context.Context, category *Category) ([]*Entry, error) {
	sql := selectColumns + ` FROM config_entries`
	var args []any
	if category != nil {
		sql += ` WHERE category = ?`
		args = append(args, string(*category))
	}
	sql += ` ORDER BY priority DESC, key ASC`

	rows, err := s.client.ExecOne(ctx, transport.Statement{SQL: sql, Args: args})
	if err != nil {
		return nil, fmt.Errorf("config list: %w", err)
	}
	out := make([]*Entry, 0, len(rows))
	for _, row := range rows {
		e, err := scanEntry(row)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// BootEntries returns entries flagged boot_load across every category,
// in priority order. internal/boot does not call it: it lists profile
// and ops entries separately and filters on BootLoad itself.
func (s *Store) BootEntries(ctx context.Context) ([]*Entry, error) {
	rows, err := s.client.ExecOne(ctx, transport.Statement{
		SQL: selectColumns + ` FROM config_entries WHERE boot_load = 1 ORDER BY priority DESC, key ASC`,
	})
	if err != nil {
		return nil, fmt.Errorf("config boot entries: %w", err)
	}
	out := make([]*Entry, 0, len(rows))
	for _, row := range rows {
		e, err := scanEntry(row)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// RegisterTags implements memorystore.TagRegistrar: it appends any tag
// not already present in the recall-triggers entry's comma-separated
// value, with a single read followed by a write. The remote backend
// gives no transaction isolation, so this is a best-effort CAS, not a
// strict compare-and-swap: when two calls overlap, the later write
// replaces the earlier one and the tags only the earlier call added are
// lost until a later RegisterTags call carrying them adds them again.
func (s *Store) RegisterTags(ctx context.Context, tags []string) error {
	existing, err := s.Get(ctx, RecallTriggersKey)
	if err != nil && err != muninnerr.ErrNotFound {
		return err
	}

	current := map[string]bool{}
	var ordered []string
	if existing != nil {
		for _, tag := range splitCSV(existing.Value) {
			if !current[tag] {
				current[tag] = true
				ordered = append(ordered, tag)
			}
		}
	}

	changed := false
	for _, tag := range tags {
		if tag == "" || current[tag] {
			continue
		}
		current[tag] = true
		ordered = append(ordered, tag)
		changed = true
	}
	if !changed {
		return nil
	}

	value := joinCSV(ordered)
	if existing == nil {
		return s.Set(ctx, RecallTriggersKey, value, CategoryOps, WithBootLoad(true))
	}
	return s.Set(ctx, RecallTriggersKey, value, existing.Category,
		withCharLimitPtr(existing.CharLimit), WithBootLoad(existing.BootLoad), WithPriority(existing.Priority))
}

const selectColumns = `SELECT key, value, category, char_limit, read_only, boot_load, priority, updated_at`

func scanEntry(row transport.Row) (*Entry, error) {
	e := &Entry{}
	e.Key, _ = row["key"].(string)
	e.Value, _ = row["value"].(string)
	e.Category = Category(asString(row["category"]))
	e.Priority, _ = asInt(row["priority"])
	e.ReadOnly = asBool(row["read_only"])
	e.BootLoad = asBool(row["boot_load"])

	if row["char_limit"] != nil {
		if n, ok := asInt(row["char_limit"]); ok {
			e.CharLimit = &n
		}
	}

	t, err := parseISOTime(row["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("scan config entry %s: bad updated_at: %w", e.Key, err)
	}
	e.UpdatedAt = t
	return e, nil
}

func derefOr(p *int, fallback int) int {
	if p == nil {
		return fallback
	}
	return *p
}
