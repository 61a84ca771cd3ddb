// Package schema declares the two logical tables, the FTS5 index, and the
// sync triggers the engine depends on (spec §3, §4.3), and drives idempotent
// creation plus additive migration over the remote transport.
package schema

import (
	"context"
	"fmt"

	"github.com/oaustegard/muninn/internal/logging"
	"github.com/oaustegard/muninn/internal/transport"
)

var log = logging.GetLogger("schema")

// Version is the current additive schema revision.
const Version = 1

// coreTables creates the two base tables plus their non-FTS indices.
// CREATE TABLE/INDEX IF NOT EXISTS makes this idempotent across boots.
var coreTables = []string{
	`CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		t TEXT NOT NULL,
		summary TEXT NOT NULL,
		confidence REAL,
		tags TEXT NOT NULL DEFAULT '[]',
		refs TEXT NOT NULL DEFAULT '[]',
		priority INTEGER NOT NULL DEFAULT 0,
		session_id TEXT,
		valid_from TEXT,
		access_count INTEGER NOT NULL DEFAULT 0,
		last_accessed TEXT,
		deleted_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_t ON memories(t DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_priority_t ON memories(priority DESC, t DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_deleted ON memories(deleted_at)`,

	`CREATE TABLE IF NOT EXISTS config_entries (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		category TEXT NOT NULL,
		char_limit INTEGER,
		read_only INTEGER NOT NULL DEFAULT 0,
		boot_load INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_config_category ON config_entries(category)`,

	`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`,
}

// ftsSchema declares the FTS5 virtual index over (summary, tags) with
// Porter stemming, and triggers that mirror insert/update/soft-delete.
// A soft-deleted memory (deleted_at set) is removed from the index by the
// update trigger rather than waiting for a hard delete, since the engine
// never hard-deletes memories (spec §3).
var ftsSchema = []string{
	`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
		id UNINDEXED,
		summary,
		tags,
		tokenize = 'porter'
	)`,
	`CREATE TRIGGER IF NOT EXISTS memories_fts_insert AFTER INSERT ON memories
	 WHEN new.deleted_at IS NULL
	 BEGIN
		INSERT INTO memories_fts(id, summary, tags) VALUES (new.id, new.summary, new.tags);
	 END`,
	`CREATE TRIGGER IF NOT EXISTS memories_fts_update AFTER UPDATE ON memories BEGIN
		DELETE FROM memories_fts WHERE id = old.id;
		INSERT INTO memories_fts(id, summary, tags)
		SELECT new.id, new.summary, new.tags WHERE new.deleted_at IS NULL;
	 END`,
	`CREATE TRIGGER IF NOT EXISTS memories_fts_delete AFTER DELETE ON memories BEGIN
		DELETE FROM memories_fts WHERE id = old.id;
	 END`,
}

// additiveColumns lists columns added after the original table shape, for
// migration on databases created by an earlier engine revision. Each entry
// is a no-op ("IF NOT EXISTS" equivalent via PRAGMA-driven check) applied
// by Migrate.
type column struct {
	table      string
	name       string
	definition string
}

var additiveColumns = []column{
	// tags BM25 weight bump (summary 1.0, tags raised from 0.5) needs no
	// column — noted here as a schema-revision marker, not a migration.
}

// Bootstrap creates the schema if absent and is safe to call on every
// process start; CREATE ... IF NOT EXISTS makes every statement a no-op
// on an already-initialized backend.
func Bootstrap(ctx context.Context, client *transport.Client) error {
	log.Info("bootstrapping schema", "version", Version)

	stmts := make([]transport.Statement, 0, len(coreTables)+len(ftsSchema)+1)
	for _, sql := range coreTables {
		stmts = append(stmts, transport.Statement{SQL: sql})
	}
	for _, sql := range ftsSchema {
		stmts = append(stmts, transport.Statement{SQL: sql})
	}

	items, err := client.ExecBatch(ctx, stmts)
	if err != nil {
		return fmt.Errorf("schema bootstrap: %w", err)
	}
	for i, item := range items {
		if item.Err != nil {
			// FTS5 is optional infrastructure; degrade silently if the
			// backend lacks it (search falls back to LIKE, spec §4.6).
			if i >= len(coreTables) {
				log.Warn("fts5 schema statement failed, continuing without it", "index", i, "error", item.Err)
				continue
			}
			return fmt.Errorf("schema bootstrap statement %d: %w", i, item.Err)
		}
	}

	if err := recordVersion(ctx, client); err != nil {
		log.Warn("failed to record schema version", "error", err)
	}

	return Migrate(ctx, client)
}

func recordVersion(ctx context.Context, client *transport.Client) error {
	_, err := client.ExecOne(ctx, transport.Statement{
		SQL:  `INSERT OR REPLACE INTO schema_version (version, applied_at) VALUES (?, ?)`,
		Args: []any{Version, "CURRENT_TIMESTAMP"},
	})
	return err
}

// Migrate applies additive-only changes: any column named in
// additiveColumns that isn't already present is added with a
// backward-compatible default. No destructive transform ever runs.
func Migrate(ctx context.Context, client *transport.Client) error {
	for _, col := range additiveColumns {
		rows, err := client.ExecOne(ctx, transport.Statement{
			SQL: fmt.Sprintf("PRAGMA table_info(%s)", col.table),
		})
		if err != nil {
			return fmt.Errorf("migrate: inspect %s: %w", col.table, err)
		}
		if hasColumn(rows, col.name) {
			continue
		}
		_, err = client.ExecOne(ctx, transport.Statement{
			SQL: fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", col.table, col.name, col.definition),
		})
		if err != nil {
			return fmt.Errorf("migrate: add column %s.%s: %w", col.table, col.name, err)
		}
	}
	return nil
}

func hasColumn(rows transport.Rows, name string) bool {
	for _, row := range rows {
		if n, ok := row["name"].(string); ok && n == name {
			return true
		}
	}
	return false
}
