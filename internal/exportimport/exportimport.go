// Package exportimport implements the engine's backup/restore pair,
// muninn_export() and muninn_import() (spec §8 invariant 8): a
// JSONL dump of every live memory plus a manifest header, grounded on
// the teacher corpus's own export/import idiom (steveyegge-beads'
// internal/export manifest and internal/importer merge/replace modes),
// adapted to the memory-record domain instead of issue tracking.
package exportimport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oaustegard/muninn/internal/clock"
	"github.com/oaustegard/muninn/internal/logging"
	"github.com/oaustegard/muninn/internal/memorystore"
)

var log = logging.GetLogger("exportimport")

// schemaVersion guards against importing a dump shaped by an
// incompatible future export format.
const schemaVersion = 1

// manifestLine is always the first line of an export: the teacher's
// export package writes its manifest as a sibling file; this engine
// returns a single in-memory blob, so the manifest travels as the
// dump's first JSONL line instead.
type manifestLine struct {
	Manifest      bool      `json:"manifest"`
	SchemaVersion int       `json:"schema_version"`
	ExportedAt    time.Time `json:"exported_at"`
	Count         int       `json:"count"`
}

// record is the wire shape of one exported memory: every field spec §8
// invariant 8 requires to round-trip byte-for-byte (summary, tags, refs,
// type, confidence, priority, t, session_id), plus id and the remaining
// bookkeeping fields so Import can restore a record exactly rather than
// re-deriving it.
type record struct {
	ID           string            `json:"id"`
	Type         memorystore.Type  `json:"type"`
	T            time.Time         `json:"t"`
	Summary      string            `json:"summary"`
	Confidence   *float64          `json:"confidence,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Refs         []memorystore.Ref `json:"refs,omitempty"`
	Priority     int               `json:"priority"`
	SessionID    string            `json:"session_id,omitempty"`
	ValidFrom    *time.Time        `json:"valid_from,omitempty"`
	AccessCount  int               `json:"access_count"`
	LastAccessed *time.Time        `json:"last_accessed,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func toRecord(m *memorystore.Memory) record {
	return record{
		ID: m.ID, Type: m.Type, T: m.T, Summary: m.Summary, Confidence: m.Confidence,
		Tags: m.Tags, Refs: m.Refs, Priority: m.Priority, SessionID: m.SessionID,
		ValidFrom: m.ValidFrom, AccessCount: m.AccessCount, LastAccessed: m.LastAccessed,
		CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
	}
}

func (r record) toMemory() *memorystore.Memory {
	return &memorystore.Memory{
		ID: r.ID, Type: r.Type, T: r.T, Summary: r.Summary, Confidence: r.Confidence,
		Tags: r.Tags, Refs: r.Refs, Priority: r.Priority, SessionID: r.SessionID,
		ValidFrom: r.ValidFrom, AccessCount: r.AccessCount, LastAccessed: r.LastAccessed,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

// Export serializes every live (non-deleted) memory to a JSONL blob: a
// manifest line followed by one record line per memory, oldest first.
func Export(ctx context.Context, store *memorystore.Store) ([]byte, error) {
	memos, err := store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(manifestLine{
		Manifest: true, SchemaVersion: schemaVersion,
		ExportedAt: clock.Now(), Count: len(memos),
	}); err != nil {
		return nil, fmt.Errorf("export: encoding manifest: %w", err)
	}
	for _, m := range memos {
		if err := enc.Encode(toRecord(m)); err != nil {
			return nil, fmt.Errorf("export: encoding record %s: %w", m.ID, err)
		}
	}

	log.Info("export complete", "count", len(memos))
	return buf.Bytes(), nil
}

// Result reports what Import did, mirroring the teacher's import
// Result's created/skipped counters.
type Result struct {
	Imported int
	Replaced bool // true when merge=false cleared the store first
}

// Import restores memories from a blob produced by Export. merge=false
// (replace) clears every existing live memory first, then re-inserts the
// dump's records with their original ids and timestamps intact, so a
// round trip of export() -> import(data, merge=false) reproduces every
// record byte-for-byte on its content fields (spec §8 invariant 8).
// merge=true inserts the dump's records alongside whatever is already
// present, without clearing anything first.
func Import(ctx context.Context, store *memorystore.Store, data []byte, merge bool) (*Result, error) {
	lines := bufio.NewScanner(bytes.NewReader(data))
	lines.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var manifest *manifestLine
	var records []record
	first := true
	for lines.Scan() {
		line := bytes.TrimSpace(lines.Bytes())
		if len(line) == 0 {
			continue
		}
		if first {
			first = false
			var m manifestLine
			if err := json.Unmarshal(line, &m); err == nil && m.Manifest {
				manifest = &m
				continue
			}
			// No manifest line present: tolerate a bare records-only dump.
		}
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("import: decoding record: %w", err)
		}
		records = append(records, r)
	}
	if err := lines.Err(); err != nil {
		return nil, fmt.Errorf("import: reading dump: %w", err)
	}
	if manifest != nil && manifest.SchemaVersion > schemaVersion {
		return nil, fmt.Errorf("import: dump schema version %d is newer than this engine supports (%d)",
			manifest.SchemaVersion, schemaVersion)
	}

	if !merge {
		if err := store.Clear(ctx); err != nil {
			return nil, fmt.Errorf("import: clearing existing store: %w", err)
		}
	}

	for _, r := range records {
		if err := store.ImportRecord(ctx, r.toMemory()); err != nil {
			return nil, fmt.Errorf("import: record %s: %w", r.ID, err)
		}
	}

	log.Info("import complete", "count", len(records), "merge", merge)
	return &Result{Imported: len(records), Replaced: !merge}, nil
}
