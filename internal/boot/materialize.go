package boot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"github.com/oaustegard/muninn/internal/memorystore"
	"github.com/oaustegard/muninn/internal/transport"
)

const utilityCodeTag = "utility-code"

// materialize writes the content of every non-deleted memory tagged
// utility-code to dir, one file per name utilityFilename picks (memories
// that map to the same name overwrite one another, and the oldest,
// written last, is the one left on disk), guarded by an flock so two
// concurrent boot() calls don't race the same files (spec §4.8 step 4;
// the engine only persists the content, it never executes it — building
// the utilities themselves is out of scope).
func materialize(ctx context.Context, client *transport.Client, dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("boot materialize: creating %s: %w", dir, err)
	}

	lock := flock.New(filepath.Join(dir, ".materialize.lock"))
	locked, err := lock.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("boot materialize: acquiring lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("boot materialize: another materialization is in progress")
	}
	defer func() { _ = lock.Unlock() }()

	memos, err := fetchUtilityCodeMemories(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("boot materialize: %w", err)
	}

	written := make([]string, 0, len(memos))
	for _, m := range memos {
		path := filepath.Join(dir, utilityFilename(m))
		if err := os.WriteFile(path, []byte(m.Summary), 0o644); err != nil {
			return nil, fmt.Errorf("boot materialize: writing %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}

func fetchUtilityCodeMemories(ctx context.Context, client *transport.Client) ([]*memorystore.Memory, error) {
	rows, err := client.ExecOne(ctx, transport.Statement{
		SQL: `SELECT id, type, t, summary, confidence, tags, refs, priority,
			session_id, valid_from, access_count, last_accessed, deleted_at, created_at, updated_at
			FROM memories WHERE deleted_at IS NULL AND tags LIKE ? ORDER BY t DESC`,
		Args: []any{`%"` + utilityCodeTag + `"%`},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*memorystore.Memory, 0, len(rows))
	for _, row := range rows {
		m, err := memorystore.ScanRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// utilityFilename picks a stable name from the memory's first non-
// utility-code tag, falling back to its id when no other tag exists.
func utilityFilename(m *memorystore.Memory) string {
	for _, tag := range m.Tags {
		if tag == utilityCodeTag {
			continue
		}
		return slugify(tag) + ".md"
	}
	return m.ID + ".md"
}

func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
