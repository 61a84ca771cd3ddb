package boot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oaustegard/muninn/internal/configstore"
	"github.com/oaustegard/muninn/internal/journal"
	"github.com/oaustegard/muninn/internal/memorystore"
	"github.com/oaustegard/muninn/internal/transport"
)

func TestClassifyTopic(t *testing.T) {
	assert.Equal(t, "recall", classifyTopic("ops/recall/default-n"))
	assert.Equal(t, "write", classifyTopic("ops/write/background"))
	assert.Equal(t, "general", classifyTopic("ops"))
}

func TestGroupByTopic_OrdersWithinAndAcrossGroups(t *testing.T) {
	entries := []*configstore.Entry{
		{Key: "ops/recall/b", Priority: 0},
		{Key: "ops/write/a", Priority: 1},
		{Key: "ops/recall/a", Priority: 2},
	}
	groups := groupByTopic(entries)
	require.Len(t, groups, 2)
	assert.Equal(t, "recall", groups[0].Topic)
	require.Len(t, groups[0].Entries, 2)
	assert.Equal(t, "ops/recall/a", groups[0].Entries[0].Key, "higher priority sorts first")
}

func TestCompose_OfflineFallsBackToEmbeddedDefaults(t *testing.T) {
	client := transport.New("http://127.0.0.1:0", "") // empty token -> offline
	cfg := configstore.New(client)
	mem := memorystore.New(client, nil)
	j := journal.New(client, cfg, mem)

	c := New(client, cfg, j, WithMaterializeDir(""))
	doc, err := c.Compose(context.Background())
	require.NoError(t, err)

	assert.True(t, doc.Capabilities.Offline)
	assert.Contains(t, doc.Markdown, "# IDENTITY")
	assert.Contains(t, doc.Markdown, "# OPERATIONS")
	assert.Contains(t, doc.Markdown, "# CAPABILITIES")
	assert.Contains(t, doc.Markdown, "backend unreachable")
	assert.NotEmpty(t, doc.Identity, "embedded profile.json should populate identity")
	assert.NotEmpty(t, doc.Operations, "embedded ops.json should populate operations")
}

func TestMaterialize_OfflineFetchFailsAndLeavesLockFile(t *testing.T) {
	dir := t.TempDir()

	// The client has no token, so the utility-code fetch fails; this
	// checks that materialize reports that failure and that the lock
	// file it created stays on disk after the lock is released.
	client := transport.New("http://127.0.0.1:0", "")
	_, err := materialize(context.Background(), client, dir)
	assert.Error(t, err, "offline client should fail the fetch, not silently succeed")

	_, statErr := os.Stat(filepath.Join(dir, ".materialize.lock"))
	assert.NoError(t, statErr, "lock file is created even when the fetch itself fails")
}
