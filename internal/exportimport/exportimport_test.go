package exportimport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oaustegard/muninn/internal/memorystore"
	"github.com/oaustegard/muninn/internal/transport"
)

// fakeBackend is a stateful in-memory stand-in for the remote SQL-over-HTTP
// backend: enough to round-trip INSERT/SELECT/DELETE against the memories
// table for export and import to exercise against something real.
type fakeBackend struct {
	mu   sync.Mutex
	byID map[string]map[string]any
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{byID: map[string]map[string]any{}}
}

var memoryCols = []string{
	"id", "type", "t", "summary", "confidence", "tags", "refs", "priority",
	"session_id", "valid_from", "access_count", "last_accessed", "deleted_at",
	"created_at", "updated_at",
}

func (b *fakeBackend) server(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Requests []struct {
				Stmt struct {
					SQL  string `json:"sql"`
					Args []struct {
						Value any `json:"value"`
					} `json:"args"`
				} `json:"stmt"`
			} `json:"requests"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		b.mu.Lock()
		defer b.mu.Unlock()

		results := make([]map[string]any, 0, len(req.Requests))
		for _, item := range req.Requests {
			vals := make([]any, len(item.Stmt.Args))
			for i, a := range item.Stmt.Args {
				vals[i] = a.Value
			}
			results = append(results, b.exec(item.Stmt.SQL, vals))
		}
		json.NewEncoder(w).Encode(map[string]any{"results": results})
	}))
}

func (b *fakeBackend) exec(sql string, vals []any) map[string]any {
	switch {
	case strings.Contains(sql, "INSERT INTO memories"):
		id := vals[0].(string)
		row := map[string]any{}
		for i, col := range memoryCols {
			row[col] = vals[i]
		}
		b.byID[id] = row
		return okEmpty()
	case strings.Contains(sql, "DELETE FROM memories"):
		b.byID = map[string]map[string]any{}
		return okEmpty()
	case strings.Contains(sql, "FROM memories"):
		var rows []map[string]any
		for _, row := range b.byID {
			if row["deleted_at"] != nil {
				continue
			}
			rows = append(rows, row)
		}
		return okMemoryRows(rows)
	default:
		return okEmpty()
	}
}

func okEmpty() map[string]any {
	return map[string]any{"type": "ok", "response": map[string]any{"result": map[string]any{"cols": []map[string]any{}, "rows": [][]any{}}}}
}

func okMemoryRows(rows []map[string]any) map[string]any {
	cols := make([]map[string]any, len(memoryCols))
	for i, c := range memoryCols {
		cols[i] = map[string]any{"name": c}
	}
	wireRows := make([][]map[string]any, 0, len(rows))
	for _, row := range rows {
		cells := make([]map[string]any, len(memoryCols))
		for i, c := range memoryCols {
			cells[i] = map[string]any{"type": "text", "value": row[c]}
		}
		wireRows = append(wireRows, cells)
	}
	return map[string]any{"type": "ok", "response": map[string]any{"result": map[string]any{"cols": cols, "rows": wireRows}}}
}

func newStore(t *testing.T) (*memorystore.Store, *fakeBackend) {
	t.Helper()
	b := newFakeBackend()
	srv := b.server(t)
	t.Cleanup(srv.Close)
	client := transport.New(srv.URL, "token", transport.WithHTTPClient(srv.Client()))
	return memorystore.New(client, nil), b
}

func TestExportImport_RoundTripPreservesContentFields(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	conf := 0.9
	original, err := store.Remember(ctx, memorystore.RememberInput{
		Summary: "user prefers dark mode", Type: memorystore.TypeDecision,
		Tags: []string{"ui"}, Confidence: &conf, Priority: 1, SessionID: "sess-1",
	})
	require.NoError(t, err)

	data, err := Export(ctx, store)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	// Fresh store, as if restoring into an empty backend.
	restoredStore, _ := newStore(t)
	res, err := Import(ctx, restoredStore, data, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.True(t, res.Replaced)

	got, err := restoredStore.Get(ctx, original.ID)
	require.NoError(t, err)

	assert.Equal(t, original.Summary, got.Summary)
	assert.Equal(t, original.Tags, got.Tags)
	assert.Equal(t, original.Type, got.Type)
	assert.Equal(t, *original.Confidence, *got.Confidence)
	assert.Equal(t, original.Priority, got.Priority)
	assert.True(t, original.T.Equal(got.T))
	assert.Equal(t, original.SessionID, got.SessionID)
}

func TestImport_ReplaceClearsExistingRecords(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	_, err := store.Remember(ctx, memorystore.RememberInput{Summary: "stale", Type: memorystore.TypeWorld})
	require.NoError(t, err)

	data, err := Export(ctx, store) // holds the one record above; the import below uses an empty dump instead
	require.NoError(t, err)

	_, err = Import(ctx, store, []byte(`{"manifest":true,"schema_version":1,"exported_at":"`+time.Now().Format(time.RFC3339)+`","count":0}`+"\n"), false)
	require.NoError(t, err)

	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all, "replace import with an empty dump should clear the store")
	_ = data
}

func TestImport_MergeAppendsWithoutClearing(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	_, err := store.Remember(ctx, memorystore.RememberInput{Summary: "kept", Type: memorystore.TypeWorld})
	require.NoError(t, err)

	otherStore, _ := newStore(t)
	_, err = otherStore.Remember(ctx, memorystore.RememberInput{Summary: "incoming", Type: memorystore.TypeWorld})
	require.NoError(t, err)
	data, err := Export(ctx, otherStore)
	require.NoError(t, err)

	_, err = Import(ctx, store, data, true)
	require.NoError(t, err)

	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2, "merge import should add to, not replace, the existing store")
}

func TestImport_RejectsNewerSchemaVersion(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	future := manifestLine{Manifest: true, SchemaVersion: schemaVersion + 1, ExportedAt: time.Now(), Count: 0}
	b, err := json.Marshal(future)
	require.NoError(t, err)

	_, err = Import(ctx, store, append(b, '\n'), false)
	assert.Error(t, err)
}
