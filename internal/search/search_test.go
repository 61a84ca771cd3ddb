package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oaustegard/muninn/internal/memorystore"
	"github.com/oaustegard/muninn/internal/transport"
)

func TestEscapeFTSQuery_PlainTermsAreQuoted(t *testing.T) {
	assert.Equal(t, `"kafka" "consumer"`, escapeFTSQuery("kafka consumer"))
}

func TestEscapeFTSQuery_QuotedPhrasePassesThrough(t *testing.T) {
	assert.Equal(t, `"dark mode"`, escapeFTSQuery(`"dark mode"`))
}

func TestEscapeFTSQuery_NeutralizesOperators(t *testing.T) {
	out := escapeFTSQuery("foo OR bar*")
	assert.Equal(t, `"foo" "OR" "bar*"`, out)
}

func TestRecall_RejectsBareWildcard(t *testing.T) {
	e := New(nil, nil)
	_, err := e.Recall(context.Background(), Options{Search: "*"})
	require.Error(t, err)
}

func TestPriorityWeight(t *testing.T) {
	assert.InDelta(t, 0.7, priorityWeight(-1), 1e-9)
	assert.InDelta(t, 1.0, priorityWeight(0), 1e-9)
	assert.InDelta(t, 1.3, priorityWeight(1), 1e-9)
	assert.InDelta(t, 1.6, priorityWeight(2), 1e-9)
}

func TestRecencyWeight_DecaysWithAge(t *testing.T) {
	now := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	recent := &memorystore.Memory{T: now.AddDate(0, 0, -1)}
	old := &memorystore.Memory{T: now.AddDate(0, 0, -100)}
	assert.Greater(t, recencyWeight(recent, now), recencyWeight(old, now))
}

// fakeFTSServer answers one FTS row per summary/priority/t tuple given,
// with bm25 rank fixed so the test isolates priority-weight ordering.
// rank should be a realistic SQLite bm25() value: negative, with a more
// negative number meaning a better match.
func fakeFTSServer(t *testing.T, memos []*memorystore.Memory, rank float64) *httptest.Server {
	t.Helper()
	cols := []map[string]any{
		{"name": "id"}, {"name": "type"}, {"name": "t"}, {"name": "summary"},
		{"name": "confidence"}, {"name": "tags"}, {"name": "refs"}, {"name": "priority"},
		{"name": "session_id"}, {"name": "valid_from"}, {"name": "access_count"},
		{"name": "last_accessed"}, {"name": "deleted_at"}, {"name": "created_at"},
		{"name": "updated_at"}, {"name": "rank"},
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rows [][]map[string]any
		for _, m := range memos {
			vals := []any{
				m.ID, string(m.Type), m.T.Format(time.RFC3339Nano), m.Summary, nil, "[]", "[]",
				m.Priority, nil, nil, 0, nil, nil,
				m.CreatedAt.Format(time.RFC3339Nano), m.UpdatedAt.Format(time.RFC3339Nano), rank,
			}
			cells := make([]map[string]any, len(vals))
			for i, v := range vals {
				cells[i] = map[string]any{"type": "text", "value": v}
			}
			rows = append(rows, cells)
		}
		json.NewEncoder(w).Encode(map[string]any{"results": []map[string]any{
			{"type": "ok", "response": map[string]any{"result": map[string]any{"cols": cols, "rows": rows}}},
		}})
	}))
}

func TestSearchMode_HigherPriorityOutranksOnTie(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	low := &memorystore.Memory{ID: "low", Type: memorystore.TypeWorld, Summary: "alpha beta", T: now, CreatedAt: now, UpdatedAt: now, Priority: 0}
	high := &memorystore.Memory{ID: "high", Type: memorystore.TypeWorld, Summary: "alpha beta", T: now, CreatedAt: now, UpdatedAt: now, Priority: 2}

	// -5.0: a realistic negative bm25 tie between the two rows, so the
	// only thing that can separate them is priority weighting.
	srv := fakeFTSServer(t, []*memorystore.Memory{low, high}, -5.0)
	defer srv.Close()

	client := transport.New(srv.URL, "token", transport.WithHTTPClient(srv.Client()))
	e := New(client, nil)

	res, err := e.Recall(context.Background(), Options{Search: "alpha beta", N: 5, ExpansionThreshold: 0})
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.Len(), 2)
	assert.Equal(t, "high", res.At(0).Memory().ID, "higher priority must outrank on an equal (negative) bm25 tie")
}

func TestScoreRows_NegatesRawBM25BeforeWeighting(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// Equal priority, different raw bm25: -9.0 is a *better* FTS5 match
	// than -2.0 (more negative = better). If the raw value were used
	// unnegated, sorting descending would rank -2.0 above -9.0 —
	// backwards. Negating first makes 9.0 > 2.0 sort correctly.
	better := &memorystore.Memory{ID: "better-match", Type: memorystore.TypeWorld, Summary: "alpha", T: now, CreatedAt: now, UpdatedAt: now, Priority: 0}
	worse := &memorystore.Memory{ID: "worse-match", Type: memorystore.TypeWorld, Summary: "alpha", T: now, CreatedAt: now, UpdatedAt: now, Priority: 0}

	cols := []map[string]any{
		{"name": "id"}, {"name": "type"}, {"name": "t"}, {"name": "summary"},
		{"name": "confidence"}, {"name": "tags"}, {"name": "refs"}, {"name": "priority"},
		{"name": "session_id"}, {"name": "valid_from"}, {"name": "access_count"},
		{"name": "last_accessed"}, {"name": "deleted_at"}, {"name": "created_at"},
		{"name": "updated_at"}, {"name": "rank"},
	}
	row := func(m *memorystore.Memory, rank float64) []map[string]any {
		vals := []any{
			m.ID, string(m.Type), m.T.Format(time.RFC3339Nano), m.Summary, nil, "[]", "[]",
			m.Priority, nil, nil, 0, nil, nil,
			m.CreatedAt.Format(time.RFC3339Nano), m.UpdatedAt.Format(time.RFC3339Nano), rank,
		}
		cells := make([]map[string]any, len(vals))
		for i, v := range vals {
			cells[i] = map[string]any{"type": "text", "value": v}
		}
		return cells
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rows := [][]map[string]any{row(worse, -2.0), row(better, -9.0)}
		json.NewEncoder(w).Encode(map[string]any{"results": []map[string]any{
			{"type": "ok", "response": map[string]any{"result": map[string]any{"cols": cols, "rows": rows}}},
		}})
	}))
	defer srv.Close()

	client := transport.New(srv.URL, "token", transport.WithHTTPClient(srv.Client()))
	e := New(client, nil)

	res, err := e.Recall(context.Background(), Options{Search: "alpha", N: 5, ExpansionThreshold: 0})
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.Len(), 2)
	assert.Equal(t, "better-match", res.At(0).Memory().ID, "a more negative (better) raw bm25 must rank first")
}
