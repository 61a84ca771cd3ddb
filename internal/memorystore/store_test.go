package memorystore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oaustegard/muninn/internal/clock"
	"github.com/oaustegard/muninn/internal/muninnerr"
	"github.com/oaustegard/muninn/internal/transport"
)

// fakeBackend is a minimal stand-in for the remote wire protocol: its
// server answers every statement with an empty ok result, so Store runs
// against a real transport.Client without a live backend. The server
// does not read or write the rows map.
type fakeBackend struct {
	rows map[string]transport.Row // id -> row, mutated in place
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{rows: map[string]transport.Row{}}
}

func (f *fakeBackend) server(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Helper()
		var req struct {
			Requests []struct {
				Type string `json:"type"`
				Stmt struct {
					SQL  string `json:"sql"`
					Args []struct {
						Type  string `json:"type"`
						Value any    `json:"value"`
					} `json:"args"`
				} `json:"stmt"`
			} `json:"requests"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		results := make([]map[string]any, 0, len(req.Requests))
		for _, item := range req.Requests {
			results = append(results, map[string]any{
				"type": "ok",
				"response": map[string]any{
					"result": map[string]any{
						"cols": []map[string]any{},
						"rows": [][]any{},
					},
				},
			})
			_ = item
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"results": results})
	}))
}

func TestRemember_DefaultsConfidenceForDecision(t *testing.T) {
	fb := newFakeBackend()
	srv := fb.server(t)
	defer srv.Close()

	clock.Set(clock.Fixed{At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)})
	defer clock.Set(nil)

	client := transport.New(srv.URL, "token", transport.WithHTTPClient(srv.Client()))
	store := New(client, nil)

	m, err := store.Remember(context.Background(), RememberInput{
		Summary: "chose postgres over mysql",
		Type:    TypeDecision,
	})
	require.NoError(t, err)
	require.NotNil(t, m.Confidence)
	assert.Equal(t, 0.8, *m.Confidence)
	assert.Equal(t, PriorityNormal, m.Priority)
}

func TestRemember_RejectsUnknownType(t *testing.T) {
	fb := newFakeBackend()
	srv := fb.server(t)
	defer srv.Close()

	client := transport.New(srv.URL, "token", transport.WithHTTPClient(srv.Client()))
	store := New(client, nil)

	_, err := store.Remember(context.Background(), RememberInput{Summary: "x", Type: Type("bogus")})
	require.ErrorIs(t, err, muninnerr.ErrUnknownType)
}

func TestRemember_RejectsOutOfRangeConfidence(t *testing.T) {
	fb := newFakeBackend()
	srv := fb.server(t)
	defer srv.Close()

	client := transport.New(srv.URL, "token", transport.WithHTTPClient(srv.Client()))
	store := New(client, nil)

	bad := 1.5
	_, err := store.Remember(context.Background(), RememberInput{Summary: "x", Type: TypeWorld, Confidence: &bad})
	require.ErrorIs(t, err, muninnerr.ErrInvalidConfidence)
}

func TestClampPriority(t *testing.T) {
	assert.Equal(t, -1, ClampPriority(-5))
	assert.Equal(t, 2, ClampPriority(99))
	assert.Equal(t, 1, ClampPriority(1))
}

func TestRefJSONRoundTrip(t *testing.T) {
	rejected := true
	refs := []Ref{
		NewIDRef("abc-123"),
		NewAlternativeRef("use dolt instead", &rejected),
	}
	m := &Memory{Refs: refs}
	raw := m.RefsJSON()

	decoded := ParseRefs(raw)
	require.Len(t, decoded, 2)
	assert.Equal(t, RefKindID, decoded[0].Kind)
	assert.Equal(t, "abc-123", decoded[0].ID)
	assert.Equal(t, RefKindAlternative, decoded[1].Kind)
	assert.True(t, decoded[1].Rejected)
}

func TestGetChain_CapsDepthAndAvoidsCycles(t *testing.T) {
	// Build a small ring a -> b -> c -> a and verify traversal terminates
	// with each node visited at most once and ChainDepth annotated.
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	byID := map[string]*Memory{
		"a": {ID: "a", Type: TypeWorld, Summary: "a", T: now, CreatedAt: now, UpdatedAt: now, Refs: []Ref{NewIDRef("b")}},
		"b": {ID: "b", Type: TypeWorld, Summary: "b", T: now, CreatedAt: now, UpdatedAt: now, Refs: []Ref{NewIDRef("c")}},
		"c": {ID: "c", Type: TypeWorld, Summary: "c", T: now, CreatedAt: now, UpdatedAt: now, Refs: []Ref{NewIDRef("a")}},
	}

	cols := []map[string]any{
		{"name": "id"}, {"name": "type"}, {"name": "t"}, {"name": "summary"},
		{"name": "confidence"}, {"name": "tags"}, {"name": "refs"}, {"name": "priority"},
		{"name": "session_id"}, {"name": "valid_from"}, {"name": "access_count"},
		{"name": "last_accessed"}, {"name": "deleted_at"}, {"name": "created_at"}, {"name": "updated_at"},
	}
	rowFor := func(m *Memory) []map[string]any {
		vals := []any{
			m.ID, string(m.Type), isoTime(m.T), m.Summary, nil, "[]", m.RefsJSON(),
			m.Priority, nil, nil, 0, nil, nil, isoTime(m.CreatedAt), isoTime(m.UpdatedAt),
		}
		cells := make([]map[string]any, len(vals))
		for i, v := range vals {
			cells[i] = map[string]any{"type": "text", "value": v}
		}
		return cells
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Requests []struct {
				Stmt struct {
					Args []struct {
						Value any `json:"value"`
					} `json:"args"`
				} `json:"stmt"`
			} `json:"requests"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		id, _ := req.Requests[0].Stmt.Args[0].Value.(string)
		m, ok := byID[id]
		var rows [][]map[string]any
		if ok {
			rows = [][]map[string]any{rowFor(m)}
		}
		json.NewEncoder(w).Encode(map[string]any{"results": []map[string]any{
			{"type": "ok", "response": map[string]any{"result": map[string]any{"cols": cols, "rows": rows}}},
		}})
	}))
	defer srv.Close()

	client := transport.New(srv.URL, "token", transport.WithHTTPClient(srv.Client()))
	store := New(client, nil)

	chain, err := store.GetChain(context.Background(), "a", 10)
	require.NoError(t, err)
	assert.Len(t, chain, 3, "ring should visit a, b, c exactly once despite the cycle")

	depths := map[string]int{}
	for _, m := range chain {
		depths[m.ID] = m.ChainDepth
	}
	assert.Equal(t, 0, depths["a"])
	assert.Equal(t, 1, depths["b"])
	assert.Equal(t, 2, depths["c"])
}
