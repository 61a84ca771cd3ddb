package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oaustegard/muninn/internal/muninnerr"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c := New(srv.URL, "test-token", WithHTTPClient(srv.Client()))
	return c, srv
}

func okResponse(n int) pipelineResponse {
	results := make([]wireResultEnvelope, n)
	for i := range results {
		results[i] = wireResultEnvelope{
			Type: "ok",
			Response: &wireOKResponse{
				Result: wireResult{
					Cols: []wireCol{{Name: "id"}, {Name: "tags"}},
					Rows: [][]wireCell{
						{{Type: "text", Value: "abc"}, {Type: "text", Value: `["x","y"]`}},
					},
				},
			},
		}
	}
	return pipelineResponse{Results: results}
}

func TestExecOne_DecodesJSONColumns(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req pipelineRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Requests, 1)
		assert.Equal(t, "execute", req.Requests[0].Type)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(okResponse(1))
	})
	defer srv.Close()

	rows, err := c.ExecOne(context.Background(), Statement{SQL: "select 1", Args: []any{"x", 1, nil, true}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "abc", rows[0]["id"])
	assert.Equal(t, []any{"x", "y"}, rows[0]["tags"])
}

func TestExecBatch_PreservesOrderAndPerItemErrors(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req pipelineRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Requests, 2)
		resp := pipelineResponse{Results: []wireResultEnvelope{
			{Type: "ok", Response: &wireOKResponse{Result: wireResult{Cols: []wireCol{{Name: "id"}}, Rows: [][]wireCell{{{Type: "text", Value: "first"}}}}}},
			{Type: "error", Error: &wireErrorDetail{Message: "boom", Code: "SQL_ERROR"}},
		}}
		json.NewEncoder(w).Encode(resp)
	})
	defer srv.Close()

	items, err := c.ExecBatch(context.Background(), []Statement{
		{SQL: "insert 1"}, {SQL: "insert 2"},
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.NoError(t, items[0].Err)
	assert.Equal(t, "first", items[0].Rows[0]["id"])
	assert.Error(t, items[1].Err)
}

func TestExecOne_AuthErrorIsNotRetried(t *testing.T) {
	var calls int32
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`unauthorized`))
	})
	defer srv.Close()

	_, err := c.ExecOne(context.Background(), Statement{SQL: "select 1"})
	require.Error(t, err)
	var te *muninnerr.TransportError
	if e, ok := err.(*muninnerr.TransportError); ok {
		te = e
	}
	require.NotNil(t, te)
	assert.True(t, te.IsAuth())
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestExecOne_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(okResponse(1))
	})
	defer srv.Close()

	rows, err := c.ExecOne(context.Background(), Statement{SQL: "select 1"})
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestExecOne_RetryBudgetExhausted(t *testing.T) {
	var calls int32
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	})
	defer srv.Close()

	start := time.Now()
	_, err := c.ExecOne(context.Background(), Statement{SQL: "select 1"})
	elapsed := time.Since(start)

	require.Error(t, err)
	var te *muninnerr.TransportError
	if e, ok := err.(*muninnerr.TransportError); ok {
		te = e
	}
	require.NotNil(t, te)
	assert.True(t, te.IsUnavailable())
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls), "at most 3 attempts total")
	assert.LessOrEqual(t, elapsed, 8*time.Second, "cumulative backoff (1s + 2s) stays within the 7s retry budget")
}

func TestExecBatch_OfflineWithoutToken(t *testing.T) {
	c := New("https://example.invalid", "")
	_, err := c.ExecOne(context.Background(), Statement{SQL: "select 1"})
	require.Error(t, err)
	var te *muninnerr.TransportError
	if e, ok := err.(*muninnerr.TransportError); ok {
		te = e
	}
	require.NotNil(t, te)
	assert.True(t, te.IsUnavailable())
}
