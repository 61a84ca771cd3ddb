// Package transport implements the HTTP client to the remote SQL pipeline
// API (spec §4.1, wire contract §6): parameter binding, batching via a
// single pipelined HTTP call, and transient-error retry with bounded
// exponential backoff. Higher layers never retry — retry is localized
// here so a duplicate write is never issued twice (spec §5).
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/oaustegard/muninn/internal/logging"
	"github.com/oaustegard/muninn/internal/muninnerr"
)

var log = logging.GetLogger("transport")

// Statement is a single parameterized SQL statement.
type Statement struct {
	SQL  string
	Args []any
}

// Row is one result row, column name to decoded value. JSON columns
// named "tags", "refs", "entities" are decoded from text to structured
// values (slices/maps); every other column passes through as-is.
type Row map[string]any

// Rows is an ordered list of result rows.
type Rows []Row

// BatchItem is one statement's outcome inside exec_batch: either Rows or
// a per-statement Err, matching the wire contract's per-result errors.
type BatchItem struct {
	Rows Rows
	Err  error
}

// Client talks to the remote pipeline endpoint.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	backoffFn  func() backoff.BackOff
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client (tests/timeouts).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxRetries overrides the retry count (default 2, i.e. 3 attempts total).
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// New creates a Client bound to baseURL with the given bearer token.
// An empty token is valid (offline mode): writes will fail with a
// TransportError once attempted.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxRetries: 2,
	}
	c.backoffFn = func() backoff.BackOff {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 1 * time.Second
		bo.Multiplier = 2
		bo.RandomizationFactor = 0
		bo.MaxElapsedTime = 0 // bounded by WithMaxRetries instead
		return backoff.WithMaxRetries(bo, uint64(c.maxRetries))
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExecOne executes a single statement and returns its rows.
func (c *Client) ExecOne(ctx context.Context, stmt Statement) (Rows, error) {
	items, err := c.ExecBatch(ctx, []Statement{stmt})
	if err != nil {
		return nil, err
	}
	if items[0].Err != nil {
		return nil, items[0].Err
	}
	return items[0].Rows, nil
}

// ExecBatch executes N statements in a single HTTP pipeline call,
// preserving order. Each statement may individually fail (returned as
// BatchItem.Err); the outer error is only set for total transport failure
// (retry exhaustion, non-transient HTTP/network errors, malformed response).
func (c *Client) ExecBatch(ctx context.Context, stmts []Statement) ([]BatchItem, error) {
	if c.token == "" {
		return nil, muninnerr.NewTransport(muninnerr.KindUnavailable, 0, "no backend credentials available (offline mode)", nil)
	}

	body, err := encodeRequest(stmts)
	if err != nil {
		return nil, muninnerr.NewTransport(muninnerr.KindProtocol, 0, "failed to encode request", err)
	}

	var respBody []byte
	attempt := 0
	op := func() error {
		attempt++
		b, terr := c.doOnce(ctx, body)
		if terr != nil {
			if isTransient(terr) {
				log.LogRetry("exec_batch", attempt, "backoff", terr)
				return terr
			}
			return backoff.Permanent(terr)
		}
		respBody = b
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(c.backoffFn(), ctx)); err != nil {
		var perm *backoff.PermanentError
		if pe, ok := err.(*backoff.PermanentError); ok {
			perm = pe
		}
		if perm != nil {
			return nil, perm.Err
		}
		// Retry budget exhausted on a transient error.
		return nil, muninnerr.NewTransport(muninnerr.KindUnavailable, 0, "transport retries exhausted", err)
	}

	return decodeResponse(respBody, len(stmts))
}

// doOnce issues a single HTTP attempt, returning the raw response body
// on success or a classified error (transient or fatal) on failure.
func (c *Client) doOnce(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/pipeline", bytes.NewReader(body))
	if err != nil {
		return nil, muninnerr.NewTransport(muninnerr.KindProtocol, 0, "failed to build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// TLS/connection errors are treated as transient per spec §4.1.
		return nil, muninnerr.NewTransport(muninnerr.KindUnavailable, 0, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, muninnerr.NewTransport(muninnerr.KindProtocol, resp.StatusCode, "failed to read response body", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return respBody, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, muninnerr.NewTransport(muninnerr.KindAuth, resp.StatusCode, string(respBody), nil)
	case http.StatusNotFound:
		return nil, muninnerr.NewTransport(muninnerr.KindNotFound, resp.StatusCode, string(respBody), nil)
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return nil, muninnerr.NewTransport(muninnerr.KindUnavailable, resp.StatusCode, string(respBody), nil)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return nil, muninnerr.NewTransport(muninnerr.KindProtocol, resp.StatusCode, string(respBody), nil)
	default:
		return nil, muninnerr.NewTransport(muninnerr.KindServer, resp.StatusCode, string(respBody), nil)
	}
}

// isTransient reports whether err should be retried by the backoff loop:
// HTTP 503/429 (KindUnavailable) or a low-level network/TLS failure.
func isTransient(err error) bool {
	var te *muninnerr.TransportError
	if e, ok := err.(*muninnerr.TransportError); ok {
		te = e
	}
	if te == nil {
		return false
	}
	if te.Kind != muninnerr.KindUnavailable {
		return false
	}
	return true
}

// --- wire encoding/decoding ---

type wireParam struct {
	Type  string `json:"type"`
	Value any    `json:"value,omitempty"`
}

type wireStmt struct {
	SQL  string      `json:"sql"`
	Args []wireParam `json:"args"`
}

type wireRequest struct {
	Type string   `json:"type"`
	Stmt wireStmt `json:"stmt"`
}

type pipelineRequest struct {
	Requests []wireRequest `json:"requests"`
}

type wireCol struct {
	Name    string `json:"name"`
	Decltype string `json:"decltype"`
}

type wireCell struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

type wireResult struct {
	Cols []wireCol    `json:"cols"`
	Rows [][]wireCell `json:"rows"`
}

type wireOKResponse struct {
	Result wireResult `json:"result"`
}

type wireErrorDetail struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type wireResultEnvelope struct {
	Type     string           `json:"type"`
	Response *wireOKResponse  `json:"response,omitempty"`
	Error    *wireErrorDetail `json:"error,omitempty"`
}

type pipelineResponse struct {
	Results []wireResultEnvelope `json:"results"`
}

func encodeRequest(stmts []Statement) ([]byte, error) {
	reqs := make([]wireRequest, len(stmts))
	for i, s := range stmts {
		reqs[i] = wireRequest{
			Type: "execute",
			Stmt: wireStmt{SQL: s.SQL, Args: bindArgs(s.Args)},
		}
	}
	return json.Marshal(pipelineRequest{Requests: reqs})
}

// bindArgs tags every argument with a type descriptor: text, integer,
// real, or null. Booleans map to integer 0/1 (spec §4.1).
func bindArgs(args []any) []wireParam {
	out := make([]wireParam, len(args))
	for i, a := range args {
		out[i] = bindOne(a)
	}
	return out
}

func bindOne(a any) wireParam {
	switch v := a.(type) {
	case nil:
		return wireParam{Type: "null"}
	case bool:
		if v {
			return wireParam{Type: "integer", Value: "1"}
		}
		return wireParam{Type: "integer", Value: "0"}
	case int:
		return wireParam{Type: "integer", Value: strconv.Itoa(v)}
	case int64:
		return wireParam{Type: "integer", Value: strconv.FormatInt(v, 10)}
	case float64:
		return wireParam{Type: "real", Value: strconv.FormatFloat(v, 'g', -1, 64)}
	case float32:
		return wireParam{Type: "real", Value: strconv.FormatFloat(float64(v), 'g', -1, 32)}
	case string:
		return wireParam{Type: "text", Value: v}
	case time.Time:
		return wireParam{Type: "text", Value: v.UTC().Format(time.RFC3339Nano)}
	default:
		return wireParam{Type: "text", Value: fmt.Sprintf("%v", v)}
	}
}

// jsonColumns are decoded from their text representation into structured
// Go values rather than passed through as strings.
var jsonColumns = map[string]bool{"tags": true, "refs": true, "entities": true}

func decodeResponse(body []byte, expected int) ([]BatchItem, error) {
	var pr pipelineResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, muninnerr.NewTransport(muninnerr.KindProtocol, 0, "malformed pipeline response", err)
	}
	if len(pr.Results) != expected {
		return nil, muninnerr.NewTransport(muninnerr.KindProtocol, 0, fmt.Sprintf("expected %d results, got %d", expected, len(pr.Results)), nil)
	}

	items := make([]BatchItem, len(pr.Results))
	for i, r := range pr.Results {
		switch r.Type {
		case "ok":
			if r.Response == nil {
				items[i] = BatchItem{Err: muninnerr.NewTransport(muninnerr.KindProtocol, 0, "ok result missing response", nil)}
				continue
			}
			items[i] = BatchItem{Rows: decodeRows(r.Response.Result)}
		case "error":
			msg := ""
			if r.Error != nil {
				msg = r.Error.Message
			}
			items[i] = BatchItem{Err: muninnerr.NewTransport(muninnerr.KindProtocol, 0, msg, nil)}
		default:
			items[i] = BatchItem{Err: muninnerr.NewTransport(muninnerr.KindProtocol, 0, "unknown result type: "+r.Type, nil)}
		}
	}
	return items, nil
}

func decodeRows(res wireResult) Rows {
	rows := make(Rows, 0, len(res.Rows))
	for _, rawRow := range res.Rows {
		row := Row{}
		for i, cell := range rawRow {
			if i >= len(res.Cols) {
				break
			}
			name := res.Cols[i].Name
			row[name] = decodeCell(name, cell)
		}
		rows = append(rows, row)
	}
	return rows
}

func decodeCell(name string, cell wireCell) any {
	if cell.Type == "null" || cell.Value == nil {
		return nil
	}
	if jsonColumns[name] {
		if s, ok := cell.Value.(string); ok && s != "" {
			var decoded any
			if err := json.Unmarshal([]byte(s), &decoded); err == nil {
				return decoded
			}
		}
	}
	return cell.Value
}

// IsTimeout reports whether err is a network-level timeout, used by
// callers that want to distinguish "backend never answered" from a
// classified TransportError.
func IsTimeout(err error) bool {
	var ne net.Error
	if e, ok := err.(net.Error); ok {
		ne = e
	}
	return ne != nil && ne.Timeout()
}
