// Package muninn is the top-level library entrypoint: it composes every
// internal package into a single Engine an AI assistant constructs once
// per process and calls for the lifetime of a session.
package muninn

import (
	"context"
	"time"

	"github.com/oaustegard/muninn/internal/boot"
	"github.com/oaustegard/muninn/internal/clock"
	"github.com/oaustegard/muninn/internal/configstore"
	"github.com/oaustegard/muninn/internal/credentials"
	"github.com/oaustegard/muninn/internal/exportimport"
	"github.com/oaustegard/muninn/internal/journal"
	"github.com/oaustegard/muninn/internal/logging"
	"github.com/oaustegard/muninn/internal/memorystore"
	"github.com/oaustegard/muninn/internal/result"
	"github.com/oaustegard/muninn/internal/schema"
	"github.com/oaustegard/muninn/internal/search"
	"github.com/oaustegard/muninn/internal/session"
	"github.com/oaustegard/muninn/internal/transport"
	"github.com/oaustegard/muninn/internal/writepipeline"
	"github.com/oaustegard/muninn/pkg/engineconfig"
)

var log = logging.GetLogger("engine")

// Engine is the composition root: every internal package, wired
// together and exposed as a single set of operations (spec §4).
type Engine struct {
	cfg        *engineconfig.Config
	client     *transport.Client
	config     *configstore.Store
	memory     *memorystore.Store
	search     *search.Engine
	write      *writepipeline.Pipeline
	boot       *boot.Composer
	journal    *journal.Journal
	sessions   *session.Detector
	credentials *credentials.Resolver
}

// New constructs an Engine using cfg for local process behavior. It
// resolves backend credentials, wires the transport, and schedules a
// best-effort, non-fatal schema bootstrap: an unreachable backend at
// construction time does not prevent the Engine from being built — it
// only makes every live read/write fail until the backend recovers
// (spec §4.8's degraded-boot model extends to the whole engine, not
// just boot()).
func New(ctx context.Context, cfg *engineconfig.Config) (*Engine, error) {
	if cfg == nil {
		cfg = engineconfig.DefaultConfig()
	}

	resolver := credentials.New()
	resolver.WellKnownFiles = cfg.Credentials.WellKnownFiles
	resolver.LegacyTokenFile = cfg.Credentials.LegacyTokenFile
	pair := resolver.Resolve()

	client := transport.New(pair.URL, pair.Token,
		transport.WithMaxRetries(cfg.Transport.MaxRetries))

	if !pair.Offline() {
		if err := schema.Bootstrap(ctx, client); err != nil {
			log.Warn("engine: schema bootstrap failed, continuing in degraded mode", "error", err)
		}
	} else {
		log.Warn("engine: no backend credentials resolved, starting offline")
	}

	configStore := configstore.New(client)
	memStore := memorystore.New(client, configStore)
	searchEngine := search.New(client, memStore)
	j := journal.New(client, configStore, memStore)
	bootComposer := boot.New(client, configStore, j,
		boot.WithMaterializeDir(cfg.Boot.MaterializeDir),
		boot.WithRecentCount(cfg.Boot.RecentJournalCount))

	pipeline := writepipeline.New(memStore,
		writepipeline.WithBatchSize(cfg.Write.BatchSize),
		writepipeline.WithQueueDepth(cfg.Write.QueueDepth),
		writepipeline.WithDefaultFlushTimeout(cfg.Write.DefaultFlushTimeout))
	pipeline.RegisterExitHook()

	return &Engine{
		cfg: cfg, client: client, config: configStore, memory: memStore,
		search: searchEngine, write: pipeline, boot: bootComposer, journal: j,
		sessions: session.NewDetector(session.StrategyGitDirectory), credentials: resolver,
	}, nil
}

// Close flushes any buffered background writes and releases the
// pipeline's resources. Callers should defer this once per process.
func (e *Engine) Close() {
	e.write.Close()
}

// --- 4.5 Memory Store ---

// Remember creates a memory. When sync is false, the write is enqueued
// on the background pipeline and the id it will receive is returned
// immediately (spec §4.5).
func (e *Engine) Remember(ctx context.Context, in memorystore.RememberInput, sync bool) (string, error) {
	if !sync {
		return e.write.Enqueue(in), nil
	}
	m, err := e.memory.Remember(ctx, in)
	if err != nil {
		return "", err
	}
	return m.ID, nil
}

// RememberBatch groups writes into a single backend call.
func (e *Engine) RememberBatch(ctx context.Context, inputs []memorystore.RememberInput) ([]*memorystore.Memory, error) {
	return e.memory.RememberBatch(ctx, inputs)
}

// ResolveValidFrom resolves a free-form valid_from phrase ("yesterday",
// an ISO-8601 timestamp) to an instant, for callers building a
// RememberInput who don't already have a time.Time in hand.
func (e *Engine) ResolveValidFrom(phrase string) (*time.Time, error) {
	return journal.ResolveValidFrom(phrase, clock.Now())
}

func (e *Engine) Get(ctx context.Context, id string) (*memorystore.Memory, error) {
	return e.memory.Get(ctx, id)
}

func (e *Engine) Forget(ctx context.Context, id string) error {
	return e.memory.Forget(ctx, id)
}

func (e *Engine) Supersede(ctx context.Context, originalID, summary string, t memorystore.Type, tags []string, conf *float64) (*memorystore.Memory, error) {
	return e.memory.Supersede(ctx, originalID, summary, t, tags, conf)
}

func (e *Engine) Reprioritize(ctx context.Context, id string, priority int) error {
	return e.memory.Reprioritize(ctx, id, priority)
}

func (e *Engine) Strengthen(ctx context.Context, id string, boost int) error {
	return e.memory.Strengthen(ctx, id, boost)
}

func (e *Engine) Weaken(ctx context.Context, id string, drop int) error {
	return e.memory.Weaken(ctx, id, drop)
}

func (e *Engine) GetChain(ctx context.Context, id string, depth int) ([]*memorystore.Memory, error) {
	return e.memory.GetChain(ctx, id, depth)
}

func (e *Engine) GetAlternatives(ctx context.Context, id string) ([]memorystore.Ref, error) {
	return e.memory.GetAlternatives(ctx, id)
}

func (e *Engine) Stats(ctx context.Context) (*memorystore.Stats, error) {
	return e.memory.GetStats(ctx)
}

// Export serializes every live memory to a portable blob (spec §8
// invariant 8, muninn_export()).
func (e *Engine) Export(ctx context.Context) ([]byte, error) {
	return exportimport.Export(ctx, e.memory)
}

// Import restores memories from a blob produced by Export
// (muninn_import()). merge=false replaces the live store entirely;
// merge=true inserts alongside whatever is already present.
func (e *Engine) Import(ctx context.Context, data []byte, merge bool) (*exportimport.Result, error) {
	return exportimport.Import(ctx, e.memory, data, merge)
}

// --- 4.6 Search & Ranking ---

func (e *Engine) Recall(ctx context.Context, opts search.Options) (*result.List, error) {
	return e.search.Recall(ctx, opts)
}

// RecallSince is a convenience wrapper binding Options.Since.
func (e *Engine) RecallSince(ctx context.Context, searchTerm, since string, opts search.Options) (*result.List, error) {
	bound, err := search.ParseTimeBound(since)
	if err != nil {
		return nil, err
	}
	opts.Search = searchTerm
	opts.Since = bound
	return e.search.Recall(ctx, opts)
}

// RecallBetween is a convenience wrapper binding Options.Since/Until.
func (e *Engine) RecallBetween(ctx context.Context, searchTerm, since, until string, opts search.Options) (*result.List, error) {
	sinceBound, err := search.ParseTimeBound(since)
	if err != nil {
		return nil, err
	}
	untilBound, err := search.ParseTimeBound(until)
	if err != nil {
		return nil, err
	}
	opts.Search = searchTerm
	opts.Since = sinceBound
	opts.Until = untilBound
	return e.search.Recall(ctx, opts)
}

func (e *Engine) RecallHints(ctx context.Context, opts search.HintsOptions) ([]*search.Hint, error) {
	return e.search.RecallHints(ctx, opts)
}

// --- 4.4 Config Store ---

func (e *Engine) ConfigGet(ctx context.Context, key string) (*configstore.Entry, error) {
	return e.config.Get(ctx, key)
}

func (e *Engine) ConfigSet(ctx context.Context, key, value string, category configstore.Category, opts ...configstore.SetOption) error {
	return e.config.Set(ctx, key, value, category, opts...)
}

func (e *Engine) ConfigDelete(ctx context.Context, key string) error {
	return e.config.Delete(ctx, key)
}

func (e *Engine) SetBootLoad(ctx context.Context, key string, bootLoad bool) error {
	return e.config.SetBootLoad(ctx, key, bootLoad)
}

func (e *Engine) SetConfigPriority(ctx context.Context, key string, priority int) error {
	return e.config.SetPriority(ctx, key, priority)
}

func (e *Engine) ConfigList(ctx context.Context, category *configstore.Category) ([]*configstore.Entry, error) {
	return e.config.List(ctx, category)
}

// --- 4.8 Boot Composer ---

func (e *Engine) Boot(ctx context.Context) (*boot.Document, error) {
	return e.boot.Compose(ctx)
}

// --- 4.9 Journal & Session, Handoff, Consolidation ---

func (e *Engine) Journal(ctx context.Context, topics []string, userStated, myIntent string) (string, error) {
	return e.journal.Append(ctx, topics, userStated, myIntent)
}

func (e *Engine) JournalRecent(ctx context.Context, n int) ([]*journal.Entry, error) {
	return e.journal.Recent(ctx, n)
}

func (e *Engine) JournalPrune(ctx context.Context, keep int) (int, error) {
	return e.journal.Prune(ctx, keep)
}

// SessionSave saves a session note under the given session id, or under
// the detector's fallback id when sessionID is empty (spec §C supplement).
func (e *Engine) SessionSave(ctx context.Context, sessionID, summary, sessionContext string) (*memorystore.Memory, error) {
	if sessionID == "" {
		sessionID = e.sessions.Detect()
	}
	return e.journal.SessionSave(ctx, sessionID, summary, sessionContext)
}

func (e *Engine) SessionResume(ctx context.Context, sessionID string) (*journal.SessionResumeResult, error) {
	if sessionID == "" {
		sessionID = e.sessions.Detect()
	}
	return e.journal.SessionResume(ctx, sessionID)
}

func (e *Engine) Sessions(ctx context.Context) ([]*journal.SessionInfo, error) {
	return e.journal.Sessions(ctx)
}

func (e *Engine) TherapyScope(ctx context.Context) (time.Time, []*memorystore.Memory, error) {
	return e.journal.TherapyScope(ctx)
}

func (e *Engine) TherapySessionCount(ctx context.Context) (int, error) {
	return e.journal.TherapySessionCount(ctx)
}

func (e *Engine) HandoffPending(ctx context.Context) ([]*memorystore.Memory, error) {
	return e.journal.HandoffPending(ctx)
}

func (e *Engine) HandoffComplete(ctx context.Context, id, notes, version string) (*memorystore.Memory, error) {
	return e.journal.HandoffComplete(ctx, id, notes, version)
}

func (e *Engine) Consolidate(ctx context.Context, opts journal.ConsolidateOptions) (*journal.ConsolidationResult, error) {
	return e.journal.Consolidate(ctx, opts)
}

// --- Write pipeline control ---

// Flush blocks until every background write has landed or timeout
// elapses, returning whether the queue fully drained.
func (e *Engine) Flush(timeout time.Duration) bool {
	return e.write.Flush(timeout)
}
