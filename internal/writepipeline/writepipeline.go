// Package writepipeline implements the Write Pipeline (spec §4.7):
// synchronous writes that return after the backend acknowledges, and
// background (sync=false) writes that enqueue onto a single-writer
// queue drained by one worker goroutine, batched up to K per backend
// call.
package writepipeline

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/oaustegard/muninn/internal/logging"
	"github.com/oaustegard/muninn/internal/memorystore"
)

var log = logging.GetLogger("writepipeline")

// Rememberer is the subset of memorystore.Store the pipeline drives.
type Rememberer interface {
	Remember(ctx context.Context, in memorystore.RememberInput) (*memorystore.Memory, error)
	RememberBatch(ctx context.Context, inputs []memorystore.RememberInput) ([]*memorystore.Memory, error)
}

type task struct {
	input memorystore.RememberInput
	id    string
}

type barrier struct {
	done chan struct{}
}

// Pipeline is the single-writer background queue. It is safe for
// concurrent Enqueue calls from multiple goroutines (spec §5: background
// writes are FIFO with respect to the thread that enqueues them — the
// pipeline itself totally orders across all enqueuers, which is a
// stricter guarantee the spec does not forbid).
type Pipeline struct {
	store       Rememberer
	batchSize   int
	queue       chan any // task or barrier
	wg          sync.WaitGroup
	stopOnce    sync.Once
	stopSignal  chan os.Signal
	defaultWait time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithBatchSize(k int) Option {
	return func(p *Pipeline) {
		if k > 0 {
			p.batchSize = k
		}
	}
}

func WithQueueDepth(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queue = make(chan any, n)
		}
	}
}

func WithDefaultFlushTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.defaultWait = d }
}

// New starts the background worker goroutine immediately.
func New(store Rememberer, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:       store,
		batchSize:   10,
		queue:       make(chan any, 256),
		defaultWait: 5 * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Enqueue mints the id the record will receive, submits the write onto
// the queue, and returns immediately without waiting for the backend
// (spec §4.5 remember sync=false).
func (p *Pipeline) Enqueue(in memorystore.RememberInput) string {
	id := uuid.New().String()
	p.queue <- task{input: in, id: id}
	return id
}

// run is the single writer: it drains the queue, batching up to
// batchSize consecutive tasks per backend call, and unblocks any
// pending Flush barrier once everything enqueued before it has landed.
func (p *Pipeline) run() {
	defer p.wg.Done()
	var pending []task

	flushPending := func() {
		if len(pending) == 0 {
			return
		}
		inputs := make([]memorystore.RememberInput, len(pending))
		for i, t := range pending {
			inputs[i] = t.input
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, err := p.store.RememberBatch(ctx, inputs)
		cancel()
		if err != nil {
			log.LogDropped("background_remember_batch", err, "count", len(pending))
		}
		pending = pending[:0]
	}

	for item := range p.queue {
		switch v := item.(type) {
		case task:
			pending = append(pending, v)
			if len(pending) >= p.batchSize {
				flushPending()
			}
		case barrier:
			// Drain everything already waiting, without blocking and
			// flushing each full batch, so a Flush call observes a
			// consistent queue state rather than racing a concurrent
			// Enqueue forever.
			drainAvailable(p.queue, &pending, p.batchSize, flushPending)
			flushPending()
			close(v.done)
		}
	}
	flushPending()
}

func drainAvailable(queue chan any, pending *[]task, batchSize int, flush func()) {
	for {
		select {
		case item, ok := <-queue:
			if !ok {
				return
			}
			if t, ok := item.(task); ok {
				*pending = append(*pending, t)
				if len(*pending) >= batchSize {
					flush()
				}
				continue
			}
			// A nested barrier: every task enqueued before it is now
			// written or in pending, so flush pending and release it.
			if b, ok := item.(barrier); ok {
				flush()
				close(b.done)
			}
		default:
			return
		}
	}
}

// Flush blocks until the queue is empty (everything enqueued before
// this call has been written) or timeout elapses (spec §4.7).
func (p *Pipeline) Flush(timeout time.Duration) bool {
	b := barrier{done: make(chan struct{})}
	select {
	case p.queue <- b:
	case <-time.After(timeout):
		return false
	}
	select {
	case <-b.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// RegisterExitHook installs a SIGINT/SIGTERM handler that flushes with
// the pipeline's default timeout before the process would otherwise
// exit, mirroring the teacher's signal-driven shutdown pattern. Callers
// that manage their own shutdown path should call Flush directly
// instead and skip this.
func (p *Pipeline) RegisterExitHook() {
	p.stopSignal = make(chan os.Signal, 1)
	signal.Notify(p.stopSignal, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig, ok := <-p.stopSignal
		if !ok {
			return
		}
		log.Info("shutdown signal received, flushing background writes", "signal", sig.String())
		if !p.Flush(p.defaultWait) {
			log.Warn("flush timed out at shutdown, some background writes may be lost")
		}
		os.Exit(0)
	}()
}

// Close stops accepting new work and waits for the worker to drain and
// exit. Intended for tests and for callers that own their own shutdown
// sequencing instead of RegisterExitHook.
func (p *Pipeline) Close() {
	p.stopOnce.Do(func() {
		close(p.queue)
		if p.stopSignal != nil {
			signal.Stop(p.stopSignal)
			close(p.stopSignal)
		}
	})
	p.wg.Wait()
}
