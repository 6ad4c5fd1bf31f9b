// Package executor implements the Executor loop: it drains the Schedule,
// reads every shard the Schedule currently mentions concurrently
// (eliminating read/write races between groups targeting overlapping shard
// sets), applies each group's ops in topological order, writes the result
// back through the Cache with optimistic concurrency, and resolves or
// rejects every op's future accordingly.
//
// Dispatch runs over a bounded worker pool sized to runtime.GOMAXPROCS(0) by
// default rather than an unbounded goroutine-per-group fan-out, which would
// be a liveness hazard under bursty load. The per-group shard fan-out uses
// golang.org/x/sync/errgroup.
//
// © 2025 docvault authors. MIT License.
package executor

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"

	"github.com/keyspan/docvault/internal/dvlog"
	"github.com/keyspan/docvault/pkg/dvmetrics"
	"github.com/keyspan/docvault/pkg/schedule"
	"github.com/keyspan/docvault/pkg/shard"
	"github.com/keyspan/docvault/pkg/shardcache"
)

// OpFunc is the caller-supplied operation body, applied to the shard holding
// it once its group is admissible. Its return value becomes the op's future
// result.
type OpFunc func(s *shard.Shard) (any, error)

// Future resolves to an op's result once its group commits, or to an error
// if its group (or an ancestor) fails.
type Future struct {
	done chan struct{}
	val  any
	err  error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) resolve(val any, err error) {
	f.val, f.err = val, err
	close(f.done)
}

// Await blocks until the future resolves or ctx is cancelled.
func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// opEntry is the opaque user value stored in the Schedule for each op.
type opEntry struct {
	fn     OpFunc
	future *Future
	result any
}

// Executor drains sched, applying ops to shards fetched and written through
// cache, bounded to a fixed worker pool.
type Executor struct {
	sched *schedule.Schedule
	cache *shardcache.Cache

	workers int
	wakeCh  chan struct{}
	opsWG   sync.WaitGroup
	inFlight atomic.Int64

	logger  *zap.Logger
	metrics dvmetrics.Sink
}

// Option configures an Executor.
type Option func(*Executor)

// WithWorkers overrides the worker pool size (default runtime.GOMAXPROCS(0)).
func WithWorkers(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithLogger attaches a zap logger; default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = dvlog.Or(l) }
}

// WithMetrics attaches a metrics sink; default is the no-op sink.
func WithMetrics(m dvmetrics.Sink) Option {
	return func(e *Executor) {
		if m != nil {
			e.metrics = m
		}
	}
}

// New builds an Executor over sched and cache.
func New(sched *schedule.Schedule, cache *shardcache.Cache, opts ...Option) *Executor {
	e := &Executor{
		sched:   sched,
		cache:   cache,
		workers: runtime.GOMAXPROCS(0),
		wakeCh:  make(chan struct{}, 1),
		logger:  dvlog.Nop(),
		metrics: dvmetrics.Noop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Add submits an operation: shardID it targets, the op ids it depends on,
// and the function to apply once its group is admissible. The returned
// Future resolves once the op's group (or an ancestor group) settles.
func (e *Executor) Add(shardID string, deps []schedule.OpID, fn OpFunc) (schedule.OpID, *Future, error) {
	fut := newFuture()
	entry := &opEntry{fn: fn, future: fut}
	id, err := e.sched.Add(shardID, deps, entry)
	if err != nil {
		return 0, nil, err
	}
	e.opsWG.Add(1)
	e.wake()
	return id, fut, nil
}

func (e *Executor) wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

// Run drains the Schedule until ctx is cancelled: it repeatedly takes the
// next admissible group and dispatches it to the worker pool, waiting on a
// wake signal (raised whenever a group is added or a group settles) when
// nothing is currently ready.
func (e *Executor) Run(ctx context.Context) {
	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		gh, ok := e.sched.NextGroup()
		if ok {
			if err := gh.Started(); err != nil {
				// Raced with a concurrent failure/rebalance of this
				// group; re-scan immediately rather than dropping it on
				// the floor.
				continue
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			e.inFlight.Add(1)
			e.metrics.SetInFlightGroups(int(e.inFlight.Load()))
			wg.Add(1)
			go func(gh *schedule.GroupHandle) {
				defer wg.Done()
				defer func() { <-sem }()
				defer func() {
					e.inFlight.Add(-1)
					e.metrics.SetInFlightGroups(int(e.inFlight.Load()))
				}()
				e.request(ctx, gh)
				e.wake()
			}(gh)
			continue
		}

		select {
		case <-e.wakeCh:
		case <-ctx.Done():
			return
		}
	}
}

// Drain runs the Executor until every op submitted so far has resolved, then
// stops the loop and returns. It is the convenience entry point for callers
// (tests, examples, the inspector CLI) that don't want to manage Run's
// lifetime themselves.
func (e *Executor) Drain(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		e.Run(runCtx)
		close(runDone)
	}()

	opsDone := make(chan struct{})
	go func() {
		e.opsWG.Wait()
		close(opsDone)
	}()

	select {
	case <-opsDone:
		cancel()
		<-runDone
		return nil
	case <-ctx.Done():
		cancel()
		<-runDone
		return ctx.Err()
	}
}

// request reads every shard the Schedule currently mentions concurrently,
// applies the group's ops in order against its own shard, writes back
// through the cache, and settles every op future.
func (e *Executor) request(ctx context.Context, gh *schedule.GroupHandle) {
	shardIDs := e.sched.Shards()

	var mu sync.Mutex
	shards := make(map[string]*shard.Shard, len(shardIDs))
	g, gctx := errgroup.WithContext(ctx)
	for _, sid := range shardIDs {
		sid := sid
		g.Go(func() error {
			s, err := e.cache.Read(gctx, sid)
			if err != nil {
				return err
			}
			mu.Lock()
			shards[sid] = s
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.failGroup(gh, err)
		return
	}

	ownShard := gh.Shard()
	s, ok := shards[ownShard]
	if !ok {
		// Read separately: the group's shard might not have been among
		// Shards() if it raced with a concurrent rebalance removing it.
		var err error
		s, err = e.cache.Read(ctx, ownShard)
		if err != nil {
			e.failGroup(gh, err)
			return
		}
	}

	values := gh.Values()
	entries := make([]*opEntry, len(values))
	for i, v := range values {
		entries[i] = v.(*opEntry)
	}

	for _, en := range entries {
		res, err := en.fn(s)
		if err != nil {
			e.failGroup(gh, err)
			return
		}
		en.result = res
	}

	if err := e.cache.Write(ctx, ownShard, s); err != nil {
		e.failGroup(gh, err)
		return
	}

	for _, en := range entries {
		en.future.resolve(en.result, nil)
		e.opsWG.Done()
	}
	if err := gh.Completed(); err != nil {
		e.logger.Error("executor: group completed transition failed", zap.Error(err))
	}
	e.metrics.IncGroupCompleted()
}

// failGroup transitions gh to FAILED and rejects every op it and its
// failure cancelled (the group's own ops plus their transitive descendants)
// with cause.
func (e *Executor) failGroup(gh *schedule.GroupHandle, cause error) {
	values, err := gh.Failed()
	if err != nil {
		// Stale handle: something else already failed/rebalanced this
		// group. Nothing here to reject.
		return
	}
	e.logger.Warn("executor: group failed, cancelling descendants",
		zap.Int("cancelled_ops", len(values)), zap.Error(cause))
	for _, v := range values {
		en := v.(*opEntry)
		en.future.resolve(nil, cause)
		e.opsWG.Done()
	}
	e.metrics.IncGroupFailed()
}
