// Package shardcache implements the Cache: the only writer of shards,
// sitting between the Executor and the storage adapter. It holds, per shard
// id, a single in-flight request coalesced across concurrent readers
// (golang.org/x/sync/singleflight) plus the shard's last-known adapter
// revision.
//
// On a CONFLICT write, the cache evicts the cached shard but retains its
// Counter bag: the next successful read merges those counters into the
// freshly-fetched shard so in-flight key-rollover usage isn't lost to the
// losing side of a race.
//
// © 2025 docvault authors. MIT License.
package shardcache

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/keyspan/docvault/internal/dvlog"
	"github.com/keyspan/docvault/internal/dverr"
	"github.com/keyspan/docvault/pkg/adapter"
	"github.com/keyspan/docvault/pkg/cell"
	"github.com/keyspan/docvault/pkg/counter"
	"github.com/keyspan/docvault/pkg/dvmetrics"
	"github.com/keyspan/docvault/pkg/shard"
	"go.uber.org/zap"
)

// entry is the cache's bookkeeping for one shard id: the live Shard plus the
// adapter revision it was last read at or written to.
type entry struct {
	shard *shard.Shard
	rev   adapter.Revision
}

// Cache wraps a Store and is the only component allowed to call its Write.
type Cache struct {
	store        adapter.Store
	parentCipher cell.Cipher
	verifierKey  []byte

	mu        sync.Mutex
	entries   map[string]*entry
	retained  map[string]*counter.Bag // counters kept across a CONFLICT eviction
	inflight  singleflight.Group

	logger  *zap.Logger
	metrics dvmetrics.Sink
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger attaches a zap logger; default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = dvlog.Or(l) }
}

// WithMetrics attaches a metrics sink; default is the no-op sink.
func WithMetrics(m dvmetrics.Sink) Option {
	return func(c *Cache) {
		if m != nil {
			c.metrics = m
		}
	}
}

// New builds a Cache over store. parentCipher/verifierKey are the root
// cipher and HMAC key a freshly-created (not-yet-persisted) shard's
// KeySequenceCipher is bootstrapped from.
func New(store adapter.Store, parentCipher cell.Cipher, verifierKey []byte, opts ...Option) *Cache {
	c := &Cache{
		store:        store,
		parentCipher: parentCipher,
		verifierKey:  verifierKey,
		entries:      make(map[string]*entry),
		retained:     make(map[string]*counter.Bag),
		logger:       dvlog.Nop(),
		metrics:      dvmetrics.Noop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Read returns the cached shard for id, fetching (and, if the adapter has no
// entry yet, creating) it if absent. Concurrent Read calls for the same id
// that arrive while a fetch is in flight all observe the same result.
func (c *Cache) Read(ctx context.Context, id string) (*shard.Shard, error) {
	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		c.mu.Unlock()
		c.metrics.IncCacheHit(id)
		return e.shard, nil
	}
	c.mu.Unlock()

	c.metrics.IncCacheMiss(id)
	v, err, _ := c.inflight.Do(id, func() (any, error) {
		return c.load(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*shard.Shard), nil
}

func (c *Cache) load(ctx context.Context, id string) (*shard.Shard, error) {
	stored, err := c.store.Read(ctx, id)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindAccess, "shardcache.Read", err)
	}

	var s *shard.Shard
	var rev adapter.Revision
	if stored == nil {
		ks, err := shard.NewKeySequenceCipher(id, c.parentCipher, c.verifierKey)
		if err != nil {
			return nil, err
		}
		s, err = shard.New(id, ks)
		if err != nil {
			return nil, err
		}
		rev = ""
	} else {
		s, err = shard.Parse(ctx, id, []byte(stored.Value), c.parentCipher, c.verifierKey)
		if err != nil {
			return nil, err
		}
		rev = stored.Revision
	}

	c.mu.Lock()
	if retained, ok := c.retained[id]; ok {
		if bag, cerr := s.GetCounters(ctx); cerr == nil {
			bag.Merge(retained)
		}
		delete(c.retained, id)
	}
	c.entries[id] = &entry{shard: s, rev: rev}
	c.mu.Unlock()

	return s, nil
}

// Write serialises the shard's current state and performs an adapter CAS
// write. On success it commits the shard's counters and advances the cached
// revision. On any write error (CONFLICT or otherwise) it evicts the cached
// shard, retains its counters for the next Read to merge forward, and returns
// the error; only a CONFLICT is counted in the conflict metric.
func (c *Cache) Write(ctx context.Context, id string, s *shard.Shard) error {
	blob, err := s.Serialize(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	e, ok := c.entries[id]
	rev := adapter.Revision("")
	if ok {
		rev = e.rev
	}
	c.mu.Unlock()

	newRev, err := c.store.Write(ctx, id, string(blob), rev)
	if err != nil {
		c.logger.Warn("shardcache: write failed, evicting and retaining counters",
			zap.String("shard", id), zap.Error(err))
		if dverr.Is(err, dverr.KindConflict) {
			c.metrics.IncConflict(id)
		}
		c.evictAndRetain(ctx, id, s)
		return err
	}

	if bag, cerr := s.GetCounters(ctx); cerr == nil {
		bag.Commit()
	}
	c.mu.Lock()
	c.entries[id] = &entry{shard: s, rev: newRev}
	c.mu.Unlock()
	return nil
}

func (c *Cache) evictAndRetain(ctx context.Context, id string, s *shard.Shard) {
	bag, err := s.GetCounters(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	if err == nil {
		c.retained[id] = bag.Clone()
	}
}
