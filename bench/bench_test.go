// Package bench provides reproducible micro-benchmarks for docvault. Run via:
//   go test ./bench -bench=. -benchmem -cpu 1,4,16
//
// We measure:
//  1. CellSerialize   - Cell.Set + Serialize, a fresh AES-GCM encryption
//  2. CellGet         - Cell.Get against a warm ciphertext (decrypt + unmarshal)
//  3. ExecutorSubmit  - single independent op per shard, submit-to-commit
//  4. ExecutorChain   - a 3-op cross-shard dependency chain, submit-to-commit
//
// Results are printed in ns/op + alloc/op so CI can diff via benchstat.
//
// NOTE: Unit tests live alongside their packages; this file is only for
// performance.
//
// © 2025 docvault authors. MIT License.
package bench

import (
	"context"
	"fmt"
	"testing"

	"github.com/keyspan/docvault/internal/canon"
	"github.com/keyspan/docvault/internal/cellcrypto"
	"github.com/keyspan/docvault/pkg/adapter"
	"github.com/keyspan/docvault/pkg/cell"
	"github.com/keyspan/docvault/pkg/executor"
	"github.com/keyspan/docvault/pkg/schedule"
	"github.com/keyspan/docvault/pkg/shard"
	"github.com/keyspan/docvault/pkg/shardcache"
)

func newTestCipher(b *testing.B) *cellcrypto.StaticAEAD {
	b.Helper()
	key, err := cellcrypto.RandomBytes(cellcrypto.KeySize)
	if err != nil {
		b.Fatalf("random key: %v", err)
	}
	c, err := cellcrypto.NewStaticAEAD(key)
	if err != nil {
		b.Fatalf("static aead: %v", err)
	}
	return c
}

func BenchmarkCellSerialize(b *testing.B) {
	ctx := context.Background()
	aead := newTestCipher(b)
	ctxMap := canon.Context{"file": "bench-shard", "path": "/doc"}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c := cell.New(aead, cell.JSONCodec{}, cell.WithContext(ctxMap))
		c.Set(fmt.Sprintf("payload-%d", i))
		if _, err := c.Serialize(ctx); err != nil {
			b.Fatalf("serialize: %v", err)
		}
	}
}

func BenchmarkCellGet(b *testing.B) {
	ctx := context.Background()
	aead := newTestCipher(b)
	ctxMap := canon.Context{"file": "bench-shard", "path": "/doc"}

	warm := cell.New(aead, cell.JSONCodec{}, cell.WithContext(ctxMap))
	warm.Set("payload")
	blob, err := warm.SerializeText(ctx)
	if err != nil {
		b.Fatalf("serialize: %v", err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c := cell.New(aead, cell.JSONCodec{}, cell.WithContext(ctxMap), cell.WithData(blob))
		if _, err := c.Get(ctx); err != nil {
			b.Fatalf("get: %v", err)
		}
	}
}

func newTestExecutor(b *testing.B) (*executor.Executor, *schedule.Schedule) {
	b.Helper()
	key, err := cellcrypto.RandomBytes(cellcrypto.KeySize)
	if err != nil {
		b.Fatalf("random key: %v", err)
	}
	parent, err := cellcrypto.NewStaticAEAD(key)
	if err != nil {
		b.Fatalf("static aead: %v", err)
	}
	verifierKey, err := cellcrypto.RandomBytes(cellcrypto.HMACKeySize)
	if err != nil {
		b.Fatalf("random verifier key: %v", err)
	}
	store := adapter.NewMemoryAdapter()
	cache := shardcache.New(store, parent, verifierKey)
	sched := schedule.New(schedule.DefaultDepthLimit)
	return executor.New(sched, cache), sched
}

func BenchmarkExecutorSubmit(b *testing.B) {
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e, _ := newTestExecutor(b)
		shardID := fmt.Sprintf("shard-%d", i)
		_, fut, err := e.Add(shardID, nil, func(s *shard.Shard) (any, error) {
			return nil, s.Put(ctx, "/doc", func(any) (any, error) { return "v", nil })
		})
		if err != nil {
			b.Fatalf("add: %v", err)
		}
		if err := e.Drain(ctx); err != nil {
			b.Fatalf("drain: %v", err)
		}
		if _, err := fut.Await(ctx); err != nil {
			b.Fatalf("await: %v", err)
		}
	}
}

func BenchmarkExecutorChain(b *testing.B) {
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e, _ := newTestExecutor(b)
		noop := func(s *shard.Shard) (any, error) { return nil, nil }
		id1, fut1, err := e.Add("A", nil, noop)
		if err != nil {
			b.Fatalf("add w1: %v", err)
		}
		id2, fut2, err := e.Add("B", []schedule.OpID{id1}, noop)
		if err != nil {
			b.Fatalf("add w2: %v", err)
		}
		_, fut3, err := e.Add("C", []schedule.OpID{id2}, noop)
		if err != nil {
			b.Fatalf("add w3: %v", err)
		}
		if err := e.Drain(ctx); err != nil {
			b.Fatalf("drain: %v", err)
		}
		for _, f := range []*executor.Future{fut1, fut2, fut3} {
			if _, err := f.Await(ctx); err != nil {
				b.Fatalf("await: %v", err)
			}
		}
	}
}
