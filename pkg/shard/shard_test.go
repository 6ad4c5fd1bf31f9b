package shard

import (
	"context"
	"testing"

	"github.com/keyspan/docvault/internal/cellcrypto"
)

func newTestShard(t *testing.T, id string) *Shard {
	t.Helper()
	key, err := cellcrypto.RandomBytes(cellcrypto.KeySize)
	if err != nil {
		t.Fatalf("random key: %v", err)
	}
	parent, err := cellcrypto.NewStaticAEAD(key)
	if err != nil {
		t.Fatalf("static aead: %v", err)
	}
	verifier, err := cellcrypto.RandomBytes(cellcrypto.HMACKeySize)
	if err != nil {
		t.Fatalf("random verifier: %v", err)
	}
	ks, err := NewKeySequenceCipher(id, parent, verifier)
	if err != nil {
		t.Fatalf("new key sequence cipher: %v", err)
	}
	s, err := New(id, ks)
	if err != nil {
		t.Fatalf("new shard: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestShard(t, "shard-a")

	if err := s.Put(ctx, "/notes/hello", func(any) (any, error) { return "world", nil }); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, err := s.Get(ctx, "/notes/hello")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "world" {
		t.Fatalf("unexpected value %v", v)
	}
	size, err := s.Size(ctx)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 1 {
		t.Fatalf("unexpected size %d", size)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	ctx := context.Background()
	s := newTestShard(t, "shard-a")
	v, err := s.Get(ctx, "/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != nil {
		t.Fatalf("expected nil for missing path, got %v", v)
	}
}

func TestRmRemovesEntry(t *testing.T) {
	ctx := context.Background()
	s := newTestShard(t, "shard-a")
	if err := s.Put(ctx, "/doc", func(any) (any, error) { return "v", nil }); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Rm(ctx, "/doc"); err != nil {
		t.Fatalf("rm: %v", err)
	}
	v, err := s.Get(ctx, "/doc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != nil {
		t.Fatalf("expected removed entry to be gone, got %v", v)
	}
}

func TestLinkUnlinkListing(t *testing.T) {
	ctx := context.Background()
	s := newTestShard(t, "shard-a")

	if err := s.Link(ctx, "/dir", "a"); err != nil {
		t.Fatalf("link a: %v", err)
	}
	if err := s.Link(ctx, "/dir", "b"); err != nil {
		t.Fatalf("link b: %v", err)
	}
	if err := s.Link(ctx, "/dir", "a"); err != nil {
		t.Fatalf("relink a: %v", err)
	}

	names, err := s.List(ctx, "/dir")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("unexpected listing %v", names)
	}

	if err := s.Unlink(ctx, "/dir", "a"); err != nil {
		t.Fatalf("unlink a: %v", err)
	}
	names, err = s.List(ctx, "/dir")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 1 || names[0] != "b" {
		t.Fatalf("unexpected listing after unlink %v", names)
	}

	if err := s.Unlink(ctx, "/dir", "b"); err != nil {
		t.Fatalf("unlink b: %v", err)
	}
	names, err = s.List(ctx, "/dir")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if names != nil {
		t.Fatalf("expected listing entry to be removed once empty, got %v", names)
	}
}

func TestGetReturnsDeepCloneNotAliasedStorage(t *testing.T) {
	ctx := context.Background()
	s := newTestShard(t, "shard-a")
	if err := s.Put(ctx, "/doc", func(any) (any, error) {
		return map[string]any{"count": float64(1)}, nil
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	v1, err := s.Get(ctx, "/doc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	m1 := v1.(map[string]any)
	m1["count"] = float64(999)

	v2, err := s.Get(ctx, "/doc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	m2 := v2.(map[string]any)
	if m2["count"] != float64(1) {
		t.Fatalf("mutating a Get result leaked into shard storage: %v", m2)
	}
}

func TestSerializeParseRoundTrip(t *testing.T) {
	ctx := context.Background()
	key, err := cellcrypto.RandomBytes(cellcrypto.KeySize)
	if err != nil {
		t.Fatalf("random key: %v", err)
	}
	parent, err := cellcrypto.NewStaticAEAD(key)
	if err != nil {
		t.Fatalf("static aead: %v", err)
	}
	verifier, err := cellcrypto.RandomBytes(cellcrypto.HMACKeySize)
	if err != nil {
		t.Fatalf("random verifier: %v", err)
	}

	ks, err := NewKeySequenceCipher("shard-a", parent, verifier)
	if err != nil {
		t.Fatalf("new key sequence cipher: %v", err)
	}
	s, err := New("shard-a", ks)
	if err != nil {
		t.Fatalf("new shard: %v", err)
	}
	if err := s.Put(ctx, "/notes/hello", func(any) (any, error) { return "world", nil }); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Link(ctx, "/notes", "hello"); err != nil {
		t.Fatalf("link: %v", err)
	}

	blob, err := s.Serialize(ctx)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	s2, err := Parse(ctx, "shard-a", blob, parent, verifier)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	v, err := s2.Get(ctx, "/notes/hello")
	if err != nil {
		t.Fatalf("get after parse: %v", err)
	}
	if v != "world" {
		t.Fatalf("unexpected value after parse: %v", v)
	}
	names, err := s2.List(ctx, "/notes")
	if err != nil {
		t.Fatalf("list after parse: %v", err)
	}
	if len(names) != 1 || names[0] != "hello" {
		t.Fatalf("unexpected listing after parse: %v", names)
	}
}

func TestSerializeUnmodifiedReturnsCachedBlob(t *testing.T) {
	ctx := context.Background()
	s := newTestShard(t, "shard-a")
	if err := s.Put(ctx, "/doc", func(any) (any, error) { return "v", nil }); err != nil {
		t.Fatalf("put: %v", err)
	}
	blob1, err := s.Serialize(ctx)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	blob2, err := s.Serialize(ctx)
	if err != nil {
		t.Fatalf("reserialize: %v", err)
	}
	if string(blob1) != string(blob2) {
		t.Fatalf("expected unmodified shard to reserialize identically")
	}
}

func TestPutOnExistingPathAfterParseIsPersisted(t *testing.T) {
	ctx := context.Background()
	key, err := cellcrypto.RandomBytes(cellcrypto.KeySize)
	if err != nil {
		t.Fatalf("random key: %v", err)
	}
	parent, err := cellcrypto.NewStaticAEAD(key)
	if err != nil {
		t.Fatalf("static aead: %v", err)
	}
	verifier, err := cellcrypto.RandomBytes(cellcrypto.HMACKeySize)
	if err != nil {
		t.Fatalf("random verifier: %v", err)
	}

	ks, err := NewKeySequenceCipher("shard-a", parent, verifier)
	if err != nil {
		t.Fatalf("new key sequence cipher: %v", err)
	}
	s, err := New("shard-a", ks)
	if err != nil {
		t.Fatalf("new shard: %v", err)
	}
	if err := s.Put(ctx, "/doc", func(any) (any, error) { return "v1", nil }); err != nil {
		t.Fatalf("put: %v", err)
	}
	blob, err := s.Serialize(ctx)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	reloaded, err := Parse(ctx, "shard-a", blob, parent, verifier)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := reloaded.Put(ctx, "/doc", func(any) (any, error) { return "v2", nil }); err != nil {
		t.Fatalf("put on reloaded shard: %v", err)
	}
	reblob, err := reloaded.Serialize(ctx)
	if err != nil {
		t.Fatalf("reserialize: %v", err)
	}

	final, err := Parse(ctx, "shard-a", reblob, parent, verifier)
	if err != nil {
		t.Fatalf("parse reserialized blob: %v", err)
	}
	v, err := final.Get(ctx, "/doc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "v2" {
		t.Fatalf("update to an existing path on a freshly-parsed shard was dropped, got %v", v)
	}
}

func TestGetCountersReflectsKeyUsage(t *testing.T) {
	ctx := context.Background()
	s := newTestShard(t, "shard-a")
	if err := s.Put(ctx, "/doc", func(any) (any, error) { return "v", nil }); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Serialize(ctx); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	bag, err := s.GetCounters(ctx)
	if err != nil {
		t.Fatalf("get counters: %v", err)
	}
	if len(bag.Ids()) == 0 {
		t.Fatalf("expected key usage counters after a write")
	}
}
