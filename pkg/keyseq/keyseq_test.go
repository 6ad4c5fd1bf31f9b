package keyseq

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/keyspan/docvault/internal/canon"
	"github.com/keyspan/docvault/internal/cellcrypto"
	"github.com/keyspan/docvault/internal/dverr"
)

func newParent(t *testing.T) *cellcrypto.StaticAEAD {
	t.Helper()
	key, err := cellcrypto.RandomBytes(cellcrypto.KeySize)
	if err != nil {
		t.Fatalf("random key: %v", err)
	}
	c, err := cellcrypto.NewStaticAEAD(key)
	if err != nil {
		t.Fatalf("static aead: %v", err)
	}
	return c
}

func newVerifierKey(t *testing.T) []byte {
	t.Helper()
	k, err := cellcrypto.RandomBytes(cellcrypto.HMACKeySize)
	if err != nil {
		t.Fatalf("random verifier key: %v", err)
	}
	return k
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ctx := context.Background()
	parent := newParent(t)
	verifier := newVerifierKey(t)
	shardCtx := canon.Context{"file": "shard-a"}

	k, err := New(parent, verifier, shardCtx)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	aad := canon.Context{"path": "/doc"}
	ct, err := k.Encrypt(ctx, aad, []byte("hello world"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pt, err := k.Decrypt(ctx, aad, ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(pt) != "hello world" {
		t.Fatalf("unexpected plaintext %q", pt)
	}
	if k.Size() != 1 {
		t.Fatalf("expected one key after first encrypt, got %d", k.Size())
	}
}

func TestRolloverCallbackFiresOnFirstKey(t *testing.T) {
	ctx := context.Background()
	parent := newParent(t)
	verifier := newVerifierKey(t)

	var seen []uint32
	k, err := New(parent, verifier, canon.Context{"file": "shard-a"}, WithOnRollover(func(seq uint32) {
		seen = append(seen, seq)
	}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := k.Encrypt(ctx, canon.Context{"path": "/doc"}, []byte("x")); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(seen) != 1 || seen[0] != 1 {
		t.Fatalf("expected a single rollover to seq 1, got %v", seen)
	}
}

func TestSerializeParseRoundTrip(t *testing.T) {
	ctx := context.Background()
	parent := newParent(t)
	verifier := newVerifierKey(t)
	shardCtx := canon.Context{"file": "shard-a"}

	k, err := New(parent, verifier, shardCtx)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	aad := canon.Context{"path": "/doc"}
	ct, err := k.Encrypt(ctx, aad, []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	ser, err := k.Serialize(ctx)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	k2, err := Parse(ser, parent, verifier, shardCtx)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	pt, err := k2.Decrypt(ctx, aad, ct)
	if err != nil {
		t.Fatalf("decrypt after parse: %v", err)
	}
	if string(pt) != "payload" {
		t.Fatalf("unexpected plaintext %q", pt)
	}
}

func TestParseTamperedMacFails(t *testing.T) {
	ctx := context.Background()
	parent := newParent(t)
	verifier := newVerifierKey(t)
	shardCtx := canon.Context{"file": "shard-a"}

	k, err := New(parent, verifier, shardCtx)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := k.Encrypt(ctx, canon.Context{"path": "/doc"}, []byte("payload")); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ser, err := k.Serialize(ctx)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	state, err := base64.StdEncoding.DecodeString(ser.State)
	if err != nil {
		t.Fatalf("decode state: %v", err)
	}
	state[len(state)-1] ^= 0x01
	ser.State = base64.StdEncoding.EncodeToString(state)
	if _, err := Parse(ser, parent, verifier, shardCtx); !dverr.Is(err, dverr.KindAuthFailed) {
		t.Fatalf("expected tampered state to fail MAC verification with KindAuthFailed, got %v", err)
	}
}

func TestDecryptUnknownSeqFailsMissingKey(t *testing.T) {
	ctx := context.Background()
	parent := newParent(t)
	verifier := newVerifierKey(t)
	shardCtx := canon.Context{"file": "shard-a"}

	k1, err := New(parent, verifier, shardCtx)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ct, err := k1.Encrypt(ctx, canon.Context{"path": "/doc"}, []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	k2, err := New(parent, verifier, shardCtx)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := k2.Decrypt(ctx, canon.Context{"path": "/doc"}, ct); !dverr.Is(err, dverr.KindMissingKey) {
		t.Fatalf("expected decrypt against a ring with no matching key seq to fail with KindMissingKey, got %v", err)
	}
}
