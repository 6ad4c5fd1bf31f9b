// Package keyseq implements the KeySequenceCipher: a per-shard key ring that
// rotates AES-256-GCM keys at usage limits, authenticates its own
// counter/key state with HMAC-SHA-256, and implements pkg/cell.Cipher so it
// can encrypt/decrypt a shard's index and item cells directly.
//
// The ring is a slice of entries plus a monotonic sequence counter: each
// encrypt call checks the active key's usage against its limit and appends
// a fresh key on rollover. Unlike a typical rotating-resource ring, old
// entries are never freed or reused — ciphertext encrypted under a given key
// must stay decryptable for as long as the shard exists.
//
// © 2025 docvault authors. MIT License.
package keyseq

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/keyspan/docvault/internal/binpack"
	"github.com/keyspan/docvault/internal/canon"
	"github.com/keyspan/docvault/internal/cellcrypto"
	"github.com/keyspan/docvault/internal/dverr"
	"github.com/keyspan/docvault/pkg/cell"
	"github.com/keyspan/docvault/pkg/counter"
)

// Algo identifies the AEAD algorithm a key ring entry uses. Only AES-256-GCM
// is defined today; the field exists so a future algorithm can be added
// without breaking the wire format.
type Algo uint8

const AlgoAES256GCM Algo = 1

// Usage limits for AES-256-GCM: counters must stay strictly below these
// after every increment, well short of NIST's recommended safety margins for
// message and block counts under a single key.
const (
	limitMsgAES256GCM = uint64(1) << 31
	limitBlkAES256GCM = uint64(1) << 47
)

// Serialized is the wire form of a KeySequenceCipher.
type Serialized struct {
	Keys  []string `json:"keys"`
	State string   `json:"state"`
	Mac   string   `json:"mac"`
}

type keyEntry struct {
	seq  uint32
	cell *cell.Cell
	raw  []byte // decrypted key bytes, cached after first use
}

// Option configures a KeySequenceCipher.
type Option func(*KeySequenceCipher)

// WithLogger attaches a zap.Logger; rollover events are logged at Info.
// Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(k *KeySequenceCipher) {
		if l != nil {
			k.logger = l
		}
	}
}

// WithOnRollover registers a callback invoked with the new seq every time a
// fresh key is appended to the ring. It lets a caller count rollovers (for
// instance into a dvmetrics.Sink) without this package depending on a
// metrics library; nothing in this repository registers one except tests.
func WithOnRollover(fn func(seq uint32)) Option {
	return func(k *KeySequenceCipher) { k.onRollover = fn }
}

// KeySequenceCipher is a per-shard rotating AEAD key ring. It implements
// pkg/cell.Cipher so Shard can use it directly as the cipher for its index
// and item cells.
type KeySequenceCipher struct {
	mu sync.Mutex

	parent       cell.Cipher
	verifierKey  []byte
	shardContext canon.Context

	keys     []*keyEntry
	counters *counter.Bag
	lastSeq  uint32

	logger     *zap.Logger
	onRollover func(seq uint32)
}

// New constructs an empty key ring for a shard. parent encrypts/decrypts the
// ring's own per-seq key cells; verifierKey (64 bytes) authenticates the
// ring's serialized state; shardContext is merged into every AAD context
// (typically {"file": shardID}).
func New(parent cell.Cipher, verifierKey []byte, shardContext canon.Context, opts ...Option) (*KeySequenceCipher, error) {
	if len(verifierKey) != cellcrypto.HMACKeySize {
		return nil, dverr.New(dverr.KindConfig, "keyseq.New", "verifier key must be 64 bytes")
	}
	k := &KeySequenceCipher{
		parent:       parent,
		verifierKey:  verifierKey,
		shardContext: shardContext,
		counters:     counter.New(),
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

func mergeContext(base canon.Context, extra canon.Context) canon.Context {
	out := make(canon.Context, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// Size returns the number of keys currently in the ring.
func (k *KeySequenceCipher) Size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.keys)
}

// GetCounters exposes the ring's counter bag; Shard.GetCounters delegates
// here.
func (k *KeySequenceCipher) GetCounters() *counter.Bag {
	return k.counters
}

func (k *KeySequenceCipher) appendKey() (*keyEntry, error) {
	raw, err := cellcrypto.RandomBytes(cellcrypto.KeySize)
	if err != nil {
		return nil, err
	}
	seq := k.lastSeq + 1
	k.lastSeq = seq

	ctx := mergeContext(k.shardContext, canon.Context{"key": seq})
	c := cell.New(k.parent, cell.JSONCodec{}, cell.WithContext(ctx))
	c.Set(map[string]any{
		"algo": int(AlgoAES256GCM),
		"key":  base64.StdEncoding.EncodeToString(raw),
	})

	k.counters.Init(fmt.Sprintf("%d.msg", seq), 0)
	k.counters.Init(fmt.Sprintf("%d.blk", seq), 0)

	ke := &keyEntry{seq: seq, cell: c, raw: raw}
	k.keys = append(k.keys, ke)

	k.logger.Info("keyseq: key rollover", zap.Uint32("seq", seq))
	if k.onRollover != nil {
		k.onRollover(seq)
	}
	return ke, nil
}

// selectKey picks the key to use for an nbytes-long plaintext, rotating if
// the last key would exceed its usage limits. Caller must hold k.mu.
func (k *KeySequenceCipher) selectKey(nbytes int) (*keyEntry, error) {
	blocks := cellcrypto.BlockCount(nbytes)

	if len(k.keys) > 0 {
		last := k.keys[len(k.keys)-1]
		msgID := fmt.Sprintf("%d.msg", last.seq)
		blkID := fmt.Sprintf("%d.blk", last.seq)
		msgVal, _ := k.counters.Get(msgID)
		blkVal, _ := k.counters.Get(blkID)
		if msgVal+1 < limitMsgAES256GCM && blkVal+blocks < limitBlkAES256GCM {
			return last, nil
		}
	}
	return k.appendKey()
}

// rawKey returns the entry's raw AES key, decrypting its cell on first use.
func (k *KeySequenceCipher) rawKey(ctx context.Context, ke *keyEntry) ([]byte, error) {
	if ke.raw != nil {
		return ke.raw, nil
	}
	v, err := ke.cell.Get(ctx)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, dverr.New(dverr.KindCorrupt, "keyseq.rawKey", "malformed key cell")
	}
	algo, _ := m["algo"].(float64)
	if Algo(algo) != AlgoAES256GCM {
		return nil, dverr.New(dverr.KindCorrupt, "keyseq.rawKey", "unsupported key algorithm")
	}
	keyB64, _ := m["key"].(string)
	raw, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindCorrupt, "keyseq.rawKey", err)
	}
	ke.raw = raw
	return raw, nil
}

// Encrypt implements pkg/cell.Cipher: it selects/rotates the active key,
// increments its usage counters, encrypts under a context extended with the
// chosen key's seq, and prepends the seq (u32) to the ciphertext.
func (k *KeySequenceCipher) Encrypt(ctx context.Context, aad canon.Context, plaintext []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	ke, err := k.selectKey(len(plaintext))
	if err != nil {
		return nil, dverr.Wrap(dverr.KindDecrypt, "keyseq.Encrypt", err)
	}

	k.counters.Add(fmt.Sprintf("%d.msg", ke.seq), 1)
	k.counters.Add(fmt.Sprintf("%d.blk", ke.seq), cellcrypto.BlockCount(len(plaintext)))

	raw, err := k.rawKey(ctx, ke)
	if err != nil {
		return nil, err
	}

	fullCtx := mergeContext(aad, canon.Context{"key": ke.seq})
	encAAD, err := canon.Encode(fullCtx)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindCorrupt, "keyseq.Encrypt", err)
	}
	ct, err := cellcrypto.SealAESGCM(raw, encAAD, plaintext)
	if err != nil {
		return nil, err
	}

	prefix, err := binpack.Dump("4", uint64(ke.seq))
	if err != nil {
		return nil, dverr.Wrap(dverr.KindCorrupt, "keyseq.Encrypt", err)
	}
	return append(prefix, ct...), nil
}

// Decrypt implements pkg/cell.Cipher: it strips the leading seq, looks up the
// matching key (KindMissingKey if absent), and decrypts under the caller's
// context extended with that seq.
func (k *KeySequenceCipher) Decrypt(ctx context.Context, aad canon.Context, ciphertext []byte) ([]byte, error) {
	vals, err := binpack.Load("4b", ciphertext)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindCorrupt, "keyseq.Decrypt", err)
	}
	seq := uint32(vals[0].(uint64))
	rest := vals[1].([]byte)

	k.mu.Lock()
	var ke *keyEntry
	for _, e := range k.keys {
		if e.seq == seq {
			ke = e
			break
		}
	}
	k.mu.Unlock()
	if ke == nil {
		return nil, dverr.New(dverr.KindMissingKey, "keyseq.Decrypt", "unknown key sequence")
	}

	raw, err := k.rawKey(ctx, ke)
	if err != nil {
		return nil, err
	}

	fullCtx := mergeContext(aad, canon.Context{"key": seq})
	encAAD, err := canon.Encode(fullCtx)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindCorrupt, "keyseq.Decrypt", err)
	}
	return cellcrypto.OpenAESGCM(raw, encAAD, rest)
}

// counterIDs returns the canonical ["<seq>.msg","<seq>.blk", ...] id order
// used by Serialize/Parse's state array, derived from the ring's seqs in
// ascending order. Caller must hold k.mu.
func (k *KeySequenceCipher) counterIDs() []string {
	seqs := make([]uint32, len(k.keys))
	for i, ke := range k.keys {
		seqs[i] = ke.seq
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	ids := make([]string, 0, 2*len(seqs))
	for _, s := range seqs {
		ids = append(ids, fmt.Sprintf("%d.msg", s), fmt.Sprintf("%d.blk", s))
	}
	return ids
}

// Serialize produces the ring's wire form, MAC'd over its own key sequence
// numbers and counter state.
func (k *KeySequenceCipher) Serialize(ctx context.Context) (*Serialized, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	keyBlobs := make([]string, len(k.keys))
	seqs := make([]uint64, len(k.keys))
	for i, ke := range k.keys {
		ct, err := ke.cell.Serialize(ctx)
		if err != nil {
			return nil, err
		}
		prefix, err := binpack.Dump("4", uint64(ke.seq))
		if err != nil {
			return nil, dverr.Wrap(dverr.KindCorrupt, "keyseq.Serialize", err)
		}
		blob := append(prefix, ct...)
		keyBlobs[i] = base64.StdEncoding.EncodeToString(blob)
		seqs[i] = uint64(ke.seq)
	}

	ids := k.counterIDs()
	values := k.counters.Values(ids)
	stateBytes, err := binpack.DumpArray('8', values)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindCorrupt, "keyseq.Serialize", err)
	}
	stateB64 := base64.StdEncoding.EncodeToString(stateBytes)

	seqsBytes, err := binpack.DumpArray('4', seqs)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindCorrupt, "keyseq.Serialize", err)
	}
	macCtx := mergeContext(k.shardContext, canon.Context{"keys": seqsBytes, "state": stateBytes})
	macMsg, err := canon.Encode(macCtx)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindCorrupt, "keyseq.Serialize", err)
	}
	mac, err := cellcrypto.HMACSHA256(k.verifierKey, macMsg)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindAuthFailed, "keyseq.Serialize", err)
	}

	return &Serialized{
		Keys:  keyBlobs,
		State: stateB64,
		Mac:   base64.StdEncoding.EncodeToString(mac),
	}, nil
}

// Parse reconstructs a KeySequenceCipher from its wire form, verifying the
// MAC before trusting any field. Any altered key seq, swapped keys, altered
// counter, or swapped counter fails KindAuthFailed.
func Parse(data *Serialized, parent cell.Cipher, verifierKey []byte, shardContext canon.Context, opts ...Option) (*KeySequenceCipher, error) {
	if len(verifierKey) != cellcrypto.HMACKeySize {
		return nil, dverr.New(dverr.KindConfig, "keyseq.Parse", "verifier key must be 64 bytes")
	}

	stateBytes, err := base64.StdEncoding.DecodeString(data.State)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindCorrupt, "keyseq.Parse", err)
	}
	macBytes, err := base64.StdEncoding.DecodeString(data.Mac)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindCorrupt, "keyseq.Parse", err)
	}

	seqs := make([]uint32, len(data.Keys))
	keyCipherBlobs := make([][]byte, len(data.Keys))
	for i, k64 := range data.Keys {
		raw, err := base64.StdEncoding.DecodeString(k64)
		if err != nil {
			return nil, dverr.Wrap(dverr.KindCorrupt, "keyseq.Parse", err)
		}
		vals, err := binpack.Load("4b", raw)
		if err != nil {
			return nil, dverr.Wrap(dverr.KindCorrupt, "keyseq.Parse", err)
		}
		seqs[i] = uint32(vals[0].(uint64))
		keyCipherBlobs[i] = vals[1].([]byte)
	}

	seqs64 := make([]uint64, len(seqs))
	for i, s := range seqs {
		seqs64[i] = uint64(s)
	}
	seqsBytes, err := binpack.DumpArray('4', seqs64)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindCorrupt, "keyseq.Parse", err)
	}

	macCtx := mergeContext(shardContext, canon.Context{"keys": seqsBytes, "state": stateBytes})
	macMsg, err := canon.Encode(macCtx)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindCorrupt, "keyseq.Parse", err)
	}
	if !cellcrypto.VerifyHMACSHA256(verifierKey, macMsg, macBytes) {
		return nil, dverr.New(dverr.KindAuthFailed, "keyseq.Parse", "key ring MAC mismatch")
	}

	counterVals, err := binpack.LoadArray('8', stateBytes)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindAuthFailed, "keyseq.Parse", err)
	}
	if len(counterVals) != 2*len(seqs) {
		return nil, dverr.New(dverr.KindAuthFailed, "keyseq.Parse", "counter state length mismatch")
	}

	k := &KeySequenceCipher{
		parent:       parent,
		verifierKey:  verifierKey,
		shardContext: shardContext,
		counters:     counter.New(),
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(k)
	}

	for i, seq := range seqs {
		k.counters.Init(fmt.Sprintf("%d.msg", seq), counterVals[2*i])
		k.counters.Init(fmt.Sprintf("%d.blk", seq), counterVals[2*i+1])

		ctx := mergeContext(shardContext, canon.Context{"key": seq})
		blob := base64.StdEncoding.EncodeToString(keyCipherBlobs[i])
		c := cell.New(parent, cell.JSONCodec{}, cell.WithContext(ctx), cell.WithData(blob))
		k.keys = append(k.keys, &keyEntry{seq: seq, cell: c})
		if seq > k.lastSeq {
			k.lastSeq = seq
		}
	}

	return k, nil
}
