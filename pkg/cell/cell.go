// Package cell implements the Cell container: an encrypted wrapper around a
// plaintext value bound to an immutable context map via its cipher's AAD.
// Plaintext is cached after first decryption; Serialize detects whether the
// cached plaintext was mutated since load to decide between returning the
// original ciphertext unchanged and producing a fresh encryption with a new
// IV — this is what keeps shard serialisation deterministic when only a
// subset of items changed.
//
// © 2025 docvault authors. MIT License.
package cell

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/keyspan/docvault/internal/canon"
	"github.com/keyspan/docvault/internal/dverr"
)

// Cipher is the narrow capability a Cell needs from its cryptographic
// backend. The cipher — not the Cell — owns canonical AAD encoding, because a
// KeySequenceCipher needs to extend the caller's context with the chosen
// key's sequence number before encoding it; a Cell only ever knows its own
// logical context. KeySequenceCipher and cellcrypto.StaticAEAD both
// implement this interface.
type Cipher interface {
	Encrypt(ctx context.Context, aad canon.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, aad canon.Context, ciphertext []byte) ([]byte, error)
}

// Codec marshals/unmarshals the plaintext value to/from bytes. JSONCodec is
// the reference implementation.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) (any, error)
}

// Option configures a new Cell.
type Option func(*Cell)

// WithContext sets the cell's binding context (becomes the cipher AAD).
func WithContext(ctx canon.Context) Option {
	return func(c *Cell) { c.context = ctx }
}

// WithFormat sets the on-disk text encoding of WithData's payload. Only
// "base64" is supported today; it is the default.
func WithFormat(format string) Option {
	return func(c *Cell) { c.format = format }
}

// WithData seeds the cell from previously stored ciphertext, in the format
// set by WithFormat (default base64). Absent data means an empty cell.
func WithData(data string) Option {
	return func(c *Cell) { c.rawData = data; c.hasRawData = true }
}

// Cell binds a plaintext value to a context map through its cipher's AAD.
type Cell struct {
	mu sync.Mutex

	cipher  Cipher
	codec   Codec
	context canon.Context
	format  string

	rawData    string
	hasRawData bool

	plaintext      any
	plaintextValid bool
	ciphertext     []byte
	modified       bool
}

// New constructs a Cell. data (via WithData) is ciphertext in the configured
// format; absent data means an empty cell.
func New(cipher Cipher, codec Codec, opts ...Option) *Cell {
	c := &Cell{cipher: cipher, codec: codec, format: "base64"}
	for _, opt := range opts {
		opt(c)
	}
	if c.hasRawData {
		if raw, err := decodeFormat(c.format, c.rawData); err == nil {
			c.ciphertext = raw
		}
	}
	return c
}

func decodeFormat(format, data string) ([]byte, error) {
	switch format {
	case "base64", "":
		return base64.StdEncoding.DecodeString(data)
	default:
		return nil, dverr.New(dverr.KindCorrupt, "cell.decodeFormat", "unknown format")
	}
}

func encodeFormat(format string, data []byte) string {
	switch format {
	case "base64", "":
		return base64.StdEncoding.EncodeToString(data)
	default:
		return base64.StdEncoding.EncodeToString(data)
	}
}

// Get returns the decrypted value, caching it after first decryption.
// Returns nil if the cell is empty. Fails KindDecrypt on AAD/key mismatch or
// tampering.
func (c *Cell) Get(ctx context.Context) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(ctx)
}

func (c *Cell) getLocked(ctx context.Context) (any, error) {
	if c.plaintextValid {
		return c.plaintext, nil
	}
	if len(c.ciphertext) == 0 {
		return nil, nil
	}

	pt, err := c.cipher.Decrypt(ctx, c.context, c.ciphertext)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindDecrypt, "cell.Get", err)
	}
	val, err := c.codec.Unmarshal(pt, nil)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindCorrupt, "cell.Get", err)
	}
	c.plaintext = val
	c.plaintextValid = true
	return val, nil
}

// Set stores a new plaintext value and marks the cell modified. Encryption is
// deferred until Serialize.
func (c *Cell) Set(value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plaintext = value
	c.plaintextValid = true
	c.modified = true
}

// Update applies fn to the current plaintext (nil if empty) and stores the
// result, equivalent to Set(fn(Get())).
func (c *Cell) Update(ctx context.Context, fn func(any) (any, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, err := c.getLocked(ctx)
	if err != nil {
		return err
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	c.plaintext = next
	c.plaintextValid = true
	c.modified = true
	return nil
}

// Serialize returns the cell's ciphertext, re-encrypting with a fresh IV only
// if the cell was modified since load; otherwise it returns the exact bytes
// it was constructed with, so re-Serialize of an unmodified cell is
// idempotent. Fails KindCorrupt if the cell is empty or its value is nil.
func (c *Cell) Serialize(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.modified {
		if len(c.ciphertext) == 0 {
			return nil, dverr.New(dverr.KindCorrupt, "cell.Serialize", "empty cell cannot be serialized")
		}
		return c.ciphertext, nil
	}

	if !c.plaintextValid || c.plaintext == nil {
		return nil, dverr.New(dverr.KindCorrupt, "cell.Serialize", "cell value is nil")
	}

	pt, err := c.codec.Marshal(c.plaintext)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindCorrupt, "cell.Serialize", err)
	}
	ct, err := c.cipher.Encrypt(ctx, c.context, pt)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindDecrypt, "cell.Serialize", err)
	}
	c.ciphertext = ct
	c.modified = false
	return ct, nil
}

// SerializeText is Serialize encoded in the cell's configured text format
// (base64 by default) — the form persisted in shard blobs.
func (c *Cell) SerializeText(ctx context.Context) (string, error) {
	ct, err := c.Serialize(ctx)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	format := c.format
	c.mu.Unlock()
	return encodeFormat(format, ct), nil
}
