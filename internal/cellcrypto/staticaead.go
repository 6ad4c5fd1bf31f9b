package cellcrypto

import (
	"context"

	"github.com/keyspan/docvault/internal/canon"
	"github.com/keyspan/docvault/internal/dverr"
)

// StaticAEAD implements pkg/cell.Cipher over a single fixed AES-256 key, with
// no key rotation. It is used for two roles: the root cipher produced by
// bootstrap, and the "parent cipher" a KeySequenceCipher uses to encrypt its
// own per-seq key cells.
type StaticAEAD struct {
	key []byte
}

// NewStaticAEAD wraps a 32-byte AES-256 key.
func NewStaticAEAD(key []byte) (*StaticAEAD, error) {
	if len(key) != KeySize {
		return nil, dverr.New(dverr.KindConfig, "cellcrypto.NewStaticAEAD", "key must be 32 bytes")
	}
	return &StaticAEAD{key: key}, nil
}

func (s *StaticAEAD) Encrypt(_ context.Context, aad canon.Context, plaintext []byte) ([]byte, error) {
	enc, err := canon.Encode(aad)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindCorrupt, "StaticAEAD.Encrypt", err)
	}
	return SealAESGCM(s.key, enc, plaintext)
}

func (s *StaticAEAD) Decrypt(_ context.Context, aad canon.Context, ciphertext []byte) ([]byte, error) {
	enc, err := canon.Encode(aad)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindCorrupt, "StaticAEAD.Decrypt", err)
	}
	return OpenAESGCM(s.key, enc, ciphertext)
}
