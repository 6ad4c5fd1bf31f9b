// Package cellcrypto provides docvault's cryptographic primitives:
// AES-256-GCM with a 96-bit IV and 128-bit tag, HMAC-SHA-256 with 512-bit
// keys, PBKDF2-HMAC-SHA-256 producing 256-bit keys from an NFKD-normalised
// password, and a CSPRNG for IVs/salts/tags.
//
// AES-GCM is built on the standard library's crypto/cipher. PBKDF2 comes
// from golang.org/x/crypto rather than a hand-rolled derivation.
//
// © 2025 docvault authors. MIT License.
package cellcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"

	"github.com/keyspan/docvault/internal/dverr"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the AES-GCM nonce length in bytes (96 bits).
	IVSize = 12
	// TagSize is the AES-GCM authentication tag length in bytes (128 bits).
	TagSize = 16
	// HMACKeySize is the HMAC-SHA-256 key length in bytes (512 bits).
	HMACKeySize = 64
)

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, dverr.Wrap(dverr.KindCorrupt, "cellcrypto.RandomBytes", err)
	}
	return b, nil
}

// SealAESGCM encrypts plaintext under key with aad bound as additional
// authenticated data, using a fresh random IV. The returned ciphertext is
// IV || ciphertext || tag.
func SealAESGCM(key, aad, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, dverr.New(dverr.KindDecrypt, "cellcrypto.SealAESGCM", "key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindDecrypt, "cellcrypto.SealAESGCM", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindDecrypt, "cellcrypto.SealAESGCM", err)
	}
	iv, err := RandomBytes(IVSize)
	if err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nil, iv, plaintext, aad)
	out := make([]byte, 0, len(iv)+len(sealed))
	out = append(out, iv...)
	out = append(out, sealed...)
	return out, nil
}

// OpenAESGCM decrypts a blob produced by SealAESGCM under key with aad bound
// as additional authenticated data. Fails KindDecrypt on any AAD, key, or
// ciphertext mismatch.
func OpenAESGCM(key, aad, blob []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, dverr.New(dverr.KindDecrypt, "cellcrypto.OpenAESGCM", "key must be 32 bytes")
	}
	if len(blob) < IVSize+TagSize {
		return nil, dverr.New(dverr.KindDecrypt, "cellcrypto.OpenAESGCM", "ciphertext too short")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindDecrypt, "cellcrypto.OpenAESGCM", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindDecrypt, "cellcrypto.OpenAESGCM", err)
	}
	iv, ct := blob[:IVSize], blob[IVSize:]
	pt, err := gcm.Open(nil, iv, ct, aad)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindDecrypt, "cellcrypto.OpenAESGCM", err)
	}
	return pt, nil
}

// BlockCount estimates AES blocks consumed by an AES-GCM encryption of
// nbytes, including the GCM counter block: 1 + ceil(8*nbytes / 128).
func BlockCount(nbytes int) uint64 {
	bits := uint64(nbytes) * 8
	return 1 + (bits+127)/128
}

// HMACSHA256 computes HMAC-SHA-256 of msg under a 512-bit key.
func HMACSHA256(key, msg []byte) ([]byte, error) {
	if len(key) != HMACKeySize {
		return nil, dverr.New(dverr.KindAuthFailed, "cellcrypto.HMACSHA256", "key must be 64 bytes")
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil), nil
}

// VerifyHMACSHA256 reports whether mac is the HMAC-SHA-256 of msg under key,
// using a constant-time comparison.
func VerifyHMACSHA256(key, msg, mac []byte) bool {
	want, err := HMACSHA256(key, msg)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(want, mac) == 1
}

// DeriveKey runs PBKDF2-HMAC-SHA-256 over the NFKD-normalised password,
// producing a 256-bit key. iterations must be supplied by the caller's
// stored config (a persisted {salt, iterations} pair).
func DeriveKey(password string, salt []byte, iterations int) []byte {
	normalized := norm.NFKD.String(password)
	return pbkdf2.Key([]byte(normalized), salt, iterations, KeySize, sha256.New)
}
