// Package bootstrap turns a user password plus a persisted config blob into
// the root AEAD cipher, HMAC verifier key, and shard router key/count every
// shard.Shard and keyseq.KeySequenceCipher in a deployment is built from. It
// is validated once at startup and produces an immutable Bootstrap value.
//
// © 2025 docvault authors. MIT License.
package bootstrap

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/keyspan/docvault/internal/canon"
	"github.com/keyspan/docvault/internal/cellcrypto"
	"github.com/keyspan/docvault/internal/dverr"
	"github.com/keyspan/docvault/pkg/adapter"
	"github.com/keyspan/docvault/pkg/cell"
)

// configID is the fixed adapter id the config blob lives under.
const configID = "config"

const configVersion = 1

// DefaultIterations is used by Init when the caller doesn't pick its own.
const DefaultIterations = 600_000

func configCtx(scope string) canon.Context {
	return canon.Context{"file": configID, "scope": scope}
}

// Config is the config blob's JSON shape exactly as it is persisted (the
// three key sub-blobs are ciphertext, not plaintext).
type Config struct {
	Version  int            `json:"version"`
	VaultID  string         `json:"vault_id"` // stamped once at Init, surfaced by docvault-inspect
	Password passwordFields `json:"password"`
	Cipher   string         `json:"cipher"` // base64 ciphertext of {"key": base64(32 bytes)}
	Auth     string         `json:"auth"`   // base64 ciphertext of {"key": base64(64 bytes)}
	Shards   string         `json:"shards"` // base64 ciphertext of {"key": string, "n": int}
}

type passwordFields struct {
	Salt       string `json:"salt"`
	Iterations int    `json:"iterations"`
}

// Bootstrap holds everything derived from a successful Open: the root AEAD
// cipher and HMAC verifier key every shard's KeySequenceCipher is built
// from, and the shard router's key/count.
type Bootstrap struct {
	VaultID     string
	RootCipher  *cellcrypto.StaticAEAD
	VerifierKey []byte
	ShardKey    string
	ShardCount  int
}

// Open reads the config blob from store, derives the root key from password
// via PBKDF2, decrypts the three sub-cells, and returns the key hierarchy.
// Fails KindMissing if no config blob exists yet (see Init), KindDecrypt
// if password is wrong (AES-GCM tag mismatch on any sub-cell).
func Open(ctx context.Context, store adapter.Store, password string) (*Bootstrap, error) {
	stored, err := store.Read(ctx, configID)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindAccess, "bootstrap.Open", err)
	}
	if stored == nil {
		return nil, dverr.New(dverr.KindMissing, "bootstrap.Open", "no config blob")
	}

	var cfg Config
	if err := json.Unmarshal([]byte(stored.Value), &cfg); err != nil {
		return nil, dverr.Wrap(dverr.KindCorrupt, "bootstrap.Open", err)
	}
	if cfg.Version != configVersion {
		return nil, dverr.New(dverr.KindConfig, "bootstrap.Open", "unsupported config version")
	}

	salt, err := base64.StdEncoding.DecodeString(cfg.Password.Salt)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindCorrupt, "bootstrap.Open", err)
	}
	passwordKey := cellcrypto.DeriveKey(password, salt, cfg.Password.Iterations)
	passwordCipher, err := cellcrypto.NewStaticAEAD(passwordKey)
	if err != nil {
		return nil, err
	}

	cipherKey, err := decryptKeyCell(ctx, passwordCipher, "cipher", cfg.Cipher, cellcrypto.KeySize)
	if err != nil {
		return nil, err
	}
	authKey, err := decryptKeyCell(ctx, passwordCipher, "auth", cfg.Auth, cellcrypto.HMACKeySize)
	if err != nil {
		return nil, err
	}
	shardKey, shardCount, err := decryptShardsCell(ctx, passwordCipher, cfg.Shards)
	if err != nil {
		return nil, err
	}

	rootCipher, err := cellcrypto.NewStaticAEAD(cipherKey)
	if err != nil {
		return nil, err
	}
	return &Bootstrap{
		VaultID:     cfg.VaultID,
		RootCipher:  rootCipher,
		VerifierKey: authKey,
		ShardKey:    shardKey,
		ShardCount:  shardCount,
	}, nil
}

func decryptKeyCell(ctx context.Context, passwordCipher cell.Cipher, scope, data string, wantLen int) ([]byte, error) {
	c := cell.New(passwordCipher, cell.JSONCodec{}, cell.WithContext(configCtx(scope)), cell.WithData(data))
	v, err := c.Get(ctx)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, dverr.New(dverr.KindCorrupt, "bootstrap.decryptKeyCell", "malformed "+scope+" cell")
	}
	keyB64, _ := m["key"].(string)
	raw, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindCorrupt, "bootstrap.decryptKeyCell", err)
	}
	if len(raw) != wantLen {
		return nil, dverr.New(dverr.KindCorrupt, "bootstrap.decryptKeyCell", scope+" key has wrong length")
	}
	return raw, nil
}

func decryptShardsCell(ctx context.Context, passwordCipher cell.Cipher, data string) (string, int, error) {
	c := cell.New(passwordCipher, cell.JSONCodec{}, cell.WithContext(configCtx("shards")), cell.WithData(data))
	v, err := c.Get(ctx)
	if err != nil {
		return "", 0, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return "", 0, dverr.New(dverr.KindCorrupt, "bootstrap.decryptShardsCell", "malformed shards cell")
	}
	key, _ := m["key"].(string)
	n, _ := m["n"].(float64)
	if key == "" || n <= 0 {
		return "", 0, dverr.New(dverr.KindCorrupt, "bootstrap.decryptShardsCell", "malformed shards cell")
	}
	return key, int(n), nil
}

// Init generates a brand-new key hierarchy, persists its encrypted config
// blob to store under id "config" (must not already exist), and returns the
// resulting Bootstrap. Used to provision a fresh vault; the core and the
// inspector CLI never call this (the CLI only calls Open).
func Init(ctx context.Context, store adapter.Store, password string, shardCount int) (*Bootstrap, error) {
	if shardCount <= 0 {
		return nil, dverr.New(dverr.KindConfig, "bootstrap.Init", "shardCount must be positive")
	}

	salt, err := cellcrypto.RandomBytes(16)
	if err != nil {
		return nil, err
	}
	passwordKey := cellcrypto.DeriveKey(password, salt, DefaultIterations)
	passwordCipher, err := cellcrypto.NewStaticAEAD(passwordKey)
	if err != nil {
		return nil, err
	}

	cipherKey, err := cellcrypto.RandomBytes(cellcrypto.KeySize)
	if err != nil {
		return nil, err
	}
	authKey, err := cellcrypto.RandomBytes(cellcrypto.HMACKeySize)
	if err != nil {
		return nil, err
	}
	shardKeyRaw, err := cellcrypto.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	shardKey := base64.StdEncoding.EncodeToString(shardKeyRaw)

	cipherBlob, err := encryptKeyCell(ctx, passwordCipher, "cipher", cipherKey)
	if err != nil {
		return nil, err
	}
	authBlob, err := encryptKeyCell(ctx, passwordCipher, "auth", authKey)
	if err != nil {
		return nil, err
	}
	shardsBlob, err := encryptShardsCell(ctx, passwordCipher, shardKey, shardCount)
	if err != nil {
		return nil, err
	}

	vaultID := uuid.New().String()
	cfg := Config{
		Version: configVersion,
		VaultID: vaultID,
		Password: passwordFields{
			Salt:       base64.StdEncoding.EncodeToString(salt),
			Iterations: DefaultIterations,
		},
		Cipher: cipherBlob,
		Auth:   authBlob,
		Shards: shardsBlob,
	}
	body, err := json.Marshal(cfg)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindCorrupt, "bootstrap.Init", err)
	}
	if _, err := store.Write(ctx, configID, string(body), ""); err != nil {
		return nil, err
	}

	rootCipher, err := cellcrypto.NewStaticAEAD(cipherKey)
	if err != nil {
		return nil, err
	}
	return &Bootstrap{
		VaultID:     vaultID,
		RootCipher:  rootCipher,
		VerifierKey: authKey,
		ShardKey:    shardKey,
		ShardCount:  shardCount,
	}, nil
}

func encryptKeyCell(ctx context.Context, passwordCipher cell.Cipher, scope string, key []byte) (string, error) {
	c := cell.New(passwordCipher, cell.JSONCodec{}, cell.WithContext(configCtx(scope)))
	c.Set(map[string]any{"key": base64.StdEncoding.EncodeToString(key)})
	return c.SerializeText(ctx)
}

func encryptShardsCell(ctx context.Context, passwordCipher cell.Cipher, key string, n int) (string, error) {
	c := cell.New(passwordCipher, cell.JSONCodec{}, cell.WithContext(configCtx("shards")))
	c.Set(map[string]any{"key": key, "n": n})
	return c.SerializeText(ctx)
}
