// Package shard implements the Shard cryptographic container: an encrypted
// ordered map from NFC-normalised path strings to Cells, each encrypted under
// its KeySequenceCipher (whose own key/counter state is HMAC-signed), and fronted by a fair read/write lock so
// concurrent list/get calls never race a concurrent link/unlink/put/rm.
//
// © 2025 docvault authors. MIT License.
package shard

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/keyspan/docvault/internal/asynclock"
	"github.com/keyspan/docvault/internal/canon"
	"github.com/keyspan/docvault/internal/cellcrypto"
	"github.com/keyspan/docvault/internal/docpath"
	"github.com/keyspan/docvault/internal/dverr"
	"github.com/keyspan/docvault/pkg/cell"
	"github.com/keyspan/docvault/pkg/counter"
	"github.com/keyspan/docvault/pkg/keyseq"
)

const blobVersion = 1

// header is line 0 of a shard blob.
type header struct {
	Version int                `json:"version"`
	Tag     string             `json:"tag"`
	Cipher  *keyseq.Serialized `json:"cipher"`
}

// Shard is the in-memory state of one encrypted shard: an ordered map from
// path to Cell, backed by a single KeySequenceCipher and guarded by a fair
// read/write lock (internal/asynclock).
type Shard struct {
	id     string
	keyseq *keyseq.KeySequenceCipher
	lock   *asynclock.RWMutex

	tag       []byte
	indexCell *cell.Cell

	paths []string
	items []*cell.Cell

	modified   bool
	cachedBlob []byte
}

func shardCtx(id string) canon.Context {
	return canon.Context{"file": id}
}

func indexCtx(id string) canon.Context {
	return canon.Context{"file": id, "scope": "index"}
}

func itemCtx(id, path string) canon.Context {
	return canon.Context{"file": id, "scope": "items", "path": path}
}

// NewKeySequenceCipher builds the KeySequenceCipher a brand-new shard id
// needs, bound to that shard's AAD context. Exposed so callers that create
// shards lazily (pkg/shardcache, on a cache miss) don't have to duplicate
// shardCtx's shape.
func NewKeySequenceCipher(id string, parent cell.Cipher, verifierKey []byte, opts ...keyseq.Option) (*keyseq.KeySequenceCipher, error) {
	return keyseq.New(parent, verifierKey, shardCtx(id), opts...)
}

// New constructs an empty shard bound to id and ks.
func New(id string, ks *keyseq.KeySequenceCipher) (*Shard, error) {
	tag, err := cellcrypto.RandomBytes(8)
	if err != nil {
		return nil, err
	}
	s := &Shard{
		id:       id,
		keyseq:   ks,
		lock:     asynclock.NewRWMutex(),
		tag:      tag,
		modified: true,
	}
	s.indexCell = cell.New(ks, cell.JSONCodec{}, cell.WithContext(indexCtx(id)))
	return s, nil
}

// Parse decodes a shard blob produced by Serialize. The KeySequenceCipher's
// MAC is verified under the context {"file": id}, so a blob parsed under a
// different id fails KindAuthFailed.
func Parse(ctx context.Context, id string, blob []byte, parent cell.Cipher, verifierKey []byte) (*Shard, error) {
	lines := strings.Split(string(blob), "\n")
	if len(lines) < 2 {
		return nil, dverr.New(dverr.KindCorrupt, "shard.Parse", "blob too short")
	}

	var hdr header
	if err := json.Unmarshal([]byte(lines[0]), &hdr); err != nil {
		return nil, dverr.Wrap(dverr.KindCorrupt, "shard.Parse", err)
	}
	if hdr.Version != blobVersion {
		return nil, dverr.New(dverr.KindCorrupt, "shard.Parse", "unsupported shard version")
	}
	tag, err := base64.StdEncoding.DecodeString(hdr.Tag)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindCorrupt, "shard.Parse", err)
	}

	ks, err := keyseq.Parse(hdr.Cipher, parent, verifierKey, shardCtx(id))
	if err != nil {
		return nil, err
	}

	indexCell := cell.New(ks, cell.JSONCodec{}, cell.WithContext(indexCtx(id)), cell.WithData(lines[1]))
	pathsAny, err := indexCell.Get(ctx)
	if err != nil {
		return nil, err
	}
	paths, err := toStringSlice(pathsAny)
	if err != nil {
		return nil, err
	}

	if len(lines) != 2+len(paths) {
		return nil, dverr.New(dverr.KindCorrupt, "shard.Parse", "item line count does not match index")
	}

	items := make([]*cell.Cell, len(paths))
	for i, p := range paths {
		items[i] = cell.New(ks, cell.JSONCodec{}, cell.WithContext(itemCtx(id, p)), cell.WithData(lines[2+i]))
	}

	return &Shard{
		id:         id,
		keyseq:     ks,
		lock:       asynclock.NewRWMutex(),
		tag:        tag,
		indexCell:  indexCell,
		paths:      paths,
		items:      items,
		modified:   false,
		cachedBlob: blob,
	}, nil
}

func toStringSlice(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, dverr.New(dverr.KindCorrupt, "shard.toStringSlice", "expected array document")
	}
	out := make([]string, len(arr))
	for i, e := range arr {
		s, ok := e.(string)
		if !ok {
			return nil, dverr.New(dverr.KindCorrupt, "shard.toStringSlice", "expected string element")
		}
		out[i] = s
	}
	return out, nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func deepClone(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// findLocked returns the index of path in s.paths, or -1. Caller must hold a
// lock (read or write).
func (s *Shard) findLocked(path string) int {
	i := sort.SearchStrings(s.paths, path)
	if i < len(s.paths) && s.paths[i] == path {
		return i
	}
	return -1
}

func (s *Shard) insertLocked(i int, path string, c *cell.Cell) {
	s.paths = append(s.paths, "")
	copy(s.paths[i+1:], s.paths[i:])
	s.paths[i] = path

	s.items = append(s.items, nil)
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = c

	s.modified = true
}

func (s *Shard) removeLocked(i int) {
	s.paths = append(s.paths[:i], s.paths[i+1:]...)
	s.items = append(s.items[:i], s.items[i+1:]...)
	s.modified = true
}

// List returns a deep clone of the directory listing stored at path, or nil
// if path has no entry.
func (s *Shard) List(ctx context.Context, path string) ([]string, error) {
	np, err := docpath.Normalize(path)
	if err != nil {
		return nil, err
	}
	if err := s.lock.RLock(ctx); err != nil {
		return nil, err
	}
	defer s.lock.RUnlock()

	names, err := s.listShared(ctx, np)
	if err != nil || names == nil {
		return names, err
	}
	out := make([]string, len(names))
	copy(out, names)
	return out, nil
}

// listShared returns the live (uncloned) listing at path. Caller must hold
// the lock (read or write) and must not mutate the result.
func (s *Shard) listShared(ctx context.Context, path string) ([]string, error) {
	i := s.findLocked(path)
	if i < 0 {
		return nil, nil
	}
	v, err := s.items[i].Get(ctx)
	if err != nil {
		return nil, err
	}
	return toStringSlice(v)
}

// Link binary-search-inserts name into the listing at path, creating the
// listing if it does not yet exist.
func (s *Shard) Link(ctx context.Context, path, name string) error {
	np, err := docpath.Normalize(path)
	if err != nil {
		return err
	}
	if err := s.lock.Lock(ctx); err != nil {
		return err
	}
	defer s.lock.Unlock()

	i := s.findLocked(np)
	if i < 0 {
		c := cell.New(s.keyseq, cell.JSONCodec{}, cell.WithContext(itemCtx(s.id, np)))
		c.Set(toAnySlice([]string{name}))
		s.insertLocked(sort.SearchStrings(s.paths, np), np, c)
		return nil
	}

	names, err := s.listShared(ctx, np)
	if err != nil {
		return err
	}
	j := sort.SearchStrings(names, name)
	if j < len(names) && names[j] == name {
		return nil
	}
	next := make([]string, len(names)+1)
	copy(next, names[:j])
	next[j] = name
	copy(next[j+1:], names[j:])
	s.items[i].Set(toAnySlice(next))
	s.modified = true
	return nil
}

// Unlink removes name from the listing at path. If the listing becomes
// empty, the entry is removed entirely.
func (s *Shard) Unlink(ctx context.Context, path, name string) error {
	np, err := docpath.Normalize(path)
	if err != nil {
		return err
	}
	if err := s.lock.Lock(ctx); err != nil {
		return err
	}
	defer s.lock.Unlock()

	i := s.findLocked(np)
	if i < 0 {
		return nil
	}
	names, err := s.listShared(ctx, np)
	if err != nil {
		return err
	}
	j := sort.SearchStrings(names, name)
	if j >= len(names) || names[j] != name {
		return nil
	}
	next := append(names[:j:j], names[j+1:]...)
	if len(next) == 0 {
		s.removeLocked(i)
		return nil
	}
	s.items[i].Set(toAnySlice(next))
	s.modified = true
	return nil
}

// Get returns a deep clone of the document at path, or nil if absent.
func (s *Shard) Get(ctx context.Context, path string) (any, error) {
	np, err := docpath.Normalize(path)
	if err != nil {
		return nil, err
	}
	if err := s.lock.RLock(ctx); err != nil {
		return nil, err
	}
	defer s.lock.RUnlock()

	i := s.findLocked(np)
	if i < 0 {
		return nil, nil
	}
	v, err := s.items[i].Get(ctx)
	if err != nil {
		return nil, err
	}
	return deepClone(v), nil
}

// Put upserts the document at path: the new value is fn(clone(current)),
// where current is nil if the path has no entry yet.
func (s *Shard) Put(ctx context.Context, path string, fn func(any) (any, error)) error {
	np, err := docpath.Normalize(path)
	if err != nil {
		return err
	}
	if err := s.lock.Lock(ctx); err != nil {
		return err
	}
	defer s.lock.Unlock()

	i := s.findLocked(np)
	if i >= 0 {
		if err := s.items[i].Update(ctx, func(cur any) (any, error) {
			return fn(deepClone(cur))
		}); err != nil {
			return err
		}
		s.modified = true
		return nil
	}

	next, err := fn(nil)
	if err != nil {
		return err
	}
	c := cell.New(s.keyseq, cell.JSONCodec{}, cell.WithContext(itemCtx(s.id, np)))
	c.Set(next)
	s.insertLocked(sort.SearchStrings(s.paths, np), np, c)
	return nil
}

// Rm removes the entry at path if present.
func (s *Shard) Rm(ctx context.Context, path string) error {
	np, err := docpath.Normalize(path)
	if err != nil {
		return err
	}
	if err := s.lock.Lock(ctx); err != nil {
		return err
	}
	defer s.lock.Unlock()

	if i := s.findLocked(np); i >= 0 {
		s.removeLocked(i)
	}
	return nil
}

// Size returns the number of entries currently held.
func (s *Shard) Size(ctx context.Context) (int, error) {
	if err := s.lock.RLock(ctx); err != nil {
		return 0, err
	}
	defer s.lock.RUnlock()
	return len(s.paths), nil
}

// GetCounters returns the shard's key-usage counter bag.
func (s *Shard) GetCounters(ctx context.Context) (*counter.Bag, error) {
	if err := s.lock.RLock(ctx); err != nil {
		return nil, err
	}
	defer s.lock.RUnlock()
	return s.keyseq.GetCounters(), nil
}

// Serialize renders the shard to its blob form (header line, index line,
// item lines in index order). Takes only a read lock, since it mutates
// nothing logically; if nothing changed since the last Serialize, the exact
// previous bytes are returned.
func (s *Shard) Serialize(ctx context.Context) ([]byte, error) {
	if err := s.lock.RLock(ctx); err != nil {
		return nil, err
	}
	defer s.lock.RUnlock()

	if !s.modified && s.cachedBlob != nil {
		return s.cachedBlob, nil
	}

	s.indexCell.Set(toAnySlice(s.paths))
	idxText, err := s.indexCell.SerializeText(ctx)
	if err != nil {
		return nil, err
	}

	ksSer, err := s.keyseq.Serialize(ctx)
	if err != nil {
		return nil, err
	}
	hdr := header{
		Version: blobVersion,
		Tag:     base64.StdEncoding.EncodeToString(s.tag),
		Cipher:  ksSer,
	}
	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return nil, dverr.Wrap(dverr.KindCorrupt, "shard.Serialize", err)
	}

	lines := make([]string, 0, 2+len(s.items))
	lines = append(lines, string(hdrBytes), idxText)
	for i, it := range s.items {
		txt, err := it.SerializeText(ctx)
		if err != nil {
			return nil, dverr.Wrap(dverr.KindCorrupt, "shard.Serialize", fmt.Errorf("item %d: %w", i, err))
		}
		lines = append(lines, txt)
	}

	blob := []byte(strings.Join(lines, "\n"))
	s.cachedBlob = blob
	s.modified = false
	return blob, nil
}

// ID returns the shard's id.
func (s *Shard) ID() string { return s.id }
