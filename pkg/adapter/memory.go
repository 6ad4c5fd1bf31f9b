package adapter

import (
	"context"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/keyspan/docvault/internal/dverr"
	"github.com/keyspan/docvault/internal/unsafehelpers"
)

// MemoryAdapter is an in-process Store backed by a map, for tests, examples,
// and single-process deployments. Revisions are the xxhash of id+value+prior
// revision, so two writes of identical content in a row still advance the
// token (the prior revision is folded in).
type MemoryAdapter struct {
	mu    sync.Mutex
	items map[string]Stored
}

// NewMemoryAdapter returns an empty MemoryAdapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{items: make(map[string]Stored)}
}

func (m *MemoryAdapter) Read(_ context.Context, id string) (*Stored, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	cp := s
	return &cp, nil
}

func (m *MemoryAdapter) Write(_ context.Context, id, value string, rev Revision) (Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.items[id]
	curRev := ""
	if exists {
		curRev = cur.Revision
	}
	if curRev != rev {
		return "", dverr.New(dverr.KindConflict, "adapter.MemoryAdapter.Write", "revision mismatch")
	}

	next := nextRevision(id, value, rev)
	m.items[id] = Stored{Value: value, Revision: next}
	return next, nil
}

func nextRevision(id, value string, prevRev Revision) Revision {
	h := xxhash.New()
	_, _ = h.Write(unsafehelpers.StringToBytes(id))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(unsafehelpers.StringToBytes(value))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(unsafehelpers.StringToBytes(prevRev))
	return strconv.FormatUint(h.Sum64(), 16)
}
