package adapter

import (
	"context"
	"errors"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/keyspan/docvault/internal/dverr"
	"github.com/keyspan/docvault/internal/unsafehelpers"
)

// FileAdapter is a Store backed by an embedded BadgerDB, for single-node
// on-disk deployments. Each id occupies two Badger keys, "v:"+id and
// "r:"+id, written together inside one transaction so a reader never
// observes a value without its matching revision.
type FileAdapter struct {
	db *badger.DB
}

// OpenFileAdapter opens (creating if absent) a Badger store at dir.
func OpenFileAdapter(dir string) (*FileAdapter, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, dverr.Wrap(dverr.KindAccess, "adapter.OpenFileAdapter", err)
	}
	return &FileAdapter{db: db}, nil
}

// Close releases the underlying Badger handle.
func (f *FileAdapter) Close() error {
	return f.db.Close()
}

func valueKey(id string) []byte { return append([]byte("v:"), id...) }
func revKey(id string) []byte   { return append([]byte("r:"), id...) }

func (f *FileAdapter) Read(_ context.Context, id string) (*Stored, error) {
	var out Stored
	err := f.db.View(func(txn *badger.Txn) error {
		vItem, err := txn.Get(valueKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return badger.ErrKeyNotFound
		}
		if err != nil {
			return err
		}
		rItem, err := txn.Get(revKey(id))
		if err != nil {
			return err
		}
		return vItem.Value(func(v []byte) error {
			out.Value = string(v)
			return rItem.Value(func(r []byte) error {
				out.Revision = string(r)
				return nil
			})
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dverr.Wrap(dverr.KindAccess, "adapter.FileAdapter.Read", err)
	}
	return &out, nil
}

func (f *FileAdapter) Write(_ context.Context, id, value string, rev Revision) (Revision, error) {
	next := nextRevision(id, value, rev)
	err := f.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(revKey(id))
		curRev := ""
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			// curRev stays ""
		case err != nil:
			return err
		default:
			if curRev, err = readString(item); err != nil {
				return err
			}
		}
		if curRev != rev {
			return errConflict
		}
		if err := txn.Set(valueKey(id), unsafehelpers.StringToBytes(value)); err != nil {
			return err
		}
		return txn.Set(revKey(id), unsafehelpers.StringToBytes(next))
	})
	if errors.Is(err, errConflict) {
		return "", dverr.New(dverr.KindConflict, "adapter.FileAdapter.Write", "revision mismatch")
	}
	if err != nil {
		return "", dverr.Wrap(dverr.KindAccess, "adapter.FileAdapter.Write", err)
	}
	return next, nil
}

func readString(item *badger.Item) (string, error) {
	var s string
	err := item.Value(func(v []byte) error {
		s = string(v)
		return nil
	})
	return s, err
}

var errConflict = errors.New("adapter: revision conflict")
