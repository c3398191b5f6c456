package blockstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/noosphere/sphereengine/pkg/codec"
	"github.com/noosphere/sphereengine/pkg/errutil"
)

// badgerBackend is the local persistent Backend, embedding badger as the
// on-disk key-value engine (badger's own SSI transactions give us the
// linearizable CompareAndSwap the sphere tip advance needs for free).
type badgerBackend struct {
	db *badger.DB
}

// NewBadger opens (creating if necessary) a persistent Backend rooted at
// dir, holding both the block namespace and the key-value indices.
func NewBadger(dir string) (Backend, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errutil.Wrap(errutil.Backend, err, "open badger store at "+dir)
	}
	return &badgerBackend{db: db}, nil
}

func blockKey(c codec.CID) []byte {
	return append([]byte("blk/"), c.Bytes()...)
}

func kvKey(ns, key string) []byte {
	return []byte("kv/" + ns + "/" + key)
}

var errCASConflict = errors.New("blockstore: cas value mismatch")

func (b *badgerBackend) Put(_ context.Context, data []byte) (codec.CID, error) {
	c, err := codec.CIDOf(data)
	if err != nil {
		return codec.Undef, errutil.Wrap(errutil.Backend, err, "compute cid")
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		_, getErr := txn.Get(blockKey(c))
		if getErr == nil {
			return nil // already present, idempotent no-op
		}
		if !errors.Is(getErr, badger.ErrKeyNotFound) {
			return getErr
		}
		return txn.Set(blockKey(c), data)
	})
	if err != nil {
		return codec.Undef, errutil.Wrap(errutil.Backend, err, "put block")
	}
	return c, nil
}

func (b *badgerBackend) Get(_ context.Context, c codec.CID) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(c))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errutil.New(errutil.NotFound, "block "+c.String()+" not found")
	}
	if err != nil {
		return nil, errutil.Wrap(errutil.Backend, err, "get block")
	}
	got, err := codec.CIDOf(data)
	if err != nil {
		return nil, errutil.Wrap(errutil.Backend, err, "verify cid")
	}
	if got != c {
		return nil, errutil.New(errutil.Corruption, "block "+c.String()+" failed hash verification")
	}
	return data, nil
}

func (b *badgerBackend) Has(_ context.Context, c codec.CID) (bool, error) {
	var has bool
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(blockKey(c))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		has = true
		return nil
	})
	if err != nil {
		return false, errutil.Wrap(errutil.Backend, err, "has block")
	}
	return has, nil
}

func (b *badgerBackend) Remove(_ context.Context, c codec.CID) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(blockKey(c))
	})
	if err != nil {
		return errutil.Wrap(errutil.Backend, err, "remove block")
	}
	return nil
}

func (b *badgerBackend) Set(_ context.Context, ns, key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(kvKey(ns, key), value)
	})
	if err != nil {
		return errutil.Wrap(errutil.Backend, err, "set kv")
	}
	return nil
}

func (b *badgerBackend) GetKV(_ context.Context, ns, key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(kvKey(ns, key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errutil.New(errutil.NotFound, fmt.Sprintf("key %s/%s not found", ns, key))
	}
	if err != nil {
		return nil, errutil.Wrap(errutil.Backend, err, "get kv")
	}
	return data, nil
}

func (b *badgerBackend) Delete(_ context.Context, ns, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(kvKey(ns, key))
	})
	if err != nil {
		return errutil.Wrap(errutil.Backend, err, "delete kv")
	}
	return nil
}

// CompareAndSwap relies on badger's optimistic (SSI) transaction conflict
// detection: the read-then-write happens inside one txn, so a concurrent
// CompareAndSwap on the same key causes one of the two Update calls to fail
// its commit with badger.ErrConflict, which this method maps to
// swapped=false rather than an error, exactly the "loser retries on the
// new tip" contract the save path requires.
func (b *badgerBackend) CompareAndSwap(_ context.Context, ns, key string, oldValue, newValue []byte) (bool, error) {
	k := kvKey(ns, key)
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		var current []byte
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			current = nil
		case err != nil:
			return err
		default:
			current, err = item.ValueCopy(nil)
			if err != nil {
				return err
			}
		}
		if !bytes.Equal(current, oldValue) {
			return errCASConflict
		}
		return txn.Set(k, newValue)
	})
	if errors.Is(err, errCASConflict) || errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, errutil.Wrap(errutil.Backend, err, "compare-and-swap")
	}
	return true, nil
}

func (b *badgerBackend) Close() error {
	if err := b.db.Close(); err != nil {
		return errutil.Wrap(errutil.Backend, err, "close badger store")
	}
	return nil
}
