package state

import (
	"errors"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"

	"ofs/internal/model"
)

const badgerConflictRetries = 5

// BadgerStore implements Store using BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(dir)).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Close() error { return b.db.Close() }

func getRecord(txn *badger.Txn, key []byte) (model.HybridStockRecord, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return model.HybridStockRecord{}, false, nil
	}
	if err != nil {
		return model.HybridStockRecord{}, false, err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return model.HybridStockRecord{}, false, err
	}
	rec, err := decodeRecord(v)
	if err != nil {
		return model.HybridStockRecord{}, false, err
	}
	return rec, true, nil
}

// update runs fn in a read-write transaction, retrying on optimistic conflicts.
func (b *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < badgerConflictRetries; i++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (b *BadgerStore) Put(rec model.HybridStockRecord) error {
	if rec.StoreID == "" || rec.SKU == "" {
		return fmt.Errorf("hybrid record needs store and sku")
	}
	bytes, err := encodeRecord(Normalize(rec))
	if err != nil {
		return err
	}
	return b.update(func(txn *badger.Txn) error {
		return txn.Set([]byte(recordPrefix+rec.Key()), bytes)
	})
}

func (b *BadgerStore) Adjust(key string, delta int64, token string) (bool, model.HybridStockRecord, error) {
	var applied bool
	var out model.HybridStockRecord
	err := b.update(func(txn *badger.Txn) error {
		applied = false
		cur, found, err := getRecord(txn, []byte(recordPrefix+key))
		if err != nil {
			return err
		}
		out = cur
		marker := []byte(markerPrefix + markerKey(key, token))
		if _, err := txn.Get(marker); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		next, err := applyAdjust(key, cur, found, delta)
		if err != nil {
			return err
		}
		bytes, err := encodeRecord(next)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(recordPrefix+key), bytes); err != nil {
			return err
		}
		if err := txn.Set(marker, []byte{1}); err != nil {
			return err
		}
		applied = true
		out = next
		return nil
	})
	return applied, out, err
}

func (b *BadgerStore) Get(key string) (model.HybridStockRecord, bool) {
	var rec model.HybridStockRecord
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		rec, found, err = getRecord(txn, []byte(recordPrefix+key))
		return err
	})
	if err != nil {
		return model.HybridStockRecord{}, false
	}
	return rec, found
}

func (b *BadgerStore) Range(fn func(key string, rec model.HybridStockRecord) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			k := string(item.KeyCopy(nil)[len(recordPrefix):])
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			if err := fn(k, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadAll replaces all hybrid records with the snapshot. Adjustment markers are kept.
func (b *BadgerStore) LoadAll(all map[string]model.HybridStockRecord) error {
	if err := b.db.DropPrefix([]byte(recordPrefix)); err != nil {
		return fmt.Errorf("badger drop records: %w", err)
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for k, rec := range all {
		bytes, err := encodeRecord(Normalize(rec))
		if err != nil {
			return fmt.Errorf("encode %s: %w", k, err)
		}
		if err := wb.Set([]byte(recordPrefix+k), bytes); err != nil {
			return fmt.Errorf("badger set %s: %w", k, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("badger flush load: %w", err)
	}
	return nil
}
