package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"ofs/internal/model"
)

const (
	recordPrefix = "hs/"
	markerPrefix = "adj/"
)

// PebbleStore implements Store using PebbleDB.
type PebbleStore struct {
	db *pebble.DB
	// serializes read-modify-write on records; pebble has no row locks
	mu sync.Mutex
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	opts := &pebble.Options{
		MemTableSize:             64 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    4,
		L0StopWritesThreshold:    8,
		WALBytesPerSync:          1 << 20,
		WALMinSyncInterval:       func() time.Duration { return 0 },
	}
	d, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleStore{db: d}, nil
}

func (p *PebbleStore) Close() error { return p.db.Close() }

func encodeRecord(rec model.HybridStockRecord) ([]byte, error) { return json.Marshal(rec) }
func decodeRecord(val []byte) (model.HybridStockRecord, error) {
	var rec model.HybridStockRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return model.HybridStockRecord{}, err
	}
	return rec, nil
}

func (p *PebbleStore) read(key []byte) (model.HybridStockRecord, bool, error) {
	v, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return model.HybridStockRecord{}, false, nil
	}
	if err != nil {
		return model.HybridStockRecord{}, false, err
	}
	defer closer.Close()
	rec, err := decodeRecord(v)
	if err != nil {
		return model.HybridStockRecord{}, false, err
	}
	return rec, true, nil
}

func (p *PebbleStore) Put(rec model.HybridStockRecord) error {
	if rec.StoreID == "" || rec.SKU == "" {
		return fmt.Errorf("hybrid record needs store and sku")
	}
	b, err := encodeRecord(Normalize(rec))
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.db.Set([]byte(recordPrefix+rec.Key()), b, pebble.NoSync)
}

func (p *PebbleStore) Adjust(key string, delta int64, token string) (bool, model.HybridStockRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, found, err := p.read([]byte(recordPrefix + key))
	if err != nil {
		return false, model.HybridStockRecord{}, err
	}
	marker := []byte(markerPrefix + markerKey(key, token))
	_, closer, err := p.db.Get(marker)
	if err == nil {
		_ = closer.Close()
		return false, cur, nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return false, cur, err
	}
	next, err := applyAdjust(key, cur, found, delta)
	if err != nil {
		return false, cur, err
	}
	b, err := encodeRecord(next)
	if err != nil {
		return false, cur, err
	}
	// record and marker land in one batch so a retried token is never applied twice
	wb := p.db.NewBatch()
	defer wb.Close()
	if err := wb.Set([]byte(recordPrefix+key), b, nil); err != nil {
		return false, cur, err
	}
	if err := wb.Set(marker, []byte{1}, nil); err != nil {
		return false, cur, err
	}
	if err := wb.Commit(pebble.Sync); err != nil {
		return false, cur, err
	}
	return true, next, nil
}

func (p *PebbleStore) Get(key string) (model.HybridStockRecord, bool) {
	rec, ok, err := p.read([]byte(recordPrefix + key))
	if err != nil {
		return model.HybridStockRecord{}, false
	}
	return rec, ok
}

func prefixBounds(prefix string) *pebble.IterOptions {
	upper := []byte(prefix)
	upper[len(upper)-1]++
	return &pebble.IterOptions{LowerBound: []byte(prefix), UpperBound: upper}
}

func (p *PebbleStore) Range(fn func(key string, rec model.HybridStockRecord) error) error {
	it, err := p.db.NewIter(prefixBounds(recordPrefix))
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		k := string(it.Key()[len(recordPrefix):])
		rec, err := decodeRecord(append([]byte(nil), it.Value()...))
		if err != nil {
			return err
		}
		if err := fn(k, rec); err != nil {
			return err
		}
	}
	return nil
}

// LoadAll replaces all hybrid records with the snapshot. Adjustment markers are kept.
// The whole load is one batch, so a failure leaves the previous records in place.
func (p *PebbleStore) LoadAll(all map[string]model.HybridStockRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	wb := p.db.NewBatch()
	defer wb.Close()
	bounds := prefixBounds(recordPrefix)
	if err := wb.DeleteRange(bounds.LowerBound, bounds.UpperBound, nil); err != nil {
		return fmt.Errorf("pebble clear records: %w", err)
	}
	for k, rec := range all {
		b, err := encodeRecord(Normalize(rec))
		if err != nil {
			return fmt.Errorf("encode %s: %w", k, err)
		}
		if err := wb.Set([]byte(recordPrefix+k), b, nil); err != nil {
			return fmt.Errorf("pebble set %s: %w", k, err)
		}
	}
	if err := wb.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble commit load: %w", err)
	}
	return nil
}
