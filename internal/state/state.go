package state

import (
	"fmt"
	"sync"
	"time"

	"ofs/internal/model"
)

// Store abstracts the hybrid stock backend. Each write is atomic per key.
type Store interface {
	Get(key string) (model.HybridStockRecord, bool)
	// Put upserts a record after normalizing it so HybridStock == PrimaryStock + BackupStock.
	Put(rec model.HybridStockRecord) error
	// Adjust adds delta to the record's primary and hybrid stock once per token.
	// A token that was already applied leaves the record unchanged and reports applied=false.
	Adjust(key string, delta int64, token string) (applied bool, rec model.HybridStockRecord, err error)
	Range(fn func(key string, rec model.HybridStockRecord) error) error
	// LoadAll replaces every record with the snapshot and keeps applied adjustment tokens.
	LoadAll(all map[string]model.HybridStockRecord) error
}

// NowMillis returns the current time in epoch milliseconds. Split for testability.
var NowMillis = func() int64 { return time.Now().UTC().UnixMilli() }

// Normalize clamps negative figures and recomputes HybridStock.
func Normalize(rec model.HybridStockRecord) model.HybridStockRecord {
	if rec.PrimaryStock < 0 {
		rec.PrimaryStock = 0
	}
	if rec.BackupStock < 0 {
		rec.BackupStock = 0
	}
	rec.HybridStock = rec.PrimaryStock + rec.BackupStock
	return rec
}

// applyAdjust applies a compensation delta to cur, creating the record from key when absent.
func applyAdjust(key string, cur model.HybridStockRecord, found bool, delta int64) (model.HybridStockRecord, error) {
	if !found {
		storeID, sku, ok := model.ParseStockKey(key)
		if !ok {
			return model.HybridStockRecord{}, fmt.Errorf("invalid stock key %q", key)
		}
		cur = model.HybridStockRecord{StoreID: storeID, SKU: sku}
	}
	cur.PrimaryStock += delta
	cur.UpdatedAt = NowMillis()
	return Normalize(cur), nil
}

func markerKey(key, token string) string { return key + "|" + token }

// InMemoryStore is a simple thread-safe map store.
type InMemoryStore struct {
	mu       sync.RWMutex
	data     map[string]model.HybridStockRecord
	adjusted map[string]struct{}
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		data:     make(map[string]model.HybridStockRecord),
		adjusted: make(map[string]struct{}),
	}
}

// LoadAll replaces the records with the provided snapshot. Applied adjustment tokens are kept.
func (s *InMemoryStore) LoadAll(all map[string]model.HybridStockRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]model.HybridStockRecord, len(all))
	for k, v := range all {
		s.data[k] = Normalize(v)
	}
	return nil
}

func (s *InMemoryStore) Put(rec model.HybridStockRecord) error {
	if rec.StoreID == "" || rec.SKU == "" {
		return fmt.Errorf("hybrid record needs store and sku")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[rec.Key()] = Normalize(rec)
	return nil
}

func (s *InMemoryStore) Adjust(key string, delta int64, token string) (bool, model.HybridStockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, found := s.data[key]
	if _, done := s.adjusted[markerKey(key, token)]; done {
		return false, cur, nil
	}
	next, err := applyAdjust(key, cur, found, delta)
	if err != nil {
		return false, cur, err
	}
	s.data[key] = next
	s.adjusted[markerKey(key, token)] = struct{}{}
	return true, next, nil
}

func (s *InMemoryStore) Get(key string) (model.HybridStockRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[key]
	return rec, ok
}

func (s *InMemoryStore) Range(fn func(key string, rec model.HybridStockRecord) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.data {
		if err := fn(k, v); err != nil {
			return fmt.Errorf("range callback failed: %w", err)
		}
	}
	return nil
}
