package state

import (
	"testing"

	"github.com/cockroachdb/pebble"

	"ofs/internal/model"
)

func TestPebbleStore_PutAdjustGet(t *testing.T) {
	dir := t.TempDir()
	st, err := NewPebbleStore(dir)
	if err != nil {
		t.Fatalf("pebble open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.Put(model.HybridStockRecord{SKU: "A", StoreID: "S1", PrimaryStock: 2, BackupStock: 3}); err != nil {
		t.Fatalf("put: %v", err)
	}
	key := model.StockKey("S1", "A")
	applied, rec, err := st.Adjust(key, 3, "split-1/l1")
	if err != nil {
		t.Fatalf("adjust err: %v", err)
	}
	if !applied || rec.HybridStock != 8 {
		t.Fatalf("unexpected after adjust: %+v applied=%v", rec, applied)
	}

	// same token => idempotent skip
	applied, rec, err = st.Adjust(key, 3, "split-1/l1")
	if err != nil {
		t.Fatalf("adjust err: %v", err)
	}
	if applied || rec.HybridStock != 8 {
		t.Fatalf("should skip same token; got %+v applied=%v", rec, applied)
	}

	got, ok := st.Get(key)
	if !ok {
		t.Fatalf("missing key")
	}
	if got != rec {
		t.Fatalf("get mismatch: %v vs %v", got, rec)
	}
}

func TestPebbleStore_LoadAllAndRange(t *testing.T) {
	dir := t.TempDir()
	st, err := NewPebbleStore(dir)
	if err != nil {
		t.Fatalf("pebble open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	_, _, _ = st.Adjust(model.StockKey("S0", "Z"), 1, "tok")
	dump := map[string]model.HybridStockRecord{
		model.StockKey("S1", "A"): {SKU: "A", StoreID: "S1", PrimaryStock: 10},
		model.StockKey("S2", "B"): {SKU: "B", StoreID: "S2", PrimaryStock: 1, BackupStock: 1},
	}
	if err := st.LoadAll(dump); err != nil {
		t.Fatalf("load all: %v", err)
	}

	if rec, ok := st.Get(model.StockKey("S2", "B")); !ok || rec.HybridStock != 2 {
		t.Fatalf("bad S2: %+v ok=%v", rec, ok)
	}
	if _, ok := st.Get(model.StockKey("S0", "Z")); ok {
		t.Fatalf("record outside snapshot should be dropped")
	}

	// Range visits records only, never adjustment markers
	count := 0
	if err := st.Range(func(key string, rec model.HybridStockRecord) error { count++; return nil }); err != nil {
		t.Fatalf("range err: %v", err)
	}
	if count != 2 {
		t.Fatalf("range count=%d want=2", count)
	}
}

func TestPebbleStore_LoadAllReportsWriteFailure(t *testing.T) {
	dir := t.TempDir()
	st, err := NewPebbleStore(dir)
	if err != nil {
		t.Fatalf("pebble open: %v", err)
	}
	if err := st.Put(model.HybridStockRecord{SKU: "A", StoreID: "S1", PrimaryStock: 2}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err := pebble.Open(dir, &pebble.Options{ReadOnly: true})
	if err != nil {
		t.Fatalf("reopen read-only: %v", err)
	}
	ro := &PebbleStore{db: db}
	t.Cleanup(func() { _ = ro.Close() })

	err = ro.LoadAll(map[string]model.HybridStockRecord{
		model.StockKey("S9", "Z"): {SKU: "Z", StoreID: "S9", PrimaryStock: 1},
	})
	if err == nil {
		t.Fatalf("load into a read-only store must fail")
	}
	if rec, ok := ro.Get(model.StockKey("S1", "A")); !ok || rec.HybridStock != 2 {
		t.Fatalf("failed load must leave previous records: %+v", rec)
	}
}
