package state

import (
	"testing"

	"ofs/internal/model"
)

func TestBadgerStore_AdjustIdempotentAndRange(t *testing.T) {
	st, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("badger open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.Put(model.HybridStockRecord{SKU: "A", StoreID: "S1", PrimaryStock: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	key := model.StockKey("S1", "A")
	for i := 0; i < 3; i++ {
		if _, _, err := st.Adjust(key, 2, "split-7/l1"); err != nil {
			t.Fatalf("adjust: %v", err)
		}
	}
	rec, ok := st.Get(key)
	if !ok || rec.HybridStock != 3 {
		t.Fatalf("want hybrid 3 after one effective adjust, got %+v", rec)
	}

	keys := map[string]bool{}
	if err := st.Range(func(k string, _ model.HybridStockRecord) error { keys[k] = true; return nil }); err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(keys) != 1 || !keys[key] {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestBadgerStore_LoadAllReplacesRecords(t *testing.T) {
	st, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("badger open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	old := model.StockKey("S1", "A")
	if _, _, err := st.Adjust(old, 2, "tok"); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	err = st.LoadAll(map[string]model.HybridStockRecord{
		model.StockKey("S2", "B"): {SKU: "B", StoreID: "S2", PrimaryStock: 4, BackupStock: 1},
	})
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if _, ok := st.Get(old); ok {
		t.Fatalf("old record should be dropped")
	}
	if rec, ok := st.Get(model.StockKey("S2", "B")); !ok || rec.HybridStock != 5 {
		t.Fatalf("bad loaded record: %+v", rec)
	}
	if applied, _, _ := st.Adjust(old, 2, "tok"); applied {
		t.Fatalf("token should survive LoadAll")
	}
}
