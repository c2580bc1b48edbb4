package state

import (
	"testing"

	"ofs/internal/model"
)

func TestPut_NormalizesHybrid(t *testing.T) {
	s := NewInMemoryStore()
	if err := s.Put(model.HybridStockRecord{SKU: "A", StoreID: "S1", PrimaryStock: 3, BackupStock: 4, HybridStock: 99}); err != nil {
		t.Fatalf("put: %v", err)
	}
	rec, ok := s.Get(model.StockKey("S1", "A"))
	if !ok {
		t.Fatalf("missing record")
	}
	if rec.HybridStock != 7 {
		t.Fatalf("hybrid must equal primary+backup, got %+v", rec)
	}

	if err := s.Put(model.HybridStockRecord{SKU: "B", StoreID: "S1", PrimaryStock: -3}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if rec, _ := s.Get(model.StockKey("S1", "B")); rec.HybridStock != 0 || rec.PrimaryStock != 0 {
		t.Fatalf("negative stock must clamp to zero: %+v", rec)
	}

	if err := s.Put(model.HybridStockRecord{SKU: "A"}); err == nil {
		t.Fatalf("expected error for missing store")
	}
}

func TestAdjust_TokenRules(t *testing.T) {
	s := NewInMemoryStore()
	key := model.StockKey("S1", "A")
	_ = s.Put(model.HybridStockRecord{SKU: "A", StoreID: "S1", PrimaryStock: 2, BackupStock: 1})

	applied, rec, err := s.Adjust(key, 3, "split-1/l1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !applied || rec.HybridStock != 6 || rec.PrimaryStock != 5 {
		t.Fatalf("unexpected state after first adjust: %+v applied=%v", rec, applied)
	}

	// Same token must not apply twice
	applied, rec, err = s.Adjust(key, 3, "split-1/l1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied || rec.HybridStock != 6 {
		t.Fatalf("state should be unchanged: %+v applied=%v", rec, applied)
	}

	// Different token applies
	applied, rec, _ = s.Adjust(key, 1, "split-2/l1")
	if !applied || rec.HybridStock != 7 {
		t.Fatalf("second token should apply: %+v", rec)
	}
}

func TestAdjust_CreatesMissingRecord(t *testing.T) {
	s := NewInMemoryStore()
	applied, rec, err := s.Adjust(model.StockKey("S9", "Z"), 4, "t")
	if err != nil || !applied {
		t.Fatalf("adjust failed: %v applied=%v", err, applied)
	}
	if rec.StoreID != "S9" || rec.SKU != "Z" || rec.HybridStock != 4 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if _, _, err := s.Adjust("bad-key", 1, "t"); err == nil {
		t.Fatalf("expected error for malformed key")
	}
}

func TestLoadAll_ReplacesRecordsKeepsTokens(t *testing.T) {
	s := NewInMemoryStore()
	key := model.StockKey("S1", "A")
	_, _, _ = s.Adjust(key, 2, "tok")
	err := s.LoadAll(map[string]model.HybridStockRecord{
		model.StockKey("S2", "B"): {SKU: "B", StoreID: "S2", PrimaryStock: 5},
	})
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if _, ok := s.Get(key); ok {
		t.Fatalf("old record should be gone")
	}
	if rec, ok := s.Get(model.StockKey("S2", "B")); !ok || rec.HybridStock != 5 {
		t.Fatalf("bad loaded record: %+v", rec)
	}
	if applied, _, _ := s.Adjust(key, 2, "tok"); applied {
		t.Fatalf("token should survive LoadAll")
	}
}
