package restore

import (
	"path/filepath"
	"testing"

	"ofs/internal/changelog"
	"ofs/internal/manifest"
	"ofs/internal/model"
	"ofs/internal/snapshot"
	"ofs/internal/state"
)

// snapshot -> manifest -> changelog -> RestoreAndReplay -> final state
func TestIntegration_RestoreAndReplay_EndToEnd(t *testing.T) {
	base := t.TempDir()
	clDir := filepath.Join(base, "changelog")
	cl, err := changelog.NewFileWriter(clDir, "hybrid.jsonl")
	if err != nil {
		t.Fatalf("changelog: %v", err)
	}

	prep := state.NewInMemoryStore()
	a := model.HybridStockRecord{SKU: "A", StoreID: "S1", PrimaryStock: 5, BackupStock: 1, UpdatedAt: 10}
	b := model.HybridStockRecord{SKU: "B", StoreID: "S1", PrimaryStock: 2, UpdatedAt: 10}
	for _, rec := range []model.HybridStockRecord{a, b} {
		if err := prep.Put(rec); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := cl.Append(changelog.SetDelta(state.Normalize(rec))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	snap := snapshot.NewFilesystemSnapshotter(base)
	sid := "sid-int"
	n, err := snap.WriteSnapshot(sid, prep)
	if err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	mf := manifest.NewFilesystemManifest(base)
	if err := mf.Publish(manifest.Manifest{SnapshotID: sid, LastChangelogOffset: 2, Records: n}); err != nil {
		t.Fatalf("publish manifest: %v", err)
	}

	// after the snapshot: a feed update for B, a compensation on A, and a retried compensation
	_ = cl.Append(changelog.SetDelta(model.HybridStockRecord{SKU: "B", StoreID: "S1", PrimaryStock: 7, HybridStock: 7, UpdatedAt: 20}))
	_ = cl.Append(changelog.AdjustDelta("S1#A", 2, "1001-S1/l1", 21))
	_ = cl.Append(changelog.AdjustDelta("S1#A", 2, "1001-S1/l1", 22))
	_ = cl.Append(changelog.AdjustDelta("S2#C", 1, "1001-S2/l2", 23))

	st := state.NewInMemoryStore()
	r := NewRestorer(st, mf, base, cl.Path(), nil)
	res, err := r.RestoreAndReplay()
	if err != nil {
		t.Fatalf("RestoreAndReplay: %v", err)
	}

	ka, _ := st.Get("S1#A")
	if ka.PrimaryStock != 7 || ka.HybridStock != 8 {
		t.Fatalf("A unexpected: %+v", ka)
	}
	kb, _ := st.Get("S1#B")
	if kb.HybridStock != 7 {
		t.Fatalf("B unexpected: %+v", kb)
	}
	kc, ok := st.Get("S2#C")
	if !ok || kc.HybridStock != 1 {
		t.Fatalf("C unexpected: %+v", kc)
	}
	if res.Applied != 3 || res.Skipped != 1 {
		t.Fatalf("result unexpected: %+v", res)
	}
}
