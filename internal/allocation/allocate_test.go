package allocation

import (
	"math/rand"
	"testing"

	"ofs/internal/model"
)

type grid map[string]map[string]int64 // store -> sku -> qty

func (g grid) qty(sku, storeID string) int64 { return g[storeID][sku] }

func stores(ids ...string) []model.Store {
	out := make([]model.Store, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Store{ID: id, Code: id, Status: model.StoreActive})
	}
	return out
}

func unitsAt(p Plan, storeID, sku string) int64 {
	var n int64
	for _, a := range p.Allocations {
		if a.Store.ID != storeID {
			continue
		}
		for _, l := range a.Lines {
			if l.SKU == sku {
				n += l.Quantity
			}
		}
	}
	return n
}

func TestAllocateIterative_HigherCoverageFirst(t *testing.T) {
	g := grid{"S1": {"SKU-1": 2}, "S2": {"SKU-1": 5}}
	items := []model.LineItem{{ID: "l1", SKU: "SKU-1", Quantity: 6}}
	p := AllocateIterative(items, stores("S1", "S2"), g.qty)

	if len(p.Allocations) != 2 {
		t.Fatalf("want 2 allocations, got %+v", p.Allocations)
	}
	if p.Allocations[0].Store.ID != "S2" || p.Allocations[0].Units() != 5 {
		t.Fatalf("S2 should be walked first with 5 units: %+v", p.Allocations[0])
	}
	if p.Allocations[1].Store.ID != "S1" || p.Allocations[1].Units() != 1 {
		t.Fatalf("S1 should cover the remaining unit: %+v", p.Allocations[1])
	}
	if len(p.Gaps) != 0 {
		t.Fatalf("unexpected gaps: %+v", p.Gaps)
	}
}

func TestAllocateIterative_TiesKeepCandidateOrder(t *testing.T) {
	g := grid{"A": {"X": 3}, "B": {"X": 3}}
	p := AllocateIterative([]model.LineItem{{ID: "l1", SKU: "X", Quantity: 3}}, stores("B", "A"), g.qty)
	if len(p.Allocations) != 1 || p.Allocations[0].Store.ID != "B" {
		t.Fatalf("tie should go to the first candidate: %+v", p.Allocations)
	}
}

func TestAllocateIterative_ReverseLineOrderOnSharedSKU(t *testing.T) {
	// two lines share a sku; the last line is served first at each store
	g := grid{"S1": {"X": 3}}
	items := []model.LineItem{
		{ID: "l1", SKU: "X", Quantity: 2},
		{ID: "l2", SKU: "X", Quantity: 2},
	}
	p := AllocateIterative(items, stores("S1"), g.qty)
	if len(p.Allocations) != 1 {
		t.Fatalf("want one allocation, got %+v", p.Allocations)
	}
	lines := p.Allocations[0].Lines
	if len(lines) != 2 || lines[0].LineItemID != "l1" || lines[0].Quantity != 1 || lines[1].Quantity != 2 {
		t.Fatalf("unexpected lines: %+v", lines)
	}
	if len(p.Gaps) != 1 || p.Gaps[0].LineItemID != "l1" || p.Gaps[0].Missing != 1 {
		t.Fatalf("unexpected gaps: %+v", p.Gaps)
	}
}

func TestAllocateIterative_SkipsStoresWithNothing(t *testing.T) {
	g := grid{"S1": {"X": 4}, "S2": {"Y": 9}}
	p := AllocateIterative([]model.LineItem{{ID: "l1", SKU: "X", Quantity: 2}}, stores("S1", "S2"), g.qty)
	if len(p.Allocations) != 1 || p.Allocations[0].Store.ID != "S1" {
		t.Fatalf("only S1 should get a split: %+v", p.Allocations)
	}
}

func TestAllocateSimple_ShortfallToBackup(t *testing.T) {
	g := grid{"P": {"X": 2}, "B": {"X": 10}}
	items := []model.LineItem{{ID: "l1", SKU: "X", Quantity: 5}}
	backup := model.Store{ID: "B", Code: "B", Status: model.StoreActive}
	p := AllocateSimple(items, stores("P")[0], &backup, g.qty)

	if unitsAt(p, "P", "X") != 2 || unitsAt(p, "B", "X") != 3 {
		t.Fatalf("want 2 at primary and 3 at backup: %+v", p.Allocations)
	}
	if len(p.Gaps) != 0 {
		t.Fatalf("unexpected gaps: %+v", p.Gaps)
	}
}

func TestAllocateSimple_BackupCapped(t *testing.T) {
	g := grid{"P": {"X": 1}, "B": {"X": 1}}
	backup := model.Store{ID: "B", Code: "B", Status: model.StoreActive}
	p := AllocateSimple([]model.LineItem{{ID: "l1", SKU: "X", Quantity: 5}}, stores("P")[0], &backup, g.qty)
	if p.MissingUnits() != 3 {
		t.Fatalf("want 3 missing, got %+v", p.Gaps)
	}
}

func TestAllocateSimple_PrimaryOnlyLeavesGap(t *testing.T) {
	g := grid{"P": {"X": 3}}
	p := AllocateSimple([]model.LineItem{{ID: "l1", SKU: "X", Quantity: 5}}, stores("P")[0], nil, g.qty)
	if len(p.Allocations) != 1 || p.Allocations[0].Units() != 3 {
		t.Fatalf("want one allocation of 3: %+v", p.Allocations)
	}
	if len(p.Gaps) != 1 || p.Gaps[0].Missing != 2 || p.Gaps[0].Allocated != 3 {
		t.Fatalf("want a gap of 2: %+v", p.Gaps)
	}
}

func TestAllocateManual_FullQuantity(t *testing.T) {
	p := AllocateManual([]model.LineItem{{ID: "l1", SKU: "X", Quantity: 5}, {ID: "l2", SKU: "Y", Quantity: 1}}, stores("M")[0])
	if len(p.Allocations) != 1 || p.Allocations[0].Units() != 6 {
		t.Fatalf("unexpected manual plan: %+v", p)
	}
}

func TestCoverage(t *testing.T) {
	g := grid{"S": {"X": 10, "Y": 1}}
	items := []model.LineItem{{SKU: "X", Quantity: 3}, {SKU: "Y", Quantity: 4}, {SKU: "Z", Quantity: 2}}
	if c := Coverage(items, "S", g.qty); c != 4 {
		t.Fatalf("want coverage 4, got %d", c)
	}
}

// Allocated quantity never exceeds what was requested, and equals it whenever
// the candidates hold enough stock in total.
func TestAllocate_CoverageSumProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	skus := []string{"A", "B", "C"}
	for round := 0; round < 500; round++ {
		ids := []string{"S1", "S2", "S3", "S4"}[:1+rng.Intn(4)]
		g := grid{}
		for _, id := range ids {
			g[id] = map[string]int64{}
			for _, sku := range skus {
				g[id][sku] = int64(rng.Intn(6))
			}
		}
		var items []model.LineItem
		for i := 0; i < 1+rng.Intn(4); i++ {
			items = append(items, model.LineItem{ID: string(rune('a' + i)), SKU: skus[rng.Intn(len(skus))], Quantity: int64(1 + rng.Intn(8))})
		}
		requested := map[string]int64{}
		for _, it := range items {
			requested[it.SKU] += it.Quantity
		}
		total := map[string]int64{}
		for _, id := range ids {
			for _, sku := range skus {
				total[sku] += g[id][sku]
			}
		}

		cands := stores(ids...)
		plans := map[string]Plan{
			"iterative": AllocateIterative(items, cands, g.qty),
			"simple":    AllocateSimple(items, cands[0], nil, g.qty),
		}
		if len(cands) > 1 {
			plans["backup"] = AllocateSimple(items, cands[0], &cands[1], g.qty)
		}
		for name, p := range plans {
			got := p.AllocatedBySKU()
			for sku, req := range requested {
				if got[sku] > req {
					t.Fatalf("round %d %s: %s allocated %d > requested %d", round, name, sku, got[sku], req)
				}
				if name == "iterative" && total[sku] >= req && got[sku] != req {
					t.Fatalf("round %d: %s allocated %d, want %d (stock %d)", round, sku, got[sku], req, total[sku])
				}
				if got[sku]+missingFor(p, sku) != req {
					t.Fatalf("round %d %s: allocated+missing != requested for %s", round, name, sku)
				}
			}
			for _, a := range p.Allocations {
				for _, l := range a.Lines {
					if l.Quantity <= 0 || l.StoreID != a.Store.ID {
						t.Fatalf("round %d %s: bad line %+v", round, name, l)
					}
				}
				for sku, n := range byStore(a) {
					if n > g[a.Store.ID][sku] {
						t.Fatalf("round %d %s: store %s over-booked %s", round, name, a.Store.ID, sku)
					}
				}
			}
		}
	}
}

func missingFor(p Plan, sku string) int64 {
	var n int64
	for _, g := range p.Gaps {
		if g.SKU == sku {
			n += g.Missing
		}
	}
	return n
}

func byStore(a Allocation) map[string]int64 {
	out := map[string]int64{}
	for _, l := range a.Lines {
		out[l.SKU] += l.Quantity
	}
	return out
}

func TestParseStrategy(t *testing.T) {
	if s, err := ParseStrategy("primary-with-backup"); err != nil || s != StrategyPrimaryWithBackup {
		t.Fatalf("parse: %v %v", s, err)
	}
	if _, err := ParseStrategy("nearest"); err == nil {
		t.Fatalf("want error for unknown strategy")
	}
	if !StrategyHighestInventory.Iterative() || StrategyPrimary.Iterative() {
		t.Fatalf("iterative classification wrong")
	}
}
