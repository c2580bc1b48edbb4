// Package allocation partitions an order's line items across stores.
package allocation

import (
	"fmt"
	"sort"

	"ofs/internal/model"
)

// Strategy selects how candidate stores are resolved and how quantities are split.
type Strategy string

const (
	StrategyManual            Strategy = "manual"
	StrategyPrimary           Strategy = "primary"
	StrategyPrimaryWithBackup Strategy = "primary-with-backup"
	StrategyCluster           Strategy = "cluster"
	StrategyHighestInventory  Strategy = "highest-inventory"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyManual, StrategyPrimary, StrategyPrimaryWithBackup, StrategyCluster, StrategyHighestInventory:
		return st, nil
	}
	return "", fmt.Errorf("unknown allocation strategy %q", s)
}

// Iterative reports whether the strategy ranks several candidates by coverage.
func (s Strategy) Iterative() bool {
	return s == StrategyCluster || s == StrategyHighestInventory
}

// StockFunc returns the sellable quantity of sku at a store.
type StockFunc func(sku, storeID string) int64

// Allocation is the quantity assigned to one store.
type Allocation struct {
	Store model.Store
	Lines []model.SplitLineItem
}

// Units sums the allocated quantity.
func (a Allocation) Units() int64 {
	var n int64
	for _, l := range a.Lines {
		n += l.Quantity
	}
	return n
}

// Gap is the part of a line item no candidate store could cover.
type Gap struct {
	LineItemID string `json:"lineItemId"`
	SKU        string `json:"sku"`
	Requested  int64  `json:"requested"`
	Allocated  int64  `json:"allocated"`
	Missing    int64  `json:"missing"`
}

// Plan is the outcome of one allocation. Allocations are in walk order.
type Plan struct {
	Allocations []Allocation
	Gaps        []Gap
}

// AllocatedBySKU sums allocated quantities per sku across stores.
func (p Plan) AllocatedBySKU() map[string]int64 {
	out := make(map[string]int64)
	for _, a := range p.Allocations {
		for _, l := range a.Lines {
			out[l.SKU] += l.Quantity
		}
	}
	return out
}

// MissingUnits sums the gaps.
func (p Plan) MissingUnits() int64 {
	var n int64
	for _, g := range p.Gaps {
		n += g.Missing
	}
	return n
}

// ledger tracks what is still needed per line item and what is left per store
// while a plan is built, so a sku requested on two lines is not double-booked.
type ledger struct {
	items     []model.LineItem
	remaining []int64
	left      map[string]map[string]int64
	qty       StockFunc
}

func newLedger(items []model.LineItem, qty StockFunc) *ledger {
	l := &ledger{items: items, remaining: make([]int64, len(items)), left: make(map[string]map[string]int64), qty: qty}
	for i, it := range items {
		l.remaining[i] = it.Quantity
	}
	return l
}

func (l *ledger) stock(sku, storeID string) int64 {
	byStore, ok := l.left[storeID]
	if !ok {
		byStore = make(map[string]int64)
		l.left[storeID] = byStore
	}
	v, ok := byStore[sku]
	if !ok {
		v = l.qty(sku, storeID)
		if v < 0 {
			v = 0
		}
		byStore[sku] = v
	}
	return v
}

// take books up to want units of line i at store and returns the booked amount.
func (l *ledger) take(i int, storeID string, want int64) int64 {
	sku := l.items[i].SKU
	n := min(want, l.remaining[i], l.stock(sku, storeID))
	if n <= 0 {
		return 0
	}
	l.remaining[i] -= n
	l.left[storeID][sku] -= n
	return n
}

func (l *ledger) done() bool {
	for _, r := range l.remaining {
		if r > 0 {
			return false
		}
	}
	return true
}

func (l *ledger) gaps() []Gap {
	var out []Gap
	for i, it := range l.items {
		if l.remaining[i] > 0 {
			out = append(out, Gap{
				LineItemID: it.ID,
				SKU:        it.SKU,
				Requested:  it.Quantity,
				Allocated:  it.Quantity - l.remaining[i],
				Missing:    l.remaining[i],
			})
		}
	}
	return out
}

// bucket collects the lines booked at one store, indexed by line item position.
type bucket struct {
	store model.Store
	qty   map[int]int64
}

func (b *bucket) add(i int, n int64) {
	if n > 0 {
		b.qty[i] += n
	}
}

func (b *bucket) allocation(items []model.LineItem) (Allocation, bool) {
	if len(b.qty) == 0 {
		return Allocation{}, false
	}
	idx := make([]int, 0, len(b.qty))
	for i := range b.qty {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	a := Allocation{Store: b.store, Lines: make([]model.SplitLineItem, 0, len(idx))}
	for _, i := range idx {
		a.Lines = append(a.Lines, model.SplitLineItem{
			LineItemID: items[i].ID,
			SKU:        items[i].SKU,
			Quantity:   b.qty[i],
			StoreID:    b.store.ID,
		})
	}
	return a, true
}

// Coverage is the number of requested units a store could ship on its own.
func Coverage(items []model.LineItem, storeID string, qty StockFunc) int64 {
	var c int64
	for _, it := range items {
		c += max(min(it.Quantity, qty(it.SKU, storeID)), 0)
	}
	return c
}

// AllocateIterative ranks stores by coverage (stable, so ties keep candidate order)
// and walks them, booking each line item in reverse order until everything is covered.
func AllocateIterative(items []model.LineItem, stores []model.Store, qty StockFunc) Plan {
	type ranked struct {
		store    model.Store
		coverage int64
	}
	rs := make([]ranked, 0, len(stores))
	for _, s := range stores {
		rs = append(rs, ranked{store: s, coverage: Coverage(items, s.ID, qty)})
	}
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].coverage > rs[j].coverage })

	l := newLedger(items, qty)
	var plan Plan
	for _, r := range rs {
		if l.done() {
			break
		}
		b := &bucket{store: r.store, qty: make(map[int]int64)}
		for i := len(items) - 1; i >= 0; i-- {
			if l.remaining[i] == 0 {
				continue
			}
			b.add(i, l.take(i, r.store.ID, l.remaining[i]))
		}
		if a, ok := b.allocation(items); ok {
			plan.Allocations = append(plan.Allocations, a)
		}
	}
	plan.Gaps = l.gaps()
	return plan
}

// AllocateSimple books each line at the primary store and sends any shortfall to
// backup when one is given. Each store yields at most one allocation.
func AllocateSimple(items []model.LineItem, primary model.Store, backup *model.Store, qty StockFunc) Plan {
	l := newLedger(items, qty)
	pb := &bucket{store: primary, qty: make(map[int]int64)}
	var bb *bucket
	if backup != nil && backup.ID != primary.ID {
		bb = &bucket{store: *backup, qty: make(map[int]int64)}
	}
	for i := range items {
		pb.add(i, l.take(i, primary.ID, l.remaining[i]))
		if bb != nil && l.remaining[i] > 0 {
			bb.add(i, l.take(i, bb.store.ID, l.remaining[i]))
		}
	}
	var plan Plan
	if a, ok := pb.allocation(items); ok {
		plan.Allocations = append(plan.Allocations, a)
	}
	if bb != nil {
		if a, ok := bb.allocation(items); ok {
			plan.Allocations = append(plan.Allocations, a)
		}
	}
	plan.Gaps = l.gaps()
	return plan
}

// AllocateManual assigns every line in full to the operator's chosen store.
func AllocateManual(items []model.LineItem, store model.Store) Plan {
	b := &bucket{store: store, qty: make(map[int]int64)}
	for i, it := range items {
		b.add(i, it.Quantity)
	}
	var plan Plan
	if a, ok := b.allocation(items); ok {
		plan.Allocations = append(plan.Allocations, a)
	}
	return plan
}
