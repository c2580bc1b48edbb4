// Package repotest holds the behaviour every repo.Repository implementation must share.
package repotest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ofs/internal/model"
	"ofs/internal/repo"
)

func sampleSplit(id, orderID string) model.SplitOrder {
	s := model.SplitOrder{
		SplitID:          id,
		OrderID:          orderID,
		OrderReferenceID: "1001",
		StoreID:          "s1",
		StoreCode:        "BLR01",
		LineItems:        []model.SplitLineItem{{LineItemID: "l1", SKU: "A", Quantity: 2, StoreID: "s1"}},
		OrderStatus:      model.StatusNew,
	}
	s.Stamp(string(model.StatusNew), 1)
	return s
}

// Run exercises r against the shared contract. newRepo must return an empty repository.
func Run(t *testing.T, newRepo func(t *testing.T) repo.Repository) {
	t.Run("SplitCreateIsUnique", func(t *testing.T) {
		ctx := context.Background()
		r := newRepo(t)
		got, err := r.CreateSplit(ctx, sampleSplit("1001-BLR01", "o1"))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if got.Version != 1 {
			t.Fatalf("want version 1, got %d", got.Version)
		}
		if _, err := r.CreateSplit(ctx, sampleSplit("1001-BLR01", "o1")); !errors.Is(err, model.ErrDuplicateSplit) {
			t.Fatalf("want duplicate split, got %v", err)
		}
		list, err := r.ListSplitsByOrder(ctx, "o1")
		if err != nil || len(list) != 1 {
			t.Fatalf("list: %v %v", list, err)
		}
	})

	t.Run("SplitGetMissing", func(t *testing.T) {
		r := newRepo(t)
		if _, err := r.GetSplit(context.Background(), "nope"); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("want not found, got %v", err)
		}
	})

	t.Run("SplitUpdateBumpsVersion", func(t *testing.T) {
		ctx := context.Background()
		r := newRepo(t)
		if _, err := r.CreateSplit(ctx, sampleSplit("1001-BLR01", "o1")); err != nil {
			t.Fatalf("create: %v", err)
		}
		upd, err := r.UpdateSplit(ctx, "1001-BLR01", func(s *model.SplitOrder) error {
			s.OrderStatus = model.StatusOnHold
			s.OnHoldStatus = model.HoldOpen
			s.Stamp(string(model.StatusOnHold), 2)
			return nil
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if upd.Version != 2 || upd.OrderStatus != model.StatusOnHold {
			t.Fatalf("unexpected update: %+v", upd)
		}
		got, _ := r.GetSplit(ctx, "1001-BLR01")
		if got.OnHoldStatus != model.HoldOpen || got.TimeStamps["on_hold"] != 2 || got.TimeStamps["new"] != 1 {
			t.Fatalf("update not persisted: %+v", got)
		}
	})

	t.Run("SplitUpdateFnErrorLeavesState", func(t *testing.T) {
		ctx := context.Background()
		r := newRepo(t)
		_, _ = r.CreateSplit(ctx, sampleSplit("1001-BLR01", "o1"))
		boom := errors.New("boom")
		if _, err := r.UpdateSplit(ctx, "1001-BLR01", func(s *model.SplitOrder) error {
			s.OrderStatus = model.StatusDelivered
			return boom
		}); !errors.Is(err, boom) {
			t.Fatalf("want fn error, got %v", err)
		}
		got, _ := r.GetSplit(ctx, "1001-BLR01")
		if got.OrderStatus != model.StatusNew || got.Version != 1 {
			t.Fatalf("state changed on failed update: %+v", got)
		}
	})

	t.Run("SplitConcurrentCreate", func(t *testing.T) {
		ctx := context.Background()
		r := newRepo(t)
		var wg sync.WaitGroup
		var mu sync.Mutex
		created := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := r.CreateSplit(ctx, sampleSplit("1001-BLR01", "o1")); err == nil {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if created != 1 {
			t.Fatalf("want exactly one create, got %d", created)
		}
	})

	t.Run("OrderInfoCreateOnce", func(t *testing.T) {
		ctx := context.Background()
		r := newRepo(t)
		info := model.NewOrderInfo(model.Order{ID: "o1", Number: "1001"}, time.Unix(10, 0))
		ok, err := r.CreateOrderInfo(ctx, info)
		if err != nil || !ok {
			t.Fatalf("first create: %v %v", ok, err)
		}
		ok, err = r.CreateOrderInfo(ctx, info)
		if err != nil || ok {
			t.Fatalf("second create must be a no-op: %v %v", ok, err)
		}
		first, err := r.MarkSent(ctx, "o1", model.EventConfirmation)
		if err != nil || !first {
			t.Fatalf("mark sent: %v %v", first, err)
		}
		again, err := r.MarkSent(ctx, "o1", model.EventConfirmation)
		if err != nil || again {
			t.Fatalf("second mark must report false: %v %v", again, err)
		}
		got, err := r.GetOrderInfo(ctx, "o1")
		if err != nil || !got.Sent[model.EventConfirmation] || got.Sent[model.EventCancelled] {
			t.Fatalf("unexpected info: %+v %v", got, err)
		}
		if _, err := r.MarkSent(ctx, "missing", model.EventDelivered); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("want not found, got %v", err)
		}
	})

	t.Run("NotificationLog", func(t *testing.T) {
		ctx := context.Background()
		r := newRepo(t)
		for i, ref := range []string{"a", "b", "a"} {
			if err := r.AppendNotification(ctx, model.NotificationLog{
				ID: ref + string(rune('0'+i)), Channel: model.ChannelSMS, Reference: ref,
				Event: "confirmation", Outcome: model.OutcomeSuccess, CreatedAt: time.Unix(int64(i), 0).UTC(),
			}); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		a, _ := r.ListNotifications(ctx, "a")
		all, _ := r.ListNotifications(ctx, "")
		if len(a) != 2 || len(all) != 3 {
			t.Fatalf("unexpected counts: %d %d", len(a), len(all))
		}
	})

	t.Run("StockLevels", func(t *testing.T) {
		ctx := context.Background()
		r := newRepo(t)
		now := time.Unix(100, 0).UTC()
		if err := r.UpsertStock(ctx, []model.StockRecord{
			{SKU: "A", StoreID: "s1", RawStock: 2, ObservedAt: now},
			{SKU: "A", StoreID: "s2", RawStock: 5, BufferStock: 1, ObservedAt: now},
			{SKU: "B", StoreID: "s1", RawStock: 1, ObservedAt: now},
		}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if err := r.UpsertStock(ctx, []model.StockRecord{{SKU: "A", StoreID: "s1", RawStock: 3, ObservedAt: now}}); err != nil {
			t.Fatalf("overwrite: %v", err)
		}
		rows, err := r.StockBySKU(ctx, "A")
		if err != nil || len(rows) != 2 {
			t.Fatalf("by sku: %v %v", rows, err)
		}
		lv, err := r.Levels(ctx, []string{"A", "C"})
		if err != nil {
			t.Fatalf("levels: %v", err)
		}
		if lv.Qty("A", "s1", false) != 3 || lv.Qty("A", "s2", true) != 4 || lv.Qty("C", "s1", false) != 0 {
			t.Fatalf("unexpected levels: %+v", lv)
		}
		if _, ok := lv["B"]; ok {
			t.Fatalf("unrequested sku returned")
		}
	})

	t.Run("Stores", func(t *testing.T) {
		ctx := context.Background()
		r := newRepo(t)
		s1 := model.Store{ID: "s1", Code: "BLR01", Status: model.StoreActive, Pincode: "560001", ServicePincodes: []string{"560002"}}
		s2 := model.Store{ID: "s2", Code: "BLR02", Status: model.StoreActive, Pincode: "560003"}
		_ = r.UpsertStore(ctx, s1)
		_ = r.UpsertStore(ctx, s2)
		s1.Status = model.StoreInactive
		_ = r.UpsertStore(ctx, s1)
		list, err := r.ListStores(ctx)
		if err != nil || len(list) != 2 {
			t.Fatalf("list: %v %v", list, err)
		}
		if list[0].ID != "s1" || list[0].Active() || len(list[0].ServicePincodes) != 1 {
			t.Fatalf("unexpected first store: %+v", list[0])
		}
	})
}
