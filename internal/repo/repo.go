// Package repo defines the persistence contracts for splits, order bookkeeping,
// notification records, raw stock and stores.
package repo

import (
	"context"

	"ofs/internal/model"
)

// SplitRepository persists split orders. Split ids are unique.
type SplitRepository interface {
	// CreateSplit inserts s with Version 1. It returns model.ErrDuplicateSplit when the id exists.
	CreateSplit(ctx context.Context, s model.SplitOrder) (model.SplitOrder, error)
	GetSplit(ctx context.Context, splitID string) (model.SplitOrder, error)
	ListSplitsByOrder(ctx context.Context, orderID string) ([]model.SplitOrder, error)
	// UpdateSplit reads the split, applies fn to a copy and writes it back when the
	// version is unchanged, incrementing it. A concurrent writer yields model.ErrConflict.
	UpdateSplit(ctx context.Context, splitID string, fn func(*model.SplitOrder) error) (model.SplitOrder, error)
}

// OrderInfoRepository persists per-order bookkeeping.
type OrderInfoRepository interface {
	// CreateOrderInfo inserts info unless a record for the order exists and reports whether it inserted.
	CreateOrderInfo(ctx context.Context, info model.OrderInfo) (bool, error)
	GetOrderInfo(ctx context.Context, orderID string) (model.OrderInfo, error)
	// MarkSent flips the sent flag for ev and reports whether this call flipped it.
	MarkSent(ctx context.Context, orderID string, ev model.NotificationEvent) (bool, error)
}

// NotificationLogRepository records notification attempts and unattended job outcomes.
type NotificationLogRepository interface {
	AppendNotification(ctx context.Context, l model.NotificationLog) error
	// ListNotifications returns entries for reference in insertion order; an empty reference lists all.
	ListNotifications(ctx context.Context, reference string) ([]model.NotificationLog, error)
}

// Levels holds raw stock rows keyed by sku then store id.
type Levels map[string]map[string]model.StockRecord

// Qty returns the sellable quantity of sku at storeID, zero when absent.
func (l Levels) Qty(sku, storeID string, subtractBuffer bool) int64 {
	rec, ok := l[sku][storeID]
	if !ok {
		return 0
	}
	return rec.Sellable(subtractBuffer)
}

// StockRepository persists raw per-store stock rows written by the inventory feed.
type StockRepository interface {
	UpsertStock(ctx context.Context, recs []model.StockRecord) error
	StockBySKU(ctx context.Context, sku string) ([]model.StockRecord, error)
	Levels(ctx context.Context, skus []string) (Levels, error)
}

// StoreRepository persists store metadata.
type StoreRepository interface {
	UpsertStore(ctx context.Context, s model.Store) error
	ListStores(ctx context.Context) ([]model.Store, error)
}

// Repository bundles every contract; the memory and SQL implementations satisfy it.
type Repository interface {
	SplitRepository
	OrderInfoRepository
	NotificationLogRepository
	StockRepository
	StoreRepository
}
