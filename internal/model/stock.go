package model

import (
	"fmt"
	"strings"
	"time"
)

// StockRecord is one raw per-store stock row as delivered by the inventory feed.
type StockRecord struct {
	SKU         string    `json:"sku"`
	StoreID     string    `json:"storeId"`
	RawStock    int64     `json:"rawStock"`
	BufferStock int64     `json:"bufferStock"`
	ObservedAt  time.Time `json:"observedAt"`
}

// Sellable returns the raw figure used for aggregation and allocation.
func (r StockRecord) Sellable(subtractBuffer bool) int64 {
	v := r.RawStock
	if subtractBuffer {
		v -= r.BufferStock
	}
	if v < 0 {
		return 0
	}
	return v
}

// ProductMeta is denormalized catalogue data shown next to hybrid stock on the storefront.
type ProductMeta struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId"`
	Title     string `json:"title"`
	ImageURL  string `json:"imageUrl,omitempty"`
}

// HybridStockRecord is the buyer-facing stock figure for one (store, sku).
type HybridStockRecord struct {
	SKU          string      `json:"sku"`
	StoreID      string      `json:"storeId"`
	PrimaryStock int64       `json:"primaryStock"`
	BackupStock  int64       `json:"backupStock"`
	HybridStock  int64       `json:"hybridStock"`
	Product      ProductMeta `json:"product"`
	UpdatedAt    int64       `json:"updatedAt"`
}

// Key returns the store key for the record.
func (h HybridStockRecord) Key() string { return StockKey(h.StoreID, h.SKU) }

// StockKey returns the composite key storeId#sku.
func StockKey(storeID, sku string) string {
	return fmt.Sprintf("%s#%s", storeID, sku)
}

// ParseStockKey splits a key produced by StockKey.
func ParseStockKey(key string) (storeID, sku string, ok bool) {
	i := strings.IndexByte(key, '#')
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}
