// Package directory is the read-only view of store metadata used by aggregation and allocation.
package directory

import (
	"context"
	"fmt"
	"sync"

	"ofs/internal/model"
)

// Directory resolves stores by id, code and pincode.
type Directory interface {
	Store(ctx context.Context, id string) (model.Store, error)
	StoreByCode(ctx context.Context, code string) (model.Store, error)
	// StoreByPincode returns the first active store serving pincode.
	StoreByPincode(ctx context.Context, pincode string) (model.Store, error)
	// ActiveStores lists active stores in insertion order.
	ActiveStores(ctx context.Context) ([]model.Store, error)
}

// Source lists stores from durable storage.
type Source interface {
	ListStores(ctx context.Context) ([]model.Store, error)
}

// ClusterGroup maps a cluster name to the ids of its active stores in insertion order.
type ClusterGroup map[string][]string

// BuildClusterGroups groups active stores by cluster. Stores without a cluster are omitted.
func BuildClusterGroups(stores []model.Store) ClusterGroup {
	g := make(ClusterGroup)
	for _, s := range stores {
		if !s.Active() || s.Cluster == "" {
			continue
		}
		g[s.Cluster] = append(g[s.Cluster], s.ID)
	}
	return g
}

// MemoryDirectory is an in-memory Directory. It is safe for concurrent use and
// can be refreshed from a Source while serving reads.
type MemoryDirectory struct {
	mu     sync.RWMutex
	order  []string
	byID   map[string]model.Store
	byCode map[string]string
}

func NewMemoryDirectory(stores ...model.Store) *MemoryDirectory {
	d := &MemoryDirectory{}
	d.Replace(stores)
	return d
}

// Replace swaps the directory contents.
func (d *MemoryDirectory) Replace(stores []model.Store) {
	order := make([]string, 0, len(stores))
	byID := make(map[string]model.Store, len(stores))
	byCode := make(map[string]string, len(stores))
	for _, s := range stores {
		if _, dup := byID[s.ID]; !dup {
			order = append(order, s.ID)
		}
		byID[s.ID] = s
		if s.Code != "" {
			byCode[s.Code] = s.ID
		}
	}
	d.mu.Lock()
	d.order, d.byID, d.byCode = order, byID, byCode
	d.mu.Unlock()
}

// Refresh reloads the directory from src.
func (d *MemoryDirectory) Refresh(ctx context.Context, src Source) error {
	stores, err := src.ListStores(ctx)
	if err != nil {
		return fmt.Errorf("list stores: %w", err)
	}
	d.Replace(stores)
	return nil
}

func (d *MemoryDirectory) Store(_ context.Context, id string) (model.Store, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.byID[id]
	if !ok {
		return model.Store{}, model.NotFoundError{Entity: model.EntityStore, ID: id}
	}
	return s, nil
}

func (d *MemoryDirectory) StoreByCode(_ context.Context, code string) (model.Store, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byCode[code]
	if !ok {
		return model.Store{}, model.NotFoundError{Entity: model.EntityStore, ID: code}
	}
	return d.byID[id], nil
}

func (d *MemoryDirectory) StoreByPincode(_ context.Context, pincode string) (model.Store, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, id := range d.order {
		s := d.byID[id]
		if s.Active() && s.Serves(pincode) {
			return s, nil
		}
	}
	return model.Store{}, model.NotFoundError{Entity: model.EntityStore, ID: "pincode " + pincode}
}

func (d *MemoryDirectory) ActiveStores(_ context.Context) ([]model.Store, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.Store, 0, len(d.order))
	for _, id := range d.order {
		if s := d.byID[id]; s.Active() {
			out = append(out, s)
		}
	}
	return out, nil
}
