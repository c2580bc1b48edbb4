package stock

import (
	"context"
	"errors"
	"fmt"

	"ofs/internal/directory"
	"ofs/internal/model"
)

// Mode selects how raw stock is turned into hybrid stock.
type Mode string

const (
	ModeSingle            Mode = "single"
	ModePrimaryWithBackup Mode = "primary-with-backup"
	ModeCluster           Mode = "cluster"
)

// View is the read-only input a strategy sees for one sku.
type View struct {
	SKU            string
	Rows           map[string]model.StockRecord
	Clusters       directory.ClusterGroup
	Directory      directory.Directory
	SubtractBuffer bool
}

// Qty returns the sellable quantity of the sku at storeID.
func (v *View) Qty(storeID string) int64 {
	rec, ok := v.Rows[storeID]
	if !ok {
		return 0
	}
	return rec.Sellable(v.SubtractBuffer)
}

// Strategy computes primary and backup stock for one store.
type Strategy interface {
	Mode() Mode
	Compute(ctx context.Context, v *View, st model.Store) (primary, backup int64, err error)
}

// StrategyFor returns the strategy for mode.
func StrategyFor(mode Mode) (Strategy, error) {
	switch mode {
	case ModeSingle:
		return Single{}, nil
	case ModePrimaryWithBackup:
		return PrimaryWithBackup{}, nil
	case ModeCluster:
		return Cluster{}, nil
	default:
		return nil, fmt.Errorf("unknown inventory mode %q", mode)
	}
}

// Single exposes the store's own stock.
type Single struct{}

func (Single) Mode() Mode { return ModeSingle }

func (Single) Compute(_ context.Context, v *View, st model.Store) (int64, int64, error) {
	return v.Qty(st.ID), 0, nil
}

// PrimaryWithBackup adds the stock of the store's designated backup store when that store is active.
type PrimaryWithBackup struct{}

func (PrimaryWithBackup) Mode() Mode { return ModePrimaryWithBackup }

func (PrimaryWithBackup) Compute(ctx context.Context, v *View, st model.Store) (int64, int64, error) {
	primary := v.Qty(st.ID)
	if st.BackupStoreID == "" || st.BackupStoreID == st.ID {
		return primary, 0, nil
	}
	backup, err := v.Directory.Store(ctx, st.BackupStoreID)
	if errors.Is(err, model.ErrNotFound) {
		return primary, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("backup store %s: %w", st.BackupStoreID, err)
	}
	if !backup.Active() {
		return primary, 0, nil
	}
	return primary, v.Qty(backup.ID), nil
}

// Cluster pools stock across every active store of the store's cluster, itself included.
type Cluster struct{}

func (Cluster) Mode() Mode { return ModeCluster }

func (Cluster) Compute(_ context.Context, v *View, st model.Store) (int64, int64, error) {
	members := v.Clusters[st.Cluster]
	if st.Cluster == "" || len(members) == 0 {
		return v.Qty(st.ID), 0, nil
	}
	var sum int64
	for _, id := range members {
		sum += v.Qty(id)
	}
	return sum, 0, nil
}
