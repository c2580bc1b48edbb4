package directory

import (
	"context"
	"errors"
	"testing"

	"ofs/internal/model"
)

func stores() []model.Store {
	return []model.Store{
		{ID: "s1", Code: "BLR01", Cluster: "blr", Status: model.StoreActive, Pincode: "560001", ServicePincodes: []string{"560002"}},
		{ID: "s2", Code: "BLR02", Cluster: "blr", Status: model.StoreActive, Pincode: "560003"},
		{ID: "s3", Code: "BLR03", Cluster: "blr", Status: model.StoreInactive, Pincode: "560004"},
		{ID: "s4", Code: "DEL01", Cluster: "del", Status: model.StoreActive, Pincode: "110001"},
		{ID: "s5", Code: "SOLO", Status: model.StoreActive, Pincode: "400001"},
	}
}

func TestStoreByPincode_ActiveOnly(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory(stores()...)
	s, err := d.StoreByPincode(ctx, "560002")
	if err != nil || s.ID != "s1" {
		t.Fatalf("service pincode lookup: %+v %v", s, err)
	}
	if _, err := d.StoreByPincode(ctx, "560004"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("inactive store must not resolve, got %v", err)
	}
	if _, err := d.StoreByPincode(ctx, ""); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("empty pincode must not resolve")
	}
}

func TestStoreAndCodeLookup(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory(stores()...)
	s, err := d.StoreByCode(ctx, "DEL01")
	if err != nil || s.ID != "s4" {
		t.Fatalf("code lookup: %+v %v", s, err)
	}
	if _, err := d.Store(ctx, "s3"); err != nil {
		t.Fatalf("inactive stores are still addressable by id: %v", err)
	}
	var nf model.NotFoundError
	if _, err := d.Store(ctx, "missing"); !errors.As(err, &nf) || nf.Entity != model.EntityStore {
		t.Fatalf("expected store not found, got %v", err)
	}
}

func TestBuildClusterGroups_InsertionOrder(t *testing.T) {
	g := BuildClusterGroups(stores())
	if got := g["blr"]; len(got) != 2 || got[0] != "s1" || got[1] != "s2" {
		t.Fatalf("unexpected blr group: %v", got)
	}
	if len(g) != 2 {
		t.Fatalf("stores without cluster must be omitted: %v", g)
	}
}

type fakeSource struct {
	stores []model.Store
	err    error
}

func (f fakeSource) ListStores(context.Context) ([]model.Store, error) { return f.stores, f.err }

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory(stores()...)
	if err := d.Refresh(ctx, fakeSource{stores: stores()[:1]}); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	active, _ := d.ActiveStores(ctx)
	if len(active) != 1 {
		t.Fatalf("want 1 active store, got %d", len(active))
	}
	if err := d.Refresh(ctx, fakeSource{err: errors.New("db down")}); err == nil {
		t.Fatalf("expected refresh error")
	}
	active, _ = d.ActiveStores(ctx)
	if len(active) != 1 {
		t.Fatalf("failed refresh must keep previous contents")
	}
}
