package model

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestSplitID_Deterministic(t *testing.T) {
	if got := SplitID("1001", "BLR01"); got != "1001-BLR01" {
		t.Fatalf("unexpected split id: %s", got)
	}
	if SplitID("1001", "BLR01") != SplitID("1001", "BLR01") {
		t.Fatalf("split id must be stable")
	}
}

func TestNormalize_DropsEmptyLines(t *testing.T) {
	o := Order{
		ID: "o1",
		LineItems: []LineItem{
			{ID: "l1", SKU: " SKU-1 ", Quantity: 2},
			{ID: "l2", SKU: "SKU-2", Quantity: 0},
			{ID: "l3", SKU: "", Quantity: 4},
		},
		ShippingAddress: Address{Pincode: " 560001 "},
	}
	n := Normalize(o)
	if len(n.LineItems) != 1 || n.LineItems[0].SKU != "SKU-1" {
		t.Fatalf("unexpected line items: %+v", n.LineItems)
	}
	if n.ShippingAddress.Pincode != "560001" {
		t.Fatalf("pincode not trimmed: %q", n.ShippingAddress.Pincode)
	}
	if n.Number != "o1" {
		t.Fatalf("number should default to id, got %q", n.Number)
	}
	if len(o.LineItems) != 3 {
		t.Fatalf("input mutated")
	}
}

func TestStamp_AppendsRepeatedEvents(t *testing.T) {
	var s SplitOrder
	s.Stamp("on_hold", 1)
	s.Stamp("on_hold", 2)
	s.Stamp("ready_for_pickup", 3)
	if len(s.TimeStamps) != 3 {
		t.Fatalf("want 3 stamps, got %v", s.TimeStamps)
	}
	if s.TimeStamps["on_hold"] != 1 || s.TimeStamps["on_hold#2"] != 2 {
		t.Fatalf("first stamp must be kept: %v", s.TimeStamps)
	}
}

func TestClone_IsDeep(t *testing.T) {
	s := SplitOrder{LineItems: []SplitLineItem{{SKU: "A", Quantity: 1}}}
	s.Stamp("new", 1)
	c := s.Clone()
	c.LineItems[0].Quantity = 9
	c.TimeStamps["new"] = 99
	if s.LineItems[0].Quantity != 1 || s.TimeStamps["new"] != 1 {
		t.Fatalf("clone shares memory with original")
	}
}

func TestStockKey_RoundTrip(t *testing.T) {
	store, sku, ok := ParseStockKey(StockKey("S1", "SKU#1"))
	if !ok || store != "S1" || sku != "SKU#1" {
		t.Fatalf("parse failed: %s %s %v", store, sku, ok)
	}
	if _, _, ok := ParseStockKey("nokey"); ok {
		t.Fatalf("expected parse failure")
	}
}

func TestSellable_Buffer(t *testing.T) {
	r := StockRecord{RawStock: 3, BufferStock: 5}
	if r.Sellable(false) != 3 || r.Sellable(true) != 0 {
		t.Fatalf("unexpected sellable values")
	}
}

func TestErrors_Classification(t *testing.T) {
	var err error = fmt.Errorf("lookup: %w", NotFoundError{Entity: EntityOrder, ID: "o1"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("not found not classified")
	}
	err = &UpstreamError{Service: "logistics", Op: "create task", Err: errors.New("timeout")}
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("upstream not classified")
	}
	err = &InvalidStateError{SplitID: "s", Status: StatusNew, Action: "dispatch"}
	if !errors.Is(err, ErrInvalidState) || errors.Is(err, ErrNotFound) {
		t.Fatalf("invalid state misclassified")
	}
}

func TestNewOrderInfo_AllUnsent(t *testing.T) {
	info := NewOrderInfo(Order{ID: "o1", Number: "1001"}, time.Unix(0, 0))
	if len(info.Sent) != len(AllNotificationEvents) {
		t.Fatalf("missing flags: %v", info.Sent)
	}
	for ev, sent := range info.Sent {
		if sent {
			t.Fatalf("%s should start unsent", ev)
		}
	}
}
