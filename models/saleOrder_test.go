package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestDiscountFromMrpFloorsAtZero(t *testing.T) {
	mrp := decimal.NewFromInt(1000)

	got := discountFromMrp(mrp, decimal.NewFromInt(850))
	if got.Cmp(decimal.NewFromInt(150)) != 0 {
		t.Fatalf("discountFromMrp(1000, 850) = %s; want 150", got)
	}

	// selling above MRP never records a negative discount
	got = discountFromMrp(mrp, decimal.NewFromInt(1200))
	if !got.IsZero() {
		t.Fatalf("discountFromMrp(1000, 1200) = %s; want 0", got)
	}

	got = discountFromMrp(mrp, mrp)
	if !got.IsZero() {
		t.Fatalf("discountFromMrp(1000, 1000) = %s; want 0", got)
	}
}

func TestDefaultUnitPricePerChannel(t *testing.T) {
	product := &Product{
		Mrp:            decimal.NewFromInt(1000),
		WholesalePrice: decimal.NewFromInt(900),
	}

	if got := defaultUnitPrice(product, SaleChannelRetail); got.Cmp(decimal.NewFromInt(1000)) != 0 {
		t.Fatalf("retail price = %s; want 1000", got)
	}
	if got := defaultUnitPrice(product, SaleChannelWholesale); got.Cmp(decimal.NewFromInt(900)) != 0 {
		t.Fatalf("wholesale price = %s; want 900", got)
	}

	// no wholesale price configured falls back to MRP
	bare := &Product{Mrp: decimal.NewFromInt(500)}
	if got := defaultUnitPrice(bare, SaleChannelWholesale); got.Cmp(decimal.NewFromInt(500)) != 0 {
		t.Fatalf("wholesale fallback = %s; want 500", got)
	}
}

func TestSaleLineBeforeSaveInvariant(t *testing.T) {
	bound := &SaleOrderDetail{ID: 1, AllocationState: AllocationStateBound}
	if err := bound.BeforeSave(nil); err == nil {
		t.Fatalf("bound line without serial should fail the invariant")
	}
	bound.SerialNumber = "SN-1"
	if err := bound.BeforeSave(nil); err != nil {
		t.Fatalf("bound line with serial: %v", err)
	}

	pending := &SaleOrderDetail{ID: 2, AllocationState: AllocationStatePending, SerialNumber: "SN-1"}
	if err := pending.BeforeSave(nil); err == nil {
		t.Fatalf("pending line carrying a serial should fail the invariant")
	}
	pending.SerialNumber = ""
	if err := pending.BeforeSave(nil); err != nil {
		t.Fatalf("pending line without serial: %v", err)
	}

	nonSerialized := &SaleOrderDetail{ID: 3, AllocationState: AllocationStateNonSerialized, SerialNumber: "SN-1"}
	if err := nonSerialized.BeforeSave(nil); err == nil {
		t.Fatalf("non-serialized line carrying a serial should fail the invariant")
	}
}
