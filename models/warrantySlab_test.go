package models

import (
	"testing"

	"bitbucket.org/mmdatafocus/battery_backend/utils"
	"github.com/shopspring/decimal"
)

func intp(v int) *int { return &v }

func TestPickDiscountSlabBands(t *testing.T) {
	slabs := []*WarrantySlab{
		{ID: 1, MinMonths: 0, MaxMonths: intp(6), DiscountPercent: decimal.NewFromInt(10), IsActive: utils.NewTrue()},
		{ID: 2, MinMonths: 7, MaxMonths: intp(12), DiscountPercent: decimal.NewFromInt(20), IsActive: utils.NewTrue()},
		{ID: 3, MinMonths: 13, MaxMonths: nil, DiscountPercent: decimal.NewFromInt(30), IsActive: utils.NewTrue()},
	}

	cases := []struct {
		months int
		wantID int
	}{
		{0, 1},
		{6, 1},
		{7, 2},
		{12, 2},
		{13, 3},
		{99, 3}, // open-ended last slab
	}
	for _, tc := range cases {
		got := PickDiscountSlab(slabs, tc.months)
		if got == nil || got.ID != tc.wantID {
			t.Fatalf("PickDiscountSlab(%d) = %+v; want slab %d", tc.months, got, tc.wantID)
		}
	}
}

func TestPickDiscountSlabOverlapHighestWins(t *testing.T) {
	slabs := []*WarrantySlab{
		{ID: 1, MinMonths: 0, MaxMonths: intp(12), DiscountPercent: decimal.NewFromInt(10), IsActive: utils.NewTrue()},
		{ID: 2, MinMonths: 6, MaxMonths: intp(18), DiscountPercent: decimal.NewFromInt(25), IsActive: utils.NewTrue()},
	}
	got := PickDiscountSlab(slabs, 8)
	if got == nil || got.ID != 2 {
		t.Fatalf("overlapping bands: got %+v; want the higher-discount slab 2", got)
	}
}

func TestPickDiscountSlabSkipsInactive(t *testing.T) {
	slabs := []*WarrantySlab{
		{ID: 1, MinMonths: 0, MaxMonths: intp(6), DiscountPercent: decimal.NewFromInt(50), IsActive: utils.NewFalse()},
		{ID: 2, MinMonths: 0, MaxMonths: intp(6), DiscountPercent: decimal.NewFromInt(10), IsActive: utils.NewTrue()},
	}
	got := PickDiscountSlab(slabs, 3)
	if got == nil || got.ID != 2 {
		t.Fatalf("inactive slab should be skipped; got %+v", got)
	}
}

func TestPickDiscountSlabNoMatchIsNil(t *testing.T) {
	slabs := []*WarrantySlab{
		{ID: 1, MinMonths: 3, MaxMonths: intp(6), DiscountPercent: decimal.NewFromInt(10), IsActive: utils.NewTrue()},
	}
	if got := PickDiscountSlab(slabs, 2); got != nil {
		t.Fatalf("no band contains 2 months; want nil, got %+v", got)
	}
	if got := PickDiscountSlab(nil, 0); got != nil {
		t.Fatalf("empty slab table; want nil, got %+v", got)
	}
}
