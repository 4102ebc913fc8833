package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseWarrantyCode(t *testing.T) {
	cases := []struct {
		code      string
		guarantee int
		proRata   int
		total     int
	}{
		{"24F+24P", 24, 24, 48},
		{"30F", 30, 0, 30},
		{"12F+12P", 12, 12, 24},
		{"0F", 0, 0, 0},
		{"", 0, 0, 0},
		{"  24F+24P ", 24, 24, 48}, // surrounding whitespace is tolerated
	}
	for _, tc := range cases {
		w := ParseWarrantyCode(tc.code)
		if w.GuaranteeMonths != tc.guarantee || w.ProRataMonths != tc.proRata || w.TotalMonths != tc.total {
			t.Fatalf("ParseWarrantyCode(%q) = %+v; want {%d %d %d}", tc.code, w, tc.guarantee, tc.proRata, tc.total)
		}
	}
}

// The parser is total: junk stored on migrated rows means the coverage terms
// are unknown, and unknown terms mean no coverage, never a failed claim.
func TestParseWarrantyCodeMalformedMeansNoCoverage(t *testing.T) {
	for _, code := range []string{"garbage", "24", "F24", "24F+", "24F+P", "24f+24p", "24F+24P+6X", "24P"} {
		if w := ParseWarrantyCode(code); !w.IsZero() {
			t.Fatalf("ParseWarrantyCode(%q) = %+v; want zero window", code, w)
		}
	}
}

func TestIsValidWarrantyCode(t *testing.T) {
	for _, code := range []string{"", "24F", "24F+24P", "0F"} {
		if !IsValidWarrantyCode(code) {
			t.Fatalf("IsValidWarrantyCode(%q) = false; want true", code)
		}
	}
	for _, code := range []string{"garbage", "24", "24P", "24f+24p", " 24F"} {
		if IsValidWarrantyCode(code) {
			t.Fatalf("IsValidWarrantyCode(%q) = true; want false", code)
		}
	}
}

func TestMonthsElapsedIgnoresDayOfMonth(t *testing.T) {
	sale := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	claim := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	if got := MonthsElapsed(sale, claim); got != 1 {
		t.Fatalf("MonthsElapsed(Jan 31, Feb 1) = %d; want 1", got)
	}

	sameMonth := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := MonthsElapsed(sameMonth, sale); got != 0 {
		t.Fatalf("MonthsElapsed within same month = %d; want 0", got)
	}

	// claim before sale clamps to zero rather than going negative
	if got := MonthsElapsed(claim, sale); got != 0 {
		t.Fatalf("MonthsElapsed(later, earlier) = %d; want 0", got)
	}

	yearSpan := MonthsElapsed(
		time.Date(2024, 11, 15, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC),
	)
	if yearSpan != 15 {
		t.Fatalf("MonthsElapsed across years = %d; want 15", yearSpan)
	}
}

func TestEvaluateEligibilityBoundaries(t *testing.T) {
	window := ParseWarrantyCode("12F+12P")
	sale := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		months   int
		covered  bool
		repType  ReplacementType
		pastGrty int
	}{
		{0, true, ReplacementTypeGuarantee, 0},
		{11, true, ReplacementTypeGuarantee, 0},
		{12, true, ReplacementTypeGuarantee, 0}, // inclusive guarantee boundary
		{13, true, ReplacementTypeWarranty, 1},
		{24, true, ReplacementTypeWarranty, 12}, // inclusive end of coverage
		// months past guarantee keeps counting outside coverage
		{25, false, "", 13},
		{30, false, "", 18},
	}
	for _, tc := range cases {
		asOf := sale.AddDate(0, tc.months, 0)
		got := EvaluateEligibility(window, sale, asOf)
		if got.Covered != tc.covered {
			t.Fatalf("at %d months: covered = %v; want %v", tc.months, got.Covered, tc.covered)
		}
		if got.Covered && got.ReplacementType != tc.repType {
			t.Fatalf("at %d months: type = %s; want %s", tc.months, got.ReplacementType, tc.repType)
		}
		if got.MonthsPastGuarantee != tc.pastGrty {
			t.Fatalf("at %d months: months past guarantee = %d; want %d", tc.months, got.MonthsPastGuarantee, tc.pastGrty)
		}
	}
}

func TestEvaluateEligibilityZeroWindowNeverCovers(t *testing.T) {
	sale := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got := EvaluateEligibility(WarrantyWindow{}, sale, sale)
	if got.Covered {
		t.Fatalf("zero window should never cover, got %+v", got)
	}
}

func TestResolveWarrantyWindowPrecedence(t *testing.T) {
	product := &Product{WarrantyCode: "24F+24P", GuaranteePeriodMonths: 36}

	// line snapshot wins over everything
	w := resolveWarrantyWindow("12F", product)
	if w.GuaranteeMonths != 12 || w.TotalMonths != 12 {
		t.Fatalf("line snapshot should win, got %+v", w)
	}

	// a junk snapshot stays authoritative and degrades to no coverage
	// instead of falling back to the product's current terms
	if w := resolveWarrantyWindow("garbage", product); !w.IsZero() {
		t.Fatalf("junk snapshot should yield zero window, got %+v", w)
	}

	// then the product's current code
	w = resolveWarrantyWindow("", product)
	if w.GuaranteeMonths != 24 || w.TotalMonths != 48 {
		t.Fatalf("product code should win over legacy field, got %+v", w)
	}

	// then the legacy plain-guarantee field
	w = resolveWarrantyWindow("", &Product{GuaranteePeriodMonths: 18})
	if w.GuaranteeMonths != 18 || w.TotalMonths != 18 || w.ProRataMonths != 0 {
		t.Fatalf("legacy guarantee period should map to plain window, got %+v", w)
	}

	// nothing set at all means no coverage
	if w := resolveWarrantyWindow("", &Product{}); !w.IsZero() {
		t.Fatalf("expected zero window, got %+v", w)
	}
}

func TestGstPortionOfMrp(t *testing.T) {
	cases := []struct {
		mrp      string
		expected string
	}{
		{"1000", "152.5424"},
		{"118", "18"},
		{"0", "0"},
		{"5899.99", "899.9985"},
	}
	for _, tc := range cases {
		mrp, _ := decimal.NewFromString(tc.mrp)
		expected, _ := decimal.NewFromString(tc.expected)
		got := gstPortionOfMrp(mrp)
		if got.Cmp(expected) != 0 {
			t.Fatalf("gstPortionOfMrp(%s) = %s; want %s", tc.mrp, got, expected)
		}
	}
}
