package services

import (
	"errors"
	"math"
	"testing"
)

func TestWholesaleMinorConvertsFixedPoint(t *testing.T) {
	cases := []struct {
		price    string
		currency string
		want     uint64
		ok       bool
	}{
		{"199900", "USD", 1999, true},
		{"199950", "USD", 2000, true}, // 19.995 rounds half up
		{"199949", "USD", 1999, true},
		{"15000", "usd", 150, true},
		{"1234567", "JPY", 123, true},
		{"1235000", "JPY", 124, true},
		{"50000", "KWD", 5000, true},
		{"12.5", "USD", 0, true},
		{"0", "USD", 0, false},
		{"-100", "USD", 0, false},
		{"abc", "USD", 0, false},
		{"", "USD", 0, false},
	}
	for _, tc := range cases {
		got, ok := WholesaleMinor(tc.price, tc.currency)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("WholesaleMinor(%q, %q) = %d, %v; want %d, %v", tc.price, tc.currency, got, ok, tc.want, tc.ok)
		}
	}
}

func TestPriceComputerRetailRoundsHalfUp(t *testing.T) {
	pc, err := NewPriceComputer(1.2)
	if err != nil {
		t.Fatalf("NewPriceComputer: %v", err)
	}
	cases := map[uint64]uint64{
		0:    0,
		1:    1, // 1.2
		2:    2, // 2.4
		5:    6, // 6.0
		1999: 2399,
		1000: 1200,
	}
	for wholesale, want := range cases {
		if got := pc.Retail(wholesale); got != want {
			t.Fatalf("Retail(%d) = %d, want %d", wholesale, got, want)
		}
	}

	half, err := NewPriceComputer(1.5)
	if err != nil {
		t.Fatalf("NewPriceComputer: %v", err)
	}
	if got := half.Retail(1); got != 2 {
		t.Fatalf("expected 1.5 to round up to 2, got %d", got)
	}
	if got := half.Retail(3); got != 5 {
		t.Fatalf("expected 4.5 to round up to 5, got %d", got)
	}
}

func TestPriceComputerMarginAtLeastOneNeverBelowWholesale(t *testing.T) {
	pc, err := NewPriceComputer(1.0)
	if err != nil {
		t.Fatalf("NewPriceComputer: %v", err)
	}
	for _, w := range []uint64{0, 1, 99, 1999, 1 << 40} {
		if got := pc.Retail(w); got != w {
			t.Fatalf("margin 1.0 changed %d to %d", w, got)
		}
	}
	if pc.BelowCost() {
		t.Fatalf("margin 1.0 reported below cost")
	}
	below, _ := NewPriceComputer(0.9)
	if !below.BelowCost() {
		t.Fatalf("margin 0.9 should be below cost")
	}
}

func TestPriceComputerRecordsQuantisedMargin(t *testing.T) {
	cases := []struct {
		margin float64
		want   float64
	}{
		{1.2000004, 1.2},
		{1.15000049, 1.15},
		{1.25, 1.25},
	}
	for _, tc := range cases {
		p, err := NewPriceComputer(tc.margin)
		if err != nil {
			t.Fatalf("NewPriceComputer(%v): %v", tc.margin, err)
		}
		if p.Margin() != tc.want {
			t.Fatalf("Margin() for %v = %v, want %v", tc.margin, p.Margin(), tc.want)
		}
		for _, wholesale := range []uint64{777, 1999, 4321} {
			if got, want := p.Retail(wholesale), uint64(math.Round(float64(wholesale)*p.Margin())); got != want {
				t.Fatalf("Retail(%d) with margin %v = %d, want %d", wholesale, tc.margin, got, want)
			}
		}
	}
}

func TestNewPriceComputerRejectsInvalidMargins(t *testing.T) {
	for _, margin := range []float64{0, -1, math.NaN(), math.Inf(1), math.Inf(-1), 1e-9, 1e12} {
		if _, err := NewPriceComputer(margin); !errors.Is(err, ErrInvalidMargin) {
			t.Fatalf("margin %v: expected ErrInvalidMargin, got %v", margin, err)
		}
	}
}

func TestRetailPriceSaturates(t *testing.T) {
	if got := RetailPrice(math.MaxUint64, 2_000_000); got != math.MaxUint64 {
		t.Fatalf("expected saturation, got %d", got)
	}
	if got := RetailPrice(math.MaxUint64, 1_000_000); got != math.MaxUint64 {
		t.Fatalf("margin 1.0 should keep max value, got %d", got)
	}
}

func TestMinorDigits(t *testing.T) {
	cases := map[string]int{"USD": 2, "jpy": 0, "KWD": 3, "SAR": 2, "???": 2}
	for code, want := range cases {
		if got := MinorDigits(code); got != want {
			t.Fatalf("MinorDigits(%q) = %d, want %d", code, got, want)
		}
	}
}
