package exchange

import (
	"math"
	"testing"
)

func testFilters() *Filters {
	return NewFilters(map[string]SymbolInfo{
		"BTCUSDT": {Symbol: "BTCUSDT", Status: "TRADING", PriceTick: 0.1, QtyStep: 0.001, MinQty: 0.001, MinNotional: 5},
		"ETHUSDT": {Symbol: "ETHUSDT", Status: "TRADING", PriceTick: 0.01, QtyStep: 0.001, MinQty: 0.001, MinNotional: 5},
		"DELISTED": {Symbol: "DELISTED", Status: "BREAK", PriceTick: 0.01, QtyStep: 0.01, MinQty: 0.01},
	})
}

func TestFormatQuantityRoundsDown(t *testing.T) {
	f := testFilters()
	tests := []struct {
		qty  float64
		want float64
	}{
		{0.0019, 0.001},
		{0.001, 0.001},
		{0.0121, 0.012},
		{1.23456, 1.234},
	}
	for _, tt := range tests {
		if got := f.FormatQuantity("BTCUSDT", tt.qty); got != tt.want {
			t.Errorf("FormatQuantity(%v) = %v, want %v", tt.qty, got, tt.want)
		}
	}
}

func TestFormatQuantityUnknownSymbolPassthrough(t *testing.T) {
	f := testFilters()
	if got := f.FormatQuantity("NOPEUSDT", 0.12345); got != 0.12345 {
		t.Errorf("FormatQuantity passthrough = %v, want 0.12345", got)
	}
}

func TestFormatPriceRoundsToTick(t *testing.T) {
	f := testFilters()
	if got := f.FormatPrice("BTCUSDT", 45000.07); got != 45000.1 {
		t.Errorf("FormatPrice = %v, want 45000.1", got)
	}
	if got := f.FormatPrice("BTCUSDT", 45000.04); got != 45000.0 {
		t.Errorf("FormatPrice = %v, want 45000.0", got)
	}
}

func TestCalcMinQuantity(t *testing.T) {
	f := testFilters()

	// At 45000 the min notional resolves below the min quantity.
	if got := f.CalcMinQuantity("BTCUSDT", 45000); got != 0.001 {
		t.Errorf("CalcMinQuantity at 45000 = %v, want 0.001", got)
	}

	// At 2000 the notional floor dominates: 5/2000 = 0.0025, rounded up.
	if got := f.CalcMinQuantity("ETHUSDT", 2000); got != 0.003 {
		t.Errorf("CalcMinQuantity at 2000 = %v, want 0.003", got)
	}

	if got := f.CalcMinQuantity("BTCUSDT", 0); got != 0 {
		t.Errorf("CalcMinQuantity at zero price = %v, want 0", got)
	}
}

func TestKnownRequiresTradingStatus(t *testing.T) {
	f := testFilters()
	if !f.Known("BTCUSDT") {
		t.Error("BTCUSDT should be known")
	}
	if f.Known("DELISTED") {
		t.Error("non-TRADING symbol should not be known")
	}
	if f.Known("NOPEUSDT") {
		t.Error("absent symbol should not be known")
	}
}

func TestFormatStrings(t *testing.T) {
	f := testFilters()
	if got := f.FormatQuantityString("BTCUSDT", 0.0019); got != "0.001" {
		t.Errorf("FormatQuantityString = %q, want 0.001", got)
	}
	if got := f.FormatPriceString("BTCUSDT", 45000.07); got != "45000.1" {
		t.Errorf("FormatPriceString = %q, want 45000.1", got)
	}
}

func TestStepArithmeticIsClean(t *testing.T) {
	f := testFilters()
	// 0.1+0.2 style float noise must not leak into formatted values.
	got := f.FormatQuantity("BTCUSDT", 0.3)
	if math.Abs(got-0.3) > 1e-12 {
		t.Errorf("FormatQuantity(0.3) = %v, want exactly 0.3", got)
	}
}
