package exchange

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
)

// Filters holds the per-symbol venue filters and applies step and tick
// rounding. It is safe for concurrent use; Reload swaps the whole map.
type Filters struct {
	mu      sync.RWMutex
	symbols map[string]SymbolInfo
}

// NewFilters builds a filter set from loaded symbol info.
func NewFilters(symbols map[string]SymbolInfo) *Filters {
	if symbols == nil {
		symbols = make(map[string]SymbolInfo)
	}
	return &Filters{symbols: symbols}
}

// Reload replaces the symbol map.
func (f *Filters) Reload(symbols map[string]SymbolInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.symbols = symbols
}

// Lookup returns the filters for a symbol.
func (f *Filters) Lookup(symbol string) (SymbolInfo, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	info, ok := f.symbols[symbol]
	return info, ok
}

// Known reports whether the symbol is tradable on the venue.
func (f *Filters) Known(symbol string) bool {
	info, ok := f.Lookup(symbol)
	return ok && info.Tradable()
}

// FormatQuantity rounds a quantity down to the symbol's step size.
func (f *Filters) FormatQuantity(symbol string, qty float64) float64 {
	info, ok := f.Lookup(symbol)
	if !ok || info.QtyStep <= 0 {
		return qty
	}
	steps := math.Floor(qty/info.QtyStep + 1e-9)
	return roundToStep(steps*info.QtyStep, info.QtyStep)
}

// FormatPrice rounds a price to the symbol's tick size.
func (f *Filters) FormatPrice(symbol string, price float64) float64 {
	info, ok := f.Lookup(symbol)
	if !ok || info.PriceTick <= 0 {
		return price
	}
	ticks := math.Round(price / info.PriceTick)
	return roundToStep(ticks*info.PriceTick, info.PriceTick)
}

// CalcMinQuantity returns the smallest valid quantity at the given price:
// max(min_quantity, min_notional/price rounded UP to the step).
func (f *Filters) CalcMinQuantity(symbol string, price float64) float64 {
	info, ok := f.Lookup(symbol)
	if !ok || price <= 0 {
		return 0
	}
	minQty := info.MinQty
	if info.MinNotional > 0 {
		byNotional := info.MinNotional / price
		if info.QtyStep > 0 {
			steps := math.Ceil(byNotional/info.QtyStep - 1e-9)
			byNotional = roundToStep(steps*info.QtyStep, info.QtyStep)
		}
		if byNotional > minQty {
			minQty = byNotional
		}
	}
	return minQty
}

// roundToStep trims float noise from step arithmetic by formatting at the
// step's own decimal precision.
func roundToStep(v, step float64) float64 {
	prec := stepPrecision(step)
	out, _ := strconv.ParseFloat(strconv.FormatFloat(v, 'f', prec, 64), 64)
	return out
}

// stepPrecision returns the number of decimals a step size carries,
// e.g. 0.001 -> 3, 1 -> 0.
func stepPrecision(step float64) int {
	s := strconv.FormatFloat(step, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

// FormatQuantityString renders a quantity with the symbol's step precision,
// the form the venue REST API expects.
func (f *Filters) FormatQuantityString(symbol string, qty float64) string {
	info, ok := f.Lookup(symbol)
	if !ok || info.QtyStep <= 0 {
		return strconv.FormatFloat(qty, 'f', -1, 64)
	}
	return fmt.Sprintf("%.*f", stepPrecision(info.QtyStep), f.FormatQuantity(symbol, qty))
}

// FormatPriceString renders a price with the symbol's tick precision.
func (f *Filters) FormatPriceString(symbol string, price float64) string {
	info, ok := f.Lookup(symbol)
	if !ok || info.PriceTick <= 0 {
		return strconv.FormatFloat(price, 'f', -1, 64)
	}
	return fmt.Sprintf("%.*f", stepPrecision(info.PriceTick), f.FormatPrice(symbol, price))
}
