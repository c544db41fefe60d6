// Package refdata holds the per-contract reference data table: tick size,
// step size, minimum quantity/notional, and price/quantity precision. It
// is read-mostly after initialisation (see concurrency model, §5) and is
// the single place that knows how to round a raw price or quantity into
// an exchange-acceptable one.
//
// Grounded on the teacher's pkg/types.TickSize (Decimals/AmountDecimals),
// generalised from Polymarket's four fixed tick sizes to an arbitrary
// per-symbol table, and exercising shopspring/decimal for the flooring
// and rounding the teacher's own go.mod declared but never used.
package refdata

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/bo0619/hfmm-engine/pkg/types"
)

// Table is a read-mostly per-symbol contract reference table.
type Table struct {
	mu       sync.RWMutex
	contracts map[string]types.ContractInfo
}

// New builds an empty table. Load contracts with Load before trading.
func New() *Table {
	return &Table{contracts: make(map[string]types.ContractInfo)}
}

// Load installs the reference data for a set of contracts, typically
// fetched once at startup. Per §7, failure to load reference data before
// trading begins is a fatal condition for the caller to enforce.
func (t *Table) Load(contracts []types.ContractInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range contracts {
		t.contracts[c.Symbol] = c
	}
}

// Get returns the contract info for a symbol.
func (t *Table) Get(symbol string) (types.ContractInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.contracts[symbol]
	return c, ok
}

// RoundPrice rounds a raw price to the symbol's price_precision decimals.
// Returns an error if the symbol is unknown.
func (t *Table) RoundPrice(symbol string, price float64) (float64, error) {
	c, ok := t.Get(symbol)
	if !ok {
		return 0, fmt.Errorf("refdata: unknown symbol %q", symbol)
	}
	d := decimal.NewFromFloat(price).Round(int32(c.PricePrecision))
	f, _ := d.Float64()
	return f, nil
}

// RoundQty floors a raw quantity to the nearest step_size, then rounds
// the result to qty_precision decimals, per §6's rounding rules.
func (t *Table) RoundQty(symbol string, qty float64) (float64, error) {
	c, ok := t.Get(symbol)
	if !ok {
		return 0, fmt.Errorf("refdata: unknown symbol %q", symbol)
	}
	if c.StepSize <= 0 {
		return 0, fmt.Errorf("refdata: symbol %q has non-positive step_size", symbol)
	}

	q := decimal.NewFromFloat(qty)
	step := decimal.NewFromFloat(c.StepSize)
	floored := q.Div(step).Floor().Mul(step)
	rounded := floored.Round(int32(c.QtyPrecision))
	f, _ := rounded.Float64()
	return f, nil
}

// MeetsMinNotional reports whether price*qty clears the symbol's
// min_notional floor. Used by the OMS's static validation step.
func (t *Table) MeetsMinNotional(symbol string, price, qty float64) (bool, error) {
	c, ok := t.Get(symbol)
	if !ok {
		return false, fmt.Errorf("refdata: unknown symbol %q", symbol)
	}
	return price*qty >= c.MinNotional, nil
}

// MeetsMinQty reports whether qty clears the symbol's min_qty floor.
func (t *Table) MeetsMinQty(symbol string, qty float64) (bool, error) {
	c, ok := t.Get(symbol)
	if !ok {
		return false, fmt.Errorf("refdata: unknown symbol %q", symbol)
	}
	return qty >= c.MinQty, nil
}

// Symbols returns every symbol currently loaded.
func (t *Table) Symbols() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.contracts))
	for s := range t.contracts {
		out = append(out, s)
	}
	return out
}
