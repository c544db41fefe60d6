// Package exposure implements the Exposure Manager: the single writer
// for net position, average price, and open-order aggregates per
// symbol, plus the pre-trade worst-case risk check (§4.3).
//
// Grounded on the teacher's internal/strategy/inventory.go (OnFill,
// average-price maintenance, sign-flip handling via applyYesFill/
// applyNoFill), generalised from two-sided binary-outcome inventory to
// a signed single-instrument net position.
package exposure

import (
	"fmt"
	"math"
	"sync"

	"github.com/bo0619/hfmm-engine/pkg/types"
)

const zeroEpsilon = 1e-9

// position holds the authoritative exposure state for one symbol.
type position struct {
	netPosition float64
	avgPrice    float64
	openBuyQty  float64
	openSellQty float64
}

// OpenOrderView is the minimal view of an active order the Exposure
// Manager needs to recompute open-side aggregates: its side and
// remaining (unfilled) volume.
type OpenOrderView struct {
	Side      types.Side
	Remaining float64
}

// Manager is the single writer for net position across all symbols.
// Safe for concurrent use; callers (the OMS) are expected to hold their
// own outer lock around a submit/cancel/fill sequence per §5, so this
// manager's own locking only protects against unrelated readers.
type Manager struct {
	mu   sync.RWMutex
	pos  map[string]*position
}

// New creates an empty Exposure Manager.
func New() *Manager {
	return &Manager{pos: make(map[string]*position)}
}

func (m *Manager) get(symbol string) *position {
	p, ok := m.pos[symbol]
	if !ok {
		p = &position{}
		m.pos[symbol] = p
	}
	return p
}

// OnFill applies a single fill to the symbol's net position and average
// price, per the rules in §4.3: increasing fills blend into the
// average, decreasing fills leave it unchanged, and a sign flip resets
// the average to the fill price. Returns the resulting snapshot.
func (m *Manager) OnFill(symbol string, side types.Side, qty, price float64) types.PositionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.get(symbol)
	delta := qty * side.Sign()
	current := p.netPosition
	newPos := current + delta

	sameSignOrFlat := current == 0 || sign(current) == sign(delta)

	switch {
	case sameSignOrFlat:
		absCur := math.Abs(current)
		absNew := math.Abs(newPos)
		if absNew > 0 {
			p.avgPrice = (absCur*p.avgPrice + qty*price) / absNew
		}
	case sign(newPos) != sign(current) && newPos != 0:
		// crossed zero: reset average to the fill price
		p.avgPrice = price
	default:
		// decreasing while sign stable: average unchanged
	}

	if math.Abs(newPos) < zeroEpsilon {
		newPos = 0
		p.avgPrice = 0
	}
	p.netPosition = newPos

	return types.PositionSnapshot{
		Symbol:   symbol,
		Volume:   p.netPosition,
		AvgPrice: p.avgPrice,
	}
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	if v > 0 {
		return 1
	}
	return 0
}

// RecomputeOpenAggregates rebuilds open_buy_qty/open_sell_qty for a
// symbol from the current set of active orders. Called under the OMS
// lock whenever the active order set changes (§4.3: "simpler and more
// robust than incremental maintenance").
func (m *Manager) RecomputeOpenAggregates(symbol string, active []OpenOrderView) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.get(symbol)
	p.openBuyQty = 0
	p.openSellQty = 0
	for _, o := range active {
		if o.Side == types.Buy {
			p.openBuyQty += o.Remaining
		} else {
			p.openSellQty += o.Remaining
		}
	}
}

// Snapshot returns the current exposure state for a symbol.
func (m *Manager) Snapshot(symbol string) types.PositionSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pos[symbol]
	if !ok {
		return types.PositionSnapshot{Symbol: symbol}
	}
	return types.PositionSnapshot{Symbol: symbol, Volume: p.netPosition, AvgPrice: p.avgPrice}
}

// OpenQty returns (open_buy_qty, open_sell_qty) for a symbol.
func (m *Manager) OpenQty(symbol string) (buy, sell float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pos[symbol]
	if !ok {
		return 0, 0
	}
	return p.openBuyQty, p.openSellQty
}

// SetNetPosition force-sets a symbol's position (used by the OMS's
// forced sync to clear and refill exposure from an authoritative
// exchange snapshot, §4.6).
func (m *Manager) SetNetPosition(symbol string, netPosition, avgPrice float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.get(symbol)
	p.netPosition = netPosition
	p.avgPrice = avgPrice
}

// CheckRisk performs the double-sided worst-case pre-trade risk check
// (§4.3): it rejects if the mark price is unavailable (≤0) or if the
// worst-case notional across either extreme (all buys fill, or all
// sells fill) exceeds maxPosNotional.
func (m *Manager) CheckRisk(symbol string, side types.Side, volume, markPrice, maxPosNotional float64) error {
	if markPrice <= 0 {
		return fmt.Errorf("exposure: no mark price available for %s", symbol)
	}

	m.mu.RLock()
	p := m.pos[symbol]
	m.mu.RUnlock()

	var current, openBuy, openSell float64
	if p != nil {
		current, openBuy, openSell = p.netPosition, p.openBuyQty, p.openSellQty
	}

	worstLong := current + openBuy
	worstShort := current - openSell
	if side == types.Buy {
		worstLong += volume
	} else {
		worstShort -= volume
	}

	worstNotional := math.Max(math.Abs(worstLong), math.Abs(worstShort)) * markPrice
	if worstNotional > maxPosNotional {
		return fmt.Errorf("exposure: worst-case notional %.2f exceeds limit %.2f for %s", worstNotional, maxPosNotional, symbol)
	}
	return nil
}
