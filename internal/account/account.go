// Package account implements the Account Manager: full on-demand
// recomputation of balance, equity, used margin, and available margin
// from exposure plus current mark prices (§4.4).
//
// Grounded on the teacher's internal/strategy/inventory.go
// (UpdateMarkToMarket/TotalExposureUSD mark-to-market pattern),
// generalised from a two-sided binary-outcome position to the signed
// net-position-per-symbol model leveraged margin trading.
package account

import (
	"math"
	"sync"

	"github.com/bo0619/hfmm-engine/pkg/types"
)

// PositionInput is one symbol's exposure state plus its current mark
// price, as fed into Recompute by the caller (the OMS, which reads
// exposure.Manager and its MarkPriceSource).
type PositionInput struct {
	Symbol     string
	NetPos     float64
	AvgPrice   float64
	OpenBuyQty float64
	OpenSell   float64
	MarkPrice  float64
}

// Manager holds realised balance and leverage, and derives equity,
// margin, and available funds on demand. Balance is the only field
// mutated directly (by realised PnL and fees); everything else is
// recomputed from exposure each time Recompute is called.
type Manager struct {
	mu       sync.RWMutex
	balance  float64
	leverage float64
	last     types.AccountSnapshot
}

// New creates an Account Manager with the given starting balance and
// account-wide leverage.
func New(initialBalance, leverage float64) *Manager {
	return &Manager{
		balance:  initialBalance,
		leverage: leverage,
		last:     types.AccountSnapshot{Balance: initialBalance, Equity: initialBalance, Available: initialBalance},
	}
}

// AddRealizedPnL mutates balance only, per §4.4: "Realised PnL and fees
// mutate balance only; margin/equity derive from it."
func (m *Manager) AddRealizedPnL(delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance += delta
}

// Recompute rebuilds equity, position margin, order margin, used
// margin, and available funds from the given per-symbol positions and
// mark prices, per the three-step formula in §4.4. A symbol whose mark
// price is unavailable (≤0) contributes zero unrealised PnL and zero
// margin rather than aborting the recompute.
func (m *Manager) Recompute(positions []PositionInput) types.AccountSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var unrealised, positionMargin, orderMargin float64

	for _, p := range positions {
		if p.MarkPrice <= 0 {
			continue
		}
		if p.NetPos != 0 {
			unrealised += (p.MarkPrice - p.AvgPrice) * p.NetPos
			positionMargin += math.Abs(p.NetPos) * p.MarkPrice / m.leverage
		}
		if p.OpenBuyQty > 0 || p.OpenSell > 0 {
			orderMargin += (p.OpenBuyQty + p.OpenSell) * p.MarkPrice / m.leverage
		}
	}

	equity := m.balance + unrealised
	usedMargin := positionMargin + orderMargin
	available := equity - usedMargin
	if available < 0 {
		available = 0
	}

	m.last = types.AccountSnapshot{
		Balance:    m.balance,
		Equity:     equity,
		Available:  available,
		UsedMargin: usedMargin,
	}
	return m.last
}

// Snapshot returns the most recently computed account state without
// recomputing.
func (m *Manager) Snapshot() types.AccountSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// CheckMargin reports whether the account can absorb an order of the
// given notional: available ≥ notional/leverage.
func (m *Manager) CheckMargin(notional float64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last.Available >= notional/m.leverage
}

// Leverage returns the account's configured leverage.
func (m *Manager) Leverage() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leverage
}
