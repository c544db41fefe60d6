// Package emulator implements the deterministic exchange emulator used
// in sim mode: shadow order books, maker queue-position tracking with
// cancel-decay, and taker matching against replayed depth and trades.
//
// Grounded on original_source/sim_engine/exchange.go's ExchangeEmulator
// (SimOrder, cancel-decay against shrinking book levels, taker-then-maker
// order arrival handling) and spec.md §4.8, reworked around the bus/sim
// engine plumbing instead of a direct event_engine.put() callback style.
package emulator

import (
	"time"

	"github.com/bo0619/hfmm-engine/pkg/types"
)

const fillEpsilon = 1e-8

// simOrder is one resting or in-flight order inside the emulator. It is
// not the same type as orders.Order: the emulator only needs enough
// state to match fills and decay queue position, and it produces
// ExchangeOrderUpdate events that the real OMS consumes just like it
// would from a live exchange.
type simOrder struct {
	clientOID string
	exchOID   string
	symbol    string
	side      types.Side
	price     float64
	volume    float64

	entryTime  time.Time
	queueAhead float64
	filled     float64
	active     bool
	isMaker    bool
}

func newSimOrder(req types.OrderRequest, exchOID string, price float64, now time.Time) *simOrder {
	return &simOrder{
		clientOID: req.ClientOID,
		exchOID:   exchOID,
		symbol:    req.Symbol,
		side:      req.Side,
		price:     price,
		volume:    req.Volume,
		entryTime: now,
		active:    true,
	}
}

func (o *simOrder) remaining() float64 {
	r := o.volume - o.filled
	if r < 0 {
		return 0
	}
	return r
}
