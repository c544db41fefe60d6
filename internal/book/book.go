// Package book implements the local limit-order book: it reconstructs
// per-symbol depth from a snapshot plus a sequenced delta stream, with
// strict gap detection (§3, §4.2).
//
// Grounded on the teacher's internal/market/book.go (RWMutex-guarded
// snapshot/delta book, BestBidAsk/MidPrice/IsStale-style accessors),
// generalised from Polymarket's full-replace book to the spec's
// snapshot-plus-gap-checked-delta model used by real futures exchanges.
package book

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bo0619/hfmm-engine/internal/eventbus"
	"github.com/bo0619/hfmm-engine/pkg/types"
)

// ErrGap is raised when a delta cannot be bridged onto the current book
// state. The caller (gateway/OMS wiring) must trigger a resync.
var ErrGap = errors.New("book: sequence gap detected")

// Book maintains a local mirror of one symbol's order book.
type Book struct {
	mu     sync.RWMutex
	symbol string

	bids map[float64]float64
	asks map[float64]float64

	lastUpdateID int64
	initialized  bool

	// justInitialized is true until the first delta after a snapshot
	// install has been applied; only that delta is checked with the
	// bridging predicate (U ≤ last+1 ≤ u), every later one must chain
	// through pu.
	justInitialized bool

	buffer []types.BookDelta // deltas buffered while awaiting a snapshot

	updated time.Time
	bus     *eventbus.Bus
}

// New creates an uninitialised local book for a symbol. It will buffer
// deltas until ApplySnapshot is called.
func New(symbol string, bus *eventbus.Bus) *Book {
	return &Book{
		symbol: symbol,
		bids:   make(map[float64]float64),
		asks:   make(map[float64]float64),
		bus:    bus,
	}
}

// ApplySnapshot installs a fresh book state and replays any deltas that
// arrived while the snapshot was in flight, discarding those with
// u < snapshot id. The first event processed after the snapshot — replay
// or, if none are buffered, the next live delta — must satisfy
// U ≤ last_update_id+1 ≤ u or a GapError is raised and resync retriggers.
func (b *Book) ApplySnapshot(snap types.BookSnapshot) error {
	b.mu.Lock()
	b.bids = levelsToMap(snap.Bids)
	b.asks = levelsToMap(snap.Asks)
	b.lastUpdateID = snap.LastUpdateID
	b.initialized = true
	b.justInitialized = true
	b.updated = time.Now()

	pending := b.buffer
	b.buffer = nil
	b.mu.Unlock()

	for _, d := range pending {
		if err := b.ApplyDelta(d); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.emitSnapshotLocked()
	b.mu.Unlock()
	return nil
}

// ApplyDelta applies one incremental depth update. If the book is not
// yet initialised, the delta is buffered for replay once a snapshot
// arrives. The first event processed after (re)initialisation must
// satisfy U ≤ last_update_id+1 ≤ u. In steady state thereafter, pu must
// equal last_update_id; any mismatch raises a GapError (§4.2).
func (b *Book) ApplyDelta(d types.BookDelta) error {
	b.mu.Lock()

	if !b.initialized {
		b.buffer = append(b.buffer, d)
		b.mu.Unlock()
		return nil
	}

	if d.FinalU < b.lastUpdateID {
		// stale, drop silently
		b.mu.Unlock()
		return nil
	}

	if b.justInitialized {
		if !(d.U <= b.lastUpdateID+1 && b.lastUpdateID+1 <= d.FinalU) {
			b.mu.Unlock()
			return b.raiseGap(fmt.Sprintf("first event after init does not bridge: U=%d u=%d last+1=%d", d.U, d.FinalU, b.lastUpdateID+1))
		}
	} else {
		if d.PU != b.lastUpdateID {
			b.mu.Unlock()
			return b.raiseGap(fmt.Sprintf("delta pu=%d does not match last_update_id=%d", d.PU, b.lastUpdateID))
		}
	}

	for _, lvl := range d.Bids {
		applyLevel(b.bids, lvl)
	}
	for _, lvl := range d.Asks {
		applyLevel(b.asks, lvl)
	}
	b.lastUpdateID = d.FinalU
	b.justInitialized = false
	b.updated = time.Now()

	b.emitSnapshotLocked()
	b.mu.Unlock()
	return nil
}

// raiseGap marks the book un-initialised, clears replayable state
// (buffer starts fresh so subsequent deltas are captured during
// resync), and publishes a GapErrorMsg. It returns ErrGap so the
// caller's control flow can react.
func (b *Book) raiseGap(reason string) error {
	b.mu.Lock()
	b.initialized = false
	b.justInitialized = false
	b.buffer = nil
	b.mu.Unlock()

	if b.bus != nil {
		b.bus.Put(eventbus.GapErrorMsg{Symbol: b.symbol, Reason: reason})
	}
	return fmt.Errorf("%w: %s", ErrGap, reason)
}

// emitSnapshotLocked publishes a point-in-time BookEvent. Suppressed
// when the book is not initialised to protect downstream strategies
// from stale data. Caller must hold b.mu.
func (b *Book) emitSnapshotLocked() {
	if !b.initialized || b.bus == nil {
		return
	}
	b.bus.Put(eventbus.BookEventMsg{BookEvent: types.BookEvent{
		Symbol:    b.symbol,
		Timestamp: b.updated,
		Bids:      copyMap(b.bids),
		Asks:      copyMap(b.asks),
	}})
}

// BestBidAsk returns the best bid/ask, or zero values if a side is empty.
func (b *Book) BestBidAsk() (bid, ask float64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return 0, 0, false
	}
	for p := range b.bids {
		if p > bid {
			bid = p
		}
	}
	for p := range b.asks {
		if ask == 0 || p < ask {
			ask = p
		}
	}
	return bid, ask, true
}

// MidPrice returns (bid+ask)/2, or false if either side is empty.
func (b *Book) MidPrice() (float64, bool) {
	bid, ask, ok := b.BestBidAsk()
	if !ok {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// IsInitialized reports whether the book currently trusts its state.
func (b *Book) IsInitialized() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.initialized
}

// IsStale reports whether the book hasn't updated within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// LastUpdateID returns the current monotone update id.
func (b *Book) LastUpdateID() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdateID
}

func applyLevel(side map[float64]float64, lvl types.PriceLevel) {
	if lvl.Size == 0 {
		delete(side, lvl.Price)
		return
	}
	side[lvl.Price] = lvl.Size
}

func levelsToMap(levels []types.PriceLevel) map[float64]float64 {
	m := make(map[float64]float64, len(levels))
	for _, lvl := range levels {
		if lvl.Size == 0 {
			continue
		}
		m[lvl.Price] = lvl.Size
	}
	return m
}

func copyMap(m map[float64]float64) map[float64]float64 {
	out := make(map[float64]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
