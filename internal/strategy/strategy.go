// Package strategy implements the Strategy Base + Reference Data
// component (§2): a capability-set abstraction ("Strategy" accepts
// book/trade/order-snapshot/position callbacks, §9 REDESIGN FLAGS) that
// wires a concrete quoting implementation to the event bus, and intent
// construction (price/qty rounding, min-notional/min-qty filtering)
// shared by every such implementation.
//
// Concrete quoting mathematics — GLFT, an ML sniper, Avellaneda-Stoikov —
// are out of scope (§1) and live behind the Quoter interface. Adapted
// from the teacher's strategy/maker.go, which hard-wired one quoting
// algorithm directly to its market/exchange/risk types; here the bus
// subscription and rounding plumbing is split out so any Quoter can be
// dropped in without touching this package.
package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/bo0619/hfmm-engine/internal/eventbus"
	"github.com/bo0619/hfmm-engine/internal/refdata"
	"github.com/bo0619/hfmm-engine/pkg/types"
)

// Quoter reacts to market/order/position events and proposes intents.
// Every method may be called concurrently with the others is false: the
// bus dispatches handlers for a given event type in registration order
// on its single worker goroutine, so a Quoter never needs its own
// locking against this package, only against goroutines it spawns itself.
type Quoter interface {
	// OnBook is called on every local-book mutation and returns zero or
	// more intents to (re)quote this tick.
	OnBook(types.BookEvent) []types.OrderIntent
	// OnTrade is called on every public trade print.
	OnTrade(types.AggTrade)
	// OnOrderSnapshot is called after every one of the strategy's own
	// order lifecycle transitions.
	OnOrderSnapshot(types.OrderSnapshot)
	// OnPosition is called whenever the strategy's net position changes.
	OnPosition(types.PositionSnapshot)
}

// NoopQuoter never quotes. It is the default Quoter wired by the entry
// point until a concrete strategy (GLFT, an ML sniper, A-S quoting — all
// out of scope here, §1) is dropped in.
type NoopQuoter struct{}

func (NoopQuoter) OnBook(types.BookEvent) []types.OrderIntent { return nil }
func (NoopQuoter) OnTrade(types.AggTrade)                     {}
func (NoopQuoter) OnOrderSnapshot(types.OrderSnapshot)        {}
func (NoopQuoter) OnPosition(types.PositionSnapshot)          {}

// OMS narrows the OMS Core down to the one entry point the strategy base
// needs, so this package never depends on the concrete oms.OMS type.
type OMS interface {
	SubmitOrder(ctx context.Context, intent types.OrderIntent) (string, error)
}

// Base wires a Quoter to the event bus and turns its raw intents into
// exchange-legal orders before handing them to the OMS.
type Base struct {
	bus     *eventbus.Bus
	refdata *refdata.Table
	oms     OMS
	quoter  Quoter
	logger  *slog.Logger

	ctx context.Context
}

// NewBase builds a strategy base. Start must be called before any bus
// event reaches the quoter.
func NewBase(bus *eventbus.Bus, rd *refdata.Table, oms OMS, quoter Quoter, logger *slog.Logger) *Base {
	return &Base{
		bus:     bus,
		refdata: rd,
		oms:     oms,
		quoter:  quoter,
		logger:  logger.With("component", "strategy"),
	}
}

// Start registers the quoter's callbacks on the bus. ctx is retained and
// used for the OMS submit calls this base makes from bus handlers.
func (s *Base) Start(ctx context.Context) {
	s.ctx = ctx
	s.bus.Register(eventbus.TypeBookEvent, s.handleBook)
	s.bus.Register(eventbus.TypeAggTrade, s.handleTrade)
	s.bus.Register(eventbus.TypeOrderSnapshot, s.handleOrderSnapshot)
	s.bus.Register(eventbus.TypePositionUpdate, s.handlePosition)
}

func (s *Base) handleBook(e eventbus.Event) {
	msg, ok := e.(eventbus.BookEventMsg)
	if !ok {
		return
	}
	for _, raw := range s.quoter.OnBook(msg.BookEvent) {
		s.submit(raw)
	}
}

func (s *Base) handleTrade(e eventbus.Event) {
	if msg, ok := e.(eventbus.AggTradeMsg); ok {
		s.quoter.OnTrade(msg.AggTrade)
	}
}

func (s *Base) handleOrderSnapshot(e eventbus.Event) {
	if msg, ok := e.(eventbus.OrderSnapshotMsg); ok {
		s.quoter.OnOrderSnapshot(msg.OrderSnapshot)
	}
}

func (s *Base) handlePosition(e eventbus.Event) {
	if msg, ok := e.(eventbus.PositionUpdateMsg); ok {
		s.quoter.OnPosition(msg.PositionSnapshot)
	}
}

// submit rounds and validates raw before handing it to the OMS, logging
// and dropping it rather than failing the bus dispatch if it doesn't
// clear the contract's floors.
func (s *Base) submit(raw types.OrderIntent) {
	built, err := s.BuildIntent(raw)
	if err != nil {
		s.logger.Warn("dropping intent", "symbol", raw.Symbol, "side", raw.Side, "error", err)
		return
	}
	if _, err := s.oms.SubmitOrder(s.ctx, built); err != nil {
		s.logger.Warn("submit failed", "symbol", built.Symbol, "side", built.Side, "error", err)
	}
}

// BuildIntent rounds raw's price to the contract's price_precision decimals and its
// volume down to the nearest step size, then rejects the result if it
// falls below the contract's min_qty or min_notional floor (§2 "Strategy
// Base + Reference Data").
func (s *Base) BuildIntent(raw types.OrderIntent) (types.OrderIntent, error) {
	price, _ := raw.Price.Float64()

	roundedPrice, err := s.refdata.RoundPrice(raw.Symbol, price)
	if err != nil {
		return types.OrderIntent{}, err
	}
	roundedQty, err := s.refdata.RoundQty(raw.Symbol, raw.Volume)
	if err != nil {
		return types.OrderIntent{}, err
	}

	okQty, err := s.refdata.MeetsMinQty(raw.Symbol, roundedQty)
	if err != nil {
		return types.OrderIntent{}, err
	}
	if !okQty {
		return types.OrderIntent{}, fmt.Errorf("strategy: qty %g below min_qty for %s", roundedQty, raw.Symbol)
	}

	okNotional, err := s.refdata.MeetsMinNotional(raw.Symbol, roundedPrice, roundedQty)
	if err != nil {
		return types.OrderIntent{}, err
	}
	if !okNotional {
		return types.OrderIntent{}, fmt.Errorf("strategy: notional below min_notional for %s", raw.Symbol)
	}

	out := raw
	out.Price = decimal.NewFromFloat(roundedPrice)
	out.Volume = roundedQty
	return out, nil
}
