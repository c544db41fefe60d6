// Package types defines the shared data structures used across all packages.
//
// This is the common vocabulary for the engine: order intents, book deltas,
// trades, and the lifecycle snapshots that cross the event bus. It has no
// dependency on any internal package, so it can be imported by any layer
// (gateway, OMS, sim, strategy) without import cycles.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Sign returns +1 for Buy and -1 for Sell, for signed-quantity arithmetic.
func (s Side) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

// TimeInForce enumerates the order lifetimes the gateway contract supports.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // good-til-cancelled
	TIFIOC TimeInForce = "IOC" // immediate-or-cancel
	TIFGTX TimeInForce = "GTX" // post-only, cancelled if it would cross
)

// OrderStatus is the order lifecycle state machine. See OMS Core design
// notes for the full transition table.
type OrderStatus string

const (
	StatusCreated         OrderStatus = "CREATED"
	StatusSubmitting      OrderStatus = "SUBMITTING"
	StatusPendingAck      OrderStatus = "PENDING_ACK"
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelling      OrderStatus = "CANCELLING"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// IsActive reports whether an order in this status still occupies exposure
// and open-order margin.
func (s OrderStatus) IsActive() bool {
	switch s {
	case StatusSubmitting, StatusPendingAck, StatusNew, StatusPartiallyFilled, StatusCancelling:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status can never transition further.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// GatewayState tracks the connectivity lifecycle of a Gateway.
type GatewayState string

const (
	GatewayDisconnected GatewayState = "DISCONNECTED"
	GatewayConnecting   GatewayState = "CONNECTING"
	GatewayReady        GatewayState = "READY"
)

// Mode selects which collaborators the engine wires at startup.
type Mode string

const (
	ModeLive   Mode = "live"
	ModeDryRun Mode = "dry_run"
	ModeSim    Mode = "sim"
)

// ————————————————————————————————————————————————————————————————————————
// Order intent / request
// ————————————————————————————————————————————————————————————————————————

// OrderIntent is the strategy-facing order specification handed to
// OMS.SubmitOrder. It carries no identity of its own; the OMS allocates
// the client_oid.
type OrderIntent struct {
	Symbol      string
	Side        Side
	Price       decimal.Decimal
	Volume      float64
	TimeInForce TimeInForce
	PostOnly    bool
	IsRPI       bool // retail-price-improvement post-only variant
}

// Notional returns Price*Volume using decimal arithmetic for the price leg.
func (i OrderIntent) Notional() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromFloat(i.Volume))
}

// OrderRequest is what the OMS hands to a Gateway: the wire-agnostic
// instruction to place an order. Gateways translate this into their own
// request/signing format.
type OrderRequest struct {
	ClientOID   string
	Symbol      string
	Side        Side
	Price       decimal.Decimal
	Volume      float64
	TimeInForce TimeInForce
	PostOnly    bool
	IsRPI       bool
}

// CancelRequest asks a Gateway to cancel a single resting order.
type CancelRequest struct {
	Symbol      string
	ExchangeOID string // exchange order id if known
	FallbackOID string // client_oid to use if ExchangeOID is empty
}

// OID returns the identifier to send to the exchange for this cancel.
func (c CancelRequest) OID() string {
	if c.ExchangeOID != "" {
		return c.ExchangeOID
	}
	return c.FallbackOID
}

// ————————————————————————————————————————————————————————————————————————
// Order book / market data
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single resting quantity at a price.
type PriceLevel struct {
	Price float64
	Size  float64
}

// BookSnapshot is the full-replace book state used to (re)initialise a
// LocalBook. LastUpdateID anchors the subsequent delta stream.
type BookSnapshot struct {
	Symbol       string
	LastUpdateID int64
	Bids         []PriceLevel
	Asks         []PriceLevel
}

// BookDelta is an incremental depth update. U/u/PU follow the exchange's
// documented update-id bridging scheme (see internal/book).
type BookDelta struct {
	Symbol string
	U      int64 // first update id in this event
	FinalU int64 // final (last) update id in this event, called "u"
	PU     int64 // previous event's final update id
	Bids   []PriceLevel
	Asks   []PriceLevel
}

// BookEvent is emitted onto the bus whenever a local book is mutated and
// initialised; it is a point-in-time copy, safe to read without locking.
type BookEvent struct {
	Symbol    string
	Timestamp time.Time
	Bids      map[float64]float64
	Asks      map[float64]float64
}

// BestBidAsk returns the best (highest) bid and (lowest) ask, or zero values
// if that side is empty.
func (b BookEvent) BestBidAsk() (bid, ask float64) {
	for p := range b.Bids {
		if p > bid {
			bid = p
		}
	}
	for p := range b.Asks {
		if ask == 0 || p < ask {
			ask = p
		}
	}
	return bid, ask
}

// MidPrice returns (bid+ask)/2, or 0 if either side is empty.
func (b BookEvent) MidPrice() float64 {
	bid, ask := b.BestBidAsk()
	if bid <= 0 || ask <= 0 {
		return 0
	}
	return (bid + ask) / 2
}

// AggTrade is an aggregated public trade print.
type AggTrade struct {
	Symbol       string
	TradeID      int64
	Price        float64
	Qty          float64
	MakerIsBuyer bool // true: aggressor sold into resting bids
	Timestamp    time.Time
}

// MarkPrice is the exchange-computed reference price used for margin and
// unrealised PnL.
type MarkPrice struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Exchange order lifecycle updates
// ————————————————————————————————————————————————————————————————————————

// ExchangeOrderUpdate is the normalised lifecycle event a Gateway pushes
// onto the bus for every acknowledgement, fill, cancel, or rejection.
type ExchangeOrderUpdate struct {
	ClientOID    string
	ExchangeOID  string
	Symbol       string
	Status       string // NEW, PARTIALLY_FILLED, FILLED, CANCELED, EXPIRED, REJECTED
	FilledQty    float64
	FilledPrice  float64
	CumFilledQty float64
	UpdateTime   time.Time
	RejectReason string
}

// OrderSnapshot is a read-only view of an Order's current state, emitted
// after a lifecycle transition.
type OrderSnapshot struct {
	ClientOID    string
	ExchangeOID  string
	Symbol       string
	Side         Side
	Status       OrderStatus
	Price        decimal.Decimal
	Volume       float64
	FilledVolume float64
	AvgPrice     float64
	UpdatedAt    time.Time
	ErrorMsg     string
}

// Trade is a single fill synthesised by the OMS when it observes a
// filled/partially-filled exchange update.
type Trade struct {
	Symbol    string
	OrderID   string
	TradeID   string
	Side      Side
	Price     float64
	Volume    float64
	Timestamp time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Exposure / account / health snapshots
// ————————————————————————————————————————————————————————————————————————

// PositionSnapshot is emitted whenever exposure.OnFill mutates a symbol's
// net position.
type PositionSnapshot struct {
	Symbol   string
	Volume   float64 // signed: >0 long, <0 short
	AvgPrice float64
	PnL      float64
}

// AccountSnapshot is emitted whenever the account manager recomputes.
type AccountSnapshot struct {
	Balance    float64
	Equity     float64
	Available  float64
	UsedMargin float64
	Timestamp  time.Time
}

// PositionDiff records a symbol where local and remote positions disagree
// during reconciliation.
type PositionDiff struct {
	Symbol string
	Local  float64
	Remote float64
	Delta  float64
}

// SystemHealth is published by the OMS reconciliation loop.
type SystemHealth struct {
	TotalExposure    float64
	MarginRatio      float64
	PositionDiffs    []PositionDiff
	LocalOrderCount  int
	RemoteOrderCount int
	IsSyncError      bool
	CancellingCount  int
	FillRatio        float64
	Timestamp        time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Reference data
// ————————————————————————————————————————————————————————————————————————

// ContractInfo carries the per-symbol rounding and minimum-size rules a
// strategy or the OMS must respect before submitting an order.
type ContractInfo struct {
	Symbol         string
	TickSize       float64
	StepSize       float64
	MinQty         float64
	MinNotional    float64
	PricePrecision int
	QtyPrecision   int
}

// ————————————————————————————————————————————————————————————————————————
// Simulation
// ————————————————————————————————————————————————————————————————————————

// Sim event priorities. Lower values run first among events scheduled for
// the same timestamp.
const (
	PriorityMarketData   = 0
	PriorityGatewayEvent = 5
	PriorityTimer        = 10
)
