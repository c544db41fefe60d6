// Package orders implements the order lifecycle state machine and the
// registry that the OMS drives: client_oid/exchange_oid identity, fill
// accumulation, and the ACK-timeout watchdog (§4.5).
//
// Grounded on the teacher's internal/risk/manager.go (ticker-driven
// background loop, non-blocking channel emission with drop-and-warn on
// a full channel) for the watchdog shape, generalised from a
// position-report watchdog to a per-order ACK deadline tracker.
package orders

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bo0619/hfmm-engine/pkg/types"
)

// FillEpsilon is the tolerance below which remaining volume is treated
// as fully filled (§4.5: "filled_volume ≥ intent.volume − ε").
const FillEpsilon = 1e-8

// ErrInvalidTransition is returned when a caller requests a state
// transition the lifecycle state machine does not permit.
var ErrInvalidTransition = errors.New("orders: invalid state transition")

// forward transitions, in addition to the two rules applied in
// transitionLocked(): any state in cancellable may move to CANCELLING,
// and any non-terminal state may move to REJECTED.
var forward = map[types.OrderStatus][]types.OrderStatus{
	types.StatusCreated:         {types.StatusSubmitting},
	types.StatusSubmitting:      {types.StatusPendingAck, types.StatusNew},
	types.StatusPendingAck:      {types.StatusNew},
	types.StatusNew:             {types.StatusPartiallyFilled, types.StatusFilled, types.StatusExpired},
	types.StatusPartiallyFilled: {types.StatusFilled, types.StatusExpired},
	types.StatusCancelling:      {types.StatusCancelled},
}

// cancellable is the set of states §4.5 allows to move to CANCELLING.
var cancellable = map[types.OrderStatus]bool{
	types.StatusSubmitting:      true,
	types.StatusPendingAck:      true,
	types.StatusNew:             true,
	types.StatusPartiallyFilled: true,
}

// Order is a single resting/working order and its lifecycle state.
// Exported methods hold the order's own mutex; the Registry additionally
// holds its own lock for id-map consistency, per the OMS's single
// re-entrant-lock model (§5) implemented one layer up.
type Order struct {
	mu sync.Mutex

	ClientOID   string
	ExchangeOID string

	Symbol      string
	Side        types.Side
	Price       decimal.Decimal
	Volume      float64
	TimeInForce types.TimeInForce
	PostOnly    bool
	IsRPI       bool

	FilledVolume float64
	AvgPrice     float64
	Status       types.OrderStatus
	ErrorMsg     string

	CreatedAt   time.Time
	SubmittedAt time.Time
	UpdatedAt   time.Time
}

// newOrder builds a CREATED order from a strategy intent.
func newOrder(clientOID string, intent types.OrderIntent) *Order {
	now := time.Now()
	return &Order{
		ClientOID:   clientOID,
		Symbol:      intent.Symbol,
		Side:        intent.Side,
		Price:       intent.Price,
		Volume:      intent.Volume,
		TimeInForce: intent.TimeInForce,
		PostOnly:    intent.PostOnly,
		IsRPI:       intent.IsRPI,
		Status:      types.StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Transition moves the order to a new status if the lifecycle allows it.
func (o *Order) Transition(to types.OrderStatus) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transitionLocked(to)
}

func (o *Order) transitionLocked(to types.OrderStatus) error {
	if o.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, o.Status)
	}

	if to == o.Status {
		return nil
	}

	if to == types.StatusCancelling && cancellable[o.Status] {
		o.setStatusLocked(to)
		return nil
	}
	if to == types.StatusRejected {
		o.setStatusLocked(to)
		return nil
	}
	for _, allowed := range forward[o.Status] {
		if allowed == to {
			o.setStatusLocked(to)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
}

func (o *Order) setStatusLocked(to types.OrderStatus) {
	o.Status = to
	o.UpdatedAt = time.Now()
}

// AddFill accumulates a fill: updates cumulative volume and volume-
// weighted average price, then advances to PARTIALLY_FILLED or FILLED.
func (o *Order) AddFill(qty, price float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot fill terminal order %s", ErrInvalidTransition, o.ClientOID)
	}

	totalCost := o.AvgPrice*o.FilledVolume + price*qty
	o.FilledVolume += qty
	if o.FilledVolume > 0 {
		o.AvgPrice = totalCost / o.FilledVolume
	}

	if o.FilledVolume >= o.Volume-FillEpsilon {
		return o.transitionLocked(types.StatusFilled)
	}
	return o.transitionLocked(types.StatusPartiallyFilled)
}

// BindExchangeOID records the exchange-assigned id once the gateway
// accepts the order.
func (o *Order) BindExchangeOID(exchangeOID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ExchangeOID = exchangeOID
}

// IsActive reports whether the order currently occupies exposure and
// open-order margin.
func (o *Order) IsActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Status.IsActive()
}

// Snapshot returns a point-in-time, lock-free copy of the order state.
func (o *Order) Snapshot() types.OrderSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return types.OrderSnapshot{
		ClientOID:    o.ClientOID,
		ExchangeOID:  o.ExchangeOID,
		Symbol:       o.Symbol,
		Side:         o.Side,
		Status:       o.Status,
		Price:        o.Price,
		Volume:       o.Volume,
		FilledVolume: o.FilledVolume,
		AvgPrice:     o.AvgPrice,
		UpdatedAt:    o.UpdatedAt,
		ErrorMsg:     o.ErrorMsg,
	}
}

// Remaining returns the unfilled volume.
func (o *Order) Remaining() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	r := o.Volume - o.FilledVolume
	if r < 0 {
		return 0
	}
	return r
}

// SetError records an error message alongside a REJECTED transition.
func (o *Order) SetError(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ErrorMsg = msg
}
