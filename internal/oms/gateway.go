package oms

import (
	"context"

	"github.com/bo0619/hfmm-engine/pkg/types"
)

// Gateway is the abstraction the OMS drives to place/cancel orders and
// pull an authoritative snapshot for reconciliation. internal/gateway
// provides the live (REST+WS) and dry-run implementations;
// internal/chaos provides the sim-mode implementation, which drives the
// exchange emulator with fault injection (§4.10).
type Gateway interface {
	// SubmitOrder sends a new order request. On success it returns the
	// exchange-assigned id; an error means the request should be treated
	// as rejected.
	SubmitOrder(ctx context.Context, req types.OrderRequest) (exchangeOID string, err error)

	// CancelOrder requests cancellation of a single resting order.
	CancelOrder(ctx context.Context, req types.CancelRequest) error

	// CancelAll fires a bulk cancel for every resting order on a symbol.
	CancelAll(ctx context.Context, symbol string) error

	// FetchRemoteState returns the authoritative exchange-side view used
	// by the reconciliation loop (§4.6) and forced sync.
	FetchRemoteState(ctx context.Context) (RemoteState, error)
}

// RemoteState is the exchange's view of positions and open-order counts,
// pulled on each reconciliation tick.
type RemoteState struct {
	Positions       map[string]float64 // symbol -> net position
	OpenOrderCounts map[string]int     // symbol -> count of open orders
}
