package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bo0619/hfmm-engine/internal/eventbus"
	"github.com/bo0619/hfmm-engine/internal/oms"
	"github.com/bo0619/hfmm-engine/pkg/types"
)

// DryRun is a no-network gateway: it accepts every order immediately,
// assigns a synthetic exchange id, and echoes a NEW acknowledgement onto
// the bus shortly after. It never fills orders on its own — dry_run
// mode is for exercising the OMS/strategy wiring against live market
// data without risking capital, not for simulating matching (that is
// the Exchange Emulator's job in sim mode).
//
// Grounded on the spec's "gateway contract" (§6) applied to the
// original_source implementation's dry-run gateway: accept
// unconditionally, echo back a NEW ack, never simulate fills.
type DryRun struct {
	bus     *eventbus.Bus
	logger  *slog.Logger
	counter int64
}

// NewDryRun builds a dry-run gateway that publishes acks onto bus.
func NewDryRun(bus *eventbus.Bus, logger *slog.Logger) *DryRun {
	return &DryRun{
		bus:    bus,
		logger: logger.With("component", "gateway_dryrun"),
	}
}

// SubmitOrder always succeeds: it assigns a synthetic exchange id and
// schedules a NEW acknowledgement a few milliseconds later, mimicking
// real exchange ack latency closely enough to exercise the ACK watchdog
// path without ever tripping it under normal test timeouts.
func (d *DryRun) SubmitOrder(ctx context.Context, req types.OrderRequest) (string, error) {
	n := atomic.AddInt64(&d.counter, 1)
	exchangeOID := fmt.Sprintf("DRYRUN-%d", n)

	go func() {
		time.Sleep(10 * time.Millisecond)
		d.bus.Put(eventbus.OrderUpdateMsg{ExchangeOrderUpdate: types.ExchangeOrderUpdate{
			ClientOID:   req.ClientOID,
			ExchangeOID: exchangeOID,
			Symbol:      req.Symbol,
			Status:      "NEW",
			UpdateTime:  time.Now(),
		}})
	}()
	return exchangeOID, nil
}

// CancelOrder always succeeds, echoing a CANCELED update.
func (d *DryRun) CancelOrder(ctx context.Context, req types.CancelRequest) error {
	go func() {
		time.Sleep(5 * time.Millisecond)
		d.bus.Put(eventbus.OrderUpdateMsg{ExchangeOrderUpdate: types.ExchangeOrderUpdate{
			ExchangeOID: req.ExchangeOID,
			ClientOID:   req.FallbackOID,
			Symbol:      req.Symbol,
			Status:      "CANCELED",
			UpdateTime:  time.Now(),
		}})
	}()
	return nil
}

// CancelAll is a no-op acknowledgement; individual cancel confirmations
// are not synthesised per order since the OMS already optimistically
// marks them CANCELLING on the local side.
func (d *DryRun) CancelAll(ctx context.Context, symbol string) error {
	return nil
}

// FetchRemoteState returns an empty snapshot: dry-run fills never happen
// (SubmitOrder only ever echoes a NEW ack, never a fill), so any nonzero
// local position was seeded by the caller, not by this gateway, and
// reconciliation diffs against it are expected and harmless in this mode.
func (d *DryRun) FetchRemoteState(ctx context.Context) (oms.RemoteState, error) {
	return oms.RemoteState{Positions: map[string]float64{}, OpenOrderCounts: map[string]int{}}, nil
}
