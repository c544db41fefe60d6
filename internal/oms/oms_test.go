package oms

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bo0619/hfmm-engine/internal/config"
	"github.com/bo0619/hfmm-engine/internal/eventbus"
	"github.com/bo0619/hfmm-engine/internal/refdata"
	"github.com/bo0619/hfmm-engine/pkg/types"
)

type fakeGateway struct {
	nextExchangeOID string
	submitErr       error
	submitted       []types.OrderRequest
	cancelled       []types.CancelRequest
	remote          RemoteState
}

func (g *fakeGateway) SubmitOrder(ctx context.Context, req types.OrderRequest) (string, error) {
	g.submitted = append(g.submitted, req)
	if g.submitErr != nil {
		return "", g.submitErr
	}
	return g.nextExchangeOID, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, req types.CancelRequest) error {
	g.cancelled = append(g.cancelled, req)
	return nil
}

func (g *fakeGateway) CancelAll(ctx context.Context, symbol string) error { return nil }

func (g *fakeGateway) FetchRemoteState(ctx context.Context) (RemoteState, error) {
	return g.remote, nil
}

type fakeMarks struct{ price float64 }

func (f fakeMarks) MarkPrice(symbol string) (float64, bool) {
	if f.price <= 0 {
		return 0, false
	}
	return f.price, true
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestOMS(gw *fakeGateway, mark float64) *OMS {
	tbl := refdata.New()
	tbl.Load([]types.ContractInfo{{
		Symbol:         "BTCUSDT",
		TickSize:       0.1,
		StepSize:       0.001,
		MinQty:         0.001,
		MinNotional:    5,
		PricePrecision: 1,
		QtyPrecision:   3,
	}})

	bus := eventbus.New(testLogger())
	riskCfg := config.RiskConfig{MaxPosNotional: 100_000, MaxOrderQty: 1000}
	omsCfg := config.OMSConfig{AckTimeout: time.Second, ReconcileInterval: time.Hour, DirtyThreshold: time.Hour, ForceSyncCooldown: time.Hour, PositionDriftEps: 1e-6}
	acctCfg := config.AccountConfig{InitialBalanceUSDT: 1_000_000, Leverage: 10}

	return New(riskCfg, omsCfg, acctCfg, bus, gw, tbl, fakeMarks{price: mark}, testLogger())
}

func testIntent() types.OrderIntent {
	return types.OrderIntent{
		Symbol:      "BTCUSDT",
		Side:        types.Buy,
		Price:       decimal.NewFromFloat(100),
		Volume:      1,
		TimeInForce: types.TIFGTC,
	}
}

func TestSubmitOrderSuccess(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{nextExchangeOID: "EX-1"}
	o := newTestOMS(gw, 100)

	clientOID, err := o.SubmitOrder(context.Background(), testIntent())
	if err != nil {
		t.Fatalf("SubmitOrder failed: %v", err)
	}
	if clientOID == "" {
		t.Fatal("expected non-empty client_oid")
	}
	if len(gw.submitted) != 1 {
		t.Fatalf("expected one gateway call, got %d", len(gw.submitted))
	}

	ord, ok := o.registry.ByClientOID(clientOID)
	if !ok {
		t.Fatal("expected order to be registered")
	}
	if ord.ExchangeOID != "EX-1" {
		t.Errorf("ExchangeOID = %v, want EX-1", ord.ExchangeOID)
	}
}

func TestSubmitOrderRejectsBelowMinNotional(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{nextExchangeOID: "EX-1"}
	o := newTestOMS(gw, 100)

	intent := testIntent()
	intent.Price = decimal.NewFromFloat(1)
	intent.Volume = 0.001 // notional = 0.001, below min_notional=5

	_, err := o.SubmitOrder(context.Background(), intent)
	if err == nil {
		t.Fatal("expected rejection for below-min-notional order")
	}
	if len(gw.submitted) != 0 {
		t.Error("gateway should not be called for a statically invalid order")
	}
}

func TestSubmitOrderRejectsWithoutMarkPrice(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{nextExchangeOID: "EX-1"}
	o := newTestOMS(gw, 0) // no mark price available

	_, err := o.SubmitOrder(context.Background(), testIntent())
	if err == nil {
		t.Fatal("expected rejection when mark price is unavailable")
	}
}

func TestSubmitOrderGatewayRejectionMarksRejected(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{submitErr: context.DeadlineExceeded}
	o := newTestOMS(gw, 100)

	var snaps []types.OrderSnapshot
	o.bus.Register(eventbus.TypeOrderSnapshot, func(e eventbus.Event) {
		snaps = append(snaps, e.(eventbus.OrderSnapshotMsg).OrderSnapshot)
	})

	_, err := o.SubmitOrder(context.Background(), testIntent())
	if err == nil {
		t.Fatal("expected error when gateway rejects")
	}
	o.bus.DrainAll()
	if len(snaps) != 1 || snaps[0].Status != types.StatusRejected {
		t.Errorf("order snapshots = %+v, want one with status REJECTED", snaps)
	}
}

func TestOnExchangeUpdateAppliesFillAndUpdatesExposure(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{nextExchangeOID: "EX-1"}
	o := newTestOMS(gw, 100)

	clientOID, err := o.SubmitOrder(context.Background(), testIntent())
	if err != nil {
		t.Fatal(err)
	}
	// a filled order is removed from the registry, so hold it beforehand
	ord, _ := o.registry.ByClientOID(clientOID)

	o.OnExchangeUpdate(types.ExchangeOrderUpdate{
		ClientOID:    clientOID,
		ExchangeOID:  "EX-1",
		Symbol:       "BTCUSDT",
		Status:       "FILLED",
		FilledPrice:  100,
		CumFilledQty: 1,
		UpdateTime:   time.Now(),
	})

	snap := o.exposure.Snapshot("BTCUSDT")
	if snap.Volume != 1 {
		t.Errorf("exposure Volume = %v, want 1", snap.Volume)
	}

	if ord.Snapshot().Status != types.StatusFilled {
		t.Errorf("Status = %v, want FILLED", ord.Snapshot().Status)
	}
}

func TestCancelAllOrdersMarksActiveOrdersCancelling(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{nextExchangeOID: "EX-1"}
	o := newTestOMS(gw, 100)

	clientOID, err := o.SubmitOrder(context.Background(), testIntent())
	if err != nil {
		t.Fatal(err)
	}

	if err := o.CancelAllOrders(context.Background(), "BTCUSDT"); err != nil {
		t.Fatal(err)
	}

	ord, _ := o.registry.ByClientOID(clientOID)
	if ord.Snapshot().Status != types.StatusCancelling {
		t.Errorf("Status = %v, want CANCELLING after cancel_all_orders", ord.Snapshot().Status)
	}
}

func TestReconcileOnceDetectsPositionDrift(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{nextExchangeOID: "EX-1", remote: RemoteState{Positions: map[string]float64{"BTCUSDT": 5}}}
	o := newTestOMS(gw, 100)

	o.exposure.SetNetPosition("BTCUSDT", 2, 100)

	var captured types.SystemHealth
	o.bus.Register(eventbus.TypeSystemHealth, func(e eventbus.Event) {
		msg := e.(eventbus.SystemHealthMsg)
		captured = msg.SystemHealth
	})

	o.reconcileOnce(context.Background())
	o.bus.DrainAll()

	if len(captured.PositionDiffs) != 1 {
		t.Fatalf("expected one position diff, got %d", len(captured.PositionDiffs))
	}
	if captured.PositionDiffs[0].Delta != -3 {
		t.Errorf("Delta = %v, want -3 (local 2 - remote 5)", captured.PositionDiffs[0].Delta)
	}
}
