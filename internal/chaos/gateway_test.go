package chaos

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bo0619/hfmm-engine/internal/emulator"
	"github.com/bo0619/hfmm-engine/internal/eventbus"
	"github.com/bo0619/hfmm-engine/internal/sim"
	"github.com/bo0619/hfmm-engine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestGateway(lossRate, rejectRate float64, seed int64) (*Gateway, *sim.Engine, *eventbus.Bus) {
	bus := eventbus.New(testLogger())
	clock := sim.NewClock()
	clock.Advance(time.Unix(5000, 0))
	ex := emulator.New(bus, clock, 0.5, nil, testLogger())
	ex.Start()
	engine := sim.New(bus, clock)
	gw := New(engine, clock, ex, nil, bus, lossRate, rejectRate, seed, testLogger())
	return gw, engine, bus
}

func TestSubmitOrderNormalArrivalIsAcked(t *testing.T) {
	t.Parallel()
	gw, engine, bus := newTestGateway(0, 0, 1)

	var acks []types.ExchangeOrderUpdate
	bus.Register(eventbus.TypeOrderUpdate, func(ev eventbus.Event) {
		acks = append(acks, ev.(eventbus.OrderUpdateMsg).ExchangeOrderUpdate)
	})

	bus.Put(eventbus.BookEventMsg{BookEvent: types.BookEvent{
		Symbol: "BTCUSDT",
		Bids:   map[float64]float64{99: 5},
		Asks:   map[float64]float64{},
	}})
	bus.DrainAll()

	exchOID, err := gw.SubmitOrder(context.Background(), types.OrderRequest{
		ClientOID: "c1", Symbol: "BTCUSDT", Side: types.Buy, Price: decimal.NewFromFloat(99), Volume: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if exchOID == "" {
		t.Fatal("expected a synthetic exchange id")
	}

	engine.Run()

	if len(acks) != 1 || acks[0].Status != "NEW" {
		t.Fatalf("acks = %+v, want one NEW ack after arrival", acks)
	}
}

func TestSubmitOrderUnderTotalLossNeverArrives(t *testing.T) {
	t.Parallel()
	gw, engine, bus := newTestGateway(1.0, 0, 2)

	var acks []types.ExchangeOrderUpdate
	bus.Register(eventbus.TypeOrderUpdate, func(ev eventbus.Event) {
		acks = append(acks, ev.(eventbus.OrderUpdateMsg).ExchangeOrderUpdate)
	})

	_, err := gw.SubmitOrder(context.Background(), types.OrderRequest{
		ClientOID: "c2", Symbol: "BTCUSDT", Side: types.Buy, Price: decimal.NewFromFloat(99), Volume: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	engine.Run()

	if len(acks) != 0 {
		t.Fatalf("expected no acks under total packet loss, got %+v", acks)
	}
}

func TestSubmitOrderUnderTotalRejectEmitsRejected(t *testing.T) {
	t.Parallel()
	gw, engine, bus := newTestGateway(0, 1.0, 3)

	var acks []types.ExchangeOrderUpdate
	bus.Register(eventbus.TypeOrderUpdate, func(ev eventbus.Event) {
		acks = append(acks, ev.(eventbus.OrderUpdateMsg).ExchangeOrderUpdate)
	})

	_, err := gw.SubmitOrder(context.Background(), types.OrderRequest{
		ClientOID: "c3", Symbol: "BTCUSDT", Side: types.Buy, Price: decimal.NewFromFloat(99), Volume: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	engine.Run()

	if len(acks) != 1 || acks[0].Status != "REJECTED" {
		t.Fatalf("acks = %+v, want one REJECTED ack", acks)
	}
}

func TestFetchRemoteStateTracksFillsFromBus(t *testing.T) {
	t.Parallel()
	gw, _, bus := newTestGateway(0, 0, 4)

	bus.Put(eventbus.TradeMsg{Trade: types.Trade{Symbol: "BTCUSDT", Side: types.Buy, Volume: 2, Price: 100}})
	bus.DrainAll()

	state, err := gw.FetchRemoteState(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state.Positions["BTCUSDT"] != 2 {
		t.Errorf("Positions[BTCUSDT] = %v, want 2", state.Positions["BTCUSDT"])
	}
}

func TestCancelAllIsNoOp(t *testing.T) {
	t.Parallel()
	gw, _, _ := newTestGateway(0, 0, 5)
	if err := gw.CancelAll(context.Background(), "BTCUSDT"); err != nil {
		t.Errorf("CancelAll returned error: %v", err)
	}
}
