package strategy

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bo0619/hfmm-engine/internal/eventbus"
	"github.com/bo0619/hfmm-engine/internal/refdata"
	"github.com/bo0619/hfmm-engine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRefdata() *refdata.Table {
	rd := refdata.New()
	rd.Load([]types.ContractInfo{{
		Symbol:         "BTCUSDT",
		TickSize:       0.1,
		StepSize:       0.001,
		MinQty:         0.001,
		MinNotional:    10,
		PricePrecision: 1,
		QtyPrecision:   3,
	}})
	return rd
}

type fakeOMS struct {
	submitted []types.OrderIntent
	err       error
}

func (f *fakeOMS) SubmitOrder(ctx context.Context, intent types.OrderIntent) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.submitted = append(f.submitted, intent)
	return "CID-1", nil
}

type recordingQuoter struct {
	bookIntents []types.OrderIntent
	trades      []types.AggTrade
	snapshots   []types.OrderSnapshot
	positions   []types.PositionSnapshot
}

func (q *recordingQuoter) OnBook(types.BookEvent) []types.OrderIntent { return q.bookIntents }
func (q *recordingQuoter) OnTrade(t types.AggTrade)                   { q.trades = append(q.trades, t) }
func (q *recordingQuoter) OnOrderSnapshot(s types.OrderSnapshot) {
	q.snapshots = append(q.snapshots, s)
}
func (q *recordingQuoter) OnPosition(p types.PositionSnapshot) {
	q.positions = append(q.positions, p)
}

func TestBuildIntentRoundsPriceAndQty(t *testing.T) {
	t.Parallel()
	base := NewBase(eventbus.New(testLogger()), testRefdata(), &fakeOMS{}, &recordingQuoter{}, testLogger())

	built, err := base.BuildIntent(types.OrderIntent{
		Symbol: "BTCUSDT",
		Side:   types.Buy,
		Price:  decimal.NewFromFloat(100.04),
		Volume: 0.0126,
	})
	if err != nil {
		t.Fatalf("BuildIntent: %v", err)
	}
	price, _ := built.Price.Float64()
	if price != 100.0 {
		t.Errorf("Price = %v, want 100.0", price)
	}
	if built.Volume != 0.012 {
		t.Errorf("Volume = %v, want 0.012", built.Volume)
	}
}

func TestBuildIntentRejectsBelowMinNotional(t *testing.T) {
	t.Parallel()
	base := NewBase(eventbus.New(testLogger()), testRefdata(), &fakeOMS{}, &recordingQuoter{}, testLogger())

	_, err := base.BuildIntent(types.OrderIntent{
		Symbol: "BTCUSDT",
		Side:   types.Buy,
		Price:  decimal.NewFromFloat(100),
		Volume: 0.001, // notional = 0.1, below the 10 floor
	})
	if err == nil {
		t.Fatal("expected a min-notional rejection")
	}
}

func TestBuildIntentRejectsUnknownSymbol(t *testing.T) {
	t.Parallel()
	base := NewBase(eventbus.New(testLogger()), testRefdata(), &fakeOMS{}, &recordingQuoter{}, testLogger())

	_, err := base.BuildIntent(types.OrderIntent{Symbol: "ETHUSDT", Price: decimal.NewFromFloat(1), Volume: 1})
	if err == nil {
		t.Fatal("expected an unknown-symbol error")
	}
}

func TestStartDispatchesBookEventsToSubmit(t *testing.T) {
	t.Parallel()
	bus := eventbus.New(testLogger())
	oms := &fakeOMS{}
	quoter := &recordingQuoter{bookIntents: []types.OrderIntent{{
		Symbol: "BTCUSDT",
		Side:   types.Buy,
		Price:  decimal.NewFromFloat(100),
		Volume: 1,
	}}}
	base := NewBase(bus, testRefdata(), oms, quoter, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	base.Start(ctx)

	bus.Put(eventbus.BookEventMsg{BookEvent: types.BookEvent{Symbol: "BTCUSDT", Timestamp: time.Now()}})
	bus.DrainAll()

	if len(oms.submitted) != 1 {
		t.Fatalf("submitted = %d, want 1", len(oms.submitted))
	}
	if oms.submitted[0].Volume != 1 {
		t.Errorf("submitted volume = %v, want 1", oms.submitted[0].Volume)
	}
}

func TestStartDispatchesTradeOrderAndPositionEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New(testLogger())
	quoter := &recordingQuoter{}
	base := NewBase(bus, testRefdata(), &fakeOMS{}, quoter, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	base.Start(ctx)

	bus.Put(eventbus.AggTradeMsg{AggTrade: types.AggTrade{Symbol: "BTCUSDT", Price: 100}})
	bus.Put(eventbus.OrderSnapshotMsg{OrderSnapshot: types.OrderSnapshot{ClientOID: "c1"}})
	bus.Put(eventbus.PositionUpdateMsg{PositionSnapshot: types.PositionSnapshot{Symbol: "BTCUSDT", Volume: 2}})
	bus.DrainAll()

	if len(quoter.trades) != 1 || len(quoter.snapshots) != 1 || len(quoter.positions) != 1 {
		t.Fatalf("got %d trades, %d snapshots, %d positions, want 1 each",
			len(quoter.trades), len(quoter.snapshots), len(quoter.positions))
	}
}

func TestSubmitDropsIntentBelowFloorsWithoutCallingOMS(t *testing.T) {
	t.Parallel()
	bus := eventbus.New(testLogger())
	oms := &fakeOMS{}
	quoter := &recordingQuoter{bookIntents: []types.OrderIntent{{
		Symbol: "BTCUSDT",
		Side:   types.Sell,
		Price:  decimal.NewFromFloat(1),
		Volume: 0.0001,
	}}}
	base := NewBase(bus, testRefdata(), oms, quoter, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	base.Start(ctx)

	bus.Put(eventbus.BookEventMsg{BookEvent: types.BookEvent{Symbol: "BTCUSDT"}})
	bus.DrainAll()

	if len(oms.submitted) != 0 {
		t.Fatalf("submitted = %d, want 0", len(oms.submitted))
	}
}
