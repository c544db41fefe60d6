package gateway

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bo0619/hfmm-engine/internal/eventbus"
	"github.com/bo0619/hfmm-engine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestTokenBucketRefillsOverTime(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 100) // 1 token capacity, fast refill

	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	// bucket now empty; a second call should block briefly then succeed
	start := time.Now()
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > time.Second {
		t.Error("expected the bucket to refill quickly at rate=100/s")
	}
}

func TestTokenBucketRespectsContextCancellation(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.001) // effectively never refills within the test window

	_ = tb.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tb.Wait(ctx); err == nil {
		t.Error("expected context deadline to cancel the wait")
	}
}

func TestDryRunSubmitOrderEchoesNewAck(t *testing.T) {
	t.Parallel()
	bus := eventbus.New(testLogger())
	d := NewDryRun(bus, testLogger())

	done := make(chan types.ExchangeOrderUpdate, 1)
	bus.Register(eventbus.TypeOrderUpdate, func(e eventbus.Event) {
		done <- e.(eventbus.OrderUpdateMsg).ExchangeOrderUpdate
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	exchangeOID, err := d.SubmitOrder(context.Background(), types.OrderRequest{
		ClientOID: "c1",
		Symbol:    "BTCUSDT",
		Side:      types.Buy,
		Price:     decimal.NewFromFloat(100),
		Volume:    1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if exchangeOID == "" {
		t.Fatal("expected a synthetic exchange id")
	}

	select {
	case upd := <-done:
		if upd.Status != "NEW" {
			t.Errorf("Status = %v, want NEW", upd.Status)
		}
		if upd.ExchangeOID != exchangeOID {
			t.Errorf("ExchangeOID = %v, want %v", upd.ExchangeOID, exchangeOID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a NEW ack to be published")
	}
}

func TestDryRunFetchRemoteStateIsEmpty(t *testing.T) {
	t.Parallel()
	bus := eventbus.New(testLogger())
	d := NewDryRun(bus, testLogger())

	state, err := d.FetchRemoteState(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Positions) != 0 {
		t.Error("expected empty positions from dry-run gateway")
	}
}
