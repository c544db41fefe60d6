package account

import (
	"math"
	"testing"
)

func TestNewAccountStartsAtInitialBalance(t *testing.T) {
	t.Parallel()
	m := New(10_000, 10)

	snap := m.Snapshot()
	if snap.Balance != 10_000 || snap.Equity != 10_000 || snap.Available != 10_000 {
		t.Errorf("snapshot = %+v, want balance=equity=available=10000", snap)
	}
}

func TestRecomputeAddsUnrealizedPnLToEquity(t *testing.T) {
	t.Parallel()
	m := New(10_000, 10)

	snap := m.Recompute([]PositionInput{
		{Symbol: "BTCUSDT", NetPos: 1, AvgPrice: 100, MarkPrice: 150},
	})

	// unrealised = (150-100)*1 = 50
	if math.Abs(snap.Equity-10_050) > 1e-9 {
		t.Errorf("Equity = %v, want 10050", snap.Equity)
	}
}

func TestRecomputePositionMarginUsesLeverage(t *testing.T) {
	t.Parallel()
	m := New(10_000, 10)

	snap := m.Recompute([]PositionInput{
		{Symbol: "BTCUSDT", NetPos: 2, AvgPrice: 100, MarkPrice: 100},
	})

	// position_margin = |2|*100/10 = 20
	if math.Abs(snap.UsedMargin-20) > 1e-9 {
		t.Errorf("UsedMargin = %v, want 20", snap.UsedMargin)
	}
}

func TestRecomputeOrderMarginTreatsBothSidesAsMargining(t *testing.T) {
	t.Parallel()
	m := New(10_000, 10)

	snap := m.Recompute([]PositionInput{
		{Symbol: "BTCUSDT", OpenBuyQty: 3, OpenSell: 2, MarkPrice: 100},
	})

	// order_margin = (3+2)*100/10 = 50, conservative double-sided treatment
	if math.Abs(snap.UsedMargin-50) > 1e-9 {
		t.Errorf("UsedMargin = %v, want 50", snap.UsedMargin)
	}
}

func TestRecomputeAvailableFloorsAtZero(t *testing.T) {
	t.Parallel()
	m := New(100, 10)

	snap := m.Recompute([]PositionInput{
		{Symbol: "BTCUSDT", NetPos: 50, AvgPrice: 100, MarkPrice: 100},
	})

	// position_margin = 50*100/10 = 500, equity = 100, so available would
	// go negative and must floor at 0.
	if snap.Available != 0 {
		t.Errorf("Available = %v, want floored to 0", snap.Available)
	}
}

func TestRecomputeSkipsSymbolsWithoutMarkPrice(t *testing.T) {
	t.Parallel()
	m := New(10_000, 10)

	snap := m.Recompute([]PositionInput{
		{Symbol: "BTCUSDT", NetPos: 5, AvgPrice: 100, MarkPrice: 0},
	})

	if snap.Equity != 10_000 {
		t.Errorf("Equity = %v, want unchanged 10000 when mark price unavailable", snap.Equity)
	}
}

func TestAddRealizedPnLMutatesBalanceOnly(t *testing.T) {
	t.Parallel()
	m := New(10_000, 10)

	m.AddRealizedPnL(250)
	snap := m.Recompute(nil)

	if snap.Balance != 10_250 {
		t.Errorf("Balance = %v, want 10250", snap.Balance)
	}
	if snap.Equity != 10_250 {
		t.Errorf("Equity = %v, want 10250 with no open positions", snap.Equity)
	}
}

func TestCheckMargin(t *testing.T) {
	t.Parallel()
	m := New(1_000, 10)
	m.Recompute(nil) // available = 1000

	if !m.CheckMargin(5_000) {
		t.Error("5000 notional at 10x leverage needs 500 margin, should pass with 1000 available")
	}
	if m.CheckMargin(50_000) {
		t.Error("50000 notional at 10x leverage needs 5000 margin, should fail with 1000 available")
	}
}
