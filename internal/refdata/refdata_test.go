package refdata

import (
	"testing"

	"github.com/bo0619/hfmm-engine/pkg/types"
)

func newTestTable() *Table {
	tbl := New()
	tbl.Load([]types.ContractInfo{
		{
			Symbol:         "BTCUSDT",
			TickSize:       0.1,
			StepSize:       0.001,
			MinQty:         0.001,
			MinNotional:    5,
			PricePrecision: 1,
			QtyPrecision:   3,
		},
	})
	return tbl
}

func TestRoundPrice(t *testing.T) {
	t.Parallel()
	tbl := newTestTable()

	got, err := tbl.RoundPrice("BTCUSDT", 100.37)
	if err != nil {
		t.Fatal(err)
	}
	if got != 100.4 {
		t.Errorf("RoundPrice = %v, want 100.4", got)
	}
}

func TestRoundQtyFloorsToStep(t *testing.T) {
	t.Parallel()
	tbl := newTestTable()

	got, err := tbl.RoundQty("BTCUSDT", 0.0037)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0.003 {
		t.Errorf("RoundQty = %v, want 0.003", got)
	}
}

func TestUnknownSymbolErrors(t *testing.T) {
	t.Parallel()
	tbl := newTestTable()

	if _, err := tbl.RoundPrice("ETHUSDT", 10); err == nil {
		t.Error("expected error for unknown symbol")
	}
	if _, err := tbl.RoundQty("ETHUSDT", 10); err == nil {
		t.Error("expected error for unknown symbol")
	}
}

func TestMeetsMinNotional(t *testing.T) {
	t.Parallel()
	tbl := newTestTable()

	ok, err := tbl.MeetsMinNotional("BTCUSDT", 100, 0.1)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("100*0.1=10 should clear min_notional=5")
	}

	ok, err = tbl.MeetsMinNotional("BTCUSDT", 100, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("100*0.01=1 should not clear min_notional=5")
	}
}
