package replay

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bo0619/hfmm-engine/internal/eventbus"
	"github.com/bo0619/hfmm-engine/internal/sim"
)

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "records.jsonl")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadParsesBookAndTradeRecords(t *testing.T) {
	t.Parallel()
	path := writeFile(t, `{"type":"book","ts_offset_ms":0,"book":{"symbol":"BTCUSDT","bids":[{"Price":100,"Size":1}],"asks":[{"Price":101,"Size":1}]}}
{"type":"trade","ts_offset_ms":50,"trade":{"symbol":"BTCUSDT","price":100.5,"qty":0.2,"maker_is_buyer":true}}
`)

	records, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Type != "book" || records[0].Book.Symbol != "BTCUSDT" {
		t.Errorf("unexpected first record: %+v", records[0])
	}
	if records[1].Type != "trade" || records[1].Trade.Price != 100.5 {
		t.Errorf("unexpected second record: %+v", records[1])
	}
}

func TestScheduleDispatchesInTimestampOrder(t *testing.T) {
	t.Parallel()
	path := writeFile(t, `{"type":"trade","ts_offset_ms":100,"trade":{"symbol":"BTCUSDT","price":2}}
{"type":"trade","ts_offset_ms":0,"trade":{"symbol":"BTCUSDT","price":1}}
`)
	records, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := eventbus.New(logger)
	clock := sim.NewClock()
	engine := sim.New(bus, clock)

	var seen []float64
	bus.Register(eventbus.TypeAggTrade, func(e eventbus.Event) {
		seen = append(seen, e.(eventbus.AggTradeMsg).Price)
	})

	start := time.Unix(0, 0)
	Schedule(engine, bus, records, start)
	engine.Run()

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("seen = %v, want [1 2] (in timestamp order)", seen)
	}
}
