// Package replay loads recorded market data for sim mode. Instead of
// connecting to a live feed, sim mode replays historical book and trade
// events through the Exchange Emulator (§2 "Exchange Emulator: Replays
// market data"). The recorded file's own layout is out of scope (Non-
// goals: "persisted recorder file layout"); this package defines a
// minimal newline-delimited JSON stream, one record per line, ordered by
// ts_offset_ms, sufficient to drive the emulator deterministically.
package replay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/bo0619/hfmm-engine/internal/eventbus"
	"github.com/bo0619/hfmm-engine/internal/sim"
	"github.com/bo0619/hfmm-engine/pkg/types"
)

// BookRecord is a full depth snapshot at one point in time. Sim mode
// feeds the emulator whole snapshots rather than sequenced deltas: the
// emulator owns no gap-detection logic of its own, unlike the live local
// book (§4.8 vs §4.2).
type BookRecord struct {
	Symbol string             `json:"symbol"`
	Bids   []types.PriceLevel `json:"bids"`
	Asks   []types.PriceLevel `json:"asks"`
}

// Record is one line of a recorded data file.
type Record struct {
	Type       string          `json:"type"` // "book" or "trade"
	TsOffsetMs int64           `json:"ts_offset_ms"`
	Book       *BookRecord     `json:"book,omitempty"`
	Trade      *types.AggTrade `json:"trade,omitempty"`
}

// Load reads every record from path, in file order.
func Load(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replay: open %s: %w", path, err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("replay: decode record: %w", err)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("replay: scan %s: %w", path, err)
	}
	return records, nil
}

// Schedule pushes every record onto engine at start+ts_offset_ms. Engine
// then replays them in ts_offset_ms order, whatever their order in the
// file, interleaved with any gateway
// order/cancel arrivals also scheduled onto it, since both are ordered
// by the same (timestamp, priority) heap.
func Schedule(engine *sim.Engine, bus *eventbus.Bus, records []Record, start time.Time) {
	for _, r := range records {
		r := r
		ts := start.Add(time.Duration(r.TsOffsetMs) * time.Millisecond)

		switch r.Type {
		case "book":
			if r.Book == nil {
				continue
			}
			book := r.Book
			engine.Schedule(ts, sim.PriorityMarketData, func() {
				bus.Put(eventbus.BookEventMsg{BookEvent: types.BookEvent{
					Symbol:    book.Symbol,
					Timestamp: ts,
					Bids:      levelsToMap(book.Bids),
					Asks:      levelsToMap(book.Asks),
				}})
			})
		case "trade":
			if r.Trade == nil {
				continue
			}
			trade := *r.Trade
			trade.Timestamp = ts
			engine.Schedule(ts, sim.PriorityMarketData, func() {
				bus.Put(eventbus.AggTradeMsg{AggTrade: trade})
			})
		}
	}
}

func levelsToMap(levels []types.PriceLevel) map[float64]float64 {
	m := make(map[float64]float64, len(levels))
	for _, lvl := range levels {
		m[lvl.Price] = lvl.Size
	}
	return m
}
