// Package chaos implements the sim-mode gateway: it generates exchange
// ids immediately, injects packet loss and order rejection, and
// schedules surviving requests onto the exchange emulator after a
// latency draw. It satisfies oms.Gateway so the OMS runs identically
// against it, the live gateway, or the dry-run gateway.
//
// Grounded on original_source/sim_engine/gateway.go's ChaosGateway
// (id-first-then-maybe-drop-then-schedule shape) and spec.md §4.10.
package chaos

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bo0619/hfmm-engine/internal/emulator"
	"github.com/bo0619/hfmm-engine/internal/eventbus"
	"github.com/bo0619/hfmm-engine/internal/latency"
	"github.com/bo0619/hfmm-engine/internal/oms"
	"github.com/bo0619/hfmm-engine/internal/sim"
	"github.com/bo0619/hfmm-engine/pkg/types"
)

const defaultLatency = 20 * time.Millisecond

// Clock is the subset of sim.Clock the gateway needs, accepted as an
// interface so tests can substitute a fixed clock.
type Clock interface {
	Now() time.Time
}

// Gateway is the chaos-injecting sim-mode implementation of
// oms.Gateway. One instance serves all symbols.
type Gateway struct {
	engine   *sim.Engine
	clock    Clock
	exchange *emulator.Emulator
	latency  *latency.Model
	bus      *eventbus.Bus
	logger   *slog.Logger

	lossRate, rejectRate float64
	rng                  *rand.Rand
	rngMu                sync.Mutex
	counter              int64

	mu         sync.Mutex
	positions  map[string]float64
	openCounts map[string]int
}

// New builds a chaos gateway. seed makes packet-loss/reject draws
// reproducible across sim runs with the same backtest.seed.
func New(engine *sim.Engine, clock Clock, exchange *emulator.Emulator, lat *latency.Model, bus *eventbus.Bus, lossRate, rejectRate float64, seed int64, logger *slog.Logger) *Gateway {
	g := &Gateway{
		engine:     engine,
		clock:      clock,
		exchange:   exchange,
		latency:    lat,
		bus:        bus,
		lossRate:   lossRate,
		rejectRate: rejectRate,
		rng:        rand.New(rand.NewSource(seed)),
		logger:     logger.With("component", "chaos_gateway"),
		positions:  map[string]float64{},
		openCounts: map[string]int{},
	}
	g.trackExchangeBookkeeping()
	return g
}

// trackExchangeBookkeeping mirrors exchange-side position and open
// order counts from the same events the OMS consumes, standing in for
// a real exchange's own internal ledger for FetchRemoteState.
func (g *Gateway) trackExchangeBookkeeping() {
	g.bus.Register(eventbus.TypeTrade, func(ev eventbus.Event) {
		t := ev.(eventbus.TradeMsg).Trade
		g.mu.Lock()
		g.positions[t.Symbol] += t.Volume * t.Side.Sign()
		g.mu.Unlock()
	})
	g.bus.Register(eventbus.TypeOrderUpdate, func(ev eventbus.Event) {
		u := ev.(eventbus.OrderUpdateMsg).ExchangeOrderUpdate
		g.mu.Lock()
		switch u.Status {
		case "NEW":
			g.openCounts[u.Symbol]++
		case "FILLED", "CANCELED", "EXPIRED", "REJECTED":
			if g.openCounts[u.Symbol] > 0 {
				g.openCounts[u.Symbol]--
			}
		}
		g.mu.Unlock()
	})
}

func (g *Gateway) nextOID() string {
	n := atomic.AddInt64(&g.counter, 1)
	return fmt.Sprintf("SIM-%d", n)
}

func (g *Gateway) draw() float64 {
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	return g.rng.Float64()
}

func (g *Gateway) getLatency() time.Duration {
	if g.latency != nil {
		return g.latency.Get()
	}
	return defaultLatency
}

// SubmitOrder returns an id immediately regardless of outcome: loss is
// silent (the order never arrives and no update for it is published;
// because the OMS clears an order's ACK watch as soon as it binds the
// returned id, the ACK watchdog does not flag a lost order);
// rejection and normal arrival are both scheduled onto the exchange
// emulator after a latency draw (§4.10).
func (g *Gateway) SubmitOrder(ctx context.Context, req types.OrderRequest) (string, error) {
	exchOID := g.nextOID()

	if g.draw() < g.lossRate {
		return exchOID, nil
	}

	arrival := g.clock.Now().Add(g.getLatency())
	if g.draw() < g.rejectRate {
		g.engine.Schedule(arrival, sim.PriorityGatewayIO, func() {
			g.bus.Put(eventbus.OrderUpdateMsg{ExchangeOrderUpdate: types.ExchangeOrderUpdate{
				ClientOID:    req.ClientOID,
				ExchangeOID:  exchOID,
				Symbol:       req.Symbol,
				Status:       "REJECTED",
				RejectReason: "chaos: simulated order rejection",
				UpdateTime:   g.clock.Now(),
			}})
		})
		return exchOID, nil
	}

	g.engine.Schedule(arrival, sim.PriorityGatewayIO, func() {
		g.exchange.OnOrderArrival(req, exchOID)
	})
	return exchOID, nil
}

// CancelOrder schedules the cancel onto the emulator after a latency
// draw, or drops it silently under packet loss.
func (g *Gateway) CancelOrder(ctx context.Context, req types.CancelRequest) error {
	if g.draw() < g.lossRate {
		return nil
	}
	arrival := g.clock.Now().Add(g.getLatency())
	g.engine.Schedule(arrival, sim.PriorityGatewayIO, func() {
		g.exchange.OnCancelArrival(req)
	})
	return nil
}

// CancelAll is a no-op: the emulator has no atomic cancel-all, matching
// the original_source gateway's behaviour. Strategies that need all
// orders gone in sim mode must cancel them individually.
func (g *Gateway) CancelAll(ctx context.Context, symbol string) error {
	return nil
}

// FetchRemoteState returns the exchange-side ledger tracked from fill
// and order-lifecycle events. In sim mode this is expected to match the
// OMS's own view exactly except during the brief window between a fill
// and its dispatch, since both sides observe the same bus events.
func (g *Gateway) FetchRemoteState(ctx context.Context) (oms.RemoteState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	positions := make(map[string]float64, len(g.positions))
	for k, v := range g.positions {
		positions[k] = v
	}
	counts := make(map[string]int, len(g.openCounts))
	for k, v := range g.openCounts {
		counts[k] = v
	}
	return oms.RemoteState{Positions: positions, OpenOrderCounts: counts}, nil
}
