// Command engine is the market-making engine's entry point: it loads
// configuration, wires the mode-appropriate gateway (live, dry_run, or
// sim) to the event bus, starts the OMS, strategy base, and metrics
// server, and runs until SIGINT/SIGTERM.
//
// Adapted from the teacher's cmd/bot/main.go: the same config-load,
// logger-setup, component-wiring, signal-wait shape, generalised from a
// single dashboard-gated Polymarket engine to a mode-switched futures
// engine with no concrete strategy wired in (quoting mathematics, UI,
// and alerting are out of scope, §1) — NoopQuoter stands in for it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bo0619/hfmm-engine/internal/book"
	"github.com/bo0619/hfmm-engine/internal/chaos"
	"github.com/bo0619/hfmm-engine/internal/config"
	"github.com/bo0619/hfmm-engine/internal/emulator"
	"github.com/bo0619/hfmm-engine/internal/eventbus"
	"github.com/bo0619/hfmm-engine/internal/gateway"
	"github.com/bo0619/hfmm-engine/internal/latency"
	"github.com/bo0619/hfmm-engine/internal/markcache"
	"github.com/bo0619/hfmm-engine/internal/metrics"
	"github.com/bo0619/hfmm-engine/internal/oms"
	"github.com/bo0619/hfmm-engine/internal/refdata"
	"github.com/bo0619/hfmm-engine/internal/replay"
	"github.com/bo0619/hfmm-engine/internal/sim"
	"github.com/bo0619/hfmm-engine/internal/store"
	"github.com/bo0619/hfmm-engine/internal/strategy"
	"github.com/bo0619/hfmm-engine/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("HFMM_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("engine exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	bus := eventbus.New(logger)
	marks := markcache.New()
	rd := refdata.New()

	metricsBundle := metrics.New()
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = startMetricsServer(cfg.Metrics.Addr, metricsBundle, logger)
	}

	books := make(map[string]*book.Book, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		books[sym] = book.New(sym, bus)
	}

	snapshotStore, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer snapshotStore.Close()

	gw, cleanup, err := buildGateway(ctx, cfg, bus, rd, books, logger)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	defer cleanup()

	var feedMu sync.Mutex
	feedMarks := make(map[string]bool) // symbols with a dedicated mark-price feed
	bus.Register(eventbus.TypeMarkPrice, func(e eventbus.Event) {
		mp := e.(eventbus.MarkPriceMsg).MarkPrice
		feedMu.Lock()
		feedMarks[mp.Symbol] = true
		feedMu.Unlock()
		marks.Set(mp.Symbol, mp.Price)
	})
	// Fall back to book mid-price wherever no dedicated mark-price feed
	// has reported yet (always true in sim, and true in live and dry_run
	// mode until the first markPriceUpdate frame arrives).
	bus.Register(eventbus.TypeBookEvent, func(e eventbus.Event) {
		be := e.(eventbus.BookEventMsg).BookEvent
		feedMu.Lock()
		fed := feedMarks[be.Symbol]
		feedMu.Unlock()
		if fed {
			return
		}
		if mid := be.MidPrice(); mid > 0 {
			marks.Set(be.Symbol, mid)
		}
	})
	bus.Register(eventbus.TypeGapError, func(e eventbus.Event) {
		gap := e.(eventbus.GapErrorMsg)
		metricsBundle.BookGapTotal.WithLabelValues(gap.Symbol).Inc()
		logger.Warn("book gap detected", "symbol", gap.Symbol, "reason", gap.Reason)
	})

	theOMS := oms.New(cfg.Risk, cfg.OMS, cfg.Account, bus, gw, rd, marks, logger)
	theOMS.SetMetrics(metricsBundle)
	restoreState(theOMS, snapshotStore, cfg.Symbols, logger)
	theOMS.Start(ctx)
	defer theOMS.Stop()

	persistPeriodically(ctx, theOMS, snapshotStore, cfg.Symbols, logger)

	base := strategy.NewBase(bus, rd, theOMS, strategy.NoopQuoter{}, logger)
	base.Start(ctx)

	bus.Start(ctx)
	defer bus.Stop()

	logger.Info("engine started", "mode", cfg.Mode, "symbols", cfg.Symbols)

	<-ctx.Done()
	logger.Info("shutting down")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}

func startMetricsServer(addr string, bundle *metrics.Metrics, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", bundle.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("metrics server started", "addr", addr)
	return srv
}

// buildGateway constructs the mode-appropriate Gateway plus whatever
// background machinery it needs (feed goroutines in live mode, the sim
// engine's drive loop in sim mode) and loads reference data. The
// returned cleanup func must be deferred by the caller.
func buildGateway(
	ctx context.Context,
	cfg *config.Config,
	bus *eventbus.Bus,
	rd *refdata.Table,
	books map[string]*book.Book,
	logger *slog.Logger,
) (oms.Gateway, func(), error) {
	switch cfg.Mode {
	case "live":
		live := gateway.NewLive(cfg.Gateway, bus, logger)
		if err := live.Connect(ctx, cfg.Symbols); err != nil {
			return nil, nil, fmt.Errorf("connect live gateway: %w", err)
		}

		contracts, err := live.FetchExchangeInfo(ctx, cfg.Symbols)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch exchange info: %w", err)
		}
		rd.Load(contracts)
		wireLiveMarketData(ctx, live, cfg.Symbols, books, bus, logger)

		return live, func() { live.Close() }, nil

	case "dry_run":
		// dry_run still rides the live market-data feed (§9: "exercising
		// the OMS/strategy wiring against live market data without
		// risking capital"); only order execution is faked, by
		// DryRun rather than Live.
		live := gateway.NewLive(cfg.Gateway, bus, logger)
		if err := live.Connect(ctx, cfg.Symbols); err != nil {
			return nil, nil, fmt.Errorf("connect dry-run market data feed: %w", err)
		}
		rd.Load(toContractInfo(cfg.Contracts))
		wireLiveMarketData(ctx, live, cfg.Symbols, books, bus, logger)

		return gateway.NewDryRun(bus, logger), func() { live.Close() }, nil

	case "sim":
		rd.Load(toContractInfo(cfg.Contracts))

		clock := sim.NewClock()
		engine := sim.New(bus, clock)
		lat := latency.New(cfg.Backtest.LatencyBaseMs, cfg.Backtest.LatencySigma, cfg.Backtest.Seed)
		exchange := emulator.New(bus, clock, cfg.Backtest.CancelBaseProb, lat, logger)
		exchange.Start()

		records, err := replay.Load(cfg.Backtest.DataPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load replay data: %w", err)
		}
		replay.Schedule(engine, bus, records, time.Now())

		gw := chaos.New(engine, clock, exchange, lat, bus, cfg.Chaos.PacketLossRate, cfg.Chaos.OrderRejectRate, cfg.Backtest.Seed, logger)

		go engine.Run()

		return gw, func() { engine.Stop() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
}

// wireLiveMarketData fetches each symbol's initial depth snapshot and
// registers the bus handler that feeds subsequent deltas into the local
// book, re-fetching a fresh snapshot whenever the book raises a gap.
// Shared by live and dry_run mode, both of which ride the same feed.
func wireLiveMarketData(ctx context.Context, live *gateway.Live, symbols []string, books map[string]*book.Book, bus *eventbus.Bus, logger *slog.Logger) {
	for _, sym := range symbols {
		snap, err := live.FetchDepthSnapshot(ctx, sym)
		if err != nil {
			logger.Error("initial depth snapshot failed, awaiting first delta-triggered resync", "symbol", sym, "error", err)
			continue
		}
		if err := books[sym].ApplySnapshot(snap); err != nil {
			logger.Error("initial snapshot apply failed", "symbol", sym, "error", err)
		}
	}

	bus.Register(eventbus.TypeBookDelta, func(e eventbus.Event) {
		d := e.(eventbus.BookDeltaMsg).BookDelta
		b, ok := books[d.Symbol]
		if !ok {
			return
		}
		if err := b.ApplyDelta(d); err != nil {
			logger.Warn("dropping delta, awaiting resync", "symbol", d.Symbol, "error", err)
			resyncBook(ctx, live, b, d.Symbol, logger)
		}
	})
}

// resyncBook re-fetches a fresh depth snapshot after a gap and re-
// installs it.
func resyncBook(ctx context.Context, live *gateway.Live, b *book.Book, symbol string, logger *slog.Logger) {
	go func() {
		snap, err := live.FetchDepthSnapshot(ctx, symbol)
		if err != nil {
			logger.Error("resync snapshot fetch failed", "symbol", symbol, "error", err)
			return
		}
		if err := b.ApplySnapshot(snap); err != nil {
			logger.Error("resync snapshot apply failed", "symbol", symbol, "error", err)
		}
	}()
}

func toContractInfo(contracts []config.ContractConfig) []types.ContractInfo {
	out := make([]types.ContractInfo, 0, len(contracts))
	for _, c := range contracts {
		out = append(out, types.ContractInfo{
			Symbol:         c.Symbol,
			TickSize:       c.TickSize,
			StepSize:       c.StepSize,
			MinQty:         c.MinQty,
			MinNotional:    c.MinNotional,
			PricePrecision: c.PricePrecision,
			QtyPrecision:   c.QtyPrecision,
		})
	}
	return out
}

// restoreState loads each symbol's persisted position before the OMS
// starts taking order flow, so a restart picks up the previous run's
// positions rather than assuming a flat book. The persisted account
// snapshot is not restored.
func restoreState(o *oms.OMS, s *store.Store, symbols []string, logger *slog.Logger) {
	for _, sym := range symbols {
		pos, err := s.LoadPosition(sym)
		if err != nil {
			logger.Warn("failed to load persisted position", "symbol", sym, "error", err)
			continue
		}
		if pos != nil {
			o.RestorePosition(*pos)
		}
	}
}

// persistPeriodically snapshots every symbol's exposure and the account
// state to disk on a fixed cadence, so a crash loses at most one period
// of state rather than everything since the last clean shutdown.
func persistPeriodically(ctx context.Context, o *oms.OMS, s *store.Store, symbols []string, logger *slog.Logger) {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, sym := range symbols {
					pos, ok := o.PositionSnapshot(sym)
					if !ok {
						continue
					}
					if err := s.SavePosition(sym, pos); err != nil {
						logger.Warn("failed to persist position", "symbol", sym, "error", err)
					}
				}
				if err := s.SaveAccount(o.AccountSnapshot()); err != nil {
					logger.Warn("failed to persist account", "error", err)
				}
			}
		}
	}()
}
