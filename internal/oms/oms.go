// Package oms implements the OMS Core: submit/cancel entry points,
// exchange-update handling, and the reconciliation loop that ties
// together the Exposure Manager, Account Manager, and Order Registry
// (§4.6).
//
// Grounded on the teacher's internal/engine/engine.go (map-of-slots plus
// RWMutex orchestration style, periodic reconcileMarkets loop) and
// internal/risk/manager.go (ticker-driven periodic check, non-blocking
// channel emission), generalised from Polymarket market-slot lifecycle
// management to per-symbol order/exposure/account orchestration against
// a single exchange account.
package oms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/bo0619/hfmm-engine/internal/account"
	"github.com/bo0619/hfmm-engine/internal/config"
	"github.com/bo0619/hfmm-engine/internal/eventbus"
	"github.com/bo0619/hfmm-engine/internal/exposure"
	"github.com/bo0619/hfmm-engine/internal/metrics"
	"github.com/bo0619/hfmm-engine/internal/orders"
	"github.com/bo0619/hfmm-engine/internal/refdata"
	"github.com/bo0619/hfmm-engine/pkg/types"
)

// MarkPriceSource supplies the current mark/mid price the OMS needs for
// pre-trade risk checks and account recomputation. internal/markcache.Cache
// satisfies this and is what cmd/engine passes in every mode.
type MarkPriceSource interface {
	MarkPrice(symbol string) (float64, bool)
}

// ErrOrderRejected is returned by SubmitOrder when static validation,
// the margin check, or the worst-case exposure check fails.
var ErrOrderRejected = errors.New("oms: order rejected")

// OMS orchestrates order submission, exchange-update handling, and
// periodic reconciliation for a single exchange account across every
// configured symbol.
//
// All state mutation (order registry, exposure, account, id maps,
// counters) happens under mu; the lock is never held while calling out
// to the gateway or emitting bus events (§5).
type OMS struct {
	mu sync.Mutex

	cfg     config.RiskConfig
	omsCfg  config.OMSConfig
	logger  *slog.Logger
	bus     *eventbus.Bus
	gateway Gateway
	refdata *refdata.Table
	marks   MarkPriceSource

	registry *orders.Registry
	exposure *exposure.Manager
	account  *account.Manager
	metrics  *metrics.Metrics

	submittedCounter uint64
	filledCounter    uint64

	lastForceSyncAt time.Time
	dirtyOrders     map[string]time.Time // symbol -> first-seen-dirty time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds an OMS. gateway/refdata/marks/bus must all be non-nil.
func New(
	cfg config.RiskConfig,
	omsCfg config.OMSConfig,
	accountCfg config.AccountConfig,
	bus *eventbus.Bus,
	gateway Gateway,
	refdata *refdata.Table,
	marks MarkPriceSource,
	logger *slog.Logger,
) *OMS {
	return &OMS{
		cfg:      cfg,
		omsCfg:   omsCfg,
		logger:   logger.With("component", "oms"),
		bus:      bus,
		gateway:  gateway,
		refdata:  refdata,
		marks:    marks,
		registry: orders.NewRegistry(omsCfg.AckTimeout, logger),
		exposure: exposure.New(),
		account:  account.New(accountCfg.InitialBalanceUSDT, accountCfg.Leverage),
		dirtyOrders: make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
}

// SetMetrics attaches a metrics bundle; nil-safe if never called, so
// existing callers and tests are unaffected.
func (o *OMS) SetMetrics(m *metrics.Metrics) {
	o.metrics = m
}

// Start registers bus handlers, and launches the registry's ACK
// watchdog and the reconciliation loop.
func (o *OMS) Start(ctx context.Context) {
	o.bus.Register(eventbus.TypeOrderUpdate, o.handleOrderUpdateEvent)
	o.registry.Start(ctx)

	o.wg.Add(3)
	go o.reconcileLoop(ctx)
	go o.watchDirtyOrders(ctx)
	go o.watchAckTimeouts(ctx)
}

// Stop joins the reconciliation loop, dirty-order watcher, the ack-
// timeout consumer, and the registry's ACK watchdog.
func (o *OMS) Stop() {
	close(o.stopCh)
	o.wg.Wait()
	o.registry.Stop()
}

// SubmitOrder implements §4.6's submit_order: static validation, margin
// check, worst-case exposure check, registry insertion, then an
// out-of-lock gateway call.
func (o *OMS) SubmitOrder(ctx context.Context, intent types.OrderIntent) (string, error) {
	price, _ := intent.Price.Float64()

	if err := o.staticValidate(intent, price); err != nil {
		o.bumpRejected(intent.Symbol, "static_validation")
		return "", fmt.Errorf("%w: %v", ErrOrderRejected, err)
	}

	markPrice, haveMark := o.marks.MarkPrice(intent.Symbol)
	if !haveMark {
		o.bumpRejected(intent.Symbol, "no_mark_price")
		return "", fmt.Errorf("%w: no mark price for %s", ErrOrderRejected, intent.Symbol)
	}

	notional := price * intent.Volume

	o.mu.Lock()
	if !o.account.CheckMargin(notional) {
		o.mu.Unlock()
		o.bumpRiskRejection(intent.Symbol, "margin")
		return "", fmt.Errorf("%w: insufficient margin for %s", ErrOrderRejected, intent.Symbol)
	}
	if err := o.exposure.CheckRisk(intent.Symbol, intent.Side, intent.Volume, markPrice, o.cfg.MaxPosNotional); err != nil {
		o.mu.Unlock()
		o.bumpRiskRejection(intent.Symbol, "worst_case_exposure")
		return "", fmt.Errorf("%w: %v", ErrOrderRejected, err)
	}

	ord := o.registry.Create(intent)
	if err := o.registry.MarkSubmitting(ord); err != nil {
		o.mu.Unlock()
		return "", fmt.Errorf("%w: %v", ErrOrderRejected, err)
	}
	o.recomputeOpenAggregatesLocked(intent.Symbol)
	o.recomputeAccountLocked()
	o.submittedCounter++
	o.mu.Unlock()

	req := types.OrderRequest{
		ClientOID:   ord.ClientOID,
		Symbol:      intent.Symbol,
		Side:        intent.Side,
		Price:       intent.Price,
		Volume:      intent.Volume,
		TimeInForce: intent.TimeInForce,
		PostOnly:    intent.PostOnly,
		IsRPI:       intent.IsRPI,
	}

	exchangeOID, err := o.gateway.SubmitOrder(ctx, req)
	if err != nil {
		_ = ord.Transition(types.StatusRejected)
		ord.SetError(err.Error())
		o.mu.Lock()
		o.recomputeOpenAggregatesLocked(intent.Symbol)
		o.recomputeAccountLocked()
		o.mu.Unlock()
		o.emitOrderSnapshot(ord)
		o.bumpRejected(intent.Symbol, "gateway")
		return "", fmt.Errorf("%w: gateway rejected: %v", ErrOrderRejected, err)
	}

	o.registry.BindExchangeOID(ord, exchangeOID)
	o.emitOrderSnapshot(ord)
	if o.metrics != nil {
		o.metrics.OrdersSubmitted.WithLabelValues(intent.Symbol, string(intent.Side)).Inc()
	}
	return ord.ClientOID, nil
}

func (o *OMS) bumpRejected(symbol, reason string) {
	if o.metrics != nil {
		o.metrics.OrdersRejected.WithLabelValues(symbol, reason).Inc()
	}
}

func (o *OMS) bumpRiskRejection(symbol, reason string) {
	if o.metrics != nil {
		o.metrics.RiskRejections.WithLabelValues(symbol, reason).Inc()
	}
}

func (o *OMS) staticValidate(intent types.OrderIntent, price float64) error {
	if price <= 0 {
		return errors.New("price must be > 0")
	}
	if intent.Volume <= 0 {
		return errors.New("volume must be > 0")
	}
	if intent.Volume > o.cfg.MaxOrderQty {
		return fmt.Errorf("volume %v exceeds max_order_qty %v", intent.Volume, o.cfg.MaxOrderQty)
	}
	ok, err := o.refdata.MeetsMinNotional(intent.Symbol, price, intent.Volume)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("notional below symbol min_notional")
	}
	return nil
}

// CancelOrder implements §4.6's cancel_order: the gateway call happens
// outside the lock, and the order only moves to CANCELLING once the
// matching exchange update confirms it.
func (o *OMS) CancelOrder(ctx context.Context, clientOID string) error {
	ord, ok := o.registry.ByClientOID(clientOID)
	if !ok {
		return fmt.Errorf("oms: unknown client_oid %s", clientOID)
	}

	snap := ord.Snapshot()
	req := types.CancelRequest{
		Symbol:      snap.Symbol,
		ExchangeOID: snap.ExchangeOID,
		FallbackOID: snap.ClientOID,
	}
	return o.gateway.CancelOrder(ctx, req)
}

// CancelAllOrders implements §4.6's cancel_all_orders: fire-and-forget
// to the gateway, optimistically marking every active order on the
// symbol as CANCELLING to suppress re-use before confirmations arrive.
func (o *OMS) CancelAllOrders(ctx context.Context, symbol string) error {
	o.mu.Lock()
	for _, ord := range o.registry.ActiveOrders(symbol) {
		_ = ord.Transition(types.StatusCancelling)
	}
	o.recomputeOpenAggregatesLocked(symbol)
	o.recomputeAccountLocked()
	o.mu.Unlock()

	return o.gateway.CancelAll(ctx, symbol)
}

// handleOrderUpdateEvent is the bus handler wired for
// eventbus.TypeOrderUpdate; it unwraps and delegates to OnExchangeUpdate.
func (o *OMS) handleOrderUpdateEvent(e eventbus.Event) {
	msg, ok := e.(eventbus.OrderUpdateMsg)
	if !ok {
		return
	}
	o.OnExchangeUpdate(msg.ExchangeOrderUpdate)
}

// OnExchangeUpdate implements §4.6's on_exchange_update.
func (o *OMS) OnExchangeUpdate(upd types.ExchangeOrderUpdate) {
	o.mu.Lock()
	ord, ok := o.registry.Resolve(upd.ClientOID, upd.ExchangeOID)
	if !ok {
		o.mu.Unlock()
		o.logger.Warn("exchange update for unknown order", "client_oid", upd.ClientOID, "exchange_oid", upd.ExchangeOID)
		return
	}

	var fillTrade *types.Trade
	statusChanged := false

	switch upd.Status {
	case "NEW":
		if err := ord.Transition(types.StatusNew); err == nil {
			statusChanged = true
		}
	case "CANCELED", "EXPIRED":
		target := types.StatusCancelled
		if upd.Status == "EXPIRED" {
			target = types.StatusExpired
		} else {
			// The cancel confirmation moves the order through CANCELLING
			// first; an order already CANCELLING stays where it is.
			_ = ord.Transition(types.StatusCancelling)
		}
		if err := ord.Transition(target); err == nil {
			statusChanged = true
			o.registry.Remove(ord)
		}
	case "REJECTED":
		if err := ord.Transition(types.StatusRejected); err == nil {
			statusChanged = true
			ord.SetError(upd.RejectReason)
			o.registry.Remove(ord)
		}
	case "FILLED", "PARTIALLY_FILLED":
		before := ord.Snapshot()
		deltaQty := upd.CumFilledQty - before.FilledVolume
		if deltaQty > orders.FillEpsilon {
			posSnap := o.exposure.OnFill(before.Symbol, before.Side, deltaQty, upd.FilledPrice)
			_ = posSnap
			o.account.AddRealizedPnL(0) // fills leave the balance unchanged: no fee or realised PnL is applied here
			fillTrade = &types.Trade{
				Symbol:    before.Symbol,
				OrderID:   before.ClientOID,
				TradeID:   fmt.Sprintf("%s-%d", before.ClientOID, upd.UpdateTime.UnixNano()),
				Side:      before.Side,
				Price:     upd.FilledPrice,
				Volume:    deltaQty,
				Timestamp: upd.UpdateTime,
			}
			o.filledCounter++
			if o.metrics != nil {
				o.metrics.OrdersFilled.WithLabelValues(before.Symbol, string(before.Side)).Inc()
			}
			if before.Status == types.StatusSubmitting || before.Status == types.StatusPendingAck {
				// A fill implies the exchange accepted the order even when
				// no NEW ack preceded it (taker fills are reported directly).
				_ = ord.Transition(types.StatusNew)
			}
			if err := ord.AddFill(deltaQty, upd.FilledPrice); err == nil {
				statusChanged = true
			}
			if ord.Snapshot().Status.IsTerminal() {
				o.registry.Remove(ord)
			}
		}
	}

	symbol := ord.Symbol
	o.recomputeOpenAggregatesLocked(symbol)
	o.recomputeAccountLocked()
	o.mu.Unlock()

	if statusChanged || fillTrade != nil {
		o.emitOrderSnapshot(ord)
	}
	if fillTrade != nil {
		o.bus.Put(eventbus.TradeMsg{Trade: *fillTrade})
		o.bus.Put(eventbus.PositionUpdateMsg{PositionSnapshot: o.exposure.Snapshot(symbol)})
	}
}

func (o *OMS) recomputeOpenAggregatesLocked(symbol string) {
	active := o.registry.ActiveOrders(symbol)
	views := make([]exposure.OpenOrderView, 0, len(active))
	for _, ord := range active {
		views = append(views, exposure.OpenOrderView{Side: ord.Side, Remaining: ord.Remaining()})
	}
	o.exposure.RecomputeOpenAggregates(symbol, views)
}

func (o *OMS) recomputeAccountLocked() {
	symbols := o.refdata.Symbols()
	inputs := make([]account.PositionInput, 0, len(symbols))
	for _, sym := range symbols {
		posSnap := o.exposure.Snapshot(sym)
		buy, sell := o.exposure.OpenQty(sym)
		mark, _ := o.marks.MarkPrice(sym)
		inputs = append(inputs, account.PositionInput{
			Symbol:     sym,
			NetPos:     posSnap.Volume,
			AvgPrice:   posSnap.AvgPrice,
			OpenBuyQty: buy,
			OpenSell:   sell,
			MarkPrice:  mark,
		})
	}
	acct := o.account.Recompute(inputs)
	if o.metrics != nil {
		o.metrics.Equity.Set(acct.Equity)
		o.metrics.AvailableMargin.Set(acct.Available)
		for _, in := range inputs {
			o.metrics.PositionNotional.WithLabelValues(in.Symbol).Set(in.NetPos * in.MarkPrice)
		}
	}
}

func (o *OMS) emitOrderSnapshot(ord *orders.Order) {
	o.bus.Put(eventbus.OrderSnapshotMsg{OrderSnapshot: ord.Snapshot()})
}

// reconcileLoop implements the reconciliation half of §4.6: every
// ReconcileInterval, pull the remote snapshot, diff it against local
// state, and publish a SystemHealth event.
func (o *OMS) reconcileLoop(ctx context.Context) {
	defer o.wg.Done()

	interval := o.omsCfg.ReconcileInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.reconcileOnce(ctx)
		}
	}
}

func (o *OMS) reconcileOnce(ctx context.Context) {
	remote, err := o.gateway.FetchRemoteState(ctx)
	if err != nil {
		o.logger.Warn("reconciliation: failed to fetch remote state", "error", err)
		return
	}

	eps := o.omsCfg.PositionDriftEps
	if eps <= 0 {
		eps = 1e-6
	}

	var diffs []types.PositionDiff
	var totalExposure float64
	symbols := o.refdata.Symbols()

	o.mu.Lock()
	for _, sym := range symbols {
		local := o.exposure.Snapshot(sym)
		remotePos := remote.Positions[sym]
		delta := local.Volume - remotePos
		if math.Abs(delta) > eps {
			diffs = append(diffs, types.PositionDiff{Symbol: sym, Local: local.Volume, Remote: remotePos, Delta: delta})
		}
		if o.metrics != nil {
			o.metrics.ReconcileDrift.WithLabelValues(sym).Set(delta)
		}
		mark, _ := o.marks.MarkPrice(sym)
		totalExposure += math.Abs(local.Volume) * mark
	}

	localOrderCount := len(o.registry.ActiveOrders(""))
	var remoteOrderCount int
	for _, c := range remote.OpenOrderCounts {
		remoteOrderCount += c
	}
	var cancellingCount int
	for _, ord := range o.registry.ActiveOrders("") {
		if ord.Snapshot().Status == types.StatusCancelling {
			cancellingCount++
		}
	}

	acct := o.account.Snapshot()
	var marginRatio float64
	if acct.Equity > 0 {
		marginRatio = acct.UsedMargin / acct.Equity
	}
	var fillRatio float64
	if o.submittedCounter > 0 {
		fillRatio = float64(o.filledCounter) / float64(o.submittedCounter)
	}
	o.mu.Unlock()

	now := time.Now()
	o.trackDirty(diffs, now)

	health := types.SystemHealth{
		TotalExposure:    totalExposure,
		MarginRatio:      marginRatio,
		PositionDiffs:    diffs,
		LocalOrderCount:  localOrderCount,
		RemoteOrderCount: remoteOrderCount,
		IsSyncError:      len(diffs) > 0,
		CancellingCount:  cancellingCount,
		FillRatio:        fillRatio,
		Timestamp:        now,
	}
	o.bus.Put(eventbus.SystemHealthMsg{SystemHealth: health})
}

// trackDirty records the first time each drifting symbol was observed,
// and forgets symbols that have since healed.
func (o *OMS) trackDirty(diffs []types.PositionDiff, now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	seen := make(map[string]bool, len(diffs))
	for _, d := range diffs {
		seen[d.Symbol] = true
		if _, ok := o.dirtyOrders[d.Symbol]; !ok {
			o.dirtyOrders[d.Symbol] = now
		}
	}
	for sym := range o.dirtyOrders {
		if !seen[sym] {
			delete(o.dirtyOrders, sym)
		}
	}
}

// watchAckTimeouts consumes the registry's ACK-timeout notifications
// (§4.5's "dirty callback for the auto-reconciler") and folds the
// timed-out order's symbol into the same dirty-symbol tracking
// position-diff drift uses, so a stalled order eventually forces a
// sync_with_exchange even before any position drift is observed.
func (o *OMS) watchAckTimeouts(ctx context.Context) {
	defer o.wg.Done()

	ch := o.registry.DirtyCh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case clientOID, ok := <-ch:
			if !ok {
				return
			}
			ord, found := o.registry.ByClientOID(clientOID)
			if !found {
				continue
			}
			snap := ord.Snapshot()

			o.mu.Lock()
			if _, dirty := o.dirtyOrders[snap.Symbol]; !dirty {
				o.dirtyOrders[snap.Symbol] = time.Now()
			}
			o.mu.Unlock()

			o.logger.Warn("order ack timeout", "client_oid", clientOID, "symbol", snap.Symbol)
		}
	}
}

// watchDirtyOrders promotes persistently dirty symbols into a forced
// sync_with_exchange, observing the force-sync cooldown (§4.6).
func (o *OMS) watchDirtyOrders(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	threshold := o.omsCfg.DirtyThreshold
	if threshold <= 0 {
		threshold = 10 * time.Second
	}
	cooldown := o.omsCfg.ForceSyncCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.maybeForceSync(ctx, threshold, cooldown)
		}
	}
}

func (o *OMS) maybeForceSync(ctx context.Context, threshold, cooldown time.Duration) {
	now := time.Now()

	o.mu.Lock()
	var persistent bool
	for _, since := range o.dirtyOrders {
		if now.Sub(since) > threshold {
			persistent = true
			break
		}
	}
	canSync := now.Sub(o.lastForceSyncAt) > cooldown
	o.mu.Unlock()

	if !persistent || !canSync {
		return
	}

	remote, err := o.gateway.FetchRemoteState(ctx)
	if err != nil {
		o.logger.Warn("forced sync: failed to fetch remote state", "error", err)
		return
	}
	o.syncWithExchange(remote)
}

// syncWithExchange clears and refills exposure from the authoritative
// remote snapshot (§4.6: "forced sync_with_exchange()").
func (o *OMS) syncWithExchange(remote RemoteState) {
	o.mu.Lock()
	for sym, remotePos := range remote.Positions {
		local := o.exposure.Snapshot(sym)
		o.exposure.SetNetPosition(sym, remotePos, local.AvgPrice)
	}
	o.recomputeAccountLocked()
	o.lastForceSyncAt = time.Now()
	o.dirtyOrders = make(map[string]time.Time)
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.ForcedSyncTotal.Inc()
	}
	o.logger.Info("forced sync_with_exchange completed")
}

// PositionSnapshot returns the current exposure snapshot for a symbol.
// ok is always true: a symbol with no tracked exposure yields a flat
// snapshot, which is safe to persist.
func (o *OMS) PositionSnapshot(symbol string) (types.PositionSnapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.exposure.Snapshot(symbol), true
}

// AccountSnapshot returns the most recently computed account state.
func (o *OMS) AccountSnapshot() types.AccountSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.account.Snapshot()
}

// RestorePosition seeds a symbol's exposure from a persisted snapshot,
// used at startup before the OMS starts taking order flow. A subsequent
// reconciliation pass still verifies it against the exchange.
func (o *OMS) RestorePosition(pos types.PositionSnapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exposure.SetNetPosition(pos.Symbol, pos.Volume, pos.AvgPrice)
}
