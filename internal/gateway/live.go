// Package gateway implements the Gateway contract (§6): a REST+websocket
// live gateway and a dry-run gateway that both satisfy oms.Gateway, plus
// the combined market/user data Feed both can reuse.
//
// Grounded on the teacher's internal/exchange/client.go (resty client
// with rate-limited, retried, authenticated REST calls) and ws.go
// (reconnecting websocket feed), generalised from the Polymarket CLOB's
// signed-order REST surface to a Binance-futures-style order/cancel/
// query REST surface. Two conforming gateway variants exist
// (Live/DryRun) mirroring the distilled spec's note that
// gateway/binance/* and gateway/binance_future.py are both conforming
// Gateway implementations with subtly different TIF handling (§9).
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/bo0619/hfmm-engine/internal/config"
	"github.com/bo0619/hfmm-engine/internal/eventbus"
	"github.com/bo0619/hfmm-engine/internal/oms"
	"github.com/bo0619/hfmm-engine/pkg/types"
)

// Live is the production REST+websocket gateway.
type Live struct {
	http   *resty.Client
	rl     *RateLimiter
	feed   *Feed
	logger *slog.Logger

	mu    sync.RWMutex
	state types.GatewayState
}

// NewLive builds a live gateway against cfg.Gateway. The feed pushes
// market and order-update events onto bus; it is started by Connect.
func NewLive(cfg config.GatewayConfig, bus *eventbus.Bus, logger *slog.Logger) *Live {
	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-API-KEY", cfg.ApiKey)

	return &Live{
		http:   httpClient,
		rl:     NewRateLimiter(),
		feed:   NewFeed(cfg.WSMarketURL, bus, logger),
		logger: logger.With("component", "gateway_live"),
		state:  types.GatewayDisconnected,
	}
}

// Connect starts the market/user data feed in the background.
func (l *Live) Connect(ctx context.Context, symbols []string) error {
	l.setState(types.GatewayConnecting)
	go func() {
		if err := l.feed.Run(ctx); err != nil && ctx.Err() == nil {
			l.logger.Error("feed terminated unexpectedly", "error", err)
		}
	}()
	l.setState(types.GatewayReady)
	return nil
}

// Close shuts down the feed connection.
func (l *Live) Close() error {
	l.setState(types.GatewayDisconnected)
	return l.feed.Close()
}

// State returns the gateway's current connectivity state.
func (l *Live) State() types.GatewayState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Live) setState(s types.GatewayState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

type restOrderResponse struct {
	OrderID string `json:"orderId"`
}

// SubmitOrder implements oms.Gateway. It is safe to call concurrently
// with other gateway calls and must never be called under the OMS lock.
func (l *Live) SubmitOrder(ctx context.Context, req types.OrderRequest) (string, error) {
	if err := l.rl.Order.Wait(ctx); err != nil {
		return "", err
	}

	price, _ := req.Price.Float64()
	var result restOrderResponse
	resp, err := l.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"symbol":        req.Symbol,
			"side":          string(req.Side),
			"price":         price,
			"quantity":      req.Volume,
			"timeInForce":   string(req.TimeInForce),
			"newClientOrderId": req.ClientOID,
			"postOnly":      req.PostOnly,
		}).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return "", fmt.Errorf("submit order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("submit order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.OrderID, nil
}

// CancelOrder implements oms.Gateway.
func (l *Live) CancelOrder(ctx context.Context, req types.CancelRequest) error {
	if err := l.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	resp, err := l.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":  req.Symbol,
			"orderId": req.OID(),
		}).
		Delete("/order")
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// CancelAll implements oms.Gateway.
func (l *Live) CancelAll(ctx context.Context, symbol string) error {
	if err := l.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	resp, err := l.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		Delete("/allOpenOrders")
	if err != nil {
		return fmt.Errorf("cancel all: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel all: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

type restFilter struct {
	FilterType  string `json:"filterType"`
	TickSize    string `json:"tickSize"`
	StepSize    string `json:"stepSize"`
	MinQty      string `json:"minQty"`
	MinNotional string `json:"minNotional"`
}

type restSymbolInfo struct {
	Symbol         string       `json:"symbol"`
	PricePrecision int          `json:"pricePrecision"`
	QtyPrecision   int          `json:"quantityPrecision"`
	Filters        []restFilter `json:"filters"`
}

type restExchangeInfo struct {
	Symbols []restSymbolInfo `json:"symbols"`
}

// FetchExchangeInfo loads tick/step/min-qty/min-notional reference data
// for symbols from the exchange (§6 "Reference data per contract").
// Per §7, the caller must treat failure here as fatal: trading without
// tick/step sizes is unsafe.
func (l *Live) FetchExchangeInfo(ctx context.Context, symbols []string) ([]types.ContractInfo, error) {
	if err := l.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var info restExchangeInfo
	resp, err := l.http.R().SetContext(ctx).SetResult(&info).Get("/exchangeInfo")
	if err != nil {
		return nil, fmt.Errorf("fetch exchange info: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch exchange info: status %d: %s", resp.StatusCode(), resp.String())
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	out := make([]types.ContractInfo, 0, len(symbols))
	for _, s := range info.Symbols {
		if !wanted[s.Symbol] {
			continue
		}
		c := types.ContractInfo{
			Symbol:         s.Symbol,
			PricePrecision: s.PricePrecision,
			QtyPrecision:   s.QtyPrecision,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				c.TickSize = parseFloat(f.TickSize)
			case "LOT_SIZE":
				c.StepSize = parseFloat(f.StepSize)
				c.MinQty = parseFloat(f.MinQty)
			case "MIN_NOTIONAL":
				c.MinNotional = parseFloat(f.MinNotional)
			}
		}
		out = append(out, c)
	}
	return out, nil
}

type restLevel [2]string

type restDepth struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         []restLevel `json:"bids"`
	Asks         []restLevel `json:"asks"`
}

// FetchDepthSnapshot implements the gateway contract's
// get_depth_snapshot(symbol) query (§6), used both at startup and to
// resync after the local book raises a gap.
func (l *Live) FetchDepthSnapshot(ctx context.Context, symbol string) (types.BookSnapshot, error) {
	if err := l.rl.Book.Wait(ctx); err != nil {
		return types.BookSnapshot{}, err
	}

	var d restDepth
	resp, err := l.http.R().SetContext(ctx).SetQueryParam("symbol", symbol).SetResult(&d).Get("/depth")
	if err != nil {
		return types.BookSnapshot{}, fmt.Errorf("fetch depth snapshot: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.BookSnapshot{}, fmt.Errorf("fetch depth snapshot: status %d: %s", resp.StatusCode(), resp.String())
	}

	return types.BookSnapshot{
		Symbol:       symbol,
		LastUpdateID: d.LastUpdateID,
		Bids:         parseLevels(d.Bids),
		Asks:         parseLevels(d.Asks),
	}, nil
}

func parseLevels(levels []restLevel) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, types.PriceLevel{Price: parseFloat(lvl[0]), Size: parseFloat(lvl[1])})
	}
	return out
}

type restPosition struct {
	Symbol     string `json:"symbol"`
	PositionAmt string `json:"positionAmt"`
}

type restOpenOrder struct {
	Symbol string `json:"symbol"`
}

// FetchRemoteState implements oms.Gateway's reconciliation query: it
// pulls positions and open orders and folds them into the snapshot the
// OMS diffs against local state.
func (l *Live) FetchRemoteState(ctx context.Context) (oms.RemoteState, error) {
	if err := l.rl.Book.Wait(ctx); err != nil {
		return oms.RemoteState{}, err
	}

	var positions []restPosition
	resp, err := l.http.R().SetContext(ctx).SetResult(&positions).Get("/positionRisk")
	if err != nil {
		return oms.RemoteState{}, fmt.Errorf("fetch positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return oms.RemoteState{}, fmt.Errorf("fetch positions: status %d", resp.StatusCode())
	}

	var openOrders []restOpenOrder
	resp2, err := l.http.R().SetContext(ctx).SetResult(&openOrders).Get("/openOrders")
	if err != nil {
		return oms.RemoteState{}, fmt.Errorf("fetch open orders: %w", err)
	}
	if resp2.StatusCode() != http.StatusOK {
		return oms.RemoteState{}, fmt.Errorf("fetch open orders: status %d", resp2.StatusCode())
	}

	state := oms.RemoteState{
		Positions:       make(map[string]float64, len(positions)),
		OpenOrderCounts: make(map[string]int),
	}
	for _, p := range positions {
		state.Positions[p.Symbol] = parseFloat(p.PositionAmt)
	}
	for _, o := range openOrders {
		state.OpenOrderCounts[o.Symbol]++
	}
	return state, nil
}
