package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bo0619/hfmm-engine/internal/eventbus"
	"github.com/bo0619/hfmm-engine/pkg/types"
)

// Adapted from the teacher's internal/exchange/ws.go: same auto-reconnect
// with exponential backoff, ping loop, and read-deadline-triggers-
// reconnect shape, generalised from Polymarket's book/price_change/
// trade/order channel split to a single combined depth-update/agg-trade/
// mark-price/order-update stream, routed by a Binance-style "e" event
// type field instead of Polymarket's "event_type".
const (
	pingInterval     = 15 * time.Second
	readTimeout      = 60 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 5 * time.Second
)

// wireEnvelope peeks at the discriminator field common to every message
// on the combined stream.
type wireEnvelope struct {
	EventType string `json:"e"`
}

type wireDepth struct {
	Symbol string           `json:"s"`
	U      int64            `json:"U"`
	FinalU int64            `json:"u"`
	PU     int64            `json:"pu"`
	Bids   [][2]string      `json:"b"`
	Asks   [][2]string      `json:"a"`
}

type wireAggTrade struct {
	Symbol    string `json:"s"`
	TradeID   int64  `json:"a"`
	Price     string `json:"p"`
	Qty       string `json:"q"`
	IsBuyerMM bool   `json:"m"`
	TradeTime int64  `json:"T"`
}

type wireMarkPrice struct {
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	EventTime int64  `json:"E"`
}

type wireOrderUpdate struct {
	ClientOID    string  `json:"c"`
	ExchangeOID  string  `json:"i"`
	Symbol       string  `json:"s"`
	Status       string  `json:"X"`
	FilledQty    float64 `json:"l,string"`
	FilledPrice  float64 `json:"L,string"`
	CumFilledQty float64 `json:"z,string"`
	UpdateTime   int64   `json:"T"`
	RejectReason string  `json:"r"`
}

// Feed is a single combined market/user websocket connection. It parses
// every inbound frame and pushes the corresponding typed event onto the
// bus; it never talks to the OMS or gateway REST path directly.
type Feed struct {
	url    string
	bus    *eventbus.Bus
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
}

// NewFeed builds a feed that will publish to bus once Run is started.
func NewFeed(url string, bus *eventbus.Bus, logger *slog.Logger) *Feed {
	return &Feed{url: url, bus: bus, logger: logger.With("component", "gateway_feed")}
}

// Run connects and maintains the connection with auto-reconnect until ctx
// is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("feed disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close closes the underlying connection, if any.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	f.logger.Info("feed connected", "url", f.url)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(msg)
	}
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.connMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			f.connMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (f *Feed) dispatch(data []byte) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.Debug("ignoring non-json frame", "data", string(data))
		return
	}

	switch env.EventType {
	case "depthUpdate":
		var d wireDepth
		if err := json.Unmarshal(data, &d); err != nil {
			f.logger.Warn("malformed depthUpdate", "error", err)
			return
		}
		f.bus.Put(eventbus.BookDeltaMsg{BookDelta: types.BookDelta{
			Symbol: d.Symbol,
			U:      d.U,
			FinalU: d.FinalU,
			PU:     d.PU,
			Bids:   parseWireLevels(d.Bids),
			Asks:   parseWireLevels(d.Asks),
		}})
	case "aggTrade":
		var t wireAggTrade
		if err := json.Unmarshal(data, &t); err != nil {
			f.logger.Warn("malformed aggTrade", "error", err)
			return
		}
		f.bus.Put(eventbus.AggTradeMsg{AggTrade: types.AggTrade{
			Symbol:       t.Symbol,
			TradeID:      t.TradeID,
			Price:        parseFloat(t.Price),
			Qty:          parseFloat(t.Qty),
			MakerIsBuyer: t.IsBuyerMM,
			Timestamp:    time.UnixMilli(t.TradeTime),
		}})
	case "markPriceUpdate":
		var m wireMarkPrice
		if err := json.Unmarshal(data, &m); err != nil {
			f.logger.Warn("malformed markPriceUpdate", "error", err)
			return
		}
		f.bus.Put(eventbus.MarkPriceMsg{MarkPrice: types.MarkPrice{
			Symbol:    m.Symbol,
			Price:     parseFloat(m.Price),
			Timestamp: time.UnixMilli(m.EventTime),
		}})
	case "ORDER_TRADE_UPDATE":
		var o wireOrderUpdate
		if err := json.Unmarshal(data, &o); err != nil {
			f.logger.Warn("malformed order update", "error", err)
			return
		}
		f.bus.Put(eventbus.OrderUpdateMsg{ExchangeOrderUpdate: types.ExchangeOrderUpdate{
			ClientOID:    o.ClientOID,
			ExchangeOID:  o.ExchangeOID,
			Symbol:       o.Symbol,
			Status:       o.Status,
			FilledQty:    o.FilledQty,
			FilledPrice:  o.FilledPrice,
			CumFilledQty: o.CumFilledQty,
			UpdateTime:   time.UnixMilli(o.UpdateTime),
			RejectReason: o.RejectReason,
		}})
	default:
		f.logger.Debug("unhandled event type", "event_type", env.EventType)
	}
}

func parseWireLevels(raw [][2]string) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		out = append(out, types.PriceLevel{Price: parseFloat(lvl[0]), Size: parseFloat(lvl[1])})
	}
	return out
}

func parseFloat(s string) float64 {
	var f float64
	fmt.Sscanf(s, "%g", &f)
	return f
}
