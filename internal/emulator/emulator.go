package emulator

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/bo0619/hfmm-engine/internal/eventbus"
	"github.com/bo0619/hfmm-engine/internal/latency"
	"github.com/bo0619/hfmm-engine/pkg/types"
)

const volatilityWindow = 100

// symbolState is the emulator's per-symbol book shadow: the latest
// replayed aggregated depth plus our own resting sim orders at each
// price level.
type symbolState struct {
	bookBids map[float64]float64
	bookAsks map[float64]float64

	bids map[float64][]*simOrder
	asks map[float64][]*simOrder

	midPrices  []float64
	volatility float64
	tradeCnt   int
}

func newSymbolState() *symbolState {
	return &symbolState{
		bookBids: map[float64]float64{},
		bookAsks: map[float64]float64{},
		bids:     map[float64][]*simOrder{},
		asks:     map[float64][]*simOrder{},
	}
}

func (st *symbolState) updateVolatility(mid float64) {
	st.midPrices = append(st.midPrices, mid)
	if len(st.midPrices) > volatilityWindow {
		st.midPrices = st.midPrices[len(st.midPrices)-volatilityWindow:]
	}
	if len(st.midPrices) > 10 {
		st.volatility = stddev(st.midPrices)
	}
}

func stddev(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var variance float64
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	return math.Sqrt(variance / float64(len(xs)))
}

// Emulator matches resting and incoming orders against replayed market
// depth and trades. It is driven entirely by the sim engine: depth and
// trade events arrive via bus subscriptions (registered by Start), order
// and cancel arrivals arrive as scheduled sim-engine callbacks invoked
// directly by the chaos gateway, never from a goroutine of its own.
type Emulator struct {
	mu      sync.Mutex
	bus     *eventbus.Bus
	clock   interface{ Now() time.Time }
	logger  *slog.Logger
	latency *latency.Model

	cancelBaseProb float64
	symbols        map[string]*symbolState
	byExchOID      map[string]*simOrder
}

// New builds an emulator. cancelBaseProb is backtest.cancel_base_prob;
// latencyModel may be nil if message-rate recording isn't needed.
func New(bus *eventbus.Bus, clock interface{ Now() time.Time }, cancelBaseProb float64, latencyModel *latency.Model, logger *slog.Logger) *Emulator {
	return &Emulator{
		bus:            bus,
		clock:          clock,
		logger:         logger.With("component", "emulator"),
		latency:        latencyModel,
		cancelBaseProb: cancelBaseProb,
		symbols:        map[string]*symbolState{},
		byExchOID:      map[string]*simOrder{},
	}
}

// Start subscribes to replayed market data. Order/cancel arrivals are
// driven separately by the chaos gateway's scheduled callbacks.
func (e *Emulator) Start() {
	e.bus.Register(eventbus.TypeBookEvent, func(ev eventbus.Event) {
		e.OnMarketDepth(ev.(eventbus.BookEventMsg).BookEvent)
	})
	e.bus.Register(eventbus.TypeAggTrade, func(ev eventbus.Event) {
		e.OnMarketTrade(ev.(eventbus.AggTradeMsg).AggTrade)
	})
}

func (e *Emulator) state(symbol string) *symbolState {
	st, ok := e.symbols[symbol]
	if !ok {
		st = newSymbolState()
		e.symbols[symbol] = st
	}
	return st
}

// OnMarketDepth updates volatility, applies cancel-decay to resting
// orders against the shrinking/growing book, then installs the new
// shadow book (§4.8 "On depth update").
func (e *Emulator) OnMarketDepth(ev types.BookEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.latency != nil {
		e.latency.RecordMessage(e.clock.Now())
	}

	st := e.state(ev.Symbol)
	bid, ask := ev.BestBidAsk()
	if bid > 0 && ask > 0 {
		st.updateVolatility((bid + ask) / 2)
	}

	adjCancelProb := math.Min(1.0, e.cancelBaseProb*(1+0.5*st.volatility))
	applyCancelDecay(st.bids, st.bookBids, ev.Bids, adjCancelProb)
	applyCancelDecay(st.asks, st.bookAsks, ev.Asks, adjCancelProb)

	st.bookBids = copyLevels(ev.Bids)
	st.bookAsks = copyLevels(ev.Asks)
}

func copyLevels(m map[float64]float64) map[float64]float64 {
	out := make(map[float64]float64, len(m))
	for p, v := range m {
		out[p] = v
	}
	return out
}

// applyCancelDecay distributes the shrinkage at each book level across
// resting orders at that level, each losing up to delta*prob from its
// queue_ahead (§4.8 "Cancel-decay").
func applyCancelDecay(resting map[float64][]*simOrder, oldBook, newBook map[float64]float64, prob float64) {
	for price, orders := range resting {
		if len(orders) == 0 {
			continue
		}
		oldVol := oldBook[price]
		newVol := newBook[price]
		if newVol >= oldVol {
			continue
		}
		delta := oldVol - newVol
		for _, o := range orders {
			if o.active && o.queueAhead > 0 {
				o.queueAhead = math.Max(0, o.queueAhead-delta*prob)
			}
		}
	}
}

// OnMarketTrade consumes resting queue volume on the side the trade
// hit, filling our orders whose queue_ahead goes negative (§4.8 "On
// aggregated trade").
func (e *Emulator) OnMarketTrade(trade types.AggTrade) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.latency != nil {
		e.latency.RecordMessage(e.clock.Now())
	}

	st := e.state(trade.Symbol)
	if trade.MakerIsBuyer {
		e.processTradeSide(st, st.bids, trade.Price, trade.Qty, true)
	} else {
		e.processTradeSide(st, st.asks, trade.Price, trade.Qty, false)
	}
}

func (e *Emulator) processTradeSide(st *symbolState, resting map[float64][]*simOrder, tradePrice, tradeQty float64, isBuy bool) {
	var prices []float64
	for p, orders := range resting {
		if len(orders) == 0 {
			continue
		}
		if isBuy && p >= tradePrice {
			prices = append(prices, p)
		} else if !isBuy && p <= tradePrice {
			prices = append(prices, p)
		}
	}
	if isBuy {
		sort.Sort(sort.Reverse(sort.Float64Slice(prices))) // highest first
	} else {
		sort.Float64s(prices) // lowest first
	}

	for _, p := range prices {
		e.consumeQueue(st, resting[p], tradeQty)
	}
}

func (e *Emulator) consumeQueue(st *symbolState, orders []*simOrder, tradeQty float64) {
	for _, o := range orders {
		if !o.active {
			continue
		}
		prevQueue := o.queueAhead
		o.queueAhead -= tradeQty
		if o.queueAhead < 0 {
			coveredVol := tradeQty
			if prevQueue >= 0 {
				coveredVol = -o.queueAhead
			}
			fill := math.Min(coveredVol, o.remaining())
			if fill > 0 {
				e.execFill(st, o, fill, o.price)
			}
		}
	}
}

// OnOrderArrival handles a new order reaching the emulator after chaos
// gateway latency: a taker check first, then any residual volume joins
// the maker queue at its price (§4.8 "On order arrival").
func (e *Emulator) OnOrderArrival(req types.OrderRequest, exchOID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	price, _ := req.Price.Float64()
	isBuy := req.Side == types.Buy
	st := e.state(req.Symbol)
	order := newSimOrder(req, exchOID, price, e.clock.Now())
	e.byExchOID[exchOID] = order

	if isBuy && len(st.bookAsks) > 0 {
		if bestAsk, ok := minKey(st.bookAsks); ok && price >= bestAsk {
			e.matchTaker(st, order, st.bookAsks, true)
		}
	} else if !isBuy && len(st.bookBids) > 0 {
		if bestBid, ok := maxKey(st.bookBids); ok && price <= bestBid {
			e.matchTaker(st, order, st.bookBids, false)
		}
	}

	if !order.active {
		return
	}

	order.isMaker = true
	if isBuy {
		order.queueAhead = st.bookBids[price]
		st.bids[price] = append(st.bids[price], order)
	} else {
		order.queueAhead = st.bookAsks[price]
		st.asks[price] = append(st.asks[price], order)
	}

	e.emitOrderUpdate(order, "NEW", 0, price)
}

func minKey(m map[float64]float64) (float64, bool) {
	first := true
	var best float64
	for k := range m {
		if first || k < best {
			best = k
			first = false
		}
	}
	return best, !first
}

func maxKey(m map[float64]float64) (float64, bool) {
	first := true
	var best float64
	for k := range m {
		if first || k > best {
			best = k
			first = false
		}
	}
	return best, !first
}

// matchTaker walks bookSide in price-priority order, filling order from
// the shadow book's aggregated volume directly (taker liquidity comes
// from the whole visible book, not just our own resting orders at that
// level).
func (e *Emulator) matchTaker(st *symbolState, order *simOrder, bookSide map[float64]float64, isBuy bool) {
	var prices []float64
	for p := range bookSide {
		prices = append(prices, p)
	}
	if isBuy {
		sort.Float64s(prices)
	} else {
		sort.Sort(sort.Reverse(sort.Float64Slice(prices)))
	}

	for _, p := range prices {
		if isBuy && p > order.price {
			break
		}
		if !isBuy && p < order.price {
			break
		}
		fillQty := math.Min(bookSide[p], order.remaining())
		if fillQty > 0 {
			e.execFill(st, order, fillQty, p)
			bookSide[p] -= fillQty
			if bookSide[p] <= 1e-9 {
				delete(bookSide, p)
			}
		}
		if !order.active {
			break
		}
	}
}

func (e *Emulator) execFill(st *symbolState, order *simOrder, qty, price float64) {
	order.filled += qty
	st.tradeCnt++

	e.bus.Put(eventbus.TradeMsg{Trade: types.Trade{
		Symbol:    order.symbol,
		OrderID:   order.exchOID,
		TradeID:   fmt.Sprintf("SIM%d", st.tradeCnt),
		Side:      order.side,
		Price:     price,
		Volume:    qty,
		Timestamp: e.clock.Now(),
	}})

	status := "PARTIALLY_FILLED"
	if order.filled >= order.volume-fillEpsilon {
		status = "FILLED"
		order.active = false
	}
	e.emitOrderUpdate(order, status, qty, price)
}

func (e *Emulator) emitOrderUpdate(order *simOrder, status string, filledQty, filledPrice float64) {
	e.bus.Put(eventbus.OrderUpdateMsg{ExchangeOrderUpdate: types.ExchangeOrderUpdate{
		ClientOID:    order.clientOID,
		ExchangeOID:  order.exchOID,
		Symbol:       order.symbol,
		Status:       status,
		FilledQty:    filledQty,
		FilledPrice:  filledPrice,
		CumFilledQty: order.filled,
		UpdateTime:   e.clock.Now(),
	}})
}

// OnCancelArrival marks a resting order inactive and removes it from
// its price queue, emitting a CANCELED confirmation.
func (e *Emulator) OnCancelArrival(req types.CancelRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.byExchOID[req.OID()]
	if !ok || !order.active {
		return
	}
	order.active = false
	delete(e.byExchOID, req.OID())

	st := e.state(req.Symbol)
	removeFromQueue(st.bids, order)
	removeFromQueue(st.asks, order)

	e.bus.Put(eventbus.OrderUpdateMsg{ExchangeOrderUpdate: types.ExchangeOrderUpdate{
		ClientOID:    order.clientOID,
		ExchangeOID:  order.exchOID,
		Symbol:       order.symbol,
		Status:       "CANCELED",
		CumFilledQty: order.filled,
		UpdateTime:   e.clock.Now(),
	}})
}

func removeFromQueue(byPrice map[float64][]*simOrder, order *simOrder) {
	orders, ok := byPrice[order.price]
	if !ok {
		return
	}
	for i, o := range orders {
		if o == order {
			byPrice[order.price] = append(orders[:i], orders[i+1:]...)
			return
		}
	}
}
