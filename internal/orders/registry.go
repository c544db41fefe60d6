package orders

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bo0619/hfmm-engine/pkg/types"
)

// DefaultAckTimeout is the watchdog deadline when none is configured
// (§4.5: "default 5 s").
const DefaultAckTimeout = 5 * time.Second

// watched tracks one order awaiting an exchange acknowledgement.
type watched struct {
	order       *Order
	submittedAt time.Time
}

// Registry is the order book of record: client_oid/exchange_oid
// identity maps plus the ACK watchdog. The OMS is expected to hold its
// own outer lock across a submit/cancel/fill sequence (§5); the
// registry's lock only protects its own maps.
type Registry struct {
	mu         sync.RWMutex
	byClient   map[string]*Order
	byExchange map[string]*Order
	watching   map[string]*watched // client_oid -> watch entry

	ackTimeout time.Duration
	logger     *slog.Logger

	dirtyCh chan string // client_oid of an order whose ack deadline expired
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewRegistry creates an order registry. ackTimeout<=0 uses DefaultAckTimeout.
func NewRegistry(ackTimeout time.Duration, logger *slog.Logger) *Registry {
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	return &Registry{
		byClient:   make(map[string]*Order),
		byExchange: make(map[string]*Order),
		watching:   make(map[string]*watched),
		ackTimeout: ackTimeout,
		logger:     logger.With("component", "orders"),
		dirtyCh:    make(chan string, 64),
		stopCh:     make(chan struct{}),
	}
}

// Create allocates a client_oid and inserts a CREATED order.
func (r *Registry) Create(intent types.OrderIntent) *Order {
	clientOID := uuid.NewString()
	o := newOrder(clientOID, intent)

	r.mu.Lock()
	r.byClient[clientOID] = o
	r.mu.Unlock()
	return o
}

// MarkSubmitting transitions an order to SUBMITTING and arms the ACK
// watchdog for it.
func (r *Registry) MarkSubmitting(o *Order) error {
	if err := o.Transition(types.StatusSubmitting); err != nil {
		return err
	}

	now := time.Now()
	o.mu.Lock()
	o.SubmittedAt = now
	o.mu.Unlock()

	r.mu.Lock()
	r.watching[o.ClientOID] = &watched{order: o, submittedAt: now}
	r.mu.Unlock()
	return nil
}

// BindExchangeOID registers the exchange_oid -> order mapping and
// notifies the watchdog the order has been acknowledged by clearing it
// from the watch set.
func (r *Registry) BindExchangeOID(o *Order, exchangeOID string) {
	o.BindExchangeOID(exchangeOID)

	r.mu.Lock()
	r.byExchange[exchangeOID] = o
	delete(r.watching, o.ClientOID)
	r.mu.Unlock()
}

// ByClientOID looks up an order by its locally generated id.
func (r *Registry) ByClientOID(clientOID string) (*Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.byClient[clientOID]
	return o, ok
}

// ByExchangeOID looks up an order by its exchange-assigned id.
func (r *Registry) ByExchangeOID(exchangeOID string) (*Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.byExchange[exchangeOID]
	return o, ok
}

// Resolve implements §4.6 step 1 of on_exchange_update: try client_oid
// first, then fall back to the exchange_oid map.
func (r *Registry) Resolve(clientOID, exchangeOID string) (*Order, bool) {
	if clientOID != "" {
		if o, ok := r.ByClientOID(clientOID); ok {
			return o, true
		}
	}
	if exchangeOID != "" {
		return r.ByExchangeOID(exchangeOID)
	}
	return nil, false
}

// Remove drops a terminal order from the ACK watch set and from both id
// maps, so later lookups by client_oid or exchange_oid no longer find it.
func (r *Registry) Remove(o *Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watching, o.ClientOID)
	delete(r.byClient, o.ClientOID)
	if o.ExchangeOID != "" {
		delete(r.byExchange, o.ExchangeOID)
	}
}

// ActiveOrders returns every order whose status is still active,
// optionally filtered to one symbol (empty string means all symbols).
func (r *Registry) ActiveOrders(symbol string) []*Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Order, 0, len(r.byClient))
	for _, o := range r.byClient {
		if !o.IsActive() {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		out = append(out, o)
	}
	return out
}

// DirtyCh returns the channel the auto-reconciler reads order_oids from
// whenever the ACK watchdog times out waiting for an acknowledgement.
func (r *Registry) DirtyCh() <-chan string {
	return r.dirtyCh
}

// Start launches the ACK watchdog loop.
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.watchdogLoop(ctx)
}

// Stop joins the watchdog loop.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Registry) watchdogLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.ackTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweepExpired()
		}
	}
}

func (r *Registry) sweepExpired() {
	now := time.Now()

	r.mu.RLock()
	var expired []string
	for clientOID, w := range r.watching {
		if now.Sub(w.submittedAt) > r.ackTimeout {
			expired = append(expired, clientOID)
		}
	}
	r.mu.RUnlock()

	for _, clientOID := range expired {
		select {
		case r.dirtyCh <- clientOID:
		default:
			r.logger.Warn("dirty channel full, dropping ack-timeout notice", "client_oid", clientOID)
		}
	}
}
