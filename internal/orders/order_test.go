package orders

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bo0619/hfmm-engine/pkg/types"
)

func testIntent() types.OrderIntent {
	return types.OrderIntent{
		Symbol:      "BTCUSDT",
		Side:        types.Buy,
		Price:       decimal.NewFromFloat(100),
		Volume:      10,
		TimeInForce: types.TIFGTC,
	}
}

func TestNewOrderStartsCreated(t *testing.T) {
	t.Parallel()
	o := newOrder("c1", testIntent())

	if o.Status != types.StatusCreated {
		t.Errorf("Status = %v, want CREATED", o.Status)
	}
}

func TestTransitionFollowsLifecycle(t *testing.T) {
	t.Parallel()
	o := newOrder("c1", testIntent())

	for _, to := range []types.OrderStatus{types.StatusSubmitting, types.StatusPendingAck, types.StatusNew} {
		if err := o.Transition(to); err != nil {
			t.Fatalf("transition to %s failed: %v", to, err)
		}
	}
	if o.Status != types.StatusNew {
		t.Errorf("Status = %v, want NEW", o.Status)
	}
}

func TestTransitionRejectsInvalidJump(t *testing.T) {
	t.Parallel()
	o := newOrder("c1", testIntent())

	err := o.Transition(types.StatusFilled)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTransitionRejectsOnceTerminal(t *testing.T) {
	t.Parallel()
	o := newOrder("c1", testIntent())
	_ = o.Transition(types.StatusSubmitting)
	_ = o.Transition(types.StatusRejected)

	if err := o.Transition(types.StatusCancelling); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected terminal order to reject further transitions, got %v", err)
	}
}

func TestCancellingAllowedFromMultipleActiveStates(t *testing.T) {
	t.Parallel()
	o := newOrder("c1", testIntent())
	_ = o.Transition(types.StatusSubmitting)
	_ = o.Transition(types.StatusPendingAck)
	_ = o.Transition(types.StatusNew)

	if err := o.Transition(types.StatusCancelling); err != nil {
		t.Fatalf("NEW -> CANCELLING should be allowed: %v", err)
	}
	if err := o.Transition(types.StatusCancelled); err != nil {
		t.Fatalf("CANCELLING -> CANCELLED should be allowed: %v", err)
	}
}

func TestAddFillAccumulatesAndAveragesPrice(t *testing.T) {
	t.Parallel()
	o := newOrder("c1", testIntent())
	_ = o.Transition(types.StatusSubmitting)
	_ = o.Transition(types.StatusPendingAck)
	_ = o.Transition(types.StatusNew)

	if err := o.AddFill(4, 100); err != nil {
		t.Fatal(err)
	}
	if o.Status != types.StatusPartiallyFilled {
		t.Errorf("Status = %v, want PARTIALLY_FILLED", o.Status)
	}

	if err := o.AddFill(6, 110); err != nil {
		t.Fatal(err)
	}
	if o.Status != types.StatusFilled {
		t.Errorf("Status = %v, want FILLED", o.Status)
	}
	// avg = (4*100 + 6*110) / 10 = 106
	if math.Abs(o.AvgPrice-106) > 1e-9 {
		t.Errorf("AvgPrice = %v, want 106", o.AvgPrice)
	}
}

func TestAddFillRespectsEpsilonForFullFill(t *testing.T) {
	t.Parallel()
	o := newOrder("c1", testIntent())
	_ = o.Transition(types.StatusSubmitting)
	_ = o.Transition(types.StatusNew)

	if err := o.AddFill(9.999999995, 100); err != nil {
		t.Fatal(err)
	}
	if o.Status != types.StatusFilled {
		t.Errorf("Status = %v, want FILLED within epsilon", o.Status)
	}
}

func TestRemaining(t *testing.T) {
	t.Parallel()
	o := newOrder("c1", testIntent())
	_ = o.Transition(types.StatusSubmitting)
	_ = o.Transition(types.StatusNew)
	_ = o.AddFill(3, 100)

	if o.Remaining() != 7 {
		t.Errorf("Remaining = %v, want 7", o.Remaining())
	}
}

func TestRegistryCreateAndLookup(t *testing.T) {
	t.Parallel()
	r := NewRegistry(time.Second, testLogger())

	o := r.Create(testIntent())
	got, ok := r.ByClientOID(o.ClientOID)
	if !ok || got != o {
		t.Fatal("expected to find order by client_oid")
	}
}

func TestRegistryBindExchangeOIDClearsWatch(t *testing.T) {
	t.Parallel()
	r := NewRegistry(50*time.Millisecond, testLogger())

	o := r.Create(testIntent())
	if err := r.MarkSubmitting(o); err != nil {
		t.Fatal(err)
	}
	r.BindExchangeOID(o, "EX-1")

	got, ok := r.ByExchangeOID("EX-1")
	if !ok || got != o {
		t.Fatal("expected to find order by exchange_oid")
	}

	r.mu.RLock()
	_, watched := r.watching[o.ClientOID]
	r.mu.RUnlock()
	if watched {
		t.Error("expected BindExchangeOID to clear the ACK watch")
	}
}

func TestRegistryResolveFallsBackToExchangeOID(t *testing.T) {
	t.Parallel()
	r := NewRegistry(time.Second, testLogger())

	o := r.Create(testIntent())
	r.BindExchangeOID(o, "EX-1")

	got, ok := r.Resolve("", "EX-1")
	if !ok || got != o {
		t.Fatal("expected Resolve to fall back to exchange_oid map")
	}
}

func TestRegistryActiveOrdersFiltersBySymbol(t *testing.T) {
	t.Parallel()
	r := NewRegistry(time.Second, testLogger())

	i1 := testIntent()
	i2 := testIntent()
	i2.Symbol = "ETHUSDT"
	o1 := r.Create(i1)
	o2 := r.Create(i2)
	_ = o1.Transition(types.StatusSubmitting)
	_ = o2.Transition(types.StatusSubmitting)

	active := r.ActiveOrders("BTCUSDT")
	if len(active) != 1 || active[0] != o1 {
		t.Fatalf("expected exactly one active BTCUSDT order, got %d", len(active))
	}
}

func TestAckWatchdogReportsExpiredSubmission(t *testing.T) {
	t.Parallel()
	r := NewRegistry(30*time.Millisecond, testLogger())

	o := r.Create(testIntent())
	if err := r.MarkSubmitting(o); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := contextWithTimeout(200 * time.Millisecond)
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	select {
	case clientOID := <-r.DirtyCh():
		if clientOID != o.ClientOID {
			t.Errorf("dirty client_oid = %v, want %v", clientOID, o.ClientOID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected watchdog to report the stale submission")
	}
}
