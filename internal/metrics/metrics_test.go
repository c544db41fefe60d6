package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHandlerServesRegisteredSeries(t *testing.T) {
	t.Parallel()
	m := New()
	m.OrdersSubmitted.WithLabelValues("BTCUSDT", "BUY").Inc()
	m.Equity.Set(100000)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "hfmm_orders_submitted_total") {
		t.Error("expected hfmm_orders_submitted_total in exposition output")
	}
	if !strings.Contains(body, "hfmm_account_equity_usdt 100000") {
		t.Error("expected hfmm_account_equity_usdt value in exposition output")
	}
}

func TestTwoBundlesDoNotCollide(t *testing.T) {
	t.Parallel()
	a := New()
	b := New()
	a.ForcedSyncTotal.Inc()
	b.ForcedSyncTotal.Add(5)

	if got := testutil.ToFloat64(a.ForcedSyncTotal); got != 1 {
		t.Errorf("a.ForcedSyncTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(b.ForcedSyncTotal); got != 5 {
		t.Errorf("b.ForcedSyncTotal = %v, want 5", got)
	}
}
