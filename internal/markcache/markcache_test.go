package markcache

import "testing"

func TestUnknownSymbolReportsNotOK(t *testing.T) {
	t.Parallel()
	c := New()
	if _, ok := c.MarkPrice("BTCUSDT"); ok {
		t.Error("expected ok=false for an unset symbol")
	}
}

func TestSetThenMarkPriceReturnsLatest(t *testing.T) {
	t.Parallel()
	c := New()
	c.Set("BTCUSDT", 100)
	c.Set("BTCUSDT", 101)
	p, ok := c.MarkPrice("BTCUSDT")
	if !ok || p != 101 {
		t.Errorf("MarkPrice = (%v, %v), want (101, true)", p, ok)
	}
}
