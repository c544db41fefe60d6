package latency

import (
	"testing"
	"time"
)

func TestGetNeverExceedsOneSecond(t *testing.T) {
	t.Parallel()
	m := New(10, 0.5, 1)
	base := time.Unix(0, 0)
	for i := 0; i < 500; i++ {
		m.RecordMessage(base.Add(time.Duration(i) * time.Millisecond))
	}
	for i := 0; i < 1000; i++ {
		if d := m.Get(); d > maxLatency {
			t.Fatalf("Get() = %v, want <= %v", d, maxLatency)
		}
	}
}

func TestRecordMessageEvictsStaleEntries(t *testing.T) {
	t.Parallel()
	m := New(10, 0.5, 2)
	base := time.Unix(1000, 0)
	m.RecordMessage(base)
	m.RecordMessage(base.Add(500 * time.Millisecond))
	if got := len(m.msgTimes); got != 2 {
		t.Fatalf("msgTimes len = %d, want 2", got)
	}
	m.RecordMessage(base.Add(2 * time.Second))
	if got := len(m.msgTimes); got != 1 {
		t.Fatalf("msgTimes len after window rolls = %d, want 1", got)
	}
}

func TestGetUnderLoadSkewsHigherOnAverage(t *testing.T) {
	t.Parallel()
	quiet := New(10, 0.1, 3)
	loaded := New(10, 0.1, 3)

	base := time.Unix(2000, 0)
	for i := 0; i < 500; i++ {
		loaded.RecordMessage(base.Add(time.Duration(i) * time.Millisecond))
	}

	var quietSum, loadedSum time.Duration
	const n = 2000
	for i := 0; i < n; i++ {
		quietSum += quiet.Get()
		loadedSum += loaded.Get()
	}
	if loadedSum <= quietSum {
		t.Errorf("expected loaded average latency (%v) to exceed quiet average (%v)", loadedSum/n, quietSum/n)
	}
}
