// Package latency models per-message network latency for sim mode: a
// log-normal base delay widened by a load penalty when the simulated
// market-data rate gets bursty.
//
// Grounded on original_source/sim_engine/latency.go's AdvancedLatencyModel
// (log-normal base, rolling 1s message-rate window, linear load penalty
// above 100 msg/s, clamp at 1s) and spec.md §4.9.
package latency

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

const (
	windowSize    = time.Second
	loadThreshold = 100.0
	loadDivisor   = 1000.0
	maxLatency    = time.Second
)

// Model draws latencies from a log-normal base distribution and widens
// them under load. Not safe to share across goroutines outside of sim
// mode's single-threaded driver, but the mutex makes it safe anyway
// since Engine.Run and any concurrent metrics reader may both touch it.
type Model struct {
	mu    sync.Mutex
	rng   *rand.Rand
	mu_   float64 // log-space mean
	sigma float64

	msgTimes []time.Time
}

// New builds a latency model from the configured base delay (ms) and
// log-normal sigma. baseMs<=0 falls back to 10ms to avoid log(0).
func New(baseMs, sigma float64, seed int64) *Model {
	if baseMs <= 0 {
		baseMs = 10
	}
	return &Model{
		rng:   rand.New(rand.NewSource(seed)),
		mu_:   math.Log(baseMs / 1000.0),
		sigma: sigma,
	}
}

// RecordMessage notes a market-data arrival at t for load estimation.
// Stale entries outside the rolling 1s window are evicted.
func (m *Model) RecordMessage(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgTimes = append(m.msgTimes, t)
	cutoff := t.Add(-windowSize)
	i := 0
	for i < len(m.msgTimes) && m.msgTimes[i].Before(cutoff) {
		i++
	}
	m.msgTimes = m.msgTimes[i:]
}

// Get draws a latency: log-normal base scaled by (1+load_penalty),
// clamped at 1s. load_penalty = max(0, (msg_rate-100)/1000).
func (m *Model) Get() time.Duration {
	m.mu.Lock()
	rate := float64(len(m.msgTimes))
	base := m.lognormal()
	m.mu.Unlock()

	loadPenalty := 0.0
	if rate > loadThreshold {
		loadPenalty = (rate - loadThreshold) / loadDivisor
	}

	d := time.Duration(base * (1 + loadPenalty) * float64(time.Second))
	if d > maxLatency {
		d = maxLatency
	}
	return d
}

// lognormal samples exp(N(mu, sigma)) in seconds. Caller holds m.mu.
func (m *Model) lognormal() float64 {
	return math.Exp(m.mu_ + m.sigma*m.rng.NormFloat64())
}
