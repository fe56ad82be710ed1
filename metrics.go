package xrelay

import (
	"sync/atomic"
)

// busMetrics uses lock-free atomics for production-grade telemetry.
type busMetrics struct {
	sendCount        atomic.Uint64
	broadcastCount   atomic.Uint64
	handledCount     atomic.Uint64
	matchedCount     atomic.Uint64
	finishedCount    atomic.Uint64
	timedOutCount    atomic.Uint64
	cancelledCount   atomic.Uint64
	brokenCount      atomic.Uint64
	forwardedCount   atomic.Uint64
	unrecoveredCount atomic.Uint64
	tickCount        atomic.Uint64
	idleTickCount    atomic.Uint64
	tickNs           atomic.Int64
}

func (m *busMetrics) recordOutcome(s OpState) {
	switch s {
	case StateFinished:
		m.finishedCount.Add(1)
	case StateTimedOut:
		m.timedOutCount.Add(1)
	case StateCancelled:
		m.cancelledCount.Add(1)
	case StateBroken:
		m.brokenCount.Add(1)
	case StateForwardedError:
		m.forwardedCount.Add(1)
	}
}

// recordTickTime records tick duration using an exponential moving average.
func (m *busMetrics) recordTickTime(ns int64) {
	const alpha = 0.2 // 20% weight to new sample
	current := m.tickNs.Load()
	if current == 0 {
		m.tickNs.Store(ns)
		return
	}
	// EMA: new = (alpha * sample) + (1-alpha) * old
	m.tickNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}

// GetMetrics returns current hub metrics.
func (h *Hub) GetMetrics() Metrics {
	h.mu.Lock()
	pending := len(h.pending)
	h.mu.Unlock()

	var dropped uint64
	if h.observerPool != nil {
		dropped = h.observerPool.Stats().Dropped
	}
	m := h.metrics
	return Metrics{
		Sent:             m.sendCount.Load(),
		Broadcasts:       m.broadcastCount.Load(),
		RequestsHandled:  m.handledCount.Load(),
		ResponsesMatched: m.matchedCount.Load(),
		Finished:         m.finishedCount.Load(),
		TimedOut:         m.timedOutCount.Load(),
		Cancelled:        m.cancelledCount.Load(),
		Broken:           m.brokenCount.Load(),
		ForwardedErrors:  m.forwardedCount.Load(),
		Unrecovered:      m.unrecoveredCount.Load(),
		Ticks:            m.tickCount.Load(),
		IdleTicks:        m.idleTickCount.Load(),
		Pending:          pending,
		EventsDropped:    dropped,
		AvgTickTimeMs:    float64(m.tickNs.Load()) / 1e6,
	}
}
