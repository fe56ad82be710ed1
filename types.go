package xrelay

import (
	"time"
)

// PoolStats returns telemetry about a worker pool.
type PoolStats struct {
	Dropped      uint64 // Items dropped due to full buffer
	Overflowed   uint64 // Items run outside the pool due to full buffer
	Processed    uint64 // Items processed by pool workers
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of worker goroutines
	BufferSize   int    // Channel capacity
}

// Metrics defines observable telemetry for the bus.
type Metrics struct {
	Sent             uint64
	Broadcasts       uint64
	RequestsHandled  uint64
	ResponsesMatched uint64
	Finished         uint64
	TimedOut         uint64
	Cancelled        uint64
	Broken           uint64
	ForwardedErrors  uint64
	Unrecovered      uint64
	Ticks            uint64
	IdleTicks        uint64
	Pending          int
	EventsDropped    uint64
	AvgTickTimeMs    float64
}

// HealthStatus indicates bus health for Kubernetes probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
