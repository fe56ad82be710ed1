package xrelay

import (
	"context"
)

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API represents the complete xrelay surface for extensibility.
type API interface {
	Send(ctx context.Context, address string, payload any, opts ...SendOption) *Future
	Broadcast(ctx context.Context, address string, payload any, opts ...SendOption) *Future
	Request(ctx context.Context, address string, payload any, opts ...SendOption) (any, error)
	Register(pattern string, fn ReceiverFunc, opts ...RegisterOption) (*Registration, error)
	Unregister(reg *Registration)
	Start(ctx context.Context) error
	Tick()
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}
