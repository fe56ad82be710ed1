package xrelay

import (
	"context"
	"fmt"
	"sync"
)

var (
	defaultBus   *Bus
	defaultBusMu sync.Mutex
)

// Default returns the process-wide singleton Bus, building and starting a
// purely local one on first use.
func Default() *Bus {
	defaultBusMu.Lock()
	defer defaultBusMu.Unlock()

	if defaultBus != nil {
		return defaultBus
	}

	bus, err := NewBusBuilder().Build()
	if err != nil {
		panic(fmt.Sprintf("xrelay: failed to initialize default bus: %v", err))
	}
	if err := bus.Start(context.Background()); err != nil {
		panic(fmt.Sprintf("xrelay: failed to start default bus: %v", err))
	}
	defaultBus = bus
	return defaultBus
}

// SetDefault replaces the process-wide default Bus.
func SetDefault(b *Bus) {
	if b == nil {
		panic("xrelay: SetDefault called with nil Bus")
	}
	defaultBusMu.Lock()
	defaultBus = b
	defaultBusMu.Unlock()
}

// Send is the Facade using the default bus.
func Send(ctx context.Context, address string, payload any, opts ...SendOption) *Future {
	return Default().Send(ctx, address, payload, opts...)
}

// BroadcastTo is the Facade using the default bus for broadcasts.
func BroadcastTo(ctx context.Context, address string, payload any, opts ...SendOption) *Future {
	return Default().Broadcast(ctx, address, payload, opts...)
}

// Request is the Facade using the default bus.
func Request(ctx context.Context, address string, payload any, opts ...SendOption) (any, error) {
	return Default().Request(ctx, address, payload, opts...)
}

// Register is the Facade using the default bus.
func Register(pattern string, fn ReceiverFunc, opts ...RegisterOption) (*Registration, error) {
	return Default().Register(pattern, fn, opts...)
}
