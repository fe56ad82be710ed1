package xrelay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Defaults are the bus-wide policies applied when a send does not override them.
type Defaults struct {
	// Global sends requests to remote connections as well as local receivers.
	Global bool
	// ForwardErrors carries receiver failures back to the sender.
	ForwardErrors bool
	// ResponseTimeout bounds single-response sends.
	ResponseTimeout time.Duration
	// CollectionTimeout bounds how long a broadcast collects responses.
	CollectionTimeout time.Duration
}

// DefaultPolicy returns the defaults a bus starts with.
func DefaultPolicy() Defaults {
	return Defaults{
		Global:            false,
		ForwardErrors:     true,
		ResponseTimeout:   10 * time.Second,
		CollectionTimeout: 10 * time.Second,
	}
}

// Hub is the shared state of a bus: pending operations, receiver
// registrations, default policies and hooks. Pending operations and
// registrations are only touched while holding the hub lock.
type Hub struct {
	mu            sync.Mutex
	pending       []*PendingOp
	registrations []*Registration
	defaults      Defaults

	errorHook   ErrorHandler
	middlewares []ReceiverMiddleware

	clock        xclock.Clock
	logger       *xlog.Logger
	baseCtx      context.Context
	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer

	wake    func()
	metrics *busMetrics
	closed  atomic.Bool
}

func newHub(clock xclock.Clock, logger *xlog.Logger, defaults Defaults) *Hub {
	h := &Hub{
		defaults: defaults,
		clock:    clock,
		logger:   logger,
		metrics:  &busMetrics{},
	}
	h.baseCtx = injectClock(injectLogger(context.Background(), logger), clock)
	return h
}

// SendOption overrides the bus defaults for one send.
type SendOption func(*sendOptions)

type sendOptions struct {
	timeout      time.Duration
	global       *bool
	forward      *bool
	expected     int
	ignoreBroken bool
	routingInfo  any
}

// WithTimeout overrides the response or collection timeout.
func WithTimeout(d time.Duration) SendOption {
	return func(o *sendOptions) { o.timeout = d }
}

// WithGlobal overrides whether the request leaves the process.
func WithGlobal(global bool) SendOption {
	return func(o *sendOptions) { o.global = &global }
}

// WithErrorForwarding overrides whether receiver failures come back as data.
func WithErrorForwarding(forward bool) SendOption {
	return func(o *sendOptions) { o.forward = &forward }
}

// WithExpectedResults completes a broadcast as soon as n responses arrived.
func WithExpectedResults(n int) SendOption {
	return func(o *sendOptions) { o.expected = n }
}

// IgnoreBrokenConnections keeps a global send waiting while connections are broken.
func IgnoreBrokenConnections() SendOption {
	return func(o *sendOptions) { o.ignoreBroken = true }
}

// WithRoutingInfo attaches an opaque value threaded through to the response.
func WithRoutingInfo(v any) SendOption {
	return func(o *sendOptions) { o.routingInfo = v }
}

// Send issues a single-response request. The returned future resolves with
// the first response payload or one of the failure outcomes. ctx acts as the
// cancellation signal and is checked once per tick.
func (h *Hub) Send(ctx context.Context, address string, payload any, opts ...SendOption) *Future {
	return h.enqueue(ctx, SingleResponse, address, payload, opts)
}

// Broadcast issues a request expecting zero or more responses. The returned
// future resolves with a []any of the payloads received, in arrival order.
func (h *Hub) Broadcast(ctx context.Context, address string, payload any, opts ...SendOption) *Future {
	return h.enqueue(ctx, Broadcast, address, payload, opts)
}

// Request sends a single-response request and waits for its outcome.
func (h *Hub) Request(ctx context.Context, address string, payload any, opts ...SendOption) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return h.Send(ctx, address, payload, opts...).Wait(ctx)
}

func (h *Hub) enqueue(ctx context.Context, kind OpKind, address string, payload any, opts []SendOption) *Future {
	if h.closed.Load() {
		return Failed(ErrBusClosed)
	}
	if address == "" {
		return Failed(ErrInvalidAddress)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var so sendOptions
	for _, o := range opts {
		if o != nil {
			o(&so)
		}
	}

	op := &PendingOp{
		request: &Message{
			Address:     address,
			Payload:     payload,
			RoutingInfo: so.routingInfo,
		},
		kind:         kind,
		ctx:          ctx,
		ignoreBroken: so.ignoreBroken,
		timeout:      so.timeout,
		global:       so.global,
		forward:      so.forward,
		state:        StateNew,
		completion:   NewFuture(),
		createdAt:    h.clock.Now(),
	}
	if kind == Broadcast && so.expected > 0 {
		op.expected = so.expected
	}

	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		return Failed(ErrBusClosed)
	}
	h.pending = append(h.pending, op)
	h.mu.Unlock()

	if kind == Broadcast {
		h.metrics.broadcastCount.Add(1)
	} else {
		h.metrics.sendCount.Add(1)
	}
	h.signal()
	return op.completion
}

// Register adds a local receiver for every address matching pattern.
func (h *Hub) Register(pattern string, fn ReceiverFunc, opts ...RegisterOption) (*Registration, error) {
	if h.closed.Load() {
		return nil, ErrBusClosed
	}
	if pattern == "" {
		return nil, ErrInvalidAddress
	}
	if fn == nil {
		return nil, ErrInvalidReceiver
	}

	reg := &Registration{Pattern: pattern, Receiver: fn}
	for _, o := range opts {
		if o != nil {
			o(reg)
		}
	}
	// Always enable panic recovery first for dependability.
	reg.handler = Chain(RecoveryMiddleware()(fn), h.middlewares...)

	h.mu.Lock()
	h.registrations = append(h.registrations, reg)
	h.mu.Unlock()
	return reg, nil
}

// Unregister removes a registration. Deliveries already dispatched still complete.
func (h *Hub) Unregister(reg *Registration) {
	if reg == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, r := range h.registrations {
		if r == reg {
			h.registrations = append(h.registrations[:i], h.registrations[i+1:]...)
			break
		}
	}
}

func (h *Hub) registrationsSnapshot() []*Registration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.registrations) == 0 {
		return nil
	}
	regs := make([]*Registration, len(h.registrations))
	copy(regs, h.registrations)
	return regs
}

// Defaults returns the current default policies.
func (h *Hub) Defaults() Defaults {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.defaults
}

// SetDefaults replaces the default policies. Operations already materialized
// keep the values they were sent with.
func (h *Hub) SetDefaults(d Defaults) {
	h.mu.Lock()
	h.defaults = d
	h.mu.Unlock()
}

// SetErrorHook installs the bus-wide error hook, asked after a
// registration's own handler.
func (h *Hub) SetErrorHook(hook ErrorHandler) {
	h.mu.Lock()
	h.errorHook = hook
	h.mu.Unlock()
}

func (h *Hub) errorHookSnapshot() ErrorHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errorHook
}

// OpSnapshot is a point-in-time view of a pending operation.
type OpSnapshot struct {
	RequestID string
	Address   string
	Kind      OpKind
	State     OpState
	Results   []any
}

// Pending returns a snapshot of the operations the hub currently tracks,
// including terminal ones not yet cleaned up.
func (h *Hub) Pending() []OpSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]OpSnapshot, 0, len(h.pending))
	for _, op := range h.pending {
		results := make([]any, len(op.results))
		copy(results, op.results)
		out = append(out, OpSnapshot{
			RequestID: op.request.ID,
			Address:   op.request.Address,
			Kind:      op.kind,
			State:     op.state,
			Results:   results,
		})
	}
	return out
}

// AddObserver registers an observer (thread-safe).
func (h *Hub) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	h.observersMu.Lock()
	h.observers = append(h.observers, obs)
	h.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (h *Hub) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	h.observersMu.Lock()
	defer h.observersMu.Unlock()

	for i, o := range h.observers {
		if o == obs {
			h.observers = append(h.observers[:i], h.observers[i+1:]...)
			break
		}
	}
}

// notify fires a hook. With an observer pool the event is dispatched
// asynchronously, otherwise observers run on the caller's goroutine.
func (h *Hub) notify(e Event) {
	h.observersMu.RLock()
	if len(h.observers) == 0 {
		h.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(h.observers))
	copy(observers, h.observers)
	h.observersMu.RUnlock()

	if h.observerPool != nil {
		h.observerPool.Notify(e, observers)
		return
	}
	e.observers = observers
	dispatchEvent(&e)
}

// signal tells the scheduler there is work to do.
func (h *Hub) signal() {
	if h.wake != nil {
		h.wake()
	}
}

// Logger returns the hub's logger.
func (h *Hub) Logger() *xlog.Logger { return h.logger }

// Clock returns the hub's clock.
func (h *Hub) Clock() xclock.Clock { return h.clock }

// abandon marks the hub closed and resolves every outstanding operation
// with err. Sends racing it either land before and are resolved here, or see
// the closed flag under the lock and fail.
func (h *Hub) abandon(err error) {
	h.mu.Lock()
	h.closed.Store(true)
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()

	for _, op := range pending {
		op.completion.Complete(nil, err)
	}
}
