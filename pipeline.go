package xrelay

import (
	"fmt"
	"sync"
	"time"
)

// Pipeline turns pending sends and inbound messages into correlated
// request/response exchanges. Each Tick drains inputs, advances pending
// operations and processes the resulting messages.
//
// Lock discipline: the hub lock guards pending operations and registrations,
// the pipeline's own mu guards the local response queue and the known broken
// connections, and the connection manager's lock guards its connection set.
// No two of them are held at once, and none is held while router,
// dispatcher, receiver, observer or completion code runs.
type Pipeline struct {
	hub        *Hub
	router     Router
	conns      ConnectionManager
	dispatcher Dispatcher

	mu     sync.Mutex
	local  []*Message
	broken map[string]struct{}

	tickMu  sync.Mutex
	inbound []Inbound
}

// NewPipeline wires a pipeline to its hub and external capabilities.
func NewPipeline(hub *Hub, router Router, conns ConnectionManager, dispatcher Dispatcher) *Pipeline {
	if router == nil {
		router = DefaultRouter{}
	}
	if conns == nil {
		conns = &NoConnections{}
	}
	if dispatcher == nil {
		dispatcher = GoDispatcher{Logger: hub.logger}
	}
	return &Pipeline{
		hub:        hub,
		router:     router,
		conns:      conns,
		dispatcher: dispatcher,
		broken:     make(map[string]struct{}),
	}
}

// Tick runs one pass of the processing algorithm. It is safe to call at any
// time; when nothing changed it returns without touching the router,
// dispatcher or observers.
func (p *Pipeline) Tick() {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	start := p.hub.clock.Now()

	p.inbound = p.conns.DequeueMessages(p.inbound[:0])
	received := p.inbound
	for i := range received {
		received[i].Message.FromGlobal = true
	}

	p.mu.Lock()
	local := p.local
	p.local = nil
	p.mu.Unlock()

	brokenNow := p.brokenConnections()
	newlyBroken := p.trackBroken(brokenNow)

	outgoing, settlements, removed := p.advance(start, brokenNow)

	for _, c := range newlyBroken {
		p.hub.notify(Event{Type: EventConnectionBroken, Connection: c.Name()})
	}
	p.settle(settlements)

	if len(received) == 0 && len(local) == 0 && len(outgoing) == 0 && !removed {
		p.hub.metrics.idleTickCount.Add(1)
		return
	}
	p.hub.metrics.tickCount.Add(1)

	for _, req := range outgoing {
		p.hub.notify(messageEvent(EventSendingRequest, req))
	}

	for _, in := range received {
		p.router.ReceivedFromRemote(in.Message, in.From)
	}
	for _, req := range outgoing {
		p.router.ReceivedFromLocal(req)
	}

	for _, in := range received {
		p.process(in.Message)
	}
	for _, msg := range local {
		p.process(msg)
	}
	for _, msg := range outgoing {
		p.process(msg)
	}

	// Drop references so processed messages can be collected.
	for i := range received {
		received[i] = Inbound{}
	}

	p.hub.metrics.recordTickTime(p.hub.clock.Since(start).Nanoseconds())
	p.hub.signal()
}

// brokenConnections snapshots the broken connections under the connection
// manager's lock, in the order the manager lists them.
func (p *Pipeline) brokenConnections() []Connection {
	p.conns.Lock()
	defer p.conns.Unlock()

	var broken []Connection
	for _, c := range p.conns.Connections() {
		if c.IsBroken() {
			broken = append(broken, c)
		}
	}
	return broken
}

// trackBroken diffs the snapshot against the previously known broken set and
// returns the connections that broke since the last tick. Recovered
// connections are forgotten so a second failure is reported again.
func (p *Pipeline) trackBroken(now []Connection) []Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(now) == 0 && len(p.broken) == 0 {
		return nil
	}

	current := make(map[string]struct{}, len(now))
	var fresh []Connection
	for _, c := range now {
		name := c.Name()
		current[name] = struct{}{}
		if _, known := p.broken[name]; !known {
			fresh = append(fresh, c)
		}
	}
	p.broken = current
	return fresh
}

// advance runs the state-machine part of the tick under the hub lock:
// cancellation, materialization of new requests, timeouts, broken
// connections and cleanup of terminal operations.
func (p *Pipeline) advance(now time.Time, broken []Connection) (outgoing []*Message, settlements []settlement, removed bool) {
	h := p.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, op := range h.pending {
		if !op.state.Terminal() && op.cancelled() {
			settlements = append(settlements, op.fail(StateCancelled, fmt.Errorf("%w: %w", ErrCancelled, op.ctx.Err())))
		}
	}

	for _, op := range h.pending {
		if op.state == StateNew {
			outgoing = append(outgoing, op.materialize(now, h.defaults))
		}
	}

	for _, op := range h.pending {
		if op.state != StateWaiting {
			continue
		}
		if now.Sub(op.request.SentAt) > op.request.Timeout {
			settlements = append(settlements, op.expire())
		}
	}

	if len(broken) > 0 {
		first := broken[0].Name()
		for _, op := range h.pending {
			if op.state != StateWaiting || !op.request.ToGlobal || op.ignoreBroken {
				continue
			}
			settlements = append(settlements, op.fail(StateBroken, &ConnectionBrokenError{
				Address:    op.request.Address,
				Connection: first,
			}))
		}
	}

	keep := h.pending[:0]
	for _, op := range h.pending {
		if op.state.Terminal() {
			removed = true
			continue
		}
		keep = append(keep, op)
	}
	for i := len(keep); i < len(h.pending); i++ {
		h.pending[i] = nil
	}
	h.pending = keep
	return outgoing, settlements, removed
}

// settle resolves completions outside the hub lock.
func (p *Pipeline) settle(settlements []settlement) {
	if len(settlements) == 0 {
		return
	}
	now := p.hub.clock.Now()
	for _, s := range settlements {
		if !s.apply() {
			continue
		}
		p.hub.metrics.recordOutcome(s.state)
		p.hub.notify(Event{
			Type:      EventOperationCompleted,
			Address:   s.op.request.Address,
			MessageID: s.op.request.ID,
			Message:   s.op.request,
			State:     s.state,
			Duration:  now.Sub(s.op.createdAt),
			Err:       s.res.Err,
		})
	}
}

// process delivers one message locally and/or to remote connections.
func (p *Pipeline) process(msg *Message) {
	if msg.IsResponse() {
		p.hub.notify(messageEvent(EventReceivingResponse, msg))
		p.resolve(msg)
	} else {
		p.hub.notify(messageEvent(EventReceivingRequest, msg))
	}

	toLocal := p.router.ForwardToLocal(msg)
	toGlobal := p.router.ForwardToGlobal(msg)

	// Receivers answer requests; responses are consumed by resolve.
	if toLocal && !msg.IsResponse() {
		for _, reg := range p.hub.registrationsSnapshot() {
			if !p.router.ShouldReceive(msg, reg) {
				continue
			}
			reg := reg
			p.dispatcher.Dispatch(func() error { return p.deliver(reg, msg) })
		}
	}

	if toGlobal {
		p.conns.Lock()
		conns := append([]Connection(nil), p.conns.Connections()...)
		p.conns.Unlock()

		for _, c := range conns {
			if !p.router.ShouldSend(msg, c) {
				continue
			}
			if err := p.conns.SendMessage(msg, c); err != nil {
				p.hub.logger.Debug().Err(err).Str("connection", c.Name()).Msg("xrelay: send failed")
			}
		}
	}
}

// resolve matches a response against waiting operations. Only operations
// still waiting are considered, so each is resolved at most once no matter
// how many duplicate or late responses arrive.
func (p *Pipeline) resolve(resp *Message) {
	h := p.hub
	var settlements []settlement

	h.mu.Lock()
	for _, op := range h.pending {
		if op.state != StateWaiting || op.request.ID != resp.ResponseTo {
			continue
		}
		h.metrics.matchedCount.Add(1)
		if s, ok := op.accept(resp); ok {
			settlements = append(settlements, s)
		}
	}
	h.mu.Unlock()

	p.settle(settlements)
}

// deliver invokes a registration for req and funnels its outcome, whenever
// it arrives, into complete exactly once.
func (p *Pipeline) deliver(reg *Registration, req *Message) error {
	p.hub.metrics.handledCount.Add(1)

	fut := reg.handler(injectMessage(p.hub.baseCtx, req), req.Address, req.Payload)
	if fut == nil {
		fut = Resolved(nil)
	}
	if res, ok := fut.Peek(); ok {
		return p.complete(reg, req, res)
	}
	fut.OnComplete(func(res Result) {
		p.dispatcher.Dispatch(func() error { return p.complete(reg, req, res) })
	})
	return nil
}

// complete turns a receiver outcome into a response. Failures go through the
// registration's handler, then the bus-wide hook; either may ask for the
// failure to be forwarded. A failure nobody forwards is returned to the
// dispatcher and the sender gets no response from this receiver.
func (p *Pipeline) complete(reg *Registration, req *Message, res Result) error {
	if res.Err == nil {
		p.respond(req, res.Value, nil)
		return nil
	}

	ec := &ErrorContext{
		Address: req.Address,
		Payload: req.Payload,
		Err:     res.Err,
		Forward: req.ForwardErrors,
	}
	if reg.ForwardErrors != nil {
		ec.Forward = *reg.ForwardErrors
	}
	if reg.OnError != nil {
		reg.OnError(ec)
	}
	forward := ec.Forward
	if hook := p.hub.errorHookSnapshot(); hook != nil {
		hook(ec)
		forward = forward || ec.Forward
	}

	switch {
	case ec.Err != nil && !forward:
		err := &UnrecoveredError{Address: req.Address, Err: ec.Err}
		p.hub.metrics.unrecoveredCount.Add(1)
		p.hub.notify(Event{
			Type:      EventProcessingError,
			Address:   req.Address,
			MessageID: req.ID,
			Message:   req,
			Err:       err,
		})
		return err
	case ec.Err != nil:
		p.respond(req, nil, ec.Err)
	default:
		p.respond(req, ec.Result, nil)
	}
	return nil
}

// respond queues the response for the next tick and wakes the scheduler.
func (p *Pipeline) respond(req *Message, value any, err error) {
	resp := newResponse(req, p.hub.clock.Now(), value, err)
	p.hub.notify(messageEvent(EventSendingResponse, resp))

	p.mu.Lock()
	p.local = append(p.local, resp)
	p.mu.Unlock()

	p.hub.signal()
}

// QueuedResponses reports how many locally produced responses await the next tick.
func (p *Pipeline) QueuedResponses() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.local)
}
