package xrelay

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

type fakeConn struct {
	name   string
	broken atomic.Bool
}

func (c *fakeConn) Name() string   { return c.name }
func (c *fakeConn) IsBroken() bool { return c.broken.Load() }

type sentMessage struct {
	msg  *Message
	conn string
}

// fakeConns is a scripted ConnectionManager.
type fakeConns struct {
	sync.Mutex
	conns []Connection

	inMu  sync.Mutex
	inbox []Inbound

	sentMu sync.Mutex
	sent   []sentMessage
}

func newFakeConns(names ...string) *fakeConns {
	fc := &fakeConns{}
	for _, n := range names {
		fc.conns = append(fc.conns, &fakeConn{name: n})
	}
	return fc
}

func (fc *fakeConns) conn(name string) *fakeConn {
	for _, c := range fc.conns {
		if c.Name() == name {
			return c.(*fakeConn)
		}
	}
	return nil
}

func (fc *fakeConns) push(msg *Message, from string) {
	fc.inMu.Lock()
	fc.inbox = append(fc.inbox, Inbound{Message: msg, From: fc.conn(from)})
	fc.inMu.Unlock()
}

func (fc *fakeConns) DequeueMessages(into []Inbound) []Inbound {
	fc.inMu.Lock()
	defer fc.inMu.Unlock()
	into = append(into, fc.inbox...)
	fc.inbox = nil
	return into
}

func (fc *fakeConns) SendMessage(msg *Message, conn Connection) error {
	fc.sentMu.Lock()
	fc.sent = append(fc.sent, sentMessage{msg: msg.Clone(), conn: conn.Name()})
	fc.sentMu.Unlock()
	return nil
}

func (fc *fakeConns) Connections() []Connection { return fc.conns }

func (fc *fakeConns) sentMessages() []sentMessage {
	fc.sentMu.Lock()
	defer fc.sentMu.Unlock()
	out := make([]sentMessage, len(fc.sent))
	copy(out, fc.sent)
	return out
}

// countingRouter delegates to DefaultRouter and counts every call.
type countingRouter struct {
	DefaultRouter
	calls atomic.Int64
}

func (r *countingRouter) ForwardToLocal(m *Message) bool {
	r.calls.Add(1)
	return r.DefaultRouter.ForwardToLocal(m)
}

func (r *countingRouter) ForwardToGlobal(m *Message) bool {
	r.calls.Add(1)
	return r.DefaultRouter.ForwardToGlobal(m)
}

func (r *countingRouter) ShouldReceive(m *Message, reg *Registration) bool {
	r.calls.Add(1)
	return r.DefaultRouter.ShouldReceive(m, reg)
}

func (r *countingRouter) ShouldSend(m *Message, c Connection) bool {
	r.calls.Add(1)
	return r.DefaultRouter.ShouldSend(m, c)
}

func (r *countingRouter) ReceivedFromLocal(*Message)              { r.calls.Add(1) }
func (r *countingRouter) ReceivedFromRemote(*Message, Connection) { r.calls.Add(1) }

// countingDispatcher runs work inline and counts dispatches.
type countingDispatcher struct {
	calls atomic.Int64
}

func (d *countingDispatcher) Dispatch(work func() error) {
	d.calls.Add(1)
	runWork(nil, work)
}

// recorder collects events in order.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	hub        *Hub
	pipeline   *Pipeline
	conns      *fakeConns
	router     *countingRouter
	dispatcher *countingDispatcher
	events     *recorder
}

func newHarness(t *testing.T, conns ...string) *harness {
	t.Helper()
	h := &harness{
		hub:        newHub(xclock.Default(), xlog.Default(), DefaultPolicy()),
		conns:      newFakeConns(conns...),
		router:     &countingRouter{},
		dispatcher: &countingDispatcher{},
		events:     &recorder{},
	}
	h.hub.AddObserver(h.events)
	h.pipeline = NewPipeline(h.hub, h.router, h.conns, h.dispatcher)
	return h
}

func (h *harness) tick(n int) {
	for i := 0; i < n; i++ {
		h.pipeline.Tick()
	}
}

func (h *harness) register(t *testing.T, pattern string, fn ReceiverFunc, opts ...RegisterOption) *Registration {
	t.Helper()
	reg, err := h.hub.Register(pattern, fn, opts...)
	if err != nil {
		t.Fatalf("register %q: %v", pattern, err)
	}
	return reg
}

func echo() ReceiverFunc {
	return SyncReceiver(func(_ context.Context, _ string, payload any) (any, error) {
		return payload, nil
	})
}

func returning(v any) ReceiverFunc {
	return SyncReceiver(func(context.Context, string, any) (any, error) { return v, nil })
}

func peek(t *testing.T, f *Future) Result {
	t.Helper()
	res, ok := f.Peek()
	if !ok {
		t.Fatal("future is still pending")
	}
	return res
}
