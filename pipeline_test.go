package xrelay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestResponse(t *testing.T) {
	h := newHarness(t)
	h.register(t, "echo", echo())

	f := h.hub.Send(context.Background(), "echo", "hi", WithTimeout(time.Second))

	h.tick(1)
	assert.False(t, f.IsDone(), "response is queued for the next tick")
	assert.Equal(t, 1, h.pipeline.QueuedResponses())

	h.tick(1)
	res := peek(t, f)
	require.NoError(t, res.Err)
	assert.Equal(t, "hi", res.Value)

	completed := h.events.ofType(EventOperationCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, StateFinished, completed[0].State)
}

func TestTimeoutWithoutReceiver(t *testing.T) {
	h := newHarness(t)

	f := h.hub.Send(context.Background(), "void", nil, WithTimeout(50*time.Millisecond))
	h.tick(1)
	assert.False(t, f.IsDone())

	time.Sleep(60 * time.Millisecond)
	h.tick(1)

	res := peek(t, f)
	require.ErrorIs(t, res.Err, ErrTimeout)
	var te *TimeoutError
	require.ErrorAs(t, res.Err, &te)
	assert.Equal(t, "void", te.Address)
	assert.Equal(t, 50*time.Millisecond, te.Timeout)
	assert.Equal(t, uint64(1), h.hub.GetMetrics().TimedOut)
}

func TestBroadcastStopsAtExpectedCount(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		h.register(t, "ping", returning(i))
	}

	f := h.hub.Broadcast(context.Background(), "ping", nil, WithExpectedResults(3), WithTimeout(time.Second))
	h.tick(2)

	res := peek(t, f)
	require.NoError(t, res.Err)
	assert.Equal(t, []any{0, 1, 2}, res.Value)

	// the late responses did not match a waiting operation
	assert.Equal(t, uint64(3), h.hub.GetMetrics().ResponsesMatched)
	h.tick(1)
	assert.Empty(t, h.hub.Pending())
}

func TestBroadcastCompletesWithPartialResultsAtDeadline(t *testing.T) {
	h := newHarness(t)
	h.register(t, "ping", returning("a"))
	h.register(t, "ping", returning("b"))

	var held []*Future
	var mu sync.Mutex
	for i := 0; i < 3; i++ {
		h.register(t, "ping", func(context.Context, string, any) *Future {
			f := NewFuture()
			mu.Lock()
			held = append(held, f)
			mu.Unlock()
			return f
		})
	}

	f := h.hub.Broadcast(context.Background(), "ping", nil, WithTimeout(100*time.Millisecond))
	h.tick(2)
	assert.False(t, f.IsDone())
	assert.Equal(t, []any{"a", "b"}, h.hub.Pending()[0].Results)

	time.Sleep(110 * time.Millisecond)
	h.tick(1)

	res := peek(t, f)
	require.NoError(t, res.Err)
	assert.Equal(t, []any{"a", "b"}, res.Value)

	// stragglers answer after the deadline and change nothing
	for _, hf := range held {
		hf.Complete("late", nil)
	}
	h.tick(2)
	res = peek(t, f)
	assert.Equal(t, []any{"a", "b"}, res.Value)
}

func TestBroadcastWithoutReceiversIsEmptySuccess(t *testing.T) {
	h := newHarness(t)

	f := h.hub.Broadcast(context.Background(), "nobody", nil, WithTimeout(20*time.Millisecond))
	h.tick(1)
	time.Sleep(30 * time.Millisecond)
	h.tick(1)

	res := peek(t, f)
	require.NoError(t, res.Err)
	assert.Equal(t, []any{}, res.Value)
}

func TestForwardedReceiverError(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("boom")
	h.register(t, "fail", SyncReceiver(func(context.Context, string, any) (any, error) {
		return nil, boom
	}))

	f := h.hub.Send(context.Background(), "fail", nil)
	h.tick(2)

	res := peek(t, f)
	require.ErrorIs(t, res.Err, ErrProcessing)
	require.ErrorIs(t, res.Err, boom)
	var pe *ProcessingError
	require.ErrorAs(t, res.Err, &pe)
	assert.Equal(t, "fail", pe.Address)
	assert.Equal(t, uint64(1), h.hub.GetMetrics().ForwardedErrors)
}

func TestBroadcastFailsOnFirstForwardedError(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("quote feed down")
	held := NewFuture()

	h.register(t, "quotes", returning(1.5))
	h.register(t, "quotes", SyncReceiver(func(context.Context, string, any) (any, error) {
		return nil, boom
	}))
	h.register(t, "quotes", func(context.Context, string, any) *Future { return held })

	f := h.hub.Broadcast(context.Background(), "quotes", "ACME")
	h.tick(2)

	res := peek(t, f)
	require.ErrorIs(t, res.Err, ErrProcessing)
	require.ErrorIs(t, res.Err, boom)
	assert.Nil(t, res.Value, "results gathered before the failure are not reported")

	// a success arriving after the failure changes nothing
	held.Complete(2.5, nil)
	h.tick(2)
	res = peek(t, f)
	assert.ErrorIs(t, res.Err, ErrProcessing)
	assert.Empty(t, h.hub.Pending())

	m := h.hub.GetMetrics()
	assert.Equal(t, uint64(1), m.ForwardedErrors)
	assert.Equal(t, uint64(0), m.Finished)
	assert.Len(t, h.events.ofType(EventOperationCompleted), 1)
}

func TestBrokenConnectionAbandonsGlobalBroadcast(t *testing.T) {
	h := newHarness(t, "peer")

	f := h.hub.Broadcast(context.Background(), "quotes", "ACME", WithGlobal(true))
	h.tick(1)
	require.Len(t, h.conns.sentMessages(), 1)
	require.False(t, f.IsDone())

	h.conns.conn("peer").broken.Store(true)
	h.tick(1)

	res := peek(t, f)
	require.ErrorIs(t, res.Err, ErrConnectionBroken)
	var cbe *ConnectionBrokenError
	require.ErrorAs(t, res.Err, &cbe)
	assert.Equal(t, "peer", cbe.Connection)
	assert.Equal(t, uint64(1), h.hub.GetMetrics().Broken)

	completed := h.events.ofType(EventOperationCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, StateBroken, completed[0].State)
}

func TestBrokenConnectionAbandonsGlobalSends(t *testing.T) {
	h := newHarness(t, "peer-1", "peer-2")

	f := h.hub.Send(context.Background(), "remote", nil, WithGlobal(true))
	tolerant := h.hub.Send(context.Background(), "remote", nil, WithGlobal(true), IgnoreBrokenConnections())
	local := h.hub.Send(context.Background(), "remote", nil, WithGlobal(false))
	h.tick(1)

	sent := h.conns.sentMessages()
	require.Len(t, sent, 4, "two global requests to two peers")
	assert.Equal(t, "peer-1", sent[0].conn)
	assert.Equal(t, "peer-2", sent[1].conn)

	h.conns.conn("peer-2").broken.Store(true)
	h.conns.conn("peer-1").broken.Store(true)
	h.tick(1)

	res := peek(t, f)
	require.ErrorIs(t, res.Err, ErrConnectionBroken)
	var cbe *ConnectionBrokenError
	require.ErrorAs(t, res.Err, &cbe)
	assert.Equal(t, "peer-1", cbe.Connection, "first broken connection in manager order")

	assert.False(t, tolerant.IsDone())
	assert.False(t, local.IsDone())

	broken := h.events.ofType(EventConnectionBroken)
	require.Len(t, broken, 2)

	// still broken: no new hook
	h.tick(2)
	assert.Len(t, h.events.ofType(EventConnectionBroken), 2)

	// recover and break again: reported again
	h.conns.conn("peer-1").broken.Store(false)
	h.tick(1)
	h.conns.conn("peer-1").broken.Store(true)
	h.tick(1)
	assert.Len(t, h.events.ofType(EventConnectionBroken), 3)
}

func TestBrokenConnectionFailsSendsIssuedWhileBroken(t *testing.T) {
	h := newHarness(t, "peer")
	h.conns.conn("peer").broken.Store(true)

	f := h.hub.Send(context.Background(), "remote", nil, WithGlobal(true))
	h.tick(1)

	res := peek(t, f)
	assert.ErrorIs(t, res.Err, ErrConnectionBroken)
	assert.Empty(t, h.conns.sentMessages(), "router skips broken connections")
}

func TestDuplicateResponsesResolveOnce(t *testing.T) {
	h := newHarness(t, "peer")

	f := h.hub.Send(context.Background(), "remote", nil, WithGlobal(true))
	h.tick(1)
	sent := h.conns.sentMessages()
	require.Len(t, sent, 1)
	reqID := sent[0].msg.ID

	first := &Message{ID: "r1", Address: "remote", ResponseTo: reqID, Payload: "first"}
	second := &Message{ID: "r2", Address: "remote", ResponseTo: reqID, Payload: "second"}
	h.conns.push(first, "peer")
	h.conns.push(second, "peer")
	h.tick(1)
	h.conns.push(first, "peer")
	h.tick(2)

	res := peek(t, f)
	require.NoError(t, res.Err)
	assert.Equal(t, "first", res.Value)
	assert.Len(t, h.events.ofType(EventOperationCompleted), 1)
	assert.Equal(t, uint64(1), h.hub.GetMetrics().ResponsesMatched)
	assert.Len(t, h.events.ofType(EventReceivingResponse), 3)
}

func TestNoOpTickDoesNoWork(t *testing.T) {
	h := newHarness(t, "peer")
	h.register(t, "echo", echo())

	f := h.hub.Send(context.Background(), "echo", "x")
	h.tick(3)
	require.True(t, f.IsDone())

	routerCalls := h.router.calls.Load()
	dispatches := h.dispatcher.calls.Load()
	events := h.events.count()
	ticks := h.hub.GetMetrics().Ticks

	h.tick(5)

	assert.Equal(t, routerCalls, h.router.calls.Load())
	assert.Equal(t, dispatches, h.dispatcher.calls.Load())
	assert.Equal(t, events, h.events.count())
	assert.Equal(t, ticks, h.hub.GetMetrics().Ticks)
	assert.Equal(t, uint64(5), h.hub.GetMetrics().IdleTicks)
}

func TestCancellation(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	before := h.hub.Send(ctx, "void", nil)
	cancel()
	h.tick(1)

	res := peek(t, before)
	require.ErrorIs(t, res.Err, ErrCancelled)
	require.ErrorIs(t, res.Err, context.Canceled)
	assert.Empty(t, h.conns.sentMessages())
	assert.Empty(t, h.events.ofType(EventSendingRequest), "cancelled before materialization")

	ctx2, cancel2 := context.WithCancel(context.Background())
	waiting := h.hub.Send(ctx2, "void", nil)
	h.tick(1)
	require.False(t, waiting.IsDone())

	cancel2()
	h.tick(1)
	res = peek(t, waiting)
	require.ErrorIs(t, res.Err, ErrCancelled)
	assert.Equal(t, uint64(2), h.hub.GetMetrics().Cancelled)
}

func TestUnrecoveredErrorNeverReachesSender(t *testing.T) {
	h := newHarness(t)
	h.register(t, "fail", SyncReceiver(func(context.Context, string, any) (any, error) {
		return nil, errors.New("boom")
	}))

	f := h.hub.Send(context.Background(), "fail", nil, WithErrorForwarding(false), WithTimeout(30*time.Millisecond))
	h.tick(2)
	assert.False(t, f.IsDone())

	perr := h.events.ofType(EventProcessingError)
	require.Len(t, perr, 1)
	assert.ErrorIs(t, perr[0].Err, ErrUnrecovered)
	assert.Equal(t, uint64(1), h.hub.GetMetrics().Unrecovered)

	time.Sleep(40 * time.Millisecond)
	h.tick(1)
	assert.ErrorIs(t, peek(t, f).Err, ErrTimeout)
}

func TestReceiverForwardingOverridesRequest(t *testing.T) {
	h := newHarness(t)
	h.register(t, "fail", SyncReceiver(func(context.Context, string, any) (any, error) {
		return nil, errors.New("boom")
	}), WithReceiverErrorForwarding(false))

	f := h.hub.Send(context.Background(), "fail", nil, WithErrorForwarding(true), WithTimeout(20*time.Millisecond))
	h.tick(2)
	assert.False(t, f.IsDone())
	assert.Len(t, h.events.ofType(EventProcessingError), 1)
}

func TestErrorHandlingIsCumulative(t *testing.T) {
	boom := errors.New("boom")
	failing := SyncReceiver(func(context.Context, string, any) (any, error) { return nil, boom })

	t.Run("bus hook forces forwarding", func(t *testing.T) {
		h := newHarness(t)
		h.hub.SetErrorHook(func(ec *ErrorContext) { ec.Forward = true })
		h.register(t, "fail", failing)

		f := h.hub.Send(context.Background(), "fail", nil, WithErrorForwarding(false))
		h.tick(2)
		assert.ErrorIs(t, peek(t, f).Err, boom)
	})

	t.Run("hook cannot undo the handler's forwarding", func(t *testing.T) {
		h := newHarness(t)
		h.hub.SetErrorHook(func(ec *ErrorContext) { ec.Forward = false })
		h.register(t, "fail", failing, WithErrorHandler(func(ec *ErrorContext) { ec.Forward = true }))

		f := h.hub.Send(context.Background(), "fail", nil, WithErrorForwarding(false))
		h.tick(2)
		assert.ErrorIs(t, peek(t, f).Err, boom)
	})

	t.Run("handler rewrites the error", func(t *testing.T) {
		h := newHarness(t)
		wrapped := errors.New("wrapped")
		var seen error
		h.hub.SetErrorHook(func(ec *ErrorContext) { seen = ec.Err })
		h.register(t, "fail", failing, WithErrorHandler(func(ec *ErrorContext) { ec.Err = wrapped }))

		f := h.hub.Send(context.Background(), "fail", nil)
		h.tick(2)
		assert.ErrorIs(t, peek(t, f).Err, wrapped)
		assert.Equal(t, wrapped, seen)
	})

	t.Run("handler recovers with a value", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "fail", failing, WithErrorHandler(func(ec *ErrorContext) {
			ec.Err = nil
			ec.Result = "fallback"
		}))

		f := h.hub.Send(context.Background(), "fail", nil, WithErrorForwarding(false))
		h.tick(2)
		res := peek(t, f)
		require.NoError(t, res.Err)
		assert.Equal(t, "fallback", res.Value)
	})
}

func TestReceiverPanicIsForwarded(t *testing.T) {
	h := newHarness(t)
	h.register(t, "panic", func(context.Context, string, any) *Future { panic("kaboom") })

	f := h.hub.Send(context.Background(), "panic", nil)
	h.tick(2)
	res := peek(t, f)
	assert.ErrorIs(t, res.Err, ErrProcessing)
	assert.ErrorIs(t, res.Err, ErrReceiverPanic)
}

func TestAsyncReceiverCompletesLater(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.register(t, "slow", func(context.Context, string, any) *Future {
		return Go(func() (any, error) {
			<-release
			return "done", nil
		})
	})

	f := h.hub.Send(context.Background(), "slow", nil, WithTimeout(time.Second))
	h.tick(1)
	assert.Zero(t, h.pipeline.QueuedResponses())

	close(release)
	require.Eventually(t, func() bool { return h.pipeline.QueuedResponses() == 1 }, time.Second, time.Millisecond)

	h.tick(1)
	res := peek(t, f)
	require.NoError(t, res.Err)
	assert.Equal(t, "done", res.Value)
}

func TestNilFutureAnswersNil(t *testing.T) {
	h := newHarness(t)
	h.register(t, "void", func(context.Context, string, any) *Future { return nil })

	f := h.hub.Send(context.Background(), "void", "x")
	h.tick(2)
	res := peek(t, f)
	require.NoError(t, res.Err)
	assert.Nil(t, res.Value)
}

func TestRemoteRequestIsAnsweredGlobally(t *testing.T) {
	h := newHarness(t, "peer")
	h.register(t, "echo", echo())

	h.conns.push(&Message{ID: "q1", Address: "echo", Payload: "hi", Timeout: time.Second, RoutingInfo: "route"}, "peer")
	h.tick(1)
	assert.Empty(t, h.conns.sentMessages(), "remote requests are not sent back out")

	h.tick(1)
	sent := h.conns.sentMessages()
	require.Len(t, sent, 1)
	resp := sent[0].msg
	assert.Equal(t, "q1", resp.ResponseTo)
	assert.Equal(t, "hi", resp.Payload)
	assert.Equal(t, "route", resp.RoutingInfo)
	assert.Equal(t, time.Second, resp.Timeout)
	assert.True(t, resp.ToGlobal)
	assert.False(t, resp.FromGlobal)
	assert.False(t, resp.Broadcast)
	assert.False(t, resp.ForwardErrors)
	assert.NotEqual(t, "q1", resp.ID)
}

func TestLocalRequestsStayLocalByDefault(t *testing.T) {
	h := newHarness(t, "peer")
	h.register(t, "echo", echo())

	f := h.hub.Send(context.Background(), "echo", "hi")
	h.tick(2)

	require.True(t, f.IsDone())
	assert.Empty(t, h.conns.sentMessages())
}

func TestBatchOrderWithinTick(t *testing.T) {
	h := newHarness(t, "peer")

	h.hub.Send(context.Background(), "outgoing", nil)
	h.conns.push(&Message{ID: "q1", Address: "incoming", Timeout: time.Second}, "peer")
	h.tick(1)

	reqs := h.events.ofType(EventReceivingRequest)
	require.Len(t, reqs, 2)
	assert.Equal(t, "incoming", reqs[0].Address)
	assert.Equal(t, "outgoing", reqs[1].Address)

	sending := h.events.ofType(EventSendingRequest)
	require.Len(t, sending, 1)
	assert.Equal(t, "outgoing", sending[0].Address)
}

func TestMaterializationUsesDefaultsAndOverrides(t *testing.T) {
	h := newHarness(t, "peer")
	h.hub.SetDefaults(Defaults{Global: true, ForwardErrors: false, ResponseTimeout: 3 * time.Second, CollectionTimeout: 7 * time.Second})

	h.hub.Send(context.Background(), "a", nil)
	h.hub.Broadcast(context.Background(), "b", nil)
	h.hub.Send(context.Background(), "c", nil, WithTimeout(time.Second), WithGlobal(false), WithErrorForwarding(true))
	h.tick(1)

	sending := h.events.ofType(EventSendingRequest)
	require.Len(t, sending, 3)

	a, b, c := sending[0].Message, sending[1].Message, sending[2].Message
	assert.True(t, a.ToGlobal)
	assert.False(t, a.ForwardErrors)
	assert.Equal(t, 3*time.Second, a.Timeout)
	assert.False(t, a.Broadcast)

	assert.True(t, b.Broadcast)
	assert.Equal(t, 7*time.Second, b.Timeout)

	assert.False(t, c.ToGlobal)
	assert.True(t, c.ForwardErrors)
	assert.Equal(t, time.Second, c.Timeout)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.SentAt.IsZero())
}

func TestReceiverSeesRequestInContext(t *testing.T) {
	h := newHarness(t)
	var got *Message
	h.register(t, "ctx", SyncReceiver(func(ctx context.Context, _ string, _ any) (any, error) {
		got, _ = MessageFromContext(ctx)
		_, hasLogger := LoggerFromContext(ctx)
		_, hasClock := ClockFromContext(ctx)
		return hasLogger && hasClock, nil
	}))

	f := h.hub.Send(context.Background(), "ctx", nil, WithRoutingInfo("shard-3"))
	h.tick(2)

	assert.Equal(t, true, peek(t, f).Value)
	require.NotNil(t, got)
	assert.Equal(t, "shard-3", got.RoutingInfo)
}

func TestWildcardRegistrations(t *testing.T) {
	h := newHarness(t)
	h.register(t, "orders/+/created", returning("plus"))
	h.register(t, "orders/#", returning("hash"))
	h.register(t, "billing/#", returning("other"))

	f := h.hub.Broadcast(context.Background(), "orders/42/created", nil, WithExpectedResults(2))
	h.tick(2)
	assert.Equal(t, []any{"plus", "hash"}, peek(t, f).Value)
}

func TestUnregisterStopsDelivery(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "echo", echo())
	h.hub.Unregister(reg)

	f := h.hub.Send(context.Background(), "echo", nil, WithTimeout(10*time.Millisecond))
	h.tick(2)
	assert.Zero(t, h.dispatcher.calls.Load())
	time.Sleep(20 * time.Millisecond)
	h.tick(1)
	assert.ErrorIs(t, peek(t, f).Err, ErrTimeout)
}

func TestConcurrentSendsResolveExactlyOnce(t *testing.T) {
	h := newHarness(t)
	h.register(t, "echo", echo())

	const n = 200
	futures := make([]*Future, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			futures[i] = h.hub.Send(context.Background(), "echo", i)
		}(i)
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				return
			default:
				h.pipeline.Tick()
			}
		}
	}()
	wg.Wait()

	for i, f := range futures {
		v, err := f.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	close(done)
	<-stopped
	assert.Len(t, h.events.ofType(EventOperationCompleted), n)
}
