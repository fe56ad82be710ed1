package xrelay

import (
	"context"
	"time"
)

// OpKind distinguishes single-response sends from broadcasts.
type OpKind int

const (
	SingleResponse OpKind = iota
	Broadcast
)

func (k OpKind) String() string {
	if k == Broadcast {
		return "broadcast"
	}
	return "single"
}

// OpState is the lifecycle state of a pending operation.
type OpState int

const (
	StateNew OpState = iota
	StateWaiting
	StateFinished
	StateTimedOut
	StateCancelled
	StateBroken
	StateForwardedError
)

var opStateNames = [...]string{
	StateNew:            "new",
	StateWaiting:        "waiting",
	StateFinished:       "finished",
	StateTimedOut:       "timed_out",
	StateCancelled:      "cancelled",
	StateBroken:         "broken",
	StateForwardedError: "forwarded_error",
}

func (s OpState) String() string {
	if int(s) < len(opStateNames) {
		return opStateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s OpState) Terminal() bool { return s != StateNew && s != StateWaiting }

// PendingOp tracks one caller-issued send until it reaches a terminal state.
// All fields are guarded by the owning Hub's lock.
type PendingOp struct {
	request *Message
	kind    OpKind
	ctx     context.Context

	expected     int
	ignoreBroken bool
	timeout      time.Duration
	global       *bool
	forward      *bool

	responses []*Message
	results   []any
	state     OpState

	completion *Future
	createdAt  time.Time
}

// settlement is a completion resolution deferred until the hub lock is released.
type settlement struct {
	op    *PendingOp
	state OpState
	res   Result
}

func (s settlement) apply() bool { return s.op.completion.Complete(s.res.Value, s.res.Err) }

func (op *PendingOp) cancelled() bool {
	return op.ctx != nil && op.ctx.Err() != nil
}

// materialize turns the op's draft request into a sendable one.
func (op *PendingOp) materialize(now time.Time, d Defaults) *Message {
	req := op.request
	req.ID = newMessageID()
	req.SentAt = now
	req.Broadcast = op.kind == Broadcast

	req.ToGlobal = d.Global
	if op.global != nil {
		req.ToGlobal = *op.global
	}
	req.ForwardErrors = d.ForwardErrors
	if op.forward != nil {
		req.ForwardErrors = *op.forward
	}
	switch {
	case op.timeout > 0:
		req.Timeout = op.timeout
	case op.kind == Broadcast:
		req.Timeout = d.CollectionTimeout
	default:
		req.Timeout = d.ResponseTimeout
	}

	op.state = StateWaiting
	return req
}

// finish moves op to StateFinished with the value its kind reports.
func (op *PendingOp) finish() settlement {
	op.state = StateFinished
	if op.kind == Broadcast {
		results := make([]any, len(op.results))
		copy(results, op.results)
		return settlement{op: op, state: StateFinished, res: Result{Value: results}}
	}
	var v any
	if len(op.results) > 0 {
		v = op.results[0]
	}
	return settlement{op: op, state: StateFinished, res: Result{Value: v}}
}

func (op *PendingOp) fail(state OpState, err error) settlement {
	op.state = state
	return settlement{op: op, state: state, res: Result{Err: err}}
}

// accept records a matching response and reports the settlement it causes, if any.
func (op *PendingOp) accept(resp *Message) (settlement, bool) {
	op.responses = append(op.responses, resp)
	op.results = append(op.results, resp.Payload)

	if resp.Err != nil {
		return op.fail(StateForwardedError, &ProcessingError{Address: op.request.Address, Err: resp.Err}), true
	}
	if op.kind == SingleResponse {
		return op.finish(), true
	}
	if op.expected > 0 && len(op.results) >= op.expected {
		return op.finish(), true
	}
	return settlement{}, false
}

// expire handles an elapsed deadline. Broadcasts complete with what they have.
func (op *PendingOp) expire() settlement {
	if op.kind == Broadcast {
		return op.finish()
	}
	return op.fail(StateTimedOut, &TimeoutError{Address: op.request.Address, Timeout: op.request.Timeout})
}
