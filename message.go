package xrelay

import (
	"time"

	"github.com/google/uuid"
)

// Message is the envelope traveling the bus. It is a request when ResponseTo
// is empty and a response otherwise.
type Message struct {
	// ID is assigned when the message becomes a request or response.
	ID string
	// Address is the routing key interpreted by the router and receivers.
	Address string
	// Payload is the opaque application value.
	Payload any
	// SentAt is the timestamp timeouts are computed from (from injected clock).
	SentAt time.Time
	// Timeout is how long an unanswered request stays pending.
	Timeout time.Duration
	// ResponseTo holds the ID of the request this message answers.
	ResponseTo string
	// Broadcast requests expect zero or more responses instead of exactly one.
	Broadcast bool
	// FromGlobal marks messages received from a remote connection.
	FromGlobal bool
	// ToGlobal marks messages that should leave the process.
	ToGlobal bool
	// ForwardErrors asks receivers to carry failures back as data.
	ForwardErrors bool
	// Err is the failure carried by a response, if any.
	Err error
	// RoutingInfo is threaded from request to response untouched.
	RoutingInfo any
}

// IsResponse reports whether the message answers a request.
func (m *Message) IsResponse() bool { return m.ResponseTo != "" }

// Clone returns a shallow copy so transports can hand the same message to
// several peers without sharing mutable flags.
func (m *Message) Clone() *Message {
	c := *m
	return &c
}

func newMessageID() string { return uuid.NewString() }

// newResponse builds the answer to req. Address, timeout and routing info are
// copied; the response travels back where the request came from.
func newResponse(req *Message, now time.Time, value any, err error) *Message {
	return &Message{
		ID:            newMessageID(),
		Address:       req.Address,
		Payload:       value,
		SentAt:        now,
		Timeout:       req.Timeout,
		ResponseTo:    req.ID,
		Broadcast:     false,
		FromGlobal:    false,
		ToGlobal:      req.FromGlobal,
		ForwardErrors: false,
		Err:           err,
		RoutingInfo:   req.RoutingInfo,
	}
}
