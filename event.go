package xrelay

import (
	"time"
)

// EventType enumerates pipeline lifecycle hooks for the Observer pattern.
type EventType string

const (
	EventSendingRequest     EventType = "sending_request"
	EventReceivingRequest   EventType = "receiving_request"
	EventReceivingResponse  EventType = "receiving_response"
	EventSendingResponse    EventType = "sending_response"
	EventConnectionBroken   EventType = "connection_broken"
	EventProcessingError    EventType = "processing_error"
	EventOperationCompleted EventType = "operation_completed"
)

// Event carries telemetry for observers. Message is shared with the pipeline
// and must be treated as read-only.
type Event struct {
	Type       EventType
	Address    string
	MessageID  string
	Connection string
	State      OpState
	Message    *Message
	Duration   time.Duration
	Err        error

	// Internal: attached for async dispatch
	observers []Observer
}

func messageEvent(t EventType, msg *Message) Event {
	return Event{Type: t, Address: msg.Address, MessageID: msg.ID, Message: msg}
}
