package xrelay

import (
	"errors"
	"sync"
)

// Connection is a link to one remote peer.
type Connection interface {
	Name() string
	IsBroken() bool
}

// Inbound is a message received from a remote connection.
type Inbound struct {
	Message *Message
	From    Connection
}

// ConnectionManager is the Strategy interface for remote transports. Its
// Locker guards the connection set; the pipeline holds it only while
// snapshotting Connections.
type ConnectionManager interface {
	sync.Locker
	// DequeueMessages appends every message received since the last call to
	// into and returns the extended slice. It must not block.
	DequeueMessages(into []Inbound) []Inbound
	// SendMessage hands msg to conn for transmission. Failures surface later
	// as broken connections.
	SendMessage(msg *Message, conn Connection) error
	// Connections lists the current connections. Called with the lock held.
	Connections() []Connection
}

// NoConnections is a ConnectionManager for purely local buses.
type NoConnections struct{ sync.Mutex }

var _ ConnectionManager = (*NoConnections)(nil)

func (*NoConnections) DequeueMessages(into []Inbound) []Inbound { return into }

func (*NoConnections) SendMessage(*Message, Connection) error { return nil }

func (*NoConnections) Connections() []Connection { return nil }

// ConnectorFactory constructs connection managers from a config blob.
type ConnectorFactory func(cfg map[string]any) (ConnectionManager, error)

var (
	connectorRegistryMu sync.RWMutex
	connectorRegistry   = map[string]ConnectorFactory{
		"none": func(map[string]any) (ConnectionManager, error) { return &NoConnections{}, nil },
	}
)

// RegisterConnector registers a transport adapter by name.
func RegisterConnector(name string, factory ConnectorFactory) error {
	if name == "" {
		return errors.New("connector name must not be empty")
	}
	if factory == nil {
		return errors.New("connector factory must not be nil")
	}
	connectorRegistryMu.Lock()
	connectorRegistry[name] = factory
	connectorRegistryMu.Unlock()
	return nil
}

// NewConnector constructs a connection manager by name with config.
func NewConnector(name string, cfg map[string]any) (ConnectionManager, error) {
	connectorRegistryMu.RLock()
	f, ok := connectorRegistry[name]
	connectorRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownConnector{name: name}
	}
	return f(cfg)
}

// WakeSetter is implemented by connection managers that can wake the
// scheduler when messages arrive instead of waiting for the next interval.
type WakeSetter interface {
	SetWake(fn func())
}
