package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xrelay"
)

// Adapter: Redis Streams connection manager (Strategy + Adapter patterns)

const ConnectorName = "redis-streams"

var (
	ErrClosed        = errors.New("redisstream: manager is closed")
	ErrSendQueueFull = errors.New("redisstream: send queue is full")
	ErrUnknownPeer   = errors.New("redisstream: connection does not belong to this manager")
)

func init() {
	if err := xrelay.RegisterConnector(ConnectorName, func(cfg map[string]any) (xrelay.ConnectionManager, error) {
		return NewManager(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xrelay: failed to register connector %q: %w", ConnectorName, err))
	}
}

// peer is a connection to another node's inbox stream. Its breaker opens
// after repeated send failures, which is what IsBroken reports.
type peer struct {
	name   string
	stream string
	cb     *gobreaker.CircuitBreaker
}

func (p *peer) Name() string { return p.name }

func (p *peer) IsBroken() bool {
	return p.cb != nil && p.cb.State() == gobreaker.StateOpen
}

type outbound struct {
	peer   *peer
	values map[string]any
}

// Manager implements xrelay.ConnectionManager over Redis Streams. Every node
// reads its own inbox stream and appends to its peers' inbox streams.
type Manager struct {
	sync.Mutex // guards peers

	cfg    Config
	client *redis.Client
	codec  xrelay.Codec
	logger *xlog.Logger
	peers  []*peer
	byName map[string]*peer

	inMu  sync.Mutex
	inbox []xrelay.Inbound

	outCh chan outbound
	wake  atomic.Pointer[func()]

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool

	metrics *managerMetrics
}

type managerMetrics struct {
	published     atomic.Uint64
	received      atomic.Uint64
	publishErrors atomic.Uint64
	decodeErrors  atomic.Uint64
	readErrors    atomic.Uint64
}

var (
	_ xrelay.ConnectionManager = (*Manager)(nil)
	_ xrelay.WakeSetter        = (*Manager)(nil)
)

// NewManager connects to Redis and starts reading the node's inbox.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	m, err := NewManagerWithClient(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return m, nil
}

// NewManagerWithClient uses an existing client. The manager owns it afterwards
// and closes it on Close.
func NewManagerWithClient(client *redis.Client, cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ping(client); err != nil {
		return nil, err
	}
	codec, err := xrelay.NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = xlog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		client:  client,
		codec:   codec,
		logger:  logger.With(xlog.Str("node", cfg.Node)),
		byName:  make(map[string]*peer, len(cfg.Peers)),
		outCh:   make(chan outbound, cfg.SendBuffer),
		ctx:     ctx,
		cancel:  cancel,
		metrics: &managerMetrics{},
	}
	for _, name := range cfg.Peers {
		p := &peer{name: name, stream: m.streamOf(name)}
		p.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     cfg.ResetTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= cfg.FailureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				m.logger.Info().
					Str("peer", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("redisstream: peer breaker state changed")
			},
		})
		m.peers = append(m.peers, p)
		m.byName[name] = p
	}

	start := m.lastInboxID()
	m.wg.Add(2)
	go m.readLoop(start)
	go m.writeLoop()
	return m, nil
}

func (m *Manager) streamOf(node string) string { return m.cfg.Prefix + ":" + node }

// Inbox returns the stream this node reads from.
func (m *Manager) Inbox() string { return m.streamOf(m.cfg.Node) }

// Connections lists the configured peers. Called with the manager's lock held.
func (m *Manager) Connections() []xrelay.Connection {
	out := make([]xrelay.Connection, len(m.peers))
	for i, p := range m.peers {
		out[i] = p
	}
	return out
}

// DequeueMessages drains messages read from the inbox since the last call.
func (m *Manager) DequeueMessages(into []xrelay.Inbound) []xrelay.Inbound {
	m.inMu.Lock()
	defer m.inMu.Unlock()

	into = append(into, m.inbox...)
	for i := range m.inbox {
		m.inbox[i] = xrelay.Inbound{}
	}
	m.inbox = m.inbox[:0]
	return into
}

// SendMessage encodes msg and queues it for the writer. It never waits on Redis.
func (m *Manager) SendMessage(msg *xrelay.Message, conn xrelay.Connection) error {
	if m.closed.Load() {
		return ErrClosed
	}
	p, ok := conn.(*peer)
	if !ok || m.byName[p.name] != p {
		return ErrUnknownPeer
	}

	values, err := encode(m.codec, m.cfg.Node, msg)
	if err != nil {
		m.metrics.publishErrors.Add(1)
		return err
	}

	select {
	case m.outCh <- outbound{peer: p, values: values}:
		return nil
	default:
		m.metrics.publishErrors.Add(1)
		return ErrSendQueueFull
	}
}

// SetWake installs the callback run after each batch read from the inbox.
func (m *Manager) SetWake(fn func()) {
	if fn == nil {
		m.wake.Store(nil)
		return
	}
	m.wake.Store(&fn)
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case out := <-m.outCh:
			m.publish(out)
		}
	}
}

func (m *Manager) publish(out outbound) {
	_, err := out.peer.cb.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.SendTimeout)
		defer cancel()

		args := &redis.XAddArgs{
			Stream: out.peer.stream,
			Values: out.values,
		}
		if m.cfg.MaxLenApprox > 0 {
			args.MaxLen = m.cfg.MaxLenApprox
			args.Approx = true
		}
		return nil, m.client.XAdd(ctx, args).Err()
	})
	if err != nil {
		m.metrics.publishErrors.Add(1)
		m.logger.Debug().Err(err).Str("peer", out.peer.name).Msg("redisstream: publish failed")
		return
	}
	m.metrics.published.Add(1)
}

// lastInboxID returns the newest entry id of the inbox so only messages
// appended after startup are read.
func (m *Manager) lastInboxID() string {
	ctx, cancel := context.WithTimeout(m.ctx, 2*time.Second)
	defer cancel()

	res, err := m.client.XRevRangeN(ctx, m.Inbox(), "+", "-", 1).Result()
	if err != nil || len(res) == 0 {
		return "0-0"
	}
	return res[0].ID
}

func (m *Manager) readLoop(lastID string) {
	defer m.wg.Done()
	stream := m.Inbox()

	for {
		if m.ctx.Err() != nil {
			return
		}

		res, err := m.client.XRead(m.ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   int64(m.cfg.BatchSize),
			Block:   m.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if m.ctx.Err() != nil {
				return
			}
			m.metrics.readErrors.Add(1)
			m.logger.Warn().Err(err).Msg("redisstream: inbox read failed")
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		n := 0
		for _, s := range res {
			for _, x := range s.Messages {
				lastID = x.ID
				msg, from, err := decode(m.codec, x.Values)
				if err != nil {
					m.metrics.decodeErrors.Add(1)
					m.logger.Warn().Err(err).Str("entry", x.ID).Msg("redisstream: dropping undecodable entry")
					continue
				}
				m.push(xrelay.Inbound{Message: msg, From: m.sender(from)})
				n++
			}
		}
		if n > 0 {
			if fn := m.wake.Load(); fn != nil {
				(*fn)()
			}
		}
	}
}

func (m *Manager) push(in xrelay.Inbound) {
	m.inMu.Lock()
	m.inbox = append(m.inbox, in)
	m.inMu.Unlock()
	m.metrics.received.Add(1)
}

// sender maps a node name to its peer. Senders outside the peer list get a
// receive-only connection that is never broken.
func (m *Manager) sender(name string) xrelay.Connection {
	if p, ok := m.byName[name]; ok {
		return p
	}
	return &peer{name: name, stream: m.streamOf(name)}
}

// Close stops the reader and writer and closes the Redis client.
func (m *Manager) Close(_ context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.cancel()
		m.wg.Wait()
		err = m.client.Close()
	})
	return err
}

// Stats is manager telemetry.
type Stats struct {
	Published     uint64
	Received      uint64
	PublishErrors uint64
	DecodeErrors  uint64
	ReadErrors    uint64
	Queued        int
}

// Stats returns current manager metrics.
func (m *Manager) Stats() Stats {
	m.inMu.Lock()
	queued := len(m.inbox)
	m.inMu.Unlock()
	return Stats{
		Published:     m.metrics.published.Load(),
		Received:      m.metrics.received.Load(),
		PublishErrors: m.metrics.publishErrors.Load(),
		DecodeErrors:  m.metrics.decodeErrors.Load(),
		ReadErrors:    m.metrics.readErrors.Load(),
		Queued:        queued,
	}
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
