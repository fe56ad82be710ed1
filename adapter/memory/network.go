package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xrelay"
)

const ConnectorName = "memory"

var (
	ErrNodeExists  = errors.New("memory: node already joined")
	ErrNodeClosed  = errors.New("memory: node is closed")
	ErrLinkBroken  = errors.New("memory: link is broken")
	ErrForeignLink = errors.New("memory: connection does not belong to this node")
)

func init() {
	if err := xrelay.RegisterConnector(ConnectorName, func(cfg map[string]any) (xrelay.ConnectionManager, error) {
		c := ConfigFromMap(cfg)
		return c.Network.Join(c.Node)
	}); err != nil {
		panic(fmt.Errorf("xrelay/memory: failed to register connector: %w", err))
	}
}

// Config selects the network a node joins and its name on it.
type Config struct {
	// Network to join (default: DefaultNetwork).
	Network *Network
	// Node is this process's name on the network (required).
	Node string
}

// ConfigFromMap reads "network" (*Network) and "node" (string).
func ConfigFromMap(cfg map[string]any) Config {
	c := Config{Network: DefaultNetwork}
	if n, ok := cfg["network"].(*Network); ok && n != nil {
		c.Network = n
	}
	if s, ok := cfg["node"].(string); ok {
		c.Node = s
	}
	return c
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"network": c.Network,
		"node":    c.Node,
	}
}

// DefaultNetwork is the process-wide network used when none is configured.
var DefaultNetwork = NewNetwork()

// Network links in-process nodes. Every node sees a connection to every other
// node that ever joined; links can be broken and healed to simulate failures.
type Network struct {
	mu     sync.RWMutex
	nodes  map[string]*Node
	order  []string
	broken map[[2]string]struct{}
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		nodes:  make(map[string]*Node),
		broken: make(map[[2]string]struct{}),
	}
}

// Join adds a node and returns its connection manager.
func (n *Network) Join(name string) (*Node, error) {
	if name == "" {
		return nil, errors.New("memory: node name must not be empty")
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if existing, ok := n.nodes[name]; ok && !existing.closed.Load() {
		return nil, fmt.Errorf("%w: %s", ErrNodeExists, name)
	}
	node := &Node{name: name, net: n, metrics: &nodeMetrics{}}
	if _, ok := n.nodes[name]; !ok {
		n.order = append(n.order, name)
	}
	n.nodes[name] = node
	return node, nil
}

// Break cuts the link between a and b in both directions.
func (n *Network) Break(a, b string) {
	n.mu.Lock()
	n.broken[[2]string{a, b}] = struct{}{}
	n.broken[[2]string{b, a}] = struct{}{}
	n.mu.Unlock()
}

// Heal restores the link between a and b.
func (n *Network) Heal(a, b string) {
	n.mu.Lock()
	delete(n.broken, [2]string{a, b})
	delete(n.broken, [2]string{b, a})
	n.mu.Unlock()
}

// linkUp reports whether from can currently reach to.
func (n *Network) linkUp(from, to string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if _, cut := n.broken[[2]string{from, to}]; cut {
		return false
	}
	target, ok := n.nodes[to]
	return ok && !target.closed.Load()
}

func (n *Network) node(name string) *Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nodes[name]
}

func (n *Network) peersOf(name string) []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peers := make([]string, 0, len(n.order))
	for _, p := range n.order {
		if p != name {
			peers = append(peers, p)
		}
	}
	return peers
}

// link is one direction of a connection between two nodes.
type link struct {
	net      *Network
	from, to string
}

func (l *link) Name() string   { return l.to }
func (l *link) IsBroken() bool { return !l.net.linkUp(l.from, l.to) }

// Node implements xrelay.ConnectionManager for one member of a Network.
type Node struct {
	sync.Mutex // guards links

	name  string
	net   *Network
	links map[string]*link

	inMu  sync.Mutex
	inbox []xrelay.Inbound

	wake    atomic.Pointer[func()]
	closed  atomic.Bool
	metrics *nodeMetrics
}

type nodeMetrics struct {
	sent       atomic.Uint64
	received   atomic.Uint64
	sendErrors atomic.Uint64
}

var (
	_ xrelay.ConnectionManager = (*Node)(nil)
	_ xrelay.WakeSetter        = (*Node)(nil)
)

// Name returns the node's name on the network.
func (nd *Node) Name() string { return nd.name }

// Connections lists a link to every other node, in join order. Called with the
// node's lock held.
func (nd *Node) Connections() []xrelay.Connection {
	if nd.links == nil {
		nd.links = make(map[string]*link)
	}
	peers := nd.net.peersOf(nd.name)
	out := make([]xrelay.Connection, 0, len(peers))
	for _, p := range peers {
		l, ok := nd.links[p]
		if !ok {
			l = &link{net: nd.net, from: nd.name, to: p}
			nd.links[p] = l
		}
		out = append(out, l)
	}
	return out
}

// DequeueMessages drains the inbox.
func (nd *Node) DequeueMessages(into []xrelay.Inbound) []xrelay.Inbound {
	nd.inMu.Lock()
	defer nd.inMu.Unlock()

	into = append(into, nd.inbox...)
	for i := range nd.inbox {
		nd.inbox[i] = xrelay.Inbound{}
	}
	nd.inbox = nd.inbox[:0]
	return into
}

// SendMessage copies msg into the peer's inbox.
func (nd *Node) SendMessage(msg *xrelay.Message, conn xrelay.Connection) error {
	if nd.closed.Load() {
		return ErrNodeClosed
	}
	l, ok := conn.(*link)
	if !ok || l.from != nd.name || l.net != nd.net {
		nd.metrics.sendErrors.Add(1)
		return ErrForeignLink
	}
	if l.IsBroken() {
		nd.metrics.sendErrors.Add(1)
		return fmt.Errorf("%w: %s -> %s", ErrLinkBroken, l.from, l.to)
	}
	target := nd.net.node(l.to)
	if target == nil {
		nd.metrics.sendErrors.Add(1)
		return fmt.Errorf("%w: %s -> %s", ErrLinkBroken, l.from, l.to)
	}

	target.deliver(msg.Clone(), &link{net: nd.net, from: l.to, to: nd.name})
	nd.metrics.sent.Add(1)
	return nil
}

func (nd *Node) deliver(msg *xrelay.Message, from xrelay.Connection) {
	if nd.closed.Load() {
		return
	}
	nd.inMu.Lock()
	nd.inbox = append(nd.inbox, xrelay.Inbound{Message: msg, From: from})
	nd.inMu.Unlock()
	nd.metrics.received.Add(1)

	if fn := nd.wake.Load(); fn != nil {
		(*fn)()
	}
}

// SetWake installs the callback run whenever a message arrives.
func (nd *Node) SetWake(fn func()) {
	if fn == nil {
		nd.wake.Store(nil)
		return
	}
	nd.wake.Store(&fn)
}

// Close leaves the network. Peers see their link to this node as broken.
func (nd *Node) Close(_ context.Context) error {
	if nd.closed.Swap(true) {
		return nil
	}
	nd.inMu.Lock()
	nd.inbox = nil
	nd.inMu.Unlock()
	return nil
}

// Stats is node telemetry.
type Stats struct {
	Sent       uint64
	Received   uint64
	SendErrors uint64
	Queued     int
}

// Stats returns current node metrics.
func (nd *Node) Stats() Stats {
	nd.inMu.Lock()
	queued := len(nd.inbox)
	nd.inMu.Unlock()
	return Stats{
		Sent:       nd.metrics.sent.Load(),
		Received:   nd.metrics.received.Load(),
		SendErrors: nd.metrics.sendErrors.Load(),
		Queued:     queued,
	}
}
