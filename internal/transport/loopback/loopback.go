// Package loopback links networking nodes inside one process. Every directed
// link delivers frames in order from its own goroutine, the way a socket read
// loop would.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	logs "github.com/danmuck/evmesh/internal/logging"
	"github.com/danmuck/evmesh/internal/network"
)

var (
	ErrUnknownNode = errors.New("loopback: unknown node")
	ErrNoLink      = errors.New("loopback: no link")
	ErrClosed      = errors.New("loopback: network closed")
	ErrQueueFull   = errors.New("loopback: link queue full")
)

// Handler receives frames delivered to a node.
type Handler func(ctx context.Context, from network.NodeID, raw []byte)

// LinkHandler observes links of a node coming up and going down.
type LinkHandler func(peer network.NodeID, up bool)

const defaultQueue = 256

type linkKey struct {
	from, to network.NodeID
}

type pipe struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func (p *pipe) stop() {
	p.once.Do(func() { close(p.done) })
}

// Network is a set of nodes and the links between them.
type Network struct {
	ctx    context.Context
	cancel context.CancelFunc
	queue  int

	mu     sync.RWMutex
	nodes  map[network.NodeID]*Endpoint
	pipes  map[linkKey]*pipe
	closed bool
	wg     sync.WaitGroup
}

func New() *Network {
	return NewWithQueue(defaultQueue)
}

// NewWithQueue sets the per-link frame buffer.
func NewWithQueue(queue int) *Network {
	if queue <= 0 {
		queue = defaultQueue
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Network{
		ctx:    ctx,
		cancel: cancel,
		queue:  queue,
		nodes:  make(map[network.NodeID]*Endpoint),
		pipes:  make(map[linkKey]*pipe),
	}
}

// Endpoint is one node's attachment; it implements relay.Transport.
type Endpoint struct {
	net     *Network
	id      network.NodeID
	handler Handler
	onLink  LinkHandler
}

// Attach adds a node. handler may be replaced later with SetHandler.
func (n *Network) Attach(id network.NodeID, handler Handler) (*Endpoint, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	if _, ok := n.nodes[id]; ok {
		return nil, fmt.Errorf("loopback: node %s already attached", id)
	}
	ep := &Endpoint{net: n, id: id, handler: handler}
	n.nodes[id] = ep
	return ep, nil
}

func (e *Endpoint) ID() network.NodeID {
	return e.id
}

// SetHandler replaces the frame handler. Call before links are made.
func (e *Endpoint) SetHandler(h Handler) {
	e.net.mu.Lock()
	e.handler = h
	e.net.mu.Unlock()
}

// OnLink installs fn. Call before links are made.
func (e *Endpoint) OnLink(fn LinkHandler) {
	e.net.mu.Lock()
	e.onLink = fn
	e.net.mu.Unlock()
}

// Link connects a and b in both directions.
func (n *Network) Link(a, b network.NodeID) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	epA, okA := n.nodes[a]
	epB, okB := n.nodes[b]
	if !okA || !okB {
		n.mu.Unlock()
		return fmt.Errorf("%w: %s<->%s", ErrUnknownNode, a, b)
	}
	n.openLocked(epA, epB)
	n.openLocked(epB, epA)
	n.mu.Unlock()

	notify(epA, b, true)
	notify(epB, a, true)
	return nil
}

func (n *Network) openLocked(from, to *Endpoint) {
	key := linkKey{from.id, to.id}
	if _, ok := n.pipes[key]; ok {
		return
	}
	p := &pipe{frames: make(chan []byte, n.queue), done: make(chan struct{})}
	n.pipes[key] = p
	n.wg.Add(1)
	go n.deliver(key, p, to)
}

func (n *Network) deliver(key linkKey, p *pipe, to *Endpoint) {
	defer n.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case <-n.ctx.Done():
			return
		case frame := <-p.frames:
			n.mu.RLock()
			h := to.handler
			n.mu.RUnlock()
			if h == nil {
				continue
			}
			h(n.ctx, key.from, frame)
		}
	}
}

// Unlink removes both directions between a and b. Queued frames are dropped.
func (n *Network) Unlink(a, b network.NodeID) {
	n.mu.Lock()
	var closed bool
	for _, key := range []linkKey{{a, b}, {b, a}} {
		if p, ok := n.pipes[key]; ok {
			p.stop()
			delete(n.pipes, key)
			closed = true
		}
	}
	epA, epB := n.nodes[a], n.nodes[b]
	n.mu.Unlock()
	if closed {
		notify(epA, b, false)
		notify(epB, a, false)
	}
}

func notify(ep *Endpoint, peer network.NodeID, up bool) {
	if ep == nil {
		return
	}
	ep.net.mu.RLock()
	fn := ep.onLink
	ep.net.mu.RUnlock()
	if fn != nil {
		fn(peer, up)
	}
}

// Transmit queues frame on the link to next without blocking.
func (e *Endpoint) Transmit(ctx context.Context, next network.NodeID, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := e.net
	key := linkKey{e.id, next}
	n.mu.RLock()
	closed := n.closed
	p, ok := n.pipes[key]
	n.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s->%s", ErrNoLink, e.id, next)
	}
	select {
	case p.frames <- append([]byte(nil), frame...):
		return nil
	case <-p.done:
		return fmt.Errorf("%w: %s->%s", ErrNoLink, e.id, next)
	default:
		logs.Warnf("loopback.Transmit queue full from=%s to=%s", e.id, next)
		return fmt.Errorf("%w: %s->%s", ErrQueueFull, e.id, next)
	}
}

// Peers lists the nodes e has a link to.
func (e *Endpoint) Peers() []network.NodeID {
	e.net.mu.RLock()
	defer e.net.mu.RUnlock()
	var out []network.NodeID
	for key := range e.net.pipes {
		if key.from == e.id {
			out = append(out, key.to)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close stops every link and waits for in-flight deliveries.
func (n *Network) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	for key, p := range n.pipes {
		p.stop()
		delete(n.pipes, key)
	}
	n.mu.Unlock()
	n.cancel()
	n.wg.Wait()
}
