package node

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/danmuck/evmesh/internal/config"
	logs "github.com/danmuck/evmesh/internal/logging"
	"github.com/danmuck/evmesh/internal/messages"
	"github.com/danmuck/evmesh/internal/network"
	"github.com/danmuck/evmesh/internal/observability"
	"github.com/danmuck/evmesh/internal/protocol"
	"github.com/danmuck/evmesh/internal/protocol/session"
	"github.com/danmuck/evmesh/internal/relay"
	"github.com/danmuck/evmesh/internal/signature"
	"github.com/danmuck/evmesh/internal/transport/loopback"
	"github.com/danmuck/evmesh/internal/transport/ws"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type Node interface {
	NodeID() string
	Kind() string
	HTTPRouter() *gin.Engine
}

// Link carries frames to direct neighbours.
type Link interface {
	relay.Transport
	Peers() []network.NodeID
}

// NetworkingNode composes the relay adapters of one node over a Link.
type NetworkingNode struct {
	cfg     config.NodeConfig
	started time.Time
	logger  zerolog.Logger

	registry  *relay.Registry
	policy    *signature.Policy
	pending   *session.PendingTable
	routes    *network.RoutingTable
	events    *relay.Events
	inbound   *relay.Inbound
	outbound  *relay.Outbound
	forwarder *relay.Forwarder

	mu     sync.RWMutex
	link   Link
	router *gin.Engine
}

var _ Node = (*NetworkingNode)(nil)
var _ observability.NodeStatus = (*NetworkingNode)(nil)

func New(cfg config.NodeConfig) (*NetworkingNode, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", cfg.ID, err)
	}
	n := &NetworkingNode{
		cfg:      cfg,
		started:  time.Now(),
		logger:   observability.InitLogger(cfg.ID.String()),
		registry: relay.NewRegistry(),
		policy:   policy,
		pending:  session.NewPendingTable(),
		routes:   cfg.RoutingTable(),
		events:   relay.NewEvents(),
	}
	for _, f := range cfg.CommonFilters() {
		n.registry.AddCommonFilter(f)
	}
	if err := observability.SubscribeMetrics(n.events); err != nil {
		return nil, err
	}
	if err := observability.SubscribeLogger(n.events, n.logger); err != nil {
		return nil, err
	}

	opts := relay.Options{
		Self:      cfg.ID,
		Codec:     protocol.NewCodec(cfg.CodecConfig()),
		Registry:  n.registry,
		Policy:    policy,
		Pending:   n.pending,
		Routes:    n.routes,
		Transport: relay.TransportFunc(n.transmit),
		Events:    n.events,
	}
	n.forwarder = relay.NewForwarder(opts, cfg.Forwarder)
	n.inbound = relay.NewInbound(opts, n.forwarder)
	n.outbound = relay.NewOutbound(opts, cfg.OutboundConfig())
	logs.Infof("node.New id=%s role=%s format=%s default_decision=%s", cfg.ID, cfg.Role, cfg.Format, cfg.Forwarder.DefaultDecision)
	return n, nil
}

func (n *NetworkingNode) NodeID() string { return n.cfg.ID.String() }
func (n *NetworkingNode) Kind() string   { return string(n.cfg.Role) }

func (n *NetworkingNode) ID() network.NodeID            { return n.cfg.ID }
func (n *NetworkingNode) Config() config.NodeConfig     { return n.cfg }
func (n *NetworkingNode) Started() time.Time            { return n.started }
func (n *NetworkingNode) Registry() *relay.Registry     { return n.registry }
func (n *NetworkingNode) Policy() *signature.Policy     { return n.policy }
func (n *NetworkingNode) Events() *relay.Events         { return n.events }
func (n *NetworkingNode) Routes() *network.RoutingTable { return n.routes }
func (n *NetworkingNode) Outbound() *relay.Outbound     { return n.outbound }
func (n *NetworkingNode) Actions() []string             { return n.registry.Actions() }
func (n *NetworkingNode) SubscriberFailures() uint64    { return n.events.Failures() }

func (n *NetworkingNode) PendingRequests() []session.PendingRequest {
	return n.pending.Snapshot()
}

// RegisterMessages installs the sample message handlers.
func (n *NetworkingNode) RegisterMessages(h messages.Handlers) error {
	return messages.Register(n.registry, h)
}

// Attach makes link the node's transport. Neighbours are added as the link
// reports them through LinkChanged.
func (n *NetworkingNode) Attach(link Link) {
	n.mu.Lock()
	n.link = link
	n.mu.Unlock()
}

// AttachLoopback joins net as this node's endpoint.
func (n *NetworkingNode) AttachLoopback(net *loopback.Network) (*loopback.Endpoint, error) {
	ep, err := net.Attach(n.cfg.ID, n.HandleFrame)
	if err != nil {
		return nil, err
	}
	ep.OnLink(n.LinkChanged)
	n.Attach(ep)
	return ep, nil
}

// NewHub builds and attaches a websocket hub from the node config.
func (n *NetworkingNode) NewHub() *ws.Hub {
	hub := ws.NewHub(n.cfg.ID, ws.Config{
		Prefix:    n.cfg.Prefix,
		Session:   n.cfg.Session,
		Secret:    n.cfg.Secret,
		Validator: n.cfg.Validator(),
	}, n.HandleFrame)
	hub.OnLink(n.LinkChanged)
	n.Attach(hub)
	return hub
}

func (n *NetworkingNode) currentLink() Link {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.link
}

func (n *NetworkingNode) transmit(ctx context.Context, next network.NodeID, frame []byte) error {
	link := n.currentLink()
	if link == nil {
		return relay.ErrNoTransport
	}
	return link.Transmit(ctx, next, frame)
}

func (n *NetworkingNode) Peers() []network.NodeID {
	link := n.currentLink()
	if link == nil {
		return nil
	}
	return link.Peers()
}

// HandleFrame is the frame handler for every link of this node.
func (n *NetworkingNode) HandleFrame(ctx context.Context, from network.NodeID, raw []byte) {
	receipt := n.inbound.Receive(ctx, from, raw)
	if receipt.Err != nil {
		logs.Warnf("node.HandleFrame node=%s from=%s disposition=%s request_id=%q err=%v",
			n.cfg.ID, from, receipt.Disposition, receipt.Envelope.RequestID, receipt.Err)
		return
	}
	logs.Tracef("node.HandleFrame node=%s from=%s disposition=%s request_id=%q",
		n.cfg.ID, from, receipt.Disposition, receipt.Envelope.RequestID)
}

// LinkChanged tracks neighbours. A lost link fails the requests whose every
// next hop was that peer.
func (n *NetworkingNode) LinkChanged(peer network.NodeID, up bool) {
	if up {
		n.routes.AddNeighbour(peer)
		logs.Infof("node.LinkChanged node=%s peer=%s up=true", n.cfg.ID, peer)
		return
	}
	n.routes.RemoveNeighbour(peer)
	failed := 0
	for _, p := range n.pending.Snapshot() {
		if onlyVia(p.NextHops, peer) && n.pending.Fail(p.RequestID, fmt.Errorf("%w: link to %s lost", relay.ErrTransport, peer)) {
			failed++
		}
	}
	logs.Infof("node.LinkChanged node=%s peer=%s up=false failed_requests=%d", n.cfg.ID, peer, failed)
}

func onlyVia(hops []network.NodeID, peer network.NodeID) bool {
	if len(hops) == 0 {
		return false
	}
	for _, h := range hops {
		if h != peer {
			return false
		}
	}
	return true
}

// NewRequest starts a request in the node's configured format.
func (n *NetworkingNode) NewRequest(action string, payload any) relay.Request {
	return relay.Request{Action: action, Payload: payload, Format: n.cfg.Format}
}

// Send issues req and records its completion.
func (n *NetworkingNode) Send(ctx context.Context, req relay.Request) relay.Result {
	res := n.outbound.Send(ctx, req)
	observability.RecordRequest(n.NodeID(), req.Action, res.Outcome.String(), res.Elapsed)
	return res
}

// HTTPRouter returns the admin routes, built on first use.
func (n *NetworkingNode) HTTPRouter() *gin.Engine {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.router == nil {
		n.router = observability.NewAdminRouter(n, n.logger)
	}
	return n.router
}

// Close fails every in-flight request and closes the link.
func (n *NetworkingNode) Close() error {
	for _, p := range n.pending.Snapshot() {
		n.pending.Fail(p.RequestID, ErrClosed)
	}
	link := n.currentLink()
	if closer, ok := link.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
