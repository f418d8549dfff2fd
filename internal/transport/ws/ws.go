// Package ws carries frames between networking nodes over WebSocket links.
// One link per peer; each link has a single reader goroutine so frames of one
// link are delivered in order.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/evmesh/internal/auth"
	logs "github.com/danmuck/evmesh/internal/logging"
	"github.com/danmuck/evmesh/internal/network"
	"github.com/danmuck/evmesh/internal/protocol"
	"github.com/danmuck/evmesh/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	Subprotocol   = "ocpp2.1"
	DefaultPrefix = "/ocpp"
)

var (
	ErrNoLink       = errors.New("ws: no link to peer")
	ErrClosed       = errors.New("ws: hub closed")
	ErrSubprotocol  = errors.New("ws: subprotocol not negotiated")
	ErrInvalidRoute = errors.New("ws: invalid upgrade path")
)

// FrameHandler receives every frame read from a link.
type FrameHandler func(ctx context.Context, from network.NodeID, raw []byte)

// LinkHandler observes links coming up and going down.
type LinkHandler func(peer network.NodeID, up bool)

type Config struct {
	Prefix  string
	Session session.Config
	// Secret is presented as basic auth when dialing.
	Secret string
	// Validator checks basic auth on upgrade; nil accepts every node.
	Validator auth.Validator
}

func DefaultConfig() Config {
	return Config{Prefix: DefaultPrefix, Session: session.DefaultConfig()}
}

func (c Config) WithDefaults() Config {
	c.Prefix = "/" + strings.Trim(strings.TrimSpace(c.Prefix), "/")
	if c.Prefix == "/" {
		c.Prefix = DefaultPrefix
	}
	c.Session = c.Session.WithDefaults()
	return c
}

// Hub owns the WebSocket links of one node and implements relay.Transport.
type Hub struct {
	self     network.NodeID
	cfg      Config
	onFrame  FrameHandler
	onLink   LinkHandler
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	links  map[network.NodeID]*link
	closed bool
	wg     sync.WaitGroup
}

func NewHub(self network.NodeID, cfg Config, onFrame FrameHandler) *Hub {
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		self:    self,
		cfg:     cfg,
		onFrame: onFrame,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.Session.HandshakeTimeout,
			Subprotocols:     []string{Subprotocol},
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		links:  make(map[network.NodeID]*link),
	}
}

// OnLink installs fn; it must be set before links are opened.
func (h *Hub) OnLink(fn LinkHandler) {
	h.onLink = fn
}

// Mount registers the upgrade route on r.
func (h *Hub) Mount(r gin.IRouter) {
	r.GET(h.cfg.Prefix+"/:nodeID", h.HandleUpgrade)
}

// HandleUpgrade accepts a peer at /{prefix}/{nodeID}.
func (h *Hub) HandleUpgrade(c *gin.Context) {
	peer, err := network.ParseNodeID(c.Param("nodeID"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%v: %v", ErrInvalidRoute, err)})
		return
	}
	if err := auth.CheckRequest(h.cfg.Validator, c.Request, peer.String()); err != nil {
		logs.Warnf("ws.Hub.HandleUpgrade unauthorized node=%s peer=%s remote=%s", h.self, peer, c.ClientIP())
		c.Header("WWW-Authenticate", `Basic realm="evmesh"`)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logs.Warnf("ws.Hub.HandleUpgrade upgrade failed node=%s peer=%s err=%v", h.self, peer, err)
		return
	}
	if conn.Subprotocol() != Subprotocol {
		logs.Warnf("ws.Hub.HandleUpgrade rejecting peer=%s subprotocol=%q", peer, conn.Subprotocol())
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseProtocolError, ErrSubprotocol.Error()),
			time.Now().Add(h.cfg.Session.WriteTimeout))
		_ = conn.Close()
		return
	}
	if err := h.attach(peer, conn); err != nil {
		_ = conn.Close()
	}
}

// Dial connects to a peer's endpoint, e.g. ws://host:port/ocpp, as self.
func (h *Hub) Dial(ctx context.Context, endpoint string, peer network.NodeID) error {
	if err := peer.Validate(); err != nil {
		return err
	}
	u, err := url.Parse(strings.TrimRight(endpoint, "/") + "/" + url.PathEscape(h.self.String()))
	if err != nil {
		return fmt.Errorf("ws: endpoint %q: %w", endpoint, err)
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: h.cfg.Session.HandshakeTimeout,
		Subprotocols:     []string{Subprotocol},
	}
	tlsCfg, err := h.cfg.Session.ClientTLS()
	if err != nil {
		return err
	}
	if tlsCfg != nil && u.Scheme != "wss" {
		return fmt.Errorf("%w: tls enabled for %s endpoint", session.ErrTLSRequired, u.Scheme)
	}
	dialer.TLSClientConfig = tlsCfg
	header := http.Header{}
	auth.SetBasic(header, h.self.String(), h.cfg.Secret)

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("ws: dial %s: %w (status %d)", u, err, resp.StatusCode)
		}
		return fmt.Errorf("ws: dial %s: %w", u, err)
	}
	if conn.Subprotocol() != Subprotocol {
		_ = conn.Close()
		return fmt.Errorf("%w: got %q", ErrSubprotocol, conn.Subprotocol())
	}
	return h.attach(peer, conn)
}

// Transmit writes frame to the link of next. Text frames go as text messages
// and binary frames as binary messages.
func (h *Hub) Transmit(ctx context.Context, next network.NodeID, frame []byte) error {
	h.mu.RLock()
	l, ok := h.links[next]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoLink, next)
	}
	kind := websocket.BinaryMessage
	if f, err := protocol.Detect(frame); err == nil && f == protocol.FormatText {
		kind = websocket.TextMessage
	}
	return l.write(ctx, kind, frame, h.cfg.Session.WriteTimeout)
}

// Peers lists connected peers sorted by id.
func (h *Hub) Peers() []network.NodeID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]network.NodeID, 0, len(h.links))
	for id := range h.links {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Disconnect closes the link to peer, if any.
func (h *Hub) Disconnect(peer network.NodeID) {
	h.mu.RLock()
	l, ok := h.links[peer]
	h.mu.RUnlock()
	if ok {
		l.close(websocket.CloseNormalClosure, "disconnect")
	}
}

// Close shuts every link and waits for their goroutines.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	links := make([]*link, 0, len(h.links))
	for _, l := range h.links {
		links = append(links, l)
	}
	h.mu.Unlock()

	h.cancel()
	for _, l := range links {
		l.close(websocket.CloseGoingAway, "shutdown")
	}
	h.wg.Wait()
	return nil
}

func (h *Hub) attach(peer network.NodeID, conn *websocket.Conn) error {
	l := newLink(peer, conn)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	old := h.links[peer]
	h.links[peer] = l
	h.mu.Unlock()
	if old != nil {
		logs.Infof("ws.Hub.attach replacing link node=%s peer=%s", h.self, peer)
		old.close(websocket.ClosePolicyViolation, "replaced")
	}

	conn.SetReadLimit(h.cfg.Session.ReadLimitBytes)
	h.wg.Add(2)
	go h.readLoop(l)
	go h.pingLoop(l)
	logs.Infof("ws.Hub link up node=%s peer=%s remote=%s", h.self, peer, conn.RemoteAddr())
	if h.onLink != nil {
		h.onLink(peer, true)
	}
	return nil
}

func (h *Hub) detach(l *link) {
	h.mu.Lock()
	current := h.links[l.peer] == l
	if current {
		delete(h.links, l.peer)
	}
	h.mu.Unlock()
	if current {
		logs.Infof("ws.Hub link down node=%s peer=%s", h.self, l.peer)
		if h.onLink != nil {
			h.onLink(l.peer, false)
		}
	}
}

func (h *Hub) readLoop(l *link) {
	defer h.wg.Done()
	defer h.detach(l)
	defer l.close(websocket.CloseNormalClosure, "")

	idle := 2 * h.cfg.Session.PingInterval
	_ = l.conn.SetReadDeadline(time.Now().Add(idle))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(idle))
	})
	for {
		kind, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logs.Warnf("ws.Hub.readLoop node=%s peer=%s err=%v", h.self, l.peer, err)
			}
			return
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(idle))
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if h.onFrame != nil {
			h.onFrame(h.ctx, l.peer, data)
		}
	}
}

func (h *Hub) pingLoop(l *link) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.Session.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(h.cfg.Session.WriteTimeout)
			if err := l.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logs.Debugf("ws.Hub.pingLoop node=%s peer=%s err=%v", h.self, l.peer, err)
				l.close(websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}

type link struct {
	peer    network.NodeID
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func newLink(peer network.NodeID, conn *websocket.Conn) *link {
	return &link{peer: peer, conn: conn, done: make(chan struct{})}
}

func (l *link) write(ctx context.Context, kind int, frame []byte, timeout time.Duration) error {
	select {
	case <-l.done:
		return fmt.Errorf("%w: %s", ErrNoLink, l.peer)
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return l.conn.WriteMessage(kind, frame)
}

func (l *link) close(code int, reason string) {
	l.once.Do(func() {
		close(l.done)
		_ = l.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		_ = l.conn.Close()
	})
}
