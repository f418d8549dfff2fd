package node

import (
	"context"
	"errors"
	"fmt"
	"net"

	logs "github.com/danmuck/evmesh/internal/logging"
	"github.com/danmuck/evmesh/internal/observability"
	"github.com/danmuck/evmesh/internal/protocol/session"
	"github.com/danmuck/evmesh/internal/transport/ws"
	"github.com/gin-gonic/gin"
)

// Run serves the websocket listener and admin routes, dials the configured
// peers and blocks until ctx is done or a server fails.
func (n *NetworkingNode) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub := n.NewHub()
	errCh := make(chan error, 2)
	servers := 0

	if n.cfg.ListenAddr != "" {
		ln, err := net.Listen("tcp", n.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("node %s listen %s: %w", n.cfg.ID, n.cfg.ListenAddr, err)
		}
		router := gin.New()
		router.Use(gin.Recovery(), observability.RequestLogger(n.logger))
		hub.Mount(router)
		servers++
		go func() { errCh <- ws.Serve(ctx, ln, router, n.cfg.Session) }()
	}

	if n.cfg.AdminAddr != "" {
		ln, err := net.Listen("tcp", n.cfg.AdminAddr)
		if err != nil {
			cancel()
			return errors.Join(fmt.Errorf("node %s admin listen %s: %w", n.cfg.ID, n.cfg.AdminAddr, err), drain(errCh, servers))
		}
		admin := n.cfg.Session
		admin.TLS = session.TLSConfig{}
		servers++
		go func() { errCh <- ws.Serve(ctx, ln, n.HTTPRouter(), admin) }()
	}

	for _, peer := range n.cfg.Peers {
		if err := hub.Dial(ctx, peer.URL, peer.ID); err != nil {
			cancel()
			return errors.Join(fmt.Errorf("node %s dial %s: %w", n.cfg.ID, peer.ID, err), drain(errCh, servers), n.Close())
		}
		logs.Infof("node.Run dialed node=%s peer=%s url=%s", n.cfg.ID, peer.ID, peer.URL)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		servers--
	}
	cancel()
	return errors.Join(runErr, drain(errCh, servers), n.Close())
}

func drain(errCh <-chan error, running int) error {
	var errs []error
	for i := 0; i < running; i++ {
		errs = append(errs, <-errCh)
	}
	return errors.Join(errs...)
}
