package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	logs "github.com/danmuck/evmesh/internal/logging"
	"github.com/danmuck/evmesh/internal/protocol/session"
)

// Serve runs handler on ln until ctx is done, with TLS when sess enables it.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler, sess session.Config) error {
	sess = sess.WithDefaults()
	tlsCfg, err := sess.ServerTLS()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: sess.HandshakeTimeout,
	}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logs.Warnf("ws.Serve shutdown addr=%s err=%v", ln.Addr(), err)
		}
	}()

	logs.Infof("ws.Serve listening addr=%s tls=%t", ln.Addr(), tlsCfg != nil)
	if tlsCfg != nil {
		err = srv.ServeTLS(ln, "", "")
	} else {
		err = srv.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		<-stopped
		return nil
	}
	return err
}
