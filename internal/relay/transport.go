package relay

import (
	"context"
	"errors"

	"github.com/danmuck/evmesh/internal/network"
	"github.com/danmuck/evmesh/internal/protocol"
	"github.com/danmuck/evmesh/internal/protocol/session"
	"github.com/danmuck/evmesh/internal/signature"
)

var ErrNoTransport = errors.New("relay: no transport configured")

// Transport carries encoded frames to a directly connected node.
type Transport interface {
	Transmit(ctx context.Context, next network.NodeID, frame []byte) error
}

type TransportFunc func(ctx context.Context, next network.NodeID, frame []byte) error

func (f TransportFunc) Transmit(ctx context.Context, next network.NodeID, frame []byte) error {
	return f(ctx, next, frame)
}

// Options are the collaborators shared by the three adapters of one node.
type Options struct {
	Self      network.NodeID
	Codec     *protocol.Codec
	Registry  *Registry
	Policy    *signature.Policy
	Pending   *session.PendingTable
	Routes    *network.RoutingTable
	Transport Transport
	Events    *Events
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = protocol.NewCodec(protocol.DefaultCodecConfig())
	}
	if o.Registry == nil {
		o.Registry = NewRegistry()
	}
	if o.Pending == nil {
		o.Pending = session.NewPendingTable()
	}
	if o.Routes == nil {
		o.Routes = network.NewRoutingTable()
	}
	if o.Transport == nil {
		o.Transport = TransportFunc(func(context.Context, network.NodeID, []byte) error {
			return ErrNoTransport
		})
	}
	return o
}

func (o Options) transmit(ctx context.Context, hops []network.NodeID, frame []byte) ([]network.NodeID, error) {
	sent := make([]network.NodeID, 0, len(hops))
	var errs []error
	for _, hop := range hops {
		if err := o.Transport.Transmit(ctx, hop, frame); err != nil {
			errs = append(errs, err)
			continue
		}
		sent = append(sent, hop)
	}
	return sent, errors.Join(errs...)
}
