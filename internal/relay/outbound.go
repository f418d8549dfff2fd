package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	logs "github.com/danmuck/evmesh/internal/logging"
	"github.com/danmuck/evmesh/internal/network"
	"github.com/danmuck/evmesh/internal/protocol"
	"github.com/danmuck/evmesh/internal/protocol/session"
	"github.com/danmuck/evmesh/internal/signature"
)

var (
	ErrSignatureInvalid  = errors.New("relay: signature verification failed")
	ErrMalformedResponse = errors.New("relay: malformed response")
	ErrTransport         = errors.New("relay: transport failure")
)

// Outcome classifies how a Send completed.
type Outcome uint8

const (
	OutcomeResponse Outcome = iota
	OutcomeCallError
	OutcomeSignatureError
	OutcomeTimeout
	OutcomeTransportError
	OutcomeCanceled
	OutcomeEncodingError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeResponse:
		return "Response"
	case OutcomeCallError:
		return "CallError"
	case OutcomeSignatureError:
		return "SignatureError"
	case OutcomeTimeout:
		return "Timeout"
	case OutcomeTransportError:
		return "TransportError"
	case OutcomeCanceled:
		return "Canceled"
	case OutcomeEncodingError:
		return "EncodingError"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

// Request is one Call to issue.
type Request struct {
	Action string
	// Payload is a json.RawMessage, []byte of JSON, or any value json.Marshal accepts.
	Payload   any
	RequestID string
	// Destination defaults to the configured destination.
	Destination     network.SourceRouting
	Format          protocol.Format
	Timeout         time.Duration
	EventTrackingID string
	// NextHop bypasses the routing table.
	NextHop network.NodeID
}

// Result is the single completion of a Send.
type Result struct {
	Outcome   Outcome
	RequestID string
	// Response is the correlated envelope for Response, CallError and
	// response-side SignatureError outcomes.
	Response         protocol.Envelope
	ErrorCode        protocol.ErrorCode
	ErrorDescription string
	Err              error
	Elapsed          time.Duration
}

func (r Result) OK() bool {
	return r.Outcome == OutcomeResponse
}

// OutboundConfig sets addressing defaults for issued Calls.
type OutboundConfig struct {
	DefaultTimeout     time.Duration
	DefaultDestination network.NodeID
	// Overlay attaches routing to text frames too. Binary frames always
	// carry routing.
	Overlay bool
}

func DefaultOutboundConfig() OutboundConfig {
	return OutboundConfig{
		DefaultTimeout:     session.DefaultConfig().RequestTimeout,
		DefaultDestination: network.RootCSMS,
	}
}

func (c OutboundConfig) WithDefaults() OutboundConfig {
	def := DefaultOutboundConfig()
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.DefaultDestination.IsZero() {
		c.DefaultDestination = def.DefaultDestination
	}
	return c
}

// Outbound issues Calls and waits for their correlated completion.
type Outbound struct {
	opts Options
	cfg  OutboundConfig
}

func NewOutbound(opts Options, cfg OutboundConfig) *Outbound {
	return &Outbound{opts: opts.withDefaults(), cfg: cfg.WithDefaults()}
}

// Pending exposes the table Inbound correlates against.
func (o *Outbound) Pending() *session.PendingTable {
	return o.opts.Pending
}

// Send signs, encodes and transmits req, then blocks until a correlated
// response, timeout or ctx cancellation. Exactly one Result is returned.
func (o *Outbound) Send(ctx context.Context, req Request) Result {
	started := time.Now()
	res := o.send(ctx, req)
	res.Elapsed = time.Since(started)
	if res.Err != nil {
		logs.Debugf("relay.Outbound.Send action=%q request_id=%q outcome=%s err=%v", req.Action, res.RequestID, res.Outcome, res.Err)
	} else {
		logs.Tracef("relay.Outbound.Send action=%q request_id=%q outcome=%s elapsed=%s", req.Action, res.RequestID, res.Outcome, res.Elapsed)
	}
	return res
}

func (o *Outbound) send(ctx context.Context, req Request) Result {
	if req.RequestID == "" {
		req.RequestID = session.NewRequestID()
	}
	res := Result{RequestID: req.RequestID}
	if req.Action == "" {
		res.Outcome, res.Err = OutcomeEncodingError, ErrEmptyAction
		return res
	}
	payload, err := marshalPayload(req.Payload)
	if err != nil {
		res.Outcome, res.Err = OutcomeEncodingError, err
		return res
	}
	signed, err := o.opts.Policy.Sign(signature.Message{
		Action:    req.Action,
		Direction: signature.DirectionRequest,
		RequestID: req.RequestID,
		Payload:   payload,
	})
	if err != nil {
		res.Outcome, res.ErrorCode, res.Err = OutcomeSignatureError, protocol.CodeSignatureError, err
		return res
	}

	env := protocol.NewCall(req.RequestID, req.Action, signed)
	env.Format = req.Format
	dest := req.Destination
	if dest.IsZero() {
		dest = network.To(o.cfg.DefaultDestination)
	}
	if o.cfg.Overlay || req.Format.Binary() {
		env.Destination = dest
		env.Path = network.NewPath(o.opts.Self)
		env.EventTrackingID = req.EventTrackingID
	}
	frame, err := o.opts.Codec.Encode(env)
	if err != nil {
		res.Outcome, res.Err = OutcomeEncodingError, err
		return res
	}

	hops, err := o.nextHops(req, dest)
	if err != nil {
		res.Outcome, res.ErrorCode, res.Err = OutcomeTransportError, protocol.CodeTransportError, err
		return res
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultTimeout
	}
	pending, err := o.opts.Pending.Register(session.PendingRequest{
		RequestID:   req.RequestID,
		Action:      req.Action,
		Format:      req.Format,
		Destination: dest,
		NextHops:    hops,
		Timeout:     timeout,
	})
	if err != nil {
		res.Outcome, res.Err = OutcomeEncodingError, err
		return res
	}

	sent, err := o.opts.transmit(ctx, hops, frame)
	if len(sent) == 0 {
		pending.Cancel()
		res.Outcome, res.ErrorCode = OutcomeTransportError, protocol.CodeTransportError
		res.Err = fmt.Errorf("%w: %v", ErrTransport, err)
		return res
	}
	if err != nil {
		logs.Warnf("relay.Outbound.Send partial transmit request_id=%q sent=%d hops=%d err=%v", req.RequestID, len(sent), len(hops), err)
	}
	for _, hop := range sent {
		o.opts.Events.Publish(Event{
			Type:      EventRequestSent,
			Node:      o.opts.Self,
			Peer:      hop,
			Action:    req.Action,
			RequestID: req.RequestID,
			Envelope:  env,
		})
	}

	return completionResult(res, pending.Wait(ctx))
}

func (o *Outbound) nextHops(req Request, dest network.SourceRouting) ([]network.NodeID, error) {
	if !req.NextHop.IsZero() {
		return []network.NodeID{req.NextHop}, nil
	}
	targets := dest.Targets(network.NewPath(o.opts.Self), o.opts.Routes.Neighbours())
	byHop, unroutable := o.opts.Routes.Resolve(targets)
	if len(byHop) == 0 {
		return nil, fmt.Errorf("%w: %s", network.ErrNoRoute, dest)
	}
	if len(unroutable) > 0 {
		logs.Warnf("relay.Outbound.nextHops unroutable request_id=%q targets=%v", req.RequestID, unroutable)
	}
	return sortedHops(byHop), nil
}

func completionResult(res Result, c session.Completion) Result {
	switch {
	case errors.Is(c.Err, session.ErrTimeout):
		res.Outcome, res.ErrorCode, res.Err = OutcomeTimeout, protocol.CodeTimeout, c.Err
	case errors.Is(c.Err, session.ErrCanceled):
		res.Outcome, res.Err = OutcomeCanceled, c.Err
	case errors.Is(c.Err, ErrMalformedResponse):
		res.Outcome, res.ErrorCode, res.Err = OutcomeCallError, protocol.CodeFormationViolation, c.Err
		res.Response = c.Envelope
		res.ErrorDescription = c.Envelope.ErrorDescription
	case errors.Is(c.Err, ErrSignatureInvalid):
		res.Outcome, res.ErrorCode, res.Err = OutcomeSignatureError, protocol.CodeSignatureError, c.Err
		res.Response = c.Envelope
	case c.Err != nil:
		res.Outcome, res.ErrorCode, res.Err = OutcomeTransportError, protocol.CodeTransportError, c.Err
		res.Response = c.Envelope
	case c.Envelope.Kind.IsError():
		res.Outcome = OutcomeCallError
		res.Response = c.Envelope
		res.ErrorCode = c.Envelope.ErrorCode
		res.ErrorDescription = c.Envelope.ErrorDescription
	default:
		res.Outcome = OutcomeResponse
		res.Response = c.Envelope
	}
	return res
}

// Call sends req and decodes a successful response payload into T.
func Call[T any](ctx context.Context, out *Outbound, req Request) (T, Result) {
	var v T
	res := out.Send(ctx, req)
	if !res.OK() {
		return v, res
	}
	if err := json.Unmarshal(res.Response.Payload, &v); err != nil {
		res.Outcome = OutcomeEncodingError
		res.ErrorCode = protocol.CodeCouldNotParse
		res.Err = err
	}
	return v, res
}

func marshalPayload(p any) (json.RawMessage, error) {
	switch v := p.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}
