package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	logs "github.com/danmuck/evmesh/internal/logging"
	"github.com/danmuck/evmesh/internal/network"
	"github.com/danmuck/evmesh/internal/protocol"
	"github.com/danmuck/evmesh/internal/signature"
)

// ForwardOutcome is a router's choice for a transiting Call.
type ForwardOutcome uint8

const (
	DecisionNone ForwardOutcome = iota
	DecisionForward
	DecisionReject
	DecisionReplace
)

func (o ForwardOutcome) String() string {
	switch o {
	case DecisionForward:
		return "FORWARD"
	case DecisionReject:
		return "REJECT"
	case DecisionReplace:
		return "REPLACE"
	default:
		return "NONE"
	}
}

// ForwardingDecision is built per transiting Call and never stored.
type ForwardingDecision struct {
	Outcome ForwardOutcome
	From    network.NodeID
	Request protocol.Envelope

	// RewrittenPayload replaces the request payload on REPLACE.
	RewrittenPayload json.RawMessage
	// Response is returned to the sender on REJECT. When nil one is
	// synthesized from ErrorCode, or as a "Rejected" status result.
	Response         *protocol.Envelope
	ErrorCode        protocol.ErrorCode
	ErrorDescription string

	// Forwarded is the envelope handed to the next hops.
	Forwarded *protocol.Envelope
	NextHops  []network.NodeID
	Frame     []byte
	// SentCallback runs once transmission of Frame completes.
	SentCallback func(sent []network.NodeID, err error)
}

func Forward() *ForwardingDecision {
	return &ForwardingDecision{Outcome: DecisionForward}
}

// Reject answers the sender without forwarding. An empty code yields a
// {"status":"Rejected"} result.
func Reject(code protocol.ErrorCode, description string) *ForwardingDecision {
	return &ForwardingDecision{Outcome: DecisionReject, ErrorCode: code, ErrorDescription: description}
}

// RejectWith answers the sender with a result payload.
func RejectWith(payload json.RawMessage) *ForwardingDecision {
	resp := protocol.NewResult("", payload)
	return &ForwardingDecision{Outcome: DecisionReject, Response: &resp}
}

// Replace forwards payload in place of the original. The payload is
// re-signed by this node.
func Replace(payload json.RawMessage) *ForwardingDecision {
	return &ForwardingDecision{Outcome: DecisionReplace, RewrittenPayload: payload}
}

// ForwarderConfig sets the decision used when no filter answers.
type ForwarderConfig struct {
	DefaultDecision ForwardOutcome
}

func DefaultForwarderConfig() ForwarderConfig {
	return ForwarderConfig{DefaultDecision: DecisionForward}
}

func (c ForwarderConfig) WithDefaults() ForwarderConfig {
	if c.DefaultDecision != DecisionForward && c.DefaultDecision != DecisionReject {
		c.DefaultDecision = DefaultForwarderConfig().DefaultDecision
	}
	return c
}

func ParseForwardOutcome(raw string) (ForwardOutcome, error) {
	switch raw {
	case "FORWARD", "forward":
		return DecisionForward, nil
	case "REJECT", "reject":
		return DecisionReject, nil
	case "REPLACE", "replace":
		return DecisionReplace, nil
	default:
		return DecisionNone, fmt.Errorf("relay: unknown forwarding decision %q", raw)
	}
}

var rejectedStatus = json.RawMessage(`{"status":"Rejected"}`)

// Forwarder decides, at a router, what happens to Calls not addressed to it
// and relays responses along their reverse path.
type Forwarder struct {
	opts Options
	cfg  ForwarderConfig
}

func NewForwarder(opts Options, cfg ForwarderConfig) *Forwarder {
	return &Forwarder{opts: opts.withDefaults(), cfg: cfg.WithDefaults()}
}

// ForwardOrReject parses env, runs the filter chain and prepares the frame
// for the resulting decision. Nothing is transmitted until Execute.
func (f *Forwarder) ForwardOrReject(ctx context.Context, from network.NodeID, env protocol.Envelope) ForwardingDecision {
	parser := Parser(OpaqueParser)
	if entry, ok := f.opts.Registry.Lookup(env.Action); ok {
		parser = entry.Parser
	}
	msg, err := parser(env.PayloadOrEmpty())
	if err != nil {
		return f.finish(from, env, *Reject(protocol.CodeCouldNotParse, err.Error()))
	}

	f.opts.Events.Publish(Event{
		Type:      EventRequestReceived,
		Node:      f.opts.Self,
		Peer:      from,
		Action:    env.Action,
		RequestID: env.RequestID,
		Envelope:  env,
	})

	req := ForwardRequest{Self: f.opts.Self, From: from, Envelope: env, Message: msg}
	var chosen *ForwardingDecision
	for i, filter := range f.opts.Registry.FilterChain(env.Action) {
		d, err := runFilter(ctx, filter, req)
		if err != nil {
			logs.Errf("relay.Forwarder filter failed node=%s action=%q request_id=%q index=%d err=%v", f.opts.Self, env.Action, env.RequestID, i, err)
			chosen = Reject(protocol.CodeInternalError, err.Error())
			break
		}
		if d != nil {
			chosen = d
			break
		}
	}
	if chosen == nil {
		chosen = &ForwardingDecision{Outcome: f.cfg.DefaultDecision}
	}
	return f.finish(from, env, *chosen)
}

func runFilter(ctx context.Context, filter Filter, req ForwardRequest) (d *ForwardingDecision, err error) {
	defer func() {
		if r := recover(); r != nil {
			d, err = nil, fmt.Errorf("filter panic: %v", r)
		}
	}()
	return filter(ctx, req), nil
}

func (f *Forwarder) finish(from network.NodeID, env protocol.Envelope, d ForwardingDecision) ForwardingDecision {
	d.From = from
	d.Request = env
	switch d.Outcome {
	case DecisionForward, DecisionReplace:
		f.prepareForward(&d)
	default:
		d.Outcome = DecisionReject
	}
	if d.Outcome == DecisionReject {
		f.prepareReject(&d)
	}
	f.opts.Events.Publish(Event{
		Type:      EventRequestFiltered,
		Node:      f.opts.Self,
		Peer:      from,
		Action:    env.Action,
		RequestID: env.RequestID,
		Envelope:  env,
		Decision:  d.Outcome,
		Outcome:   d.Outcome.String(),
	})
	logs.Debugf("relay.Forwarder decision node=%s from=%s action=%q request_id=%q decision=%s hops=%v",
		f.opts.Self, from, env.Action, env.RequestID, d.Outcome, d.NextHops)
	return d
}

func (f *Forwarder) prepareForward(d *ForwardingDecision) {
	env := d.Request
	fwd := env
	if d.Outcome == DecisionReplace {
		if d.RewrittenPayload == nil {
			logs.Warnf("relay.Forwarder REPLACE without payload node=%s request_id=%q, forwarding original", f.opts.Self, env.RequestID)
			d.Outcome = DecisionForward
		} else {
			stripped, err := signature.Strip(d.RewrittenPayload)
			if err != nil {
				f.rejectInternal(d, protocol.CodeCouldNotParse, err)
				return
			}
			signed, err := f.opts.Policy.Sign(signature.Message{
				Action:    env.Action,
				Direction: signature.DirectionRequest,
				RequestID: env.RequestID,
				Payload:   stripped,
			})
			if err != nil {
				f.rejectInternal(d, protocol.CodeSignatureError, err)
				return
			}
			fwd.Payload = signed
		}
	}

	if fwd.Destination.IsZero() {
		f.rejectInternal(d, protocol.CodeFormationViolation, errors.New("transiting request without destination"))
		return
	}
	fwd.Path = env.Path.Append(f.opts.Self)
	targets := fwd.Destination.Targets(fwd.Path, f.opts.Routes.Neighbours())
	byHop, unroutable := f.opts.Routes.Resolve(targets)
	for hop := range byHop {
		if fwd.Path.Contains(hop) {
			unroutable = append(unroutable, byHop[hop]...)
			delete(byHop, hop)
		}
	}
	if len(byHop) == 0 {
		f.rejectInternal(d, protocol.CodeTransportError, fmt.Errorf("%w: %s", network.ErrNoRoute, fwd.Destination))
		return
	}
	if len(unroutable) > 0 {
		logs.Warnf("relay.Forwarder unroutable node=%s request_id=%q targets=%v", f.opts.Self, env.RequestID, unroutable)
	}

	frame, err := f.opts.Codec.Encode(fwd)
	if err != nil {
		f.rejectInternal(d, protocol.CodeInternalError, err)
		return
	}
	d.Forwarded = &fwd
	d.NextHops = sortedHops(byHop)
	d.Frame = frame
	if d.SentCallback == nil {
		d.SentCallback = func(sent []network.NodeID, err error) {
			for _, hop := range sent {
				f.opts.Events.Publish(Event{
					Type:      EventRequestSent,
					Node:      f.opts.Self,
					Peer:      hop,
					Action:    fwd.Action,
					RequestID: fwd.RequestID,
					Envelope:  fwd,
					Outcome:   d.Outcome.String(),
				})
			}
		}
	}
}

func (f *Forwarder) rejectInternal(d *ForwardingDecision, code protocol.ErrorCode, err error) {
	logs.Warnf("relay.Forwarder rejecting node=%s request_id=%q code=%s err=%v", f.opts.Self, d.Request.RequestID, code, err)
	d.Outcome = DecisionReject
	d.ErrorCode = code
	d.ErrorDescription = err.Error()
	d.Response = nil
}

func (f *Forwarder) prepareReject(d *ForwardingDecision) {
	env := d.Request
	var resp protocol.Envelope
	switch {
	case d.Response != nil:
		resp = env.ReplyTo(*d.Response)
	case d.ErrorCode != "":
		resp = errorEnvelope(env, d.ErrorCode, d.ErrorDescription, nil)
	default:
		resp = env.ReplyTo(protocol.NewResult(env.RequestID, rejectedStatus))
	}
	d.Response = &resp
	d.Forwarded = nil

	next := d.From
	if next.IsZero() {
		if hop, ok := env.Path.PreviousHop(f.opts.Self); ok {
			next = hop
		}
	}
	d.NextHops = nil
	if !next.IsZero() {
		d.NextHops = []network.NodeID{next}
	}
	frame, err := f.opts.Codec.Encode(resp)
	if err != nil {
		logs.Errf("relay.Forwarder encode rejection node=%s request_id=%q err=%v", f.opts.Self, env.RequestID, err)
		d.Frame = nil
		return
	}
	d.Frame = frame
}

// Execute transmits what d prepared. A forward that reaches no hop is
// answered to the sender with a TransportError.
func (f *Forwarder) Execute(ctx context.Context, d ForwardingDecision) error {
	if len(d.Frame) == 0 {
		return fmt.Errorf("%w: decision has no frame", ErrTransport)
	}
	switch d.Outcome {
	case DecisionForward, DecisionReplace:
		sent, err := f.opts.transmit(ctx, d.NextHops, d.Frame)
		if d.SentCallback != nil {
			d.SentCallback(sent, err)
		}
		if len(sent) > 0 {
			if err != nil {
				logs.Warnf("relay.Forwarder partial transmit node=%s request_id=%q err=%v", f.opts.Self, d.Request.RequestID, err)
			}
			return nil
		}
		fallback := *Reject(protocol.CodeTransportError, fmt.Sprintf("forward failed: %v", err))
		fallback.From, fallback.Request = d.From, d.Request
		f.prepareReject(&fallback)
		if len(fallback.Frame) > 0 {
			if rerr := f.sendRejection(ctx, fallback); rerr != nil {
				logs.Warnf("relay.Forwarder transport error reply failed node=%s request_id=%q err=%v", f.opts.Self, d.Request.RequestID, rerr)
			}
		}
		return fmt.Errorf("%w: %v", ErrTransport, err)
	case DecisionReject:
		return f.sendRejection(ctx, d)
	default:
		return fmt.Errorf("relay: cannot execute decision %s", d.Outcome)
	}
}

func (f *Forwarder) sendRejection(ctx context.Context, d ForwardingDecision) error {
	if len(d.NextHops) == 0 {
		return fmt.Errorf("%w: no hop back to sender of %q", network.ErrNoRoute, d.Request.RequestID)
	}
	_, err := f.opts.transmit(ctx, d.NextHops, d.Frame)
	outcome := "Rejected"
	if d.Response != nil && d.Response.Kind.IsError() {
		outcome = string(d.Response.ErrorCode)
	}
	ev := Event{
		Type:      EventResponseSent,
		Node:      f.opts.Self,
		Peer:      d.NextHops[0],
		Action:    d.Request.Action,
		RequestID: d.Request.RequestID,
		Decision:  DecisionReject,
		Outcome:   outcome,
		Err:       err,
	}
	if d.Response != nil {
		ev.Envelope = *d.Response
	}
	f.opts.Events.Publish(ev)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// ForwardResponse relays a response toward the request's source along the
// reverse of its recorded path. raw is re-used as-is when set.
func (f *Forwarder) ForwardResponse(ctx context.Context, from network.NodeID, env protocol.Envelope, raw []byte) error {
	next, ok := env.Path.PreviousHop(f.opts.Self)
	if !ok || next == f.opts.Self || next == from {
		ok = false
		for _, dest := range env.Destination.Nodes() {
			if hop, err := f.opts.Routes.NextHop(dest); err == nil && hop != from {
				next, ok = hop, true
				break
			}
		}
	}
	if !ok {
		logs.Warnf("relay.Forwarder.ForwardResponse no route node=%s request_id=%q path=%s dest=%s", f.opts.Self, env.RequestID, env.Path, env.Destination)
		return fmt.Errorf("%w: response %q", network.ErrNoRoute, env.RequestID)
	}
	frame := raw
	if len(frame) == 0 {
		encoded, err := f.opts.Codec.Encode(env)
		if err != nil {
			return err
		}
		frame = encoded
	}
	err := f.opts.Transport.Transmit(ctx, next, frame)
	f.opts.Events.Publish(Event{
		Type:      EventResponseForwarded,
		Node:      f.opts.Self,
		Peer:      next,
		RequestID: env.RequestID,
		Envelope:  env,
		Err:       err,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}
