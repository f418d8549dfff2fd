package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	logs "github.com/danmuck/evmesh/internal/logging"
	"github.com/danmuck/evmesh/internal/network"
	"github.com/danmuck/evmesh/internal/protocol"
	"github.com/danmuck/evmesh/internal/protocol/session"
	"github.com/danmuck/evmesh/internal/signature"
)

// Disposition records what Inbound did with a frame.
type Disposition uint8

const (
	DispositionDropped Disposition = iota
	DispositionAnswered
	DispositionCorrelated
	DispositionForwarded
	DispositionRejected
	DispositionRelayed
)

func (d Disposition) String() string {
	switch d {
	case DispositionAnswered:
		return "answered"
	case DispositionCorrelated:
		return "correlated"
	case DispositionForwarded:
		return "forwarded"
	case DispositionRejected:
		return "rejected"
	case DispositionRelayed:
		return "relayed"
	default:
		return "dropped"
	}
}

// Receipt describes the handling of one inbound frame.
type Receipt struct {
	Disposition Disposition
	Envelope    protocol.Envelope
	// Reply is the response this node sent for a Call, if any.
	Reply *protocol.Envelope
	// Decision is set when the Call was presented to the Forwarder.
	Decision *ForwardingDecision
	Err      error
}

// Inbound decodes frames from one or more links, answers Calls addressed to
// this node, correlates responses and hands transiting traffic to the
// Forwarder.
type Inbound struct {
	opts      Options
	forwarder *Forwarder
}

// NewInbound builds an inbound adapter. A nil forwarder drops transiting traffic.
func NewInbound(opts Options, forwarder *Forwarder) *Inbound {
	return &Inbound{opts: opts.withDefaults(), forwarder: forwarder}
}

// Receive processes one raw frame delivered by the link to from. Frames of one
// link must be delivered sequentially; distinct links may call concurrently.
func (in *Inbound) Receive(ctx context.Context, from network.NodeID, raw []byte) Receipt {
	env, err := in.opts.Codec.Decode(raw)
	if err != nil {
		return in.rejectFrame(ctx, from, err)
	}
	logs.Tracef("relay.Inbound.Receive node=%s from=%s kind=%s request_id=%q action=%q", in.opts.Self, from, env.Kind, env.RequestID, env.Action)

	if env.Kind == protocol.KindCall {
		return in.receiveCall(ctx, from, env)
	}
	if in.addressedHere(env) {
		return in.correlate(from, env)
	}
	if in.forwarder == nil {
		logs.Warnf("relay.Inbound.Receive dropping transiting response node=%s request_id=%q", in.opts.Self, env.RequestID)
		return Receipt{Disposition: DispositionDropped, Envelope: env}
	}
	if err := in.forwarder.ForwardResponse(ctx, from, env, raw); err != nil {
		return Receipt{Disposition: DispositionDropped, Envelope: env, Err: err}
	}
	return Receipt{Disposition: DispositionRelayed, Envelope: env}
}

func (in *Inbound) addressedHere(env protocol.Envelope) bool {
	return env.Destination.IsZero() || env.Destination.Includes(in.opts.Self)
}

func (in *Inbound) receiveCall(ctx context.Context, from network.NodeID, env protocol.Envelope) Receipt {
	local := in.addressedHere(env)
	multi := env.Destination.Kind() == network.RoutingSet || env.Destination.Kind() == network.RoutingBroadcast

	var receipt Receipt
	if local {
		receipt = in.answer(ctx, from, env)
	}
	if local && !multi {
		return receipt
	}
	if in.forwarder == nil {
		if !local {
			logs.Warnf("relay.Inbound.Receive no forwarder node=%s request_id=%q dest=%s", in.opts.Self, env.RequestID, env.Destination)
			return Receipt{Disposition: DispositionDropped, Envelope: env}
		}
		return receipt
	}

	decision := in.forwarder.ForwardOrReject(ctx, from, env)
	if local && decision.Outcome == DecisionReject {
		// The local answer already completes the request for its sender.
		receipt.Decision = &decision
		return receipt
	}
	err := in.forwarder.Execute(ctx, decision)
	if local {
		receipt.Decision = &decision
		receipt.Err = errors.Join(receipt.Err, err)
		return receipt
	}
	out := Receipt{Envelope: env, Decision: &decision, Err: err}
	if decision.Outcome == DecisionReject {
		out.Disposition = DispositionRejected
		out.Reply = decision.Response
	} else {
		out.Disposition = DispositionForwarded
	}
	return out
}

// answer runs the local pipeline for a Call: lookup, parse, verify, dispatch,
// sign and reply.
func (in *Inbound) answer(ctx context.Context, from network.NodeID, env protocol.Envelope) Receipt {
	entry, ok := in.opts.Registry.Lookup(env.Action)
	if !ok {
		return in.replyError(ctx, from, env, protocol.CodeNotImplemented, fmt.Sprintf("unknown action %q", env.Action), nil)
	}
	if len(entry.Handlers) == 0 {
		return in.replyError(ctx, from, env, protocol.CodeNotSupported, fmt.Sprintf("action %q has no handler", env.Action), nil)
	}
	msg, err := entry.Parser(env.PayloadOrEmpty())
	if err != nil {
		return in.replyError(ctx, from, env, protocol.CodeCouldNotParse, err.Error(), nil)
	}
	if ok, reason := in.opts.Policy.Verify(signature.Message{
		Action:    env.Action,
		Direction: signature.DirectionRequest,
		RequestID: env.RequestID,
		Payload:   env.PayloadOrEmpty(),
	}); !ok {
		logs.Warnf("relay.Inbound.answer signature rejected node=%s from=%s action=%q request_id=%q reason=%q", in.opts.Self, from, env.Action, env.RequestID, reason)
		return in.replyError(ctx, from, env, protocol.CodeSignatureError, reason, nil)
	}

	in.opts.Events.Publish(Event{
		Type:      EventRequestReceived,
		Node:      in.opts.Self,
		Peer:      from,
		Action:    env.Action,
		RequestID: env.RequestID,
		Envelope:  env,
	})

	call := InboundCall{From: from, Envelope: env, Message: msg}
	resp := dispatch(ctx, entry.Handlers, call)
	if resp.IsError() {
		return in.replyError(ctx, from, env, resp.ErrorCode, resp.ErrorDescription, resp.ErrorDetails)
	}
	payload, err := marshalPayload(resp.Payload)
	if err != nil {
		return in.replyError(ctx, from, env, protocol.CodeInternalError, err.Error(), nil)
	}
	signed, err := in.opts.Policy.Sign(signature.Message{
		Action:    env.Action,
		Direction: signature.DirectionResponse,
		RequestID: env.RequestID,
		Payload:   payload,
	})
	if err != nil {
		return in.replyError(ctx, from, env, protocol.CodeSignatureError, err.Error(), nil)
	}
	return in.reply(ctx, from, env, env.ReplyTo(protocol.NewResult(env.RequestID, signed)))
}

// dispatch invokes handlers in registration order. The first handler that
// answers, fails or panics decides; later handlers are not run.
func dispatch(ctx context.Context, handlers []Handler, call InboundCall) *Response {
	for i, h := range handlers {
		resp, err := invoke(ctx, h, call)
		if err != nil {
			logs.Errf("relay.dispatch handler failed action=%q request_id=%q index=%d err=%v", call.Envelope.Action, call.Envelope.RequestID, i, err)
			return Fail(protocol.CodeInternalError, err.Error(), nil)
		}
		if resp != nil {
			return resp
		}
	}
	return Respond(map[string]string{"status": "Failed"})
}

func invoke(ctx context.Context, h Handler, call InboundCall) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, call)
}

// replyKind is RequestError for routed requests and CallError otherwise.
func replyKind(req protocol.Envelope) protocol.Kind {
	if req.HasRoute() {
		return protocol.KindRequestError
	}
	return protocol.KindCallError
}

func errorEnvelope(req protocol.Envelope, code protocol.ErrorCode, description string, details any) protocol.Envelope {
	raw, err := marshalPayload(details)
	if err != nil || len(raw) == 0 || raw[0] != '{' {
		raw = json.RawMessage(`{}`)
	}
	return req.ReplyTo(protocol.NewError(replyKind(req), req.RequestID, code, description, raw))
}

func (in *Inbound) replyError(ctx context.Context, from network.NodeID, req protocol.Envelope, code protocol.ErrorCode, description string, details any) Receipt {
	return in.reply(ctx, from, req, errorEnvelope(req, code, description, details))
}

func (in *Inbound) reply(ctx context.Context, from network.NodeID, req, resp protocol.Envelope) Receipt {
	outcome := "Response"
	if resp.Kind.IsError() {
		outcome = string(resp.ErrorCode)
	}
	receipt := Receipt{Disposition: DispositionAnswered, Envelope: req, Reply: &resp}
	frame, err := in.opts.Codec.Encode(resp)
	if err == nil {
		err = in.opts.Transport.Transmit(ctx, from, frame)
	}
	if err != nil {
		logs.Errf("relay.Inbound.reply failed node=%s to=%s request_id=%q err=%v", in.opts.Self, from, req.RequestID, err)
		receipt.Err = fmt.Errorf("%w: %v", ErrTransport, err)
	}
	in.opts.Events.Publish(Event{
		Type:      EventResponseSent,
		Node:      in.opts.Self,
		Peer:      from,
		Action:    req.Action,
		RequestID: req.RequestID,
		Envelope:  resp,
		Outcome:   outcome,
		Err:       receipt.Err,
	})
	return receipt
}

// correlate resolves the pending request a response answers.
func (in *Inbound) correlate(from network.NodeID, env protocol.Envelope) Receipt {
	info, ok := in.opts.Pending.Lookup(env.RequestID)
	if !ok {
		return in.unmatched(from, env)
	}
	completion := session.Completion{Envelope: env}
	outcome := "Response"
	if env.Kind.IsError() {
		outcome = string(env.ErrorCode)
	} else if ok, reason := in.opts.Policy.Verify(signature.Message{
		Action:    info.Action,
		Direction: signature.DirectionResponse,
		RequestID: env.RequestID,
		Payload:   env.PayloadOrEmpty(),
	}); !ok {
		completion.Err = fmt.Errorf("%w: %s", ErrSignatureInvalid, reason)
		outcome = string(protocol.CodeSignatureError)
	}
	if !in.opts.Pending.Resolve(env.RequestID, completion) {
		return in.unmatched(from, env)
	}
	in.opts.Events.Publish(Event{
		Type:      EventResponseReceived,
		Node:      in.opts.Self,
		Peer:      from,
		Action:    info.Action,
		RequestID: env.RequestID,
		Envelope:  env,
		Outcome:   outcome,
		Err:       completion.Err,
	})
	return Receipt{Disposition: DispositionCorrelated, Envelope: env, Err: completion.Err}
}

func (in *Inbound) unmatched(from network.NodeID, env protocol.Envelope) Receipt {
	logs.Warnf("relay.Inbound.correlate unmatched node=%s from=%s kind=%s request_id=%q", in.opts.Self, from, env.Kind, env.RequestID)
	in.opts.Events.Publish(Event{
		Type:      EventResponseUnmatched,
		Node:      in.opts.Self,
		Peer:      from,
		RequestID: env.RequestID,
		Envelope:  env,
	})
	return Receipt{Disposition: DispositionDropped, Envelope: env}
}

// rejectFrame answers undecodable Calls with a CallError. Undecodable
// responses are never answered; when they still name a pending request that
// request completes with a FormationViolation.
func (in *Inbound) rejectFrame(ctx context.Context, from network.NodeID, err error) Receipt {
	var de *protocol.DecodeError
	if !errors.As(err, &de) {
		de = &protocol.DecodeError{Code: protocol.CodeFormationViolation, Err: err}
	}
	logs.Warnf("relay.Inbound.Receive undecodable frame node=%s from=%s format=%s code=%s err=%v", in.opts.Self, from, de.Format, de.Code, de.Err)
	in.opts.Events.Publish(Event{
		Type:      EventFrameRejected,
		Node:      in.opts.Self,
		Peer:      from,
		RequestID: de.RequestID,
		Outcome:   string(de.Code),
		Err:       err,
	})

	if de.Kind.IsResponse() {
		if de.RequestID != "" {
			resolved := in.opts.Pending.Resolve(de.RequestID, session.Completion{
				Envelope: protocol.NewError(protocol.KindCallError, de.RequestID, protocol.CodeFormationViolation, de.Err.Error(), nil),
				Err:      fmt.Errorf("%w: %v", ErrMalformedResponse, de.Err),
			})
			if resolved {
				return Receipt{Disposition: DispositionCorrelated, Err: err}
			}
		}
		return Receipt{Disposition: DispositionDropped, Err: err}
	}

	requestID := de.RequestID
	if requestID == "" {
		requestID = "-1"
	}
	req := protocol.Envelope{Kind: protocol.KindCall, RequestID: requestID, Format: de.Format}
	receipt := in.reply(ctx, from, req, errorEnvelope(req, de.Code, de.Err.Error(), nil))
	receipt.Err = errors.Join(err, receipt.Err)
	return receipt
}

func sortedHops(byHop map[network.NodeID][]network.NodeID) []network.NodeID {
	hops := make([]network.NodeID, 0, len(byHop))
	for hop := range byHop {
		hops = append(hops, hop)
	}
	sort.Slice(hops, func(i, j int) bool { return hops[i] < hops[j] })
	return hops
}
