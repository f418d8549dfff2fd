package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/danmuck/evmesh/internal/network"
	"github.com/danmuck/evmesh/internal/protocol/frame"
	"github.com/danmuck/evmesh/internal/protocol/schema"
	"github.com/danmuck/evmesh/internal/protocol/tlv"
	"github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	if cborEnc, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if cborDec, err = (cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		BigIntDec:      cbor.BigIntDecodePointer,
	}).DecMode(); err != nil {
		panic(err)
	}
}

func (c *Codec) encodeBinary(env Envelope, compact bool) ([]byte, error) {
	payload := json.RawMessage(nil)
	if env.Kind == KindCall || env.Kind == KindCallResult {
		payload = env.PayloadOrEmpty()
		if !isObject(payload) {
			return nil, ErrBadPayload
		}
	}
	encodeJSON := func(raw json.RawMessage) ([]byte, error) {
		if !compact {
			return raw, nil
		}
		return jsonToCBOR(raw)
	}

	fields := []tlv.Field{tlv.String(schema.FieldRequestID, env.RequestID)}
	switch {
	case env.Kind == KindCall:
		fields = append(fields, tlv.String(schema.FieldAction, env.Action))
		fallthrough
	case env.Kind == KindCallResult:
		b, err := encodeJSON(payload)
		if err != nil {
			return nil, err
		}
		fields = append(fields, tlv.Bytes(schema.FieldPayload, b))
	case env.Kind.IsError():
		fields = append(fields,
			tlv.String(schema.FieldErrorCode, string(env.ErrorCode)),
			tlv.String(schema.FieldErrorDescription, env.ErrorDescription),
		)
		if len(env.ErrorDetails) > 0 {
			if !isObject(env.ErrorDetails) {
				return nil, fmt.Errorf("%w: error details", ErrBadPayload)
			}
			b, err := encodeJSON(env.ErrorDetails)
			if err != nil {
				return nil, err
			}
			fields = append(fields, tlv.Bytes(schema.FieldErrorDetails, b))
		}
	}

	if !env.Destination.IsZero() {
		fields = append(fields, tlv.U8(schema.FieldDestinationKind, uint8(env.Destination.Kind())))
		for _, id := range env.Destination.Nodes() {
			fields = append(fields, tlv.String(schema.FieldDestinationNode, string(id)))
		}
	}
	for _, hop := range env.Path.Hops() {
		fields = append(fields, tlv.String(schema.FieldPathHop, string(hop)))
	}
	if env.EventTrackingID != "" {
		fields = append(fields, tlv.String(schema.FieldEventTrackingID, env.EventTrackingID))
	}
	fields = append(fields, env.Extensions.Fields...)

	body, err := tlv.EncodeFields(fields)
	if err != nil {
		return nil, err
	}

	flags := uint32(0)
	if env.Kind.IsResponse() {
		flags |= frame.FlagIsResponse
	}
	if env.Kind.IsError() {
		flags |= frame.FlagIsError
	}
	if compact {
		flags |= frame.FlagCompact
		if c.cfg.CompressThreshold > 0 && len(body) > c.cfg.CompressThreshold {
			body = snappy.Encode(nil, body)
			flags |= frame.FlagCompressed
		}
	}

	return frame.Marshal(frame.Frame{
		Header: frame.Header{
			Correlation: frame.Correlation(env.RequestID),
			Kind:        uint32(env.Kind),
			Flags:       flags,
		},
		Payload: body,
	}, c.limits())
}

func (c *Codec) decodeBinary(raw []byte) (Envelope, error) {
	format := FormatHybrid
	f, err := frame.Unmarshal(raw, c.limits())
	if err != nil {
		return Envelope{}, formationError(format, 0, "", err)
	}
	compact := f.Header.Flags&frame.FlagCompact != 0
	if compact {
		format = FormatCompact
	}
	body := f.Payload
	if f.Header.Flags&frame.FlagCompressed != 0 {
		if !compact {
			return Envelope{}, formationError(format, 0, "", fmt.Errorf("%w: compressed hybrid frame", ErrMalformed))
		}
		n, err := snappy.DecodedLen(body)
		if err != nil {
			return Envelope{}, formationError(format, 0, "", err)
		}
		if uint64(n) > c.limits().MaxPayloadBytes {
			return Envelope{}, formationError(format, 0, "", frame.ErrPayloadTooLarge)
		}
		if body, err = snappy.Decode(nil, body); err != nil {
			return Envelope{}, formationError(format, 0, "", err)
		}
	}

	fields, err := tlv.DecodeFields(body)
	if err != nil {
		return Envelope{}, formationError(format, 0, "", err)
	}
	requestID := ""
	if idField, ok := tlv.GetField(fields, schema.FieldRequestID); ok && idField.Type == tlv.TypeString {
		requestID = string(idField.Value)
	}
	if f.Header.Kind > 0xFF || !Kind(f.Header.Kind).Valid() {
		return Envelope{}, formationError(format, 0, requestID, fmt.Errorf("%w: %d", ErrUnknownKind, f.Header.Kind))
	}
	kind := Kind(f.Header.Kind)
	if err := schema.Validate(f.Header.Kind, fields); err != nil {
		return Envelope{}, formationError(format, kind, requestID, fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	if requestID == "" || frame.Correlation(requestID) != f.Header.Correlation {
		return Envelope{}, formationError(format, kind, requestID, fmt.Errorf("%w: correlation mismatch", ErrMalformed))
	}

	env := Envelope{Kind: kind, RequestID: requestID, Format: format}
	decodeJSON := func(b []byte) (json.RawMessage, error) {
		if !compact {
			if !isObject(b) {
				return nil, ErrBadPayload
			}
			return json.RawMessage(b), nil
		}
		return cborToJSON(b)
	}

	var destKind network.RoutingKind
	var destNodes []network.NodeID
	var hops []network.NodeID
	for _, fld := range fields {
		switch fld.ID {
		case schema.FieldRequestID:
		case schema.FieldAction:
			env.Action = string(fld.Value)
		case schema.FieldPayload:
			if env.Payload, err = decodeJSON(fld.Value); err != nil {
				return Envelope{}, parseError(format, kind, requestID, err)
			}
		case schema.FieldErrorCode:
			env.ErrorCode = ErrorCode(fld.Value)
		case schema.FieldErrorDescription:
			env.ErrorDescription = string(fld.Value)
		case schema.FieldErrorDetails:
			if env.ErrorDetails, err = decodeJSON(fld.Value); err != nil {
				return Envelope{}, parseError(format, kind, requestID, err)
			}
		case schema.FieldDestinationKind:
			v, err := tlv.U8FromBytes(fld.Value)
			if err != nil {
				return Envelope{}, formationError(format, kind, requestID, err)
			}
			destKind = network.RoutingKind(v)
		case schema.FieldDestinationNode:
			destNodes = append(destNodes, network.NodeID(fld.Value))
		case schema.FieldPathHop:
			hop := network.NodeID(fld.Value)
			if err := hop.Validate(); err != nil {
				return Envelope{}, formationError(format, kind, requestID, err)
			}
			hops = append(hops, hop)
		case schema.FieldEventTrackingID:
			env.EventTrackingID = string(fld.Value)
		default:
			env.Extensions.Fields = append(env.Extensions.Fields, fld)
		}
	}
	if env.Kind == KindCall && env.Action == "" {
		return Envelope{}, formationError(format, kind, requestID, fmt.Errorf("%w: empty action", ErrMalformed))
	}
	if destKind != network.RoutingNone || len(destNodes) > 0 {
		dest, err := destinationFrom(destKind, destNodes)
		if err != nil {
			return Envelope{}, formationError(format, kind, requestID, err)
		}
		env.Destination = dest
	}
	if len(hops) > 0 {
		env.Path = network.NewPath(hops...)
	}
	return env, nil
}

func destinationFrom(kind network.RoutingKind, nodes []network.NodeID) (network.SourceRouting, error) {
	var dest network.SourceRouting
	switch kind {
	case network.RoutingBroadcast:
		if len(nodes) > 0 {
			return dest, fmt.Errorf("%w: broadcast with nodes", network.ErrInvalidDestination)
		}
		dest = network.Broadcast()
	case network.RoutingSingle:
		if len(nodes) != 1 {
			return dest, fmt.Errorf("%w: single destination with %d nodes", network.ErrInvalidDestination, len(nodes))
		}
		dest = network.To(nodes[0])
	case network.RoutingSet:
		if len(nodes) == 0 {
			return dest, fmt.Errorf("%w: empty set", network.ErrInvalidDestination)
		}
		dest = network.ToSet(nodes...)
	default:
		return dest, fmt.Errorf("%w: kind %d", network.ErrInvalidDestination, kind)
	}
	return dest, dest.Validate()
}

// jsonToCBOR converts a JSON object into deterministic CBOR. Integers keep
// every digit: int64 and uint64 stay CBOR integers and anything wider becomes
// a bignum. Other numbers must be finite float64 values.
func jsonToCBOR(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, ErrBadPayload
	}
	v, err := normalizeNumbers(v)
	if err != nil {
		return nil, err
	}
	return cborEnc.Marshal(v)
}

func normalizeNumbers(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		return cborNumber(t)
	case map[string]any:
		for k, inner := range t {
			n, err := normalizeNumbers(inner)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
		return t, nil
	case []any:
		for i, inner := range t {
			n, err := normalizeNumbers(inner)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	default:
		return v, nil
	}
}

func cborNumber(n json.Number) (any, error) {
	lit := n.String()
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	if u, err := strconv.ParseUint(lit, 10, 64); err == nil {
		return u, nil
	}
	if !strings.ContainsAny(lit, ".eE") {
		if b, ok := new(big.Int).SetString(lit, 10); ok {
			return b, nil
		}
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, fmt.Errorf("%w: number %s out of range", ErrBadPayload, lit)
	}
	return f, nil
}

func cborToJSON(b []byte) (json.RawMessage, error) {
	var v any
	if err := cborDec.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, ErrBadPayload
	}
	out, err := marshalNoEscape(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return out, nil
}
