package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danmuck/evmesh/internal/network"
	"github.com/danmuck/evmesh/internal/protocol/schema"
	"github.com/danmuck/evmesh/internal/protocol/tlv"
)

// Kind is the envelope discriminator carried as the first text element and in
// the binary header.
type Kind uint8

const (
	KindCall          Kind = Kind(schema.KindCall)
	KindCallResult    Kind = Kind(schema.KindCallResult)
	KindCallError     Kind = Kind(schema.KindCallError)
	KindRequestError  Kind = Kind(schema.KindRequestError)
	KindResponseError Kind = Kind(schema.KindResponseError)
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "Call"
	case KindCallResult:
		return "CallResult"
	case KindCallError:
		return "CallError"
	case KindRequestError:
		return "RequestError"
	case KindResponseError:
		return "ResponseError"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

func (k Kind) Valid() bool {
	return schema.KnownKind(uint32(k))
}

// IsResponse reports whether k answers a Call.
func (k Kind) IsResponse() bool {
	return k.Valid() && k != KindCall
}

func (k Kind) IsError() bool {
	return k == KindCallError || k == KindRequestError || k == KindResponseError
}

// Format selects one of the three wire encodings.
type Format uint8

const (
	FormatText Format = iota
	FormatHybrid
	FormatCompact
)

func (f Format) String() string {
	switch f {
	case FormatText:
		return "text"
	case FormatHybrid:
		return "hybrid"
	case FormatCompact:
		return "compact"
	default:
		return fmt.Sprintf("Format(%d)", uint8(f))
	}
}

// Binary reports whether f uses the framed binary layout.
func (f Format) Binary() bool {
	return f == FormatHybrid || f == FormatCompact
}

func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "text", "json":
		return FormatText, nil
	case "hybrid":
		return FormatHybrid, nil
	case "compact", "binary":
		return FormatCompact, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, raw)
	}
}

// Extensions carries what a node does not understand so it can be re-emitted
// unchanged.
type Extensions struct {
	Text   []json.RawMessage
	Fields []tlv.Field
}

func (x Extensions) IsEmpty() bool {
	return len(x.Text) == 0 && len(x.Fields) == 0
}

// Envelope is one decoded frame of any kind in any format.
type Envelope struct {
	Kind      Kind
	RequestID string
	// Action is set on Calls only.
	Action  string
	Payload json.RawMessage

	ErrorCode        ErrorCode
	ErrorDescription string
	ErrorDetails     json.RawMessage

	Destination     network.SourceRouting
	Path            network.Path
	EventTrackingID string

	Format     Format
	Extensions Extensions
}

func NewCall(requestID, action string, payload json.RawMessage) Envelope {
	return Envelope{Kind: KindCall, RequestID: requestID, Action: action, Payload: payload}
}

func NewResult(requestID string, payload json.RawMessage) Envelope {
	return Envelope{Kind: KindCallResult, RequestID: requestID, Payload: payload}
}

func NewError(kind Kind, requestID string, code ErrorCode, description string, details json.RawMessage) Envelope {
	return Envelope{
		Kind:             kind,
		RequestID:        requestID,
		ErrorCode:        code,
		ErrorDescription: description,
		ErrorDetails:     details,
	}
}

// HasRoute reports whether the envelope carries overlay routing.
func (e Envelope) HasRoute() bool {
	return !e.Destination.IsZero() || !e.Path.IsEmpty() || e.EventTrackingID != ""
}

// ReplyTo builds a response envelope that inherits the request's format and
// routes back toward the request's source.
func (e Envelope) ReplyTo(resp Envelope) Envelope {
	resp.RequestID = e.RequestID
	resp.Format = e.Format
	if e.HasRoute() {
		resp.Path = e.Path
		resp.EventTrackingID = e.EventTrackingID
		if src := e.Path.Source(); !src.IsZero() {
			resp.Destination = network.To(src)
		}
	}
	return resp
}

// Validate checks the envelope is encodable.
func (e Envelope) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownKind, uint8(e.Kind))
	}
	if e.RequestID == "" {
		return fmt.Errorf("%w: empty request id", ErrMalformed)
	}
	if e.Kind == KindCall && e.Action == "" {
		return fmt.Errorf("%w: call without action", ErrMalformed)
	}
	if e.Kind.IsError() && e.ErrorCode == "" {
		return fmt.Errorf("%w: %s without error code", ErrMalformed, e.Kind)
	}
	if err := e.Destination.Validate(); err != nil {
		return err
	}
	return nil
}

// PayloadOrEmpty returns the payload or an empty JSON object.
func (e Envelope) PayloadOrEmpty() json.RawMessage {
	if len(e.Payload) == 0 {
		return json.RawMessage(emptyObject)
	}
	return e.Payload
}

func (e Envelope) DetailsOrEmpty() json.RawMessage {
	if len(e.ErrorDetails) == 0 {
		return json.RawMessage(emptyObject)
	}
	return e.ErrorDetails
}

const emptyObject = "{}"
