package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/danmuck/evmesh/internal/network"
)

// routeTrailer is the optional trailing text element carrying overlay routing.
type routeTrailer struct {
	Destination     *network.SourceRouting `json:"destination,omitempty"`
	NetworkPath     *network.Path          `json:"networkPath,omitempty"`
	EventTrackingID string                 `json:"eventTrackingId,omitempty"`
}

func encodeText(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	buf.WriteString(strconv.Itoa(int(env.Kind)))
	buf.WriteByte(',')
	if err := writeJSONString(&buf, env.RequestID); err != nil {
		return nil, err
	}

	switch {
	case env.Kind == KindCall:
		buf.WriteByte(',')
		if err := writeJSONString(&buf, env.Action); err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		if err := writeObject(&buf, env.PayloadOrEmpty()); err != nil {
			return nil, err
		}
	case env.Kind == KindCallResult:
		buf.WriteByte(',')
		if err := writeObject(&buf, env.PayloadOrEmpty()); err != nil {
			return nil, err
		}
	case env.Kind.IsError():
		buf.WriteByte(',')
		if err := writeJSONString(&buf, string(env.ErrorCode)); err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		if err := writeJSONString(&buf, env.ErrorDescription); err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		if err := writeObject(&buf, env.DetailsOrEmpty()); err != nil {
			return nil, err
		}
	}

	if env.HasRoute() {
		trailer := routeTrailer{EventTrackingID: env.EventTrackingID}
		if !env.Destination.IsZero() {
			dest := env.Destination
			trailer.Destination = &dest
		}
		if !env.Path.IsEmpty() {
			path := env.Path
			trailer.NetworkPath = &path
		}
		b, err := marshalNoEscape(trailer)
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(b)
	}
	for _, ext := range env.Extensions.Text {
		if !json.Valid(ext) {
			return nil, fmt.Errorf("%w: invalid extension element", ErrMalformed)
		}
		buf.WriteByte(',')
		buf.Write(ext)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func decodeText(raw []byte) (Envelope, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return Envelope{}, formationError(FormatText, 0, "", fmt.Errorf("%w: not a json array: %v", ErrMalformed, err))
	}
	if len(elems) < 3 {
		return Envelope{}, formationError(FormatText, 0, "", fmt.Errorf("%w: %d elements", ErrMalformed, len(elems)))
	}
	var kindNum int
	if err := json.Unmarshal(elems[0], &kindNum); err != nil {
		return Envelope{}, formationError(FormatText, 0, "", fmt.Errorf("%w: kind: %v", ErrMalformed, err))
	}
	kind := Kind(kindNum)
	if kindNum < 0 || kindNum > 255 || !kind.Valid() {
		return Envelope{}, formationError(FormatText, 0, "", fmt.Errorf("%w: %d", ErrUnknownKind, kindNum))
	}
	var requestID string
	if err := json.Unmarshal(elems[1], &requestID); err != nil || requestID == "" {
		return Envelope{}, formationError(FormatText, kind, "", fmt.Errorf("%w: request id must be a non-empty string", ErrMalformed))
	}

	env := Envelope{Kind: kind, RequestID: requestID, Format: FormatText}
	var rest []json.RawMessage
	switch {
	case kind == KindCall:
		if len(elems) < 4 {
			return Envelope{}, formationError(FormatText, kind, requestID, fmt.Errorf("%w: call needs 4 elements", ErrMalformed))
		}
		if err := json.Unmarshal(elems[2], &env.Action); err != nil || env.Action == "" {
			return Envelope{}, formationError(FormatText, kind, requestID, fmt.Errorf("%w: action must be a non-empty string", ErrMalformed))
		}
		if !isObject(elems[3]) {
			return Envelope{}, parseError(FormatText, kind, requestID, ErrBadPayload)
		}
		env.Payload = elems[3]
		rest = elems[4:]
	case kind == KindCallResult:
		if !isObject(elems[2]) {
			return Envelope{}, parseError(FormatText, kind, requestID, ErrBadPayload)
		}
		env.Payload = elems[2]
		rest = elems[3:]
	default:
		if len(elems) < 5 {
			return Envelope{}, formationError(FormatText, kind, requestID, fmt.Errorf("%w: %s needs 5 elements", ErrMalformed, kind))
		}
		var code string
		if err := json.Unmarshal(elems[2], &code); err != nil || code == "" {
			return Envelope{}, formationError(FormatText, kind, requestID, fmt.Errorf("%w: error code must be a non-empty string", ErrMalformed))
		}
		env.ErrorCode = ErrorCode(code)
		if err := json.Unmarshal(elems[3], &env.ErrorDescription); err != nil {
			return Envelope{}, formationError(FormatText, kind, requestID, fmt.Errorf("%w: error description must be a string", ErrMalformed))
		}
		if !isObject(elems[4]) {
			return Envelope{}, parseError(FormatText, kind, requestID, fmt.Errorf("%w: error details", ErrBadPayload))
		}
		env.ErrorDetails = elems[4]
		rest = elems[5:]
	}

	if len(rest) > 0 && isRouteTrailer(rest[0]) {
		var trailer routeTrailer
		if err := json.Unmarshal(rest[0], &trailer); err != nil {
			return Envelope{}, formationError(FormatText, kind, requestID, fmt.Errorf("%w: routing: %v", ErrMalformed, err))
		}
		if trailer.Destination != nil {
			env.Destination = *trailer.Destination
		}
		if trailer.NetworkPath != nil {
			env.Path = *trailer.NetworkPath
		}
		env.EventTrackingID = trailer.EventTrackingID
		if !env.HasRoute() {
			// An empty trailer is kept as an extension so it re-encodes verbatim.
			env.Extensions.Text = append(env.Extensions.Text, rest[0])
		}
		rest = rest[1:]
	}
	env.Extensions.Text = append(env.Extensions.Text, rest...)
	return env, nil
}

func isRouteTrailer(raw json.RawMessage) bool {
	if !isObject(raw) {
		return false
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	_, d := probe["destination"]
	_, p := probe["networkPath"]
	_, e := probe["eventTrackingId"]
	return d || p || e
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

func writeObject(buf *bytes.Buffer, raw json.RawMessage) error {
	if !isObject(raw) {
		return ErrBadPayload
	}
	buf.Write(raw)
	return nil
}

func writeJSONString(buf *bytes.Buffer, s string) error {
	b, err := marshalNoEscape(s)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

// marshalNoEscape is json.Marshal without HTML escaping or the encoder's
// trailing newline.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
