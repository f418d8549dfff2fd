package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/evmesh/internal/network"
	"github.com/danmuck/evmesh/internal/protocol/frame"
	"github.com/danmuck/evmesh/internal/protocol/tlv"
	"github.com/danmuck/evmesh/internal/testutil/testlog"
)

func TestTextCanonicalFramesRoundTripByteIdentical(t *testing.T) {
	testlog.Start(t)
	frames := []string{
		`[2,"19223201","BootNotification",{"reason":"PowerUp","chargingStation":{"model":"SingleSocketCharger","vendorName":"VendorX"}}]`,
		`[3,"19223201",{"status":"Accepted"}]`,
		`[4,"19223201","NotImplemented","Unknown action",{}]`,
		`[5,"7","SecurityError","bad <sig> & more",{"keyId":"k1"}]`,
		`[6,"8","Timeout","",{}]`,
		`[2,"r1","Heartbeat",{},{"destination":"CSMS","networkPath":["CP1","R1"],"eventTrackingId":"ev-9"}]`,
		`[2,"r2","Heartbeat",{},{"destination":["CP1","CP2"]},{"vendor":"x"},42]`,
		`[3,"r3",{"status":"Accepted"},{"destination":"*"}]`,
	}
	for _, in := range frames {
		env, err := Decode([]byte(in))
		if err != nil {
			t.Fatalf("decode %s: %v", in, err)
		}
		if env.Format != FormatText {
			t.Fatalf("decode %s: format=%s", in, env.Format)
		}
		out, err := Encode(env)
		if err != nil {
			t.Fatalf("encode %s: %v", in, err)
		}
		if string(out) != in {
			t.Fatalf("round trip mismatch\n in=%s\nout=%s", in, out)
		}
	}
}

func TestTextDecodeFields(t *testing.T) {
	testlog.Start(t)
	env, err := Decode([]byte(`[2,"r1","Heartbeat",{},{"destination":"CSMS","networkPath":["CP1","R1"],"eventTrackingId":"ev-9"}]`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Kind != KindCall || env.RequestID != "r1" || env.Action != "Heartbeat" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if !env.Destination.Equal(network.To(network.RootCSMS)) {
		t.Fatalf("destination=%s", env.Destination)
	}
	if !env.Path.Equal(network.NewPath("CP1", "R1")) || env.EventTrackingID != "ev-9" {
		t.Fatalf("route mismatch path=%s tracking=%q", env.Path, env.EventTrackingID)
	}
}

func TestTextMalformedFramesClassified(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		raw       string
		code      ErrorCode
		requestID string
	}{
		{`{"not":"array"}`, CodeFormationViolation, ""},
		{`[2,"1"`, CodeFormationViolation, ""},
		{`[9,"1",{}]`, CodeFormationViolation, ""},
		{`[2,17,"Heartbeat",{}]`, CodeFormationViolation, ""},
		{`[2,"1","",{}]`, CodeFormationViolation, "1"},
		{`[2,"1","Heartbeat"]`, CodeFormationViolation, "1"},
		{`[2,"1","Heartbeat",[1,2]]`, CodeCouldNotParse, "1"},
		{`[3,"1","Accepted"]`, CodeCouldNotParse, "1"},
		{`[4,"1","",""]`, CodeFormationViolation, "1"},
		{`[4,"1","GenericError","no details"]`, CodeFormationViolation, "1"},
		{`[5,"2","GenericError","bad details",[]]`, CodeCouldNotParse, "2"},
	}
	for _, tc := range cases {
		_, err := Decode([]byte(tc.raw))
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("decode %s: expected DecodeError, got %v", tc.raw, err)
		}
		if de.Code != tc.code || de.RequestID != tc.requestID {
			t.Fatalf("decode %s: code=%s request_id=%q", tc.raw, de.Code, de.RequestID)
		}
		if DecodeErrorCode(err) != tc.code {
			t.Fatalf("DecodeErrorCode mismatch for %s", tc.raw)
		}
	}
}

func TestEncodeRejectsInvalidEnvelope(t *testing.T) {
	testlog.Start(t)
	if _, err := Encode(Envelope{Kind: 7, RequestID: "1"}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if _, err := Encode(NewCall("", "Heartbeat", nil)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for empty id, got %v", err)
	}
	if _, err := Encode(NewCall("1", "Heartbeat", json.RawMessage(`[1]`))); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected ErrBadPayload, got %v", err)
	}
	out, err := Encode(NewCall("1", "Heartbeat", nil))
	if err != nil || string(out) != `[2,"1","Heartbeat",{}]` {
		t.Fatalf("empty payload encode=%s err=%v", out, err)
	}
}

func routedCall(format Format) Envelope {
	env := NewCall("req-42", "AddUserRole", json.RawMessage(`{"role":"admin","users":["a","b"],"limit":3,"ratio":0.5,"nested":{"ok":true}}`))
	env.Format = format
	env.Destination = network.ToSet("CP1", "CP2")
	env.Path = network.NewPath("CSMS", "R1")
	env.EventTrackingID = "ev-1"
	env.Extensions.Fields = []tlv.Field{tlv.Bytes(900, []byte{0xCA, 0xFE})}
	return env
}

func semanticallyEqual(t *testing.T, a, b json.RawMessage) bool {
	t.Helper()
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		t.Fatalf("unmarshal a: %v", err)
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		t.Fatalf("unmarshal b: %v", err)
	}
	ab, _ := json.Marshal(av)
	bb, _ := json.Marshal(bv)
	return bytes.Equal(ab, bb)
}

func TestBinaryFormatsRoundTrip(t *testing.T) {
	testlog.Start(t)
	for _, format := range []Format{FormatHybrid, FormatCompact} {
		in := routedCall(format)
		raw, err := Encode(in)
		if err != nil {
			t.Fatalf("%s encode: %v", format, err)
		}
		detected, err := Detect(raw)
		if err != nil || detected != format {
			t.Fatalf("%s detect=%s err=%v", format, detected, err)
		}
		out, err := Decode(raw)
		if err != nil {
			t.Fatalf("%s decode: %v", format, err)
		}
		if out.Kind != KindCall || out.RequestID != in.RequestID || out.Action != in.Action || out.Format != format {
			t.Fatalf("%s header mismatch: %+v", format, out)
		}
		if !semanticallyEqual(t, in.Payload, out.Payload) {
			t.Fatalf("%s payload mismatch: %s", format, out.Payload)
		}
		if !out.Destination.Equal(in.Destination) || !out.Path.Equal(in.Path) || out.EventTrackingID != "ev-1" {
			t.Fatalf("%s route mismatch: dest=%s path=%s", format, out.Destination, out.Path)
		}
		if len(out.Extensions.Fields) != 1 || out.Extensions.Fields[0].ID != 900 || !bytes.Equal(out.Extensions.Fields[0].Value, []byte{0xCA, 0xFE}) {
			t.Fatalf("%s extension not preserved: %+v", format, out.Extensions.Fields)
		}
		again, err := Encode(out)
		if err != nil {
			t.Fatalf("%s re-encode: %v", format, err)
		}
		if format == FormatHybrid && !bytes.Equal(again, raw) {
			t.Fatalf("hybrid re-encode not byte-identical")
		}
	}

	exact := []string{
		`{"meter":12345678901234567890,"transactionId":9007199254740993}`,
		`{"credit":-123456789012345678901234567890,"debit":123456789012345678901234567890}`,
		`{"readings":[-9223372036854775808,18446744073709551615,0.25]}`,
	}
	for _, payload := range exact {
		env := NewResult("req-7", json.RawMessage(payload))
		env.Format = FormatCompact
		raw, err := Encode(env)
		if err != nil {
			t.Fatalf("compact encode %s: %v", payload, err)
		}
		out, err := Decode(raw)
		if err != nil {
			t.Fatalf("compact decode %s: %v", payload, err)
		}
		if string(out.Payload) != payload {
			t.Fatalf("compact payload=%s, want %s", out.Payload, payload)
		}
	}

	overflow := NewResult("req-8", json.RawMessage(`{"meter":1e400}`))
	overflow.Format = FormatCompact
	if _, err := Encode(overflow); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("non-finite number err=%v, want ErrBadPayload", err)
	}
}

func TestCompactFrameIsDeterministic(t *testing.T) {
	testlog.Start(t)
	a, err := Encode(routedCall(FormatCompact))
	if err != nil {
		t.Fatalf("encode a: %v", err)
	}
	b, err := Encode(routedCall(FormatCompact))
	if err != nil {
		t.Fatalf("encode b: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("compact encoding is not deterministic")
	}
}

func TestCompactCompressionAboveThreshold(t *testing.T) {
	testlog.Start(t)
	codec := NewCodec(CodecConfig{CompressThreshold: 64})
	payload := `{"data":"` + strings.Repeat("abcdef", 100) + `"}`
	env := NewResult("big", json.RawMessage(payload))
	env.Format = FormatCompact
	raw, err := codec.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := frame.Unmarshal(raw, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if f.Header.Flags&frame.FlagCompressed == 0 || f.Header.Flags&frame.FlagIsResponse == 0 {
		t.Fatalf("flags=%#x", f.Header.Flags)
	}
	out, err := codec.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !semanticallyEqual(t, out.Payload, env.Payload) {
		t.Fatalf("payload mismatch after compression")
	}
}

func TestBinaryErrorKinds(t *testing.T) {
	testlog.Start(t)
	for _, format := range []Format{FormatHybrid, FormatCompact} {
		env := NewError(KindRequestError, "e1", CodeSignatureError, "verify failed", json.RawMessage(`{"reason":"no key"}`))
		env.Format = format
		raw, err := Encode(env)
		if err != nil {
			t.Fatalf("%s encode: %v", format, err)
		}
		out, err := Decode(raw)
		if err != nil {
			t.Fatalf("%s decode: %v", format, err)
		}
		if out.Kind != KindRequestError || out.ErrorCode != CodeSignatureError || out.ErrorDescription != "verify failed" {
			t.Fatalf("%s mismatch: %+v", format, out)
		}
		if !semanticallyEqual(t, out.ErrorDetails, env.ErrorDetails) {
			t.Fatalf("%s details mismatch: %s", format, out.ErrorDetails)
		}
	}
}

func TestBinaryMalformedFrames(t *testing.T) {
	testlog.Start(t)
	good, err := Encode(routedCall(FormatHybrid))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	truncated := good[:len(good)-3]
	if _, err := Decode(truncated); DecodeErrorCode(err) != CodeFormationViolation {
		t.Fatalf("truncated: %v", err)
	}

	tampered := append([]byte(nil), good...)
	tampered[8] ^= 0xFF
	_, err = Decode(tampered)
	var de *DecodeError
	if !errors.As(err, &de) || de.RequestID != "req-42" || !errors.Is(err, ErrMalformed) {
		t.Fatalf("correlation mismatch not detected: %v", err)
	}

	body, _ := tlv.EncodeFields([]tlv.Field{
		tlv.String(1, "p1"),
		tlv.Bytes(3, []byte(`not json`)),
	})
	raw, _ := frame.Marshal(frame.Frame{
		Header:  frame.Header{Correlation: frame.Correlation("p1"), Kind: uint32(KindCallResult)},
		Payload: body,
	}, frame.DefaultLimits())
	if _, err := Decode(raw); DecodeErrorCode(err) != CodeCouldNotParse {
		t.Fatalf("bad payload: %v", err)
	}
}

func TestDetect(t *testing.T) {
	testlog.Start(t)
	if f, err := Detect([]byte("  [3,\"1\",{}]")); err != nil || f != FormatText {
		t.Fatalf("text detect=%s err=%v", f, err)
	}
	if _, err := Detect(nil); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
	if _, err := Detect([]byte("hello")); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestReplyToInheritsFormatAndRoute(t *testing.T) {
	testlog.Start(t)
	req := routedCall(FormatCompact)
	resp := req.ReplyTo(NewResult("", json.RawMessage(`{"status":"Accepted"}`)))
	if resp.RequestID != "req-42" || resp.Format != FormatCompact {
		t.Fatalf("reply mismatch: %+v", resp)
	}
	if !resp.Destination.Equal(network.To("CSMS")) || !resp.Path.Equal(req.Path) {
		t.Fatalf("reply route dest=%s path=%s", resp.Destination, resp.Path)
	}
	plain := NewCall("1", "Heartbeat", nil).ReplyTo(NewResult("", nil))
	if plain.HasRoute() {
		t.Fatalf("reply to unrouted call must be unrouted")
	}
}

func TestParseFormat(t *testing.T) {
	testlog.Start(t)
	for raw, want := range map[string]Format{"": FormatText, "json": FormatText, "Hybrid": FormatHybrid, "compact": FormatCompact} {
		got, err := ParseFormat(raw)
		if err != nil || got != want {
			t.Fatalf("ParseFormat(%q)=%s err=%v", raw, got, err)
		}
	}
	if _, err := ParseFormat("xml"); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestDecodeErrorCarriesKind(t *testing.T) {
	testlog.Start(t)
	_, err := Decode([]byte(`[3,"1","Accepted"]`))
	var de *DecodeError
	if !errors.As(err, &de) || de.Kind != KindCallResult || !de.Kind.IsResponse() {
		t.Fatalf("expected CallResult decode error, got %v", err)
	}
	_, err = Decode([]byte(`[9,"1",{}]`))
	if !errors.As(err, &de) || de.Kind != 0 {
		t.Fatalf("unknown kind must leave Kind zero, got %v", err)
	}
}
