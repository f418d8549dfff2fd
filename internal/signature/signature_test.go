package signature

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/evmesh/internal/testutil/testlog"
)

func mustKey(t *testing.T, alg Algorithm, id string) PrivateKey {
	t.Helper()
	k, err := GenerateKey(alg, id, rand.Reader)
	if err != nil {
		t.Fatalf("generate %s: %v", alg, err)
	}
	return k
}

func TestSignVerifyRoundTripAllAlgorithms(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		alg  Algorithm
		hash HashAlgorithm
	}{
		{AlgEd25519, HashSHA256},
		{AlgEd25519, HashSHA512},
		{AlgDilithium3, HashSHA3_256},
	}
	for _, tc := range cases {
		key := mustKey(t, tc.alg, "k-"+string(tc.alg))
		p, err := NewPolicy(Rule{
			Action:           "AddUserRole",
			Direction:        DirectionRequest,
			SigningKeys:      []SigningKey{{Key: key, Hash: tc.hash}},
			VerificationKeys: []PublicKey{key.Public()},
			Required:         true,
		})
		if err != nil {
			t.Fatalf("policy: %v", err)
		}
		msg := Message{Action: "AddUserRole", Direction: DirectionRequest, RequestID: "42", Payload: json.RawMessage(`{"role":"admin","count":2}`)}
		signed, err := p.Sign(msg)
		if err != nil {
			t.Fatalf("%s sign: %v", tc.alg, err)
		}
		entries, err := Entries(signed)
		if err != nil || len(entries) != 1 || entries[0].HashAlgorithm != tc.hash || entries[0].Algorithm != tc.alg {
			t.Fatalf("%s entries=%+v err=%v", tc.alg, entries, err)
		}
		msg.Payload = signed
		if ok, reason := p.Verify(msg); !ok {
			t.Fatalf("%s verify failed: %s", tc.alg, reason)
		}

		tampered := strings.Replace(string(signed), `"admin"`, `"root"`, 1)
		msg.Payload = json.RawMessage(tampered)
		if ok, _ := p.Verify(msg); ok {
			t.Fatalf("%s tampered payload verified", tc.alg)
		}
	}
}

func TestSignaturesSurviveReformatting(t *testing.T) {
	testlog.Start(t)
	key := mustKey(t, AlgEd25519, "cp1")
	p, _ := NewPolicy(Rule{
		Action:           AnyAction,
		Direction:        DirectionResponse,
		SigningKeys:      []SigningKey{{Key: key, Hash: HashSHA256}},
		VerificationKeys: []PublicKey{key.Public()},
	})
	signed, err := p.Sign(Message{Action: "Heartbeat", Direction: DirectionResponse, Payload: json.RawMessage(`{"b":1,"a":"x"}`)})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(signed, &obj); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	reordered, _ := json.MarshalIndent(obj, "", "  ")
	if ok, reason := p.Verify(Message{Action: "Heartbeat", Direction: DirectionResponse, Payload: reordered}); !ok {
		t.Fatalf("reformatted payload failed: %s", reason)
	}
}

func TestSignKeepsLargeIntegers(t *testing.T) {
	testlog.Start(t)
	key := mustKey(t, AlgEd25519, "csms")
	p, _ := NewPolicy(Rule{
		Action:           AnyAction,
		Direction:        DirectionRequest,
		SigningKeys:      []SigningKey{{Key: key, Hash: HashSHA256}},
		VerificationKeys: []PublicKey{key.Public()},
	})
	payload := `{"transactionId":9007199254740993,"meter":12345678901234567890,"ratio":0.1}`
	signed, err := p.Sign(Message{Action: "TransactionEvent", Direction: DirectionRequest, Payload: json.RawMessage(payload)})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	for _, want := range []string{`"transactionId":9007199254740993`, `"meter":12345678901234567890`, `"ratio":0.1`} {
		if !strings.Contains(string(signed), want) {
			t.Fatalf("signed payload lost %s: %s", want, signed)
		}
	}
	if ok, reason := p.Verify(Message{Action: "TransactionEvent", Direction: DirectionRequest, Payload: signed}); !ok {
		t.Fatalf("verify: %s", reason)
	}
	stripped, err := Strip(signed)
	if err != nil {
		t.Fatalf("strip: %v", err)
	}
	if want := `{"meter":12345678901234567890,"ratio":0.1,"transactionId":9007199254740993}`; string(stripped) != want {
		t.Fatalf("stripped=%s, want %s", stripped, want)
	}
	if _, err := SignableBytes([]byte(`{"a":1} {"b":2}`)); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("trailing data err=%v", err)
	}
}

func TestMultipleSigningKeysAndMinValid(t *testing.T) {
	testlog.Start(t)
	a := mustKey(t, AlgEd25519, "a")
	b := mustKey(t, AlgDilithium3, "b")
	signer, _ := NewPolicy(Rule{
		Action:      "DataTransfer",
		SigningKeys: []SigningKey{{Key: a, Hash: HashSHA256}, {Key: b, Hash: HashSHA3_256}},
	})
	signed, err := signer.Sign(Message{Action: "DataTransfer", Payload: json.RawMessage(`{"vendorId":"v"}`)})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if entries, _ := Entries(signed); len(entries) != 2 {
		t.Fatalf("expected two signatures, got %d", len(entries))
	}

	both, _ := NewPolicy(Rule{Action: "DataTransfer", VerificationKeys: []PublicKey{a.Public(), b.Public()}, MinValid: 2})
	if ok, reason := both.Verify(Message{Action: "DataTransfer", Payload: signed}); !ok {
		t.Fatalf("two valid signatures rejected: %s", reason)
	}
	onlyA, _ := NewPolicy(Rule{Action: "DataTransfer", VerificationKeys: []PublicKey{a.Public()}, MinValid: 2})
	if ok, _ := onlyA.Verify(Message{Action: "DataTransfer", Payload: signed}); ok {
		t.Fatalf("one known key must not satisfy min valid 2")
	}
}

func TestResignReplacesOwnSignature(t *testing.T) {
	testlog.Start(t)
	key := mustKey(t, AlgEd25519, "r1")
	p, _ := NewPolicy(Rule{Action: "Heartbeat", SigningKeys: []SigningKey{{Key: key, Hash: HashSHA256}}})
	msg := Message{Action: "Heartbeat", Payload: json.RawMessage(`{}`)}
	once, _ := p.Sign(msg)
	msg.Payload = once
	twice, err := p.Sign(msg)
	if err != nil {
		t.Fatalf("resign: %v", err)
	}
	if entries, _ := Entries(twice); len(entries) != 1 {
		t.Fatalf("resigning must not duplicate, got %d", len(entries))
	}
	stripped, err := Strip(twice)
	if err != nil || string(stripped) != `{}` {
		t.Fatalf("strip=%s err=%v", stripped, err)
	}
}

func TestVerifyPolicyOutcomes(t *testing.T) {
	testlog.Start(t)
	key := mustKey(t, AlgEd25519, "k")
	other := mustKey(t, AlgEd25519, "k")
	p, _ := NewPolicy(Rule{Action: "BootNotification", VerificationKeys: []PublicKey{key.Public()}, Required: true})

	if ok, _ := p.Verify(Message{Action: "Unruled", Payload: json.RawMessage(`not json`)}); !ok {
		t.Fatalf("message without rule must pass")
	}
	if ok, reason := p.Verify(Message{Action: "BootNotification", Payload: json.RawMessage(`{}`)}); ok || reason != "missing signature" {
		t.Fatalf("unsigned required message: ok=%t reason=%q", ok, reason)
	}
	if ok, _ := p.Verify(Message{Action: "BootNotification", Payload: json.RawMessage(`[`)}); ok {
		t.Fatalf("malformed payload must fail")
	}

	forger, _ := NewPolicy(Rule{Action: "BootNotification", SigningKeys: []SigningKey{{Key: other, Hash: HashSHA256}}})
	forged, _ := forger.Sign(Message{Action: "BootNotification", Payload: json.RawMessage(`{"x":1}`)})
	if ok, _ := p.Verify(Message{Action: "BootNotification", Payload: forged}); ok {
		t.Fatalf("signature from a different key with the same id verified")
	}

	bad := json.RawMessage(`{"signatures":[{"keyId":"k","algorithm":"ed25519","hashAlgorithm":"md5","value":"AA=="}]}`)
	if ok, _ := p.Verify(Message{Action: "BootNotification", Payload: bad}); ok {
		t.Fatalf("unsupported hash must fail")
	}
}

func TestExcludedFieldsNotCovered(t *testing.T) {
	testlog.Start(t)
	key := mustKey(t, AlgEd25519, "k")
	p, _ := NewPolicy(Rule{
		Action:           "DataTransfer",
		SigningKeys:      []SigningKey{{Key: key, Hash: HashSHA256}},
		VerificationKeys: []PublicKey{key.Public()},
		ExcludeFields:    []string{"customData"},
	})
	signed, _ := p.Sign(Message{Action: "DataTransfer", Payload: json.RawMessage(`{"vendorId":"v","customData":{"n":1}}`)})
	var obj map[string]any
	_ = json.Unmarshal(signed, &obj)
	obj["customData"] = map[string]any{"n": 2}
	changed, _ := json.Marshal(obj)
	if ok, reason := p.Verify(Message{Action: "DataTransfer", Payload: changed}); !ok {
		t.Fatalf("excluded field change broke verification: %s", reason)
	}
}

func TestSignFailures(t *testing.T) {
	testlog.Start(t)
	p, _ := NewPolicy(Rule{Action: "Heartbeat", Required: true})
	if _, err := p.Sign(Message{Action: "Heartbeat", Payload: json.RawMessage(`{}`)}); !errors.Is(err, ErrNoSigningKeys) {
		t.Fatalf("expected ErrNoSigningKeys, got %v", err)
	}
	key := mustKey(t, AlgEd25519, "k")
	if _, err := NewPolicy(Rule{Action: "Heartbeat", SigningKeys: []SigningKey{{Key: key, Hash: "md5"}}}); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}
	signing, _ := NewPolicy(Rule{Action: "Heartbeat", SigningKeys: []SigningKey{{Key: key, Hash: HashSHA256}}})
	if _, err := signing.Sign(Message{Action: "Heartbeat", Payload: json.RawMessage(`[1]`)}); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected ErrBadPayload, got %v", err)
	}
	raw := json.RawMessage(`{"keep":"bytes"}`)
	out, err := signing.Sign(Message{Action: "Unruled", Payload: raw})
	if err != nil || string(out) != string(raw) {
		t.Fatalf("unruled payload must be unchanged: %s %v", out, err)
	}
}

func TestKeyEncodingRoundTrip(t *testing.T) {
	testlog.Start(t)
	for _, alg := range []Algorithm{AlgEd25519, AlgDilithium3} {
		sk := mustKey(t, alg, "node")
		encPriv, err := sk.Encode()
		if err != nil {
			t.Fatalf("%s encode private: %v", alg, err)
		}
		encPub, err := sk.Public().Encode()
		if err != nil {
			t.Fatalf("%s encode public: %v", alg, err)
		}
		parsedPriv, err := ParsePrivateKey("node", encPriv)
		if err != nil {
			t.Fatalf("%s parse private: %v", alg, err)
		}
		parsedPub, err := ParsePublicKey("node", encPub)
		if err != nil {
			t.Fatalf("%s parse public: %v", alg, err)
		}
		digest, _ := Digest(HashSHA256, []byte("payload"))
		sig, err := parsedPriv.Sign(digest)
		if err != nil {
			t.Fatalf("%s sign: %v", alg, err)
		}
		if !parsedPub.Verify(digest, sig) || !sk.Public().Verify(digest, sig) {
			t.Fatalf("%s parsed keys do not verify", alg)
		}
	}
	if _, err := ParsePublicKey("x", "rsa:AAAA"); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
	if _, err := ParsePrivateKey("x", "no-colon"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := ParseDirection("sideways"); err == nil {
		t.Fatalf("expected invalid direction error")
	}
}
