package signature

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	logs "github.com/danmuck/evmesh/internal/logging"
)

type Direction uint8

const (
	DirectionRequest Direction = iota
	DirectionResponse
)

func (d Direction) String() string {
	if d == DirectionResponse {
		return "response"
	}
	return "request"
}

func ParseDirection(raw string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "request", "req":
		return DirectionRequest, nil
	case "response", "resp":
		return DirectionResponse, nil
	default:
		return 0, fmt.Errorf("%w: direction %q", ErrInvalidRule, raw)
	}
}

// AnyAction matches every action without a more specific rule.
const AnyAction = "*"

// SigningKey pairs a private key with the digest it signs over.
type SigningKey struct {
	Key  PrivateKey
	Hash HashAlgorithm
}

// Rule is the signing and verification policy for one (action, direction).
type Rule struct {
	Action    string
	Direction Direction

	SigningKeys      []SigningKey
	VerificationKeys []PublicKey

	// Required rejects messages without a valid signature.
	Required bool
	// MinValid is the number of valid signatures required; zero means one
	// when Required is set.
	MinValid int
	// ExcludeFields are top-level payload members not covered by signatures.
	ExcludeFields []string
}

func (r Rule) needed() int {
	if r.MinValid > 0 {
		return r.MinValid
	}
	if r.Required {
		return 1
	}
	return 0
}

// Message is what a rule is applied to.
type Message struct {
	Action    string
	Direction Direction
	RequestID string
	Payload   json.RawMessage
}

type ruleKey struct {
	action    string
	direction Direction
}

// Policy holds rules keyed by (action, direction). It is safe for concurrent
// use; rules are normally installed once at startup.
type Policy struct {
	mu    sync.RWMutex
	rules map[ruleKey]Rule
}

func NewPolicy(rules ...Rule) (*Policy, error) {
	p := &Policy{rules: make(map[ruleKey]Rule)}
	for _, r := range rules {
		if err := p.AddRule(r); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Policy) AddRule(r Rule) error {
	r.Action = strings.TrimSpace(r.Action)
	if r.Action == "" {
		return fmt.Errorf("%w: empty action", ErrInvalidRule)
	}
	if r.MinValid < 0 {
		return fmt.Errorf("%w: negative min valid", ErrInvalidRule)
	}
	for _, k := range r.SigningKeys {
		if _, err := Digest(k.Hash, nil); err != nil {
			return fmt.Errorf("%w: key %q: %v", ErrInvalidRule, k.Key.ID, err)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules[ruleKey{r.Action, r.Direction}] = r
	logs.Debugf("signature.Policy.AddRule action=%q direction=%s signers=%d verifiers=%d required=%t",
		r.Action, r.Direction, len(r.SigningKeys), len(r.VerificationKeys), r.Required)
	return nil
}

// Rule resolves the rule for action and direction, falling back to the
// wildcard rule.
func (p *Policy) Rule(action string, dir Direction) (Rule, bool) {
	if p == nil {
		return Rule{}, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if r, ok := p.rules[ruleKey{action, dir}]; ok {
		return r, true
	}
	r, ok := p.rules[ruleKey{AnyAction, dir}]
	return r, ok
}

// Sign returns m.Payload with one signature per signing key of the matching
// rule. Existing signatures from other keys are kept. Without a rule or keys
// the payload is returned unchanged.
func (p *Policy) Sign(m Message) (json.RawMessage, error) {
	rule, ok := p.Rule(m.Action, m.Direction)
	if !ok {
		return m.Payload, nil
	}
	if len(rule.SigningKeys) == 0 {
		if rule.Required {
			return nil, fmt.Errorf("%w: action=%q direction=%s", ErrNoSigningKeys, m.Action, m.Direction)
		}
		return m.Payload, nil
	}

	obj, err := decodeObject(m.Payload)
	if err != nil {
		return nil, err
	}
	body, err := signable(obj, rule.ExcludeFields)
	if err != nil {
		return nil, err
	}
	existing, err := Entries(m.Payload)
	if err != nil {
		return nil, err
	}

	replaced := make(map[string]struct{}, len(rule.SigningKeys))
	fresh := make([]Entry, 0, len(rule.SigningKeys))
	for _, sk := range rule.SigningKeys {
		digest, err := Digest(sk.Hash, body)
		if err != nil {
			return nil, err
		}
		sig, err := sk.Key.Sign(digest)
		if err != nil {
			return nil, err
		}
		replaced[sk.Key.ID] = struct{}{}
		fresh = append(fresh, Entry{
			KeyID:         sk.Key.ID,
			Algorithm:     sk.Key.Alg,
			HashAlgorithm: sk.Hash,
			Value:         base64.StdEncoding.EncodeToString(sig),
		})
	}
	entries := make([]Entry, 0, len(existing)+len(fresh))
	for _, e := range existing {
		if _, ok := replaced[e.KeyID]; !ok {
			entries = append(entries, e)
		}
	}
	obj[FieldSignatures] = append(entries, fresh...)
	out, err := canonicalJSON(obj)
	if err != nil {
		return nil, err
	}
	logs.Tracef("signature.Policy.Sign action=%q direction=%s request_id=%q signatures=%d",
		m.Action, m.Direction, m.RequestID, len(fresh))
	return out, nil
}

// Verify checks m against its rule. A message without a rule passes. When
// signatures from known keys are present every one must verify; unknown key
// ids are ignored. Verify never panics.
func (p *Policy) Verify(m Message) (ok bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			ok, reason = false, fmt.Sprintf("verification panic: %v", r)
		}
	}()

	rule, found := p.Rule(m.Action, m.Direction)
	if !found {
		return true, ""
	}
	obj, err := decodeObject(m.Payload)
	if err != nil {
		return false, err.Error()
	}
	entries, err := Entries(m.Payload)
	if err != nil {
		return false, err.Error()
	}
	need := rule.needed()
	if len(entries) == 0 {
		if need > 0 {
			return false, "missing signature"
		}
		return true, ""
	}
	body, err := signable(obj, rule.ExcludeFields)
	if err != nil {
		return false, err.Error()
	}

	keys := make(map[string]PublicKey, len(rule.VerificationKeys))
	for _, k := range rule.VerificationKeys {
		keys[k.ID] = k
	}
	valid := 0
	for _, e := range entries {
		key, known := keys[e.KeyID]
		if !known {
			continue
		}
		if key.Alg != e.Algorithm {
			return false, fmt.Sprintf("key %q algorithm mismatch: %s", e.KeyID, e.Algorithm)
		}
		digest, err := Digest(e.HashAlgorithm, body)
		if err != nil {
			return false, err.Error()
		}
		sig, err := base64.StdEncoding.DecodeString(e.Value)
		if err != nil {
			return false, fmt.Sprintf("key %q signature not base64", e.KeyID)
		}
		if !key.Verify(digest, sig) {
			logs.Debugf("signature.Policy.Verify invalid action=%q direction=%s request_id=%q key_id=%q",
				m.Action, m.Direction, m.RequestID, e.KeyID)
			return false, fmt.Sprintf("key %q signature invalid", e.KeyID)
		}
		valid++
	}
	if valid < need {
		return false, fmt.Sprintf("%d valid signatures, need %d", valid, need)
	}
	return true, ""
}
