package signature

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// FieldSignatures is the payload member that carries signatures.
const FieldSignatures = "signatures"

// Entry is one signature as carried in a payload.
type Entry struct {
	KeyID         string        `json:"keyId"`
	Algorithm     Algorithm     `json:"algorithm"`
	HashAlgorithm HashAlgorithm `json:"hashAlgorithm"`
	Value         string        `json:"value"`
}

// decodeObject keeps numbers as json.Number so they are written back with
// the digits they arrived with.
func decodeObject(payload []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after object", ErrBadPayload)
	}
	if obj == nil {
		return nil, ErrBadPayload
	}
	return obj, nil
}

// canonicalJSON marshals v with sorted keys, no HTML escaping and no
// trailing newline.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// SignableBytes returns the canonical bytes covered by signatures.
func SignableBytes(payload []byte, exclude ...string) ([]byte, error) {
	obj, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}
	return signable(obj, exclude)
}

func signable(obj map[string]any, exclude []string) ([]byte, error) {
	trimmed := make(map[string]any, len(obj))
	for k, v := range obj {
		trimmed[k] = v
	}
	delete(trimmed, FieldSignatures)
	for _, f := range exclude {
		delete(trimmed, f)
	}
	return canonicalJSON(trimmed)
}

// Entries extracts the signatures a payload carries.
func Entries(payload []byte) ([]Entry, error) {
	var probe struct {
		Signatures []Entry `json:"signatures"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return probe.Signatures, nil
}

// Strip removes every signature from payload. A payload without signatures is
// returned unchanged.
func Strip(payload []byte) ([]byte, error) {
	obj, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}
	if _, ok := obj[FieldSignatures]; !ok {
		return payload, nil
	}
	delete(obj, FieldSignatures)
	return canonicalJSON(obj)
}
