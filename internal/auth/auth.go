// Package auth validates the shared secrets connecting nodes present at the
// WebSocket upgrade.
//
// It avoids policy decisions and storage concerns.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates the secret presented by a connecting node.
type Validator interface {
	Validate(nodeID, secret string) error
}

// SharedSecret accepts any node presenting one network-wide secret.
// It is intended only for development and proofs of concept.
type SharedSecret struct {
	Secret string
}

func (s SharedSecret) Validate(_ string, secret string) error {
	return compare(s.Secret, secret)
}

// NodeSecrets holds one secret per node id.
type NodeSecrets map[string]string

func (n NodeSecrets) Validate(nodeID, secret string) error {
	stored, ok := n[nodeID]
	if !ok {
		return ErrUnauthorized
	}
	return compare(stored, secret)
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(nodeID, secret string) error

func (f FuncValidator) Validate(nodeID, secret string) error {
	return f(nodeID, secret)
}

func compare(stored, presented string) error {
	if stored == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// CheckRequest validates HTTP basic credentials on r for nodeID. The basic
// auth user must equal nodeID.
func CheckRequest(v Validator, r *http.Request, nodeID string) error {
	if v == nil {
		return nil
	}
	user, pass, ok := r.BasicAuth()
	if !ok || strings.TrimSpace(user) != nodeID {
		return ErrUnauthorized
	}
	return v.Validate(nodeID, pass)
}

// SetBasic attaches nodeID's credentials to an outgoing upgrade request header.
func SetBasic(h http.Header, nodeID, secret string) {
	if secret == "" {
		return
	}
	r := http.Request{Header: h}
	r.SetBasicAuth(nodeID, secret)
}
