package signature

import "errors"

var (
	ErrUnsupportedAlgorithm = errors.New("signature: unsupported algorithm")
	ErrUnsupportedHash      = errors.New("signature: unsupported hash algorithm")
	ErrInvalidKey           = errors.New("signature: invalid key")
	ErrBadPayload           = errors.New("signature: payload is not a json object")
	ErrNoSigningKeys        = errors.New("signature: rule requires signing but has no keys")
	ErrInvalidRule          = errors.New("signature: invalid rule")
)
