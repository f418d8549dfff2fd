package signature

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/sha3"
)

type Algorithm string

const (
	AlgEd25519    Algorithm = "ed25519"
	AlgDilithium3 Algorithm = "dilithium3"
)

type HashAlgorithm string

const (
	HashSHA256   HashAlgorithm = "sha256"
	HashSHA512   HashAlgorithm = "sha512"
	HashSHA3_256 HashAlgorithm = "sha3-256"
)

func Digest(hashAlg HashAlgorithm, message []byte) ([]byte, error) {
	switch hashAlg {
	case HashSHA256:
		s := sha256.Sum256(message)
		return s[:], nil
	case HashSHA512:
		s := sha512.Sum512(message)
		return s[:], nil
	case HashSHA3_256:
		s := sha3.Sum256(message)
		return s[:], nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedHash, hashAlg)
	}
}

// PrivateKey is a named signing key.
type PrivateKey struct {
	ID   string
	Alg  Algorithm
	ed   ed25519.PrivateKey
	dil3 *mode3.PrivateKey
}

// PublicKey is a named verification key.
type PublicKey struct {
	ID   string
	Alg  Algorithm
	ed   ed25519.PublicKey
	dil3 *mode3.PublicKey
}

func GenerateKey(alg Algorithm, id string, rand io.Reader) (PrivateKey, error) {
	switch alg {
	case AlgEd25519:
		_, sk, err := ed25519.GenerateKey(rand)
		if err != nil {
			return PrivateKey{}, err
		}
		return PrivateKey{ID: id, Alg: alg, ed: sk}, nil
	case AlgDilithium3:
		_, sk, err := mode3.GenerateKey(rand)
		if err != nil {
			return PrivateKey{}, err
		}
		return PrivateKey{ID: id, Alg: alg, dil3: sk}, nil
	default:
		return PrivateKey{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}

func (k PrivateKey) Public() PublicKey {
	switch k.Alg {
	case AlgEd25519:
		return PublicKey{ID: k.ID, Alg: k.Alg, ed: k.ed.Public().(ed25519.PublicKey)}
	case AlgDilithium3:
		return PublicKey{ID: k.ID, Alg: k.Alg, dil3: k.dil3.Public().(*mode3.PublicKey)}
	default:
		return PublicKey{ID: k.ID, Alg: k.Alg}
	}
}

// Sign signs digest, which callers compute with Digest.
func (k PrivateKey) Sign(digest []byte) ([]byte, error) {
	switch {
	case k.Alg == AlgEd25519 && k.ed != nil:
		return ed25519.Sign(k.ed, digest), nil
	case k.Alg == AlgDilithium3 && k.dil3 != nil:
		sig := make([]byte, mode3.SignatureSize)
		mode3.SignTo(k.dil3, digest, sig)
		return sig, nil
	default:
		return nil, fmt.Errorf("%w: key %q alg=%q", ErrInvalidKey, k.ID, k.Alg)
	}
}

func (k PublicKey) Verify(digest, sig []byte) bool {
	switch {
	case k.Alg == AlgEd25519 && k.ed != nil:
		return len(sig) == ed25519.SignatureSize && ed25519.Verify(k.ed, digest, sig)
	case k.Alg == AlgDilithium3 && k.dil3 != nil:
		return len(sig) == mode3.SignatureSize && mode3.Verify(k.dil3, digest, sig)
	default:
		return false
	}
}

// Encode renders the key as "alg:base64".
func (k PrivateKey) Encode() (string, error) {
	var raw []byte
	switch k.Alg {
	case AlgEd25519:
		raw = k.ed.Seed()
	case AlgDilithium3:
		b, err := k.dil3.MarshalBinary()
		if err != nil {
			return "", err
		}
		raw = b
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, k.Alg)
	}
	return string(k.Alg) + ":" + base64.StdEncoding.EncodeToString(raw), nil
}

func (k PublicKey) Encode() (string, error) {
	var raw []byte
	switch k.Alg {
	case AlgEd25519:
		raw = k.ed
	case AlgDilithium3:
		b, err := k.dil3.MarshalBinary()
		if err != nil {
			return "", err
		}
		raw = b
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, k.Alg)
	}
	return string(k.Alg) + ":" + base64.StdEncoding.EncodeToString(raw), nil
}

func splitEncoded(encoded string) (Algorithm, []byte, error) {
	alg, enc, ok := strings.Cut(strings.TrimSpace(encoded), ":")
	if !ok {
		return "", nil, fmt.Errorf("%w: expected alg:base64", ErrInvalidKey)
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return Algorithm(alg), raw, nil
}

func ParsePrivateKey(id, encoded string) (PrivateKey, error) {
	alg, raw, err := splitEncoded(encoded)
	if err != nil {
		return PrivateKey{}, err
	}
	switch alg {
	case AlgEd25519:
		if len(raw) != ed25519.SeedSize {
			return PrivateKey{}, fmt.Errorf("%w: ed25519 seed length %d", ErrInvalidKey, len(raw))
		}
		return PrivateKey{ID: id, Alg: alg, ed: ed25519.NewKeyFromSeed(raw)}, nil
	case AlgDilithium3:
		var sk mode3.PrivateKey
		if err := sk.UnmarshalBinary(raw); err != nil {
			return PrivateKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return PrivateKey{ID: id, Alg: alg, dil3: &sk}, nil
	default:
		return PrivateKey{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}

func ParsePublicKey(id, encoded string) (PublicKey, error) {
	alg, raw, err := splitEncoded(encoded)
	if err != nil {
		return PublicKey{}, err
	}
	switch alg {
	case AlgEd25519:
		if len(raw) != ed25519.PublicKeySize {
			return PublicKey{}, fmt.Errorf("%w: ed25519 public key length %d", ErrInvalidKey, len(raw))
		}
		return PublicKey{ID: id, Alg: alg, ed: ed25519.PublicKey(raw)}, nil
	case AlgDilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(raw); err != nil {
			return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return PublicKey{ID: id, Alg: alg, dil3: &pk}, nil
	default:
		return PublicKey{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}
