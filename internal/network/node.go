package network

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// RootCSMS is the well-known identity of the network's root management system.
const RootCSMS NodeID = "CSMS"

const broadcastToken = "*"

var ErrInvalidNodeID = errors.New("network: invalid node id")

// NodeID identifies one networking node: charge point, management system, or router.
type NodeID string

func (id NodeID) String() string {
	return string(id)
}

func (id NodeID) IsZero() bool {
	return id == ""
}

// Validate rejects empty identities, whitespace, and the broadcast token.
func (id NodeID) Validate() error {
	s := string(id)
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidNodeID)
	}
	if s == broadcastToken {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidNodeID, s)
	}
	if strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidNodeID, s)
	}
	return nil
}

// ParseNodeID trims and validates raw.
func ParseNodeID(raw string) (NodeID, error) {
	id := NodeID(strings.TrimSpace(raw))
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}
