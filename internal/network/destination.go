package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrInvalidDestination = errors.New("network: invalid destination")

// RoutingKind tags a SourceRouting expression.
type RoutingKind uint8

const (
	RoutingNone RoutingKind = iota
	RoutingSingle
	RoutingSet
	RoutingBroadcast
)

func (k RoutingKind) String() string {
	switch k {
	case RoutingSingle:
		return "single"
	case RoutingSet:
		return "set"
	case RoutingBroadcast:
		return "broadcast"
	default:
		return "none"
	}
}

// SourceRouting is a destination expression: one node, an explicit set, or broadcast.
type SourceRouting struct {
	kind  RoutingKind
	nodes []NodeID
}

func To(id NodeID) SourceRouting {
	return SourceRouting{kind: RoutingSingle, nodes: []NodeID{id}}
}

// ToSet deduplicates ids; a set of one collapses to To.
func ToSet(ids ...NodeID) SourceRouting {
	seen := make(map[NodeID]struct{}, len(ids))
	out := make([]NodeID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	switch len(out) {
	case 0:
		return SourceRouting{}
	case 1:
		return To(out[0])
	}
	return SourceRouting{kind: RoutingSet, nodes: out}
}

func Broadcast() SourceRouting {
	return SourceRouting{kind: RoutingBroadcast}
}

func (d SourceRouting) Kind() RoutingKind {
	return d.kind
}

func (d SourceRouting) IsZero() bool {
	return d.kind == RoutingNone
}

// Nodes returns the addressed nodes for Single and Set expressions.
func (d SourceRouting) Nodes() []NodeID {
	if len(d.nodes) == 0 {
		return nil
	}
	out := make([]NodeID, len(d.nodes))
	copy(out, d.nodes)
	return out
}

// Includes reports whether id is addressed. Broadcast addresses every node.
func (d SourceRouting) Includes(id NodeID) bool {
	switch d.kind {
	case RoutingBroadcast:
		return true
	case RoutingSingle, RoutingSet:
		for _, n := range d.nodes {
			if n == id {
				return true
			}
		}
	}
	return false
}

// Targets evaluates the expression against the recorded path and returns the
// addressed nodes that still need the message. Nodes already on the path are
// never returned. Broadcast resolves to the given neighbours.
func (d SourceRouting) Targets(path Path, neighbours []NodeID) []NodeID {
	var candidates []NodeID
	switch d.kind {
	case RoutingBroadcast:
		candidates = neighbours
	case RoutingSingle, RoutingSet:
		candidates = d.nodes
	default:
		return nil
	}
	out := make([]NodeID, 0, len(candidates))
	for _, id := range candidates {
		if path.Contains(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (d SourceRouting) Validate() error {
	switch d.kind {
	case RoutingNone, RoutingBroadcast:
		return nil
	case RoutingSingle, RoutingSet:
		if len(d.nodes) == 0 {
			return fmt.Errorf("%w: %s without nodes", ErrInvalidDestination, d.kind)
		}
		for _, id := range d.nodes {
			if err := id.Validate(); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidDestination, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidDestination, d.kind)
	}
}

func (d SourceRouting) Equal(other SourceRouting) bool {
	if d.kind != other.kind || len(d.nodes) != len(other.nodes) {
		return false
	}
	a := d.Nodes()
	b := other.Nodes()
	sort.Slice(a, func(i, j int) bool { return a[i] < a[j] })
	sort.Slice(b, func(i, j int) bool { return b[i] < b[j] })
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (d SourceRouting) String() string {
	switch d.kind {
	case RoutingBroadcast:
		return broadcastToken
	case RoutingSingle, RoutingSet:
		parts := make([]string, len(d.nodes))
		for i, id := range d.nodes {
			parts[i] = string(id)
		}
		return strings.Join(parts, ",")
	default:
		return ""
	}
}

// MarshalJSON encodes Single as a string, Set as an array and Broadcast as "*".
func (d SourceRouting) MarshalJSON() ([]byte, error) {
	switch d.kind {
	case RoutingBroadcast:
		return json.Marshal(broadcastToken)
	case RoutingSingle:
		return json.Marshal(d.nodes[0])
	case RoutingSet:
		return json.Marshal(d.nodes)
	default:
		return []byte("null"), nil
	}
}

func (d *SourceRouting) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*d = SourceRouting{}
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var ids []NodeID
		if err := json.Unmarshal(data, &ids); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDestination, err)
		}
		if len(ids) == 0 {
			return fmt.Errorf("%w: empty set", ErrInvalidDestination)
		}
		parsed := ToSet(ids...)
		if err := parsed.Validate(); err != nil {
			return err
		}
		*d = parsed
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}
	if raw == broadcastToken {
		*d = Broadcast()
		return nil
	}
	id, err := ParseNodeID(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}
	*d = To(id)
	return nil
}
