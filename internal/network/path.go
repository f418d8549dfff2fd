package network

import (
	"encoding/json"
	"strings"
)

// Path is the ordered, append-only list of hops a message has traversed.
// Values are never modified in place; Append returns a new Path.
type Path struct {
	hops []NodeID
}

func NewPath(hops ...NodeID) Path {
	if len(hops) == 0 {
		return Path{}
	}
	out := make([]NodeID, len(hops))
	copy(out, hops)
	return Path{hops: out}
}

// Source is the first hop, or the zero NodeID for an empty path.
func (p Path) Source() NodeID {
	if len(p.hops) == 0 {
		return ""
	}
	return p.hops[0]
}

// Last is the most recent hop.
func (p Path) Last() NodeID {
	if len(p.hops) == 0 {
		return ""
	}
	return p.hops[len(p.hops)-1]
}

func (p Path) Len() int {
	return len(p.hops)
}

func (p Path) IsEmpty() bool {
	return len(p.hops) == 0
}

// Hops returns a copy of the hop list.
func (p Path) Hops() []NodeID {
	if len(p.hops) == 0 {
		return nil
	}
	out := make([]NodeID, len(p.hops))
	copy(out, p.hops)
	return out
}

// Append returns a new path with id at the tail.
func (p Path) Append(id NodeID) Path {
	out := make([]NodeID, len(p.hops), len(p.hops)+1)
	copy(out, p.hops)
	return Path{hops: append(out, id)}
}

func (p Path) Contains(id NodeID) bool {
	return p.indexOf(id) >= 0
}

// Reverse returns the path read tail-to-head.
func (p Path) Reverse() Path {
	out := make([]NodeID, len(p.hops))
	for i, hop := range p.hops {
		out[len(p.hops)-1-i] = hop
	}
	return Path{hops: out}
}

// ReverseRoute returns the hops a response travels from self back to the
// source: the path read tail-to-head, starting after self. When self is not
// on the path the whole reversed path is returned.
func (p Path) ReverseRoute(self NodeID) []NodeID {
	idx := p.lastIndexOf(self)
	if idx < 0 {
		idx = len(p.hops)
	}
	out := make([]NodeID, 0, idx)
	for i := idx - 1; i >= 0; i-- {
		out = append(out, p.hops[i])
	}
	return out
}

// PreviousHop is the next hop toward the source for a response leaving self.
func (p Path) PreviousHop(self NodeID) (NodeID, bool) {
	route := p.ReverseRoute(self)
	if len(route) == 0 {
		return "", false
	}
	return route[0], true
}

func (p Path) Equal(other Path) bool {
	if len(p.hops) != len(other.hops) {
		return false
	}
	for i := range p.hops {
		if p.hops[i] != other.hops[i] {
			return false
		}
	}
	return true
}

func (p Path) String() string {
	parts := make([]string, len(p.hops))
	for i, hop := range p.hops {
		parts[i] = string(hop)
	}
	return strings.Join(parts, ">")
}

func (p Path) indexOf(id NodeID) int {
	for i, hop := range p.hops {
		if hop == id {
			return i
		}
	}
	return -1
}

func (p Path) lastIndexOf(id NodeID) int {
	for i := len(p.hops) - 1; i >= 0; i-- {
		if p.hops[i] == id {
			return i
		}
	}
	return -1
}

func (p Path) MarshalJSON() ([]byte, error) {
	hops := p.hops
	if hops == nil {
		hops = []NodeID{}
	}
	return json.Marshal(hops)
}

func (p *Path) UnmarshalJSON(data []byte) error {
	var hops []NodeID
	if err := json.Unmarshal(data, &hops); err != nil {
		return err
	}
	for _, hop := range hops {
		if err := hop.Validate(); err != nil {
			return err
		}
	}
	*p = NewPath(hops...)
	return nil
}
