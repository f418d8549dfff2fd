package network

import (
	"errors"
	"sort"
	"sync"
)

var ErrNoRoute = errors.New("network: no route to destination")

// RoutingTable maps destination nodes to the neighbour that carries traffic
// toward them. Direct neighbours route to themselves.
type RoutingTable struct {
	mu         sync.RWMutex
	neighbours map[NodeID]struct{}
	routes     map[NodeID]NodeID
	fallback   NodeID
}

func NewRoutingTable() *RoutingTable {
	return &RoutingTable{
		neighbours: make(map[NodeID]struct{}),
		routes:     make(map[NodeID]NodeID),
	}
}

// AddNeighbour records a directly connected node.
func (t *RoutingTable) AddNeighbour(id NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.neighbours[id] = struct{}{}
}

func (t *RoutingTable) RemoveNeighbour(id NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.neighbours, id)
}

// AddRoute sends traffic for dest through nextHop.
func (t *RoutingTable) AddRoute(dest, nextHop NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[dest] = nextHop
}

// SetDefault routes every unknown destination through nextHop (usually upstream).
func (t *RoutingTable) SetDefault(nextHop NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fallback = nextHop
}

// NextHop resolves dest: direct neighbour, then static route, then default.
func (t *RoutingTable) NextHop(dest NodeID) (NodeID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.neighbours[dest]; ok {
		return dest, nil
	}
	if hop, ok := t.routes[dest]; ok {
		return hop, nil
	}
	if t.fallback != "" {
		return t.fallback, nil
	}
	return "", ErrNoRoute
}

// Neighbours returns the connected nodes sorted by id.
func (t *RoutingTable) Neighbours() []NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]NodeID, 0, len(t.neighbours))
	for id := range t.neighbours {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Resolve groups targets by next hop so a frame is transmitted once per link.
// Unroutable targets are returned separately.
func (t *RoutingTable) Resolve(targets []NodeID) (map[NodeID][]NodeID, []NodeID) {
	byHop := make(map[NodeID][]NodeID)
	var unroutable []NodeID
	for _, dest := range targets {
		hop, err := t.NextHop(dest)
		if err != nil {
			unroutable = append(unroutable, dest)
			continue
		}
		byHop[hop] = append(byHop[hop], dest)
	}
	return byHop, unroutable
}
