package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/evmesh/internal/network"
	"github.com/danmuck/evmesh/internal/protocol"
	"github.com/google/uuid"
)

var (
	ErrDuplicateRequestID = errors.New("session: duplicate request id")
	ErrEmptyRequestID     = errors.New("session: empty request id")
	ErrTimeout            = errors.New("session: request timed out")
	ErrCanceled           = errors.New("session: request canceled")
)

// NewRequestID returns a fresh random request id.
func NewRequestID() string {
	return uuid.NewString()
}

// PendingRequest describes one outstanding Call.
type PendingRequest struct {
	RequestID   string
	Action      string
	Format      protocol.Format
	Destination network.SourceRouting
	NextHops    []network.NodeID
	IssuedAt    time.Time
	Timeout     time.Duration
}

// Deadline is the instant the request times out.
func (r PendingRequest) Deadline() time.Time {
	return r.IssuedAt.Add(r.Timeout)
}

// Completion is what resolves a pending request: a correlated envelope, or an
// error when the request failed before or after correlation.
type Completion struct {
	Envelope protocol.Envelope
	Err      error
}

type pendingEntry struct {
	info PendingRequest
	done chan Completion
}

// PendingTable maps request ids to outstanding requests. Removing an entry
// from the table is what makes a resolver the single winner; the winner then
// owns the entry's one-slot completion channel.
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
	now     func() time.Time
}

func NewPendingTable() *PendingTable {
	return &PendingTable{
		entries: make(map[string]*pendingEntry),
		now:     time.Now,
	}
}

// Pending is the caller's handle on a registered request.
type Pending struct {
	table *PendingTable
	entry *pendingEntry
}

func (p *Pending) Info() PendingRequest {
	return p.entry.info
}

// Register records req. IssuedAt defaults to now.
func (t *PendingTable) Register(req PendingRequest) (*Pending, error) {
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" {
		return nil, ErrEmptyRequestID
	}
	if req.IssuedAt.IsZero() {
		req.IssuedAt = t.now()
	}
	entry := &pendingEntry{info: req, done: make(chan Completion, 1)}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[req.RequestID]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateRequestID, req.RequestID)
	}
	t.entries[req.RequestID] = entry
	return &Pending{table: t, entry: entry}, nil
}

// take removes the entry for id when it is still the one registered. It
// returns nil when another resolver already won.
func (t *PendingTable) take(id string, want *pendingEntry) *pendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[id]
	if !ok || (want != nil && entry != want) {
		return nil
	}
	delete(t.entries, id)
	return entry
}

// Resolve completes the request with c. It returns false when no request with
// that id is outstanding.
func (t *PendingTable) Resolve(requestID string, c Completion) bool {
	entry := t.take(requestID, nil)
	if entry == nil {
		return false
	}
	entry.done <- c
	return true
}

// Fail completes the request with err.
func (t *PendingTable) Fail(requestID string, err error) bool {
	return t.Resolve(requestID, Completion{Err: err})
}

// Lookup returns the outstanding request without resolving it.
func (t *PendingTable) Lookup(requestID string) (PendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[requestID]
	if !ok {
		return PendingRequest{}, false
	}
	return entry.info, true
}

func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Snapshot lists outstanding requests ordered by issue time.
func (t *PendingTable) Snapshot() []PendingRequest {
	t.mu.Lock()
	out := make([]PendingRequest, 0, len(t.entries))
	for _, entry := range t.entries {
		out = append(out, entry.info)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out
}

// Wait blocks until the request is resolved, its timeout elapses or ctx is
// done. Exactly one of those wins; when a timeout or cancellation loses the
// race to a resolver, the resolver's completion is returned instead.
func (p *Pending) Wait(ctx context.Context) Completion {
	var expired <-chan time.Time
	if p.entry.info.Timeout > 0 {
		remaining := p.entry.info.Timeout - p.table.now().Sub(p.entry.info.IssuedAt)
		if remaining < 0 {
			remaining = 0
		}
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case c := <-p.entry.done:
		return c
	case <-expired:
		return p.abandon(ErrTimeout)
	case <-ctx.Done():
		return p.abandon(fmt.Errorf("%w: %v", ErrCanceled, ctx.Err()))
	}
}

// Cancel withdraws the request. It returns false when it was already resolved.
func (p *Pending) Cancel() bool {
	if p.table.take(p.entry.info.RequestID, p.entry) == nil {
		return false
	}
	p.entry.done <- Completion{Err: ErrCanceled}
	return true
}

func (p *Pending) abandon(err error) Completion {
	if p.table.take(p.entry.info.RequestID, p.entry) != nil {
		return Completion{Err: err}
	}
	return <-p.entry.done
}
