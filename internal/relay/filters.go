package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/evmesh/internal/network"
	"github.com/danmuck/evmesh/internal/protocol"
	"golang.org/x/time/rate"
)

// sourceOf is the originating node of a transiting request.
func sourceOf(req ForwardRequest) network.NodeID {
	if src := req.Envelope.Path.Source(); !src.IsZero() {
		return src
	}
	return req.From
}

// RateLimitFilter rejects requests from a source that exceeds limit.
type RateLimitFilter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[network.NodeID]*rate.Limiter
}

func NewRateLimitFilter(perSecond float64, burst int) *RateLimitFilter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitFilter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[network.NodeID]*rate.Limiter),
	}
}

func (r *RateLimitFilter) limiter(src network.NodeID) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[src]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[src] = l
	}
	return l
}

// Filter is the relay.Filter view of r.
func (r *RateLimitFilter) Filter(_ context.Context, req ForwardRequest) *ForwardingDecision {
	src := sourceOf(req)
	if r.limiter(src).Allow() {
		return nil
	}
	return Reject(protocol.CodeRejected, fmt.Sprintf("rate limit exceeded for %s", src))
}

// DenyActionsFilter rejects the named actions.
func DenyActionsFilter(actions ...string) Filter {
	denied := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		denied[a] = struct{}{}
	}
	return func(_ context.Context, req ForwardRequest) *ForwardingDecision {
		if _, ok := denied[req.Envelope.Action]; ok {
			return Reject(protocol.CodeNotSupported, fmt.Sprintf("action %q not relayed by %s", req.Envelope.Action, req.Self))
		}
		return nil
	}
}

// AllowSourcesFilter rejects requests whose source is not listed.
func AllowSourcesFilter(sources ...network.NodeID) Filter {
	allowed := make(map[network.NodeID]struct{}, len(sources))
	for _, s := range sources {
		allowed[s] = struct{}{}
	}
	return func(_ context.Context, req ForwardRequest) *ForwardingDecision {
		src := sourceOf(req)
		if _, ok := allowed[src]; ok {
			return nil
		}
		return Reject(protocol.CodeSecurityError, fmt.Sprintf("source %s not allowed", src))
	}
}
