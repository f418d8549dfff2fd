package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/evmesh/internal/network"
	"github.com/danmuck/evmesh/internal/protocol"
)

var (
	ErrEmptyAction   = errors.New("relay: empty action")
	ErrActionExists  = errors.New("relay: action already registered")
	ErrUnknownAction = errors.New("relay: unknown action")
	ErrNilHandler    = errors.New("relay: nil handler")
)

// Parser turns a raw payload into the action's message type.
type Parser func(payload json.RawMessage) (any, error)

// OpaqueParser accepts any JSON object and returns it unchanged. Routers use
// it for actions they do not understand.
func OpaqueParser(payload json.RawMessage) (any, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, err
	}
	if probe == nil {
		return nil, protocol.ErrBadPayload
	}
	return payload, nil
}

// JSONParser decodes payloads into T.
func JSONParser[T any]() Parser {
	return func(payload json.RawMessage) (any, error) {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// InboundCall is a Call addressed to this node, after parsing.
type InboundCall struct {
	From     network.NodeID
	Envelope protocol.Envelope
	Message  any
}

// Response is a handler's answer: a result payload, or an error when
// ErrorCode is set.
type Response struct {
	Payload          any
	ErrorCode        protocol.ErrorCode
	ErrorDescription string
	ErrorDetails     any
}

func Respond(payload any) *Response {
	return &Response{Payload: payload}
}

func Fail(code protocol.ErrorCode, description string, details any) *Response {
	return &Response{ErrorCode: code, ErrorDescription: description, ErrorDetails: details}
}

func (r *Response) IsError() bool {
	return r != nil && r.ErrorCode != ""
}

// Handler answers a Call. Returning (nil, nil) means no answer; the next
// handler is consulted. A non-nil error becomes an InternalError reply.
type Handler func(ctx context.Context, call InboundCall) (*Response, error)

// ForwardRequest is a transiting Call presented to forwarding filters.
type ForwardRequest struct {
	Self     network.NodeID
	From     network.NodeID
	Envelope protocol.Envelope
	Message  any
}

// Filter inspects a transiting Call. Returning nil passes the decision on.
type Filter func(ctx context.Context, req ForwardRequest) *ForwardingDecision

// ActionSpec is the registration of one action.
type ActionSpec struct {
	Action   string
	Parser   Parser
	Handlers []Handler
	Filters  []Filter
}

// Registry stores action registrations by name. Registrations normally happen
// once at startup; lookups are concurrent.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]*ActionSpec
	common  []Filter
}

func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]*ActionSpec)}
}

// Register adds an action. A nil parser defaults to OpaqueParser.
func (r *Registry) Register(entry ActionSpec) error {
	entry.Action = strings.TrimSpace(entry.Action)
	if entry.Action == "" {
		return ErrEmptyAction
	}
	if entry.Parser == nil {
		entry.Parser = OpaqueParser
	}
	for _, h := range entry.Handlers {
		if h == nil {
			return fmt.Errorf("%w: action %q", ErrNilHandler, entry.Action)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actions[entry.Action]; ok {
		return fmt.Errorf("%w: %q", ErrActionExists, entry.Action)
	}
	cp := entry
	cp.Handlers = append([]Handler(nil), entry.Handlers...)
	cp.Filters = append([]Filter(nil), entry.Filters...)
	r.actions[entry.Action] = &cp
	return nil
}

// AddHandler appends h to the action's handler list.
func (r *Registry) AddHandler(action string, h Handler) error {
	if h == nil {
		return ErrNilHandler
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.actions[action]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	entry.Handlers = append(entry.Handlers, h)
	return nil
}

// AddFilter appends f to the action's filter list.
func (r *Registry) AddFilter(action string, f Filter) error {
	if f == nil {
		return ErrNilHandler
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.actions[action]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	entry.Filters = append(entry.Filters, f)
	return nil
}

// AddCommonFilter registers f for every action, ahead of per-action filters.
func (r *Registry) AddCommonFilter(f Filter) {
	if f == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.common = append(r.common, f)
}

// Lookup returns a copy of the action's registration.
func (r *Registry) Lookup(action string) (ActionSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.actions[action]
	if !ok {
		return ActionSpec{}, false
	}
	cp := *entry
	cp.Handlers = append([]Handler(nil), entry.Handlers...)
	cp.Filters = append([]Filter(nil), entry.Filters...)
	return cp, true
}

// FilterChain returns the common filters followed by the action's filters.
func (r *Registry) FilterChain(action string) []Filter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain := append([]Filter(nil), r.common...)
	if entry, ok := r.actions[action]; ok {
		chain = append(chain, entry.Filters...)
	}
	return chain
}

// Actions lists registered actions in name order.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.actions))
	for name := range r.actions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
