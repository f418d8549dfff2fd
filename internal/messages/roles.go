package messages

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/evmesh/internal/relay"
	"github.com/tidwall/gjson"
)

type AddUserRoleRequest struct {
	Role  string   `json:"role"`
	Users []string `json:"users"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

// RoleStore keeps role membership for AddUserRole.
type RoleStore struct {
	mu    sync.RWMutex
	roles map[string]map[string]struct{}
}

func NewRoleStore() *RoleStore {
	return &RoleStore{roles: make(map[string]map[string]struct{})}
}

// Add grants role to users and reports how many were new.
func (s *RoleStore) Add(role string, users ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.roles[role]
	if !ok {
		members = make(map[string]struct{})
		s.roles[role] = members
	}
	added := 0
	for _, u := range users {
		if _, ok := members[u]; !ok {
			members[u] = struct{}{}
			added++
		}
	}
	return added
}

// Members lists the users of role in name order.
func (s *RoleStore) Members(role string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.roles[role]))
	for u := range s.roles[role] {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func ParseAddUserRole(payload json.RawMessage) (any, error) {
	doc, err := parseObject(payload)
	if err != nil {
		return nil, err
	}
	var req AddUserRoleRequest
	if req.Role, err = requireString(doc, "role"); err != nil {
		return nil, err
	}
	users := doc.Get("users")
	if !users.IsArray() || len(users.Array()) == 0 {
		return nil, invalid("users must be a non-empty array")
	}
	for i, u := range users.Array() {
		if u.Type != gjson.String || u.String() == "" {
			return nil, invalid("users[%d] must be a non-empty string", i)
		}
		req.Users = append(req.Users, u.String())
	}
	return req, nil
}

func addUserRoleSpec(h Handlers) relay.ActionSpec {
	return relay.ActionSpec{
		Action: ActionAddUserRole,
		Parser: ParseAddUserRole,
		Handlers: []relay.Handler{func(_ context.Context, call relay.InboundCall) (*relay.Response, error) {
			req := call.Message.(AddUserRoleRequest)
			h.Roles.Add(req.Role, req.Users...)
			return relay.Respond(StatusResponse{Status: StatusAccepted}), nil
		}},
	}
}

func SendAddUserRole(ctx context.Context, out *relay.Outbound, req AddUserRoleRequest, r relay.Request) (StatusResponse, relay.Result) {
	r.Action = ActionAddUserRole
	r.Payload = req
	return relay.Call[StatusResponse](ctx, out, r)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}
