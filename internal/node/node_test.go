package node

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/evmesh/internal/config"
	"github.com/danmuck/evmesh/internal/messages"
	"github.com/danmuck/evmesh/internal/network"
	"github.com/danmuck/evmesh/internal/protocol"
	"github.com/danmuck/evmesh/internal/relay"
	"github.com/danmuck/evmesh/internal/signature"
	"github.com/danmuck/evmesh/internal/testutil/testlog"
	"github.com/danmuck/evmesh/internal/transport/loopback"
	"github.com/gin-gonic/gin"
)

var fixedNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

type mesh struct {
	t   *testing.T
	net *loopback.Network
}

func newMesh(t *testing.T) *mesh {
	t.Helper()
	net := loopback.New()
	t.Cleanup(net.Close)
	return &mesh{t: t, net: net}
}

func (m *mesh) add(cfg config.NodeConfig) *NetworkingNode {
	m.t.Helper()
	n, err := New(cfg)
	if err != nil {
		m.t.Fatalf("new node %s: %v", cfg.ID, err)
	}
	if _, err := n.AttachLoopback(m.net); err != nil {
		m.t.Fatalf("attach %s: %v", cfg.ID, err)
	}
	return n
}

func (m *mesh) link(a, b network.NodeID) {
	m.t.Helper()
	if err := m.net.Link(a, b); err != nil {
		m.t.Fatalf("link %s<->%s: %v", a, b, err)
	}
}

func baseConfig(id network.NodeID, role config.Role) config.NodeConfig {
	cfg := config.DefaultNodeConfig()
	cfg.ID = id
	cfg.Role = role
	cfg.Overlay = true
	cfg.Session.RequestTimeout = 2 * time.Second
	return cfg
}

// chain builds cp1 <-> r1 <-> CSMS. Each config may be adjusted first.
func chain(t *testing.T, adjust func(cp, router, csms *config.NodeConfig)) (*mesh, *NetworkingNode, *NetworkingNode, *NetworkingNode) {
	t.Helper()
	cpCfg := baseConfig("cp1", config.RoleChargingStation)
	cpCfg.DefaultRoute = "r1"
	routerCfg := baseConfig("r1", config.RoleRouter)
	routerCfg.DefaultRoute = network.RootCSMS
	csmsCfg := baseConfig(network.RootCSMS, config.RoleCSMS)
	csmsCfg.Routes = map[network.NodeID]network.NodeID{"cp1": "r1"}
	if adjust != nil {
		adjust(&cpCfg, &routerCfg, &csmsCfg)
	}

	m := newMesh(t)
	cp := m.add(cpCfg)
	router := m.add(routerCfg)
	csms := m.add(csmsCfg)
	m.link("cp1", "r1")
	m.link("r1", network.RootCSMS)
	return m, cp, router, csms
}

type decisions struct {
	mu  sync.Mutex
	got []relay.ForwardOutcome
}

func watchDecisions(t *testing.T, n *NetworkingNode) *decisions {
	t.Helper()
	d := &decisions{}
	if err := n.Events().Subscribe(relay.EventRequestFiltered, func(ev relay.Event) {
		d.mu.Lock()
		d.got = append(d.got, ev.Decision)
		d.mu.Unlock()
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return d
}

func (d *decisions) list() []relay.ForwardOutcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]relay.ForwardOutcome(nil), d.got...)
}

func TestHeartbeatThroughRouter(t *testing.T) {
	testlog.Start(t)
	for _, format := range []protocol.Format{protocol.FormatText, protocol.FormatHybrid, protocol.FormatCompact} {
		t.Run(format.String(), func(t *testing.T) {
			_, cp, router, csms := chain(t, func(cp, _, _ *config.NodeConfig) { cp.Format = format })
			if err := csms.RegisterMessages(messages.Handlers{Now: func() time.Time { return fixedNow }}); err != nil {
				t.Fatalf("register: %v", err)
			}
			seen := watchDecisions(t, router)

			resp, res := messages.SendHeartbeat(context.Background(), cp.Outbound(), cp.NewRequest("", nil))
			if !res.OK() {
				t.Fatalf("heartbeat failed: %s %v", res.Outcome, res.Err)
			}
			if resp.CurrentTime != "2026-10-14T12:00:00Z" {
				t.Fatalf("unexpected heartbeat: %+v", resp)
			}
			if res.Response.Format != format {
				t.Fatalf("response format %s, want %s", res.Response.Format, format)
			}
			if got := seen.list(); len(got) != 1 || got[0] != relay.DecisionForward {
				t.Fatalf("router decisions=%v", got)
			}
			if len(cp.PendingRequests()) != 0 {
				t.Fatalf("pending left behind: %+v", cp.PendingRequests())
			}
		})
	}
}

func TestRouterDefaultRejectAnswersCSMS(t *testing.T) {
	testlog.Start(t)
	_, cp, router, csms := chain(t, func(_, router, _ *config.NodeConfig) {
		router.Forwarder.DefaultDecision = relay.DecisionReject
	})
	roles := messages.NewRoleStore()
	if err := cp.RegisterMessages(messages.Handlers{Roles: roles}); err != nil {
		t.Fatalf("register: %v", err)
	}
	seen := watchDecisions(t, router)

	resp, res := messages.SendAddUserRole(context.Background(), csms.Outbound(),
		messages.AddUserRoleRequest{Role: "Operator", Users: []string{"alice"}},
		relay.Request{Destination: network.To("cp1")})
	if !res.OK() {
		t.Fatalf("add user role: %s %v", res.Outcome, res.Err)
	}
	if resp.Status != messages.StatusRejected {
		t.Fatalf("status=%q, want Rejected", resp.Status)
	}
	if members := roles.Members("Operator"); len(members) != 0 {
		t.Fatalf("rejected request reached the station: %v", members)
	}
	if got := seen.list(); len(got) != 1 || got[0] != relay.DecisionReject {
		t.Fatalf("router decisions=%v", got)
	}
}

func TestSignedRequestVerifiedAtStation(t *testing.T) {
	testlog.Start(t)
	key, err := signature.GenerateKey(signature.AlgEd25519, "csms-key", rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	private, _ := key.Encode()
	public, _ := key.Public().Encode()

	for _, signed := range []bool{true, false} {
		name := "unsigned"
		if signed {
			name = "signed"
		}
		t.Run(name, func(t *testing.T) {
			_, cp, _, csms := chain(t, func(cp, _, csms *config.NodeConfig) {
				cp.TrustedKeys = []config.KeyConfig{{ID: "csms-key", Encoded: public}}
				cp.Rules = []config.RuleConfig{{Action: messages.ActionAddUserRole, Direction: "request", Verify: []string{"csms-key"}, Required: true}}
				if signed {
					csms.Keys = []config.KeyConfig{{ID: "csms-key", Encoded: private}}
					csms.Rules = []config.RuleConfig{{Action: messages.ActionAddUserRole, Direction: "request", Sign: []string{"csms-key"}}}
				}
			})
			roles := messages.NewRoleStore()
			if err := cp.RegisterMessages(messages.Handlers{Roles: roles}); err != nil {
				t.Fatalf("register: %v", err)
			}

			resp, res := messages.SendAddUserRole(context.Background(), csms.Outbound(),
				messages.AddUserRoleRequest{Role: "Operator", Users: []string{"alice", "bob"}},
				relay.Request{Destination: network.To("cp1")})
			if signed {
				if !res.OK() || resp.Status != messages.StatusAccepted {
					t.Fatalf("signed request: %s %v resp=%+v", res.Outcome, res.Err, resp)
				}
				if got := roles.Members("Operator"); len(got) != 2 {
					t.Fatalf("members=%v", got)
				}
				return
			}
			if res.Outcome != relay.OutcomeCallError || res.ErrorCode != protocol.CodeSignatureError {
				t.Fatalf("unsigned request: outcome=%s code=%s", res.Outcome, res.ErrorCode)
			}
			if got := roles.Members("Operator"); len(got) != 0 {
				t.Fatalf("unsigned request ran the handler: %v", got)
			}
		})
	}
}

func TestRouterFiltersFromConfig(t *testing.T) {
	testlog.Start(t)
	_, cp, _, csms := chain(t, func(_, router, _ *config.NodeConfig) {
		router.Filters.DenyActions = []string{messages.ActionDataTransfer}
	})
	if err := csms.RegisterMessages(messages.Handlers{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, res := messages.SendDataTransfer(context.Background(), cp.Outbound(), messages.DataTransferRequest{VendorID: "acme"}, cp.NewRequest("", nil))
	if res.Outcome != relay.OutcomeCallError || res.ErrorCode != protocol.CodeNotSupported {
		t.Fatalf("denied action: outcome=%s code=%s err=%v", res.Outcome, res.ErrorCode, res.Err)
	}
	if _, res := messages.SendHeartbeat(context.Background(), cp.Outbound(), cp.NewRequest("", nil)); !res.OK() {
		t.Fatalf("heartbeat should pass the deny filter: %s %v", res.Outcome, res.Err)
	}
}

// slowAction blocks its handler until release is closed.
func slowAction(t *testing.T, n *NetworkingNode) (arrived <-chan struct{}, release chan struct{}) {
	t.Helper()
	in := make(chan struct{}, 1)
	release = make(chan struct{})
	err := n.Registry().Register(relay.ActionSpec{
		Action: "Slow",
		Parser: relay.OpaqueParser,
		Handlers: []relay.Handler{func(ctx context.Context, _ relay.InboundCall) (*relay.Response, error) {
			in <- struct{}{}
			<-release
			return relay.Respond(json.RawMessage(`{"status":"Accepted"}`)), nil
		}},
	})
	if err != nil {
		t.Fatalf("register slow: %v", err)
	}
	return in, release
}

func TestBlockedSubscriberOnOneLinkDoesNotDelayAnother(t *testing.T) {
	testlog.Start(t)
	m := newMesh(t)
	var stations []*NetworkingNode
	for _, id := range []network.NodeID{"cpA", "cpB"} {
		cfg := baseConfig(id, config.RoleChargingStation)
		cfg.DefaultRoute = "r1"
		stations = append(stations, m.add(cfg))
	}
	routerCfg := baseConfig("r1", config.RoleRouter)
	routerCfg.DefaultRoute = network.RootCSMS
	router := m.add(routerCfg)
	csmsCfg := baseConfig(network.RootCSMS, config.RoleCSMS)
	csmsCfg.Routes = map[network.NodeID]network.NodeID{"cpA": "r1", "cpB": "r1"}
	csms := m.add(csmsCfg)
	m.link("cpA", "r1")
	m.link("cpB", "r1")
	m.link("r1", network.RootCSMS)
	if err := csms.RegisterMessages(messages.Handlers{Now: func() time.Time { return fixedNow }}); err != nil {
		t.Fatalf("register: %v", err)
	}

	blocked := make(chan struct{}, 1)
	release := make(chan struct{})
	if err := router.Events().Subscribe(relay.EventRequestReceived, func(ev relay.Event) {
		if ev.Action == "Slow" && ev.Peer == "cpA" {
			blocked <- struct{}{}
			<-release
		}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	slowDone := make(chan relay.Result, 1)
	go func() { slowDone <- stations[0].Send(context.Background(), stations[0].NewRequest("Slow", nil)) }()
	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatalf("slow request never reached the router subscriber")
	}

	done := make(chan relay.Result, 1)
	go func() {
		_, res := messages.SendHeartbeat(context.Background(), stations[1].Outbound(), stations[1].NewRequest("", nil))
		done <- res
	}()
	select {
	case res := <-done:
		if !res.OK() {
			close(release)
			t.Fatalf("heartbeat from cpB: %s %v", res.Outcome, res.Err)
		}
	case <-time.After(time.Second):
		close(release)
		t.Fatalf("heartbeat from cpB waited on a subscriber blocked by cpA")
	}

	close(release)
	select {
	case <-slowDone:
	case <-time.After(3 * time.Second):
		t.Fatalf("slow request never completed after release")
	}
}

func TestLostLinkFailsPendingRequest(t *testing.T) {
	testlog.Start(t)
	m, cp, _, csms := chain(t, nil)
	arrived, release := slowAction(t, csms)
	defer close(release)

	done := make(chan relay.Result, 1)
	go func() { done <- cp.Send(context.Background(), cp.NewRequest("Slow", nil)) }()

	select {
	case <-arrived:
	case <-time.After(2 * time.Second):
		t.Fatalf("request never reached the CSMS")
	}
	m.net.Unlink("cp1", "r1")

	select {
	case res := <-done:
		if res.Outcome != relay.OutcomeTransportError || !errors.Is(res.Err, relay.ErrTransport) {
			t.Fatalf("outcome=%s err=%v", res.Outcome, res.Err)
		}
	case <-time.After(time.Second):
		t.Fatalf("pending request not failed by lost link")
	}
	if len(cp.Routes().Neighbours()) != 0 {
		t.Fatalf("neighbour kept after unlink: %v", cp.Routes().Neighbours())
	}
}

func TestCloseFailsPendingRequest(t *testing.T) {
	testlog.Start(t)
	_, cp, _, csms := chain(t, nil)
	arrived, release := slowAction(t, csms)
	defer close(release)

	done := make(chan relay.Result, 1)
	go func() { done <- cp.Send(context.Background(), cp.NewRequest("Slow", nil)) }()
	<-arrived
	if err := cp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	res := <-done
	if !errors.Is(res.Err, ErrClosed) || res.Outcome != relay.OutcomeTransportError {
		t.Fatalf("outcome=%s err=%v", res.Outcome, res.Err)
	}
}

func TestSendWithoutTransport(t *testing.T) {
	testlog.Start(t)
	n, err := New(baseConfig("cp9", config.RoleChargingStation))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	n.Routes().AddNeighbour(network.RootCSMS)
	res := n.Send(context.Background(), n.NewRequest(messages.ActionHeartbeat, nil))
	if res.Outcome != relay.OutcomeTransportError || !errors.Is(res.Err, relay.ErrTransport) {
		t.Fatalf("outcome=%s err=%v", res.Outcome, res.Err)
	}
	if _, err := New(baseConfig("", config.RoleChargingStation)); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestAdminRoutesReportNodeState(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	_, _, router, _ := chain(t, nil)
	if router.NodeID() != "r1" || router.Kind() != "router" {
		t.Fatalf("identity %s/%s", router.NodeID(), router.Kind())
	}

	rec := httptest.NewRecorder()
	router.HTTPRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/peers", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"peers":["CSMS","cp1"]`) {
		t.Fatalf("peers code=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.HTTPRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pending", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"pending":[]`) {
		t.Fatalf("pending code=%d body=%s", rec.Code, rec.Body.String())
	}
}
