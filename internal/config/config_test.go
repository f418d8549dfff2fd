package config

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/evmesh/internal/network"
	"github.com/danmuck/evmesh/internal/protocol"
	"github.com/danmuck/evmesh/internal/relay"
	"github.com/danmuck/evmesh/internal/signature"
	"github.com/danmuck/evmesh/internal/testutil/testlog"
)

func TestLoadDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()

	key, err := signature.GenerateKey(signature.AlgEd25519, "r1-key", rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	encoded, err := key.Encode()
	if err != nil {
		t.Fatalf("encode key: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "r1.key"), []byte(encoded+"\n"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	path := filepath.Join(dir, "node.toml")
	content := `
id = "r1"
role = "router"
listen = ":9200"
admin = "127.0.0.1:9201"
format = "compact"
overlay = true
secret = "r1-secret"
default_route = "CSMS"
default_decision = "REJECT"
request_timeout = "5s"

[secrets]
cp1 = "cp1-secret"

[routes]
cp9 = "r2"

[[peers]]
id = "CSMS"
url = "wss://csms.local/ocpp"

[filters]
rate_limit = 2.5
deny_actions = ["Reset"]
allow_sources = ["cp1", "cp2"]

[[keys]]
id = "r1-key"
file = "r1.key"

[[rules]]
action = "AddUserRole"
direction = "request"
sign = ["r1-key"]
hash = "sha3-256"

[session]
security_mode = "production"
ping_interval = "7s"
tls_enabled = true
tls_ca_file = "/etc/evmesh/ca.crt"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ID != "r1" || cfg.Role != RoleRouter {
		t.Fatalf("unexpected identity: %q %q", cfg.ID, cfg.Role)
	}
	if cfg.Format != protocol.FormatCompact || !cfg.Overlay {
		t.Fatalf("unexpected format: %s overlay=%t", cfg.Format, cfg.Overlay)
	}
	if cfg.Prefix != "/ocpp" {
		t.Fatalf("prefix default not applied: %q", cfg.Prefix)
	}
	if cfg.DefaultDestination != network.RootCSMS {
		t.Fatalf("default destination: %q", cfg.DefaultDestination)
	}
	if cfg.Forwarder.DefaultDecision != relay.DecisionReject {
		t.Fatalf("default decision: %s", cfg.Forwarder.DefaultDecision)
	}
	if cfg.Session.RequestTimeout != 5*time.Second || cfg.Session.PingInterval != 7*time.Second {
		t.Fatalf("unexpected session timing: %+v", cfg.Session)
	}
	if cfg.Session.WriteTimeout != 15*time.Second {
		t.Fatalf("write timeout default not applied: %s", cfg.Session.WriteTimeout)
	}
	if !cfg.Session.TLS.Enabled || cfg.Session.TLS.CAFile != "/etc/evmesh/ca.crt" {
		t.Fatalf("unexpected tls: %+v", cfg.Session.TLS)
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0].ID != network.RootCSMS {
		t.Fatalf("unexpected peers: %+v", cfg.Peers)
	}
	if len(cfg.Keys) != 1 || cfg.Keys[0].Encoded != encoded {
		t.Fatalf("key file not resolved: %+v", cfg.Keys)
	}

	next, err := cfg.RoutingTable().NextHop("cp9")
	if err != nil || next != "r2" {
		t.Fatalf("route cp9 -> %q err=%v", next, err)
	}
	next, err = cfg.RoutingTable().NextHop("elsewhere")
	if err != nil || next != network.RootCSMS {
		t.Fatalf("default route -> %q err=%v", next, err)
	}
	if got := len(cfg.CommonFilters()); got != 3 {
		t.Fatalf("common filters=%d", got)
	}
	if err := cfg.Validator().Validate("cp1", "cp1-secret"); err != nil {
		t.Fatalf("validator rejected cp1: %v", err)
	}
	if err := cfg.Validator().Validate("cp1", "nope"); err == nil {
		t.Fatalf("validator accepted wrong secret")
	}
	if out := cfg.OutboundConfig(); out.DefaultTimeout != 5*time.Second || !out.Overlay {
		t.Fatalf("outbound config: %+v", out)
	}

	policy, err := cfg.Policy()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	rule, ok := policy.Rule("AddUserRole", signature.DirectionRequest)
	if !ok || len(rule.SigningKeys) != 1 || rule.SigningKeys[0].Hash != signature.HashSHA3_256 {
		t.Fatalf("unexpected rule: %+v ok=%t", rule, ok)
	}
}

func TestPolicyFromTwoNodesInteroperates(t *testing.T) {
	testlog.Start(t)
	key, err := signature.GenerateKey(signature.AlgEd25519, "csms-key", rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	private, _ := key.Encode()
	public, _ := key.Public().Encode()

	signer := DefaultNodeConfig()
	signer.ID = network.RootCSMS
	signer.Keys = []KeyConfig{{ID: "csms-key", Encoded: private}}
	signer.Rules = []RuleConfig{{Action: "AddUserRole", Direction: "request", Sign: []string{"csms-key"}}}

	verifier := DefaultNodeConfig()
	verifier.ID = "cp1"
	verifier.TrustedKeys = []KeyConfig{{ID: "csms-key", Encoded: public}}
	verifier.Rules = []RuleConfig{{Action: "AddUserRole", Direction: "request", Verify: []string{"csms-key"}, Required: true}}

	sp, err := signer.Policy()
	if err != nil {
		t.Fatalf("signer policy: %v", err)
	}
	vp, err := verifier.Policy()
	if err != nil {
		t.Fatalf("verifier policy: %v", err)
	}
	msg := signature.Message{Action: "AddUserRole", Direction: signature.DirectionRequest, Payload: json.RawMessage(`{"role":"Operator"}`)}
	if ok, reason := vp.Verify(msg); ok {
		t.Fatalf("unsigned payload verified: %s", reason)
	}
	signed, err := sp.Sign(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	msg.Payload = signed
	if ok, reason := vp.Verify(msg); !ok {
		t.Fatalf("verify failed: %s", reason)
	}
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{name: "missing id", content: `role = "router"`, want: "id"},
		{name: "wildcard id", content: `id = "*"`, want: "id"},
		{name: "unknown role", content: "id = \"n1\"\nrole = \"toaster\"", want: "unknown role"},
		{name: "bad format", content: "id = \"n1\"\nformat = \"xml\"", want: "format"},
		{name: "replace default", content: "id = \"n1\"\ndefault_decision = \"REPLACE\"", want: "default_decision"},
		{name: "unknown key", content: "id = \"n1\"\nlisten_port = 9", want: "unknown key"},
		{name: "station listens", content: "id = \"cp1\"\nlisten = \":9\"", want: "charging stations"},
		{name: "peer is self", content: "id = \"n1\"\n[[peers]]\nid = \"n1\"\nurl = \"ws://x\"", want: "is this node"},
		{name: "peer scheme", content: "id = \"n1\"\n[[peers]]\nid = \"n2\"\nurl = \"http://x\"", want: "ws://"},
		{name: "key and file", content: "id = \"n1\"\n[[keys]]\nid = \"k\"\nkey = \"ed25519:AA==\"\nfile = \"k.key\"", want: "both"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.content, t.TempDir())
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Parse err=%v want %q", err, tc.want)
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestPolicyUnknownKeyFails(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultNodeConfig()
	cfg.ID = "n1"
	cfg.Rules = []RuleConfig{{Action: "Heartbeat", Direction: "response", Sign: []string{"missing"}}}
	if _, err := cfg.Policy(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestTemplatesParse(t *testing.T) {
	testlog.Start(t)
	for _, role := range []Role{RoleChargingStation, RoleRouter, RoleCSMS} {
		data, err := Template(role)
		if err != nil {
			t.Fatalf("template %s: %v", role, err)
		}
		cfg, err := Parse(data, "")
		if err != nil {
			t.Fatalf("parse %s template: %v", role, err)
		}
		if cfg.Role != role {
			t.Fatalf("template %s parsed role %s", role, cfg.Role)
		}
	}
	path := filepath.Join(t.TempDir(), "node.toml")
	if err := WriteTemplate(path, RoleRouter, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, RoleRouter, false); err == nil {
		t.Fatalf("expected existing config error")
	}
	if _, err := Template("toaster"); err == nil {
		t.Fatalf("expected unknown role error")
	}
}
