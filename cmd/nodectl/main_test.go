package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/evmesh/internal/config"
	"github.com/danmuck/evmesh/internal/signature"
	"github.com/danmuck/evmesh/internal/testutil/testlog"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestKeygenWritesParsableKeys(t *testing.T) {
	testlog.Start(t)
	for _, alg := range []string{"ed25519", "dilithium3"} {
		path := filepath.Join(t.TempDir(), "k.key")
		out, err := run(t, "keygen", "--alg", alg, "--id", "r1-key", "--out", path)
		if err != nil {
			t.Fatalf("keygen %s: %v", alg, err)
		}
		private, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read private: %v", err)
		}
		key, err := signature.ParsePrivateKey("r1-key", string(private))
		if err != nil {
			t.Fatalf("parse private: %v", err)
		}
		public, err := signature.ParsePublicKey("r1-key", out)
		if err != nil {
			t.Fatalf("parse printed public key %q: %v", out, err)
		}
		if key.Alg != public.Alg || string(key.Alg) != alg {
			t.Fatalf("alg mismatch: %s %s", key.Alg, public.Alg)
		}
		if _, err := run(t, "keygen", "--alg", alg, "--out", path); err == nil {
			t.Fatalf("expected existing key error")
		}
	}
	if _, err := run(t, "keygen", "--alg", "rsa", "--out", filepath.Join(t.TempDir(), "x")); err == nil {
		t.Fatalf("expected unsupported algorithm error")
	}
}

func TestInitWritesLoadableTemplate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "node.toml")
	out, err := run(t, "init", "--role", "router", "--out", path)
	if err != nil || !strings.Contains(out, "router") {
		t.Fatalf("init: out=%q err=%v", out, err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if cfg.ID != "r1" || cfg.Role != config.RoleRouter {
		t.Fatalf("unexpected template config: %+v", cfg)
	}
}

func TestParseDestination(t *testing.T) {
	testlog.Start(t)
	if d, err := parseDestination(nil); err != nil || !d.IsZero() {
		t.Fatalf("empty destination: %v %v", d, err)
	}
	if d, err := parseDestination([]string{"cp1"}); err != nil || !d.Includes("cp1") || d.Includes("cp2") {
		t.Fatalf("single destination: %v %v", d, err)
	}
	if d, err := parseDestination([]string{"cp1", "*"}); err != nil || !d.Includes("anyone") {
		t.Fatalf("broadcast destination: %v %v", d, err)
	}
	if _, err := parseDestination([]string{"bad id"}); err == nil {
		t.Fatalf("expected invalid node id error")
	}
}

func TestSendRejectsInvalidPayload(t *testing.T) {
	testlog.Start(t)
	if _, err := run(t, "send", "--payload", "{nope"); err == nil || !strings.Contains(err.Error(), "JSON") {
		t.Fatalf("expected payload error, got %v", err)
	}
}
