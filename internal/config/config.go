package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/evmesh/internal/network"
	"github.com/danmuck/evmesh/internal/protocol"
	"github.com/danmuck/evmesh/internal/protocol/session"
	"github.com/danmuck/evmesh/internal/relay"
)

var ErrInvalidConfig = errors.New("config: invalid node config")

type Role string

const (
	RoleChargingStation Role = "charging_station"
	RoleRouter          Role = "router"
	RoleCSMS            Role = "csms"
)

func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "charging_station", "cs", "cp":
		return RoleChargingStation, nil
	case "router", "lc":
		return RoleRouter, nil
	case "csms":
		return RoleCSMS, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidConfig, raw)
	}
}

// Peer is an upstream node this node dials.
type Peer struct {
	ID  network.NodeID
	URL string
}

type FilterConfig struct {
	RateLimit    float64
	Burst        int
	DenyActions  []string
	AllowSources []network.NodeID
}

// KeyConfig holds one encoded key ("alg:base64").
type KeyConfig struct {
	ID      string
	Encoded string
}

type RuleConfig struct {
	Action    string
	Direction string
	Sign      []string
	Hash      string
	Verify    []string
	Required  bool
	MinValid  int
	Exclude   []string
}

// NodeConfig is the runtime configuration of one networking node.
type NodeConfig struct {
	ID   network.NodeID
	Role Role
	// ListenAddr enables the websocket server when set.
	ListenAddr string
	// AdminAddr enables the admin HTTP routes when set.
	AdminAddr string
	Prefix    string
	Format    protocol.Format
	Overlay   bool

	// Secret is presented when dialing peers.
	Secret string
	// Secrets validates nodes connecting to this one. Empty accepts all.
	Secrets map[string]string
	Peers   []Peer

	Routes             map[network.NodeID]network.NodeID
	DefaultRoute       network.NodeID
	DefaultDestination network.NodeID
	Forwarder          relay.ForwarderConfig
	Filters            FilterConfig

	CompressThreshold int

	Keys        []KeyConfig
	TrustedKeys []KeyConfig
	Rules       []RuleConfig

	Session session.Config
}

func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		Role:               RoleChargingStation,
		Prefix:             "/ocpp",
		Format:             protocol.FormatText,
		Secrets:            map[string]string{},
		Routes:             map[network.NodeID]network.NodeID{},
		DefaultDestination: network.RootCSMS,
		Forwarder:          relay.DefaultForwarderConfig(),
		CompressThreshold:  protocol.DefaultCodecConfig().CompressThreshold,
		Session:            session.DefaultConfig(),
	}
}

// nodectl config.toml key mapping to NodeConfig.
type fileConfig struct {
	ID                 string            `toml:"id"`
	Role               string            `toml:"role"`
	Listen             string            `toml:"listen"`
	Admin              string            `toml:"admin"`
	Prefix             string            `toml:"prefix"`
	Format             string            `toml:"format"`
	Overlay            bool              `toml:"overlay"`
	Secret             string            `toml:"secret"`
	Secrets            map[string]string `toml:"secrets"`
	DefaultRoute       string            `toml:"default_route"`
	DefaultDestination string            `toml:"default_destination"`
	DefaultDecision    string            `toml:"default_decision"`
	CompressThreshold  int               `toml:"compress_threshold"`
	RequestTimeout     time.Duration     `toml:"request_timeout"`
	Routes             map[string]string `toml:"routes"`
	Peers              []filePeer        `toml:"peers"`
	Filters            fileFilters       `toml:"filters"`
	Keys               []fileKey         `toml:"keys"`
	Trusted            []fileKey         `toml:"trusted"`
	Rules              []fileRule        `toml:"rules"`
	Session            fileSession       `toml:"session"`
}

type filePeer struct {
	ID  string `toml:"id"`
	URL string `toml:"url"`
}

type fileFilters struct {
	RateLimit    float64  `toml:"rate_limit"`
	Burst        int      `toml:"burst"`
	DenyActions  []string `toml:"deny_actions"`
	AllowSources []string `toml:"allow_sources"`
}

type fileKey struct {
	ID   string `toml:"id"`
	Key  string `toml:"key"`
	File string `toml:"file"`
}

type fileRule struct {
	Action    string   `toml:"action"`
	Direction string   `toml:"direction"`
	Sign      []string `toml:"sign"`
	Hash      string   `toml:"hash"`
	Verify    []string `toml:"verify"`
	Required  bool     `toml:"required"`
	MinValid  int      `toml:"min_valid"`
	Exclude   []string `toml:"exclude"`
}

type fileSession struct {
	SecurityMode     string        `toml:"security_mode"`
	HandshakeTimeout time.Duration `toml:"handshake_timeout"`
	WriteTimeout     time.Duration `toml:"write_timeout"`
	PingInterval     time.Duration `toml:"ping_interval"`
	ReadLimitBytes   int64         `toml:"read_limit_bytes"`
	TLSEnabled       bool          `toml:"tls_enabled"`
	TLSMutual        bool          `toml:"tls_mutual"`
	TLSCertFile      string        `toml:"tls_cert_file"`
	TLSKeyFile       string        `toml:"tls_key_file"`
	TLSCAFile        string        `toml:"tls_ca_file"`
	TLSSkipVerify    bool          `toml:"tls_insecure_skip_verify"`
}

// Load reads a TOML file over DefaultNodeConfig and validates the result.
func Load(path string) (NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("load node config (%s): %w", path, err)
	}
	cfg, err := Parse(string(data), filepath.Dir(path))
	if err != nil {
		return NodeConfig{}, fmt.Errorf("load node config (%s): %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML text. Relative key files resolve against baseDir.
func Parse(data, baseDir string) (NodeConfig, error) {
	cfg := DefaultNodeConfig()

	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("parse node config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return NodeConfig{}, fmt.Errorf("%w: unknown key %q", ErrInvalidConfig, undecoded[0].String())
	}

	if meta.IsDefined("id") {
		cfg.ID = network.NodeID(strings.TrimSpace(raw.ID))
	}
	if meta.IsDefined("role") {
		if cfg.Role, err = ParseRole(raw.Role); err != nil {
			return NodeConfig{}, err
		}
	}
	if meta.IsDefined("listen") {
		cfg.ListenAddr = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("admin") {
		cfg.AdminAddr = strings.TrimSpace(raw.Admin)
	}
	if meta.IsDefined("prefix") {
		cfg.Prefix = strings.TrimSpace(raw.Prefix)
	}
	if meta.IsDefined("format") {
		if cfg.Format, err = protocol.ParseFormat(raw.Format); err != nil {
			return NodeConfig{}, fmt.Errorf("%w: format: %v", ErrInvalidConfig, err)
		}
	}
	if meta.IsDefined("overlay") {
		cfg.Overlay = raw.Overlay
	}
	if meta.IsDefined("secret") {
		cfg.Secret = raw.Secret
	}
	for id, secret := range raw.Secrets {
		cfg.Secrets[strings.TrimSpace(id)] = secret
	}
	if meta.IsDefined("default_route") {
		cfg.DefaultRoute = network.NodeID(strings.TrimSpace(raw.DefaultRoute))
	}
	if meta.IsDefined("default_destination") {
		cfg.DefaultDestination = network.NodeID(strings.TrimSpace(raw.DefaultDestination))
	}
	if meta.IsDefined("default_decision") {
		outcome, err := relay.ParseForwardOutcome(strings.TrimSpace(raw.DefaultDecision))
		if err != nil || outcome == relay.DecisionReplace {
			return NodeConfig{}, fmt.Errorf("%w: default_decision %q (expected FORWARD or REJECT)", ErrInvalidConfig, raw.DefaultDecision)
		}
		cfg.Forwarder.DefaultDecision = outcome
	}
	if meta.IsDefined("compress_threshold") {
		cfg.CompressThreshold = raw.CompressThreshold
	}
	if meta.IsDefined("request_timeout") {
		cfg.Session.RequestTimeout = raw.RequestTimeout
	}
	for dest, next := range raw.Routes {
		cfg.Routes[network.NodeID(strings.TrimSpace(dest))] = network.NodeID(strings.TrimSpace(next))
	}
	for _, p := range raw.Peers {
		cfg.Peers = append(cfg.Peers, Peer{
			ID:  network.NodeID(strings.TrimSpace(p.ID)),
			URL: strings.TrimSpace(p.URL),
		})
	}

	cfg.Filters = FilterConfig{
		RateLimit:   raw.Filters.RateLimit,
		Burst:       raw.Filters.Burst,
		DenyActions: raw.Filters.DenyActions,
	}
	for _, src := range raw.Filters.AllowSources {
		cfg.Filters.AllowSources = append(cfg.Filters.AllowSources, network.NodeID(strings.TrimSpace(src)))
	}

	if cfg.Keys, err = resolveKeys("keys", raw.Keys, baseDir); err != nil {
		return NodeConfig{}, err
	}
	if cfg.TrustedKeys, err = resolveKeys("trusted", raw.Trusted, baseDir); err != nil {
		return NodeConfig{}, err
	}
	for _, r := range raw.Rules {
		cfg.Rules = append(cfg.Rules, RuleConfig(r))
	}

	applySession(&cfg.Session, raw.Session, meta)
	cfg.Session = cfg.Session.WithDefaults()

	if err := Validate(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func applySession(s *session.Config, raw fileSession, meta toml.MetaData) {
	if meta.IsDefined("session", "security_mode") {
		s.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if meta.IsDefined("session", "handshake_timeout") {
		s.HandshakeTimeout = raw.HandshakeTimeout
	}
	if meta.IsDefined("session", "write_timeout") {
		s.WriteTimeout = raw.WriteTimeout
	}
	if meta.IsDefined("session", "ping_interval") {
		s.PingInterval = raw.PingInterval
	}
	if meta.IsDefined("session", "read_limit_bytes") {
		s.ReadLimitBytes = raw.ReadLimitBytes
	}
	if meta.IsDefined("session", "tls_enabled") {
		s.TLS.Enabled = raw.TLSEnabled
	}
	if meta.IsDefined("session", "tls_mutual") {
		s.TLS.Mutual = raw.TLSMutual
	}
	if meta.IsDefined("session", "tls_cert_file") {
		s.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("session", "tls_key_file") {
		s.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("session", "tls_ca_file") {
		s.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	if meta.IsDefined("session", "tls_insecure_skip_verify") {
		s.TLS.InsecureSkipVerify = raw.TLSSkipVerify
	}
}

// resolveKeys reads inline keys or key files relative to baseDir.
func resolveKeys(section string, keys []fileKey, baseDir string) ([]KeyConfig, error) {
	out := make([]KeyConfig, 0, len(keys))
	for i, k := range keys {
		id := strings.TrimSpace(k.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: %s[%d] missing id", ErrInvalidConfig, section, i)
		}
		encoded := strings.TrimSpace(k.Key)
		if file := strings.TrimSpace(k.File); file != "" {
			if encoded != "" {
				return nil, fmt.Errorf("%w: %s[%d] sets both key and file", ErrInvalidConfig, section, i)
			}
			if !filepath.IsAbs(file) {
				file = filepath.Join(baseDir, file)
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("%s[%d] key file %q: %w", section, i, k.File, err)
			}
			encoded = strings.TrimSpace(string(data))
		}
		if encoded == "" {
			return nil, fmt.Errorf("%w: %s[%d] has no key", ErrInvalidConfig, section, i)
		}
		out = append(out, KeyConfig{ID: id, Encoded: encoded})
	}
	return out, nil
}

func Validate(cfg NodeConfig) error {
	if err := cfg.ID.Validate(); err != nil {
		return fmt.Errorf("%w: id: %v", ErrInvalidConfig, err)
	}
	if cfg.ListenAddr != "" && !strings.HasPrefix(cfg.Prefix, "/") {
		return fmt.Errorf("%w: prefix %q must start with /", ErrInvalidConfig, cfg.Prefix)
	}
	if cfg.Role == RoleChargingStation && cfg.ListenAddr != "" {
		return fmt.Errorf("%w: charging stations do not accept links", ErrInvalidConfig)
	}
	if err := cfg.DefaultDestination.Validate(); err != nil {
		return fmt.Errorf("%w: default_destination: %v", ErrInvalidConfig, err)
	}
	if !cfg.DefaultRoute.IsZero() {
		if err := cfg.DefaultRoute.Validate(); err != nil {
			return fmt.Errorf("%w: default_route: %v", ErrInvalidConfig, err)
		}
	}
	for dest, next := range cfg.Routes {
		if dest.Validate() != nil || next.Validate() != nil {
			return fmt.Errorf("%w: route %q -> %q", ErrInvalidConfig, dest, next)
		}
	}
	seen := map[network.NodeID]struct{}{}
	for i, p := range cfg.Peers {
		if err := p.ID.Validate(); err != nil {
			return fmt.Errorf("%w: peers[%d] id: %v", ErrInvalidConfig, i, err)
		}
		if p.ID == cfg.ID {
			return fmt.Errorf("%w: peers[%d] is this node", ErrInvalidConfig, i)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("%w: duplicate peer %q", ErrInvalidConfig, p.ID)
		}
		seen[p.ID] = struct{}{}
		if !strings.HasPrefix(p.URL, "ws://") && !strings.HasPrefix(p.URL, "wss://") {
			return fmt.Errorf("%w: peers[%d] url %q must be ws:// or wss://", ErrInvalidConfig, i, p.URL)
		}
	}
	if cfg.Filters.RateLimit < 0 || cfg.Filters.Burst < 0 {
		return fmt.Errorf("%w: negative rate limit", ErrInvalidConfig)
	}
	for _, src := range cfg.Filters.AllowSources {
		if err := src.Validate(); err != nil {
			return fmt.Errorf("%w: allow_sources: %v", ErrInvalidConfig, err)
		}
	}
	if cfg.Session.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request_timeout must be positive", ErrInvalidConfig)
	}
	return nil
}
