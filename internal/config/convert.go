package config

import (
	"fmt"
	"strings"

	"github.com/danmuck/evmesh/internal/auth"
	"github.com/danmuck/evmesh/internal/network"
	"github.com/danmuck/evmesh/internal/protocol"
	"github.com/danmuck/evmesh/internal/relay"
	"github.com/danmuck/evmesh/internal/signature"
)

// Policy builds the signature policy from keys and rules.
func (c NodeConfig) Policy() (*signature.Policy, error) {
	private := make(map[string]signature.PrivateKey, len(c.Keys))
	for _, k := range c.Keys {
		key, err := signature.ParsePrivateKey(k.ID, k.Encoded)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k.ID, err)
		}
		private[k.ID] = key
	}
	public := make(map[string]signature.PublicKey, len(c.TrustedKeys)+len(private))
	for id, key := range private {
		public[id] = key.Public()
	}
	for _, k := range c.TrustedKeys {
		key, err := signature.ParsePublicKey(k.ID, k.Encoded)
		if err != nil {
			return nil, fmt.Errorf("trusted key %q: %w", k.ID, err)
		}
		public[k.ID] = key
	}

	policy, err := signature.NewPolicy()
	if err != nil {
		return nil, err
	}
	for i, rc := range c.Rules {
		rule, err := buildRule(rc, private, public)
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		if err := policy.AddRule(rule); err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
	}
	return policy, nil
}

func buildRule(rc RuleConfig, private map[string]signature.PrivateKey, public map[string]signature.PublicKey) (signature.Rule, error) {
	dir, err := signature.ParseDirection(rc.Direction)
	if err != nil {
		return signature.Rule{}, err
	}
	hash := signature.HashAlgorithm(strings.ToLower(strings.TrimSpace(rc.Hash)))
	if hash == "" {
		hash = signature.HashSHA256
	}
	rule := signature.Rule{
		Action:        strings.TrimSpace(rc.Action),
		Direction:     dir,
		Required:      rc.Required,
		MinValid:      rc.MinValid,
		ExcludeFields: rc.Exclude,
	}
	if rule.Action == "" {
		rule.Action = signature.AnyAction
	}
	for _, id := range rc.Sign {
		key, ok := private[id]
		if !ok {
			return signature.Rule{}, fmt.Errorf("%w: unknown signing key %q", ErrInvalidConfig, id)
		}
		rule.SigningKeys = append(rule.SigningKeys, signature.SigningKey{Key: key, Hash: hash})
	}
	for _, id := range rc.Verify {
		key, ok := public[id]
		if !ok {
			return signature.Rule{}, fmt.Errorf("%w: unknown verification key %q", ErrInvalidConfig, id)
		}
		rule.VerificationKeys = append(rule.VerificationKeys, key)
	}
	return rule, nil
}

// RoutingTable holds static routes only; links add neighbours at runtime.
func (c NodeConfig) RoutingTable() *network.RoutingTable {
	table := network.NewRoutingTable()
	for dest, next := range c.Routes {
		table.AddRoute(dest, next)
	}
	if !c.DefaultRoute.IsZero() {
		table.SetDefault(c.DefaultRoute)
	}
	return table
}

// CommonFilters returns the configured filters in evaluation order.
func (c NodeConfig) CommonFilters() []relay.Filter {
	var filters []relay.Filter
	if len(c.Filters.AllowSources) > 0 {
		filters = append(filters, relay.AllowSourcesFilter(c.Filters.AllowSources...))
	}
	if len(c.Filters.DenyActions) > 0 {
		filters = append(filters, relay.DenyActionsFilter(c.Filters.DenyActions...))
	}
	if c.Filters.RateLimit > 0 {
		burst := c.Filters.Burst
		if burst == 0 {
			burst = int(c.Filters.RateLimit) + 1
		}
		filters = append(filters, relay.NewRateLimitFilter(c.Filters.RateLimit, burst).Filter)
	}
	return filters
}

// Validator returns nil when no secrets are configured.
func (c NodeConfig) Validator() auth.Validator {
	if len(c.Secrets) == 0 {
		return nil
	}
	secrets := make(auth.NodeSecrets, len(c.Secrets))
	for id, s := range c.Secrets {
		secrets[id] = s
	}
	return secrets
}

func (c NodeConfig) CodecConfig() protocol.CodecConfig {
	cfg := protocol.DefaultCodecConfig()
	cfg.CompressThreshold = c.CompressThreshold
	return cfg
}

func (c NodeConfig) OutboundConfig() relay.OutboundConfig {
	return relay.OutboundConfig{
		DefaultTimeout:     c.Session.RequestTimeout,
		DefaultDestination: c.DefaultDestination,
		Overlay:            c.Overlay,
	}.WithDefaults()
}
