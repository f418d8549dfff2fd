package session

import "time"

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig selects certificates for websocket links.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	InsecureSkipVerify bool
}

// Config defines request and link timing defaults.
type Config struct {
	// RequestTimeout applies when a request does not set its own.
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	// ReadLimitBytes caps a single inbound message.
	ReadLimitBytes int64
	SecurityMode   SecurityMode
	TLS            TLSConfig
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout:   30 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     15 * time.Second,
		PingInterval:     20 * time.Second,
		ReadLimitBytes:   8 * 1024 * 1024,
		SecurityMode:     SecurityModeDevelopment,
	}
}

// WithDefaults fills zero durations and limits from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.ReadLimitBytes <= 0 {
		c.ReadLimitBytes = def.ReadLimitBytes
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	return c
}
