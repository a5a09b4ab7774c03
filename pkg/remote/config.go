package remote

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Default client configuration values.
const (
	// DefaultKeepaliveTime is the default interval for keepalive pings.
	DefaultKeepaliveTime = 10 * time.Second

	// DefaultKeepaliveTimeout is the default timeout for keepalive
	// responses.
	DefaultKeepaliveTimeout = 5 * time.Second

	// DefaultMaxMessageSize is the default maximum gRPC message size.
	// Program source and run output both fit well under this.
	DefaultMaxMessageSize = 16 * 1024 * 1024
)

// Configuration errors.
var (
	ErrNoEndpoint    = errors.New("runner endpoint is required")
	ErrInvalidConfig = errors.New("invalid runner client configuration")
)

// Config holds the settings for a runner client.
type Config struct {
	// Endpoint is the gRPC host:port. Required.
	Endpoint string

	// Token is sent as x-token metadata on every call when set.
	// Supports ${VAR} environment expansion.
	Token string

	// UseTLS enables TLS for the connection.
	UseTLS bool

	// Keepalive configuration.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// MaxMessageSize caps gRPC messages in both directions, in bytes.
	MaxMessageSize int
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeepaliveTime:    DefaultKeepaliveTime,
		KeepaliveTimeout: DefaultKeepaliveTimeout,
		MaxMessageSize:   DefaultMaxMessageSize,
	}
}

// WithDefaults returns a new config with default values applied for
// any zero values in the original config.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.KeepaliveTime == 0 {
		c.KeepaliveTime = defaults.KeepaliveTime
	}
	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = defaults.KeepaliveTimeout
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}

	return c
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return ErrNoEndpoint
	}

	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: max message size must be positive", ErrInvalidConfig)
	}

	if c.KeepaliveTime <= 0 {
		return fmt.Errorf("%w: keepalive time must be positive", ErrInvalidConfig)
	}

	if c.KeepaliveTimeout <= 0 {
		return fmt.Errorf("%w: keepalive timeout must be positive", ErrInvalidConfig)
	}

	return nil
}

// ExpandedToken returns the token with ${VAR} references replaced by
// environment values. A bare $ stays untouched; tokens may contain one.
func (c *Config) ExpandedToken() string {
	s := c.Token
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			return s
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			return s
		}
		end += start
		s = s[:start] + os.Getenv(s[start+2:end]) + s[end+1:]
	}
}
