// Package config provides server configuration loaded from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/luciancaetano/mrpc/internal/protocol"
)

const logPrefix = "config:LoadConfig"

// Config holds mrpc server configuration.
type Config struct {
	// Endpoint
	Addr string `envconfig:"MRPC_ADDR" default:":8080"`
	Path string `envconfig:"MRPC_PATH" default:"/mRPC/"`

	// Inbound rate limit per connection
	RateLimitEnabled   bool    `envconfig:"MRPC_RATE_LIMIT_ENABLED" default:"true"`
	RateLimitPerSecond float64 `envconfig:"MRPC_RATE_LIMIT_PER_SECOND" default:"100"`
	RateLimitBurst     int     `envconfig:"MRPC_RATE_LIMIT_BURST" default:"200"`

	// Connection limits
	MaxMessageSize int64         `envconfig:"MRPC_MAX_MESSAGE_SIZE" default:"10485760"`
	ReadTimeout    time.Duration `envconfig:"MRPC_READ_TIMEOUT" default:"60s"`
	WriteTimeout   time.Duration `envconfig:"MRPC_WRITE_TIMEOUT" default:"10s"`

	// PolicyFile is a TOML authorization policy. Empty allows everything.
	PolicyFile string `envconfig:"MRPC_POLICY_FILE"`

	// AllowedOrigins lists accepted Origin headers, comma separated (empty = all).
	AllowedOrigins []string `envconfig:"MRPC_ALLOWED_ORIGINS"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the configuration before serving.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%s - MRPC_ADDR is required", logPrefix)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("%s - MRPC_PATH must start with /", logPrefix)
	}
	if c.RateLimitEnabled {
		if c.RateLimitPerSecond <= 0 {
			return fmt.Errorf("%s - MRPC_RATE_LIMIT_PER_SECOND must be positive", logPrefix)
		}
		if c.RateLimitBurst <= 0 {
			return fmt.Errorf("%s - MRPC_RATE_LIMIT_BURST must be positive", logPrefix)
		}
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%s - MRPC_MAX_MESSAGE_SIZE must be positive", logPrefix)
	}
	if c.MaxMessageSize > protocol.MaxMessageSize {
		return fmt.Errorf("%s - MRPC_MAX_MESSAGE_SIZE must not exceed %d", logPrefix, protocol.MaxMessageSize)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%s - MRPC_READ_TIMEOUT must be positive", logPrefix)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%s - MRPC_WRITE_TIMEOUT must be positive", logPrefix)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s - LOG_LEVEL %q is not one of debug, info, warn, error", logPrefix, c.LogLevel)
	}
	return nil
}
