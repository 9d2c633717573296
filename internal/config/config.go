// Package config loads and validates the gateway configuration from
// YAML, with ${VAR} and ${VAR:-default} environment substitution.
package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config is the root gateway configuration.
type Config struct {
	Log           LogConfig           `yaml:"log"`
	Server        ServerConfig        `yaml:"server"`
	Cache         CacheConfig         `yaml:"cache"`
	RateLimit     RateLimitConfig     `yaml:"rateLimit"`
	Auth          AuthConfig          `yaml:"auth"`
	Routes        RoutesConfig        `yaml:"routes"`
	ResponseCache ResponseCacheConfig `yaml:"responseCache"`
	Forward       ForwardConfig       `yaml:"forward"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address        string   `yaml:"address"`
	ReadTimeout    Duration `yaml:"readTimeout"`
	WriteTimeout   Duration `yaml:"writeTimeout"`
	IdleTimeout    Duration `yaml:"idleTimeout"`
	MaxHeaderBytes int      `yaml:"maxHeaderBytes"`
}

// CacheConfig selects the shared cache backend.
type CacheConfig struct {
	Backend string       `yaml:"backend"` // "memory" or "redis"
	Redis   *RedisConfig `yaml:"redis"`
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	URL            string   `yaml:"url"`
	KeyPrefix      string   `yaml:"keyPrefix"`
	PoolSize       int      `yaml:"poolSize"`
	ConnectTimeout Duration `yaml:"connectTimeout"`
	ReadTimeout    Duration `yaml:"readTimeout"`
	WriteTimeout   Duration `yaml:"writeTimeout"`
}

// RateLimitConfig controls the rate limiter.
type RateLimitConfig struct {
	Backend           string         `yaml:"backend"` // "memory" or "redis"
	FailClosed        bool           `yaml:"failClosed"`
	CountOnlyAdmitted bool           `yaml:"countOnlyAdmitted"`
	Redis             *RedisConfig   `yaml:"redis"`
	Policies          []PolicyConfig `yaml:"policies"`
}

// PolicyConfig binds a route tier to a fixed-window policy.
type PolicyConfig struct {
	Tier          string `yaml:"tier"`
	MaxRequests   int    `yaml:"maxRequests"`
	WindowSeconds int    `yaml:"windowSeconds"`
}

// AuthConfig configures the credential validators.
type AuthConfig struct {
	APIKeys []APIKeyConfig `yaml:"apiKeys"`
	JWT     *JWTConfig     `yaml:"jwt"`
	OAuth   *OAuthConfig   `yaml:"oauth"`
}

// APIKeyConfig is a provisioned API key record.
type APIKeyConfig struct {
	ID           string    `yaml:"id"`
	HashedSecret string    `yaml:"hashedSecret"`
	Active       bool      `yaml:"active"`
	ExpiresAt    time.Time `yaml:"expiresAt"`
	Permissions  []string  `yaml:"permissions"`
}

// JWTConfig configures local JWT verification.
type JWTConfig struct {
	Secret    string   `yaml:"secret"`
	Algorithm string   `yaml:"algorithm"`
	ClockSkew Duration `yaml:"clockSkew"`
	Issuer    string   `yaml:"issuer"`
}

// OAuthConfig configures remote token introspection.
type OAuthConfig struct {
	Endpoint     string   `yaml:"endpoint"`
	ClientID     string   `yaml:"clientId"`
	ClientSecret string   `yaml:"clientSecret"`
	Timeout      Duration `yaml:"timeout"`
}

// RoutesConfig points at the route table file.
type RoutesConfig struct {
	File     string   `yaml:"file"`
	Watch    bool     `yaml:"watch"`
	CacheTTL Duration `yaml:"cacheTTL"`
}

// ResponseCacheConfig controls response caching.
type ResponseCacheConfig struct {
	Enabled     bool     `yaml:"enabled"`
	DefaultTTL  Duration `yaml:"defaultTTL"`
	VaryHeaders []string `yaml:"varyHeaders"`
}

// ForwardConfig controls backend forwarding.
type ForwardConfig struct {
	Timeout Duration `yaml:"timeout"`
}

// DefaultConfig returns a runnable configuration: memory backends, no
// authentication validators, no rate limit policies.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Address:        ":8080",
			ReadTimeout:    Duration(30 * time.Second),
			WriteTimeout:   Duration(60 * time.Second),
			IdleTimeout:    Duration(120 * time.Second),
			MaxHeaderBytes: 1 << 20,
		},
		Cache: CacheConfig{
			Backend: "memory",
		},
		RateLimit: RateLimitConfig{
			Backend: "memory",
		},
		Routes: RoutesConfig{
			File:  "routes.yaml",
			Watch: true,
		},
		ResponseCache: ResponseCacheConfig{
			Enabled:    true,
			DefaultTTL: Duration(time.Hour),
		},
		Forward: ForwardConfig{
			Timeout: Duration(30 * time.Second),
		},
	}
}

// applyDefaults fills zero values with the defaults.
func (c *Config) applyDefaults() {
	def := DefaultConfig()

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	if c.Server.Address == "" {
		c.Server.Address = def.Server.Address
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = def.Server.ReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = def.Server.WriteTimeout
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = def.Server.IdleTimeout
	}
	if c.Server.MaxHeaderBytes == 0 {
		c.Server.MaxHeaderBytes = def.Server.MaxHeaderBytes
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = def.Cache.Backend
	}
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = def.RateLimit.Backend
	}
	if c.Routes.File == "" {
		c.Routes.File = def.Routes.File
	}
	if c.ResponseCache.DefaultTTL == 0 {
		c.ResponseCache.DefaultTTL = def.ResponseCache.DefaultTTL
	}
	if c.Forward.Timeout == 0 {
		c.Forward.Timeout = def.Forward.Timeout
	}
}

// Validate checks the configuration for fatal mistakes. A gateway must
// refuse to start on an invalid rate limit policy rather than silently
// running unprotected.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}

	if err := validateBackend("cache", c.Cache.Backend, c.Cache.Redis); err != nil {
		return err
	}
	if err := validateBackend("rateLimit", c.RateLimit.Backend, c.RateLimit.Redis); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.RateLimit.Policies))
	for _, p := range c.RateLimit.Policies {
		if p.Tier == "" {
			return fmt.Errorf("rate limit policy without a tier")
		}
		if seen[p.Tier] {
			return fmt.Errorf("duplicate rate limit policy for tier %q", p.Tier)
		}
		seen[p.Tier] = true
		if p.MaxRequests <= 0 {
			return fmt.Errorf("rate limit policy %q: maxRequests must be positive", p.Tier)
		}
		if p.WindowSeconds <= 0 {
			return fmt.Errorf("rate limit policy %q: windowSeconds must be positive", p.Tier)
		}
	}

	for _, key := range c.Auth.APIKeys {
		if key.ID == "" || key.HashedSecret == "" {
			return fmt.Errorf("api key entries need id and hashedSecret")
		}
	}
	if c.Auth.JWT != nil && c.Auth.JWT.Secret == "" {
		return fmt.Errorf("jwt auth requires a secret")
	}
	if c.Auth.OAuth != nil {
		if _, err := url.ParseRequestURI(c.Auth.OAuth.Endpoint); err != nil {
			return fmt.Errorf("oauth introspection endpoint is invalid: %w", err)
		}
	}

	return nil
}

func validateBackend(section, backend string, redis *RedisConfig) error {
	switch backend {
	case "memory":
		return nil
	case "redis":
		if redis == nil || redis.URL == "" {
			return fmt.Errorf("%s: redis backend requires redis.url", section)
		}
		return nil
	default:
		return fmt.Errorf("%s: unknown backend %q", section, backend)
	}
}
