// Package broker implements the JS-Eyes relay broker: it accepts agent and
// automation WebSocket connections and routes automation commands to agents.
package broker

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Config holds broker configuration. Values come from an optional YAML file
// named by JSEYES_BROKER_CONFIG, then environment variables.
type Config struct {
	// Server
	ListenAddr string `yaml:"listen"`

	// Agent authentication. An empty secret disables the challenge.
	AgentSecret string        `yaml:"agent_secret"`
	SessionTTL  time.Duration `yaml:"session_ttl"`
	AuthTimeout time.Duration `yaml:"auth_timeout"`

	// Automation authentication: bcrypt hash of the bearer token.
	TokenHash string `yaml:"token_hash"`

	// Calls
	CallTimeout     time.Duration `yaml:"call_timeout"`
	ResultTTL       time.Duration `yaml:"result_ttl"`
	ResultCacheSize int           `yaml:"result_cache_size"`
	MaxPending      int           `yaml:"max_pending"`
	WarningRatio    float64       `yaml:"warning_ratio"`

	// Per automation connection token bucket
	AutomationRate  float64 `yaml:"automation_rate"` // requests per second
	AutomationBurst int     `yaml:"automation_burst"`

	// Security
	AllowedOrigins []string `yaml:"allowed_origins"`

	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      ":18080",
		SessionTTL:      time.Hour,
		AuthTimeout:     10 * time.Second,
		CallTimeout:     60 * time.Second,
		ResultTTL:       30 * time.Second,
		ResultCacheSize: 1024,
		MaxPending:      1000,
		WarningRatio:    0.8,
		AutomationRate:  20,
		AutomationBurst: 40,
		LogLevel:        "info",
	}
}

// LoadConfig loads configuration from the optional YAML file and the
// environment.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("JSEYES_BROKER_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.ListenAddr = getEnv("JSEYES_LISTEN", cfg.ListenAddr)
	cfg.AgentSecret = getEnv("JSEYES_AGENT_SECRET", cfg.AgentSecret)
	cfg.SessionTTL = parseDuration("JSEYES_SESSION_TTL", cfg.SessionTTL)
	cfg.AuthTimeout = parseDuration("JSEYES_AUTH_TIMEOUT", cfg.AuthTimeout)
	cfg.TokenHash = getEnv("JSEYES_TOKEN_HASH", cfg.TokenHash)
	cfg.CallTimeout = parseDuration("JSEYES_CALL_TIMEOUT", cfg.CallTimeout)
	cfg.ResultTTL = parseDuration("JSEYES_RESULT_TTL", cfg.ResultTTL)
	cfg.ResultCacheSize = parseInt("JSEYES_RESULT_CACHE_SIZE", cfg.ResultCacheSize)
	cfg.MaxPending = parseInt("JSEYES_MAX_PENDING", cfg.MaxPending)
	cfg.WarningRatio = parseFloat("JSEYES_WARNING_RATIO", cfg.WarningRatio)
	cfg.AutomationRate = parseFloat("JSEYES_AUTOMATION_RATE", cfg.AutomationRate)
	cfg.AutomationBurst = parseInt("JSEYES_AUTOMATION_BURST", cfg.AutomationBurst)
	if origins := parseOrigins("JSEYES_ALLOWED_ORIGINS"); origins != nil {
		cfg.AllowedOrigins = origins
	}
	cfg.LogLevel = getEnv("JSEYES_LOG_LEVEL", cfg.LogLevel)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var errs []string

	if c.CallTimeout <= 0 {
		errs = append(errs, "call timeout must be positive")
	}
	if c.AuthTimeout <= 0 {
		errs = append(errs, "auth timeout must be positive")
	}
	if c.SessionTTL < time.Minute {
		errs = append(errs, "session TTL must be at least 1m")
	}
	if c.MaxPending <= 0 {
		errs = append(errs, "max pending must be positive")
	}
	if c.WarningRatio <= 0 || c.WarningRatio > 1 {
		errs = append(errs, "warning ratio must be in (0, 1]")
	}
	if c.ResultCacheSize <= 0 {
		errs = append(errs, "result cache size must be positive")
	}
	if c.AutomationRate <= 0 || c.AutomationBurst < 1 {
		errs = append(errs, "automation rate and burst must be positive")
	}
	if c.TokenHash != "" {
		if _, err := bcrypt.Cost([]byte(c.TokenHash)); err != nil {
			errs = append(errs, "JSEYES_TOKEN_HASH is not a bcrypt hash")
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// AgentAuthRequired reports whether agents must pass the challenge.
func (c *Config) AgentAuthRequired() bool {
	return c.AgentSecret != ""
}

// TokenRequired reports whether automation endpoints need a bearer token.
func (c *Config) TokenRequired() bool {
	return c.TokenHash != ""
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func parseOrigins(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
