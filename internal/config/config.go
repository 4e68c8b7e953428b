// Package config handles agent configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all agent configuration.
type Config struct {
	// Connection
	BrokerURL string // WebSocket URL (ws:// or wss://)
	ClientID  string // Identifies this agent in auth_response
	SecretKey string // HMAC key for the challenge handshake (empty: legacy only)
	UserAgent string // Reported to the broker; drives browserName
	Token     string // Bearer token for the broker's protected HTTP endpoints

	// Authentication
	AuthTimeout       time.Duration // Wait for auth_challenge before legacy fallback
	AuthResultTimeout time.Duration // Wait for auth_result after responding
	RefreshSkew       time.Duration // Reconnect this long before the session expires

	// Reconnect
	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	// Inbound guards
	RateLimit        int
	RateWindow       time.Duration
	RateBlock        time.Duration
	DedupTTL         time.Duration
	QueueCapacity    int
	RequestTTL       time.Duration
	CleanupInterval  time.Duration
	DataPushInterval time.Duration // 0 disables the periodic tab push

	// Health
	HealthURL              string
	HealthInterval         time.Duration
	HealthTimeout          time.Duration
	CriticalCooldown       time.Duration
	WarningThrottle        int
	MaxConsecutiveFailures int

	// Fallback
	FallbackURL          string
	FallbackThreshold    int // primary failures before the fallback starts
	FallbackMaxAttempts  int
	FallbackMaxInterval  time.Duration
	PrimaryRetryInterval time.Duration

	// Agent-originated calls
	CallTimeout time.Duration

	// Browser
	DevToolsURL string // Attach to a running Chrome; empty launches one
	Headless    bool

	// Behavior
	LogLevel string // Logging level (debug, info, warn, error)
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		BrokerURL:              "ws://localhost:18080/ws?type=agent",
		ClientID:               "agent-" + hostname,
		UserAgent:              "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
		AuthTimeout:            10 * time.Second,
		AuthResultTimeout:      5 * time.Second,
		RefreshSkew:            5 * time.Minute,
		ReconnectBase:          2 * time.Second,
		ReconnectMax:           60 * time.Second,
		RateLimit:              60,
		RateWindow:             time.Minute,
		RateBlock:              30 * time.Second,
		DedupTTL:               60 * time.Second,
		QueueCapacity:          100,
		RequestTTL:             60 * time.Second,
		CleanupInterval:        10 * time.Second,
		DataPushInterval:       30 * time.Second,
		HealthInterval:         30 * time.Second,
		HealthTimeout:          5 * time.Second,
		CriticalCooldown:       60 * time.Second,
		WarningThrottle:        50,
		MaxConsecutiveFailures: 3,
		FallbackThreshold:      5,
		FallbackMaxAttempts:    10,
		FallbackMaxInterval:    30 * time.Second,
		PrimaryRetryInterval:   30 * time.Second,
		CallTimeout:            30 * time.Second,
		Headless:               true,
		LogLevel:               "info",
	}
}

// LoadFromEnv loads configuration from environment variables. A .env file in
// the working directory is read first when present; real environment
// variables take precedence over it.
func LoadFromEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	cfg.BrokerURL = getEnv("JSEYES_URL", cfg.BrokerURL)
	cfg.ClientID = getEnv("JSEYES_CLIENT_ID", cfg.ClientID)
	cfg.SecretKey = os.Getenv("JSEYES_SECRET")
	cfg.UserAgent = getEnv("JSEYES_USER_AGENT", cfg.UserAgent)
	cfg.Token = os.Getenv("JSEYES_TOKEN")

	var errs []string
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"JSEYES_AUTH_TIMEOUT", &cfg.AuthTimeout},
		{"JSEYES_AUTH_RESULT_TIMEOUT", &cfg.AuthResultTimeout},
		{"JSEYES_REFRESH_SKEW", &cfg.RefreshSkew},
		{"JSEYES_RECONNECT_BASE", &cfg.ReconnectBase},
		{"JSEYES_RECONNECT_MAX", &cfg.ReconnectMax},
		{"JSEYES_RATE_WINDOW", &cfg.RateWindow},
		{"JSEYES_RATE_BLOCK", &cfg.RateBlock},
		{"JSEYES_DEDUP_TTL", &cfg.DedupTTL},
		{"JSEYES_REQUEST_TTL", &cfg.RequestTTL},
		{"JSEYES_CLEANUP_INTERVAL", &cfg.CleanupInterval},
		{"JSEYES_DATA_INTERVAL", &cfg.DataPushInterval},
		{"JSEYES_HEALTH_INTERVAL", &cfg.HealthInterval},
		{"JSEYES_HEALTH_TIMEOUT", &cfg.HealthTimeout},
		{"JSEYES_CRITICAL_COOLDOWN", &cfg.CriticalCooldown},
		{"JSEYES_FALLBACK_MAX_INTERVAL", &cfg.FallbackMaxInterval},
		{"JSEYES_PRIMARY_RETRY_INTERVAL", &cfg.PrimaryRetryInterval},
		{"JSEYES_CALL_TIMEOUT", &cfg.CallTimeout},
	}
	for _, d := range durations {
		if err := parseDuration(d.key, d.dst); err != nil {
			errs = append(errs, err.Error())
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"JSEYES_RATE_LIMIT", &cfg.RateLimit},
		{"JSEYES_QUEUE_CAPACITY", &cfg.QueueCapacity},
		{"JSEYES_WARNING_THROTTLE", &cfg.WarningThrottle},
		{"JSEYES_MAX_HEALTH_FAILURES", &cfg.MaxConsecutiveFailures},
		{"JSEYES_FALLBACK_THRESHOLD", &cfg.FallbackThreshold},
		{"JSEYES_FALLBACK_MAX_ATTEMPTS", &cfg.FallbackMaxAttempts},
	}
	for _, i := range ints {
		if err := parseInt(i.key, i.dst); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return nil, errors.New(strings.Join(errs, "; "))
	}

	// Health and fallback endpoints default to the broker's HTTP surface.
	cfg.HealthURL = getEnv("JSEYES_HEALTH_URL", deriveHTTPURL(cfg.BrokerURL, "/health"))
	cfg.FallbackURL = getEnv("JSEYES_FALLBACK_URL", deriveHTTPURL(cfg.BrokerURL, "/events"))

	cfg.DevToolsURL = os.Getenv("JSEYES_DEVTOOLS_URL")
	if v := os.Getenv("JSEYES_HEADLESS"); v != "" {
		cfg.Headless = v == "1" || strings.EqualFold(v, "true")
	}

	cfg.LogLevel = getEnv("JSEYES_LOG_LEVEL", cfg.LogLevel)

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.BrokerURL == "" {
		return errors.New("broker URL is required")
	}
	u, err := url.Parse(c.BrokerURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("broker URL must be ws:// or wss://, got %q", c.BrokerURL)
	}
	if c.ClientID == "" {
		return errors.New("client id is required")
	}
	if c.AuthTimeout <= 0 || c.AuthResultTimeout <= 0 {
		return errors.New("auth timeouts must be positive")
	}
	if c.ReconnectBase <= 0 || c.ReconnectMax < c.ReconnectBase {
		return errors.New("reconnect base must be positive and not exceed reconnect max")
	}
	if c.RateLimit < 1 || c.RateWindow <= 0 {
		return errors.New("rate limit must allow at least 1 request per positive window")
	}
	if c.QueueCapacity < 1 {
		return errors.New("queue capacity must be at least 1")
	}
	if c.CleanupInterval < time.Second {
		return errors.New("cleanup interval must be at least 1 second")
	}
	if c.WarningThrottle < 0 || c.WarningThrottle > 100 {
		return errors.New("warning throttle must be a percentage")
	}
	return nil
}

// deriveHTTPURL maps ws://host/ws?type=agent to http://host<path>.
func deriveHTTPURL(wsURL, path string) string {
	u, err := url.Parse(wsURL)
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = path
	u.RawQuery = ""
	return u.String()
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare numbers are seconds
		secs, aerr := strconv.Atoi(v)
		if aerr != nil {
			return fmt.Errorf("%s must be a duration", key)
		}
		d = time.Duration(secs) * time.Second
	}
	*dst = d
	return nil
}

func parseInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s must be a number", key)
	}
	*dst = i
	return nil
}
