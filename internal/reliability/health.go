package reliability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/imjszhang/js-eyes/internal/protocol"
)

// HealthStatus is the broker's health as seen by the agent.
type HealthStatus string

const (
	HealthUnknown  HealthStatus = "unknown"
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// HealthConfig configures a HealthChecker.
type HealthConfig struct {
	URL                    string
	Interval               time.Duration
	Timeout                time.Duration
	CriticalCooldown       time.Duration
	WarningThrottle        int // percent of requests to shed while in warning
	MaxConsecutiveFailures int
}

// Decision is the answer to CanSendRequest.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Throttle   int // percent, only set while in warning
	Reason     string
}

// HealthChecker polls a health endpoint and gates outbound calls. A critical
// status opens a circuit for CriticalCooldown.
type HealthChecker struct {
	cfg    HealthConfig
	log    zerolog.Logger
	client *http.Client

	mu                  sync.Mutex
	status              HealthStatus
	consecutiveFailures int
	circuitUntil        time.Time
	lastCheck           time.Time
	lastError           string
	onChange            func(from, to HealthStatus)
	now                 Clock
}

// NewHealthChecker creates a checker; zero config fields get defaults.
func NewHealthChecker(cfg HealthConfig, log zerolog.Logger) *HealthChecker {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CriticalCooldown <= 0 {
		cfg.CriticalCooldown = 60 * time.Second
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	return &HealthChecker{
		cfg:    cfg,
		log:    log.With().Str("component", "health").Logger(),
		client: &http.Client{Timeout: cfg.Timeout},
		status: HealthUnknown,
		now:    time.Now,
	}
}

// OnChange registers a callback for status transitions. It runs without
// the checker's lock held.
func (h *HealthChecker) OnChange(fn func(from, to HealthStatus)) {
	h.mu.Lock()
	h.onChange = fn
	h.mu.Unlock()
}

// Run polls until ctx is cancelled. The first check runs immediately.
func (h *HealthChecker) Run(ctx context.Context) {
	if h.cfg.URL == "" {
		return
	}
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	h.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

type healthReply struct {
	Status string `json:"status"`
}

// Check performs one poll and records its outcome.
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	status, err := h.poll(ctx)
	if err != nil {
		h.log.Debug().Err(err).Msg("health check failed")
		return h.RecordFailure(err)
	}
	return h.RecordSuccess(status)
}

func (h *HealthChecker) poll(ctx context.Context) (HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("health endpoint returned HTTP %d", resp.StatusCode)
	}

	var reply healthReply
	if err := json.Unmarshal(body, &reply); err != nil {
		if resp.StatusCode < 300 && strings.TrimSpace(string(body)) == "ok" {
			return HealthHealthy, nil
		}
		return "", fmt.Errorf("parse health reply: %w", err)
	}
	return ParseHealthStatus(reply.Status), nil
}

// ParseHealthStatus maps a reported status string onto a HealthStatus.
func ParseHealthStatus(s string) HealthStatus {
	switch strings.ToLower(s) {
	case "healthy", "ok", "up":
		return HealthHealthy
	case "warning", "degraded":
		return HealthWarning
	case "critical", "unhealthy", "down":
		return HealthCritical
	default:
		return HealthUnknown
	}
}

// RecordSuccess records a reply reporting status.
func (h *HealthChecker) RecordSuccess(status HealthStatus) HealthStatus {
	h.mu.Lock()
	now := h.now()
	h.lastCheck = now
	h.lastError = ""
	h.consecutiveFailures = 0
	if status == HealthUnknown {
		status = HealthHealthy
	}
	if status == HealthCritical {
		h.circuitUntil = now.Add(h.cfg.CriticalCooldown)
	} else {
		h.circuitUntil = time.Time{}
	}
	return h.transitionLocked(status)
}

// RecordFailure records a missing or unreadable reply. The status turns
// critical once MaxConsecutiveFailures is reached.
func (h *HealthChecker) RecordFailure(err error) HealthStatus {
	h.mu.Lock()
	now := h.now()
	h.lastCheck = now
	if err != nil {
		h.lastError = err.Error()
	}
	h.consecutiveFailures++

	status := h.status
	if h.consecutiveFailures >= h.cfg.MaxConsecutiveFailures {
		status = HealthCritical
		h.circuitUntil = now.Add(h.cfg.CriticalCooldown)
	} else if status != HealthCritical {
		status = HealthWarning
	}
	return h.transitionLocked(status)
}

// transitionLocked sets the status and releases h.mu.
func (h *HealthChecker) transitionLocked(to HealthStatus) HealthStatus {
	from := h.status
	h.status = to
	fn := h.onChange
	failures := h.consecutiveFailures
	h.mu.Unlock()

	if from != to {
		h.log.Info().
			Str("from", string(from)).
			Str("to", string(to)).
			Int("consecutive_failures", failures).
			Msg("health status changed")
		if fn != nil {
			fn(from, to)
		}
	}
	return to
}

// CanSendRequest reports whether an outbound call may proceed. While the
// circuit is open it refuses with the remaining cooldown; in warning it
// allows with a throttle hint.
func (h *HealthChecker) CanSendRequest() Decision {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	switch h.status {
	case HealthCritical:
		if now.Before(h.circuitUntil) {
			return Decision{
				Allowed:    false,
				RetryAfter: h.circuitUntil.Sub(now),
				Reason:     "circuit_open",
			}
		}
		return Decision{Allowed: true, Reason: "half_open"}
	case HealthWarning:
		return Decision{Allowed: true, Throttle: h.cfg.WarningThrottle, Reason: "warning"}
	default:
		return Decision{Allowed: true}
	}
}

// Guard returns a circuit-open *Rejection when CanSendRequest refuses.
func (h *HealthChecker) Guard() error {
	d := h.CanSendRequest()
	if d.Allowed {
		return nil
	}
	return &Rejection{
		Err:        ErrCircuitOpen,
		Code:       protocol.CodeCircuitOpen,
		Message:    "broker health critical, circuit open",
		RetryAfter: d.RetryAfter,
	}
}

// Status returns the current status.
func (h *HealthChecker) Status() HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// ConsecutiveFailures returns the current failure streak.
func (h *HealthChecker) ConsecutiveFailures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consecutiveFailures
}
