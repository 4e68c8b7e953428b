// Package reliability holds the stateful helpers the agent runtime applies to
// inbound commands and outbound traffic: rate limiting, deduplication,
// bounded queuing, health-based circuit breaking, reconnect backoff and the
// fallback event stream. They share the wire protocol's rejection codes but
// never parse messages.
package reliability

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/imjszhang/js-eyes/internal/protocol"
)

// Clock returns the current time. Tests substitute a fake.
type Clock func() time.Time

// Sentinel errors wrapped by *Rejection.
var (
	ErrRateLimited = errors.New("rate limited")
	ErrQueueFull   = errors.New("queue full")
	ErrCircuitOpen = errors.New("circuit open")
)

// Rejection is a reliability refusal with a machine-readable code.
type Rejection struct {
	Err        error
	Code       string
	Message    string
	RetryAfter time.Duration
	Size       int // current queue size for queue-full rejections
}

func (r *Rejection) Error() string {
	if r.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s)", r.Message, r.RetryAfter.Round(time.Millisecond))
	}
	return r.Message
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// RateLimiter is a sliding-window counter with a hard block: once the window
// fills, every check fails until blockFor has elapsed from the blocking check,
// whether or not the window would have cleared sooner.
type RateLimiter struct {
	mu           sync.Mutex
	limit        int
	window       time.Duration
	blockFor     time.Duration
	hits         []time.Time
	blockedUntil time.Time
	now          Clock
}

// NewRateLimiter creates a limiter allowing limit checks per window.
func NewRateLimiter(limit int, window, blockFor time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:    limit,
		window:   window,
		blockFor: blockFor,
		now:      time.Now,
	}
}

// Allow records a request. It returns nil when allowed or a *Rejection
// carrying the remaining block time.
func (r *RateLimiter) Allow() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Before(r.blockedUntil) {
		return r.reject(r.blockedUntil.Sub(now))
	}

	// Filter hits that left the window
	cutoff := now.Add(-r.window)
	recent := r.hits[:0]
	for _, t := range r.hits {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	r.hits = recent

	// Check if already at limit BEFORE recording this request
	if len(r.hits) >= r.limit {
		r.blockedUntil = now.Add(r.blockFor)
		r.hits = r.hits[:0]
		return r.reject(r.blockFor)
	}

	r.hits = append(r.hits, now)
	return nil
}

func (r *RateLimiter) reject(retryAfter time.Duration) *Rejection {
	return &Rejection{
		Err:        ErrRateLimited,
		Code:       protocol.CodeRateLimited,
		Message:    fmt.Sprintf("rate limit of %d requests per %s exceeded", r.limit, r.window),
		RetryAfter: retryAfter,
	}
}

// Blocked reports whether the limiter is inside a block period.
func (r *RateLimiter) Blocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now().Before(r.blockedUntil)
}

// Reset clears the window and any block.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hits = nil
	r.blockedUntil = time.Time{}
}
