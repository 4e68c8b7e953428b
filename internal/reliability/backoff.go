package reliability

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ReconnectJitter is the randomization applied to reconnect delays (±25%).
const ReconnectJitter = 0.25

// NewReconnectBackoff returns an unbounded exponential backoff doubling from
// base to max with ±25% jitter, so many agents do not reconnect in lockstep.
func NewReconnectBackoff(base, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.MaxInterval = max
	b.RandomizationFactor = ReconnectJitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
