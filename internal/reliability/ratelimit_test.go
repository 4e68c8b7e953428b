package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imjszhang/js-eyes/internal/protocol"
)

func TestRateLimiter_AllowsUpToLimit(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(3, time.Second, 10*time.Second)
	rl.now = clock.Now

	for i := 0; i < 3; i++ {
		require.NoError(t, rl.Allow(), "check %d", i)
	}

	err := rl.Allow()
	require.ErrorIs(t, err, ErrRateLimited)
	rej := asRejection(err)
	require.NotNil(t, rej)
	assert.Equal(t, protocol.CodeRateLimited, rej.Code)
	assert.Equal(t, 10*time.Second, rej.RetryAfter)
	assert.True(t, rl.Blocked())
}

func TestRateLimiter_BlockOutlastsWindow(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(2, time.Second, 5*time.Second)
	rl.now = clock.Now

	require.NoError(t, rl.Allow())
	require.NoError(t, rl.Allow())
	require.Error(t, rl.Allow())

	// The window alone would have cleared by now.
	clock.Advance(2 * time.Second)
	err := rl.Allow()
	require.Error(t, err)
	assert.Equal(t, 3*time.Second, asRejection(err).RetryAfter)

	clock.Advance(3 * time.Second)
	assert.False(t, rl.Blocked())
	require.NoError(t, rl.Allow())
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(2, time.Second, time.Minute)
	rl.now = clock.Now

	require.NoError(t, rl.Allow())
	clock.Advance(600 * time.Millisecond)
	require.NoError(t, rl.Allow())

	// First hit slides out of the window.
	clock.Advance(500 * time.Millisecond)
	require.NoError(t, rl.Allow())
	assert.False(t, rl.Blocked())
}

func TestRateLimiter_Reset(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(1, time.Second, time.Hour)
	rl.now = clock.Now

	require.NoError(t, rl.Allow())
	require.Error(t, rl.Allow())
	rl.Reset()
	require.NoError(t, rl.Allow())
}
