package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRequestDeduplicator_Begin(t *testing.T) {
	clock := newFakeClock()
	d := NewRequestDeduplicator(30 * time.Second)
	d.now = clock.Now

	assert.False(t, d.Begin("r1"))
	assert.True(t, d.Begin("r1"), "second Begin while processing is a duplicate")
	assert.False(t, d.Begin(""), "empty ids are never duplicates")
	assert.False(t, d.Begin(""))
	assert.Equal(t, 1, d.Processing())

	d.Finish("r1")
	assert.False(t, d.Begin("r1"), "finished ids may be reused")
}

func TestRequestDeduplicator_StaleEntriesIgnored(t *testing.T) {
	clock := newFakeClock()
	d := NewRequestDeduplicator(10 * time.Second)
	d.now = clock.Now

	assert.False(t, d.Begin("r1"))
	clock.Advance(10 * time.Second)
	assert.False(t, d.Begin("r1"), "stale entry no longer blocks")
}

func TestRequestDeduplicator_CleanupExpired(t *testing.T) {
	clock := newFakeClock()
	d := NewRequestDeduplicator(10 * time.Second)
	d.now = clock.Now

	d.Begin("old")
	clock.Advance(6 * time.Second)
	d.Begin("young")
	clock.Advance(5 * time.Second)

	assert.Equal(t, []string{"old"}, d.CleanupExpired())
	assert.Equal(t, 1, d.Processing())
}

func TestRequestDeduplicator_TabCache(t *testing.T) {
	d := newRequestDeduplicator(time.Minute, 50*time.Millisecond)

	_, ok := d.CachedTab("https://a.com")
	assert.False(t, ok)

	d.RememberTab("https://a.com", 7)
	d.RememberTab("https://b.com", 8)
	tab, ok := d.CachedTab("https://a.com")
	assert.True(t, ok)
	assert.Equal(t, 7, tab)

	d.ForgetTab(7)
	_, ok = d.CachedTab("https://a.com")
	assert.False(t, ok)

	assert.Eventually(t, func() bool {
		_, ok := d.CachedTab("https://b.com")
		return !ok
	}, time.Second, 10*time.Millisecond)
}
