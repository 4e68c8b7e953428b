package reliability

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// URLCacheTTL is how long an opened tab is reused for an identical URL.
const URLCacheTTL = 5 * time.Second

// RequestDeduplicator tracks requests in flight by id, and remembers which
// tab was just opened for a URL so back-to-back navigations reuse it.
type RequestDeduplicator struct {
	mu         sync.Mutex
	ttl        time.Duration
	processing map[string]time.Time
	tabs       *cache.Cache
	now        Clock
}

// NewRequestDeduplicator creates a deduplicator. Processing entries older
// than ttl are stale and no longer block a retry of the same id.
func NewRequestDeduplicator(ttl time.Duration) *RequestDeduplicator {
	return newRequestDeduplicator(ttl, URLCacheTTL)
}

func newRequestDeduplicator(ttl, tabTTL time.Duration) *RequestDeduplicator {
	return &RequestDeduplicator{
		ttl:        ttl,
		processing: make(map[string]time.Time),
		tabs:       cache.New(tabTTL, 2*tabTTL),
		now:        time.Now,
	}
}

// Begin marks requestID as processing. It returns true if the id is
// already being processed, in which case the caller drops the request.
// Requests without an id are never duplicates.
func (d *RequestDeduplicator) Begin(requestID string) bool {
	if requestID == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if since, ok := d.processing[requestID]; ok && now.Sub(since) < d.ttl {
		return true
	}
	d.processing[requestID] = now
	return false
}

// Finish removes requestID from the processing table.
func (d *RequestDeduplicator) Finish(requestID string) {
	if requestID == "" {
		return
	}
	d.mu.Lock()
	delete(d.processing, requestID)
	d.mu.Unlock()
}

// Processing returns the number of ids in flight.
func (d *RequestDeduplicator) Processing() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.processing)
}

// CleanupExpired drops stale processing entries and returns their ids.
func (d *RequestDeduplicator) CleanupExpired() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	var expired []string
	for id, since := range d.processing {
		if now.Sub(since) >= d.ttl {
			expired = append(expired, id)
			delete(d.processing, id)
		}
	}
	return expired
}

// CachedTab returns the tab recently opened for url, if still fresh.
func (d *RequestDeduplicator) CachedTab(url string) (int, bool) {
	if url == "" {
		return 0, false
	}
	v, ok := d.tabs.Get(url)
	if !ok {
		return 0, false
	}
	tabID, ok := v.(int)
	return tabID, ok
}

// RememberTab records that url was opened in tabID.
func (d *RequestDeduplicator) RememberTab(url string, tabID int) {
	if url == "" {
		return
	}
	d.tabs.SetDefault(url, tabID)
}

// ForgetTab removes cached URLs pointing at a closed tab.
func (d *RequestDeduplicator) ForgetTab(tabID int) {
	for url, item := range d.tabs.Items() {
		if id, ok := item.Object.(int); ok && id == tabID {
			d.tabs.Delete(url)
		}
	}
}
