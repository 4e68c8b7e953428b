package reliability

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/imjszhang/js-eyes/internal/protocol"
)

// QueueEntry is an admitted request.
type QueueEntry struct {
	RequestID  string
	Type       string
	EnqueuedAt time.Time
	Metadata   map[string]any
}

// RequestQueueManager is admission control over requests being executed.
type RequestQueueManager struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]QueueEntry
	now      Clock
}

// NewRequestQueueManager creates a queue admitting at most capacity live
// entries; entries older than ttl are evicted by CleanupExpired.
func NewRequestQueueManager(capacity int, ttl time.Duration) *RequestQueueManager {
	return &RequestQueueManager{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]QueueEntry),
		now:      time.Now,
	}
}

// Add admits a request or returns a queue-full *Rejection with the current size.
func (q *RequestQueueManager) Add(requestID, reqType string, metadata map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[requestID]; !ok && len(q.entries) >= q.capacity {
		return &Rejection{
			Err:     ErrQueueFull,
			Code:    protocol.CodeQueueFull,
			Message: fmt.Sprintf("queue full (%d/%d)", len(q.entries), q.capacity),
			Size:    len(q.entries),
		}
	}

	q.entries[requestID] = QueueEntry{
		RequestID:  requestID,
		Type:       reqType,
		EnqueuedAt: q.now(),
		Metadata:   metadata,
	}
	return nil
}

// Remove deletes an entry, reporting whether it was present.
func (q *RequestQueueManager) Remove(requestID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[requestID]
	delete(q.entries, requestID)
	return ok
}

// Size returns the number of live entries.
func (q *RequestQueueManager) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Capacity returns the admission limit.
func (q *RequestQueueManager) Capacity() int {
	return q.capacity
}

// CleanupExpired removes and returns the entries older than the ttl, oldest
// first, so the caller can emit a timeout for each.
func (q *RequestQueueManager) CleanupExpired() []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var expired []QueueEntry
	for id, e := range q.entries {
		if now.Sub(e.EnqueuedAt) > q.ttl {
			expired = append(expired, e)
			delete(q.entries, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].EnqueuedAt.Before(expired[j].EnqueuedAt)
	})
	return expired
}

// Clear drops every entry and returns them.
func (q *RequestQueueManager) Clear() []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	all := make([]QueueEntry, 0, len(q.entries))
	for _, e := range q.entries {
		all = append(all, e)
	}
	q.entries = make(map[string]QueueEntry)
	return all
}
