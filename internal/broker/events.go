package broker

import (
	"encoding/json"
	"sync"

	"github.com/imjszhang/js-eyes/internal/protocol"
)

const (
	eventHistory    = 256
	subscriberQueue = 64
)

// streamEvent is one entry on the fallback event stream.
type streamEvent struct {
	ID       uint64
	Name     string
	ClientID string
	Data     []byte
}

// eventBus fans call events out to SSE subscribers and keeps a short
// history so a reconnecting subscriber can resume from Last-Event-ID.
type eventBus struct {
	mu      sync.Mutex
	seq     uint64
	history []streamEvent
	subs    map[chan streamEvent]string // channel -> clientId filter
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[chan streamEvent]string)}
}

// publish records ce under name. Slow subscribers miss events rather than
// stall the hub.
func (b *eventBus) publish(name string, ce protocol.CallEvent) {
	data, err := json.Marshal(ce)
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	ev := streamEvent{ID: b.seq, Name: name, ClientID: ce.ClientID, Data: data}
	b.history = append(b.history, ev)
	if len(b.history) > eventHistory {
		b.history = b.history[len(b.history)-eventHistory:]
	}
	for ch, filter := range b.subs {
		if filter != "" && filter != ev.ClientID {
			continue
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

// subscribe registers a subscriber. Events after lastID that are still in
// the history are returned for replay.
func (b *eventBus) subscribe(clientID string, lastID uint64) (chan streamEvent, []streamEvent) {
	ch := make(chan streamEvent, subscriberQueue)
	b.mu.Lock()
	defer b.mu.Unlock()
	var replay []streamEvent
	if lastID > 0 {
		for _, ev := range b.history {
			if ev.ID > lastID && (clientID == "" || ev.ClientID == clientID) {
				replay = append(replay, ev)
			}
		}
	}
	b.subs[ch] = clientID
	return ch, replay
}

func (b *eventBus) unsubscribe(ch chan streamEvent) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

func (b *eventBus) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
