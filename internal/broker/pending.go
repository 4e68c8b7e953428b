package broker

import (
	"sync/atomic"
	"time"

	"github.com/imjszhang/js-eyes/internal/protocol"
)

// responder receives the resolution of a call. Implementations must not
// block; deliver runs on the hub loop.
type responder interface {
	deliver(resp *protocol.Response) bool
	ident() string
}

// PendingCall correlates a forwarded command with its eventual reply.
// Exactly one of {agent reply, timer} claims it.
type PendingCall struct {
	RequestID string
	Action    string
	AgentID   string
	CreatedAt time.Time

	from    responder
	timer   *time.Timer
	claimed atomic.Bool
}

// claim reports whether the caller won the right to resolve the call.
func (p *PendingCall) claim() bool {
	return p.claimed.CompareAndSwap(false, true)
}

// chanResponder hands the resolution to a waiting HTTP request.
type chanResponder struct {
	id string
	ch chan *protocol.Response
}

func newChanResponder(id string) *chanResponder {
	return &chanResponder{id: id, ch: make(chan *protocol.Response, 1)}
}

func (r *chanResponder) deliver(resp *protocol.Response) bool {
	select {
	case r.ch <- resp:
		return true
	default:
		return false
	}
}

func (r *chanResponder) ident() string { return r.id }
