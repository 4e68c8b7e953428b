package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imjszhang/js-eyes/internal/protocol"
	"github.com/imjszhang/js-eyes/internal/reliability"
)

// Errors returned by Call.
var (
	ErrShutdown         = errors.New("agent shut down")
	ErrNotAuthenticated = errors.New("not authenticated with broker")
	ErrCallTimeout      = errors.New("call timed out")
	ErrThrottled        = errors.New("call shed while broker health is degraded")
)

// CallError is a non-success reply to an agent-originated call.
type CallError struct {
	Status  string
	Code    string
	Message string
}

func (e *CallError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

type callResult struct {
	resp *protocol.Response
	err  error
}

// callTracker correlates agent-originated calls with broker replies.
type callTracker struct {
	mu      sync.Mutex
	pending map[string]chan callResult
}

func newCallTracker() *callTracker {
	return &callTracker{pending: make(map[string]chan callResult)}
}

func (t *callTracker) add(id string) chan callResult {
	ch := make(chan callResult, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()
	return ch
}

func (t *callTracker) remove(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// resolve delivers a reply. It reports false for unknown or already
// resolved ids.
func (t *callTracker) resolve(id string, res callResult) bool {
	t.mu.Lock()
	ch, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- res
	return true
}

func (t *callTracker) rejectAll(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]chan callResult)
	t.mu.Unlock()
	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

func (t *callTracker) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Call sends an agent-originated request to the broker and waits for its
// `response`. Calls are refused while the broker's health circuit is open.
func (a *Agent) Call(ctx context.Context, action string, fields map[string]any) (*protocol.Response, error) {
	if err := a.ctx.Err(); err != nil {
		return nil, ErrShutdown
	}
	if err := a.health.Guard(); err != nil {
		return nil, err
	}
	if d := a.health.CanSendRequest(); d.Throttle > 0 && rand.IntN(100) < d.Throttle {
		return nil, &reliability.Rejection{
			Err:     ErrThrottled,
			Code:    protocol.CodeRateLimited,
			Message: fmt.Sprintf("broker health %s, shedding %d%% of calls", a.health.Status(), d.Throttle),
		}
	}
	if a.auth.State() != StateAuthenticated {
		return nil, ErrNotAuthenticated
	}

	id := uuid.NewString()
	cmd, err := protocol.NewCommand(action, id, fields)
	if err != nil {
		return nil, err
	}

	ch := a.calls.add(id)
	if err := a.send(cmd); err != nil {
		a.calls.remove(id)
		return nil, fmt.Errorf("send %s: %w", action, err)
	}

	timer := time.NewTimer(a.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp.Status != protocol.StatusSuccess {
			return res.resp, &CallError{Status: res.resp.Status, Code: res.resp.Code, Message: res.resp.Error}
		}
		return res.resp, nil
	case <-timer.C:
		a.calls.remove(id)
		return nil, fmt.Errorf("%w: %s after %s", ErrCallTimeout, action, a.cfg.CallTimeout)
	case <-ctx.Done():
		a.calls.remove(id)
		return nil, ctx.Err()
	}
}

// resolveCall delivers a `response` message to its waiting Call.
func (a *Agent) resolveCall(resp *protocol.Response) {
	if !a.calls.resolve(resp.RequestID, callResult{resp: resp}) {
		a.log.Debug().Str("request_id", resp.RequestID).Msg("response for unknown call")
	}
}
