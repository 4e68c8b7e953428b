package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"

	"github.com/rs/zerolog"

	"github.com/imjszhang/js-eyes/internal/protocol"
	"github.com/imjszhang/js-eyes/internal/reliability"
)

// fallbackRunner owns the server-push fallback channel. It runs while the
// primary connection is down and stops as soon as the primary is back.
type fallbackRunner struct {
	a   *Agent
	log zerolog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	exhausted bool // gave up; re-armed when the primary returns
	stopped   bool
}

func newFallbackRunner(a *Agent) *fallbackRunner {
	return &fallbackRunner{a: a, log: a.log.With().Str("component", "fallback").Logger()}
}

// active reports whether the fallback client is running.
func (f *fallbackRunner) active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancel != nil
}

// start launches the fallback client unless it is already running.
func (f *fallbackRunner) start() {
	f.mu.Lock()
	if f.cancel != nil || f.stopped || f.exhausted {
		f.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(f.a.ctx)
	done := make(chan struct{})
	f.cancel = cancel
	f.done = done
	f.mu.Unlock()

	cfg := f.a.cfg
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	client := reliability.NewFallbackTransportClient(reliability.FallbackConfig{
		URL:         withQuery(cfg.FallbackURL, "clientId", cfg.ClientID),
		Header:      header,
		MaxAttempts: cfg.FallbackMaxAttempts,
		MaxInterval: cfg.FallbackMaxInterval,
	}, f.a.log)

	// While on fallback, retry the primary on a fixed schedule.
	f.a.ws.SetRetryOverride(cfg.PrimaryRetryInterval)
	f.log.Warn().Str("url", cfg.FallbackURL).Msg("primary connection failing, starting fallback stream")

	go func() {
		defer close(done)
		go f.consume(ctx, client)
		err := client.Run(ctx)
		gaveUp := err != nil && !errors.Is(err, context.Canceled)
		if gaveUp {
			f.log.Error().Err(err).Msg("fallback stream stopped")
		}
		f.mu.Lock()
		if f.done == done {
			f.cancel = nil
			f.done = nil
			f.exhausted = gaveUp
		}
		f.mu.Unlock()
		cancel()
	}()
}

func (f *fallbackRunner) consume(ctx context.Context, client *reliability.FallbackTransportClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-client.Events():
			f.handle(ev)
		}
	}
}

// handle resolves outstanding agent calls from mirrored call events.
func (f *fallbackRunner) handle(ev reliability.Event) {
	var ce protocol.CallEvent
	if err := json.Unmarshal(ev.Data, &ce); err != nil {
		f.log.Debug().Err(err).Str("event", ev.Name).Msg("ignoring undecodable fallback event")
		return
	}
	if ce.RequestID == "" {
		return
	}

	status := ce.Status
	if ce.Type == protocol.EventCallTimeout && status == "" {
		status = protocol.StatusTimeout
	}
	resp := &protocol.Response{
		Type:      protocol.TypeResponse,
		RequestID: ce.RequestID,
		Status:    status,
		Data:      ce.Data,
		Error:     ce.Error,
	}
	if f.a.calls.resolve(ce.RequestID, callResult{resp: resp}) {
		f.log.Info().Str("request_id", ce.RequestID).Str("status", status).Msg("call resolved via fallback")
	}
}

// primaryUp stops the fallback once the primary connection is back.
func (f *fallbackRunner) primaryUp() {
	f.a.ws.SetRetryOverride(0)
	f.mu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.done = nil
	f.exhausted = false
	f.mu.Unlock()
	if cancel != nil {
		f.log.Info().Msg("primary connection restored, stopping fallback stream")
		cancel()
	}
}

// stop cancels the fallback for good.
func (f *fallbackRunner) stop() {
	f.mu.Lock()
	f.stopped = true
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func withQuery(raw, key, value string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
