package reliability

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// ErrFallbackExhausted is returned by FallbackTransportClient.Run after the
// bounded attempt count is spent.
var ErrFallbackExhausted = errors.New("fallback transport: reconnect attempts exhausted")

var errStreamClosed = errors.New("event stream closed")

// FallbackConfig configures the server-push fallback channel.
type FallbackConfig struct {
	URL             string
	Header          http.Header
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Event is one server-sent event.
type Event struct {
	ID   string
	Name string
	Data []byte
}

// FallbackTransportClient consumes a long-lived text/event-stream. It
// reconnects with capped exponential backoff and gives up after MaxAttempts
// consecutive failures.
type FallbackTransportClient struct {
	cfg    FallbackConfig
	log    zerolog.Logger
	client *http.Client
	events chan Event

	mu          sync.Mutex
	connected   bool
	lastEventID string
}

// NewFallbackTransportClient creates a client; zero config fields get defaults.
func NewFallbackTransportClient(cfg FallbackConfig, log zerolog.Logger) *FallbackTransportClient {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	return &FallbackTransportClient{
		cfg:    cfg,
		log:    log.With().Str("component", "fallback").Logger(),
		client: &http.Client{}, // no timeout: the stream is long-lived
		events: make(chan Event, 64),
	}
}

// Events returns the channel of received events. It is never closed.
func (f *FallbackTransportClient) Events() <-chan Event {
	return f.events
}

// Connected reports whether a stream is currently open.
func (f *FallbackTransportClient) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Run streams events until ctx is cancelled or attempts are exhausted.
func (f *FallbackTransportClient) Run(ctx context.Context) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = f.cfg.InitialInterval
	exp.MaxInterval = f.cfg.MaxInterval
	exp.MaxElapsedTime = 0
	tries := backoff.WithMaxRetries(exp, uint64(f.cfg.MaxAttempts))
	b := backoff.WithContext(tries, ctx)

	stopped := false
	op := func() error {
		err := f.stream(ctx, tries.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			stopped = true
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		f.log.Warn().Err(err).Dur("retry_in", next).Msg("fallback stream lost")
	}

	err := backoff.RetryNotify(op, b, notify)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if stopped {
		return err
	}
	return fmt.Errorf("%w: %v", ErrFallbackExhausted, err)
}

// stream opens one connection and reads until it ends. onOpen is called
// once the server accepts the stream so the attempt budget starts over.
func (f *FallbackTransportClient) stream(ctx context.Context, onOpen func()) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	for k, vs := range f.cfg.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	f.mu.Lock()
	if f.lastEventID != "" {
		req.Header.Set("Last-Event-ID", f.lastEventID)
	}
	f.mu.Unlock()

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return backoff.Permanent(fmt.Errorf("fallback stream rejected: HTTP %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("fallback stream: HTTP %d", resp.StatusCode)
	}

	f.setConnected(true)
	defer f.setConnected(false)
	onOpen()
	f.log.Info().Str("url", f.cfg.URL).Msg("fallback stream connected")

	if err := f.read(ctx, resp); err != nil {
		return err
	}
	return errStreamClosed
}

func (f *FallbackTransportClient) read(ctx context.Context, resp *http.Response) error {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var ev Event
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if data.Len() > 0 || ev.Name != "" {
				ev.Data = bytes.TrimSuffix(append([]byte(nil), data.Bytes()...), []byte("\n"))
				if ev.Name == "" {
					ev.Name = "message"
				}
				select {
				case f.events <- ev:
				case <-ctx.Done():
					return ctx.Err()
				default:
					f.log.Warn().Str("event", ev.Name).Msg("fallback event buffer full, dropping event")
				}
				if ev.ID != "" {
					f.mu.Lock()
					f.lastEventID = ev.ID
					f.mu.Unlock()
				}
			}
			ev = Event{}
			data.Reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
		case "data":
			data.WriteString(value)
			data.WriteByte('\n')
		case "id":
			ev.ID = value
		}
	}
	return scanner.Err()
}

func (f *FallbackTransportClient) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}
