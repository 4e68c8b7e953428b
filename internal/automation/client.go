// Package automation is the client library for driving browsers through the
// relay broker.
package automation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/imjszhang/js-eyes/internal/protocol"
)

// DefaultCallTimeout bounds a call locally. It sits above the broker's own
// call timeout so the broker's timeout response normally arrives first.
const DefaultCallTimeout = 65 * time.Second

const (
	writeWait      = 10 * time.Second
	handshakeWait  = 10 * time.Second
	maxMessageSize = 16 * 1024 * 1024
)

var (
	// ErrDisconnected is returned for calls outstanding when the connection
	// drops, and for calls made after it.
	ErrDisconnected = errors.New("automation: disconnected from broker")
	// ErrTimeout is returned when no response arrives within the call timeout.
	ErrTimeout = errors.New("automation: call timed out")
	// ErrDuplicateRequest is returned when a request id is already in flight
	// on this client.
	ErrDuplicateRequest = errors.New("automation: request id already in flight")
)

// CallError is a non-success response from the broker or an agent.
type CallError struct {
	Action     string
	Status     string
	Code       string
	Message    string
	RetryAfter int // seconds, set for rate_limited
}

func (e *CallError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Status
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Action, msg, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Action, msg)
}

// Option configures Dial.
type Option func(*options)

type options struct {
	header      http.Header
	log         zerolog.Logger
	dialer      *websocket.Dialer
	callTimeout time.Duration
}

// WithToken authenticates with the broker's bearer token.
func WithToken(token string) Option {
	return func(o *options) {
		if token != "" {
			o.header.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithHeader adds a header to the WebSocket handshake.
func WithHeader(key, value string) Option {
	return func(o *options) { o.header.Add(key, value) }
}

// WithLogger sets the client's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithDefaultTimeout sets the timeout for calls without WithTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// Client is one automation connection to the broker. It is safe for
// concurrent use; responses are matched to calls by requestId.
type Client struct {
	conn    *websocket.Conn
	log     zerolog.Logger
	id      string
	timeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *protocol.Response
	err     error // set once the connection is gone

	done chan struct{}
}

// Dial connects to the broker and waits for connection_established. The
// URL's type parameter is forced to automation.
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Client, error) {
	o := options{
		header:      http.Header{},
		log:         zerolog.Nop(),
		dialer:      websocket.DefaultDialer,
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	q := u.Query()
	q.Set("type", protocol.ClassAutomation)
	u.RawQuery = q.Encode()

	conn, resp, err := o.dialer.DialContext(ctx, u.String(), o.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &CallError{Action: "connect", Status: protocol.StatusError, Code: protocol.CodeUnauthorized, Message: "broker rejected token"}
		}
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	deadline := time.Now().Add(handshakeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	var established protocol.ConnectionEstablished
	if err := conn.ReadJSON(&established); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("waiting for connection_established: %w", err)
	}
	if established.Type != protocol.TypeConnectionEstablished {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected first message %q", established.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c := &Client{
		conn:    conn,
		log:     o.log.With().Str("component", "automation").Str("client_id", established.ClientID).Logger(),
		id:      established.ClientID,
		timeout: o.callTimeout,
		pending: make(map[string]chan *protocol.Response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	c.log.Debug().Str("url", u.Redacted()).Msg("connected to broker")
	return c, nil
}

// ID returns the connection id assigned by the broker.
func (c *Client) ID() string { return c.id }

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the connection. Outstanding calls fail with ErrDisconnected.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var resp protocol.Response
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.fail(err)
			return
		}
		if resp.Type == protocol.TypeConnectionEstablished {
			continue
		}
		if resp.Status == protocol.StatusProcessing {
			// The original call's response is still coming.
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.RequestID]
		if ok {
			delete(c.pending, resp.RequestID)
		}
		c.mu.Unlock()

		if !ok {
			c.log.Debug().Str("type", resp.Type).Str("request_id", resp.RequestID).Msg("response for unknown call")
			continue
		}
		ch <- &resp
	}
}

// fail rejects every outstanding call.
func (c *Client) fail(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = ErrDisconnected
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	if !websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Debug().Err(cause).Msg("connection lost")
	}
}

// CallOption configures a single call.
type CallOption func(*callOptions)

type callOptions struct {
	target    string
	requestID string
	timeout   time.Duration
}

// WithTarget routes the call to an agent by id, client id or browser name.
func WithTarget(target string) CallOption {
	return func(o *callOptions) { o.target = target }
}

// WithRequestID sets the request id instead of a generated one. Reusing the
// id of a resolved call returns its cached result.
func WithRequestID(id string) CallOption {
	return func(o *callOptions) { o.requestID = id }
}

// WithTimeout overrides the local call timeout.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// Call sends action with fields and waits for its response. Statuses other
// than success and pending are returned as *CallError.
func (c *Client) Call(ctx context.Context, action string, fields map[string]any, opts ...CallOption) (*protocol.Response, error) {
	co := callOptions{timeout: c.timeout}
	for _, opt := range opts {
		opt(&co)
	}
	if co.requestID == "" {
		co.requestID = uuid.NewString()
	}

	cmd, err := protocol.NewCommand(action, co.requestID, fields)
	if err != nil {
		return nil, err
	}
	cmd.Target = co.target
	data, err := cmd.Encode(protocol.FramingLegacy)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Response, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.err
	}
	if _, dup := c.pending[co.requestID]; dup {
		c.mu.Unlock()
		return nil, ErrDuplicateRequest
	}
	c.pending[co.requestID] = ch
	c.mu.Unlock()

	if err := c.write(data); err != nil {
		c.forget(co.requestID)
		return nil, fmt.Errorf("%w: send %s: %v", ErrDisconnected, action, err)
	}

	timer := time.NewTimer(co.timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrDisconnected
		}
		return resp, asError(action, resp)
	case <-timer.C:
		c.forget(co.requestID)
		return nil, fmt.Errorf("%w: %s %s", ErrTimeout, action, co.requestID)
	case <-ctx.Done():
		c.forget(co.requestID)
		return nil, ctx.Err()
	}
}

func (c *Client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) forget(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

func asError(action string, resp *protocol.Response) error {
	switch resp.Status {
	case protocol.StatusSuccess, protocol.StatusPending:
		return nil
	}
	return &CallError{
		Action:     action,
		Status:     resp.Status,
		Code:       resp.Code,
		Message:    resp.Error,
		RetryAfter: resp.RetryAfter,
	}
}
