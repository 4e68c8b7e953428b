package agent

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/imjszhang/js-eyes/internal/config"
	"github.com/imjszhang/js-eyes/internal/reliability"
)

// ErrNotConnected is returned when sending without an open connection.
var ErrNotConnected = errors.New("not connected to broker")

// ConnectionHandler is called on connection events.
type ConnectionHandler interface {
	OnConnected()
	// OnDisconnected receives the close code sent by the broker, or
	// websocket.CloseAbnormalClosure when the connection just dropped.
	OnDisconnected(code int)
	// OnConnectFailed receives the number of consecutive failed dials.
	OnConnectFailed(err error, attempts int)
	// ShouldReconnect is consulted before every dial.
	ShouldReconnect() bool
}

// WebSocketClient manages the WebSocket connection to the broker.
type WebSocketClient struct {
	cfg     *config.Config
	log     zerolog.Logger
	handler ConnectionHandler

	conn     *websocket.Conn
	mu       sync.Mutex
	messages chan []byte

	// Reconnection
	connected     bool
	immediate     bool          // next reconnect skips the backoff wait
	retryOverride time.Duration // fixed retry delay while on fallback
	wake          chan struct{}
}

// Connection parameters
const (
	pingInterval     = 30 * time.Second
	pongWait         = 45 * time.Second
	writeWait        = 10 * time.Second
	closeGracePeriod = 5 * time.Second
	maxMessageSize   = 16 * 1024 * 1024 // page HTML can be large
)

// NewWebSocketClient creates a new WebSocket client.
func NewWebSocketClient(cfg *config.Config, log zerolog.Logger, handler ConnectionHandler) *WebSocketClient {
	return &WebSocketClient{
		cfg:      cfg,
		log:      log.With().Str("component", "websocket").Logger(),
		handler:  handler,
		messages: make(chan []byte, 100),
		wake:     make(chan struct{}, 1),
	}
}

// Run connects to the broker and maintains the connection.
// It blocks until the context is cancelled or the handler refuses to
// reconnect.
func (c *WebSocketClient) Run(ctx context.Context) {
	b := reliability.NewReconnectBackoff(c.cfg.ReconnectBase, c.cfg.ReconnectMax)
	failures := 0

	for {
		select {
		case <-ctx.Done():
			c.log.Debug().Msg("context cancelled, stopping")
			return
		default:
		}

		if !c.handler.ShouldReconnect() {
			c.log.Warn().Msg("reconnect suppressed")
			return
		}

		if err := c.connect(ctx); err != nil {
			failures++
			c.handler.OnConnectFailed(err, failures)
			delay := c.nextDelay(b)
			c.log.Error().Err(err).Dur("backoff", delay).Int("attempt", failures).Msg("connection failed, retrying")
			c.wait(ctx, delay)
			continue
		}

		// Connected - reset backoff
		failures = 0
		b.Reset()

		// Read messages until disconnect
		c.readLoop(ctx)

		if !c.handler.ShouldReconnect() {
			c.log.Warn().Msg("reconnect suppressed")
			return
		}

		c.mu.Lock()
		immediate := c.immediate
		c.immediate = false
		c.mu.Unlock()
		if immediate {
			continue
		}

		// Disconnected - wait before reconnecting
		c.wait(ctx, c.nextDelay(b))
	}
}

func (c *WebSocketClient) nextDelay(b interface{ NextBackOff() time.Duration }) time.Duration {
	c.mu.Lock()
	override := c.retryOverride
	c.mu.Unlock()
	if override > 0 {
		return override
	}
	return b.NextBackOff()
}

// connect establishes the WebSocket connection.
func (c *WebSocketClient) connect(ctx context.Context) error {
	c.log.Debug().Str("url", c.cfg.BrokerURL).Msg("connecting")

	header := http.Header{}
	header.Set("User-Agent", c.cfg.UserAgent)
	header.Set("X-Client-ID", c.cfg.ClientID)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.BrokerURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			c.log.Error().Msg("broker refused connection: 401 Unauthorized")
		}
		return err
	}
	conn.SetReadLimit(maxMessageSize)

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	// Configure connection
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Start ping goroutine
	go c.pingLoop(ctx, conn)

	// Notify handler
	c.handler.OnConnected()

	return nil
}

// readLoop reads messages from the WebSocket until it closes.
func (c *WebSocketClient) readLoop(ctx context.Context) {
	code := websocket.CloseAbnormalClosure
	defer func() {
		c.mu.Lock()
		c.connected = false
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
		c.handler.OnDisconnected(code)
	}()

	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()
	})
	defer stop()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				c.log.Error().Err(err).Msg("read error")
			}
			return
		}

		select {
		case c.messages <- data:
		default:
			c.log.Warn().Msg("message queue full, dropping message")
		}
	}
}

// pingLoop sends periodic pings on conn until it is replaced or closed.
func (c *WebSocketClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()

			if current != conn {
				return
			}

			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// wait sleeps for d, returning early on cancellation or Wake.
func (c *WebSocketClient) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-c.wake:
	}
}

// Send writes a text frame to the broker.
func (c *WebSocketClient) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Messages returns the channel for incoming frames.
func (c *WebSocketClient) Messages() <-chan []byte {
	return c.messages
}

// CloseWith sends a close frame with code and drops the connection. Whether
// Run reconnects afterwards is up to the handler.
func (c *WebSocketClient) CloseWith(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	deadline := time.Now().Add(closeGracePeriod)
	err := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	closeErr := c.conn.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// Reconnect drops the current connection and dials again without waiting
// out the backoff.
func (c *WebSocketClient) Reconnect(reason string) {
	c.mu.Lock()
	c.immediate = true
	c.mu.Unlock()
	if err := c.CloseWith(websocket.CloseNormalClosure, reason); err != nil {
		c.log.Debug().Err(err).Msg("error closing for reconnect")
	}
}

// SetRetryOverride replaces the exponential backoff with a fixed delay; zero
// restores the backoff.
func (c *WebSocketClient) SetRetryOverride(d time.Duration) {
	c.mu.Lock()
	c.retryOverride = d
	c.mu.Unlock()
}

// Wake interrupts a pending backoff wait.
func (c *WebSocketClient) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Close closes the connection gracefully.
func (c *WebSocketClient) Close() error {
	return c.CloseWith(websocket.CloseNormalClosure, "shutdown")
}

// IsConnected returns whether the client is connected.
func (c *WebSocketClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
