package broker

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/imjszhang/js-eyes/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Page HTML can be large.
	maxMessageSize = 16 * 1024 * 1024

	sendBuffer = 256
)

// Client is one WebSocket connection, agent or automation. Fields below the
// marker are owned by the hub's run loop.
type Client struct {
	id    string
	class string // protocol.ClassAgent or protocol.ClassAutomation
	conn  *websocket.Conn
	send  chan []byte
	hub   *Hub
	open  atomic.Bool

	closeReq chan []byte // close frame, written by writePump after pending sends

	// set at accept
	name        string // agent's declared client id
	userAgent   string
	browserName string
	createdAt   time.Time
	limiter     *rate.Limiter // automation only

	// --- hub-owned ---
	registered    bool
	lastActivity  time.Time
	tabs          []protocol.TabSummary
	activeTabID   int
	authenticated bool
	sessionID     string
	challenge     string
	authTimer     *time.Timer
}

// rateLimited returns the rate_limited reply for cmd when l has no token
// to spare, and nil when the command may proceed.
func rateLimited(l *rate.Limiter, cmd *protocol.Command) *protocol.Response {
	if l == nil || l.Allow() {
		return nil
	}
	res := l.Reserve()
	delay := res.Delay()
	res.Cancel()
	retryAfter := protocol.RetryAfterSeconds(delay)
	if retryAfter < 1 {
		retryAfter = 1
	}
	return &protocol.Response{
		Type:       protocol.ResponseType(cmd.Action),
		RequestID:  cmd.RequestID,
		Status:     protocol.StatusRateLimited,
		Code:       protocol.CodeRateLimited,
		Error:      "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

func newClient(h *Hub, conn *websocket.Conn, class string) *Client {
	c := &Client{
		id:        newConnID(),
		class:     class,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		closeReq:  make(chan []byte, 1),
		hub:       h,
		createdAt: time.Now(),
	}
	c.lastActivity = c.createdAt
	c.open.Store(true)
	return c
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// deliver queues a response without blocking the hub. Called on the hub
// loop only.
func (c *Client) deliver(resp *protocol.Response) bool {
	return c.trySend(resp.Marshal())
}

func (c *Client) ident() string {
	if c.class == protocol.ClassAgent && c.name != "" {
		return c.name
	}
	return c.id
}

func (c *Client) trySend(data []byte) bool {
	if !c.registered || !c.open.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.hub.log.Warn().Str("client", c.id).Msg("send buffer full, dropping message")
		return false
	}
}

// summary describes an agent for list_clients and get_tabs.
func (c *Client) summary() protocol.BrowserSummary {
	return protocol.BrowserSummary{
		ID:           c.id,
		BrowserName:  c.browserName,
		UserAgent:    c.userAgent,
		TabCount:     len(c.tabs),
		ActiveTabID:  c.activeTabID,
		ConnectedAt:  c.createdAt,
		LastActivity: c.lastActivity,
	}
}

// closeWith flushes queued messages, then sends a close frame with code
// and drops the connection.
func (c *Client) closeWith(code int, reason string) {
	c.open.Store(false)
	select {
	case c.closeReq <- websocket.FormatCloseMessage(code, reason):
	default:
	}
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		c.open.Store(false)
		c.hub.leave(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	c.conn.SetPingHandler(func(appData string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug().Err(err).Str("client", c.id).Msg("read error")
			}
			return
		}

		// Reset read deadline on any received message
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !c.hub.receive(c, data) {
			return
		}
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.open.Store(false)
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case frame := <-c.closeReq:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait))
			return

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush writes whatever is already queued.
func (c *Client) flush() {
	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// browserNameFromUA derives a short browser name from a User-Agent. Edge
// and Opera are checked before Chrome because their UAs contain "Chrome/".
func browserNameFromUA(ua string) string {
	s := strings.ToLower(ua)
	switch {
	case s == "":
		return "unknown"
	case strings.Contains(s, "edg/") || strings.Contains(s, "edge/"):
		return "edge"
	case strings.Contains(s, "opr/") || strings.Contains(s, "opera"):
		return "opera"
	case strings.Contains(s, "firefox/"):
		return "firefox"
	case strings.Contains(s, "chrome/") || strings.Contains(s, "chromium/"):
		return "chrome"
	case strings.Contains(s, "safari/"):
		return "safari"
	default:
		return "unknown"
	}
}
