package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/imjszhang/js-eyes/internal/browser"
	"github.com/imjszhang/js-eyes/internal/config"
	"github.com/imjszhang/js-eyes/internal/protocol"
)

// record is one frame received by the mock broker.
type record struct {
	Type string            // raw "type"
	Cmd  *protocol.Command // nil for auth messages
	Raw  []byte
}

// Kind is the action for business messages and the type otherwise.
func (r record) Kind() string {
	if r.Cmd != nil {
		return r.Cmd.Action
	}
	return r.Type
}

// MockBroker simulates the relay broker's agent endpoint.
type MockBroker struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader
	mu       sync.Mutex
	conns    []*websocket.Conn
	records  []record
	accepts  int

	// Callbacks, run on the connection's read goroutine.
	OnConnect func(m *MockBroker, conn *websocket.Conn)
	OnMessage func(m *MockBroker, conn *websocket.Conn, rec record)
}

// NewMockBroker creates a new mock broker.
func NewMockBroker(t *testing.T) *MockBroker {
	m := &MockBroker{
		t: t,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handleWS))
	t.Cleanup(m.Close)
	return m
}

// URL returns the WebSocket URL for the mock broker.
func (m *MockBroker) URL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http") + "/ws?type=agent"
}

// Close shuts down the mock broker.
func (m *MockBroker) Close() {
	m.mu.Lock()
	for _, conn := range m.conns {
		_ = conn.Close()
	}
	m.mu.Unlock()
	m.server.Close()
}

// Accepts returns how many connections were accepted.
func (m *MockBroker) Accepts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepts
}

// Records returns every frame of the given kind.
func (m *MockBroker) Records(kind string) []record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []record
	for _, r := range m.records {
		if r.Kind() == kind {
			out = append(out, r)
		}
	}
	return out
}

// RecordsFor returns frames of kind carrying requestID.
func (m *MockBroker) RecordsFor(kind, requestID string) []record {
	var out []record
	for _, r := range m.Records(kind) {
		if r.Cmd != nil && r.Cmd.RequestID == requestID {
			out = append(out, r)
		}
	}
	return out
}

// WaitFor waits for a frame of kind carrying requestID ("" matches any).
func (m *MockBroker) WaitFor(kind, requestID string, timeout time.Duration) (record, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		for _, r := range m.Records(kind) {
			if requestID == "" || (r.Cmd != nil && r.Cmd.RequestID == requestID) {
				return r, true
			}
		}
		select {
		case <-ctx.Done():
			return record{}, false
		case <-ticker.C:
		}
	}
}

// Send writes v as JSON to conn.
func (m *MockBroker) Send(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.t.Errorf("marshal: %v", err)
		return
	}
	m.SendRaw(conn, data)
}

// SendRaw writes raw bytes to conn.
func (m *MockBroker) SendRaw(conn *websocket.Conn, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		m.t.Logf("mock write failed: %v", err)
	}
}

// SendLatest writes v to the most recent connection.
func (m *MockBroker) SendLatest(v any) {
	m.mu.Lock()
	var conn *websocket.Conn
	if len(m.conns) > 0 {
		conn = m.conns[len(m.conns)-1]
	}
	m.mu.Unlock()
	if conn == nil {
		m.t.Errorf("no agent connected")
		return
	}
	if raw, ok := v.([]byte); ok {
		m.SendRaw(conn, raw)
		return
	}
	m.Send(conn, v)
}

// CloseWith closes the latest connection with a close code.
func (m *MockBroker) CloseWith(conn *websocket.Conn, code int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = conn.Close()
}

func (m *MockBroker) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.t.Logf("WebSocket upgrade failed: %v", err)
		return
	}

	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.accepts++
	m.mu.Unlock()

	defer func() {
		_ = conn.Close()
		m.mu.Lock()
		for i, c := range m.conns {
			if c == conn {
				m.conns = append(m.conns[:i], m.conns[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
	}()

	if m.OnConnect != nil {
		m.OnConnect(m, conn)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		rec := record{Raw: data}
		rec.Type, _ = protocol.Peek(data)
		if rec.Type != protocol.TypeAuthResponse {
			rec.Cmd, _ = protocol.DecodeCommand(data)
		}

		m.mu.Lock()
		m.records = append(m.records, rec)
		m.mu.Unlock()

		if m.OnMessage != nil {
			m.OnMessage(m, conn, rec)
		}
	}
}

// testConfig returns a config with short timers pointed at url.
func testConfig(url string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.BrokerURL = url
	cfg.ClientID = "test-agent"
	cfg.AuthTimeout = 150 * time.Millisecond
	cfg.AuthResultTimeout = 2 * time.Second
	cfg.ReconnectBase = 20 * time.Millisecond
	cfg.ReconnectMax = 100 * time.Millisecond
	cfg.CleanupInterval = time.Hour
	cfg.DataPushInterval = 0
	cfg.HealthURL = ""
	cfg.FallbackURL = ""
	cfg.CallTimeout = 2 * time.Second
	return cfg
}

// startAgent runs an agent against cfg. The returned wait function reports
// Run's result once it has returned.
func startAgent(t *testing.T, cfg *config.Config, api browser.API) (*Agent, func(time.Duration) (error, bool)) {
	t.Helper()
	a := New(cfg, api, zerolog.Nop())
	done := make(chan struct{})
	var runErr error
	go func() {
		runErr = a.Run()
		close(done)
	}()
	t.Cleanup(func() {
		a.Shutdown()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Errorf("agent did not stop")
		}
	})
	wait := func(timeout time.Duration) (error, bool) {
		select {
		case <-done:
			return runErr, true
		case <-time.After(timeout):
			return nil, false
		}
	}
	return a, wait
}

// legacyCommand builds an unwrapped command.
func legacyCommand(action, requestID string, fields map[string]any) []byte {
	m := map[string]any{"type": action, "requestId": requestID}
	for k, v := range fields {
		m[k] = v
	}
	data, _ := json.Marshal(m)
	return data
}
