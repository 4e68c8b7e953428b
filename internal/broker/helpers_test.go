package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/imjszhang/js-eyes/internal/protocol"
)

const (
	chromeUA  = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	firefoxUA = "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0"
)

// testBroker is a broker served by httptest.
type testBroker struct {
	t      *testing.T
	server *Server
	http   *httptest.Server
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.CallTimeout = 2 * time.Second
	cfg.AuthTimeout = 2 * time.Second
	return cfg
}

func newTestBroker(t *testing.T, mutate func(*Config)) *testBroker {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	s := New(cfg, zerolog.Nop())
	hs := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		s.Close()
		hs.Close()
	})
	return &testBroker{t: t, server: s, http: hs}
}

func (b *testBroker) wsURL(class string, q url.Values) string {
	if q == nil {
		q = url.Values{}
	}
	if class != "" {
		q.Set("type", class)
	}
	return "ws" + strings.TrimPrefix(b.http.URL, "http") + "/ws?" + q.Encode()
}

func (b *testBroker) stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := b.server.Hub().Stats(ctx)
	require.NoError(b.t, err)
	return s
}

// eventually polls cond until it holds.
func (b *testBroker) eventually(cond func() bool, msg string) {
	b.t.Helper()
	require.Eventually(b.t, cond, 2*time.Second, 10*time.Millisecond, msg)
}

// peer is a test WebSocket client.
type peer struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialPeer(t *testing.T, rawURL string, header http.Header) *peer {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(rawURL, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &peer{t: t, conn: conn}
}

// dialAutomation connects an automation client and consumes
// connection_established.
func (b *testBroker) dialAutomation(header http.Header) *peer {
	b.t.Helper()
	p := dialPeer(b.t, b.wsURL(protocol.ClassAutomation, nil), header)
	p.expect(protocol.TypeConnectionEstablished)
	return p
}

// dialAgent connects an agent with the given User-Agent and, in open mode,
// consumes the synthetic auth_result.
func (b *testBroker) dialAgent(ua, clientID string) *peer {
	b.t.Helper()
	q := url.Values{}
	if clientID != "" {
		q.Set("clientId", clientID)
	}
	p := dialPeer(b.t, b.wsURL(protocol.ClassAgent, q), http.Header{"User-Agent": {ua}})
	if !b.server.cfg.AgentAuthRequired() {
		var res protocol.AuthResult
		p.expectInto(protocol.TypeAuthResult, &res)
		require.True(b.t, res.Success)
	}
	return p
}

func (p *peer) sendJSON(v any) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteJSON(v))
}

func (p *peer) sendRaw(s string) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, []byte(s)))
}

// next reads one message.
func (p *peer) next(timeout time.Duration) ([]byte, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := p.conn.ReadMessage()
	return data, err
}

// expect reads until a message of type msgType arrives.
func (p *peer) expect(msgType string) []byte {
	p.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		data, err := p.next(time.Until(deadline))
		require.NoError(p.t, err, "waiting for %s", msgType)
		if typ, _ := protocol.Peek(data); typ == msgType {
			return data
		}
	}
	p.t.Fatalf("timed out waiting for %s", msgType)
	return nil
}

func (p *peer) expectInto(msgType string, v any) {
	p.t.Helper()
	require.NoError(p.t, json.Unmarshal(p.expect(msgType), v))
}

// response waits for the <action>_response carrying requestID.
func (p *peer) response(action, requestID string) *protocol.Response {
	p.t.Helper()
	for {
		var resp protocol.Response
		p.expectInto(protocol.ResponseType(action), &resp)
		if resp.RequestID == requestID {
			return &resp
		}
	}
}

// command waits for a forwarded business message.
func (p *peer) command() *protocol.Command {
	p.t.Helper()
	for {
		data, err := p.next(3 * time.Second)
		require.NoError(p.t, err, "waiting for command")
		cmd, err := protocol.DecodeCommand(data)
		require.NoError(p.t, err)
		if protocol.IsForwardable(cmd.Action) {
			return cmd
		}
	}
}

// silent asserts nothing arrives within d.
func (p *peer) silent(d time.Duration) {
	p.t.Helper()
	data, err := p.next(d)
	if err == nil {
		p.t.Fatalf("unexpected message: %s", data)
	}
	var netErr interface{ Timeout() bool }
	require.True(p.t, errors.As(err, &netErr) && netErr.Timeout(), "expected read timeout, got %v", err)
}

// closeCode waits for the connection to close and returns its close code.
func (p *peer) closeCode() int {
	p.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_, err := p.next(time.Until(deadline))
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		p.t.Fatalf("connection ended without close frame: %v", err)
	}
	p.t.Fatal("timed out waiting for close")
	return 0
}

// complete answers a forwarded command the way an agent does.
func (p *peer) complete(cmd *protocol.Command, fields map[string]any) {
	p.t.Helper()
	reply, err := protocol.NewCommand(protocol.CompleteType(cmd.Action), cmd.RequestID, fields)
	require.NoError(p.t, err)
	reply.SessionID = cmd.SessionID
	data, err := reply.Encode(cmd.Framing)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, data))
}

func command(action, requestID string, fields map[string]any) map[string]any {
	m := map[string]any{"type": action, "requestId": requestID}
	for k, v := range fields {
		m[k] = v
	}
	return m
}

func decodeData(t *testing.T, resp *protocol.Response, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(resp.Data, v))
}
