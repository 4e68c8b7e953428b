package agent

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imjszhang/js-eyes/internal/browser"
	"github.com/imjszhang/js-eyes/internal/protocol"
	"github.com/imjszhang/js-eyes/internal/reliability"
)

const waitTimeout = 3 * time.Second

func challengeOnConnect(challenge string) func(*MockBroker, *websocket.Conn) {
	return func(m *MockBroker, conn *websocket.Conn) {
		m.Send(conn, protocol.AuthChallenge{
			Type:      protocol.TypeAuthChallenge,
			Challenge: challenge,
			Timestamp: protocol.Now(),
		})
	}
}

func TestAgent_ChallengeResponse(t *testing.T) {
	mock := NewMockBroker(t)
	mock.OnConnect = challengeOnConnect("abc")
	mock.OnMessage = func(m *MockBroker, conn *websocket.Conn, rec record) {
		if rec.Type == protocol.TypeAuthResponse {
			m.Send(conn, protocol.AuthResult{
				Type:      protocol.TypeAuthResult,
				Success:   true,
				SessionID: "s1",
				ExpiresIn: 3600,
			})
		}
	}

	fake := browser.NewFake()
	tabID := fake.AddTab("https://a.com", "A")

	cfg := testConfig(mock.URL())
	cfg.SecretKey = "k"
	a, _ := startAgent(t, cfg, fake)

	require.Eventually(t, func() bool { return a.AuthState() == StateAuthenticated }, waitTimeout, 10*time.Millisecond)

	resp, ok := mock.WaitFor(protocol.TypeAuthResponse, "", waitTimeout)
	require.True(t, ok)
	var ar protocol.AuthResponse
	require.NoError(t, json.Unmarshal(resp.Raw, &ar))

	mac := hmac.New(sha256.New, []byte("k"))
	mac.Write([]byte("abc"))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), ar.Response)
	assert.Equal(t, "test-agent", ar.ClientID)

	// Wrapped command with the negotiated session.
	mock.SendLatest(map[string]any{
		"type":      protocol.TypeRequest,
		"sessionId": "s1",
		"requestId": "r1",
		"action":    protocol.ActionGetHTML,
		"payload":   map[string]any{"tabId": tabID},
	})
	done, ok := mock.WaitFor(protocol.CompleteType(protocol.ActionGetHTML), "r1", waitTimeout)
	require.True(t, ok)
	assert.Equal(t, protocol.FramingWrapped, done.Cmd.Framing)
	assert.Equal(t, "s1", done.Cmd.SessionID)
	assert.Contains(t, done.Cmd.String("html"), "<title>A</title>")

	// A repeated challenge on the same connection is not answered again.
	mock.SendLatest(protocol.AuthChallenge{Type: protocol.TypeAuthChallenge, Challenge: "abc"})
	mock.SendLatest(legacyCommand(protocol.ActionGetHTML, "r2", map[string]any{"tabId": tabID}))
	_, ok = mock.WaitFor(protocol.CompleteType(protocol.ActionGetHTML), "r2", waitTimeout)
	require.True(t, ok)
	assert.Len(t, mock.Records(protocol.TypeAuthResponse), 1)
}

func TestAgent_LegacyFallbackWithoutChallenge(t *testing.T) {
	mock := NewMockBroker(t)
	fake := browser.NewFake()
	tabID := fake.AddTab("https://a.com", "A")

	a, _ := startAgent(t, testConfig(mock.URL()), fake)

	require.Eventually(t, func() bool { return a.AuthState() == StateAuthenticated }, waitTimeout, 10*time.Millisecond)

	// Tab state is pushed once authenticated.
	data, ok := mock.WaitFor(protocol.TypeData, "", waitTimeout)
	require.True(t, ok)
	var update protocol.DataUpdate
	require.NoError(t, data.Cmd.Bind(&update))
	require.Len(t, update.Tabs, 1)
	assert.Equal(t, tabID, update.ActiveTabID)

	mock.SendLatest(legacyCommand(protocol.ActionGetHTML, "r1", map[string]any{"tabId": tabID}))
	done, ok := mock.WaitFor(protocol.CompleteType(protocol.ActionGetHTML), "r1", waitTimeout)
	require.True(t, ok)
	assert.Equal(t, protocol.FramingLegacy, done.Cmd.Framing)
	assert.Empty(t, done.Cmd.SessionID)
}

func TestAgent_AuthFailureStopsReconnect(t *testing.T) {
	mock := NewMockBroker(t)
	mock.OnConnect = challengeOnConnect("abc")
	mock.OnMessage = func(m *MockBroker, conn *websocket.Conn, rec record) {
		if rec.Type == protocol.TypeAuthResponse {
			m.Send(conn, protocol.AuthResult{Type: protocol.TypeAuthResult, Success: false, Error: "bad signature"})
		}
	}

	cfg := testConfig(mock.URL())
	cfg.SecretKey = "wrong"
	a, wait := startAgent(t, cfg, browser.NewFake())

	err, returned := wait(waitTimeout)
	require.True(t, returned, "Run should return after auth failure")
	require.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, StateFailed, a.AuthState())

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, mock.Accepts())
}

func TestAgent_AuthCloseCodeIsTerminal(t *testing.T) {
	mock := NewMockBroker(t)
	mock.OnConnect = func(m *MockBroker, conn *websocket.Conn) {
		m.CloseWith(conn, protocol.CloseAuthFailed, "go away")
	}

	a, wait := startAgent(t, testConfig(mock.URL()), browser.NewFake())

	err, returned := wait(waitTimeout)
	require.True(t, returned)
	require.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, StateFailed, a.AuthState())
	assert.Equal(t, 1, mock.Accepts())
}

func TestAgent_MissingSecretFails(t *testing.T) {
	mock := NewMockBroker(t)
	mock.OnConnect = challengeOnConnect("abc")

	_, wait := startAgent(t, testConfig(mock.URL()), browser.NewFake())

	err, returned := wait(waitTimeout)
	require.True(t, returned)
	require.ErrorIs(t, err, ErrAuthFailed)
	assert.Empty(t, mock.Records(protocol.TypeAuthResponse))
}

func TestAgent_ReconnectsAfterDrop(t *testing.T) {
	mock := NewMockBroker(t)
	var dropped atomic.Bool
	mock.OnConnect = func(m *MockBroker, conn *websocket.Conn) {
		if dropped.CompareAndSwap(false, true) {
			m.CloseWith(conn, websocket.CloseGoingAway, "restart")
		}
	}

	a, _ := startAgent(t, testConfig(mock.URL()), browser.NewFake())

	require.Eventually(t, func() bool { return mock.Accepts() >= 2 }, waitTimeout, 10*time.Millisecond)
	require.Eventually(t, func() bool { return a.AuthState() == StateAuthenticated }, waitTimeout, 10*time.Millisecond)
}

func TestAgent_DropsCommandsWhileAuthenticating(t *testing.T) {
	release := make(chan struct{})
	mock := NewMockBroker(t)
	mock.OnConnect = challengeOnConnect("abc")
	mock.OnMessage = func(m *MockBroker, conn *websocket.Conn, rec record) {
		if rec.Type == protocol.TypeAuthResponse {
			go func() {
				<-release
				m.Send(conn, protocol.AuthResult{Type: protocol.TypeAuthResult, Success: true, SessionID: "s1"})
			}()
		}
	}

	fake := browser.NewFake()
	tabID := fake.AddTab("https://a.com", "A")
	cfg := testConfig(mock.URL())
	cfg.SecretKey = "k"
	a, _ := startAgent(t, cfg, fake)

	_, ok := mock.WaitFor(protocol.TypeAuthResponse, "", waitTimeout)
	require.True(t, ok)
	assert.Equal(t, StateAuthenticating, a.AuthState())

	mock.SendLatest(legacyCommand(protocol.ActionGetHTML, "early", map[string]any{"tabId": tabID}))
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, mock.RecordsFor(protocol.CompleteType(protocol.ActionGetHTML), "early"))

	close(release)
	require.Eventually(t, func() bool { return a.AuthState() == StateAuthenticated }, waitTimeout, 10*time.Millisecond)

	mock.SendLatest(legacyCommand(protocol.ActionGetHTML, "late", map[string]any{"tabId": tabID}))
	_, ok = mock.WaitFor(protocol.CompleteType(protocol.ActionGetHTML), "late", waitTimeout)
	assert.True(t, ok)
	assert.Empty(t, mock.RecordsFor(protocol.CompleteType(protocol.ActionGetHTML), "early"))
}

func TestAgent_RateLimitedReply(t *testing.T) {
	mock := NewMockBroker(t)
	fake := browser.NewFake()
	tabID := fake.AddTab("https://a.com", "A")

	cfg := testConfig(mock.URL())
	cfg.RateLimit = 2
	cfg.RateWindow = time.Minute
	cfg.RateBlock = 30 * time.Second
	a, _ := startAgent(t, cfg, fake)
	require.Eventually(t, func() bool { return a.AuthState() == StateAuthenticated }, waitTimeout, 10*time.Millisecond)

	for _, id := range []string{"r1", "r2", "r3"} {
		mock.SendLatest(legacyCommand(protocol.ActionGetHTML, id, map[string]any{"tabId": tabID}))
	}

	rej, ok := mock.WaitFor(protocol.TypeError, "r3", waitTimeout)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusRateLimited, rej.Cmd.String("status"))
	assert.Equal(t, protocol.CodeRateLimited, rej.Cmd.String("code"))
	assert.Equal(t, 30, rej.Cmd.Int("retryAfter"))

	_, ok = mock.WaitFor(protocol.CompleteType(protocol.ActionGetHTML), "r2", waitTimeout)
	assert.True(t, ok)
}

func TestAgent_DuplicateDroppedQueueFull(t *testing.T) {
	mock := NewMockBroker(t)
	release := make(chan struct{})
	fake := browser.NewFake()
	fake.Hook = func(op string) error {
		if op == "get_html" {
			<-release
		}
		return nil
	}
	tabID := fake.AddTab("https://a.com", "A")

	cfg := testConfig(mock.URL())
	cfg.QueueCapacity = 2
	a, _ := startAgent(t, cfg, fake)
	require.Eventually(t, func() bool { return a.AuthState() == StateAuthenticated }, waitTimeout, 10*time.Millisecond)

	mock.SendLatest(legacyCommand(protocol.ActionGetHTML, "r1", map[string]any{"tabId": tabID}))
	mock.SendLatest(legacyCommand(protocol.ActionGetHTML, "r1", map[string]any{"tabId": tabID}))
	mock.SendLatest(legacyCommand(protocol.ActionGetCookies, "c1", map[string]any{"tabId": tabID}))
	_, ok := mock.WaitFor(protocol.CompleteType(protocol.ActionGetCookies), "c1", waitTimeout)
	require.True(t, ok)

	// r1 is still held; with capacity 2 the next one fills the queue.
	mock.SendLatest(legacyCommand(protocol.ActionGetHTML, "r2", map[string]any{"tabId": tabID}))
	mock.SendLatest(legacyCommand(protocol.ActionGetHTML, "r3", map[string]any{"tabId": tabID}))
	rej, ok := mock.WaitFor(protocol.TypeError, "r3", waitTimeout)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeQueueFull, rej.Cmd.String("code"))

	close(release)
	_, ok = mock.WaitFor(protocol.CompleteType(protocol.ActionGetHTML), "r2", waitTimeout)
	require.True(t, ok)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, mock.RecordsFor(protocol.CompleteType(protocol.ActionGetHTML), "r1"), 1)
	assert.Empty(t, mock.RecordsFor(protocol.TypeError, "r1"))
}

func TestAgent_CleanupReportsTimeout(t *testing.T) {
	mock := NewMockBroker(t)
	release := make(chan struct{})
	fake := browser.NewFake()
	fake.Hook = func(op string) error {
		if op == "get_html" {
			<-release
		}
		return nil
	}
	tabID := fake.AddTab("https://a.com", "A")

	cfg := testConfig(mock.URL())
	cfg.RequestTTL = 50 * time.Millisecond
	a, _ := startAgent(t, cfg, fake)
	require.Eventually(t, func() bool { return a.AuthState() == StateAuthenticated }, waitTimeout, 10*time.Millisecond)

	mock.SendLatest(legacyCommand(protocol.ActionGetHTML, "slow", map[string]any{"tabId": tabID}))
	require.Eventually(t, func() bool { return a.queue.Size() == 1 }, waitTimeout, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	a.cleanup()

	rej, ok := mock.WaitFor(protocol.TypeError, "slow", waitTimeout)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusTimeout, rej.Cmd.String("status"))
	assert.Zero(t, a.queue.Size())

	close(release)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, mock.RecordsFor(protocol.CompleteType(protocol.ActionGetHTML), "slow"))
	assert.Len(t, mock.RecordsFor(protocol.TypeError, "slow"), 1)
}

func TestAgent_ShutdownFailsQueuedRequests(t *testing.T) {
	mock := NewMockBroker(t)
	release := make(chan struct{})
	fake := browser.NewFake()
	fake.Hook = func(op string) error {
		if op == "get_html" {
			<-release
		}
		return nil
	}
	tabID := fake.AddTab("https://a.com", "A")

	a, _ := startAgent(t, testConfig(mock.URL()), fake)
	require.Eventually(t, func() bool { return a.AuthState() == StateAuthenticated }, waitTimeout, 10*time.Millisecond)

	mock.SendLatest(legacyCommand(protocol.ActionGetHTML, "busy", map[string]any{"tabId": tabID}))
	require.Eventually(t, func() bool { return a.queue.Size() == 1 }, waitTimeout, 10*time.Millisecond)

	a.Shutdown()

	rej, ok := mock.WaitFor(protocol.TypeError, "busy", waitTimeout)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusError, rej.Cmd.String("status"))
	assert.Equal(t, protocol.CodeAgentError, rej.Cmd.String("code"))
	assert.Zero(t, a.queue.Size())
	assert.Zero(t, a.dedup.Processing())

	close(release)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, mock.RecordsFor(protocol.CompleteType(protocol.ActionGetHTML), "busy"))
}

func TestAgent_LogsCircuitTransitions(t *testing.T) {
	var buf bytes.Buffer
	cfg := testConfig("ws://127.0.0.1:1/ws")
	cfg.MaxConsecutiveFailures = 1
	a := New(cfg, browser.NewFake(), zerolog.New(&buf))
	t.Cleanup(a.stop)

	a.health.RecordFailure(errors.New("no reply"))
	assert.Contains(t, buf.String(), "broker critical, shedding commands")

	a.health.RecordSuccess(reliability.HealthHealthy)
	assert.Contains(t, buf.String(), "broker recovered, accepting commands")
}

func TestAgent_OpenURLReusesRecentTab(t *testing.T) {
	mock := NewMockBroker(t)
	fake := browser.NewFake()
	a, _ := startAgent(t, testConfig(mock.URL()), fake)
	require.Eventually(t, func() bool { return a.AuthState() == StateAuthenticated }, waitTimeout, 10*time.Millisecond)

	mock.SendLatest(legacyCommand(protocol.ActionOpenURL, "o1", map[string]any{"url": "https://a.com"}))
	first, ok := mock.WaitFor(protocol.CompleteType(protocol.ActionOpenURL), "o1", waitTimeout)
	require.True(t, ok)

	mock.SendLatest(legacyCommand(protocol.ActionOpenURL, "o2", map[string]any{"url": "https://a.com"}))
	second, ok := mock.WaitFor(protocol.CompleteType(protocol.ActionOpenURL), "o2", waitTimeout)
	require.True(t, ok)

	assert.Equal(t, first.Cmd.Int("tabId"), second.Cmd.Int("tabId"))
	assert.Equal(t, 1, fake.Opened())
}

func TestAgent_ErrorsAreScopedToRequest(t *testing.T) {
	mock := NewMockBroker(t)
	fake := browser.NewFake()
	fake.Hook = func(op string) error {
		if op == "inject_css" {
			panic("boom")
		}
		return nil
	}
	tabID := fake.AddTab("https://a.com", "A")
	a, _ := startAgent(t, testConfig(mock.URL()), fake)
	require.Eventually(t, func() bool { return a.AuthState() == StateAuthenticated }, waitTimeout, 10*time.Millisecond)

	mock.SendLatest(legacyCommand(protocol.ActionInjectCSS, "p1", map[string]any{"tabId": tabID, "css": "body{}"}))
	mock.SendLatest(legacyCommand("frobnicate", "u1", nil))
	mock.SendLatest(legacyCommand(protocol.ActionGetHTML, "nf", map[string]any{"tabId": 99}))
	mock.SendLatest([]byte("{not json"))

	rej, ok := mock.WaitFor(protocol.TypeError, "p1", waitTimeout)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeAgentError, rej.Cmd.String("code"))

	rej, ok = mock.WaitFor(protocol.TypeError, "u1", waitTimeout)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeUnknownAction, rej.Cmd.String("code"))

	rej, ok = mock.WaitFor(protocol.TypeError, "nf", waitTimeout)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeNotFound, rej.Cmd.String("code"))

	// Still serving.
	mock.SendLatest(legacyCommand(protocol.ActionGetHTML, "ok", map[string]any{"tabId": tabID}))
	_, ok = mock.WaitFor(protocol.CompleteType(protocol.ActionGetHTML), "ok", waitTimeout)
	assert.True(t, ok)
}

func TestAgent_ConfigSyncCall(t *testing.T) {
	mock := NewMockBroker(t)
	mock.OnMessage = func(m *MockBroker, conn *websocket.Conn, rec record) {
		if rec.Kind() == protocol.TypeGetConfig {
			data, _ := json.Marshal(protocol.AgentConfig{ServerVersion: "9.9", CallTimeout: 60})
			m.Send(conn, protocol.Response{
				Type:      protocol.TypeResponse,
				RequestID: rec.Cmd.RequestID,
				Status:    protocol.StatusSuccess,
				Data:      data,
			})
		}
	}

	a, _ := startAgent(t, testConfig(mock.URL()), browser.NewFake())
	require.Eventually(t, func() bool {
		sc := a.ServerConfig()
		return sc != nil && sc.ServerVersion == "9.9"
	}, waitTimeout, 10*time.Millisecond)
	assert.Zero(t, a.calls.size())
}

func TestAgent_CallGatedByCircuit(t *testing.T) {
	a := New(testConfig("ws://127.0.0.1:1/ws"), browser.NewFake(), zerolog.Nop())
	defer a.stop()

	_, err := a.Call(a.ctx, protocol.TypeGetConfig, nil)
	require.ErrorIs(t, err, ErrNotAuthenticated)

	for i := 0; i < 3; i++ {
		a.health.RecordFailure(errors.New("down"))
	}
	_, err = a.Call(a.ctx, protocol.TypeGetConfig, nil)
	require.ErrorIs(t, err, reliability.ErrCircuitOpen)
}

func TestAgent_ShutdownRejectsOutstandingCalls(t *testing.T) {
	a := New(testConfig("ws://127.0.0.1:1/ws"), browser.NewFake(), zerolog.Nop())
	ch := a.calls.add("pending")
	a.stop()

	select {
	case res := <-ch:
		assert.ErrorIs(t, res.err, ErrShutdown)
	case <-time.After(time.Second):
		t.Fatal("outstanding call was not rejected")
	}
}

func TestFallback_ResolvesCallFromEvent(t *testing.T) {
	a := New(testConfig("ws://127.0.0.1:1/ws"), browser.NewFake(), zerolog.Nop())
	defer a.stop()
	ch := a.calls.add("r9")

	data, _ := json.Marshal(protocol.CallEvent{
		Type:      protocol.EventCallComplete,
		RequestID: "r9",
		Status:    protocol.StatusSuccess,
		Data:      json.RawMessage(`{"ok":true}`),
	})
	a.fallback.handle(reliability.Event{Name: protocol.EventCallComplete, Data: data})

	select {
	case res := <-ch:
		require.NoError(t, res.err)
		assert.Equal(t, protocol.StatusSuccess, res.resp.Status)
		assert.JSONEq(t, `{"ok":true}`, string(res.resp.Data))
	case <-time.After(time.Second):
		t.Fatal("call not resolved")
	}

	// Unknown ids are ignored.
	a.fallback.handle(reliability.Event{Data: data})
}

func TestRefreshDelay(t *testing.T) {
	assert.Equal(t, 55*time.Minute, refreshDelay(time.Hour, 5*time.Minute))
	assert.Equal(t, minRefreshDelay, refreshDelay(90*time.Second, 5*time.Minute))
}

func TestAuthState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "authenticating", StateAuthenticating.String())
	assert.Equal(t, "authenticated", StateAuthenticated.String())
	assert.Equal(t, "failed", StateFailed.String())
}
