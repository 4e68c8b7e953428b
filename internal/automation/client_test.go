package automation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/imjszhang/js-eyes/internal/agent"
	"github.com/imjszhang/js-eyes/internal/broker"
	"github.com/imjszhang/js-eyes/internal/browser"
	"github.com/imjszhang/js-eyes/internal/config"
	"github.com/imjszhang/js-eyes/internal/protocol"
)

// startBroker serves a broker and returns its WebSocket URL.
func startBroker(t *testing.T, mutate func(*broker.Config)) string {
	t.Helper()
	cfg := broker.DefaultConfig()
	cfg.CallTimeout = 2 * time.Second
	if mutate != nil {
		mutate(cfg)
	}
	s := broker.New(cfg, zerolog.Nop())
	hs := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		s.Close()
		hs.Close()
	})
	return "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

// startAgent runs an agent on a fake browser against the broker.
func startAgent(t *testing.T, brokerURL, secret string, api browser.API) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BrokerURL = brokerURL + "?type=agent"
	cfg.ClientID = "e2e-agent"
	cfg.SecretKey = secret
	cfg.AuthTimeout = time.Second
	cfg.ReconnectBase = 20 * time.Millisecond
	cfg.ReconnectMax = 100 * time.Millisecond
	cfg.CleanupInterval = time.Hour
	cfg.DataPushInterval = 0
	cfg.HealthURL = ""
	cfg.FallbackURL = ""

	a := agent.New(cfg, api, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		_ = a.Run()
		close(done)
	}()
	t.Cleanup(func() {
		a.Shutdown()
		<-done
	})
}

func dial(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitForAgent(t *testing.T, c *Client) {
	t.Helper()
	require.Eventually(t, func() bool {
		clients, err := c.ListClients(context.Background())
		return err == nil && len(clients.Browsers) == 1
	}, 3*time.Second, 20*time.Millisecond, "agent never registered")
}

func TestClient_EndToEnd(t *testing.T) {
	url := startBroker(t, func(c *broker.Config) { c.AgentSecret = "k" })
	fake := browser.NewFake()
	tab := fake.AddTab("https://a.test", "Alpha")
	fake.SetScriptResult("1+1", json.RawMessage(`2`))
	fake.SetCookies([]browser.Cookie{{Name: "sid", Value: "x", Domain: "a.test", Path: "/"}})
	startAgent(t, url, "k", fake)

	c := dial(t, url)
	require.NotEmpty(t, c.ID())
	waitForAgent(t, c)
	ctx := context.Background()

	html, err := c.GetHTML(ctx, tab, WithRequestID("html-1"))
	require.NoError(t, err)
	assert.Contains(t, html, "<title>Alpha</title>")

	res, err := c.Result(ctx, "html-1")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuccess, res.Status)

	script, err := c.ExecuteScript(ctx, tab, "1+1")
	require.NoError(t, err)
	assert.JSONEq(t, `2`, string(script.Result))

	opened, err := c.OpenURL(ctx, "https://b.test", 0, WithTarget("e2e-agent"))
	require.NoError(t, err)
	assert.NotZero(t, opened.TabID)
	assert.False(t, opened.Reused)

	again, err := c.OpenURL(ctx, "https://b.test", 0)
	require.NoError(t, err)
	assert.Equal(t, opened.TabID, again.TabID)
	assert.True(t, again.Reused)
	assert.Equal(t, 1, fake.Opened())

	require.NoError(t, c.InjectCSS(ctx, tab, "body{color:red}"))
	assert.Equal(t, []string{"body{color:red}"}, fake.InjectedCSS(tab))

	cookies, err := c.GetCookies(ctx, tab)
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, "sid", cookies[0].Name)

	require.NoError(t, c.CloseTab(ctx, opened.TabID))

	_, err = c.GetHTML(ctx, 99)
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, protocol.CodeNotFound, ce.Code)

	require.Eventually(t, func() bool {
		tabs, err := c.GetTabs(ctx)
		return err == nil && len(tabs.Tabs) == 1 && tabs.Tabs[0].URL == "https://a.test"
	}, 3*time.Second, 20*time.Millisecond, "tab state never converged")
}

func TestClient_RoutingErrors(t *testing.T) {
	url := startBroker(t, nil)
	c := dial(t, url)

	_, err := c.GetHTML(context.Background(), 1)
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, protocol.CodeNoAgent, ce.Code)
	assert.Equal(t, protocol.StatusError, ce.Status)
	assert.Contains(t, ce.Error(), "no_agent")

	_, err = c.Call(context.Background(), "teleport", nil)
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, protocol.CodeUnknownAction, ce.Code)
}

func TestClient_RateLimited(t *testing.T) {
	url := startBroker(t, func(c *broker.Config) {
		c.AutomationRate = 0.01
		c.AutomationBurst = 1
	})
	c := dial(t, url)

	_, err := c.GetTabs(context.Background())
	require.NoError(t, err)

	_, err = c.GetTabs(context.Background())
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, protocol.StatusRateLimited, ce.Status)
	assert.GreaterOrEqual(t, ce.RetryAfter, 1)
}

func TestClient_Token(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("tok"), bcrypt.MinCost)
	require.NoError(t, err)
	url := startBroker(t, func(c *broker.Config) { c.TokenHash = string(hash) })

	_, err = Dial(context.Background(), url)
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, protocol.CodeUnauthorized, ce.Code)

	c := dial(t, url, WithToken("tok"))
	_, err = c.ListClients(context.Background())
	require.NoError(t, err)
}

// silentBroker accepts automation connections, announces them, and then
// runs onMessage for every frame.
func silentBroker(t *testing.T, onMessage func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(protocol.ConnectionEstablished{Type: protocol.TypeConnectionEstablished, ClientID: "c1"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			if onMessage != nil {
				onMessage(conn)
			}
		}
	}))
	t.Cleanup(hs.Close)
	return "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

func TestClient_LocalTimeout(t *testing.T) {
	c := dial(t, silentBroker(t, nil), WithDefaultTimeout(50*time.Millisecond))

	_, err := c.GetHTML(context.Background(), 1)
	require.ErrorIs(t, err, ErrTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.GetHTML(ctx, 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestClient_DisconnectRejectsOutstanding(t *testing.T) {
	url := silentBroker(t, func(conn *websocket.Conn) {
		time.Sleep(50 * time.Millisecond)
		_ = conn.Close()
	})
	c := dial(t, url)
	assert.Equal(t, "c1", c.ID())

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.GetHTML(context.Background(), 1)
			errs <- err
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.True(t, errors.Is(err, ErrDisconnected), "got %v", err)
		case <-time.After(3 * time.Second):
			t.Fatal("outstanding call not rejected")
		}
	}

	<-c.Done()
	_, err := c.GetTabs(context.Background())
	require.ErrorIs(t, err, ErrDisconnected)
}

func TestClient_DuplicateRequestID(t *testing.T) {
	c := dial(t, silentBroker(t, nil), WithDefaultTimeout(200*time.Millisecond))

	go func() { _, _ = c.GetHTML(context.Background(), 1, WithRequestID("same")) }()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.pending["same"]
		return ok
	}, time.Second, 5*time.Millisecond)

	_, err := c.GetHTML(context.Background(), 1, WithRequestID("same"))
	require.ErrorIs(t, err, ErrDuplicateRequest)
}
