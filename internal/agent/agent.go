// Package agent implements the JS-Eyes browser agent: it holds one
// connection to the relay broker, authenticates, and executes relayed
// commands against the browser.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/imjszhang/js-eyes/internal/browser"
	"github.com/imjszhang/js-eyes/internal/config"
	"github.com/imjszhang/js-eyes/internal/protocol"
	"github.com/imjszhang/js-eyes/internal/reliability"
)

// ErrAuthFailed is returned by Run when authentication failed terminally.
var ErrAuthFailed = errors.New("authentication failed")

// Agent is the main agent struct that coordinates all components.
type Agent struct {
	cfg     *config.Config
	log     zerolog.Logger
	browser browser.API
	ws      *WebSocketClient
	auth    *authMachine
	ctx     context.Context
	cancel  context.CancelFunc

	// Inbound guards
	limiter *reliability.RateLimiter
	dedup   *reliability.RequestDeduplicator
	queue   *reliability.RequestQueueManager

	// Outbound
	health   *reliability.HealthChecker
	calls    *callTracker
	fallback *fallbackRunner

	mu           sync.RWMutex
	serverConfig *protocol.AgentConfig
}

// New creates a new agent with the given configuration.
func New(cfg *config.Config, api browser.API, log zerolog.Logger) *Agent {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:     cfg,
		log:     log.With().Str("component", "agent").Logger(),
		browser: api,
		ctx:     ctx,
		cancel:  cancel,
		limiter: reliability.NewRateLimiter(cfg.RateLimit, cfg.RateWindow, cfg.RateBlock),
		dedup:   reliability.NewRequestDeduplicator(cfg.DedupTTL),
		queue:   reliability.NewRequestQueueManager(cfg.QueueCapacity, cfg.RequestTTL),
		health: reliability.NewHealthChecker(reliability.HealthConfig{
			URL:                    cfg.HealthURL,
			Interval:               cfg.HealthInterval,
			Timeout:                cfg.HealthTimeout,
			CriticalCooldown:       cfg.CriticalCooldown,
			WarningThrottle:        cfg.WarningThrottle,
			MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		}, log),
		calls: newCallTracker(),
	}
	a.ws = NewWebSocketClient(cfg, a.log, a)
	a.auth = newAuthMachine(cfg.ClientID, cfg.SecretKey,
		cfg.AuthTimeout, cfg.AuthResultTimeout, cfg.RefreshSkew, a.log,
		authHooks{
			send: a.ws.Send,
			fail: func(code int, reason string) {
				if err := a.ws.CloseWith(code, reason); err != nil {
					a.log.Debug().Err(err).Msg("error closing after auth failure")
				}
			},
			refresh:       func() { a.ws.Reconnect("session refresh") },
			authenticated: func() { go a.onAuthenticated() },
		})
	a.fallback = newFallbackRunner(a)
	a.health.OnChange(a.logHealthChange)
	return a
}

// logHealthChange reports when the circuit starts or stops shedding
// commands.
func (a *Agent) logHealthChange(from, to reliability.HealthStatus) {
	switch {
	case to == reliability.HealthCritical:
		a.log.Warn().Str("from", string(from)).Msg("broker critical, shedding commands")
	case from == reliability.HealthCritical:
		a.log.Info().Str("to", string(to)).Msg("broker recovered, accepting commands")
	}
}

// Run starts the agent and blocks until shutdown or terminal auth failure.
func (a *Agent) Run() error {
	a.log.Info().
		Str("client_id", a.cfg.ClientID).
		Str("url", a.cfg.BrokerURL).
		Bool("auth", a.cfg.SecretKey != "").
		Msg("starting agent")

	var wg sync.WaitGroup

	// Cleanup loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.cleanupLoop()
	}()

	// Tab push loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.dataLoop()
	}()

	// Health polling
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.health.Run(a.ctx)
	}()

	// Message handler loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.messageLoop()
	}()

	// WebSocket connection loop (blocks until shutdown or auth failure)
	a.ws.Run(a.ctx)

	authFailed := a.auth.State() == StateFailed
	a.stop()
	wg.Wait()

	if authFailed {
		a.log.Error().Str("reason", a.auth.Failure()).Msg("agent stopped: authentication failed, fix credentials and restart")
		return ErrAuthFailed
	}
	a.log.Info().Msg("agent stopped")
	return nil
}

// stop cancels every timer and loop and rejects outstanding calls.
func (a *Agent) stop() {
	a.cancel()
	a.auth.stop()
	a.fallback.stop()
	a.calls.rejectAll(ErrShutdown)
}

// Shutdown initiates graceful shutdown.
func (a *Agent) Shutdown() {
	a.log.Info().Msg("shutting down")
	a.abandonQueued()
	if err := a.ws.Close(); err != nil {
		a.log.Debug().Err(err).Msg("error closing websocket")
	}
	a.stop()
}

// abandonQueued fails every admitted request still executing. Their late
// completions are dropped because the queue no longer holds them.
func (a *Agent) abandonQueued() {
	for _, e := range a.queue.Clear() {
		a.dedup.Finish(e.RequestID)
		a.sendError(e.RequestID, protocol.StatusError, protocol.CodeAgentError, "agent shutting down", 0)
	}
}

// OnConnected is called when WebSocket connects.
func (a *Agent) OnConnected() {
	a.log.Info().Msg("connected to broker")
	a.fallback.primaryUp()
	a.auth.onOpen()
}

// OnDisconnected is called when WebSocket disconnects.
func (a *Agent) OnDisconnected(code int) {
	a.auth.onClose(code)
	a.log.Warn().Int("code", code).Str("auth_state", a.auth.State().String()).Msg("disconnected from broker")
}

// OnConnectFailed is called after each failed dial.
func (a *Agent) OnConnectFailed(err error, attempts int) {
	if a.cfg.FallbackURL != "" && attempts >= a.cfg.FallbackThreshold {
		a.fallback.start()
	}
}

// ShouldReconnect reports whether the connection loop may dial again.
func (a *Agent) ShouldReconnect() bool {
	return a.auth.State() != StateFailed
}

// AuthState returns the current handshake state.
func (a *Agent) AuthState() AuthState {
	return a.auth.State()
}

// ServerConfig returns the configuration last fetched from the broker.
func (a *Agent) ServerConfig() *protocol.AgentConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.serverConfig
}

// onAuthenticated runs once per successful handshake.
func (a *Agent) onAuthenticated() {
	a.pushData()

	resp, err := a.Call(a.ctx, protocol.TypeGetConfig, nil)
	if err != nil {
		a.log.Debug().Err(err).Msg("config sync failed")
		return
	}
	var sc protocol.AgentConfig
	if err := json.Unmarshal(resp.Data, &sc); err != nil {
		a.log.Debug().Err(err).Msg("config sync returned unexpected data")
		return
	}
	a.mu.Lock()
	a.serverConfig = &sc
	a.mu.Unlock()
	a.log.Debug().Str("server_version", sc.ServerVersion).Msg("config synced")
}

// messageLoop handles incoming messages.
func (a *Agent) messageLoop() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case data := <-a.ws.Messages():
			a.handleMessage(data)
		}
	}
}

// send encodes a business message in the framing negotiated for this
// connection.
func (a *Agent) send(cmd *protocol.Command) error {
	framing := a.auth.Framing()
	if framing == protocol.FramingWrapped {
		cmd.SessionID = a.auth.SessionID()
	}
	data, err := cmd.Encode(framing)
	if err != nil {
		return err
	}
	return a.ws.Send(data)
}

// Version is the agent version, overridden at build time with
// -ldflags "-X github.com/imjszhang/js-eyes/internal/agent.Version=...".
var Version = "dev"
