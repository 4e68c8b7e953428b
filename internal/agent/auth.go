package agent

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/imjszhang/js-eyes/internal/protocol"
)

// AuthState is the agent's position in the handshake.
type AuthState int

const (
	StateDisconnected AuthState = iota
	StateAuthenticating
	StateAuthenticated
	StateFailed
)

func (s AuthState) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// minRefreshDelay is the floor on the session refresh delay.
const minRefreshDelay = 60 * time.Second

// authHooks are the side effects of the handshake.
type authHooks struct {
	send          func(data []byte) error
	fail          func(code int, reason string) // close with an auth close code
	refresh       func()                        // reconnect for a fresh session
	authenticated func()
}

// authMachine runs the challenge/response handshake for one connection at
// a time. Timers carry the connection generation they were armed for so a
// timer from a previous connection is a no-op.
type authMachine struct {
	clientID      string
	secret        string
	authTimeout   time.Duration
	resultTimeout time.Duration
	refreshSkew   time.Duration
	log           zerolog.Logger
	hooks         authHooks

	mu               sync.Mutex
	state            AuthState
	gen              uint64
	sessionID        string
	expiresAt        time.Time
	pendingChallenge string
	responded        bool
	resultTimeouts   int
	timer            *time.Timer
	refreshTimer     *time.Timer
	failure          string
}

func newAuthMachine(clientID, secret string, authTimeout, resultTimeout, refreshSkew time.Duration, log zerolog.Logger, hooks authHooks) *authMachine {
	return &authMachine{
		clientID:      clientID,
		secret:        secret,
		authTimeout:   authTimeout,
		resultTimeout: resultTimeout,
		refreshSkew:   refreshSkew,
		log:           log.With().Str("component", "auth").Logger(),
		hooks:         hooks,
	}
}

// onOpen starts a handshake for a fresh transport.
func (m *authMachine) onOpen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateFailed {
		return
	}
	m.gen++
	m.state = StateAuthenticating
	m.sessionID = ""
	m.expiresAt = time.Time{}
	m.pendingChallenge = ""
	m.responded = false
	m.armLocked(m.authTimeout)
}

func (m *authMachine) armLocked(d time.Duration) {
	if m.timer != nil {
		m.timer.Stop()
	}
	gen := m.gen
	m.timer = time.AfterFunc(d, func() { m.onTimeout(gen) })
}

func (m *authMachine) onTimeout(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateAuthenticating {
		m.mu.Unlock()
		return
	}

	if !m.responded {
		// No challenge: the broker predates authentication.
		m.state = StateAuthenticated
		m.resultTimeouts = 0
		m.mu.Unlock()
		m.log.Warn().Msg("no auth challenge received, falling back to legacy protocol")
		m.hooks.authenticated()
		return
	}

	m.resultTimeouts++
	terminal := m.resultTimeouts > 1
	if terminal {
		m.state = StateFailed
		m.failure = "auth result timeout"
	}
	m.mu.Unlock()

	if terminal {
		m.log.Error().Msg("auth result timed out twice, giving up")
	} else {
		m.log.Warn().Msg("auth result timed out, reconnecting")
	}
	m.hooks.fail(protocol.CloseAuthTimeout, "auth result timeout")
}

// onChallenge answers a challenge once per connection.
func (m *authMachine) onChallenge(ch protocol.AuthChallenge) {
	m.mu.Lock()
	if m.state != StateAuthenticating || m.responded {
		m.mu.Unlock()
		m.log.Debug().Str("state", m.state.String()).Msg("ignoring auth challenge")
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	if m.secret == "" {
		m.state = StateFailed
		m.failure = "no secret key configured"
		m.mu.Unlock()
		m.log.Error().Msg("broker requires authentication but no secret key is configured")
		m.hooks.fail(protocol.CloseAuthFailed, "missing secret key")
		return
	}

	m.pendingChallenge = ch.Challenge
	m.responded = true
	resp := protocol.AuthResponse{
		Type:      protocol.TypeAuthResponse,
		ClientID:  m.clientID,
		Response:  protocol.Sign(m.secret, ch.Challenge),
		Timestamp: protocol.Now(),
	}
	m.armLocked(m.resultTimeout)
	m.mu.Unlock()

	data, _ := json.Marshal(resp)
	if err := m.hooks.send(data); err != nil {
		m.log.Error().Err(err).Msg("failed to send auth response")
		return
	}
	m.log.Debug().Str("server_version", ch.ServerVersion).Msg("auth response sent")
}

// onResult concludes the handshake.
func (m *authMachine) onResult(res protocol.AuthResult) {
	m.mu.Lock()
	if m.state != StateAuthenticating {
		m.mu.Unlock()
		m.log.Debug().Str("state", m.state.String()).Msg("ignoring auth result")
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}

	if !res.Success {
		m.state = StateFailed
		m.failure = res.Error
		m.mu.Unlock()
		m.log.Error().Str("error", res.Error).Msg("authentication failed")
		m.hooks.fail(protocol.CloseAuthFailed, "authentication failed")
		return
	}

	m.state = StateAuthenticated
	m.sessionID = res.SessionID
	m.pendingChallenge = ""
	m.resultTimeouts = 0
	if res.ExpiresIn > 0 {
		expiresIn := time.Duration(res.ExpiresIn) * time.Second
		m.expiresAt = time.Now().Add(expiresIn)
		delay := refreshDelay(expiresIn, m.refreshSkew)
		if m.refreshTimer != nil {
			m.refreshTimer.Stop()
		}
		gen := m.gen
		m.refreshTimer = time.AfterFunc(delay, func() { m.onRefresh(gen) })
		m.log.Debug().Dur("refresh_in", delay).Msg("session refresh scheduled")
	}
	sessionID := m.sessionID
	m.mu.Unlock()

	m.log.Info().Str("session_id", sessionID).Msg("authenticated")
	m.hooks.authenticated()
}

func (m *authMachine) onRefresh(gen uint64) {
	m.mu.Lock()
	current := gen == m.gen && m.state == StateAuthenticated
	m.mu.Unlock()
	if !current {
		return
	}
	m.log.Info().Msg("refreshing session")
	m.hooks.refresh()
}

// refreshDelay is max(expiresIn - skew, 60s).
func refreshDelay(expiresIn, skew time.Duration) time.Duration {
	d := expiresIn - skew
	if d < minRefreshDelay {
		return minRefreshDelay
	}
	return d
}

// onClose records a transport close. A reserved auth close code is terminal.
func (m *authMachine) onClose(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gen++
	m.stopTimersLocked()
	m.sessionID = ""
	m.pendingChallenge = ""
	m.responded = false

	if m.state == StateFailed {
		return
	}
	if protocol.IsAuthCloseCode(code) {
		m.state = StateFailed
		if m.failure == "" {
			m.failure = "broker closed with auth error"
		}
		m.log.Error().Int("code", code).Msg("broker closed connection with auth error")
		return
	}
	m.state = StateDisconnected
}

func (m *authMachine) stopTimersLocked() {
	if m.timer != nil {
		m.timer.Stop()
	}
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}
}

// stop cancels every timer.
func (m *authMachine) stop() {
	m.mu.Lock()
	m.gen++
	m.stopTimersLocked()
	m.mu.Unlock()
}

func (m *authMachine) State() AuthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *authMachine) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Failure returns why the machine entered StateFailed.
func (m *authMachine) Failure() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failure
}

// Framing returns the outbound wire shape for business messages.
func (m *authMachine) Framing() protocol.Framing {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAuthenticated && m.sessionID != "" {
		return protocol.FramingWrapped
	}
	return protocol.FramingLegacy
}
