package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/imjszhang/js-eyes/internal/protocol"
)

// Routing and lifecycle errors.
var (
	ErrHubStopped     = errors.New("hub stopped")
	ErrNoAgent        = errors.New("no agent connected")
	ErrTargetNotFound = errors.New("target not found")
)

type inbound struct {
	client *Client
	data   []byte
}

// cachedResult is a resolved call kept for get_result and for replays to
// the caller that made it.
type cachedResult struct {
	resp   *protocol.Response
	caller string
}

type submission struct {
	cmd  *protocol.Command
	from responder
}

// Hub owns every registry: agents in insertion order, automation
// connections and pending calls. Only the Run goroutine touches them;
// pumps, timers and HTTP handlers send it events.
type Hub struct {
	cfg     *Config
	log     zerolog.Logger
	auth    *AuthService
	metrics *Metrics
	events  *eventBus
	results *expirable.LRU[string, cachedResult]

	agents      []*Client
	automations map[string]*Client
	pending     map[string]*PendingCall

	register    chan *Client
	unregister  chan *Client
	inbound     chan inbound
	submit      chan submission
	expired     chan *PendingCall
	authExpired chan *Client
	queries     chan func()

	done chan struct{}
}

// newHub creates a new Hub.
func newHub(cfg *Config, auth *AuthService, metrics *Metrics, events *eventBus, log zerolog.Logger) *Hub {
	return &Hub{
		cfg:         cfg,
		log:         log.With().Str("component", "hub").Logger(),
		auth:        auth,
		metrics:     metrics,
		events:      events,
		results:     expirable.NewLRU[string, cachedResult](cfg.ResultCacheSize, nil, cfg.ResultTTL),
		automations: make(map[string]*Client),
		pending:     make(map[string]*PendingCall),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		inbound:     make(chan inbound, 256),
		submit:      make(chan submission),
		expired:     make(chan *PendingCall, 64),
		authExpired: make(chan *Client, 16),
		queries:     make(chan func()),
		done:        make(chan struct{}),
	}
}

// Run starts the hub's main loop and blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case c := <-h.register:
			h.handleRegister(c)

		case c := <-h.unregister:
			h.handleUnregister(c)

		case in := <-h.inbound:
			h.safely(in.client.id, func() {
				if in.client.class == protocol.ClassAgent {
					h.handleAgentMessage(in.client, in.data)
				} else {
					h.handleAutomationMessage(in.client, in.data)
				}
			})

		case s := <-h.submit:
			h.safely(s.from.ident(), func() {
				if s.cmd.RequestID == "" {
					s.cmd.RequestID = uuid.NewString()
				}
				h.route(s.cmd, s.from)
			})

		case pc := <-h.expired:
			h.handleExpired(pc)

		case c := <-h.authExpired:
			h.handleAuthExpired(c)

		case fn := <-h.queries:
			fn()
		}
	}
}

// safely runs fn, turning a panic into a log line so one bad message
// cannot stop the hub.
func (h *Hub) safely(client string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().
				Interface("panic", r).
				Str("client", client).
				Str("stack", string(debug.Stack())).
				Msg("message handler panicked")
		}
	}()
	fn()
}

// join registers c with the hub.
func (h *Hub) join(c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// leave unregisters c.
func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// receive hands an inbound frame to the hub. It reports false once the hub
// has stopped.
func (h *Hub) receive(c *Client, data []byte) bool {
	select {
	case h.inbound <- inbound{client: c, data: data}:
		return true
	case <-h.done:
		return false
	}
}

// do runs fn on the hub loop and waits for it.
func (h *Hub) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case h.queries <- func() { fn(); close(finished) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit routes a command on behalf of a non-WebSocket caller and waits for
// its response.
func (h *Hub) Submit(ctx context.Context, cmd *protocol.Command) (*protocol.Response, error) {
	r := newChanResponder("http-" + uuid.NewString())
	select {
	case h.submit <- submission{cmd: cmd, from: r}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return nil, ErrHubStopped
	}
	select {
	case resp := <-r.ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return nil, ErrHubStopped
	}
}

// Stats is a point-in-time view of the registries.
type Stats struct {
	Agents      int `json:"agents"`
	Automations int `json:"automations"`
	Pending     int `json:"pending"`
}

// Stats returns registry sizes.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := h.do(ctx, func() {
		s = Stats{Agents: len(h.agents), Automations: len(h.automations), Pending: len(h.pending)}
	})
	return s, err
}

// Tabs returns the aggregated tab listing.
func (h *Hub) Tabs(ctx context.Context) (protocol.TabsData, error) {
	var data protocol.TabsData
	err := h.do(ctx, func() { data = h.tabsData() })
	return data, err
}

// Clients returns a summary of each connected agent.
func (h *Hub) Clients(ctx context.Context) (protocol.ClientsData, error) {
	var data protocol.ClientsData
	err := h.do(ctx, func() { data = protocol.ClientsData{Browsers: h.browserSummaries()} })
	return data, err
}

// --- registration ---

func (h *Hub) handleRegister(c *Client) {
	c.registered = true

	if c.class == protocol.ClassAgent {
		h.agents = append(h.agents, c)
		h.metrics.agents.Set(float64(len(h.agents)))
		h.log.Info().
			Str("client", c.id).
			Str("name", c.name).
			Str("browser", c.browserName).
			Msg("agent connected")
		h.startAgentAuth(c)
		return
	}

	h.automations[c.id] = c
	h.metrics.automations.Set(float64(len(h.automations)))
	data, _ := json.Marshal(protocol.ConnectionEstablished{
		Type:      protocol.TypeConnectionEstablished,
		ClientID:  c.id,
		Timestamp: protocol.Now(),
	})
	c.trySend(data)
	h.log.Debug().Str("client", c.id).Msg("automation client connected")
}

func (h *Hub) handleUnregister(c *Client) {
	if !c.registered {
		return
	}
	c.registered = false
	close(c.send)

	if c.class == protocol.ClassAgent {
		for i, a := range h.agents {
			if a == c {
				h.agents = append(h.agents[:i], h.agents[i+1:]...)
				break
			}
		}
		if c.authTimer != nil {
			c.authTimer.Stop()
		}
		h.metrics.agents.Set(float64(len(h.agents)))
		h.failAgentCalls(c.id)
		h.log.Info().Str("client", c.id).Str("browser", c.browserName).Msg("agent disconnected")
		return
	}

	delete(h.automations, c.id)
	h.metrics.automations.Set(float64(len(h.automations)))
	h.log.Debug().Str("client", c.id).Msg("automation client disconnected")
}

// --- agent authentication ---

func (h *Hub) startAgentAuth(c *Client) {
	if !h.cfg.AgentAuthRequired() {
		c.authenticated = true
		h.sendJSON(c, protocol.AuthResult{Type: protocol.TypeAuthResult, Success: true})
		return
	}

	challenge, err := h.auth.NewChallenge()
	if err != nil {
		h.log.Error().Err(err).Msg("failed to generate challenge")
		c.closeWith(websocket.CloseInternalServerErr, "internal error")
		return
	}
	c.challenge = challenge
	c.authTimer = time.AfterFunc(h.cfg.AuthTimeout, func() {
		select {
		case h.authExpired <- c:
		case <-h.done:
		}
	})
	h.sendJSON(c, protocol.AuthChallenge{
		Type:          protocol.TypeAuthChallenge,
		Challenge:     challenge,
		Timestamp:     protocol.Now(),
		ServerVersion: Version,
	})
}

func (h *Hub) handleAuthResponse(c *Client, data []byte) {
	if c.authenticated || c.challenge == "" {
		h.log.Debug().Str("client", c.id).Msg("ignoring unexpected auth response")
		return
	}
	var resp protocol.AuthResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		h.log.Warn().Err(err).Str("client", c.id).Msg("failed to parse auth response")
		return
	}
	if c.authTimer != nil {
		c.authTimer.Stop()
	}

	if !h.auth.VerifyAgent(c.challenge, resp.Response) {
		c.challenge = ""
		h.metrics.authFailures.Inc()
		h.log.Warn().Str("client", c.id).Str("client_id", resp.ClientID).Msg("agent authentication failed")
		h.sendJSON(c, protocol.AuthResult{
			Type:    protocol.TypeAuthResult,
			Success: false,
			Error:   "invalid signature",
		})
		c.closeWith(protocol.CloseAuthFailed, "authentication failed")
		return
	}

	c.authenticated = true
	c.challenge = ""
	c.sessionID = h.auth.NewSessionID()
	if resp.ClientID != "" {
		c.name = resp.ClientID
	}
	h.sendJSON(c, protocol.AuthResult{
		Type:      protocol.TypeAuthResult,
		Success:   true,
		SessionID: c.sessionID,
		ExpiresIn: int(h.cfg.SessionTTL / time.Second),
	})
	h.log.Info().Str("client", c.id).Str("client_id", c.name).Msg("agent authenticated")
}

func (h *Hub) handleAuthExpired(c *Client) {
	if !c.registered || c.authenticated {
		return
	}
	h.metrics.authFailures.Inc()
	h.log.Warn().Str("client", c.id).Msg("agent did not answer auth challenge")
	c.closeWith(protocol.CloseAuthTimeout, "auth timeout")
}

// --- agent messages ---

func (h *Hub) handleAgentMessage(c *Client, data []byte) {
	c.lastActivity = time.Now()

	msgType, err := protocol.Peek(data)
	if err != nil {
		h.log.Warn().Err(err).Str("client", c.id).Msg("malformed agent message")
		h.sendJSON(c, protocol.ErrorResponse(protocol.TypeError, "", protocol.CodeMalformed, "malformed message"))
		return
	}
	if msgType == protocol.TypeAuthResponse {
		h.handleAuthResponse(c, data)
		return
	}
	if !c.authenticated {
		h.log.Debug().Str("client", c.id).Str("type", msgType).Msg("dropping message from unauthenticated agent")
		return
	}

	cmd, err := protocol.DecodeCommand(data)
	if err != nil {
		h.log.Warn().Err(err).Str("client", c.id).Msg("undecodable agent message")
		return
	}
	if cmd.Framing == protocol.FramingWrapped && c.sessionID != "" && cmd.SessionID != c.sessionID {
		h.log.Warn().Str("client", c.id).Msg("agent message with stale session")
		c.closeWith(protocol.CloseSessionExpired, "session expired")
		return
	}

	switch {
	case cmd.Action == protocol.TypeData:
		var update protocol.DataUpdate
		if err := cmd.Bind(&update); err != nil {
			h.log.Warn().Err(err).Str("client", c.id).Msg("invalid data update")
			return
		}
		c.tabs = update.Tabs
		c.activeTabID = update.ActiveTabID
		h.log.Debug().Str("client", c.id).Int("tabs", len(c.tabs)).Msg("tab state updated")

	case cmd.Action == protocol.TypeGetConfig:
		h.replyConfig(c, cmd)

	case cmd.Action == protocol.TypeError:
		h.resolveFromAgent(c, cmd, false)

	default:
		if _, ok := protocol.CompletedAction(cmd.Action); ok {
			h.resolveFromAgent(c, cmd, true)
			return
		}
		if cmd.RequestID != "" {
			h.sendJSON(c, &protocol.Response{
				Type:      protocol.TypeResponse,
				RequestID: cmd.RequestID,
				Status:    protocol.StatusError,
				Code:      protocol.CodeUnknownAction,
				Error:     "unknown action: " + cmd.Action,
			})
		}
		h.log.Debug().Str("client", c.id).Str("action", cmd.Action).Msg("unknown agent message")
	}
}

func (h *Hub) replyConfig(c *Client, cmd *protocol.Command) {
	data, _ := json.Marshal(protocol.AgentConfig{
		ServerVersion: Version,
		CallTimeout:   int(h.cfg.CallTimeout / time.Second),
		AuthRequired:  h.cfg.AgentAuthRequired(),
	})
	h.sendJSON(c, &protocol.Response{
		Type:      protocol.TypeResponse,
		RequestID: cmd.RequestID,
		Status:    protocol.StatusSuccess,
		Data:      data,
	})
	h.events.publish(protocol.EventCallComplete, protocol.CallEvent{
		Type:      protocol.EventCallComplete,
		RequestID: cmd.RequestID,
		Action:    cmd.Action,
		Status:    protocol.StatusSuccess,
		ClientID:  c.ident(),
		Data:      data,
		Timestamp: protocol.Now(),
	})
}

// resolveFromAgent settles a pending call with the agent's reply. Replies
// for unknown, foreign or already-claimed calls are no-ops.
func (h *Hub) resolveFromAgent(c *Client, cmd *protocol.Command, success bool) {
	pc, ok := h.pending[cmd.RequestID]
	if !ok || pc.AgentID != c.id {
		h.log.Debug().Str("client", c.id).Str("request_id", cmd.RequestID).Msg("reply for unknown or expired call")
		return
	}
	if !pc.claim() {
		h.log.Debug().Str("request_id", cmd.RequestID).Msg("late reply after timeout")
		return
	}
	pc.timer.Stop()

	resp := &protocol.Response{
		Type:      protocol.ResponseType(pc.Action),
		RequestID: pc.RequestID,
		Status:    protocol.StatusSuccess,
	}
	if success {
		resp.Data = cmd.FieldsJSON()
	} else {
		resp.Status = agentErrorStatus(cmd.String("status"))
		resp.Error = cmd.String("error")
		resp.Code = cmd.String("code")
		resp.RetryAfter = cmd.Int("retryAfter")
		if resp.Code == "" {
			resp.Code = protocol.CodeAgentError
		}
		if resp.Error == "" {
			resp.Error = "agent reported an error"
		}
	}
	h.finish(pc, resp, protocol.EventCallComplete)
}

func agentErrorStatus(s string) string {
	switch s {
	case protocol.StatusTimeout, protocol.StatusRateLimited:
		return s
	default:
		return protocol.StatusError
	}
}

func (h *Hub) handleExpired(pc *PendingCall) {
	if h.pending[pc.RequestID] != pc {
		return
	}
	h.metrics.timeouts.Inc()
	h.log.Warn().
		Str("request_id", pc.RequestID).
		Str("action", pc.Action).
		Str("agent", pc.AgentID).
		Msg("call timed out")
	h.finish(pc, &protocol.Response{
		Type:      protocol.ResponseType(pc.Action),
		RequestID: pc.RequestID,
		Status:    protocol.StatusTimeout,
		Code:      protocol.CodeTimeout,
		Error:     fmt.Sprintf("no response from agent within %s", h.cfg.CallTimeout),
	}, protocol.EventCallTimeout)
}

// failAgentCalls resolves every call forwarded to a departed agent.
func (h *Hub) failAgentCalls(agentID string) {
	for _, pc := range h.pending {
		if pc.AgentID != agentID || !pc.claim() {
			continue
		}
		pc.timer.Stop()
		h.finish(pc, &protocol.Response{
			Type:      protocol.ResponseType(pc.Action),
			RequestID: pc.RequestID,
			Status:    protocol.StatusError,
			Code:      protocol.CodeAgentError,
			Error:     "agent disconnected",
		}, protocol.EventCallComplete)
	}
}

// finish removes pc, caches the response, and delivers it.
func (h *Hub) finish(pc *PendingCall, resp *protocol.Response, event string) {
	delete(h.pending, pc.RequestID)
	h.metrics.pending.Set(float64(len(h.pending)))
	h.metrics.responses.WithLabelValues(resp.Status).Inc()

	resp.Timestamp = protocol.Now()
	h.results.Add(pc.RequestID, cachedResult{resp: resp, caller: pc.from.ident()})

	if !pc.from.deliver(resp) {
		h.log.Debug().Str("request_id", pc.RequestID).Msg("caller gone, response dropped")
	}

	h.events.publish(event, protocol.CallEvent{
		Type:      event,
		RequestID: pc.RequestID,
		Action:    pc.Action,
		Status:    resp.Status,
		ClientID:  pc.from.ident(),
		Data:      resp.Data,
		Error:     resp.Error,
		Timestamp: resp.Timestamp,
	})
}

// --- automation messages ---

func (h *Hub) handleAutomationMessage(c *Client, data []byte) {
	cmd, err := protocol.DecodeCommand(data)
	if err != nil {
		h.log.Debug().Err(err).Str("client", c.id).Msg("malformed automation message")
		code := protocol.CodeMalformed
		if errors.Is(err, protocol.ErrMissingAction) {
			code = protocol.CodeUnknownAction
		}
		c.deliver(protocol.ErrorResponse(protocol.TypeError, "", code, err.Error()))
		return
	}
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}

	if resp := rateLimited(c.limiter, cmd); resp != nil {
		h.metrics.rejections.WithLabelValues(protocol.CodeRateLimited).Inc()
		c.deliver(resp)
		return
	}

	h.route(cmd, c)
}

// route answers local actions directly and forwards the rest.
func (h *Hub) route(cmd *protocol.Command, from responder) {
	h.metrics.commands.WithLabelValues(metricAction(cmd.Action)).Inc()
	respType := protocol.ResponseType(cmd.Action)

	switch cmd.Action {
	case protocol.ActionGetTabs:
		from.deliver(successResponse(respType, cmd.RequestID, h.tabsData()))

	case protocol.ActionListClients:
		from.deliver(successResponse(respType, cmd.RequestID, protocol.ClientsData{Browsers: h.browserSummaries()}))

	case protocol.ActionGetResult:
		from.deliver(h.lookupResult(cmd))

	default:
		if !protocol.IsForwardable(cmd.Action) {
			from.deliver(protocol.ErrorResponse(respType, cmd.RequestID, protocol.CodeUnknownAction,
				"unknown action: "+cmd.Action))
			return
		}
		h.forward(cmd, from)
	}
}

func (h *Hub) forward(cmd *protocol.Command, from responder) {
	id := cmd.RequestID
	respType := protocol.ResponseType(cmd.Action)

	// A repeat from the same caller is answered by the original call. An id
	// in flight for another caller or action is refused. Cached results only
	// replay to the caller and action that produced them.
	if pc, ok := h.pending[id]; ok {
		if pc.from.ident() == from.ident() && pc.Action == cmd.Action {
			from.deliver(&protocol.Response{Type: respType, RequestID: id, Status: protocol.StatusProcessing})
			return
		}
		h.metrics.rejections.WithLabelValues(protocol.CodeDuplicate).Inc()
		from.deliver(protocol.ErrorResponse(respType, id, protocol.CodeDuplicate,
			fmt.Sprintf("request %s is already in flight as %s", id, pc.Action)))
		return
	}
	if cached, ok := h.results.Get(id); ok && cached.caller == from.ident() && cached.resp.Type == respType {
		from.deliver(cached.resp)
		return
	}
	if len(h.pending) >= h.cfg.MaxPending {
		h.metrics.rejections.WithLabelValues(protocol.CodeQueueFull).Inc()
		from.deliver(protocol.ErrorResponse(respType, id, protocol.CodeQueueFull,
			fmt.Sprintf("too many pending calls (%d/%d)", len(h.pending), h.cfg.MaxPending)))
		return
	}

	agent, err := h.pickAgent(cmd.Target)
	if err != nil {
		code := protocol.CodeNoAgent
		if errors.Is(err, ErrTargetNotFound) {
			code = protocol.CodeTargetNotFound
		}
		from.deliver(protocol.ErrorResponse(respType, id, code, err.Error()))
		return
	}

	fwd := &protocol.Command{
		Action:    cmd.Action,
		RequestID: id,
		Fields:    cmd.Fields,
		Timestamp: protocol.Now(),
	}
	framing := protocol.FramingLegacy
	if agent.sessionID != "" {
		framing = protocol.FramingWrapped
		fwd.SessionID = agent.sessionID
	}
	data, err := fwd.Encode(framing)
	if err != nil {
		from.deliver(protocol.ErrorResponse(respType, id, protocol.CodeInternal, err.Error()))
		return
	}
	if !agent.trySend(data) {
		from.deliver(protocol.ErrorResponse(respType, id, protocol.CodeAgentError, "agent unavailable"))
		return
	}

	pc := &PendingCall{
		RequestID: id,
		Action:    cmd.Action,
		AgentID:   agent.id,
		CreatedAt: time.Now(),
		from:      from,
	}
	pc.timer = time.AfterFunc(h.cfg.CallTimeout, func() {
		if !pc.claim() {
			return
		}
		select {
		case h.expired <- pc:
		case <-h.done:
		}
	})
	h.pending[id] = pc
	h.metrics.pending.Set(float64(len(h.pending)))

	h.log.Debug().
		Str("request_id", id).
		Str("action", cmd.Action).
		Str("agent", agent.id).
		Str("browser", agent.browserName).
		Msg("command forwarded")
}

// pickAgent selects the target agent: exact id (connection or declared
// client id), then case-insensitive browser name, then the first open
// agent when no target is given. Closed agents are never eligible.
func (h *Hub) pickAgent(target string) (*Client, error) {
	eligible := func(c *Client) bool {
		return c.registered && c.authenticated && c.open.Load()
	}

	if target == "" {
		for _, c := range h.agents {
			if eligible(c) {
				return c, nil
			}
		}
		return nil, ErrNoAgent
	}

	for _, c := range h.agents {
		if eligible(c) && (c.id == target || c.name == target) {
			return c, nil
		}
	}
	for _, c := range h.agents {
		if eligible(c) && strings.EqualFold(c.browserName, target) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, target)
}

func (h *Hub) browserSummaries() []protocol.BrowserSummary {
	out := make([]protocol.BrowserSummary, 0, len(h.agents))
	for _, c := range h.agents {
		if c.authenticated {
			out = append(out, c.summary())
		}
	}
	return out
}

func (h *Hub) tabsData() protocol.TabsData {
	data := protocol.TabsData{
		Browsers: make([]protocol.BrowserSummary, 0, len(h.agents)),
		Tabs:     []protocol.BrowserTab{},
	}
	for _, c := range h.agents {
		if !c.authenticated {
			continue
		}
		data.Browsers = append(data.Browsers, c.summary())
		for _, t := range c.tabs {
			data.Tabs = append(data.Tabs, protocol.BrowserTab{
				TabSummary:  t,
				ClientID:    c.id,
				BrowserName: c.browserName,
			})
		}
		if data.ActiveTabID == 0 && c.activeTabID != 0 {
			data.ActiveTabID = c.activeTabID
		}
	}
	return data
}

// lookupResult answers get_result: the cached response, pending while the
// call is in flight, or not_found.
func (h *Hub) lookupResult(cmd *protocol.Command) *protocol.Response {
	respType := protocol.ResponseType(cmd.Action)
	id := cmd.String("resultId")
	if id == "" {
		id = cmd.RequestID
	}

	if _, ok := h.pending[id]; ok {
		return &protocol.Response{Type: respType, RequestID: cmd.RequestID, Status: protocol.StatusPending}
	}
	entry, ok := h.results.Get(id)
	if !ok {
		return protocol.ErrorResponse(respType, cmd.RequestID, protocol.CodeNotFound, "no result for "+id)
	}
	cached := entry.resp
	return &protocol.Response{
		Type:       respType,
		RequestID:  cmd.RequestID,
		Status:     cached.Status,
		Data:       cached.Data,
		Error:      cached.Error,
		Code:       cached.Code,
		RetryAfter: cached.RetryAfter,
	}
}

func successResponse(respType, requestID string, v any) *protocol.Response {
	data, err := json.Marshal(v)
	if err != nil {
		return protocol.ErrorResponse(respType, requestID, protocol.CodeInternal, err.Error())
	}
	return &protocol.Response{Type: respType, RequestID: requestID, Status: protocol.StatusSuccess, Data: data}
}

// metricAction bounds the label set to known actions.
func metricAction(action string) string {
	switch action {
	case protocol.ActionGetTabs, protocol.ActionListClients, protocol.ActionGetResult:
		return action
	}
	if protocol.IsForwardable(action) {
		return action
	}
	return "unknown"
}

func (h *Hub) sendJSON(c *Client, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to encode message")
		return
	}
	c.trySend(data)
}

// shutdown resolves every pending call and closes every connection.
func (h *Hub) shutdown() {
	for _, pc := range h.pending {
		if !pc.claim() {
			continue
		}
		pc.timer.Stop()
		h.finish(pc, &protocol.Response{
			Type:      protocol.ResponseType(pc.Action),
			RequestID: pc.RequestID,
			Status:    protocol.StatusError,
			Code:      protocol.CodeInternal,
			Error:     "broker shutting down",
		}, protocol.EventCallComplete)
	}

	clients := append([]*Client(nil), h.agents...)
	for _, c := range h.automations {
		clients = append(clients, c)
	}
	for _, c := range clients {
		if c.authTimer != nil {
			c.authTimer.Stop()
		}
		c.registered = false
		c.closeWith(websocket.CloseGoingAway, "broker shutting down")
	}
	h.agents = nil
	h.automations = make(map[string]*Client)
	h.log.Info().Int("clients", len(clients)).Msg("hub stopped")
}

func newConnID() string {
	return uuid.NewString()
}
