package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/imjszhang/js-eyes/internal/protocol"
)

const (
	maxCommandBody = 1 << 20
	sseHeartbeat   = 15 * time.Second
)

// handleHealth reports broker load in the shape the agent's health checker
// reads: warning once pending calls reach WarningRatio of MaxPending,
// critical at MaxPending.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.hub.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "critical",
			"error":  err.Error(),
		})
		return
	}

	status := "healthy"
	switch {
	case stats.Pending >= s.cfg.MaxPending:
		status = "critical"
	case float64(stats.Pending) >= s.cfg.WarningRatio*float64(s.cfg.MaxPending):
		status = "warning"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"version":     VersionInfo(),
		"uptime":      int(time.Since(s.started).Seconds()),
		"agents":      stats.Agents,
		"automations": stats.Automations,
		"pending":     stats.Pending,
		"maxPending":  s.cfg.MaxPending,
		"subscribers": s.events.subscribers(),
		"authEnabled": s.cfg.AgentAuthRequired(),
	})
}

// handleWebSocket accepts agent and automation connections, selected by
// the "type" query parameter (automation by default).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	class := r.URL.Query().Get("type")
	switch class {
	case "":
		class = protocol.ClassAutomation
	case protocol.ClassAgent, protocol.ClassAutomation:
	default:
		http.Error(w, "unknown connection type", http.StatusBadRequest)
		return
	}

	if class == protocol.ClassAutomation && !s.auth.ValidateToken(TokenFromRequest(r)) {
		s.metrics.rejections.WithLabelValues("unauthorized").Inc()
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := newClient(s.hub, conn, class)
	if class == protocol.ClassAgent {
		c.userAgent = r.UserAgent()
		c.name = r.Header.Get("X-Client-ID")
		if c.name == "" {
			c.name = r.URL.Query().Get("clientId")
		}
		c.browserName = r.URL.Query().Get("browser")
		if c.browserName == "" {
			c.browserName = browserNameFromUA(c.userAgent)
		}
	} else {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.AutomationRate), s.cfg.AutomationBurst)
	}

	if err := s.hub.join(c); err != nil {
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// handleEvents streams call completion and timeout events as SSE. An
// optional clientId narrows the stream to one caller's calls.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	lastID := r.Header.Get("Last-Event-ID")
	if lastID == "" {
		lastID = r.URL.Query().Get("lastEventId")
	}
	since, _ := strconv.ParseUint(lastID, 10, 64)
	clientID := r.URL.Query().Get("clientId")

	ch, replay := s.events.subscribe(clientID, since)
	defer s.events.unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": connected\n\n")
	for _, ev := range replay {
		writeEvent(w, ev)
	}
	flusher.Flush()

	s.log.Debug().Str("client_id", clientID).Str("caller", callerFromContext(r.Context())).Msg("event stream opened")

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.hub.done:
			return
		case ev := <-ch:
			writeEvent(w, ev)
			flusher.Flush()
		case <-ticker.C:
			_, _ = io.WriteString(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, ev streamEvent) {
	_, _ = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Name, ev.Data)
}

// handleClients returns the connected agents.
func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	data, err := s.hub.Clients(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// handleTabs returns every agent's tabs.
func (s *Server) handleTabs(w http.ResponseWriter, r *http.Request) {
	data, err := s.hub.Tabs(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// handleCommand runs one automation command synchronously. The body uses
// the same shapes as the WebSocket.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	cmd, err := protocol.DecodeCommand(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse(protocol.TypeError, "", protocol.CodeMalformed, err.Error()))
		return
	}

	caller := callerFromContext(r.Context())
	if resp := rateLimited(s.apiLimiter(caller), cmd); resp != nil {
		s.metrics.rejections.WithLabelValues(protocol.CodeRateLimited).Inc()
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfter))
		writeJSON(w, http.StatusTooManyRequests, resp)
		return
	}

	s.log.Debug().
		Str("action", cmd.Action).
		Str("request_id", cmd.RequestID).
		Str("caller", caller).
		Msg("api command")

	s.submit(w, r, cmd)
}

// handleResult returns the cached result of a resolved call.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	cmd, err := protocol.NewCommand(protocol.ActionGetResult, uuid.NewString(), map[string]any{
		"resultId": chi.URLParam(r, "requestID"),
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.submit(w, r, cmd)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, cmd *protocol.Command) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CallTimeout+5*time.Second)
	defer cancel()

	resp, err := s.hub.Submit(ctx, cmd)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		writeJSON(w, status, protocol.ErrorResponse(protocol.ResponseType(cmd.Action), cmd.RequestID, protocol.CodeInternal, err.Error()))
		return
	}

	if resp.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfter))
	}
	writeJSON(w, httpStatus(resp), resp)
}

// httpStatus maps a response onto an HTTP status code.
func httpStatus(resp *protocol.Response) int {
	switch resp.Status {
	case protocol.StatusSuccess, protocol.StatusPending, protocol.StatusProcessing:
		return http.StatusOK
	case protocol.StatusRateLimited:
		return http.StatusTooManyRequests
	case protocol.StatusTimeout:
		return http.StatusGatewayTimeout
	}
	switch resp.Code {
	case protocol.CodeNoAgent, protocol.CodeTargetNotFound, protocol.CodeNotFound:
		return http.StatusNotFound
	case protocol.CodeUnknownAction, protocol.CodeMalformed:
		return http.StatusBadRequest
	case protocol.CodeQueueFull:
		return http.StatusServiceUnavailable
	case protocol.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
