package agent

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/imjszhang/js-eyes/internal/protocol"
	"github.com/imjszhang/js-eyes/internal/reliability"
)

// handleMessage runs one inbound frame through the pipeline: auth messages,
// then replies to our own calls, then (once authenticated) the guard chain
// and dispatch.
func (a *Agent) handleMessage(data []byte) {
	msgType, err := protocol.Peek(data)
	if err != nil {
		a.log.Warn().Err(err).Msg("dropping malformed message")
		a.sendError("", protocol.StatusError, protocol.CodeMalformed, "malformed message", 0)
		return
	}

	switch msgType {
	case protocol.TypeAuthChallenge:
		var ch protocol.AuthChallenge
		if err := json.Unmarshal(data, &ch); err != nil {
			a.log.Error().Err(err).Msg("failed to parse auth challenge")
			return
		}
		a.auth.onChallenge(ch)
		return

	case protocol.TypeAuthResult:
		var res protocol.AuthResult
		if err := json.Unmarshal(data, &res); err != nil {
			a.log.Error().Err(err).Msg("failed to parse auth result")
			return
		}
		a.auth.onResult(res)
		return

	case protocol.TypeResponse:
		var resp protocol.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			a.log.Error().Err(err).Msg("failed to parse response")
			return
		}
		a.resolveCall(&resp)
		return
	}

	if state := a.auth.State(); state != StateAuthenticated {
		a.log.Debug().Str("type", msgType).Str("state", state.String()).Msg("dropping message before authentication")
		return
	}

	cmd, err := protocol.DecodeCommand(data)
	if err != nil {
		a.log.Warn().Err(err).Msg("dropping undecodable command")
		a.sendError("", protocol.StatusError, protocol.CodeMalformed, err.Error(), 0)
		return
	}

	if cmd.Action == protocol.TypeConnectionEstablished || cmd.Action == protocol.TypeError {
		a.log.Debug().Str("type", cmd.Action).Msg("broker notice")
		return
	}

	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}

	if !a.admit(cmd) {
		return
	}

	go a.execute(cmd)
}

// admit applies the guard chain: rate limiter, deduplicator, queue. It
// replies to rejected commands except true duplicates, which are dropped.
func (a *Agent) admit(cmd *protocol.Command) bool {
	log := a.log.With().Str("action", cmd.Action).Str("request_id", cmd.RequestID).Logger()

	if err := a.limiter.Allow(); err != nil {
		log.Warn().Err(err).Msg("command rejected: rate limited")
		a.sendRejection(cmd.RequestID, err)
		return false
	}

	if a.dedup.Begin(cmd.RequestID) {
		log.Debug().Msg("duplicate request dropped")
		return false
	}

	meta := map[string]any{"action": cmd.Action}
	if url := cmd.String("url"); url != "" {
		meta["url"] = url
	}
	if err := a.queue.Add(cmd.RequestID, cmd.Action, meta); err != nil {
		a.dedup.Finish(cmd.RequestID)
		log.Warn().Err(err).Msg("command rejected: queue full")
		a.sendRejection(cmd.RequestID, err)
		return false
	}
	return true
}

func (a *Agent) sendRejection(requestID string, err error) {
	var rej *reliability.Rejection
	if !errors.As(err, &rej) {
		a.sendError(requestID, protocol.StatusError, protocol.CodeInternal, err.Error(), 0)
		return
	}
	status := protocol.StatusError
	if errors.Is(err, reliability.ErrRateLimited) {
		status = protocol.StatusRateLimited
	}
	a.sendError(requestID, status, rej.Code, rej.Error(), protocol.RetryAfterSeconds(rej.RetryAfter))
}

// sendError emits an `error` message for requestID.
func (a *Agent) sendError(requestID, status, code, message string, retryAfter int) {
	fields := map[string]any{
		"status": status,
		"code":   code,
		"error":  message,
	}
	if retryAfter > 0 {
		fields["retryAfter"] = retryAfter
	}
	cmd, err := protocol.NewCommand(protocol.TypeError, requestID, fields)
	if err != nil {
		return
	}
	if err := a.send(cmd); err != nil {
		a.log.Debug().Err(err).Str("request_id", requestID).Msg("failed to send error")
	}
}
