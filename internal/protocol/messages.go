// Package protocol defines the WebSocket messages exchanged between the relay
// broker, browser agents and automation clients.
package protocol

import (
	"encoding/json"
	"math"
	"time"
)

// Message types (broker ⇄ agent handshake)
const (
	TypeAuthChallenge = "auth_challenge"
	TypeAuthResponse  = "auth_response"
	TypeAuthResult    = "auth_result"
)

// Message types (envelopes and notices)
const (
	TypeRequest               = "request"  // wrapped business message
	TypeResponse              = "response" // broker reply to an agent-originated call
	TypeData                  = "data"     // agent tab state update
	TypeError                 = "error"
	TypeConnectionEstablished = "connection_established"
	TypeGetConfig             = "get_config"
)

// Automation actions handled by the broker without an agent round-trip.
const (
	ActionGetTabs     = "get_tabs"
	ActionListClients = "list_clients"
	ActionGetResult   = "get_result"
)

// Automation actions forwarded to an agent.
const (
	ActionOpenURL       = "open_url"
	ActionCloseTab      = "close_tab"
	ActionGetHTML       = "get_html"
	ActionExecuteScript = "execute_script"
	ActionInjectCSS     = "inject_css"
	ActionGetCookies    = "get_cookies"
)

var forwardable = map[string]bool{
	ActionOpenURL:       true,
	ActionCloseTab:      true,
	ActionGetHTML:       true,
	ActionExecuteScript: true,
	ActionInjectCSS:     true,
	ActionGetCookies:    true,
}

// IsForwardable reports whether action is relayed to an agent.
func IsForwardable(action string) bool {
	return forwardable[action]
}

// Response statuses.
const (
	StatusSuccess     = "success"
	StatusError       = "error"
	StatusPending     = "pending"
	StatusProcessing  = "processing"
	StatusTimeout     = "timeout"
	StatusRateLimited = "rate_limited"
)

// Machine-readable error codes.
const (
	CodeMalformed      = "malformed_message"
	CodeUnknownAction  = "unknown_action"
	CodeNoAgent        = "no_agent"
	CodeTargetNotFound = "target_not_found"
	CodeRateLimited    = "rate_limited"
	CodeQueueFull      = "queue_full"
	CodeDuplicate      = "duplicate_request"
	CodeCircuitOpen    = "circuit_open"
	CodeTimeout        = "timeout"
	CodeAgentError     = "agent_error"
	CodeNotFound       = "not_found"
	CodeUnauthorized   = "unauthorized"
	CodeInternal       = "internal_error"
)

// Close codes on the agent transport. 4001-4009 is reserved for
// authentication failures; an agent receiving one must not auto-reconnect.
const (
	CloseAuthFailed     = 4001
	CloseAuthTimeout    = 4002
	CloseSessionExpired = 4003

	authCloseMin = 4001
	authCloseMax = 4009
)

// IsAuthCloseCode reports whether code is in the reserved auth-error range.
func IsAuthCloseCode(code int) bool {
	return code >= authCloseMin && code <= authCloseMax
}

// Connection classes, selected by the "type" query parameter on /ws.
const (
	ClassAgent      = "agent"
	ClassAutomation = "automation"
)

// CompleteSuffix marks an agent's successful completion message.
const CompleteSuffix = "_complete"

// ResponseType returns the type of the broker's reply to an automation action.
func ResponseType(action string) string {
	return action + "_response"
}

// CompleteType returns the type of the agent's completion for action.
func CompleteType(action string) string {
	return action + CompleteSuffix
}

// AuthChallenge is sent by the broker when an agent connects in challenge mode.
type AuthChallenge struct {
	Type          string `json:"type"`
	Challenge     string `json:"challenge"`
	Timestamp     int64  `json:"timestamp"`
	ServerVersion string `json:"serverVersion,omitempty"`
}

// AuthResponse answers an AuthChallenge with the hex HMAC of the challenge.
type AuthResponse struct {
	Type      string `json:"type"`
	ClientID  string `json:"clientId"`
	Response  string `json:"response"`
	Timestamp int64  `json:"timestamp"`
}

// AuthResult concludes the handshake.
type AuthResult struct {
	Type       string `json:"type"`
	Success    bool   `json:"success"`
	SessionID  string `json:"sessionId,omitempty"`
	ExpiresIn  int    `json:"expiresIn,omitempty"` // seconds
	Error      string `json:"error,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"` // seconds
}

// ConnectionEstablished is the first message on an automation connection.
type ConnectionEstablished struct {
	Type      string `json:"type"`
	ClientID  string `json:"clientId"`
	Timestamp int64  `json:"timestamp"`
}

// Response is a broker reply: `<action>_response` to automation clients and
// `response` to agent-originated calls.
type Response struct {
	Type       string          `json:"type"`
	RequestID  string          `json:"requestId,omitempty"`
	Status     string          `json:"status"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	Code       string          `json:"code,omitempty"`
	RetryAfter int             `json:"retryAfter,omitempty"` // seconds
	Timestamp  int64           `json:"timestamp,omitempty"`
}

// Marshal encodes r, stamping the timestamp if unset.
func (r *Response) Marshal() []byte {
	if r.Timestamp == 0 {
		r.Timestamp = Now()
	}
	data, err := json.Marshal(r)
	if err != nil {
		// Data is pre-encoded JSON; this only fails on invalid RawMessage.
		r.Data = nil
		data, _ = json.Marshal(r)
	}
	return data
}

// ErrorResponse builds an error reply of the given type.
func ErrorResponse(msgType, requestID, code, message string) *Response {
	return &Response{
		Type:      msgType,
		RequestID: requestID,
		Status:    StatusError,
		Code:      code,
		Error:     message,
	}
}

// TabSummary is a browser-reported tab.
type TabSummary struct {
	ID         int    `json:"id"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	Active     bool   `json:"active"`
	WindowID   int    `json:"windowId,omitempty"`
	Status     string `json:"status,omitempty"`
	FavIconURL string `json:"favIconUrl,omitempty"`
}

// DataUpdate is the agent's tab state, replaced wholesale on each update.
type DataUpdate struct {
	Tabs        []TabSummary `json:"tabs"`
	ActiveTabID int          `json:"activeTabId,omitempty"`
}

// BrowserSummary describes one connected agent.
type BrowserSummary struct {
	ID           string    `json:"id"`
	BrowserName  string    `json:"browserName"`
	UserAgent    string    `json:"userAgent,omitempty"`
	TabCount     int       `json:"tabCount"`
	ActiveTabID  int       `json:"activeTabId,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// BrowserTab is a tab in the flattened get_tabs listing.
type BrowserTab struct {
	TabSummary
	ClientID    string `json:"clientId"`
	BrowserName string `json:"browserName"`
}

// TabsData is the payload of get_tabs_response.
type TabsData struct {
	Browsers    []BrowserSummary `json:"browsers"`
	Tabs        []BrowserTab     `json:"tabs"`
	ActiveTabID int              `json:"activeTabId,omitempty"`
}

// ClientsData is the payload of list_clients_response.
type ClientsData struct {
	Browsers []BrowserSummary `json:"browsers"`
}

// AgentConfig is returned to an agent's get_config call.
type AgentConfig struct {
	ServerVersion string `json:"serverVersion"`
	CallTimeout   int    `json:"callTimeout"` // seconds
	AuthRequired  bool   `json:"authRequired"`
}

// CallEvent is mirrored on the fallback event stream when a call resolves.
type CallEvent struct {
	Type      string          `json:"type"` // "call_complete" or "call_timeout"
	RequestID string          `json:"requestId"`
	Action    string          `json:"action"`
	Status    string          `json:"status"`
	ClientID  string          `json:"clientId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Call event types.
const (
	EventCallComplete = "call_complete"
	EventCallTimeout  = "call_timeout"
)

// Now returns the current time in Unix milliseconds, the wire timestamp unit.
func Now() int64 {
	return time.Now().UnixMilli()
}

// RetryAfterSeconds rounds d up to whole seconds for the retryAfter field.
func RetryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
