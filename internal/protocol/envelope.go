package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Framing selects the wire shape of a business message.
type Framing int

const (
	// FramingLegacy puts the action in "type" and the fields at top level.
	FramingLegacy Framing = iota
	// FramingWrapped is {type:"request", sessionId, requestId, action, payload, timestamp}.
	FramingWrapped
)

func (f Framing) String() string {
	if f == FramingWrapped {
		return "wrapped"
	}
	return "legacy"
}

var (
	// ErrMalformed is returned for input that is not a JSON object.
	ErrMalformed = errors.New("malformed message")
	// ErrMissingAction is returned when neither action nor type is present.
	ErrMissingAction = errors.New("message has no action")
)

// reserved keys are envelope fields, never command fields.
var reserved = map[string]bool{
	"type":      true,
	"action":    true,
	"requestId": true,
	"target":    true,
	"sessionId": true,
	"timestamp": true,
}

// Command is the canonical form of a business message regardless of the
// wire shape it arrived in. Fields are carried opaquely.
type Command struct {
	Action    string
	RequestID string
	Target    string
	SessionID string
	Timestamp int64
	Fields    map[string]json.RawMessage
	Framing   Framing
}

// Peek returns the "type" of a raw message without decoding the rest.
func Peek(data []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return head.Type, nil
}

// DecodeCommand parses any of the accepted wire shapes:
//
//	{"type":"request","action":"open_url","requestId":"r1","payload":{"url":"..."}}
//	{"action":"open_url","requestId":"r1","url":"..."}
//	{"type":"open_url","requestId":"r1","url":"..."}
func DecodeCommand(data []byte) (*Command, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m == nil {
		return nil, ErrMalformed
	}

	cmd := &Command{
		Action:    rawString(m["action"]),
		RequestID: rawString(m["requestId"]),
		Target:    rawString(m["target"]),
		SessionID: rawString(m["sessionId"]),
		Timestamp: rawInt(m["timestamp"]),
		Fields:    make(map[string]json.RawMessage),
	}
	msgType := rawString(m["type"])

	if msgType == TypeRequest {
		cmd.Framing = FramingWrapped
		if p, ok := m["payload"]; ok && !isNull(p) {
			if err := json.Unmarshal(p, &cmd.Fields); err != nil {
				return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
			}
		}
		// A wrapped envelope may still carry target inside the payload.
		if cmd.Target == "" {
			cmd.Target = rawString(cmd.Fields["target"])
			delete(cmd.Fields, "target")
		}
	} else {
		cmd.Framing = FramingLegacy
		if cmd.Action == "" {
			cmd.Action = msgType
		}
		for k, v := range m {
			if !reserved[k] {
				cmd.Fields[k] = v
			}
		}
	}

	if cmd.Action == "" {
		return nil, ErrMissingAction
	}
	return cmd, nil
}

// Encode writes the command in the requested wire shape.
func (c *Command) Encode(framing Framing) ([]byte, error) {
	ts := c.Timestamp
	if ts == 0 {
		ts = Now()
	}

	if framing == FramingWrapped {
		payload := c.Fields
		if payload == nil {
			payload = map[string]json.RawMessage{}
		}
		return json.Marshal(struct {
			Type      string                     `json:"type"`
			SessionID string                     `json:"sessionId,omitempty"`
			RequestID string                     `json:"requestId,omitempty"`
			Action    string                     `json:"action"`
			Target    string                     `json:"target,omitempty"`
			Payload   map[string]json.RawMessage `json:"payload"`
			Timestamp int64                      `json:"timestamp"`
		}{TypeRequest, c.SessionID, c.RequestID, c.Action, c.Target, payload, ts})
	}

	m := make(map[string]any, len(c.Fields)+4)
	for k, v := range c.Fields {
		if !reserved[k] {
			m[k] = v
		}
	}
	m["type"] = c.Action
	m["timestamp"] = ts
	if c.RequestID != "" {
		m["requestId"] = c.RequestID
	}
	if c.Target != "" {
		m["target"] = c.Target
	}
	return json.Marshal(m)
}

// Bind unmarshals the command fields into v. A legacy message that nests its
// fields under a single "payload" key is unwrapped first.
func (c *Command) Bind(v any) error {
	if p, ok := c.Fields["payload"]; ok && len(c.Fields) == 1 {
		return json.Unmarshal(p, v)
	}
	data, err := json.Marshal(c.Fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// String returns a string field, or "" when absent or not a string.
func (c *Command) String(name string) string {
	return rawString(c.Fields[name])
}

// Int returns an integer field, or 0 when absent or not a number.
func (c *Command) Int(name string) int {
	return int(rawInt(c.Fields[name]))
}

// Set stores v as a field.
func (c *Command) Set(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if c.Fields == nil {
		c.Fields = make(map[string]json.RawMessage)
	}
	c.Fields[name] = data
	return nil
}

// FieldsJSON returns the fields as a JSON object, used as response data.
func (c *Command) FieldsJSON() json.RawMessage {
	if len(c.Fields) == 0 {
		return nil
	}
	if p, ok := c.Fields["payload"]; ok && len(c.Fields) == 1 {
		return p
	}
	data, err := json.Marshal(c.Fields)
	if err != nil {
		return nil
	}
	return data
}

// NewCommand builds a command from an arbitrary field set.
func NewCommand(action, requestID string, fields map[string]any) (*Command, error) {
	cmd := &Command{
		Action:    action,
		RequestID: requestID,
		Fields:    make(map[string]json.RawMessage, len(fields)),
	}
	for k, v := range fields {
		if err := cmd.Set(k, v); err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
	}
	return cmd, nil
}

// CompletedAction returns the originating action of an agent completion
// message ("open_url_complete" → "open_url").
func CompletedAction(action string) (string, bool) {
	if strings.HasSuffix(action, CompleteSuffix) && len(action) > len(CompleteSuffix) {
		return strings.TrimSuffix(action, CompleteSuffix), true
	}
	return "", false
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func rawInt(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0
	}
	return int64(f)
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
