package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tatuut/agentgateway/gateway/adapter"
)

// Inbound message types, client->server.
const (
	TypeStartSession = "start_session"
	TypeQuery        = "query"
	TypeEndSession   = "end_session"
	TypePing         = "ping"
)

// Outbound frame types, server->client.
const (
	TypeConnected      = "connected"
	TypeSessionStarted = "session_started"
	TypeQueryStart     = "query_start"
	TypeMessage        = "message"
	TypeQueryComplete  = "query_complete"
	TypeSessionClosed  = "session_closed"
	TypeSessionEnded   = "session_ended"
	TypePong           = "pong"
	TypeError          = "error"
)

// QueryOptions are the per-session knobs a client may send with start_session or query.
type QueryOptions struct {
	AllowedTools []string `json:"allowedTools,omitempty"`
	Cwd          string   `json:"cwd,omitempty"`
	Model        string   `json:"model,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	MaxTokens    int64    `json:"maxTokens,omitempty"`
	SessionID    string   `json:"sessionId,omitempty"`
}

func (o *QueryOptions) AdapterOptions() adapter.Options {
	if o == nil {
		return adapter.Options{}
	}
	return adapter.Options{
		SessionID:    o.SessionID,
		AllowedTools: o.AllowedTools,
		WorkDir:      o.Cwd,
		Model:        o.Model,
		SystemPrompt: o.SystemPrompt,
		MaxTokens:    o.MaxTokens,
	}
}

type InboundMessage struct {
	Type      string        `json:"type"`
	SessionID string        `json:"sessionId,omitempty"`
	Prompt    string        `json:"prompt,omitempty"`
	Options   *QueryOptions `json:"options,omitempty"`
}

// Frame is one outbound message. Only the fields relevant to Type are set.
type Frame struct {
	Type          string          `json:"type"`
	ConnectionID  string          `json:"connectionId,omitempty"`
	Authenticated *bool           `json:"authenticated,omitempty"`
	SessionID     string          `json:"sessionId,omitempty"`
	Text          string          `json:"text,omitempty"`
	Event         json.RawMessage `json:"event,omitempty"`
	Code          *int            `json:"code,omitempty"`
	Error         string          `json:"error,omitempty"`
	Stderr        string          `json:"stderr,omitempty"`
	Timestamp     string          `json:"timestamp"`
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// MalformedMessageError is returned for inbound payloads that can't be acted on.
type MalformedMessageError struct {
	Reason string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message: %s: %s", e.Reason, e.Err)
	}
	return "malformed message: " + e.Reason
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

// ParseInbound decodes and validates one inbound payload.
func ParseInbound(b []byte) (*InboundMessage, error) {
	var msg InboundMessage
	err := json.Unmarshal(b, &msg)
	if err != nil {
		return nil, &MalformedMessageError{Reason: "invalid JSON", Err: err}
	}
	switch msg.Type {
	case TypeStartSession, TypeEndSession, TypePing:
	case TypeQuery:
		if msg.Prompt == "" {
			return nil, &MalformedMessageError{Reason: "query requires a prompt"}
		}
	case "":
		return nil, &MalformedMessageError{Reason: "missing message type"}
	default:
		return nil, &MalformedMessageError{Reason: fmt.Sprintf("unknown message type %q", msg.Type)}
	}
	return &msg, nil
}
