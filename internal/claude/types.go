package claude

import "encoding/json"

// Message types emitted on the CLI's stdout stream
const (
	MessageTypeSystem    = "system"
	MessageTypeAssistant = "assistant"
	MessageTypeUser      = "user"
	MessageTypeResult    = "result"
)

// StreamMessage is one line of the CLI's stream-json output. Raw keeps the
// verbatim line so callers can store the payload without re-encoding it.
type StreamMessage struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// IsAssistant reports whether this is an assistant reply
func (m *StreamMessage) IsAssistant() bool {
	return m.Type == MessageTypeAssistant
}

// IsResult reports whether this is the terminal result frame
func (m *StreamMessage) IsResult() bool {
	return m.Type == MessageTypeResult
}
