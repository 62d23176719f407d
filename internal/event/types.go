package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type mirrors the assistant CLI's message type field
type Type string

const (
	TypeUser          Type = "user"
	TypeAssistant     Type = "assistant"
	TypeSystem        Type = "system"
	TypeToolResult    Type = "tool_result"
	TypeResult        Type = "result"
	TypeUserCancelled Type = "user_cancelled"
	TypeSummary       Type = "summary"
)

// Event is one immutable record in a session's transcript. The payload in
// Data is stored verbatim; only a handful of fields are ever inspected.
type Event struct {
	UUID              string          `json:"uuid"`
	MemvaSessionID    string          `json:"memva_session_id"`
	ExternalSessionID string          `json:"external_session_id"`
	EventType         Type            `json:"event_type"`
	Timestamp         time.Time       `json:"timestamp"`
	ParentUUID        string          `json:"parent_uuid,omitempty"`
	IsSidechain       bool            `json:"is_sidechain"`
	CWD               string          `json:"cwd"`
	ProjectName       string          `json:"project_name"`
	Data              json.RawMessage `json:"data"`
	Visible           bool            `json:"visible"`
}

// New builds a visible event with a fresh UUID and the current time. Callers
// adjust fields before appending.
func New(sessionID string, eventType Type, data json.RawMessage) *Event {
	return &Event{
		UUID:           uuid.New().String(),
		MemvaSessionID: sessionID,
		EventType:      eventType,
		Timestamp:      time.Now().UTC(),
		Data:           data,
		Visible:        true,
	}
}

// GroupByExternalSessionID buckets events by the assistant's own session id,
// preserving input order within each bucket. Events observed before the
// assistant announced an id group under the empty key.
func GroupByExternalSessionID(events []*Event) map[string][]*Event {
	groups := make(map[string][]*Event)
	for _, e := range events {
		groups[e.ExternalSessionID] = append(groups[e.ExternalSessionID], e)
	}
	return groups
}

// contentBlock is the narrow view of a message content entry used for
// tool_use discovery
type contentBlock struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   *bool           `json:"is_error,omitempty"`
}

type messagePayload struct {
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

// ToolUseBlock describes a tool invocation found inside an assistant event
type ToolUseBlock struct {
	ID   string
	Name string
}

// ToolUses extracts the tool_use blocks from an event payload. Returns nil
// for payloads without any.
func (e *Event) ToolUses() []ToolUseBlock {
	var payload messagePayload
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return nil
	}
	var uses []ToolUseBlock
	for _, block := range payload.Message.Content {
		if block.Type == "tool_use" && block.ID != "" {
			uses = append(uses, ToolUseBlock{ID: block.ID, Name: block.Name})
		}
	}
	return uses
}

// ToolResultBlock describes a tool_result entry found inside a user event
type ToolResultBlock struct {
	ToolUseID string
	IsError   bool
}

// ToolResults extracts the tool_result blocks from an event payload
func (e *Event) ToolResults() []ToolResultBlock {
	var payload messagePayload
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return nil
	}
	var results []ToolResultBlock
	for _, block := range payload.Message.Content {
		if block.Type == "tool_result" && block.ToolUseID != "" {
			isErr := block.IsError != nil && *block.IsError
			results = append(results, ToolResultBlock{ToolUseID: block.ToolUseID, IsError: isErr})
		}
	}
	return results
}
