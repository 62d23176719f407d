package event

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDuplicateEvent   = errors.New("event uuid already exists")
	ErrMissingSessionID = errors.New("event session id is required")
)

// Log is the append-only event store. Events are never updated or deleted.
type Log struct {
	db *sql.DB
}

// NewLog creates an event log over an open database handle
func NewLog(db *sql.DB) *Log {
	return &Log{db: db}
}

// Append inserts one event. A duplicate uuid is a conflict, not an upsert.
func (l *Log) Append(e *Event) error {
	if e.MemvaSessionID == "" {
		return ErrMissingSessionID
	}
	if e.UUID == "" {
		e.UUID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Data == nil {
		e.Data = json.RawMessage("{}")
	}

	var parent sql.NullString
	if e.ParentUUID != "" {
		parent = sql.NullString{String: e.ParentUUID, Valid: true}
	}

	_, err := l.db.Exec(`
		INSERT INTO events (uuid, memva_session_id, external_session_id, event_type, timestamp, parent_uuid, is_sidechain, cwd, project_name, data, visible)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UUID, e.MemvaSessionID, e.ExternalSessionID, string(e.EventType), e.Timestamp,
		parent, boolToInt(e.IsSidechain), e.CWD, e.ProjectName, string(e.Data), boolToInt(e.Visible),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("%w: %s", ErrDuplicateEvent, e.UUID)
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// ListForSession returns a session's events in timestamp order, stable by
// insertion order on equal timestamps
func (l *Log) ListForSession(sessionID string) ([]*Event, error) {
	rows, err := l.db.Query(`
		SELECT uuid, memva_session_id, external_session_id, event_type, timestamp, parent_uuid, is_sidechain, cwd, project_name, data, visible
		FROM events WHERE memva_session_id = ?
		ORDER BY timestamp ASC, rowid ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return collectEvents(rows)
}

// ListRecent returns the newest events across all sessions
func (l *Log) ListRecent(limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(`
		SELECT uuid, memva_session_id, external_session_id, event_type, timestamp, parent_uuid, is_sidechain, cwd, project_name, data, visible
		FROM events
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent events: %w", err)
	}
	return collectEvents(rows)
}

// LatestUUID returns the uuid of the most recent event for a session, or
// empty when the session has none. Used to pick up the thread head when a
// new run starts.
func (l *Log) LatestUUID(sessionID string) (string, error) {
	var id string
	err := l.db.QueryRow(`
		SELECT uuid FROM events WHERE memva_session_id = ?
		ORDER BY timestamp DESC, rowid DESC LIMIT 1`, sessionID,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query latest event: %w", err)
	}
	return id, nil
}

// CountForSession returns how many events a session has
func (l *Log) CountForSession(sessionID string) (int, error) {
	var count int
	err := l.db.QueryRow("SELECT COUNT(*) FROM events WHERE memva_session_id = ?", sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// FindAssistantEventWithToolUseID locates the assistant event whose payload
// contains a tool_use block with the given id. Returns nil when no event
// matches; absence is an expected answer, not an error.
func (l *Log) FindAssistantEventWithToolUseID(sessionID, toolUseID string) (*Event, error) {
	// LIKE prefilter narrows candidates; the JSON parse below confirms the
	// id sits in a real tool_use block rather than arbitrary text.
	rows, err := l.db.Query(`
		SELECT uuid, memva_session_id, external_session_id, event_type, timestamp, parent_uuid, is_sidechain, cwd, project_name, data, visible
		FROM events
		WHERE memva_session_id = ? AND event_type = 'assistant' AND data LIKE ?
		ORDER BY timestamp ASC, rowid ASC`,
		sessionID, "%"+toolUseID+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query assistant events: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}

	for _, e := range events {
		for _, use := range e.ToolUses() {
			if use.ID == toolUseID {
				return e, nil
			}
		}
	}
	return nil, nil
}

// HasToolResultFor reports whether a tool_result referencing the tool use id
// has already been stored for the session
func (l *Log) HasToolResultFor(sessionID, toolUseID string) (bool, error) {
	rows, err := l.db.Query(`
		SELECT uuid, memva_session_id, external_session_id, event_type, timestamp, parent_uuid, is_sidechain, cwd, project_name, data, visible
		FROM events
		WHERE memva_session_id = ? AND event_type IN ('user', 'tool_result') AND data LIKE ?`,
		sessionID, "%"+toolUseID+"%",
	)
	if err != nil {
		return false, fmt.Errorf("failed to query tool results: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return false, err
	}

	for _, e := range events {
		for _, result := range e.ToolResults() {
			if result.ToolUseID == toolUseID {
				return true, nil
			}
		}
	}
	return false, nil
}

func collectEvents(rows *sql.Rows) ([]*Event, error) {
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		var e Event
		var eventType, data string
		var parent sql.NullString
		var sidechain, visible int

		if err := rows.Scan(
			&e.UUID, &e.MemvaSessionID, &e.ExternalSessionID, &eventType, &e.Timestamp,
			&parent, &sidechain, &e.CWD, &e.ProjectName, &data, &visible,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		e.EventType = Type(eventType)
		if parent.Valid {
			e.ParentUUID = parent.String
		}
		e.IsSidechain = sidechain != 0
		e.Visible = visible != 0
		e.Data = json.RawMessage(data)
		events = append(events, &e)
	}
	return events, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
