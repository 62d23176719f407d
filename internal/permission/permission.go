package permission

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/memva/memva/internal/event"
	"github.com/memva/memva/internal/validation"
)

var (
	ErrNotFound           = errors.New("permission request not found")
	ErrAlreadyDecided     = errors.New("permission request already decided")
	ErrNoLongerAnswerable = errors.New("permission request can no longer be answered")
)

// DefaultExpiry is how long a pending request stays answerable
const DefaultExpiry = 24 * time.Hour

// Status of a permission request. Everything but pending is terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusTimeout  Status = "timeout"
)

// Decision values accepted from callers
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Request is one outstanding approval prompt raised by the assistant
type Request struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	ToolName  string          `json:"tool_name"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Input     json.RawMessage `json:"input"`
	Status    Status          `json:"status"`
	Decision  string          `json:"decision,omitempty"`
	DecidedAt *time.Time      `json:"decided_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// CreateInput holds the fields the bridge supplies when raising a request
type CreateInput struct {
	SessionID string
	ToolName  string
	ToolUseID string
	Input     json.RawMessage
}

// ListFilter narrows List results; zero fields match everything
type ListFilter struct {
	SessionID string
	Status    Status
	ID        string
}

// Store handles permission request persistence on the shared database
type Store struct {
	db     *sql.DB
	events *event.Log
}

// NewStore creates a permission store over an open database handle
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, events: event.NewLog(db)}
}

// Create inserts a pending request expiring in 24 hours
func (s *Store) Create(input CreateInput) (*Request, error) {
	if input.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if input.ToolName == "" {
		return nil, fmt.Errorf("tool name is required")
	}

	req := &Request{
		ID:        uuid.New().String(),
		SessionID: input.SessionID,
		ToolName:  input.ToolName,
		ToolUseID: input.ToolUseID,
		Input:     input.Input,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	req.ExpiresAt = req.CreatedAt.Add(DefaultExpiry)
	if req.Input == nil {
		req.Input = json.RawMessage("{}")
	}

	var toolUseID sql.NullString
	if req.ToolUseID != "" {
		toolUseID = sql.NullString{String: req.ToolUseID, Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO permission_requests (id, session_id, tool_name, tool_use_id, input, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.SessionID, req.ToolName, toolUseID, string(req.Input),
		string(req.Status), req.CreatedAt, req.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert permission request: %w", err)
	}
	return req, nil
}

// Get retrieves a request by ID
func (s *Store) Get(id string) (*Request, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, tool_name, tool_use_id, input, status, decision, decided_at, created_at, expires_at
		FROM permission_requests WHERE id = ?`, id,
	)
	return scanRequest(row)
}

// List returns requests matching the filter, newest first
func (s *Store) List(filter *ListFilter) ([]*Request, error) {
	query := `
		SELECT id, session_id, tool_name, tool_use_id, input, status, decision, decided_at, created_at, expires_at
		FROM permission_requests`
	var conditions []string
	var args []interface{}

	if filter != nil {
		if filter.ID != "" {
			conditions = append(conditions, "id = ?")
			args = append(args, filter.ID)
		}
		if filter.SessionID != "" {
			conditions = append(conditions, "session_id = ?")
			args = append(args, filter.SessionID)
		}
		if filter.Status != "" {
			conditions = append(conditions, "status = ?")
			args = append(args, string(filter.Status))
		}
	}
	if len(conditions) > 0 {
		query += " WHERE " + conditions[0]
		for i := 1; i < len(conditions); i++ {
			query += " AND " + conditions[i]
		}
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list permission requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var requests []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// Decide resolves a pending request. The status guard rides in the WHERE
// clause so two deciders cannot both win; the loser gets a conflict.
func (s *Store) Decide(id, decision string) (*Request, error) {
	if err := validation.ValidateDecision(decision); err != nil {
		return nil, err
	}

	status := StatusApproved
	if decision == DecisionDeny {
		status = StatusDenied
	}
	now := time.Now().UTC()

	result, err := s.db.Exec(`
		UPDATE permission_requests
		SET status = ?, decision = ?, decided_at = ?
		WHERE id = ? AND status = 'pending'`,
		string(status), decision, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to decide permission request: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := s.Get(id); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrAlreadyDecided
	}
	return s.Get(id)
}

// CanAnswer reports whether a decision would still have any effect. A
// request stops being answerable once it leaves pending, passes its expiry,
// or the assistant has already received a tool_result for its tool use.
func (s *Store) CanAnswer(id string) (bool, error) {
	req, err := s.Get(id)
	if err != nil {
		return false, err
	}
	if req.Status != StatusPending {
		return false, nil
	}
	if time.Now().After(req.ExpiresAt) {
		return false, nil
	}
	if req.ToolUseID != "" {
		answered, err := s.events.HasToolResultFor(req.SessionID, req.ToolUseID)
		if err != nil {
			return false, err
		}
		if answered {
			return false, nil
		}
	}
	return true, nil
}

// ExpireOverdue flips overdue pending rows to timeout and returns how many
// were expired. decided_at stays null; nobody decided these.
func (s *Store) ExpireOverdue() (int, error) {
	result, err := s.db.Exec(`
		UPDATE permission_requests SET status = 'timeout'
		WHERE status = 'pending' AND expires_at < ?`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire permission requests: %w", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// CountPendingForSession returns how many undecided requests a session has
func (s *Store) CountPendingForSession(sessionID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM permission_requests WHERE session_id = ? AND status = 'pending'",
		sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending requests: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var req Request
	var toolUseID, decision sql.NullString
	var decidedAt sql.NullTime
	var status, input string

	err := row.Scan(
		&req.ID, &req.SessionID, &req.ToolName, &toolUseID, &input,
		&status, &decision, &decidedAt, &req.CreatedAt, &req.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan permission request: %w", err)
	}

	req.Status = Status(status)
	req.Input = json.RawMessage(input)
	if toolUseID.Valid {
		req.ToolUseID = toolUseID.String
	}
	if decision.Valid {
		req.Decision = decision.String
	}
	if decidedAt.Valid {
		req.DecidedAt = &decidedAt.Time
	}
	return &req, nil
}
