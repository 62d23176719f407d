package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/memva/memva/internal/audit"
	"github.com/memva/memva/internal/job"
	"github.com/memva/memva/internal/metrics"
	"github.com/memva/memva/internal/session"
)

// SessionParams is the unified params struct for the session tool
type SessionParams struct {
	Action string `json:"action"` // Required: create, get, list, archive, update_settings

	// Common
	SessionID string `json:"session_id,omitempty"`

	// For create
	ProjectPath string         `json:"project_path,omitempty"`
	Title       string         `json:"title,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// For create and update_settings
	MaxTurns       *int   `json:"max_turns,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`

	// For list
	Status string `json:"status,omitempty"`
}

var sessionActions = []string{"create", "get", "list", "archive", "update_settings"}

// handleSession is the unified handler for the session tool
func (s *Server) handleSession(ctx context.Context, request *mcp.CallToolRequest, params *SessionParams) (res *mcp.CallToolResult, data any, err error) {
	defer func() { metrics.RecordToolCall("session", callStatus(err)) }()

	if params == nil || params.Action == "" {
		return nil, nil, missingActionError("session", sessionActions)
	}

	switch params.Action {
	case "create":
		return s.sessionCreate(ctx, params)
	case "get":
		return s.sessionGet(ctx, params)
	case "list":
		return s.sessionList(ctx, params)
	case "archive":
		return s.sessionArchive(ctx, params)
	case "update_settings":
		return s.sessionUpdateSettings(ctx, params)
	default:
		return nil, nil, actionError("session", params.Action, sessionActions)
	}
}

func (s *Server) sessionCreate(ctx context.Context, params *SessionParams) (*mcp.CallToolResult, any, error) {
	if params.ProjectPath == "" {
		if global, err := s.sessions.GetGlobalSettings(); err == nil {
			params.ProjectPath = global.DefaultDirectory
		}
	}
	if params.ProjectPath == "" {
		return nil, nil, fmt.Errorf("project_path is required (no default directory configured)")
	}

	sess := &session.Session{
		Title:       params.Title,
		ProjectPath: params.ProjectPath,
		Metadata:    params.Metadata,
	}
	if params.MaxTurns != nil || params.PermissionMode != "" {
		settings := session.Settings{PermissionMode: params.PermissionMode}
		if params.MaxTurns != nil {
			settings.MaxTurns = *params.MaxTurns
		}
		sess.Settings = &settings
	}

	if err := s.sessions.Create(sess); err != nil {
		audit.Log(&audit.Event{
			Operation: audit.OpSessionCreate,
			RequestID: RequestIDFromContext(ctx),
			Success:   false,
			Error:     err.Error(),
		})
		return nil, nil, SanitizeError(err, "create session")
	}

	audit.Log(&audit.Event{
		Operation: audit.OpSessionCreate,
		SessionID: sess.ID,
		RequestID: RequestIDFromContext(ctx),
		Success:   true,
	})

	text := "✅ Session created\n\n"
	text += fmt.Sprintf("ID:      %s\n", sess.ID)
	if sess.Title != "" {
		text += fmt.Sprintf("Title:   %s\n", sess.Title)
	}
	text += fmt.Sprintf("Project: %s\n", sess.ProjectPath)

	return NewTextResult(text), sess, nil
}

func (s *Server) sessionGet(ctx context.Context, params *SessionParams) (*mcp.CallToolResult, any, error) {
	if params.SessionID == "" {
		return nil, nil, fmt.Errorf("session_id is required")
	}

	sess, err := s.sessions.Get(params.SessionID)
	if err != nil {
		return nil, nil, SanitizeError(err, "get session")
	}

	eventCount, err := s.events.CountForSession(sess.ID)
	if err != nil {
		return nil, nil, SanitizeError(err, "count session events")
	}
	pending, err := s.permissions.CountPendingForSession(sess.ID)
	if err != nil {
		return nil, nil, SanitizeError(err, "count pending permissions")
	}
	active, err := s.jobs.GetActiveForSession(job.TypeSessionRunner, sess.ID)
	if err != nil {
		return nil, nil, SanitizeError(err, "get active job")
	}

	global, _ := s.sessions.GetGlobalSettings()
	settings := sess.EffectiveSettings(global)
	text := fmt.Sprintf("Session %s\n\n", sess.ID)
	if sess.Title != "" {
		text += fmt.Sprintf("Title:            %s\n", sess.Title)
	}
	text += fmt.Sprintf("Project:          %s\n", sess.ProjectPath)
	text += fmt.Sprintf("Status:           %s\n", sess.Status)
	text += fmt.Sprintf("Assistant:        %s\n", sess.ClaudeStatus)
	text += fmt.Sprintf("Settings:         max_turns=%d mode=%s\n", settings.MaxTurns, settings.PermissionMode)
	text += fmt.Sprintf("Events:           %d\n", eventCount)
	if pending > 0 {
		text += fmt.Sprintf("Pending prompts:  %d\n", pending)
	}
	if active != nil {
		text += fmt.Sprintf("Active job:       %s (%s)\n", active.ID, active.Status)
	}

	type sessionDetail struct {
		*session.Session
		EventCount         int    `json:"event_count"`
		PendingPermissions int    `json:"pending_permissions"`
		ActiveJobID        string `json:"active_job_id,omitempty"`
	}
	detail := &sessionDetail{Session: sess, EventCount: eventCount, PendingPermissions: pending}
	if active != nil {
		detail.ActiveJobID = active.ID
	}

	return NewTextResult(text), detail, nil
}

func (s *Server) sessionList(ctx context.Context, params *SessionParams) (*mcp.CallToolResult, any, error) {
	var filter *session.ListFilter
	if params.Status != "" {
		filter = &session.ListFilter{Status: session.Status(params.Status)}
	}

	sessions, err := s.sessions.List(filter)
	if err != nil {
		return nil, nil, SanitizeError(err, "list sessions")
	}

	if len(sessions) == 0 {
		return NewTextResult("No sessions found."), sessions, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d session(s)\n\n", len(sessions))
	for _, sess := range sessions {
		title := sess.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(&b, "%s  %-10s %-12s %s\n", sess.ID, sess.Status, sess.ClaudeStatus, title)
	}

	return NewTextResult(b.String()), sessions, nil
}

func (s *Server) sessionArchive(ctx context.Context, params *SessionParams) (*mcp.CallToolResult, any, error) {
	if params.SessionID == "" {
		return nil, nil, fmt.Errorf("session_id is required")
	}

	if err := s.sessions.Archive(params.SessionID); err != nil {
		audit.Log(&audit.Event{
			Operation: audit.OpSessionArchive,
			SessionID: params.SessionID,
			RequestID: RequestIDFromContext(ctx),
			Success:   false,
			Error:     err.Error(),
		})
		return nil, nil, SanitizeError(err, "archive session")
	}

	audit.Log(&audit.Event{
		Operation: audit.OpSessionArchive,
		SessionID: params.SessionID,
		RequestID: RequestIDFromContext(ctx),
		Success:   true,
	})

	return NewTextResult(fmt.Sprintf("✅ Session %s archived\n", params.SessionID)), nil, nil
}

func (s *Server) sessionUpdateSettings(ctx context.Context, params *SessionParams) (*mcp.CallToolResult, any, error) {
	if params.SessionID == "" {
		return nil, nil, fmt.Errorf("session_id is required")
	}
	if params.MaxTurns == nil && params.PermissionMode == "" {
		return nil, nil, fmt.Errorf("at least one of max_turns or permission_mode is required")
	}

	// Merge over the stored settings so one field can change alone
	sess, err := s.sessions.Get(params.SessionID)
	if err != nil {
		return nil, nil, SanitizeError(err, "get session")
	}

	settings := session.Settings{}
	if sess.Settings != nil {
		settings = *sess.Settings
	}
	if params.MaxTurns != nil {
		settings.MaxTurns = *params.MaxTurns
	}
	if params.PermissionMode != "" {
		settings.PermissionMode = params.PermissionMode
	}

	if err := s.sessions.Update(params.SessionID, &session.SessionUpdate{Settings: &settings}); err != nil {
		return nil, nil, SanitizeError(err, "update session settings")
	}

	audit.Log(&audit.Event{
		Operation: audit.OpSettingsUpdate,
		SessionID: params.SessionID,
		RequestID: RequestIDFromContext(ctx),
		Success:   true,
		Details:   map[string]interface{}{"max_turns": settings.MaxTurns, "permission_mode": settings.PermissionMode},
	})

	text := "✅ Settings updated\n\n"
	text += fmt.Sprintf("Session:         %s\n", params.SessionID)
	if settings.MaxTurns > 0 {
		text += fmt.Sprintf("Max turns:       %d\n", settings.MaxTurns)
	}
	if settings.PermissionMode != "" {
		text += fmt.Sprintf("Permission mode: %s\n", settings.PermissionMode)
	}

	return NewTextResult(text), &settings, nil
}
