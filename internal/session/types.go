package session

import (
	"time"
)

// Status represents the lifecycle state of a session
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// ClaudeStatus tracks what the assistant is doing for a session
type ClaudeStatus string

const (
	ClaudeNotStarted      ClaudeStatus = "not_started"
	ClaudeProcessing      ClaudeStatus = "processing"
	ClaudeWaitingForInput ClaudeStatus = "waiting_for_input"
	ClaudeCompleted       ClaudeStatus = "completed"
	ClaudeError           ClaudeStatus = "error"
)

// CanTransition reports whether claude_status may move from one state to
// another. not_started is only ever an initial value; a finished session may
// start a new run.
func CanTransition(from, to ClaudeStatus) bool {
	if from == to {
		return true
	}
	switch to {
	case ClaudeProcessing:
		return true
	case ClaudeCompleted, ClaudeError, ClaudeWaitingForInput:
		return from == ClaudeProcessing
	}
	return false
}

// Settings holds per-session run configuration. Zero values fall back to the
// defaults at run time, so a session can override just one field.
type Settings struct {
	MaxTurns       int    `json:"maxTurns,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
}

// DefaultSettings returns the settings applied when a session has none
func DefaultSettings() Settings {
	return Settings{
		MaxTurns:       200,
		PermissionMode: "default",
	}
}

// Session represents one conversation with the assistant rooted in a
// project directory
type Session struct {
	ID           string                 `json:"id"`
	Title        string                 `json:"title,omitempty"`
	ProjectPath  string                 `json:"project_path"`
	Status       Status                 `json:"status"`
	ClaudeStatus ClaudeStatus           `json:"claude_status"`
	ResumeToken  string                 `json:"resume_token,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Settings     *Settings              `json:"settings,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// EffectiveSettings merges the session's stored settings over the
// process-wide defaults. A nil global falls back to the built-in defaults.
func (s *Session) EffectiveSettings(global *GlobalSettings) Settings {
	merged := global.Defaults()
	if s.Settings != nil {
		if s.Settings.MaxTurns > 0 {
			merged.MaxTurns = s.Settings.MaxTurns
		}
		if s.Settings.PermissionMode != "" {
			merged.PermissionMode = s.Settings.PermissionMode
		}
	}
	return merged
}

// ProjectName returns the base name of the project directory, used to label
// events
func (s *Session) ProjectName() string {
	path := s.ProjectPath
	for len(path) > 1 && path[len(path)-1] == '/' {
		path = path[:len(path)-1]
	}
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// SessionUpdate applies partial updates; nil fields are left unchanged
type SessionUpdate struct {
	Title    *string
	Status   *Status
	Metadata map[string]interface{}
	Settings *Settings
}

// ListFilter narrows List results
type ListFilter struct {
	Status Status
}

// GlobalSettings is the store-wide singleton settings envelope. Sessions that
// leave a field unset inherit it from here.
type GlobalSettings struct {
	MaxTurns         int    `json:"maxTurns,omitempty"`
	PermissionMode   string `json:"permissionMode,omitempty"`
	DefaultDirectory string `json:"defaultDirectory,omitempty"`
}

// Defaults returns the process-wide settings with hard fallbacks applied for
// fields the singleton leaves unset
func (g *GlobalSettings) Defaults() Settings {
	merged := DefaultSettings()
	if g == nil {
		return merged
	}
	if g.MaxTurns > 0 {
		merged.MaxTurns = g.MaxTurns
	}
	if g.PermissionMode != "" {
		merged.PermissionMode = g.PermissionMode
	}
	return merged
}
