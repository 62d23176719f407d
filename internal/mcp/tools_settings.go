package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/memva/memva/internal/audit"
	"github.com/memva/memva/internal/metrics"
	"github.com/memva/memva/internal/session"
	"github.com/memva/memva/internal/validation"
)

// SettingsParams is the unified params struct for the settings tool
type SettingsParams struct {
	Action string `json:"action"` // Required: get, update

	// For update; only provided fields change. Zero or empty clears the
	// override so the built-in default applies again.
	MaxTurns         *int    `json:"max_turns,omitempty"`
	PermissionMode   *string `json:"permission_mode,omitempty"`
	DefaultDirectory *string `json:"default_directory,omitempty"`
}

var settingsActions = []string{"get", "update"}

// handleSettings is the unified handler for the settings tool
func (s *Server) handleSettings(ctx context.Context, request *mcp.CallToolRequest, params *SettingsParams) (res *mcp.CallToolResult, data any, err error) {
	defer func() { metrics.RecordToolCall("settings", callStatus(err)) }()

	if params == nil || params.Action == "" {
		return nil, nil, missingActionError("settings", settingsActions)
	}

	switch params.Action {
	case "get":
		return s.settingsGet(ctx)
	case "update":
		return s.settingsUpdate(ctx, params)
	default:
		return nil, nil, actionError("settings", params.Action, settingsActions)
	}
}

func (s *Server) settingsGet(ctx context.Context) (*mcp.CallToolResult, any, error) {
	settings, err := s.sessions.GetGlobalSettings()
	if err != nil {
		return nil, nil, SanitizeError(err, "get settings")
	}

	text := "Global settings\n\n" + renderGlobalSettings(settings)
	return NewTextResult(text), settings, nil
}

func (s *Server) settingsUpdate(ctx context.Context, params *SettingsParams) (*mcp.CallToolResult, any, error) {
	if params.MaxTurns == nil && params.PermissionMode == nil && params.DefaultDirectory == nil {
		return nil, nil, fmt.Errorf("at least one of max_turns, permission_mode, default_directory is required")
	}
	if params.MaxTurns != nil && *params.MaxTurns < 0 {
		return nil, nil, fmt.Errorf("max_turns cannot be negative")
	}
	if params.PermissionMode != nil && *params.PermissionMode != "" {
		if err := validation.ValidatePermissionMode(*params.PermissionMode); err != nil {
			return nil, nil, err
		}
	}
	if params.DefaultDirectory != nil && *params.DefaultDirectory != "" {
		if err := validation.ValidateProjectPath(*params.DefaultDirectory); err != nil {
			return nil, nil, err
		}
	}

	settings, err := s.sessions.GetGlobalSettings()
	if err != nil {
		return nil, nil, SanitizeError(err, "get settings")
	}
	if params.MaxTurns != nil {
		settings.MaxTurns = *params.MaxTurns
	}
	if params.PermissionMode != nil {
		settings.PermissionMode = *params.PermissionMode
	}
	if params.DefaultDirectory != nil {
		settings.DefaultDirectory = *params.DefaultDirectory
	}

	if err := s.sessions.UpdateGlobalSettings(settings); err != nil {
		return nil, nil, SanitizeError(err, "update settings")
	}

	audit.Log(&audit.Event{
		Operation: audit.OpSettingsUpdate,
		RequestID: RequestIDFromContext(ctx),
		Success:   true,
		Details: map[string]interface{}{
			"max_turns":         settings.MaxTurns,
			"permission_mode":   settings.PermissionMode,
			"default_directory": settings.DefaultDirectory,
		},
	})

	text := "✅ Settings updated\n\n" + renderGlobalSettings(settings)
	return NewTextResult(text), settings, nil
}

// renderGlobalSettings shows effective values so a cleared override reads as
// its built-in default rather than as zero
func renderGlobalSettings(settings *session.GlobalSettings) string {
	effective := settings.Defaults()
	dir := settings.DefaultDirectory
	if dir == "" {
		dir = "(not set)"
	}
	text := fmt.Sprintf("Max turns:         %d\n", effective.MaxTurns)
	text += fmt.Sprintf("Permission mode:   %s\n", effective.PermissionMode)
	text += fmt.Sprintf("Default directory: %s\n", dir)
	return text
}
