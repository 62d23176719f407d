package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/memva/memva/internal/metrics"
	"github.com/memva/memva/internal/permission"
	"github.com/memva/memva/internal/validation"
)

// PermissionParams is the unified params struct for the permission tool
type PermissionParams struct {
	Action string `json:"action"` // Required: list, decide

	// For list
	SessionID string `json:"session_id,omitempty"`
	Status    string `json:"status,omitempty"`

	// For decide
	RequestID string `json:"request_id,omitempty"`
	Decision  string `json:"decision,omitempty"` // allow or deny
}

var permissionActions = []string{"list", "decide"}

// permissionView is a request plus whether a decision would still reach the
// waiting bridge
type permissionView struct {
	*permission.Request
	Answerable bool `json:"answerable"`
}

// handlePermission is the unified handler for the permission tool
func (s *Server) handlePermission(ctx context.Context, request *mcp.CallToolRequest, params *PermissionParams) (res *mcp.CallToolResult, data any, err error) {
	defer func() { metrics.RecordToolCall("permission", callStatus(err)) }()

	if params == nil || params.Action == "" {
		return nil, nil, missingActionError("permission", permissionActions)
	}

	switch params.Action {
	case "list":
		return s.permissionList(ctx, params)
	case "decide":
		return s.permissionDecide(ctx, params)
	default:
		return nil, nil, actionError("permission", params.Action, permissionActions)
	}
}

func (s *Server) permissionList(ctx context.Context, params *PermissionParams) (*mcp.CallToolResult, any, error) {
	filter := &permission.ListFilter{
		SessionID: params.SessionID,
		Status:    permission.Status(params.Status),
	}

	requests, err := s.permissions.List(filter)
	if err != nil {
		return nil, nil, SanitizeError(err, "list permission requests")
	}

	if len(requests) == 0 {
		return NewTextResult("No permission requests found."), requests, nil
	}

	views := make([]*permissionView, 0, len(requests))
	var b strings.Builder
	fmt.Fprintf(&b, "%d permission request(s)\n\n", len(requests))
	for _, req := range requests {
		answerable := false
		if req.Status == permission.StatusPending {
			answerable, err = s.permissions.CanAnswer(req.ID)
			if err != nil {
				return nil, nil, SanitizeError(err, "check permission request")
			}
		}
		views = append(views, &permissionView{Request: req, Answerable: answerable})

		marker := " "
		if answerable {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s %s  %-8s %-12s session=%s\n", marker, req.ID, req.Status, req.ToolName, req.SessionID)
	}
	b.WriteString("\n* = pending and still answerable\n")

	return NewTextResult(b.String()), views, nil
}

func (s *Server) permissionDecide(ctx context.Context, params *PermissionParams) (*mcp.CallToolResult, any, error) {
	if params.RequestID == "" {
		return nil, nil, fmt.Errorf("request_id is required")
	}
	if err := validation.ValidateDecision(params.Decision); err != nil {
		return nil, nil, err
	}

	req, err := s.runs.DecidePermission(params.RequestID, params.Decision)
	if err != nil {
		return nil, nil, SanitizeError(err, "decide permission request")
	}

	icon := "✅"
	if params.Decision == "deny" {
		icon = "🚫"
	}
	text := fmt.Sprintf("%s Request %s: %s\n\n", icon, req.ID, params.Decision)
	text += fmt.Sprintf("Tool:    %s\n", req.ToolName)
	text += fmt.Sprintf("Session: %s\n", req.SessionID)

	return NewTextResult(text), req, nil
}
