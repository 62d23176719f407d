package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/memva/memva/internal/metrics"
)

// RunParams is the unified params struct for the run tool
type RunParams struct {
	Action string `json:"action"` // Required: enqueue, stop, status

	SessionID string `json:"session_id,omitempty"`

	// For enqueue
	Prompt string `json:"prompt,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

var runActions = []string{"enqueue", "stop", "status"}

// handleRun is the unified handler for the run tool
func (s *Server) handleRun(ctx context.Context, request *mcp.CallToolRequest, params *RunParams) (res *mcp.CallToolResult, data any, err error) {
	defer func() { metrics.RecordToolCall("run", callStatus(err)) }()

	if params == nil || params.Action == "" {
		return nil, nil, missingActionError("run", runActions)
	}
	if params.SessionID == "" {
		return nil, nil, fmt.Errorf("session_id is required")
	}

	switch params.Action {
	case "enqueue":
		return s.runEnqueue(ctx, params)
	case "stop":
		return s.runStop(ctx, params)
	case "status":
		return s.runStatus(ctx, params)
	default:
		return nil, nil, actionError("run", params.Action, runActions)
	}
}

func (s *Server) runEnqueue(ctx context.Context, params *RunParams) (*mcp.CallToolResult, any, error) {
	if params.Prompt == "" {
		return nil, nil, fmt.Errorf("prompt is required")
	}

	jobID, err := s.runs.EnqueueRun(params.SessionID, params.Prompt, params.UserID)
	if err != nil {
		return nil, nil, SanitizeError(err, "enqueue run")
	}

	text := "✅ Run enqueued\n\n"
	text += fmt.Sprintf("Session: %s\n", params.SessionID)
	text += fmt.Sprintf("Job:     %s\n", jobID)

	return NewTextResult(text), map[string]string{"session_id": params.SessionID, "job_id": jobID}, nil
}

func (s *Server) runStop(ctx context.Context, params *RunParams) (*mcp.CallToolResult, any, error) {
	if err := s.runs.StopRun(params.SessionID); err != nil {
		return nil, nil, SanitizeError(err, "stop run")
	}

	return NewTextResult(fmt.Sprintf("🛑 Run stopped for session %s\n", params.SessionID)), nil, nil
}

func (s *Server) runStatus(ctx context.Context, params *RunParams) (*mcp.CallToolResult, any, error) {
	sess, err := s.sessions.Get(params.SessionID)
	if err != nil {
		return nil, nil, SanitizeError(err, "get session")
	}

	active, err := s.runs.ActiveJob(params.SessionID)
	if err != nil {
		return nil, nil, SanitizeError(err, "get active job")
	}

	text := fmt.Sprintf("Session %s\n\n", sess.ID)
	text += fmt.Sprintf("Assistant: %s\n", sess.ClaudeStatus)
	if active != nil {
		text += fmt.Sprintf("Job:       %s (%s, attempt %d/%d)\n", active.ID, active.Status, active.Attempts, active.MaxAttempts)
	} else {
		text += "Job:       none\n"
	}

	status := map[string]any{
		"session_id":    sess.ID,
		"claude_status": sess.ClaudeStatus,
	}
	if active != nil {
		status["job"] = active
	}

	return NewTextResult(text), status, nil
}
