// Package bridge implements the per-session approval server the assistant
// CLI consults before using a gated tool. It runs as a separate process,
// speaks MCP over stdio, and coordinates with the main process purely
// through the shared database: one pending permission row in, one human
// decision out.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/memva/memva/internal/logger"
	"github.com/memva/memva/internal/permission"
)

const (
	// ServerName is the MCP server identity; the assistant CLI derives the
	// fully qualified tool name from it
	ServerName    = "memva-bridge"
	serverVersion = "0.1.0"

	// ToolName is the single tool this server registers
	ToolName = "approval_prompt"

	DefaultPollInterval = 250 * time.Millisecond
	DefaultDeadline     = 24 * time.Hour
)

var errAwaitTimeout = errors.New("no decision before the deadline")

// ApprovalInput is the payload the assistant sends when it wants to use a
// tool that needs sign-off
type ApprovalInput struct {
	ToolName  string         `json:"tool_name" jsonschema:"name of the tool the assistant wants to use"`
	Input     map[string]any `json:"input,omitempty" jsonschema:"arguments the tool would receive"`
	ToolUseID string         `json:"tool_use_id,omitempty" jsonschema:"id of the originating tool_use block"`
}

// decisionResponse is serialized into the tool result text. The assistant
// CLI only understands behavior allow or deny.
type decisionResponse struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}

// Config wires a Bridge to its session and store
type Config struct {
	SessionID    string
	Permissions  *permission.Store
	PollInterval time.Duration
	Deadline     time.Duration
}

// Bridge serves approval_prompt for exactly one session
type Bridge struct {
	sessionID    string
	permissions  *permission.Store
	pollInterval time.Duration
	deadline     time.Duration
}

func New(cfg Config) *Bridge {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	return &Bridge{
		sessionID:    cfg.SessionID,
		permissions:  cfg.Permissions,
		pollInterval: cfg.PollInterval,
		deadline:     cfg.Deadline,
	}
}

// Run serves the approval tool over stdio until ctx is cancelled or the
// assistant closes the pipe. Stdout carries protocol frames only; all
// diagnostics go through the logger.
func (b *Bridge) Run(ctx context.Context) error {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    ServerName,
		Version: serverVersion,
	}, &mcp.ServerOptions{
		HasTools: true,
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolName,
		Description: "Ask the user to approve or deny a tool invocation. Blocks until the user decides or the request times out.",
	}, b.handleApproval)

	logger.Printf("🔐 Permission bridge serving session %s", b.sessionID)
	return server.Run(ctx, &mcp.StdioTransport{})
}

// handleApproval answers one approval call. It never returns a protocol
// error: every outcome, including internal failures, is expressed as an
// allow/deny verdict so the assistant can always proceed.
func (b *Bridge) handleApproval(ctx context.Context, req *mcp.CallToolRequest, input ApprovalInput) (*mcp.CallToolResult, any, error) {
	resp := b.resolve(ctx, input)

	encoded, err := json.Marshal(resp)
	if err != nil {
		encoded = []byte(`{"behavior":"deny","message":"failed to encode decision"}`)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(encoded)}},
	}, nil, nil
}

func (b *Bridge) resolve(ctx context.Context, input ApprovalInput) decisionResponse {
	if input.ToolName == "" {
		return decisionResponse{Behavior: permission.DecisionDeny, Message: "tool_name is required"}
	}

	var rawInput json.RawMessage
	if input.Input != nil {
		encoded, err := json.Marshal(input.Input)
		if err != nil {
			return decisionResponse{Behavior: permission.DecisionDeny, Message: "failed to encode tool input"}
		}
		rawInput = encoded
	}

	req, err := b.permissions.Create(permission.CreateInput{
		SessionID: b.sessionID,
		ToolName:  input.ToolName,
		ToolUseID: input.ToolUseID,
		Input:     rawInput,
	})
	if err != nil {
		logger.Error("Failed to record permission request for session %s: %v", b.sessionID, err)
		return decisionResponse{Behavior: permission.DecisionDeny, Message: "failed to record permission request"}
	}
	logger.Printf("🔐 Awaiting decision on %s (%s) for session %s", req.ID, input.ToolName, b.sessionID)

	decided, err := b.awaitDecision(ctx, req.ID)
	switch {
	case errors.Is(err, errAwaitTimeout):
		logger.Printf("⏰ Permission request %s hit the decision deadline", req.ID)
		return decisionResponse{Behavior: permission.DecisionDeny, Message: "Permission request timed out"}
	case err != nil:
		logger.Printf("⚠️ Permission request %s abandoned: %v", req.ID, err)
		return decisionResponse{Behavior: permission.DecisionDeny, Message: "Permission bridge shutting down"}
	}

	logger.Printf("✅ Permission request %s resolved: %s", req.ID, decided.Status)
	switch decided.Status {
	case permission.StatusApproved:
		return decisionResponse{Behavior: permission.DecisionAllow}
	case permission.StatusDenied:
		return decisionResponse{Behavior: permission.DecisionDeny, Message: "User denied request"}
	case permission.StatusTimeout:
		return decisionResponse{Behavior: permission.DecisionDeny, Message: "Permission request timed out"}
	default:
		return decisionResponse{Behavior: permission.DecisionDeny, Message: "Permission request expired without a decision"}
	}
}

// awaitDecision polls the shared store until the row leaves pending or the
// deadline passes. Polling is intentional: the bridge and the main process
// share nothing but the database.
func (b *Bridge) awaitDecision(ctx context.Context, id string) (*permission.Request, error) {
	deadline := time.NewTimer(b.deadline)
	defer deadline.Stop()
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, errAwaitTimeout
		case <-ticker.C:
			req, err := b.permissions.Get(id)
			if err != nil {
				logger.Error("Failed to poll permission request %s: %v", id, err)
				continue
			}
			if req.Status != permission.StatusPending {
				return req, nil
			}
		}
	}
}
