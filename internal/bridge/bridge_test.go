package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/memva/memva/internal/permission"
	"github.com/memva/memva/internal/testutil"
)

func setupBridge(t *testing.T, deadline time.Duration) (*Bridge, *permission.Store, string) {
	t.Helper()

	db := testutil.OpenTestDB(t)
	sess := testutil.NewTestSession(t, db)
	perms := permission.NewStore(db)
	b := New(Config{
		SessionID:    sess.ID,
		Permissions:  perms,
		PollInterval: 10 * time.Millisecond,
		Deadline:     deadline,
	})
	return b, perms, sess.ID
}

// decideWhenPending waits for the bridge to insert its row, then decides it
func decideWhenPending(t *testing.T, perms *permission.Store, sessionID, decision string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pending, err := perms.List(&permission.ListFilter{SessionID: sessionID, Status: permission.StatusPending})
		if err != nil {
			t.Errorf("Failed to list pending requests: %v", err)
			return
		}
		if len(pending) > 0 {
			if _, err := perms.Decide(pending[0].ID, decision); err != nil {
				t.Errorf("Failed to decide request: %v", err)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("No pending request appeared")
}

func callApproval(t *testing.T, b *Bridge, input ApprovalInput) decisionResponse {
	t.Helper()

	result, _, err := b.handleApproval(context.Background(), &mcp.CallToolRequest{}, input)
	if err != nil {
		t.Fatalf("handleApproval() error = %v", err)
	}
	if len(result.Content) != 1 {
		t.Fatalf("Expected one content block, got %d", len(result.Content))
	}
	text, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("Expected text content, got %T", result.Content[0])
	}

	var resp decisionResponse
	if err := json.Unmarshal([]byte(text.Text), &resp); err != nil {
		t.Fatalf("Failed to decode decision %q: %v", text.Text, err)
	}
	return resp
}

func TestBridge_Allow(t *testing.T) {
	b, perms, sessionID := setupBridge(t, time.Minute)

	go decideWhenPending(t, perms, sessionID, permission.DecisionAllow)

	resp := callApproval(t, b, ApprovalInput{
		ToolName:  "Bash",
		Input:     map[string]any{"command": "ls"},
		ToolUseID: "tu1",
	})
	if resp.Behavior != "allow" {
		t.Errorf("Behavior = %q, want allow", resp.Behavior)
	}
	if resp.Message != "" {
		t.Errorf("Allow should carry no message, got %q", resp.Message)
	}

	requests, err := perms.List(&permission.ListFilter{SessionID: sessionID})
	if err != nil {
		t.Fatalf("Failed to list requests: %v", err)
	}
	if len(requests) != 1 {
		t.Fatalf("Expected 1 request, got %d", len(requests))
	}
	req := requests[0]
	if req.Status != permission.StatusApproved {
		t.Errorf("Status = %q, want approved", req.Status)
	}
	if req.Decision != permission.DecisionAllow {
		t.Errorf("Decision = %q, want allow", req.Decision)
	}
	if req.DecidedAt == nil {
		t.Error("DecidedAt should be set")
	}
	if req.ToolUseID != "tu1" {
		t.Errorf("ToolUseID = %q, want tu1", req.ToolUseID)
	}

	var stored map[string]any
	if err := json.Unmarshal(req.Input, &stored); err != nil {
		t.Fatalf("Failed to decode stored input: %v", err)
	}
	if stored["command"] != "ls" {
		t.Errorf("Stored input = %v, want the original arguments", stored)
	}
}

func TestBridge_Deny(t *testing.T) {
	b, perms, sessionID := setupBridge(t, time.Minute)

	go decideWhenPending(t, perms, sessionID, permission.DecisionDeny)

	resp := callApproval(t, b, ApprovalInput{ToolName: "Write"})
	if resp.Behavior != "deny" {
		t.Errorf("Behavior = %q, want deny", resp.Behavior)
	}
	if resp.Message != "User denied request" {
		t.Errorf("Message = %q, want %q", resp.Message, "User denied request")
	}
}

func TestBridge_DeadlineDenies(t *testing.T) {
	b, perms, sessionID := setupBridge(t, 80*time.Millisecond)

	resp := callApproval(t, b, ApprovalInput{ToolName: "Bash"})
	if resp.Behavior != "deny" {
		t.Errorf("Behavior = %q, want deny", resp.Behavior)
	}
	if resp.Message != "Permission request timed out" {
		t.Errorf("Message = %q, want the timeout text", resp.Message)
	}

	// The bridge gives up without rewriting the row; expiry is the
	// maintenance job's business
	pending, err := perms.List(&permission.ListFilter{SessionID: sessionID, Status: permission.StatusPending})
	if err != nil {
		t.Fatalf("Failed to list requests: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("Expected the row to stay pending, got %d pending", len(pending))
	}
}

func TestBridge_MissingToolName(t *testing.T) {
	b, perms, sessionID := setupBridge(t, time.Minute)

	resp := callApproval(t, b, ApprovalInput{})
	if resp.Behavior != "deny" {
		t.Errorf("Behavior = %q, want deny", resp.Behavior)
	}
	if resp.Message != "tool_name is required" {
		t.Errorf("Message = %q, want the validation text", resp.Message)
	}

	requests, err := perms.List(&permission.ListFilter{SessionID: sessionID})
	if err != nil {
		t.Fatalf("Failed to list requests: %v", err)
	}
	if len(requests) != 0 {
		t.Errorf("Invalid input should not create rows, got %d", len(requests))
	}
}

func TestBridge_ShutdownDenies(t *testing.T) {
	b, _, _ := setupBridge(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result, _, err := b.handleApproval(ctx, &mcp.CallToolRequest{}, ApprovalInput{ToolName: "Bash"})
	if err != nil {
		t.Fatalf("handleApproval() error = %v", err)
	}
	text := result.Content[0].(*mcp.TextContent)
	var resp decisionResponse
	if err := json.Unmarshal([]byte(text.Text), &resp); err != nil {
		t.Fatalf("Failed to decode decision: %v", err)
	}
	if resp.Behavior != "deny" {
		t.Errorf("Behavior = %q, want deny on shutdown", resp.Behavior)
	}
}

func TestBridge_ExpiredRowDenies(t *testing.T) {
	db := testutil.OpenTestDB(t)
	sess := testutil.NewTestSession(t, db)
	perms := permission.NewStore(db)
	b := New(Config{
		SessionID:    sess.ID,
		Permissions:  perms,
		PollInterval: 10 * time.Millisecond,
		Deadline:     time.Minute,
	})

	// Simulate the maintenance job expiring the row mid-wait
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			pending, err := perms.List(&permission.ListFilter{SessionID: sess.ID, Status: permission.StatusPending})
			if err == nil && len(pending) > 0 {
				_, _ = db.Exec("UPDATE permission_requests SET expires_at = ? WHERE id = ?",
					time.Now().UTC().Add(-time.Minute), pending[0].ID)
				_, _ = perms.ExpireOverdue()
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	resp := callApproval(t, b, ApprovalInput{ToolName: "Bash"})
	if resp.Behavior != "deny" {
		t.Errorf("Behavior = %q, want deny", resp.Behavior)
	}
	if resp.Message != "Permission request timed out" {
		t.Errorf("Message = %q, want the timeout text", resp.Message)
	}
}
