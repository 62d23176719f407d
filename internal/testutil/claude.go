package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// WriteFakeClaude writes an executable shell script standing in for the
// assistant CLI and returns its path. The script body decides what to emit
// on stdout/stderr and how to exit; tests compose bodies from the Emit*
// helpers below.
func WriteFakeClaude(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "claude")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("Failed to write fake claude script: %v", err)
	}
	return path
}

// EmitSystemInit returns a script line printing a system init frame that
// announces the conversation identifier.
func EmitSystemInit(sessionID string) string {
	return fmt.Sprintf(
		`echo '{"type":"system","subtype":"init","session_id":"%s"}'`, sessionID,
	)
}

// EmitAssistantText returns a script line printing an assistant message frame.
func EmitAssistantText(sessionID, text string) string {
	return fmt.Sprintf(
		`echo '{"type":"assistant","session_id":"%s","message":{"role":"assistant","content":[{"type":"text","text":"%s"}]}}'`,
		sessionID, text,
	)
}

// EmitToolUse returns a script line printing an assistant frame containing a
// tool_use block.
func EmitToolUse(sessionID, toolUseID, toolName string) string {
	return fmt.Sprintf(
		`echo '{"type":"assistant","session_id":"%s","message":{"role":"assistant","content":[{"type":"tool_use","id":"%s","name":"%s","input":{}}]}}'`,
		sessionID, toolUseID, toolName,
	)
}

// EmitToolResult returns a script line printing a user frame carrying the
// tool_result for an earlier tool_use.
func EmitToolResult(sessionID, toolUseID string, isError bool) string {
	return fmt.Sprintf(
		`echo '{"type":"user","session_id":"%s","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"%s","is_error":%t,"content":"ok"}]}}'`,
		sessionID, toolUseID, isError,
	)
}

// EmitResult returns a script line printing a final result frame.
func EmitResult(sessionID, resultText string, isError bool) string {
	return fmt.Sprintf(
		`echo '{"type":"result","subtype":"success","session_id":"%s","result":"%s","is_error":%t}'`,
		sessionID, resultText, isError,
	)
}

// DrainStdin returns a script line consuming the prompt so the script does
// not exit before the caller finishes writing.
func DrainStdin() string {
	return "cat > /dev/null"
}
