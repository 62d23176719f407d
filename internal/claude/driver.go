package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/memva/memva/internal/logger"
)

const (
	// DefaultTimeout bounds a single run end to end
	DefaultTimeout = 24 * time.Hour

	// terminateGrace is how long a child gets between SIGINT and SIGKILL
	terminateGrace = 5 * time.Second

	// maxLineSize caps one stdout line; assistant messages with large tool
	// results can run well past the bufio default
	maxLineSize = 1024 * 1024

	maxStderrCapture = 64 * 1024
)

// Names the CLI uses to reach the permission bridge
const (
	BridgeServerName = "memva-bridge"
	ApprovalToolName = "mcp__memva-bridge__approval_prompt"
)

var errRunTimeout = errors.New("run timed out")

// RunInput describes one CLI invocation
type RunInput struct {
	// SessionID is handed to the permission bridge; with BridgePath it
	// enables interactive permission prompts
	SessionID string
	// Prompt is written to the child's stdin
	Prompt string
	// ProjectPath is the child's working directory
	ProjectPath string
	// ResumeToken continues a previous CLI conversation when set
	ResumeToken string

	MaxTurns       int
	PermissionMode string
	AllowedTools   []string

	// BridgePath is the permission bridge executable; empty disables the
	// approval tool wiring
	BridgePath string

	// Timeout overrides DefaultTimeout when positive
	Timeout time.Duration

	// OnMessage is called for every parsed stdout message, in order. The
	// driver does not proceed to the next line until it returns, so callers
	// can persist each message before more arrive.
	OnMessage func(m *StreamMessage)
}

// RunResult summarizes a finished run
type RunResult struct {
	// MessageCount is the number of parsed stdout messages
	MessageCount int
	// ResumeToken is the last session_id observed on the stream
	ResumeToken string
	ExitCode    int
}

// Driver launches the claude CLI and streams its output
type Driver struct {
	// executable overrides resolution when set
	executable string
}

func NewDriver(executable string) *Driver {
	return &Driver{executable: executable}
}

// Run launches the CLI for one prompt and blocks until it exits. Messages
// are delivered through input.OnMessage as they arrive. Cancelling ctx
// terminates the child, with one exception: before the first assistant
// message the abort is queued so a reply in flight is either stored whole or
// not at all. The child never outlives Run.
func (d *Driver) Run(ctx context.Context, input RunInput) (*RunResult, error) {
	executable := d.executable
	if executable == "" {
		resolved, err := Locate(input.ProjectPath)
		if err != nil {
			return nil, &RunError{Kind: KindStartFailed, Err: err}
		}
		executable = resolved
	}

	timeout := input.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancelRun := context.WithTimeoutCause(ctx, timeout, errRunTimeout)
	defer cancelRun()

	args, err := buildArgs(input)
	if err != nil {
		return nil, &RunError{Kind: KindStartFailed, Err: err}
	}

	cmd := exec.Command(executable, args...)
	cmd.Dir = input.ProjectPath
	// Own process group so termination reaches any children the CLI spawns;
	// an orphaned grandchild would otherwise hold the stdout pipe open
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &RunError{Kind: KindStartFailed, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &RunError{Kind: KindStartFailed, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &RunError{Kind: KindStartFailed, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &RunError{Kind: KindStartFailed, Err: err}
	}
	logger.Printf("🤖 Launched claude pid=%d session=%s resume=%t", cmd.Process.Pid, input.SessionID, input.ResumeToken != "")

	terminate := sync.OnceFunc(func() {
		go terminateProcess(cmd)
	})
	finished := make(chan struct{})
	defer func() {
		// Covers panics in OnMessage and every early return below
		terminate()
		close(finished)
	}()

	go func() {
		if _, err := io.WriteString(stdin, input.Prompt); err != nil {
			logger.Error("Failed to write prompt to claude stdin: %v", err)
		}
		stdin.Close()
	}()

	stderrDone := make(chan string, 1)
	go func() {
		stderrDone <- captureStderr(stderr)
	}()

	var assistantSeen, abortQueued atomic.Bool
	go func() {
		select {
		case <-runCtx.Done():
			if assistantSeen.Load() {
				terminate()
				return
			}
			abortQueued.Store(true)
			// Re-check: the reader may have stored the first assistant
			// message between our load and the queue flag landing
			if assistantSeen.Load() {
				terminate()
			}
		case <-finished:
		}
	}()

	result := &RunResult{}
	var resultText string
	var resultIsError, sawResult bool

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var m StreamMessage
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			logger.Printf("⚠️ Skipping unparseable claude output line: %v", err)
			continue
		}
		m.Raw = json.RawMessage(line)

		result.MessageCount++
		if m.SessionID != "" && m.SessionID != result.ResumeToken {
			result.ResumeToken = m.SessionID
		}
		if m.IsResult() {
			sawResult = true
			resultText = m.Result
			resultIsError = m.IsError
		}

		if input.OnMessage != nil {
			input.OnMessage(&m)
		}

		if m.IsAssistant() {
			assistantSeen.Store(true)
			// The message is stored once OnMessage returns, so a queued
			// abort can now take effect without losing the reply
			if abortQueued.Load() {
				terminate()
			}
		}
	}
	if scanErr := scanner.Err(); scanErr != nil {
		logger.Error("Claude stdout read failed: %v", scanErr)
		// The child dies within the kill grace, so this drain is bounded
		terminate()
		io.Copy(io.Discard, stdout)
	}

	stderrText := <-stderrDone
	waitErr := cmd.Wait()
	result.ExitCode = exitCodeOf(cmd, waitErr)
	logger.Printf("🤖 Claude exited code=%d messages=%d session=%s", result.ExitCode, result.MessageCount, input.SessionID)

	return result, classify(runCtx, input, result, sawResult, resultIsError, resultText, stderrText)
}

// classify turns the raw outcome of a finished child into a RunError, or nil
// for a clean run. Cancellation and timeout outrank everything because the
// child's own exit noise after a signal is not a real failure.
func classify(runCtx context.Context, input RunInput, result *RunResult, sawResult, resultIsError bool, resultText, stderrText string) error {
	if runCtx.Err() != nil {
		if errors.Is(context.Cause(runCtx), errRunTimeout) {
			return &RunError{Kind: KindTimeout, Detail: "run exceeded its time limit"}
		}
		return &RunError{Kind: KindCancelled}
	}

	if sawResult && resultIsError && contextLimitText(resultText) {
		return &RunError{Kind: KindContextLimit, Detail: resultText}
	}

	if result.ExitCode != 0 && result.MessageCount == 0 && input.ResumeToken != "" {
		return &RunError{Kind: KindResumeFailed, Detail: resumeFailureDetail(stderrText), ExitCode: result.ExitCode}
	}

	if kind := classifyStderr(stderrText); kind != "" && (result.ExitCode != 0 || (sawResult && resultIsError)) {
		return &RunError{Kind: kind, Detail: firstLine(stderrText), ExitCode: result.ExitCode}
	}

	if sawResult && resultIsError {
		return &RunError{Kind: KindResultError, Detail: resultText, ExitCode: result.ExitCode}
	}

	if result.ExitCode != 0 {
		return &RunError{
			Kind:     KindExitError,
			Detail:   fmt.Sprintf("exit code %d: %s", result.ExitCode, firstLine(stderrText)),
			ExitCode: result.ExitCode,
		}
	}
	return nil
}

func buildArgs(input RunInput) ([]string, error) {
	maxTurns := input.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 1
	}
	mode := input.PermissionMode
	if mode == "" {
		mode = "default"
	}

	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--max-turns", strconv.Itoa(maxTurns),
		"--permission-mode", mode,
	}
	if input.ResumeToken != "" {
		args = append(args, "--resume", input.ResumeToken)
	}
	if len(input.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(input.AllowedTools, ","))
	}
	if input.BridgePath != "" && input.SessionID != "" {
		config, err := bridgeConfig(input.BridgePath, input.SessionID)
		if err != nil {
			return nil, err
		}
		args = append(args,
			"--mcp-config", config,
			"--permission-prompt-tool", ApprovalToolName,
		)
	}
	return args, nil
}

// bridgeConfig renders the inline MCP server declaration that points the CLI
// at the permission bridge for this session
func bridgeConfig(bridgePath, sessionID string) (string, error) {
	config := map[string]interface{}{
		"mcpServers": map[string]interface{}{
			BridgeServerName: map[string]interface{}{
				"type":    "stdio",
				"command": bridgePath,
				"args":    []string{"--session-id", sessionID},
			},
		},
	}
	data, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("failed to encode bridge config: %w", err)
	}
	return string(data), nil
}

// terminateProcess asks the child's process group to stop and escalates to
// SIGKILL if it has not exited within the grace period
func terminateProcess(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGINT); err != nil {
		// Already gone
		return
	}
	deadline := time.After(terminateGrace)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			syscall.Kill(-pgid, syscall.SIGKILL)
			return
		case <-tick.C:
			// Signal 0 probes liveness without delivering anything
			if err := syscall.Kill(-pgid, syscall.Signal(0)); err != nil {
				return
			}
		}
	}
}

func captureStderr(r io.Reader) string {
	var b strings.Builder
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 16*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		logger.Debug("claude stderr: %s", line)
		if b.Len() < maxStderrCapture {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
