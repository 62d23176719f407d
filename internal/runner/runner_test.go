package runner

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/memva/memva/internal/claude"
	"github.com/memva/memva/internal/event"
	"github.com/memva/memva/internal/job"
	"github.com/memva/memva/internal/session"
	"github.com/memva/memva/internal/testutil"
)

type runnerHarness struct {
	db       *sql.DB
	sessions *session.Store
	events   *event.Log
	jobs     *job.Store
	runner   *Runner
}

func newHarness(t *testing.T, script string) *runnerHarness {
	t.Helper()

	db := testutil.OpenTestDB(t)
	h := &runnerHarness{
		db:       db,
		sessions: session.NewStore(db),
		events:   event.NewLog(db),
		jobs:     job.NewStore(db),
	}
	h.runner = New(Config{
		Sessions:     h.sessions,
		Events:       h.events,
		Jobs:         h.jobs,
		Driver:       claude.NewDriver(testutil.WriteFakeClaude(t, script)),
		PollInterval: 25 * time.Millisecond,
	})
	return h
}

func (h *runnerHarness) claimJob(t *testing.T, payload Payload) *job.Job {
	t.Helper()

	if _, err := h.jobs.Create(job.CreateInput{Type: job.TypeSessionRunner, Data: payload}); err != nil {
		t.Fatalf("Failed to enqueue run job: %v", err)
	}
	j, err := h.jobs.ClaimNextPending()
	if err != nil {
		t.Fatalf("Failed to claim run job: %v", err)
	}
	if j == nil {
		t.Fatal("Expected a claimable job")
	}
	return j
}

type handleOutcome struct {
	res interface{}
	err error
}

func startHandle(r *Runner, j *job.Job) <-chan handleOutcome {
	ch := make(chan handleOutcome, 1)
	go func() {
		res, err := r.Handle(context.Background(), j)
		ch <- handleOutcome{res: res, err: err}
	}()
	return ch
}

func awaitOutcome(t *testing.T, ch <-chan handleOutcome) handleOutcome {
	t.Helper()

	select {
	case out := <-ch:
		return out
	case <-time.After(30 * time.Second):
		t.Fatal("Run did not finish in time")
		return handleOutcome{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func eventCount(t *testing.T, h *runnerHarness, sessionID string) int {
	t.Helper()

	n, err := h.events.CountForSession(sessionID)
	if err != nil {
		t.Fatalf("Failed to count events: %v", err)
	}
	return n
}

func TestRunner_CompletedRun(t *testing.T) {
	script := strings.Join([]string{
		testutil.DrainStdin(),
		testutil.EmitSystemInit("sess-x1"),
		testutil.EmitAssistantText("sess-x1", "All done"),
		testutil.EmitResult("sess-x1", "All done", false),
	}, "\n")
	h := newHarness(t, script)
	sess := testutil.NewTestSession(t, h.db)
	j := h.claimJob(t, Payload{SessionID: sess.ID, Prompt: "run the tests"})

	res, err := h.runner.Handle(context.Background(), j)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	result, ok := res.(*Result)
	if !ok {
		t.Fatalf("Handle() returned %T, want *Result", res)
	}
	if !result.Success {
		t.Error("Expected a successful result")
	}
	if result.SessionID != sess.ID {
		t.Errorf("Result session = %q, want %q", result.SessionID, sess.ID)
	}
	if result.MessagesProcessed != 3 {
		t.Errorf("MessagesProcessed = %d, want 3", result.MessagesProcessed)
	}
	if result.Transition {
		t.Error("Plain run should not report a transition")
	}

	events, err := h.events.ListForSession(sess.ID)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("Expected 4 events (prompt + 3 streamed), got %d", len(events))
	}

	wantTypes := []event.Type{event.TypeUser, event.TypeSystem, event.TypeAssistant, event.TypeResult}
	for i, e := range events {
		if e.EventType != wantTypes[i] {
			t.Errorf("Event %d type = %q, want %q", i, e.EventType, wantTypes[i])
		}
	}
	if events[0].ParentUUID != "" {
		t.Errorf("Prompt event parent = %q, want root", events[0].ParentUUID)
	}
	for i := 1; i < len(events); i++ {
		if events[i].ParentUUID != events[i-1].UUID {
			t.Errorf("Event %d parent = %q, want %q", i, events[i].ParentUUID, events[i-1].UUID)
		}
	}
	if !events[0].Visible {
		t.Error("Prompt event should default to visible")
	}
	if events[0].CWD != sess.ProjectPath {
		t.Errorf("Prompt event cwd = %q, want %q", events[0].CWD, sess.ProjectPath)
	}

	var prompt struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(events[0].Data, &prompt); err != nil {
		t.Fatalf("Failed to decode prompt event payload: %v", err)
	}
	if prompt.Type != "user" || prompt.Message.Role != "user" || prompt.Message.Content != "run the tests" {
		t.Errorf("Unexpected prompt payload: %+v", prompt)
	}

	got, err := h.sessions.Get(sess.ID)
	if err != nil {
		t.Fatalf("Failed to reload session: %v", err)
	}
	if got.ResumeToken != "sess-x1" {
		t.Errorf("Resume token = %q, want %q", got.ResumeToken, "sess-x1")
	}
	if got.ClaudeStatus != session.ClaudeCompleted {
		t.Errorf("Claude status = %q, want %q", got.ClaudeStatus, session.ClaudeCompleted)
	}
}

func TestRunner_InvisiblePrompt(t *testing.T) {
	script := strings.Join([]string{
		testutil.DrainStdin(),
		testutil.EmitSystemInit("sess-x2"),
		testutil.EmitResult("sess-x2", "ok", false),
	}, "\n")
	h := newHarness(t, script)
	sess := testutil.NewTestSession(t, h.db)

	hidden := false
	j := h.claimJob(t, Payload{SessionID: sess.ID, Prompt: "Continue with your plan.", Visible: &hidden})
	if _, err := h.runner.Handle(context.Background(), j); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	events, err := h.events.ListForSession(sess.ID)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	if len(events) == 0 || events[0].EventType != event.TypeUser {
		t.Fatal("Expected the prompt event first")
	}
	if events[0].Visible {
		t.Error("Prompt event should honor visible=false")
	}
}

func TestRunner_ContextLimitFailure(t *testing.T) {
	script := strings.Join([]string{
		testutil.DrainStdin(),
		testutil.EmitSystemInit("sess-x3"),
		testutil.EmitResult("sess-x3", "Prompt is too long for the context window", true),
	}, "\n")
	h := newHarness(t, script)
	sess := testutil.NewTestSession(t, h.db)
	j := h.claimJob(t, Payload{SessionID: sess.ID, Prompt: "summarize everything"})

	_, err := h.runner.Handle(context.Background(), j)
	if err == nil {
		t.Fatal("Expected an error for a context-limit result")
	}
	if !strings.Contains(err.Error(), "too long") {
		t.Errorf("Error %q should carry the context-limit text", err.Error())
	}

	var runErr *claude.RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("Expected a RunError, got %T", err)
	}
	if runErr.Kind != claude.KindContextLimit {
		t.Errorf("Kind = %q, want %q", runErr.Kind, claude.KindContextLimit)
	}
	if runErr.Retryable() {
		t.Error("Context-limit failures must not retry")
	}

	got, err := h.sessions.Get(sess.ID)
	if err != nil {
		t.Fatalf("Failed to reload session: %v", err)
	}
	if got.ClaudeStatus != session.ClaudeError {
		t.Errorf("Claude status = %q, want %q", got.ClaudeStatus, session.ClaudeError)
	}
	if n := eventCount(t, h, sess.ID); n != 3 {
		t.Errorf("Expected 3 events (prompt + init + result), got %d", n)
	}
}

func TestRunner_PermissionModeTransition(t *testing.T) {
	script := strings.Join([]string{
		testutil.DrainStdin(),
		testutil.EmitSystemInit("sess-x4"),
		"sleep 1.2",
		testutil.EmitAssistantText("sess-x4", "Acknowledged, switching modes"),
		"sleep 10",
	}, "\n")
	h := newHarness(t, script)
	sess := testutil.NewTestSession(t, h.db)
	j := h.claimJob(t, Payload{SessionID: sess.ID, Prompt: "refactor the parser"})

	done := startHandle(h.runner, j)

	// Wait for the init frame to land, then flip the mode and cancel the
	// job before the assistant reply arrives
	waitFor(t, "init event", func() bool { return eventCount(t, h, sess.ID) >= 2 })
	newMode := session.Settings{PermissionMode: "acceptEdits"}
	if err := h.sessions.Update(sess.ID, &session.SessionUpdate{Settings: &newMode}); err != nil {
		t.Fatalf("Failed to update session settings: %v", err)
	}
	if err := h.jobs.Cancel(j.ID); err != nil {
		t.Fatalf("Failed to cancel job: %v", err)
	}

	out := awaitOutcome(t, done)
	if out.err != nil {
		t.Fatalf("Handle() error = %v", out.err)
	}
	result, ok := out.res.(*Result)
	if !ok {
		t.Fatalf("Handle() returned %T, want *Result", out.res)
	}
	if !result.Transition || !result.Success {
		t.Errorf("Expected a successful transition result, got %+v", result)
	}

	// The acknowledged reply must be stored before the run was cut over
	events, err := h.events.ListForSession(sess.ID)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events (prompt + init + assistant), got %d", len(events))
	}
	if events[2].EventType != event.TypeAssistant {
		t.Errorf("Last event type = %q, want assistant", events[2].EventType)
	}

	// The session never leaves processing across the hand-off
	got, err := h.sessions.Get(sess.ID)
	if err != nil {
		t.Fatalf("Failed to reload session: %v", err)
	}
	if got.ClaudeStatus != session.ClaudeProcessing {
		t.Errorf("Claude status = %q, want %q", got.ClaudeStatus, session.ClaudeProcessing)
	}

	next, err := h.jobs.GetActiveForSession(job.TypeSessionRunner, sess.ID)
	if err != nil {
		t.Fatalf("Failed to look up continuation: %v", err)
	}
	if next == nil {
		t.Fatal("Expected a pending continuation job")
	}
	if next.Priority != continuationPriority {
		t.Errorf("Continuation priority = %d, want %d", next.Priority, continuationPriority)
	}
	var cont Payload
	if err := json.Unmarshal(next.Data, &cont); err != nil {
		t.Fatalf("Failed to decode continuation payload: %v", err)
	}
	if !strings.Contains(cont.Prompt, "now operating in acceptEdits mode") {
		t.Errorf("Continuation prompt %q should announce the new mode", cont.Prompt)
	}
	if cont.Visible == nil || *cont.Visible {
		t.Error("Continuation prompt should be invisible")
	}

	// After the handler returns its result, completing the cancelled row
	// records the transition outcome
	if err := h.jobs.Complete(j.ID, result); err != nil {
		t.Fatalf("Failed to complete transitioned job: %v", err)
	}
	settled, err := h.jobs.Get(j.ID)
	if err != nil {
		t.Fatalf("Failed to reload job: %v", err)
	}
	if settled.Status != job.StatusCompleted {
		t.Errorf("Job status = %q, want %q", settled.Status, job.StatusCompleted)
	}
}

func TestRunner_ExitPlanContinuation(t *testing.T) {
	script := strings.Join([]string{
		testutil.DrainStdin(),
		testutil.EmitSystemInit("sess-x5"),
		testutil.EmitToolUse("sess-x5", "tu-plan", "exit_plan_mode"),
		testutil.EmitToolResult("sess-x5", "tu-plan", false),
		"sleep 10",
	}, "\n")
	h := newHarness(t, script)
	sess := testutil.NewTestSession(t, h.db)
	j := h.claimJob(t, Payload{SessionID: sess.ID, Prompt: "plan the migration"})

	start := time.Now()
	out := awaitOutcome(t, startHandle(h.runner, j))
	if out.err != nil {
		t.Fatalf("Handle() error = %v", out.err)
	}
	if elapsed := time.Since(start); elapsed > 8*time.Second {
		t.Errorf("Plan acceptance should abort promptly, took %v", elapsed)
	}

	result, ok := out.res.(*Result)
	if !ok {
		t.Fatalf("Handle() returned %T, want *Result", out.res)
	}
	if !result.Transition {
		t.Error("Expected a transition result")
	}

	next, err := h.jobs.GetActiveForSession(job.TypeSessionRunner, sess.ID)
	if err != nil {
		t.Fatalf("Failed to look up continuation: %v", err)
	}
	if next == nil {
		t.Fatal("Expected a pending continuation job")
	}
	var cont Payload
	if err := json.Unmarshal(next.Data, &cont); err != nil {
		t.Fatalf("Failed to decode continuation payload: %v", err)
	}
	if cont.Prompt != "Continue with your plan." {
		t.Errorf("Continuation prompt = %q, want %q", cont.Prompt, "Continue with your plan.")
	}
	if cont.SessionID != sess.ID {
		t.Errorf("Continuation session = %q, want %q", cont.SessionID, sess.ID)
	}

	got, err := h.sessions.Get(sess.ID)
	if err != nil {
		t.Fatalf("Failed to reload session: %v", err)
	}
	if got.ClaudeStatus != session.ClaudeProcessing {
		t.Errorf("Claude status = %q, want %q", got.ClaudeStatus, session.ClaudeProcessing)
	}
}

func TestRunner_UserCancel(t *testing.T) {
	script := strings.Join([]string{
		testutil.DrainStdin(),
		testutil.EmitSystemInit("sess-x6"),
		testutil.EmitAssistantText("sess-x6", "Working on it"),
		"sleep 10",
	}, "\n")
	h := newHarness(t, script)
	sess := testutil.NewTestSession(t, h.db)
	j := h.claimJob(t, Payload{SessionID: sess.ID, Prompt: "delete node_modules"})

	done := startHandle(h.runner, j)

	waitFor(t, "assistant event", func() bool { return eventCount(t, h, sess.ID) >= 3 })
	if err := h.jobs.Cancel(j.ID); err != nil {
		t.Fatalf("Failed to cancel job: %v", err)
	}

	out := awaitOutcome(t, done)
	if out.err == nil {
		t.Fatal("Expected an error from a cancelled run")
	}
	if out.err.Error() != "Job cancelled by user" {
		t.Errorf("Error = %q, want %q", out.err.Error(), "Job cancelled by user")
	}

	// No clean terminal event was stored, so the session lands in error
	got, err := h.sessions.Get(sess.ID)
	if err != nil {
		t.Fatalf("Failed to reload session: %v", err)
	}
	if got.ClaudeStatus != session.ClaudeError {
		t.Errorf("Claude status = %q, want %q", got.ClaudeStatus, session.ClaudeError)
	}

	// Failing the cancelled row records the message without reviving it
	if err := h.jobs.Fail(j.ID, out.err.Error(), false, 0); err != nil {
		t.Fatalf("Failed to record cancellation: %v", err)
	}
	settled, err := h.jobs.Get(j.ID)
	if err != nil {
		t.Fatalf("Failed to reload job: %v", err)
	}
	if settled.Status != job.StatusCancelled {
		t.Errorf("Job status = %q, want %q", settled.Status, job.StatusCancelled)
	}
	if settled.Error != "Job cancelled by user" {
		t.Errorf("Job error = %q, want %q", settled.Error, "Job cancelled by user")
	}
}

func TestRunner_CancelAfterCleanResultCompletes(t *testing.T) {
	script := strings.Join([]string{
		testutil.DrainStdin(),
		testutil.EmitSystemInit("sess-x7"),
		testutil.EmitAssistantText("sess-x7", "Done"),
		testutil.EmitResult("sess-x7", "Done", false),
		"sleep 10",
	}, "\n")
	h := newHarness(t, script)
	sess := testutil.NewTestSession(t, h.db)
	j := h.claimJob(t, Payload{SessionID: sess.ID, Prompt: "quick check"})

	done := startHandle(h.runner, j)

	waitFor(t, "result event", func() bool { return eventCount(t, h, sess.ID) >= 4 })
	if err := h.jobs.Cancel(j.ID); err != nil {
		t.Fatalf("Failed to cancel job: %v", err)
	}

	out := awaitOutcome(t, done)
	if out.err == nil || out.err.Error() != "Job cancelled by user" {
		t.Fatalf("Expected the cancellation error, got %v", out.err)
	}

	got, err := h.sessions.Get(sess.ID)
	if err != nil {
		t.Fatalf("Failed to reload session: %v", err)
	}
	if got.ClaudeStatus != session.ClaudeCompleted {
		t.Errorf("Claude status = %q, want %q after a clean result", got.ClaudeStatus, session.ClaudeCompleted)
	}
}

func TestRunner_ResumeFailureClearsToken(t *testing.T) {
	script := strings.Join([]string{
		testutil.DrainStdin(),
		`echo "No conversation found with session ID sess-dead" >&2`,
		"exit 1",
	}, "\n")
	h := newHarness(t, script)
	sess := testutil.NewTestSession(t, h.db, testutil.WithResumeToken("sess-dead"))
	j := h.claimJob(t, Payload{SessionID: sess.ID, Prompt: "continue where we left off"})

	_, err := h.runner.Handle(context.Background(), j)
	if err == nil {
		t.Fatal("Expected an error for a failed resume")
	}
	var runErr *claude.RunError
	if !errors.As(err, &runErr) || runErr.Kind != claude.KindResumeFailed {
		t.Fatalf("Expected a resume failure, got %v", err)
	}

	got, err := h.sessions.Get(sess.ID)
	if err != nil {
		t.Fatalf("Failed to reload session: %v", err)
	}
	if got.ResumeToken != "" {
		t.Errorf("Resume token = %q, want cleared", got.ResumeToken)
	}
	if got.ClaudeStatus != session.ClaudeError {
		t.Errorf("Claude status = %q, want %q", got.ClaudeStatus, session.ClaudeError)
	}
}

func TestRunner_MissingSession(t *testing.T) {
	h := newHarness(t, testutil.DrainStdin())
	j := h.claimJob(t, Payload{SessionID: "no-such-session", Prompt: "hello"})

	_, err := h.runner.Handle(context.Background(), j)
	if err == nil {
		t.Fatal("Expected an error for an unknown session")
	}
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("Error = %v, want ErrSessionNotFound", err)
	}
}

func TestRunner_RejectsEmptyPrompt(t *testing.T) {
	h := newHarness(t, testutil.DrainStdin())
	sess := testutil.NewTestSession(t, h.db)
	j := h.claimJob(t, Payload{SessionID: sess.ID, Prompt: "   "})

	_, err := h.runner.Handle(context.Background(), j)
	if err == nil {
		t.Fatal("Expected an error for a blank prompt")
	}
	if n := eventCount(t, h, sess.ID); n != 0 {
		t.Errorf("Expected no events for a rejected payload, got %d", n)
	}
}

func TestRunner_PromptEventCarriesPriorToken(t *testing.T) {
	script := strings.Join([]string{
		testutil.DrainStdin(),
		testutil.EmitSystemInit("sess-x8"),
		testutil.EmitResult("sess-x8", "ok", false),
	}, "\n")
	h := newHarness(t, script)
	sess := testutil.NewTestSession(t, h.db,
		testutil.WithResumeToken("sess-prev"),
		testutil.WithSessionSettings(session.Settings{MaxTurns: 7, PermissionMode: "plan"}),
	)
	j := h.claimJob(t, Payload{SessionID: sess.ID, Prompt: "keep going"})

	if _, err := h.runner.Handle(context.Background(), j); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	events, err := h.events.ListForSession(sess.ID)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("Expected events")
	}
	if events[0].ExternalSessionID != "sess-prev" {
		t.Errorf("Prompt event external session = %q, want the prior token", events[0].ExternalSessionID)
	}

	got, err := h.sessions.Get(sess.ID)
	if err != nil {
		t.Fatalf("Failed to reload session: %v", err)
	}
	if got.ResumeToken != "sess-x8" {
		t.Errorf("Resume token = %q, want the announced id", got.ResumeToken)
	}
}
