package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/memva/memva/internal/claude"
	"github.com/memva/memva/internal/event"
	"github.com/memva/memva/internal/job"
	"github.com/memva/memva/internal/logger"
	"github.com/memva/memva/internal/metrics"
	"github.com/memva/memva/internal/session"
)

// Continuation prompts are part of the observable contract; collaborators
// match on them
const (
	permissionModePrompt   = "The user has changed your permissions mode to: %s. Please acknowledge this change and let the user know you're now operating in %s mode."
	planContinuationPrompt = "Continue with your plan."
)

const (
	defaultJobPoll = 100 * time.Millisecond

	// continuationPriority puts transition follow-ups ahead of fresh runs
	continuationPriority = 10

	exitPlanToolName = "exit_plan_mode"
)

const (
	transitionNone       = ""
	transitionPermission = "permission"
	transitionPlan       = "plan"
)

// The exact text recorded on the job row when a user aborts a run
var errUserCancelled = errors.New("Job cancelled by user")

// Payload is the session-runner job payload
type Payload struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
	UserID    string `json:"userId,omitempty"`
	// Visible controls whether the prompt event shows in the transcript;
	// nil means visible. Continuation prompts are enqueued invisible.
	Visible *bool `json:"visible,omitempty"`
}

func (p *Payload) visibleOrDefault() bool {
	return p.Visible == nil || *p.Visible
}

// Result is stored on the job row when a run finishes
type Result struct {
	Success           bool   `json:"success"`
	SessionID         string `json:"sessionId"`
	MessagesProcessed int    `json:"messagesProcessed"`
	UserID            string `json:"userId,omitempty"`
	Transition        bool   `json:"transition,omitempty"`
}

// Config wires the runner's collaborators
type Config struct {
	Sessions *session.Store
	Events   *event.Log
	Jobs     *job.Store
	Driver   *claude.Driver

	// BridgePath is the permission bridge executable handed to the driver
	BridgePath string

	// AllowedTools are auto-approved without a permission prompt
	AllowedTools []string

	// RunTimeout bounds one run; zero uses the driver default
	RunTimeout time.Duration

	// PollInterval is the cadence of the cancellation poller
	PollInterval time.Duration
}

// Runner executes session-runner jobs: it appends the prompt event, drives
// the claude subprocess, persists every streamed message into the event
// chain, and orchestrates permission-mode and exit-plan transitions.
type Runner struct {
	sessions     *session.Store
	events       *event.Log
	jobs         *job.Store
	driver       *claude.Driver
	bridgePath   string
	allowedTools []string
	runTimeout   time.Duration
	pollInterval time.Duration
}

func New(cfg Config) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultJobPoll
	}
	return &Runner{
		sessions:     cfg.Sessions,
		events:       cfg.Events,
		jobs:         cfg.Jobs,
		driver:       cfg.Driver,
		bridgePath:   cfg.BridgePath,
		allowedTools: cfg.AllowedTools,
		runTimeout:   cfg.RunTimeout,
		pollInterval: cfg.PollInterval,
	}
}

// Register binds the handler to its job type on the worker
func (r *Runner) Register(w *job.Worker) error {
	return w.Register(job.TypeSessionRunner, r.Handle)
}

// runState is the mutable state shared between the message callback, the
// cancellation poller and the completion path
type runState struct {
	mu               sync.Mutex
	head             string
	resumeToken      string
	launchMode       string
	transitionKind   string
	transitionPrompt string
	sawCleanTerminal bool
	userCancelled    bool

	abort context.CancelFunc
}

// Handle runs one session-runner job end to end
func (r *Runner) Handle(ctx context.Context, j *job.Job) (interface{}, error) {
	var payload Payload
	if err := json.Unmarshal(j.Data, &payload); err != nil {
		return nil, job.Permanent(fmt.Errorf("failed to decode run payload: %w", err))
	}
	prompt := strings.TrimSpace(payload.Prompt)
	if payload.SessionID == "" || prompt == "" {
		return nil, job.Permanent(errors.New("run payload requires a session id and a non-empty prompt"))
	}

	sess, err := r.sessions.Get(payload.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, job.Permanent(err)
		}
		return nil, err
	}
	global, err := r.sessions.GetGlobalSettings()
	if err != nil {
		return nil, err
	}
	settings := sess.EffectiveSettings(global)

	if err := r.sessions.UpdateClaudeStatus(sess.ID, session.ClaudeProcessing); err != nil {
		return nil, err
	}

	head, err := r.events.LatestUUID(sess.ID)
	if err != nil {
		return nil, err
	}
	promptEvent, err := r.appendPromptEvent(sess, prompt, head, payload.visibleOrDefault())
	if err != nil {
		return nil, err
	}

	state := &runState{
		head:        promptEvent.UUID,
		resumeToken: sess.ResumeToken,
		launchMode:  settings.PermissionMode,
	}

	runCtx, abort := context.WithCancel(ctx)
	defer abort()
	state.abort = abort

	pollerCtx, stopPoller := context.WithCancel(context.Background())
	var pollerWG sync.WaitGroup
	pollerWG.Add(1)
	go func() {
		defer pollerWG.Done()
		r.watchJob(pollerCtx, j.ID, sess.ID, state)
	}()

	metrics.RecordRunStart()
	start := time.Now()
	logger.Printf("🏃 Run starting for session %s (mode=%s resume=%t)", sess.ID, settings.PermissionMode, sess.ResumeToken != "")

	driverResult, runErr := r.driver.Run(runCtx, claude.RunInput{
		SessionID:      sess.ID,
		Prompt:         prompt,
		ProjectPath:    sess.ProjectPath,
		ResumeToken:    sess.ResumeToken,
		MaxTurns:       settings.MaxTurns,
		PermissionMode: settings.PermissionMode,
		AllowedTools:   r.allowedTools,
		BridgePath:     r.bridgePath,
		Timeout:        r.runTimeout,
		OnMessage: func(m *claude.StreamMessage) {
			r.handleMessage(sess, state, m)
		},
	})

	stopPoller()
	pollerWG.Wait()

	return r.finish(sess, payload, state, driverResult, runErr, time.Since(start))
}

// appendPromptEvent writes the user prompt into the event chain before the
// subprocess launches, so the transcript shows the question even when the
// run dies early
func (r *Runner) appendPromptEvent(sess *session.Session, prompt, head string, visible bool) (*event.Event, error) {
	data, err := json.Marshal(map[string]interface{}{
		"type": "user",
		"message": map[string]interface{}{
			"role":    "user",
			"content": prompt,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode prompt event: %w", err)
	}

	e := event.New(sess.ID, event.TypeUser, data)
	e.ParentUUID = head
	e.CWD = sess.ProjectPath
	e.ProjectName = sess.ProjectName()
	e.ExternalSessionID = sess.ResumeToken
	e.Visible = visible
	if err := r.events.Append(e); err != nil {
		return nil, fmt.Errorf("failed to append prompt event: %w", err)
	}
	metrics.RecordEventAppended(string(event.TypeUser))
	return e, nil
}

// handleMessage persists one streamed message under the thread head and
// reacts to resume-token changes and in-flight transitions. The driver calls
// it serially, one message at a time.
func (r *Runner) handleMessage(sess *session.Session, state *runState, m *claude.StreamMessage) {
	e := event.New(sess.ID, event.Type(m.Type), m.Raw)
	e.ExternalSessionID = m.SessionID
	e.CWD = sess.ProjectPath
	e.ProjectName = sess.ProjectName()

	state.mu.Lock()
	e.ParentUUID = state.head
	state.mu.Unlock()

	if err := r.events.Append(e); err != nil {
		logger.Error("Failed to append %s event for session %s: %v", m.Type, sess.ID, err)
		return
	}
	metrics.RecordEventAppended(m.Type)

	state.mu.Lock()
	state.head = e.UUID
	tokenChanged := m.SessionID != "" && m.SessionID != state.resumeToken
	if tokenChanged {
		state.resumeToken = m.SessionID
	}
	if m.IsResult() && !m.IsError {
		state.sawCleanTerminal = true
	}
	state.mu.Unlock()

	if tokenChanged {
		// Stored as soon as it is seen so even a crash mid-run leaves the
		// session resumable
		if err := r.sessions.UpdateResumeToken(sess.ID, m.SessionID); err != nil {
			logger.Error("Failed to update resume token for session %s: %v", sess.ID, err)
		}
	}

	switch {
	case m.IsAssistant():
		state.mu.Lock()
		pending := state.transitionKind == transitionPermission
		state.mu.Unlock()
		if pending {
			// The reply is stored; now the continuation can take over
			state.abort()
		}
	case m.Type == string(event.TypeUser):
		r.inspectToolResults(sess, state, e)
	}
}

// inspectToolResults reads tool_result blocks on a stored user event. A
// clean result counts as terminal progress for cancellation accounting, and
// one answering an exit_plan_mode tool_use triggers the plan transition.
func (r *Runner) inspectToolResults(sess *session.Session, state *runState, e *event.Event) {
	for _, tr := range e.ToolResults() {
		if tr.IsError {
			continue
		}
		state.mu.Lock()
		state.sawCleanTerminal = true
		state.mu.Unlock()

		assistant, err := r.events.FindAssistantEventWithToolUseID(sess.ID, tr.ToolUseID)
		if err != nil {
			logger.Error("Failed to look up tool_use %s for session %s: %v", tr.ToolUseID, sess.ID, err)
			continue
		}
		if assistant == nil {
			continue
		}
		for _, tu := range assistant.ToolUses() {
			if tu.ID != tr.ToolUseID || tu.Name != exitPlanToolName {
				continue
			}
			logger.Printf("📋 Session %s accepted the plan, cutting over to a continuation", sess.ID)
			state.mu.Lock()
			if state.transitionKind == transitionNone {
				state.transitionKind = transitionPlan
				state.transitionPrompt = planContinuationPrompt
			}
			state.mu.Unlock()
			state.abort()
			return
		}
	}
}

// watchJob polls the job row for cancellation. A cancel paired with a
// permission-mode change becomes a deferred transition; a plain cancel
// aborts the run as a user stop.
func (r *Runner) watchJob(ctx context.Context, jobID, sessionID string, state *runState) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current, err := r.jobs.Get(jobID)
		if err != nil {
			logger.Error("Run poller failed to read job %s: %v", jobID, err)
			continue
		}
		if current.Status != job.StatusCancelled {
			continue
		}

		state.mu.Lock()
		launchMode := state.launchMode
		already := state.transitionKind != transitionNone
		state.mu.Unlock()
		if already {
			return
		}

		sess, err := r.sessions.Get(sessionID)
		if err != nil {
			logger.Error("Run poller failed to read session %s: %v", sessionID, err)
			state.mu.Lock()
			state.userCancelled = true
			state.mu.Unlock()
			state.abort()
			return
		}

		// A failed singleton read resolves against built-in defaults
		global, _ := r.sessions.GetGlobalSettings()
		if mode := sess.EffectiveSettings(global).PermissionMode; mode != launchMode {
			logger.Printf("🔄 Session %s changed permission mode %s -> %s, finishing the reply in flight", sessionID, launchMode, mode)
			state.mu.Lock()
			state.transitionKind = transitionPermission
			state.transitionPrompt = fmt.Sprintf(permissionModePrompt, mode, mode)
			state.mu.Unlock()
			// The abort fires after the next assistant event is stored
			return
		}

		state.mu.Lock()
		state.userCancelled = true
		state.mu.Unlock()
		state.abort()
		return
	}
}

// finish translates the driver outcome into session status, job result and
// continuation scheduling, exactly once per run
func (r *Runner) finish(sess *session.Session, payload Payload, state *runState, driverResult *claude.RunResult, runErr error, elapsed time.Duration) (interface{}, error) {
	state.mu.Lock()
	kind := state.transitionKind
	transitionPrompt := state.transitionPrompt
	clean := state.sawCleanTerminal
	state.mu.Unlock()

	messages := 0
	if driverResult != nil {
		messages = driverResult.MessageCount
	}

	outcome := "error"
	defer func() {
		metrics.RecordRunEnd(outcome, elapsed.Seconds())
	}()

	if kind != transitionNone && (runErr == nil || claude.IsCancelled(runErr)) {
		if err := r.scheduleContinuation(sess.ID, transitionPrompt, payload.UserID); err != nil {
			return nil, err
		}
		outcome = "transition"
		logger.Printf("🔄 Session %s %s transition complete, continuation enqueued", sess.ID, kind)
		return &Result{
			Success:           true,
			SessionID:         sess.ID,
			MessagesProcessed: messages,
			UserID:            payload.UserID,
			Transition:        true,
		}, nil
	}

	switch {
	case runErr == nil:
		outcome = "completed"
		if err := r.sessions.UpdateClaudeStatus(sess.ID, session.ClaudeCompleted); err != nil {
			logger.Error("Failed to mark session %s completed: %v", sess.ID, err)
		}
		logger.Printf("✅ Run for session %s completed with %d messages", sess.ID, messages)
		return &Result{
			Success:           true,
			SessionID:         sess.ID,
			MessagesProcessed: messages,
			UserID:            payload.UserID,
		}, nil

	case claude.IsCancelled(runErr):
		outcome = "cancelled"
		target := session.ClaudeError
		if clean {
			target = session.ClaudeCompleted
		}
		if err := r.sessions.UpdateClaudeStatus(sess.ID, target); err != nil && !errors.Is(err, session.ErrInvalidTransition) {
			logger.Error("Failed to mark session %s after cancel: %v", sess.ID, err)
		}
		// An invalid transition here means a stop already settled the
		// session; its verdict stands
		logger.Printf("🛑 Run for session %s cancelled by user", sess.ID)
		return nil, job.Permanent(errUserCancelled)

	default:
		var re *claude.RunError
		if errors.As(runErr, &re) && re.Kind == claude.KindResumeFailed {
			// The stored token points at a dead conversation; clear it so
			// the next run starts fresh
			if err := r.sessions.UpdateResumeToken(sess.ID, ""); err != nil {
				logger.Error("Failed to clear resume token for session %s: %v", sess.ID, err)
			}
		}
		if err := r.sessions.UpdateClaudeStatus(sess.ID, session.ClaudeError); err != nil && !errors.Is(err, session.ErrInvalidTransition) {
			logger.Error("Failed to mark session %s errored: %v", sess.ID, err)
		}
		logger.Error("Run for session %s failed: %v", sess.ID, runErr)
		return nil, runErr
	}
}

func (r *Runner) scheduleContinuation(sessionID, prompt, userID string) error {
	visible := false
	_, err := r.jobs.Create(job.CreateInput{
		Type: job.TypeSessionRunner,
		Data: Payload{
			SessionID: sessionID,
			Prompt:    prompt,
			UserID:    userID,
			Visible:   &visible,
		},
		Priority: continuationPriority,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue continuation for session %s: %w", sessionID, err)
	}
	return nil
}
