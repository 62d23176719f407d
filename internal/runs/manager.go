// Package runs is the orchestration layer callers talk to: enqueue a run,
// stop a run, decide a permission. It owns the cross-store sequences these
// operations need and keeps them safe against concurrent callers.
package runs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/memva/memva/internal/audit"
	"github.com/memva/memva/internal/event"
	"github.com/memva/memva/internal/job"
	"github.com/memva/memva/internal/logger"
	"github.com/memva/memva/internal/metrics"
	"github.com/memva/memva/internal/permission"
	"github.com/memva/memva/internal/runner"
	"github.com/memva/memva/internal/session"
)

var (
	ErrActiveJobExists = errors.New("session already has an active job")
	ErrEmptyPrompt     = errors.New("prompt must not be empty")
)

// denialResultText is the tool_result content synthesized when a human
// denies a request; the assistant reads it verbatim
const denialResultText = "User denied request"

const defaultDenyCancelDelay = time.Second

// Config wires a Manager to its stores
type Config struct {
	Sessions    *session.Store
	Events      *event.Log
	Jobs        *job.Store
	Permissions *permission.Store

	// DenyCancelDelay is how long a denial waits before cancelling the run
	// when the session still has other pending permissions
	DenyCancelDelay time.Duration
}

// Manager coordinates run lifecycle operations across the stores
type Manager struct {
	sessions    *session.Store
	events      *event.Log
	jobs        *job.Store
	permissions *permission.Store

	denyCancelDelay time.Duration
	locks           sessionLockMap

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

func NewManager(cfg Config) *Manager {
	if cfg.DenyCancelDelay <= 0 {
		cfg.DenyCancelDelay = defaultDenyCancelDelay
	}
	return &Manager{
		sessions:        cfg.Sessions,
		events:          cfg.Events,
		jobs:            cfg.Jobs,
		permissions:     cfg.Permissions,
		denyCancelDelay: cfg.DenyCancelDelay,
		done:            make(chan struct{}),
	}
}

// Close flushes scheduled cancellations. Pending delays fire immediately.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

// EnqueueRun creates a session-runner job for a prompt and returns its id.
// A session can only carry one active run at a time.
func (m *Manager) EnqueueRun(sessionID, prompt, userID string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}
	sess, err := m.sessions.Get(sessionID)
	if err != nil {
		return "", err
	}

	m.locks.Lock(sess.ID)
	defer m.locks.Unlock(sess.ID)

	active, err := m.jobs.GetActiveForSession(job.TypeSessionRunner, sess.ID)
	if err != nil {
		return "", err
	}
	if active != nil {
		return "", fmt.Errorf("%w: job %s is %s", ErrActiveJobExists, active.ID, active.Status)
	}

	created, err := m.jobs.Create(job.CreateInput{
		Type: job.TypeSessionRunner,
		Data: runner.Payload{SessionID: sess.ID, Prompt: prompt, UserID: userID},
	})
	if err != nil {
		audit.LogFailure(audit.OpRunEnqueue, sess.ID, err)
		return "", err
	}

	audit.Log(&audit.Event{Operation: audit.OpRunEnqueue, SessionID: sess.ID, JobID: created.ID, Success: true})
	logger.Printf("📨 Enqueued run %s for session %s", created.ID, sess.ID)
	return created.ID, nil
}

// ActiveJob returns the session's pending or running run job, if any
func (m *Manager) ActiveJob(sessionID string) (*job.Job, error) {
	m.locks.RLock(sessionID)
	defer m.locks.RUnlock(sessionID)
	return m.jobs.GetActiveForSession(job.TypeSessionRunner, sessionID)
}

// StopRun halts a session's active run: it appends a user_cancelled marker
// under the thread head, settles the session as completed, and cancels the
// active job. Calling it with nothing running is a no-op.
func (m *Manager) StopRun(sessionID string) error {
	sess, err := m.sessions.Get(sessionID)
	if err != nil {
		return err
	}

	m.locks.Lock(sess.ID)
	defer m.locks.Unlock(sess.ID)

	active, err := m.jobs.GetActiveForSession(job.TypeSessionRunner, sess.ID)
	if err != nil {
		return err
	}
	if active == nil && sess.ClaudeStatus != session.ClaudeProcessing {
		return nil
	}

	if err := m.appendCancelledEvent(sess); err != nil {
		return err
	}

	// Settle the session before the job is cancelled so the run handler's
	// own terminal write loses the race and the stop verdict stands
	if err := m.sessions.UpdateClaudeStatus(sess.ID, session.ClaudeCompleted); err != nil && !errors.Is(err, session.ErrInvalidTransition) {
		return err
	}

	if active != nil {
		m.cancelJobNow(sess.ID, active.ID)
	}

	audit.Log(&audit.Event{Operation: audit.OpRunStop, SessionID: sess.ID, Success: true})
	logger.Printf("🛑 Stopped run for session %s", sess.ID)
	return nil
}

// DecidePermission resolves a pending approval request. Denials additionally
// synthesize the tool_result the assistant is waiting on and wind the run
// down once nothing else is pending.
func (m *Manager) DecidePermission(id, decision string) (*permission.Request, error) {
	req, err := m.permissions.Get(id)
	if err != nil {
		return nil, err
	}
	if req.Status != permission.StatusPending {
		return nil, permission.ErrAlreadyDecided
	}

	answerable, err := m.permissions.CanAnswer(id)
	if err != nil {
		return nil, err
	}
	if !answerable {
		return nil, permission.ErrNoLongerAnswerable
	}

	decided, err := m.permissions.Decide(id, decision)
	if err != nil {
		audit.LogFailure(audit.OpPermissionDecide, req.SessionID, err)
		return nil, err
	}

	metrics.RecordPermissionDecision(decision)
	audit.Log(&audit.Event{
		Operation:    audit.OpPermissionDecide,
		SessionID:    decided.SessionID,
		PermissionID: decided.ID,
		Success:      true,
		Details:      map[string]interface{}{"decision": decision, "tool": decided.ToolName},
	})
	logger.Printf("🔐 Permission %s for session %s: %s", decided.ID, decided.SessionID, decision)

	if decision == permission.DecisionDeny {
		m.handleDenial(decided)
	}
	return decided, nil
}

// handleDenial performs the post-denial work. Failures here are logged, not
// returned; the decision itself already succeeded.
func (m *Manager) handleDenial(req *permission.Request) {
	if req.ToolUseID != "" {
		if err := m.appendDenialResult(req); err != nil {
			logger.Error("Failed to synthesize denial result for request %s: %v", req.ID, err)
		}
	}

	pending, err := m.permissions.CountPendingForSession(req.SessionID)
	if err != nil {
		logger.Error("Failed to count pending permissions for session %s: %v", req.SessionID, err)
		pending = 1
	}

	active, err := m.jobs.GetActiveForSession(job.TypeSessionRunner, req.SessionID)
	if err != nil {
		logger.Error("Failed to look up active job for session %s: %v", req.SessionID, err)
		return
	}
	if active == nil {
		return
	}

	if pending == 0 {
		logger.Printf("🚫 Denial settled session %s, stopping run %s", req.SessionID, active.ID)
		if err := m.sessions.UpdateClaudeStatus(req.SessionID, session.ClaudeCompleted); err != nil && !errors.Is(err, session.ErrInvalidTransition) {
			logger.Error("Failed to settle session %s after denial: %v", req.SessionID, err)
		}
		m.cancelJobNow(req.SessionID, active.ID)
		return
	}

	// Other prompts are still open; give the assistant a moment to observe
	// the denial before the run is cut
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-time.After(m.denyCancelDelay):
		case <-m.done:
		}
		m.cancelJobNow(req.SessionID, active.ID)
	}()
}

// appendDenialResult writes the synthetic tool_result for a denied tool use,
// threaded under the assistant event that asked for it
func (m *Manager) appendDenialResult(req *permission.Request) error {
	assistant, err := m.events.FindAssistantEventWithToolUseID(req.SessionID, req.ToolUseID)
	if err != nil {
		return err
	}
	if assistant == nil {
		return nil
	}

	data, err := json.Marshal(map[string]interface{}{
		"type": "user",
		"message": map[string]interface{}{
			"role": "user",
			"content": []map[string]interface{}{
				{
					"type":        "tool_result",
					"tool_use_id": req.ToolUseID,
					"content":     denialResultText,
					"is_error":    true,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to encode denial result: %w", err)
	}

	e := event.New(req.SessionID, event.TypeUser, data)
	e.ParentUUID = assistant.UUID
	e.ExternalSessionID = assistant.ExternalSessionID
	e.CWD = assistant.CWD
	e.ProjectName = assistant.ProjectName
	if err := m.events.Append(e); err != nil {
		return fmt.Errorf("failed to append denial result: %w", err)
	}
	metrics.RecordEventAppended(string(event.TypeUser))
	return nil
}

// appendCancelledEvent writes the user_cancelled marker under the current
// thread head
func (m *Manager) appendCancelledEvent(sess *session.Session) error {
	head, err := m.events.LatestUUID(sess.ID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(map[string]interface{}{
		"type":    "user_cancelled",
		"content": "Session stopped by user",
	})
	if err != nil {
		return fmt.Errorf("failed to encode cancellation event: %w", err)
	}

	e := event.New(sess.ID, event.TypeUserCancelled, data)
	e.ParentUUID = head
	e.CWD = sess.ProjectPath
	e.ProjectName = sess.ProjectName()
	e.ExternalSessionID = sess.ResumeToken
	if err := m.events.Append(e); err != nil {
		return fmt.Errorf("failed to append cancellation event: %w", err)
	}
	metrics.RecordEventAppended(string(event.TypeUserCancelled))
	return nil
}

// cancelJobNow cancels a job, tolerating rows another actor already settled
func (m *Manager) cancelJobNow(sessionID, jobID string) {
	err := m.jobs.Cancel(jobID)
	switch {
	case err == nil:
		audit.Log(&audit.Event{Operation: audit.OpJobCancel, SessionID: sessionID, JobID: jobID, Success: true})
	case errors.Is(err, job.ErrJobNotCancellable) || errors.Is(err, job.ErrJobNotFound):
		// Already terminal; nothing left to stop
	default:
		logger.Error("Failed to cancel job %s: %v", jobID, err)
		audit.Log(&audit.Event{Operation: audit.OpJobCancel, SessionID: sessionID, JobID: jobID, Success: false, Error: err.Error()})
	}
}
