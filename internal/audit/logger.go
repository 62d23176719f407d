// Package audit writes a structured trail of the security-relevant
// operations: who asked for a run, who decided a permission, what the
// sweeps deleted. Records are slog JSON lines on stdout, greppable by the
// audit=true marker.
package audit

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Operation names an auditable action
type Operation string

const (
	OpSessionCreate    Operation = "session.create"
	OpSessionArchive   Operation = "session.archive"
	OpRunEnqueue       Operation = "run.enqueue"
	OpRunStop          Operation = "run.stop"
	OpPermissionDecide Operation = "permission.decide"
	OpJobCancel        Operation = "job.cancel"
	OpMaintenancePrune Operation = "maintenance.prune"
	OpBackupSnapshot   Operation = "backup.snapshot"
	OpSettingsUpdate   Operation = "settings.update"
)

// Event is one audit record. Zero-valued fields are omitted from the line.
type Event struct {
	Timestamp    time.Time
	Operation    Operation
	SessionID    string
	JobID        string
	PermissionID string
	RequestID    string
	Success      bool
	Error        string
	Details      map[string]interface{}
}

var (
	sink *slog.Logger
	once sync.Once
)

func logger() *slog.Logger {
	once.Do(func() {
		sink = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	})
	return sink
}

// Log writes one audit record. Best effort: it never fails and never blocks
// the operation being audited.
func Log(e *Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("audit", "true"),
		slog.String("operation", string(e.Operation)),
		slog.Bool("success", e.Success),
	}
	for _, f := range []struct{ key, val string }{
		{"session_id", e.SessionID},
		{"job_id", e.JobID},
		{"permission_id", e.PermissionID},
		{"request_id", e.RequestID},
		{"error", e.Error},
	} {
		if f.val != "" {
			attrs = append(attrs, slog.String(f.key, f.val))
		}
	}
	if e.Details != nil {
		encoded, _ := json.Marshal(e.Details)
		attrs = append(attrs, slog.String("details", string(encoded)))
	}

	logger().Info("AUDIT", attrs...)
}

// LogFailure records a failed operation against a session
func LogFailure(op Operation, sessionID string, err error) {
	e := &Event{Operation: op, SessionID: sessionID}
	if err != nil {
		e.Error = err.Error()
	}
	Log(e)
}
