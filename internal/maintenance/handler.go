// Package maintenance keeps the store tidy: it expires overdue permission
// prompts, prunes settled jobs, and sweeps stale upload scratch. The work
// runs through the regular job queue so it shares the worker pool's retry
// and recovery behavior.
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/memva/memva/internal/audit"
	"github.com/memva/memva/internal/job"
	"github.com/memva/memva/internal/logger"
	"github.com/memva/memva/internal/metrics"
	"github.com/memva/memva/internal/permission"
)

// Maintenance operations carried in the job payload
const (
	OpExpirePermissions = "cleanup-expired-permissions"
	OpCleanupJobs       = "cleanup-old-jobs"
	OpSweepTmp          = "cleanup-tmp"
)

const (
	// defaultJobRetention is how long settled job rows are kept
	defaultJobRetention = 30 * 24 * time.Hour

	// tmpRetention is how long scratch files survive between sweeps
	tmpRetention = 24 * time.Hour
)

// Payload selects which maintenance operation a job performs
type Payload struct {
	Operation string `json:"operation"`
}

// Result is stored on the job row after a successful run
type Result struct {
	Operation string `json:"operation"`
	Affected  int    `json:"affected"`
}

// HandlerConfig wires the handler to its stores. JobRetention of zero keeps
// settled jobs for the default 30 days.
type HandlerConfig struct {
	Permissions  *permission.Store
	Jobs         *job.Store
	TmpDir       string
	JobRetention time.Duration
}

// Handler executes maintenance jobs
type Handler struct {
	permissions  *permission.Store
	jobs         *job.Store
	tmpDir       string
	jobRetention time.Duration
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = defaultJobRetention
	}
	return &Handler{
		permissions:  cfg.Permissions,
		jobs:         cfg.Jobs,
		tmpDir:       cfg.TmpDir,
		jobRetention: cfg.JobRetention,
	}
}

// Register binds the handler to its job type on the worker
func (h *Handler) Register(w *job.Worker) error {
	return w.Register(job.TypeMaintenance, h.Handle)
}

// Handle runs one maintenance job
func (h *Handler) Handle(ctx context.Context, j *job.Job) (interface{}, error) {
	var payload Payload
	if err := json.Unmarshal(j.Data, &payload); err != nil {
		return nil, job.Permanent(fmt.Errorf("failed to decode maintenance payload: %w", err))
	}

	var affected int
	var err error
	switch payload.Operation {
	case OpExpirePermissions:
		affected, err = h.permissions.ExpireOverdue()
	case OpCleanupJobs:
		affected, err = h.jobs.CleanupOlderThan(time.Now().UTC().Add(-h.jobRetention))
	case OpSweepTmp:
		affected, err = h.sweepTmp()
	default:
		return nil, job.Permanent(fmt.Errorf("unknown maintenance operation: %q", payload.Operation))
	}

	if err != nil {
		metrics.RecordMaintenanceRun(payload.Operation, "error")
		return nil, fmt.Errorf("maintenance %s failed: %w", payload.Operation, err)
	}

	metrics.RecordMaintenanceRun(payload.Operation, "ok")
	if affected > 0 {
		audit.Log(&audit.Event{
			Operation: audit.OpMaintenancePrune,
			Success:   true,
			Details:   map[string]interface{}{"operation": payload.Operation, "affected": affected},
		})
	}
	logger.Printf("🧹 Maintenance %s removed %d entries", payload.Operation, affected)
	return &Result{Operation: payload.Operation, Affected: affected}, nil
}

// sweepTmp removes scratch entries that have not been touched within the
// retention window. A missing tmp dir is fine; nothing has been uploaded.
func (h *Handler) sweepTmp() (int, error) {
	if h.tmpDir == "" {
		return 0, nil
	}

	entries, err := os.ReadDir(h.tmpDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read tmp directory: %w", err)
	}

	cutoff := time.Now().Add(-tmpRetention)
	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(h.tmpDir, entry.Name())); err != nil {
			logger.Error("Failed to remove tmp entry %s: %v", entry.Name(), err)
			continue
		}
		removed++
	}
	return removed, nil
}
