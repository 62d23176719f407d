package maintenance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/memva/memva/internal/job"
	"github.com/memva/memva/internal/permission"
	"github.com/memva/memva/internal/testutil"
)

func setupHandler(t *testing.T) (*Handler, *sql.DB, string) {
	t.Helper()

	db := testutil.OpenTestDB(t)
	tmpDir := filepath.Join(t.TempDir(), "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		t.Fatalf("Failed to create tmp dir: %v", err)
	}
	h := NewHandler(HandlerConfig{
		Permissions: permission.NewStore(db),
		Jobs:        job.NewStore(db),
		TmpDir:      tmpDir,
	})
	return h, db, tmpDir
}

func runOperation(t *testing.T, h *Handler, operation string) *Result {
	t.Helper()

	data, err := json.Marshal(Payload{Operation: operation})
	if err != nil {
		t.Fatalf("Failed to encode payload: %v", err)
	}
	res, err := h.Handle(context.Background(), &job.Job{ID: "job-1", Type: job.TypeMaintenance, Data: data})
	if err != nil {
		t.Fatalf("Handle(%s) error = %v", operation, err)
	}
	result, ok := res.(*Result)
	if !ok {
		t.Fatalf("Handle() returned %T, want *Result", res)
	}
	return result
}

func TestHandler_ExpirePermissions(t *testing.T) {
	h, db, _ := setupHandler(t)
	sess := testutil.NewTestSession(t, db)
	perms := permission.NewStore(db)

	overdue, err := perms.Create(permission.CreateInput{SessionID: sess.ID, ToolName: "Bash"})
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	if _, err := db.Exec("UPDATE permission_requests SET expires_at = ? WHERE id = ?",
		time.Now().UTC().Add(-time.Hour), overdue.ID); err != nil {
		t.Fatalf("Failed to backdate expiry: %v", err)
	}
	fresh, err := perms.Create(permission.CreateInput{SessionID: sess.ID, ToolName: "Write"})
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	result := runOperation(t, h, OpExpirePermissions)
	if result.Affected != 1 {
		t.Errorf("Affected = %d, want 1", result.Affected)
	}

	got, err := perms.Get(overdue.ID)
	if err != nil {
		t.Fatalf("Failed to reload request: %v", err)
	}
	if got.Status != permission.StatusTimeout {
		t.Errorf("Overdue status = %q, want timeout", got.Status)
	}
	kept, err := perms.Get(fresh.ID)
	if err != nil {
		t.Fatalf("Failed to reload request: %v", err)
	}
	if kept.Status != permission.StatusPending {
		t.Errorf("Fresh status = %q, want pending", kept.Status)
	}
}

func TestHandler_CleanupOldJobs(t *testing.T) {
	h, db, _ := setupHandler(t)
	jobs := job.NewStore(db)

	old, err := jobs.Create(job.CreateInput{Type: job.TypeSessionRunner, Data: map[string]string{"sessionId": "s1", "prompt": "x"}})
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	if _, err := jobs.ClaimNextPending(); err != nil {
		t.Fatalf("Failed to claim job: %v", err)
	}
	if err := jobs.Complete(old.ID, nil); err != nil {
		t.Fatalf("Failed to complete job: %v", err)
	}
	if _, err := db.Exec("UPDATE jobs SET completed_at = ? WHERE id = ?",
		time.Now().UTC().Add(-40*24*time.Hour), old.ID); err != nil {
		t.Fatalf("Failed to backdate job: %v", err)
	}

	recent, err := jobs.Create(job.CreateInput{Type: job.TypeSessionRunner, Data: map[string]string{"sessionId": "s2", "prompt": "y"}})
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}

	result := runOperation(t, h, OpCleanupJobs)
	if result.Affected != 1 {
		t.Errorf("Affected = %d, want 1", result.Affected)
	}

	if _, err := jobs.Get(old.ID); err == nil {
		t.Error("Old job should be deleted")
	}
	if _, err := jobs.Get(recent.ID); err != nil {
		t.Errorf("Recent job should survive: %v", err)
	}
}

func TestHandler_SweepTmp(t *testing.T) {
	h, _, tmpDir := setupHandler(t)

	stale := filepath.Join(tmpDir, "upload-expired")
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(stale, past, past); err != nil {
		t.Fatalf("Failed to backdate file: %v", err)
	}

	fresh := filepath.Join(tmpDir, "upload-active")
	if err := os.WriteFile(fresh, []byte("y"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	result := runOperation(t, h, OpSweepTmp)
	if result.Affected != 1 {
		t.Errorf("Affected = %d, want 1", result.Affected)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("Stale file should be removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("Fresh file should survive: %v", err)
	}
}

func TestHandler_SweepTmpMissingDir(t *testing.T) {
	db := testutil.OpenTestDB(t)
	h := NewHandler(HandlerConfig{
		Permissions: permission.NewStore(db),
		Jobs:        job.NewStore(db),
		TmpDir:      filepath.Join(t.TempDir(), "never-created"),
	})

	result := runOperation(t, h, OpSweepTmp)
	if result.Affected != 0 {
		t.Errorf("Affected = %d, want 0 for a missing dir", result.Affected)
	}
}

func TestHandler_UnknownOperation(t *testing.T) {
	h, _, _ := setupHandler(t)

	data, _ := json.Marshal(Payload{Operation: "defrag-floppy"})
	_, err := h.Handle(context.Background(), &job.Job{ID: "job-x", Type: job.TypeMaintenance, Data: data})
	if err == nil {
		t.Fatal("Expected an error for an unknown operation")
	}
	if !strings.Contains(err.Error(), "unknown maintenance operation") {
		t.Errorf("Error = %q, want the unknown-operation text", err.Error())
	}
}

func TestScheduler_StartupEnqueuesAllOperations(t *testing.T) {
	db := testutil.OpenTestDB(t)
	jobs := job.NewStore(db)

	s, err := NewScheduler(SchedulerConfig{Jobs: jobs})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	s.Start()
	defer s.Stop()

	pending, err := jobs.List(job.ListFilter{Type: job.TypeMaintenance, Status: job.StatusPending})
	if err != nil {
		t.Fatalf("Failed to list jobs: %v", err)
	}
	ops := map[string]int{}
	for _, j := range pending {
		var payload Payload
		if err := json.Unmarshal(j.Data, &payload); err != nil {
			t.Fatalf("Failed to decode payload: %v", err)
		}
		ops[payload.Operation]++
	}
	for _, want := range []string{OpExpirePermissions, OpCleanupJobs, OpSweepTmp} {
		if ops[want] != 1 {
			t.Errorf("Operation %s enqueued %d times, want 1", want, ops[want])
		}
	}
}

func TestScheduler_SkipsOpenOperations(t *testing.T) {
	db := testutil.OpenTestDB(t)
	jobs := job.NewStore(db)

	s, err := NewScheduler(SchedulerConfig{Jobs: jobs})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	s.enqueue(OpExpirePermissions)
	s.enqueue(OpExpirePermissions)

	pending, err := jobs.List(job.ListFilter{Type: job.TypeMaintenance, Status: job.StatusPending})
	if err != nil {
		t.Fatalf("Failed to list jobs: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("Expected the duplicate enqueue to be skipped, got %d jobs", len(pending))
	}
}

func TestScheduler_RejectsInvalidCron(t *testing.T) {
	db := testutil.OpenTestDB(t)
	_, err := NewScheduler(SchedulerConfig{Jobs: job.NewStore(db), PermissionSweepCron: "not a cron"})
	if !errors.Is(err, ErrInvalidSchedule) {
		t.Errorf("NewScheduler() error = %v, want ErrInvalidSchedule", err)
	}
}
