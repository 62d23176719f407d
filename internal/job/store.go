package job

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/memva/memva/internal/validation"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobNotCancellable = errors.New("job is not cancellable")
)

// Store is the persistent job queue backed by the shared database
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create enqueues a new job and returns the stored row
func (s *Store) Create(input CreateInput) (*Job, error) {
	if err := validation.ValidateJobType(input.Type); err != nil {
		return nil, err
	}

	data, err := marshalData(input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job data: %w", err)
	}

	maxAttempts := input.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	now := time.Now().UTC()
	j := &Job{
		ID:          uuid.New().String(),
		Type:        input.Type,
		Data:        data,
		Status:      StatusPending,
		Priority:    input.Priority,
		MaxAttempts: maxAttempts,
		ScheduledAt: input.ScheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs (id, type, data, status, priority, attempts, max_attempts, scheduled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		j.ID, j.Type, string(j.Data), j.Status, j.Priority, j.MaxAttempts,
		nullTime(j.ScheduledAt), j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return j, nil
}

// Get returns a job by ID
func (s *Store) Get(id string) (*Job, error) {
	row := s.db.QueryRow(selectJob+` WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// List returns jobs matching the filter, newest first
func (s *Store) List(filter ListFilter) ([]*Job, error) {
	query := selectJob
	var conditions []string
	var args []interface{}

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, filter.Type)
	}
	for i, cond := range conditions {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ClaimNextPending atomically claims the next due pending job, highest
// priority first and oldest first within a priority. The claim flips the row
// to running, stamps started_at and counts the attempt in one statement so
// concurrent workers can never claim the same job. Returns nil when the
// queue has nothing due.
func (s *Store) ClaimNextPending() (*Job, error) {
	now := time.Now().UTC()
	row := s.db.QueryRow(`
		UPDATE jobs
		SET status = 'running', started_at = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND (scheduled_at IS NULL OR scheduled_at <= ?)
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
		) AND status = 'pending'
		RETURNING `+jobColumns,
		now, now, now,
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return j, nil
}

// Complete marks a job successful and records its result. A cancelled row can
// still complete: a handler may finish useful work after a cancellation
// request lands, and its outcome wins.
func (s *Store) Complete(id string, result interface{}) error {
	data, err := marshalData(result)
	if err != nil {
		return fmt.Errorf("failed to encode job result: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE jobs
		SET status = 'completed', result = ?, error = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('running', 'cancelled')`,
		string(data), now, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return s.checkAffected(res, id)
}

// Fail records a handler failure. With retries left and shouldRetry set the
// job goes back to pending with scheduled_at pushed out by retryDelay;
// otherwise it lands in failed with completed_at stamped. Failing a cancelled
// job records the error text but leaves the cancelled status in place.
func (s *Store) Fail(id string, errMsg string, shouldRetry bool, retryDelay time.Duration) error {
	j, err := s.Get(id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if j.Status == StatusCancelled {
		_, err := s.db.Exec(`UPDATE jobs SET error = ?, updated_at = ? WHERE id = ? AND status = 'cancelled'`,
			errMsg, now, id)
		if err != nil {
			return fmt.Errorf("failed to record error on cancelled job: %w", err)
		}
		return nil
	}

	if shouldRetry && j.Attempts < j.MaxAttempts {
		retryAt := now.Add(retryDelay)
		res, err := s.db.Exec(`
			UPDATE jobs
			SET status = 'pending', error = ?, scheduled_at = ?, updated_at = ?
			WHERE id = ? AND status = 'running'`,
			errMsg, retryAt, now, id,
		)
		if err != nil {
			return fmt.Errorf("failed to schedule job retry: %w", err)
		}
		return s.checkAffected(res, id)
	}

	res, err := s.db.Exec(`
		UPDATE jobs
		SET status = 'failed', error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		errMsg, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return s.checkAffected(res, id)
}

// Cancel stops a pending or running job. Running handlers observe the status
// change through their own polling; the queue only flips the row. Cancelled
// rows get completed_at so retention cleanup catches them.
func (s *Store) Cancel(id string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE jobs
		SET status = 'cancelled', completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check cancel result: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.Get(id); getErr != nil {
			return getErr
		}
		return ErrJobNotCancellable
	}
	return nil
}

// GetActiveForSession returns the pending or running job of the given type
// bound to the session, or nil when the session has no active job. The
// session id is read from the job payload's sessionId field.
func (s *Store) GetActiveForSession(jobType, sessionID string) (*Job, error) {
	row := s.db.QueryRow(selectJob+`
		WHERE type = ? AND status IN ('pending', 'running')
		AND json_extract(data, '$.sessionId') = ?
		ORDER BY created_at DESC LIMIT 1`,
		jobType, sessionID,
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active job for session: %w", err)
	}
	return j, nil
}

// Touch refreshes updated_at on a running job so stale detection can tell a
// live long run from an orphan left by a dead process.
func (s *Store) Touch(id string) error {
	_, err := s.db.Exec(`UPDATE jobs SET updated_at = ? WHERE id = ? AND status = 'running'`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch job: %w", err)
	}
	return nil
}

// RecoverStale returns orphaned running jobs to the queue. A running job
// whose updated_at heartbeat is older than age went down with its worker;
// jobs with attempts left go back to pending, exhausted ones land in failed.
// Pass zero at startup to sweep every running row before workers launch.
func (s *Store) RecoverStale(age time.Duration) (int, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-age)

	requeued, err := s.db.Exec(`
		UPDATE jobs
		SET status = 'pending', scheduled_at = NULL, error = 'recovered from interrupted run', updated_at = ?
		WHERE status = 'running' AND updated_at <= ? AND attempts < max_attempts`,
		now, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}

	failed, err := s.db.Exec(`
		UPDATE jobs
		SET status = 'failed', error = 'abandoned after interrupted run', completed_at = ?, updated_at = ?
		WHERE status = 'running' AND updated_at <= ? AND attempts >= max_attempts`,
		now, now, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to abandon stale jobs: %w", err)
	}

	n1, _ := requeued.RowsAffected()
	n2, _ := failed.RowsAffected()
	return int(n1 + n2), nil
}

// CleanupOlderThan deletes terminal jobs whose completed_at is older than the
// cutoff. Returns the number of rows removed.
func (s *Store) CleanupOlderThan(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		AND completed_at IS NOT NULL AND completed_at < ?`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleaned up jobs: %w", err)
	}
	return int(n), nil
}

// CountByStatus reports queue depth per status
func (s *Store) CountByStatus() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *Store) checkAffected(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.Get(id); getErr != nil {
			return getErr
		}
		// Row exists but was in a state the update does not touch. The queue
		// treats that as settled by whoever got there first.
		return nil
	}
	return nil
}

const jobColumns = `id, type, data, status, priority, attempts, max_attempts, error, result, scheduled_at, started_at, completed_at, created_at, updated_at`

const selectJob = `SELECT ` + jobColumns + ` FROM jobs`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var data, result sql.NullString
	var errMsg sql.NullString
	var scheduledAt, startedAt, completedAt sql.NullTime

	err := row.Scan(
		&j.ID, &j.Type, &data, &j.Status, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&errMsg, &result, &scheduledAt, &startedAt, &completedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if data.Valid {
		j.Data = json.RawMessage(data.String)
	}
	if result.Valid && result.String != "" {
		j.Result = json.RawMessage(result.String)
	}
	j.Error = errMsg.String
	if scheduledAt.Valid {
		t := scheduledAt.Time
		j.ScheduledAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func marshalData(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("{}"), nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return json.RawMessage("{}"), nil
		}
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
