package session

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
	ErrSessionNotFound     = errors.New("session not found")
	ErrInvalidTransition   = errors.New("invalid claude status transition")
	ErrMissingProjectPath  = errors.New("project path is required")
	ErrSessionArchived     = errors.New("session is archived")
	ErrSettingsUnavailable = errors.New("settings row not initialized")
)

// Store handles session persistence on the shared database
type Store struct {
	db *sql.DB
}

// NewStore creates a session store over an open database handle
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new session. ID and timestamps are filled in when unset;
// the session starts active with claude_status not_started.
func (s *Store) Create(sess *Session) error {
	if sess.ProjectPath == "" {
		return ErrMissingProjectPath
	}
	if err := validation.ValidateProjectPath(sess.ProjectPath); err != nil {
		return fmt.Errorf("%w: %v", ErrMissingProjectPath, err)
	}
	if sess.Settings != nil && sess.Settings.PermissionMode != "" {
		if err := validation.ValidatePermissionMode(sess.Settings.PermissionMode); err != nil {
			return err
		}
	}

	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.Status == "" {
		sess.Status = StatusActive
	}
	if sess.ClaudeStatus == "" {
		sess.ClaudeStatus = ClaudeNotStarted
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	metadata, err := marshalNullableJSON(sess.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	settings, err := marshalSettings(sess.Settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO sessions (id, title, project_path, status, claude_status, resume_token, metadata, settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, nullString(sess.Title), sess.ProjectPath, string(sess.Status), string(sess.ClaudeStatus),
		nullString(sess.ResumeToken), metadata, settings, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID
func (s *Store) Get(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, title, project_path, status, claude_status, resume_token, metadata, settings, created_at, updated_at
		FROM sessions WHERE id = ?`, id,
	)
	return scanSession(row)
}

// List returns sessions, newest first. A zero filter returns everything.
func (s *Store) List(filter *ListFilter) ([]*Session, error) {
	query := `
		SELECT id, title, project_path, status, claude_status, resume_token, metadata, settings, created_at, updated_at
		FROM sessions`
	var args []interface{}

	if filter != nil && filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Update applies partial updates to a session
func (s *Store) Update(id string, update *SessionUpdate) error {
	var setClauses []string
	var args []interface{}

	if update.Title != nil {
		setClauses = append(setClauses, "title = ?")
		args = append(args, nullString(*update.Title))
	}
	if update.Status != nil {
		setClauses = append(setClauses, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Metadata != nil {
		metadata, err := marshalNullableJSON(update.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		setClauses = append(setClauses, "metadata = ?")
		args = append(args, metadata)
	}
	if update.Settings != nil {
		if update.Settings.PermissionMode != "" {
			if err := validation.ValidatePermissionMode(update.Settings.PermissionMode); err != nil {
				return err
			}
		}
		settings, err := marshalSettings(update.Settings)
		if err != nil {
			return fmt.Errorf("failed to encode settings: %w", err)
		}
		setClauses = append(setClauses, "settings = ?")
		args = append(args, settings)
	}

	if len(setClauses) == 0 {
		return nil
	}

	setClauses = append(setClauses, "updated_at = ?")
	args = append(args, time.Now().UTC())
	args = append(args, id)

	query := "UPDATE sessions SET " + setClauses[0]
	for i := 1; i < len(setClauses); i++ {
		query += ", " + setClauses[i]
	}
	query += " WHERE id = ?"

	result, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Archive marks a session archived. Archiving an archived session is a no-op.
func (s *Store) Archive(id string) error {
	status := StatusArchived
	return s.Update(id, &SessionUpdate{Status: &status})
}

// UpdateClaudeStatus moves claude_status through its state machine. The
// guard rides in the WHERE clause so concurrent writers cannot race a
// session backward.
func (s *Store) UpdateClaudeStatus(id string, to ClaudeStatus) error {
	cur, err := s.Get(id)
	if err != nil {
		return err
	}
	if !CanTransition(cur.ClaudeStatus, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.ClaudeStatus, to)
	}

	result, err := s.db.Exec(`
		UPDATE sessions SET claude_status = ?, updated_at = ?
		WHERE id = ? AND claude_status = ?`,
		string(to), time.Now().UTC(), id, string(cur.ClaudeStatus),
	)
	if err != nil {
		return fmt.Errorf("failed to update claude status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Lost a race; re-check against the winner's state
		latest, err := s.Get(id)
		if err != nil {
			return err
		}
		if latest.ClaudeStatus == to {
			return nil
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, latest.ClaudeStatus, to)
	}
	return nil
}

// UpdateResumeToken records the conversation identifier captured from the
// assistant's stream so the next run can continue the conversation
func (s *Store) UpdateResumeToken(id, token string) error {
	result, err := s.db.Exec(`
		UPDATE sessions SET resume_token = ?, updated_at = ? WHERE id = ?`,
		nullString(token), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update resume token: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// GetGlobalSettings returns the singleton settings envelope, creating the
// row with defaults on first access
func (s *Store) GetGlobalSettings() (*GlobalSettings, error) {
	var raw string
	err := s.db.QueryRow("SELECT config FROM settings WHERE id = 'singleton'").Scan(&raw)
	if err == sql.ErrNoRows {
		now := time.Now().UTC()
		_, err = s.db.Exec(
			"INSERT INTO settings (id, config, created_at, updated_at) VALUES ('singleton', '{}', ?, ?) ON CONFLICT(id) DO NOTHING",
			now, now,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize settings: %w", err)
		}
		return &GlobalSettings{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}

	var settings GlobalSettings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	return &settings, nil
}

// UpdateGlobalSettings overwrites the singleton settings envelope
func (s *Store) UpdateGlobalSettings(settings *GlobalSettings) error {
	if settings.PermissionMode != "" {
		if err := validation.ValidatePermissionMode(settings.PermissionMode); err != nil {
			return err
		}
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.Exec(`
		INSERT INTO settings (id, config, created_at, updated_at) VALUES ('singleton', ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at`,
		string(raw), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to update settings: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var title, resumeToken, metadata, settings sql.NullString
	var status, claudeStatus string

	err := row.Scan(
		&sess.ID, &title, &sess.ProjectPath, &status, &claudeStatus,
		&resumeToken, &metadata, &settings, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	sess.Status = Status(status)
	sess.ClaudeStatus = ClaudeStatus(claudeStatus)
	if title.Valid {
		sess.Title = title.String
	}
	if resumeToken.Valid {
		sess.ResumeToken = resumeToken.String
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	if settings.Valid && settings.String != "" {
		var parsed Settings
		if err := json.Unmarshal([]byte(settings.String), &parsed); err != nil {
			return nil, fmt.Errorf("failed to decode settings: %w", err)
		}
		sess.Settings = &parsed
	}
	return &sess, nil
}

func marshalNullableJSON(m map[string]interface{}) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func marshalSettings(settings *Settings) (sql.NullString, error) {
	if settings == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
