package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/memva/memva/internal/session"
	"github.com/memva/memva/internal/store"
)

// OpenTestDB opens a throwaway database in a temp directory. The handle is
// closed when the test finishes.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "memva.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// SessionOption is a function that modifies a Session for testing.
type SessionOption func(*session.Session)

// NewTestSession creates and persists a test session with sensible defaults.
func NewTestSession(t *testing.T, db *sql.DB, opts ...SessionOption) *session.Session {
	t.Helper()

	s := &session.Session{
		ID:          uuid.New().String(),
		Title:       "test-session-" + t.Name(),
		ProjectPath: t.TempDir(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := session.NewStore(db).Create(s); err != nil {
		t.Fatalf("Failed to create test session: %v", err)
	}
	return s
}

// WithResumeToken seeds a conversation identifier from a previous run.
func WithResumeToken(token string) SessionOption {
	return func(s *session.Session) {
		s.ResumeToken = token
	}
}

// WithSessionSettings overrides per-session run settings.
func WithSessionSettings(settings session.Settings) SessionOption {
	return func(s *session.Session) {
		s.Settings = &settings
	}
}
