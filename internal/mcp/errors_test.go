package mcp

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/memva/memva/internal/permission"
	"github.com/memva/memva/internal/session"
)

func TestSanitizeError_NilPassesThrough(t *testing.T) {
	if got := SanitizeError(nil, "get session"); got != nil {
		t.Errorf("SanitizeError(nil) = %v, want nil", got)
	}
}

func TestSanitizeError_DomainSentinelsSurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("failed to load: %w", session.ErrSessionNotFound)
	got := SanitizeError(wrapped, "get session")
	if !errors.Is(got, session.ErrSessionNotFound) {
		t.Errorf("SanitizeError() = %v, want the session sentinel preserved", got)
	}

	got = SanitizeError(permission.ErrAlreadyDecided, "decide permission")
	if !errors.Is(got, permission.ErrAlreadyDecided) {
		t.Errorf("SanitizeError() = %v, want the permission sentinel preserved", got)
	}
}

func TestSanitizeError_HidesSecrets(t *testing.T) {
	err := errors.New("request rejected: ANTHROPIC_API_KEY sk-ant-xxx invalid")
	got := SanitizeError(err, "enqueue run")
	if strings.Contains(got.Error(), "sk-ant") {
		t.Errorf("SanitizeError() leaked secret text: %q", got.Error())
	}
	if !strings.Contains(got.Error(), "enqueue run failed") {
		t.Errorf("SanitizeError() = %q, want the operation named", got.Error())
	}
}

func TestSanitizeError_HidesPlumbing(t *testing.T) {
	err := errors.New("open /home/u/.memva/memva.db: no such file or directory")
	got := SanitizeError(err, "list jobs")
	if strings.Contains(got.Error(), ".memva") {
		t.Errorf("SanitizeError() leaked a path: %q", got.Error())
	}
	if !strings.Contains(got.Error(), "internal error") {
		t.Errorf("SanitizeError() = %q, want the internal summary", got.Error())
	}
}

func TestSanitizeError_ValidationTextPassesThrough(t *testing.T) {
	err := errors.New("project path must be absolute")
	got := SanitizeError(err, "create session")
	if got.Error() != err.Error() {
		t.Errorf("SanitizeError() = %q, want validation text unchanged", got.Error())
	}
}

func TestSanitizeError_LongUnknownTextIsSummarized(t *testing.T) {
	err := errors.New(strings.Repeat("x", 120))
	got := SanitizeError(err, "archive session")
	if strings.Contains(got.Error(), "xxxx") {
		t.Errorf("SanitizeError() = %q, want the raw text replaced", got.Error())
	}
}
