package claude

import (
	"errors"
	"fmt"
	"strings"
)

var ErrExecutableNotFound = errors.New("claude executable not found")

// ErrorKind classifies why a run failed
type ErrorKind string

const (
	KindTimeout            ErrorKind = "timeout"
	KindCancelled          ErrorKind = "cancelled"
	KindContextLimit       ErrorKind = "context_limit"
	KindResumeFailed       ErrorKind = "resume_failed"
	KindOverloaded         ErrorKind = "overloaded"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindRateLimited        ErrorKind = "rate_limited"
	KindUnauthorized       ErrorKind = "unauthorized"
	KindResultError        ErrorKind = "result_error"
	KindExitError          ErrorKind = "exit_error"
	KindStartFailed        ErrorKind = "start_failed"
)

// RunError is a classified run failure
type RunError struct {
	Kind     ErrorKind
	Detail   string
	ExitCode int
	Err      error
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("claude run failed (%s)", e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RunError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could plausibly succeed. Only
// upstream capacity problems qualify; everything else would fail the same
// way again or has already been resolved by the user.
func (e *RunError) Retryable() bool {
	switch e.Kind {
	case KindOverloaded, KindRateLimited, KindServiceUnavailable:
		return true
	}
	return false
}

// IsCancelled reports whether err is a run cancellation
func IsCancelled(err error) bool {
	var re *RunError
	return errors.As(err, &re) && re.Kind == KindCancelled
}

// classifyStderr maps known upstream failure signatures in the CLI's stderr
// to an error kind. Returns "" when nothing matches.
func classifyStderr(stderr string) ErrorKind {
	low := strings.ToLower(stderr)
	switch {
	case strings.Contains(low, "529"), strings.Contains(low, "overloaded"):
		return KindOverloaded
	case strings.Contains(low, "502"), strings.Contains(low, "503"), strings.Contains(low, "504"):
		return KindServiceUnavailable
	case strings.Contains(low, "rate limit"), strings.Contains(low, "429"):
		return KindRateLimited
	case strings.Contains(low, "401"), strings.Contains(low, "unauthorized"), strings.Contains(low, "authentication"):
		return KindUnauthorized
	}
	return ""
}

// contextLimitText reports whether a result error message points at the
// context window filling up
func contextLimitText(result string) bool {
	low := strings.ToLower(result)
	for _, marker := range []string{"too long", "context", "limit"} {
		if strings.Contains(low, marker) {
			return true
		}
	}
	return false
}

// resumeFailureDetail extracts the reason a resume was rejected from stderr
func resumeFailureDetail(stderr string) string {
	low := strings.ToLower(stderr)
	switch {
	case strings.Contains(low, "no conversation found"),
		strings.Contains(low, "session not found"),
		strings.Contains(low, "no longer exists"):
		return "session no longer exists"
	case strings.Contains(low, "context window"), strings.Contains(low, "too long"):
		return "context window exceeded"
	}
	return ""
}
