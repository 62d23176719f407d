package mcp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/memva/memva/internal/job"
	"github.com/memva/memva/internal/logger"
	"github.com/memva/memva/internal/permission"
	"github.com/memva/memva/internal/runs"
	"github.com/memva/memva/internal/session"
)

// knownSafe are the domain sentinels whose text is written for callers.
// Anything that unwraps to one of these passes through verbatim.
var knownSafe = []error{
	session.ErrSessionNotFound,
	session.ErrInvalidTransition,
	session.ErrMissingProjectPath,
	session.ErrSessionArchived,
	job.ErrJobNotFound,
	job.ErrJobNotCancellable,
	permission.ErrNotFound,
	permission.ErrAlreadyDecided,
	permission.ErrNoLongerAnswerable,
	runs.ErrActiveJobExists,
	runs.ErrEmptyPrompt,
}

// leakPatterns mark error text that may carry secrets
var leakPatterns = []string{
	"anthropic_api_key",
	"api_key",
	"api key",
	"password",
	"secret",
	"credential",
}

// plumbingPatterns mark failures of the machinery under the tools. Their
// detail names files, sockets and sqlite states that no caller can act on.
var plumbingPatterns = []string{
	"failed to exec",
	"failed to start",
	"connection refused",
	"no such file",
	"permission denied",
	"database is locked",
	"context canceled",
	"eof",
}

// validationHints cover the dynamic errors (validators, argument checks)
// that are phrased for the caller but carry no sentinel to match on
var validationHints = []string{
	"not found",
	"already",
	"no longer",
	"invalid",
	"required",
	"must be",
	"must not",
	"cannot be",
	"is not",
	"exceeded",
	"limit",
	"empty",
	"cancelled",
	"pending",
}

// SanitizeError decides what error text may leave the server. Domain
// sentinels and validation messages pass through; everything else is logged
// in full and replaced with a summary that names only the operation.
func SanitizeError(err error, operation string) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range knownSafe {
		if errors.Is(err, sentinel) {
			return err
		}
	}

	lower := strings.ToLower(err.Error())
	switch {
	case matchesAny(lower, leakPatterns):
		logger.Error("%s failed (detail withheld): %v", operation, err)
		return fmt.Errorf("%s failed: internal configuration error", operation)
	case matchesAny(lower, plumbingPatterns):
		logger.Error("%s failed (internal): %v", operation, err)
		return fmt.Errorf("%s failed: internal error", operation)
	case matchesAny(lower, validationHints):
		return err
	}

	logger.Error("%s failed: %v", operation, err)
	if len(lower) < 50 {
		return fmt.Errorf("%s failed: %s", operation, err.Error())
	}
	return fmt.Errorf("%s failed: an unexpected error occurred", operation)
}

func matchesAny(lower string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
