package validation

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// uuidRegex matches standard UUID format
	uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

	// jobTypeRegex matches job type names (lowercase words joined by dashes)
	jobTypeRegex = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
)

// ValidateUUID checks if the string is a valid UUID
func ValidateUUID(id string) error {
	if id == "" {
		return fmt.Errorf("ID cannot be empty")
	}
	if !uuidRegex.MatchString(id) {
		return fmt.Errorf("invalid UUID format: %s", id)
	}
	return nil
}

// ValidateSessionID validates a session ID
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	return ValidateUUID(id)
}

// ValidatePermissionMode checks the mode against the set the assistant CLI accepts
func ValidatePermissionMode(mode string) error {
	switch mode {
	case "default", "acceptEdits", "bypassPermissions", "plan":
		return nil
	}
	return fmt.Errorf("invalid permission mode: %s", mode)
}

// ValidateDecision checks a permission decision value
func ValidateDecision(decision string) error {
	switch decision {
	case "allow", "deny":
		return nil
	}
	return fmt.Errorf("invalid decision: %s (must be allow or deny)", decision)
}

// ValidateJobType validates a job type name
func ValidateJobType(jobType string) error {
	if jobType == "" {
		return fmt.Errorf("job type cannot be empty")
	}
	if !jobTypeRegex.MatchString(jobType) {
		return fmt.Errorf("invalid job type: %s", jobType)
	}
	return nil
}

// ValidateProjectPath checks that a session working directory is an absolute
// path with no traversal segments. The path is handed to a subprocess as its
// cwd, so it must be resolvable without the daemon's own cwd.
func ValidateProjectPath(path string) error {
	if path == "" {
		return fmt.Errorf("project path cannot be empty")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("project path must be absolute: %s", path)
	}
	for _, part := range strings.Split(path, string(filepath.Separator)) {
		if part == ".." {
			return fmt.Errorf("path traversal detected: %s", path)
		}
	}
	return nil
}
