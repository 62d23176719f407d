package validation

import (
	"testing"
)

func TestValidateUUID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid UUID", "550e8400-e29b-41d4-a716-446655440000", false},
		{"valid UUID uppercase", "550E8400-E29B-41D4-A716-446655440000", false},
		{"empty", "", true},
		{"not a UUID", "not-a-uuid", true},
		{"path traversal attempt", "../../../etc/passwd", true},
		{"SQL injection attempt", "'; DROP TABLE sessions; --", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUUID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUUID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid UUID session", "550e8400-e29b-41d4-a716-446655440000", false},
		{"empty", "", true},
		{"not a valid ID", "not-valid", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSessionID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePermissionMode(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		wantErr bool
	}{
		{"default", "default", false},
		{"acceptEdits", "acceptEdits", false},
		{"bypassPermissions", "bypassPermissions", false},
		{"plan", "plan", false},
		{"empty", "", true},
		{"unknown mode", "yolo", true},
		{"wrong case", "Plan", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePermissionMode(tt.mode)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePermissionMode() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDecision(t *testing.T) {
	tests := []struct {
		name     string
		decision string
		wantErr  bool
	}{
		{"allow", "allow", false},
		{"deny", "deny", false},
		{"empty", "", true},
		{"status value approved is not a decision", "approved", true},
		{"status value denied is not a decision", "denied", true},
		{"pending is not a decision", "pending", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDecision(tt.decision)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDecision() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateJobType(t *testing.T) {
	tests := []struct {
		name    string
		jobType string
		wantErr bool
	}{
		{"single word", "maintenance", false},
		{"dashed", "session-runner", false},
		{"dashed multi", "cleanup-old-jobs", false},
		{"empty", "", true},
		{"uppercase", "SessionRunner", true},
		{"trailing dash", "session-", true},
		{"spaces", "session runner", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateJobType(tt.jobType)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateJobType() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateProjectPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"absolute path", "/home/user/project", false},
		{"root", "/", false},
		{"with dots in names", "/home/user/my.project", false},
		{"empty", "", true},
		{"relative path", "projects/demo", true},
		{"traversal", "/home/user/../../etc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateProjectPath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateProjectPath() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
