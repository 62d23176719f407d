package session

import (
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from ClaudeStatus
		to   ClaudeStatus
		want bool
	}{
		{"start processing", ClaudeNotStarted, ClaudeProcessing, true},
		{"finish successfully", ClaudeProcessing, ClaudeCompleted, true},
		{"finish with error", ClaudeProcessing, ClaudeError, true},
		{"pause for input", ClaudeProcessing, ClaudeWaitingForInput, true},
		{"resume after input", ClaudeWaitingForInput, ClaudeProcessing, true},
		{"rerun completed session", ClaudeCompleted, ClaudeProcessing, true},
		{"rerun failed session", ClaudeError, ClaudeProcessing, true},
		{"same state is a no-op", ClaudeProcessing, ClaudeProcessing, true},

		{"never back to not_started", ClaudeProcessing, ClaudeNotStarted, false},
		{"completed never reverts", ClaudeCompleted, ClaudeNotStarted, false},
		{"cannot complete without processing", ClaudeNotStarted, ClaudeCompleted, false},
		{"cannot error without processing", ClaudeWaitingForInput, ClaudeError, false},
		{"cannot complete from waiting", ClaudeWaitingForInput, ClaudeCompleted, false},
		{"cannot wait from completed", ClaudeCompleted, ClaudeWaitingForInput, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestEffectiveSettings(t *testing.T) {
	t.Run("nil settings use defaults", func(t *testing.T) {
		s := &Session{}
		got := s.EffectiveSettings(nil)
		if got.MaxTurns != 200 {
			t.Errorf("MaxTurns = %d, want 200", got.MaxTurns)
		}
		if got.PermissionMode != "default" {
			t.Errorf("PermissionMode = %q, want %q", got.PermissionMode, "default")
		}
	})

	t.Run("partial override keeps other defaults", func(t *testing.T) {
		s := &Session{Settings: &Settings{PermissionMode: "plan"}}
		got := s.EffectiveSettings(nil)
		if got.MaxTurns != 200 {
			t.Errorf("MaxTurns = %d, want default 200", got.MaxTurns)
		}
		if got.PermissionMode != "plan" {
			t.Errorf("PermissionMode = %q, want %q", got.PermissionMode, "plan")
		}
	})

	t.Run("full override", func(t *testing.T) {
		s := &Session{Settings: &Settings{MaxTurns: 50, PermissionMode: "acceptEdits"}}
		got := s.EffectiveSettings(nil)
		if got.MaxTurns != 50 {
			t.Errorf("MaxTurns = %d, want 50", got.MaxTurns)
		}
		if got.PermissionMode != "acceptEdits" {
			t.Errorf("PermissionMode = %q, want %q", got.PermissionMode, "acceptEdits")
		}
	})

	t.Run("global settings fill unset fields", func(t *testing.T) {
		global := &GlobalSettings{MaxTurns: 75, PermissionMode: "acceptEdits"}
		s := &Session{}
		got := s.EffectiveSettings(global)
		if got.MaxTurns != 75 {
			t.Errorf("MaxTurns = %d, want 75", got.MaxTurns)
		}
		if got.PermissionMode != "acceptEdits" {
			t.Errorf("PermissionMode = %q, want %q", got.PermissionMode, "acceptEdits")
		}
	})

	t.Run("session settings win over global", func(t *testing.T) {
		global := &GlobalSettings{MaxTurns: 75, PermissionMode: "acceptEdits"}
		s := &Session{Settings: &Settings{MaxTurns: 10, PermissionMode: "plan"}}
		got := s.EffectiveSettings(global)
		if got.MaxTurns != 10 {
			t.Errorf("MaxTurns = %d, want 10", got.MaxTurns)
		}
		if got.PermissionMode != "plan" {
			t.Errorf("PermissionMode = %q, want %q", got.PermissionMode, "plan")
		}
	})

	t.Run("empty global falls back to defaults", func(t *testing.T) {
		got := (&Session{}).EffectiveSettings(&GlobalSettings{DefaultDirectory: "/srv"})
		if got.MaxTurns != 200 || got.PermissionMode != "default" {
			t.Errorf("EffectiveSettings = %+v, want built-in defaults", got)
		}
	})
}

func TestProjectName(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{"plain path", "/home/user/myproject", "myproject"},
		{"trailing slash", "/home/user/myproject/", "myproject"},
		{"root", "/", "/"},
		{"single component", "/srv", "srv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{ProjectPath: tt.path}
			if got := s.ProjectName(); got != tt.want {
				t.Errorf("ProjectName() = %q, want %q", got, tt.want)
			}
		})
	}
}
