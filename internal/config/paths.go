package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	dbFileName     = "memva.db"
	prodDBFileName = "memva-prod.db"
)

// DataDir resolves the memva data directory using precedence:
// 1. explicit override (--data-dir flag)
// 2. MEMVA_HOME environment variable
// 3. ~/.memva
func DataDir(override string) (string, error) {
	if override != "" {
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", fmt.Errorf("failed to resolve data dir %s: %w", override, err)
		}
		return abs, nil
	}

	if env := os.Getenv("MEMVA_HOME"); env != "" {
		return env, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".memva"), nil
}

// DBPath returns the database file path inside the data directory. The
// filename is fixed and shared by every process that opens the store; it is
// never negotiated over the protocol. Production deployments use a distinct
// filename selected by MEMVA_ENV.
func DBPath(dataDir string) string {
	name := dbFileName
	if os.Getenv("MEMVA_ENV") == "production" {
		name = prodDBFileName
	}
	return filepath.Join(dataDir, name)
}

// LogDir returns the log directory inside the data directory
func LogDir(dataDir string) string {
	return filepath.Join(dataDir, "logs")
}

// TmpDir returns the scratch directory for in-flight file transfers
func TmpDir(dataDir string) string {
	return filepath.Join(dataDir, "tmp")
}

// BackupDir returns the directory holding database snapshots
func BackupDir(dataDir string) string {
	return filepath.Join(dataDir, "backups")
}

// EnsureLayout creates the data directory and its subdirectories
func EnsureLayout(dataDir string) error {
	for _, dir := range []string{dataDir, LogDir(dataDir), TmpDir(dataDir), BackupDir(dataDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
