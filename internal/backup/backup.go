// Package backup takes periodic snapshots of the sqlite store.
package backup

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/memva/memva/internal/audit"
	"github.com/memva/memva/internal/logger"
)

const (
	snapshotPrefix     = "memva_"
	snapshotSuffix     = ".db"
	snapshotTimeFormat = "20060102_150405"
)

// Manager snapshots the store on a timer and prunes old snapshots
type Manager struct {
	db        *sql.DB
	backupDir string
	retention int
	interval  time.Duration
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Config holds backup settings
type Config struct {
	DB        *sql.DB
	BackupDir string
	Retention int           // Number of snapshots to keep
	Interval  time.Duration // How often to snapshot (0 = disabled)
}

// Snapshot describes one stored database copy
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
}

// New creates a backup Manager and ensures the backup directory exists
func New(cfg Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	return &Manager{
		db:        cfg.DB,
		backupDir: cfg.BackupDir,
		retention: cfg.Retention,
		interval:  cfg.Interval,
	}, nil
}

// Start begins periodic snapshots if interval > 0
func (m *Manager) Start() {
	if m.interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Snapshot(); err != nil {
					logger.Printf("⚠️  Backup failed: %v", err)
				}
			}
		}
	}()

	logger.Printf("📦 Backup automation started (interval=%v, retention=%d)", m.interval, m.retention)
}

// Stop halts periodic snapshots
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
		logger.Println("📦 Backup automation stopped")
	}
}

// Snapshot writes a consistent copy of the live database. VACUUM INTO runs
// inside sqlite, so WAL writers keep going while the copy is taken.
func (m *Manager) Snapshot() (*Snapshot, error) {
	timestamp := time.Now()
	filename := snapshotPrefix + timestamp.Format(snapshotTimeFormat) + snapshotSuffix
	target := filepath.Join(m.backupDir, filename)

	// VACUUM INTO refuses to overwrite an existing file
	if _, err := os.Stat(target); err == nil {
		return nil, fmt.Errorf("snapshot already exists: %s", filename)
	}

	if _, err := m.db.Exec(`VACUUM INTO ?`, target); err != nil {
		_ = os.Remove(target)
		audit.LogFailure(audit.OpBackupSnapshot, "", err)
		return nil, fmt.Errorf("failed to snapshot database: %w", err)
	}

	stat, err := os.Stat(target)
	if err != nil {
		return nil, fmt.Errorf("failed to stat snapshot: %w", err)
	}

	snapshot := &Snapshot{
		Timestamp: timestamp,
		Filename:  filename,
		SizeBytes: stat.Size(),
	}

	logger.Printf("📦 Created snapshot: %s (%d bytes)", filename, stat.Size())
	audit.Log(&audit.Event{
		Operation: audit.OpBackupSnapshot,
		Success:   true,
		Details:   map[string]interface{}{"filename": filename, "size_bytes": stat.Size()},
	})

	m.enforceRetention()

	return snapshot, nil
}

// ListSnapshots returns all stored snapshots, newest first
func (m *Manager) ListSnapshots() ([]Snapshot, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var snapshots []Snapshot
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}

		dateStr := strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), snapshotSuffix)
		timestamp, err := time.Parse(snapshotTimeFormat, dateStr)
		if err != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		snapshots = append(snapshots, Snapshot{
			Timestamp: timestamp,
			Filename:  name,
			SizeBytes: info.Size(),
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.After(snapshots[j].Timestamp)
	})

	return snapshots, nil
}

// enforceRetention removes snapshots beyond the retention count
func (m *Manager) enforceRetention() {
	if m.retention <= 0 {
		return
	}

	snapshots, err := m.ListSnapshots()
	if err != nil {
		return
	}

	for i := m.retention; i < len(snapshots); i++ {
		path := filepath.Join(m.backupDir, snapshots[i].Filename)
		if err := os.Remove(path); err == nil {
			logger.Printf("📦 Removed old snapshot: %s", snapshots[i].Filename)
		}
	}
}
