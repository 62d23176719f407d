package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	instance *Logger
	once     sync.Once
)

// Logger fans log lines out to the console and a daily file. All package
// functions are safe no-ops until Init runs.
type Logger struct {
	mu      sync.Mutex
	info    *log.Logger
	errs    *log.Logger
	verbose *log.Logger
	file    *os.File
	debugOn bool
}

// Init initializes the global logger writing to stdout and the log file
func Init(logDir string) error {
	var initErr error
	once.Do(func() {
		instance, initErr = open(logDir, true)
	})
	return initErr
}

// InitFileOnly initializes the global logger writing to the log file and
// stderr only. The permission bridge uses this: its stdout carries protocol
// frames and must stay clean.
func InitFileOnly(logDir string) error {
	var initErr error
	once.Do(func() {
		instance, initErr = open(logDir, false)
	})
	return initErr
}

func open(logDir string, console bool) (*Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// One file per day so old logs age out with the maintenance sweep
	name := fmt.Sprintf("memva-%s.log", time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	infoDst := io.Writer(file)
	if console {
		infoDst = io.MultiWriter(os.Stdout, file)
	}
	// Stderr never carries protocol frames, so errors always reach it
	errDst := io.MultiWriter(os.Stderr, file)

	return &Logger{
		info:    log.New(infoDst, "", log.LstdFlags),
		errs:    log.New(errDst, "ERROR: ", log.LstdFlags),
		verbose: log.New(file, "DEBUG: ", log.LstdFlags),
		file:    file,
		debugOn: os.Getenv("MEMVA_DEBUG") != "",
	}, nil
}

// Close closes the log file
func Close() error {
	if instance == nil || instance.file == nil {
		return nil
	}
	return instance.file.Close()
}

func (l *Logger) printf(dst *log.Logger, format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	dst.Printf(format, v...)
}

// Info logs an informational message
func Info(format string, v ...interface{}) {
	if instance != nil {
		instance.printf(instance.info, format, v...)
	}
}

// Error logs an error message
func Error(format string, v ...interface{}) {
	if instance != nil {
		instance.printf(instance.errs, format, v...)
	}
}

// Debug logs a verbose message to the log file only. Enabled by setting
// MEMVA_DEBUG in the environment; otherwise a no-op.
func Debug(format string, v ...interface{}) {
	if instance != nil && instance.debugOn {
		instance.printf(instance.verbose, format, v...)
	}
}

// Printf logs a formatted message
func Printf(format string, v ...interface{}) {
	if instance != nil {
		instance.printf(instance.info, format, v...)
	}
}

// Println logs a simple message
func Println(v ...interface{}) {
	if instance != nil {
		instance.mu.Lock()
		defer instance.mu.Unlock()
		instance.info.Println(v...)
	}
}

// Fatal logs a fatal error and exits
func Fatal(v ...interface{}) {
	if instance == nil {
		log.Fatal(v...)
	}
	instance.mu.Lock()
	instance.errs.Print(v...)
	os.Exit(1)
}

// Fatalf logs a formatted fatal error and exits
func Fatalf(format string, v ...interface{}) {
	if instance == nil {
		log.Fatalf(format, v...)
	}
	instance.mu.Lock()
	instance.errs.Printf(format, v...)
	os.Exit(1)
}
