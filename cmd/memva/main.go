package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/memva/memva/internal/backup"
	"github.com/memva/memva/internal/claude"
	"github.com/memva/memva/internal/config"
	"github.com/memva/memva/internal/event"
	"github.com/memva/memva/internal/job"
	"github.com/memva/memva/internal/logger"
	"github.com/memva/memva/internal/maintenance"
	"github.com/memva/memva/internal/mcp"
	"github.com/memva/memva/internal/permission"
	"github.com/memva/memva/internal/runner"
	"github.com/memva/memva/internal/runs"
	"github.com/memva/memva/internal/session"
	"github.com/memva/memva/internal/store"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

// staleJobAge is how long a running job may sit without a heartbeat before
// startup recovery reclaims it. The worker refreshes every 30 seconds, so
// anything older belongs to a dead process.
const staleJobAge = 5 * time.Minute

func main() {
	// Check for subcommands before parsing flags
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			runServe(os.Args[2:])
			return
		case "sessions":
			cmdSessions(os.Args[2:])
			return
		case "enqueue":
			cmdEnqueue(os.Args[2:])
			return
		case "stop":
			cmdStop(os.Args[2:])
			return
		case "permissions":
			cmdPermissions(os.Args[2:])
			return
		case "decide":
			cmdDecide(os.Args[2:])
			return
		case "jobs":
			cmdJobs(os.Args[2:])
			return
		case "backup":
			cmdBackup(os.Args[2:])
			return
		case "version", "--version", "-v":
			fmt.Printf("memva %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}

	// Default: run the daemon
	runServe(os.Args[1:])
}

func printUsage() {
	fmt.Printf(`Memva %s - Session Manager for the Claude Code CLI

Usage: memva [command] [options]

Commands:
  (default)    Start the daemon (job worker + MCP control surface)
  serve        Same as the default, spelled out
  sessions     List sessions
  enqueue      Queue a prompt for a session
  stop         Stop a session's active run
  permissions  List permission requests
  decide       Approve or deny a permission request
  jobs         List background jobs
  backup       Snapshot the database, or list snapshots
  version      Print version

Server Options:
  --data-dir <path>  Memva data directory
  --daemon           Start in background and exit when ready

Config Precedence:
  1. --data-dir flag
  2. MEMVA_HOME env var
  3. ~/.memva (default)

Examples:
  memva                                  Start the daemon
  memva --data-dir /srv/memva            Start with a specific data directory
  memva --daemon                         Start in background
  memva sessions                         List active sessions
  memva enqueue <session-id> "fix the failing tests"
  memva permissions                      Show pending approval requests
  memva decide <request-id> allow        Approve a request
  memva backup list                      Show stored snapshots
`, Version)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	showVersion := fs.Bool("version", false, "Print version and exit")
	dirFlag := fs.String("data-dir", "", "Memva data directory (default: ~/.memva)")
	daemonFlag := fs.Bool("daemon", false, "Run in background and exit after the server is ready")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Printf("memva %s\n", Version)
		os.Exit(0)
	}

	// Daemon mode: re-exec in background and wait for health check
	if *daemonFlag {
		runDaemon(*dirFlag)
		return
	}

	dataDir, err := config.DataDir(*dirFlag)
	if err != nil {
		log.Fatalf("Failed to resolve data directory: %v", err)
	}
	if err := config.EnsureLayout(dataDir); err != nil {
		log.Fatalf("Failed to prepare data directory: %v", err)
	}

	// The claude CLI spawns the bridge with only --session-id; the bridge
	// finds the same store through the inherited environment
	_ = os.Setenv("MEMVA_HOME", dataDir)

	cfg, err := config.Load(dataDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(config.LogDir(dataDir)); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Println("🧠 Memva - Session Manager for the Claude Code CLI")
	logger.Println("")

	dbPath := config.DBPath(dataDir)
	db, err := store.Open(dbPath)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}
	defer func() { _ = db.Close() }()

	sessions := session.NewStore(db)
	events := event.NewLog(db)
	jobs := job.NewStore(db)
	permissions := permission.NewStore(db)

	logger.Printf("📁 Data directory: %s", dataDir)
	logger.Printf("💾 Database: %s", dbPath)
	logger.Printf("📝 Logs directory: %s", config.LogDir(dataDir))
	logger.Println("")

	// Reclaim jobs a previous process died holding
	if recovered, err := jobs.RecoverStale(staleJobAge); err != nil {
		logger.Printf("⚠️  Failed to recover stale jobs: %v", err)
	} else if recovered > 0 {
		logger.Printf("🔄 Recovered %d stale jobs from a previous run", recovered)
	}

	bridgePath := locateBridge()
	if bridgePath == "" {
		logger.Println("⚠️  memva-bridge not found next to the binary or on PATH")
		logger.Println("   Runs will proceed without interactive permission prompts")
	} else {
		logger.Printf("🔐 Permission bridge: %s", bridgePath)
	}

	driver := claude.NewDriver(cfg.Claude.Executable)

	sessionRunner := runner.New(runner.Config{
		Sessions:     sessions,
		Events:       events,
		Jobs:         jobs,
		Driver:       driver,
		BridgePath:   bridgePath,
		AllowedTools: cfg.Claude.AllowedTools,
		RunTimeout:   time.Duration(cfg.Claude.RunTimeoutHours) * time.Hour,
	})

	maintHandler := maintenance.NewHandler(maintenance.HandlerConfig{
		Permissions:  permissions,
		Jobs:         jobs,
		TmpDir:       config.TmpDir(dataDir),
		JobRetention: time.Duration(cfg.Maintenance.JobRetentionDays) * 24 * time.Hour,
	})

	worker := job.NewWorker(jobs, job.Config{
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: time.Duration(cfg.Worker.PollIntervalMS) * time.Millisecond,
	})
	if err := sessionRunner.Register(worker); err != nil {
		logger.Fatalf("Failed to register run handler: %v", err)
	}
	if err := maintHandler.Register(worker); err != nil {
		logger.Fatalf("Failed to register maintenance handler: %v", err)
	}
	if err := worker.Start(); err != nil {
		logger.Fatalf("Failed to start worker: %v", err)
	}

	scheduler, err := maintenance.NewScheduler(maintenance.SchedulerConfig{
		Jobs:                jobs,
		PermissionSweepCron: cfg.Maintenance.PermissionSweepCron,
		JobSweepCron:        cfg.Maintenance.JobPruneCron,
	})
	if err != nil {
		logger.Fatalf("Invalid maintenance schedule: %v", err)
	}
	scheduler.Start()

	var backupMgr *backup.Manager
	if cfg.Backup.Enabled {
		backupMgr, err = backup.New(backup.Config{
			DB:        db,
			BackupDir: config.BackupDir(dataDir),
			Retention: cfg.Backup.Retention,
			Interval:  time.Duration(cfg.Backup.IntervalHours) * time.Hour,
		})
		if err != nil {
			logger.Printf("⚠️  Failed to initialize backup: %v", err)
		} else {
			backupMgr.Start()
		}
	}

	runMgr := runs.NewManager(runs.Config{
		Sessions:    sessions,
		Events:      events,
		Jobs:        jobs,
		Permissions: permissions,
	})

	server := mcp.NewServer(mcp.Config{
		DB:          db,
		Sessions:    sessions,
		Events:      events,
		Jobs:        jobs,
		Permissions: permissions,
		Runs:        runMgr,
	})

	logger.Println("")
	logger.Println("🚀 Starting Memva MCP server...")
	logger.Printf("📡 Server address: http://%s/mcp", cfg.Server.Address)
	logger.Println("   Use the session, run, permission, job and settings tools to manage work")
	logger.Println("")

	// Setup graceful shutdown
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Serve(cfg.Server.Address)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErr:
		logger.Fatalf("Server error: %v", err)
	case sig := <-shutdownChan:
		logger.Printf("⚠️  Received signal %v, initiating graceful shutdown...", sig)

		// New maintenance work first, then in-flight jobs, then the
		// denial timers that may still want to cancel jobs
		logger.Println("   Stopping maintenance scheduler...")
		scheduler.Stop()

		logger.Println("   Stopping job worker...")
		_ = worker.Stop()

		logger.Println("   Flushing run manager...")
		runMgr.Close()

		if backupMgr != nil {
			logger.Println("   Stopping backup...")
			backupMgr.Stop()
		}

		logger.Println("   Closing database...")
		_ = db.Close()

		logger.Println("✅ Shutdown complete")
		_ = logger.Close()

		os.Exit(0) //nolint:gocritic // intentional exit after manual cleanup
	}
}

// locateBridge finds the memva-bridge executable the driver hands to the
// assistant CLI, preferring the copy installed next to the daemon binary
func locateBridge() string {
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), "memva-bridge")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	if path, err := exec.LookPath("memva-bridge"); err == nil {
		return path
	}
	return ""
}

// runDaemon re-execs the server in the background via nohup and waits for
// its health endpoint to come up
func runDaemon(dirFlag string) {
	executable, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error finding executable: %v\n", err)
		os.Exit(1)
	}

	dataDir, err := config.DataDir(dirFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving data directory: %v\n", err)
		os.Exit(1)
	}
	if err := config.EnsureLayout(dataDir); err != nil {
		fmt.Fprintf(os.Stderr, "Error preparing data directory: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// The listener may bind a wildcard host; health checks go to localhost
	addr := cfg.Server.Address
	port := addr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		port = addr[idx+1:]
	}
	healthURL := fmt.Sprintf("http://localhost:%s/health", port)

	// Check if already running
	resp, err := http.Get(healthURL)
	if err == nil {
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Printf("✅ Memva already running on port %s\n", port)
			os.Exit(0)
		}
	}

	logFile := filepath.Join(config.LogDir(dataDir), "daemon.log")
	cmdStr := fmt.Sprintf("nohup %s", executable)
	if dirFlag != "" {
		cmdStr += fmt.Sprintf(" --data-dir %s", dirFlag)
	}
	cmdStr += fmt.Sprintf(" > %s 2>&1 &", logFile)

	cmd := exec.Command("sh", "-c", cmdStr)
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Starting memva on port %s...\n", port)

	maxWait := 30 * time.Second
	checkInterval := 500 * time.Millisecond
	deadline := time.Now().Add(maxWait)

	for time.Now().Before(deadline) {
		resp, err := http.Get(healthURL)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				fmt.Printf("✅ Memva running on port %s\n", port)
				os.Exit(0)
			}
		}
		time.Sleep(checkInterval)
	}

	fmt.Fprintf(os.Stderr, "Error: server failed to start within %v\n", maxWait)
	fmt.Fprintf(os.Stderr, "Check logs at: %s\n", logFile)
	os.Exit(1)
}

// openDB resolves the data directory and opens the shared store for a
// one-shot ops command. Internal logging goes to the log file so stdout
// stays clean for command output.
func openDB(dirFlag string) (*sql.DB, string) {
	dataDir, err := config.DataDir(dirFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := config.EnsureLayout(dataDir); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := logger.InitFileOnly(config.LogDir(dataDir)); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	db, err := store.Open(config.DBPath(dataDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	return db, dataDir
}

// newRunManager wires a runs.Manager over an open store. Ops commands share
// the database with the daemon; the job rows they touch are observed by the
// daemon's worker.
func newRunManager(db *sql.DB) *runs.Manager {
	return runs.NewManager(runs.Config{
		Sessions:    session.NewStore(db),
		Events:      event.NewLog(db),
		Jobs:        job.NewStore(db),
		Permissions: permission.NewStore(db),
	})
}

func cmdSessions(args []string) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	dirFlag := fs.String("data-dir", "", "Memva data directory")
	allFlag := fs.Bool("all", false, "Include archived sessions")
	_ = fs.Parse(args)

	db, _ := openDB(*dirFlag)
	defer func() { _ = db.Close() }()

	filter := &session.ListFilter{Status: session.StatusActive}
	if *allFlag {
		filter = nil
	}

	list, err := session.NewStore(db).List(filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing sessions: %v\n", err)
		os.Exit(1)
	}

	if len(list) == 0 {
		fmt.Println("No sessions found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTITLE\tPROJECT\tSTATUS\tCLAUDE\tUPDATED")
	_, _ = fmt.Fprintln(w, "--\t-----\t-------\t------\t------\t-------")

	for _, s := range list {
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID,
			title,
			s.ProjectName(),
			s.Status,
			s.ClaudeStatus,
			s.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func cmdEnqueue(args []string) {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	dirFlag := fs.String("data-dir", "", "Memva data directory")
	userFlag := fs.String("user", "", "User id recorded on the prompt event")
	_ = fs.Parse(args)

	rest := fs.Args()
	if len(rest) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: memva enqueue [options] <session-id> <prompt>")
		os.Exit(1)
	}
	sessionID := rest[0]
	prompt := strings.Join(rest[1:], " ")

	db, _ := openDB(*dirFlag)
	defer func() { _ = db.Close() }()

	mgr := newRunManager(db)
	defer mgr.Close()

	jobID, err := mgr.EnqueueRun(sessionID, prompt, *userFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Enqueued job %s for session %s\n", jobID, sessionID)
	fmt.Println("The daemon's worker will pick it up.")
}

func cmdStop(args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	dirFlag := fs.String("data-dir", "", "Memva data directory")
	_ = fs.Parse(args)

	rest := fs.Args()
	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: memva stop [options] <session-id>")
		os.Exit(1)
	}
	sessionID := rest[0]

	db, _ := openDB(*dirFlag)
	defer func() { _ = db.Close() }()

	mgr := newRunManager(db)
	defer mgr.Close()

	if err := mgr.StopRun(sessionID); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Stop requested for session %s\n", sessionID)
}

func cmdPermissions(args []string) {
	fs := flag.NewFlagSet("permissions", flag.ExitOnError)
	dirFlag := fs.String("data-dir", "", "Memva data directory")
	sessionFlag := fs.String("session", "", "Only requests for this session")
	allFlag := fs.Bool("all", false, "Include decided and expired requests")
	_ = fs.Parse(args)

	db, _ := openDB(*dirFlag)
	defer func() { _ = db.Close() }()

	filter := &permission.ListFilter{SessionID: *sessionFlag}
	if !*allFlag {
		filter.Status = permission.StatusPending
	}

	list, err := permission.NewStore(db).List(filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing permission requests: %v\n", err)
		os.Exit(1)
	}

	if len(list) == 0 {
		fmt.Println("No permission requests found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSESSION\tTOOL\tSTATUS\tCREATED\tEXPIRES")
	_, _ = fmt.Fprintln(w, "--\t-------\t----\t------\t-------\t-------")

	for _, req := range list {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			req.ID,
			req.SessionID,
			req.ToolName,
			req.Status,
			req.CreatedAt.Format("2006-01-02 15:04"),
			req.ExpiresAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()

	fmt.Println()
	fmt.Println("Decide one with: memva decide <request-id> allow|deny")
}

func cmdDecide(args []string) {
	fs := flag.NewFlagSet("decide", flag.ExitOnError)
	dirFlag := fs.String("data-dir", "", "Memva data directory")
	_ = fs.Parse(args)

	rest := fs.Args()
	if len(rest) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: memva decide [options] <request-id> <allow|deny>")
		os.Exit(1)
	}
	requestID, decision := rest[0], rest[1]

	db, _ := openDB(*dirFlag)
	defer func() { _ = db.Close() }()

	// Close flushes the delayed cancel a denial may have scheduled; a
	// one-shot process cannot leave timers behind
	mgr := newRunManager(db)
	defer mgr.Close()

	decided, err := mgr.DecidePermission(requestID, decision)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Permission %s (%s): %s\n", decided.ID, decided.ToolName, decided.Status)
}

func cmdJobs(args []string) {
	fs := flag.NewFlagSet("jobs", flag.ExitOnError)
	dirFlag := fs.String("data-dir", "", "Memva data directory")
	statusFlag := fs.String("status", "", "Filter by status (pending, running, completed, failed, cancelled)")
	typeFlag := fs.String("type", "", "Filter by job type")
	limitFlag := fs.Int("limit", 20, "Maximum rows to show")
	statsFlag := fs.Bool("stats", false, "Show per-status counts instead of rows")
	_ = fs.Parse(args)

	db, _ := openDB(*dirFlag)
	defer func() { _ = db.Close() }()

	jobs := job.NewStore(db)

	if *statsFlag {
		counts, err := jobs.CountByStatus()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting jobs: %v\n", err)
			os.Exit(1)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "STATUS\tCOUNT")
		_, _ = fmt.Fprintln(w, "------\t-----")
		for _, status := range []job.Status{job.StatusPending, job.StatusRunning, job.StatusCompleted, job.StatusFailed, job.StatusCancelled} {
			_, _ = fmt.Fprintf(w, "%s\t%d\n", status, counts[status])
		}
		_ = w.Flush()
		return
	}

	list, err := jobs.List(job.ListFilter{
		Status: job.Status(*statusFlag),
		Type:   *typeFlag,
		Limit:  *limitFlag,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing jobs: %v\n", err)
		os.Exit(1)
	}

	if len(list) == 0 {
		fmt.Println("No jobs found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tATTEMPTS\tCREATED\tCOMPLETED")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t--------\t-------\t---------")

	for _, j := range list {
		completed := "-"
		if j.CompletedAt != nil {
			completed = j.CompletedAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			j.ID,
			j.Type,
			j.Status,
			j.Attempts,
			j.MaxAttempts,
			j.CreatedAt.Format("2006-01-02 15:04"),
			completed,
		)
	}
	_ = w.Flush()
}

func cmdBackup(args []string) {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	dirFlag := fs.String("data-dir", "", "Memva data directory")
	_ = fs.Parse(args)

	db, dataDir := openDB(*dirFlag)
	defer func() { _ = db.Close() }()

	cfg, err := config.Load(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Interval zero: the ticker stays off, this process only acts on demand
	mgr, err := backup.New(backup.Config{
		DB:        db,
		BackupDir: config.BackupDir(dataDir),
		Retention: cfg.Backup.Retention,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if rest := fs.Args(); len(rest) > 0 && rest[0] == "list" {
		snaps, err := mgr.ListSnapshots()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing snapshots: %v\n", err)
			os.Exit(1)
		}
		if len(snaps) == 0 {
			fmt.Println("No snapshots found.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "FILENAME\tSIZE\tCREATED")
		_, _ = fmt.Fprintln(w, "--------\t----\t-------")
		for _, snap := range snaps {
			_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n",
				snap.Filename,
				snap.SizeBytes,
				snap.Timestamp.Format("2006-01-02 15:04"),
			)
		}
		_ = w.Flush()
		return
	}

	snap, err := mgr.Snapshot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating snapshot: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Snapshot written: %s (%d bytes)\n", snap.Filename, snap.SizeBytes)
}
