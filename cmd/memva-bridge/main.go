// memva-bridge is the per-session permission bridge. The claude CLI spawns
// it as a stdio MCP server and calls its approval_prompt tool whenever a
// gated tool needs sign-off; the bridge records the request in the shared
// memva store and blocks until a human decision lands there.
//
// Stdout belongs to the MCP transport, so all diagnostics go to the log
// file in the data directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/memva/memva/internal/bridge"
	"github.com/memva/memva/internal/config"
	"github.com/memva/memva/internal/logger"
	"github.com/memva/memva/internal/permission"
	"github.com/memva/memva/internal/store"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	dirFlag := flag.String("data-dir", "", "Memva data directory (default: MEMVA_HOME or ~/.memva)")
	sessionID := flag.String("session-id", "", "Session this bridge serves (required)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("memva-bridge %s\n", Version)
		return
	}

	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "memva-bridge: --session-id is required")
		os.Exit(1)
	}

	dataDir, err := config.DataDir(*dirFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "memva-bridge: %v\n", err)
		os.Exit(1)
	}
	if err := config.EnsureLayout(dataDir); err != nil {
		fmt.Fprintf(os.Stderr, "memva-bridge: %v\n", err)
		os.Exit(1)
	}

	if err := logger.InitFileOnly(config.LogDir(dataDir)); err != nil {
		fmt.Fprintf(os.Stderr, "memva-bridge: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Close() }()

	db, err := store.Open(config.DBPath(dataDir))
	if err != nil {
		logger.Error("Failed to open store: %v", err)
		fmt.Fprintf(os.Stderr, "memva-bridge: failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	// The run driver stops the CLI with a signal to its process group, which
	// includes this process; treat it as a normal shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bridge.New(bridge.Config{
		SessionID:   *sessionID,
		Permissions: permission.NewStore(db),
	})

	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Bridge server error: %v", err)
		fmt.Fprintf(os.Stderr, "memva-bridge: server error: %v\n", err)
		os.Exit(1)
	}

	logger.Printf("🔐 Permission bridge for session %s exiting", *sessionID)
}
