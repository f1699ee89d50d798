// Agent host - runs coding-agent sessions against local workspaces and
// serves their output, tool execution, and dev-server previews over HTTP.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/workspace/agent-host/internal/config"
	"github.com/workspace/agent-host/internal/logging"
	"github.com/workspace/agent-host/internal/orchestrator"
	"github.com/workspace/agent-host/internal/persistence"
	"github.com/workspace/agent-host/internal/preview"
	"github.com/workspace/agent-host/internal/server"
	"github.com/workspace/agent-host/internal/synthesis"
	"github.com/workspace/agent-host/internal/toolcall"
	"github.com/workspace/agent-host/internal/workspace"
)

func main() {
	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Configuration loaded", "port", cfg.Port, "workspacesRoot", cfg.WorkspacesRoot)

	workspaces := workspace.NewManager(cfg.WorkspacesRoot)
	ports := preview.NewPortRegistry(cfg.ReservedPorts, cfg.PortTTL)
	devServers := preview.NewDevServerRegistry()
	commands := preview.NewCommandRegistry()

	var applier synthesis.Applier
	if cfg.SynthesisURL != "" {
		applier = synthesis.NewClient(synthesis.Config{
			BaseURL:   cfg.SynthesisURL,
			AuthToken: cfg.SynthesisToken,
		})
	} else {
		slog.Warn("SYNTHESIS_URL not set; edit_file and reapply tools are disabled")
		applier = synthesis.Disabled{}
	}

	router := toolcall.New(workspaces, ports, devServers, commands, applier, toolcall.Config{
		ShellTimeout: cfg.ShellTimeout,
		GraceWindow:  cfg.GraceWindow,
		LintTimeout:  cfg.LintTimeout,
		ProbeTimeout: cfg.ProbeTimeout,
		LintCommand:  cfg.LintCommand,
	})

	var store *persistence.Store
	if cfg.PersistenceDBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.PersistenceDBPath), 0o755); err != nil {
			slog.Error("Failed to create persistence directory", "error", err)
			os.Exit(1)
		}
		store, err = persistence.Open(cfg.PersistenceDBPath)
		if err != nil {
			slog.Error("Failed to open persistence store", "error", err)
			os.Exit(1)
		}
		defer store.Close()
	} else {
		slog.Warn("PERSISTENCE_DB_PATH not set; session continuity is disabled")
	}

	orch := orchestrator.New(orchestrator.Config{
		AgentCommand:       cfg.AgentCommand,
		AgentArgs:          cfg.AgentArgs,
		DefaultModel:       cfg.DefaultModel,
		SystemInstructions: cfg.SystemInstructions,
		DisabledTools:      cfg.DisabledTools,
		ToolTimeout:        cfg.ToolTimeout,
	}, workspaces, router, store, nil)

	srv := server.New(cfg, orch, commands, ports)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		slog.Error("Server error", "error", err)
		os.Exit(1)
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		slog.Warn("Error during shutdown", "error", err)
	}

	slog.Info("Agent host stopped")
}
