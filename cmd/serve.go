package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/subtrack/internal/bus"
	"github.com/nextlevelbuilder/subtrack/internal/config"
	"github.com/nextlevelbuilder/subtrack/internal/gateway"
	"github.com/nextlevelbuilder/subtrack/internal/sessions"
	"github.com/nextlevelbuilder/subtrack/internal/subagents"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the registry daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(parent context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := gateway.Dial(ctx, cfg.Gateway.URL, cfg.Gateway.Token, cfg.Gateway.RatePerSecond, slog.Default())
	if err != nil {
		return fmt.Errorf("connect gateway: %w", err)
	}
	defer gw.Close()

	store := sessions.NewFileStore(cfg.SessionsFile, slog.Default())
	eventBus := bus.New()

	registry := subagents.NewRegistry(subagents.Deps{
		Gateway:  gw,
		Bus:      eventBus,
		Sessions: store,
		Logger:   slog.Default(),
		Settings: subagents.Settings{
			SnapshotPath:        filepath.Join(cfg.DataDir, "subagent-runs.json"),
			ArchiveAfterMinutes: cfg.Subagents.ArchiveAfterMinutes,
			DefaultRunTimeout:   time.Duration(cfg.Subagents.RunTimeoutSeconds) * time.Second,
			SettleTimeout:       time.Duration(cfg.Subagents.SettleTimeoutMs) * time.Millisecond,
			OutputPollInterval:  time.Duration(cfg.Subagents.OutputPollMs) * time.Millisecond,
			SweepInterval:       time.Duration(cfg.Subagents.SweepIntervalSeconds) * time.Second,
			CallTimeout:         time.Duration(cfg.Gateway.CallTimeoutSeconds) * time.Second,
			QueueMode:           cfg.Subagents.QueueMode,
			QueueDebounce:       time.Duration(cfg.Subagents.QueueDebounceMs) * time.Millisecond,
		},
	})
	defer registry.Close()

	registry.RestoreOnce()
	slog.Info("subtrackd started", "dataDir", cfg.DataDir, "gateway", cfg.Gateway.URL)

	<-ctx.Done()
	slog.Info("subtrackd shutting down")
	return nil
}
