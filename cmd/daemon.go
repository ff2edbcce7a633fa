package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotsetlabs/dotclaw/internal/agent"
	"github.com/dotsetlabs/dotclaw/internal/config"
	"github.com/dotsetlabs/dotclaw/internal/daemon"
	"github.com/dotsetlabs/dotclaw/internal/providers"
	"github.com/dotsetlabs/dotclaw/internal/sessions"
	"github.com/dotsetlabs/dotclaw/internal/telemetry"
	"github.com/dotsetlabs/dotclaw/internal/tools"
)

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the request-spool daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTelemetry(flushCtx)
	}()

	runner, err := buildRunner(cfg)
	if err != nil {
		return err
	}
	d, err := daemon.New(cfg, runner)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

func buildRunner(cfg *config.Config) (*agent.Runner, error) {
	if cfg.OpenRouter.APIKey == "" {
		return nil, fmt.Errorf("no API key: set DOTCLAW_API_KEY or OPENROUTER_API_KEY")
	}

	provider := providers.NewOpenRouterClient(cfg.OpenRouter)
	store, err := sessions.NewStore(cfg.SessionRoot)
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry, cfg.Workspace, true)

	return agent.NewRunner(cfg, provider, store, registry), nil
}
