package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/slidewire/slidewire/internal/auth"
	"github.com/slidewire/slidewire/internal/config"
	"github.com/slidewire/slidewire/internal/event"
	"github.com/slidewire/slidewire/internal/gateway"
	"github.com/slidewire/slidewire/internal/logging"
	"github.com/slidewire/slidewire/internal/router"
	"github.com/slidewire/slidewire/internal/server"
	"github.com/slidewire/slidewire/internal/session"
	"github.com/slidewire/slidewire/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration server",
	Long: `Starts the websocket server and runs until interrupted.
Sessions idle past their TTL are swept; connections are drained on
shutdown.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer logger.Close()

	for _, w := range cfg.Warnings() {
		logger.Warn("configuration", "warning", w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	verifier, err := buildVerifier(cfg.Auth)
	if err != nil {
		return err
	}

	collaborators, err := buildCollaborators(cfg.Gateway)
	if err != nil {
		return err
	}
	gw := gateway.New(collaborators, cfg.Gateway.CallTimeout(), logger)

	bus := event.NewBus()
	store := session.NewStore(cfg.Session.TTL(), cfg.Session.SweepInterval())
	rt := router.New(store, logger)
	store.OnDelete(rt.Release)

	orch := workflow.New(store, gw, rt, bus, logger, workflow.Config{
		MaxClarificationRounds: cfg.Workflow.MaxClarificationRounds,
		CompletenessThreshold:  cfg.Workflow.CompletenessThreshold,
		Retry: workflow.Policy{
			MaxRetries: cfg.Workflow.MaxRetries,
			Base:       cfg.Workflow.BackoffBase(),
			Max:        cfg.Workflow.BackoffMax(),
		},
	})
	rt.SetProcessor(orch)

	rt.Start(ctx)
	store.Start(ctx)

	logger.Info("starting",
		"gateway_mode", cfg.Gateway.Mode,
		"collaborators", gw.Names(),
		"session_ttl", cfg.Session.TTL())

	srv := server.New(cfg.Server, verifier, rt, store, bus, logger)
	srv.SetGatewayMode(cfg.Gateway.Mode)
	return srv.ListenAndServe(ctx)
}

func buildVerifier(cfg config.AuthConfig) (auth.Verifier, error) {
	switch cfg.Mode {
	case "static":
		return auth.NewStaticVerifier(cfg.Tokens), nil
	case "http":
		return auth.NewHTTPVerifier(cfg.Endpoint, cfg.VerifyTimeout()), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

func buildCollaborators(cfg config.GatewayConfig) (map[gateway.Task]gateway.Collaborator, error) {
	switch cfg.Mode {
	case "mock":
		return gateway.NewMockSet(), nil
	case "openai":
		apiKey := cfg.OpenAI.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("gateway mode openai requires an API key")
		}
		return gateway.NewOpenAISet(apiKey, cfg.OpenAI.Model), nil
	default:
		return nil, fmt.Errorf("unknown gateway mode %q", cfg.Mode)
	}
}
