// Package main provides the entry point for the DataGuard API server.
// DataGuard is an inline governance layer for autonomous agents: every tool
// call an agent proposes is evaluated against deterministic policy rules and
// risk scoring before anything executes.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dataguard/dataguard/internal/api"
	"github.com/dataguard/dataguard/internal/config"
	"github.com/dataguard/dataguard/internal/engine"
	"github.com/dataguard/dataguard/internal/llm"
	"github.com/dataguard/dataguard/internal/policy"
	"github.com/dataguard/dataguard/internal/repository/postgres"
	"github.com/dataguard/dataguard/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dataguard",
		Short: "Inline governance layer for AI agents",
		Long: `DataGuard evaluates every tool call an AI agent proposes before it runs.

Features:
  • Deterministic first-match policy rules (allow/deny/rewrite/require_approval)
  • PII and prompt-injection detection with automatic redaction
  • Risk scoring with optional LLM blending
  • Rewrite catalogue that downgrades unsafe calls to safer equivalents
  • Human approval workflow with full audit trail`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the DataGuard API server",
		RunE:  runServer,
	}
	serveCmd.Flags().StringP("config", "c", "", "Path to configuration file")
	serveCmd.Flags().StringP("port", "p", "", "Port to listen on")
	serveCmd.Flags().Bool("debug", false, "Enable debug logging")

	validateCmd := &cobra.Command{
		Use:   "validate [policy-file...]",
		Short: "Validate policy documents",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runValidate,
	}

	rootCmd.AddCommand(serveCmd, validateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	debug, _ := cmd.Flags().GetBool("debug")
	configureLogging(debug)

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if port, _ := cmd.Flags().GetString("port"); port != "" {
		cfg.Server.Port = port
	}
	if !debug {
		applyLogLevel(cfg.Server.LogLevel)
	}

	log.Info().
		Str("version", version).
		Str("port", cfg.Server.Port).
		Msg("Starting DataGuard server")

	ctx := context.Background()
	catalogue := engine.NewCatalogue()

	// Active policy: file if present, built-in defaults otherwise.
	activePolicy := policy.Default()
	if cfg.Policy.DefaultPath != "" {
		if loaded, err := policy.Load(cfg.Policy.DefaultPath, catalogue); err == nil {
			activePolicy = loaded
			log.Info().
				Str("path", cfg.Policy.DefaultPath).
				Str("policy_id", loaded.PolicyID).
				Msg("Policy loaded")
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("loading policy: %w", err)
		} else {
			log.Info().Str("path", cfg.Policy.DefaultPath).Msg("No policy file, using built-in defaults")
		}
	}

	scorer, err := buildScorer(cfg)
	if err != nil {
		return err
	}

	orch := engine.NewOrchestrator(activePolicy, scorer, catalogue)

	deps := &api.RouterDeps{Orchestrator: orch}

	// Audit persistence is optional: without a database the engine still runs.
	if cfg.Database.URL != "" {
		db, err := postgres.NewFromDSN(ctx, cfg.Database.URL)
		if err != nil {
			log.Warn().Err(err).Msg("Database connection failed, audit persistence disabled")
		} else {
			auditRepo := postgres.NewAuditRepository(db)
			if err := auditRepo.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensuring audit schema: %w", err)
			}
			deps.AuditRepo = auditRepo
			defer db.Close()
		}
	} else {
		log.Info().Msg("No database configured, audit persistence disabled")
	}

	if cfg.OTEL.Enabled {
		tel, err := telemetry.NewProvider(telemetry.Config{
			ServiceName:    cfg.OTEL.ServiceName,
			ServiceVersion: cfg.OTEL.ServiceVersion,
			OTLPEndpoint:   cfg.OTEL.Endpoint,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Telemetry init failed, continuing without")
		} else {
			deps.Telemetry = tel
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("Telemetry shutdown error")
				}
			}()
		}
	}

	// Hot-reload the policy file on change.
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if cfg.Policy.Watch && cfg.Policy.DefaultPath != "" {
		go func() {
			if err := policy.Watch(watchCtx, cfg.Policy.DefaultPath, catalogue, orch.UpdatePolicy); err != nil && watchCtx.Err() == nil {
				log.Error().Err(err).Msg("Policy watcher stopped")
			}
		}()
	}

	router := api.NewRouter(cfg, deps)

	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down server...")
		if deps.StopRateLimiter != nil {
			deps.StopRateLimiter()
		}
		stopWatch()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info().Msg("Server stopped")
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	configureLogging(false)

	catalogue := engine.NewCatalogue()
	for _, path := range args {
		spec, err := policy.Load(path, catalogue)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		log.Info().
			Str("file", path).
			Str("policy_id", spec.PolicyID).
			Int("version", spec.Version).
			Int("rules", len(spec.Rules)).
			Msg("Policy valid")
	}
	return nil
}

// buildScorer selects the risk scorer backend from config.
func buildScorer(cfg *config.Config) (engine.RiskScorer, error) {
	switch cfg.LLM.Provider {
	case "", "stub":
		return engine.NewHeuristicScorer(), nil

	case "anthropic":
		provider, err := llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey: cfg.LLM.APIKey,
			Model:  cfg.LLM.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("building anthropic scorer: %w", err)
		}
		return engine.NewBlendedScorer(provider), nil

	case "openai":
		provider, err := llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey: cfg.LLM.APIKey,
			Model:  cfg.LLM.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("building openai scorer: %w", err)
		}
		return engine.NewBlendedScorer(provider), nil

	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.LLM.Provider)
	}
}

func configureLogging(debug bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func applyLogLevel(level string) {
	if parsed, err := zerolog.ParseLevel(level); err == nil && parsed != zerolog.NoLevel {
		zerolog.SetGlobalLevel(parsed)
	}
}
