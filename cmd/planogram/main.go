package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	planogram "github.com/vivaneiona/genkit-planogram"
	"github.com/vivaneiona/genkit-planogram/internal/config"
)

var version = "0.1.0-dev"

func main() {
	cfg := config.Load()
	var verbose bool

	rootCmd := &cobra.Command{
		Use:           "planogram",
		Short:         "Planogram extraction from retail shelf photographs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := cfg.LogLevel
			if verbose {
				level = "debug"
			}
			slog.SetDefault(newLogger(level))
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(map[string]any{"version": version})
		},
	}

	rootCmd.AddCommand(
		versionCmd,
		newRunCmd(cfg),
		newExplainCmd(cfg),
		newConfigCmd(cfg),
		newEnqueueCmd(cfg),
		newWorkerCmd(cfg),
		newStatsCmd(cfg),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: l}))
}

// newOrchestrator wires the Gemini client, rate limiter and templates.
func newOrchestrator(ctx context.Context, cfg *config.Config) (*planogram.Orchestrator, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}
	client, err := planogram.NewGeminiClient(ctx, cfg.GeminiAPIKey)
	if err != nil {
		return nil, err
	}
	log := slog.Default()
	inv := planogram.NewGenAIInvoker(client,
		planogram.WithInvokerLogger(log),
		planogram.WithTransportRetry(cfg.TransportRetry, defaultBackoff),
	)
	templates, err := templateProvider(cfg)
	if err != nil {
		return nil, err
	}
	return planogram.New(
		planogram.WithLogger(log),
		planogram.WithInvoker(planogram.NewRateLimitedInvoker(inv, cfg.RequestsPerMin)),
		planogram.WithTemplates(templates),
		planogram.WithInvokeTimeout(cfg.InvokeTimeout),
	)
}

func templateProvider(cfg *config.Config) (*planogram.StickTemplateProvider, error) {
	var opts []planogram.TemplateOption
	if cfg.TemplateDir != "" {
		opts = append(opts, planogram.WithFS(os.DirFS(cfg.TemplateDir), "."))
	}
	p, err := planogram.NewStickTemplateProvider(opts...)
	if err != nil {
		return nil, fmt.Errorf("load templates from %s: %w", cfg.TemplateDir, err)
	}
	return p, nil
}

func printJSON(data any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}
