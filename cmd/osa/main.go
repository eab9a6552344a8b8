package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/miosa-osa/osa/internal/application"
	"github.com/miosa-osa/osa/internal/domain/agent"
	"github.com/miosa-osa/osa/internal/infrastructure/config"
	"github.com/miosa-osa/osa/internal/infrastructure/logger"
	"github.com/miosa-osa/osa/internal/interfaces/cli"
)

const (
	appName    = "osa"
	appVersion = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   appName + " [message]",
		Short: "OSA — agent core runtime",
		Long:  "OSA runs an interactive agent console by default; pass a message for a one-shot turn, or use `osa serve` for the HTTP runtime.",
		Args:  cobra.ArbitraryArgs,
		RunE:  runChat,
	}
	rootCmd.Flags().StringP("model", "m", "", "model override (provider/name)")
	rootCmd.Flags().StringP("workspace", "w", "", "workspace directory (default: cwd)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the full runtime with the HTTP API",
		RunE:  runServe,
	})

	classifyCmd := &cobra.Command{
		Use:   "classify <message>",
		Short: "Classify a message through the signal pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runClassify,
	}
	rootCmd.AddCommand(classifyCmd)

	orchestrateCmd := &cobra.Command{
		Use:   "orchestrate <task>",
		Short: "Decompose a task into a role DAG and run it wave by wave",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runOrchestrate,
	}
	orchestrateCmd.Flags().String("strategy", "full", "decomposition strategy: full, fast, research")
	rootCmd.AddCommand(orchestrateCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildApp loads config, applies flag overrides, and assembles the runtime.
// The console wants a quiet logger so renders are not interleaved with logs.
func buildApp(cmd *cobra.Command, quiet bool) (*application.App, *config.Config, *zap.Logger, error) {
	level, format := "info", "json"
	if quiet {
		level, format = "warn", "console"
	}
	log, err := logger.New(logger.Config{Level: level, Format: format, OutputPath: "stderr"})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger init: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config: %w", err)
	}
	if m, _ := cmd.Flags().GetString("model"); m != "" {
		cfg.Agent.Model = m
	}
	if w, _ := cmd.Flags().GetString("workspace"); w != "" {
		cfg.Agent.Workspace = w
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	app, err := application.New(ctx, cfg, appVersion, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("runtime init: %w", err)
	}
	return app, cfg, log, nil
}

func runChat(cmd *cobra.Command, args []string) error {
	app, cfg, log, err := buildApp(cmd, true)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer stopApp(app)

	// Trailing args mean a one-shot turn, no console.
	if len(args) > 0 {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		result, err := app.Sessions().HandleMessage(ctx, uuid.NewString(), "cli", strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Println(result.Content)
		return nil
	}

	workspace := cfg.Agent.Workspace
	if workspace == "" {
		workspace, _ = os.Getwd()
	}
	console := cli.New(
		cli.Deps{
			Agent:  app.Sessions(),
			Bus:    app.Bus(),
			Tools:  app.Tools(),
			Budget: app.Budget(),
		},
		cli.BannerInfo{
			Version:     appVersion,
			Provider:    cfg.Provider.Default,
			Model:       cfg.Agent.Model,
			ToolCount:   len(app.Tools().List()),
			Sidecars:    len(app.Sidecars()),
			Workspace:   workspace,
			ProjectLang: cli.DetectProjectLanguage(workspace),
		},
		log,
	)
	return console.Run(context.Background())
}

func runServe(cmd *cobra.Command, args []string) error {
	app, _, log, err := buildApp(cmd, false)
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("Starting OSA runtime", zap.String("version", appVersion))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := app.Start(ctx); err != nil {
		log.Error("Runtime start failed", zap.Error(err))
		stopApp(app)
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	stopApp(app)
	return nil
}

func runClassify(cmd *cobra.Command, args []string) error {
	app, _, log, err := buildApp(cmd, true)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer stopApp(app)

	result := app.Classifier().Classify(context.Background(), "cli", strings.Join(args, " "))
	fmt.Printf("signal      %s\n", result.Signal)
	fmt.Printf("confidence  %.2f\n", result.Confidence)
	fmt.Printf("tier        %d\n", result.Tier)
	return nil
}

func runOrchestrate(cmd *cobra.Command, args []string) error {
	app, _, log, err := buildApp(cmd, true)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer stopApp(app)

	strategy, _ := cmd.Flags().GetString("strategy")
	tasks := agent.Decompose(strings.Join(args, " "), strategy)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	report, err := app.Orchestrator().Execute(ctx, uuid.NewString(), tasks)
	if err != nil {
		return err
	}

	fmt.Printf("run %s finished %s in %dms\n", report.RunID, report.Status, report.DurationMs)
	for _, t := range tasks {
		if reason, failed := report.Failed[t.ID]; failed {
			fmt.Printf("\n✗ %s: %s\n", t.ID, reason)
			continue
		}
		fmt.Printf("\n── %s ──\n%s\n", t.ID, report.Results[t.ID])
	}
	return nil
}

func stopApp(app *application.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	app.Stop(ctx)
}
