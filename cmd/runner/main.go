package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentmux/agentmux/internal/config"
	"github.com/agentmux/agentmux/internal/logging"
	"github.com/agentmux/agentmux/internal/runner"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagRunID      string
	flagCapToken   string
	flagWorkingDir string
	flagWorkerType string
	flagModel      string
	flagAutonomous bool
	flagPrompt     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentmux-runner",
	Short: "Agentmux runner - worker-host supervisor for AI worker runs",
	Long: `The agentmux runner supervises one AI worker process on a worker
host: it spawns the worker, streams its output to the gateway, polls
for operator commands, and keeps crash-resume state.

With --run-id it attaches to an existing run. Without one it needs a
CLIENT_TOKEN and claims pending runs from the gateway.`,
	Version: Version,
	RunE:    runRunner,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"agentmux-runner version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.Flags().StringVar(&flagRunID, "run-id", "", "run id to attach to")
	rootCmd.Flags().StringVar(&flagCapToken, "capability-token", "", "capability token for the run")
	rootCmd.Flags().StringVar(&flagWorkingDir, "working-dir", "", "sandbox root (defaults to cwd)")
	rootCmd.Flags().StringVar(&flagWorkerType, "worker-type", "claude", "worker kind to spawn")
	rootCmd.Flags().StringVar(&flagModel, "model", "", "model override")
	rootCmd.Flags().BoolVar(&flagAutonomous, "autonomous", false, "answer worker prompts automatically")
	rootCmd.Flags().StringVar(&flagPrompt, "prompt", "", "initial prompt for the worker")
}

func runRunner(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadRunner()
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON})
	log := logging.WithComponent("runner")
	runner.Version = Version

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flagRunID != "" {
		if flagCapToken == "" {
			flagCapToken = os.Getenv("CAPABILITY_TOKEN")
		}
		if flagCapToken == "" {
			return fmt.Errorf("--capability-token (or CAPABILITY_TOKEN) is required with --run-id")
		}
		return superviseRun(ctx, cfg, runner.Options{
			RunID:           flagRunID,
			CapabilityToken: flagCapToken,
			WorkingDir:      flagWorkingDir,
			Autonomous:      flagAutonomous,
			Model:           flagModel,
			WorkerType:      flagWorkerType,
			InitialPrompt:   flagPrompt,
		})
	}

	if cfg.ClientToken == "" {
		return fmt.Errorf("either --run-id or CLIENT_TOKEN must be set")
	}

	// Claim mode: register, then pull pending runs until interrupted.
	client := runner.NewClient(cfg, "", "")
	host, _ := os.Hostname()
	if err := client.Register(ctx, host, Version, nil); err != nil {
		return fmt.Errorf("client registration: %w", err)
	}
	log.Info().Msg("registered, waiting for runs")

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		run, capToken, err := client.ClaimRun(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("claim failed")
			continue
		}
		if run == nil {
			continue
		}

		log.Info().Str("run_id", run.ID).Str("worker", run.WorkerType).Msg("claimed run")
		err = superviseRun(ctx, cfg, runner.Options{
			RunID:           run.ID,
			CapabilityToken: capToken,
			WorkingDir:      run.WorkingDir,
			Autonomous:      run.Autonomous,
			Model:           run.Model,
			WorkerType:      run.WorkerType,
			InitialPrompt:   run.Command,
		})
		if err != nil {
			log.Error().Err(err).Str("run_id", run.ID).Msg("run retired with error")
		}
	}
}

func superviseRun(ctx context.Context, cfg *config.Runner, opts runner.Options) error {
	s, err := runner.New(cfg, opts)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}
