package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/cidxlabs/cidx/pkg/adaptor"
	"github.com/cidxlabs/cidx/pkg/config"
	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/metrics"
	"github.com/cidxlabs/cidx/pkg/server"
	"github.com/cidxlabs/cidx/pkg/workspace"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cidx-server",
	Short: "cidx-server - crash-resilient code indexing daemon",
	Long: `cidx-server queues and schedules indexing jobs across repositories,
survives crashes through a write-ahead queue log and heartbeat sentinels,
and recovers its state through an ordered startup sequence.`,
	Version: Version,
	RunE:    runServer,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"cidx-server version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.Flags().String("config", "", "path to config.yaml (defaults to <workspace>/config.yaml)")
	rootCmd.Flags().String("workspace", "", "workspace root (overrides config)")
	rootCmd.Flags().String("listen", "", "HTTP API bind address (overrides config)")
	rootCmd.Flags().String("log-level", "", "log level: debug|info|warn|error")
	rootCmd.Flags().Bool("log-json", false, "force JSON log output")

	rootCmd.AddCommand(runAdaptorCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	ws, _ := cmd.Flags().GetString("workspace")
	listen, _ := cmd.Flags().GetString("listen")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")

	if configPath == "" && ws != "" {
		configPath = ws + "/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if ws != "" {
		cfg.Workspace = ws
	}
	if listen != "" {
		cfg.ListenAddr = listen
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logJSON {
		cfg.LogJSON = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	metrics.SetVersion(Version)

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g run.Group
	g.Add(func() error {
		return srv.Run(ctx)
	}, func(error) {
		cancel()
	})
	{
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		g.Add(func() error {
			select {
			case sig := <-sigCh:
				log.WithComponent("server").Info().Str("signal", sig.String()).Msg("shutting down")
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}, func(error) {
			signal.Stop(sigCh)
			cancel()
		})
	}
	return g.Run()
}

// runAdaptorCmd hosts one job's engine process in a detached child so the
// job survives server restarts. The scheduler launches it; users do not.
var runAdaptorCmd = &cobra.Command{
	Use:    "run-adaptor",
	Short:  "Run a single indexing job under heartbeat supervision",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, _ := cmd.Flags().GetString("workspace")
		jobID, _ := cmd.Flags().GetString("job-id")
		sessionID, _ := cmd.Flags().GetString("session-id")
		engine, _ := cmd.Flags().GetString("engine")
		workDir, _ := cmd.Flags().GetString("work-dir")

		if ws == "" || jobID == "" || sessionID == "" {
			return fmt.Errorf("--workspace, --job-id, and --session-id are required")
		}

		log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
		layout := workspace.New(ws)

		code, err := adaptor.Run(cmd.Context(), layout, adaptor.Spec{
			JobID:     jobID,
			SessionID: sessionID,
			Engine:    engine,
			Args:      args,
			WorkDir:   workDir,
			Stdout:    os.Stdout,
			Stderr:    os.Stderr,
		})
		if err != nil {
			log.WithJobID(jobID).Error().Err(err).Msg("adaptor failed")
		}
		if code < 0 {
			code = 1
		}
		os.Exit(code)
		return nil
	},
}

func init() {
	runAdaptorCmd.Flags().String("workspace", "", "workspace root")
	runAdaptorCmd.Flags().String("job-id", "", "job identifier")
	runAdaptorCmd.Flags().String("session-id", "", "session identifier for the output file")
	runAdaptorCmd.Flags().String("engine", "claude", "engine to run")
	runAdaptorCmd.Flags().String("work-dir", "", "working directory for the engine process")
}
