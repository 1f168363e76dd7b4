package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/mpathd/pkg/config"
	"github.com/cuemby/mpathd/pkg/log"
	"github.com/cuemby/mpathd/pkg/manager"
	"github.com/cuemby/mpathd/pkg/metrics"
	"github.com/cuemby/mpathd/pkg/scsi"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
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
	Use:   "mpathd",
	Short: "mpathd - multipath I/O failover daemon",
	Long: `mpathd keeps every multipath LUN on a working path. It counts
transport errors per command, switches LUNs to an alternate path once a
path's retry budget is spent, and moves them back to their preferred path
after the adapter recovers.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"mpathd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("admin-addr", config.DefaultDaemon().AdminAddr, "Admin API address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the failover daemon",
	Long: `Run the failover daemon.

Settings are read from flags, MPATHD_* environment variables, .env files
and an optional config file, in that order of precedence.`,
	RunE: runServe,
}

func init() {
	d := config.DefaultDaemon()
	f := serveCmd.Flags()
	f.String("config", "", "Config file (yaml, toml or json)")
	f.String("log-level", d.LogLevel, "Log level (debug, info, warn, error)")
	f.Bool("log-json", d.LogJSON, "Write logs as JSON")
	f.String("data-dir", d.DataDir, "Directory for persistent state")
	f.String("topology", d.Topology, "Topology file applied at startup")
	f.Int("drain-workers", d.DrainWorkers, "Failover queue workers")
	f.Int("queue-signal-depth", d.QueueSignalDepth, "Failover queue wakeup buffer")
	f.Duration("drain-sweep", d.DrainSweep, "Failover queue sweep interval")
	f.Duration("failback-interval", d.FailbackInterval, "Failback sweep interval (0 disables)")
	f.Float64("notify-rate", d.NotifyRate, "Switch notifications per second")
	f.Int("notify-burst", d.NotifyBurst, "Switch notification burst")
	f.Int("spinup-retries", d.SpinupRetries, "START UNIT retries after the first attempt on a path being spun up")
	f.Duration("spinup-backoff", d.SpinupBackoff, "Fixed delay between START UNIT attempts")
	f.Duration("command-timeout", d.CommandTimeout, "Timeout of internally issued commands")
	f.Duration("probe-interval", d.ProbeInterval, "Host probe interval")
	f.Int("probe-retries", d.ProbeRetries, "Failed probes before a host is marked down")
	f.Duration("metrics-interval", d.MetricsInterval, "Gauge refresh interval")
	f.Int("max-paths-per-device", d.Params.MaxPathsPerDevice, "Paths accepted per device")
	f.Int("max-retries-per-path", d.Params.MaxRetriesPerPath, "Retries on a path before failover")
	f.Int("max-retries-per-io", 0, "Retries per command (0 computes it)")
	f.String("notify-type", string(d.Params.NotifyType), "Switch notification type")
	f.String("notify-cdb", "", "Custom notification CDB in hex")
}

func loadDaemonConfig(cmd *cobra.Command) (config.Daemon, error) {
	v := viper.New()
	config.InitEnv(v)
	config.SetDefaults(v)
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return config.Daemon{}, fmt.Errorf("failed to bind flags: %w", err)
	}
	if err := v.BindPFlags(cmd.InheritedFlags()); err != nil {
		return config.Daemon{}, fmt.Errorf("failed to bind flags: %w", err)
	}
	return config.Load(v)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadDaemonConfig(cmd)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	metrics.SetVersion(Version)

	mgr, err := manager.NewManager(cfg, scsi.NewLogIssuer(), manager.NewLogDispatcher())
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	defer mgr.Close()

	if cfg.Topology != "" {
		if err := mgr.LoadTopology(cfg.Topology); err != nil {
			log.Logger.Warn().Err(err).Msg("Topology applied with errors")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Logger.Info().
		Str("version", Version).
		Str("data_dir", cfg.DataDir).
		Int("max_paths_per_device", cfg.Params.MaxPathsPerDevice).
		Int("max_retries_per_path", cfg.Params.MaxRetriesPerPath).
		Int("max_retries_per_io", cfg.Params.MaxRetriesPerIo).
		Msg("Starting mpathd")

	if err := mgr.Run(ctx); err != nil {
		return fmt.Errorf("daemon stopped: %w", err)
	}
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mpathd %s (commit %s, built %s)\n", Version, Commit, BuildTime)
	},
}
