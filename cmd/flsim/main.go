package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/flsim/internal/config"
	"github.com/dreamware/flsim/internal/runner"
	"github.com/dreamware/flsim/internal/status"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "flsim",
		Short:         "Federated learning simulator",
		Long:          `flsim trains a classifier across simulated clients with pluggable client selection and aggregation strategies.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (default $"+config.EnvConfig+")")

	root.AddCommand(runCmd(&configPath))
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd(&configPath))
	return root
}

// runFlags mirrors the configuration keys that can be set on the command
// line. A flag only overrides the file when it was given explicitly.
type runFlags struct {
	clients       int
	rounds        int
	fraction      float64
	aggregator    string
	selector      string
	batchSize     int
	criterion     string
	device        string
	seed          uint64
	epochs        int
	learningRate  float64
	workers       int
	partition     string
	dataPath      string
	checkpointDir string
	resume        bool
	resultsPath   string
	statusAddr    string
	logLevel      string
	logFormat     string

	serve   bool
	jsonOut bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	d := config.Default()
	fs := cmd.Flags()
	fs.IntVar(&f.clients, "clients", d.Clients, "number of simulated clients")
	fs.IntVar(&f.rounds, "rounds", d.FLRounds, "last round index; rounds 0..N are run")
	fs.Float64Var(&f.fraction, "fraction", d.Fraction, "fraction of clients selected per round")
	fs.StringVar(&f.aggregator, "aggregator", d.Aggregator, "fedavg, median or trimmed-mean")
	fs.StringVar(&f.selector, "selector", d.Selector, "random, accuracy, power-of-choice, importance or cluster")
	fs.IntVar(&f.batchSize, "batch-size", d.BatchSize, "local mini-batch size; 0 means full batch")
	fs.StringVar(&f.criterion, "criterion", d.Criterion, "cross_entropy or mse")
	fs.StringVar(&f.device, "device", d.Device, "cpu or cuda")
	fs.Uint64Var(&f.seed, "seed", d.Seed, "random seed")
	fs.IntVar(&f.epochs, "epochs", d.Epochs, "local epochs per round")
	fs.Float64Var(&f.learningRate, "lr", d.LearningRate, "local learning rate")
	fs.IntVar(&f.workers, "workers", d.Workers, "clients trained concurrently")
	fs.StringVar(&f.partition, "partition", d.Partition, "iid, dirichlet or sorted")
	fs.StringVar(&f.dataPath, "data", d.DataPath, "CSV dataset; synthetic data when empty")
	fs.StringVar(&f.checkpointDir, "checkpoint-dir", d.CheckpointDir, "directory for per-round checkpoints")
	fs.BoolVar(&f.resume, "resume", d.Resume, "continue from the latest checkpoint")
	fs.StringVar(&f.resultsPath, "results", d.ResultsPath, "write per-round results to this CSV file")
	fs.StringVar(&f.statusAddr, "status-addr", d.StatusAddr, "serve the status API on this address")
	fs.StringVar(&f.logLevel, "log-level", d.LogLevel, "debug, info, warn or error")
	fs.StringVar(&f.logFormat, "log-format", d.LogFormat, "text or json")
	fs.BoolVar(&f.serve, "serve", false, "keep the status API running after the last round")
	fs.BoolVar(&f.jsonOut, "json", false, "print the summary as JSON")
}

func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	set := func(name string, fn func()) {
		if changed(name) {
			fn()
		}
	}
	set("clients", func() { cfg.Clients = f.clients })
	set("rounds", func() { cfg.FLRounds = f.rounds })
	set("fraction", func() { cfg.Fraction = f.fraction })
	set("aggregator", func() { cfg.Aggregator = f.aggregator })
	set("selector", func() { cfg.Selector = f.selector })
	set("batch-size", func() { cfg.BatchSize = f.batchSize })
	set("criterion", func() { cfg.Criterion = f.criterion })
	set("device", func() { cfg.Device = f.device })
	set("seed", func() { cfg.Seed = f.seed })
	set("epochs", func() { cfg.Epochs = f.epochs })
	set("lr", func() { cfg.LearningRate = f.learningRate })
	set("workers", func() { cfg.Workers = f.workers })
	set("partition", func() { cfg.Partition = f.partition })
	set("data", func() { cfg.DataPath = f.dataPath })
	set("checkpoint-dir", func() { cfg.CheckpointDir = f.checkpointDir })
	set("resume", func() { cfg.Resume = f.resume })
	set("results", func() { cfg.ResultsPath = f.resultsPath })
	set("status-addr", func() { cfg.StatusAddr = f.statusAddr })
	set("log-level", func() { cfg.LogLevel = f.logLevel })
	set("log-format", func() { cfg.LogFormat = f.logFormat })
}

func runCmd(configPath *string) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a federated simulation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Resolve(*configPath)
			if err != nil {
				return err
			}
			f.apply(cmd, &cfg)

			logger, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSimulation(ctx, cfg, f.serve, f.jsonOut, logger, cmd.OutOrStdout())
		},
	}
	f.register(cmd)
	return cmd
}

// runSimulation builds the runner, optionally exposes the status API and
// runs every remaining round.
func runSimulation(ctx context.Context, cfg config.Config, serve, jsonOut bool, logger *logrus.Logger, out io.Writer) error {
	r, err := runner.New(cfg, logger)
	if err != nil {
		return err
	}

	statusCtx, stopStatus := context.WithCancel(context.Background())
	defer stopStatus()
	statusDone := make(chan error, 1)
	if cfg.StatusAddr != "" {
		go func() { statusDone <- status.Serve(statusCtx, cfg.StatusAddr, status.NewHandler(r), logger) }()
	} else {
		close(statusDone)
	}

	sum, runErr := r.Run(ctx, r.Remaining())
	if runErr == nil {
		if err := printSummary(out, sum, jsonOut); err != nil {
			return err
		}
	}

	if runErr == nil && serve && cfg.StatusAddr != "" {
		logger.WithField("addr", cfg.StatusAddr).Info("simulation done, serving status until interrupted")
		select {
		case <-ctx.Done():
		case err := <-statusDone:
			return err
		}
	}

	stopStatus()
	if err := <-statusDone; err != nil && runErr == nil {
		return err
	}
	return runErr
}

func printSummary(out io.Writer, sum runner.Summary, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROUND\tACCURACY\tF1\tSELECTED\tFAILED\tDURATION")
	for _, r := range sum.Rounds {
		selected := fmt.Sprint(r.Selected)
		if r.Skipped {
			selected = "skipped"
		}
		fmt.Fprintf(tw, "%d\t%.4f\t%.4f\t%s\t%v\t%s\n",
			r.Round, r.Accuracy, r.F1, selected, len(r.Failed), r.Duration.Round(time.Millisecond))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nRun %s\n", sum.RunID)
	fmt.Fprintf(out, "Average accuracy: %.4f\n", sum.AvgAccuracy)
	fmt.Fprintf(out, "Average F1: %.4f\n", sum.AvgF1)
	fmt.Fprintf(out, "Elapsed: %s\n", sum.Elapsed.Round(time.Millisecond))
	return nil
}

func statusCmd() *cobra.Command {
	var (
		addr    string
		jsonOut bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query the status API of a running simulation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			snap, err := status.Fetch(ctx, addr)
			if err != nil {
				return fmt.Errorf("query %s: %w", addr, err)
			}
			return printSnapshot(cmd.OutOrStdout(), snap, jsonOut)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", getenv(config.EnvStatusAddr, "127.0.0.1:8090"), "status API address")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the raw snapshot as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func printSnapshot(out io.Writer, snap status.Snapshot, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	h := snap.Health
	fmt.Fprintf(out, "Run %s: %s, next round %d, %d parameters\n\n", h.RunID, h.State, h.Round, snap.Model.Parameters)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROUND\tACCURACY\tF1\tCLIENTS\tSKIPPED")
	for _, r := range snap.Rounds {
		fmt.Fprintf(tw, "%d\t%.4f\t%.4f\t%d\t%t\n", r.Round, r.Accuracy, r.F1, len(r.Clients), r.Skipped)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "CLIENT\tTRAIN\tTEST\tLAST ACC\tSTATUS")
	for _, c := range snap.Clients {
		acc, st := "-", "-"
		if c.LastMetrics != nil {
			acc = fmt.Sprintf("%.4f", c.LastMetrics.Accuracy)
		}
		if c.Health != nil {
			st = c.Health.Status
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\n", c.ID, c.TrainSize, c.TestSize, acc, st)
	}
	return tw.Flush()
}

func configCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Resolve(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

// newLogger configures a logrus logger from the level and format settings.
func newLogger(cfg config.Config, out io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)
	level, err := logrus.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logger.SetLevel(level)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

// getenv retrieves an environment variable with a default fallback value.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
