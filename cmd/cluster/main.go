package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"taskmatch/internal/cluster"
	"taskmatch/internal/config"
	"taskmatch/internal/domain"
	"taskmatch/internal/metrics"
	"taskmatch/internal/model"
	"taskmatch/internal/report"
	sqlitestore "taskmatch/internal/store/sqlite"
)

type flags struct {
	configPath    string
	algorithm     string
	coordinator   int
	validateEvery int
	dbPath        string
	resultsDir    string
	metricsAddr   string
	timeout       time.Duration
}

func main() {
	if err := newCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	f := flags{}
	cmd := &cobra.Command{
		Use:   "cluster <input-file>",
		Short: "Run a whole ring of agents in one process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alg, err := domain.ParseAlgorithm(f.algorithm)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cmd, args[0], alg, f)
		},
	}
	cmd.Flags().StringVar(&f.configPath, "config", "", "path to config.toml (default: ~/.taskmatch/config.toml)")
	cmd.Flags().StringVar(&f.algorithm, "algorithm", "2", "algorithm selector: 0 ping, 1 refine, 2 hungarian")
	cmd.Flags().IntVar(&f.coordinator, "coordinator", -1, "coordinator agent override")
	cmd.Flags().IntVar(&f.validateEvery, "validate-every", -1, "rounds between validation laps override")
	cmd.Flags().StringVar(&f.dbPath, "db", "", "sqlite database path override")
	cmd.Flags().StringVar(&f.resultsDir, "results-dir", "", "directory for alg_<n>.dat override")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve the coordinator's /metrics on this address")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 2*time.Minute, "abort the run after this long")
	return cmd
}

func run(ctx context.Context, cmd *cobra.Command, input string, alg domain.Algorithm, f flags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	inst, err := model.Load(input)
	if err != nil {
		return err
	}
	if f.coordinator >= 0 {
		cfg.Cluster.Coordinator = f.coordinator
	}
	if f.validateEvery >= 0 {
		cfg.Cluster.ValidateEvery = f.validateEvery
	}
	if err := cfg.CheckRing(inst.N); err != nil {
		return err
	}

	var store cluster.Store
	if dbPath := firstNonEmpty(f.dbPath, cfg.Runtime.DBPath); dbPath != "" {
		dbPath = filepath.Clean(dbPath)
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
		s, err := sqlitestore.Open(dbPath)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.Migrate(ctx); err != nil {
			return err
		}
		store = s
	}
	results, err := report.NewWriter(firstNonEmpty(f.resultsDir, cfg.Runtime.ResultsDir, "."))
	if err != nil {
		return err
	}

	coordinator := domain.AgentID(cfg.Cluster.Coordinator)
	svc := cluster.New(store, results, cluster.Config{
		Algorithm:     alg,
		Coordinator:   coordinator,
		ValidateEvery: cfg.Cluster.ValidateEvery,
		Epsilon:       cfg.Cluster.Epsilon,
		QueueBuffer:   cfg.Runtime.QueueBuffer,
		Timeout:       f.timeout,
		Input:         filepath.Base(input),
	}, log.Default())

	if addr := firstNonEmpty(f.metricsAddr, cfg.Runtime.MetricsAddr); addr != "" {
		coordMetrics := metrics.New(coordinator.String())
		svc.WithMetrics(func(id domain.AgentID) *metrics.Metrics {
			if id == coordinator {
				return coordMetrics
			}
			return nil
		})
		server := &http.Server{Addr: addr, Handler: coordMetrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server failed: %v", err)
			}
		}()
		defer func() { _ = server.Close() }()
	}

	rep, err := svc.Run(ctx, inst)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s: N=%d M=%d Z=%.10f messages=%d duration=%s\n",
		rep.RunID, rep.Stats.N, rep.Stats.M, rep.Stats.Objective, rep.Stats.Messages, rep.Stats.Duration.Round(time.Microsecond))
	if alg == domain.AlgorithmHungarian {
		fmt.Fprintf(out, "phase 1 cost %.10f (reference %.10f)\n", rep.Phase1Cost, rep.ReferenceCost)
	}
	for _, r := range rep.Results {
		fmt.Fprintf(out, "agent=%d task=%d probability=%.10f\n", r.Agent, r.Task, r.Probability)
	}
	if rep.ResultsFile != "" {
		fmt.Fprintf(out, "results appended to %s\n", rep.ResultsFile)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
