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
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"taskmatch/internal/config"
	"taskmatch/internal/domain"
	"taskmatch/internal/messaging/tcp"
	"taskmatch/internal/metrics"
	"taskmatch/internal/model"
	"taskmatch/internal/node"
	"taskmatch/internal/report"
	sqlitestore "taskmatch/internal/store/sqlite"
)

type flags struct {
	configPath  string
	dbPath      string
	resultsDir  string
	metricsAddr string
	ringSize    int
	runID       string
}

type invocation struct {
	id        domain.AgentID
	algorithm domain.Algorithm
	input     string
}

func main() {
	if err := newCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	f := flags{}
	cmd := &cobra.Command{
		Use:   "agent <agent-id> <algorithm-selector> [input-file]",
		Short: "Run one agent of the task matching ring",
		Long: "Run one agent of the task matching ring.\n\n" +
			"algorithm-selector: 0 = connectivity self-test, 1 = refinement only, 2 = hungarian then refinement",
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := parseArgs(args)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, inv, f)
		},
	}
	cmd.Flags().StringVar(&f.configPath, "config", "", "path to config.toml (default: ~/.taskmatch/config.toml)")
	cmd.Flags().StringVar(&f.dbPath, "db", "", "sqlite database path override")
	cmd.Flags().StringVar(&f.resultsDir, "results-dir", "", "directory for alg_<n>.dat override")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve /metrics and /status on this address")
	cmd.Flags().IntVar(&f.ringSize, "ring-size", 0, "number of agents in the ring (self-test without input)")
	cmd.Flags().StringVar(&f.runID, "run-id", "", "run id shared by every agent of the run")
	return cmd
}

func parseArgs(args []string) (invocation, error) {
	if len(args) < 2 || len(args) > 3 {
		return invocation{}, fmt.Errorf("expected 2 or 3 arguments, got %d", len(args))
	}
	id, err := strconv.Atoi(strings.TrimSpace(args[0]))
	if err != nil || id < 0 {
		return invocation{}, fmt.Errorf("invalid agent id %q", args[0])
	}
	alg, err := domain.ParseAlgorithm(args[1])
	if err != nil {
		return invocation{}, err
	}
	inv := invocation{id: domain.AgentID(id), algorithm: alg}
	if len(args) == 3 {
		inv.input = args[2]
	}
	if inv.input == "" && alg != domain.AlgorithmPing {
		return invocation{}, fmt.Errorf("algorithm %s needs an input file", alg)
	}
	return inv, nil
}

func run(ctx context.Context, inv invocation, f flags) error {
	logger := log.New(os.Stderr, fmt.Sprintf("[agent %d] ", inv.id), log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var inst *model.Instance
	ringSize := firstPositive(f.ringSize, cfg.Cluster.RingSize)
	if inv.input != "" {
		inst, err = model.Load(inv.input)
		if err != nil {
			return err
		}
		ringSize = inst.N
	}
	if err := cfg.CheckRing(ringSize); err != nil {
		return err
	}

	listenAddr, err := cfg.Routing.ListenAddr(inv.id)
	if err != nil {
		return err
	}
	transport, err := tcp.Listen(inv.id, listenAddr, cfg.Routing.Routes(), tcp.Options{
		DialTimeout:    cfg.Runtime.DialTimeout(),
		Buffer:         cfg.Runtime.QueueBuffer,
		ConnectRetries: cfg.Runtime.ConnectRetries,
		RetryDelay:     cfg.Runtime.RetryDelay(),
	}, logger)
	if err != nil {
		return err
	}
	defer transport.Close()

	dbPath := firstNonEmpty(f.dbPath, cfg.Runtime.DBPath)
	var store *sqlitestore.Store
	if dbPath != "" {
		store, err = openStore(ctx, dbPath)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	runID := firstNonEmpty(f.runID, uuid.NewString())
	coordinator := domain.AgentID(cfg.Cluster.Coordinator)
	m := metrics.New(inv.id.String())

	var sink node.EventSink
	if store != nil {
		sink = store
	}
	n, err := node.New(node.Config{
		ID:            inv.id,
		Algorithm:     inv.algorithm,
		Coordinator:   coordinator,
		RingSize:      ringSize,
		ValidateEvery: cfg.Cluster.ValidateEvery,
		Epsilon:       cfg.Cluster.Epsilon,
		RunID:         runID,
		Input:         filepath.Base(inv.input),
	}, inst, transport, sink, m, logger)
	if err != nil {
		return err
	}

	if addr := firstNonEmpty(f.metricsAddr, cfg.Runtime.MetricsAddr); addr != "" {
		server := &http.Server{
			Addr:              addr,
			Handler:           n.Handler(m),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("metrics server failed: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	isCoordinator := inv.id == coordinator
	if store != nil && isCoordinator && inst != nil {
		if err := store.SaveRun(ctx, domain.Run{
			ID:        runID,
			Algorithm: inv.algorithm,
			Input:     inv.input,
			Agents:    inst.N,
			Tasks:     inst.M,
			Status:    domain.RunStatusRunning,
		}); err != nil {
			logger.Printf("record run: %v", err)
		}
	}

	logger.Printf("started algorithm=%s ring=%d listen=%s coordinator=%d run=%s", inv.algorithm, ringSize, transport.Addr(), coordinator, runID)
	res, runErr := n.Run(ctx)
	persist(context.WithoutCancel(ctx), logger, store, cfg, f, runID, isCoordinator, inst, res, runErr)
	if runErr != nil {
		return runErr
	}
	if inv.algorithm != domain.AlgorithmPing {
		fmt.Printf("agent=%d task=%d probability=%.10f\n", res.Agent, res.Task, res.Probability)
	}
	return nil
}

func persist(ctx context.Context, logger *log.Logger, store *sqlitestore.Store, cfg config.Config, f flags, runID string, isCoordinator bool, inst *model.Instance, res node.Result, runErr error) {
	if inst == nil {
		return
	}
	if isCoordinator && res.Stats != nil && runErr == nil {
		writer, err := report.NewWriter(firstNonEmpty(f.resultsDir, cfg.Runtime.ResultsDir, "."))
		if err == nil {
			var path string
			path, err = writer.Append(*res.Stats)
			if err == nil {
				logger.Printf("results appended to %s objective=%.10f messages=%d", path, res.Stats.Objective, res.Stats.Messages)
			}
		}
		if err != nil {
			logger.Printf("write results: %v", err)
		}
	}
	if store == nil {
		return
	}
	if err := store.SaveAssignment(ctx, domain.Assignment{
		RunID:       runID,
		Agent:       res.Agent,
		Slot:        res.Slot,
		Task:        res.Task,
		Probability: res.Probability,
	}); err != nil {
		logger.Printf("record assignment: %v", err)
	}
	if isCoordinator {
		var stats domain.RunStats
		if res.Stats != nil {
			stats = *res.Stats
		}
		if err := store.FinishRun(ctx, runID, stats, runErr); err != nil {
			logger.Printf("record run outcome: %v", err)
		}
	}
}

func openStore(ctx context.Context, dbPath string) (*sqlitestore.Store, error) {
	dbPath = filepath.Clean(dbPath)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
