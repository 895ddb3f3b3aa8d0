// Package cluster runs a whole ring inside one process over the in-process
// bus, persists the outcome and checks Phase 1 against a centralized
// reference solution.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"taskmatch/internal/domain"
	"taskmatch/internal/messaging/inproc"
	"taskmatch/internal/metrics"
	"taskmatch/internal/model"
	"taskmatch/internal/node"
	"taskmatch/internal/report"
)

type Store interface {
	SaveRun(ctx context.Context, run domain.Run) error
	FinishRun(ctx context.Context, runID string, stats domain.RunStats, runErr error) error
	SaveAssignment(ctx context.Context, a domain.Assignment) error
	LogEvent(ctx context.Context, ev domain.Event) error
}

type Config struct {
	Algorithm     domain.Algorithm
	Coordinator   domain.AgentID
	ValidateEvery int
	Epsilon       float64
	QueueBuffer   int
	Timeout       time.Duration
	// Input labels the run in the results file and the run table.
	Input string
}

func (c Config) withDefaults() Config {
	if c.Algorithm == "" {
		c.Algorithm = domain.AlgorithmHungarian
	}
	if c.Epsilon <= 0 {
		c.Epsilon = model.Epsilon
	}
	if c.QueueBuffer <= 0 {
		c.QueueBuffer = 256
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	return c
}

// Report is the outcome of one in-process run.
type Report struct {
	RunID   string
	Results []node.Result
	Stats   domain.RunStats
	// Phase1Cost is the cost of the distributed matching, ReferenceCost the
	// centralized optimum over the same cost matrix.
	Phase1Cost    float64
	ReferenceCost float64
	ResultsFile   string
}

type Service struct {
	store   Store
	results *report.Writer
	cfg     Config
	logger  *log.Logger
	// metrics, when set, gives each agent its own collectors.
	metrics func(domain.AgentID) *metrics.Metrics
}

// New builds a supervisor. store and results may be nil.
func New(store Store, results *report.Writer, cfg Config, logger *log.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:   store,
		results: results,
		cfg:     cfg,
		logger:  logger,
	}
}

func (s *Service) WithMetrics(f func(domain.AgentID) *metrics.Metrics) *Service {
	s.metrics = f
	return s
}

func (s *Service) Run(ctx context.Context, inst *model.Instance) (Report, error) {
	if inst == nil {
		return Report{}, errors.New("instance is required")
	}
	if !s.cfg.Coordinator.Valid() || int(s.cfg.Coordinator) >= inst.N {
		return Report{}, fmt.Errorf("coordinator %d outside ring of %d", s.cfg.Coordinator, inst.N)
	}
	rep := Report{RunID: uuid.NewString()}
	if s.store != nil {
		if err := s.store.SaveRun(ctx, domain.Run{
			ID:        rep.RunID,
			Algorithm: s.cfg.Algorithm,
			Input:     s.cfg.Input,
			Agents:    inst.N,
			Tasks:     inst.M,
			Status:    domain.RunStatusRunning,
		}); err != nil {
			return Report{}, err
		}
	}

	runErr := s.runRing(ctx, inst, &rep)
	if runErr == nil {
		runErr = s.checkReference(inst, &rep)
	}
	if err := s.persist(ctx, &rep, runErr); err != nil {
		return rep, errors.Join(runErr, err)
	}
	return rep, runErr
}

func (s *Service) runRing(ctx context.Context, inst *model.Instance, rep *Report) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	bus := inproc.New(s.cfg.QueueBuffer)
	var sink node.EventSink
	if s.store != nil {
		sink = s.store
	}
	nodes := make([]*node.Node, inst.N)
	for i := range nodes {
		id := domain.AgentID(i)
		ep := bus.Endpoint(id)
		defer ep.Close()
		var m *metrics.Metrics
		if s.metrics != nil {
			m = s.metrics(id)
		}
		n, err := node.New(node.Config{
			ID:            id,
			Algorithm:     s.cfg.Algorithm,
			Coordinator:   s.cfg.Coordinator,
			RingSize:      inst.N,
			ValidateEvery: s.cfg.ValidateEvery,
			Epsilon:       s.cfg.Epsilon,
			RunID:         rep.RunID,
			Input:         s.cfg.Input,
		}, inst, ep, sink, m, s.logger)
		if err != nil {
			return fmt.Errorf("create agent %d: %w", i, err)
		}
		nodes[i] = n
	}

	rep.Results = make([]node.Result, inst.N)
	errs := make([]error, inst.N)
	var g errgroup.Group
	for i, n := range nodes {
		i, n := i, n
		g.Go(func() error {
			rep.Results[i], errs[i] = n.Run(ctx)
			return nil
		})
	}
	_ = g.Wait()

	if err := rootCause(errs); err != nil {
		return err
	}
	if s.cfg.Algorithm == domain.AlgorithmPing {
		rep.Stats = domain.RunStats{RunID: rep.RunID, Algorithm: s.cfg.Algorithm, N: inst.N, M: inst.M, Input: s.cfg.Input}
		return nil
	}
	coord := rep.Results[s.cfg.Coordinator]
	if coord.Stats == nil {
		return fmt.Errorf("coordinator %d finished without statistics", s.cfg.Coordinator)
	}
	rep.Stats = *coord.Stats
	for _, r := range rep.Results {
		rep.Phase1Cost += r.Phase1Cost
	}
	return nil
}

// rootCause prefers the error of the agent that started a stop broadcast
// over the stop notices of the others.
func rootCause(errs []error) error {
	var stopped error
	for i, err := range errs {
		if err == nil {
			continue
		}
		if errors.Is(err, node.ErrStopped) {
			if stopped == nil {
				stopped = fmt.Errorf("agent %d: %w", i, err)
			}
			continue
		}
		return fmt.Errorf("agent %d: %w", i, err)
	}
	return stopped
}

// checkReference compares the distributed Phase 1 matching with the
// centralized solver.
func (s *Service) checkReference(inst *model.Instance, rep *Report) error {
	if s.cfg.Algorithm != domain.AlgorithmHungarian {
		return nil
	}
	ref := model.SolveAssignment(inst.EdgeMatrix())
	rep.ReferenceCost = ref.Cost
	matched := 0
	for _, r := range rep.Results {
		if r.Slot.Valid() {
			matched++
		}
	}
	tolerance := s.cfg.Epsilon * float64(inst.N+1)
	if matched != ref.Matched || math.Abs(rep.Phase1Cost-ref.Cost) > tolerance {
		return fmt.Errorf("phase 1 matched %d at cost %.9f, reference matched %d at cost %.9f",
			matched, rep.Phase1Cost, ref.Matched, ref.Cost)
	}
	return nil
}

func (s *Service) persist(ctx context.Context, rep *Report, runErr error) error {
	var errs []error
	if runErr == nil && s.results != nil && s.cfg.Algorithm != domain.AlgorithmPing {
		path, err := s.results.Append(rep.Stats)
		if err != nil {
			errs = append(errs, err)
		}
		rep.ResultsFile = path
	}
	if s.store == nil {
		return errors.Join(errs...)
	}
	for _, r := range rep.Results {
		if err := s.store.SaveAssignment(ctx, domain.Assignment{
			RunID:       rep.RunID,
			Agent:       r.Agent,
			Slot:        r.Slot,
			Task:        r.Task,
			Probability: r.Probability,
		}); err != nil {
			errs = append(errs, err)
			break
		}
	}
	if err := s.store.FinishRun(ctx, rep.RunID, rep.Stats, runErr); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
