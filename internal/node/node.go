// Package node is the per-agent runtime: a receive side owned by the
// transport and a single run loop that handles one envelope at a time and
// drives the agent through its phases.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"taskmatch/internal/domain"
	"taskmatch/internal/matching"
	"taskmatch/internal/metrics"
	"taskmatch/internal/model"
	"taskmatch/internal/protocol"
	"taskmatch/internal/refine"
)

var (
	ErrInboxClosed = errors.New("inbox closed")
	ErrStopped     = errors.New("ring stopped")
)

// Transport delivers envelopes between agents. Serve blocks until ctx ends.
type Transport interface {
	Send(ctx context.Context, env protocol.Envelope) error
	Inbox() <-chan protocol.Envelope
	Serve(ctx context.Context) error
	Close() error
}

// EventSink persists protocol milestones. The sqlite store implements it.
type EventSink interface {
	LogEvent(ctx context.Context, ev domain.Event) error
}

// StopError is returned by every agent that took part in a fatal stop
// broadcast it did not start.
type StopError struct {
	Origin domain.AgentID
	Reason string
}

func (e *StopError) Error() string {
	return fmt.Sprintf("stopped by agent %d: %s", e.Origin, e.Reason)
}

func (e *StopError) Unwrap() error { return ErrStopped }

type Config struct {
	ID            domain.AgentID
	Algorithm     domain.Algorithm
	Coordinator   domain.AgentID
	RingSize      int
	ValidateEvery int
	Epsilon       float64
	RunID         string
	// Input is the input file name as written to the results line.
	Input string
}

// Result is what one agent reports when the run ends. Stats is set on the
// coordinator only.
type Result struct {
	Agent       domain.AgentID   `json:"agent"`
	Task        int              `json:"task"`
	Slot        domain.SlotID    `json:"slot"`
	Probability float64          `json:"probability"`
	Phase1Cost  float64          `json:"phase1_cost"`
	Stats       *domain.RunStats `json:"stats,omitempty"`
}

type phase string

const (
	phaseIdle     phase = "idle"
	phaseMatching phase = "matching"
	phaseCollect  phase = "collect"
	phaseRefine   phase = "refine"
	phasePing     phase = "ping"
	phaseDone     phase = "done"
	phaseStopped  phase = "stopped"
)

// Status is the snapshot served on /status.
type Status struct {
	Agent       domain.AgentID   `json:"agent"`
	Algorithm   domain.Algorithm `json:"algorithm"`
	Coordinator bool             `json:"coordinator"`
	Phase       string           `json:"phase"`
	Round       int              `json:"round"`
	Match       domain.SlotID    `json:"match"`
	Task        int              `json:"task"`
	Seq         uint64           `json:"seq"`
}

type Node struct {
	cfg     Config
	inst    *model.Instance
	tr      Transport
	events  EventSink
	metrics *metrics.Metrics
	logger  *log.Logger

	engine  *matching.Engine
	refiner *refine.Refiner

	seq     uint64
	started time.Time
	phase   phase
	result  Result

	mu     sync.RWMutex
	status Status
}

// New prepares one agent. inst may be nil only for the ping self-test.
func New(cfg Config, inst *model.Instance, tr Transport, events EventSink, m *metrics.Metrics, logger *log.Logger) (*Node, error) {
	if logger == nil {
		logger = log.Default()
	}
	if tr == nil {
		return nil, errors.New("transport is required")
	}
	if cfg.RingSize <= 0 && inst != nil {
		cfg.RingSize = inst.N
	}
	if cfg.RingSize <= 0 {
		return nil, errors.New("ring size must be positive")
	}
	if !cfg.ID.Valid() || int(cfg.ID) >= cfg.RingSize {
		return nil, fmt.Errorf("agent id %d outside ring of %d", cfg.ID, cfg.RingSize)
	}
	if !cfg.Coordinator.Valid() || int(cfg.Coordinator) >= cfg.RingSize {
		return nil, fmt.Errorf("coordinator %d outside ring of %d", cfg.Coordinator, cfg.RingSize)
	}

	n := &Node{
		cfg:     cfg,
		inst:    inst,
		tr:      tr,
		events:  events,
		metrics: m,
		logger:  logger,
		phase:   phaseIdle,
		result: Result{
			Agent: cfg.ID,
			Task:  domain.NoTask,
			Slot:  domain.NoSlot,
		},
	}

	switch cfg.Algorithm {
	case domain.AlgorithmPing:
	case domain.AlgorithmRefine, domain.AlgorithmHungarian:
		if inst == nil {
			return nil, fmt.Errorf("algorithm %s needs an input instance", cfg.Algorithm)
		}
		if inst.N != cfg.RingSize {
			return nil, fmt.Errorf("input has %d agents but ring size is %d", inst.N, cfg.RingSize)
		}
		n.refiner = refine.New(inst, cfg.ID, cfg.RingSize)
		if cfg.Algorithm == domain.AlgorithmHungarian {
			agent := matching.NewAgent(cfg.ID, inst.Costs(cfg.ID))
			n.engine = matching.NewEngine(agent, matching.Config{
				Coordinator:   cfg.Coordinator,
				RingSize:      cfg.RingSize,
				ValidateEvery: cfg.ValidateEvery,
				Epsilon:       cfg.Epsilon,
			})
		}
	default:
		return nil, fmt.Errorf("unknown algorithm %q", cfg.Algorithm)
	}
	n.publish()
	return n, nil
}

func (n *Node) isCoordinator() bool { return n.cfg.ID == n.cfg.Coordinator }

func (n *Node) next() domain.AgentID {
	return domain.AgentID((int(n.cfg.ID) + 1) % n.cfg.RingSize)
}

// Run serves the transport and runs the agent until the run finishes, the
// ring is stopped or ctx ends.
func (n *Node) Run(ctx context.Context) (Result, error) {
	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServe := context.WithCancel(gctx)
	defer stopServe()

	var res Result
	g.Go(func() error {
		return n.tr.Serve(serveCtx)
	})
	g.Go(func() error {
		defer stopServe()
		var err error
		res, err = n.loop(serveCtx)
		return err
	})
	err := g.Wait()
	return res, err
}

func (n *Node) loop(ctx context.Context) (Result, error) {
	n.started = time.Now()
	if err := n.start(ctx); err != nil {
		return n.result, n.fail(ctx, err)
	}
	if n.phase == phaseDone {
		return n.result, nil
	}
	inbox := n.tr.Inbox()
	for {
		select {
		case <-ctx.Done():
			return n.result, ctx.Err()
		case env, ok := <-inbox:
			if !ok {
				return n.result, n.fail(ctx, ErrInboxClosed)
			}
			done, err := n.handle(ctx, env)
			n.publish()
			if err != nil {
				var stop *StopError
				if errors.As(err, &stop) {
					n.logger.Printf("agent=%d stopped origin=%d reason=%s", n.cfg.ID, stop.Origin, stop.Reason)
					return n.result, err
				}
				return n.result, n.fail(ctx, err)
			}
			if done {
				return n.result, nil
			}
		}
	}
}

func (n *Node) start(ctx context.Context) error {
	switch n.cfg.Algorithm {
	case domain.AlgorithmPing:
		n.phase = phasePing
		if n.isCoordinator() {
			return n.send(ctx, protocol.Envelope{To: n.next(), Body: protocol.Ping{Origin: n.cfg.ID}})
		}
	case domain.AlgorithmRefine:
		n.phase = phaseRefine
		if n.isCoordinator() {
			return n.send(ctx, n.refiner.Seed())
		}
	case domain.AlgorithmHungarian:
		n.phase = phaseMatching
		out, err := n.engine.Start()
		if err != nil {
			return err
		}
		return n.apply(ctx, out)
	}
	return nil
}

// fail logs a fatal error once and starts a stop broadcast around the ring.
func (n *Node) fail(ctx context.Context, err error) error {
	n.logger.Printf("agent=%d fatal: %v", n.cfg.ID, err)
	n.phase = phaseStopped
	n.publish()
	n.record(ctx, "stop", err.Error(), map[string]any{"fatal": true})
	if n.next() == n.cfg.ID {
		return err
	}
	stop := protocol.Envelope{To: n.next(), Body: protocol.Stop{Origin: n.cfg.ID, Reason: err.Error(), Fatal: true}}
	// ctx may already be cancelled; the broadcast still goes out.
	if sendErr := n.send(context.WithoutCancel(ctx), stop); sendErr != nil {
		n.logger.Printf("agent=%d stop broadcast failed: %v", n.cfg.ID, sendErr)
	}
	return err
}

func (n *Node) send(ctx context.Context, env protocol.Envelope) error {
	n.seq++
	env.Seq = n.seq
	env.From = n.cfg.ID
	kind := string(env.Kind())
	if err := n.tr.Send(ctx, env); err != nil {
		n.metrics.SendFailed(kind)
		return fmt.Errorf("send %s to agent %d: %w", kind, env.To, err)
	}
	n.metrics.Sent(kind)
	return nil
}

func (n *Node) handle(ctx context.Context, env protocol.Envelope) (bool, error) {
	if env.Seq > n.seq {
		n.seq = env.Seq
	}
	n.metrics.Received(string(env.Kind()))

	if matching.Handles(env.Kind()) {
		if n.engine == nil || n.phase != phaseMatching {
			return false, &matching.ProtocolError{Agent: n.cfg.ID, Op: "dispatch", Detail: fmt.Sprintf("%s message outside Phase 1", env.Kind())}
		}
		out, err := n.engine.Handle(env)
		if err != nil {
			return false, err
		}
		return false, n.apply(ctx, out)
	}

	switch msg := env.Body.(type) {
	case protocol.Collect:
		return false, n.handleCollect(ctx, msg)
	case protocol.Refine:
		err := n.handleRefine(ctx, msg)
		return n.phase == phaseDone, err
	case protocol.Finish:
		return true, n.handleFinish(ctx, msg)
	case protocol.Stop:
		return true, n.handleStop(ctx, msg)
	case protocol.Ping:
		return n.handlePing(ctx, msg)
	}
	return false, &matching.ProtocolError{Agent: n.cfg.ID, Op: "dispatch", Detail: fmt.Sprintf("unexpected %s message from %d", env.Kind(), env.From)}
}

// apply sends what the matching engine produced and records its events.
func (n *Node) apply(ctx context.Context, out matching.Output) error {
	for _, ev := range out.Events {
		n.record(ctx, ev.Action, ev.Reason, ev.Fields)
	}
	for _, env := range out.Messages {
		if err := n.send(ctx, env); err != nil {
			return err
		}
	}
	if out.Done {
		return n.beginCollect(ctx)
	}
	return nil
}

func (n *Node) record(ctx context.Context, action, reason string, fields map[string]any) {
	n.metrics.Milestone(action)
	if action == "round" {
		if r, ok := fields["round"].(int); ok {
			n.metrics.SetRound(r)
		}
	} else {
		n.logger.Printf("agent=%d %s: %s", n.cfg.ID, action, reason)
	}
	if n.events == nil {
		return
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		payload = []byte("{}")
	}
	ev := domain.Event{
		RunID:     n.cfg.RunID,
		Agent:     n.cfg.ID,
		Action:    action,
		Reason:    reason,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := n.events.LogEvent(context.WithoutCancel(ctx), ev); err != nil {
		n.logger.Printf("agent=%d record event %s: %v", n.cfg.ID, action, err)
	}
}

// Collection lap: each agent writes its Phase 1 task into the table, and
// the coordinator launches refinement once the table is back.

func (n *Node) beginCollect(ctx context.Context) error {
	n.phase = phaseCollect
	c := protocol.Collect{Entries: domain.EmptyTable(n.cfg.RingSize)}
	if err := n.contribute(&c); err != nil {
		return err
	}
	if n.next() == n.cfg.ID {
		return n.launchRefine(ctx, c)
	}
	return n.send(ctx, protocol.Envelope{To: n.next(), Body: c})
}

func (n *Node) handleCollect(ctx context.Context, c protocol.Collect) error {
	if n.engine == nil {
		return &matching.ProtocolError{Agent: n.cfg.ID, Op: "collect", Detail: "collection without Phase 1"}
	}
	if n.isCoordinator() {
		if n.phase != phaseCollect {
			return &matching.ProtocolError{Agent: n.cfg.ID, Op: "collect", Detail: "collection lap returned without being started"}
		}
		return n.launchRefine(ctx, c)
	}
	if len(c.Entries) != n.cfg.RingSize {
		return &matching.ProtocolError{Agent: n.cfg.ID, Op: "collect", Detail: fmt.Sprintf("table has %d entries for %d agents", len(c.Entries), n.cfg.RingSize)}
	}
	if err := n.contribute(&c); err != nil {
		return err
	}
	n.phase = phaseRefine
	return n.send(ctx, protocol.Envelope{To: n.next(), Body: c})
}

func (n *Node) contribute(c *protocol.Collect) error {
	a := n.engine.Agent()
	task := domain.NoTask
	if a.Match.Valid() {
		if slices.Contains(c.Slots, a.Match) {
			return &matching.ProtocolError{Agent: n.cfg.ID, Op: "collect", Detail: fmt.Sprintf("slot %d matched twice", a.Match)}
		}
		c.Slots = append(c.Slots, a.Match)
		// A slot the agent cannot serve only completed the perfect matching;
		// the agent enters refinement unassigned.
		if n.inst.Capable(n.cfg.ID, a.Match) {
			task = n.inst.TaskOfSlot(a.Match)
			n.result.Slot = a.Match
			n.result.Phase1Cost = a.Costs[a.Match]
			n.metrics.SetPhase1Cost(a.Costs[a.Match])
		}
	}
	if task != domain.NoTask {
		c.Entries[n.cfg.ID] = domain.Entry{Task: task, Probability: n.inst.PSuccess(n.cfg.ID, task)}
	}
	n.refiner.SetCurrent(task)
	return nil
}

func (n *Node) launchRefine(ctx context.Context, c protocol.Collect) error {
	objective := n.inst.Objective(c.Entries)
	n.metrics.SetObjective(objective)
	assigned := 0
	for _, e := range c.Entries {
		if e.Task != domain.NoTask {
			assigned++
		}
	}
	n.record(ctx, "phase1_collected", "matching gathered into table", map[string]any{
		"matched":   len(c.Slots),
		"assigned":  assigned,
		"objective": objective,
	})
	n.phase = phaseRefine
	return n.send(ctx, n.refiner.Launch(c.Entries))
}

func (n *Node) handleRefine(ctx context.Context, tok protocol.Refine) error {
	if n.refiner == nil {
		return &matching.ProtocolError{Agent: n.cfg.ID, Op: "refine", Detail: "refinement token in ping mode"}
	}
	if len(tok.Entries) != n.cfg.RingSize {
		return &matching.ProtocolError{Agent: n.cfg.ID, Op: "refine", Detail: fmt.Sprintf("table has %d entries for %d agents", len(tok.Entries), n.cfg.RingSize)}
	}
	n.phase = phaseRefine
	out := n.refiner.Handle(tok)
	if fin, ok := out.Body.(protocol.Finish); ok {
		n.record(ctx, "refine_converged", "a full lap kept every task", map[string]any{
			"objective": n.inst.Objective(fin.Entries),
		})
		return n.handleFinish(ctx, fin)
	}
	return n.send(ctx, out)
}

// handleFinish freezes this agent's entry and passes the table on until it
// reaches the agent just before the origin.
func (n *Node) handleFinish(ctx context.Context, fin protocol.Finish) error {
	if n.refiner == nil || len(fin.Entries) != n.cfg.RingSize {
		return &matching.ProtocolError{Agent: n.cfg.ID, Op: "finish", Detail: "malformed final table"}
	}
	own := fin.Entries[n.cfg.ID]
	n.result.Task = own.Task
	n.result.Probability = own.Probability
	n.phase = phaseDone

	if n.isCoordinator() {
		objective := n.inst.Objective(fin.Entries)
		n.metrics.SetObjective(objective)
		n.result.Stats = &domain.RunStats{
			RunID:     n.cfg.RunID,
			Algorithm: n.cfg.Algorithm,
			N:         n.inst.N,
			M:         n.inst.M,
			Objective: objective,
			Messages:  n.seq,
			Duration:  time.Since(n.started),
			Input:     n.cfg.Input,
		}
	}
	if n.next() == fin.Origin {
		return nil
	}
	return n.send(ctx, protocol.Envelope{To: n.next(), Body: fin})
}

func (n *Node) handleStop(ctx context.Context, stop protocol.Stop) error {
	if n.next() != stop.Origin {
		if err := n.send(ctx, protocol.Envelope{To: n.next(), Body: stop}); err != nil {
			n.logger.Printf("agent=%d forward stop: %v", n.cfg.ID, err)
		}
	}
	if stop.Fatal {
		n.phase = phaseStopped
		return &StopError{Origin: stop.Origin, Reason: stop.Reason}
	}
	n.phase = phaseDone
	return nil
}

// handlePing forwards the self-test token; when it comes home the origin
// releases the ring with a clean stop.
func (n *Node) handlePing(ctx context.Context, p protocol.Ping) (bool, error) {
	if p.Origin != n.cfg.ID {
		p.Hops++
		return false, n.send(ctx, protocol.Envelope{To: n.next(), Body: p})
	}
	n.logger.Printf("agent=%d self-test lap complete hops=%d", n.cfg.ID, p.Hops+1)
	n.phase = phaseDone
	if n.next() == n.cfg.ID {
		return true, nil
	}
	stop := protocol.Stop{Origin: n.cfg.ID, Reason: "self-test complete"}
	return true, n.send(ctx, protocol.Envelope{To: n.next(), Body: stop})
}

func (n *Node) publish() {
	st := Status{
		Agent:       n.cfg.ID,
		Algorithm:   n.cfg.Algorithm,
		Coordinator: n.isCoordinator(),
		Phase:       string(n.phase),
		Match:       domain.NoSlot,
		Task:        n.result.Task,
		Seq:         n.seq,
	}
	if n.engine != nil {
		st.Round = n.engine.Round()
		st.Match = n.engine.Agent().Match
	}
	if n.refiner != nil && n.phase == phaseRefine {
		st.Task = n.refiner.Current()
	}
	n.mu.Lock()
	n.status = st
	n.mu.Unlock()
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}
