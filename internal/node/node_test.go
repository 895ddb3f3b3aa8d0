package node

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"taskmatch/internal/domain"
	"taskmatch/internal/matching"
	"taskmatch/internal/messaging/inproc"
	"taskmatch/internal/metrics"
	"taskmatch/internal/model"
	"taskmatch/internal/protocol"
)

const exampleInput = `3 2 1
1
1
1
0
0
0.9 0.1
0.8 0.2
0.3 0.7
2
1
`

type memorySink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *memorySink) LogEvent(_ context.Context, ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memorySink) actions() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for _, ev := range s.events {
		out[ev.Action]++
	}
	return out
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func loadExample(t *testing.T) *model.Instance {
	t.Helper()
	inst, err := model.Parse(strings.NewReader(exampleInput))
	if err != nil {
		t.Fatalf("parse example: %v", err)
	}
	return inst
}

type outcome struct {
	results []Result
	errs    []error
	nodes   []*Node
}

// runRing starts one node per agent on a shared bus. before, when set, runs
// after the endpoints exist and before any node starts.
func runRing(t *testing.T, inst *model.Instance, ringSize int, alg domain.Algorithm, coordinator domain.AgentID, sink EventSink, before func(*inproc.Bus)) outcome {
	t.Helper()
	bus := inproc.New(256)
	nodes := make([]*Node, ringSize)
	for i := range nodes {
		ep := bus.Endpoint(domain.AgentID(i))
		t.Cleanup(func() { _ = ep.Close() })
		n, err := New(Config{
			ID:            domain.AgentID(i),
			Algorithm:     alg,
			Coordinator:   coordinator,
			RingSize:      ringSize,
			ValidateEvery: 2,
			RunID:         "run-test",
			Input:         "example.txt",
		}, inst, ep, sink, nil, quietLogger())
		if err != nil {
			t.Fatalf("new node %d: %v", i, err)
		}
		nodes[i] = n
	}
	if before != nil {
		before(bus)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out := outcome{results: make([]Result, ringSize), errs: make([]error, ringSize), nodes: nodes}
	var wg sync.WaitGroup
	for i, n := range nodes {
		i, n := i, n
		wg.Add(1)
		go func() {
			defer wg.Done()
			out.results[i], out.errs[i] = n.Run(ctx)
		}()
	}
	wg.Wait()
	if ctx.Err() != nil {
		t.Fatalf("ring did not terminate: %v", out.errs)
	}
	return out
}

func TestHungarianRunOnExample(t *testing.T) {
	inst := loadExample(t)
	sink := &memorySink{}
	out := runRing(t, inst, inst.N, domain.AlgorithmHungarian, 0, sink, nil)

	want := []int{0, 0, 1}
	var phase1 float64
	for i, res := range out.results {
		if out.errs[i] != nil {
			t.Fatalf("agent %d: %v", i, out.errs[i])
		}
		if res.Task != want[i] {
			t.Fatalf("agent %d on task %d want %d", i, res.Task, want[i])
		}
		if !res.Slot.Valid() {
			t.Fatalf("agent %d left Phase 1 unmatched", i)
		}
		phase1 += res.Phase1Cost
	}
	if math.Abs(phase1-0.6) > 1e-6 {
		t.Fatalf("phase 1 cost %v want 0.6", phase1)
	}

	stats := out.results[0].Stats
	if stats == nil {
		t.Fatalf("coordinator returned no stats")
	}
	if math.Abs(stats.Objective-0.504) > 1e-9 {
		t.Fatalf("objective %v want 0.504", stats.Objective)
	}
	if stats.Messages == 0 || stats.N != 3 || stats.M != 2 || stats.Input != "example.txt" {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if out.results[1].Stats != nil {
		t.Fatalf("only the coordinator reports stats")
	}

	actions := sink.actions()
	for _, action := range []string{"round", "phase1_converged", "validated", "phase1_collected", "refine_converged"} {
		if actions[action] == 0 {
			t.Fatalf("no %q event recorded: %v", action, actions)
		}
	}
}

func TestRefineOnlyRun(t *testing.T) {
	inst := loadExample(t)
	out := runRing(t, inst, inst.N, domain.AlgorithmRefine, 1, nil, nil)
	for i, err := range out.errs {
		if err != nil {
			t.Fatalf("agent %d: %v", i, err)
		}
		if out.results[i].Slot.Valid() {
			t.Fatalf("refine-only agent %d reports a Phase 1 slot", i)
		}
	}
	stats := out.results[1].Stats
	if stats == nil || stats.Objective <= 0 {
		t.Fatalf("coordinator stats %+v", stats)
	}
}

func TestPingSelfTest(t *testing.T) {
	out := runRing(t, nil, 4, domain.AlgorithmPing, 2, nil, nil)
	for i, err := range out.errs {
		if err != nil {
			t.Fatalf("agent %d: %v", i, err)
		}
		if out.nodes[i].Status().Phase != string(phaseDone) {
			t.Fatalf("agent %d ended in phase %s", i, out.nodes[i].Status().Phase)
		}
	}
}

func TestSingleAgentRing(t *testing.T) {
	inst, err := model.Parse(strings.NewReader("1 1 1\n1\n0\n0.6\n1\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out := runRing(t, inst, 1, domain.AlgorithmHungarian, 0, nil, nil)
	if out.errs[0] != nil {
		t.Fatalf("run: %v", out.errs[0])
	}
	if out.results[0].Task != 0 || math.Abs(out.results[0].Stats.Objective-0.6) > 1e-9 {
		t.Fatalf("unexpected result %+v", out.results[0])
	}
}

func TestProtocolViolationStopsRing(t *testing.T) {
	inst := loadExample(t)
	out := runRing(t, inst, inst.N, domain.AlgorithmHungarian, 0, nil, func(bus *inproc.Bus) {
		// An Attached answer nobody asked for.
		bogus := protocol.Envelope{From: 1, To: 2, Body: protocol.Attached{Father: 1, Older: domain.NoAgent}}
		if err := bus.Send(context.Background(), bogus); err != nil {
			t.Fatalf("inject: %v", err)
		}
	})

	var perr *matching.ProtocolError
	if !errors.As(out.errs[2], &perr) || perr.Agent != 2 {
		t.Fatalf("agent 2 should report the violation, got %v", out.errs[2])
	}
	for _, i := range []int{0, 1} {
		var stop *StopError
		if !errors.As(out.errs[i], &stop) || stop.Origin != 2 {
			t.Fatalf("agent %d should be stopped by agent 2, got %v", i, out.errs[i])
		}
		if !errors.Is(out.errs[i], ErrStopped) {
			t.Fatalf("agent %d error does not match ErrStopped", i)
		}
	}
}

func TestSendFailureIsFatal(t *testing.T) {
	bus := inproc.New(8)
	ep := bus.Endpoint(0)
	defer ep.Close()
	n, err := New(Config{ID: 0, Algorithm: domain.AlgorithmPing, RingSize: 2}, nil, ep, nil, nil, quietLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := n.Run(ctx); !errors.Is(err, inproc.ErrAgentNotRegistered) {
		t.Fatalf("expected ErrAgentNotRegistered, got %v", err)
	}
	if got := n.Status().Phase; got != string(phaseStopped) {
		t.Fatalf("phase %s want stopped", got)
	}
}

func TestNewRejectsMismatchedRing(t *testing.T) {
	inst := loadExample(t)
	bus := inproc.New(8)
	cases := []Config{
		{ID: 0, Algorithm: domain.AlgorithmHungarian, RingSize: 4},
		{ID: 3, Algorithm: domain.AlgorithmHungarian, RingSize: 3},
		{ID: 0, Algorithm: domain.AlgorithmHungarian, Coordinator: 5},
		{ID: 0, Algorithm: "bogus"},
	}
	for _, cfg := range cases {
		if _, err := New(cfg, inst, bus.Endpoint(0), nil, nil, quietLogger()); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
	if _, err := New(Config{ID: 0, Algorithm: domain.AlgorithmRefine, RingSize: 3}, nil, bus.Endpoint(0), nil, nil, quietLogger()); err == nil {
		t.Fatalf("refine without input must fail")
	}
}

func TestStatusEndpoint(t *testing.T) {
	inst := loadExample(t)
	out := runRing(t, inst, inst.N, domain.AlgorithmHungarian, 0, nil, nil)
	m := metrics.New("0")
	srv := httptest.NewServer(out.nodes[0].Handler(m))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.Coordinator || st.Phase != string(phaseDone) || st.Task != 0 || st.Seq == 0 {
		t.Fatalf("unexpected status %+v", st)
	}

	metricsResp, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	metricsResp.Body.Close()
	if metricsResp.StatusCode != 200 {
		t.Fatalf("metrics status %d", metricsResp.StatusCode)
	}
}
