package matching

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"pgregory.net/rapid"

	"taskmatch/internal/domain"
	"taskmatch/internal/model"
	"taskmatch/internal/protocol"
)

const testEps = 1e-6

// pump delivers messages between in-memory engines in FIFO order and checks
// the protocol-wide invariants at every quiet point.
type pump struct {
	// raw keeps NoEdge for incapable pairs; the engines run on the priced
	// matrix.
	raw       [][]float64
	engines   []*Engine
	queue     []protocol.Envelope
	delivered int
	rounds    int
	events    []Event
	// quiet, when set, inspects every quiet point after the audit.
	quiet func(agents []*Agent) error
}

func newPump(costs [][]float64, cfg Config) *pump {
	cfg.RingSize = len(costs)
	p := &pump{raw: costs}
	for i, row := range priced(costs) {
		p.engines = append(p.engines, NewEngine(NewAgent(domain.AgentID(i), row), cfg))
	}
	return p
}

// priced replaces NoEdge the way model.Instance.Costs does.
func priced(costs [][]float64) [][]float64 {
	out := make([][]float64, len(costs))
	for i, row := range costs {
		out[i] = make([]float64, len(row))
		for j, c := range row {
			if !model.IsEdge(c) {
				c = model.IncapableCost(len(costs))
			}
			out[i][j] = c
		}
	}
	return out
}

// realMatching sums the matched pairs that are edges of raw.
func realMatching(raw [][]float64, agents []*Agent) (cost float64, matched int) {
	for i, a := range agents {
		if a.Match.Valid() && model.IsEdge(raw[i][a.Match]) {
			cost += raw[i][a.Match]
			matched++
		}
	}
	return cost, matched
}

func (p *pump) agents() []*Agent {
	out := make([]*Agent, len(p.engines))
	for i, e := range p.engines {
		out[i] = e.Agent()
	}
	return out
}

func (p *pump) coordinator() *Engine {
	for _, e := range p.engines {
		if e.IsCoordinator() {
			return e
		}
	}
	return nil
}

func (p *pump) absorb(out Output) error {
	if len(out.Messages) > 1 {
		return fmt.Errorf("handler emitted %d messages, want at most one in flight", len(out.Messages))
	}
	p.queue = append(p.queue, out.Messages...)
	p.events = append(p.events, out.Events...)
	if len(p.queue) > 1 {
		return fmt.Errorf("%d messages in flight", len(p.queue))
	}
	return nil
}

// run drives Phase 1 to completion. It returns the first handler error.
func (p *pump) run() error {
	out, err := p.coordinator().Start()
	if err != nil {
		return err
	}
	if err := p.absorb(out); err != nil {
		return err
	}
	limit := 200 * (len(p.engines) + 1) * (len(p.engines) + 1) * (len(p.engines) + 1)
	for len(p.queue) > 0 {
		env := p.queue[0]
		p.queue = p.queue[1:]
		p.delivered++
		if p.delivered > limit {
			return fmt.Errorf("no convergence after %d messages", p.delivered)
		}
		if !env.To.Valid() || int(env.To) >= len(p.engines) {
			return fmt.Errorf("message %s addressed to unknown agent %d", env.Kind(), env.To)
		}
		target := p.engines[env.To]
		if err := p.beforeDeliver(target, env); err != nil {
			return err
		}
		out, err := target.Handle(env)
		if err != nil {
			return err
		}
		if err := p.absorb(out); err != nil {
			return err
		}
		if out.Done {
			if len(p.queue) != 0 {
				return fmt.Errorf("phase 1 done with %d messages still queued", len(p.queue))
			}
			return AuditSnapshot(p.agents(), testEps)
		}
	}
	return fmt.Errorf("message queue drained before phase 1 finished")
}

// beforeDeliver checks the quiet point where a finished reduction token
// reaches the coordinator: the whole state must audit clean and the token
// must equal the centrally computed minimum.
func (p *pump) beforeDeliver(target *Engine, env protocol.Envelope) error {
	tok, ok := env.Body.(protocol.ReduceToken)
	if !ok || !target.IsCoordinator() || target.openLap != protocol.KindReduce {
		return nil
	}
	p.rounds++
	agents := p.agents()
	if err := AuditSnapshot(agents, testEps); err != nil {
		return fmt.Errorf("round %d audit: %w", p.rounds, err)
	}
	delta, slot, agent, found := SnapshotMinSlack(agents, testEps)
	if found == tok.Empty() {
		return fmt.Errorf("round %d: ring found candidate=%t, snapshot found=%t", p.rounds, !tok.Empty(), found)
	}
	if found && (tok.Slot != slot || tok.Agent != agent || math.Abs(tok.Delta-delta) > testEps) {
		return fmt.Errorf("round %d: ring (%v,%d,%d) snapshot (%v,%d,%d)", p.rounds, tok.Delta, tok.Slot, tok.Agent, delta, slot, agent)
	}
	if p.quiet != nil {
		return p.quiet(agents)
	}
	return nil
}

// checkAgainstReference requires a perfect matching on the priced matrix
// whose capable part is a maximum matching of minimum cost.
func checkAgainstReference(costs [][]float64, agents []*Agent) error {
	if _, all := MatchingCost(agents); all != len(costs) {
		return fmt.Errorf("matched %d of %d agents on the priced matrix", all, len(costs))
	}
	ref := model.SolveAssignment(costs)
	cost, matched := realMatching(costs, agents)
	if matched != ref.Matched {
		return fmt.Errorf("matched %d agents, reference matches %d", matched, ref.Matched)
	}
	if math.Abs(cost-ref.Cost) > 1e-6 {
		return fmt.Errorf("matching cost %.9f, reference %.9f", cost, ref.Cost)
	}
	return nil
}

func TestExampleScenarioFindsMinimumCostMatching(t *testing.T) {
	inst, err := model.Parse(strings.NewReader(exampleInput))
	if err != nil {
		t.Fatalf("parse example: %v", err)
	}
	costs := inst.CostMatrix()
	p := newPump(costs, Config{Coordinator: 0, ValidateEvery: 1})
	if err := p.run(); err != nil {
		t.Fatalf("run phase 1: %v", err)
	}
	agents := p.agents()
	want := []int{0, 0, 1}
	for i, a := range agents {
		if got := inst.TaskOfSlot(a.Match); got != want[i] {
			t.Fatalf("agent %d got task %d want %d", i, got, want[i])
		}
	}
	if err := checkAgainstReference(costs, agents); err != nil {
		t.Fatalf("%v", err)
	}
}

func TestContestedSlotGrowsTrees(t *testing.T) {
	// Everyone prefers slot 0 and agent 2 only fits slot 0 or 2.
	costs := [][]float64{
		{0.0, 0.2, 0.9},
		{0.0, 0.1, model.NoEdge},
		{0.0, model.NoEdge, 0.8},
	}
	p := newPump(costs, Config{Coordinator: 0, ValidateEvery: 2})
	if err := p.run(); err != nil {
		t.Fatalf("run phase 1: %v", err)
	}
	if err := checkAgainstReference(costs, p.agents()); err != nil {
		t.Fatalf("%v", err)
	}
	if got := countEvents(p.events, "augment"); got != 3 {
		t.Fatalf("expected 3 augmentations, got %d", got)
	}
	if got := countEvents(p.events, "grow"); got != 3 {
		t.Fatalf("expected 3 tree growths, got %d", got)
	}
}

func TestAugmentingPathFlipsThroughInteriorAgents(t *testing.T) {
	// Agent 1 only fits slot 0 and agent 0 cannot take slot 2, so the last
	// augmentation starts at agent 2 and flips agent 0 and agent 1.
	costs := [][]float64{
		{0.0, 0.1, model.NoEdge},
		{0.0, model.NoEdge, model.NoEdge},
		{model.NoEdge, 0.0, 1.0},
	}
	p := newPump(costs, Config{Coordinator: 0, ValidateEvery: 1})
	if err := p.run(); err != nil {
		t.Fatalf("run phase 1: %v", err)
	}
	want := []domain.SlotID{1, 0, 2}
	for i, a := range p.agents() {
		if a.Match != want[i] {
			t.Fatalf("agent %d matched %s want %s", i, a.Match, want[i])
		}
	}
	if got := countEvents(p.events, "tree_closed"); got != 1 {
		t.Fatalf("expected one flipped path, got %d", got)
	}
	if got := countEvents(p.events, "augment"); got != 3 {
		t.Fatalf("expected 3 augmentations, got %d", got)
	}
}

func TestGrowAdoptsHolderAsSon(t *testing.T) {
	// Agent 0 takes slot 0 in the first round. Agent 1 then reaches slot 0
	// over a tight edge while slot 1 is still slack for it.
	costs := [][]float64{
		{0.0, 0.5},
		{0.0, 0.9},
	}
	p := newPump(costs, Config{Coordinator: 0, ValidateEvery: 1})
	seen, grown := 0, 0
	p.quiet = func(agents []*Agent) error {
		fresh := p.events[seen:]
		seen = len(p.events)
		for _, ev := range fresh {
			if ev.Action != "grow" {
				continue
			}
			slot := domain.SlotID(ev.Fields["slot"].(int))
			holder := agents[ev.Fields["holder"].(int)]
			if holder.Match != slot {
				return fmt.Errorf("holder %d gave up slot %d for %s", holder.ID, slot, holder.Match)
			}
			if !holder.InF2 || !holder.Father.Valid() || holder.FatherSlot != slot {
				return fmt.Errorf("holder %d not adopted through slot %d: %+v", holder.ID, slot, holder.Family)
			}
			father := agents[holder.Father]
			if !father.InF2 || !hasSon(agents, father, holder.ID) {
				return fmt.Errorf("agent %d does not list %d among its sons", father.ID, holder.ID)
			}
			grown++
		}
		return nil
	}
	if err := p.run(); err != nil {
		t.Fatalf("run phase 1: %v", err)
	}
	if grown != 1 {
		t.Fatalf("expected one adoption, saw %d", grown)
	}
	want := []domain.SlotID{1, 0}
	for i, a := range p.agents() {
		if a.Match != want[i] {
			t.Fatalf("agent %d matched %s want %s", i, a.Match, want[i])
		}
	}
	if err := checkAgainstReference(costs, p.agents()); err != nil {
		t.Fatalf("%v", err)
	}
}

func hasSon(agents []*Agent, father *Agent, id domain.AgentID) bool {
	for s := father.Son; s.Valid(); s = agents[s].Younger {
		if s == id {
			return true
		}
	}
	return false
}

func countEvents(events []Event, action string) int {
	n := 0
	for _, ev := range events {
		if ev.Action == action {
			n++
		}
	}
	return n
}

func TestNonZeroCoordinator(t *testing.T) {
	costs := [][]float64{
		{0.5, 0.1, 0.3, 0.9},
		{0.2, 0.4, 0.1, 0.6},
		{0.3, 0.3, 0.2, 0.1},
		{0.1, 0.5, 0.5, 0.5},
	}
	p := newPump(costs, Config{Coordinator: 2})
	if err := p.run(); err != nil {
		t.Fatalf("run phase 1: %v", err)
	}
	if err := checkAgainstReference(costs, p.agents()); err != nil {
		t.Fatalf("%v", err)
	}
}

func TestSingleAgentRing(t *testing.T) {
	p := newPump([][]float64{{0.25}}, Config{Coordinator: 0})
	if err := p.run(); err != nil {
		t.Fatalf("run phase 1: %v", err)
	}
	if got := p.agents()[0].Match; got != 0 {
		t.Fatalf("single agent matched to %s", got)
	}
}

func TestUnfillableSlotKeepsCheapestAgent(t *testing.T) {
	// Nobody can take slot 1; the agent left on it must be the costlier one.
	costs := [][]float64{
		{0.3, model.NoEdge},
		{0.1, model.NoEdge},
	}
	p := newPump(costs, Config{Coordinator: 0})
	if err := p.run(); err != nil {
		t.Fatalf("run phase 1: %v", err)
	}
	agents := p.agents()
	if cost, matched := realMatching(costs, agents); matched != 1 || math.Abs(cost-0.1) > 1e-9 {
		t.Fatalf("capable matching %d at cost %v, want 1 at 0.1", matched, cost)
	}
	if agents[1].Match != 0 || agents[0].Match != 1 {
		t.Fatalf("cheaper agent should keep slot 0, got %s and %s", agents[0].Match, agents[1].Match)
	}
	if err := checkAgainstReference(costs, agents); err != nil {
		t.Fatalf("%v", err)
	}
}

func TestUnfillableSlotWithNonZeroCoordinator(t *testing.T) {
	// Three agents compete for two slots of one task; slot 2 fits nobody.
	costs := [][]float64{
		{0.6, 0.6, model.NoEdge},
		{0.2, 0.2, model.NoEdge},
		{0.3, 0.3, model.NoEdge},
	}
	for coord := 0; coord < len(costs); coord++ {
		p := newPump(costs, Config{Coordinator: domain.AgentID(coord), ValidateEvery: 1})
		if err := p.run(); err != nil {
			t.Fatalf("coordinator %d: run phase 1: %v", coord, err)
		}
		if err := checkAgainstReference(costs, p.agents()); err != nil {
			t.Fatalf("coordinator %d: %v", coord, err)
		}
		if got := p.agents()[0].Match; got != 2 {
			t.Fatalf("coordinator %d: costliest agent should hold the unfillable slot, got %s", coord, got)
		}
	}
}

func TestTiesResolveToLowerSlotThenAgent(t *testing.T) {
	// Slack 0.3 reached two ways: 0.1+0.2 is not bitwise 0.3.
	a := NewAgent(0, []float64{0.1 + 0.2, 0.3, 0.5})
	a.Beta = 0
	a.InF1[0] = false
	tol := tieTolerance(testEps)
	if _, slot, ok := a.MinSlack(tol); !ok || slot != 1 {
		t.Fatalf("min slack slot %d ok=%t, want 1", slot, ok)
	}
	a.InF1[0] = true
	if _, slot, _ := a.MinSlack(tol); slot != 0 {
		t.Fatalf("near-equal slacks must tie and go to slot 0, got %d", slot)
	}

	tok := protocol.ReduceToken{Delta: 0.3, Slot: 2, Agent: 1}
	cases := []struct {
		name string
		c    protocol.ReduceToken
		want bool
	}{
		{"lower slot wins tie", protocol.ReduceToken{Delta: 0.1 + 0.2, Slot: 1, Agent: 3}, true},
		{"higher slot loses tie", protocol.ReduceToken{Delta: 0.3, Slot: 3, Agent: 0}, false},
		{"lower agent wins same slot", protocol.ReduceToken{Delta: 0.3, Slot: 2, Agent: 0}, true},
		{"higher agent loses same slot", protocol.ReduceToken{Delta: 0.3, Slot: 2, Agent: 2}, false},
		{"smaller slack wins", protocol.ReduceToken{Delta: 0.2, Slot: 5, Agent: 5}, true},
		{"empty never wins", protocol.ReduceToken{Slot: domain.NoSlot, Agent: domain.NoAgent}, false},
	}
	for _, tc := range cases {
		if got := preferred(tc.c, tok, tol); got != tc.want {
			t.Fatalf("%s: preferred=%t", tc.name, got)
		}
	}
}

func TestAllZeroCostsGiveSameMatchingForEveryCoordinator(t *testing.T) {
	// Every slack ties, so each round is decided by slot and agent order
	// alone and the ring start must not matter.
	costs := [][]float64{{0, 0, 0}, {0, 0, 0}, {0, 0, 0}}
	want := []domain.SlotID{2, 1, 0}
	for coord := 0; coord < len(costs); coord++ {
		p := newPump(costs, Config{Coordinator: domain.AgentID(coord)})
		if err := p.run(); err != nil {
			t.Fatalf("coordinator %d: %v", coord, err)
		}
		for i, a := range p.agents() {
			if a.Match != want[i] {
				t.Fatalf("coordinator %d: agent %d matched %s want %s", coord, i, a.Match, want[i])
			}
		}
	}
}

func TestPhaseOneMatchesReference(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 7).Draw(rt, "n")
		sparse := rapid.Bool().Draw(rt, "sparse")
		costs := make([][]float64, n)
		for i := range costs {
			costs[i] = make([]float64, n)
			for j := range costs[i] {
				// Two decimals keep many exact ties in play.
				costs[i][j] = float64(rapid.IntRange(0, 100).Draw(rt, fmt.Sprintf("c%d_%d", i, j))) / 100
				if sparse && rapid.IntRange(0, 3).Draw(rt, fmt.Sprintf("e%d_%d", i, j)) == 0 {
					costs[i][j] = model.NoEdge
				}
			}
		}
		every := rapid.IntRange(0, 3).Draw(rt, "validateEvery")
		coord := domain.AgentID(rapid.IntRange(0, n-1).Draw(rt, "coordinator"))

		p := newPump(costs, Config{Coordinator: coord, ValidateEvery: every})
		if err := p.run(); err != nil {
			rt.Fatalf("run phase 1: %v", err)
		}
		if err := checkAgainstReference(costs, p.agents()); err != nil {
			rt.Fatalf("%v", err)
		}
	})
}

func TestValidationDetectsBrokenSiblingLink(t *testing.T) {
	costs := [][]float64{
		{0.1, 0.2, 0.3},
		{0.2, 0.1, 0.3},
		{0.3, 0.2, 0.1},
	}
	p := newPump(costs, Config{Coordinator: 0})
	if err := p.run(); err != nil {
		t.Fatalf("run phase 1: %v", err)
	}
	// Forge a sibling link agent 2 never agreed to.
	agents := p.agents()
	agents[1].Father = 0
	agents[1].FatherSlot = agents[1].Match
	agents[1].Younger = 2

	coord := p.coordinator()
	p.queue = nil
	if err := coord.beginValidation(true); err != nil {
		t.Fatalf("begin validation: %v", err)
	}
	if err := p.absorb(coord.flush()); err != nil {
		t.Fatalf("absorb: %v", err)
	}
	var runErr error
	for len(p.queue) > 0 && runErr == nil {
		env := p.queue[0]
		p.queue = p.queue[1:]
		var out Output
		out, runErr = p.engines[env.To].Handle(env)
		if runErr == nil {
			runErr = p.absorb(out)
		}
	}
	var perr *ProtocolError
	if !errors.As(runErr, &perr) {
		t.Fatalf("expected protocol error, got %v", runErr)
	}
	if !errors.Is(runErr, ErrProtocolViolation) {
		t.Fatalf("protocol error must match ErrProtocolViolation")
	}
}

func TestUnexpectedMessageIsViolation(t *testing.T) {
	e := NewEngine(NewAgent(1, []float64{0.1, 0.2}), Config{Coordinator: 0})
	_, err := e.Handle(protocol.Envelope{From: 0, To: 1, Body: protocol.Unlinked{}})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected violation, got %v", err)
	}
	_, err = e.Handle(protocol.Envelope{From: 0, To: 1, Body: protocol.NewRound{}})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("non-coordinator accepting new round: %v", err)
	}
}

func TestAuditCatchesFatherCycle(t *testing.T) {
	a := NewAgent(0, []float64{0, 0})
	b := NewAgent(1, []float64{0, 0})
	for _, ag := range []*Agent{a, b} {
		ag.InF2 = false
	}
	a.Match, b.Match = 0, 1
	a.InF1[0], a.InF1[1] = true, true
	b.InF1[0], b.InF1[1] = true, true
	a.Father, a.FatherSlot, a.Son = 1, 0, 1
	b.Father, b.FatherSlot, b.Son = 0, 1, 0
	if err := AuditSnapshot([]*Agent{a, b}, testEps); err == nil {
		t.Fatalf("expected audit failure for mutual fathers")
	}
}

func TestNewAgentStartsFreeInForest(t *testing.T) {
	a := NewAgent(4, []float64{0.7, model.NoEdge, 0.2})
	if a.Role() != RoleFree || !a.InF2 || a.Match.Valid() {
		t.Fatalf("unexpected start state %s", a)
	}
	if a.Beta != 0.2 {
		t.Fatalf("beta %v want 0.2", a.Beta)
	}
	delta, slot, ok := a.MinSlack(tieTolerance(testEps))
	if !ok || slot != 2 || delta != 0 {
		t.Fatalf("min slack (%v,%d,%t)", delta, slot, ok)
	}
	a.InF1[2] = false
	if _, slot, _ := a.MinSlack(tieTolerance(testEps)); slot != 0 {
		t.Fatalf("min slack must skip slots outside F1, got %d", slot)
	}
}

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
