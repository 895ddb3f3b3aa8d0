// Package refine runs Phase 2: a single token carrying the whole assignment
// table travels the ring, and each agent greedily moves itself to the task
// that best serves the shared success objective.
package refine

import (
	"sort"

	"taskmatch/internal/domain"
	"taskmatch/internal/model"
	"taskmatch/internal/protocol"
)

type Refiner struct {
	inst     *model.Instance
	id       domain.AgentID
	ringSize int
	current  int
	// capable tasks by descending success probability
	prefs []int
}

func New(inst *model.Instance, id domain.AgentID, ringSize int) *Refiner {
	if ringSize <= 0 {
		ringSize = inst.N
	}
	r := &Refiner{
		inst:     inst,
		id:       id,
		ringSize: ringSize,
		current:  domain.NoTask,
	}
	for j := 0; j < inst.M; j++ {
		if inst.CanDo(id, j) {
			r.prefs = append(r.prefs, j)
		}
	}
	sort.SliceStable(r.prefs, func(a, b int) bool {
		return inst.P[id][r.prefs[a]] > inst.P[id][r.prefs[b]]
	})
	return r
}

func (r *Refiner) Current() int { return r.current }

// SetCurrent records the task this agent holds when refinement starts.
func (r *Refiner) SetCurrent(task int) { r.current = task }

func (r *Refiner) next() domain.AgentID {
	return domain.AgentID((int(r.id) + 1) % r.ringSize)
}

func (r *Refiner) entry(task int) domain.Entry {
	if task == domain.NoTask {
		return domain.Entry{Task: domain.NoTask}
	}
	return domain.Entry{Task: task, Probability: r.inst.PSuccess(r.id, task)}
}

// Step rewrites this agent's row of table and reports whether its task
// changed.
func (r *Refiner) Step(table []domain.Entry) bool {
	prev := r.current
	table[r.id] = r.entry(domain.NoTask)

	chosen, ok := r.fill(table)
	if !ok {
		switch {
		case len(r.prefs) == 0:
			chosen = domain.NoTask
		case prev == domain.NoTask:
			chosen = r.prefs[0]
		default:
			chosen = r.improve(table, prev)
		}
	}
	table[r.id] = r.entry(chosen)
	r.current = chosen
	return chosen != prev
}

// fill joins the most preferred capable task still short of its demand.
func (r *Refiner) fill(table []domain.Entry) (int, bool) {
	counts := r.inst.Occupancy(table)
	for _, j := range r.prefs {
		if counts[j] < r.inst.Demand[j] {
			return j, true
		}
	}
	return domain.NoTask, false
}

// improve evaluates the objective with this agent on each capable task. The
// previous task wins ties.
func (r *Refiner) improve(table []domain.Entry, prev int) int {
	best := prev
	table[r.id] = r.entry(prev)
	bestValue := r.inst.Objective(table)
	for _, j := range r.prefs {
		if j == prev {
			continue
		}
		table[r.id] = r.entry(j)
		if v := r.inst.Objective(table); v > bestValue {
			best, bestValue = j, v
		}
	}
	table[r.id] = r.entry(best)
	return best
}

// Seed starts refinement-only mode on the coordinator: an empty table with
// the coordinator on its favourite task.
func (r *Refiner) Seed() protocol.Envelope {
	table := domain.EmptyTable(r.ringSize)
	if len(r.prefs) > 0 {
		r.current = r.prefs[0]
		table[r.id] = r.entry(r.current)
	}
	return protocol.Envelope{From: r.id, To: r.next(), Body: protocol.Refine{Entries: table}}
}

// Launch hands a collected Phase 1 table to the next agent.
func (r *Refiner) Launch(table []domain.Entry) protocol.Envelope {
	return protocol.Envelope{From: r.id, To: r.next(), Body: protocol.Refine{Entries: append([]domain.Entry(nil), table...)}}
}

// Handle processes the token. Once more than a full lap of agents kept
// their task, it returns a Finish token instead.
func (r *Refiner) Handle(tok protocol.Refine) protocol.Envelope {
	table := append([]domain.Entry(nil), tok.Entries...)
	if r.Step(table) {
		tok.Unchanged = 0
	} else {
		tok.Unchanged++
	}
	if tok.Unchanged > r.ringSize {
		return protocol.Envelope{From: r.id, To: r.next(), Body: protocol.Finish{Origin: r.id, Entries: table}}
	}
	tok.Entries = table
	return protocol.Envelope{From: r.id, To: r.next(), Body: tok}
}
