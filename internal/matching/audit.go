package matching

import (
	"errors"
	"fmt"
	"math"

	"taskmatch/internal/domain"
	"taskmatch/internal/protocol"
)

// AuditSnapshot checks a full snapshot of every agent's state at a quiet
// point (no repair in flight): matching validity, replica agreement, dual
// feasibility and the shape of the forest. Only tests and the in-process
// cluster can see all agents at once.
func AuditSnapshot(agents []*Agent, eps float64) error {
	var errs []error
	n := len(agents)
	holder := make(map[domain.SlotID]domain.AgentID)
	for i, a := range agents {
		if a.ID != domain.AgentID(i) {
			errs = append(errs, fmt.Errorf("snapshot position %d holds agent %d", i, a.ID))
			continue
		}
		if a.Match.Valid() {
			if other, ok := holder[a.Match]; ok {
				errs = append(errs, fmt.Errorf("slot %d matched to agents %d and %d", a.Match, other, a.ID))
			}
			holder[a.Match] = a.ID
		}
		if err := a.CheckDuals(eps); err != nil {
			errs = append(errs, err)
		}
		if err := a.CheckLinks(); err != nil {
			errs = append(errs, err)
		}
		if i > 0 {
			ref := agents[0]
			for j := range a.Alpha {
				if math.Abs(a.Alpha[j]-ref.Alpha[j]) > eps || a.InF1[j] != ref.InF1[j] {
					errs = append(errs, fmt.Errorf("agent %d replica of slot %d disagrees with agent 0", a.ID, j))
					break
				}
			}
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	byID := func(id domain.AgentID) (*Agent, bool) {
		if !id.Valid() || int(id) >= n {
			return nil, false
		}
		return agents[id], true
	}
	for _, a := range agents {
		// Acyclic: the father chain must end within n steps.
		cur := a
		for steps := 0; cur.Father.Valid(); steps++ {
			if steps > n {
				errs = append(errs, fmt.Errorf("agent %d lies on a father cycle", a.ID))
				break
			}
			f, ok := byID(cur.Father)
			if !ok {
				errs = append(errs, fmt.Errorf("agent %d has unknown father %d", cur.ID, cur.Father))
				break
			}
			cur = f
		}

		if !a.Son.Valid() {
			continue
		}
		// The son chain lists exactly the agents naming a as father.
		seen := make(map[domain.AgentID]bool)
		prev := domain.NoAgent
		for c := a.Son; c.Valid(); {
			child, ok := byID(c)
			if !ok {
				errs = append(errs, fmt.Errorf("agent %d son chain reaches unknown agent %d", a.ID, c))
				break
			}
			if seen[c] {
				errs = append(errs, fmt.Errorf("agent %d son chain repeats %d", a.ID, c))
				break
			}
			seen[c] = true
			if child.Father != a.ID {
				errs = append(errs, fmt.Errorf("agent %d lists %d as son but its father is %s", a.ID, c, child.Father))
			}
			if child.Older != prev {
				errs = append(errs, fmt.Errorf("agent %d older link %s, want %s", c, child.Older, prev))
			}
			if a.InF2 != child.InF2 {
				errs = append(errs, fmt.Errorf("agent %d and son %d disagree on forest membership", a.ID, c))
			}
			if child.Match.Valid() {
				if v := a.Slack(child.Match); math.Abs(v) > eps {
					errs = append(errs, fmt.Errorf("tree edge %d-slot %d has slack %.9f", a.ID, child.Match, v))
				}
			}
			prev = c
			c = child.Younger
		}
		for _, other := range agents {
			if other.Father == a.ID && !seen[other.ID] {
				errs = append(errs, fmt.Errorf("agent %d names %d as father but is missing from its son chain", other.ID, a.ID))
			}
		}
	}
	return errors.Join(errs...)
}

// SnapshotMinSlack is the reduction result computed centrally: the
// preferred candidate over every open-tree agent and F1 slot, under the same
// order the ring token uses.
func SnapshotMinSlack(agents []*Agent, eps float64) (delta float64, slot domain.SlotID, agent domain.AgentID, ok bool) {
	tol := tieTolerance(eps)
	best := protocol.ReduceToken{Slot: domain.NoSlot, Agent: domain.NoAgent}
	for _, a := range agents {
		if !a.InF2 {
			continue
		}
		if d, s, found := a.MinSlack(tol); found {
			if c := (protocol.ReduceToken{Delta: d, Slot: s, Agent: a.ID}); preferred(c, best, tol) {
				best = c
			}
		}
	}
	return best.Delta, best.Slot, best.Agent, best.Slot.Valid()
}

// MatchingCost sums the costs of matched edges.
func MatchingCost(agents []*Agent) (cost float64, matched int) {
	for _, a := range agents {
		if a.Match.Valid() {
			cost += a.Costs[a.Match]
			matched++
		}
	}
	return cost, matched
}
