package matching

import (
	"fmt"
	"math"

	"taskmatch/internal/domain"
	"taskmatch/internal/model"
	"taskmatch/internal/protocol"
)

// Family holds an agent's tree links. Every field is optional; NoAgent and
// NoSlot mark an absent link.
type Family struct {
	Father     domain.AgentID `json:"father"`
	FatherSlot domain.SlotID  `json:"father_slot"`
	Older      domain.AgentID `json:"older"`
	Younger    domain.AgentID `json:"younger"`
	Son        domain.AgentID `json:"son"`
}

func noFamily() Family {
	return Family{
		Father:     domain.NoAgent,
		FatherSlot: domain.NoSlot,
		Older:      domain.NoAgent,
		Younger:    domain.NoAgent,
		Son:        domain.NoAgent,
	}
}

type Role string

const (
	RoleFree            Role = "free"
	RoleMatchedRoot     Role = "matched-root"
	RoleMatchedInterior Role = "matched-interior"
)

// Agent is the complete protocol state of one agent. Alpha and InF1 are
// replicas of the slot-side state every agent keeps in sync through ring
// laps; Beta, Match, InF2 and Family are private.
type Agent struct {
	ID    domain.AgentID `json:"id"`
	Costs []float64      `json:"-"`
	Beta  float64        `json:"beta"`
	Alpha []float64      `json:"alpha"`
	InF1  []bool         `json:"in_f1"`
	Match domain.SlotID  `json:"match"`
	InF2  bool           `json:"in_f2"`
	Family
}

// NewAgent builds the startup state: zero slot duals, beta at the cheapest
// capable slot, every slot in F1, the agent free and in F2.
func NewAgent(id domain.AgentID, costs []float64) *Agent {
	n := len(costs)
	a := &Agent{
		ID:     id,
		Costs:  append([]float64(nil), costs...),
		Beta:   model.MinCost(costs),
		Alpha:  make([]float64, n),
		InF1:   make([]bool, n),
		Match:  domain.NoSlot,
		InF2:   true,
		Family: noFamily(),
	}
	for j := range a.InF1 {
		a.InF1[j] = true
	}
	return a
}

func (a *Agent) Role() Role {
	switch {
	case !a.Match.Valid():
		return RoleFree
	case !a.Father.Valid():
		return RoleMatchedRoot
	default:
		return RoleMatchedInterior
	}
}

func (a *Agent) Capable(j domain.SlotID) bool {
	return j.Valid() && int(j) < len(a.Costs) && model.IsEdge(a.Costs[j])
}

func (a *Agent) Slack(j domain.SlotID) float64 {
	return a.Costs[j] + a.Alpha[j] - a.Beta
}

// MinSlack scans the capable slots still in F1 and returns the preferred
// candidate under the reduction order. ok is false when there is none.
func (a *Agent) MinSlack(tol float64) (delta float64, slot domain.SlotID, ok bool) {
	best := protocol.ReduceToken{Slot: domain.NoSlot, Agent: domain.NoAgent}
	for j := range a.Costs {
		s := domain.SlotID(j)
		if !a.InF1[j] || !a.Capable(s) {
			continue
		}
		c := protocol.ReduceToken{Delta: a.Slack(s), Slot: s, Agent: a.ID}
		if preferred(c, best, tol) {
			best = c
		}
	}
	return best.Delta, best.Slot, best.Slot.Valid()
}

// preferred orders reduction candidates: the smaller slack wins, slacks
// within tol of each other tie, and ties go to the lower slot and then the
// lower agent. An empty candidate never wins.
func preferred(c, best protocol.ReduceToken, tol float64) bool {
	switch {
	case c.Empty():
		return false
	case best.Empty():
		return true
	case c.Delta < best.Delta-tol:
		return true
	case c.Delta > best.Delta+tol:
		return false
	case c.Slot != best.Slot:
		return c.Slot < best.Slot
	default:
		return c.Agent < best.Agent
	}
}

// tieTolerance is how close two slacks must be to count as equal. It stays
// well inside eps so the slack left behind by a tie never reads as a dual
// violation.
func tieTolerance(eps float64) float64 {
	return eps / 16
}

// ApplyDual performs one dual update: every F1 slot loses delta, and the
// agent loses delta unless it sits in an open tree.
func (a *Agent) ApplyDual(delta float64) {
	for j := range a.Alpha {
		if a.InF1[j] {
			a.Alpha[j] -= delta
		}
	}
	if !a.InF2 {
		a.Beta -= delta
	}
}

func (a *Agent) SetSlots(slots []domain.SlotID, intoForest bool) {
	for _, s := range slots {
		if s.Valid() && int(s) < len(a.InF1) {
			a.InF1[s] = !intoForest
		}
	}
}

// CheckDuals verifies dual feasibility on every capable slot and tightness
// of the matched edge.
func (a *Agent) CheckDuals(eps float64) error {
	for j := range a.Costs {
		s := domain.SlotID(j)
		if !a.Capable(s) {
			continue
		}
		if v := a.Slack(s); v < -eps {
			return violation(a.ID, "dual feasibility", "slot %d has slack %.9f", j, v)
		}
	}
	if a.Match.Valid() {
		if v := a.Slack(a.Match); math.Abs(v) > eps {
			return violation(a.ID, "dual feasibility", "matched slot %d not tight, slack %.9f", a.Match, v)
		}
	}
	return nil
}

// CheckLinks runs the local part of family validation: no self links, no
// link doubling as another, and a role consistent with forest membership.
func (a *Agent) CheckLinks() error {
	const op = "family check"
	links := map[string]domain.AgentID{
		"father":  a.Father,
		"older":   a.Older,
		"younger": a.Younger,
		"son":     a.Son,
	}
	for name, id := range links {
		if id == a.ID {
			return violation(a.ID, op, "%s link points to self", name)
		}
	}
	if a.Father.Valid() {
		switch a.Father {
		case a.Son:
			return violation(a.ID, op, "father %d is also son", a.Father)
		case a.Older:
			return violation(a.ID, op, "father %d is also older sibling", a.Father)
		case a.Younger:
			return violation(a.ID, op, "father %d is also younger sibling", a.Father)
		}
		if a.FatherSlot != a.Match {
			return violation(a.ID, op, "bound to father by slot %s but matched to %s", a.FatherSlot, a.Match)
		}
	} else if a.Older.Valid() || a.Younger.Valid() {
		return violation(a.ID, op, "has siblings but no father")
	}
	if a.Older.Valid() && a.Older == a.Younger {
		return violation(a.ID, op, "older and younger sibling are both %d", a.Older)
	}
	if a.Son.Valid() && (a.Son == a.Older || a.Son == a.Younger) {
		return violation(a.ID, op, "son %d is also a sibling", a.Son)
	}

	switch {
	case a.InF2 && a.Match.Valid() && !a.Father.Valid():
		return violation(a.ID, op, "matched agent roots an open tree")
	case a.InF2 && !a.Match.Valid() && a.Father.Valid():
		return violation(a.ID, op, "free agent has a father")
	case !a.InF2 && !a.Match.Valid():
		return violation(a.ID, op, "free agent outside the forest")
	}
	if a.Match.Valid() && a.InF1[a.Match] == a.InF2 {
		return violation(a.ID, op, "matched slot %d membership disagrees with agent", a.Match)
	}
	return nil
}

func (a *Agent) String() string {
	return fmt.Sprintf("agent=%d role=%s match=%s f2=%t father=%s/%s older=%s younger=%s son=%s",
		a.ID, a.Role(), a.Match, a.InF2, a.Father, a.FatherSlot, a.Older, a.Younger, a.Son)
}
