package model

import (
	"math"

	"taskmatch/internal/domain"
)

// NoEdge marks an (agent, slot) pair that is absent from a cost matrix. The
// matching engine never sees it: incapable pairs reach Phase 1 priced at
// IncapableCost.
var NoEdge = math.Inf(1)

const floatingCost = 1.0

func IsEdge(cost float64) bool {
	return !math.IsInf(cost, 1)
}

// IncapableCost prices a pair the agent cannot serve in a ring of n agents.
// Real costs lie in [0,1], so one incapable pair outweighs any n real ones
// and a minimum cost perfect matching uses as few of them as possible.
func IncapableCost(n int) float64 {
	return float64(n + 1)
}

// Capable reports whether agent i can serve slot s. Floating slots take
// anyone.
func (in *Instance) Capable(i domain.AgentID, s domain.SlotID) bool {
	if !s.Valid() || int(s) >= in.N {
		return false
	}
	j := in.TaskOfSlot(s)
	return j == domain.NoTask || in.CanDo(i, j)
}

// Costs expands agent i's preferences over the N balanced slots: 1-p for a
// slot of a task it can do, 1 for a floating slot, IncapableCost otherwise.
// Every entry is finite, so Phase 1 always ends on a perfect matching.
func (in *Instance) Costs(i domain.AgentID) []float64 {
	costs := in.EdgeCosts(i)
	for s, c := range costs {
		if !IsEdge(c) {
			costs[s] = IncapableCost(in.N)
		}
	}
	return costs
}

// EdgeCosts is Costs with incapable pairs left out as NoEdge.
func (in *Instance) EdgeCosts(i domain.AgentID) []float64 {
	costs := make([]float64, in.N)
	for s := range costs {
		slot := domain.SlotID(s)
		switch j := in.TaskOfSlot(slot); {
		case !in.Capable(i, slot):
			costs[s] = NoEdge
		case j == domain.NoTask:
			costs[s] = floatingCost
		default:
			costs[s] = 1 - in.P[i][j]
		}
	}
	return costs
}

// CostMatrix is the N x N matrix every agent's Phase 1 cost vector comes
// from.
func (in *Instance) CostMatrix() [][]float64 {
	m := make([][]float64, in.N)
	for i := range m {
		m[i] = in.Costs(domain.AgentID(i))
	}
	return m
}

// EdgeMatrix holds only the pairs agents can serve; the centralized
// reference solver runs on it.
func (in *Instance) EdgeMatrix() [][]float64 {
	m := make([][]float64, in.N)
	for i := range m {
		m[i] = in.EdgeCosts(domain.AgentID(i))
	}
	return m
}

// MinCost is the initial dual value of an agent: its cheapest slot, or zero
// when the vector has no edge at all.
func MinCost(costs []float64) float64 {
	best := NoEdge
	for _, c := range costs {
		if c < best {
			best = c
		}
	}
	if !IsEdge(best) {
		return 0
	}
	return best
}
