package model

import (
	"math"
	"math/cmplx"

	"taskmatch/internal/domain"
)

// PoissonBinomialPMF is the probability of exactly k successes among
// len(ps) independent trials with the given success probabilities, using
// the closed-form discrete Fourier expression.
func PoissonBinomialPMF(k int, ps []float64) float64 {
	n := len(ps)
	if k < 0 || k > n {
		return 0
	}
	if k == n {
		v := 1.0
		for _, p := range ps {
			v *= p
		}
		return v
	}
	if k == 0 {
		v := 1.0
		for _, p := range ps {
			v *= 1 - p
		}
		return v
	}

	omega := 2 * math.Pi / float64(n+1)
	var sum complex128
	for l := 0; l <= n; l++ {
		z := cmplx.Exp(complex(0, omega*float64(l)))
		prod := complex(1, 0)
		for _, p := range ps {
			prod *= 1 + (z-1)*complex(p, 0)
		}
		sum += cmplx.Exp(complex(0, -omega*float64(l*k))) * prod
	}
	v := real(sum) / float64(n+1)
	if v < 0 {
		return 0
	}
	return v
}

// SuccessTail is P(X >= d) for the Poisson-binomial count X over ps.
func SuccessTail(d int, ps []float64) float64 {
	if d <= 0 {
		return 1
	}
	total := 0.0
	for k := d; k <= len(ps); k++ {
		total += PoissonBinomialPMF(k, ps)
	}
	return math.Min(total, 1)
}

// Objective is the probability that every task gets at least its demand of
// successful agents under the given table. Entries with no task are ignored.
func (in *Instance) Objective(table []domain.Entry) float64 {
	byTask := make([][]float64, in.M)
	for _, e := range table {
		if e.Task >= 0 && e.Task < in.M {
			byTask[e.Task] = append(byTask[e.Task], e.Probability)
		}
	}
	v := 1.0
	for j := 0; j < in.M; j++ {
		v *= SuccessTail(in.Demand[j], byTask[j])
		if v <= 0 {
			return 0
		}
	}
	return v
}

// Occupancy counts table entries per task.
func (in *Instance) Occupancy(table []domain.Entry) []int {
	counts := make([]int, in.M)
	for _, e := range table {
		if e.Task >= 0 && e.Task < in.M {
			counts[e.Task]++
		}
	}
	return counts
}
