package model

import "math"

// Assignment is the result of the centralized solver: RowToCol[i] is the
// slot of agent i or -1.
type Assignment struct {
	RowToCol []int
	Cost     float64
	Matched  int
}

// SolveAssignment is a single-process Hungarian method over a square cost
// matrix, used to audit the distributed result. Non-edges are priced above
// any set of real edges so the answer is a maximum matching of minimum cost.
func SolveAssignment(costs [][]float64) Assignment {
	n := len(costs)
	big := 1.0
	for _, row := range costs {
		for _, c := range row {
			if IsEdge(c) {
				big += math.Abs(c)
			}
		}
	}
	big *= float64(n + 1)

	at := func(i, j int) float64 {
		c := costs[i-1][j-1]
		if !IsEdge(c) {
			return big
		}
		return c
	}

	u := make([]float64, n+1)
	v := make([]float64, n+1)
	p := make([]int, n+1)
	way := make([]int, n+1)
	for i := 1; i <= n; i++ {
		p[0] = i
		j0 := 0
		minv := make([]float64, n+1)
		used := make([]bool, n+1)
		for j := range minv {
			minv[j] = math.Inf(1)
		}
		for {
			used[j0] = true
			i0 := p[j0]
			delta := math.Inf(1)
			j1 := 0
			for j := 1; j <= n; j++ {
				if used[j] {
					continue
				}
				cur := at(i0, j) - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			for j := 0; j <= n; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if p[j0] == 0 {
				break
			}
		}
		for {
			j1 := way[j0]
			p[j0] = p[j1]
			j0 = j1
			if j0 == 0 {
				break
			}
		}
	}

	out := Assignment{RowToCol: make([]int, n)}
	for i := range out.RowToCol {
		out.RowToCol[i] = -1
	}
	for j := 1; j <= n; j++ {
		i := p[j]
		if i == 0 || !IsEdge(costs[i-1][j-1]) {
			continue
		}
		out.RowToCol[i-1] = j - 1
		out.Cost += costs[i-1][j-1]
		out.Matched++
	}
	return out
}
