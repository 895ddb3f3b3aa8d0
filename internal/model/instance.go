// Package model holds the problem instance every agent loads at startup:
// capabilities, requirements, success probabilities and task demand, plus
// the balanced slot expansion and cost vectors the matching engine runs on.
package model

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"taskmatch/internal/domain"
)

// Epsilon is the tolerance used for every floating point comparison in the
// protocol (tight edges, dual feasibility, objective ties).
const Epsilon = 1e-6

var ErrMalformedInput = errors.New("malformed input")

// Instance is one task allocation problem with N agents, M tasks and E
// capability kinds.
type Instance struct {
	N            int
	M            int
	E            int
	Capabilities [][]int     // N x E
	Requirements [][]int     // M x E
	P            [][]float64 // N x M
	Demand       []int       // M
}

func Load(path string) (*Instance, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input %s: %w", path, err)
	}
	defer f.Close()

	inst, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse input %s: %w", path, err)
	}
	return inst, nil
}

// Parse reads the whitespace separated instance format. Lines whose first
// non-blank character is '#' are comments.
func Parse(r io.Reader) (*Instance, error) {
	var fields []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields = append(fields, strings.Fields(line)...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}

	next := 0
	readInt := func(what string) (int, error) {
		if next >= len(fields) {
			return 0, fmt.Errorf("%w: missing %s", ErrMalformedInput, what)
		}
		v, err := strconv.Atoi(fields[next])
		if err != nil {
			return 0, fmt.Errorf("%w: %s %q: %v", ErrMalformedInput, what, fields[next], err)
		}
		next++
		return v, nil
	}
	readFloat := func(what string) (float64, error) {
		if next >= len(fields) {
			return 0, fmt.Errorf("%w: missing %s", ErrMalformedInput, what)
		}
		v, err := strconv.ParseFloat(fields[next], 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s %q: %v", ErrMalformedInput, what, fields[next], err)
		}
		next++
		return v, nil
	}

	inst := &Instance{}
	var err error
	if inst.N, err = readInt("N"); err != nil {
		return nil, err
	}
	if inst.M, err = readInt("M"); err != nil {
		return nil, err
	}
	if inst.E, err = readInt("E"); err != nil {
		return nil, err
	}
	if inst.N <= 0 || inst.M <= 0 || inst.E < 0 {
		return nil, fmt.Errorf("%w: N=%d M=%d E=%d", ErrMalformedInput, inst.N, inst.M, inst.E)
	}

	inst.Capabilities = make([][]int, inst.N)
	for i := range inst.Capabilities {
		inst.Capabilities[i] = make([]int, inst.E)
		for k := range inst.Capabilities[i] {
			if inst.Capabilities[i][k], err = readInt(fmt.Sprintf("c[%d][%d]", i, k)); err != nil {
				return nil, err
			}
		}
	}
	inst.Requirements = make([][]int, inst.M)
	for j := range inst.Requirements {
		inst.Requirements[j] = make([]int, inst.E)
		for k := range inst.Requirements[j] {
			if inst.Requirements[j][k], err = readInt(fmt.Sprintf("r[%d][%d]", j, k)); err != nil {
				return nil, err
			}
		}
	}
	inst.P = make([][]float64, inst.N)
	for i := range inst.P {
		inst.P[i] = make([]float64, inst.M)
		for j := range inst.P[i] {
			if inst.P[i][j], err = readFloat(fmt.Sprintf("p[%d][%d]", i, j)); err != nil {
				return nil, err
			}
		}
	}
	inst.Demand = make([]int, inst.M)
	for j := range inst.Demand {
		if inst.Demand[j], err = readInt(fmt.Sprintf("d[%d]", j)); err != nil {
			return nil, err
		}
	}
	if next != len(fields) {
		return nil, fmt.Errorf("%w: %d trailing values", ErrMalformedInput, len(fields)-next)
	}
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	return inst, nil
}

func (in *Instance) Validate() error {
	if len(in.Capabilities) != in.N || len(in.P) != in.N {
		return fmt.Errorf("%w: agent rows do not match N=%d", ErrMalformedInput, in.N)
	}
	if len(in.Requirements) != in.M || len(in.Demand) != in.M {
		return fmt.Errorf("%w: task rows do not match M=%d", ErrMalformedInput, in.M)
	}
	total := 0
	for j, d := range in.Demand {
		if d < 0 {
			return fmt.Errorf("%w: d[%d]=%d is negative", ErrMalformedInput, j, d)
		}
		total += d
	}
	if total > in.N {
		return fmt.Errorf("%w: total demand %d exceeds %d agents", ErrMalformedInput, total, in.N)
	}
	for i, row := range in.P {
		if len(row) != in.M {
			return fmt.Errorf("%w: p row %d has %d entries", ErrMalformedInput, i, len(row))
		}
		for j, p := range row {
			if math.IsNaN(p) || p < 0 || p > 1 {
				return fmt.Errorf("%w: p[%d][%d]=%v outside [0,1]", ErrMalformedInput, i, j, p)
			}
		}
	}
	return nil
}

// CanDo reports whether agent i covers every capability task j requires.
func (in *Instance) CanDo(i domain.AgentID, j int) bool {
	if j < 0 || j >= in.M {
		return false
	}
	for k := 0; k < in.E; k++ {
		if in.Capabilities[i][k]-in.Requirements[j][k] < 0 {
			return false
		}
	}
	return true
}

// PSuccess is agent i's probability of succeeding on task j, or zero when it
// lacks the capabilities.
func (in *Instance) PSuccess(i domain.AgentID, j int) float64 {
	if !in.CanDo(i, j) {
		return 0
	}
	return in.P[i][j]
}

// TotalDemand is the number of real slots; the rest of the N slots float.
func (in *Instance) TotalDemand() int {
	total := 0
	for _, d := range in.Demand {
		total += d
	}
	return total
}

// TaskOfSlot maps a balanced slot index back to its task. Slots are laid out
// task by task, Demand[j] consecutive slots each; slots past the total
// demand float and map to domain.NoTask.
func (in *Instance) TaskOfSlot(s domain.SlotID) int {
	if !s.Valid() {
		return domain.NoTask
	}
	offset := int(s)
	for j, d := range in.Demand {
		if offset < d {
			return j
		}
		offset -= d
	}
	return domain.NoTask
}
