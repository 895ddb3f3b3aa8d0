package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AgentID identifies one agent process. NoAgent marks an unset link.
type AgentID int

// SlotID indexes the balanced task-slot space 0..N-1. NoSlot marks "unmatched".
type SlotID int

const (
	NoAgent AgentID = -1
	NoSlot  SlotID  = -1
	NoTask          = -1
)

func (a AgentID) Valid() bool { return a >= 0 }

func (a AgentID) String() string {
	if !a.Valid() {
		return "none"
	}
	return strconv.Itoa(int(a))
}

func (s SlotID) Valid() bool { return s >= 0 }

func (s SlotID) String() string {
	if !s.Valid() {
		return "none"
	}
	return strconv.Itoa(int(s))
}

type Algorithm string

const (
	AlgorithmPing      Algorithm = "ping"
	AlgorithmRefine    Algorithm = "refine"
	AlgorithmHungarian Algorithm = "hungarian"
)

// Selector is the numeric form accepted on the command line and used to
// name the results file.
func (a Algorithm) Selector() int {
	switch a {
	case AlgorithmPing:
		return 0
	case AlgorithmRefine:
		return 1
	case AlgorithmHungarian:
		return 2
	}
	return -1
}

func ParseAlgorithm(raw string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "0", "ping", "p2p":
		return AlgorithmPing, nil
	case "1", "refine", "gs":
		return AlgorithmRefine, nil
	case "2", "hungarian", "hunggs":
		return AlgorithmHungarian, nil
	}
	return "", fmt.Errorf("unknown algorithm %q", raw)
}

type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusDone    RunStatus = "done"
	RunStatusFailed  RunStatus = "failed"
)

// Entry is one row of the assignment table circulated in Phase 2.
type Entry struct {
	Task        int     `json:"task"`
	Probability float64 `json:"probability"`
}

func EmptyTable(n int) []Entry {
	table := make([]Entry, n)
	for i := range table {
		table[i] = Entry{Task: NoTask}
	}
	return table
}

type RunStats struct {
	RunID     string        `json:"run_id"`
	Algorithm Algorithm     `json:"algorithm"`
	N         int           `json:"n"`
	M         int           `json:"m"`
	Objective float64       `json:"objective"`
	Messages  uint64        `json:"messages"`
	Duration  time.Duration `json:"duration"`
	Input     string        `json:"input"`
}

type Run struct {
	ID         string     `json:"id"`
	Algorithm  Algorithm  `json:"algorithm"`
	Input      string     `json:"input"`
	Agents     int        `json:"agents"`
	Tasks      int        `json:"tasks"`
	Status     RunStatus  `json:"status"`
	Objective  float64    `json:"objective"`
	Messages   uint64     `json:"messages"`
	DurationMS int64      `json:"duration_ms"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type Assignment struct {
	RunID       string    `json:"run_id"`
	Agent       AgentID   `json:"agent"`
	Slot        SlotID    `json:"slot"`
	Task        int       `json:"task"`
	Probability float64   `json:"probability"`
	CreatedAt   time.Time `json:"created_at"`
}

// Event is one protocol milestone kept for post-mortem inspection.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Agent     AgentID         `json:"agent"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
