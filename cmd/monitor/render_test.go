package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/rivo/tview"

	"taskmatch/internal/domain"
	"taskmatch/internal/node"
)

func TestPayloadSummarySortsKeys(t *testing.T) {
	got := payloadSummary([]byte(`{"slot":2,"round":5}`))
	if got != "round=5, slot=2" {
		t.Fatalf("unexpected summary %q", got)
	}
	if payloadSummary([]byte("{}")) != "" {
		t.Fatalf("empty payload should render nothing")
	}
}

func TestRenderAssignmentsMarksUnassigned(t *testing.T) {
	out := renderAssignments([]domain.Assignment{
		{Agent: 0, Slot: 1, Task: 0, Probability: 0.9},
		{Agent: 1, Slot: domain.NoSlot, Task: domain.NoTask},
	})
	if !strings.Contains(out, "task 0") || !strings.Contains(out, "unassigned") || !strings.Contains(out, "none") {
		t.Fatalf("unexpected rendering:\n%s", out)
	}
}

func TestRenderAgentsShowsErrors(t *testing.T) {
	out := renderAgents([]agentStatus{
		{Addr: "a:1", Status: node.Status{Agent: 0, Coordinator: true, Phase: "refine", Match: 2, Task: 1}},
		{Addr: "b:2", Err: errors.New("connection refused")},
	})
	if !strings.Contains(out, "(coordinator)") || !strings.Contains(out, "unreachable") {
		t.Fatalf("unexpected rendering:\n%s", out)
	}
}

func TestRenderRunsTableSelectsRun(t *testing.T) {
	table := tview.NewTable().SetSelectable(true, false)
	runs := []domain.Run{{ID: "aaaaaaaa-1", Status: domain.RunStatusDone}, {ID: "bbbbbbbb-2", Status: domain.RunStatusFailed}}
	renderRunsTable(table, runs, "bbbbbbbb-2")
	if table.GetRowCount() != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", table.GetRowCount())
	}
	if row, _ := table.GetSelection(); row != 2 {
		t.Fatalf("selected row %d", row)
	}
	if got := table.GetCell(1, 0).Text; got != "aaaaaaaa" {
		t.Fatalf("short id %q", got)
	}
}
