package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"taskmatch/internal/domain"
)

func renderRunsTable(table *tview.Table, runs []domain.Run, selectedRunID string) {
	table.Clear()
	headers := []string{"Run", "Algorithm", "Status", "N", "M", "Z", "Msgs", "Started"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, r := range runs {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(r.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(r.Algorithm)))
		table.SetCell(row, 2, tview.NewTableCell(string(r.Status)).SetTextColor(statusColor(r.Status)))
		table.SetCell(row, 3, tview.NewTableCell(fmt.Sprint(r.Agents)))
		table.SetCell(row, 4, tview.NewTableCell(fmt.Sprint(r.Tasks)))
		table.SetCell(row, 5, tview.NewTableCell(fmt.Sprintf("%.6f", r.Objective)))
		table.SetCell(row, 6, tview.NewTableCell(fmt.Sprint(r.Messages)))
		table.SetCell(row, 7, tview.NewTableCell(r.CreatedAt.Local().Format("01-02 15:04:05")))
		if r.ID == selectedRunID {
			table.Select(row, 0)
		}
	}
}

func statusColor(s domain.RunStatus) tcell.Color {
	switch s {
	case domain.RunStatusDone:
		return tcell.ColorGreen
	case domain.RunStatusFailed:
		return tcell.ColorRed
	}
	return tcell.ColorYellow
}

func renderAssignments(items []domain.Assignment) string {
	if len(items) == 0 {
		return "No assignments"
	}
	var b strings.Builder
	for _, a := range items {
		task := "unassigned"
		if a.Task != domain.NoTask {
			task = fmt.Sprintf("task %d", a.Task)
		}
		b.WriteString(fmt.Sprintf("agent %-3d slot %-4s %-12s p=%.4f\n", a.Agent, a.Slot, task, a.Probability))
	}
	return b.String()
}

func renderEvents(items []domain.Event) string {
	if len(items) == 0 {
		return "No events"
	}
	var b strings.Builder
	for _, ev := range items {
		color := "white"
		switch ev.Action {
		case "stop":
			color = "red"
		case "augment", "tree_closed":
			color = "green"
		case "validated", "phase1_collected", "refine_converged":
			color = "aqua"
		}
		b.WriteString(fmt.Sprintf(
			"[%s] [%s]agent %d %s[-]\n  reason: %s\n",
			ev.CreatedAt.Local().Format("15:04:05"),
			color,
			ev.Agent,
			ev.Action,
			trimLine(ev.Reason, 100),
		))
		if detail := payloadSummary(ev.Payload); detail != "" {
			b.WriteString("  payload: " + trimLine(detail, 160) + "\n")
		}
	}
	return b.String()
}

func renderAgents(items []agentStatus) string {
	var b strings.Builder
	for _, item := range items {
		if item.Err != nil {
			b.WriteString(fmt.Sprintf("%s  [red]unreachable[-] %s\n", item.Addr, trimLine(item.Err.Error(), 60)))
			continue
		}
		st := item.Status
		role := ""
		if st.Coordinator {
			role = " (coordinator)"
		}
		b.WriteString(fmt.Sprintf("agent %d%s  %s round=%d match=%s task=%d seq=%d\n",
			st.Agent, role, st.Phase, st.Round, st.Match, st.Task, st.Seq))
	}
	return b.String()
}

func payloadSummary(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" {
		return ""
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
