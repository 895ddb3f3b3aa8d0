package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"

	"taskmatch/internal/domain"
	"taskmatch/internal/node"
	sqlitestore "taskmatch/internal/store/sqlite"
)

type options struct {
	dbPath   string
	interval time.Duration
	agents   []string
}

func main() {
	opts := options{}
	cmd := &cobra.Command{
		Use:          "monitor",
		Short:        "Browse recorded runs and watch live agents",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.dbPath, "db", "data/taskmatch.db", "sqlite database path")
	cmd.Flags().DurationVar(&opts.interval, "interval", 2*time.Second, "refresh interval")
	cmd.Flags().StringSliceVar(&opts.agents, "agent", nil, "agent status endpoint (host:port), repeatable")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	store, err := sqlitestore.Open(opts.dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	httpClient := &http.Client{Timeout: 2 * time.Second}

	app := tview.NewApplication()
	runsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	runsTable.SetTitle("Runs (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	assignmentsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	assignmentsView.SetTitle("Assignments").SetBorder(true)

	eventsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	eventsView.SetTitle("Protocol events").SetBorder(true)

	agentsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	agentsView.SetTitle("Live agents").SetBorder(true)

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf("db=%s | agents=%d | shortcuts: F10 quit, F5 refresh", opts.dbPath, len(opts.agents)))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(assignmentsView, 0, 1, false).
		AddItem(eventsView, 0, 2, false)
	left := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(runsTable, 0, 3, true).
		AddItem(agentsView, 0, 1, false)
	mainLayout := tview.NewFlex().
		AddItem(left, 0, 1, true).
		AddItem(right, 0, 2, false)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, true).
		AddItem(statusView, 3, 0, false)

	var selectedRunID string
	var lastRuns []domain.Run
	var detailsVersion uint64

	refreshRuns := func() {
		runs, err := store.ListRuns(ctx, 200)
		if err != nil {
			app.QueueUpdateDraw(func() {
				runsTable.Clear()
				runsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		lastRuns = runs
		app.QueueUpdateDraw(func() {
			renderRunsTable(runsTable, runs, selectedRunID)
		})
	}

	refreshDetailsAsync := func(runID string) {
		if strings.TrimSpace(runID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)
		go func(selected string, v uint64) {
			assignments, aerr := store.ListAssignments(ctx, selected)
			events, eerr := store.ListEvents(ctx, selected, 300)
			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedRunID {
					return
				}
				if aerr != nil {
					assignmentsView.SetText(fmt.Sprintf("error: %v", aerr))
				} else {
					assignmentsView.SetText(renderAssignments(assignments))
				}
				if eerr != nil {
					eventsView.SetText(fmt.Sprintf("error: %v", eerr))
				} else {
					eventsView.SetText(renderEvents(events))
				}
			})
		}(runID, version)
	}

	refreshAgents := func() {
		if len(opts.agents) == 0 {
			app.QueueUpdateDraw(func() { agentsView.SetText("No agents given (--agent host:port)") })
			return
		}
		statuses := make([]agentStatus, 0, len(opts.agents))
		for _, addr := range opts.agents {
			statuses = append(statuses, fetchStatus(ctx, httpClient, addr))
		}
		app.QueueUpdateDraw(func() { agentsView.SetText(renderAgents(statuses)) })
	}

	runsTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastRuns) {
			return
		}
		selectedRunID = lastRuns[row-1].ID
		refreshDetailsAsync(selectedRunID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go func() {
				refreshRuns()
				refreshDetailsAsync(selectedRunID)
				refreshAgents()
			}()
			statusView.SetText("Manual refresh")
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(opts.interval)
		defer ticker.Stop()

		refreshRuns()
		if len(lastRuns) > 0 {
			selectedRunID = lastRuns[0].ID
			refreshDetailsAsync(selectedRunID)
		}
		refreshAgents()
		for range ticker.C {
			refreshRuns()
			if selectedRunID == "" && len(lastRuns) > 0 {
				selectedRunID = lastRuns[0].ID
			}
			refreshDetailsAsync(selectedRunID)
			refreshAgents()
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(runsTable).Run(); err != nil {
		return fmt.Errorf("run monitor ui: %w", err)
	}
	return nil
}

type agentStatus struct {
	Addr   string
	Status node.Status
	Err    error
}

func fetchStatus(ctx context.Context, client *http.Client, addr string) agentStatus {
	out := agentStatus{Addr: addr}
	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(url, "/")+"/status", nil)
	if err != nil {
		out.Err = err
		return out
	}
	resp, err := client.Do(req)
	if err != nil {
		out.Err = err
		return out
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		out.Err = fmt.Errorf("status %d", resp.StatusCode)
		return out
	}
	if err := json.NewDecoder(resp.Body).Decode(&out.Status); err != nil {
		out.Err = fmt.Errorf("decode status: %w", err)
	}
	return out
}
