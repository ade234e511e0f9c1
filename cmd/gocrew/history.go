package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/go-crew/internal/history"
)

var historyOpts struct {
	limit  int
	agent  string
	events []string
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent lifecycle events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		params := map[string]any{"limit": historyOpts.limit}
		setIf(cmd, params, "agent", "agent", historyOpts.agent)
		setIf(cmd, params, "event", "events", historyOpts.events)
		return runTool(cmd, "history.read", params, printEvents)
	},
}

func printEvents(w io.Writer, data any) {
	m, _ := data.(map[string]any)
	events, _ := m["events"].([]history.Event)
	p := styles(w)
	for _, ev := range events {
		fmt.Fprintf(w, "%s %-10s %-12s %s\n",
			p.dim.Render(ev.Timestamp), p.bold.Render(ev.Event), ev.Agent, formatDetails(ev.Details))
	}
}

func formatDetails(d map[string]any) string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, d[k]))
	}
	return strings.Join(parts, " ")
}

func init() {
	f := historyCmd.Flags()
	f.IntVarP(&historyOpts.limit, "limit", "n", 50, "Number of events")
	f.StringVar(&historyOpts.agent, "agent", "", "Only events for this agent")
	f.StringSliceVar(&historyOpts.events, "event", nil, "Only these event names (repeatable)")
	rootCmd.AddCommand(historyCmd)
}
