package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/go-crew/internal/memory"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Read and manage the shared vector memory",
}

var rememberOpts struct {
	typ        string
	agent      string
	workstream string
	taskID     string
	files      []string
}

var rememberCmd = &cobra.Command{
	Use:   "remember <text>",
	Short: "Store a note",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]any{"text": strings.Join(args, " "), "source": "cli"}
		setIf(cmd, params, "type", "type", rememberOpts.typ)
		setIf(cmd, params, "agent", "agent", rememberOpts.agent)
		setIf(cmd, params, "workstream", "workstream", rememberOpts.workstream)
		setIf(cmd, params, "task", "taskId", rememberOpts.taskID)
		setIf(cmd, params, "file", "files", rememberOpts.files)
		return runTool(cmd, "memory.remember", params, func(w io.Writer, data any) {
			res, _ := data.(memory.WriteResult)
			switch {
			case res.Duplicate:
				fmt.Fprintln(w, "already remembered")
			case res.OK:
				fmt.Fprintf(w, "remembered %s", res.ID)
				if res.Evicted > 0 {
					fmt.Fprintf(w, " (evicted %d)", res.Evicted)
				}
				fmt.Fprintln(w)
			default:
				fmt.Fprintln(w, "not stored")
			}
		})
	},
}

var recallOpts struct {
	agent         string
	typ           string
	workstream    string
	topK          int
	minSimilarity float64
	tokenBudget   int
}

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Find notes similar to a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]any{"query": strings.Join(args, " ")}
		setIf(cmd, params, "agent", "agent", recallOpts.agent)
		setIf(cmd, params, "type", "type", recallOpts.typ)
		setIf(cmd, params, "workstream", "workstream", recallOpts.workstream)
		setIf(cmd, params, "top", "topK", recallOpts.topK)
		setIf(cmd, params, "min-similarity", "minSimilarity", recallOpts.minSimilarity)
		setIf(cmd, params, "budget", "tokenBudget", recallOpts.tokenBudget)
		return runTool(cmd, "memory.recall", params, printHits)
	},
}

func printHits(w io.Writer, data any) {
	res, _ := data.(memory.RecallResult)
	p := styles(w)
	if len(res.Hits) == 0 {
		fmt.Fprintln(w, p.dim.Render("no matches"))
		return
	}
	for _, h := range res.Hits {
		e := h.Entry
		fmt.Fprintf(w, "%s %s %s\n",
			p.bold.Render(fmt.Sprintf("%.2f", h.Similarity)),
			p.ok.Render(string(e.Type)),
			p.dim.Render(e.Agent+" "+e.CreatedAt.Format("2006-01-02 15:04")))
		fmt.Fprintf(w, "  %s\n", strings.ReplaceAll(e.Text, "\n", "\n  "))
	}
	fmt.Fprintln(w, p.dim.Render(fmt.Sprintf("%d tokens", res.TokensUsed)))
}

var memStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show entry counts and store health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runTool(cmd, "memory.stats", map[string]any{}, printStats)
	},
}

func printStats(w io.Writer, data any) {
	st, _ := data.(memory.Stats)
	p := styles(w)
	health := p.ok.Render("healthy")
	switch {
	case !st.Enabled:
		health = p.dim.Render("disabled")
	case st.Degraded:
		health = p.fail.Render("degraded: " + st.Reason)
	case st.BreakerOpen:
		health = p.warn.Render("embedding breaker open")
	}
	fmt.Fprintf(w, "%s  %d / %d entries, %d dims\n", health, st.Total, st.MaxEntries, st.Dimensions)
	for _, group := range []struct {
		title  string
		counts map[string]int
	}{{"by agent", st.ByAgent}, {"by type", st.ByType}} {
		if len(group.counts) == 0 {
			continue
		}
		keys := make([]string, 0, len(group.counts))
		for k := range group.counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w, p.bold.Render(group.title))
		for _, k := range keys {
			fmt.Fprintf(w, "  %-20s %d\n", k, group.counts[k])
		}
	}
}

var forgetCmd = &cobra.Command{
	Use:   "forget <agent>",
	Short: "Delete every note written by an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTool(cmd, "memory.forget_agent", map[string]any{"agent": args[0]}, func(w io.Writer, data any) {
			m, _ := data.(map[string]any)
			fmt.Fprintf(w, "deleted %v entries from %s\n", m["deleted"], args[0])
		})
	},
}

var resetOpts struct{ yes bool }

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the whole memory store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !resetOpts.yes {
			return fmt.Errorf("memory reset deletes every entry; pass --yes to confirm")
		}
		return runTool(cmd, "memory.reset", map[string]any{}, func(w io.Writer, _ any) {
			fmt.Fprintln(w, "memory reset")
		})
	},
}

func init() {
	types := "Entry type: message, discovery, decision, summary"
	rf := rememberCmd.Flags()
	rf.StringVarP(&rememberOpts.typ, "type", "t", "", types)
	rf.StringVar(&rememberOpts.agent, "agent", "", "Author (defaults to this identity)")
	rf.StringVar(&rememberOpts.workstream, "workstream", "", "Workstream tag")
	rf.StringVar(&rememberOpts.taskID, "task", "", "Task id")
	rf.StringSliceVar(&rememberOpts.files, "file", nil, "Related file (repeatable)")

	qf := recallCmd.Flags()
	qf.StringVar(&recallOpts.agent, "agent", "", "Only notes by this agent")
	qf.StringVarP(&recallOpts.typ, "type", "t", "", types)
	qf.StringVar(&recallOpts.workstream, "workstream", "", "Only notes in this workstream")
	qf.IntVarP(&recallOpts.topK, "top", "k", 0, "Maximum results")
	qf.Float64Var(&recallOpts.minSimilarity, "min-similarity", 0, "Similarity floor in [0, 1]")
	qf.IntVar(&recallOpts.tokenBudget, "budget", 0, "Token budget for returned text")

	resetCmd.Flags().BoolVar(&resetOpts.yes, "yes", false, "Confirm deletion")

	memoryCmd.AddCommand(rememberCmd, recallCmd, memStatsCmd, forgetCmd, resetCmd)
	rootCmd.AddCommand(memoryCmd)
}
