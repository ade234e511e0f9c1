package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-crew/internal/records"
)

// runTool opens a one-shot app, invokes a tool and prints its result.
func runTool(cmd *cobra.Command, name string, params map[string]any, human func(io.Writer, any)) error {
	a, err := openApp(cmd.Context(), modeOneShot)
	if err != nil {
		return err
	}
	defer a.close()
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	res := a.tools.Invoke(cmd.Context(), name, raw)
	return printResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), res, human)
}

// setIf adds key to params when the flag was given on the command line.
func setIf(cmd *cobra.Command, params map[string]any, flag, key string, v any) {
	if cmd.Flags().Changed(flag) {
		params[key] = v
	}
}

var spawnOpts struct {
	name       string
	model      string
	reasoning  string
	workstream string
	timeout    time.Duration
	env        map[string]string
}

var spawnCmd = &cobra.Command{
	Use:   "spawn",
	Short: "Start a worker and wait for it to join the mesh",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		params := map[string]any{}
		setIf(cmd, params, "name", "name", spawnOpts.name)
		setIf(cmd, params, "model", "model", spawnOpts.model)
		setIf(cmd, params, "reasoning", "reasoning", spawnOpts.reasoning)
		setIf(cmd, params, "workstream", "workstream", spawnOpts.workstream)
		setIf(cmd, params, "timeout", "handshakeTimeoutSeconds", spawnOpts.timeout.Seconds())
		setIf(cmd, params, "env", "env", spawnOpts.env)
		return runTool(cmd, "agents.spawn", params, func(w io.Writer, data any) {
			m, _ := data.(map[string]any)
			fmt.Fprintf(w, "%s joined in %dms\n", agentName(m["agent"]), m["handshakeMs"])
		})
	},
}

var assignOpts struct{ workstream string }

var assignCmd = &cobra.Command{
	Use:   "assign <agent> <task>",
	Short: "Give an idle worker a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]any{"agent": args[0], "task": args[1]}
		setIf(cmd, params, "workstream", "workstream", assignOpts.workstream)
		return runTool(cmd, "agents.assign", params, func(w io.Writer, data any) {
			m, _ := data.(map[string]any)
			fmt.Fprintf(w, "assigned to %s with %v recalled memories\n", args[0], m["recalled"])
		})
	},
}

var doneOpts struct{ summary string }

var doneCmd = &cobra.Command{
	Use:   "done",
	Short: "Report the current task finished (run by a worker)",
	Long: `Report the current task finished. The worker's identity comes from
MESH_AGENT_NAME, which the orchestrator sets when it spawns the worker.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		params := map[string]any{}
		setIf(cmd, params, "summary", "summary", doneOpts.summary)
		return runTool(cmd, "agents.done", params, func(w io.Writer, data any) {
			fmt.Fprintln(w, "task reported done")
		})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <agent>",
	Short: "Show one worker's record and live state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTool(cmd, "agents.check", map[string]any{"agent": args[0]}, printAgent)
	},
}

var listOpts struct{ owned bool }

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List worker records",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runTool(cmd, "agents.list", map[string]any{"owned": listOpts.owned}, printAgents)
	},
}

var logsOpts struct{ lines int }

var logsCmd = &cobra.Command{
	Use:   "logs <agent>",
	Short: "Print the last lines of a worker's output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]any{"agent": args[0], "lines": logsOpts.lines}
		return runTool(cmd, "agents.logs", params, printLines)
	},
}

var killCmd = &cobra.Command{
	Use:   "kill <agent>",
	Short: "Shut a worker down",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTool(cmd, "agents.kill", map[string]any{"agent": args[0]}, nil)
	},
}

var killAllCmd = &cobra.Command{
	Use:   "kill-all",
	Short: "Shut down every worker this orchestrator owns",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runTool(cmd, "agents.kill_all", map[string]any{}, nil)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reap dead workers and report idle ones",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runTool(cmd, "agents.sweep", map[string]any{}, nil)
	},
}

func agentName(v any) string {
	if rec, ok := v.(records.SpawnedAgent); ok {
		return rec.Name
	}
	return "agent"
}

func init() {
	f := spawnCmd.Flags()
	f.StringVar(&spawnOpts.name, "name", "", "Worker name (generated when empty)")
	f.StringVar(&spawnOpts.model, "model", "", "Model for the worker")
	f.StringVar(&spawnOpts.reasoning, "reasoning", "", "Reasoning level: off, minimal, low, medium, high, xhigh, max")
	f.StringVar(&spawnOpts.workstream, "workstream", "", "Workstream tag")
	f.DurationVar(&spawnOpts.timeout, "timeout", 0, "Handshake timeout (default adapts to model and reasoning)")
	f.StringToStringVar(&spawnOpts.env, "env", nil, "Extra environment for the worker (KEY=VALUE)")

	assignCmd.Flags().StringVar(&assignOpts.workstream, "workstream", "", "Workstream tag; also scopes recalled memory")
	doneCmd.Flags().StringVarP(&doneOpts.summary, "summary", "m", "", "What was done, stored in shared memory")
	listCmd.Flags().BoolVar(&listOpts.owned, "owned", false, "Only agents owned by this identity")
	logsCmd.Flags().IntVarP(&logsOpts.lines, "lines", "n", 50, "Number of lines")

	rootCmd.AddCommand(spawnCmd, assignCmd, doneCmd, checkCmd, listCmd, logsCmd, killCmd, killAllCmd, sweepCmd)
}
