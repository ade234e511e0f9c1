package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gocrew",
	Short: "Spawn, supervise and share memory between coding agents",
	Long: `gocrew runs a crew of coding-agent workers on one machine.

Workers join a filesystem mesh, take tasks from an orchestrator, and share a
vector memory of discoveries, decisions and task summaries. Workers run in
tmux panes when available, or headless under ` + "`gocrew serve`" + `.

Getting started:
  gocrew doctor                      Check the environment
  gocrew spawn --name atlas          Start a worker in a tmux pane
  gocrew assign atlas "fix the build"
  gocrew top                         Watch the crew
  gocrew serve                       Run the tool server with sweeps`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

type globalFlags struct {
	project string
	json    bool
	verbose bool
}

var flags globalFlags

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVarP(&flags.project, "project", "C", ".", "Project directory")
	rootCmd.PersistentFlags().BoolVar(&flags.json, "json", false, "Print results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Also write logs to stderr")
}

// exitError carries a process exit code without printing anything more.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	var ee exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	fmt.Fprintln(os.Stderr, styles(os.Stderr).fail.Render("Error: ")+err.Error())
	os.Exit(1)
}

// jsonOutput reports whether results should be printed as JSON: either
// requested, or stdout is not a terminal.
func jsonOutput() bool {
	return flags.json || !isatty.IsTerminal(os.Stdout.Fd())
}
