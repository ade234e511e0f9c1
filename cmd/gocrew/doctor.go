package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/go-crew/internal/config"
	"github.com/basket/go-crew/internal/doctor"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the environment for problems",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		cfg, err := config.Load(flags.project)
		if err != nil {
			// Keep going; the config check reports it.
			fmt.Fprintf(cmd.ErrOrStderr(), "Error loading config: %v\n", err)
		}
		diag := doctor.Run(cmd.Context(), &cfg, Version)

		if jsonOutput() {
			if err := writeJSON(out, diag); err != nil {
				return err
			}
		} else {
			p := styles(out)
			fmt.Fprintf(out, "%s (%s)\n", p.bold.Render("gocrew doctor"), diag.Timestamp.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
			fmt.Fprintln(out, "---")
			for _, res := range diag.Results {
				icon := p.ok.Render("✓")
				switch res.Status {
				case "FAIL":
					icon = p.fail.Render("✗")
				case "WARN":
					icon = p.warn.Render("!")
				case "SKIP":
					icon = p.dim.Render("-")
				}
				fmt.Fprintf(out, "%s %-15s: %s\n", icon, res.Name, res.Message)
				if res.Detail != "" {
					fmt.Fprintf(out, "    %s\n", p.dim.Render(res.Detail))
				}
			}
		}
		if diag.Failed() {
			return exitError{code: 1}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
