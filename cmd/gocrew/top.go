package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/go-crew/internal/history"
	"github.com/basket/go-crew/internal/orchestrator"
)

const topEvents = 8

// snapshot is one refresh of the dashboard.
type snapshot struct {
	at     time.Time
	agents []orchestrator.AgentView
	events []history.Event
	err    error
}

type tickMsg time.Time

type topModel struct {
	load     func() snapshot
	interval time.Duration
	out      io.Writer
	snap     snapshot
	width    int
}

func newTopModel(load func() snapshot, interval time.Duration, out io.Writer) topModel {
	return topModel{load: load, interval: interval, out: out, snap: load()}
}

func (m topModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m topModel) Init() tea.Cmd { return m.tick() }

func (m topModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			m.snap = m.load()
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		m.snap = m.load()
		return m, m.tick()
	}
	return m, nil
}

func (m topModel) View() string {
	return renderTop(m.out, m.snap) + "\n" + styles(m.out).dim.Render("q quit · r refresh") + "\n"
}

func renderTop(w io.Writer, s snapshot) string {
	p := styles(w)
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n", p.bold.Render("gocrew top"), p.dim.Render(s.at.Format("15:04:05")))
	if s.err != nil {
		fmt.Fprintf(&b, "%s %v\n", p.fail.Render("error:"), s.err)
	}
	counts := map[string]int{}
	for _, v := range s.agents {
		counts[string(v.Status)]++
	}
	fmt.Fprintf(&b, "%d agents  %d assigned  %d idle\n", len(s.agents), counts["assigned"], counts["idle"])
	if len(s.agents) > 0 {
		b.WriteString(agentTable(w, s.agents, s.at))
		b.WriteString("\n")
	}
	if len(s.events) > 0 {
		b.WriteString(p.bold.Render("recent events") + "\n")
		for _, ev := range s.events {
			fmt.Fprintf(&b, "  %s %-12s %s\n", p.dim.Render(ev.Timestamp), ev.Event, ev.Agent)
		}
	}
	return b.String()
}

var topOpts struct {
	interval time.Duration
	all      bool
}

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Live view of agents and recent lifecycle events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp(cmd.Context(), modeOneShot)
		if err != nil {
			return err
		}
		defer a.close()
		load := func() snapshot {
			s := snapshot{at: time.Now()}
			s.agents, s.err = a.sup.List(!topOpts.all)
			if s.err == nil {
				s.events, s.err = a.history.Read(topEvents)
			}
			return s
		}
		out := cmd.OutOrStdout()
		if !isatty.IsTerminal(os.Stdout.Fd()) || flags.json {
			s := load()
			if s.err != nil {
				return s.err
			}
			if jsonOutput() {
				return writeJSON(out, map[string]any{"agents": s.agents, "events": s.events})
			}
			fmt.Fprint(out, renderTop(out, s))
			return nil
		}
		interval := topOpts.interval
		if interval < 200*time.Millisecond {
			interval = time.Second
		}
		prog := tea.NewProgram(newTopModel(load, interval, out), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
		_, err = prog.Run()
		if errors.Is(err, tea.ErrProgramKilled) {
			return nil
		}
		return err
	},
}

func init() {
	topCmd.Flags().DurationVarP(&topOpts.interval, "interval", "i", time.Second, "Refresh interval")
	topCmd.Flags().BoolVarP(&topOpts.all, "all", "a", false, "Include agents owned by other identities")
	rootCmd.AddCommand(topCmd)
}
