package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/basket/go-crew/internal/orchestrator"
	"github.com/basket/go-crew/internal/records"
	"github.com/basket/go-crew/internal/tools"
)

type palette struct {
	ok     lipgloss.Style
	fail   lipgloss.Style
	warn   lipgloss.Style
	dim    lipgloss.Style
	bold   lipgloss.Style
	header lipgloss.Style
}

// styles returns colours suited to w; non-terminals get plain text.
func styles(w io.Writer) palette {
	r := lipgloss.NewRenderer(w)
	return palette{
		ok:     r.NewStyle().Foreground(lipgloss.Color("42")),
		fail:   r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		warn:   r.NewStyle().Foreground(lipgloss.Color("214")),
		dim:    r.NewStyle().Foreground(lipgloss.Color("240")),
		bold:   r.NewStyle().Bold(true),
		header: r.NewStyle().Bold(true).Foreground(lipgloss.Color("62")).Padding(0, 1),
	}
}

func (p palette) status(s records.Status) string {
	switch s {
	case records.StatusIdle, records.StatusJoined:
		return p.ok.Render(string(s))
	case records.StatusAssigned:
		return p.bold.Render(string(s))
	case records.StatusSpawning, records.StatusDone:
		return p.warn.Render(string(s))
	default:
		return p.fail.Render(string(s))
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult writes res in the selected output mode. human renders the data
// of a successful result; nil falls back to indented JSON. A failed result
// becomes exit status 1.
func printResult(w, errw io.Writer, res tools.Result, human func(io.Writer, any)) error {
	if jsonOutput() {
		if err := writeJSON(w, res); err != nil {
			return err
		}
		if !res.OK {
			return exitError{code: 1}
		}
		return nil
	}
	p := styles(errw)
	if !res.OK {
		fmt.Fprintf(errw, "%s %s\n", p.fail.Render(res.Code+":"), res.Error)
		if res.Data != nil {
			_ = writeJSON(errw, res.Data)
		}
		return exitError{code: 1}
	}
	if res.Degraded {
		fmt.Fprintf(errw, "%s %s\n", p.warn.Render("memory degraded:"), res.Reason)
	}
	if human == nil {
		return writeJSON(w, res.Data)
	}
	human(w, res.Data)
	return nil
}

func agentTable(w io.Writer, views []orchestrator.AgentView, now time.Time) string {
	p := styles(w)
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		alive := p.ok.Render("yes")
		if !v.Alive {
			alive = p.fail.Render("no")
		}
		task := v.Task()
		if len(task) > 48 {
			task = task[:45] + "..."
		}
		rows = append(rows, []string{
			v.Name,
			p.status(v.Status),
			fmt.Sprint(v.PID),
			string(v.BackendKind),
			alive,
			ago(now, v.LastActivityMs),
			task,
		})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(p.dim).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.header
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("NAME", "STATUS", "PID", "BACKEND", "ALIVE", "ACTIVE", "TASK").
		Rows(rows...)
	return t.Render()
}

func ago(now time.Time, ms int64) string {
	if ms <= 0 {
		return "-"
	}
	d := now.Sub(time.UnixMilli(ms))
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String() + " ago"
}

func printAgents(w io.Writer, data any) {
	m, _ := data.(map[string]any)
	views, _ := m["agents"].([]orchestrator.AgentView)
	if len(views) == 0 {
		fmt.Fprintln(w, styles(w).dim.Render("no agents"))
		return
	}
	fmt.Fprintln(w, agentTable(w, views, time.Now()))
}

func printAgent(w io.Writer, data any) {
	v, ok := data.(orchestrator.AgentView)
	if !ok {
		_ = writeJSON(w, data)
		return
	}
	p := styles(w)
	line := func(k, val string) { fmt.Fprintf(w, "%-14s %s\n", p.bold.Render(k), val) }
	line("name", v.Name)
	line("status", p.status(v.Status))
	line("pid", fmt.Sprintf("%d (alive: %t)", v.PID, v.Alive))
	line("backend", fmt.Sprintf("%s %s", v.BackendKind, v.BackendHandle))
	line("model", strings.TrimSpace(v.Model+" "+v.ReasoningLevel))
	line("spawned by", v.SpawnedBy)
	line("task", orDash(v.Task()))
	line("workstream", orDash(v.WorkstreamTag()))
	line("last active", ago(time.Now(), v.LastActivityMs))
	if v.Registration != nil {
		line("session", v.Registration.SessionID)
		line("tool calls", fmt.Sprint(v.Registration.ToolCalls))
		line("tokens", fmt.Sprint(v.Registration.Tokens))
		if v.CostUSD > 0 {
			line("est. cost", fmt.Sprintf("$%.2f", v.CostUSD))
		}
	} else {
		line("registered", p.warn.Render("no"))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printLines(w io.Writer, data any) {
	m, _ := data.(map[string]any)
	lines, _ := m["lines"].([]string)
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
}
