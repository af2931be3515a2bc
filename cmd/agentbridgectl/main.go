// Command agentbridgectl is an operator-facing terminal dashboard that
// polls agentbridged's registry-introspection endpoint and renders
// live session state.
package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/agentbridge/agentbridge/internal/vt100"
)

func main() {
	var addr string
	var token string

	root := &cobra.Command{
		Use:   "agentbridgectl",
		Short: "Operator dashboard for agentbridged",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := tea.NewProgram(newModel(addr, token))
			_, err := p.Run()
			return err
		},
	}

	root.Flags().StringVar(&addr, "addr", "http://localhost:8080", "agentbridged base URL")
	root.Flags().StringVar(&token, "token", os.Getenv("AGENTBRIDGE_ADMIN_TOKEN"), "admin bearer token")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type sessionRow struct {
	OutputProjectID string  `json:"output_project_id"`
	IdleSeconds     float64 `json:"idle_seconds"`
	BoundConnection bool    `json:"bound_connection"`
	ReplayPreview   string  `json:"replay_preview,omitempty"`
}

// previewRows is how many of the scrollback preview's bottom lines are
// shown beneath the table, to keep the dashboard on one screen.
const previewRows = 8
const previewCols = 100

type tickMsg time.Time

type snapshotMsg struct {
	rows []sessionRow
	err  error
}

type model struct {
	addr     string
	token    string
	client   *http.Client
	rows     []sessionRow
	selected int
	err      error
}

func newModel(addr, token string) model {
	return model{addr: addr, token: token, client: &http.Client{Timeout: 3 * time.Second}}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.poll(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) poll() tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, m.addr+"/internal/registry", nil)
		if err != nil {
			return snapshotMsg{err: err}
		}
		if m.token != "" {
			req.Header.Set("Authorization", "Bearer "+m.token)
		}

		resp, err := m.client.Do(req)
		if err != nil {
			return snapshotMsg{err: err}
		}
		defer resp.Body.Close()

		var rows []sessionRow
		if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
			return snapshotMsg{err: err}
		}
		return snapshotMsg{rows: rows}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < len(m.rows)-1 {
				m.selected++
			}
		}
	case tickMsg:
		return m, tea.Batch(m.poll(), tick())
	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.rows = msg.rows
			if m.selected >= len(m.rows) {
				m.selected = len(m.rows) - 1
			}
			if m.selected < 0 {
				m.selected = 0
			}
		}
	}
	return m, nil
}

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Underline(true)
	idleStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	boundStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	selectedStyle = lipgloss.NewStyle().Background(lipgloss.Color("237"))
	previewStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Foreground(lipgloss.Color("250")).Padding(0, 1)
	previewTitle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("250"))
)

func (m model) View() string {
	if m.err != nil {
		return fmt.Sprintf("agentbridgectl: %v\n(press q to quit)\n", m.err)
	}

	out := headerStyle.Render(fmt.Sprintf("%-36s %10s  %s", "OUTPUT PROJECT", "IDLE", "BOUND")) + "\n"
	for i, r := range m.rows {
		bound := "no"
		style := idleStyle
		if r.BoundConnection {
			bound = "yes"
			style = boundStyle
		}
		line := style.Render(fmt.Sprintf("%-36s %9.0fs  %s", r.OutputProjectID, r.IdleSeconds, bound))
		if i == m.selected {
			line = selectedStyle.Render(line)
		}
		out += line + "\n"
	}
	if len(m.rows) == 0 {
		out += "(no live sessions)\n"
	}

	out += "\n" + previewTitle.Render("scrollback preview") + "\n"
	out += previewStyle.Render(m.renderSelectedPreview()) + "\n"

	out += "\nup/down select, q to quit\n"
	return out
}

// renderSelectedPreview feeds the selected row's replay buffer through
// internal/vt100 and renders the screen's last previewRows lines, the
// way a detached tmux pane shows a static scrollback rather than a live
// stream.
func (m model) renderSelectedPreview() string {
	if len(m.rows) == 0 || m.selected >= len(m.rows) {
		return "(no session selected)"
	}
	row := m.rows[m.selected]
	if row.ReplayPreview == "" {
		return "(no output captured yet)"
	}

	raw, err := base64.StdEncoding.DecodeString(row.ReplayPreview)
	if err != nil {
		return fmt.Sprintf("(failed to decode preview: %v)", err)
	}

	screen := vt100.NewScreen(previewRows, previewCols)
	screen.Write(raw)

	lines := screen.Render()
	if len(lines) > previewRows {
		lines = lines[len(lines)-previewRows:]
	}
	return strings.Join(lines, "\n")
}
