package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Styles
var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("87")).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("87")).
			Padding(0, 1).
			Width(56)

	progressStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("39")).
			Padding(0, 1).
			Width(56)

	statusStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 1).
			Width(56)

	aliveStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	deadStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// ProgressMsg reports validation progress to the UI
type ProgressMsg struct {
	Done    int
	Total   int
	Alive   int
	Failed  int
	Current string
}

// DoneMsg tells the UI the run has finished
type DoneMsg struct{}

// Model is the bubbletea model for a gather run
type Model struct {
	progress progress.Model
	done     int
	total    int
	alive    int
	failed   int
	current  string
	finished bool
}

// NewModel creates a gather progress model
func NewModel(total int) Model {
	return Model{
		progress: progress.New(progress.WithDefaultGradient()),
		total:    total,
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
	case ProgressMsg:
		m.done = msg.Done
		m.total = msg.Total
		m.alive = msg.Alive
		m.failed = msg.Failed
		m.current = msg.Current
	case DoneMsg:
		m.finished = true
		return m, tea.Quit
	}
	return m, nil
}

// View implements tea.Model
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("ProxyScout: validating pool"))
	b.WriteString("\n")

	ratio := 0.0
	if m.total > 0 {
		ratio = float64(m.done) / float64(m.total)
	}
	bar := fmt.Sprintf("%s\n%d / %d checked", m.progress.ViewAs(ratio), m.done, m.total)
	b.WriteString(progressStyle.Render(bar))
	b.WriteString("\n")

	status := fmt.Sprintf("%s  %s",
		aliveStyle.Render(fmt.Sprintf("alive: %d", m.alive)),
		deadStyle.Render(fmt.Sprintf("failed: %d", m.failed)))
	if m.current != "" && !m.finished {
		status += "\nchecking " + m.current
	}
	b.WriteString(statusStyle.Render(status))
	b.WriteString("\n")

	if m.finished {
		b.WriteString("done\n")
	}
	return b.String()
}
