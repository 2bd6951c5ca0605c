package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tKwbr999/supabase-toolbox/core"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type checkResultMsg struct {
	n      int
	status core.HealthStatus
}

type tickMsg struct{}

type watchModel struct {
	ctx      context.Context
	checker  core.HealthChecker
	module   string
	interval time.Duration
	count    int
	results  []checkResultMsg
	done     bool
}

func newWatchModel(ctx context.Context, checker core.HealthChecker, module string, interval time.Duration, count int) *watchModel {
	return &watchModel{
		ctx:      ctx,
		checker:  checker,
		module:   module,
		interval: interval,
		count:    count,
	}
}

func (m *watchModel) Init() tea.Cmd {
	return m.runCheck
}

func (m *watchModel) runCheck() tea.Msg {
	return checkResultMsg{
		n:      len(m.results) + 1,
		status: m.checker.CheckHealth(m.ctx),
	}
}

func (m *watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.done = true
			return m, tea.Quit
		}

	case checkResultMsg:
		m.results = append(m.results, msg)
		if len(m.results) >= m.count {
			m.done = true
			return m, tea.Quit
		}
		return m, tea.Tick(m.interval, func(time.Time) tea.Msg { return tickMsg{} })

	case tickMsg:
		if m.done {
			return m, nil
		}
		return m, m.runCheck
	}
	return m, nil
}

func (m *watchModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Health Watch"))
	b.WriteString(" ")
	b.WriteString(dimStyle.Render(m.module))
	b.WriteString("\n\n")

	for _, r := range m.results {
		style := healthyStyle
		if r.status.Status != core.StatusHealthy {
			style = errorStyle
		}
		line := fmt.Sprintf("[%d] %s: %s", r.n, r.status.Timestamp, style.Render(r.status.Status))
		if r.status.Message != "" {
			line += " " + dimStyle.Render(r.status.Message)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.done {
		b.WriteString(dimStyle.Render(fmt.Sprintf("%d/%d checks", len(m.results), m.count)))
	} else {
		b.WriteString(dimStyle.Render(fmt.Sprintf("%d/%d checks • every %s • q quit", len(m.results), m.count, m.interval)))
	}
	b.WriteString("\n")
	return b.String()
}
