package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/eachlabs/kbridge/internal/coordinator"
	"github.com/eachlabs/kbridge/internal/health"
	"github.com/eachlabs/kbridge/internal/link"
	"github.com/eachlabs/kbridge/internal/protocol"
)

var (
	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(gray).
			Padding(0, 2).
			MarginRight(1)

	cardTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(purple)

	badgeActive = lipgloss.NewStyle().
			Foreground(green).
			Bold(true)

	badgeWaiting = lipgloss.NewStyle().
			Foreground(yellow).
			Bold(true)

	badgeInactive = lipgloss.NewStyle().
			Foreground(gray)

	badgeError = lipgloss.NewStyle().
			Foreground(red).
			Bold(true)
)

// StatusSource reports the bridge status.
type StatusSource interface {
	Status(ctx context.Context) (coordinator.Snapshot, error)
}

// Dashboard shows the bridge status and refreshes it periodically.
type Dashboard struct {
	source   StatusSource
	interval time.Duration

	snap    coordinator.Snapshot
	loaded  bool
	err     error
	updated time.Time

	spinner spinner.Model
	width   int
}

type tickMsg time.Time

type snapshotMsg struct {
	snap coordinator.Snapshot
	err  error
}

// NewDashboard creates a dashboard polling src every interval.
func NewDashboard(src StatusSource, interval time.Duration) Dashboard {
	if interval <= 0 {
		interval = time.Second
	}
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(purple)

	return Dashboard{source: src, interval: interval, spinner: s}
}

func (m Dashboard) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.load(), m.tick())
}

func (m Dashboard) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Dashboard) load() tea.Cmd {
	src := m.source
	timeout := m.interval
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		snap, err := src.Status(ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.load()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tickMsg:
		return m, tea.Batch(m.load(), m.tick())

	case snapshotMsg:
		m.loaded = true
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.updated = time.Now()
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// Snapshot is the last status shown.
func (m Dashboard) Snapshot() coordinator.Snapshot {
	return m.snap
}

// Err is the last refresh error, nil once a refresh succeeds.
func (m Dashboard) Err() error {
	return m.err
}

func (m Dashboard) View() string {
	if !m.loaded {
		return m.spinner.View() + " Contacting bridge..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("kbridge status") + "  " + statusStyle.Render("session "+m.snap.Session) + "\n")

	cards := lipgloss.JoinHorizontal(lipgloss.Top,
		cardStyle.Render(m.linkCard()),
		cardStyle.Render(m.surfacesCard()),
		cardStyle.Render(m.taskCard()),
	)
	b.WriteString(cards + "\n")

	if m.err != nil {
		b.WriteString(errorMsgStyle.Render("refresh failed: "+m.err.Error()) + "\n")
	} else {
		b.WriteString(statusStyle.Render("updated "+m.updated.Format(time.TimeOnly)) + "\n")
	}
	b.WriteString(helpStyle.Render("r refresh • q quit"))
	return b.String()
}

func (m Dashboard) linkCard() string {
	var b strings.Builder
	b.WriteString(cardTitleStyle.Render("Host link") + "\n")
	b.WriteString(linkBadge(m.snap.Link) + "\n")
	if m.snap.ReconnectAttempts > 0 {
		b.WriteString(fmt.Sprintf("attempt %d\n", m.snap.ReconnectAttempts))
	}

	h := m.snap.Health
	switch {
	case h.LastProbe.IsZero():
		b.WriteString(badgeInactive.Render("never pinged"))
	case h.LastResult == health.PingSuccess:
		b.WriteString(badgeActive.Render("pong " + h.LastProbe.Format(time.TimeOnly)))
	default:
		b.WriteString(badgeError.Render(h.LastResult + " " + h.LastProbe.Format(time.TimeOnly)))
	}
	return b.String()
}

func (m Dashboard) surfacesCard() string {
	attached := make(map[protocol.Role]bool, len(m.snap.Attached))
	for _, r := range m.snap.Attached {
		attached[r] = true
	}

	var b strings.Builder
	b.WriteString(cardTitleStyle.Render("Surfaces"))
	for _, r := range protocol.Roles {
		b.WriteString("\n")
		if attached[r] {
			b.WriteString(badgeActive.Render("● " + string(r)))
		} else {
			b.WriteString(badgeInactive.Render("○ " + string(r)))
		}
	}
	return b.String()
}

func (m Dashboard) taskCard() string {
	var b strings.Builder
	b.WriteString(cardTitleStyle.Render("Task") + "\n")
	if t := m.snap.Task; t != nil {
		b.WriteString(fmt.Sprintf("%s from %s\n", t.Task, t.Role))
	} else {
		b.WriteString(badgeInactive.Render("idle") + "\n")
	}
	if m.snap.Parked > 0 {
		b.WriteString(badgeWaiting.Render(fmt.Sprintf("%d waiting for host", m.snap.Parked)))
	}
	return b.String()
}

func linkBadge(state string) string {
	switch state {
	case link.Connected.String():
		return badgeActive.Render("● " + state)
	case link.Connecting.String():
		return badgeWaiting.Render("◐ " + state)
	case link.Failed.String():
		return badgeError.Render("✗ " + state)
	}
	return badgeInactive.Render("○ " + state)
}

// RunDashboard starts the status dashboard.
func RunDashboard(src StatusSource, interval time.Duration) error {
	prog := tea.NewProgram(NewDashboard(src, interval), tea.WithAltScreen())
	_, err := prog.Run()
	return err
}
