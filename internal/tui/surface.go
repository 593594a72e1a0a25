package tui

import (
	"context"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/eachlabs/kbridge/internal/channel"
	"github.com/eachlabs/kbridge/internal/health"
	"github.com/eachlabs/kbridge/internal/protocol"
	"github.com/eachlabs/kbridge/internal/router"
)

var (
	purple = lipgloss.Color("#A855F7")
	green  = lipgloss.Color("#22C55E")
	yellow = lipgloss.Color("#FBBF24")
	red    = lipgloss.Color("#EF4444")
	gray   = lipgloss.Color("#6B7280")
	white  = lipgloss.Color("#F9FAFB")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(purple).
			MarginBottom(1)

	userMsgStyle = lipgloss.NewStyle().
			Foreground(white).
			Background(purple).
			Padding(0, 1).
			MarginTop(1)

	userLabelStyle = lipgloss.NewStyle().
			Foreground(purple).
			Bold(true)

	hostLabelStyle = lipgloss.NewStyle().
			Foreground(green).
			Bold(true)

	hostMsgStyle = lipgloss.NewStyle().
			Foreground(white).
			MarginTop(1)

	statusMsgStyle = lipgloss.NewStyle().
			Foreground(yellow)

	errorMsgStyle = lipgloss.NewStyle().
			Foreground(red).
			Bold(true)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple).
			Padding(0, 1)

	inputBoxFocusedStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(green).
				Padding(0, 1)

	statusStyle = lipgloss.NewStyle().
			Foreground(gray).
			MarginTop(1)

	helpStyle = lipgloss.NewStyle().
			Foreground(gray)
)

// Port is the surface connection the model drives.
type Port interface {
	Role() protocol.Role
	Request(req protocol.Request) error
	Verify() error
	SendExtraction() error
	Initialize() error
	Abort() error
	Receive(ctx context.Context) (*channel.Message, error)
}

// Entry is one line in the transcript.
type Entry struct {
	Kind string // "you", "host", "status", "error"
	Text string
}

// SurfaceModel is the bubbletea model for one role surface.
type SurfaceModel struct {
	textarea textarea.Model
	viewport viewport.Model
	spinner  spinner.Model

	port    Port
	entries []Entry
	// waiting is true from a request until the first content or failure.
	waiting   bool
	streaming bool
	fresh     bool
	link      string
	width     int
	height    int
	ready     bool

	ctx    context.Context
	cancel context.CancelFunc
}

type incomingMsg struct{ msg *channel.Message }
type portClosedMsg struct{ err error }
type sendErrMsg struct{ err error }

// NewSurfaceModel creates a surface model bound to p.
func NewSurfaceModel(p Port) SurfaceModel {
	ta := textarea.New()
	ta.Placeholder = placeholder(p.Role())
	ta.Focus()
	ta.CharLimit = 8000
	ta.SetWidth(80)
	ta.SetHeight(3)
	ta.ShowLineNumbers = false
	ta.KeyMap.InsertNewline.SetEnabled(false)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(purple)

	ctx, cancel := context.WithCancel(context.Background())

	return SurfaceModel{
		textarea: ta,
		viewport: viewport.New(80, 20),
		spinner:  sp,
		port:     p,
		fresh:    true,
		link:     "unknown",
		ctx:      ctx,
		cancel:   cancel,
	}
}

func placeholder(role protocol.Role) string {
	switch role {
	case protocol.RoleControl:
		return "verify | extract"
	case protocol.RoleSummary:
		return "Ask for more detail on the summary..."
	}
	return "Type your message..."
}

func (m SurfaceModel) Init() tea.Cmd {
	cmds := []tea.Cmd{textarea.Blink, m.spinner.Tick, m.receive()}
	if m.port.Role() == protocol.RoleSummary {
		cmds = append(cmds, m.send(m.port.Initialize))
	}
	return tea.Batch(cmds...)
}

func (m SurfaceModel) receive() tea.Cmd {
	return func() tea.Msg {
		msg, err := m.port.Receive(m.ctx)
		if err != nil {
			return portClosedMsg{err: err}
		}
		return incomingMsg{msg: msg}
	}
}

func (m SurfaceModel) send(fn func() error) tea.Cmd {
	return func() tea.Msg {
		if err := fn(); err != nil {
			return sendErrMsg{err: err}
		}
		return nil
	}
}

func (m SurfaceModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.cancel()
			return m, tea.Quit

		case tea.KeyCtrlX:
			if m.port.Role() != protocol.RoleControl {
				m.append(Entry{Kind: "status", Text: "abort requested"})
				return m, m.send(m.port.Abort)
			}
			return m, nil

		case tea.KeyCtrlP:
			if m.port.Role() == protocol.RoleControl {
				return m, m.verify()
			}
			return m, nil

		case tea.KeyCtrlE:
			if m.port.Role() == protocol.RoleControl {
				return m, m.sendExtraction()
			}
			return m, nil

		case tea.KeyEnter:
			input := strings.TrimSpace(m.textarea.Value())
			if input == "" || m.waiting {
				return m, nil
			}
			m.textarea.Reset()
			return m, m.submit(input)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 3
		inputHeight := 5
		helpHeight := 2
		viewportHeight := m.height - headerHeight - inputHeight - helpHeight - 2

		if !m.ready {
			m.viewport = viewport.New(m.width-2, viewportHeight)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = m.width - 2
			m.viewport.Height = viewportHeight
		}

		m.textarea.SetWidth(m.width - 4)
		m.updateViewport()

	case incomingMsg:
		m.apply(msg.msg)
		cmds = append(cmds, m.receive())

	case portClosedMsg:
		m.waiting = false
		m.append(Entry{Kind: "error", Text: "disconnected from kbridge: " + msg.err.Error()})
		m.cancel()
		return m, tea.Quit

	case sendErrMsg:
		m.waiting = false
		m.append(Entry{Kind: "error", Text: msg.err.Error()})

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	if !m.waiting {
		var cmd tea.Cmd
		m.textarea, cmd = m.textarea.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// submit turns typed input into the role's request.
func (m *SurfaceModel) submit(input string) tea.Cmd {
	switch m.port.Role() {
	case protocol.RoleControl:
		switch strings.ToLower(input) {
		case "verify", "ping":
			return m.verify()
		case "extract", "send":
			return m.sendExtraction()
		}
		m.append(Entry{Kind: "error", Text: "unknown command " + input})
		return nil

	case protocol.RoleSummary:
		m.append(Entry{Kind: "you", Text: input})
		m.waiting = true
		req := protocol.Request{Status: protocol.StatusOldChat, Task: protocol.TaskSummariseFurther, Text: input}
		return m.send(func() error { return m.port.Request(req) })
	}

	if input == "/new" {
		m.fresh = true
		m.append(Entry{Kind: "status", Text: "next message starts a new chat"})
		return nil
	}

	status := protocol.StatusOldChat
	if m.fresh {
		status = protocol.StatusNewChat
		m.fresh = false
	}
	m.append(Entry{Kind: "you", Text: input})
	m.waiting = true
	req := protocol.Request{Status: status, Task: protocol.TaskChat, Text: input}
	return m.send(func() error { return m.port.Request(req) })
}

func (m *SurfaceModel) verify() tea.Cmd {
	m.waiting = true
	m.append(Entry{Kind: "status", Text: "verifying host..."})
	return m.send(m.port.Verify)
}

func (m *SurfaceModel) sendExtraction() tea.Cmd {
	m.waiting = true
	m.append(Entry{Kind: "status", Text: "sending page extraction..."})
	return m.send(m.port.SendExtraction)
}

// apply folds an incoming message into the transcript.
func (m *SurfaceModel) apply(msg *channel.Message) {
	switch msg.Kind {
	case channel.KindChunk:
		m.waiting = false
		if m.streaming && len(m.entries) > 0 {
			m.entries[len(m.entries)-1].Text += msg.Content
			m.updateViewport()
			return
		}
		m.streaming = true
		m.append(Entry{Kind: "host", Text: msg.Content})

	case channel.KindResponse:
		m.waiting = false
		if msg.IsDone {
			m.streaming = false
			return
		}
		m.streaming = false
		m.append(Entry{Kind: "host", Text: msg.Content})

	case channel.KindStatus:
		m.applyStatus(msg.Status)
	}
}

func (m *SurfaceModel) applyStatus(status string) {
	switch status {
	case router.StatusConnecting, router.StatusReconnecting, router.StatusConnected, router.StatusConnectionFailed:
		m.link = status
	}

	switch status {
	case health.PingSuccess:
		m.waiting = false
		m.append(Entry{Kind: "status", Text: "host is alive"})
	case health.PingFailed, router.StatusSendFailed, router.StatusConnectionFailed, router.StatusNoExtraction:
		m.waiting = false
		m.append(Entry{Kind: "error", Text: status})
	default:
		m.append(Entry{Kind: "status", Text: status})
	}
}

func (m *SurfaceModel) append(e Entry) {
	m.entries = append(m.entries, e)
	m.updateViewport()
}

// Entries returns the transcript.
func (m SurfaceModel) Entries() []Entry {
	return m.entries
}

// Waiting reports whether a request is outstanding.
func (m SurfaceModel) Waiting() bool {
	return m.waiting
}

func (m *SurfaceModel) updateViewport() {
	var content strings.Builder

	for _, e := range m.entries {
		switch e.Kind {
		case "you":
			content.WriteString(userLabelStyle.Render("You") + "\n")
			content.WriteString(userMsgStyle.Render(e.Text) + "\n\n")
		case "host":
			content.WriteString(hostLabelStyle.Render("host") + "\n")
			content.WriteString(hostMsgStyle.Render(e.Text) + "\n\n")
		case "status":
			content.WriteString(statusMsgStyle.Render("· "+e.Text) + "\n")
		case "error":
			content.WriteString(errorMsgStyle.Render("✗ "+e.Text) + "\n")
		}
	}

	m.viewport.SetContent(content.String())
	m.viewport.GotoBottom()
}

func (m SurfaceModel) View() string {
	if !m.ready {
		return "Loading..."
	}

	var b strings.Builder

	header := titleStyle.Render("kbridge "+string(m.port.Role())) + "  " + statusStyle.Render("link: "+m.link)
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", m.width-2) + "\n")

	b.WriteString(m.viewport.View() + "\n")

	if m.waiting {
		b.WriteString(m.spinner.View() + " " + statusStyle.Render("Waiting for the host...") + "\n")
	} else {
		b.WriteString("\n")
	}

	b.WriteString(strings.Repeat("─", m.width-2) + "\n")

	inputStyle := inputBoxStyle
	if !m.waiting {
		inputStyle = inputBoxFocusedStyle
	}
	b.WriteString(inputStyle.Render(m.textarea.View()) + "\n")

	b.WriteString(helpStyle.Render(help(m.port.Role())))
	return b.String()
}

func help(role protocol.Role) string {
	switch role {
	case protocol.RoleControl:
		return "Ctrl+P verify • Ctrl+E send extraction • Esc to quit"
	case protocol.RoleSummary:
		return "Enter to ask • Ctrl+X abort • Esc to quit"
	}
	return "Enter to send • /new for a fresh chat • Ctrl+X abort • Esc to quit"
}

// RunSurface starts the surface TUI on p.
func RunSurface(p Port) error {
	model := NewSurfaceModel(p)
	prog := tea.NewProgram(model, tea.WithAltScreen())
	_, err := prog.Run()
	return err
}
