package tui

import (
	"context"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eachlabs/kbridge/internal/channel"
	"github.com/eachlabs/kbridge/internal/health"
	"github.com/eachlabs/kbridge/internal/protocol"
	"github.com/eachlabs/kbridge/internal/router"
)

type fakePort struct {
	role     protocol.Role
	requests []protocol.Request
	calls    []string
	sendErr  error
}

func (p *fakePort) Role() protocol.Role { return p.role }

func (p *fakePort) Request(req protocol.Request) error {
	p.requests = append(p.requests, req)
	return p.sendErr
}

func (p *fakePort) Verify() error         { p.calls = append(p.calls, "verify"); return p.sendErr }
func (p *fakePort) SendExtraction() error { p.calls = append(p.calls, "extract"); return p.sendErr }
func (p *fakePort) Initialize() error     { p.calls = append(p.calls, "initialize"); return p.sendErr }
func (p *fakePort) Abort() error          { p.calls = append(p.calls, "abort"); return p.sendErr }

func (p *fakePort) Receive(ctx context.Context) (*channel.Message, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func update(t *testing.T, m SurfaceModel, msg tea.Msg) (SurfaceModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	sm, ok := next.(SurfaceModel)
	require.True(t, ok)
	return sm, cmd
}

// typeAndSend types text and presses Enter, running the resulting command.
func typeAndSend(t *testing.T, m SurfaceModel, text string) SurfaceModel {
	t.Helper()
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(text)})
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if cmd != nil {
		if msg := cmd(); msg != nil {
			m, _ = update(t, m, msg)
		}
	}
	return m
}

func TestChatSurfaceSendsNewThenOldChat(t *testing.T) {
	p := &fakePort{role: protocol.RoleChat}
	m := NewSurfaceModel(p)

	m = typeAndSend(t, m, "hello")
	require.Len(t, p.requests, 1)
	assert.Equal(t, protocol.Request{Status: protocol.StatusNewChat, Task: protocol.TaskChat, Text: "hello"}, p.requests[0])
	assert.True(t, m.Waiting())

	m, _ = update(t, m, incomingMsg{msg: channel.ChunkMessage("Hi ")})
	assert.False(t, m.Waiting())
	m, _ = update(t, m, incomingMsg{msg: channel.ChunkMessage("there")})
	m, _ = update(t, m, incomingMsg{msg: channel.ResponseMessage("", true)})

	entries := m.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, Entry{Kind: "you", Text: "hello"}, entries[0])
	assert.Equal(t, Entry{Kind: "host", Text: "Hi there"}, entries[1])

	typeAndSend(t, m, "more")
	require.Len(t, p.requests, 2)
	assert.Equal(t, protocol.StatusOldChat, p.requests[1].Status)
}

func TestEnterIgnoredWhileWaiting(t *testing.T) {
	p := &fakePort{role: protocol.RoleChat}
	m := typeAndSend(t, NewSurfaceModel(p), "first")
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd)
	assert.Len(t, p.requests, 1)
	assert.True(t, m.Waiting())
}

func TestSummarySurface(t *testing.T) {
	p := &fakePort{role: protocol.RoleSummary}
	m := NewSurfaceModel(p)
	require.NotNil(t, m.Init())

	typeAndSend(t, m, "shorter please")
	require.Len(t, p.requests, 1)
	assert.Equal(t, protocol.TaskSummariseFurther, p.requests[0].Task)
}

func TestControlSurface(t *testing.T) {
	p := &fakePort{role: protocol.RoleControl}
	m := NewSurfaceModel(p)

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlP})
	require.NotNil(t, cmd)
	cmd()
	assert.Equal(t, []string{"verify"}, p.calls)
	assert.True(t, m.Waiting())

	m, _ = update(t, m, incomingMsg{msg: channel.StatusMessage(health.PingFailed)})
	assert.False(t, m.Waiting())
	last := m.Entries()[len(m.Entries())-1]
	assert.Equal(t, Entry{Kind: "error", Text: health.PingFailed}, last)

	m, _ = update(t, m, incomingMsg{msg: channel.StatusMessage(router.StatusConnected)})
	assert.Equal(t, router.StatusConnected, m.link)

	typeAndSend(t, m, "extract")
	assert.Equal(t, []string{"verify", "extract"}, p.calls)
	assert.Empty(t, p.requests)
}

func TestSendErrorIsShown(t *testing.T) {
	p := &fakePort{role: protocol.RoleChat, sendErr: errors.New("broken pipe")}
	m := typeAndSend(t, NewSurfaceModel(p), "hi")

	assert.False(t, m.Waiting())
	last := m.Entries()[len(m.Entries())-1]
	assert.Equal(t, Entry{Kind: "error", Text: "broken pipe"}, last)
}

func TestAbortKey(t *testing.T) {
	p := &fakePort{role: protocol.RoleChat}
	_, cmd := update(t, NewSurfaceModel(p), tea.KeyMsg{Type: tea.KeyCtrlX})
	require.NotNil(t, cmd)
	cmd()
	assert.Equal(t, []string{"abort"}, p.calls)
}
