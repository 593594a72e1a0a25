package tui

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eachlabs/kbridge/internal/coordinator"
	"github.com/eachlabs/kbridge/internal/protocol"
	"github.com/eachlabs/kbridge/internal/router"
)

type fakeStatus struct {
	snap coordinator.Snapshot
	err  error
}

func (f *fakeStatus) Status(ctx context.Context) (coordinator.Snapshot, error) {
	return f.snap, f.err
}

func refresh(t *testing.T, m Dashboard) Dashboard {
	t.Helper()
	msg := m.load()()
	next, _ := m.Update(msg)
	d, ok := next.(Dashboard)
	require.True(t, ok)
	return d
}

func TestDashboardShowsSnapshot(t *testing.T) {
	src := &fakeStatus{snap: coordinator.Snapshot{
		Session:  "abc123",
		Link:     "connected",
		Attached: []protocol.Role{protocol.RoleChat},
		Task:     &router.PendingTask{Role: protocol.RoleChat, Task: protocol.TaskChat, Status: protocol.StatusNewChat},
		Parked:   1,
	}}
	m := refresh(t, NewDashboard(src, time.Second))

	require.NoError(t, m.Err())
	assert.Equal(t, "abc123", m.Snapshot().Session)

	view := m.View()
	assert.Contains(t, view, "abc123")
	assert.Contains(t, view, "connected")
	assert.Contains(t, view, "chat from chat")
	assert.Contains(t, view, "1 waiting for host")
}

func TestDashboardKeepsLastSnapshotOnError(t *testing.T) {
	src := &fakeStatus{snap: coordinator.Snapshot{Session: "s1", Link: "disconnected"}}
	m := refresh(t, NewDashboard(src, time.Second))

	src.err = errors.New("connection refused")
	m = refresh(t, m)

	assert.Error(t, m.Err())
	assert.Equal(t, "s1", m.Snapshot().Session)
	assert.Contains(t, m.View(), "connection refused")
}

func TestDashboardQuit(t *testing.T) {
	m := NewDashboard(&fakeStatus{}, 0)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}
