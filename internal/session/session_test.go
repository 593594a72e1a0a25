package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySlot(t *testing.T) {
	s, err := NewSlot("")
	require.NoError(t, err)
	assert.Regexp(t, `^\d{8}-\d{6}-[0-9a-f]{4}$`, s.ID())

	_, err = s.Get()
	assert.True(t, errors.Is(err, ErrEmpty))

	require.NoError(t, s.Put(Extraction{Title: "Go", TextContent: "Go is a language."}))
	got, err := s.Get()
	require.NoError(t, err)
	assert.Equal(t, "Go", got.Title)
	assert.False(t, got.SavedAt.IsZero())

	require.NoError(t, s.Put(Extraction{Title: "Rust", TextContent: "Rust is too."}))
	got, _ = s.Get()
	assert.Equal(t, "Rust", got.Title)

	require.NoError(t, s.Clear())
	_, err = s.Get()
	assert.True(t, errors.Is(err, ErrEmpty))
}

func TestPutRejectsEmptyText(t *testing.T) {
	s, _ := NewSlot("")
	assert.Error(t, s.Put(Extraction{Title: "only a title", TextContent: "  "}))
}

func TestPersistentSlotSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	s, err := NewSlot(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(Extraction{Title: "Page", TextContent: "body"}))

	_, err = os.Stat(filepath.Join(dir, slotFile))
	require.NoError(t, err)

	restarted, err := NewSlot(dir)
	require.NoError(t, err)
	got, err := restarted.Get()
	require.NoError(t, err)
	assert.Equal(t, "body", got.TextContent)

	require.NoError(t, restarted.Clear())
	_, err = os.Stat(filepath.Join(dir, slotFile))
	assert.True(t, os.IsNotExist(err))
}

func TestCorruptSlotFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, slotFile), []byte("{"), 0600))

	_, err := NewSlot(dir)
	assert.Error(t, err)
}

func TestPrompt(t *testing.T) {
	assert.Equal(t, "Title\n\nBody", Extraction{Title: " Title ", TextContent: "Body\n"}.Prompt())
	assert.Equal(t, "Body", Extraction{TextContent: "Body"}.Prompt())
}
