// Package session keeps the session-scoped extraction slot.
//
// The slot holds the last page extraction written by the extraction
// collaborator. It is the only state kept beyond a single request; when
// persistence is enabled it is mirrored to disk so a restarted coordinator in
// the same session still finds it.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrEmpty is returned when nothing has been extracted yet.
var ErrEmpty = errors.New("no extraction stored")

const slotFile = "extraction.json"

// Extraction is the content of the slot.
type Extraction struct {
	Title       string    `json:"title"`
	TextContent string    `json:"textContent"`
	SavedAt     time.Time `json:"saved_at"`
}

// Prompt is the text sent to the host for a summary of this extraction.
func (e Extraction) Prompt() string {
	title := strings.TrimSpace(e.Title)
	text := strings.TrimSpace(e.TextContent)
	if title == "" {
		return text
	}
	return title + "\n\n" + text
}

// Slot is the single session-scoped extraction store.
type Slot struct {
	id   string
	dir  string
	mu   sync.RWMutex
	data *Extraction
}

// NewSlot creates a slot. With an empty dir the slot lives in memory only;
// otherwise a previously saved extraction in dir is restored.
func NewSlot(dir string) (*Slot, error) {
	s := &Slot{id: generateID(), dir: dir}
	if dir == "" {
		return s, nil
	}

	data, err := os.ReadFile(filepath.Join(dir, slotFile))
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read extraction: %w", err)
	}

	var e Extraction
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to parse extraction: %w", err)
	}
	s.data = &e
	return s, nil
}

// generateID creates a session ID in format: YYYYMMDD-HHMMSS-<4-char-hex>
func generateID() string {
	now := time.Now()
	datePart := now.Format("20060102-150405")

	b := make([]byte, 2)
	_, _ = rand.Read(b)

	return fmt.Sprintf("%s-%s", datePart, hex.EncodeToString(b))
}

// ID identifies the coordinator session.
func (s *Slot) ID() string {
	return s.id
}

// Put replaces the stored extraction.
func (s *Slot) Put(e Extraction) error {
	if strings.TrimSpace(e.TextContent) == "" {
		return fmt.Errorf("extraction has no text content")
	}
	if e.SavedAt.IsZero() {
		e.SavedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dir != "" {
		if err := s.writeFile(e); err != nil {
			return err
		}
	}
	s.data = &e
	return nil
}

// Get returns the stored extraction or ErrEmpty.
func (s *Slot) Get() (Extraction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.data == nil {
		return Extraction{}, ErrEmpty
	}
	return *s.data, nil
}

// Clear empties the slot.
func (s *Slot) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = nil
	if s.dir == "" {
		return nil
	}
	if err := os.Remove(filepath.Join(s.dir, slotFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete extraction: %w", err)
	}
	return nil
}

// writeFile saves e atomically. Caller must hold the lock.
func (s *Slot) writeFile(e Extraction) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create sessions dir: %w", err)
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal extraction: %w", err)
	}

	path := filepath.Join(s.dir, slotFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write extraction: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write extraction: %w", err)
	}
	return nil
}
