// Package checkpoint persists the highest processed mention ID so each
// session fetches only newer mentions.
package checkpoint

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Store holds the single last-seen mention identifier.
type Store struct {
	path string
	id   string
}

// Load reads the checkpoint from path. Missing or unreadable files start
// from an empty checkpoint (first run semantics) with a warning.
func Load(path string) *Store {
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("checkpoint unreadable, starting fresh", slog.String("path", path), slog.Any("error", err))
		}
		return s
	}
	s.id = strings.TrimSpace(string(data))
	return s
}

// ID returns the current checkpoint, empty on first run.
func (s *Store) ID() string { return s.id }

// Advance moves the checkpoint to id if it is greater than the current
// value. Returns true if the checkpoint moved.
func (s *Store) Advance(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" || Less(id, s.id) || id == s.id {
		return false
	}
	s.id = id
	return true
}

// Save persists the checkpoint atomically.
func (s *Store) Save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(s.id+"\n"), 0o600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// Less compares two snowflake-style numeric IDs: a shorter decimal string
// is always smaller, equal lengths compare lexicographically.
func Less(a, b string) bool {
	if b == "" {
		return false
	}
	if a == "" {
		return true
	}
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// Max returns the larger of two IDs under Less.
func Max(a, b string) string {
	if Less(a, b) {
		return b
	}
	return a
}
