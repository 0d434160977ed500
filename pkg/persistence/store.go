package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// SettingsVersion is the current version of the settings file format.
const SettingsVersion = 1

// ErrBadName rejects instrument names that cannot form a file name.
var ErrBadName = errors.New("invalid instrument name")

// Settings is the durable per-instrument snapshot. Only parameters
// flagged persistent appear in Values.
type Settings struct {
	// Version is the settings file format version.
	Version int `json:"version"`

	// SavedAt is when the settings were last saved.
	SavedAt time.Time `json:"saved_at"`

	// Instrument is the owning instrument name.
	Instrument string `json:"instrument"`

	// Values maps parameter name to last written value.
	Values map[string]any `json:"values,omitempty"`
}

// Store manages one settings file per instrument under a base directory.
type Store struct {
	mu  sync.Mutex
	dir string
}

// NewStore creates a settings store rooted at dir.
// The directory is created on first save.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Save persists the values for one instrument, replacing any previous
// snapshot.
func (s *Store) Save(instrument string, values map[string]any) error {
	path, err := s.path(instrument)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}

	settings := &Settings{
		Version:    SettingsVersion,
		SavedAt:    time.Now(),
		Instrument: instrument,
		Values:     values,
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Load reads the persisted values for one instrument.
// A missing file loads as an empty map.
func (s *Store) Load(instrument string) (map[string]any, error) {
	path, err := s.path(instrument)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}

	settings := &Settings{}
	if err := json.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("settings for %s: %w", instrument, err)
	}
	if settings.Values == nil {
		settings.Values = map[string]any{}
	}
	return settings.Values, nil
}

// Clear removes the settings file for one instrument.
func (s *Store) Clear(instrument string) error {
	path, err := s.path(instrument)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *Store) path(instrument string) (string, error) {
	if instrument == "" || strings.ContainsAny(instrument, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrBadName, instrument)
	}
	return filepath.Join(s.dir, instrument+".json"), nil
}
