// Package chatsession owns knowledge of which chat session is currently live:
// a small persisted record that survives restarts, and a Tracker that
// rediscovers the active session from the provider and notifies interested
// parties when it changes.
package chatsession

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Status describes the lifecycle of the persisted session record.
type Status string

const (
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
	StatusUnknown Status = "unknown"
)

// Record is the durable description of the last-known session.
// Invariant: Status == StatusActive implies SessionID != "".
type Record struct {
	SessionID   string    `json:"session_id,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
	Status      Status    `json:"status"`
}

const recordFile = "session.json"

// Store reads and writes the session record under a data directory.
// It only performs the I/O; the Tracker owns the record's contents.
type Store struct {
	path string
}

// NewStore returns a store persisting to dataDir/session.json.
func NewStore(dataDir string) *Store {
	return &Store{path: filepath.Join(dataDir, recordFile)}
}

// Path returns the record file location.
func (s *Store) Path() string { return s.path }

// Load reads the persisted record. A missing file yields (nil, nil); a
// malformed file is logged and also yields (nil, nil) so callers fall back
// to live discovery rather than failing startup.
func (s *Store) Load() (*Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		slog.Warn("session record unreadable", slog.String("path", s.path), slog.Any("err", err))
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Warn("session record malformed", slog.String("path", s.path), slog.Any("err", err))
		return nil, nil
	}
	if rec.Status == "" {
		rec.Status = StatusUnknown
	}
	return &rec, nil
}

// Save writes the record atomically (temp file + rename) so a crash mid-write
// cannot leave a corrupt record behind. The data directory is created if
// absent.
func (s *Store) Save(rec Record) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), recordFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename session record: %w", err)
	}
	return nil
}
