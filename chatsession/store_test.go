package chatsession

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_LoadMissingFile(t *testing.T) {
	s := NewStore(t.TempDir())
	rec, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())
	want := Record{
		SessionID:   "chat-abc",
		LastUpdated: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		Status:      StatusActive,
	}
	require.NoError(t, s.Save(want))

	rec, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, want.SessionID, rec.SessionID)
	assert.Equal(t, want.Status, rec.Status)
	assert.True(t, want.LastUpdated.Equal(rec.LastUpdated))
}

func TestStore_SaveCreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	s := NewStore(dir)
	require.NoError(t, s.Save(Record{Status: StatusEnded, LastUpdated: time.Now()}))

	rec, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusEnded, rec.Status)
	assert.Empty(t, rec.SessionID)
}

func TestStore_MalformedFileFallsBackToNil(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o644))

	rec, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStore_MissingStatusBecomesUnknown(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	require.NoError(t, os.WriteFile(s.Path(), []byte(`{"session_id":"chat-x"}`), 0o644))

	rec, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusUnknown, rec.Status)
	assert.Equal(t, "chat-x", rec.SessionID)
}

func TestStore_SaveOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	require.NoError(t, s.Save(Record{SessionID: "chat-1", Status: StatusActive, LastUpdated: time.Now()}))
	require.NoError(t, s.Save(Record{Status: StatusEnded, LastUpdated: time.Now()}))

	rec, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusEnded, rec.Status)
	assert.Empty(t, rec.SessionID)

	// No temp files may linger after a successful save.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
