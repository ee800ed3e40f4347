package history

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Add("dig", "dug 3 blocks"))
	require.NoError(t, s.AddError("craft", "no crafting table"))
	require.NoError(t, s.Add("eat", "ate bread"))

	entries, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Newest first.
	assert.Equal(t, "eat", entries[0].Source)
	assert.Equal(t, "craft", entries[1].Source)
	assert.Equal(t, "dig", entries[2].Source)
	assert.Equal(t, KindError, entries[1].Kind)
	assert.Equal(t, "no crafting table", entries[1].Text)
}

func TestStoreRecentHonorsLimit(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Add("tick", "heartbeat"))
	}

	entries, err := s.Recent(2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestStoreErrorsFiltersByKind(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Add("dig", "ok"))
	require.NoError(t, s.AddError("dig", "pickaxe broke"))
	require.NoError(t, s.AddError("move", "path blocked"))

	errs, err := s.Errors(10)
	require.NoError(t, err)
	require.Len(t, errs, 2)
	assert.Equal(t, "move", errs[0].Source)
	assert.Equal(t, "dig", errs[1].Source)
	for _, e := range errs {
		assert.Equal(t, KindError, e.Kind)
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	s, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Add("dig", "before restart"))
	require.NoError(t, s.Close())

	s2, err := NewStore(path)
	require.NoError(t, err)
	defer s2.Close()

	entries, err := s2.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "before restart", entries[0].Text)
}

func TestMemoryRecorder(t *testing.T) {
	m := NewMemory()

	require.NoError(t, m.Add("dig", "ok"))
	require.NoError(t, m.AddError("dig", "broke"))

	entries := m.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, KindEvent, entries[0].Kind)
	assert.Equal(t, KindError, entries[1].Kind)
	assert.Equal(t, int64(1), entries[0].ID)
	assert.Equal(t, int64(2), entries[1].ID)
}
