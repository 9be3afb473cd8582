package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return st
}

func TestLoadMissingReturnsDefaults(t *testing.T) {
	st := newTestStore(t)

	s, err := st.Load("main")
	require.NoError(t, err)
	assert.Equal(t, "main", s.SessionID)
	assert.Empty(t, s.FilesRead)
	assert.Zero(t, s.ToolCallCount)
	assert.NotNil(t, s.EditStreak)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	st := newTestStore(t)

	s := NewSessionState("main")
	s.RecordRead("/x/foo.py")
	s.MarkEdited("/x/foo.py")
	s.ToolCallCount = 7
	s.ToolCallCounts["Edit"] = 3
	s.RateWindowTimestamps = []float64{1000.5, 1001.5}
	s.GateTuneOverrides["rate_limit.deny"] = 80
	require.NoError(t, st.Save(s))

	loaded, err := st.Load("main")
	require.NoError(t, err)
	assert.Equal(t, s.FilesRead, loaded.FilesRead)
	assert.Equal(t, s.PendingVerification, loaded.PendingVerification)
	assert.Equal(t, 7, loaded.ToolCallCount)
	assert.Equal(t, 3, loaded.ToolCallCounts["Edit"])
	assert.Equal(t, s.RateWindowTimestamps, loaded.RateWindowTimestamps)
	assert.Equal(t, 80.0, loaded.GateTuneOverrides["rate_limit.deny"])
}

func TestLoadCorruptReturnsFreshDocument(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, os.WriteFile(st.Path("main"), []byte("{not json"), 0o644))

	s, err := st.Load("main")
	require.NoError(t, err)
	assert.Equal(t, "main", s.SessionID)
	assert.Zero(t, s.ToolCallCount)
}

func TestUpdateMutatesUnderLock(t *testing.T) {
	st := newTestStore(t)

	_, err := st.Update("main", func(s *SessionState) error {
		s.ToolCallCount++
		return nil
	})
	require.NoError(t, err)

	s, err := st.Update("main", func(s *SessionState) error {
		s.ToolCallCount++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, s.ToolCallCount)
}

func TestSaveIsAtomic(t *testing.T) {
	st := newTestStore(t)

	s := NewSessionState("main")
	s.ToolCallCount = 1
	require.NoError(t, st.Save(s))

	// A leftover temp file from a crashed writer must not shadow the
	// committed document.
	require.NoError(t, os.WriteFile(st.Path("main")+".tmp", []byte("garbage"), 0o644))
	loaded, err := st.Load("main")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.ToolCallCount)
}

func TestPathFlattensSessionID(t *testing.T) {
	st := newTestStore(t)
	p := st.Path("../evil/session")
	assert.Equal(t, st.Dir, filepath.Dir(p))
}

func TestMarkEditedAndClearVerification(t *testing.T) {
	s := NewSessionState("main")

	s.MarkEdited("/x/a.py")
	s.MarkEdited("/x/a.py")
	s.MarkEdited("/x/b.py")
	assert.Equal(t, 2, s.EditStreak["/x/a.py"])
	assert.Equal(t, []string{"/x/a.py", "/x/b.py"}, s.PendingVerification)

	s.ClearVerification("/x/a.py", 1.0)
	assert.Equal(t, []string{"/x/b.py"}, s.PendingVerification)
	assert.Zero(t, s.EditStreak["/x/a.py"])
	assert.Equal(t, 1.0, s.VerificationScores["/x/a.py"])
}

func TestEffectiveUnverifiedWeighsPartialScores(t *testing.T) {
	s := NewSessionState("main")
	s.MarkEdited("/x/a.py")
	s.MarkEdited("/x/b.py")
	s.MarkEdited("/x/c.py")
	s.VerificationScores["/x/b.py"] = 0.5

	assert.InDelta(t, 2.5, s.EffectiveUnverified(), 1e-9)
}

func TestSidebandRoundTrip(t *testing.T) {
	sb := &Sideband{Path: filepath.Join(t.TempDir(), ".memory_last_queried")}
	assert.Zero(t, sb.Read())

	require.NoError(t, sb.Write(1234.5))
	assert.Equal(t, 1234.5, sb.Read())
}

func TestMemoryFreshnessTakesMax(t *testing.T) {
	sb := &Sideband{Path: filepath.Join(t.TempDir(), ".memory_last_queried")}
	require.NoError(t, sb.Write(200))

	s := NewSessionState("main")
	s.MemoryLastQueried = 100
	assert.Equal(t, 200.0, MemoryFreshness(s, sb))

	s.MemoryLastQueried = 300
	assert.Equal(t, 300.0, MemoryFreshness(s, sb))
}
