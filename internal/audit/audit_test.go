package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) (*Log, *time.Time) {
	t.Helper()
	l, err := NewLog(t.TempDir())
	require.NoError(t, err)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAppendWritesDailyFile(t *testing.T) {
	l, _ := newTestLog(t)

	require.NoError(t, l.Append(&Record{
		SessionID: "main",
		Tool:      "Edit",
		Gate:      "read_before_edit",
		Decision:  "deny",
		Message:   "[GATE 1: READ BEFORE EDIT] BLOCKED",
	}))
	require.NoError(t, l.Append(&Record{
		SessionID: "main",
		Tool:      "Read",
		Decision:  "allow",
	}))

	path := filepath.Join(l.Dir, "2026-08-24.jsonl")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		assert.NotZero(t, rec.TS)
		lines++
	}
	assert.Equal(t, 2, lines)
}

func TestRotateGzipsOldFiles(t *testing.T) {
	l, _ := newTestLog(t)

	old := filepath.Join(l.Dir, "2026-08-20.jsonl")
	today := filepath.Join(l.Dir, "2026-08-24.jsonl")
	require.NoError(t, os.WriteFile(old, []byte(`{"decision":"allow"}`+"\n"), 0o644))
	require.NoError(t, os.WriteFile(today, []byte(`{"decision":"allow"}`+"\n"), 0o644))

	require.NoError(t, l.Rotate(false))

	_, err := os.Stat(old + ".gz")
	assert.NoError(t, err, "old file gzipped")
	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err), "plain old file removed after gzip")
	_, err = os.Stat(today)
	assert.NoError(t, err, "today's file untouched")
}

func TestRotateDeletionIsOptIn(t *testing.T) {
	l, _ := newTestLog(t)

	archived := filepath.Join(l.Dir, "2026-08-10.jsonl.gz")
	require.NoError(t, os.WriteFile(archived, []byte("x"), 0o644))

	require.NoError(t, l.Rotate(false))
	_, err := os.Stat(archived)
	assert.NoError(t, err, "default rotation keeps archives")

	require.NoError(t, l.Rotate(true))
	_, err = os.Stat(archived)
	assert.True(t, os.IsNotExist(err), "opt-in deletion removes archives")
}
