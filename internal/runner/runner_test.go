package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/memory"
	"github.com/wardenhq/warden/internal/session"
	"github.com/wardenhq/warden/internal/state"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Root:          dir,
		StateDir:      filepath.Join(dir, "state"),
		AuditDir:      filepath.Join(dir, "audit"),
		BreakerDir:    filepath.Join(dir, "breakers"),
		QueuePath:     filepath.Join(dir, "capture_queue.jsonl"),
		RememberPath:  filepath.Join(dir, "auto_remember.jsonl"),
		ClaimsPath:    filepath.Join(dir, "claims.json"),
		SidebandPath:  filepath.Join(dir, ".memory_last_queried"),
		LiveStatePath: filepath.Join(dir, "live_state.json"),
		GatewaySocket: filepath.Join(dir, "gateway.sock"),
		DaemonSocket:  filepath.Join(dir, "daemon.sock"),
	}
}

func preToolPayload(tool, key, value string) []byte {
	return []byte(fmt.Sprintf(
		`{"session_id":"s1","hook_event_name":"PreToolUse","tool_name":%q,"tool_input":{%q:%q}}`,
		tool, key, value))
}

func TestPreToolAllowIsSilent(t *testing.T) {
	r := New(testConfig(t), config.DefaultLiveState())

	res := r.PreTool(preToolPayload("Read", "file_path", "/tmp/notes.txt"))

	assert.Equal(t, 0, res.ExitCode)
	assert.Empty(t, res.Stdout)
}

func TestPreToolBlockEmitsDenyDecision(t *testing.T) {
	r := New(testConfig(t), config.DefaultLiveState())

	res := r.PreTool(preToolPayload("Bash", "command", "rm -rf /"))

	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, `"permissionDecision":"deny"`)
	assert.Contains(t, res.Stdout, "NO DESTROY")
}

func TestPreToolWritesAuditRecord(t *testing.T) {
	cfg := testConfig(t)
	r := New(cfg, config.DefaultLiveState())

	r.PreTool(preToolPayload("Bash", "command", "git reset --hard HEAD~3"))

	entries, err := filepath.Glob(filepath.Join(cfg.AuditDir, "*.jsonl"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPreToolMalformedPayloadFailsOpen(t *testing.T) {
	r := New(testConfig(t), config.DefaultLiveState())

	res := r.PreTool([]byte("{not json"))

	assert.Equal(t, 0, res.ExitCode)
	assert.Empty(t, res.Stdout)
	assert.NotEmpty(t, res.Stderr)
}

func TestPostToolUpdatesSessionState(t *testing.T) {
	cfg := testConfig(t)
	r := New(cfg, config.DefaultLiveState())

	res := r.PostTool([]byte(
		`{"session_id":"s1","hook_event_name":"PostToolUse","tool_name":"Read",` +
			`"tool_input":{"file_path":"/tmp/notes.txt"},"tool_response":{"output":"fine"}}`))
	assert.Equal(t, 0, res.ExitCode)
	assert.Empty(t, res.Stdout)

	store, err := state.NewStore(cfg.StateDir)
	require.NoError(t, err)
	s, err := store.Load("s1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.ToolCallCount)
	assert.Equal(t, 1, s.ToolCallCounts["Read"])
}

func TestPostToolThenPreToolSharesState(t *testing.T) {
	cfg := testConfig(t)
	r := New(cfg, config.DefaultLiveState())

	// A fresh sideband timestamp stands in for a recent memory query.
	sb := &state.Sideband{Path: cfg.SidebandPath}
	require.NoError(t, sb.Write(float64(time.Now().UnixNano())/float64(time.Second)))

	path := filepath.Join(t.TempDir(), "app.py")
	require.NoError(t, os.WriteFile(path, []byte("print('hi')\n"), 0o644))

	// Recording the read in the post-tool path must satisfy the
	// read-before-edit check on the next pre-tool event.
	r.PostTool([]byte(fmt.Sprintf(
		`{"session_id":"s1","hook_event_name":"PostToolUse","tool_name":"Read",`+
			`"tool_input":{"file_path":%q},"tool_response":{"output":"src"}}`, path)))

	res := r.PreTool(preToolPayload("Edit", "file_path", path))
	assert.Empty(t, res.Stdout, "stderr: %s", res.Stderr)
}

func TestFixHistoryQueryClearsCausalChainBlock(t *testing.T) {
	cfg := testConfig(t)
	r := New(cfg, config.DefaultLiveState())

	sb := &state.Sideband{Path: cfg.SidebandPath}
	require.NoError(t, sb.Write(float64(time.Now().UnixNano())/float64(time.Second)))

	path := filepath.Join(t.TempDir(), "checkout.py")
	require.NoError(t, os.WriteFile(path, []byte("total = 0\n"), 0o644))

	// A tracked failing test puts the session into the active-fix state.
	store, err := state.NewStore(cfg.StateDir)
	require.NoError(t, err)
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	_, err = store.Update("s1", func(s *state.SessionState) error {
		s.RecordRead(path)
		s.LastTestRun = now - 60
		s.LastTestExitCode = 1
		s.LastTestCommand = "pytest tests/test_checkout.py"
		s.FixingError = true
		s.RecentTestFailure = &state.TestFailure{
			Pattern:   "assertionerror in test_checkout",
			Timestamp: now - 60,
		}
		return nil
	})
	require.NoError(t, err)

	res := r.PreTool(preToolPayload("Edit", "file_path", path))
	require.Contains(t, res.Stdout, `"permissionDecision":"deny"`)
	require.Contains(t, res.Stdout, "CAUSAL CHAIN")

	// Searching fix_outcomes through the public surface stamps the
	// timestamp the gate reads, so the retry goes through.
	require.NoError(t, session.NoteMemoryQuery(cfg, "s1", memory.CollectionFixOutcomes, time.Now()))

	res = r.PreTool(preToolPayload("Edit", "file_path", path))
	assert.Empty(t, res.Stdout, "stderr: %s", res.Stderr)
}
