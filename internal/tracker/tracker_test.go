package tracker

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/hooks"
	"github.com/wardenhq/warden/internal/memory"
	"github.com/wardenhq/warden/internal/observe"
	"github.com/wardenhq/warden/internal/state"
)

type fakeMemory struct {
	hits        []memory.Hit
	queryErr    error
	rememberErr error
	remembered  []memory.RememberParams
	queries     []string
}

func (f *fakeMemory) Remember(p memory.RememberParams) error {
	if f.rememberErr != nil {
		return f.rememberErr
	}
	f.remembered = append(f.remembered, p)
	return nil
}

func (f *fakeMemory) Query(collection, query string, limit int) ([]memory.Hit, error) {
	f.queries = append(f.queries, query)
	return f.hits, f.queryErr
}

type harness struct {
	tracker *Tracker
	state   *state.SessionState
	queue   *observe.Queue
	mem     *fakeMemory
	now     *time.Time
	dir     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	now := time.Unix(1_700_000_000, 0)
	h := &harness{
		state: state.NewSessionState("s1"),
		queue: &observe.Queue{Path: filepath.Join(dir, "queue.jsonl")},
		mem:   &fakeMemory{},
		now:   &now,
		dir:   dir,
	}
	h.tracker = New(Config{
		Queue:        h.queue,
		RememberPath: filepath.Join(dir, "remember.jsonl"),
		Memory:       h.mem,
		Toggles:      config.DefaultLiveState(),
		Now:          func() time.Time { return *h.now },
	})
	return h
}

func (h *harness) track(tool string, input, response map[string]any) {
	h.tracker.Track(&hooks.Input{
		SessionID:     "s1",
		HookEventName: hooks.EventPostTool,
		ToolName:      tool,
		ToolInput:     input,
		ToolResponse:  response,
	}, h.state)
}

func (h *harness) advance(d time.Duration) {
	*h.now = h.now.Add(d)
}

func TestCountersIncrement(t *testing.T) {
	h := newHarness(t)

	h.track("Read", map[string]any{"file_path": "/x/foo.py"}, nil)
	h.track("Bash", map[string]any{"command": "ls"}, map[string]any{"stdout": "a\nb"})

	assert.Equal(t, 2, h.state.ToolCallCount)
	assert.Equal(t, 1, h.state.ToolCallCounts["Read"])
	assert.Equal(t, 1, h.state.ToolCallCounts["Bash"])
	assert.Greater(t, h.state.EstimatedTokens, 0)
}

func TestReadRecordsFile(t *testing.T) {
	h := newHarness(t)

	h.track("Read", map[string]any{"file_path": "/x/foo.py"}, nil)
	assert.True(t, h.state.HasRead("/x/foo.py"))
}

func TestEditMarksPending(t *testing.T) {
	h := newHarness(t)

	h.track("Edit", map[string]any{"file_path": "/x/foo.py", "new_string": "a"}, nil)

	assert.True(t, h.state.IsPendingVerification("/x/foo.py"))
	assert.Equal(t, 1, h.state.EditStreak["/x/foo.py"])
	assert.Equal(t, 0.0, h.state.VerificationScores["/x/foo.py"])
}

func TestReplayedEditDoesNotGrowStreak(t *testing.T) {
	h := newHarness(t)
	in := map[string]any{"file_path": "/x/foo.py", "new_string": "same change"}

	h.track("Edit", in, nil)
	h.track("Edit", in, nil)

	// The duplicate observation keeps the bookkeeping idempotent:
	// counters move, the streak does not.
	assert.Equal(t, 2, h.state.ToolCallCount)
	assert.Equal(t, 1, h.state.EditStreak["/x/foo.py"])
	assert.True(t, h.state.IsPendingVerification("/x/foo.py"))
}

func TestObservationDedup(t *testing.T) {
	h := newHarness(t)
	in := map[string]any{"file_path": "/x/foo.py"}

	h.track("Read", in, nil)
	h.track("Read", in, nil)

	n, err := h.queue.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "duplicate observation must not grow the queue")
}

func TestFailingTestCapturesFailure(t *testing.T) {
	h := newHarness(t)

	h.track("Bash",
		map[string]any{"command": "pytest tests/test_checkout.py"},
		map[string]any{"exit_code": float64(1), "stderr": "E   AssertionError: totals mismatch in line 42"})

	require.NotNil(t, h.state.RecentTestFailure)
	assert.True(t, h.state.FixingError)
	assert.Equal(t, 1, h.state.LastTestExitCode)
	assert.NotEmpty(t, h.state.RecentTestFailure.Pattern)
	assert.Len(t, h.state.RecentTestFailure.Hash, 8)
}

func TestBroadGreenTestClearsEverything(t *testing.T) {
	h := newHarness(t)
	h.state.PendingVerification = []string{"/x/a.py", "/x/b.py"}
	h.state.EditStreak = map[string]int{"/x/a.py": 4}

	h.track("Bash", map[string]any{"command": "pytest"}, map[string]any{"exit_code": float64(0)})

	assert.Empty(t, h.state.PendingVerification)
	assert.Empty(t, h.state.EditStreak)
	assert.True(t, h.state.SessionTestBaseline)
	assert.Equal(t, 1.0, h.state.VerificationScores["/x/a.py"])
}

func TestTargetedTestClearsMentionedFiles(t *testing.T) {
	h := newHarness(t)
	h.state.PendingVerification = []string{"/x/checkout.py", "/x/other.py"}

	h.track("Bash",
		map[string]any{"command": "pytest tests/test_checkout.py"},
		map[string]any{"exit_code": float64(0)})

	assert.False(t, h.state.IsPendingVerification("/x/checkout.py"))
	assert.True(t, h.state.IsPendingVerification("/x/other.py"))
	// Verified through its test file, not directly: partial credit.
	assert.Equal(t, 0.5, h.state.VerificationScores["/x/checkout.py"])
	assert.False(t, h.state.SessionTestBaseline, "a targeted run is not a baseline")
}

func TestLintGivesPartialVerification(t *testing.T) {
	h := newHarness(t)
	h.state.PendingVerification = []string{"/x/api.py"}

	h.track("Bash",
		map[string]any{"command": "ruff check /x/api.py"},
		map[string]any{"exit_code": float64(0)})

	assert.False(t, h.state.IsPendingVerification("/x/api.py"))
	assert.Equal(t, 0.5, h.state.VerificationScores["/x/api.py"])
}

func TestErrorDetectionDedupsWithinWindow(t *testing.T) {
	h := newHarness(t)
	resp := map[string]any{"stderr": "TypeError: cannot concatenate 'str' and 'int'"}

	h.track("Bash", map[string]any{"command": "python x.py"}, resp)
	require.Len(t, h.state.UnloggedErrors, 1)
	pattern := h.state.UnloggedErrors[0]
	assert.Equal(t, 1, h.state.ErrorPatternCounts[pattern])

	// Same pattern 10 s later: counted, not re-logged.
	h.advance(10 * time.Second)
	h.track("Bash", map[string]any{"command": "python x.py"}, resp)
	assert.Len(t, h.state.UnloggedErrors, 1)
	assert.Equal(t, 2, h.state.ErrorPatternCounts[pattern])

	// Past the window it logs again.
	h.advance(61 * time.Second)
	h.track("Bash", map[string]any{"command": "python x.py"}, resp)
	assert.Len(t, h.state.UnloggedErrors, 2)
}

func TestErrorWindowCapEvictsOldest(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < maxErrorPatterns; i++ {
		h.state.ErrorWindows[string(rune('a'+i%26))+string(rune('0'+i/26))] = &state.ErrorWindow{
			LastSeen: float64(i),
		}
	}

	h.track("Bash", map[string]any{"command": "python x.py"},
		map[string]any{"stderr": "ValueError: brand new failure"})

	assert.LessOrEqual(t, len(h.state.ErrorWindows), maxErrorPatterns)
	_, oldestSurvives := h.state.ErrorWindows["a0"]
	assert.False(t, oldestSurvives, "oldest window is evicted first")
}

func TestFixConfirmedRemembersCritically(t *testing.T) {
	h := newHarness(t)

	h.track("Bash",
		map[string]any{"command": "pytest"},
		map[string]any{"exit_code": float64(1), "stderr": "AssertionError: totals mismatch"})
	require.True(t, h.state.FixingError)

	h.track("Bash", map[string]any{"command": "pytest"}, map[string]any{"exit_code": float64(0)})

	require.Len(t, h.mem.remembered, 1)
	assert.Contains(t, h.mem.remembered[0].Text, "Fixed")
	assert.Equal(t, "fix_confirmed", h.mem.remembered[0].Metadata["kind"])
	assert.Equal(t, 1, h.state.AutoRememberCount)
	assert.False(t, h.state.FixingError)
}

func TestCriticalRememberFallsBackToQueueFile(t *testing.T) {
	h := newHarness(t)
	h.mem.rememberErr = errors.New("gateway down")

	h.track("Bash",
		map[string]any{"command": "pytest"},
		map[string]any{"exit_code": float64(1), "stderr": "AssertionError: boom"})
	h.track("Bash", map[string]any{"command": "pytest"}, map[string]any{"exit_code": float64(0)})

	recs, err := ReadRememberQueue(filepath.Join(h.dir, "remember.jsonl"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Text, "Fixed")
}

func TestHandoffNoteQueued(t *testing.T) {
	h := newHarness(t)

	h.track("Write",
		map[string]any{"file_path": "/w/HANDOFF.md", "content": "next: wire the retry loop"},
		nil)

	recs, err := ReadRememberQueue(filepath.Join(h.dir, "remember.jsonl"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "handoff", recs[0].Metadata["kind"])
}

func TestAutoRememberCap(t *testing.T) {
	h := newHarness(t)
	h.state.AutoRememberCount = MaxAutoRememberPerSession

	h.track("Write",
		map[string]any{"file_path": "/w/HANDOFF.md", "content": "note"},
		nil)

	recs, err := ReadRememberQueue(filepath.Join(h.dir, "remember.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestChainClassifierStuck(t *testing.T) {
	h := newHarness(t)
	// Nine greps then the tenth call triggers classification with one
	// tool at 100%.
	for i := 0; i < 10; i++ {
		h.track("Grep", map[string]any{"pattern": "needle" + string(rune('a'+i))}, nil)
	}

	assert.Equal(t, "stuck", h.state.MentorChainPattern)
	assert.Equal(t, 0.2, h.state.MentorChainScore)
	assert.Equal(t, 1, h.state.MentorEscalationCount)
}

func TestChainClassifierHealthy(t *testing.T) {
	h := newHarness(t)
	tools := []string{"Read", "Read", "Read", "Edit", "Edit", "Bash", "Read", "Edit", "Bash", "Grep"}
	for i, tool := range tools {
		h.track(tool, map[string]any{"file_path": "/x/f" + string(rune('a'+i)) + ".py", "command": "pytest x"}, nil)
	}

	assert.Equal(t, "healthy", h.state.MentorChainPattern)
	assert.Equal(t, 0.9, h.state.MentorChainScore)
	assert.Zero(t, h.state.MentorEscalationCount)
}

func TestMemoryMentorWritesMatch(t *testing.T) {
	h := newHarness(t)
	h.mem.hits = []memory.Hit{{
		Row:      memory.Row{ID: "mem-1", Text: "this bug was a stale fixture cache"},
		Distance: 0.3,
	}}

	h.track("Edit", map[string]any{"file_path": "/x/cache.py", "new_string": "x"}, nil)

	assert.Equal(t, "mem-1", h.state.MentorMemoryMatch)
	assert.Contains(t, h.state.MentorHistoricalContext, "stale fixture cache")
}

func TestMemoryMentorIgnoresDistantHits(t *testing.T) {
	h := newHarness(t)
	h.mem.hits = []memory.Hit{{
		Row:      memory.Row{ID: "mem-1", Text: "unrelated"},
		Distance: 0.8,
	}}

	h.track("Edit", map[string]any{"file_path": "/x/cache.py", "new_string": "x"}, nil)

	assert.Empty(t, h.state.MentorMemoryMatch)
}

func TestGatewayDownLeavesMentorFieldsAlone(t *testing.T) {
	h := newHarness(t)
	h.mem.queryErr = memory.ErrUnavailable

	h.track("Edit", map[string]any{"file_path": "/x/cache.py", "new_string": "x"}, nil)

	assert.Empty(t, h.state.MentorMemoryMatch)
	assert.Empty(t, h.state.MentorHistoricalContext)
	assert.Equal(t, 1, h.state.ToolCallCount, "tracking itself is unaffected")
}

func TestAnalyticsThrottle(t *testing.T) {
	h := newHarness(t)

	h.track("Edit", map[string]any{"file_path": "/app/migrations/0042_add_index.py", "new_string": "x"}, nil)
	first := h.state.AnalyticsLastSuggestion["schema"]
	assert.NotZero(t, first)

	h.advance(time.Minute)
	h.track("Edit", map[string]any{"file_path": "/app/migrations/0043_more.py", "new_string": "y"}, nil)
	assert.Equal(t, first, h.state.AnalyticsLastSuggestion["schema"], "repeat inside throttle keeps the old stamp")

	h.advance(20 * time.Minute)
	h.track("Edit", map[string]any{"file_path": "/app/migrations/0044_even_more.py", "new_string": "z"}, nil)
	assert.Greater(t, h.state.AnalyticsLastSuggestion["schema"], first)
}

func TestTogglesDisableMentors(t *testing.T) {
	h := newHarness(t)
	toggles := config.DefaultLiveState()
	toggles.MentorAll = false
	h.tracker = New(Config{
		Queue:   h.queue,
		Memory:  h.mem,
		Toggles: toggles,
		Now:     func() time.Time { return *h.now },
	})
	h.mem.hits = []memory.Hit{{Row: memory.Row{ID: "mem-1", Text: "hit"}, Distance: 0.1}}

	h.track("Edit", map[string]any{"file_path": "/x/cache.py", "new_string": "x"}, nil)

	assert.Empty(t, h.state.MentorMemoryMatch)
	assert.Empty(t, h.mem.queries)
}

func TestQueueCompactionTriggersEvery50Calls(t *testing.T) {
	h := newHarness(t)
	// Overfill the queue with distinct low-priority observations.
	for i := 0; i < observe.MaxQueueLines+60; i++ {
		h.track("Read", map[string]any{"file_path": fmt.Sprintf("/x/f%d.py", i)}, nil)
	}

	n, err := h.queue.Len()
	require.NoError(t, err)
	assert.LessOrEqual(t, n, observe.MaxQueueLines)
}
