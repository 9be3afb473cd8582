// Package tracker is the post-tool half of the runtime: after every
// tool call it updates the session state machine, captures an
// observation, optionally queues an auto-remember record, and runs the
// mentor modules. Everything here is fail-open: a tracker bug must
// never cost the agent a tool call.
package tracker

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/hooks"
	"github.com/wardenhq/warden/internal/memory"
	"github.com/wardenhq/warden/internal/observe"
	"github.com/wardenhq/warden/internal/state"
)

// compactEvery is how often the capture queue cap is enforced.
const compactEvery = 50

// MemoryClient is the slice of the gateway client the tracker needs.
type MemoryClient interface {
	Remember(p memory.RememberParams) error
	Query(collection, query string, limit int) ([]memory.Hit, error)
}

// Config wires a Tracker.
type Config struct {
	Queue        *observe.Queue
	RememberPath string
	// Memory may be nil; every use is fail-open.
	Memory  MemoryClient
	Toggles config.LiveState
	Now     func() time.Time
}

// Tracker applies the post-tool duties in order against a mutable
// session state. The caller persists the state once afterwards.
type Tracker struct {
	queue        *observe.Queue
	rememberPath string
	memory       MemoryClient
	toggles      config.LiveState
	now          func() time.Time
}

// New builds a tracker.
func New(cfg Config) *Tracker {
	t := &Tracker{
		queue:        cfg.Queue,
		rememberPath: cfg.RememberPath,
		memory:       cfg.Memory,
		toggles:      cfg.Toggles,
		now:          cfg.Now,
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

// Track runs the full duty list for one post-tool event. State
// mutations happen in memory; persistence is the caller's single
// atomic write.
func (t *Tracker) Track(in *hooks.Input, s *state.SessionState) {
	now := t.now()
	ts := float64(now.UnixNano()) / float64(time.Second)

	// 1. Counters.
	s.ToolCallCount++
	s.ToolCallCounts[in.ToolName]++
	s.EstimatedTokens += estimateTokens(in)

	// 4 (early half). Build the observation before the verification
	// bookkeeping: its dedup verdict also keeps edit streaks idempotent
	// under event replays.
	outcome := outcomeOf(in.ToolResponse)
	obs := observe.Build(in.ToolName, in.SessionID, in.ToolInput, outcome, ts)
	fresh := true
	if t.toggles.ObservationCapture && t.queue != nil {
		appended, err := t.queue.Append(obs)
		if err == nil {
			fresh = appended
		}
		if s.ToolCallCount%compactEvery == 0 {
			_ = t.queue.Compact()
		}
	}

	// 2. Verification state. Snapshot the fix context first: the
	// auto-remember step needs to know whether this very event resolved
	// a tracked failure.
	prevFailure := s.RecentTestFailure
	wasFixing := s.FixingError
	t.trackVerification(in, s, ts, fresh)

	// 3. Error detection.
	t.detectErrors(in, s, ts)

	// 5. Auto-remember.
	if t.toggles.AutoRemember {
		t.autoRemember(in, s, ts, prevFailure, wasFixing)
	}

	// 6. Mentor modules.
	t.runMentors(in, s, ts)
}

// outcomeOf condenses a tool response to "success" or an error label.
func outcomeOf(resp map[string]any) string {
	if resp == nil {
		return "success"
	}
	if code, ok := exitCode(resp); ok && code != 0 {
		return "failed"
	}
	if isErr, ok := resp["is_error"].(bool); ok && isErr {
		return "error"
	}
	if e, ok := resp["error"].(string); ok && e != "" {
		return "error"
	}
	return "success"
}

// exitCode digs the process exit status out of a shell tool response.
func exitCode(resp map[string]any) (int, bool) {
	for _, key := range []string{"exit_code", "exitCode", "code"} {
		switch v := resp[key].(type) {
		case float64:
			return int(v), true
		case int:
			return v, true
		}
	}
	return 0, false
}

// responseText flattens the textual fields of a tool response for
// error scanning.
func responseText(resp map[string]any) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, key := range []string{"stdout", "stderr", "output", "error", "result"} {
		if v, ok := resp[key].(string); ok && v != "" {
			b.WriteString(v)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// estimateTokens is a rough size proxy: serialized payload length over
// four, the usual bytes-per-token heuristic.
func estimateTokens(in *hooks.Input) int {
	size := 0
	if data, err := json.Marshal(in.ToolInput); err == nil {
		size += len(data)
	}
	if data, err := json.Marshal(in.ToolResponse); err == nil {
		size += len(data)
	}
	return size / 4
}
