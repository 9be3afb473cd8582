package tracker

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/wardenhq/warden/internal/hooks"
	"github.com/wardenhq/warden/internal/memory"
	"github.com/wardenhq/warden/internal/state"
)

const (
	// chainEvery is how often the outcome-chain classifier runs.
	chainEvery = 10
	// summaryEvery is how often the analytics mentor emits a session
	// summary nudge.
	summaryEvery = 50
	// analyticsThrottleSeconds spaces repeat suggestions of one type.
	analyticsThrottleSeconds = 900
	// memoryMatchDistance is the cosine ceiling for a mentor match.
	memoryMatchDistance = 0.5
	// historicalContextLimit truncates the stored context snippet.
	historicalContextLimit = 300
)

// runMentors is duty 6. Each mentor is fail-open and writes only its
// designated state fields.
func (t *Tracker) runMentors(in *hooks.Input, s *state.SessionState, ts float64) {
	if !t.toggles.MentorAll {
		return
	}
	if t.toggles.MentorChains {
		t.mentorChains(s)
	}
	if t.toggles.MentorMemory {
		t.mentorMemory(in, s)
	}
	if t.toggles.MentorAnalytics {
		t.mentorAnalytics(in, s, ts)
	}
}

// mentorChains classifies the session's recent tool mix every tenth
// call: one tool dominating is "stuck", heavy editing with little
// execution is "churn", a balanced read/edit/test loop is "healthy".
func (t *Tracker) mentorChains(s *state.SessionState) {
	if s.ToolCallCount == 0 || s.ToolCallCount%chainEvery != 0 {
		return
	}

	total := 0
	for _, n := range s.ToolCallCounts {
		total += n
	}
	if total == 0 {
		return
	}

	edits := s.ToolCallCounts["Edit"] + s.ToolCallCounts["Write"] + s.ToolCallCounts["NotebookEdit"]
	reads := s.ToolCallCounts["Read"] + s.ToolCallCounts["Grep"] + s.ToolCallCounts["Glob"]
	bash := s.ToolCallCounts["Bash"]

	dominant := 0
	for _, n := range s.ToolCallCounts {
		if n > dominant {
			dominant = n
		}
	}

	pattern, score := "neutral", 0.7
	switch {
	case float64(dominant) >= 0.7*float64(total):
		pattern, score = "stuck", 0.2
	case float64(edits) > 0.6*float64(total) && float64(bash) < 0.3*float64(edits):
		pattern, score = "churn", 0.3
	case reads > 0 && edits > 0 && bash > 0:
		pattern, score = "healthy", 0.9
	}

	s.MentorChainScore = score
	s.MentorChainPattern = pattern
	s.MentorLastScore = score
	s.MentorLastVerdict = pattern
	if score <= 0.3 {
		s.MentorEscalationCount++
		s.MentorWarnedThisCycle = true
	} else {
		s.MentorEscalationCount = 0
		s.MentorWarnedThisCycle = false
	}
}

// mentorMemory builds a short query from the current context and asks
// the gateway for a close prior memory. Gateway trouble is silent; the
// client's own timeout bounds the call.
func (t *Tracker) mentorMemory(in *hooks.Input, s *state.SessionState) {
	if t.memory == nil {
		return
	}

	var parts []string
	if s.RecentTestFailure != nil {
		parts = append(parts, s.RecentTestFailure.Pattern)
	}
	if path := strField(in.ToolInput, "file_path"); path != "" {
		parts = append(parts, filepath.Base(path))
	}
	if cmd := strField(in.ToolInput, "command"); cmd != "" {
		fields := strings.Fields(cmd)
		if len(fields) > 3 {
			fields = fields[:3]
		}
		parts = append(parts, strings.Join(fields, " "))
	}
	if s.CurrentStrategyID != "" {
		parts = append(parts, s.CurrentStrategyID)
	}
	query := strings.TrimSpace(strings.Join(parts, " "))
	if query == "" {
		return
	}

	hits, err := t.memory.Query(memory.CollectionKnowledge, query, 3)
	if err != nil || len(hits) == 0 {
		return
	}
	best := hits[0]
	if best.Distance > memoryMatchDistance {
		return
	}

	s.MentorMemoryMatch = best.ID
	ctx := best.Text
	if len(ctx) > historicalContextLimit {
		ctx = ctx[:historicalContextLimit]
	}
	s.MentorHistoricalContext = ctx
}

// analyticsSuggestions map framework-owned paths to the analytics tool
// that understands them.
var analyticsSuggestions = []struct {
	re         *regexp.Regexp
	suggestion string
	kind       string
}{
	{regexp.MustCompile(`(^|/)migrations?/`), "mcp__analytics__schema_history", "schema"},
	{regexp.MustCompile(`(^|/)models?(/|\.py$)`), "mcp__analytics__model_usage", "models"},
	{regexp.MustCompile(`(^|/)(api|routes|handlers)/`), "mcp__analytics__endpoint_traffic", "endpoints"},
}

// mentorAnalytics nudges toward the analytics tooling when the agent
// edits framework-owned paths, throttled per suggestion type, plus a
// session summary every fiftieth call. Nudges go to stderr; only the
// throttle timestamps live in state.
func (t *Tracker) mentorAnalytics(in *hooks.Input, s *state.SessionState, ts float64) {
	if path := strField(in.ToolInput, "file_path"); path != "" {
		norm := strings.ReplaceAll(path, "\\", "/")
		for _, sug := range analyticsSuggestions {
			if !sug.re.MatchString(norm) {
				continue
			}
			if last, ok := s.AnalyticsLastSuggestion[sug.kind]; ok && ts-last < analyticsThrottleSeconds {
				continue
			}
			s.AnalyticsLastSuggestion[sug.kind] = ts
			fmt.Fprintf(os.Stderr, "[MENTOR] editing %s: %s can show you live usage before you change it\n",
				filepath.Base(path), sug.suggestion)
		}
	}

	if s.ToolCallCount > 0 && s.ToolCallCount%summaryEvery == 0 {
		fmt.Fprintf(os.Stderr, "[MENTOR] %d tool calls this session; %d files pending verification, last chain verdict %q\n",
			s.ToolCallCount, len(s.PendingVerification), s.MentorChainPattern)
	}
}
