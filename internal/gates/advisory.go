package gates

import "strings"

// hindsightGate is the advisory escalation valve: when the mentor
// modules have scored the session badly twice in a row and the agent is
// not mid-fix, stop and make it regroup. Disabled entirely by the
// live-state toggle.
type hindsightGate struct {
	enabled bool
}

func (g *hindsightGate) Name() string { return "HINDSIGHT" }
func (g *hindsightGate) Number() int  { return 16 }
func (g *hindsightGate) Tier() Tier   { return TierAdvisory }

func (g *hindsightGate) Check(req *Request) *Result {
	if !g.enabled {
		return nil
	}
	s := req.State

	if s.MentorLastScore < 0.3 && s.MentorEscalationCount >= 2 && !s.FixingError {
		res := block(16, g.Name(),
			"session score %.2f after %d escalations (%s). Stop, re-read the failing output, and state a plan before the next tool call.",
			s.MentorLastScore, s.MentorEscalationCount, s.MentorLastVerdict)
		res.Severity = SeverityCritical
		return res
	}

	if s.MentorChainScore < 0.5 && s.MentorChainPattern != "" {
		msg := "recent tool chain looks " + s.MentorChainPattern
		if s.MentorHistoricalContext != "" {
			msg += "; prior session note: " + truncateContext(s.MentorHistoricalContext)
		}
		return warn(16, g.Name(), "%s.", msg)
	}
	return nil
}

func truncateContext(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 160 {
		return s[:160] + "..."
	}
	return s
}

// rateLimitGate runs last so earlier blocks never count against the
// window. It is the only gate that mutates state on every pass.
type rateLimitGate struct{}

func (g *rateLimitGate) Name() string { return "RATE LIMIT" }
func (g *rateLimitGate) Number() int  { return 17 }
func (g *rateLimitGate) Tier() Tier   { return TierQuality }

const (
	rateWindowSeconds = 120
	rateWindowCap     = 200
)

func (g *rateLimitGate) Check(req *Request) *Result {
	if isAnalyticsTool(req.Tool) {
		return nil
	}

	now := epoch(req.Now)
	cutoff := now - rateWindowSeconds

	kept := req.State.RateWindowTimestamps[:0]
	for _, ts := range req.State.RateWindowTimestamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	if len(kept) > rateWindowCap {
		kept = kept[len(kept)-rateWindowCap:]
	}
	req.State.RateWindowTimestamps = kept

	callsPerMin := len(kept)
	denyAt := int(req.State.TuneOrDefault("rate_limit_deny", 60))
	warnAt := int(req.State.TuneOrDefault("rate_limit_warn", 40))

	if callsPerMin > denyAt {
		return block(17, g.Name(),
			"%d calls/min exceeds the limit of %d. Pause, review the last outputs, and slow down.", callsPerMin, denyAt)
	}
	if callsPerMin > warnAt {
		return warn(17, g.Name(), "%d calls/min is approaching the limit of %d.", callsPerMin, denyAt)
	}
	return nil
}

// isAnalyticsTool reports whether a tool is a read-only analytics
// surface that should not count against the rate window.
func isAnalyticsTool(tool string) bool {
	return strings.HasPrefix(tool, "mcp__analytics") || tool == "analytics"
}
