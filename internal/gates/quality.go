package gates

import (
	"errors"
	"os"
	"regexp"
	"strings"

	"github.com/wardenhq/warden/internal/claims"
)

// readOnlySubagents are Task sub-agent types that only gather context
// and therefore skip the memory-first requirement.
var readOnlySubagents = []string{"explore", "search", "review", "reader", "plan"}

// memoryFirstGate requires a recent memory query before mutating work.
// Editing without consulting prior knowledge repeats old mistakes.
type memoryFirstGate struct{}

func (g *memoryFirstGate) Name() string { return "MEMORY FIRST" }
func (g *memoryFirstGate) Number() int  { return 4 }
func (g *memoryFirstGate) Tier() Tier   { return TierQuality }

func (g *memoryFirstGate) Check(req *Request) *Result {
	switch req.Tool {
	case "Edit", "Write", "NotebookEdit", "Task":
	default:
		return nil
	}

	if req.Tool == "Task" {
		sub := strings.ToLower(inputStr(req.Input, "subagent_type"))
		for _, ro := range readOnlySubagents {
			if strings.Contains(sub, ro) {
				return nil
			}
		}
	}

	path := inputStr(req.Input, "file_path")
	if path != "" && exemptFull(path) {
		return nil
	}

	window := req.State.TuneOrDefault("memory_first_window", 300)
	if req.Tool == "Write" {
		window = req.State.TuneOrDefault("memory_first_write_window", 600)
	}

	if req.MemoryFreshness == 0 {
		return block(4, g.Name(),
			"memory was never queried this session. Search memory for prior context before %s.", describeTarget(req))
	}

	// A brand-new file has no history to consult; one query at any
	// point in the session is enough.
	if req.Tool == "Write" && path != "" {
		if _, err := os.Stat(path); err != nil {
			req.State.Gate4Exemptions++
			return nil
		}
	}

	age := epoch(req.Now) - req.MemoryFreshness
	if age > window {
		return block(4, g.Name(),
			"last memory query was %.0f s ago (limit %.0f s). Search memory again before %s.", age, window, describeTarget(req))
	}
	return nil
}

func describeTarget(req *Request) string {
	if path := inputStr(req.Input, "file_path"); path != "" {
		return "editing " + path
	}
	return "dispatching work"
}

// proofBeforeFixedGate keeps edit streaks honest: repeated edits to the
// same file without a verify-event, or too many unverified files at
// once, stop the line.
type proofBeforeFixedGate struct{}

func (g *proofBeforeFixedGate) Name() string { return "PROOF BEFORE FIXED" }
func (g *proofBeforeFixedGate) Number() int  { return 5 }
func (g *proofBeforeFixedGate) Tier() Tier   { return TierQuality }

func (g *proofBeforeFixedGate) Check(req *Request) *Result {
	if !editTool(req.Tool) {
		return nil
	}
	path := inputStr(req.Input, "file_path")
	if path == "" || exemptStandard(path) {
		return nil
	}

	warnStreak := int(req.State.TuneOrDefault("proof_warn_streak", 3))
	denyStreak := int(req.State.TuneOrDefault("proof_deny_streak", 5))
	maxUnverified := req.State.TuneOrDefault("proof_max_unverified", 3)

	streak := req.State.EditStreak[path]
	if streak >= denyStreak {
		return block(5, g.Name(),
			"%d consecutive unverified edits to %s. Run the tests before editing again.", streak, path)
	}
	if unverified := req.State.EffectiveUnverified(); unverified >= maxUnverified {
		return block(5, g.Name(),
			"%.1f files carry unverified edits. Run the tests to prove your changes before touching more files.", unverified)
	}
	if streak >= warnStreak {
		return warn(5, g.Name(),
			"%d consecutive edits to %s without verification. Consider running the tests.", streak, path)
	}
	return nil
}

// saveFixGate nags when a fix has visibly landed (tests went green
// after a tracked failure) but was never saved to memory.
type saveFixGate struct{}

func (g *saveFixGate) Name() string { return "SAVE FIX" }
func (g *saveFixGate) Number() int  { return 6 }
func (g *saveFixGate) Tier() Tier   { return TierQuality }

func (g *saveFixGate) Check(req *Request) *Result {
	s := req.State
	if s.RecentTestFailure == nil || !s.FixingError {
		return nil
	}
	if s.LastTestExitCode == 0 && s.LastTestRun > s.RecentTestFailure.Timestamp {
		return warn(6, g.Name(),
			"the failing test (%s) now passes. Save the fix to memory (remember_this) so the next session benefits.", s.RecentTestFailure.Pattern)
	}
	return nil
}

// criticalPathPatterns match files where a mistake is expensive:
// credentials, pipelines, schema migrations, deployment manifests.
var criticalPathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(^|/)\.env(\.[A-Za-z0-9_.-]+)?$`),
	regexp.MustCompile(`(?i)(^|/)secrets?\.(ya?ml|json|toml)$`),
	regexp.MustCompile(`(^|/)\.github/workflows/`),
	regexp.MustCompile(`(^|/)migrations?/`),
	regexp.MustCompile(`(^|/)Dockerfile([._-][A-Za-z0-9]+)?$`),
	regexp.MustCompile(`(^|/)docker-compose[^/]*\.ya?ml$`),
	regexp.MustCompile(`(^|/)(terraform|infra|deploy)/`),
	regexp.MustCompile(`(^|/)settings\.(py|json)$`),
}

// criticalFileGate requires a very recent memory query before touching
// high-risk paths.
type criticalFileGate struct{}

func (g *criticalFileGate) Name() string { return "CRITICAL FILE" }
func (g *criticalFileGate) Number() int  { return 7 }
func (g *criticalFileGate) Tier() Tier   { return TierQuality }

func (g *criticalFileGate) Check(req *Request) *Result {
	if !editTool(req.Tool) {
		return nil
	}
	path := inputStr(req.Input, "file_path")
	if path == "" {
		return nil
	}
	norm := strings.ReplaceAll(path, "\\", "/")
	critical := false
	for _, re := range criticalPathPatterns {
		if re.MatchString(norm) {
			critical = true
			break
		}
	}
	if !critical {
		return nil
	}

	window := req.State.TuneOrDefault("critical_file_window", 300)
	age := epoch(req.Now) - req.MemoryFreshness
	if req.MemoryFreshness == 0 || age > window {
		return block(7, g.Name(),
			"%s is a high-risk file. Query memory for prior incidents touching it within the last %.0f s before editing.", path, window)
	}
	return nil
}

// strategyBanGate denies retrying an approach that already failed and
// was banned for this error.
type strategyBanGate struct{}

func (g *strategyBanGate) Name() string { return "STRATEGY BAN" }
func (g *strategyBanGate) Number() int  { return 8 }
func (g *strategyBanGate) Tier() Tier   { return TierQuality }

func (g *strategyBanGate) Check(req *Request) *Result {
	s := req.State
	if s.CurrentStrategyID == "" {
		return nil
	}
	for _, banned := range s.BannedStrategies {
		if banned == s.CurrentStrategyID {
			return block(8, g.Name(),
				"strategy %q already failed for this error and is banned. Query fix history and pick a different approach.", s.CurrentStrategyID)
		}
	}
	return nil
}

// modelEnforcementGate restricts which models sub-agents may be
// dispatched on when an allow-list is configured.
type modelEnforcementGate struct {
	allowed []string
}

func (g *modelEnforcementGate) Name() string { return "MODEL ENFORCEMENT" }
func (g *modelEnforcementGate) Number() int  { return 9 }
func (g *modelEnforcementGate) Tier() Tier   { return TierQuality }

func (g *modelEnforcementGate) Check(req *Request) *Result {
	if req.Tool != "Task" || len(g.allowed) == 0 {
		return nil
	}
	model := inputStr(req.Input, "model")
	if model == "" {
		return nil
	}
	for _, prefix := range g.allowed {
		if strings.HasPrefix(model, prefix) {
			return nil
		}
	}
	return block(9, g.Name(),
		"model %q is not on the allowed list (%s). Use an approved model or omit the model field.", model, strings.Join(g.allowed, ", "))
}

// workspaceIsolationGate rejects edits to files claimed by another live
// session. The solo session id is exempt; so is everything when claim
// lookup is contended (fail-open).
type workspaceIsolationGate struct {
	claims *claims.Registry
}

func (g *workspaceIsolationGate) Name() string { return "WORKSPACE ISOLATION" }
func (g *workspaceIsolationGate) Number() int  { return 10 }
func (g *workspaceIsolationGate) Tier() Tier   { return TierQuality }

func (g *workspaceIsolationGate) Check(req *Request) *Result {
	if !editTool(req.Tool) || g.claims == nil || req.SessionID == "main" {
		return nil
	}
	path := inputStr(req.Input, "file_path")
	if path == "" {
		return nil
	}

	holder, err := g.claims.Holder(path)
	if errors.Is(err, claims.ErrLockBusy) {
		return warn(10, g.Name(), "claims file busy; skipping the ownership check for %s.", path)
	}
	if err != nil || holder == "" || holder == req.SessionID || holder == "main" {
		return nil
	}
	return block(10, g.Name(),
		"%s is claimed by session %s. Coordinate or wait for the claim to expire (30 min).", path, holder)
}

// confidenceGate counts risk signals before an edit and escalates from
// warnings to a deny on the third risky attempt against one file.
type confidenceGate struct{}

func (g *confidenceGate) Name() string { return "CONFIDENCE CHECK" }
func (g *confidenceGate) Number() int  { return 11 }
func (g *confidenceGate) Tier() Tier   { return TierQuality }

func (g *confidenceGate) Check(req *Request) *Result {
	if !editTool(req.Tool) {
		return nil
	}
	path := inputStr(req.Input, "file_path")
	if path == "" || exemptStandard(path) {
		return nil
	}
	// Re-editing a file that is already pending verification is the
	// normal fix loop, not a new risk.
	if req.State.IsPendingVerification(path) {
		return nil
	}

	var signals []string
	if req.State.LastTestRun == 0 && !req.State.SessionTestBaseline {
		signals = append(signals, "no test run this session")
	}
	if len(req.State.PendingVerification) > 0 && !req.State.FixingError {
		signals = append(signals, "other files carry unverified edits")
	}
	if len(signals) == 0 {
		return nil
	}

	req.State.ConfidenceWarnings[path]++
	attempts := req.State.ConfidenceWarnings[path]
	if attempts >= 3 {
		return block(11, g.Name(),
			"third risky attempt on %s (%s). Establish a test baseline before continuing.", path, strings.Join(signals, "; "))
	}

	// Each signal warns once per session; later risky attempts still
	// count toward the deny but stay quiet until a new signal appears.
	var fresh []string
	for _, sig := range signals {
		if !req.State.ConfidenceSignalsWarned[sig] {
			req.State.ConfidenceSignalsWarned[sig] = true
			fresh = append(fresh, sig)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	return warn(11, g.Name(), "editing %s with risk signals: %s.", path, strings.Join(fresh, "; "))
}

// causalChainGate forces a fix-history lookup once a test failure is
// being actively fixed.
type causalChainGate struct{}

func (g *causalChainGate) Name() string { return "CAUSAL CHAIN" }
func (g *causalChainGate) Number() int  { return 12 }
func (g *causalChainGate) Tier() Tier   { return TierQuality }

func (g *causalChainGate) Check(req *Request) *Result {
	if !editTool(req.Tool) {
		return nil
	}
	s := req.State
	if s.RecentTestFailure == nil || !s.FixingError {
		return nil
	}
	window := s.TuneOrDefault("causal_chain_window", 300)
	if epoch(req.Now)-s.FixHistoryQueried > window {
		return block(12, g.Name(),
			"you are fixing %q but have not queried fix history in the last %.0f s. Search fix_outcomes for this error signature first.", s.RecentTestFailure.Pattern, window)
	}
	return nil
}

// qualityPatterns flag content smells in the text being written.
var qualityPatterns = []struct {
	re    *regexp.Regexp
	label string
}{
	{regexp.MustCompile(`(?i)(password|api_key|apikey|secret|token)\s*[:=]\s*["'][^"']{4,}["']`), "hardcoded secret"},
	{regexp.MustCompile(`(?m)^\s*(print\(|console\.log\(|debugger\b|binding\.pry\b)`), "debug print"},
	{regexp.MustCompile(`(?m)except\s*:\s*$|\bexcept\s+Exception\b|\bcatch\s*\(\s*(Exception|Throwable)\b`), "broad exception handler"},
	{regexp.MustCompile(`\b(TODO|FIXME|XXX|HACK)\b`), "unresolved marker"},
}

// codeQualityGate scans new content, warning per violation and denying
// after repeated escalation on the same file. A clean edit resets the
// file's counter.
type codeQualityGate struct{}

func (g *codeQualityGate) Name() string { return "CODE QUALITY" }
func (g *codeQualityGate) Number() int  { return 13 }
func (g *codeQualityGate) Tier() Tier   { return TierQuality }

func (g *codeQualityGate) Check(req *Request) *Result {
	if !editTool(req.Tool) {
		return nil
	}
	path := inputStr(req.Input, "file_path")
	if path == "" || exemptStandard(path) {
		return nil
	}
	content := inputStr(req.Input, "new_string") + inputStr(req.Input, "content")
	if content == "" {
		return nil
	}

	var found []string
	for _, p := range qualityPatterns {
		if p.re.MatchString(content) {
			found = append(found, p.label)
		}
	}
	if len(found) == 0 {
		delete(req.State.CodeQualityWarnings, path)
		return nil
	}

	req.State.CodeQualityWarnings[path] += len(found)
	total := req.State.CodeQualityWarnings[path]
	limit := int(req.State.TuneOrDefault("code_quality_limit", 3))
	if total > limit {
		return block(13, g.Name(),
			"%s has accumulated %d quality violations (%s). Clean the content up before writing it.", path, total, strings.Join(found, ", "))
	}
	return warn(13, g.Name(), "content for %s contains: %s.", path, strings.Join(found, ", "))
}
