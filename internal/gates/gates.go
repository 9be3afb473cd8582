// Package gates implements the pre-tool policy pipeline: an ordered
// list of independent gate modules, each deciding allow/warn/ask/block
// for one attempted tool call against a snapshot of session state.
//
// The registry order is the single source of truth. Safety gates run
// first, quality gates next, and the rate limiter runs last so that
// blocks from earlier gates never inflate the rate window.
package gates

import (
	"fmt"
	"os"
	"time"

	"github.com/wardenhq/warden/internal/claims"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/state"
)

// Tier classifies a gate's failure mode. Tier 1 gates fail closed: a
// crash inside one blocks the call. Tier 2 and 3 gates fail open.
type Tier int

const (
	TierSafety   Tier = 1
	TierQuality  Tier = 2
	TierAdvisory Tier = 3
)

// Severity grades a result for logging.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Escalation is the decision level of a gate result. Only ask and block
// translate to host-visible decisions.
type Escalation string

const (
	EscalationAllow Escalation = "allow"
	EscalationWarn  Escalation = "warn"
	EscalationAsk   Escalation = "ask"
	EscalationBlock Escalation = "block"
)

// Result is the outcome of one gate check.
type Result struct {
	Blocked    bool
	Message    string
	GateName   string
	Severity   Severity
	DurationMS float64
	Metadata   map[string]string
	Escalation Escalation
}

// Request is one pre-tool event plus the mutable session state. Gates
// may mutate State; the caller persists it once after the pipeline.
type Request struct {
	Event     string
	Tool      string
	Input     map[string]any
	SessionID string
	State     *state.SessionState

	// MemoryFreshness is the most recent memory-query timestamp in
	// epoch seconds, already folded with the sideband signal.
	MemoryFreshness float64

	Now time.Time
}

// Gate is one policy module. Check must not panic by contract; the
// pipeline still recovers according to the gate's tier.
type Gate interface {
	Name() string
	Number() int
	Tier() Tier
	Check(req *Request) *Result
}

// Outcome is the folded pipeline decision.
type Outcome struct {
	Decision Escalation
	Reason   string
	GateName string
	Warnings []string
	Results  []*Result
}

// Config wires a Pipeline.
type Config struct {
	// Claims is the cross-session file-claim registry; nil disables the
	// workspace isolation gate.
	Claims *claims.Registry
	// Toggles is the live-state snapshot for this invocation.
	Toggles config.LiveState
	// AllowedModels restricts sub-agent model selection when non-empty
	// (prefix match).
	AllowedModels []string
	// Now is injectable for tests.
	Now func() time.Time
}

// Pipeline evaluates the registered gates in order.
type Pipeline struct {
	gates         []Gate
	claims        *claims.Registry
	toggles       config.LiveState
	allowedModels []string
	now           func() time.Time
}

// NewPipeline builds the pipeline with the full gate registry.
func NewPipeline(cfg Config) *Pipeline {
	p := &Pipeline{
		claims:        cfg.Claims,
		toggles:       cfg.Toggles,
		allowedModels: cfg.AllowedModels,
		now:           cfg.Now,
	}
	if p.now == nil {
		p.now = time.Now
	}
	p.gates = registry(p)
	return p
}

// registry is the fixed gate order. Do not reorder: safety first, then
// quality, rate limit last.
func registry(p *Pipeline) []Gate {
	return []Gate{
		&readBeforeEditGate{},
		&noDestroyGate{},
		&testBeforeDeployGate{},
		&memoryFirstGate{},
		&proofBeforeFixedGate{},
		&saveFixGate{},
		&criticalFileGate{},
		&strategyBanGate{},
		&modelEnforcementGate{allowed: p.allowedModels},
		&workspaceIsolationGate{claims: p.claims},
		&confidenceGate{},
		&causalChainGate{},
		&codeQualityGate{},
		&injectionDefenseGate{},
		&canaryGate{},
		&hindsightGate{enabled: p.toggles.MentorHindsightGate},
		&rateLimitGate{},
	}
}

// Gates returns the registry for introspection (status output, tests).
func (p *Pipeline) Gates() []Gate { return p.gates }

// Evaluate runs every gate in order against req. The first block or
// ask result terminates the pipeline with that outcome; warnings
// accumulate without short-circuiting.
func (p *Pipeline) Evaluate(req *Request) *Outcome {
	if req.Now.IsZero() {
		req.Now = p.now()
	}

	out := &Outcome{Decision: EscalationAllow}
	for _, g := range p.gates {
		res := p.checkGate(g, req)
		if res == nil {
			continue
		}
		out.Results = append(out.Results, res)

		switch res.Escalation {
		case EscalationBlock, EscalationAsk:
			out.Decision = res.Escalation
			out.Reason = res.Message
			out.GateName = res.GateName
			return out
		case EscalationWarn:
			out.Warnings = append(out.Warnings, res.Message)
		}
	}
	return out
}

// checkGate runs one gate with tier-appropriate crash handling: a
// panicking safety gate blocks the call, a panicking quality or
// advisory gate is logged and treated as allow.
func (p *Pipeline) checkGate(g Gate, req *Request) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "[GATE %d: %s] internal failure: %v\n", g.Number(), g.Name(), r)
			if g.Tier() == TierSafety {
				res = &Result{
					Blocked:    true,
					GateName:   g.Name(),
					Severity:   SeverityCritical,
					Escalation: EscalationBlock,
					Message:    fmt.Sprintf("[GATE %d: %s] BLOCKED: safety gate failed internally; refusing the call", g.Number(), g.Name()),
				}
			} else {
				res = nil
			}
		}
	}()

	start := time.Now()
	res = g.Check(req)
	if res != nil {
		res.DurationMS = float64(time.Since(start)) / float64(time.Millisecond)
		if res.GateName == "" {
			res.GateName = g.Name()
		}
		if res.Escalation == "" {
			if res.Blocked {
				res.Escalation = EscalationBlock
			} else {
				res.Escalation = EscalationAllow
			}
		}
	}
	return res
}

// block builds a deny result with the standard message prefix.
func block(num int, name, format string, args ...any) *Result {
	return &Result{
		Blocked:    true,
		GateName:   name,
		Severity:   SeverityError,
		Escalation: EscalationBlock,
		Message:    fmt.Sprintf("[GATE %d: %s] BLOCKED: %s", num, name, fmt.Sprintf(format, args...)),
	}
}

// warn builds an advisory result. Warnings go to stderr with the same
// prefix as denials.
func warn(num int, name, format string, args ...any) *Result {
	return &Result{
		GateName:   name,
		Severity:   SeverityWarn,
		Escalation: EscalationWarn,
		Message:    fmt.Sprintf("[GATE %d: %s] %s", num, name, fmt.Sprintf(format, args...)),
	}
}

// inputStr pulls a string field out of the tool input.
func inputStr(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

// editTool reports whether tool mutates a file.
func editTool(tool string) bool {
	switch tool {
	case "Edit", "Write", "NotebookEdit":
		return true
	}
	return false
}

// epoch converts a time to float seconds, the unit the state document
// stores timestamps in.
func epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
