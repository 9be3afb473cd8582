// Package runner executes one hook event end to end: parse the
// payload, update session state under its lock, run the gate pipeline
// or the tracker, append the audit record, and render the decision.
// Both the inline hook commands and the fast-path daemon call into it,
// so the two paths cannot drift apart.
package runner

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/breaker"
	"github.com/wardenhq/warden/internal/claims"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/gates"
	"github.com/wardenhq/warden/internal/hooks"
	"github.com/wardenhq/warden/internal/memory"
	"github.com/wardenhq/warden/internal/observe"
	"github.com/wardenhq/warden/internal/state"
	"github.com/wardenhq/warden/internal/tracker"
)

// Result is what one hook run hands back to the host process: the exit
// code plus whatever belongs on each stream. Decision documents go on
// stdout; warnings and mentor nudges go on stderr.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner wires the full hook path against one config snapshot.
type Runner struct {
	cfg     *config.Config
	toggles config.LiveState
	now     func() time.Time
}

// New builds a runner. Toggles are a point-in-time snapshot; long-lived
// callers construct a fresh Runner per event from their live watcher.
func New(cfg *config.Config, toggles config.LiveState) *Runner {
	return &Runner{cfg: cfg, toggles: toggles, now: time.Now}
}

// PreTool evaluates the gate pipeline for one raw pre-tool payload.
// Every failure mode outside the pipeline itself is fail-open: the
// worst the runtime may do to a healthy tool call is stay silent.
func (r *Runner) PreTool(raw []byte) (res *Result) {
	res = &Result{}
	defer func() {
		if rec := recover(); rec != nil {
			res = &Result{Stderr: fmt.Sprintf("warden: pre-tool hook crashed: %v\n", rec)}
		}
	}()

	in, err := hooks.ParseInput(bytes.NewReader(raw))
	if err != nil {
		res.Stderr = fmt.Sprintf("warden: %v\n", err)
		return res
	}
	if in.ToolName == "" {
		return res
	}

	store, err := state.NewStore(r.cfg.StateDir)
	if err != nil {
		res.Stderr = fmt.Sprintf("warden: %v\n", err)
		return res
	}
	sideband := &state.Sideband{Path: r.cfg.SidebandPath}
	pipeline := gates.NewPipeline(gates.Config{
		Claims:        claims.NewRegistry(r.cfg.ClaimsPath),
		Toggles:       r.toggles,
		AllowedModels: r.cfg.AllowedModels,
		Now:           r.now,
	})

	var outcome *gates.Outcome
	if _, err := store.Update(in.SessionID, func(s *state.SessionState) error {
		outcome = pipeline.Evaluate(&gates.Request{
			Event:           in.HookEventName,
			Tool:            in.ToolName,
			Input:           in.ToolInput,
			SessionID:       in.SessionID,
			State:           s,
			MemoryFreshness: state.MemoryFreshness(s, sideband),
		})
		return nil
	}); err != nil {
		res.Stderr = fmt.Sprintf("warden: state update failed: %v\n", err)
		return res
	}

	r.auditOutcome(in, outcome)

	var errs strings.Builder
	for _, w := range outcome.Warnings {
		errs.WriteString(w)
		errs.WriteByte('\n')
	}
	res.Stderr = errs.String()

	switch outcome.Decision {
	case gates.EscalationBlock:
		res.Stdout = renderDecision(hooks.Deny(outcome.Reason))
	case gates.EscalationAsk:
		res.Stdout = renderDecision(hooks.Ask(outcome.Reason))
	}
	return res
}

// PostTool runs the tracker duties for one raw post-tool payload. The
// tracker never influences the host's decision, so the result carries
// at most stderr noise.
func (r *Runner) PostTool(raw []byte) (res *Result) {
	res = &Result{}
	defer func() {
		if rec := recover(); rec != nil {
			res = &Result{Stderr: fmt.Sprintf("warden: post-tool hook crashed: %v\n", rec)}
		}
	}()

	in, err := hooks.ParseInput(bytes.NewReader(raw))
	if err != nil {
		res.Stderr = fmt.Sprintf("warden: %v\n", err)
		return res
	}
	if in.ToolName == "" {
		return res
	}

	store, err := state.NewStore(r.cfg.StateDir)
	if err != nil {
		res.Stderr = fmt.Sprintf("warden: %v\n", err)
		return res
	}

	t := tracker.New(tracker.Config{
		Queue:        &observe.Queue{Path: r.cfg.QueuePath},
		RememberPath: r.cfg.RememberPath,
		Memory:       memory.NewClient(r.cfg.GatewaySocket, breaker.New(r.cfg.BreakerDir, "gateway")),
		Toggles:      r.toggles,
		Now:          r.now,
	})

	if _, err := store.Update(in.SessionID, func(s *state.SessionState) error {
		t.Track(in, s)
		return nil
	}); err != nil {
		res.Stderr = fmt.Sprintf("warden: state update failed: %v\n", err)
	}
	return res
}

// auditOutcome appends one decision record. Audit trouble never fails
// a hook.
func (r *Runner) auditOutcome(in *hooks.Input, out *gates.Outcome) {
	log, err := audit.NewLog(r.cfg.AuditDir)
	if err != nil {
		return
	}
	rec := &audit.Record{
		SessionID: in.SessionID,
		Tool:      in.ToolName,
		Gate:      out.GateName,
		Decision:  string(out.Decision),
		Message:   out.Reason,
	}
	if len(out.Warnings) > 0 && rec.Message == "" {
		rec.Message = strings.Join(out.Warnings, "; ")
	}
	_ = log.Append(rec)
}

func renderDecision(o *hooks.Output) string {
	var buf bytes.Buffer
	if err := o.Write(&buf); err != nil {
		return ""
	}
	return buf.String()
}
