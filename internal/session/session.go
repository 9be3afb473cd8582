// Package session implements the lifecycle boundaries. Start rotates
// the audit log, drains both persistent queues into the gateway, and
// assembles the boot context from memory. End renders a handoff
// digest, remembers it, resets verification bookkeeping, and releases
// the session's file claims.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/claims"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/memory"
	"github.com/wardenhq/warden/internal/state"
	"github.com/wardenhq/warden/internal/tracker"
)

// behavioralQuery is the fixed second boot query: corrections the user
// made in earlier sessions, so the same mistake is not made twice.
const behavioralQuery = "user correction wrong approach mistake do not repeat"

// bootQueryLimit is how many hits each boot query may contribute.
const bootQueryLimit = 5

// Gateway is the slice of the memory client the lifecycle needs.
type Gateway interface {
	Query(collection, query string, limit int) ([]memory.Hit, error)
	Remember(p memory.RememberParams) error
	FlushQueue() (int, error)
}

// Summarizer is the optional model-backed digest writer.
type Summarizer interface {
	Summarize(ctx context.Context, notes string) (string, error)
}

// Config wires a Manager.
type Config struct {
	Config *config.Config
	// Gateway may be nil; every use is fail-open.
	Gateway Gateway
	// Summarizer may be nil; the heuristic digest is used instead.
	Summarizer Summarizer
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Manager runs the lifecycle operations against one config snapshot.
type Manager struct {
	cfg        *config.Config
	gateway    Gateway
	summarizer Summarizer
	log        zerolog.Logger
	now        func() time.Time
}

// New builds a manager.
func New(cfg Config) *Manager {
	m := &Manager{
		cfg:        cfg.Config,
		gateway:    cfg.Gateway,
		summarizer: cfg.Summarizer,
		log:        cfg.Logger,
		now:        cfg.Now,
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// BootContext is what Start hands the host for injection into the
// agent's opening prompt.
type BootContext struct {
	SessionID string
	// Delivered counts remember-queue records pushed to the gateway.
	Delivered int
	// Flushed counts capture-queue lines the gateway drained.
	Flushed int
	// Memories are the merged boot-query hits, deduplicated by id.
	Memories []memory.Hit
}

// Start runs the session boot sequence. Every step is fail-open: a
// down gateway yields an empty boot context, never an error the host
// would surface.
func (m *Manager) Start(ctx context.Context, sessionID string) (*BootContext, error) {
	bc := &BootContext{SessionID: sessionID}

	if log, err := audit.NewLog(m.cfg.AuditDir); err == nil {
		if err := log.Rotate(false); err != nil {
			m.log.Warn().Err(err).Msg("audit rotation failed")
		}
	}

	if m.gateway != nil {
		bc.Flushed = m.flushCaptureQueue()
		bc.Delivered = m.drainRememberQueue()
	}

	store, err := state.NewStore(m.cfg.StateDir)
	if err != nil {
		return bc, fmt.Errorf("opening state store: %w", err)
	}
	s, err := store.Load(sessionID)
	if err != nil {
		return bc, fmt.Errorf("loading session state: %w", err)
	}

	if m.gateway != nil {
		bc.Memories = m.bootMemories(s)
	}

	// Boot queries count as memory contact; stamp both freshness
	// signals so the first edits of the session clear the memory gate.
	ts := float64(m.now().UnixNano()) / float64(time.Second)
	if _, err := store.Update(sessionID, func(s *state.SessionState) error {
		s.MemoryLastQueried = ts
		return nil
	}); err != nil {
		m.log.Warn().Err(err).Msg("stamping memory freshness failed")
	}
	sb := &state.Sideband{Path: m.cfg.SidebandPath}
	if err := sb.Write(ts); err != nil {
		m.log.Warn().Err(err).Msg("writing sideband failed")
	}

	return bc, nil
}

// NoteMemoryQuery records a memory query made through the public
// surface: the sideband freshness file is refreshed, and a query
// against fix_outcomes additionally stamps the session's fix-history
// timestamp so the causal-chain check can clear.
func NoteMemoryQuery(cfg *config.Config, sessionID, collection string, now time.Time) error {
	ts := float64(now.UnixNano()) / float64(time.Second)
	sb := &state.Sideband{Path: cfg.SidebandPath}
	if err := sb.Write(ts); err != nil {
		return fmt.Errorf("writing sideband: %w", err)
	}
	if collection != memory.CollectionFixOutcomes {
		return nil
	}

	store, err := state.NewStore(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	if _, err := store.Update(sessionID, func(s *state.SessionState) error {
		s.FixHistoryQueried = ts
		s.MemoryLastQueried = ts
		return nil
	}); err != nil {
		return fmt.Errorf("stamping fix history: %w", err)
	}
	return nil
}

// flushCaptureQueue asks the gateway to drain the observation queue.
func (m *Manager) flushCaptureQueue() int {
	n, err := m.gateway.FlushQueue()
	if err != nil {
		m.log.Warn().Err(err).Msg("capture queue flush failed")
		return 0
	}
	return n
}

// drainRememberQueue pushes queued auto-remember records into the
// gateway. The queue file is cleared only after every record landed;
// a mid-drain failure keeps the remainder for the next boot.
func (m *Manager) drainRememberQueue() int {
	records, err := tracker.ReadRememberQueue(m.cfg.RememberPath)
	if err != nil {
		m.log.Warn().Err(err).Msg("reading remember queue failed")
		return 0
	}
	if len(records) == 0 {
		return 0
	}

	for i, rec := range records {
		if err := m.gateway.Remember(rec); err != nil {
			m.log.Warn().Err(err).Int("delivered", i).Msg("remember queue drain interrupted")
			return i
		}
	}
	if err := tracker.ClearRememberQueue(m.cfg.RememberPath); err != nil {
		m.log.Warn().Err(err).Msg("clearing remember queue failed")
	}
	return len(records)
}

// bootMemories runs the project-context query and the fixed behavioral
// query, merging hits by id with order preserved.
func (m *Manager) bootMemories(s *state.SessionState) []memory.Hit {
	var hits []memory.Hit
	seen := map[string]bool{}

	for _, q := range []string{projectQuery(s), behavioralQuery} {
		found, err := m.gateway.Query(memory.CollectionKnowledge, q, bootQueryLimit)
		if err != nil {
			m.log.Warn().Err(err).Msg("boot query failed")
			continue
		}
		for _, h := range found {
			if h.ID == "" || seen[h.ID] {
				continue
			}
			seen[h.ID] = true
			hits = append(hits, h)
		}
	}
	return hits
}

// projectQuery assembles the first boot query from the handoff fields
// of the prior run. A blank document falls back to a generic probe.
func projectQuery(s *state.SessionState) string {
	parts := make([]string, 0, 4)
	for _, f := range []string{s.Project, s.Feature, s.WhatWasDone, s.NextSteps} {
		if f = strings.TrimSpace(f); f != "" {
			parts = append(parts, f)
		}
	}
	if len(parts) == 0 {
		return "project context recent work next steps"
	}
	return strings.Join(parts, " ")
}

// Render formats the boot context for prompt injection. Empty contexts
// render to an empty string so the host injects nothing.
func (bc *BootContext) Render() string {
	if len(bc.Memories) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant memory from previous sessions:\n")
	for _, h := range bc.Memories {
		text := strings.TrimSpace(h.Text)
		if len(text) > 300 {
			text = text[:300]
		}
		fmt.Fprintf(&b, "- %s\n", text)
	}
	return b.String()
}

// End runs the session shutdown sequence and returns the handoff
// digest. Cleanup steps run even when the digest cannot be stored.
func (m *Manager) End(ctx context.Context, sessionID string) (string, error) {
	store, err := state.NewStore(m.cfg.StateDir)
	if err != nil {
		return "", fmt.Errorf("opening state store: %w", err)
	}

	var digest string
	ts := float64(m.now().UnixNano()) / float64(time.Second)
	if _, err := store.Update(sessionID, func(s *state.SessionState) error {
		digest = m.digest(ctx, s)
		// The next session starts with a clean verification slate; stale
		// pending entries would poison its confidence checks.
		s.PendingVerification = []string{}
		s.EditStreak = map[string]int{}
		s.FixingError = false
		s.RecentTestFailure = nil
		return nil
	}); err != nil {
		return "", fmt.Errorf("closing session state: %w", err)
	}

	if digest != "" {
		m.rememberDigest(sessionID, digest, ts)
	}

	if err := claims.NewRegistry(m.cfg.ClaimsPath).ReleaseSession(sessionID); err != nil {
		m.log.Warn().Err(err).Msg("releasing claims failed")
	}
	return digest, nil
}

// digest prefers the model-backed summarizer and falls back to the
// heuristic rendering on any failure.
func (m *Manager) digest(ctx context.Context, s *state.SessionState) string {
	notes := heuristicDigest(s)
	if m.summarizer == nil {
		return notes
	}
	out, err := m.summarizer.Summarize(ctx, notes)
	if err != nil {
		m.log.Warn().Err(err).Msg("summarizer unavailable, using heuristic digest")
		return notes
	}
	return out
}

// heuristicDigest renders the handoff from state alone.
func heuristicDigest(s *state.SessionState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s: %d tool calls, %d files read, %d edits pending verification.\n",
		s.SessionID, s.ToolCallCount, len(s.FilesRead), len(s.PendingVerification))
	if s.Project != "" || s.Feature != "" {
		fmt.Fprintf(&b, "Working on: %s %s\n", s.Project, s.Feature)
	}
	if s.WhatWasDone != "" {
		fmt.Fprintf(&b, "Done: %s\n", s.WhatWasDone)
	}
	if s.NextSteps != "" {
		fmt.Fprintf(&b, "Next: %s\n", s.NextSteps)
	}
	if s.LastTestCommand != "" {
		fmt.Fprintf(&b, "Last test: `%s` (exit %d)\n", s.LastTestCommand, s.LastTestExitCode)
	}
	if n := len(s.PendingVerification); n > 0 {
		files := s.PendingVerification
		if len(files) > 5 {
			files = files[:5]
		}
		fmt.Fprintf(&b, "Unverified: %s\n", strings.Join(files, ", "))
	}
	return strings.TrimSpace(b.String())
}

// rememberDigest stores the handoff, preferring the gateway and
// falling back to the queue file for the next boot to drain.
func (m *Manager) rememberDigest(sessionID, digest string, ts float64) {
	params := memory.RememberParams{
		Text: digest,
		Metadata: map[string]string{
			"session": sessionID,
			"kind":    "handoff",
		},
	}
	if m.gateway != nil {
		if err := m.gateway.Remember(params); err == nil {
			return
		}
	}
	if err := tracker.AppendRememberQueue(m.cfg.RememberPath, params, false, ts); err != nil {
		m.log.Warn().Err(err).Msg("queueing handoff digest failed")
	}
}
