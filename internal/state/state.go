// Package state owns the per-session JSON document that every other
// component reads and mutates, plus the sideband files shared across
// sessions. Writes are atomic (temp file + rename) and serialized
// through an advisory file lock.
package state

import (
	"time"
)

// ErrorWindow tracks the most recent occurrence of one error pattern so
// repeats inside the dedup window are suppressed.
type ErrorWindow struct {
	LastSeen float64 `json:"last_seen"`
	Count    int     `json:"count"`
}

// TestFailure captures the signature of the most recent failing test
// command. Gates use it to steer the agent toward fix history.
type TestFailure struct {
	Pattern   string  `json:"pattern"`
	Hash      string  `json:"hash"`
	Timestamp float64 `json:"timestamp"`
}

// SessionState is the home document of the runtime, one per session id.
// Gates and the tracker mutate it in memory; the store persists it once
// per hook invocation.
type SessionState struct {
	SessionID    string  `json:"session_id"`
	SessionStart float64 `json:"session_start"`

	// Read/edit/verify bookkeeping.
	FilesRead           []string           `json:"files_read"`
	PendingVerification []string           `json:"pending_verification"`
	VerificationScores  map[string]float64 `json:"verification_scores"`
	EditStreak          map[string]int     `json:"edit_streak"`

	// Call accounting.
	ToolCallCount        int            `json:"tool_call_count"`
	ToolCallCounts       map[string]int `json:"tool_call_counts"`
	EstimatedTokens      int            `json:"estimated_tokens"`
	RateWindowTimestamps []float64      `json:"rate_window_timestamps"`

	// Test freshness.
	LastTestRun         float64 `json:"last_test_run"`
	LastTestExitCode    int     `json:"last_test_exit_code"`
	LastTestCommand     string  `json:"last_test_command"`
	SessionTestBaseline bool    `json:"session_test_baseline"`

	// Error detection ring buffer with same-pattern dedup.
	UnloggedErrors     []string                `json:"unlogged_errors"`
	ErrorPatternCounts map[string]int          `json:"error_pattern_counts"`
	ErrorWindows       map[string]*ErrorWindow `json:"error_windows"`

	// Active-fix context.
	RecentTestFailure *TestFailure `json:"recent_test_failure,omitempty"`
	FixHistoryQueried float64      `json:"fix_history_queried"`
	FixingError       bool         `json:"fixing_error"`
	CurrentStrategyID string       `json:"current_strategy_id"`
	BannedStrategies  []string     `json:"banned_strategies"`

	// Memory freshness (the sideband file may be newer; readers take
	// the max of the two).
	MemoryLastQueried float64 `json:"memory_last_queried"`

	// Per-session counters consumed by gates.
	AutoRememberCount       int                `json:"auto_remember_count"`
	Gate4Exemptions         int                `json:"gate4_exemptions"`
	ConfidenceWarnings      map[string]int     `json:"confidence_warnings_per_file"`
	ConfidenceSignalsWarned map[string]bool    `json:"confidence_signals_warned"`
	CodeQualityWarnings     map[string]int     `json:"code_quality_warnings_per_file"`
	AnalyticsLastSuggestion map[string]float64 `json:"analytics_last_suggestion"`

	// Fields written by mentor modules, read by the advisory gate.
	MentorLastScore         float64 `json:"mentor_last_score"`
	MentorLastVerdict       string  `json:"mentor_last_verdict"`
	MentorEscalationCount   int     `json:"mentor_escalation_count"`
	MentorChainScore        float64 `json:"mentor_chain_score"`
	MentorChainPattern      string  `json:"mentor_chain_pattern"`
	MentorMemoryMatch       string  `json:"mentor_memory_match"`
	MentorHistoricalContext string  `json:"mentor_historical_context"`
	MentorWarnedThisCycle   bool    `json:"mentor_warned_this_cycle"`

	// Per-gate numeric overrides (thresholds/windows).
	GateTuneOverrides map[string]float64 `json:"gate_tune_overrides"`

	// Session handoff fields recognized at lifecycle boundaries.
	Project     string `json:"project,omitempty"`
	Feature     string `json:"feature,omitempty"`
	WhatWasDone string `json:"what_was_done,omitempty"`
	NextSteps   string `json:"next_steps,omitempty"`
}

// NewSessionState returns a fresh state document with all maps
// initialized so callers never have to nil-check before writing.
func NewSessionState(sessionID string) *SessionState {
	return &SessionState{
		SessionID:               sessionID,
		SessionStart:            float64(time.Now().Unix()),
		FilesRead:               []string{},
		PendingVerification:     []string{},
		VerificationScores:      map[string]float64{},
		EditStreak:              map[string]int{},
		ToolCallCounts:          map[string]int{},
		RateWindowTimestamps:    []float64{},
		UnloggedErrors:          []string{},
		ErrorPatternCounts:      map[string]int{},
		ErrorWindows:            map[string]*ErrorWindow{},
		BannedStrategies:        []string{},
		ConfidenceWarnings:      map[string]int{},
		ConfidenceSignalsWarned: map[string]bool{},
		CodeQualityWarnings:     map[string]int{},
		AnalyticsLastSuggestion: map[string]float64{},
		MentorLastScore:         0.7,
		MentorChainScore:        0.7,
		GateTuneOverrides:       map[string]float64{},
	}
}

// normalize repairs nil maps/slices after JSON decoding so a document
// written by an older build never panics a newer gate.
func (s *SessionState) normalize() {
	if s.FilesRead == nil {
		s.FilesRead = []string{}
	}
	if s.PendingVerification == nil {
		s.PendingVerification = []string{}
	}
	if s.VerificationScores == nil {
		s.VerificationScores = map[string]float64{}
	}
	if s.EditStreak == nil {
		s.EditStreak = map[string]int{}
	}
	if s.ToolCallCounts == nil {
		s.ToolCallCounts = map[string]int{}
	}
	if s.RateWindowTimestamps == nil {
		s.RateWindowTimestamps = []float64{}
	}
	if s.UnloggedErrors == nil {
		s.UnloggedErrors = []string{}
	}
	if s.ErrorPatternCounts == nil {
		s.ErrorPatternCounts = map[string]int{}
	}
	if s.ErrorWindows == nil {
		s.ErrorWindows = map[string]*ErrorWindow{}
	}
	if s.BannedStrategies == nil {
		s.BannedStrategies = []string{}
	}
	if s.ConfidenceWarnings == nil {
		s.ConfidenceWarnings = map[string]int{}
	}
	if s.ConfidenceSignalsWarned == nil {
		s.ConfidenceSignalsWarned = map[string]bool{}
	}
	if s.CodeQualityWarnings == nil {
		s.CodeQualityWarnings = map[string]int{}
	}
	if s.AnalyticsLastSuggestion == nil {
		s.AnalyticsLastSuggestion = map[string]float64{}
	}
	if s.GateTuneOverrides == nil {
		s.GateTuneOverrides = map[string]float64{}
	}
}

// HasRead reports whether path was recorded as read this session.
func (s *SessionState) HasRead(path string) bool {
	for _, p := range s.FilesRead {
		if p == path {
			return true
		}
	}
	return false
}

// RecordRead adds path to the files-read set.
func (s *SessionState) RecordRead(path string) {
	if !s.HasRead(path) {
		s.FilesRead = append(s.FilesRead, path)
	}
}

// IsPendingVerification reports whether path has unverified edits.
func (s *SessionState) IsPendingVerification(path string) bool {
	for _, p := range s.PendingVerification {
		if p == path {
			return true
		}
	}
	return false
}

// MarkEdited records an edit to path: it joins the pending list, its
// streak grows, and any prior verification score is discarded.
func (s *SessionState) MarkEdited(path string) {
	if !s.IsPendingVerification(path) {
		s.PendingVerification = append(s.PendingVerification, path)
	}
	s.EditStreak[path]++
	s.VerificationScores[path] = 0
}

// ClearVerification removes path from the pending list and resets its
// streak. Called when a verify-event produces evidence for the file.
func (s *SessionState) ClearVerification(path string, score float64) {
	kept := s.PendingVerification[:0]
	for _, p := range s.PendingVerification {
		if p != path {
			kept = append(kept, p)
		}
	}
	s.PendingVerification = kept
	delete(s.EditStreak, path)
	s.VerificationScores[path] = score
}

// ClearAllVerification wipes the pending list and every edit streak.
// Broad test commands earn this.
func (s *SessionState) ClearAllVerification() {
	for _, p := range s.PendingVerification {
		s.VerificationScores[p] = 1.0
	}
	s.PendingVerification = []string{}
	s.EditStreak = map[string]int{}
}

// EffectiveUnverified counts pending files, with partially-scored files
// weighing 0.5.
func (s *SessionState) EffectiveUnverified() float64 {
	total := 0.0
	for _, p := range s.PendingVerification {
		if score, ok := s.VerificationScores[p]; ok && score > 0 && score < 1 {
			total += 0.5
		} else {
			total += 1.0
		}
	}
	return total
}

// TuneOrDefault returns the per-gate override for key when present,
// otherwise def.
func (s *SessionState) TuneOrDefault(key string, def float64) float64 {
	if v, ok := s.GateTuneOverrides[key]; ok {
		return v
	}
	return def
}
