package tracker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wardenhq/warden/internal/hooks"
	"github.com/wardenhq/warden/internal/memory"
	"github.com/wardenhq/warden/internal/state"
)

// MaxAutoRememberPerSession bounds how many records one session may
// enqueue.
const MaxAutoRememberPerSession = 10

// rememberRecord is one line of the persistent auto-remember queue,
// drained into the gateway at session start.
type rememberRecord struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Critical bool              `json:"critical"`
	TS       float64           `json:"ts"`
}

// autoRemember is duty 5: a small allow-list of events worth keeping
// across sessions. Critical records try the gateway immediately and
// fall back to the queue file; everything else goes straight to the
// queue.
func (t *Tracker) autoRemember(in *hooks.Input, s *state.SessionState, ts float64, prevFailure *state.TestFailure, wasFixing bool) {
	if s.AutoRememberCount >= MaxAutoRememberPerSession {
		return
	}

	rec, ok := t.rememberable(in, s, ts, prevFailure, wasFixing)
	if !ok {
		return
	}
	s.AutoRememberCount++

	if rec.Critical && t.memory != nil {
		err := t.memory.Remember(memory.RememberParams{
			Text:     rec.Text,
			Metadata: rec.Metadata,
		})
		if err == nil {
			return
		}
		// Gateway down: the queue file is the durable fallback.
	}
	t.enqueueRemember(rec)
}

// rememberable implements the event allow-list: confirmed fixes and
// session handoff notes.
func (t *Tracker) rememberable(in *hooks.Input, s *state.SessionState, ts float64, prevFailure *state.TestFailure, wasFixing bool) (rememberRecord, bool) {
	// A tracked test failure that this very event flipped to green is
	// the single most valuable thing to carry across sessions.
	if in.ToolName == "Bash" && wasFixing && !s.FixingError && prevFailure != nil && s.LastTestExitCode == 0 {
		cmd := strField(in.ToolInput, "command")
		return rememberRecord{
			Text: fmt.Sprintf("Fixed %q; confirmed by `%s`.", prevFailure.Pattern, firstLine(cmd)),
			Metadata: map[string]string{
				"session": s.SessionID,
				"kind":    "fix_confirmed",
				"errsig":  prevFailure.Hash,
			},
			Critical: true,
			TS:       ts,
		}, true
	}

	// Handoff notes written by the agent are remembered verbatim.
	if in.ToolName == "Write" {
		path := strField(in.ToolInput, "file_path")
		if filepath.Base(path) == "HANDOFF.md" {
			content := strings.TrimSpace(strField(in.ToolInput, "content"))
			if content != "" {
				if len(content) > 2000 {
					content = content[:2000]
				}
				return rememberRecord{
					Text: content,
					Metadata: map[string]string{
						"session": s.SessionID,
						"kind":    "handoff",
					},
					TS: ts,
				}, true
			}
		}
	}

	return rememberRecord{}, false
}

// enqueueRemember appends one record to the queue file. Failures drop
// the record; remembering is best-effort.
func (t *Tracker) enqueueRemember(rec rememberRecord) {
	if t.rememberPath == "" {
		return
	}
	_ = appendRememberLine(t.rememberPath, rec)
}

// AppendRememberQueue adds one record for the next session-start drain.
// Used by callers outside the tracker, like the session-end handoff.
func AppendRememberQueue(path string, p memory.RememberParams, critical bool, ts float64) error {
	return appendRememberLine(path, rememberRecord{
		Text:     p.Text,
		Metadata: p.Metadata,
		Critical: critical,
		TS:       ts,
	})
}

func appendRememberLine(path string, rec rememberRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("serializing remember record: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening remember queue: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending remember record: %w", err)
	}
	return nil
}

// ReadRememberQueue loads and clears the queue file. Used by the
// session-start drain.
func ReadRememberQueue(path string) ([]memory.RememberParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading remember queue: %w", err)
	}

	var out []memory.RememberParams
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var rec rememberRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		out = append(out, memory.RememberParams{Text: rec.Text, Metadata: rec.Metadata})
	}
	return out, nil
}

// ClearRememberQueue deletes the queue file after a successful drain.
func ClearRememberQueue(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
