package tracker

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/wardenhq/warden/internal/errsig"
	"github.com/wardenhq/warden/internal/hooks"
	"github.com/wardenhq/warden/internal/observe"
	"github.com/wardenhq/warden/internal/state"
)

// testCommandRes recognize test framework invocations in a shell
// command.
var testCommandRes = []*regexp.Regexp{
	regexp.MustCompile(`\bpytest\b`),
	regexp.MustCompile(`\bpython[23]?\s+-m\s+(pytest|unittest)\b`),
	regexp.MustCompile(`\bgo\s+test\b`),
	regexp.MustCompile(`\bnpm\s+(run\s+)?test\b`),
	regexp.MustCompile(`\b(yarn|pnpm)\s+test\b`),
	regexp.MustCompile(`\b(jest|vitest|mocha)\b`),
	regexp.MustCompile(`\bcargo\s+test\b`),
	regexp.MustCompile(`\b(rspec|rake\s+test)\b`),
	regexp.MustCompile(`\bphpunit\b`),
	regexp.MustCompile(`\bmvn\s+(test|verify)\b`),
	regexp.MustCompile(`\bgradle(w)?\s+test\b`),
	regexp.MustCompile(`\btox\b`),
	regexp.MustCompile(`\bmake\s+test\b`),
}

// lintCommandRes recognize linters and type checkers. They produce
// partial verification evidence.
var lintCommandRes = []*regexp.Regexp{
	regexp.MustCompile(`\b(ruff|flake8|pylint|mypy)\b`),
	regexp.MustCompile(`\beslint\b`),
	regexp.MustCompile(`\bgolangci-lint\b`),
	regexp.MustCompile(`\bgo\s+vet\b`),
	regexp.MustCompile(`\btsc\b`),
}

// broadTestPrefixes is the named allow-list of commands that count as
// running the whole suite. Matching one clears all verification state.
var broadTestPrefixes = []string{
	"pytest",
	"python -m pytest",
	"go test ./...",
	"npm test",
	"yarn test",
	"pnpm test",
	"cargo test",
	"make test",
	"tox",
	"rake test",
	"rspec",
}

// trackVerification is duty 2: test freshness, verify-events, edit
// bookkeeping, and the files-read set.
func (t *Tracker) trackVerification(in *hooks.Input, s *state.SessionState, ts float64, fresh bool) {
	switch in.ToolName {
	case "Bash":
		t.trackShell(in, s, ts)
	case "Edit", "Write", "NotebookEdit":
		path := strField(in.ToolInput, "file_path")
		if path == "" {
			return
		}
		if fresh {
			s.MarkEdited(path)
		} else if !s.IsPendingVerification(path) {
			// A replayed event still leaves the file pending, it just
			// does not grow the streak again.
			s.PendingVerification = append(s.PendingVerification, path)
			s.VerificationScores[path] = 0
		}
	case "Read":
		if path := strField(in.ToolInput, "file_path"); path != "" {
			s.RecordRead(observe.CanonicalPath(path))
		}
	}
}

func (t *Tracker) trackShell(in *hooks.Input, s *state.SessionState, ts float64) {
	cmd := strField(in.ToolInput, "command")
	if cmd == "" {
		return
	}

	isTest := matchesAny(cmd, testCommandRes)
	isLint := !isTest && matchesAny(cmd, lintCommandRes)
	if !isTest && !isLint {
		return
	}

	code, _ := exitCode(in.ToolResponse)

	if isTest {
		s.LastTestRun = ts
		s.LastTestCommand = firstLine(cmd)
		s.LastTestExitCode = code

		if code != 0 {
			text := responseText(in.ToolResponse)
			pattern, hash := errsig.Signature(firstErrorLine(text, cmd))
			s.RecentTestFailure = &state.TestFailure{
				Pattern:   pattern,
				Hash:      hash,
				Timestamp: ts,
			}
			s.FixingError = true
			return
		}

		if isBroadTest(cmd) {
			s.ClearAllVerification()
			s.SessionTestBaseline = true
			s.RecentTestFailure = nil
			s.FixingError = false
			return
		}
	}

	if code == 0 {
		// Targeted verify-event: clear markers for the files the
		// command names. Direct mentions earn a full score; a test file
		// naming the stem earns the implementation file a partial one.
		score := 1.0
		if isLint {
			score = 0.5
		}
		clearMentioned(s, cmd, score)
	}
}

// clearMentioned clears verification for pending files the command
// names, directly or through a related test file.
func clearMentioned(s *state.SessionState, cmd string, score float64) {
	tokens := strings.Fields(cmd)
	pending := append([]string(nil), s.PendingVerification...)
	for _, path := range pending {
		base := filepath.Base(path)
		stem := strings.TrimSuffix(base, filepath.Ext(base))
		for _, tok := range tokens {
			tokBase := filepath.Base(tok)
			switch {
			case tokBase == base || tok == path:
				s.ClearVerification(path, score)
			case strings.Contains(tokBase, stem) && stem != "":
				partial := score
				if partial > 0.5 {
					partial = 0.5
				}
				s.ClearVerification(path, partial)
			}
		}
	}
}

// isBroadTest reports whether cmd is on the whole-suite allow-list: the
// prefix matches and no file-looking argument narrows it.
func isBroadTest(cmd string) bool {
	trimmed := strings.TrimSpace(cmd)
	for _, prefix := range broadTestPrefixes {
		if trimmed == prefix {
			return true
		}
		if strings.HasPrefix(trimmed, prefix+" ") {
			rest := strings.TrimSpace(trimmed[len(prefix):])
			if !containsPathArg(rest) {
				return true
			}
		}
	}
	return false
}

func containsPathArg(args string) bool {
	for _, tok := range strings.Fields(args) {
		if strings.HasPrefix(tok, "-") {
			continue
		}
		if strings.ContainsAny(tok, "/.") {
			return true
		}
	}
	return false
}

// firstErrorLine picks the most informative line for signature
// extraction: the last line containing an error keyword, else the last
// non-empty line, else the command itself.
func firstErrorLine(text, fallback string) string {
	lines := strings.Split(text, "\n")
	lastNonEmpty := ""
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if lastNonEmpty == "" {
			lastNonEmpty = line
		}
		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") || strings.Contains(lower, "failed") || strings.Contains(lower, "panic") {
			return line
		}
	}
	if lastNonEmpty != "" {
		return lastNonEmpty
	}
	return fallback
}

func matchesAny(s string, res []*regexp.Regexp) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func strField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
