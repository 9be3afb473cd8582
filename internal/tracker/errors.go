package tracker

import (
	"strings"

	"github.com/wardenhq/warden/internal/errsig"
	"github.com/wardenhq/warden/internal/hooks"
	"github.com/wardenhq/warden/internal/state"
)

const (
	// errorDedupSeconds suppresses repeats of one pattern inside the
	// window.
	errorDedupSeconds = 60
	// maxErrorPatterns caps the ring buffer; the oldest window is
	// evicted beyond it.
	maxErrorPatterns = 50
	// maxUnloggedErrors bounds the raw list carried in state.
	maxUnloggedErrors = 50
)

// errorSignatures is the ordered scan list: the first substring found
// in the output names the error class. Specific classes come before
// generic ones.
var errorSignatures = []string{
	"Traceback (most recent call last)",
	"ModuleNotFoundError",
	"ImportError",
	"AssertionError",
	"AttributeError",
	"SyntaxError",
	"TypeError",
	"NameError",
	"KeyError",
	"IndexError",
	"ValueError",
	"ZeroDivisionError",
	"panic:",
	"segmentation fault",
	"undefined:",
	"cannot find package",
	"npm ERR!",
	"fatal:",
	"FAILED",
	"Error:",
	"error:",
}

// detectErrors is duty 3: scan the tool output for the first known
// error signature, record it once per dedup window, and keep the
// pattern books bounded.
func (t *Tracker) detectErrors(in *hooks.Input, s *state.SessionState, ts float64) {
	text := responseText(in.ToolResponse)
	if text == "" {
		return
	}

	matched := ""
	matchedLine := ""
	for _, sig := range errorSignatures {
		if idx := strings.Index(text, sig); idx >= 0 {
			matched = sig
			matchedLine = lineAround(text, idx)
			break
		}
	}
	if matched == "" {
		return
	}

	pattern, _ := errsig.Signature(matchedLine)
	s.ErrorPatternCounts[pattern]++

	win, seen := s.ErrorWindows[pattern]
	if seen {
		win.Count++
		if ts-win.LastSeen < errorDedupSeconds {
			// Same pattern inside the window: counted, not re-logged.
			win.LastSeen = ts
			return
		}
		win.LastSeen = ts
	} else {
		if len(s.ErrorWindows) >= maxErrorPatterns {
			evictOldestWindow(s)
		}
		s.ErrorWindows[pattern] = &state.ErrorWindow{LastSeen: ts, Count: 1}
	}

	s.UnloggedErrors = append(s.UnloggedErrors, pattern)
	if len(s.UnloggedErrors) > maxUnloggedErrors {
		s.UnloggedErrors = s.UnloggedErrors[len(s.UnloggedErrors)-maxUnloggedErrors:]
	}
}

// lineAround returns the full line containing byte offset idx.
func lineAround(text string, idx int) string {
	start := strings.LastIndexByte(text[:idx], '\n') + 1
	end := strings.IndexByte(text[idx:], '\n')
	if end < 0 {
		return text[start:]
	}
	return text[start : idx+end]
}

func evictOldestWindow(s *state.SessionState) {
	oldest := ""
	oldestTS := 0.0
	for pattern, win := range s.ErrorWindows {
		if oldest == "" || win.LastSeen < oldestTS {
			oldest = pattern
			oldestTS = win.LastSeen
		}
	}
	if oldest != "" {
		delete(s.ErrorWindows, oldest)
	}
}
