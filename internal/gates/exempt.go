package gates

import (
	"path/filepath"
	"strings"
)

// Exemption helpers come in three tiers. Gates pick the loosest tier
// that still serves their purpose: a safety gate exempts almost
// nothing, a quality gate exempts scratch and doc files too.

// baseExemptNames are agent-workspace files that every gate ignores.
var baseExemptNames = map[string]bool{
	"AGENTS.md":   true,
	"CLAUDE.md":   true,
	"NOTES.md":    true,
	"HANDOFF.md":  true,
	".gitignore":  true,
	".gitkeep":    true,
}

// nonCodeExts are extensions the full tier treats as free to touch.
var nonCodeExts = map[string]bool{
	".md":   true,
	".txt":  true,
	".rst":  true,
	".json": true,
	".yaml": true,
	".yml":  true,
	".toml": true,
	".cfg":  true,
	".ini":  true,
	".lock": true,
	".csv":  true,
	".log":  true,
}

// exemptBase: fixed basenames plus anything under a skills/ directory.
func exemptBase(path string) bool {
	if path == "" {
		return false
	}
	if baseExemptNames[filepath.Base(path)] {
		return true
	}
	norm := filepath.ToSlash(path)
	return strings.HasPrefix(norm, "skills/") || strings.Contains(norm, "/skills/")
}

// exemptStandard adds test and spec file name patterns.
func exemptStandard(path string) bool {
	if exemptBase(path) {
		return true
	}
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return strings.HasPrefix(stem, "test_") ||
		strings.HasPrefix(stem, "spec_") ||
		strings.HasSuffix(stem, "_test") ||
		strings.HasSuffix(stem, "_spec") ||
		strings.HasSuffix(stem, ".test") ||
		strings.HasSuffix(stem, ".spec")
}

// exemptFull adds non-code extensions on top of the standard tier.
func exemptFull(path string) bool {
	if exemptStandard(path) {
		return true
	}
	return nonCodeExts[strings.ToLower(filepath.Ext(path))]
}

// stemOf normalizes a file name for related-read matching: basename
// without extension, test/spec affixes stripped.
func stemOf(path string) string {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	stem = strings.TrimPrefix(stem, "test_")
	stem = strings.TrimPrefix(stem, "spec_")
	stem = strings.TrimSuffix(stem, "_test")
	stem = strings.TrimSuffix(stem, "_spec")
	stem = strings.TrimSuffix(stem, ".test")
	stem = strings.TrimSuffix(stem, ".spec")
	return stem
}
