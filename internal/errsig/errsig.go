// Package errsig normalizes error text into a stable signature so the
// same failure can be recognized across sessions. Two errors that differ
// only in paths, addresses, timestamps, or other volatile fields produce
// identical signatures.
package errsig

import (
	"fmt"
	"regexp"
	"strings"
)

// fnvOffset64 and fnvPrime64 are the FNV-1a 64-bit parameters.
const (
	fnvOffset64 = 14695981039346656037
	fnvPrime64  = 1099511628211
)

// scrubRule replaces one class of volatile token with a placeholder.
// Order matters: more specific patterns run before generic ones.
type scrubRule struct {
	pattern *regexp.Regexp
	repl    string
}

var scrubRules = []scrubRule{
	// Python tracebacks carry line numbers that shift on every edit.
	{regexp.MustCompile(`line \d+`), "line N"},
	// ISO-8601 timestamps, with optional fractional seconds and zone.
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`), "<TIME>"},
	// UUIDs before hex runs, which would otherwise eat them piecemeal.
	{regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`), "<UUID>"},
	// Memory addresses: 0x followed by hex digits.
	{regexp.MustCompile(`0x[0-9a-fA-F]+`), "<ADDR>"},
	// Git hashes (7-40 hex chars standing alone).
	{regexp.MustCompile(`\b[0-9a-f]{7,40}\b`), "<HASH>"},
	// Object reprs: <Foo object at ...> already lost the address above.
	{regexp.MustCompile(`<[A-Za-z_][\w.]* (object|instance)[^>]*>`), "<OBJ>"},
	// Temp-file suffixes: foo.tmp123, foo-tmp-abc12.
	{regexp.MustCompile(`[-.]tmp[-.]?\w+`), ".tmp"},
	// Filesystem paths, Unix and Windows.
	{regexp.MustCompile(`(/[\w.~-]+){2,}`), "<PATH>"},
	{regexp.MustCompile(`[A-Za-z]:\\[\w\\.~-]+`), "<PATH>"},
	// host:port and bare port numbers.
	{regexp.MustCompile(`:\d{2,5}\b`), ":<PORT>"},
	// Memory sizes: 123MB, 4.5 GiB.
	{regexp.MustCompile(`\b\d+(\.\d+)?\s?([KMGT]i?B|bytes)\b`), "<SIZE>"},
	// Any remaining multi-digit number.
	{regexp.MustCompile(`\b\d{2,}\b`), "<N>"},
}

var whitespace = regexp.MustCompile(`\s+`)

// Normalize strips volatile fields from error text, lowercases it, and
// collapses whitespace. The result is deterministic for a given input.
func Normalize(text string) string {
	s := text
	for _, rule := range scrubRules {
		s = rule.pattern.ReplaceAllString(s, rule.repl)
	}
	s = strings.ToLower(s)
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Hash computes the 64-bit FNV-1a of s truncated to 8 hex characters.
func Hash(s string) string {
	var h uint64 = fnvOffset64
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= fnvPrime64
	}
	return fmt.Sprintf("%08x", uint32(h>>32)^uint32(h))
}

// Hash64 computes the full 64-bit FNV-1a of s. Used where collisions in
// the 8-character form would matter (observation dedup keys).
func Hash64(s string) uint64 {
	var h uint64 = fnvOffset64
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= fnvPrime64
	}
	return h
}

// Signature returns the normalized form of text plus its 8-hex-char
// FNV-1a hash. This is the shared contract between the tracker's error
// detection and the memory gateway's fix-outcome keys.
func Signature(text string) (string, string) {
	n := Normalize(text)
	return n, Hash(n)
}
