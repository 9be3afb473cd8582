// Package observe captures a compressed record of each tool call and
// appends it to a disk queue that the memory gateway later drains into
// the vector store. Capture is best-effort: a failed append drops the
// observation, never the hook.
package observe

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/wardenhq/warden/internal/errsig"
)

// Priority ranks an observation for retention during compaction.
type Priority string

const (
	PriorityHigh Priority = "high"
	PriorityMed  Priority = "med"
	PriorityLow  Priority = "low"
)

// Observation is one queue record, serialized as a single JSON line.
type Observation struct {
	Tool      string            `json:"tool"`
	TS        float64           `json:"ts"`
	SessionID string            `json:"session_id"`
	KeyFields map[string]string `json:"key_fields"`
	Outcome   string            `json:"outcome"`
	Priority  Priority          `json:"priority"`
	ObsHash   string            `json:"_obs_hash"`
}

// maxFieldLen bounds each captured field so one verbose tool call
// cannot bloat the queue.
const maxFieldLen = 200

// Build constructs an observation from a tool call. The key fields are
// the salient parts of the input: command prefix for shell calls, file
// path plus a short content hash for edits, query for searches, url for
// fetches. The observation hash is the 64-bit FNV-1a of the key, used
// for near-duplicate suppression.
func Build(tool, sessionID string, input map[string]any, outcome string, ts float64) *Observation {
	obs := &Observation{
		Tool:      tool,
		TS:        ts,
		SessionID: sessionID,
		KeyFields: map[string]string{},
		Outcome:   outcome,
		Priority:  classify(tool, outcome),
	}

	switch tool {
	case "Bash":
		cmd := str(input, "command")
		obs.KeyFields["command"] = truncate(commandPrefix(cmd), maxFieldLen)
	case "Edit", "Write", "NotebookEdit":
		path := str(input, "file_path")
		obs.KeyFields["file"] = path
		content := str(input, "new_string") + str(input, "content")
		if content != "" {
			obs.KeyFields["content_hash"] = shortHash(content)
		}
	case "Read":
		obs.KeyFields["file"] = str(input, "file_path")
	case "Grep", "Glob", "WebSearch":
		obs.KeyFields["query"] = truncate(str(input, "pattern")+str(input, "query"), maxFieldLen)
	case "WebFetch":
		obs.KeyFields["url"] = truncate(str(input, "url"), maxFieldLen)
	default:
		// Unknown tools keep only their name; the hash still includes
		// the tool so distinct tools never collide to one line.
	}

	obs.ObsHash = fmt.Sprintf("%016x", errsig.Hash64(obs.key()))
	return obs
}

// key flattens the identifying fields into a stable string.
func (o *Observation) key() string {
	parts := []string{o.Tool}
	for _, k := range []string{"command", "file", "content_hash", "query", "url"} {
		if v, ok := o.KeyFields[k]; ok {
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, "|")
}

// classify assigns retention priority. Errors and edits are the causal
// evidence worth keeping longest; reads and searches age out first.
func classify(tool, outcome string) Priority {
	if strings.Contains(strings.ToLower(outcome), "error") || outcome == "failed" {
		return PriorityHigh
	}
	switch tool {
	case "Edit", "Write", "NotebookEdit", "Bash":
		return PriorityMed
	default:
		return PriorityLow
	}
}

// commandPrefix keeps the leading words of a shell command, enough to
// identify what ran without storing full argument lists.
func commandPrefix(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) > 4 {
		fields = fields[:4]
	}
	return strings.Join(fields, " ")
}

func shortHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:4])
}

// Text renders the observation as a compact sentence for embedding.
func (o *Observation) Text() string {
	var b strings.Builder
	b.WriteString(o.Tool)
	for _, k := range []string{"command", "file", "query", "url"} {
		if v, ok := o.KeyFields[k]; ok && v != "" {
			fmt.Fprintf(&b, " %s=%s", k, v)
		}
	}
	if o.Outcome != "" {
		fmt.Fprintf(&b, " outcome=%s", o.Outcome)
	}
	return b.String()
}

func str(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// CanonicalPath best-effort absolutizes and cleans a file path so the
// same file never appears under two spellings.
func CanonicalPath(path string) string {
	if path == "" {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}
