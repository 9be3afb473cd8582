package observe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildBashKeepsCommandPrefix(t *testing.T) {
	obs := Build("Bash", "main", map[string]any{
		"command": "pytest tests/test_foo.py -x --tb=short --maxfail=1 -q",
	}, "ok", 100)

	assert.Equal(t, "pytest tests/test_foo.py -x --tb=short", obs.KeyFields["command"])
	assert.Len(t, obs.ObsHash, 16)
}

func TestBuildEditIncludesContentHash(t *testing.T) {
	a := Build("Edit", "main", map[string]any{
		"file_path":  "/x/foo.py",
		"new_string": "def f(): return 1",
	}, "ok", 100)
	b := Build("Edit", "main", map[string]any{
		"file_path":  "/x/foo.py",
		"new_string": "def f(): return 2",
	}, "ok", 100)

	assert.Equal(t, a.KeyFields["file"], b.KeyFields["file"])
	assert.NotEqual(t, a.ObsHash, b.ObsHash, "different content hashes differently")
}

func TestHashIgnoresTimestampAndSession(t *testing.T) {
	a := Build("Read", "main", map[string]any{"file_path": "/x/foo.py"}, "ok", 100)
	b := Build("Read", "other", map[string]any{"file_path": "/x/foo.py"}, "ok", 999)
	assert.Equal(t, a.ObsHash, b.ObsHash)
}

func TestClassifyPriorities(t *testing.T) {
	assert.Equal(t, PriorityHigh, classify("Read", "error: boom"))
	assert.Equal(t, PriorityMed, classify("Edit", "ok"))
	assert.Equal(t, PriorityMed, classify("Bash", "ok"))
	assert.Equal(t, PriorityLow, classify("Read", "ok"))
	assert.Equal(t, PriorityLow, classify("Grep", "ok"))
}

func TestTextRendersSalientFields(t *testing.T) {
	obs := Build("Bash", "main", map[string]any{"command": "go test ./..."}, "ok", 1)
	assert.Contains(t, obs.Text(), "command=go test ./...")
	assert.Contains(t, obs.Text(), "outcome=ok")
}

func TestCanonicalPath(t *testing.T) {
	assert.Equal(t, "/x/foo.py", CanonicalPath("/x/./foo.py"))
	assert.Equal(t, "/x/foo.py", CanonicalPath("/x/bar/../foo.py"))
}
