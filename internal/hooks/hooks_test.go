package hooks

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInputDefaults(t *testing.T) {
	in, err := ParseInput(strings.NewReader(`{"tool_name":"Read"}`))
	require.NoError(t, err)
	assert.Equal(t, "main", in.SessionID)
	assert.NotNil(t, in.ToolInput)
}

func TestParseInputRejectsMalformedJSON(t *testing.T) {
	_, err := ParseInput(strings.NewReader(`{"tool_name":`))
	require.Error(t, err)
}

func TestDenyRendersDecisionDocument(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Deny("not like this").Write(&buf))

	out := buf.String()
	assert.Contains(t, out, `"permissionDecision":"deny"`)
	assert.Contains(t, out, "not like this")
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestAskRendersDecisionDocument(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Ask("confirm first").Write(&buf))
	assert.Contains(t, buf.String(), `"permissionDecision":"ask"`)
}
