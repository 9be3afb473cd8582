// Package hooks defines the JSON contracts between the host agent and
// the warden entrypoints: the pre-tool decision hook and the post-tool
// tracking hook.
package hooks

import (
	"encoding/json"
	"fmt"
	"io"
)

// Event names the host sends in hook_event_name.
const (
	EventPreTool  = "PreToolUse"
	EventPostTool = "PostToolUse"
)

// Decisions the host understands in permissionDecision.
const (
	DecisionDeny = "deny"
	DecisionAsk  = "ask"
)

// Input is the hook payload on stdin. ToolResponse is only present on
// post-tool events.
type Input struct {
	SessionID     string         `json:"session_id"`
	HookEventName string         `json:"hook_event_name"`
	ToolName      string         `json:"tool_name"`
	ToolInput     map[string]any `json:"tool_input"`
	ToolResponse  map[string]any `json:"tool_response,omitempty"`
}

// Output is the optional decision document on stdout. Emitting nothing
// means the host falls through to its own permission handling.
type Output struct {
	HookSpecificOutput HookSpecificOutput `json:"hookSpecificOutput"`
}

// HookSpecificOutput carries the permission decision.
type HookSpecificOutput struct {
	PermissionDecision string `json:"permissionDecision"`
	Reason             string `json:"reason,omitempty"`
}

// ParseInput decodes a hook payload. Session ids default to "main" so
// solo sessions need no configuration.
func ParseInput(r io.Reader) (*Input, error) {
	var in Input
	dec := json.NewDecoder(r)
	if err := dec.Decode(&in); err != nil {
		return nil, fmt.Errorf("parsing hook input: %w", err)
	}
	if in.SessionID == "" {
		in.SessionID = "main"
	}
	if in.ToolInput == nil {
		in.ToolInput = map[string]any{}
	}
	return &in, nil
}

// Deny renders a deny decision document.
func Deny(reason string) *Output {
	return &Output{HookSpecificOutput: HookSpecificOutput{
		PermissionDecision: DecisionDeny,
		Reason:             reason,
	}}
}

// Ask renders an ask decision document.
func Ask(reason string) *Output {
	return &Output{HookSpecificOutput: HookSpecificOutput{
		PermissionDecision: DecisionAsk,
		Reason:             reason,
	}}
}

// Write emits the decision JSON to w.
func (o *Output) Write(w io.Writer) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("serializing hook output: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing hook output: %w", err)
	}
	return nil
}
