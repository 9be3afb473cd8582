// Package ai holds the model-backed helpers. The only consumer today
// is the session-end handoff digest; callers keep a heuristic fallback
// so a missing API key or a dead endpoint never degrades the runtime.
package ai

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ModelHaiku is the cost-efficient model used for digests. Overridable
// via WARDEN_MODEL for teams pinned to a different snapshot.
const ModelHaiku = "claude-3-5-haiku-20241022"

// summarizeTimeout bounds one digest call. Session end is interactive;
// a slow model is worse than the heuristic.
const summarizeTimeout = 15 * time.Second

// Summarizer condenses session notes into a short handoff digest.
type Summarizer struct {
	client *anthropic.Client
	model  string
}

// NewSummarizer builds a summarizer from the named key env var. A
// missing key is an error; callers treat a nil summarizer as
// "heuristic only".
func NewSummarizer(keyEnv, model string) (*Summarizer, error) {
	key := os.Getenv(keyEnv)
	if key == "" {
		return nil, fmt.Errorf("%s not set", keyEnv)
	}
	if model == "" {
		if env := os.Getenv("WARDEN_MODEL"); env != "" {
			model = env
		} else {
			model = ModelHaiku
		}
	}
	client := anthropic.NewClient(option.WithAPIKey(key))
	return &Summarizer{client: &client, model: model}, nil
}

// Summarize turns raw session notes into at most five digest lines.
func (s *Summarizer) Summarize(ctx context.Context, notes string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, summarizeTimeout)
	defer cancel()

	prompt := "Condense the following coding-session notes into a handoff digest " +
		"of at most five lines. Keep file names and commands verbatim. Drop anything " +
		"speculative. Output plain text only.\n\n" + notes

	resp, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	out := strings.TrimSpace(text.String())
	if out == "" {
		return "", fmt.Errorf("empty summarizer response")
	}
	return out, nil
}
